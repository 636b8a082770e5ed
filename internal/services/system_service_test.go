package services

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	domain "github.com/hanko-field/checkout/internal/domain"
)

type stubHealthRepository struct {
	report domain.SystemHealthReport
	err    error
	gate   chan struct{}
	calls  atomic.Int32
}

func (s *stubHealthRepository) Collect(ctx context.Context) (domain.SystemHealthReport, error) {
	s.calls.Add(1)
	if s.gate != nil {
		<-s.gate
	}
	return cloneReport(s.report), s.err
}

func healthyRepo(checks map[string]string) *stubHealthRepository {
	report := domain.SystemHealthReport{Checks: map[string]domain.SystemHealthCheck{}}
	for name, status := range checks {
		report.Checks[name] = domain.SystemHealthCheck{Status: status}
	}
	return &stubHealthRepository{report: report}
}

func TestSystemServiceHealthReportEnrichesMetadata(t *testing.T) {
	start := time.Date(2026, time.March, 3, 8, 0, 0, 0, time.UTC)
	now := start.Add(5 * time.Minute)
	svc, err := NewSystemService(SystemServiceDeps{
		HealthRepository: healthyRepo(map[string]string{"storefront": domain.HealthStatusOK}),
		Clock:            func() time.Time { return now },
		Build:            BuildInfo{Version: "1.2.3", CommitSHA: "abc123", Environment: "prod", StartedAt: start},
		ActiveSessions:   func() int { return 3 },
	})
	require.NoError(t, err)

	report, err := svc.HealthReport(context.Background())
	require.NoError(t, err)
	require.Equal(t, domain.HealthStatusOK, report.Status)
	require.Equal(t, "1.2.3", report.Version)
	require.Equal(t, "abc123", report.CommitSHA)
	require.Equal(t, "prod", report.Environment)
	require.Equal(t, 5*time.Minute, report.Uptime)
	require.True(t, report.GeneratedAt.Equal(now))
	require.Equal(t, 3, report.ActiveSessions)
}

func TestSystemServiceDerivesOverallStatus(t *testing.T) {
	cases := map[string]struct {
		checks map[string]string
		want   string
	}{
		"all ok":        {map[string]string{"storefront": domain.HealthStatusOK, "redis": domain.HealthStatusOK}, domain.HealthStatusOK},
		"one degraded":  {map[string]string{"pubsub": domain.HealthStatusDegraded, "redis": domain.HealthStatusOK}, domain.HealthStatusDegraded},
		"error wins":    {map[string]string{"pubsub": domain.HealthStatusDegraded, "storefront": domain.HealthStatusError}, domain.HealthStatusError},
		"blank is fine": {map[string]string{"redis": ""}, domain.HealthStatusOK},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			svc, err := NewSystemService(SystemServiceDeps{HealthRepository: healthyRepo(tc.checks)})
			require.NoError(t, err)
			report, err := svc.HealthReport(context.Background())
			require.NoError(t, err)
			require.Equal(t, tc.want, report.Status)
		})
	}
}

func TestSystemServiceErrors(t *testing.T) {
	_, err := NewSystemService(SystemServiceDeps{})
	require.Error(t, err)

	boom := errors.New("collect failed")
	svc, err := NewSystemService(SystemServiceDeps{HealthRepository: &stubHealthRepository{err: boom}})
	require.NoError(t, err)
	_, err = svc.HealthReport(context.Background())
	require.ErrorIs(t, err, boom)
}

func TestSystemServiceReusesRecentReport(t *testing.T) {
	now := time.Date(2026, time.February, 1, 9, 0, 0, 0, time.UTC)
	repo := healthyRepo(map[string]string{"storefront": domain.HealthStatusOK})
	sessions := 1
	svc, err := NewSystemService(SystemServiceDeps{
		HealthRepository: repo,
		Clock:            func() time.Time { return now },
		ActiveSessions:   func() int { return sessions },
		ReportTTL:        5 * time.Second,
	})
	require.NoError(t, err)

	first, err := svc.HealthReport(context.Background())
	require.NoError(t, err)
	first.Checks["storefront"] = domain.SystemHealthCheck{Status: domain.HealthStatusError}

	sessions = 4
	now = now.Add(2 * time.Second)
	second, err := svc.HealthReport(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 1, repo.calls.Load(), "report inside ttl must be cached")
	require.Equal(t, domain.HealthStatusOK, second.Checks["storefront"].Status, "cached report must not share caller mutations")
	require.Equal(t, 4, second.ActiveSessions)

	now = now.Add(5 * time.Second)
	_, err = svc.HealthReport(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 2, repo.calls.Load())
}

func TestSystemServiceSharesConcurrentProbe(t *testing.T) {
	repo := healthyRepo(map[string]string{"redis": domain.HealthStatusOK})
	repo.gate = make(chan struct{})
	svc, err := NewSystemService(SystemServiceDeps{HealthRepository: repo})
	require.NoError(t, err)

	errs := make(chan error, 4)
	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.HealthReport(context.Background())
			errs <- err
		}()
	}
	require.Eventually(t, func() bool { return repo.calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(repo.gate)
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	require.EqualValues(t, 1, repo.calls.Load(), "concurrent readiness probes should share one collect")
}
