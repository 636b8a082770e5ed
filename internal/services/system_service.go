package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	domain "github.com/hanko-field/checkout/internal/domain"
	"github.com/hanko-field/checkout/internal/repositories"
)

// BuildInfo is the release metadata reported by /healthz and /readyz.
type BuildInfo struct {
	Version     string
	CommitSHA   string
	Environment string
	StartedAt   time.Time
}

type SystemServiceDeps struct {
	HealthRepository repositories.HealthRepository
	Clock            func() time.Time
	Build            BuildInfo
	// ActiveSessions reports how many checkouts the registry holds.
	ActiveSessions func() int
	// ReportTTL reuses the last dependency report for this long so frequent
	// readiness probes do not hammer the storefront. Zero probes every time.
	ReportTTL time.Duration
}

type systemService struct {
	repo     repositories.HealthRepository
	clock    func() time.Time
	build    BuildInfo
	sessions func() int
	ttl      time.Duration

	probes   singleflight.Group
	mu       sync.Mutex
	last     domain.SystemHealthReport
	lastTime time.Time
}

var _ SystemService = (*systemService)(nil)

func NewSystemService(deps SystemServiceDeps) (SystemService, error) {
	if deps.HealthRepository == nil {
		return nil, errors.New("system service: health repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	build := deps.Build
	if build.StartedAt.IsZero() {
		build.StartedAt = clock()
	}
	return &systemService{
		repo:     deps.HealthRepository,
		clock:    func() time.Time { return clock().UTC() },
		build:    build,
		sessions: deps.ActiveSessions,
		ttl:      deps.ReportTTL,
	}, nil
}

// HealthReport merges the dependency report with build metadata, uptime and
// the live session count.
func (s *systemService) HealthReport(ctx context.Context) (SystemHealthReport, error) {
	if ctx == nil {
		return SystemHealthReport{}, errors.New("system service: context is required")
	}
	report, err := s.dependencies(ctx)
	if err != nil {
		return SystemHealthReport{}, err
	}

	now := s.clock()
	if report.GeneratedAt.IsZero() {
		report.GeneratedAt = now
	}
	report.GeneratedAt = report.GeneratedAt.UTC()
	report.Version = firstNonBlank(report.Version, s.build.Version)
	report.CommitSHA = firstNonBlank(report.CommitSHA, s.build.CommitSHA)
	report.Environment = firstNonBlank(report.Environment, s.build.Environment)
	if report.Uptime <= 0 {
		report.Uptime = now.Sub(s.build.StartedAt)
	}
	if s.sessions != nil {
		report.ActiveSessions = s.sessions()
	}
	if strings.TrimSpace(report.Status) == "" {
		report.Status = overallStatus(report.Checks)
	}
	return report, nil
}

// dependencies returns a fresh or cached copy of the repository report;
// concurrent callers share one probe run.
func (s *systemService) dependencies(ctx context.Context) (domain.SystemHealthReport, error) {
	if cached, ok := s.cached(); ok {
		return cached, nil
	}
	v, err, _ := s.probes.Do("collect", func() (any, error) {
		report, err := s.repo.Collect(ctx)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.last, s.lastTime = report, s.clock()
		s.mu.Unlock()
		return report, nil
	})
	if err != nil {
		return domain.SystemHealthReport{}, err
	}
	return cloneReport(v.(domain.SystemHealthReport)), nil
}

func (s *systemService) cached() (domain.SystemHealthReport, bool) {
	if s.ttl <= 0 {
		return domain.SystemHealthReport{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastTime.IsZero() || s.clock().Sub(s.lastTime) >= s.ttl {
		return domain.SystemHealthReport{}, false
	}
	return cloneReport(s.last), true
}

func cloneReport(report domain.SystemHealthReport) domain.SystemHealthReport {
	checks := make(map[string]domain.SystemHealthCheck, len(report.Checks))
	for name, check := range report.Checks {
		checks[name] = check
	}
	report.Checks = checks
	return report
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

func overallStatus(checks map[string]domain.SystemHealthCheck) string {
	status := domain.HealthStatusOK
	for _, check := range checks {
		switch check.Status {
		case domain.HealthStatusOK, "":
		case domain.HealthStatusError:
			return domain.HealthStatusError
		default:
			status = domain.HealthStatusDegraded
		}
	}
	return status
}
