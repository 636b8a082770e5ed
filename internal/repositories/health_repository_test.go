package repositories

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hanko-field/checkout/internal/domain"
)

func okCheck(context.Context) error { return nil }

func waitCheck(d time.Duration) func(context.Context) error {
	return func(ctx context.Context) error {
		select {
		case <-time.After(d):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func collect(t *testing.T, checks []DependencyCheck, opts ...DependencyHealthOption) domain.SystemHealthReport {
	t.Helper()
	repo, err := NewDependencyHealthRepository(checks, opts...)
	if err != nil {
		t.Fatalf("NewDependencyHealthRepository: %v", err)
	}
	report, err := repo.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return report
}

func TestDependencyHealthRepositoryAllHealthy(t *testing.T) {
	now := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	report := collect(t, []DependencyCheck{
		{Name: "storefront", Critical: true, Check: waitCheck(5 * time.Millisecond)},
		{Name: "redis", Check: okCheck},
	}, WithDependencyClock(func() time.Time { return now }))

	if report.Status != domain.HealthStatusOK || len(report.Checks) != 2 {
		t.Fatalf("unexpected report %+v", report)
	}
	for name, check := range report.Checks {
		if check.Status != domain.HealthStatusOK || !check.CheckedAt.Equal(now) {
			t.Fatalf("unexpected %s check %+v", name, check)
		}
	}
	if !report.GeneratedAt.Equal(now) {
		t.Fatalf("expected generatedAt %s, got %s", now, report.GeneratedAt)
	}
}

func TestDependencyHealthRepositoryGrading(t *testing.T) {
	boom := errors.New("connection refused")
	cases := []struct {
		name    string
		checks  []DependencyCheck
		overall string
		per     map[string]string
	}{
		{
			name: "optional failure degrades",
			checks: []DependencyCheck{
				{Name: "storefront", Critical: true, Check: okCheck},
				{Name: "pubsub", Check: func(context.Context) error { return boom }},
			},
			overall: domain.HealthStatusDegraded,
			per:     map[string]string{"pubsub": domain.HealthStatusDegraded},
		},
		{
			name: "critical failure errors",
			checks: []DependencyCheck{
				{Name: "storefront", Critical: true, Check: func(context.Context) error { return boom }},
				{Name: "redis", Check: func(context.Context) error { return boom }},
			},
			overall: domain.HealthStatusError,
			per: map[string]string{
				"storefront": domain.HealthStatusError,
				"redis":      domain.HealthStatusDegraded,
			},
		},
		{
			name: "timeout errors",
			checks: []DependencyCheck{
				{Name: "secretManager", Timeout: 5 * time.Millisecond, Check: waitCheck(time.Second)},
			},
			overall: domain.HealthStatusError,
			per:     map[string]string{"secretManager": domain.HealthStatusError},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			report := collect(t, tc.checks)
			if report.Status != tc.overall {
				t.Fatalf("expected %s, got %s", tc.overall, report.Status)
			}
			for name, want := range tc.per {
				if got := report.Checks[name].Status; got != want {
					t.Fatalf("expected %s %s, got %s", name, want, got)
				}
			}
		})
	}
}

func TestDependencyHealthRepositoryProbeIgnoringContext(t *testing.T) {
	report := collect(t, []DependencyCheck{{
		Name:    "redis",
		Timeout: 5 * time.Millisecond,
		Check: func(context.Context) error {
			time.Sleep(20 * time.Millisecond)
			return nil
		},
	}})
	check := report.Checks["redis"]
	if check.Status != domain.HealthStatusError || check.Detail != "timeout" {
		t.Fatalf("expected timeout, got %+v", check)
	}
	if check.Error == "" {
		t.Fatalf("expected error text on timed out probe")
	}
}

func TestNewDependencyHealthRepositoryValidatesChecks(t *testing.T) {
	cases := map[string][]DependencyCheck{
		"empty":     nil,
		"unnamed":   {{Name: " ", Check: okCheck}},
		"no probe":  {{Name: "redis"}},
		"duplicate": {{Name: "redis", Check: okCheck}, {Name: "redis", Check: okCheck}},
	}
	for name, checks := range cases {
		if _, err := NewDependencyHealthRepository(checks); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}
