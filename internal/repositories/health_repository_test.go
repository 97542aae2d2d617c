package repositories

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/freshnest/api/internal/domain"
)

func healthyCheck(name string) DependencyCheck {
	return DependencyCheck{
		Name:  name,
		Check: func(context.Context) error { return nil },
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

func TestCollectAllDependenciesHealthy(t *testing.T) {
	now := time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC)
	checks := []DependencyCheck{
		{
			Name: "firestore",
			Check: func(ctx context.Context) error {
				select {
				case <-time.After(10 * time.Millisecond):
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			},
		},
		healthyCheck("stripe"),
	}

	report := collect(t, checks, WithDependencyClock(func() time.Time { return now }))

	if report.Status != domain.HealthStatusOK {
		t.Fatalf("expected status ok, got %s", report.Status)
	}
	if len(report.Checks) != 2 {
		t.Fatalf("expected 2 checks, got %d", len(report.Checks))
	}
	for name, check := range report.Checks {
		if check.Status != domain.HealthStatusOK {
			t.Fatalf("check %s: expected ok, got %s", name, check.Status)
		}
		if check.CheckedAt != now {
			t.Fatalf("check %s: expected checkedAt %s, got %s", name, now, check.CheckedAt)
		}
	}
	if report.GeneratedAt != now {
		t.Fatalf("expected generatedAt %s, got %s", now, report.GeneratedAt)
	}
}

func TestCollectFailingDependencyDegradesReport(t *testing.T) {
	boom := errors.New("boom")
	checks := []DependencyCheck{
		{
			Name:  "firestore",
			Check: func(context.Context) error { return boom },
		},
		healthyCheck("pubsub"),
	}

	report := collect(t, checks)

	if report.Status != domain.HealthStatusDegraded {
		t.Fatalf("one failing dependency must degrade the report, got %s", report.Status)
	}
	check := report.Checks["firestore"]
	if check.Status != domain.HealthStatusDegraded {
		t.Fatalf("expected firestore degraded, got %s", check.Status)
	}
	if check.Error != boom.Error() {
		t.Fatalf("expected error %q, got %q", boom.Error(), check.Error)
	}
	if report.Checks["pubsub"].Status != domain.HealthStatusOK {
		t.Fatalf("healthy dependency must stay ok, got %s", report.Checks["pubsub"].Status)
	}
}

func TestCollectTimedOutDependencyIsAnError(t *testing.T) {
	checks := []DependencyCheck{
		{
			Name: "secrets",
			Check: func(ctx context.Context) error {
				select {
				case <-time.After(20 * time.Millisecond):
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			},
		},
	}

	report := collect(t, checks, WithDependencyTimeout(5*time.Millisecond))

	if report.Status != domain.HealthStatusError {
		t.Fatalf("expected status error, got %s", report.Status)
	}
	check := report.Checks["secrets"]
	if check.Status != domain.HealthStatusError {
		t.Fatalf("expected secrets status error, got %s", check.Status)
	}
	if check.Detail != "timeout" {
		t.Fatalf("expected detail timeout, got %s", check.Detail)
	}
}

func TestNewDependencyHealthRepositoryValidatesChecks(t *testing.T) {
	if _, err := NewDependencyHealthRepository(nil); err == nil {
		t.Fatal("expected error for empty check set")
	}
	if _, err := NewDependencyHealthRepository([]DependencyCheck{{Name: " "}}); err == nil {
		t.Fatal("expected error for unnamed check")
	}
	if _, err := NewDependencyHealthRepository([]DependencyCheck{{Name: "firestore"}}); err == nil {
		t.Fatal("expected error for check without a probe function")
	}
}
