package services

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/estamp-field/api/internal/domain"
)

type stubHealthRepository struct {
	report domain.HealthReport
	err    error
}

func (s stubHealthRepository) Collect(context.Context) (domain.HealthReport, error) {
	return s.report, s.err
}

func TestHealthServiceReport(t *testing.T) {
	started := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	now := started.Add(90 * time.Minute)
	svc, err := NewHealthService(HealthServiceDeps{
		Dependencies: stubHealthRepository{report: domain.HealthReport{
			Status: domain.HealthStatusDegraded,
			Checks: map[string]domain.HealthCheck{"redis": {Status: domain.HealthStatusDegraded}},
		}},
		Build: BuildInfo{Version: "1.4.0", CommitSHA: "abc123", Environment: "prod", StartedAt: started},
		Clock: func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("new health service: %v", err)
	}

	report, err := svc.Report(context.Background())
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if report.Status != domain.HealthStatusDegraded || report.Version != "1.4.0" || report.Environment != "prod" {
		t.Fatalf("unexpected report %+v", report)
	}
	if report.Uptime != 90*time.Minute || !report.GeneratedAt.Equal(now) {
		t.Fatalf("unexpected uptime %s / generated %s", report.Uptime, report.GeneratedAt)
	}
	if svc.Build().CommitSHA != "abc123" {
		t.Fatalf("unexpected build info %+v", svc.Build())
	}
}

func TestHealthServiceErrors(t *testing.T) {
	if _, err := NewHealthService(HealthServiceDeps{}); err == nil {
		t.Fatalf("expected error without dependencies")
	}
	svc, err := NewHealthService(HealthServiceDeps{Dependencies: stubHealthRepository{err: errors.New("boom")}})
	if err != nil {
		t.Fatalf("new health service: %v", err)
	}
	if _, err := svc.Report(context.Background()); err == nil {
		t.Fatalf("expected collect error")
	}
}
