package services

import (
	"context"
	"errors"
	"time"

	domain "github.com/estamp-field/api/internal/domain"
	"github.com/estamp-field/api/internal/repositories"
)

// BuildInfo is the runtime metadata reported by the health endpoints.
type BuildInfo struct {
	Version     string
	CommitSHA   string
	Environment string
	StartedAt   time.Time
}

// HealthService reports liveness metadata and dependency readiness.
type HealthService interface {
	Build() BuildInfo
	Report(ctx context.Context) (domain.HealthReport, error)
}

type HealthServiceDeps struct {
	Dependencies repositories.HealthRepository
	Build        BuildInfo
	Clock        func() time.Time
}

type healthService struct {
	deps  repositories.HealthRepository
	build BuildInfo
	clock func() time.Time
}

func NewHealthService(deps HealthServiceDeps) (HealthService, error) {
	if deps.Dependencies == nil {
		return nil, errors.New("health service: dependency repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	build := deps.Build
	if build.StartedAt.IsZero() {
		build.StartedAt = clock()
	}
	build.StartedAt = build.StartedAt.UTC()
	return &healthService{deps: deps.Dependencies, build: build, clock: clock}, nil
}

func (s *healthService) Build() BuildInfo {
	return s.build
}

func (s *healthService) Report(ctx context.Context) (domain.HealthReport, error) {
	report, err := s.deps.Collect(ctx)
	if err != nil {
		return domain.HealthReport{}, err
	}
	now := s.clock().UTC()
	if report.GeneratedAt.IsZero() {
		report.GeneratedAt = now
	}
	report.Version = s.build.Version
	report.CommitSHA = s.build.CommitSHA
	report.Environment = s.build.Environment
	report.Uptime = now.Sub(s.build.StartedAt)
	return report, nil
}
