package repositories

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	domain "github.com/estamp-field/api/internal/domain"
)

const defaultDependencyTimeout = 2 * time.Second

// HealthRepository probes the backing services the API depends on.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.HealthReport, error)
}

// DependencyCheck probes one dependency. Optional dependencies degrade the report instead of
// failing it.
type DependencyCheck struct {
	Name     string
	Optional bool
	Timeout  time.Duration
	Check    func(context.Context) error
}

type dependencyHealthRepository struct {
	checks []DependencyCheck
	now    func() time.Time
}

// NewDependencyHealthRepository validates checks and returns a repository that runs them
// concurrently on every Collect.
func NewDependencyHealthRepository(checks []DependencyCheck, clock func() time.Time) (HealthRepository, error) {
	if len(checks) == 0 {
		return nil, errors.New("health repository: at least one dependency check is required")
	}
	seen := make(map[string]struct{}, len(checks))
	for _, c := range checks {
		name := strings.TrimSpace(c.Name)
		if name == "" || c.Check == nil {
			return nil, errors.New("health repository: dependency checks need a name and a check function")
		}
		if _, dup := seen[name]; dup {
			return nil, errors.New("health repository: duplicate dependency " + name)
		}
		seen[name] = struct{}{}
	}
	if clock == nil {
		clock = time.Now
	}
	return &dependencyHealthRepository{checks: append([]DependencyCheck(nil), checks...), now: clock}, nil
}

func (r *dependencyHealthRepository) Collect(ctx context.Context) (domain.HealthReport, error) {
	results := make(map[string]domain.HealthCheck, len(r.checks))
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for _, check := range r.checks {
		wg.Add(1)
		go func(check DependencyCheck) {
			defer wg.Done()
			result := r.probe(ctx, check)
			mu.Lock()
			results[check.Name] = result
			mu.Unlock()
		}(check)
	}
	wg.Wait()

	status := domain.HealthStatusOK
	for _, result := range results {
		switch result.Status {
		case domain.HealthStatusError:
			status = domain.HealthStatusError
		case domain.HealthStatusDegraded:
			if status == domain.HealthStatusOK {
				status = domain.HealthStatusDegraded
			}
		}
	}
	return domain.HealthReport{Status: status, Checks: results, GeneratedAt: r.now().UTC()}, nil
}

func (r *dependencyHealthRepository) probe(ctx context.Context, check DependencyCheck) domain.HealthCheck {
	timeout := check.Timeout
	if timeout <= 0 {
		timeout = defaultDependencyTimeout
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := r.now()
	err := check.Check(probeCtx)
	if err == nil && probeCtx.Err() != nil {
		err = probeCtx.Err()
	}
	end := r.now()

	result := domain.HealthCheck{Status: domain.HealthStatusOK, Latency: end.Sub(start), CheckedAt: end.UTC()}
	if err != nil {
		result.Error = err.Error()
		result.Status = domain.HealthStatusError
		if check.Optional {
			result.Status = domain.HealthStatusDegraded
		}
	}
	return result
}
