package domain

import "time"

// HealthStatus summarises a dependency or the whole service.
type HealthStatus string

const (
	HealthStatusOK HealthStatus = "ok"
	// HealthStatusDegraded means an optional dependency failed; the API still serves traffic.
	HealthStatusDegraded HealthStatus = "degraded"
	HealthStatusError    HealthStatus = "error"
)

// HealthCheck is the outcome of one dependency probe.
type HealthCheck struct {
	Status    HealthStatus
	Error     string
	Latency   time.Duration
	CheckedAt time.Time
}

// HealthReport aggregates dependency probes for the readiness endpoint.
type HealthReport struct {
	Status      HealthStatus
	Checks      map[string]HealthCheck
	Version     string
	CommitSHA   string
	Environment string
	Uptime      time.Duration
	GeneratedAt time.Time
}
