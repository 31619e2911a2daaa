package handlers

import (
	"net/http"
	"time"

	domain "github.com/estamp-field/api/internal/domain"
	"github.com/estamp-field/api/internal/platform/httpx"
	"github.com/estamp-field/api/internal/services"
)

// HealthHandlers serves liveness and readiness probes.
type HealthHandlers struct {
	health services.HealthService
	clock  func() time.Time
}

// NewHealthHandlers builds probe handlers. A nil service makes /readyz report ok without checks.
func NewHealthHandlers(health services.HealthService) *HealthHandlers {
	return &HealthHandlers{health: health, clock: time.Now}
}

type healthCheckPayload struct {
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	LatencyMS int64  `json:"latencyMs"`
}

type healthPayload struct {
	Status      string                        `json:"status"`
	Version     string                        `json:"version,omitempty"`
	CommitSHA   string                        `json:"commitSha,omitempty"`
	Environment string                        `json:"environment,omitempty"`
	Uptime      string                        `json:"uptime,omitempty"`
	Timestamp   string                        `json:"timestamp"`
	Checks      map[string]healthCheckPayload `json:"checks,omitempty"`
}

// Healthz reports process liveness. It never touches dependencies.
func (h *HealthHandlers) Healthz(w http.ResponseWriter, r *http.Request) {
	now := h.clock().UTC()
	payload := healthPayload{
		Status:    string(domain.HealthStatusOK),
		Timestamp: now.Format(time.RFC3339),
	}
	if h.health != nil {
		build := h.health.Build()
		payload.Version = build.Version
		payload.CommitSHA = build.CommitSHA
		payload.Environment = build.Environment
		if !build.StartedAt.IsZero() {
			payload.Uptime = now.Sub(build.StartedAt).Truncate(time.Second).String()
		}
	}
	httpx.WriteJSON(w, http.StatusOK, payload)
}

// Readyz probes dependencies. Required failures answer 503; degraded optional ones still answer 200.
func (h *HealthHandlers) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.health == nil {
		httpx.WriteJSON(w, http.StatusOK, healthPayload{
			Status:    string(domain.HealthStatusOK),
			Timestamp: h.clock().UTC().Format(time.RFC3339),
		})
		return
	}

	report, err := h.health.Report(ctx)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("health_unavailable", "failed to collect health report", http.StatusServiceUnavailable))
		return
	}

	payload := healthPayload{
		Status:      string(report.Status),
		Version:     report.Version,
		CommitSHA:   report.CommitSHA,
		Environment: report.Environment,
		Uptime:      report.Uptime.Truncate(time.Second).String(),
		Timestamp:   report.GeneratedAt.UTC().Format(time.RFC3339),
		Checks:      make(map[string]healthCheckPayload, len(report.Checks)),
	}
	for name, check := range report.Checks {
		payload.Checks[name] = healthCheckPayload{
			Status:    string(check.Status),
			Error:     check.Error,
			LatencyMS: check.Latency.Milliseconds(),
		}
	}

	status := http.StatusOK
	if report.Status == domain.HealthStatusError {
		status = http.StatusServiceUnavailable
	}
	httpx.WriteJSON(w, status, payload)
}
