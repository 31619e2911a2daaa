package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/estamp-field/api/internal/platform/httpx"
	"github.com/estamp-field/api/internal/services"
)

// InternalStampHandlers exposes scheduler-driven maintenance endpoints.
type InternalStampHandlers struct {
	orders services.StampOrderService
}

func NewInternalStampHandlers(orders services.StampOrderService) *InternalStampHandlers {
	return &InternalStampHandlers{orders: orders}
}

// Routes registers the /internal endpoints.
func (h *InternalStampHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/stamps/sweep", h.sweep)
}

type sweepRequest struct {
	OlderThanSeconds int64 `json:"olderThanSeconds"`
	Limit            int   `json:"limit"`
}

func (h *InternalStampHandlers) sweep(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		serviceUnavailable(ctx, w, "order")
		return
	}
	var req sweepRequest
	if herr := httpx.DecodeJSON(w, r, &req, maxStampBodySize, true); herr != nil {
		httpx.WriteError(ctx, w, *herr)
		return
	}
	if req.OlderThanSeconds < 0 || req.Limit < 0 {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "olderThanSeconds and limit must not be negative", http.StatusBadRequest))
		return
	}
	result, err := h.orders.FailStuckIssuance(ctx, services.SweepStuckIssuanceCommand{
		OlderThan: time.Duration(req.OlderThanSeconds) * time.Second,
		Limit:     req.Limit,
	})
	if err != nil {
		writeStampError(ctx, w, err, nil)
		return
	}
	failed := result.Failed
	if failed == nil {
		failed = []string{}
	}
	resumed := result.Resumed
	if resumed == nil {
		resumed = []string{}
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"examined": result.Examined,
		"failed":   failed,
		"resumed":  resumed,
	})
}
