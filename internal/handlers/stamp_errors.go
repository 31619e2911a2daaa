package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/estamp-field/api/internal/platform/httpx"
	"github.com/estamp-field/api/internal/services"
)

// writeStampError maps service sentinels onto HTTP envelopes. When the service returned the
// persisted failed snapshot alongside the error, its id and status are echoed so the client
// always sees where the order ended up.
func writeStampError(ctx context.Context, w http.ResponseWriter, err error, order *services.StampOrder) {
	if err == nil {
		return
	}
	var details map[string]any
	if order != nil && order.ID != "" {
		details = map[string]any{
			"orderId":     order.ID,
			"orderStatus": string(order.Status),
		}
	}

	var stateErr *services.StateError
	switch {
	case errors.As(err, &stateErr):
		body := httpx.NewError("stamp_invalid_state", err.Error(), http.StatusConflict).WithDetails(map[string]any{
			"orderId":     stateErr.OrderID,
			"orderStatus": string(stateErr.From),
		})
		httpx.WriteError(ctx, w, body)
	case errors.Is(err, services.ErrStampInvalidSignature):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_payment_signature", "payment signature could not be verified", http.StatusPaymentRequired).WithDetails(details))
	case errors.Is(err, services.ErrStampIssuance):
		httpx.WriteError(ctx, w, httpx.NewError("stamp_issuance_failed", "payment was received but the document could not be issued", http.StatusBadGateway).WithDetails(details))
	case errors.Is(err, services.ErrStampPromoInvalid):
		httpx.WriteError(ctx, w, httpx.NewError("promo_not_applicable", err.Error(), http.StatusUnprocessableEntity))
	case errors.Is(err, services.ErrStampPromoNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("promo_not_found", "promo code not found", http.StatusNotFound))
	case errors.Is(err, services.ErrStampValidation):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrStampNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("stamp_not_found", "not found", http.StatusNotFound))
	case errors.Is(err, services.ErrStampTemplateInUse):
		httpx.WriteError(ctx, w, httpx.NewError("template_in_use", "template is referenced by existing orders", http.StatusConflict))
	case errors.Is(err, services.ErrStampConflict):
		httpx.WriteError(ctx, w, httpx.NewError("stamp_conflict", "order was modified concurrently, retry the request", http.StatusConflict))
	case errors.Is(err, services.ErrStampPaymentGateway):
		httpx.WriteError(ctx, w, httpx.NewError("payment_gateway_error", "payment gateway rejected the request", http.StatusBadGateway))
	case errors.Is(err, services.ErrStampUnavailable), errors.Is(err, context.DeadlineExceeded):
		httpx.WriteError(ctx, w, httpx.NewError("stamp_unavailable", "service temporarily unavailable", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("stamp_error", "failed to process stamp request", http.StatusInternalServerError))
	}
}

func serviceUnavailable(ctx context.Context, w http.ResponseWriter, name string) {
	httpx.WriteError(ctx, w, httpx.NewError(name+"_unavailable", name+" service unavailable", http.StatusServiceUnavailable))
}
