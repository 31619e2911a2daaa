package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/estamp-field/api/internal/platform/httpx"
	"github.com/estamp-field/api/internal/services"
)

const maxWebhookBodySize = 32 * 1024

// PaymentWebhookHandlers receives asynchronous payment confirmations from gateways.
type PaymentWebhookHandlers struct {
	orders services.StampOrderService
}

// NewPaymentWebhookHandlers constructs the gateway webhook handlers.
func NewPaymentWebhookHandlers(orders services.StampOrderService) *PaymentWebhookHandlers {
	return &PaymentWebhookHandlers{orders: orders}
}

// Routes registers the /webhooks endpoints.
func (h *PaymentWebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/payments/{provider}", h.handlePayment)
}

type paymentWebhookRequest struct {
	GatewayOrderID string `json:"gatewayOrderId"`
	PaymentID      string `json:"paymentId"`
	Signature      string `json:"signature"`
}

func (h *PaymentWebhookHandlers) handlePayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		serviceUnavailable(ctx, w, "order")
		return
	}
	var req paymentWebhookRequest
	if herr := httpx.DecodeJSON(w, r, &req, maxWebhookBodySize, false); herr != nil {
		httpx.WriteError(ctx, w, *herr)
		return
	}

	order, err := h.orders.HandleGatewayCallback(ctx, services.StampGatewayCallbackCommand{
		Provider:       strings.ToLower(strings.TrimSpace(chi.URLParam(r, "provider"))),
		GatewayOrderID: req.GatewayOrderID,
		PaymentID:      req.PaymentID,
		Signature:      req.Signature,
	})
	if err != nil {
		// The payment itself was accepted; an issuance failure is recorded on the order and
		// retried by operators, so the gateway must not redeliver.
		if errors.Is(err, services.ErrStampIssuance) {
			httpx.WriteJSON(w, http.StatusAccepted, map[string]any{
				"orderId": order.ID,
				"status":  string(order.Status),
			})
			return
		}
		writeStampError(ctx, w, err, &order)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"orderId": order.ID,
		"status":  string(order.Status),
	})
}
