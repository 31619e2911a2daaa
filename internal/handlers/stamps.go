package handlers

import (
	"net"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/estamp-field/api/internal/platform/auth"
	"github.com/estamp-field/api/internal/platform/httpx"
	"github.com/estamp-field/api/internal/platform/requestctx"
	"github.com/estamp-field/api/internal/services"
)

const (
	// GuestEmailHeader identifies guest purchasers on follow-up calls for their order.
	GuestEmailHeader = "X-Guest-Email"

	maxStampBodySize = 16 * 1024
)

// StampHandlers serves the customer-facing stamp purchase flow and public verification.
type StampHandlers struct {
	authn        *auth.Authenticator
	templates    services.StampTemplateService
	orders       services.StampOrderService
	verification services.StampVerificationService
	verifyLimit  RateLimiter
	orderMW      []func(http.Handler) http.Handler
}

// StampHandlerOption customises StampHandlers.
type StampHandlerOption func(*StampHandlers)

// WithVerifyRateLimiter throttles GET /verify/{hash} per client address.
func WithVerifyRateLimiter(limiter RateLimiter) StampHandlerOption {
	return func(h *StampHandlers) {
		h.verifyLimit = limiter
	}
}

// WithOrderMiddlewares runs mw on the order endpoints after the caller has been identified.
func WithOrderMiddlewares(mw ...func(http.Handler) http.Handler) StampHandlerOption {
	return func(h *StampHandlers) {
		h.orderMW = append(h.orderMW, mw...)
	}
}

// NewStampHandlers constructs the customer stamp handlers.
func NewStampHandlers(authn *auth.Authenticator, templates services.StampTemplateService, orders services.StampOrderService, verification services.StampVerificationService, opts ...StampHandlerOption) *StampHandlers {
	h := &StampHandlers{
		authn:        authn,
		templates:    templates,
		orders:       orders,
		verification: verification,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers the /stamps endpoints.
func (h *StampHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/verify/{hash}", h.verify)
	r.Get("/templates/{jurisdiction}", h.listTemplates)

	r.Group(func(orders chi.Router) {
		if h.authn != nil {
			orders.Use(h.authn.OptionalFirebaseAuth())
		}
		for _, mw := range h.orderMW {
			if mw != nil {
				orders.Use(mw)
			}
		}
		orders.Post("/orders", h.createOrder)
		orders.Get("/orders/{orderID}", h.getOrder)
		orders.Patch("/orders/{orderID}/service", h.selectService)
		orders.Post("/orders/{orderID}/payment", h.createPayment)
		orders.Post("/orders/{orderID}/verify-payment", h.verifyPayment)
		orders.Post("/orders/{orderID}/cancel", h.cancelOrder)
	})
}

func (h *StampHandlers) listTemplates(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.templates == nil {
		serviceUnavailable(ctx, w, "template")
		return
	}
	templates, err := h.templates.ListActive(ctx, chi.URLParam(r, "jurisdiction"))
	if err != nil {
		writeStampError(ctx, w, err, nil)
		return
	}
	items := make([]templatePayload, 0, len(templates))
	for _, t := range templates {
		items = append(items, newTemplatePayload(t))
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"templates": items})
}

type createOrderRequest struct {
	TemplateID  string       `json:"templateId"`
	StampAmount int64        `json:"stampAmount"`
	FirstParty  partyPayload `json:"firstParty"`
	SecondParty partyPayload `json:"secondParty"`
	Payer       string       `json:"payer"`
	Guest       *struct {
		Name  string `json:"name"`
		Email string `json:"email"`
		Phone string `json:"phone"`
	} `json:"guest"`
}

func (h *StampHandlers) createOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		serviceUnavailable(ctx, w, "order")
		return
	}
	var req createOrderRequest
	if herr := httpx.DecodeJSON(w, r, &req, maxStampBodySize, false); herr != nil {
		httpx.WriteError(ctx, w, *herr)
		return
	}

	cmd := services.CreateStampDraftCommand{
		Actor:       stampActor(r),
		TemplateID:  req.TemplateID,
		StampAmount: req.StampAmount,
		FirstParty:  services.StampParty{Name: req.FirstParty.Name, Phone: req.FirstParty.Phone},
		SecondParty: services.StampParty{Name: req.SecondParty.Name, Phone: req.SecondParty.Phone},
		Payer:       services.PayerDesignation(strings.ToLower(strings.TrimSpace(req.Payer))),
	}
	if req.Guest != nil {
		cmd.Guest = services.GuestContact{Name: req.Guest.Name, Email: req.Guest.Email, Phone: req.Guest.Phone}
	}

	quote, err := h.orders.CreateDraft(ctx, cmd)
	if err != nil {
		writeStampError(ctx, w, err, nil)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, map[string]any{
		"orderId":     quote.Order.ID,
		"status":      string(quote.Order.Status),
		"totalAmount": quote.Order.Amounts.Total,
		"breakdown":   newBreakdownPayload(quote.Breakdown),
	})
}

func (h *StampHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		serviceUnavailable(ctx, w, "order")
		return
	}
	order, err := h.orders.GetOrder(ctx, services.GetStampOrderCommand{
		Actor:   stampActor(r),
		OrderID: chi.URLParam(r, "orderID"),
	})
	if err != nil {
		writeStampError(ctx, w, err, nil)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, newOrderPayload(order, false))
}

type selectServiceRequest struct {
	ServiceTier     string `json:"serviceTier"`
	Doorstep        bool   `json:"doorstep"`
	DeliveryAddress string `json:"deliveryAddress"`
	PromoCode       string `json:"promoCode"`
}

func (h *StampHandlers) selectService(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		serviceUnavailable(ctx, w, "order")
		return
	}
	var req selectServiceRequest
	if herr := httpx.DecodeJSON(w, r, &req, maxStampBodySize, false); herr != nil {
		httpx.WriteError(ctx, w, *herr)
		return
	}
	quote, err := h.orders.SelectService(ctx, services.SelectStampServiceCommand{
		Actor:           stampActor(r),
		OrderID:         chi.URLParam(r, "orderID"),
		ServiceTier:     services.ServiceTier(strings.ToLower(strings.TrimSpace(req.ServiceTier))),
		Doorstep:        req.Doorstep,
		DeliveryAddress: req.DeliveryAddress,
		PromoCode:       req.PromoCode,
	})
	if err != nil {
		writeStampError(ctx, w, err, nil)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"orderId":     quote.Order.ID,
		"status":      string(quote.Order.Status),
		"totalAmount": quote.Order.Amounts.Total,
		"breakdown":   newBreakdownPayload(quote.Breakdown),
	})
}

type createPaymentRequest struct {
	Provider string `json:"provider"`
}

func (h *StampHandlers) createPayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		serviceUnavailable(ctx, w, "order")
		return
	}
	var req createPaymentRequest
	if herr := httpx.DecodeJSON(w, r, &req, maxStampBodySize, true); herr != nil {
		httpx.WriteError(ctx, w, *herr)
		return
	}
	order, err := h.orders.CreateGatewayOrder(ctx, services.CreateStampGatewayOrderCommand{
		Actor:             stampActor(r),
		OrderID:           chi.URLParam(r, "orderID"),
		PreferredProvider: req.Provider,
	})
	if err != nil {
		writeStampError(ctx, w, err, nil)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"orderId":        order.ID,
		"status":         string(order.Status),
		"provider":       order.Gateway.Provider,
		"gatewayOrderId": order.Gateway.OrderID,
		"clientSecret":   order.Gateway.ClientSecret,
		"amount":         order.Amounts.Total,
		"currency":       order.Currency,
	})
}

type verifyPaymentRequest struct {
	PaymentID string `json:"paymentId"`
	Signature string `json:"signature"`
}

func (h *StampHandlers) verifyPayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		serviceUnavailable(ctx, w, "order")
		return
	}
	var req verifyPaymentRequest
	if herr := httpx.DecodeJSON(w, r, &req, maxStampBodySize, false); herr != nil {
		httpx.WriteError(ctx, w, *herr)
		return
	}
	order, err := h.orders.VerifyPayment(ctx, services.VerifyStampPaymentCommand{
		Actor:     stampActor(r),
		OrderID:   chi.URLParam(r, "orderID"),
		PaymentID: req.PaymentID,
		Signature: req.Signature,
	})
	if err != nil {
		writeStampError(ctx, w, err, &order)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"orderId":          order.ID,
		"status":           string(order.Status),
		"downloadUrl":      order.Document.URL,
		"verificationHash": order.VerificationHash,
		"expiresAt":        formatTimePtr(order.ExpiresAt),
	})
}

type cancelOrderRequest struct {
	Reason string `json:"reason"`
}

func (h *StampHandlers) cancelOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		serviceUnavailable(ctx, w, "order")
		return
	}
	var req cancelOrderRequest
	if herr := httpx.DecodeJSON(w, r, &req, maxStampBodySize, true); herr != nil {
		httpx.WriteError(ctx, w, *herr)
		return
	}
	order, err := h.orders.Cancel(ctx, services.CancelStampOrderCommand{
		Actor:   stampActor(r),
		OrderID: chi.URLParam(r, "orderID"),
		Reason:  req.Reason,
	})
	if err != nil {
		writeStampError(ctx, w, err, nil)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, newOrderPayload(order, false))
}

func (h *StampHandlers) verify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.verification == nil {
		serviceUnavailable(ctx, w, "verification")
		return
	}
	if h.verifyLimit != nil {
		allowed, err := h.verifyLimit.Allow(ctx, clientAddress(r))
		if err != nil {
			// Fail open: a limiter outage must not take verification down.
			requestctx.Logger(ctx).Warn("verify rate limiter unavailable", zap.Error(err))
		} else if !allowed {
			w.Header().Set("Retry-After", "60")
			httpx.WriteError(ctx, w, httpx.NewError("rate_limited", "too many verification requests", http.StatusTooManyRequests))
			return
		}
	}

	result, err := h.verification.Verify(ctx, chi.URLParam(r, "hash"))
	if err == nil && !result.IsValid {
		// revoked and expired stamps answer exactly like unknown hashes
		err = services.ErrStampNotFound
	}
	w.Header().Set("Cache-Control", "no-store")
	if err != nil {
		writeStampError(ctx, w, err, nil)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, newVerificationPayload(result))
}

// stampActor resolves the caller from the optional Firebase identity, falling back to the
// guest email header.
func stampActor(r *http.Request) services.StampActor {
	if identity, ok := auth.IdentityFromContext(r.Context()); ok && identity != nil && strings.TrimSpace(identity.UID) != "" {
		return services.StampActor{UserID: strings.TrimSpace(identity.UID)}
	}
	return services.StampActor{GuestEmail: strings.ToLower(strings.TrimSpace(r.Header.Get(GuestEmailHeader)))}
}

func adminActorID(r *http.Request) string {
	if identity, ok := auth.IdentityFromContext(r.Context()); ok && identity != nil {
		return strings.TrimSpace(identity.UID)
	}
	return ""
}

func clientAddress(r *http.Request) string {
	addr := strings.TrimSpace(r.RemoteAddr)
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
