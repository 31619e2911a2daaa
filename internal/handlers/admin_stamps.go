package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/estamp-field/api/internal/platform/auth"
	"github.com/estamp-field/api/internal/platform/httpx"
	"github.com/estamp-field/api/internal/services"
)

// AdminStampHandlers exposes operator endpoints for orders, templates and promo codes.
type AdminStampHandlers struct {
	authn     *auth.Authenticator
	orders    services.StampOrderService
	templates services.StampTemplateService
	promos    services.StampPromoService
}

// NewAdminStampHandlers constructs the admin stamp handlers.
func NewAdminStampHandlers(authn *auth.Authenticator, orders services.StampOrderService, templates services.StampTemplateService, promos services.StampPromoService) *AdminStampHandlers {
	return &AdminStampHandlers{
		authn:     authn,
		orders:    orders,
		templates: templates,
		promos:    promos,
	}
}

// Routes registers the /admin/stamps endpoints. Every route requires the admin role.
func (h *AdminStampHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Route("/stamps", func(rt chi.Router) {
		if h.authn != nil {
			rt.Use(h.authn.RequireFirebaseAuth(auth.RoleAdmin))
		}
		rt.Get("/orders/{orderID}", h.getOrder)
		rt.Patch("/orders/{orderID}/revoke", h.revokeOrder)
		rt.Patch("/orders/{orderID}/deliver", h.markDelivered)
		rt.Post("/orders/{orderID}/retry-issuance", h.retryIssuance)

		rt.Put("/templates/{templateID}", h.upsertTemplate)
		rt.Delete("/templates/{templateID}", h.deleteTemplate)

		rt.Get("/promos/{code}", h.getPromo)
		rt.Put("/promos/{code}", h.upsertPromo)
	})
}

func (h *AdminStampHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		serviceUnavailable(ctx, w, "order")
		return
	}
	order, err := h.orders.GetOrder(ctx, services.GetStampOrderCommand{
		OrderID: chi.URLParam(r, "orderID"),
		Admin:   true,
	})
	if err != nil {
		writeStampError(ctx, w, err, nil)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, newOrderPayload(order, true))
}

type adminReasonRequest struct {
	Reason string `json:"reason"`
	Note   string `json:"note"`
}

func (h *AdminStampHandlers) revokeOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		serviceUnavailable(ctx, w, "order")
		return
	}
	var req adminReasonRequest
	if herr := httpx.DecodeJSON(w, r, &req, maxStampBodySize, false); herr != nil {
		httpx.WriteError(ctx, w, *herr)
		return
	}
	order, err := h.orders.Revoke(ctx, services.RevokeStampOrderCommand{
		OrderID: chi.URLParam(r, "orderID"),
		ActorID: adminActorID(r),
		Reason:  req.Reason,
	})
	if err != nil {
		writeStampError(ctx, w, err, nil)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, newOrderPayload(order, true))
}

func (h *AdminStampHandlers) markDelivered(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		serviceUnavailable(ctx, w, "order")
		return
	}
	var req adminReasonRequest
	if herr := httpx.DecodeJSON(w, r, &req, maxStampBodySize, true); herr != nil {
		httpx.WriteError(ctx, w, *herr)
		return
	}
	order, err := h.orders.MarkDelivered(ctx, services.MarkStampDeliveredCommand{
		OrderID: chi.URLParam(r, "orderID"),
		ActorID: adminActorID(r),
		Note:    req.Note,
	})
	if err != nil {
		writeStampError(ctx, w, err, nil)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, newOrderPayload(order, true))
}

func (h *AdminStampHandlers) retryIssuance(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		serviceUnavailable(ctx, w, "order")
		return
	}
	var req adminReasonRequest
	if herr := httpx.DecodeJSON(w, r, &req, maxStampBodySize, true); herr != nil {
		httpx.WriteError(ctx, w, *herr)
		return
	}
	order, err := h.orders.RetryIssuance(ctx, services.RetryStampIssuanceCommand{
		OrderID: chi.URLParam(r, "orderID"),
		ActorID: adminActorID(r),
		Reason:  req.Reason,
	})
	if err != nil {
		writeStampError(ctx, w, err, &order)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, newOrderPayload(order, true))
}

type upsertTemplateRequest struct {
	Jurisdiction string `json:"jurisdiction"`
	DocumentType string `json:"documentType"`
	BaseDuty     int64  `json:"baseDuty"`
	PlatformFee  int64  `json:"platformFee"`
	Description  string `json:"description"`
	Active       *bool  `json:"active"`
}

func (h *AdminStampHandlers) upsertTemplate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.templates == nil {
		serviceUnavailable(ctx, w, "template")
		return
	}
	var req upsertTemplateRequest
	if herr := httpx.DecodeJSON(w, r, &req, maxStampBodySize, false); herr != nil {
		httpx.WriteError(ctx, w, *herr)
		return
	}
	active := true
	if req.Active != nil {
		active = *req.Active
	}
	saved, err := h.templates.Upsert(ctx, services.UpsertStampTemplateCommand{
		Template: services.StampTemplate{
			ID:           chi.URLParam(r, "templateID"),
			Jurisdiction: req.Jurisdiction,
			DocumentType: req.DocumentType,
			BaseDuty:     req.BaseDuty,
			PlatformFee:  req.PlatformFee,
			Description:  req.Description,
			Active:       active,
		},
		ActorID: adminActorID(r),
	})
	if err != nil {
		writeStampError(ctx, w, err, nil)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, newTemplatePayload(saved))
}

func (h *AdminStampHandlers) deleteTemplate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.templates == nil {
		serviceUnavailable(ctx, w, "template")
		return
	}
	if err := h.templates.Delete(ctx, chi.URLParam(r, "templateID")); err != nil {
		writeStampError(ctx, w, err, nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *AdminStampHandlers) getPromo(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.promos == nil {
		serviceUnavailable(ctx, w, "promo")
		return
	}
	promo, err := h.promos.Get(ctx, chi.URLParam(r, "code"))
	if err != nil {
		writeStampError(ctx, w, err, nil)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, newPromoPayload(promo))
}

type upsertPromoRequest struct {
	Description    string `json:"description"`
	DiscountType   string `json:"discountType"`
	Value          int64  `json:"value"`
	MaxDiscount    *int64 `json:"maxDiscount"`
	MinOrderAmount int64  `json:"minOrderAmount"`
	ValidFrom      string `json:"validFrom"`
	ValidUntil     string `json:"validUntil"`
	UsageLimit     *int64 `json:"usageLimit"`
	Active         *bool  `json:"active"`
}

func (h *AdminStampHandlers) upsertPromo(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.promos == nil {
		serviceUnavailable(ctx, w, "promo")
		return
	}
	var req upsertPromoRequest
	if herr := httpx.DecodeJSON(w, r, &req, maxStampBodySize, false); herr != nil {
		httpx.WriteError(ctx, w, *herr)
		return
	}
	validFrom, err := parseOptionalTime(strings.TrimSpace(req.ValidFrom))
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "validFrom must be an RFC3339 timestamp", http.StatusBadRequest))
		return
	}
	validUntil, err := parseOptionalTime(strings.TrimSpace(req.ValidUntil))
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "validUntil must be an RFC3339 timestamp", http.StatusBadRequest))
		return
	}
	active := true
	if req.Active != nil {
		active = *req.Active
	}
	saved, err := h.promos.Upsert(ctx, services.UpsertStampPromoCommand{
		Promo: services.StampPromoCode{
			Code:           chi.URLParam(r, "code"),
			Description:    req.Description,
			DiscountType:   services.DiscountType(strings.ToLower(strings.TrimSpace(req.DiscountType))),
			Value:          req.Value,
			MaxDiscount:    req.MaxDiscount,
			MinOrderAmount: req.MinOrderAmount,
			ValidFrom:      validFrom,
			ValidUntil:     validUntil,
			UsageLimit:     req.UsageLimit,
			Active:         active,
		},
		ActorID: adminActorID(r),
	})
	if err != nil {
		writeStampError(ctx, w, err, nil)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, newPromoPayload(saved))
}
