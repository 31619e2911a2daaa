package handlers

import (
	"time"

	"github.com/estamp-field/api/internal/services"
)

type partyPayload struct {
	Name  string `json:"name"`
	Phone string `json:"phone,omitempty"`
}

type amountsPayload struct {
	StampAmount    int64 `json:"stampAmount"`
	BaseDuty       int64 `json:"baseDuty"`
	ConvenienceFee int64 `json:"convenienceFee"`
	ServiceCharge  int64 `json:"serviceCharge"`
	DoorstepCharge int64 `json:"doorstepCharge"`
	PromoDiscount  int64 `json:"promoDiscount"`
	Total          int64 `json:"total"`
}

type promoApplicationPayload struct {
	Code         string `json:"code"`
	DiscountType string `json:"discountType"`
	Value        int64  `json:"value"`
	Amount       int64  `json:"amount"`
}

type breakdownPayload struct {
	Currency    string                   `json:"currency"`
	ServiceTier string                   `json:"serviceTier,omitempty"`
	Doorstep    bool                     `json:"doorstep"`
	Amounts     amountsPayload           `json:"amounts"`
	Promo       *promoApplicationPayload `json:"promo,omitempty"`
}

type gatewayPayload struct {
	Provider     string `json:"provider"`
	OrderID      string `json:"orderId"`
	ClientSecret string `json:"clientSecret,omitempty"`
	PaymentID    string `json:"paymentId,omitempty"`
}

type documentPayload struct {
	URL          string  `json:"url,omitempty"`
	URLExpiresAt *string `json:"urlExpiresAt,omitempty"`
}

type metadataPayload struct {
	Event  string            `json:"event"`
	At     string            `json:"at"`
	Actor  string            `json:"actor,omitempty"`
	Reason string            `json:"reason,omitempty"`
	Detail map[string]string `json:"detail,omitempty"`
}

type orderPayload struct {
	ID               string            `json:"id"`
	Status           string            `json:"status"`
	TemplateID       string            `json:"templateId"`
	Jurisdiction     string            `json:"jurisdiction"`
	DocumentType     string            `json:"documentType"`
	FirstParty       partyPayload      `json:"firstParty"`
	SecondParty      partyPayload      `json:"secondParty"`
	Payer            string            `json:"payer"`
	Currency         string            `json:"currency"`
	Amounts          amountsPayload    `json:"amounts"`
	TotalAmount      int64             `json:"totalAmount"`
	ServiceTier      string            `json:"serviceTier,omitempty"`
	DoorstepDelivery bool              `json:"doorstepDelivery"`
	DeliveryAddress  string            `json:"deliveryAddress,omitempty"`
	PromoCode        string            `json:"promoCode,omitempty"`
	Gateway          *gatewayPayload   `json:"gateway,omitempty"`
	Document         *documentPayload  `json:"document,omitempty"`
	VerificationHash string            `json:"verificationHash,omitempty"`
	GuestEmail       string            `json:"guestEmail,omitempty"`
	Metadata         []metadataPayload `json:"metadata,omitempty"`
	Version          int64             `json:"version"`

	CreatedAt         string  `json:"createdAt"`
	UpdatedAt         string  `json:"updatedAt"`
	PaymentVerifiedAt *string `json:"paymentVerifiedAt,omitempty"`
	IssuedAt          *string `json:"issuedAt,omitempty"`
	ExpiresAt         *string `json:"expiresAt,omitempty"`
	DeliveredAt       *string `json:"deliveredAt,omitempty"`
	CancelledAt       *string `json:"cancelledAt,omitempty"`
	FailedAt          *string `json:"failedAt,omitempty"`
	RevokedAt         *string `json:"revokedAt,omitempty"`
}

type templatePayload struct {
	ID           string `json:"id"`
	Jurisdiction string `json:"jurisdiction"`
	DocumentType string `json:"documentType"`
	BaseDuty     int64  `json:"baseDuty"`
	PlatformFee  int64  `json:"platformFee"`
	Description  string `json:"description,omitempty"`
	Active       bool   `json:"active"`
	UpdatedAt    string `json:"updatedAt,omitempty"`
}

type promoPayload struct {
	Code           string `json:"code"`
	Description    string `json:"description,omitempty"`
	DiscountType   string `json:"discountType"`
	Value          int64  `json:"value"`
	MaxDiscount    *int64 `json:"maxDiscount,omitempty"`
	MinOrderAmount int64  `json:"minOrderAmount"`
	ValidFrom      string `json:"validFrom,omitempty"`
	ValidUntil     string `json:"validUntil,omitempty"`
	UsageLimit     *int64 `json:"usageLimit,omitempty"`
	UsageCount     int64  `json:"usageCount"`
	Active         bool   `json:"active"`
}

type verificationPayload struct {
	IsValid      bool    `json:"isValid"`
	Status       string  `json:"status"`
	Jurisdiction string  `json:"jurisdiction,omitempty"`
	DocumentType string  `json:"documentType,omitempty"`
	FirstParty   string  `json:"firstParty,omitempty"`
	SecondParty  string  `json:"secondParty,omitempty"`
	StampAmount  int64   `json:"stampAmount,omitempty"`
	Currency     string  `json:"currency,omitempty"`
	IssuedAt     *string `json:"issuedAt,omitempty"`
	ExpiresAt    *string `json:"expiresAt,omitempty"`
}

func newAmountsPayload(a services.StampAmounts) amountsPayload {
	return amountsPayload{
		StampAmount:    a.StampAmount,
		BaseDuty:       a.BaseDuty,
		ConvenienceFee: a.ConvenienceFee,
		ServiceCharge:  a.ServiceCharge,
		DoorstepCharge: a.DoorstepCharge,
		PromoDiscount:  a.PromoDiscount,
		Total:          a.Total,
	}
}

func newBreakdownPayload(b services.StampPriceBreakdown) breakdownPayload {
	payload := breakdownPayload{
		Currency:    b.Currency,
		ServiceTier: string(b.ServiceTier),
		Doorstep:    b.Doorstep,
		Amounts:     newAmountsPayload(b.Amounts),
	}
	if b.Promo != nil {
		payload.Promo = &promoApplicationPayload{
			Code:         b.Promo.Code,
			DiscountType: string(b.Promo.DiscountType),
			Value:        b.Promo.Value,
			Amount:       b.Promo.Amount,
		}
	}
	return payload
}

// newOrderPayload renders an order. Audit metadata is only included for admin views.
func newOrderPayload(order services.StampOrder, admin bool) orderPayload {
	payload := orderPayload{
		ID:               order.ID,
		Status:           string(order.Status),
		TemplateID:       order.TemplateID,
		Jurisdiction:     order.Jurisdiction,
		DocumentType:     order.DocumentType,
		FirstParty:       partyPayload{Name: order.FirstParty.Name, Phone: order.FirstParty.Phone},
		SecondParty:      partyPayload{Name: order.SecondParty.Name, Phone: order.SecondParty.Phone},
		Payer:            string(order.Payer),
		Currency:         order.Currency,
		Amounts:          newAmountsPayload(order.Amounts),
		TotalAmount:      order.Amounts.Total,
		ServiceTier:      string(order.ServiceTier),
		DoorstepDelivery: order.DoorstepDelivery,
		DeliveryAddress:  order.DeliveryAddress,
		PromoCode:        order.PromoCode,
		VerificationHash: order.VerificationHash,
		GuestEmail:       order.Guest.Email,
		Version:          order.Version,
		CreatedAt:        formatTime(order.CreatedAt),
		UpdatedAt:        formatTime(order.UpdatedAt),

		PaymentVerifiedAt: formatTimePtr(order.PaymentVerifiedAt),
		IssuedAt:          formatTimePtr(order.IssuedAt),
		ExpiresAt:         formatTimePtr(order.ExpiresAt),
		DeliveredAt:       formatTimePtr(order.DeliveredAt),
		CancelledAt:       formatTimePtr(order.CancelledAt),
		FailedAt:          formatTimePtr(order.FailedAt),
		RevokedAt:         formatTimePtr(order.RevokedAt),
	}
	if order.Gateway.OrderID != "" {
		payload.Gateway = &gatewayPayload{
			Provider:     order.Gateway.Provider,
			OrderID:      order.Gateway.OrderID,
			ClientSecret: order.Gateway.ClientSecret,
			PaymentID:    order.Gateway.PaymentID,
		}
	}
	if order.Document.URL != "" {
		payload.Document = &documentPayload{
			URL:          order.Document.URL,
			URLExpiresAt: formatTimePtr(order.Document.URLExpiresAt),
		}
	}
	if admin {
		for _, entry := range order.Metadata {
			payload.Metadata = append(payload.Metadata, metadataPayload{
				Event:  entry.Event,
				At:     formatTime(entry.At),
				Actor:  entry.Actor,
				Reason: entry.Reason,
				Detail: entry.Detail,
			})
		}
	}
	return payload
}

func newTemplatePayload(t services.StampTemplate) templatePayload {
	return templatePayload{
		ID:           t.ID,
		Jurisdiction: t.Jurisdiction,
		DocumentType: t.DocumentType,
		BaseDuty:     t.BaseDuty,
		PlatformFee:  t.PlatformFee,
		Description:  t.Description,
		Active:       t.Active,
		UpdatedAt:    formatTime(t.UpdatedAt),
	}
}

func newPromoPayload(p services.StampPromoCode) promoPayload {
	return promoPayload{
		Code:           p.Code,
		Description:    p.Description,
		DiscountType:   string(p.DiscountType),
		Value:          p.Value,
		MaxDiscount:    p.MaxDiscount,
		MinOrderAmount: p.MinOrderAmount,
		ValidFrom:      formatTime(p.ValidFrom),
		ValidUntil:     formatTime(p.ValidUntil),
		UsageLimit:     p.UsageLimit,
		UsageCount:     p.UsageCount,
		Active:         p.Active,
	}
}

func newVerificationPayload(v services.StampVerification) verificationPayload {
	return verificationPayload{
		IsValid:      v.IsValid,
		Status:       string(v.Status),
		Jurisdiction: v.Jurisdiction,
		DocumentType: v.DocumentType,
		FirstParty:   v.FirstParty,
		SecondParty:  v.SecondParty,
		StampAmount:  v.StampAmount,
		Currency:     v.Currency,
		IssuedAt:     formatTimePtr(v.IssuedAt),
		ExpiresAt:    formatTimePtr(v.ExpiresAt),
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil || t.IsZero() {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func parseOptionalTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, raw)
}
