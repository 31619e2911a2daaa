// Package firestore implements the stamp repositories on Cloud Firestore. Guards that span a
// read and a write (version compare-and-set, promo usage caps, template references) run inside
// transactions.
package firestore

import (
	"time"

	"github.com/estamp-field/api/internal/domain"
)

const (
	templatesCollection = "stamp_templates"
	ordersCollection    = "stamp_orders"
	promosCollection    = "stamp_promos"
)

type templateDocument struct {
	Jurisdiction string    `firestore:"jurisdiction"`
	DocumentType string    `firestore:"documentType"`
	BaseDuty     int64     `firestore:"baseDuty"`
	PlatformFee  int64     `firestore:"platformFee"`
	Description  string    `firestore:"description,omitempty"`
	Active       bool      `firestore:"active"`
	CreatedAt    time.Time `firestore:"createdAt"`
	UpdatedAt    time.Time `firestore:"updatedAt"`
}

func newTemplateDocument(t domain.StampTemplate) templateDocument {
	return templateDocument{
		Jurisdiction: t.Jurisdiction,
		DocumentType: t.DocumentType,
		BaseDuty:     t.BaseDuty,
		PlatformFee:  t.PlatformFee,
		Description:  t.Description,
		Active:       t.Active,
		CreatedAt:    t.CreatedAt.UTC(),
		UpdatedAt:    t.UpdatedAt.UTC(),
	}
}

func (d templateDocument) toDomain(id string) domain.StampTemplate {
	return domain.StampTemplate{
		ID:           id,
		Jurisdiction: d.Jurisdiction,
		DocumentType: d.DocumentType,
		BaseDuty:     d.BaseDuty,
		PlatformFee:  d.PlatformFee,
		Description:  d.Description,
		Active:       d.Active,
		CreatedAt:    d.CreatedAt.UTC(),
		UpdatedAt:    d.UpdatedAt.UTC(),
	}
}

type partyDocument struct {
	Name  string `firestore:"name"`
	Phone string `firestore:"phone,omitempty"`
}

type amountsDocument struct {
	StampAmount    int64 `firestore:"stampAmount"`
	BaseDuty       int64 `firestore:"baseDuty"`
	ConvenienceFee int64 `firestore:"convenienceFee"`
	ServiceCharge  int64 `firestore:"serviceCharge"`
	DoorstepCharge int64 `firestore:"doorstepCharge"`
	PromoDiscount  int64 `firestore:"promoDiscount"`
	Total          int64 `firestore:"total"`
}

type gatewayDocument struct {
	Provider     string `firestore:"provider,omitempty"`
	OrderID      string `firestore:"orderId,omitempty"`
	ClientSecret string `firestore:"clientSecret,omitempty"`
	PaymentID    string `firestore:"paymentId,omitempty"`
	Signature    string `firestore:"signature,omitempty"`
}

type documentRefDocument struct {
	ObjectKey    string     `firestore:"objectKey,omitempty"`
	URL          string     `firestore:"url,omitempty"`
	URLExpiresAt *time.Time `firestore:"urlExpiresAt,omitempty"`
}

type guestDocument struct {
	Name  string `firestore:"name,omitempty"`
	Email string `firestore:"email,omitempty"`
	Phone string `firestore:"phone,omitempty"`
}

type metadataDocument struct {
	Event  string            `firestore:"event"`
	At     time.Time         `firestore:"at"`
	Actor  string            `firestore:"actor,omitempty"`
	Reason string            `firestore:"reason,omitempty"`
	Detail map[string]string `firestore:"detail,omitempty"`
}

type orderDocument struct {
	OwnerID          string              `firestore:"ownerId,omitempty"`
	TemplateID       string              `firestore:"templateId"`
	Jurisdiction     string              `firestore:"jurisdiction"`
	DocumentType     string              `firestore:"documentType"`
	FirstParty       partyDocument       `firestore:"firstParty"`
	SecondParty      partyDocument       `firestore:"secondParty"`
	Payer            string              `firestore:"payer"`
	Amounts          amountsDocument     `firestore:"amounts"`
	Currency         string              `firestore:"currency"`
	ServiceTier      string              `firestore:"serviceTier,omitempty"`
	DoorstepDelivery bool                `firestore:"doorstepDelivery"`
	DeliveryAddress  string              `firestore:"deliveryAddress,omitempty"`
	PromoCode        string              `firestore:"promoCode,omitempty"`
	PromoCredited    bool                `firestore:"promoCredited"`
	Gateway          gatewayDocument     `firestore:"gateway"`
	Status           string              `firestore:"status"`
	Document         documentRefDocument `firestore:"document"`
	VerificationHash string              `firestore:"verificationHash,omitempty"`
	Guest            guestDocument       `firestore:"guest"`
	Metadata         []metadataDocument  `firestore:"metadata"`
	Version          int64               `firestore:"version"`

	CreatedAt         time.Time  `firestore:"createdAt"`
	UpdatedAt         time.Time  `firestore:"updatedAt"`
	PaymentVerifiedAt *time.Time `firestore:"paymentVerifiedAt,omitempty"`
	IssuedAt          *time.Time `firestore:"issuedAt,omitempty"`
	CompletedAt       *time.Time `firestore:"completedAt,omitempty"`
	ExpiresAt         *time.Time `firestore:"expiresAt,omitempty"`
	DeliveredAt       *time.Time `firestore:"deliveredAt,omitempty"`
	CancelledAt       *time.Time `firestore:"cancelledAt,omitempty"`
	FailedAt          *time.Time `firestore:"failedAt,omitempty"`
	RevokedAt         *time.Time `firestore:"revokedAt,omitempty"`
}

func newOrderDocument(o domain.StampOrder) orderDocument {
	metadata := make([]metadataDocument, 0, len(o.Metadata))
	for _, entry := range o.Metadata {
		metadata = append(metadata, metadataDocument{
			Event:  entry.Event,
			At:     entry.At.UTC(),
			Actor:  entry.Actor,
			Reason: entry.Reason,
			Detail: entry.Detail,
		})
	}
	return orderDocument{
		OwnerID:          o.OwnerID,
		TemplateID:       o.TemplateID,
		Jurisdiction:     o.Jurisdiction,
		DocumentType:     o.DocumentType,
		FirstParty:       partyDocument(o.FirstParty),
		SecondParty:      partyDocument(o.SecondParty),
		Payer:            string(o.Payer),
		Amounts:          amountsDocument(o.Amounts),
		Currency:         o.Currency,
		ServiceTier:      string(o.ServiceTier),
		DoorstepDelivery: o.DoorstepDelivery,
		DeliveryAddress:  o.DeliveryAddress,
		PromoCode:        o.PromoCode,
		PromoCredited:    o.PromoCredited,
		Gateway:          gatewayDocument(o.Gateway),
		Status:           string(o.Status),
		Document: documentRefDocument{
			ObjectKey:    o.Document.ObjectKey,
			URL:          o.Document.URL,
			URLExpiresAt: utcPtr(o.Document.URLExpiresAt),
		},
		VerificationHash:  o.VerificationHash,
		Guest:             guestDocument(o.Guest),
		Metadata:          metadata,
		Version:           o.Version,
		CreatedAt:         o.CreatedAt.UTC(),
		UpdatedAt:         o.UpdatedAt.UTC(),
		PaymentVerifiedAt: utcPtr(o.PaymentVerifiedAt),
		IssuedAt:          utcPtr(o.IssuedAt),
		CompletedAt:       utcPtr(o.CompletedAt),
		ExpiresAt:         utcPtr(o.ExpiresAt),
		DeliveredAt:       utcPtr(o.DeliveredAt),
		CancelledAt:       utcPtr(o.CancelledAt),
		FailedAt:          utcPtr(o.FailedAt),
		RevokedAt:         utcPtr(o.RevokedAt),
	}
}

func (d orderDocument) toDomain(id string) domain.StampOrder {
	var metadata []domain.StampMetadataEntry
	for _, entry := range d.Metadata {
		metadata = append(metadata, domain.StampMetadataEntry{
			Event:  entry.Event,
			At:     entry.At.UTC(),
			Actor:  entry.Actor,
			Reason: entry.Reason,
			Detail: entry.Detail,
		})
	}
	return domain.StampOrder{
		ID:               id,
		OwnerID:          d.OwnerID,
		TemplateID:       d.TemplateID,
		Jurisdiction:     d.Jurisdiction,
		DocumentType:     d.DocumentType,
		FirstParty:       domain.StampParty(d.FirstParty),
		SecondParty:      domain.StampParty(d.SecondParty),
		Payer:            domain.PayerDesignation(d.Payer),
		Amounts:          domain.StampAmounts(d.Amounts),
		Currency:         d.Currency,
		ServiceTier:      domain.ServiceTier(d.ServiceTier),
		DoorstepDelivery: d.DoorstepDelivery,
		DeliveryAddress:  d.DeliveryAddress,
		PromoCode:        d.PromoCode,
		PromoCredited:    d.PromoCredited,
		Gateway:          domain.StampGateway(d.Gateway),
		Status:           domain.StampOrderStatus(d.Status),
		Document: domain.StampDocument{
			ObjectKey:    d.Document.ObjectKey,
			URL:          d.Document.URL,
			URLExpiresAt: utcPtr(d.Document.URLExpiresAt),
		},
		VerificationHash:  d.VerificationHash,
		Guest:             domain.GuestContact(d.Guest),
		Metadata:          metadata,
		Version:           d.Version,
		CreatedAt:         d.CreatedAt.UTC(),
		UpdatedAt:         d.UpdatedAt.UTC(),
		PaymentVerifiedAt: utcPtr(d.PaymentVerifiedAt),
		IssuedAt:          utcPtr(d.IssuedAt),
		CompletedAt:       utcPtr(d.CompletedAt),
		ExpiresAt:         utcPtr(d.ExpiresAt),
		DeliveredAt:       utcPtr(d.DeliveredAt),
		CancelledAt:       utcPtr(d.CancelledAt),
		FailedAt:          utcPtr(d.FailedAt),
		RevokedAt:         utcPtr(d.RevokedAt),
	}
}

type promoDocument struct {
	Description    string    `firestore:"description,omitempty"`
	DiscountType   string    `firestore:"discountType"`
	Value          int64     `firestore:"value"`
	MaxDiscount    *int64    `firestore:"maxDiscount,omitempty"`
	MinOrderAmount int64     `firestore:"minOrderAmount"`
	ValidFrom      time.Time `firestore:"validFrom"`
	ValidUntil     time.Time `firestore:"validUntil"`
	UsageLimit     *int64    `firestore:"usageLimit,omitempty"`
	UsageCount     int64     `firestore:"usageCount"`
	Active         bool      `firestore:"active"`
	CreatedAt      time.Time `firestore:"createdAt"`
	UpdatedAt      time.Time `firestore:"updatedAt"`
}

func newPromoDocument(p domain.StampPromoCode) promoDocument {
	return promoDocument{
		Description:    p.Description,
		DiscountType:   string(p.DiscountType),
		Value:          p.Value,
		MaxDiscount:    p.MaxDiscount,
		MinOrderAmount: p.MinOrderAmount,
		ValidFrom:      p.ValidFrom.UTC(),
		ValidUntil:     p.ValidUntil.UTC(),
		UsageLimit:     p.UsageLimit,
		UsageCount:     p.UsageCount,
		Active:         p.Active,
		CreatedAt:      p.CreatedAt.UTC(),
		UpdatedAt:      p.UpdatedAt.UTC(),
	}
}

func (d promoDocument) toDomain(code string) domain.StampPromoCode {
	return domain.StampPromoCode{
		Code:           code,
		Description:    d.Description,
		DiscountType:   domain.DiscountType(d.DiscountType),
		Value:          d.Value,
		MaxDiscount:    d.MaxDiscount,
		MinOrderAmount: d.MinOrderAmount,
		ValidFrom:      zeroIfUnset(d.ValidFrom),
		ValidUntil:     zeroIfUnset(d.ValidUntil),
		UsageLimit:     d.UsageLimit,
		UsageCount:     d.UsageCount,
		Active:         d.Active,
		CreatedAt:      d.CreatedAt.UTC(),
		UpdatedAt:      d.UpdatedAt.UTC(),
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}

// zeroIfUnset maps the stored zero instant back to time.Time{} so open promo windows survive a
// round trip.
func zeroIfUnset(t time.Time) time.Time {
	if t.IsZero() {
		return time.Time{}
	}
	return t.UTC()
}
