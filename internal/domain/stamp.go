package domain

import (
	"strings"
	"time"
)

// StampOrderStatus enumerates the lifecycle states of a stamp order.
type StampOrderStatus string

const (
	// StampOrderStatusDraft indicates the order was priced but no service tier has been confirmed.
	StampOrderStatusDraft StampOrderStatus = "draft"
	// StampOrderStatusPendingPayment indicates the order awaits gateway payment.
	StampOrderStatusPendingPayment StampOrderStatus = "pending_payment"
	// StampOrderStatusPaymentVerified indicates the gateway signature was verified.
	StampOrderStatusPaymentVerified StampOrderStatus = "payment_verified"
	// StampOrderStatusGenerating indicates a single issuer owns document rendering.
	StampOrderStatusGenerating StampOrderStatus = "generating"
	// StampOrderStatusGenerated indicates the document is stored and verifiable.
	StampOrderStatusGenerated StampOrderStatus = "generated"
	// StampOrderStatusDelivered indicates the physical copy reached the customer.
	StampOrderStatusDelivered StampOrderStatus = "delivered"
	// StampOrderStatusFailed indicates payment verification or issuance failed.
	StampOrderStatusFailed StampOrderStatus = "failed"
	// StampOrderStatusCancelled indicates the customer abandoned the order before payment.
	StampOrderStatusCancelled StampOrderStatus = "cancelled"
	// StampOrderStatusRevoked indicates an administrator invalidated the issued document.
	StampOrderStatusRevoked StampOrderStatus = "revoked"
)

// ServiceTier selects the processing speed of an order.
type ServiceTier string

const (
	ServiceTierStandard ServiceTier = "standard"
	ServiceTierExpress  ServiceTier = "express"
)

// PayerDesignation records which party pays the stamp duty.
type PayerDesignation string

const (
	PayerFirstParty  PayerDesignation = "first_party"
	PayerSecondParty PayerDesignation = "second_party"
	PayerBoth        PayerDesignation = "both"
)

// DiscountType enumerates supported promo code discount calculations.
type DiscountType string

const (
	DiscountTypePercentage DiscountType = "percentage"
	DiscountTypeFixed      DiscountType = "fixed"
)

// StampTemplate is a jurisdiction × document-type price sheet.
type StampTemplate struct {
	ID           string
	Jurisdiction string
	DocumentType string
	BaseDuty     int64
	PlatformFee  int64
	Description  string
	Active       bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// StampParty identifies one side of the instrument.
type StampParty struct {
	Name  string
	Phone string
}

// StampAmounts holds every fee component in integer minor currency units.
type StampAmounts struct {
	StampAmount    int64
	BaseDuty       int64
	ConvenienceFee int64
	ServiceCharge  int64
	DoorstepCharge int64
	PromoDiscount  int64
	Total          int64
}

// Subtotal returns the pre-discount amount the promo discount applies to.
func (a StampAmounts) Subtotal() int64 {
	return a.StampAmount + a.ConvenienceFee + a.ServiceCharge + a.DoorstepCharge
}

// ExpectedTotal recomputes the total from its components.
func (a StampAmounts) ExpectedTotal() int64 {
	return a.Subtotal() - a.PromoDiscount
}

// Balanced reports whether Total equals the sum of its components and is non-negative.
func (a StampAmounts) Balanced() bool {
	return a.Total == a.ExpectedTotal() && a.Total >= 0
}

// StampGateway captures the payment gateway references attached to an order.
type StampGateway struct {
	Provider     string
	OrderID      string
	ClientSecret string
	PaymentID    string
	Signature    string
}

// StampDocument references the stored PDF and the cached retrieval URL.
type StampDocument struct {
	ObjectKey    string
	URL          string
	URLExpiresAt *time.Time
}

// URLExpired reports whether the cached URL must be re-issued at now.
func (d StampDocument) URLExpired(now time.Time) bool {
	if strings.TrimSpace(d.URL) == "" || d.URLExpiresAt == nil {
		return true
	}
	return !d.URLExpiresAt.After(now)
}

// GuestContact identifies purchasers without an account.
type GuestContact struct {
	Name  string
	Email string
	Phone string
}

// StampMetadataEntry is a single append-only audit record on an order.
type StampMetadataEntry struct {
	Event  string
	At     time.Time
	Actor  string
	Reason string
	Detail map[string]string
}

// StampOrder is the central transactional entity of the issuance pipeline.
type StampOrder struct {
	ID               string
	OwnerID          string
	TemplateID       string
	Jurisdiction     string
	DocumentType     string
	FirstParty       StampParty
	SecondParty      StampParty
	Payer            PayerDesignation
	Amounts          StampAmounts
	Currency         string
	ServiceTier      ServiceTier
	DoorstepDelivery bool
	DeliveryAddress  string
	PromoCode        string
	PromoCredited    bool
	Gateway          StampGateway
	Status           StampOrderStatus
	Document         StampDocument
	VerificationHash string
	Guest            GuestContact
	Metadata         []StampMetadataEntry
	Version          int64

	CreatedAt         time.Time
	UpdatedAt         time.Time
	PaymentVerifiedAt *time.Time
	IssuedAt          *time.Time
	CompletedAt       *time.Time
	ExpiresAt         *time.Time
	DeliveredAt       *time.Time
	CancelledAt       *time.Time
	FailedAt          *time.Time
	RevokedAt         *time.Time
}

// IsGuest reports whether the order was placed without an account.
func (o StampOrder) IsGuest() bool {
	return strings.TrimSpace(o.OwnerID) == ""
}

// PaymentProven reports whether a verified gateway payment is recorded on the order.
func (o StampOrder) PaymentProven() bool {
	return o.PaymentVerifiedAt != nil && strings.TrimSpace(o.Gateway.PaymentID) != ""
}

// StampPromoCode is a reusable discount rule.
type StampPromoCode struct {
	Code           string
	Description    string
	DiscountType   DiscountType
	Value          int64
	MaxDiscount    *int64
	MinOrderAmount int64
	ValidFrom      time.Time
	ValidUntil     time.Time
	UsageLimit     *int64
	UsageCount     int64
	Active         bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// NormalizePromoCode returns the canonical upper-case representation of a promo code.
func NormalizePromoCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// NormalizeJurisdiction returns the canonical upper-case jurisdiction code.
func NormalizeJurisdiction(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// StampCertificate is the content printed onto an issued stamp document.
type StampCertificate struct {
	Order            StampOrder
	VerificationHash string
	VerificationURL  string
	IssuedAt         time.Time
	ExpiresAt        time.Time
}
