package services

import (
	"context"
	"time"

	domain "github.com/estamp-field/api/internal/domain"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	StampTemplate         = domain.StampTemplate
	StampOrder            = domain.StampOrder
	StampOrderStatus      = domain.StampOrderStatus
	StampParty            = domain.StampParty
	StampAmounts          = domain.StampAmounts
	StampGateway          = domain.StampGateway
	StampDocument         = domain.StampDocument
	StampMetadataEntry    = domain.StampMetadataEntry
	StampPromoCode        = domain.StampPromoCode
	StampPriceBreakdown   = domain.StampPriceBreakdown
	StampPromoApplication = domain.StampPromoApplication
	StampCertificate      = domain.StampCertificate
	GuestContact          = domain.GuestContact
	ServiceTier           = domain.ServiceTier
	PayerDesignation      = domain.PayerDesignation
	DiscountType          = domain.DiscountType
)

// StampTemplateService manages jurisdiction price sheets.
type StampTemplateService interface {
	ListActive(ctx context.Context, jurisdiction string) ([]StampTemplate, error)
	Get(ctx context.Context, templateID string) (StampTemplate, error)
	Upsert(ctx context.Context, cmd UpsertStampTemplateCommand) (StampTemplate, error)
	Delete(ctx context.Context, templateID string) error
}

// StampPromoService validates promo codes and manages their definitions. Redemption happens inside
// the order lifecycle through the repository's atomic increment.
type StampPromoService interface {
	Evaluate(ctx context.Context, code string, amount int64) (StampPromoEvaluation, error)
	Get(ctx context.Context, code string) (StampPromoCode, error)
	Upsert(ctx context.Context, cmd UpsertStampPromoCommand) (StampPromoCode, error)
}

// StampOrderService owns the stamp order state machine. Every mutation of an order goes through one
// of its transition methods, each returning the newly persisted snapshot.
type StampOrderService interface {
	CreateDraft(ctx context.Context, cmd CreateStampDraftCommand) (StampOrderQuote, error)
	SelectService(ctx context.Context, cmd SelectStampServiceCommand) (StampOrderQuote, error)
	CreateGatewayOrder(ctx context.Context, cmd CreateStampGatewayOrderCommand) (StampOrder, error)
	VerifyPayment(ctx context.Context, cmd VerifyStampPaymentCommand) (StampOrder, error)
	HandleGatewayCallback(ctx context.Context, cmd StampGatewayCallbackCommand) (StampOrder, error)
	RetryIssuance(ctx context.Context, cmd RetryStampIssuanceCommand) (StampOrder, error)
	Cancel(ctx context.Context, cmd CancelStampOrderCommand) (StampOrder, error)
	MarkDelivered(ctx context.Context, cmd MarkStampDeliveredCommand) (StampOrder, error)
	Revoke(ctx context.Context, cmd RevokeStampOrderCommand) (StampOrder, error)
	GetOrder(ctx context.Context, cmd GetStampOrderCommand) (StampOrder, error)
	FailStuckIssuance(ctx context.Context, cmd SweepStuckIssuanceCommand) (StampSweepResult, error)
}

// StampVerificationService answers public authenticity checks.
type StampVerificationService interface {
	Verify(ctx context.Context, hash string) (StampVerification, error)
}

// StampEventPublisher publishes stamp order lifecycle events for downstream consumers.
type StampEventPublisher interface {
	PublishStampEvent(ctx context.Context, event StampEvent) error
}

// StampEvent captures metadata for emitted stamp order events.
type StampEvent struct {
	Type           string
	OrderID        string
	PreviousStatus string
	CurrentStatus  string
	ActorID        string
	OccurredAt     time.Time
	Metadata       map[string]any
}

// StampActor identifies the caller of a customer-facing operation. Orders with an owner are only
// visible to that owner; guest orders are matched on the guest email.
type StampActor struct {
	UserID     string
	GuestEmail string
}

// UpsertStampTemplateCommand creates or replaces a template.
type UpsertStampTemplateCommand struct {
	Template StampTemplate
	ActorID  string
}

// UpsertStampPromoCommand creates or replaces a promo code definition.
type UpsertStampPromoCommand struct {
	Promo   StampPromoCode
	ActorID string
}

// StampPromoEvaluation reports whether a code applies to an amount and the discount it yields.
type StampPromoEvaluation struct {
	Code     string
	Valid    bool
	Reason   string
	Discount int64
	Promo    StampPromoCode
}

// CreateStampDraftCommand carries the selections for a new draft order.
type CreateStampDraftCommand struct {
	Actor       StampActor
	TemplateID  string
	StampAmount int64
	FirstParty  StampParty
	SecondParty StampParty
	Payer       PayerDesignation
	Guest       GuestContact
}

// SelectStampServiceCommand confirms the service tier, delivery and promo for a draft order.
type SelectStampServiceCommand struct {
	Actor           StampActor
	OrderID         string
	ServiceTier     ServiceTier
	Doorstep        bool
	DeliveryAddress string
	PromoCode       string
}

// StampOrderQuote pairs an order with its price breakdown.
type StampOrderQuote struct {
	Order     StampOrder
	Breakdown StampPriceBreakdown
}

// CreateStampGatewayOrderCommand opens (or returns the existing) gateway order for an order.
type CreateStampGatewayOrderCommand struct {
	Actor             StampActor
	OrderID           string
	PreferredProvider string
}

// VerifyStampPaymentCommand submits the gateway payment proof for an order.
type VerifyStampPaymentCommand struct {
	Actor     StampActor
	OrderID   string
	PaymentID string
	Signature string
}

// StampGatewayCallbackCommand carries a gateway webhook payload.
type StampGatewayCallbackCommand struct {
	Provider       string
	GatewayOrderID string
	PaymentID      string
	Signature      string
}

// RetryStampIssuanceCommand re-runs issuance for a failed order whose payment was verified.
type RetryStampIssuanceCommand struct {
	OrderID string
	ActorID string
	Reason  string
}

// CancelStampOrderCommand abandons an unpaid order.
type CancelStampOrderCommand struct {
	Actor   StampActor
	OrderID string
	Reason  string
}

// MarkStampDeliveredCommand records physical delivery.
type MarkStampDeliveredCommand struct {
	OrderID string
	ActorID string
	Note    string
}

// RevokeStampOrderCommand invalidates an issued document.
type RevokeStampOrderCommand struct {
	OrderID string
	ActorID string
	Reason  string
}

// GetStampOrderCommand reads an order. Admin reads skip the ownership check.
type GetStampOrderCommand struct {
	Actor   StampActor
	OrderID string
	Admin   bool
}

// SweepStuckIssuanceCommand configures a stuck-issuance sweep. Zero values use service defaults.
type SweepStuckIssuanceCommand struct {
	OlderThan time.Duration
	Limit     int
}

// StampSweepResult summarises a sweep.
type StampSweepResult struct {
	Examined int
	Failed   []string
	Resumed  []string
}

// StampVerification is the public view of a verification lookup. Party phone numbers are never
// included; party and amount details are only present while the document is valid.
type StampVerification struct {
	IsValid      bool
	Status       StampOrderStatus
	Jurisdiction string
	DocumentType string
	FirstParty   string
	SecondParty  string
	StampAmount  int64
	Currency     string
	IssuedAt     *time.Time
	ExpiresAt    *time.Time
}
