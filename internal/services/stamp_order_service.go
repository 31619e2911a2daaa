package services

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/estamp-field/api/internal/domain"
	"github.com/estamp-field/api/internal/payments"
	"github.com/estamp-field/api/internal/repositories"
)

const (
	stampEventGenerated = "stamp.order.generated"
	stampEventFailed    = "stamp.order.failed"
	stampEventRevoked   = "stamp.order.revoked"
	stampEventDelivered = "stamp.order.delivered"
	stampEventCancelled = "stamp.order.cancelled"

	stampOrderIDPrefix = "stp_"

	defaultStampGatewayTimeout  = 15 * time.Second
	defaultStampIssuanceTimeout = 30 * time.Second
	defaultStampStoreTimeout    = 10 * time.Second
	defaultStampStuckThreshold  = 10 * time.Minute
	defaultStampSweepLimit      = 100
)

var stampOrderTransitions = map[StampOrderStatus][]StampOrderStatus{
	domain.StampOrderStatusDraft:           {domain.StampOrderStatusPendingPayment, domain.StampOrderStatusCancelled},
	domain.StampOrderStatusPendingPayment:  {domain.StampOrderStatusPendingPayment, domain.StampOrderStatusPaymentVerified, domain.StampOrderStatusFailed, domain.StampOrderStatusCancelled},
	domain.StampOrderStatusPaymentVerified: {domain.StampOrderStatusGenerating},
	domain.StampOrderStatusGenerating:      {domain.StampOrderStatusGenerated, domain.StampOrderStatusFailed},
	domain.StampOrderStatusGenerated:       {domain.StampOrderStatusDelivered, domain.StampOrderStatusRevoked},
	domain.StampOrderStatusDelivered:       {domain.StampOrderStatusRevoked},
	domain.StampOrderStatusFailed:          {domain.StampOrderStatusPaymentVerified},
}

// statuses reached only after a verified payment
var stampPaidStatuses = []StampOrderStatus{
	domain.StampOrderStatusPaymentVerified,
	domain.StampOrderStatusGenerating,
	domain.StampOrderStatusGenerated,
	domain.StampOrderStatusDelivered,
	domain.StampOrderStatusRevoked,
}

// StampIssuer renders and stores documents for paid orders.
type StampIssuer interface {
	Issue(ctx context.Context, order StampOrder, issuedAt time.Time) (IssuedStampDocument, error)
	Refresh(ctx context.Context, doc StampDocument) (StampDocument, error)
}

// StampPaymentGateway opens gateway orders.
type StampPaymentGateway interface {
	CreateOrder(ctx context.Context, paymentCtx payments.PaymentContext, req payments.OrderRequest) (payments.GatewayOrder, error)
}

// StampOrderServiceDeps bundles collaborators required to construct the stamp order service.
type StampOrderServiceDeps struct {
	Orders    repositories.StampOrderRepository
	Templates repositories.StampTemplateRepository
	Promos    repositories.StampPromoRepository
	Pricing   *StampPricingEngine
	Gateway   StampPaymentGateway
	Verifier  StampPaymentVerifier
	Issuer    StampIssuer
	Events    StampEventPublisher
	Sanitize  func(string) string

	GatewayTimeout  time.Duration
	IssuanceTimeout time.Duration
	StoreTimeout    time.Duration
	StuckThreshold  time.Duration

	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type stampOrderService struct {
	orders    repositories.StampOrderRepository
	templates repositories.StampTemplateRepository
	promos    repositories.StampPromoRepository
	pricing   *StampPricingEngine
	gateway   StampPaymentGateway
	verifier  StampPaymentVerifier
	issuer    StampIssuer
	events    StampEventPublisher
	sanitize  func(string) string

	gatewayTimeout  time.Duration
	issuanceTimeout time.Duration
	storeTimeout    time.Duration
	stuckThreshold  time.Duration

	clock  func() time.Time
	newID  func() string
	logger func(context.Context, string, map[string]any)
}

// NewStampOrderService wires dependencies into the stamp order state machine.
func NewStampOrderService(deps StampOrderServiceDeps) (StampOrderService, error) {
	switch {
	case deps.Orders == nil:
		return nil, errors.New("stamp order service: order repository is required")
	case deps.Templates == nil:
		return nil, errors.New("stamp order service: template repository is required")
	case deps.Promos == nil:
		return nil, errors.New("stamp order service: promo repository is required")
	case deps.Pricing == nil:
		return nil, errors.New("stamp order service: pricing engine is required")
	case deps.Verifier == nil:
		return nil, errors.New("stamp order service: payment verifier is required")
	case deps.Issuer == nil:
		return nil, errors.New("stamp order service: document issuer is required")
	}

	sanitize := deps.Sanitize
	if sanitize == nil {
		sanitize = strings.TrimSpace
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &stampOrderService{
		orders:          deps.Orders,
		templates:       deps.Templates,
		promos:          deps.Promos,
		pricing:         deps.Pricing,
		gateway:         deps.Gateway,
		verifier:        deps.Verifier,
		issuer:          deps.Issuer,
		events:          deps.Events,
		sanitize:        sanitize,
		gatewayTimeout:  durationOrDefault(deps.GatewayTimeout, defaultStampGatewayTimeout),
		issuanceTimeout: durationOrDefault(deps.IssuanceTimeout, defaultStampIssuanceTimeout),
		storeTimeout:    durationOrDefault(deps.StoreTimeout, defaultStampStoreTimeout),
		stuckThreshold:  durationOrDefault(deps.StuckThreshold, defaultStampStuckThreshold),
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		logger: logger,
	}, nil
}

func (s *stampOrderService) CreateDraft(ctx context.Context, cmd CreateStampDraftCommand) (StampOrderQuote, error) {
	templateID := strings.TrimSpace(cmd.TemplateID)
	if templateID == "" {
		return StampOrderQuote{}, fmt.Errorf("%w: template id is required", ErrStampValidation)
	}

	first := s.cleanParty(cmd.FirstParty)
	second := s.cleanParty(cmd.SecondParty)
	if first.Name == "" || second.Name == "" {
		return StampOrderQuote{}, fmt.Errorf("%w: both party names are required", ErrStampValidation)
	}

	payer := cmd.Payer
	if payer == "" {
		payer = domain.PayerFirstParty
	}
	switch payer {
	case domain.PayerFirstParty, domain.PayerSecondParty, domain.PayerBoth:
	default:
		return StampOrderQuote{}, fmt.Errorf("%w: unsupported payer %q", ErrStampValidation, cmd.Payer)
	}

	ownerID := strings.TrimSpace(cmd.Actor.UserID)
	var guest GuestContact
	if ownerID == "" {
		guest = GuestContact{
			Name:  s.sanitize(cmd.Guest.Name),
			Email: strings.ToLower(strings.TrimSpace(cmd.Guest.Email)),
			Phone: strings.TrimSpace(cmd.Guest.Phone),
		}
		if guest.Email == "" {
			guest.Email = strings.ToLower(strings.TrimSpace(cmd.Actor.GuestEmail))
		}
		if guest.Email == "" || !strings.Contains(guest.Email, "@") {
			return StampOrderQuote{}, fmt.Errorf("%w: guest email is required", ErrStampValidation)
		}
		if guest.Name == "" {
			guest.Name = first.Name
		}
	}

	tmpl, err := s.templates.FindByID(ctx, templateID)
	if err != nil {
		return StampOrderQuote{}, mapStampRepositoryError(err)
	}
	if !tmpl.Active {
		return StampOrderQuote{}, fmt.Errorf("%w: template %s is not active", ErrStampValidation, tmpl.ID)
	}

	breakdown, err := s.pricing.Calculate(ctx, StampPricingInput{
		Template:    tmpl,
		StampAmount: cmd.StampAmount,
		ServiceTier: domain.ServiceTierStandard,
	})
	if err != nil {
		return StampOrderQuote{}, err
	}

	now := s.now()
	order := StampOrder{
		ID:           stampOrderIDPrefix + strings.ToLower(s.newID()),
		OwnerID:      ownerID,
		TemplateID:   tmpl.ID,
		Jurisdiction: tmpl.Jurisdiction,
		DocumentType: tmpl.DocumentType,
		FirstParty:   first,
		SecondParty:  second,
		Payer:        payer,
		Amounts:      breakdown.Amounts,
		Currency:     breakdown.Currency,
		ServiceTier:  breakdown.ServiceTier,
		Status:       domain.StampOrderStatusDraft,
		Guest:        guest,
		Metadata: []StampMetadataEntry{{
			Event: "created",
			At:    now,
			Actor: actorLabel(cmd.Actor),
		}},
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.orders.Insert(ctx, order); err != nil {
		return StampOrderQuote{}, mapStampRepositoryError(err)
	}
	s.logger(ctx, "stamp.order.created", map[string]any{
		"orderId":    order.ID,
		"templateId": order.TemplateID,
		"total":      order.Amounts.Total,
		"guest":      order.IsGuest(),
	})
	return StampOrderQuote{Order: order, Breakdown: breakdown}, nil
}

func (s *stampOrderService) SelectService(ctx context.Context, cmd SelectStampServiceCommand) (StampOrderQuote, error) {
	order, err := s.loadOwned(ctx, cmd.OrderID, cmd.Actor)
	if err != nil {
		return StampOrderQuote{}, err
	}
	if order.Status != domain.StampOrderStatusDraft {
		return StampOrderQuote{}, newStateError(order, domain.StampOrderStatusPendingPayment)
	}

	address := s.sanitize(cmd.DeliveryAddress)
	if cmd.Doorstep && address == "" {
		return StampOrderQuote{}, fmt.Errorf("%w: delivery address is required for doorstep delivery", ErrStampValidation)
	}
	if !cmd.Doorstep {
		address = ""
	}

	tmpl, err := s.templates.FindByID(ctx, order.TemplateID)
	if err != nil {
		if isRepoNotFound(err) {
			return StampOrderQuote{}, fmt.Errorf("%w: template %s no longer exists", ErrStampState, order.TemplateID)
		}
		return StampOrderQuote{}, mapStampRepositoryError(err)
	}
	if !tmpl.Active {
		return StampOrderQuote{}, fmt.Errorf("%w: template %s is no longer active", ErrStampState, tmpl.ID)
	}

	// price against the snapshot taken at draft time
	snapshot := StampTemplate{
		ID:           order.TemplateID,
		Jurisdiction: order.Jurisdiction,
		DocumentType: order.DocumentType,
		BaseDuty:     order.Amounts.BaseDuty,
		PlatformFee:  order.Amounts.ConvenienceFee,
		Active:       true,
	}
	breakdown, err := s.pricing.Calculate(ctx, StampPricingInput{
		Template:    snapshot,
		StampAmount: order.Amounts.StampAmount,
		ServiceTier: cmd.ServiceTier,
		Doorstep:    cmd.Doorstep,
		PromoCode:   cmd.PromoCode,
	})
	if err != nil {
		return StampOrderQuote{}, err
	}

	promoCode := ""
	if breakdown.Promo != nil {
		promoCode = breakdown.Promo.Code
	}
	detail := map[string]string{
		"serviceTier": string(breakdown.ServiceTier),
		"doorstep":    fmt.Sprintf("%t", breakdown.Doorstep),
	}
	if promoCode != "" {
		detail["promoCode"] = promoCode
	}

	updated, err := s.apply(ctx, order, domain.StampOrderStatusPendingPayment, StampMetadataEntry{
		Event:  "service_selected",
		Actor:  actorLabel(cmd.Actor),
		Detail: detail,
	}, func(o *StampOrder) {
		o.Amounts = breakdown.Amounts
		o.Currency = breakdown.Currency
		o.ServiceTier = breakdown.ServiceTier
		o.DoorstepDelivery = breakdown.Doorstep
		o.DeliveryAddress = address
		o.PromoCode = promoCode
	})
	if err != nil {
		return StampOrderQuote{}, err
	}
	return StampOrderQuote{Order: updated, Breakdown: breakdown}, nil
}

func (s *stampOrderService) CreateGatewayOrder(ctx context.Context, cmd CreateStampGatewayOrderCommand) (StampOrder, error) {
	order, err := s.loadOwned(ctx, cmd.OrderID, cmd.Actor)
	if err != nil {
		return StampOrder{}, err
	}
	if order.Status != domain.StampOrderStatusPendingPayment {
		return StampOrder{}, newStateError(order, domain.StampOrderStatusPendingPayment)
	}
	if order.Gateway.OrderID != "" {
		return order, nil
	}
	if s.gateway == nil {
		return StampOrder{}, fmt.Errorf("%w: payment gateway not configured", ErrStampUnavailable)
	}
	if order.Amounts.Total <= 0 {
		return StampOrder{}, fmt.Errorf("%w: order total must be positive to collect payment", ErrStampValidation)
	}

	gwCtx, cancel := context.WithTimeout(ctx, s.gatewayTimeout)
	defer cancel()
	gw, err := s.gateway.CreateOrder(gwCtx, payments.PaymentContext{
		PreferredProvider: cmd.PreferredProvider,
		Currency:          order.Currency,
	}, payments.OrderRequest{
		Amount:      order.Amounts.Total,
		Currency:    order.Currency,
		Reference:   order.ID,
		Description: fmt.Sprintf("e-stamp %s %s", order.Jurisdiction, order.DocumentType),
		Metadata: map[string]string{
			"jurisdiction": order.Jurisdiction,
			"templateId":   order.TemplateID,
		},
		IdempotencyKey: "stamp-order-" + order.ID,
	})
	if err != nil {
		s.logger(ctx, "stamp.gateway_order_failed", map[string]any{
			"orderId": order.ID,
			"error":   err.Error(),
		})
		switch {
		case errors.Is(err, payments.ErrUnsupportedProvider):
			return StampOrder{}, fmt.Errorf("%w: %v", ErrStampValidation, err)
		case errors.Is(err, context.DeadlineExceeded):
			return StampOrder{}, fmt.Errorf("%w: payment gateway timed out", ErrStampUnavailable)
		}
		return StampOrder{}, fmt.Errorf("%w: %v", ErrStampPaymentGateway, err)
	}

	updated, err := s.apply(ctx, order, domain.StampOrderStatusPendingPayment, StampMetadataEntry{
		Event: "gateway_order_created",
		Actor: actorLabel(cmd.Actor),
		Detail: map[string]string{
			"provider":       gw.Provider,
			"gatewayOrderId": gw.ID,
		},
	}, func(o *StampOrder) {
		o.Gateway = StampGateway{
			Provider:     gw.Provider,
			OrderID:      gw.ID,
			ClientSecret: gw.ClientSecret,
		}
	})
	if err != nil {
		if errors.Is(err, ErrStampConflict) {
			current, loadErr := s.load(ctx, order.ID)
			if loadErr == nil && current.Gateway.OrderID != "" {
				return current, nil
			}
		}
		return StampOrder{}, err
	}
	return updated, nil
}

// VerifyPayment checks the gateway signature and, on success, synchronously issues the document.
// When the signature is rejected or issuance fails the returned order is the persisted failed
// snapshot alongside the error.
func (s *stampOrderService) VerifyPayment(ctx context.Context, cmd VerifyStampPaymentCommand) (StampOrder, error) {
	order, err := s.loadOwned(ctx, cmd.OrderID, cmd.Actor)
	if err != nil {
		return StampOrder{}, err
	}
	return s.verifyPayment(ctx, order, cmd.PaymentID, cmd.Signature, actorLabel(cmd.Actor))
}

func (s *stampOrderService) HandleGatewayCallback(ctx context.Context, cmd StampGatewayCallbackCommand) (StampOrder, error) {
	gatewayOrderID := strings.TrimSpace(cmd.GatewayOrderID)
	if gatewayOrderID == "" {
		return StampOrder{}, fmt.Errorf("%w: gateway order id is required", ErrStampValidation)
	}
	order, err := s.orders.FindByGatewayOrderID(ctx, gatewayOrderID)
	if err != nil {
		return StampOrder{}, mapStampRepositoryError(err)
	}
	if provider := strings.ToLower(strings.TrimSpace(cmd.Provider)); provider != "" && provider != order.Gateway.Provider {
		return StampOrder{}, fmt.Errorf("%w: gateway order %s", ErrStampNotFound, gatewayOrderID)
	}
	return s.verifyPayment(ctx, order, cmd.PaymentID, cmd.Signature, "gateway:"+order.Gateway.Provider)
}

func (s *stampOrderService) verifyPayment(ctx context.Context, order StampOrder, paymentID, signature, actor string) (StampOrder, error) {
	paymentID = strings.TrimSpace(paymentID)
	signature = strings.TrimSpace(signature)
	if paymentID == "" || signature == "" {
		return StampOrder{}, fmt.Errorf("%w: payment id and signature are required", ErrStampValidation)
	}

	if slices.Contains(stampPaidStatuses, order.Status) {
		return s.replayVerification(ctx, order, paymentID, signature)
	}
	if order.Status != domain.StampOrderStatusPendingPayment {
		return StampOrder{}, newStateError(order, domain.StampOrderStatusPaymentVerified)
	}
	if order.Gateway.OrderID == "" {
		return StampOrder{}, fmt.Errorf("%w: gateway order has not been created", newStateError(order, domain.StampOrderStatusPaymentVerified))
	}

	if verifyErr := s.verifier.Verify(order.Gateway.OrderID, paymentID, signature); verifyErr != nil {
		now := s.now()
		s.logger(ctx, "stamp.payment_signature_invalid", map[string]any{
			"orderId":        order.ID,
			"gatewayOrderId": order.Gateway.OrderID,
			"paymentId":      paymentID,
		})
		failed, err := s.apply(ctx, order, domain.StampOrderStatusFailed, StampMetadataEntry{
			Event:  "payment_signature_invalid",
			Actor:  actor,
			Reason: verifyErr.Error(),
			Detail: map[string]string{"paymentId": paymentID},
		}, func(o *StampOrder) {
			o.FailedAt = &now
		})
		if err != nil {
			// a concurrent writer settled the order first; the tampered proof is still rejected
			return StampOrder{}, fmt.Errorf("%w: %v", ErrStampInvalidSignature, err)
		}
		s.publishEvent(ctx, stampEventFailed, order, failed, actor, map[string]any{"reason": "payment_signature_invalid"})
		return failed, fmt.Errorf("%w: order %s", ErrStampInvalidSignature, order.ID)
	}

	now := s.now()
	verified, err := s.apply(ctx, order, domain.StampOrderStatusPaymentVerified, StampMetadataEntry{
		Event: "payment_verified",
		Actor: actor,
		Detail: map[string]string{
			"gatewayOrderId": order.Gateway.OrderID,
			"paymentId":      paymentID,
		},
	}, func(o *StampOrder) {
		o.Gateway.PaymentID = paymentID
		o.Gateway.Signature = signature
		o.PaymentVerifiedAt = &now
	})
	if err != nil {
		if errors.Is(err, ErrStampConflict) {
			current, loadErr := s.load(ctx, order.ID)
			if loadErr != nil {
				return StampOrder{}, loadErr
			}
			if slices.Contains(stampPaidStatuses, current.Status) {
				return current, nil
			}
			return StampOrder{}, newStateError(current, domain.StampOrderStatusPaymentVerified)
		}
		return StampOrder{}, err
	}
	s.logger(ctx, "stamp.payment_verified", map[string]any{
		"orderId":   verified.ID,
		"paymentId": paymentID,
	})
	return s.issue(ctx, verified, actor)
}

// replayVerification answers a verification for an already paid order without re-rendering.
func (s *stampOrderService) replayVerification(ctx context.Context, order StampOrder, paymentID, signature string) (StampOrder, error) {
	if err := s.verifier.Verify(order.Gateway.OrderID, paymentID, signature); err != nil {
		return StampOrder{}, fmt.Errorf("%w: order %s", ErrStampInvalidSignature, order.ID)
	}
	if order.Gateway.PaymentID != "" && order.Gateway.PaymentID != paymentID {
		s.logger(ctx, "stamp.payment_duplicate", map[string]any{
			"orderId":           order.ID,
			"recordedPaymentId": order.Gateway.PaymentID,
			"paymentId":         paymentID,
		})
	}
	return order, nil
}

// issue runs document issuance for an order in payment_verified. Any other state is rejected with
// a StateError before anything is rendered.
func (s *stampOrderService) issue(ctx context.Context, order StampOrder, actor string) (StampOrder, error) {
	if order.Status != domain.StampOrderStatusPaymentVerified {
		return StampOrder{}, newStateError(order, domain.StampOrderStatusGenerating)
	}
	if !order.PaymentProven() {
		return StampOrder{}, fmt.Errorf("%w: payment proof missing", newStateError(order, domain.StampOrderStatusGenerating))
	}

	generating, err := s.apply(ctx, order, domain.StampOrderStatusGenerating, StampMetadataEntry{
		Event: "issuance_started",
		Actor: actor,
	}, nil)
	if err != nil {
		if errors.Is(err, ErrStampConflict) {
			// another caller owns issuance
			return s.load(ctx, order.ID)
		}
		return StampOrder{}, err
	}

	issueCtx, cancel := context.WithTimeout(ctx, s.issuanceTimeout)
	issued, issueErr := s.issuer.Issue(issueCtx, generating, s.now())
	cancel()
	if issueErr != nil {
		if errors.Is(issueErr, context.DeadlineExceeded) {
			return s.failIssuance(ctx, generating, "issuance_timeout", issueErr)
		}
		return s.failIssuance(ctx, generating, "issuance_failed", issueErr)
	}

	saveCtx, saveCancel := s.detachedContext(ctx)
	defer saveCancel()

	now := s.now()
	extra := make([]StampMetadataEntry, 0, 1)
	// an earlier attempt that claimed the redemption already counted it
	credited := generating.PromoCredited
	if !credited && generating.PromoCode != "" && generating.Amounts.PromoDiscount > 0 {
		claimed, err := s.apply(saveCtx, generating, generating.Status, StampMetadataEntry{}, func(o *StampOrder) {
			o.PromoCredited = true
		})
		if err != nil {
			if errors.Is(err, ErrStampConflict) {
				return s.load(ctx, generating.ID)
			}
			return StampOrder{}, err
		}
		generating = claimed
		if _, err := s.promos.IncrementUsage(saveCtx, generating.PromoCode, now); err != nil {
			reason := "promo_usage_exhausted"
			var usageErr *repositories.PromoUsageError
			if !errors.As(err, &usageErr) || !usageErr.IsConflict() {
				reason = err.Error()
			}
			s.logger(ctx, "stamp.promo_not_credited", map[string]any{
				"orderId":   generating.ID,
				"promoCode": generating.PromoCode,
				"reason":    reason,
			})
			extra = append(extra, StampMetadataEntry{
				Event:  "promo_not_credited",
				At:     now,
				Actor:  actor,
				Reason: reason,
				Detail: map[string]string{"promoCode": generating.PromoCode},
			})
		} else {
			credited = true
		}
	}

	generated, err := s.apply(saveCtx, generating, domain.StampOrderStatusGenerated, StampMetadataEntry{
		Event: "issued",
		Actor: actor,
		Detail: map[string]string{
			"objectKey":        issued.Document.ObjectKey,
			"verificationHash": issued.VerificationHash,
		},
	}, func(o *StampOrder) {
		issuedAt := issued.IssuedAt
		expiresAt := issued.ExpiresAt
		o.Document = issued.Document
		o.VerificationHash = issued.VerificationHash
		o.IssuedAt = &issuedAt
		o.CompletedAt = &now
		o.ExpiresAt = &expiresAt
		o.PromoCredited = credited
		o.Metadata = append(o.Metadata, extra...)
	})
	if err != nil {
		// the order stays in generating for the sweeper; a claimed promo is not counted again
		s.logger(ctx, "stamp.issuance_save_failed", map[string]any{
			"orderId":  generating.ID,
			"credited": credited,
			"error":    err.Error(),
		})
		return StampOrder{}, err
	}

	s.logger(ctx, "stamp.issued", map[string]any{
		"orderId":   generated.ID,
		"objectKey": generated.Document.ObjectKey,
		"credited":  credited,
	})
	s.publishEvent(ctx, stampEventGenerated, generating, generated, actor, map[string]any{
		"verificationHash": generated.VerificationHash,
	})
	return generated, nil
}

func (s *stampOrderService) failIssuance(ctx context.Context, order StampOrder, event string, cause error) (StampOrder, error) {
	saveCtx, cancel := s.detachedContext(ctx)
	defer cancel()

	now := s.now()
	s.logger(ctx, "stamp.issuance_failed", map[string]any{
		"orderId": order.ID,
		"event":   event,
		"error":   cause.Error(),
	})
	failed, err := s.apply(saveCtx, order, domain.StampOrderStatusFailed, StampMetadataEntry{
		Event:  event,
		Actor:  "system",
		Reason: cause.Error(),
	}, func(o *StampOrder) {
		o.FailedAt = &now
	})
	if err != nil {
		return StampOrder{}, fmt.Errorf("%w: %v (recording failure: %v)", ErrStampIssuance, cause, err)
	}
	s.publishEvent(ctx, stampEventFailed, order, failed, "system", map[string]any{"reason": event})
	return failed, fmt.Errorf("%w: %v", ErrStampIssuance, cause)
}

func (s *stampOrderService) RetryIssuance(ctx context.Context, cmd RetryStampIssuanceCommand) (StampOrder, error) {
	order, err := s.load(ctx, cmd.OrderID)
	if err != nil {
		return StampOrder{}, err
	}
	retryable := order.Status == domain.StampOrderStatusFailed || order.Status == domain.StampOrderStatusPaymentVerified
	if !retryable || !order.PaymentProven() {
		return StampOrder{}, newStateError(order, domain.StampOrderStatusPaymentVerified)
	}
	actor := strings.TrimSpace(cmd.ActorID)
	ready, err := s.apply(ctx, order, domain.StampOrderStatusPaymentVerified, StampMetadataEntry{
		Event:  "issuance_retry",
		Actor:  actor,
		Reason: s.sanitize(cmd.Reason),
	}, func(o *StampOrder) {
		o.FailedAt = nil
	})
	if err != nil {
		return StampOrder{}, err
	}
	return s.issue(ctx, ready, actor)
}

func (s *stampOrderService) Cancel(ctx context.Context, cmd CancelStampOrderCommand) (StampOrder, error) {
	order, err := s.loadOwned(ctx, cmd.OrderID, cmd.Actor)
	if err != nil {
		return StampOrder{}, err
	}
	if order.Status == domain.StampOrderStatusCancelled {
		return order, nil
	}
	if order.Status != domain.StampOrderStatusDraft && order.Status != domain.StampOrderStatusPendingPayment {
		return StampOrder{}, newStateError(order, domain.StampOrderStatusCancelled)
	}
	now := s.now()
	actor := actorLabel(cmd.Actor)
	cancelled, err := s.apply(ctx, order, domain.StampOrderStatusCancelled, StampMetadataEntry{
		Event:  "cancelled",
		Actor:  actor,
		Reason: s.sanitize(cmd.Reason),
	}, func(o *StampOrder) {
		o.CancelledAt = &now
	})
	if err != nil {
		return StampOrder{}, err
	}
	s.publishEvent(ctx, stampEventCancelled, order, cancelled, actor, nil)
	return cancelled, nil
}

func (s *stampOrderService) MarkDelivered(ctx context.Context, cmd MarkStampDeliveredCommand) (StampOrder, error) {
	order, err := s.load(ctx, cmd.OrderID)
	if err != nil {
		return StampOrder{}, err
	}
	if order.Status == domain.StampOrderStatusDelivered {
		return order, nil
	}
	if order.Status != domain.StampOrderStatusGenerated {
		return StampOrder{}, newStateError(order, domain.StampOrderStatusDelivered)
	}
	now := s.now()
	actor := strings.TrimSpace(cmd.ActorID)
	delivered, err := s.apply(ctx, order, domain.StampOrderStatusDelivered, StampMetadataEntry{
		Event:  "delivered",
		Actor:  actor,
		Reason: s.sanitize(cmd.Note),
	}, func(o *StampOrder) {
		o.DeliveredAt = &now
	})
	if err != nil {
		return StampOrder{}, err
	}
	s.publishEvent(ctx, stampEventDelivered, order, delivered, actor, nil)
	return delivered, nil
}

// Revoke invalidates an issued document. Revoking an already revoked order returns it unchanged.
func (s *stampOrderService) Revoke(ctx context.Context, cmd RevokeStampOrderCommand) (StampOrder, error) {
	actor := strings.TrimSpace(cmd.ActorID)
	reason := s.sanitize(cmd.Reason)
	if actor == "" {
		return StampOrder{}, fmt.Errorf("%w: actor is required", ErrStampValidation)
	}
	if reason == "" {
		return StampOrder{}, fmt.Errorf("%w: revocation reason is required", ErrStampValidation)
	}

	order, err := s.load(ctx, cmd.OrderID)
	if err != nil {
		return StampOrder{}, err
	}
	if order.Status == domain.StampOrderStatusRevoked {
		return order, nil
	}
	if order.Status != domain.StampOrderStatusGenerated && order.Status != domain.StampOrderStatusDelivered {
		return StampOrder{}, newStateError(order, domain.StampOrderStatusRevoked)
	}

	now := s.now()
	revoked, err := s.apply(ctx, order, domain.StampOrderStatusRevoked, StampMetadataEntry{
		Event:  "revoked",
		At:     now,
		Actor:  actor,
		Reason: reason,
	}, func(o *StampOrder) {
		o.RevokedAt = &now
	})
	if err != nil {
		if errors.Is(err, ErrStampConflict) {
			current, loadErr := s.load(ctx, order.ID)
			if loadErr == nil && current.Status == domain.StampOrderStatusRevoked {
				return current, nil
			}
		}
		return StampOrder{}, err
	}
	s.logger(ctx, "stamp.revoked", map[string]any{
		"orderId": revoked.ID,
		"actor":   actor,
	})
	s.publishEvent(ctx, stampEventRevoked, order, revoked, actor, map[string]any{"reason": reason})
	return revoked, nil
}

// GetOrder returns the order, re-presigning the document URL when the cached one has expired.
func (s *stampOrderService) GetOrder(ctx context.Context, cmd GetStampOrderCommand) (StampOrder, error) {
	var (
		order StampOrder
		err   error
	)
	if cmd.Admin {
		order, err = s.load(ctx, cmd.OrderID)
	} else {
		order, err = s.loadOwned(ctx, cmd.OrderID, cmd.Actor)
	}
	if err != nil {
		return StampOrder{}, err
	}

	if order.Status != domain.StampOrderStatusGenerated && order.Status != domain.StampOrderStatusDelivered {
		return order, nil
	}
	if order.Document.ObjectKey == "" || !order.Document.URLExpired(s.now()) {
		return order, nil
	}

	presignCtx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	doc, err := s.issuer.Refresh(presignCtx, order.Document)
	if err != nil {
		s.logger(ctx, "stamp.presign_failed", map[string]any{
			"orderId": order.ID,
			"error":   err.Error(),
		})
		order.Document.URL = ""
		order.Document.URLExpiresAt = nil
		return order, nil
	}

	refreshed, err := s.apply(ctx, order, order.Status, StampMetadataEntry{}, func(o *StampOrder) {
		o.Document = doc
	})
	if err != nil {
		// concurrent refreshes are harmless; serve the fresh URL regardless
		order.Document = doc
		return order, nil
	}
	return refreshed, nil
}

// FailStuckIssuance moves orders left in generating beyond the threshold to failed and runs issuance
// for paid orders that never left payment_verified.
func (s *stampOrderService) FailStuckIssuance(ctx context.Context, cmd SweepStuckIssuanceCommand) (StampSweepResult, error) {
	olderThan := durationOrDefault(cmd.OlderThan, s.stuckThreshold)
	limit := cmd.Limit
	if limit <= 0 {
		limit = defaultStampSweepLimit
	}

	cutoff := s.now().Add(-olderThan)
	stuck, err := s.orders.ListByStatusUpdatedBefore(ctx, domain.StampOrderStatusGenerating, cutoff, limit)
	if err != nil {
		return StampSweepResult{}, mapStampRepositoryError(err)
	}

	result := StampSweepResult{Examined: len(stuck)}
	for _, order := range stuck {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		now := s.now()
		failed, err := s.apply(ctx, order, domain.StampOrderStatusFailed, StampMetadataEntry{
			Event:  "issuance_timeout",
			Actor:  "sweeper",
			Reason: fmt.Sprintf("generating since %s", order.UpdatedAt.Format(time.RFC3339)),
		}, func(o *StampOrder) {
			o.FailedAt = &now
		})
		if err != nil {
			if errors.Is(err, ErrStampConflict) {
				continue
			}
			return result, err
		}
		result.Failed = append(result.Failed, failed.ID)
		s.publishEvent(ctx, stampEventFailed, order, failed, "sweeper", map[string]any{"reason": "issuance_timeout"})
	}

	if err := s.resumeVerified(ctx, cutoff, limit, &result); err != nil {
		return result, err
	}
	if len(result.Failed) > 0 {
		s.logger(ctx, "stamp.sweep.failed_stuck", map[string]any{
			"count":  len(result.Failed),
			"orders": result.Failed,
		})
	}
	return result, nil
}

func (s *stampOrderService) resumeVerified(ctx context.Context, cutoff time.Time, limit int, result *StampSweepResult) error {
	waiting, err := s.orders.ListByStatusUpdatedBefore(ctx, domain.StampOrderStatusPaymentVerified, cutoff, limit)
	if err != nil {
		return mapStampRepositoryError(err)
	}
	result.Examined += len(waiting)
	for _, order := range waiting {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !order.PaymentProven() {
			continue
		}
		issued, err := s.issue(ctx, order, "sweeper")
		switch {
		case err == nil && issued.Status == domain.StampOrderStatusGenerated:
			result.Resumed = append(result.Resumed, issued.ID)
		case errors.Is(err, ErrStampIssuance):
			result.Failed = append(result.Failed, order.ID)
		case err != nil:
			s.logger(ctx, "stamp.sweep.resume_failed", map[string]any{
				"orderId": order.ID,
				"error":   err.Error(),
			})
		}
	}
	if len(result.Resumed) > 0 {
		s.logger(ctx, "stamp.sweep.resumed", map[string]any{
			"count":  len(result.Resumed),
			"orders": result.Resumed,
		})
	}
	return nil
}

// apply persists current moved to status to. The snapshot is compare-and-set on Version so only
// one concurrent writer wins; the loser receives ErrStampConflict.
func (s *stampOrderService) apply(ctx context.Context, current StampOrder, to StampOrderStatus, entry StampMetadataEntry, mutate func(*StampOrder)) (StampOrder, error) {
	if current.Status != to && !slices.Contains(stampOrderTransitions[current.Status], to) {
		return StampOrder{}, newStateError(current, to)
	}

	now := s.now()
	next := current
	next.Metadata = slices.Clone(current.Metadata)
	if mutate != nil {
		mutate(&next)
	}
	next.Status = to
	next.UpdatedAt = now
	next.Version = current.Version + 1
	if entry.Event != "" {
		if entry.At.IsZero() {
			entry.At = now
		}
		next.Metadata = append(next.Metadata, entry)
	}
	if !next.Amounts.Balanced() {
		return StampOrder{}, fmt.Errorf("%w: order %s amounts do not balance", ErrStampValidation, next.ID)
	}

	if err := s.orders.Save(ctx, next, current.Version); err != nil {
		return StampOrder{}, mapStampRepositoryError(err)
	}
	return next, nil
}

func (s *stampOrderService) load(ctx context.Context, orderID string) (StampOrder, error) {
	id := strings.TrimSpace(orderID)
	if id == "" {
		return StampOrder{}, fmt.Errorf("%w: order id is required", ErrStampValidation)
	}
	order, err := s.orders.FindByID(ctx, id)
	if err != nil {
		return StampOrder{}, mapStampRepositoryError(err)
	}
	return order, nil
}

func (s *stampOrderService) loadOwned(ctx context.Context, orderID string, actor StampActor) (StampOrder, error) {
	order, err := s.load(ctx, orderID)
	if err != nil {
		return StampOrder{}, err
	}
	if !actorOwnsOrder(order, actor) {
		return StampOrder{}, fmt.Errorf("%w: order %s", ErrStampNotFound, order.ID)
	}
	return order, nil
}

func (s *stampOrderService) publishEvent(ctx context.Context, eventType string, previous, current StampOrder, actor string, metadata map[string]any) {
	if s.events == nil {
		return
	}
	event := StampEvent{
		Type:           eventType,
		OrderID:        current.ID,
		PreviousStatus: string(previous.Status),
		CurrentStatus:  string(current.Status),
		ActorID:        actor,
		OccurredAt:     current.UpdatedAt,
	}
	if metadata != nil {
		event.Metadata = maps.Clone(metadata)
	}
	if err := s.events.PublishStampEvent(ctx, event); err != nil {
		s.logger(ctx, "stamp.event.publish.failed", map[string]any{
			"type":   eventType,
			"order":  current.ID,
			"error":  err.Error(),
			"status": event.CurrentStatus,
		})
	}
}

// detachedContext keeps final writes alive when the caller has gone away, so an order is never
// left in generating because a client disconnected.
func (s *stampOrderService) detachedContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), s.storeTimeout)
}

func (s *stampOrderService) cleanParty(p StampParty) StampParty {
	return StampParty{
		Name:  s.sanitize(p.Name),
		Phone: strings.TrimSpace(p.Phone),
	}
}

func (s *stampOrderService) now() time.Time {
	return s.clock()
}

func actorOwnsOrder(order StampOrder, actor StampActor) bool {
	if !order.IsGuest() {
		return strings.TrimSpace(actor.UserID) == order.OwnerID
	}
	email := strings.TrimSpace(actor.GuestEmail)
	return email != "" && strings.EqualFold(email, order.Guest.Email)
}

func actorLabel(actor StampActor) string {
	if id := strings.TrimSpace(actor.UserID); id != "" {
		return id
	}
	if email := strings.TrimSpace(actor.GuestEmail); email != "" {
		return "guest"
	}
	return ""
}

func durationOrDefault(value, fallback time.Duration) time.Duration {
	if value <= 0 {
		return fallback
	}
	return value
}
