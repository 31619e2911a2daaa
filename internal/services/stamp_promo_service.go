package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/estamp-field/api/internal/domain"
	"github.com/estamp-field/api/internal/repositories"
)

const (
	promoReasonInactive    = "promo_inactive"
	promoReasonNotStarted  = "promo_not_started"
	promoReasonExpired     = "promo_expired"
	promoReasonMinimum     = "order_below_minimum"
	promoReasonExhausted   = "promo_usage_exhausted"
	promoReasonUnknownCode = "promo_not_found"
)

// StampPromoServiceDeps bundles collaborators for the promo service.
type StampPromoServiceDeps struct {
	Promos repositories.StampPromoRepository
	Clock  func() time.Time
	Logger func(ctx context.Context, event string, fields map[string]any)
}

type stampPromoService struct {
	promos repositories.StampPromoRepository
	clock  func() time.Time
	logger func(context.Context, string, map[string]any)
}

// NewStampPromoService constructs the promo service.
func NewStampPromoService(deps StampPromoServiceDeps) (StampPromoService, error) {
	if deps.Promos == nil {
		return nil, errors.New("stamp promo service: promo repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &stampPromoService{
		promos: deps.Promos,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

func (s *stampPromoService) Evaluate(ctx context.Context, code string, amount int64) (StampPromoEvaluation, error) {
	normalized := domain.NormalizePromoCode(code)
	if normalized == "" {
		return StampPromoEvaluation{}, fmt.Errorf("%w: promo code is required", ErrStampValidation)
	}
	if amount < 0 {
		return StampPromoEvaluation{}, fmt.Errorf("%w: amount must not be negative", ErrStampValidation)
	}

	promo, err := s.promos.FindByCode(ctx, normalized)
	if err != nil {
		if isRepoNotFound(err) {
			return StampPromoEvaluation{Code: normalized, Reason: promoReasonUnknownCode}, nil
		}
		return StampPromoEvaluation{}, mapStampRepositoryError(err)
	}

	ok, reason := PromoIsValid(promo, amount, s.clock())
	eval := StampPromoEvaluation{Code: normalized, Valid: ok, Reason: reason, Promo: promo}
	if ok {
		eval.Discount = PromoDiscount(promo, amount)
	}
	return eval, nil
}

func (s *stampPromoService) Get(ctx context.Context, code string) (StampPromoCode, error) {
	normalized := domain.NormalizePromoCode(code)
	if normalized == "" {
		return StampPromoCode{}, fmt.Errorf("%w: promo code is required", ErrStampValidation)
	}
	promo, err := s.promos.FindByCode(ctx, normalized)
	if err != nil {
		if isRepoNotFound(err) {
			return StampPromoCode{}, fmt.Errorf("%w: %s", ErrStampPromoNotFound, normalized)
		}
		return StampPromoCode{}, mapStampRepositoryError(err)
	}
	return promo, nil
}

func (s *stampPromoService) Upsert(ctx context.Context, cmd UpsertStampPromoCommand) (StampPromoCode, error) {
	promo := cmd.Promo
	promo.Code = domain.NormalizePromoCode(promo.Code)
	promo.Description = strings.TrimSpace(promo.Description)
	if err := validateStampPromo(promo); err != nil {
		return StampPromoCode{}, err
	}

	now := s.clock()
	if promo.CreatedAt.IsZero() {
		promo.CreatedAt = now
	}
	promo.UpdatedAt = now

	saved, err := s.promos.Upsert(ctx, promo)
	if err != nil {
		return StampPromoCode{}, mapStampRepositoryError(err)
	}
	s.logger(ctx, "stamp.promo.upserted", map[string]any{
		"code":  saved.Code,
		"actor": strings.TrimSpace(cmd.ActorID),
	})
	return saved, nil
}

// PromoIsValid reports whether promo applies to an order amount (before discount) at now. The
// returned reason is empty when valid.
func PromoIsValid(promo StampPromoCode, amount int64, now time.Time) (bool, string) {
	if !promo.Active {
		return false, promoReasonInactive
	}
	if !promo.ValidFrom.IsZero() && now.Before(promo.ValidFrom) {
		return false, promoReasonNotStarted
	}
	if !promo.ValidUntil.IsZero() && now.After(promo.ValidUntil) {
		return false, promoReasonExpired
	}
	if amount < promo.MinOrderAmount {
		return false, promoReasonMinimum
	}
	if promo.UsageLimit != nil && promo.UsageCount >= *promo.UsageLimit {
		return false, promoReasonExhausted
	}
	return true, ""
}

// PromoDiscount computes the discount promo yields on amount. The result is never negative and
// never exceeds amount.
func PromoDiscount(promo StampPromoCode, amount int64) int64 {
	if amount <= 0 || promo.Value <= 0 {
		return 0
	}
	var discount int64
	switch promo.DiscountType {
	case domain.DiscountTypePercentage:
		discount = amount * promo.Value / 100
		if promo.MaxDiscount != nil && discount > *promo.MaxDiscount {
			discount = *promo.MaxDiscount
		}
	case domain.DiscountTypeFixed:
		discount = promo.Value
	default:
		return 0
	}
	if discount < 0 {
		return 0
	}
	if discount > amount {
		return amount
	}
	return discount
}

func validateStampPromo(promo StampPromoCode) error {
	if promo.Code == "" {
		return fmt.Errorf("%w: promo code is required", ErrStampValidation)
	}
	switch promo.DiscountType {
	case domain.DiscountTypePercentage:
		if promo.Value <= 0 || promo.Value > 100 {
			return fmt.Errorf("%w: percentage value must be between 1 and 100", ErrStampValidation)
		}
		if promo.MaxDiscount != nil && *promo.MaxDiscount < 0 {
			return fmt.Errorf("%w: max discount must not be negative", ErrStampValidation)
		}
	case domain.DiscountTypeFixed:
		if promo.Value <= 0 {
			return fmt.Errorf("%w: fixed value must be positive", ErrStampValidation)
		}
		if promo.MaxDiscount != nil {
			return fmt.Errorf("%w: max discount applies to percentage promos only", ErrStampValidation)
		}
	default:
		return fmt.Errorf("%w: unsupported discount type %q", ErrStampValidation, promo.DiscountType)
	}
	if promo.MinOrderAmount < 0 {
		return fmt.Errorf("%w: minimum order amount must not be negative", ErrStampValidation)
	}
	if !promo.ValidFrom.IsZero() && !promo.ValidUntil.IsZero() && promo.ValidUntil.Before(promo.ValidFrom) {
		return fmt.Errorf("%w: validity window ends before it starts", ErrStampValidation)
	}
	if promo.UsageLimit != nil && *promo.UsageLimit < 0 {
		return fmt.Errorf("%w: usage limit must not be negative", ErrStampValidation)
	}
	if promo.UsageCount < 0 {
		return fmt.Errorf("%w: usage count must not be negative", ErrStampValidation)
	}
	return nil
}

func isRepoNotFound(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}

func isRepoConflict(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsConflict()
}

func mapStampRepositoryError(err error) error {
	if err == nil {
		return nil
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrStampNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrStampConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("%w: %v", ErrStampUnavailable, err)
		}
	}
	return err
}
