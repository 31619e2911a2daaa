package services

import (
	"context"
	"fmt"
	"strings"

	domain "github.com/estamp-field/api/internal/domain"
)

// StampPricingEngine computes itemized stamp order prices. All arithmetic is done in integer minor
// currency units.
type StampPricingEngine struct {
	promos           StampPromoService
	currency         string
	expressSurcharge int64
	doorstepCharge   int64
}

// StampPricingEngineDeps configures the pricing engine.
type StampPricingEngineDeps struct {
	Promos           StampPromoService
	Currency         string
	ExpressSurcharge int64
	DoorstepCharge   int64
}

// NewStampPricingEngine constructs the pricing engine. Promos may be nil when promo codes are
// disabled.
func NewStampPricingEngine(deps StampPricingEngineDeps) (*StampPricingEngine, error) {
	if deps.ExpressSurcharge < 0 || deps.DoorstepCharge < 0 {
		return nil, fmt.Errorf("stamp pricing engine: surcharges must not be negative")
	}
	currency := strings.ToUpper(strings.TrimSpace(deps.Currency))
	if currency == "" {
		currency = "INR"
	}
	return &StampPricingEngine{
		promos:           deps.Promos,
		currency:         currency,
		expressSurcharge: deps.ExpressSurcharge,
		doorstepCharge:   deps.DoorstepCharge,
	}, nil
}

// StampPricingInput carries the selections priced by Calculate.
type StampPricingInput struct {
	Template    StampTemplate
	StampAmount int64
	ServiceTier ServiceTier
	Doorstep    bool
	PromoCode   string
}

// Currency returns the currency every breakdown is expressed in.
func (e *StampPricingEngine) Currency() string {
	return e.currency
}

// Calculate prices the input. The discount applies to the full pre-discount subtotal
// (stamp + convenience + service + doorstep).
func (e *StampPricingEngine) Calculate(ctx context.Context, input StampPricingInput) (StampPriceBreakdown, error) {
	if input.StampAmount <= 0 {
		return StampPriceBreakdown{}, fmt.Errorf("%w: stamp amount must be positive", ErrStampValidation)
	}
	if input.StampAmount < input.Template.BaseDuty {
		return StampPriceBreakdown{}, fmt.Errorf("%w: stamp amount %d is below the minimum duty %d", ErrStampValidation, input.StampAmount, input.Template.BaseDuty)
	}
	if input.Template.PlatformFee < 0 {
		return StampPriceBreakdown{}, fmt.Errorf("%w: template platform fee must not be negative", ErrStampValidation)
	}

	tier := input.ServiceTier
	if tier == "" {
		tier = domain.ServiceTierStandard
	}
	amounts := StampAmounts{
		StampAmount:    input.StampAmount,
		BaseDuty:       input.Template.BaseDuty,
		ConvenienceFee: input.Template.PlatformFee,
	}
	switch tier {
	case domain.ServiceTierStandard:
	case domain.ServiceTierExpress:
		amounts.ServiceCharge = e.expressSurcharge
	default:
		return StampPriceBreakdown{}, fmt.Errorf("%w: unsupported service tier %q", ErrStampValidation, input.ServiceTier)
	}
	if input.Doorstep {
		amounts.DoorstepCharge = e.doorstepCharge
	}

	breakdown := StampPriceBreakdown{
		Currency:    e.currency,
		ServiceTier: tier,
		Doorstep:    input.Doorstep,
	}

	subtotal := amounts.Subtotal()
	if code := domain.NormalizePromoCode(input.PromoCode); code != "" {
		if e.promos == nil {
			return StampPriceBreakdown{}, fmt.Errorf("%w: promo codes are disabled", ErrStampPromoInvalid)
		}
		eval, err := e.promos.Evaluate(ctx, code, subtotal)
		if err != nil {
			return StampPriceBreakdown{}, err
		}
		if !eval.Valid {
			return StampPriceBreakdown{}, fmt.Errorf("%w: %s", ErrStampPromoInvalid, eval.Reason)
		}
		amounts.PromoDiscount = eval.Discount
		breakdown.Promo = &StampPromoApplication{
			Code:         eval.Code,
			DiscountType: eval.Promo.DiscountType,
			Value:        eval.Promo.Value,
			Amount:       eval.Discount,
		}
	}

	amounts.Total = amounts.ExpectedTotal()
	if !amounts.Balanced() {
		return StampPriceBreakdown{}, fmt.Errorf("%w: computed total %d is not balanced", ErrStampValidation, amounts.Total)
	}
	breakdown.Amounts = amounts
	return breakdown, nil
}
