package services

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/estamp-field/api/internal/domain"
	"github.com/estamp-field/api/internal/repositories/memory"
)

func newTestPricingEngine(t *testing.T, promos ...StampPromoCode) *StampPricingEngine {
	t.Helper()
	store := memory.NewStore()
	for _, promo := range promos {
		if _, err := store.StampPromos().Upsert(context.Background(), promo); err != nil {
			t.Fatalf("seed promo: %v", err)
		}
	}
	promoSvc, err := NewStampPromoService(StampPromoServiceDeps{
		Promos: store.StampPromos(),
		Clock:  func() time.Time { return stampTestBase },
	})
	if err != nil {
		t.Fatalf("new promo service: %v", err)
	}
	engine, err := NewStampPricingEngine(StampPricingEngineDeps{
		Promos:           promoSvc,
		Currency:         "inr",
		ExpressSurcharge: 7000,
		DoorstepCharge:   12000,
	})
	if err != nil {
		t.Fatalf("new pricing engine: %v", err)
	}
	return engine
}

func TestStampPricingEngine_Scenario(t *testing.T) {
	maxDiscount := int64(5000)
	engine := newTestPricingEngine(t, StampPromoCode{
		Code:         "TENOFF",
		DiscountType: domain.DiscountTypePercentage,
		Value:        10,
		MaxDiscount:  &maxDiscount,
		Active:       true,
	})

	breakdown, err := engine.Calculate(context.Background(), StampPricingInput{
		Template:    StampTemplate{BaseDuty: 50000, PlatformFee: 7697},
		StampAmount: 50000,
		ServiceTier: domain.ServiceTierExpress,
		Doorstep:    true,
		PromoCode:   "tenoff",
	})
	if err != nil {
		t.Fatalf("calculate: %v", err)
	}

	want := StampAmounts{
		StampAmount:    50000,
		BaseDuty:       50000,
		ConvenienceFee: 7697,
		ServiceCharge:  7000,
		DoorstepCharge: 12000,
		PromoDiscount:  5000,
		Total:          71697,
	}
	if breakdown.Amounts != want {
		t.Fatalf("unexpected amounts\n got: %#v\nwant: %#v", breakdown.Amounts, want)
	}
	if breakdown.Currency != "INR" || breakdown.ServiceTier != domain.ServiceTierExpress || !breakdown.Doorstep {
		t.Fatalf("unexpected breakdown %#v", breakdown)
	}
	if breakdown.Promo == nil || breakdown.Promo.Amount != 5000 || breakdown.Promo.Code != "TENOFF" {
		t.Fatalf("unexpected promo application %#v", breakdown.Promo)
	}
}

func TestStampPricingEngine_TotalInvariant(t *testing.T) {
	maxDiscount := int64(2500)
	engine := newTestPricingEngine(t,
		StampPromoCode{Code: "PCT", DiscountType: domain.DiscountTypePercentage, Value: 15, MaxDiscount: &maxDiscount, Active: true},
		StampPromoCode{Code: "PCT100", DiscountType: domain.DiscountTypePercentage, Value: 100, Active: true},
		StampPromoCode{Code: "FIXED", DiscountType: domain.DiscountTypeFixed, Value: 1999, Active: true},
		StampPromoCode{Code: "HUGE", DiscountType: domain.DiscountTypeFixed, Value: 10_000_000, Active: true},
	)

	templates := []StampTemplate{
		{BaseDuty: 100, PlatformFee: 0},
		{BaseDuty: 50000, PlatformFee: 7697},
		{BaseDuty: 1, PlatformFee: 333},
	}
	stampAmounts := []int64{100, 101, 50000, 99999, 1_000_000}
	tiers := []ServiceTier{domain.ServiceTierStandard, domain.ServiceTierExpress}
	promos := []string{"", "PCT", "PCT100", "FIXED", "HUGE"}

	for _, tmpl := range templates {
		for _, amount := range stampAmounts {
			if amount < tmpl.BaseDuty {
				continue
			}
			for _, tier := range tiers {
				for _, doorstep := range []bool{false, true} {
					for _, promo := range promos {
						b, err := engine.Calculate(context.Background(), StampPricingInput{
							Template:    tmpl,
							StampAmount: amount,
							ServiceTier: tier,
							Doorstep:    doorstep,
							PromoCode:   promo,
						})
						if err != nil {
							t.Fatalf("calculate(%v,%d,%s,%t,%s): %v", tmpl, amount, tier, doorstep, promo, err)
						}
						a := b.Amounts
						if a.Total != a.StampAmount+a.ConvenienceFee+a.ServiceCharge+a.DoorstepCharge-a.PromoDiscount {
							t.Fatalf("total does not balance: %#v", a)
						}
						if a.Total < 0 || a.PromoDiscount < 0 || a.PromoDiscount > a.Subtotal() {
							t.Fatalf("invalid discount or total: %#v", a)
						}
					}
				}
			}
		}
	}
}

func TestStampPricingEngine_RejectsInvalidInput(t *testing.T) {
	engine := newTestPricingEngine(t, StampPromoCode{Code: "OFF", DiscountType: domain.DiscountTypeFixed, Value: 100, Active: false})
	tmpl := StampTemplate{BaseDuty: 10000, PlatformFee: 500}

	cases := []struct {
		name  string
		input StampPricingInput
		want  error
	}{
		{"below minimum duty", StampPricingInput{Template: tmpl, StampAmount: 9999}, ErrStampValidation},
		{"zero amount", StampPricingInput{Template: StampTemplate{}, StampAmount: 0}, ErrStampValidation},
		{"unknown tier", StampPricingInput{Template: tmpl, StampAmount: 10000, ServiceTier: "overnight"}, ErrStampValidation},
		{"inactive promo", StampPricingInput{Template: tmpl, StampAmount: 10000, PromoCode: "OFF"}, ErrStampPromoInvalid},
		{"unknown promo", StampPricingInput{Template: tmpl, StampAmount: 10000, PromoCode: "NOPE"}, ErrStampPromoInvalid},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := engine.Calculate(context.Background(), tc.input)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestStampPricingEngine_StandardTierHasNoSurcharges(t *testing.T) {
	engine := newTestPricingEngine(t)
	b, err := engine.Calculate(context.Background(), StampPricingInput{
		Template:    StampTemplate{BaseDuty: 2000, PlatformFee: 150},
		StampAmount: 2500,
	})
	if err != nil {
		t.Fatalf("calculate: %v", err)
	}
	if b.ServiceTier != domain.ServiceTierStandard || b.Amounts.ServiceCharge != 0 || b.Amounts.DoorstepCharge != 0 {
		t.Fatalf("unexpected surcharges %#v", b)
	}
	if b.Amounts.Total != 2650 || b.Promo != nil {
		t.Fatalf("unexpected total %#v", b.Amounts)
	}
}
