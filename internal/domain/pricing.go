package domain

// StampPriceBreakdown is the itemized output of the stamp pricing engine.
type StampPriceBreakdown struct {
	Currency    string
	ServiceTier ServiceTier
	Doorstep    bool
	Amounts     StampAmounts
	Promo       *StampPromoApplication
}

// StampPromoApplication records the promo code that produced a discount.
type StampPromoApplication struct {
	Code         string
	DiscountType DiscountType
	Value        int64
	Amount       int64
}
