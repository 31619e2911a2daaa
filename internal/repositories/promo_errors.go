package repositories

import "fmt"

// PromoUsageErrorCode enumerates failure reasons for promo redemption.
type PromoUsageErrorCode string

const (
	// PromoUsageUnknown represents an unspecified failure.
	PromoUsageUnknown PromoUsageErrorCode = "promo_usage_unknown"
	// PromoUsageExhausted indicates the usage limit has been reached.
	PromoUsageExhausted PromoUsageErrorCode = "promo_usage_exhausted"
	// PromoUsageNotFound indicates the promo code does not exist.
	PromoUsageNotFound PromoUsageErrorCode = "promo_usage_not_found"
)

// PromoUsageError wraps promo redemption failures with machine readable codes.
type PromoUsageError struct {
	Code    PromoUsageErrorCode
	PromoID string
	Message string
	Err     error
}

// Error implements the error interface.
func (e *PromoUsageError) Error() string {
	if e == nil {
		return ""
	}
	if e.PromoID != "" {
		return fmt.Sprintf("promo %s: %s", e.PromoID, e.Message)
	}
	return e.Message
}

// Unwrap exposes the underlying error, if any.
func (e *PromoUsageError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// IsNotFound reports whether the promo code was missing.
func (e *PromoUsageError) IsNotFound() bool { return e != nil && e.Code == PromoUsageNotFound }

// IsConflict reports whether redemption lost against the usage limit.
func (e *PromoUsageError) IsConflict() bool { return e != nil && e.Code == PromoUsageExhausted }

// IsUnavailable is always false; transport failures are reported by the store-specific error type.
func (e *PromoUsageError) IsUnavailable() bool { return false }

// NewPromoUsageError constructs a typed promo usage error.
func NewPromoUsageError(code PromoUsageErrorCode, promoID string, err error) *PromoUsageError {
	return &PromoUsageError{
		Code:    code,
		PromoID: promoID,
		Message: string(code),
		Err:     err,
	}
}
