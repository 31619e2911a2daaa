package services

import (
	"errors"
	"fmt"
	"strings"

	"github.com/estamp-field/api/internal/payments"
)

// SigningKey is a server-only secret used for HMAC computations. It is injected explicitly so
// keys can be rotated per environment and tests can use isolated keys.
type SigningKey []byte

// StampPaymentVerifier validates gateway payment proofs before the order trusts them.
type StampPaymentVerifier interface {
	Verify(gatewayOrderID, paymentID, signature string) error
}

// HMACPaymentVerifier checks HMAC-SHA256 signatures over "gatewayOrderId|paymentId".
type HMACPaymentVerifier struct {
	key SigningKey
}

// NewHMACPaymentVerifier constructs a verifier keyed with key.
func NewHMACPaymentVerifier(key SigningKey) (*HMACPaymentVerifier, error) {
	if len(key) == 0 {
		return nil, errors.New("stamp payment verifier: signing key is required")
	}
	return &HMACPaymentVerifier{key: append(SigningKey(nil), key...)}, nil
}

// Verify returns ErrStampInvalidSignature unless signature is the expected HMAC.
func (v *HMACPaymentVerifier) Verify(gatewayOrderID, paymentID, signature string) error {
	gatewayOrderID = strings.TrimSpace(gatewayOrderID)
	paymentID = strings.TrimSpace(paymentID)
	if gatewayOrderID == "" || paymentID == "" || strings.TrimSpace(signature) == "" {
		return fmt.Errorf("%w: gateway order id, payment id and signature are required", ErrStampInvalidSignature)
	}
	if !payments.VerifySignature(v.key, gatewayOrderID, paymentID, signature) {
		return ErrStampInvalidSignature
	}
	return nil
}
