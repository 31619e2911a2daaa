package payments

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Signature computes the hex HMAC-SHA256 the gateway attaches to a completed payment.
// The signed message is "gatewayOrderId|paymentId".
func Signature(key []byte, gatewayOrderID, paymentID string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(gatewayOrderID))
	mac.Write([]byte("|"))
	mac.Write([]byte(paymentID))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether signature matches the expected HMAC, compared in constant time.
func VerifySignature(key []byte, gatewayOrderID, paymentID, signature string) bool {
	if len(key) == 0 {
		return false
	}
	provided, err := hex.DecodeString(strings.ToLower(strings.TrimSpace(signature)))
	if err != nil || len(provided) != sha256.Size {
		return false
	}
	expected, _ := hex.DecodeString(Signature(key, gatewayOrderID, paymentID))
	return hmac.Equal(expected, provided)
}
