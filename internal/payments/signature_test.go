package payments

import (
	"context"
	"strings"
	"testing"
)

func TestSignatureRoundTrip(t *testing.T) {
	key := []byte("gateway-secret")
	sig := Signature(key, "order_1", "pay_1")
	if len(sig) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(sig))
	}
	if !VerifySignature(key, "order_1", "pay_1", sig) {
		t.Fatalf("expected signature to verify")
	}
	if !VerifySignature(key, "order_1", "pay_1", strings.ToUpper(sig)) {
		t.Fatalf("expected upper-case hex to verify")
	}
}

func TestVerifySignatureRejectsTampering(t *testing.T) {
	key := []byte("gateway-secret")
	sig := Signature(key, "order_1", "pay_1")

	cases := map[string]struct {
		key       []byte
		orderID   string
		paymentID string
		signature string
	}{
		"other payment":  {key, "order_1", "pay_2", sig},
		"other order":    {key, "order_2", "pay_1", sig},
		"other key":      {[]byte("other"), "order_1", "pay_1", sig},
		"empty key":      {nil, "order_1", "pay_1", sig},
		"not hex":        {key, "order_1", "pay_1", "zz"},
		"truncated":      {key, "order_1", "pay_1", sig[:32]},
		"flipped digit":  {key, "order_1", "pay_1", flipLast(sig)},
		"boundary shift": {key, "order_1|pay", "_1", sig},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			if VerifySignature(tc.key, tc.orderID, tc.paymentID, tc.signature) {
				t.Fatalf("expected verification failure")
			}
		})
	}
}

func TestSandboxProviderCreatesUniqueOrders(t *testing.T) {
	provider := NewSandboxProvider(nil)
	first, err := provider.CreateOrder(context.Background(), OrderRequest{Amount: 100, Currency: "inr"})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	second, err := provider.CreateOrder(context.Background(), OrderRequest{Amount: 100, Currency: "inr"})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	if first.ID == second.ID {
		t.Fatalf("expected unique sandbox ids")
	}
	if !strings.HasPrefix(first.ID, "sbx_order_") || first.Currency != "INR" {
		t.Fatalf("unexpected sandbox order %#v", first)
	}
	if _, err := provider.CreateOrder(context.Background(), OrderRequest{}); err == nil {
		t.Fatalf("expected error for zero amount")
	}
}

func flipLast(sig string) string {
	last := sig[len(sig)-1]
	replacement := byte('0')
	if last == '0' {
		replacement = '1'
	}
	return sig[:len(sig)-1] + string(replacement)
}
