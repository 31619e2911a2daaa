package services

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/estamp-field/api/internal/domain"
	"github.com/estamp-field/api/internal/payments"
)

func hmacSignatureForTest(key SigningKey, gatewayOrderID, paymentID string) string {
	return payments.Signature(key, gatewayOrderID, paymentID)
}

func TestStampVerificationService_HashStability(t *testing.T) {
	f := newStampFixture(t)
	generated := f.generatedOrder(t)

	first, err := f.verify.Verify(context.Background(), generated.VerificationHash)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	second, err := f.verify.Verify(context.Background(), " "+generated.VerificationHash+" ")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !first.IsValid || first.Status != domain.StampOrderStatusGenerated {
		t.Fatalf("expected valid generated document, got %#v", first)
	}
	if first.FirstParty != second.FirstParty || first.StampAmount != second.StampAmount || first.IsValid != second.IsValid {
		t.Fatalf("expected identical results, got %#v and %#v", first, second)
	}
	if first.FirstParty != "Asha Rao" || first.SecondParty != "Vikram Iyer" || first.Jurisdiction != "KA" || first.StampAmount != 50000 {
		t.Fatalf("unexpected metadata %#v", first)
	}
}

func TestStampVerificationService_UnknownAndMalformedHashes(t *testing.T) {
	f := newStampFixture(t)
	f.generatedOrder(t)

	for _, hash := range []string{"", "abc", "zzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzz", "0123456789abcdef0123456789abcdef"} {
		if _, err := f.verify.Verify(context.Background(), hash); !errors.Is(err, ErrStampNotFound) {
			t.Fatalf("hash %q: expected ErrStampNotFound, got %v", hash, err)
		}
	}
}

func TestStampVerificationService_ExpiredIsInvalid(t *testing.T) {
	f := newStampFixture(t)
	generated := f.generatedOrder(t)

	f.clock.Advance(31 * 24 * time.Hour)
	result, err := f.verify.Verify(context.Background(), generated.VerificationHash)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if result.IsValid || result.Status != domain.StampOrderStatusGenerated {
		t.Fatalf("expected expired document to be invalid, got %#v", result)
	}
	if result.FirstParty != "" || result.IssuedAt != nil {
		t.Fatalf("expired documents must not disclose details: %#v", result)
	}
}

func TestStampOrderValid(t *testing.T) {
	now := stampTestBase
	future := now.Add(time.Hour)
	past := now.Add(-time.Hour)

	cases := []struct {
		name  string
		order StampOrder
		want  bool
	}{
		{"generated", StampOrder{Status: domain.StampOrderStatusGenerated, ExpiresAt: &future}, true},
		{"delivered", StampOrder{Status: domain.StampOrderStatusDelivered, ExpiresAt: &future}, true},
		{"expired", StampOrder{Status: domain.StampOrderStatusGenerated, ExpiresAt: &past}, false},
		{"expiry instant", StampOrder{Status: domain.StampOrderStatusGenerated, ExpiresAt: &now}, false},
		{"revoked", StampOrder{Status: domain.StampOrderStatusRevoked, ExpiresAt: &future, RevokedAt: &past}, false},
		{"failed", StampOrder{Status: domain.StampOrderStatusFailed}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := StampOrderValid(tc.order, now); got != tc.want {
				t.Fatalf("expected %t, got %t", tc.want, got)
			}
		})
	}
}
