package payments

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v78"
)

type fakeIntentAPI struct {
	params *stripe.PaymentIntentParams
	intent *stripe.PaymentIntent
	err    error
}

func (f *fakeIntentAPI) New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	f.params = params
	return f.intent, f.err
}

func TestStripeProviderCreateOrder(t *testing.T) {
	api := &fakeIntentAPI{intent: &stripe.PaymentIntent{
		ID:           "pi_123",
		ClientSecret: "pi_123_secret",
		Amount:       71697,
		Currency:     stripe.Currency("inr"),
		Status:       stripe.PaymentIntentStatusRequiresPaymentMethod,
		Created:      1700000000,
	}}
	provider, err := NewStripeProvider(StripeProviderConfig{intents: api})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}

	order, err := provider.CreateOrder(context.Background(), OrderRequest{
		Amount:         71697,
		Currency:       "INR",
		Reference:      "ord_1",
		Description:    "e-stamp KA/affidavit",
		IdempotencyKey: "stamp-order-ord_1",
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}

	if order.ID != "pi_123" || order.ClientSecret != "pi_123_secret" {
		t.Fatalf("unexpected order %#v", order)
	}
	if order.Currency != "INR" || order.Amount != 71697 {
		t.Fatalf("unexpected amount/currency %#v", order)
	}
	if order.Status != StatusCreated {
		t.Fatalf("expected created status, got %s", order.Status)
	}
	if !order.CreatedAt.Equal(time.Unix(1700000000, 0).UTC()) {
		t.Fatalf("unexpected created at %s", order.CreatedAt)
	}

	if api.params == nil || api.params.Amount == nil || *api.params.Amount != 71697 {
		t.Fatalf("expected amount param, got %#v", api.params)
	}
	if api.params.Currency == nil || *api.params.Currency != "inr" {
		t.Fatalf("expected lower-case currency param")
	}
	if api.params.IdempotencyKey == nil || *api.params.IdempotencyKey != "stamp-order-ord_1" {
		t.Fatalf("expected idempotency key to be forwarded")
	}
	if api.params.Metadata["stampOrderId"] != "ord_1" {
		t.Fatalf("expected stampOrderId metadata, got %#v", api.params.Metadata)
	}
}

func TestStripeProviderCreateOrderValidatesInput(t *testing.T) {
	provider, err := NewStripeProvider(StripeProviderConfig{intents: &fakeIntentAPI{}})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	if _, err := provider.CreateOrder(context.Background(), OrderRequest{Amount: 0, Currency: "INR"}); err == nil {
		t.Fatalf("expected error for zero amount")
	}
	if _, err := provider.CreateOrder(context.Background(), OrderRequest{Amount: 10}); err == nil {
		t.Fatalf("expected error for missing currency")
	}
}

func TestStripeProviderCreateOrderWrapsAPIError(t *testing.T) {
	boom := errors.New("card network down")
	provider, err := NewStripeProvider(StripeProviderConfig{intents: &fakeIntentAPI{err: boom}})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	if _, err := provider.CreateOrder(context.Background(), OrderRequest{Amount: 10, Currency: "INR"}); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped api error, got %v", err)
	}
}

func TestNewStripeProviderRequiresKey(t *testing.T) {
	if _, err := NewStripeProvider(StripeProviderConfig{}); err == nil {
		t.Fatalf("expected error without api key")
	}
}
