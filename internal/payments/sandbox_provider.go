package payments

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// SandboxProvider issues local gateway orders for development environments. Payments against
// sandbox orders are completed by signing "orderId|paymentId" with the shared signing key
// (see Signature), mirroring how a hosted gateway returns signed callbacks.
type SandboxProvider struct {
	clock func() time.Time
	newID func() string
}

// NewSandboxProvider constructs a SandboxProvider.
func NewSandboxProvider(clock func() time.Time) *SandboxProvider {
	if clock == nil {
		clock = time.Now
	}
	return &SandboxProvider{
		clock: func() time.Time { return clock().UTC() },
		newID: func() string { return "sbx_order_" + strings.ToLower(ulid.Make().String()) },
	}
}

// CreateOrder returns a fresh sandbox gateway order.
func (p *SandboxProvider) CreateOrder(_ context.Context, req OrderRequest) (GatewayOrder, error) {
	if req.Amount <= 0 {
		return GatewayOrder{}, errors.New("sandbox: amount must be positive")
	}
	id := p.newID()
	return GatewayOrder{
		ID:           id,
		Provider:     "sandbox",
		ClientSecret: id + "_secret",
		Status:       StatusCreated,
		Amount:       req.Amount,
		Currency:     strings.ToUpper(strings.TrimSpace(req.Currency)),
		CreatedAt:    p.clock(),
	}, nil
}
