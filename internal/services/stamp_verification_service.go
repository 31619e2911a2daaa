package services

import (
	"context"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	domain "github.com/estamp-field/api/internal/domain"
	"github.com/estamp-field/api/internal/repositories"
)

// StampVerificationServiceDeps bundles collaborators for public verification.
type StampVerificationServiceDeps struct {
	Orders repositories.StampOrderRepository
	Clock  func() time.Time
	Logger func(ctx context.Context, event string, fields map[string]any)
}

type stampVerificationService struct {
	orders repositories.StampOrderRepository
	clock  func() time.Time
	logger func(context.Context, string, map[string]any)
}

// NewStampVerificationService constructs the verification service.
func NewStampVerificationService(deps StampVerificationServiceDeps) (StampVerificationService, error) {
	if deps.Orders == nil {
		return nil, errors.New("stamp verification service: order repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &stampVerificationService{
		orders: deps.Orders,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// Verify looks up hash. Malformed and unknown hashes both return ErrStampNotFound. Orders that exist
// but are not currently valid only disclose their status.
func (s *stampVerificationService) Verify(ctx context.Context, hash string) (StampVerification, error) {
	normalized := strings.ToLower(strings.TrimSpace(hash))
	if !wellFormedVerificationHash(normalized) {
		return StampVerification{}, ErrStampNotFound
	}

	order, err := s.orders.FindByVerificationHash(ctx, normalized)
	if err != nil {
		if isRepoNotFound(err) {
			return StampVerification{}, ErrStampNotFound
		}
		return StampVerification{}, mapStampRepositoryError(err)
	}
	// only issued orders carry a hash; anything else is treated as unknown
	if order.IssuedAt == nil {
		return StampVerification{}, ErrStampNotFound
	}

	now := s.clock()
	if !StampOrderValid(order, now) {
		s.logger(ctx, "stamp.verify.invalid", map[string]any{
			"orderId": order.ID,
			"status":  string(order.Status),
		})
		return StampVerification{IsValid: false, Status: order.Status}, nil
	}

	return StampVerification{
		IsValid:      true,
		Status:       order.Status,
		Jurisdiction: order.Jurisdiction,
		DocumentType: order.DocumentType,
		FirstParty:   order.FirstParty.Name,
		SecondParty:  order.SecondParty.Name,
		StampAmount:  order.Amounts.StampAmount,
		Currency:     order.Currency,
		IssuedAt:     cloneStampTime(order.IssuedAt),
		ExpiresAt:    cloneStampTime(order.ExpiresAt),
	}, nil
}

// StampOrderValid reports whether an issued order verifies as valid at now: it is generated or
// delivered, not revoked and not past its expiry.
func StampOrderValid(order StampOrder, now time.Time) bool {
	switch order.Status {
	case domain.StampOrderStatusGenerated, domain.StampOrderStatusDelivered:
	default:
		return false
	}
	if order.RevokedAt != nil {
		return false
	}
	if order.ExpiresAt != nil && !now.Before(*order.ExpiresAt) {
		return false
	}
	return true
}

func wellFormedVerificationHash(hash string) bool {
	if len(hash) != verificationHashLength {
		return false
	}
	_, err := hex.DecodeString(hash)
	return err == nil
}

func cloneStampTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
