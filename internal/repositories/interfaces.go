package repositories

import (
	"context"
	"time"

	"github.com/estamp-field/api/internal/domain"
)

// Registry exposes the stamp repositories backed by a single store and owns its connections.
type Registry interface {
	Close(ctx context.Context) error

	StampTemplates() StampTemplateRepository
	StampOrders() StampOrderRepository
	StampPromos() StampPromoRepository
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// StampTemplateRepository persists jurisdiction price sheets.
type StampTemplateRepository interface {
	// Upsert creates or replaces the template; an existing template keeps its CreatedAt.
	Upsert(ctx context.Context, template domain.StampTemplate) (domain.StampTemplate, error)
	FindByID(ctx context.Context, templateID string) (domain.StampTemplate, error)
	ListActiveByJurisdiction(ctx context.Context, jurisdiction string) ([]domain.StampTemplate, error)
	// Delete removes the template. Implementations must return a conflict RepositoryError when
	// any order references the template.
	Delete(ctx context.Context, templateID string) error
}

// StampOrderRepository persists stamp orders. Save is an optimistic compare-and-set on Version:
// it writes order (whose Version must be expectedVersion+1) only when the stored version equals
// expectedVersion and otherwise returns a conflict RepositoryError.
type StampOrderRepository interface {
	Insert(ctx context.Context, order domain.StampOrder) error
	FindByID(ctx context.Context, orderID string) (domain.StampOrder, error)
	FindByVerificationHash(ctx context.Context, hash string) (domain.StampOrder, error)
	FindByGatewayOrderID(ctx context.Context, gatewayOrderID string) (domain.StampOrder, error)
	Save(ctx context.Context, order domain.StampOrder, expectedVersion int64) error
	ListByStatusUpdatedBefore(ctx context.Context, status domain.StampOrderStatus, before time.Time, limit int) ([]domain.StampOrder, error)
}

// StampPromoRepository persists promo codes. IncrementUsage must be an atomic conditional update
// executed by the store: increment only while usage_count < usage_limit, returning a
// *PromoUsageError with PromoUsageExhausted otherwise.
type StampPromoRepository interface {
	// Upsert creates or replaces the promo definition; an existing promo keeps its UsageCount and
	// CreatedAt.
	Upsert(ctx context.Context, promo domain.StampPromoCode) (domain.StampPromoCode, error)
	FindByCode(ctx context.Context, code string) (domain.StampPromoCode, error)
	IncrementUsage(ctx context.Context, code string, now time.Time) (domain.StampPromoCode, error)
}
