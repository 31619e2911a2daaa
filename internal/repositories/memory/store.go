// Package memory provides process-local repositories used for local development and tests.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/estamp-field/api/internal/domain"
	"github.com/estamp-field/api/internal/repositories"
)

// Store keeps templates, orders and promo codes behind a single mutex so cross-entity guards
// (template in use, conditional promo increment, version compare-and-set) are atomic.
type Store struct {
	mu        sync.Mutex
	templates map[string]domain.StampTemplate
	orders    map[string]domain.StampOrder
	promos    map[string]domain.StampPromoCode
}

// NewStore constructs an empty in-memory store.
func NewStore() *Store {
	return &Store{
		templates: make(map[string]domain.StampTemplate),
		orders:    make(map[string]domain.StampOrder),
		promos:    make(map[string]domain.StampPromoCode),
	}
}

var _ repositories.Registry = (*Store)(nil)

// Close is a no-op.
func (s *Store) Close(context.Context) error { return nil }

// Ping only reports context cancellation.
func (s *Store) Ping(ctx context.Context) error { return ctx.Err() }

// StampTemplates returns the template repository view.
func (s *Store) StampTemplates() repositories.StampTemplateRepository { return templateRepo{s} }

// StampOrders returns the order repository view.
func (s *Store) StampOrders() repositories.StampOrderRepository { return orderRepo{s} }

// StampPromos returns the promo repository view.
func (s *Store) StampPromos() repositories.StampPromoRepository { return promoRepo{s} }

type templateRepo struct{ s *Store }

func (r templateRepo) Upsert(_ context.Context, template domain.StampTemplate) (domain.StampTemplate, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if existing, ok := r.s.templates[template.ID]; ok {
		template.CreatedAt = existing.CreatedAt
	}
	r.s.templates[template.ID] = template
	return template, nil
}

func (r templateRepo) FindByID(_ context.Context, templateID string) (domain.StampTemplate, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	template, ok := r.s.templates[templateID]
	if !ok {
		return domain.StampTemplate{}, notFound("template.find", "template %q not found", templateID)
	}
	return template, nil
}

func (r templateRepo) ListActiveByJurisdiction(_ context.Context, jurisdiction string) ([]domain.StampTemplate, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	jurisdiction = domain.NormalizeJurisdiction(jurisdiction)
	out := make([]domain.StampTemplate, 0)
	for _, template := range r.s.templates {
		if template.Active && strings.EqualFold(template.Jurisdiction, jurisdiction) {
			out = append(out, template)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].DocumentType < out[j].DocumentType
	})
	return out, nil
}

func (r templateRepo) Delete(_ context.Context, templateID string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.templates[templateID]; !ok {
		return notFound("template.delete", "template %q not found", templateID)
	}
	for _, order := range r.s.orders {
		if order.TemplateID == templateID {
			return conflict("template.delete", "template %q referenced by order %s", templateID, order.ID)
		}
	}
	delete(r.s.templates, templateID)
	return nil
}

type orderRepo struct{ s *Store }

func (r orderRepo) Insert(_ context.Context, order domain.StampOrder) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, exists := r.s.orders[order.ID]; exists {
		return conflict("order.insert", "order %q already exists", order.ID)
	}
	r.s.orders[order.ID] = cloneOrder(order)
	return nil
}

func (r orderRepo) FindByID(_ context.Context, orderID string) (domain.StampOrder, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	order, ok := r.s.orders[orderID]
	if !ok {
		return domain.StampOrder{}, notFound("order.find", "order %q not found", orderID)
	}
	return cloneOrder(order), nil
}

func (r orderRepo) FindByVerificationHash(_ context.Context, hash string) (domain.StampOrder, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, order := range r.s.orders {
		if hash != "" && order.VerificationHash == hash {
			return cloneOrder(order), nil
		}
	}
	return domain.StampOrder{}, notFound("order.find_by_hash", "verification hash not found")
}

func (r orderRepo) FindByGatewayOrderID(_ context.Context, gatewayOrderID string) (domain.StampOrder, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, order := range r.s.orders {
		if gatewayOrderID != "" && order.Gateway.OrderID == gatewayOrderID {
			return cloneOrder(order), nil
		}
	}
	return domain.StampOrder{}, notFound("order.find_by_gateway", "gateway order %q not found", gatewayOrderID)
}

func (r orderRepo) Save(_ context.Context, order domain.StampOrder, expectedVersion int64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	current, ok := r.s.orders[order.ID]
	if !ok {
		return notFound("order.save", "order %q not found", order.ID)
	}
	if current.Version != expectedVersion {
		return conflict("order.save", "order %q version %d does not match expected %d", order.ID, current.Version, expectedVersion)
	}
	r.s.orders[order.ID] = cloneOrder(order)
	return nil
}

func (r orderRepo) ListByStatusUpdatedBefore(_ context.Context, status domain.StampOrderStatus, before time.Time, limit int) ([]domain.StampOrder, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := make([]domain.StampOrder, 0)
	for _, order := range r.s.orders {
		if order.Status == status && order.UpdatedAt.Before(before) {
			out = append(out, cloneOrder(order))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.Before(out[j].UpdatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type promoRepo struct{ s *Store }

func (r promoRepo) Upsert(_ context.Context, promo domain.StampPromoCode) (domain.StampPromoCode, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	promo.Code = domain.NormalizePromoCode(promo.Code)
	if existing, ok := r.s.promos[promo.Code]; ok {
		// usage is owned by IncrementUsage; edits never rewind it
		promo.UsageCount = existing.UsageCount
		promo.CreatedAt = existing.CreatedAt
	}
	r.s.promos[promo.Code] = promo
	return promo, nil
}

func (r promoRepo) FindByCode(_ context.Context, code string) (domain.StampPromoCode, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	promo, ok := r.s.promos[domain.NormalizePromoCode(code)]
	if !ok {
		return domain.StampPromoCode{}, notFound("promo.find", "promo %q not found", code)
	}
	return promo, nil
}

func (r promoRepo) IncrementUsage(_ context.Context, code string, now time.Time) (domain.StampPromoCode, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	code = domain.NormalizePromoCode(code)
	promo, ok := r.s.promos[code]
	if !ok {
		return domain.StampPromoCode{}, repositories.NewPromoUsageError(repositories.PromoUsageNotFound, code, nil)
	}
	if promo.UsageLimit != nil && promo.UsageCount >= *promo.UsageLimit {
		return domain.StampPromoCode{}, repositories.NewPromoUsageError(repositories.PromoUsageExhausted, code, nil)
	}
	promo.UsageCount++
	promo.UpdatedAt = now
	r.s.promos[code] = promo
	return promo, nil
}

func cloneOrder(order domain.StampOrder) domain.StampOrder {
	clone := order
	if order.Metadata != nil {
		clone.Metadata = make([]domain.StampMetadataEntry, len(order.Metadata))
		for i, entry := range order.Metadata {
			copied := entry
			if entry.Detail != nil {
				copied.Detail = make(map[string]string, len(entry.Detail))
				for k, v := range entry.Detail {
					copied.Detail[k] = v
				}
			}
			clone.Metadata[i] = copied
		}
	}
	clone.Document.URLExpiresAt = cloneTime(order.Document.URLExpiresAt)
	clone.PaymentVerifiedAt = cloneTime(order.PaymentVerifiedAt)
	clone.IssuedAt = cloneTime(order.IssuedAt)
	clone.CompletedAt = cloneTime(order.CompletedAt)
	clone.ExpiresAt = cloneTime(order.ExpiresAt)
	clone.DeliveredAt = cloneTime(order.DeliveredAt)
	clone.CancelledAt = cloneTime(order.CancelledAt)
	clone.FailedAt = cloneTime(order.FailedAt)
	clone.RevokedAt = cloneTime(order.RevokedAt)
	return clone
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	copied := *t
	return &copied
}
