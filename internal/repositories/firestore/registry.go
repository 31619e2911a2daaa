package firestore

import (
	"context"
	"errors"

	"cloud.google.com/go/firestore"

	pfirestore "github.com/estamp-field/api/internal/platform/firestore"
	"github.com/estamp-field/api/internal/repositories"
)

// Registry groups the Firestore stamp repositories around one provider.
type Registry struct {
	provider  *pfirestore.Provider
	templates *TemplateRepository
	orders    *OrderRepository
	promos    *PromoRepository
}

var _ repositories.Registry = (*Registry)(nil)

// NewRegistry wires every stamp repository to the provider.
func NewRegistry(provider *pfirestore.Provider) (*Registry, error) {
	if provider == nil {
		return nil, errors.New("firestore registry requires provider")
	}
	templates, err := NewTemplateRepository(provider)
	if err != nil {
		return nil, err
	}
	orders, err := NewOrderRepository(provider)
	if err != nil {
		return nil, err
	}
	promos, err := NewPromoRepository(provider)
	if err != nil {
		return nil, err
	}
	return &Registry{provider: provider, templates: templates, orders: orders, promos: promos}, nil
}

// Close releases the provider.
func (r *Registry) Close(ctx context.Context) error { return r.provider.Close(ctx) }

func (r *Registry) StampTemplates() repositories.StampTemplateRepository { return r.templates }
func (r *Registry) StampOrders() repositories.StampOrderRepository       { return r.orders }
func (r *Registry) StampPromos() repositories.StampPromoRepository       { return r.promos }

// Ping reads a single template to confirm the backend answers.
func (r *Registry) Ping(ctx context.Context) error {
	_, err := r.templates.templates.Query(ctx, func(q firestore.Query) firestore.Query { return q.Limit(1) })
	return err
}
