package postgres

import (
	"context"
	"database/sql"
	"errors"

	"github.com/estamp-field/api/internal/repositories"
)

// Registry groups the PostgreSQL stamp repositories around one connection pool.
type Registry struct {
	db        *sql.DB
	templates *TemplateRepository
	orders    *OrderRepository
	promos    *PromoRepository
}

var _ repositories.Registry = (*Registry)(nil)

// NewRegistry wires every stamp repository to db. The registry owns db and closes it.
func NewRegistry(db *sql.DB) (*Registry, error) {
	if db == nil {
		return nil, errors.New("postgres registry requires db")
	}
	return &Registry{
		db:        db,
		templates: NewTemplateRepository(db),
		orders:    NewOrderRepository(db),
		promos:    NewPromoRepository(db),
	}, nil
}

func (r *Registry) Close(context.Context) error { return r.db.Close() }

func (r *Registry) StampTemplates() repositories.StampTemplateRepository { return r.templates }
func (r *Registry) StampOrders() repositories.StampOrderRepository       { return r.orders }
func (r *Registry) StampPromos() repositories.StampPromoRepository       { return r.promos }

// Ping checks the connection pool.
func (r *Registry) Ping(ctx context.Context) error {
	return wrapError("ping", r.db.PingContext(ctx))
}
