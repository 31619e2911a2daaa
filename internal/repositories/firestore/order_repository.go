package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	"github.com/estamp-field/api/internal/domain"
	pfirestore "github.com/estamp-field/api/internal/platform/firestore"
	"github.com/estamp-field/api/internal/repositories"
)

// OrderRepository stores orders in the stamp_orders collection.
type OrderRepository struct {
	provider *pfirestore.Provider
	orders   *pfirestore.Collection[orderDocument]
}

var _ repositories.StampOrderRepository = (*OrderRepository)(nil)

// NewOrderRepository constructs a Firestore-backed order repository.
func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	return &OrderRepository{
		provider: provider,
		orders:   pfirestore.NewCollection[orderDocument](provider, ordersCollection),
	}, nil
}

// Insert creates the order document; an existing id is a conflict.
func (r *OrderRepository) Insert(ctx context.Context, order domain.StampOrder) error {
	return r.orders.Create(ctx, order.ID, newOrderDocument(order))
}

// FindByID loads an order.
func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.StampOrder, error) {
	doc, err := r.orders.Get(ctx, orderID)
	if err != nil {
		return domain.StampOrder{}, err
	}
	return doc.Data.toDomain(doc.ID), nil
}

// FindByVerificationHash resolves an issued order from its public verification code.
func (r *OrderRepository) FindByVerificationHash(ctx context.Context, hash string) (domain.StampOrder, error) {
	return r.findOne(ctx, "verificationHash", hash, "stamp_orders.find_by_hash")
}

// FindByGatewayOrderID resolves an order from the payment gateway reference.
func (r *OrderRepository) FindByGatewayOrderID(ctx context.Context, gatewayOrderID string) (domain.StampOrder, error) {
	return r.findOne(ctx, "gateway.orderId", gatewayOrderID, "stamp_orders.find_by_gateway")
}

func (r *OrderRepository) findOne(ctx context.Context, field, value, op string) (domain.StampOrder, error) {
	if strings.TrimSpace(value) == "" {
		return domain.StampOrder{}, pfirestore.NotFound(op, "%s is required", field)
	}
	docs, err := r.orders.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where(field, "==", value).Limit(1)
	})
	if err != nil {
		return domain.StampOrder{}, err
	}
	if len(docs) == 0 {
		return domain.StampOrder{}, pfirestore.NotFound(op, "no order with %s %q", field, value)
	}
	return docs[0].Data.toDomain(docs[0].ID), nil
}

// Save replaces the order when the stored version equals expectedVersion.
func (r *OrderRepository) Save(ctx context.Context, order domain.StampOrder, expectedVersion int64) error {
	ref, err := r.orders.Ref(ctx, order.ID)
	if err != nil {
		return err
	}
	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		current, err := r.orders.Decode(snap)
		if err != nil {
			return err
		}
		if current.Data.Version != expectedVersion {
			return pfirestore.Conflict("stamp_orders.save", "order %q version %d does not match expected %d", order.ID, current.Data.Version, expectedVersion)
		}
		return tx.Set(ref, newOrderDocument(order))
	})
	return pfirestore.WrapError("stamp_orders.save", err)
}

// ListByStatusUpdatedBefore returns the oldest orders in status last touched before the cutoff.
// Requires a composite index on (status, updatedAt).
func (r *OrderRepository) ListByStatusUpdatedBefore(ctx context.Context, status domain.StampOrderStatus, before time.Time, limit int) ([]domain.StampOrder, error) {
	docs, err := r.orders.Query(ctx, func(q firestore.Query) firestore.Query {
		q = q.Where("status", "==", string(status)).
			Where("updatedAt", "<", before.UTC()).
			OrderBy("updatedAt", firestore.Asc)
		if limit > 0 {
			q = q.Limit(limit)
		}
		return q
	})
	if err != nil {
		return nil, err
	}
	out := make([]domain.StampOrder, 0, len(docs))
	for _, doc := range docs {
		out = append(out, doc.Data.toDomain(doc.ID))
	}
	return out, nil
}
