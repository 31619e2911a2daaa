package firestore

import (
	"context"
	"errors"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/estamp-field/api/internal/domain"
	pfirestore "github.com/estamp-field/api/internal/platform/firestore"
	"github.com/estamp-field/api/internal/repositories"
)

// PromoRepository stores promo codes keyed by their normalised code.
type PromoRepository struct {
	provider *pfirestore.Provider
	promos   *pfirestore.Collection[promoDocument]
}

var _ repositories.StampPromoRepository = (*PromoRepository)(nil)

// NewPromoRepository constructs a Firestore-backed promo repository.
func NewPromoRepository(provider *pfirestore.Provider) (*PromoRepository, error) {
	if provider == nil {
		return nil, errors.New("promo repository requires firestore provider")
	}
	return &PromoRepository{
		provider: provider,
		promos:   pfirestore.NewCollection[promoDocument](provider, promosCollection),
	}, nil
}

// Upsert writes the promo definition. Usage counts already recorded are never rewound.
func (r *PromoRepository) Upsert(ctx context.Context, promo domain.StampPromoCode) (domain.StampPromoCode, error) {
	promo.Code = domain.NormalizePromoCode(promo.Code)
	ref, err := r.promos.Ref(ctx, promo.Code)
	if err != nil {
		return domain.StampPromoCode{}, err
	}
	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		switch status.Code(err) {
		case codes.OK:
			existing, err := r.promos.Decode(snap)
			if err != nil {
				return err
			}
			promo.UsageCount = existing.Data.UsageCount
			promo.CreatedAt = existing.Data.CreatedAt
		case codes.NotFound:
		default:
			return err
		}
		return tx.Set(ref, newPromoDocument(promo))
	})
	if err != nil {
		return domain.StampPromoCode{}, pfirestore.WrapError("stamp_promos.upsert", err)
	}
	return promo, nil
}

// FindByCode loads a promo code.
func (r *PromoRepository) FindByCode(ctx context.Context, code string) (domain.StampPromoCode, error) {
	doc, err := r.promos.Get(ctx, domain.NormalizePromoCode(code))
	if err != nil {
		return domain.StampPromoCode{}, err
	}
	return doc.Data.toDomain(doc.ID), nil
}

// IncrementUsage records one redemption while the usage limit allows it.
func (r *PromoRepository) IncrementUsage(ctx context.Context, code string, now time.Time) (domain.StampPromoCode, error) {
	code = domain.NormalizePromoCode(code)
	ref, err := r.promos.Ref(ctx, code)
	if err != nil {
		return domain.StampPromoCode{}, err
	}

	var updated promoDocument
	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if status.Code(err) == codes.NotFound {
			return repositories.NewPromoUsageError(repositories.PromoUsageNotFound, code, err)
		}
		if err != nil {
			return err
		}
		current, err := r.promos.Decode(snap)
		if err != nil {
			return err
		}
		doc := current.Data
		if doc.UsageLimit != nil && doc.UsageCount >= *doc.UsageLimit {
			return repositories.NewPromoUsageError(repositories.PromoUsageExhausted, code, nil)
		}
		doc.UsageCount++
		doc.UpdatedAt = now.UTC()
		if err := tx.Update(ref, []firestore.Update{
			{Path: "usageCount", Value: firestore.Increment(1)},
			{Path: "updatedAt", Value: doc.UpdatedAt},
		}); err != nil {
			return err
		}
		updated = doc
		return nil
	})
	if err != nil {
		var usageErr *repositories.PromoUsageError
		if errors.As(err, &usageErr) {
			return domain.StampPromoCode{}, usageErr
		}
		return domain.StampPromoCode{}, pfirestore.WrapError("stamp_promos.increment_usage", err)
	}
	return updated.toDomain(code), nil
}
