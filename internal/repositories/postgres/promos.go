package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/estamp-field/api/internal/domain"
	"github.com/estamp-field/api/internal/repositories"
)

const promoColumns = `code, description, discount_type, value, max_discount, min_order_amount, valid_from, valid_until, usage_limit, usage_count, active, created_at, updated_at`

// PromoRepository stores promo codes in stamp_promos.
type PromoRepository struct {
	db *sql.DB
}

var _ repositories.StampPromoRepository = (*PromoRepository)(nil)

// NewPromoRepository constructs the repository.
func NewPromoRepository(db *sql.DB) *PromoRepository {
	return &PromoRepository{db: db}
}

// Upsert inserts or replaces the promo definition. usage_count and created_at are written only on
// insert.
func (r *PromoRepository) Upsert(ctx context.Context, promo domain.StampPromoCode) (domain.StampPromoCode, error) {
	query := `
		INSERT INTO stamp_promos (` + promoColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (code) DO UPDATE SET
			description = EXCLUDED.description,
			discount_type = EXCLUDED.discount_type,
			value = EXCLUDED.value,
			max_discount = EXCLUDED.max_discount,
			min_order_amount = EXCLUDED.min_order_amount,
			valid_from = EXCLUDED.valid_from,
			valid_until = EXCLUDED.valid_until,
			usage_limit = EXCLUDED.usage_limit,
			active = EXCLUDED.active,
			updated_at = EXCLUDED.updated_at
		RETURNING ` + promoColumns

	row := r.db.QueryRowContext(ctx, query,
		domain.NormalizePromoCode(promo.Code),
		promo.Description,
		string(promo.DiscountType),
		promo.Value,
		nullInt64(promo.MaxDiscount),
		promo.MinOrderAmount,
		zeroableTime(promo.ValidFrom),
		zeroableTime(promo.ValidUntil),
		nullInt64(promo.UsageLimit),
		promo.UsageCount,
		promo.Active,
		promo.CreatedAt.UTC(),
		promo.UpdatedAt.UTC(),
	)
	saved, err := scanPromo(row)
	if err != nil {
		return domain.StampPromoCode{}, wrapError("promos.upsert", err)
	}
	return saved, nil
}

// FindByCode loads a promo code.
func (r *PromoRepository) FindByCode(ctx context.Context, code string) (domain.StampPromoCode, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+promoColumns+` FROM stamp_promos WHERE code = $1`, domain.NormalizePromoCode(code))
	promo, err := scanPromo(row)
	if err != nil {
		return domain.StampPromoCode{}, wrapError("promos.find", err)
	}
	return promo, nil
}

// IncrementUsage records one redemption. The limit check and the increment are one statement, so
// concurrent redemptions can never exceed usage_limit.
func (r *PromoRepository) IncrementUsage(ctx context.Context, code string, now time.Time) (domain.StampPromoCode, error) {
	code = domain.NormalizePromoCode(code)
	row := r.db.QueryRowContext(ctx, `
		UPDATE stamp_promos
		SET usage_count = usage_count + 1, updated_at = $2
		WHERE code = $1 AND (usage_limit IS NULL OR usage_count < usage_limit)
		RETURNING `+promoColumns, code, now.UTC())
	promo, err := scanPromo(row)
	if err == nil {
		return promo, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return domain.StampPromoCode{}, wrapError("promos.increment_usage", err)
	}

	var exists bool
	if err := r.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM stamp_promos WHERE code = $1)`, code).Scan(&exists); err != nil {
		return domain.StampPromoCode{}, wrapError("promos.increment_usage", err)
	}
	if !exists {
		return domain.StampPromoCode{}, repositories.NewPromoUsageError(repositories.PromoUsageNotFound, code, nil)
	}
	return domain.StampPromoCode{}, repositories.NewPromoUsageError(repositories.PromoUsageExhausted, code, nil)
}

func scanPromo(row rowScanner) (domain.StampPromoCode, error) {
	var (
		p                     domain.StampPromoCode
		discountType          string
		maxDiscount, limit    sql.NullInt64
		validFrom, validUntil sql.NullTime
	)
	if err := row.Scan(
		&p.Code,
		&p.Description,
		&discountType,
		&p.Value,
		&maxDiscount,
		&p.MinOrderAmount,
		&validFrom,
		&validUntil,
		&limit,
		&p.UsageCount,
		&p.Active,
		&p.CreatedAt,
		&p.UpdatedAt,
	); err != nil {
		return domain.StampPromoCode{}, err
	}
	p.DiscountType = domain.DiscountType(discountType)
	p.MaxDiscount = int64Ptr(maxDiscount)
	p.UsageLimit = int64Ptr(limit)
	if validFrom.Valid {
		p.ValidFrom = validFrom.Time.UTC()
	}
	if validUntil.Valid {
		p.ValidUntil = validUntil.Time.UTC()
	}
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return p, nil
}
