package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/estamp-field/api/internal/domain"
	"github.com/estamp-field/api/internal/repositories"
)

var orderColumnNames = []string{
	"id", "owner_id", "template_id", "jurisdiction", "document_type",
	"first_party_name", "first_party_phone", "second_party_name", "second_party_phone", "payer",
	"stamp_amount", "base_duty", "convenience_fee", "service_charge", "doorstep_charge", "promo_discount", "total",
	"currency", "service_tier", "doorstep_delivery", "delivery_address", "promo_code", "promo_credited",
	"gateway_provider", "gateway_order_id", "gateway_client_secret", "gateway_payment_id", "gateway_signature",
	"status", "document_object_key", "document_url", "document_url_expires_at", "verification_hash",
	"guest_name", "guest_email", "guest_phone", "metadata", "version",
	"created_at", "updated_at", "payment_verified_at", "issued_at", "completed_at", "expires_at",
	"delivered_at", "cancelled_at", "failed_at", "revoked_at",
}

var (
	orderColumns = strings.Join(orderColumnNames, ", ")
	insertOrder  = fmt.Sprintf(`INSERT INTO stamp_orders (%s) VALUES (%s)`, orderColumns, placeholders(1, len(orderColumnNames)))
	saveOrder    = buildSaveOrder()
)

func placeholders(from, n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf("$%d", from+i)
	}
	return strings.Join(parts, ", ")
}

// buildSaveOrder renders the compare-and-set update: every column except id is rewritten and the
// expected version is the final parameter.
func buildSaveOrder() string {
	sets := make([]string, 0, len(orderColumnNames)-1)
	for i, name := range orderColumnNames[1:] {
		sets = append(sets, fmt.Sprintf("%s = $%d", name, i+2))
	}
	return fmt.Sprintf(`UPDATE stamp_orders SET %s WHERE id = $1 AND version = $%d`,
		strings.Join(sets, ", "), len(orderColumnNames)+1)
}

// OrderRepository stores orders in stamp_orders.
type OrderRepository struct {
	db *sql.DB
}

var _ repositories.StampOrderRepository = (*OrderRepository)(nil)

// NewOrderRepository constructs the repository.
func NewOrderRepository(db *sql.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

// Insert creates the order; a duplicate id or gateway reference is a conflict.
func (r *OrderRepository) Insert(ctx context.Context, order domain.StampOrder) error {
	args, err := orderArgs(order)
	if err != nil {
		return wrapError("orders.insert", err)
	}
	if _, err := r.db.ExecContext(ctx, insertOrder, args...); err != nil {
		return wrapError("orders.insert", err)
	}
	return nil
}

// FindByID loads an order.
func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.StampOrder, error) {
	return r.findOne(ctx, "orders.find", "id", orderID)
}

// FindByVerificationHash resolves an issued order from its verification code.
func (r *OrderRepository) FindByVerificationHash(ctx context.Context, hash string) (domain.StampOrder, error) {
	if strings.TrimSpace(hash) == "" {
		return domain.StampOrder{}, notFound("orders.find_by_hash", "verification hash is required")
	}
	return r.findOne(ctx, "orders.find_by_hash", "verification_hash", hash)
}

// FindByGatewayOrderID resolves an order from the payment gateway reference.
func (r *OrderRepository) FindByGatewayOrderID(ctx context.Context, gatewayOrderID string) (domain.StampOrder, error) {
	if strings.TrimSpace(gatewayOrderID) == "" {
		return domain.StampOrder{}, notFound("orders.find_by_gateway", "gateway order id is required")
	}
	return r.findOne(ctx, "orders.find_by_gateway", "gateway_order_id", gatewayOrderID)
}

func (r *OrderRepository) findOne(ctx context.Context, op, column, value string) (domain.StampOrder, error) {
	query := fmt.Sprintf(`SELECT %s FROM stamp_orders WHERE %s = $1`, orderColumns, column)
	order, err := scanOrder(r.db.QueryRowContext(ctx, query, value))
	if err != nil {
		return domain.StampOrder{}, wrapError(op, err)
	}
	return order, nil
}

// Save writes order only while the stored version equals expectedVersion.
func (r *OrderRepository) Save(ctx context.Context, order domain.StampOrder, expectedVersion int64) error {
	args, err := orderArgs(order)
	if err != nil {
		return wrapError("orders.save", err)
	}
	res, err := r.db.ExecContext(ctx, saveOrder, append(args, expectedVersion)...)
	if err != nil {
		return wrapError("orders.save", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return wrapError("orders.save", err)
	}
	if affected == 1 {
		return nil
	}

	var current int64
	err = r.db.QueryRowContext(ctx, `SELECT version FROM stamp_orders WHERE id = $1`, order.ID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return notFound("orders.save", "order %q not found", order.ID)
	}
	if err != nil {
		return wrapError("orders.save", err)
	}
	return conflict("orders.save", "order %q version %d does not match expected %d", order.ID, current, expectedVersion)
}

// ListByStatusUpdatedBefore returns the oldest orders in status last touched before the cutoff.
func (r *OrderRepository) ListByStatusUpdatedBefore(ctx context.Context, status domain.StampOrderStatus, before time.Time, limit int) ([]domain.StampOrder, error) {
	query := fmt.Sprintf(`SELECT %s FROM stamp_orders WHERE status = $1 AND updated_at < $2 ORDER BY updated_at`, orderColumns)
	args := []any{string(status), before.UTC()}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapError("orders.list_stale", err)
	}
	defer rows.Close()

	out := make([]domain.StampOrder, 0)
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, wrapError("orders.list_stale", err)
		}
		out = append(out, order)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapError("orders.list_stale", err)
	}
	return out, nil
}

type metadataRecord struct {
	Event  string            `json:"event"`
	At     time.Time         `json:"at"`
	Actor  string            `json:"actor,omitempty"`
	Reason string            `json:"reason,omitempty"`
	Detail map[string]string `json:"detail,omitempty"`
}

func encodeMetadata(entries []domain.StampMetadataEntry) ([]byte, error) {
	records := make([]metadataRecord, 0, len(entries))
	for _, entry := range entries {
		records = append(records, metadataRecord{
			Event:  entry.Event,
			At:     entry.At.UTC(),
			Actor:  entry.Actor,
			Reason: entry.Reason,
			Detail: entry.Detail,
		})
	}
	return json.Marshal(records)
}

func decodeMetadata(raw []byte) ([]domain.StampMetadataEntry, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var records []metadataRecord
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	var entries []domain.StampMetadataEntry
	for _, record := range records {
		entries = append(entries, domain.StampMetadataEntry{
			Event:  record.Event,
			At:     record.At.UTC(),
			Actor:  record.Actor,
			Reason: record.Reason,
			Detail: record.Detail,
		})
	}
	return entries, nil
}

// orderArgs lists the column values in orderColumnNames order.
func orderArgs(o domain.StampOrder) ([]any, error) {
	metadata, err := encodeMetadata(o.Metadata)
	if err != nil {
		return nil, err
	}
	return []any{
		o.ID, o.OwnerID, o.TemplateID, o.Jurisdiction, o.DocumentType,
		o.FirstParty.Name, o.FirstParty.Phone, o.SecondParty.Name, o.SecondParty.Phone, string(o.Payer),
		o.Amounts.StampAmount, o.Amounts.BaseDuty, o.Amounts.ConvenienceFee, o.Amounts.ServiceCharge,
		o.Amounts.DoorstepCharge, o.Amounts.PromoDiscount, o.Amounts.Total,
		o.Currency, string(o.ServiceTier), o.DoorstepDelivery, o.DeliveryAddress, o.PromoCode, o.PromoCredited,
		o.Gateway.Provider, o.Gateway.OrderID, o.Gateway.ClientSecret, o.Gateway.PaymentID, o.Gateway.Signature,
		string(o.Status), o.Document.ObjectKey, o.Document.URL, nullTime(o.Document.URLExpiresAt), o.VerificationHash,
		o.Guest.Name, o.Guest.Email, o.Guest.Phone, metadata, o.Version,
		o.CreatedAt.UTC(), o.UpdatedAt.UTC(), nullTime(o.PaymentVerifiedAt), nullTime(o.IssuedAt),
		nullTime(o.CompletedAt), nullTime(o.ExpiresAt), nullTime(o.DeliveredAt), nullTime(o.CancelledAt),
		nullTime(o.FailedAt), nullTime(o.RevokedAt),
	}, nil
}

func scanOrder(row rowScanner) (domain.StampOrder, error) {
	var (
		o                                         domain.StampOrder
		payer, tier, status                       string
		metadata                                  []byte
		urlExpiresAt, paymentVerifiedAt, issuedAt sql.NullTime
		completedAt, expiresAt, deliveredAt       sql.NullTime
		cancelledAt, failedAt, revokedAt          sql.NullTime
	)
	if err := row.Scan(
		&o.ID, &o.OwnerID, &o.TemplateID, &o.Jurisdiction, &o.DocumentType,
		&o.FirstParty.Name, &o.FirstParty.Phone, &o.SecondParty.Name, &o.SecondParty.Phone, &payer,
		&o.Amounts.StampAmount, &o.Amounts.BaseDuty, &o.Amounts.ConvenienceFee, &o.Amounts.ServiceCharge,
		&o.Amounts.DoorstepCharge, &o.Amounts.PromoDiscount, &o.Amounts.Total,
		&o.Currency, &tier, &o.DoorstepDelivery, &o.DeliveryAddress, &o.PromoCode, &o.PromoCredited,
		&o.Gateway.Provider, &o.Gateway.OrderID, &o.Gateway.ClientSecret, &o.Gateway.PaymentID, &o.Gateway.Signature,
		&status, &o.Document.ObjectKey, &o.Document.URL, &urlExpiresAt, &o.VerificationHash,
		&o.Guest.Name, &o.Guest.Email, &o.Guest.Phone, &metadata, &o.Version,
		&o.CreatedAt, &o.UpdatedAt, &paymentVerifiedAt, &issuedAt,
		&completedAt, &expiresAt, &deliveredAt, &cancelledAt,
		&failedAt, &revokedAt,
	); err != nil {
		return domain.StampOrder{}, err
	}
	entries, err := decodeMetadata(metadata)
	if err != nil {
		return domain.StampOrder{}, err
	}
	o.Metadata = entries
	o.Payer = domain.PayerDesignation(payer)
	o.ServiceTier = domain.ServiceTier(tier)
	o.Status = domain.StampOrderStatus(status)
	o.CreatedAt = o.CreatedAt.UTC()
	o.UpdatedAt = o.UpdatedAt.UTC()
	o.Document.URLExpiresAt = timePtr(urlExpiresAt)
	o.PaymentVerifiedAt = timePtr(paymentVerifiedAt)
	o.IssuedAt = timePtr(issuedAt)
	o.CompletedAt = timePtr(completedAt)
	o.ExpiresAt = timePtr(expiresAt)
	o.DeliveredAt = timePtr(deliveredAt)
	o.CancelledAt = timePtr(cancelledAt)
	o.FailedAt = timePtr(failedAt)
	o.RevokedAt = timePtr(revokedAt)
	return o, nil
}
