package postgres

import (
	"context"
	"database/sql/driver"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/require"

	"github.com/estamp-field/api/internal/domain"
	"github.com/estamp-field/api/internal/repositories"
)

var testNow = time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC)

func newMock(t *testing.T) (*Registry, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	registry, err := NewRegistry(db)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return registry, mock
}

func sampleOrder() domain.StampOrder {
	verified := testNow.Add(time.Minute)
	return domain.StampOrder{
		ID:           "stp_1",
		TemplateID:   "ka-rental",
		Jurisdiction: "KA",
		DocumentType: "Rental Agreement",
		FirstParty:   domain.StampParty{Name: "Asha Rao", Phone: "+919800000001"},
		SecondParty:  domain.StampParty{Name: "Vikram Iyer"},
		Payer:        domain.PayerFirstParty,
		Amounts:      domain.StampAmounts{StampAmount: 50000, BaseDuty: 50000, ConvenienceFee: 7697, Total: 57697},
		Currency:     "INR",
		ServiceTier:  domain.ServiceTierStandard,
		Gateway:      domain.StampGateway{Provider: "stripe", OrderID: "pi_1", PaymentID: "ch_1"},
		Status:       domain.StampOrderStatusPaymentVerified,
		Metadata: []domain.StampMetadataEntry{
			{Event: "payment_verified", At: verified, Actor: "webhook", Detail: map[string]string{"paymentId": "ch_1"}},
		},
		Version:           2,
		CreatedAt:         testNow,
		UpdatedAt:         verified,
		PaymentVerifiedAt: &verified,
	}
}

func orderRow(t *testing.T, order domain.StampOrder) *sqlmock.Rows {
	t.Helper()
	args, err := orderArgs(order)
	require.NoError(t, err)
	values := make([]driver.Value, len(args))
	for i, arg := range args {
		values[i] = arg
	}
	return sqlmock.NewRows(orderColumnNames).AddRow(values...)
}

func requireRepoError(t *testing.T, err error, check func(repositories.RepositoryError) bool) {
	t.Helper()
	var repoErr repositories.RepositoryError
	require.True(t, errors.As(err, &repoErr), "expected repository error, got %v", err)
	require.True(t, check(repoErr), "unexpected classification for %v", err)
}

func TestOrderRepositoryFindByIDScansEveryColumn(t *testing.T) {
	registry, mock := newMock(t)
	order := sampleOrder()

	mock.ExpectQuery(regexp.QuoteMeta("FROM stamp_orders WHERE id = $1")).
		WithArgs("stp_1").
		WillReturnRows(orderRow(t, order))

	got, err := registry.StampOrders().FindByID(context.Background(), "stp_1")
	require.NoError(t, err)
	require.Equal(t, order.Amounts, got.Amounts)
	require.Equal(t, order.Gateway, got.Gateway)
	require.Equal(t, domain.StampOrderStatusPaymentVerified, got.Status)
	require.NotNil(t, got.PaymentVerifiedAt)
	require.True(t, got.PaymentVerifiedAt.Equal(*order.PaymentVerifiedAt))
	require.Nil(t, got.IssuedAt)
	require.Len(t, got.Metadata, 1)
	require.Equal(t, "ch_1", got.Metadata[0].Detail["paymentId"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOrderRepositoryFindByIDMissing(t *testing.T) {
	registry, mock := newMock(t)
	mock.ExpectQuery(regexp.QuoteMeta("FROM stamp_orders WHERE id = $1")).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(orderColumnNames))

	_, err := registry.StampOrders().FindByID(context.Background(), "missing")
	requireRepoError(t, err, repositories.RepositoryError.IsNotFound)
}

func TestOrderRepositorySaveComparesVersion(t *testing.T) {
	registry, mock := newMock(t)
	order := sampleOrder()
	order.Version = 3

	mock.ExpectExec(regexp.QuoteMeta("UPDATE stamp_orders SET owner_id = $2")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, registry.StampOrders().Save(context.Background(), order, 2))

	mock.ExpectExec(regexp.QuoteMeta("WHERE id = $1 AND version = $49")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT version FROM stamp_orders WHERE id = $1")).
		WithArgs("stp_1").
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(int64(5)))
	err := registry.StampOrders().Save(context.Background(), order, 2)
	requireRepoError(t, err, repositories.RepositoryError.IsConflict)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE stamp_orders SET")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT version FROM stamp_orders WHERE id = $1")).
		WillReturnRows(sqlmock.NewRows([]string{"version"}))
	err = registry.StampOrders().Save(context.Background(), order, 2)
	requireRepoError(t, err, repositories.RepositoryError.IsNotFound)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOrderRepositoryInsertDuplicateIsConflict(t *testing.T) {
	registry, mock := newMock(t)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO stamp_orders")).
		WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value"})

	err := registry.StampOrders().Insert(context.Background(), sampleOrder())
	requireRepoError(t, err, repositories.RepositoryError.IsConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOrderRepositoryListStale(t *testing.T) {
	registry, mock := newMock(t)
	cutoff := testNow.Add(time.Hour)
	mock.ExpectQuery(regexp.QuoteMeta("WHERE status = $1 AND updated_at < $2 ORDER BY updated_at LIMIT $3")).
		WithArgs("generating", cutoff, 50).
		WillReturnRows(orderRow(t, sampleOrder()))

	orders, err := registry.StampOrders().ListByStatusUpdatedBefore(context.Background(), domain.StampOrderStatusGenerating, cutoff, 50)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOrderRepositoryBlankLookupsAreNotFound(t *testing.T) {
	registry, _ := newMock(t)
	_, err := registry.StampOrders().FindByVerificationHash(context.Background(), " ")
	requireRepoError(t, err, repositories.RepositoryError.IsNotFound)
	_, err = registry.StampOrders().FindByGatewayOrderID(context.Background(), "")
	requireRepoError(t, err, repositories.RepositoryError.IsNotFound)
}

func TestTemplateRepositoryDelete(t *testing.T) {
	registry, mock := newMock(t)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM stamp_templates WHERE id = $1")).
		WithArgs("ka-rental").
		WillReturnError(&pq.Error{Code: "23503", Message: "violates foreign key constraint"})
	err := registry.StampTemplates().Delete(context.Background(), "ka-rental")
	requireRepoError(t, err, repositories.RepositoryError.IsConflict)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM stamp_templates WHERE id = $1")).
		WithArgs("missing").
		WillReturnResult(sqlmock.NewResult(0, 0))
	err = registry.StampTemplates().Delete(context.Background(), "missing")
	requireRepoError(t, err, repositories.RepositoryError.IsNotFound)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM stamp_templates WHERE id = $1")).
		WithArgs("unused").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, registry.StampTemplates().Delete(context.Background(), "unused"))

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTemplateRepositoryListActive(t *testing.T) {
	registry, mock := newMock(t)
	rows := sqlmock.NewRows([]string{"id", "jurisdiction", "document_type", "base_duty", "platform_fee", "description", "active", "created_at", "updated_at"}).
		AddRow("ka-affidavit", "KA", "Affidavit", int64(2000), int64(500), "", true, testNow, testNow).
		AddRow("ka-rental", "KA", "Rental Agreement", int64(50000), int64(7697), "", true, testNow, testNow)
	mock.ExpectQuery(regexp.QuoteMeta("WHERE jurisdiction = $1 AND active")).
		WithArgs("KA").
		WillReturnRows(rows)

	templates, err := registry.StampTemplates().ListActiveByJurisdiction(context.Background(), " ka ")
	require.NoError(t, err)
	require.Len(t, templates, 2)
	require.Equal(t, "ka-rental", templates[1].ID)
	require.Equal(t, int64(7697), templates[1].PlatformFee)
	require.NoError(t, mock.ExpectationsWereMet())
}

func promoRow(usageCount int64) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"code", "description", "discount_type", "value", "max_discount", "min_order_amount", "valid_from", "valid_until", "usage_limit", "usage_count", "active", "created_at", "updated_at"}).
		AddRow("DIWALI", "", "fixed", int64(500), nil, int64(0), nil, nil, int64(3), usageCount, true, testNow, testNow)
}

func TestPromoRepositoryIncrementUsage(t *testing.T) {
	registry, mock := newMock(t)
	ctx := context.Background()

	mock.ExpectQuery(regexp.QuoteMeta("usage_limit IS NULL OR usage_count < usage_limit")).
		WithArgs("DIWALI", testNow).
		WillReturnRows(promoRow(3))
	promo, err := registry.StampPromos().IncrementUsage(ctx, " diwali ", testNow)
	require.NoError(t, err)
	require.Equal(t, "DIWALI", promo.Code)
	require.Equal(t, int64(3), promo.UsageCount)
	require.NotNil(t, promo.UsageLimit)
	require.Nil(t, promo.MaxDiscount)
	require.True(t, promo.ValidFrom.IsZero())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPromoRepositoryIncrementUsageRejections(t *testing.T) {
	cases := []struct {
		name   string
		exists bool
		code   repositories.PromoUsageErrorCode
	}{
		{"exhausted", true, repositories.PromoUsageExhausted},
		{"unknown", false, repositories.PromoUsageNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			registry, mock := newMock(t)
			mock.ExpectQuery(regexp.QuoteMeta("UPDATE stamp_promos")).
				WithArgs("DIWALI", testNow).
				WillReturnRows(sqlmock.NewRows([]string{"code"}))
			mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS")).
				WithArgs("DIWALI").
				WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(tc.exists))

			_, err := registry.StampPromos().IncrementUsage(context.Background(), "DIWALI", testNow)
			var usageErr *repositories.PromoUsageError
			require.ErrorAs(t, err, &usageErr)
			require.Equal(t, tc.code, usageErr.Code)
			require.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestPromoRepositoryUpsertKeepsUsage(t *testing.T) {
	registry, mock := newMock(t)
	limit := int64(3)
	mock.ExpectQuery(regexp.QuoteMeta("ON CONFLICT (code) DO UPDATE SET")).
		WillReturnRows(promoRow(2))

	saved, err := registry.StampPromos().Upsert(context.Background(), domain.StampPromoCode{
		Code: "diwali", DiscountType: domain.DiscountTypeFixed, Value: 500, UsageLimit: &limit, Active: true,
		CreatedAt: testNow, UpdatedAt: testNow,
	})
	require.NoError(t, err)
	require.Equal(t, int64(2), saved.UsageCount)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWrapErrorClassification(t *testing.T) {
	cases := []struct {
		name  string
		err   error
		check func(repositories.RepositoryError) bool
	}{
		{"connection failure", &pq.Error{Code: "08006"}, repositories.RepositoryError.IsUnavailable},
		{"too many connections", &pq.Error{Code: "53300"}, repositories.RepositoryError.IsUnavailable},
		{"serialization", &pq.Error{Code: "40001"}, repositories.RepositoryError.IsConflict},
		{"check violation", &pq.Error{Code: "23514"}, repositories.RepositoryError.IsConflict},
		{"bad conn", driver.ErrBadConn, repositories.RepositoryError.IsUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			requireRepoError(t, wrapError("op", tc.err), tc.check)
		})
	}
	require.ErrorIs(t, wrapError("op", context.Canceled), context.Canceled)
	require.NoError(t, wrapError("op", nil))
}

func TestMigrateAppliesSchema(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS stamp_templates")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, Migrate(context.Background(), db))
	require.NoError(t, mock.ExpectationsWereMet())
}
