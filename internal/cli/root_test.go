package cli

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/estamp-field/api/internal/di"
	"github.com/estamp-field/api/internal/payments"
	"github.com/estamp-field/api/internal/platform/config"
)

type discardStore struct{}

func (discardStore) Put(context.Context, string, []byte, string) error { return nil }

func (discardStore) Presign(_ context.Context, key string, ttl time.Duration) (string, time.Time, error) {
	return "https://files.test/" + key, time.Now().Add(ttl), nil
}

func newTestRuntime(t *testing.T) Opener {
	t.Helper()
	cfg := config.Config{
		Store:   config.StoreConfig{Backend: "memory"},
		PSP:     config.PSPConfig{Provider: "sandbox", Currency: "INR"},
		Stamps:  config.StampConfig{SigningKey: "signing", VerificationSecret: "verification", VerifyBaseURL: "https://estamp.test/verify"},
		Storage: config.StorageConfig{Backend: "minio", Bucket: "stamps"},
	}
	container, err := di.NewContainer(context.Background(), cfg, nil, di.WithDocumentStore(discardStore{}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Close(context.Background()) })

	return func(context.Context) (*Runtime, error) {
		return &Runtime{
			Templates:  container.Services.Templates,
			Promos:     container.Services.Promos,
			Orders:     container.Services.Orders,
			SigningKey: []byte(cfg.Stamps.SigningKey),
		}, nil
	}
}

func failingOpener(t *testing.T) Opener {
	return func(context.Context) (*Runtime, error) {
		t.Fatalf("runtime should not be opened")
		return nil, errors.New("unreachable")
	}
}

func execute(t *testing.T, open Opener, args ...string) (string, error) {
	t.Helper()
	root := NewRootCommand(open)
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestTemplatesSeedAndList(t *testing.T) {
	open := newTestRuntime(t)
	path := writeFile(t, "templates.yaml", `
templates:
  - id: tmpl_ka_affidavit
    jurisdiction: ka
    documentType: Affidavit
    baseDuty: 50000
    platformFee: 7697
  - id: tmpl_ka_rental
    jurisdiction: KA
    documentType: Rental Agreement
    baseDuty: 20000
    platformFee: 5000
    active: false
`)

	out, err := execute(t, open, "templates", "seed", "-f", path)
	require.NoError(t, err)
	require.Contains(t, out, "upserted template tmpl_ka_affidavit (KA/Affidavit)")
	require.Contains(t, out, "upserted template tmpl_ka_rental")

	out, err = execute(t, open, "templates", "list", "KA")
	require.NoError(t, err)
	require.Contains(t, out, "tmpl_ka_affidavit")
	require.NotContains(t, out, "tmpl_ka_rental")
}

func TestTemplatesSeedRejectsEmptyFile(t *testing.T) {
	path := writeFile(t, "empty.yaml", "templates: []\n")
	_, err := execute(t, failingOpener(t), "templates", "seed", "-f", path)
	require.ErrorContains(t, err, "no templates found")
}

func TestPromosUpsertAndShow(t *testing.T) {
	open := newTestRuntime(t)
	path := writeFile(t, "promos.yaml", `
promos:
  - code: save10
    discountType: PERCENTAGE
    value: 10
    maxDiscount: 5000
    validFrom: "2025-01-01T00:00:00Z"
    validUntil: "2099-12-31T23:59:59Z"
    usageLimit: 100
`)

	out, err := execute(t, open, "promos", "upsert", "-f", path)
	require.NoError(t, err)
	require.Contains(t, out, "upserted promo SAVE10 (percentage 10)")

	out, err = execute(t, open, "promos", "show", "SAVE10")
	require.NoError(t, err)
	require.Contains(t, out, "used=0/100")
	require.Contains(t, out, "active=true")
}

func TestPromosUpsertRejectsBadTimestamp(t *testing.T) {
	path := writeFile(t, "promos.yaml", `
promos:
  - code: broken
    discountType: fixed
    value: 100
    validFrom: "next week"
`)
	_, err := execute(t, failingOpener(t), "promos", "upsert", "-f", path)
	require.ErrorContains(t, err, "validFrom must be RFC3339")
}

func TestPaymentsSignWithKey(t *testing.T) {
	out, err := execute(t, failingOpener(t), "payments", "sign", "gw_1", "pay_1", "--key", "secret")
	require.NoError(t, err)
	require.Equal(t, payments.Signature([]byte("secret"), "gw_1", "pay_1"), strings.TrimSpace(out))
}

func TestPaymentsSignUsesConfiguredKey(t *testing.T) {
	out, err := execute(t, newTestRuntime(t), "payments", "sign", "gw_1", "pay_1")
	require.NoError(t, err)
	require.Equal(t, payments.Signature([]byte("signing"), "gw_1", "pay_1"), strings.TrimSpace(out))
}

func TestOrdersRevokeRequiresReason(t *testing.T) {
	_, err := execute(t, failingOpener(t), "orders", "revoke", "stp_1")
	require.ErrorContains(t, err, "--reason is required")
}

func TestOrdersShowUnknownOrder(t *testing.T) {
	_, err := execute(t, newTestRuntime(t), "orders", "show", "stp_missing")
	require.Error(t, err)
}

func TestOrdersSweepOnEmptyStore(t *testing.T) {
	out, err := execute(t, newTestRuntime(t), "orders", "sweep", "--limit", "10")
	require.NoError(t, err)
	require.Contains(t, out, "examined 0, failed 0")
}
