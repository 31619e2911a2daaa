//go:build integration

package firestore

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/estamp-field/api/internal/domain"
	pconfig "github.com/estamp-field/api/internal/platform/config"
	pfirestore "github.com/estamp-field/api/internal/platform/firestore"
	"github.com/estamp-field/api/internal/repositories"
)

func TestStampRepositoriesIntegration(t *testing.T) {
	if _, err := exec.LookPath("docker"); err != nil {
		t.Skip("docker not available: " + err.Error())
	}
	ensureDockerDaemon(t)

	port := freePort(t)
	endpoint := fmt.Sprintf("127.0.0.1:%d", port)
	containerID := startFirestoreEmulator(t, port)
	t.Cleanup(func() { stopContainer(containerID) })
	waitForEndpoint(t, endpoint, 30*time.Second)

	provider := pfirestore.NewProvider(pconfig.FirestoreConfig{ProjectID: "estamp-test", EmulatorHost: endpoint})
	registry, err := NewRegistry(provider)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	t.Cleanup(func() { _ = registry.Close(context.Background()) })

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	now := time.Now().UTC().Truncate(time.Millisecond)

	template, err := registry.StampTemplates().Upsert(ctx, domain.StampTemplate{
		ID: "ka-rental", Jurisdiction: "KA", DocumentType: "Rental Agreement",
		BaseDuty: 50000, PlatformFee: 7697, Active: true, CreatedAt: now, UpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("upsert template: %v", err)
	}
	active, err := registry.StampTemplates().ListActiveByJurisdiction(ctx, "ka")
	if err != nil || len(active) != 1 || active[0].ID != template.ID {
		t.Fatalf("list active: %v %+v", err, active)
	}

	order := domain.StampOrder{
		ID: "stp_1", TemplateID: template.ID, Jurisdiction: "KA", DocumentType: template.DocumentType,
		Status: domain.StampOrderStatusPendingPayment, Gateway: domain.StampGateway{OrderID: "pi_1"},
		Version: 1, CreatedAt: now, UpdatedAt: now,
	}
	if err := registry.StampOrders().Insert(ctx, order); err != nil {
		t.Fatalf("insert order: %v", err)
	}
	assertConflict(t, registry.StampOrders().Insert(ctx, order))

	found, err := registry.StampOrders().FindByGatewayOrderID(ctx, "pi_1")
	if err != nil || found.ID != "stp_1" {
		t.Fatalf("find by gateway: %v %+v", err, found)
	}

	next := found
	next.Version = 2
	next.Status = domain.StampOrderStatusPaymentVerified
	if err := registry.StampOrders().Save(ctx, next, 1); err != nil {
		t.Fatalf("save: %v", err)
	}
	assertConflict(t, registry.StampOrders().Save(ctx, next, 1))

	stale, err := registry.StampOrders().ListByStatusUpdatedBefore(ctx, domain.StampOrderStatusPaymentVerified, now.Add(time.Minute), 10)
	if err != nil || len(stale) != 1 {
		t.Fatalf("list stale: %v %+v", err, stale)
	}

	assertConflict(t, registry.StampTemplates().Delete(ctx, template.ID))

	limit := int64(3)
	if _, err := registry.StampPromos().Upsert(ctx, domain.StampPromoCode{
		Code: "diwali", DiscountType: domain.DiscountTypeFixed, Value: 500, UsageLimit: &limit, Active: true,
	}); err != nil {
		t.Fatalf("upsert promo: %v", err)
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		exhausted int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := registry.StampPromos().IncrementUsage(ctx, "DIWALI", now)
			mu.Lock()
			defer mu.Unlock()
			var usageErr *repositories.PromoUsageError
			switch {
			case err == nil:
				succeeded++
			case errors.As(err, &usageErr) && usageErr.Code == repositories.PromoUsageExhausted:
				exhausted++
			default:
				t.Errorf("increment: %v", err)
			}
		}()
	}
	wg.Wait()
	if succeeded != 3 || exhausted != 5 {
		t.Fatalf("expected 3 redemptions and 5 exhausted, got %d and %d", succeeded, exhausted)
	}
	promo, err := registry.StampPromos().FindByCode(ctx, "diwali")
	if err != nil || promo.UsageCount != 3 {
		t.Fatalf("find promo: %v %+v", err, promo)
	}
}

func assertConflict(t *testing.T, err error) {
	t.Helper()
	var repoErr repositories.RepositoryError
	if !errors.As(err, &repoErr) || !repoErr.IsConflict() {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	addr, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("unable to allocate port: %v", err)
	}
	defer addr.Close()
	return addr.Addr().(*net.TCPAddr).Port
}

const firestoreEmulatorImage = "gcr.io/google.com/cloudsdktool/cloud-sdk:emulators"

func startFirestoreEmulator(t *testing.T, port int) string {
	t.Helper()
	cmd := exec.Command("docker", "run", "-d", "--rm",
		"-p", fmt.Sprintf("%d:8080", port),
		firestoreEmulatorImage,
		"gcloud", "beta", "emulators", "firestore", "start",
		"--host-port=0.0.0.0:8080", "--quiet",
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("failed to start firestore emulator: %v - %s", err, string(out))
	}
	id := strings.TrimSpace(string(out))
	if id == "" {
		t.Fatalf("docker returned empty container id")
	}
	if len(id) > 12 {
		id = id[:12]
	}
	return id
}

func ensureDockerDaemon(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := exec.CommandContext(ctx, "docker", "info").Run(); err != nil {
		t.Fatalf("docker daemon not available: %v", err)
	}
}

func stopContainer(id string) {
	if id == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = exec.CommandContext(ctx, "docker", "stop", id).Run()
}

func waitForEndpoint(t *testing.T, endpoint string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", endpoint, 500*time.Millisecond)
		if err == nil {
			conn.Close()
			return
		}
		time.Sleep(200 * time.Millisecond)
	}
	t.Fatalf("firestore emulator at %s did not become ready within %s", endpoint, timeout)
}
