package handlers

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	domain "github.com/estamp-field/api/internal/domain"
	"github.com/estamp-field/api/internal/services"
)

func TestPaymentWebhook(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
	}{
		{"verified", nil, http.StatusOK},
		{"issuance failed after payment", fmt.Errorf("%w: storage", services.ErrStampIssuance), http.StatusAccepted},
		{"bad signature", fmt.Errorf("%w", services.ErrStampInvalidSignature), http.StatusPaymentRequired},
		{"unknown gateway order", fmt.Errorf("%w: gw", services.ErrStampNotFound), http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			orders := &stubOrderService{order: services.StampOrder{ID: "stp_1", Status: domain.StampOrderStatusGenerated}, err: tc.err}
			router := NewRouter(WithWebhookRoutes(NewPaymentWebhookHandlers(orders).Routes))

			req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/payments/Sandbox", strings.NewReader(`{"gatewayOrderId":"gw_1","paymentId":"pay_1","signature":"sig"}`))
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, req)
			if rr.Code != tc.status {
				t.Fatalf("expected %d, got %d: %s", tc.status, rr.Code, rr.Body.String())
			}
			cmd := orders.callbackCmd
			if cmd.Provider != "sandbox" || cmd.GatewayOrderID != "gw_1" || cmd.PaymentID != "pay_1" || cmd.Signature != "sig" {
				t.Fatalf("unexpected callback command %+v", cmd)
			}
		})
	}
}

func TestInternalSweep(t *testing.T) {
	orders := &stubOrderService{sweep: services.StampSweepResult{Examined: 2, Failed: []string{"stp_1"}, Resumed: []string{"stp_2"}}}
	router := NewRouter(WithInternalRoutes(NewInternalStampHandlers(orders).Routes))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/internal/stamps/sweep", strings.NewReader(`{"olderThanSeconds":600,"limit":50}`))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if orders.sweepCmd.OlderThan != 10*time.Minute || orders.sweepCmd.Limit != 50 {
		t.Fatalf("unexpected sweep command %+v", orders.sweepCmd)
	}
	resp := decodeBody(t, rr)
	if resp["examined"] != float64(2) {
		t.Fatalf("unexpected response %v", resp)
	}
	if resumed, ok := resp["resumed"].([]any); !ok || len(resumed) != 1 || resumed[0] != "stp_2" {
		t.Fatalf("expected resumed orders in response, got %v", resp["resumed"])
	}

	req = httptest.NewRequest(http.MethodPost, "/api/v1/internal/stamps/sweep", strings.NewReader(`{"limit":-1}`))
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for negative limit, got %d", rr.Code)
	}
}
