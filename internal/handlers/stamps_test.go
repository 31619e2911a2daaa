package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"
	"time"

	domain "github.com/estamp-field/api/internal/domain"
	"github.com/estamp-field/api/internal/platform/auth"
	"github.com/estamp-field/api/internal/services"
)

func newStampTestRouter(orders *stubOrderService, templates *stubTemplateService, verify *stubVerificationService, opts ...StampHandlerOption) http.Handler {
	authn := auth.NewAuthenticator(testVerifier())
	stamps := NewStampHandlers(authn, templates, orders, verify, opts...)
	return NewRouter(WithStampRoutes(stamps.Routes))
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body %q: %v", rr.Body.String(), err)
	}
	return body
}

func TestStampHandlers_CreateOrder(t *testing.T) {
	orders := &stubOrderService{quote: services.StampOrderQuote{
		Order: services.StampOrder{ID: "stp_1", Status: domain.StampOrderStatusDraft, Amounts: services.StampAmounts{Total: 57697}},
		Breakdown: services.StampPriceBreakdown{
			Currency: "INR",
			Amounts:  services.StampAmounts{StampAmount: 50000, ConvenienceFee: 7697, Total: 57697},
		},
	}}
	router := newStampTestRouter(orders, &stubTemplateService{}, &stubVerificationService{})

	body := `{"templateId":"tpl_ka_rent","stampAmount":50000,"firstParty":{"name":"Asha Rao","phone":"+91980"},"secondParty":{"name":"Vikram Iyer"},"payer":"BOTH","guest":{"name":"Asha","email":"asha@example.com"}}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/stamps/orders", strings.NewReader(body))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	resp := decodeBody(t, rr)
	if resp["orderId"] != "stp_1" || resp["totalAmount"] != float64(57697) {
		t.Fatalf("unexpected response %v", resp)
	}
	breakdown, ok := resp["breakdown"].(map[string]any)
	if !ok || breakdown["currency"] != "INR" {
		t.Fatalf("expected breakdown, got %v", resp["breakdown"])
	}
	cmd := orders.createCmd
	if cmd.Payer != domain.PayerBoth || cmd.Guest.Email != "asha@example.com" || cmd.Actor.UserID != "" {
		t.Fatalf("unexpected command %+v", cmd)
	}
	if cmd.FirstParty.Name != "Asha Rao" || cmd.SecondParty.Name != "Vikram Iyer" || cmd.StampAmount != 50000 {
		t.Fatalf("unexpected parties %+v", cmd)
	}
}

func TestStampHandlers_CreateOrderRejectsUnknownFields(t *testing.T) {
	orders := &stubOrderService{}
	router := newStampTestRouter(orders, &stubTemplateService{}, &stubVerificationService{})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/stamps/orders", strings.NewReader(`{"templateId":"t","total":1}`))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	if orders.called != 0 {
		t.Fatalf("service must not be called for malformed input")
	}
}

func TestStampHandlers_ActorResolution(t *testing.T) {
	orders := &stubOrderService{order: services.StampOrder{ID: "stp_1", Status: domain.StampOrderStatusPendingPayment}}
	router := newStampTestRouter(orders, &stubTemplateService{}, &stubVerificationService{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/stamps/orders/stp_1", nil)
	req.Header.Set("Authorization", "Bearer user-token")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if orders.getCmd.Actor.UserID != "user-1" || orders.getCmd.OrderID != "stp_1" || orders.getCmd.Admin {
		t.Fatalf("unexpected command %+v", orders.getCmd)
	}
	if _, ok := decodeBody(t, rr)["metadata"]; ok {
		t.Fatalf("customer view must not include audit metadata")
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/stamps/orders/stp_1", nil)
	req.Header.Set(GuestEmailHeader, " Asha@Example.com ")
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if orders.getCmd.Actor.GuestEmail != "asha@example.com" || orders.getCmd.Actor.UserID != "" {
		t.Fatalf("unexpected guest actor %+v", orders.getCmd.Actor)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/stamps/orders/stp_1", nil)
	req.Header.Set("Authorization", "Bearer forged")
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for an invalid token, got %d", rr.Code)
	}
}

func TestStampHandlers_SelectService(t *testing.T) {
	orders := &stubOrderService{quote: services.StampOrderQuote{
		Order: services.StampOrder{ID: "stp_1", Status: domain.StampOrderStatusPendingPayment, Amounts: services.StampAmounts{Total: 71697}},
		Breakdown: services.StampPriceBreakdown{
			Currency:    "INR",
			ServiceTier: domain.ServiceTierExpress,
			Doorstep:    true,
			Amounts:     services.StampAmounts{Total: 71697, PromoDiscount: 5000},
			Promo:       &services.StampPromoApplication{Code: "SPRING", DiscountType: domain.DiscountTypePercentage, Value: 10, Amount: 5000},
		},
	}}
	router := newStampTestRouter(orders, &stubTemplateService{}, &stubVerificationService{})

	req := httptest.NewRequest(http.MethodPatch, "/api/v1/stamps/orders/stp_1/service", strings.NewReader(`{"serviceTier":"Express","doorstep":true,"deliveryAddress":"12 MG Road","promoCode":"spring"}`))
	req.Header.Set(GuestEmailHeader, "asha@example.com")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	resp := decodeBody(t, rr)
	if resp["status"] != "pending_payment" || resp["totalAmount"] != float64(71697) {
		t.Fatalf("unexpected response %v", resp)
	}
	promo := resp["breakdown"].(map[string]any)["promo"].(map[string]any)
	if promo["amount"] != float64(5000) {
		t.Fatalf("unexpected promo %v", promo)
	}
	if orders.selectCmd.ServiceTier != domain.ServiceTierExpress || !orders.selectCmd.Doorstep || orders.selectCmd.PromoCode != "spring" {
		t.Fatalf("unexpected command %+v", orders.selectCmd)
	}
}

func TestStampHandlers_VerifyPayment(t *testing.T) {
	expires := time.Date(2025, 9, 1, 0, 0, 0, 0, time.UTC)
	orders := &stubOrderService{order: services.StampOrder{
		ID:               "stp_1",
		Status:           domain.StampOrderStatusGenerated,
		Document:         services.StampDocument{URL: "https://storage.test/stamps/stp_1.pdf"},
		VerificationHash: "0123456789abcdef0123456789abcdef",
		ExpiresAt:        &expires,
	}}
	router := newStampTestRouter(orders, &stubTemplateService{}, &stubVerificationService{})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/stamps/orders/stp_1/verify-payment", strings.NewReader(`{"paymentId":"pay_1","signature":"abc"}`))
	req.Header.Set("Authorization", "Bearer user-token")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	resp := decodeBody(t, rr)
	if resp["downloadUrl"] != "https://storage.test/stamps/stp_1.pdf" || resp["status"] != "generated" {
		t.Fatalf("unexpected response %v", resp)
	}
	if orders.verifyCmd.PaymentID != "pay_1" || orders.verifyCmd.Signature != "abc" {
		t.Fatalf("unexpected command %+v", orders.verifyCmd)
	}
}

func TestStampHandlers_VerifyPaymentFailuresReportFinalStatus(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code int
		tag  string
	}{
		{"invalid signature", fmt.Errorf("%w: mismatch", services.ErrStampInvalidSignature), http.StatusPaymentRequired, "invalid_payment_signature"},
		{"issuance failed", fmt.Errorf("%w: storage down", services.ErrStampIssuance), http.StatusBadGateway, "stamp_issuance_failed"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			orders := &stubOrderService{
				order: services.StampOrder{ID: "stp_1", Status: domain.StampOrderStatusFailed},
				err:   tc.err,
			}
			router := newStampTestRouter(orders, &stubTemplateService{}, &stubVerificationService{})
			req := httptest.NewRequest(http.MethodPost, "/api/v1/stamps/orders/stp_1/verify-payment", strings.NewReader(`{"paymentId":"pay_1","signature":"bad"}`))
			req.Header.Set(GuestEmailHeader, "asha@example.com")
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, req)
			if rr.Code != tc.code {
				t.Fatalf("expected %d, got %d", tc.code, rr.Code)
			}
			resp := decodeBody(t, rr)
			if resp["error"] != tc.tag || resp["orderStatus"] != "failed" || resp["orderId"] != "stp_1" {
				t.Fatalf("unexpected body %v", resp)
			}
		})
	}
}

func TestStampHandlers_StateErrorIsConflict(t *testing.T) {
	orders := &stubOrderService{err: &services.StateError{OrderID: "stp_1", From: domain.StampOrderStatusGenerated, To: domain.StampOrderStatusCancelled}}
	router := newStampTestRouter(orders, &stubTemplateService{}, &stubVerificationService{})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/stamps/orders/stp_1/cancel", nil)
	req.Header.Set(GuestEmailHeader, "asha@example.com")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rr.Code)
	}
	resp := decodeBody(t, rr)
	if resp["error"] != "stamp_invalid_state" || resp["orderStatus"] != "generated" {
		t.Fatalf("unexpected body %v", resp)
	}
}

func TestStampHandlers_CreatePayment(t *testing.T) {
	orders := &stubOrderService{order: services.StampOrder{
		ID:       "stp_1",
		Status:   domain.StampOrderStatusPendingPayment,
		Currency: "INR",
		Amounts:  services.StampAmounts{Total: 71697},
		Gateway:  services.StampGateway{Provider: "sandbox", OrderID: "gw_1"},
	}}
	router := newStampTestRouter(orders, &stubTemplateService{}, &stubVerificationService{})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/stamps/orders/stp_1/payment", nil)
	req.Header.Set(GuestEmailHeader, "asha@example.com")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	resp := decodeBody(t, rr)
	if resp["gatewayOrderId"] != "gw_1" || resp["amount"] != float64(71697) {
		t.Fatalf("unexpected response %v", resp)
	}
}

func TestStampHandlers_ListTemplates(t *testing.T) {
	templates := &stubTemplateService{templates: []services.StampTemplate{
		{ID: "tpl_1", Jurisdiction: "KA", DocumentType: "rental", BaseDuty: 50000, PlatformFee: 7697, Active: true},
	}}
	router := newStampTestRouter(&stubOrderService{}, templates, &stubVerificationService{})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/stamps/templates/ka", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var resp struct {
		Templates []templatePayload `json:"templates"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Templates) != 1 || resp.Templates[0].PlatformFee != 7697 {
		t.Fatalf("unexpected templates %+v", resp.Templates)
	}
}

func TestStampHandlers_VerifyIsPublicAndUniform(t *testing.T) {
	issued := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	verify := &stubVerificationService{result: services.StampVerification{
		IsValid:     true,
		Status:      domain.StampOrderStatusGenerated,
		FirstParty:  "Asha Rao",
		StampAmount: 50000,
		IssuedAt:    &issued,
	}}
	router := newStampTestRouter(&stubOrderService{}, &stubTemplateService{}, verify)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/stamps/verify/0123456789abcdef0123456789abcdef", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	resp := decodeBody(t, rr)
	if resp["isValid"] != true || resp["firstParty"] != "Asha Rao" || resp["issuedAt"] != "2025-03-01T00:00:00Z" {
		t.Fatalf("unexpected body %v", resp)
	}
	if strings.Contains(rr.Body.String(), "phone") {
		t.Fatalf("verification must not expose phone numbers")
	}
	if rr.Header().Get("Cache-Control") != "no-store" {
		t.Fatalf("expected no-store cache control")
	}

	verify.err = fmt.Errorf("%w: hash", services.ErrStampNotFound)
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/stamps/verify/ffffffffffffffffffffffffffffffff", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
	resp = decodeBody(t, rr)
	if resp["message"] != "not found" {
		t.Fatalf("expected generic not found message, got %v", resp["message"])
	}
	delete(resp, "request_id")
	delete(resp, "trace_id")
	unknown := resp

	for _, status := range []domain.StampOrderStatus{domain.StampOrderStatusRevoked, domain.StampOrderStatusGenerated} {
		verify.err = nil
		verify.result = services.StampVerification{IsValid: false, Status: status}
		rr = httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/stamps/verify/0123456789abcdef0123456789abcdef", nil))
		if rr.Code != http.StatusNotFound {
			t.Fatalf("%s: expected 404, got %d", status, rr.Code)
		}
		got := decodeBody(t, rr)
		delete(got, "request_id")
		delete(got, "trace_id")
		if !reflect.DeepEqual(got, unknown) {
			t.Fatalf("%s: response %v differs from unknown hash %v", status, got, unknown)
		}
	}
}

type failingLimiter struct{}

func (failingLimiter) Allow(context.Context, string) (bool, error) {
	return false, fmt.Errorf("redis down")
}

func TestStampHandlers_VerifyRateLimit(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	limiter := NewMemoryRateLimiter(2, time.Minute, func() time.Time { return now })
	verify := &stubVerificationService{result: services.StampVerification{IsValid: true, Status: domain.StampOrderStatusGenerated}}
	router := newStampTestRouter(&stubOrderService{}, &stubTemplateService{}, verify, WithVerifyRateLimiter(limiter))

	send := func(remote string) int {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/stamps/verify/abc", nil)
		req.RemoteAddr = remote
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		return rr.Code
	}
	for i := 0; i < 2; i++ {
		if code := send("203.0.113.7:5000"); code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, code)
		}
	}
	if code := send("203.0.113.7:6000"); code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 for the same address on another port, got %d", code)
	}
	if code := send("198.51.100.1:5000"); code != http.StatusOK {
		t.Fatalf("expected other clients unaffected, got %d", code)
	}
	if len(verify.hashes) != 3 {
		t.Fatalf("expected the limited request to skip verification, got %d calls", len(verify.hashes))
	}

	open := newStampTestRouter(&stubOrderService{}, &stubTemplateService{}, verify, WithVerifyRateLimiter(failingLimiter{}))
	rr := httptest.NewRecorder()
	open.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/stamps/verify/abc", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected limiter outage to fail open, got %d", rr.Code)
	}
}
