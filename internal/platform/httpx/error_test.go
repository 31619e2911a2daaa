package httpx

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/estamp-field/api/internal/platform/requestctx"
)

func TestWriteErrorEnvelope(t *testing.T) {
	ctx := requestctx.WithTrace(context.Background(), requestctx.TraceInfo{TraceID: "trace-1"})
	rec := httptest.NewRecorder()

	WriteError(ctx, rec, NewError("stamp_state", "order is generated\nnot draft", http.StatusConflict).
		WithDetails(map[string]any{"order_status": "generated"}))

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["error"] != "stamp_state" || body["message"] != "order is generated not draft" || body["trace_id"] != "trace-1" {
		t.Fatalf("unexpected body %v", body)
	}
	if body["order_status"] != "generated" {
		t.Fatalf("expected details merged, got %v", body)
	}
}

func TestNewErrorDefaultsTo500(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(context.Background(), rec, NewError("boom", "boom", 0))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}

func TestDecodeJSON(t *testing.T) {
	type payload struct {
		Name string `json:"name"`
	}
	cases := []struct {
		name       string
		body       string
		allowEmpty bool
		status     int
	}{
		{"valid", `{"name":"Asha"}`, false, 0},
		{"unknown field", `{"name":"Asha","phone":"1"}`, false, http.StatusBadRequest},
		{"trailing data", `{"name":"Asha"}{}`, false, http.StatusBadRequest},
		{"empty allowed", ``, true, 0},
		{"empty rejected", ``, false, http.StatusBadRequest},
		{"too large", `{"name":"` + strings.Repeat("a", 100) + `"}`, false, http.StatusRequestEntityTooLarge},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tc.body))
			var dst payload
			err := DecodeJSON(httptest.NewRecorder(), req, &dst, 64, tc.allowEmpty)
			switch {
			case tc.status == 0 && err != nil:
				t.Fatalf("unexpected error %v", err)
			case tc.status != 0 && (err == nil || err.Status != tc.status):
				t.Fatalf("expected status %d, got %v", tc.status, err)
			}
		})
	}
}
