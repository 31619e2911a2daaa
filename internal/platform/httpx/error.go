// Package httpx holds the JSON envelope helpers shared by every handler.
package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/estamp-field/api/internal/platform/requestctx"
)

const defaultMaxBody = 64 * 1024

// Error is the canonical JSON error returned by the API.
type Error struct {
	Code      string
	Message   string
	Status    int
	RequestID string
	Details   map[string]any
}

// NewError constructs an Error. A zero status means 500.
func NewError(code, message string, status int) Error {
	if status == 0 {
		status = http.StatusInternalServerError
	}
	return Error{
		Code:    clip(code, 80),
		Message: clip(message, 512),
		Status:  status,
	}
}

// WithDetails attaches extra fields merged into the envelope.
func (e Error) WithDetails(details map[string]any) Error {
	if len(details) == 0 {
		return e
	}
	merged := make(map[string]any, len(e.Details)+len(details))
	for k, v := range e.Details {
		merged[k] = v
	}
	for k, v := range details {
		merged[k] = v
	}
	e.Details = merged
	return e
}

func (e Error) Error() string {
	return fmt.Sprintf("%d %s: %s", e.Status, e.Code, e.Message)
}

type envelope struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	Status    int    `json:"status"`
	RequestID string `json:"request_id,omitempty"`
	TraceID   string `json:"trace_id,omitempty"`
}

// WriteError writes err as JSON, filling request and trace ids from ctx.
func WriteError(ctx context.Context, w http.ResponseWriter, err Error) {
	status := err.Status
	if status == 0 {
		status = http.StatusInternalServerError
	}
	requestID := err.RequestID
	if requestID == "" {
		requestID = clip(middleware.GetReqID(ctx), 80)
	}
	body := envelope{
		Error:     err.Code,
		Message:   err.Message,
		Status:    status,
		RequestID: requestID,
		TraceID:   clip(requestctx.TraceID(ctx), 64),
	}
	if len(err.Details) == 0 {
		WriteJSON(w, status, body)
		return
	}

	payload := make(map[string]any, len(err.Details)+5)
	for k, v := range err.Details {
		payload[k] = v
	}
	payload["error"] = body.Error
	payload["message"] = body.Message
	payload["status"] = body.Status
	if body.RequestID != "" {
		payload["request_id"] = body.RequestID
	}
	if body.TraceID != "" {
		payload["trace_id"] = body.TraceID
	}
	WriteJSON(w, status, payload)
}

// WriteJSON encodes payload with the given status.
func WriteJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// DecodeJSON reads a single JSON object of at most maxBytes into dst, rejecting unknown fields
// and trailing data. An empty body is accepted when allowEmpty is set.
func DecodeJSON(w http.ResponseWriter, r *http.Request, dst any, maxBytes int64, allowEmpty bool) *Error {
	if maxBytes <= 0 {
		maxBytes = defaultMaxBody
	}
	reader := http.MaxBytesReader(w, r.Body, maxBytes)
	defer reader.Close()

	decoder := json.NewDecoder(reader)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) && allowEmpty {
			return nil
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			e := NewError("request_too_large", "request body too large", http.StatusRequestEntityTooLarge)
			return &e
		}
		e := NewError("invalid_request", fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return &e
	}
	if decoder.More() {
		e := NewError("invalid_request", "invalid request body: extraneous data", http.StatusBadRequest)
		return &e
	}
	return nil
}

func clip(value string, limit int) string {
	value = strings.NewReplacer("\n", " ", "\r", " ").Replace(value)
	value = strings.TrimSpace(value)
	if len(value) > limit {
		value = value[:limit]
	}
	return value
}
