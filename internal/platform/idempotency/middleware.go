package idempotency

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/estamp-field/api/internal/platform/auth"
	"github.com/estamp-field/api/internal/platform/httpx"
	"github.com/estamp-field/api/internal/platform/requestctx"
)

const (
	DefaultHeader = "Idempotency-Key"
	// ReplayHeader marks responses served from the store.
	ReplayHeader = "Idempotent-Replayed"

	// guestEmailHeader scopes keys for callers without a token.
	guestEmailHeader = "X-Guest-Email"

	maxKeyLength  = 255
	maxBufferBody = 1 << 20
)

type config struct {
	header string
	ttl    time.Duration
}

// Option customises the middleware.
type Option func(*config)

func WithHeader(name string) Option {
	return func(c *config) {
		if name = strings.TrimSpace(name); name != "" {
			c.header = name
		}
	}
}

func WithTTL(ttl time.Duration) Option {
	return func(c *config) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// Middleware replays the stored response when a POST is retried with the same key. Requests
// without the header pass through. Server errors are not stored so the client can retry.
func Middleware(store Store, opts ...Option) func(http.Handler) http.Handler {
	cfg := config{header: DefaultHeader, ttl: DefaultTTL}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return func(next http.Handler) http.Handler {
		if store == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := strings.TrimSpace(r.Header.Get(cfg.header))
			if r.Method != http.MethodPost || key == "" {
				next.ServeHTTP(w, r)
				return
			}
			ctx := r.Context()
			if len(key) > maxKeyLength {
				httpx.WriteError(ctx, w, httpx.NewError("invalid_idempotency_key", "idempotency key too long", http.StatusBadRequest))
				return
			}

			body, err := io.ReadAll(io.LimitReader(r.Body, maxBufferBody+1))
			if err != nil {
				httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "unable to read request body", http.StatusBadRequest))
				return
			}
			if len(body) > maxBufferBody {
				httpx.WriteError(ctx, w, httpx.NewError("request_too_large", "request body too large", http.StatusRequestEntityTooLarge))
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			scope := requester(r)
			scoped := scope + "|" + key
			fingerprint := sha256Hex([]byte(r.Method + "|" + r.URL.Path + "|" + scope + "|" + sha256Hex(body)))
			logger := requestctx.Logger(ctx)

			reservation, err := store.Reserve(ctx, scoped, fingerprint, cfg.ttl)
			switch {
			case errors.Is(err, ErrFingerprintMismatch):
				httpx.WriteError(ctx, w, httpx.NewError("idempotency_key_reused", "idempotency key already used for a different request", http.StatusUnprocessableEntity))
				return
			case err != nil:
				logger.Error("idempotency reserve failed", zap.Error(err))
				httpx.WriteError(ctx, w, httpx.NewError("idempotency_unavailable", "unable to process idempotency key", http.StatusServiceUnavailable))
				return
			}

			switch reservation.State {
			case StateCompleted:
				replay(w, reservation.Response)
				return
			case StatePending:
				httpx.WriteError(ctx, w, httpx.NewError("idempotency_in_progress", "a request with this idempotency key is in progress", http.StatusConflict))
				return
			}

			rec := &bufferedWriter{header: make(http.Header)}
			completed := false
			defer func() {
				if !completed {
					if err := store.Release(ctx, scoped, fingerprint); err != nil {
						logger.Warn("idempotency release failed", zap.Error(err))
					}
				}
			}()
			next.ServeHTTP(rec, r)

			resp := rec.response()
			if resp.Status < http.StatusInternalServerError {
				if err := store.Complete(ctx, scoped, fingerprint, resp, cfg.ttl); err != nil {
					logger.Error("idempotency complete failed", zap.Error(err))
				} else {
					completed = true
				}
			}
			rec.flush(w)
		})
	}
}

func requester(r *http.Request) string {
	if identity, ok := auth.IdentityFromContext(r.Context()); ok && identity.UID != "" {
		return "uid:" + identity.UID
	}
	if svc, ok := auth.ServiceIdentityFromContext(r.Context()); ok && svc.Subject != "" {
		return "svc:" + svc.Subject
	}
	if guest := strings.ToLower(strings.TrimSpace(r.Header.Get(guestEmailHeader))); guest != "" {
		return "guest:" + guest
	}
	return "anonymous"
}

func replay(w http.ResponseWriter, resp Response) {
	for name, values := range resp.Headers {
		w.Header()[name] = append([]string(nil), values...)
	}
	w.Header().Set(ReplayHeader, "true")
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(resp.Body)
}

// bufferedWriter holds the response until it has been stored.
type bufferedWriter struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func (b *bufferedWriter) Header() http.Header { return b.header }

func (b *bufferedWriter) WriteHeader(status int) {
	if b.status == 0 {
		b.status = status
	}
}

func (b *bufferedWriter) Write(p []byte) (int, error) {
	if b.status == 0 {
		b.status = http.StatusOK
	}
	return b.body.Write(p)
}

func (b *bufferedWriter) response() Response {
	status := b.status
	if status == 0 {
		status = http.StatusOK
	}
	return Response{Status: status, Headers: b.header.Clone(), Body: append([]byte(nil), b.body.Bytes()...)}
}

func (b *bufferedWriter) flush(w http.ResponseWriter) {
	for name, values := range b.header {
		w.Header()[name] = values
	}
	resp := b.response()
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}
