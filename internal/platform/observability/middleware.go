package observability

import (
	"net"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/estamp-field/api/internal/platform/auth"
	"github.com/estamp-field/api/internal/platform/httpx"
	"github.com/estamp-field/api/internal/platform/requestctx"
)

// InjectLoggerMiddleware stores logger on the request context.
func InjectLoggerMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := requestctx.WithLogger(r.Context(), logger)
			ctx = requestctx.WithStart(ctx, time.Now())
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// httpRequest renders the Cloud Logging HttpRequest structure.
type httpRequest struct {
	method    string
	url       string
	status    int
	size      int
	userAgent string
	remoteIP  string
	latency   time.Duration
}

func (h httpRequest) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("requestMethod", h.method)
	enc.AddString("requestUrl", h.url)
	enc.AddInt("status", h.status)
	enc.AddString("responseSize", strconv.Itoa(h.size))
	if h.userAgent != "" {
		enc.AddString("userAgent", h.userAgent)
	}
	if h.remoteIP != "" {
		enc.AddString("remoteIp", h.remoteIP)
	}
	enc.AddString("latency", strconv.FormatFloat(h.latency.Seconds(), 'f', 6, 64)+"s")
	return nil
}

// RequestLoggerMiddleware logs one completion entry per request, correlated with the trace.
// Authentication runs inside route groups, so the user id is read after the handler returns.
func RequestLoggerMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			info, _ := requestctx.Trace(ctx)
			fields := []zap.Field{zap.String("request_id", middleware.GetReqID(ctx))}
			if resource := info.CloudLoggingTrace(); resource != "" {
				fields = append(fields,
					zap.String("logging.googleapis.com/trace", resource),
					zap.String("logging.googleapis.com/spanId", info.SpanID),
					zap.Bool("logging.googleapis.com/trace_sampled", info.Sampled),
				)
			}
			logger := requestctx.Logger(ctx).With(fields...)
			ctx = requestctx.WithLogger(ctx, logger)
			r = r.WithContext(ctx)

			start := requestctx.Start(ctx)
			if start.IsZero() {
				start = time.Now()
			}
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			panicked := true
			defer func() {
				status := ww.Status()
				if status == 0 {
					status = http.StatusOK
				}
				if panicked {
					status = http.StatusInternalServerError
				}
				route := SanitizeRoute(routePattern(r))
				if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
					span.SetName(SanitizeMethod(r.Method) + " " + route)
					span.SetAttributes(semconv.HTTPRoute(route), semconv.HTTPResponseStatusCode(status))
					if status >= http.StatusInternalServerError {
						span.SetStatus(codes.Error, http.StatusText(status))
					}
				}
				entry := []zap.Field{
					zap.Object("httpRequest", httpRequest{
						method:    SanitizeMethod(r.Method),
						url:       SanitizeURL(r.URL),
						status:    status,
						size:      ww.BytesWritten(),
						userAgent: sanitizeString(r.UserAgent(), 256),
						remoteIP:  remoteIP(r),
						latency:   time.Since(start),
					}),
					zap.String("route", route),
				}
				if identity, ok := auth.IdentityFromContext(r.Context()); ok {
					entry = append(entry, zap.String("user_id", SanitizeUserID(identity.UID)))
				}
				switch {
				case status >= http.StatusInternalServerError:
					logger.Error("request completed", entry...)
				case status >= http.StatusBadRequest:
					logger.Warn("request completed", entry...)
				default:
					logger.Info("request completed", entry...)
				}
			}()

			next.ServeHTTP(ww, r)
			panicked = false
		})
	}
}

// RecoveryMiddleware turns panics into a logged 500 JSON response.
func RecoveryMiddleware(fallback *zap.Logger) func(http.Handler) http.Handler {
	if fallback == nil {
		fallback = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil || rec == http.ErrAbortHandler {
					if rec != nil {
						panic(rec)
					}
					return
				}
				ctx := r.Context()
				logger := fallback
				if requestctx.HasLogger(ctx) {
					logger = requestctx.Logger(ctx)
				}
				logger.Error("panic recovered",
					zap.Any("panic", rec),
					zap.ByteString("stack", debug.Stack()),
				)
				httpx.WriteError(ctx, w, httpx.NewError("internal_server_error", "internal server error", http.StatusInternalServerError))
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	if r.URL != nil && r.URL.Path != "" {
		return maskVerifyPath(r.URL.Path)
	}
	return "/"
}

func remoteIP(r *http.Request) string {
	addr := strings.TrimSpace(r.RemoteAddr)
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}
	return sanitizeString(addr, 64)
}
