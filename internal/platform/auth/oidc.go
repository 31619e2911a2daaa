package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	jwt "github.com/golang-jwt/jwt/v4"
	"go.uber.org/zap"

	"github.com/estamp-field/api/internal/platform/requestctx"
)

// DefaultOIDCIssuers are the issuers Google uses for service account identity tokens.
var DefaultOIDCIssuers = []string{"https://accounts.google.com", "accounts.google.com"}

// OIDCConfig scopes which service tokens are accepted.
type OIDCConfig struct {
	Audience string
	Issuers  []string
	// AllowedEmails restricts callers to specific service accounts. Empty allows any.
	AllowedEmails []string
}

// ServiceIdentity is the verified caller of an internal route.
type ServiceIdentity struct {
	Subject string
	Email   string
	Issuer  string
}

type serviceIdentityKey struct{}

func WithServiceIdentity(ctx context.Context, identity *ServiceIdentity) context.Context {
	return context.WithValue(ctx, serviceIdentityKey{}, identity)
}

// ServiceIdentityFromContext returns the identity stored by RequireOIDC.
func ServiceIdentityFromContext(ctx context.Context) (*ServiceIdentity, bool) {
	identity, ok := ctx.Value(serviceIdentityKey{}).(*ServiceIdentity)
	return identity, ok && identity != nil
}

// OIDCValidator authenticates Cloud Scheduler and other Google-signed callers.
type OIDCValidator struct {
	keys *JWKSCache
	cfg  OIDCConfig
}

// NewOIDCValidator builds a validator. Issuers default to Google's.
func NewOIDCValidator(keys *JWKSCache, cfg OIDCConfig) *OIDCValidator {
	if len(cfg.Issuers) == 0 {
		cfg.Issuers = DefaultOIDCIssuers
	}
	return &OIDCValidator{keys: keys, cfg: cfg}
}

// RequireOIDC rejects requests that lack a valid token for the configured audience.
func (v *OIDCValidator) RequireOIDC() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			logger := requestctx.Logger(ctx)

			if v == nil || v.keys == nil || strings.TrimSpace(v.cfg.Audience) == "" {
				writeAuthError(ctx, w, http.StatusServiceUnavailable, "verification_unavailable", "oidc verification not configured")
				return
			}
			raw, ok := bearerToken(r.Header.Get("Authorization"))
			if !ok {
				writeAuthError(ctx, w, http.StatusUnauthorized, "unauthenticated", "oidc token missing")
				return
			}

			identity, reason, err := v.validate(ctx, raw)
			if err != nil {
				logger.Warn("oidc verification failed", zap.String("reason", reason), zap.Error(err))
				if errors.Is(err, ErrJWKSFetchFailed) {
					writeAuthError(ctx, w, http.StatusServiceUnavailable, "verification_unavailable", "oidc keys unavailable")
					return
				}
				writeAuthError(ctx, w, http.StatusUnauthorized, "invalid_token", "oidc token verification failed")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithServiceIdentity(ctx, identity)))
		})
	}
}

func (v *OIDCValidator) validate(ctx context.Context, raw string) (*ServiceIdentity, string, error) {
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}))
	claims := jwt.MapClaims{}
	if _, err := parser.ParseWithClaims(raw, claims, v.keys.Keyfunc(ctx)); err != nil {
		if errors.Is(err, ErrJWKSFetchFailed) {
			return nil, "jwks_unavailable", err
		}
		return nil, "token_invalid", err
	}

	issuer, _ := claims["iss"].(string)
	if !containsFold(v.cfg.Issuers, issuer) {
		return nil, "issuer_mismatch", errors.New("auth: unexpected issuer " + issuer)
	}
	if !claims.VerifyAudience(v.cfg.Audience, true) {
		return nil, "audience_mismatch", errors.New("auth: unexpected audience")
	}
	email, _ := claims["email"].(string)
	if len(v.cfg.AllowedEmails) > 0 {
		if verified, _ := claims["email_verified"].(bool); !verified || !containsFold(v.cfg.AllowedEmails, email) {
			return nil, "caller_not_allowed", errors.New("auth: caller not allowed")
		}
	}
	subject, _ := claims["sub"].(string)
	return &ServiceIdentity{Subject: subject, Email: email, Issuer: issuer}, "", nil
}

func containsFold(values []string, target string) bool {
	target = strings.TrimSpace(target)
	for _, v := range values {
		if target != "" && strings.EqualFold(strings.TrimSpace(v), target) {
			return true
		}
	}
	return false
}
