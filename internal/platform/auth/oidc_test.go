package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	jwt "github.com/golang-jwt/jwt/v4"
)

const sweepAudience = "https://estamp.example.com/api/v1/internal/stamps/sweep"

type oidcFixture struct {
	key      *rsa.PrivateKey
	server   *httptest.Server
	requests atomic.Int32
	now      time.Time
}

func newOIDCFixture(t *testing.T) *oidcFixture {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	f := &oidcFixture{key: key, now: time.Unix(1_700_000_000, 0)}
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.requests.Add(1)
		w.Header().Set("Cache-Control", "public, max-age=600")
		_ = json.NewEncoder(w).Encode(jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
			Key:       &key.PublicKey,
			KeyID:     "scheduler-key",
			Algorithm: jwt.SigningMethodRS256.Alg(),
			Use:       "sig",
		}}})
	}))
	t.Cleanup(f.server.Close)

	original := jwt.TimeFunc
	jwt.TimeFunc = func() time.Time { return f.now }
	t.Cleanup(func() { jwt.TimeFunc = original })
	return f
}

func (f *oidcFixture) cache() *JWKSCache {
	return NewJWKSCache(f.server.URL, WithJWKSClock(func() time.Time { return f.now }))
}

func (f *oidcFixture) token(t *testing.T, mutate func(jwt.MapClaims)) string {
	t.Helper()
	claims := jwt.MapClaims{
		"aud":            sweepAudience,
		"iss":            "https://accounts.google.com",
		"sub":            "1234567890",
		"email":          "scheduler@estamp.iam.gserviceaccount.com",
		"email_verified": true,
		"iat":            float64(f.now.Unix()),
		"exp":            float64(f.now.Add(time.Hour).Unix()),
	}
	if mutate != nil {
		mutate(claims)
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = "scheduler-key"
	signed, err := token.SignedString(f.key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return signed
}

func serveOIDC(v *OIDCValidator, token string) (*httptest.ResponseRecorder, *ServiceIdentity) {
	var identity *ServiceIdentity
	handler := v.RequireOIDC()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, _ = ServiceIdentityFromContext(r.Context())
		w.WriteHeader(http.StatusAccepted)
	}))
	req := httptest.NewRequest(http.MethodPost, "/internal/stamps/sweep", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec, identity
}

func TestRequireOIDCAcceptsSchedulerToken(t *testing.T) {
	f := newOIDCFixture(t)
	v := NewOIDCValidator(f.cache(), OIDCConfig{
		Audience:      sweepAudience,
		AllowedEmails: []string{"scheduler@estamp.iam.gserviceaccount.com"},
	})

	rec, identity := serveOIDC(v, f.token(t, nil))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	if identity == nil || identity.Email != "scheduler@estamp.iam.gserviceaccount.com" {
		t.Fatalf("unexpected identity %+v", identity)
	}

	serveOIDC(v, f.token(t, nil))
	if got := f.requests.Load(); got != 1 {
		t.Fatalf("expected key set fetched once, got %d", got)
	}
}

func TestRequireOIDCRejections(t *testing.T) {
	f := newOIDCFixture(t)
	v := NewOIDCValidator(f.cache(), OIDCConfig{
		Audience:      sweepAudience,
		AllowedEmails: []string{"scheduler@estamp.iam.gserviceaccount.com"},
	})

	cases := []struct {
		name   string
		mutate func(jwt.MapClaims)
	}{
		{"audience", func(c jwt.MapClaims) { c["aud"] = "https://other.example.com" }},
		{"issuer", func(c jwt.MapClaims) { c["iss"] = "https://evil.example.com" }},
		{"expired", func(c jwt.MapClaims) { c["exp"] = float64(f.now.Add(-time.Minute).Unix()) }},
		{"caller", func(c jwt.MapClaims) { c["email"] = "intruder@example.com" }},
		{"unverified email", func(c jwt.MapClaims) { c["email_verified"] = false }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec, _ := serveOIDC(v, f.token(t, tc.mutate))
			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", rec.Code)
			}
		})
	}

	if rec, _ := serveOIDC(v, ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
}

func TestRequireOIDCUnavailable(t *testing.T) {
	f := newOIDCFixture(t)
	token := f.token(t, nil)

	unconfigured := NewOIDCValidator(f.cache(), OIDCConfig{})
	if rec, _ := serveOIDC(unconfigured, token); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without audience, got %d", rec.Code)
	}

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(down.Close)
	broken := NewOIDCValidator(NewJWKSCache(down.URL), OIDCConfig{Audience: sweepAudience})
	if rec, _ := serveOIDC(broken, token); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when keys are unavailable, got %d", rec.Code)
	}
}

func TestMaxAge(t *testing.T) {
	if got := maxAge("public, max-age=22450, must-revalidate", time.Minute); got != 22450*time.Second {
		t.Fatalf("unexpected max-age %s", got)
	}
	if got := maxAge("no-cache", time.Minute); got != time.Minute {
		t.Fatalf("expected fallback, got %s", got)
	}
}
