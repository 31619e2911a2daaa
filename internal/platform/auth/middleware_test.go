package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	firebaseauth "firebase.google.com/go/v4/auth"
)

type stubTokenVerifier struct {
	token    *firebaseauth.Token
	err      error
	received string
}

func (s *stubTokenVerifier) VerifyIDToken(_ context.Context, idToken string) (*firebaseauth.Token, error) {
	s.received = idToken
	if s.err != nil {
		return nil, s.err
	}
	return s.token, nil
}

func adminToken() *firebaseauth.Token {
	return &firebaseauth.Token{
		UID: "uid-admin",
		Claims: map[string]any{
			"role":           []any{"Admin", "admin", "user"},
			"email":          "Ops@Example.com",
			"email_verified": true,
		},
	}
}

func TestRequireFirebaseAuthAllowsRole(t *testing.T) {
	verifier := &stubTokenVerifier{token: adminToken()}
	authn := NewAuthenticator(verifier)

	var got *Identity
	handler := authn.RequireFirebaseAuth(RoleAdmin)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = IdentityFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodPatch, "/admin/stamps/orders/stp_1/revoke", nil)
	req.Header.Set("Authorization", "Bearer token-abc")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if verifier.received != "token-abc" {
		t.Fatalf("expected token forwarded, got %q", verifier.received)
	}
	if got == nil || got.UID != "uid-admin" || got.Email != "ops@example.com" || !got.EmailVerified {
		t.Fatalf("unexpected identity %+v", got)
	}
	if len(got.Roles) != 2 || !got.IsAdmin() || got.Token() == nil {
		t.Fatalf("expected deduplicated roles, got %v", got.Roles)
	}
}

func TestRequireFirebaseAuthRejections(t *testing.T) {
	userToken := &firebaseauth.Token{UID: "uid-user", Claims: map[string]any{}}
	cases := []struct {
		name     string
		header   string
		verifier *stubTokenVerifier
		status   int
		code     string
	}{
		{"missing header", "", &stubTokenVerifier{token: userToken}, http.StatusUnauthorized, "unauthenticated"},
		{"wrong scheme", "Basic abc", &stubTokenVerifier{token: userToken}, http.StatusUnauthorized, "unauthenticated"},
		{"verification error", "Bearer bad", &stubTokenVerifier{err: errors.New("boom")}, http.StatusUnauthorized, "invalid_token"},
		{"missing role", "Bearer ok", &stubTokenVerifier{token: userToken}, http.StatusForbidden, "insufficient_role"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			handler := NewAuthenticator(tc.verifier).RequireFirebaseAuth(RoleAdmin)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
				t.Fatalf("handler must not run")
			}))
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, rec.Code)
			}
			var body map[string]any
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body["error"] != tc.code {
				t.Fatalf("expected code %q, got %v", tc.code, body["error"])
			}
		})
	}
}

func TestOptionalFirebaseAuth(t *testing.T) {
	verifier := &stubTokenVerifier{token: &firebaseauth.Token{UID: "uid-user", Claims: map[string]any{}}}
	authn := NewAuthenticator(verifier)

	var identity *Identity
	var present bool
	handler := authn.OptionalFirebaseAuth()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, present = IdentityFromContext(r.Context())
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/stamps/orders", nil))
	if present {
		t.Fatalf("expected anonymous request")
	}

	req := httptest.NewRequest(http.MethodPost, "/stamps/orders", nil)
	req.Header.Set("Authorization", "Bearer ok")
	handler.ServeHTTP(httptest.NewRecorder(), req)
	if !present || identity.UID != "uid-user" || !identity.HasRole(RoleUser) {
		t.Fatalf("expected user identity with fallback role, got %+v", identity)
	}

	verifier.err = errors.New("expired")
	present = false
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized || present {
		t.Fatalf("expected invalid token to be rejected, got %d", rec.Code)
	}
}

func TestRolesFromClaims(t *testing.T) {
	cases := []struct {
		name  string
		value any
		want  int
	}{
		{"string", " Admin ", 1},
		{"string slice", []string{"admin", "ADMIN", "user"}, 2},
		{"map", map[string]any{"admin": true, "user": false}, 1},
		{"unsupported", 42, 0},
	}
	for _, tc := range cases {
		if got := rolesFromClaims(map[string]any{"role": tc.value}, "role"); len(got) != tc.want {
			t.Fatalf("%s: expected %d roles, got %v", tc.name, tc.want, got)
		}
	}
}
