package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"auction/internal/auth"

	"github.com/google/uuid"
)

func customerToken(t *testing.T, secret, customerID string, ttl time.Duration) string {
	t.Helper()
	token, err := auth.GenerateToken(secret, customerID, ttl)
	if err != nil {
		t.Fatalf("failed to generate token: %v", err)
	}
	return token
}

func TestAuthRejects(t *testing.T) {
	customerID := uuid.NewString()
	cases := []struct {
		name   string
		header string
		body   string
	}{
		{name: "no header", header: "", body: "missing authorization header"},
		{name: "wrong scheme", header: "Token " + customerToken(t, "secret", customerID, time.Minute), body: "invalid authorization header"},
		{name: "empty bearer", header: "Bearer ", body: "invalid authorization header"},
		{name: "garbage", header: "Bearer invalid", body: "invalid token"},
		{name: "foreign secret", header: "Bearer " + customerToken(t, "other-deployment", customerID, time.Minute), body: "invalid token"},
		{name: "expired session", header: "Bearer " + customerToken(t, "secret", customerID, -time.Minute), body: "invalid token"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			handler := Auth("secret")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				t.Fatalf("handler should not be called")
			}))
			rr := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/lots/lot-1/payments", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			handler.ServeHTTP(rr, req)
			if rr.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", rr.Code)
			}
			if got := rr.Body.String(); got != tc.body+"\n" {
				t.Fatalf("unexpected body %q", got)
			}
		})
	}
}

func TestAuthPutsTokenCustomerInContext(t *testing.T) {
	customerID := uuid.NewString()
	token := customerToken(t, "secret", customerID, time.Minute)
	claims, err := auth.ParseToken("secret", token)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	var seen string
	handler := Auth("secret")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = UserIDFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/accounts/me", nil)
	req.Header.Set("Authorization", "bearer "+token)
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rr.Code)
	}
	if seen != claims.UserID || seen != claims.Subject || seen != customerID {
		t.Fatalf("context customer %q does not match token claims %#v", seen, claims)
	}
}

func TestUserIDFromContextRequiresCustomer(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if _, ok := UserIDFromContext(req.Context()); ok {
		t.Fatalf("anonymous request must not carry a customer")
	}
}

func TestBearerToken(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/ws/balances", nil)
	if _, ok := BearerToken(req); ok {
		t.Fatalf("expected no token without header")
	}
	req.Header.Set("Authorization", "Bearer abc.def")
	if token, ok := BearerToken(req); !ok || token != "abc.def" {
		t.Fatalf("unexpected token %q %v", token, ok)
	}
}
