package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signContract(t *testing.T, claims ContractClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("gateway-secret"))
	require.NoError(t, err)
	return token
}

func TestParseContract(t *testing.T) {
	token := signContract(t, ContractClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		TenantID:    "acme",
		Tier:        "pro",
		Roles:       []string{"operator"},
		SolutionIDs: []string{"sol-1"},
	})

	claims, err := NewContractParser().Parse(token)
	require.NoError(t, err)
	assert.Equal(t, "acme", claims.TenantID)

	p := claims.Principal()
	assert.Equal(t, "user-1", p.GetID())
	assert.Equal(t, "acme", p.GetTenantID())
	assert.True(t, p.HasRole("operator"))
	assert.False(t, p.HasRole("auditor"))
}

func TestParseContractExpired(t *testing.T) {
	token := signContract(t, ContractClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
		TenantID: "acme",
	})
	_, err := NewContractParser().Parse(token)
	assert.ErrorIs(t, err, ErrContractExpired)
}

func TestParseContractIncomplete(t *testing.T) {
	token := signContract(t, ContractClaims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "user-1"},
	})
	_, err := NewContractParser().Parse(token)
	assert.ErrorIs(t, err, ErrContractIncomplete)
}

func TestMiddlewareBindsPrincipal(t *testing.T) {
	var seenTenant string
	handler := NewMiddleware(NewContractParser())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenTenant = MustGetTenantID(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	token := signContract(t, ContractClaims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "user-1"},
		TenantID:         "acme",
	})
	req := httptest.NewRequest(http.MethodGet, "/v1/executions/x", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "acme", seenTenant)
}

func TestMiddlewareRejectsMissingContract(t *testing.T) {
	handler := NewMiddleware(NewContractParser())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/intents", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
}

func TestMiddlewareAllowsPublicPaths(t *testing.T) {
	handler := NewMiddleware(NewContractParser())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	handler := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "req-123")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, "req-123", seen)
	assert.Equal(t, "req-123", rec.Header().Get("X-Request-ID"))
}

func TestLimiterPerActor(t *testing.T) {
	l := NewLimiter(1, 2)

	assert.True(t, l.Allow("acme/u1"))
	assert.True(t, l.Allow("acme/u1"))
	assert.False(t, l.Allow("acme/u1"))

	// A different actor has its own bucket.
	assert.True(t, l.Allow("rival/u9"))
}

func TestRateLimitMiddleware(t *testing.T) {
	handler := RateLimitMiddleware(NewLimiter(1, 1))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/v1/intents", nil)
	req.RemoteAddr = "10.0.0.1:1234"

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}
