package middleware

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/medivault/lifeline/internal/config"
)

// ---------------------------------------------------------------------------
// RequestID middleware tests
// ---------------------------------------------------------------------------

func TestRequestIDGeneratesUUID(t *testing.T) {
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := GetRequestID(r.Context())
		if id == "" {
			t.Error("expected non-empty request ID in context")
		}
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/test", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	respID := rr.Header().Get("X-Request-ID")
	if respID == "" {
		t.Error("expected X-Request-ID in response header")
	}
	// UUID v7 format check: 36 chars with dashes
	if len(respID) != 36 {
		t.Errorf("expected UUID-length request ID, got %q (len=%d)", respID, len(respID))
	}
}

func TestRequestIDPreservesClientID(t *testing.T) {
	clientID := "my-custom-trace-id-123"

	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := GetRequestID(r.Context())
		if id != clientID {
			t.Errorf("expected context ID %q, got %q", clientID, id)
		}
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("X-Request-ID", clientID)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	respID := rr.Header().Get("X-Request-ID")
	if respID != clientID {
		t.Errorf("expected response X-Request-ID %q, got %q", clientID, respID)
	}
}

func TestGetRequestIDEmptyContext(t *testing.T) {
	id := GetRequestID(context.Background())
	if id != "" {
		t.Errorf("expected empty string from bare context, got %q", id)
	}
}

// ---------------------------------------------------------------------------
// Authenticate middleware tests
// ---------------------------------------------------------------------------

func keyHash(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func testAuthConfig() config.AuthConfig {
	return config.AuthConfig{
		APIKeyHeader: "X-API-Key",
		Keys: []config.APIKeyRef{
			{ID: "er-gateway", KeyHash: keyHash("gateway-secret")},
			{ID: "ops-console", KeyHash: keyHash("console-secret")},
		},
	}
}

func TestAuthenticateValidKey(t *testing.T) {
	var caller string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller = GetCallerID(r.Context())
		w.WriteHeader(http.StatusOK)
	})
	handler := Authenticate(testAuthConfig())(inner)

	req := httptest.NewRequest("GET", "/api/v1/requests", nil)
	req.Header.Set("X-API-Key", "console-secret")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rr.Code)
	}
	if caller != "ops-console" {
		t.Errorf("expected caller id ops-console, got %q", caller)
	}
}

func TestAuthenticateMissingKey(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("inner handler should not be called without a key")
	})
	handler := Authenticate(testAuthConfig())(inner)

	req := httptest.NewRequest("GET", "/api/v1/requests", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected JSON error body, got Content-Type %q", ct)
	}
}

func TestAuthenticateInvalidKey(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("inner handler should not be called with a bad key")
	})
	handler := Authenticate(testAuthConfig())(inner)

	req := httptest.NewRequest("GET", "/api/v1/requests", nil)
	req.Header.Set("X-API-Key", "guessed-secret")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rr.Code)
	}
}

func TestAuthenticateCustomHeader(t *testing.T) {
	cfg := testAuthConfig()
	cfg.APIKeyHeader = "X-Broker-Key"

	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := Authenticate(cfg)(inner)

	req := httptest.NewRequest("GET", "/api/v1/requests", nil)
	req.Header.Set("X-Broker-Key", "gateway-secret")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rr.Code)
	}
}

func TestGetCallerIDEmptyContext(t *testing.T) {
	if id := GetCallerID(context.Background()); id != "" {
		t.Errorf("expected empty caller id from bare context, got %q", id)
	}
}

// ---------------------------------------------------------------------------
// RateLimitByHeader tests
// ---------------------------------------------------------------------------

func TestRateLimitByHeaderSeparatesKeys(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := RateLimitByHeader("X-API-Key", 2)(inner)

	do := func(key string) int {
		req := httptest.NewRequest("POST", "/api/v1/credentials/retrieve", nil)
		req.Header.Set("X-API-Key", key)
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		return rr.Code
	}

	if do("key-a") != http.StatusOK || do("key-a") != http.StatusOK {
		t.Error("first two requests for key-a should pass")
	}
	if do("key-a") != http.StatusTooManyRequests {
		t.Error("third request for key-a should be limited")
	}
	if do("key-b") != http.StatusOK {
		t.Error("key-b has its own budget")
	}
}
