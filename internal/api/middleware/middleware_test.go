package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/drfirst/radportal/internal/infrastructure/ratelimit"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

func signed(t *testing.T, method jwt.SigningMethod, key interface{}, claims OperatorClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(method, claims).SignedString(key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func validClaims() OperatorClaims {
	return OperatorClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "op-17",
			Issuer:    "clinic-idp",
			Audience:  jwt.ClaimStrings{"radportal"},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Name: "Dr. Osei",
	}
}

func sessionEcho(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s, ok := SessionFrom(r.Context())
		if !ok {
			t.Error("no session in context")
		}
		_, _ = w.Write([]byte(s.OperatorID + "|" + s.Name))
	})
}

func TestOperatorAuth(t *testing.T) {
	cfg := AuthConfig{SigningKey: testKey, Issuer: "clinic-idp", Audience: "radportal"}
	h := OperatorAuth(cfg, zap.NewNop())(sessionEcho(t))

	expired := validClaims()
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
	wrongAud := validClaims()
	wrongAud.Audience = jwt.ClaimStrings{"other"}
	noSubject := validClaims()
	noSubject.Subject = ""

	tests := []struct {
		name   string
		header string
		status int
		body   string
	}{
		{"valid", "Bearer " + signed(t, jwt.SigningMethodHS256, testKey, validClaims()), http.StatusOK, "op-17|Dr. Osei"},
		{"lowercase scheme", "bearer " + signed(t, jwt.SigningMethodHS256, testKey, validClaims()), http.StatusOK, "op-17|Dr. Osei"},
		{"missing header", "", http.StatusUnauthorized, ""},
		{"basic scheme", "Basic Zm9vOmJhcg==", http.StatusUnauthorized, ""},
		{"wrong key", "Bearer " + signed(t, jwt.SigningMethodHS256, []byte("another-key-another-key-another!"), validClaims()), http.StatusUnauthorized, ""},
		{"wrong algorithm", "Bearer " + signed(t, jwt.SigningMethodHS512, testKey, validClaims()), http.StatusUnauthorized, ""},
		{"expired", "Bearer " + signed(t, jwt.SigningMethodHS256, testKey, expired), http.StatusUnauthorized, ""},
		{"wrong audience", "Bearer " + signed(t, jwt.SigningMethodHS256, testKey, wrongAud), http.StatusUnauthorized, ""},
		{"no subject", "Bearer " + signed(t, jwt.SigningMethodHS256, testKey, noSubject), http.StatusUnauthorized, ""},
		{"garbage", "Bearer not.a.jwt", http.StatusUnauthorized, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/reports/x", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.status, rec.Body.String())
			}
			if tt.body != "" && rec.Body.String() != tt.body {
				t.Errorf("body = %q, want %q", rec.Body.String(), tt.body)
			}
			if tt.status == http.StatusUnauthorized && rec.Header().Get("WWW-Authenticate") == "" {
				t.Error("missing WWW-Authenticate header")
			}
		})
	}
}

func TestOperatorAuth_DevMode(t *testing.T) {
	h := OperatorAuth(AuthConfig{}, zap.NewNop())(sessionEcho(t))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "dev-operator|Development Operator" {
		t.Fatalf("dev session not applied: %d %q", rec.Code, rec.Body.String())
	}

	// A presented token cannot be verified without a key.
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+signed(t, jwt.SigningMethodHS256, testKey, validClaims()))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestRequestID(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if seen != "abc-123" || rec.Header().Get("X-Request-ID") != "abc-123" {
		t.Errorf("incoming id not kept: ctx=%q header=%q", seen, rec.Header().Get("X-Request-ID"))
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if seen == "" || seen == "abc-123" {
		t.Errorf("expected generated id, got %q", seen)
	}
}

func TestRedactPath(t *testing.T) {
	tests := map[string]string{
		"/api/v1/public/view/abcDEF_-123": "/api/v1/public/view/{token}",
		"/api/v1/public/view/abc/export":  "/api/v1/public/view/{token}/export",
		"/api/v1/public/chat/abc":         "/api/v1/public/chat/{token}",
		"/api/v1/reports/7d0b-4e1c":       "/api/v1/reports/7d0b-4e1c",
		"/api/v1/public/viewer":           "/api/v1/public/viewer",
	}
	for in, want := range tests {
		if got := RedactPath(in); got != want {
			t.Errorf("RedactPath(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestRecover(t *testing.T) {
	h := Recover(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestCORS(t *testing.T) {
	h := CORS([]string{"https://portal.example"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest(http.MethodOptions, "/", nil)
	req.Header.Set("Origin", "https://portal.example")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "https://portal.example" {
		t.Errorf("allowed origin not echoed")
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Error("unlisted origin allowed")
	}
	if rec.Code != http.StatusTeapot {
		t.Errorf("request not forwarded: %d", rec.Code)
	}
}

type failingLimiter struct{}

func (failingLimiter) Allow(context.Context, string) (ratelimit.Decision, error) {
	return ratelimit.Decision{}, errors.New("redis down")
}

func TestRateLimit(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	h := RateLimit(ratelimit.NewMemoryLimiter(ratelimit.Config{Max: 2, Window: time.Minute}), zap.NewNop())(ok)

	do := func(addr string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/public/view/x", nil)
		req.RemoteAddr = addr
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	for i := 0; i < 2; i++ {
		if rec := do("10.0.0.1:5000"); rec.Code != http.StatusOK {
			t.Fatalf("request %d: status %d", i, rec.Code)
		}
	}
	rec := do("10.0.0.1:5001")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After")
	}
	if rec := do("10.0.0.2:5000"); rec.Code != http.StatusOK {
		t.Errorf("other client limited: %d", rec.Code)
	}
}

func TestRateLimit_FailsOpen(t *testing.T) {
	h := RateLimit(failingLimiter{}, zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}
