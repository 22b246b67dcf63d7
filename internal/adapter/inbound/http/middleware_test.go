package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Sentinel-Gate/Sentinelgate/internal/adapter/outbound/memory"
)

func TestRateLimitMiddleware_AllowsUnderLimit(t *testing.T) {
	limiter := memory.NewRateLimiter()
	handler := RateLimitMiddleware(limiter, 10, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	req = req.WithContext(contextWithIP(req, "203.0.113.1"))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestRateLimitMiddleware_RejectsOverLimit(t *testing.T) {
	limiter := memory.NewRateLimiter()
	handler := RateLimitMiddleware(limiter, 1, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
		req = req.WithContext(contextWithIP(req, "203.0.113.2"))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if i == 0 {
			if rec.Code != http.StatusOK {
				t.Errorf("first request: expected 200, got %d", rec.Code)
			}
			continue
		}
		if rec.Code == http.StatusTooManyRequests {
			if rec.Header().Get("Retry-After") == "" {
				t.Error("expected Retry-After header on 429 response")
			}
			return
		}
	}
	t.Error("expected at least one 429 response after exceeding the limit")
}

func TestRateLimitMiddleware_DisabledWhenRPMZero(t *testing.T) {
	limiter := memory.NewRateLimiter()
	handler := RateLimitMiddleware(limiter, 0, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 20; i++ {
		req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
		req = req.WithContext(contextWithIP(req, "203.0.113.3"))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: rate limiting should be disabled when rpm=0, got %d", i, rec.Code)
		}
	}
}

func TestRateLimitMiddleware_IsolatesByIP(t *testing.T) {
	limiter := memory.NewRateLimiter()
	handler := RateLimitMiddleware(limiter, 1, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req1 := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	req1 = req1.WithContext(contextWithIP(req1, "203.0.113.4"))
	rec1 := httptest.NewRecorder()
	handler.ServeHTTP(rec1, req1)
	if rec1.Code != http.StatusOK {
		t.Fatalf("expected 200 for first IP, got %d", rec1.Code)
	}

	req2 := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	req2 = req2.WithContext(contextWithIP(req2, "203.0.113.5"))
	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, req2)
	if rec2.Code != http.StatusOK {
		t.Errorf("expected 200 for a different IP with independent bucket, got %d", rec2.Code)
	}
}

func TestRealIPMiddleware_PrefersForwardedFor(t *testing.T) {
	var captured string
	handler := RealIPMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured, _ = r.Context().Value(IPAddressKey).(string)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Forwarded-For", "198.51.100.9, 10.0.0.1")
	req.RemoteAddr = "10.0.0.1:12345"
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if captured != "198.51.100.9" {
		t.Errorf("expected 198.51.100.9, got %q", captured)
	}
}

func TestRealIPMiddleware_FallsBackToRemoteAddr(t *testing.T) {
	var captured string
	handler := RealIPMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured, _ = r.Context().Value(IPAddressKey).(string)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.7:54321"
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if captured != "192.0.2.7" {
		t.Errorf("expected 192.0.2.7, got %q", captured)
	}
}

func TestDNSRebindingProtection_BlocksDisallowedOrigin(t *testing.T) {
	handler := DNSRebindingProtection([]string{"https://allowed.example"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403 for disallowed origin, got %d", rec.Code)
	}
}

func TestDNSRebindingProtection_AllowsListedOrigin(t *testing.T) {
	handler := DNSRebindingProtection([]string{"https://allowed.example"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://allowed.example")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 for allowed origin, got %d", rec.Code)
	}
}

func TestDNSRebindingProtection_AllowsMissingOrigin(t *testing.T) {
	handler := DNSRebindingProtection(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 for request with no Origin header, got %d", rec.Code)
	}
}

func contextWithIP(r *http.Request, ip string) context.Context {
	return context.WithValue(r.Context(), IPAddressKey, ip)
}
