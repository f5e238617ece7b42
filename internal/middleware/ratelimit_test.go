// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		realIP     string
		forwarded  string
		remoteAddr string
		want       string
	}{
		{"real ip header", "198.51.100.1", "203.0.113.5", "10.0.0.1:1234", "198.51.100.1"},
		{"first forwarded", "", "203.0.113.5, 10.0.0.2", "10.0.0.1:1234", "203.0.113.5"},
		{"remote addr port stripped", "", "", "192.0.2.7:5555", "192.0.2.7"},
		{"remote addr without port", "", "", "192.0.2.8", "192.0.2.8"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remoteAddr
			if tt.realIP != "" {
				r.Header.Set("X-Real-IP", tt.realIP)
			}
			if tt.forwarded != "" {
				r.Header.Set("X-Forwarded-For", tt.forwarded)
			}
			if got := ClientIP(r); got != tt.want {
				t.Errorf("ClientIP = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRateLimiterPerIP(t *testing.T) {
	rl := NewRateLimiter(0.001, 1)
	if !rl.Allow("a") {
		t.Fatal("first request from a denied")
	}
	if rl.Allow("a") {
		t.Error("second request from a allowed")
	}
	if !rl.Allow("b") {
		t.Error("first request from b denied")
	}
}

func TestRateLimiterBoundsEntries(t *testing.T) {
	rl := NewRateLimiter(1, 1)
	rl.MaxEntries = 2
	for _, ip := range []string{"a", "b", "c"} {
		rl.Allow(ip)
	}
	rl.Allow("d")
	if n := rl.cache.size(); n > 2 {
		t.Errorf("tracked clients = %d, want <= 2", n)
	}
}

func TestRateLimiterMiddleware(t *testing.T) {
	rl := NewRateLimiter(0.001, 1)
	h := rl.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))

	do := func(method string) *httptest.ResponseRecorder {
		r := httptest.NewRequest(method, "/api/contact", nil)
		r.RemoteAddr = "192.0.2.1:1"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, r)
		return rec
	}

	if rec := do(http.MethodPost); rec.Code != http.StatusAccepted {
		t.Fatalf("first POST = %d", rec.Code)
	}
	rec := do(http.MethodPost)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second POST = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After")
	}
	if body := decodeError(t, rec); body.Error == "" {
		t.Error("empty error message")
	}
	if rec := do(http.MethodGet); rec.Code != http.StatusAccepted {
		t.Errorf("GET = %d, reads are not limited", rec.Code)
	}
}
