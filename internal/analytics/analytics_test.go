// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

package analytics

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/qvtbox/qvtbox-go/internal/gateway"
	"github.com/qvtbox/qvtbox-go/internal/testutil"
)

const (
	uaChrome  = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	uaIPhone  = "Mozilla/5.0 (iPhone; CPU iPhone OS 17_2 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.2 Mobile/15E148 Safari/604.1"
	uaIPad    = "Mozilla/5.0 (iPad; CPU OS 17_2 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.2 Mobile/15E148 Safari/604.1"
	uaGoogle  = "Mozilla/5.0 (compatible; Googlebot/2.1; +http://www.google.com/bot.html)"
	uaFirefox = "Mozilla/5.0 (X11; Linux x86_64; rv:121.0) Gecko/20100101 Firefox/121.0"
)

func TestParseAgent(t *testing.T) {
	tests := []struct {
		name    string
		ua      string
		browser string
		os      string
		device  string
	}{
		{"chrome desktop", uaChrome, "Chrome", "Windows", DeviceDesktop},
		{"firefox linux", uaFirefox, "Firefox", "Linux", DeviceDesktop},
		{"iphone", uaIPhone, "Safari", "iOS", DeviceMobile},
		{"ipad", uaIPad, "Safari", "iOS", DeviceTablet},
		{"googlebot", uaGoogle, "", "", DeviceBot},
		{"empty", "", "Unknown", "Unknown", DeviceDesktop},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := ParseAgent(tt.ua)
			if tt.browser != "" && a.Browser != tt.browser {
				t.Errorf("Browser = %q, want %q", a.Browser, tt.browser)
			}
			if tt.os != "" && a.OS != tt.os {
				t.Errorf("OS = %q, want %q", a.OS, tt.os)
			}
			if a.Device != tt.device {
				t.Errorf("Device = %q, want %q", a.Device, tt.device)
			}
		})
	}
}

func selectEvents(t *testing.T, rows gateway.Rows) []gateway.Row {
	t.Helper()
	got, err := rows.Select(context.Background(), gateway.Query{Table: EventsTable}.OrderBy("name", false))
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	return got
}

func TestBatcherFlushWritesRows(t *testing.T) {
	env := testutil.NewEnv(t)
	b := NewBatcher(env.Gateway, Options{MaxBatch: 100, FlushInterval: time.Hour, Logger: env.Logger})
	defer func() { _ = b.Close() }()

	if err := b.Track(Event{
		Name:       "add_to_cart",
		Path:       "/boutique/box-serenite",
		Referrer:   "https://www.Example.com/blog?x=1",
		SessionID:  "anon-1",
		UserAgent:  uaIPhone,
		Properties: map[string]any{"sku": "BOX-1", "qty": 2},
	}); err != nil {
		t.Fatalf("Track: %v", err)
	}
	if err := b.Track(Event{Name: EventPageView, Path: "/", UserAgent: uaChrome}); err != nil {
		t.Fatalf("Track: %v", err)
	}
	if b.Pending() != 2 {
		t.Fatalf("Pending = %d, want 2", b.Pending())
	}

	if err := b.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if b.Pending() != 0 {
		t.Errorf("Pending after flush = %d", b.Pending())
	}

	got := selectEvents(t, env.Gateway)
	if len(got) != 2 {
		t.Fatalf("got %d rows, want 2", len(got))
	}
	cart := got[0]
	if cart.String("referrer") != "example.com" {
		t.Errorf("referrer = %q", cart.String("referrer"))
	}
	if cart.String("device") != DeviceMobile {
		t.Errorf("device = %q", cart.String("device"))
	}
	if cart.String("session_id") != "anon-1" {
		t.Errorf("session_id = %q", cart.String("session_id"))
	}
	var props map[string]any
	if err := cart.JSON("properties", &props); err != nil {
		t.Fatalf("properties: %v", err)
	}
	if props["sku"] != "BOX-1" {
		t.Errorf("properties = %v", props)
	}
	if got[1].String("properties") != "{}" {
		t.Errorf("empty properties = %q", got[1].String("properties"))
	}
}

type fakeCountries map[string]string

func (f fakeCountries) Country(ip string) string { return f[ip] }

func TestBatcherResolvesCountry(t *testing.T) {
	env := testutil.NewEnv(t)
	b := NewBatcher(env.Gateway, Options{
		MaxBatch:      100,
		FlushInterval: time.Hour,
		Countries:     fakeCountries{"81.250.0.1": "FR"},
		Logger:        env.Logger,
	})
	defer func() { _ = b.Close() }()

	for _, ip := range []string{"81.250.0.1", "203.0.113.9", ""} {
		if err := b.Track(Event{Name: EventPageView, Path: "/", UserAgent: uaFirefox, IP: ip}); err != nil {
			t.Fatalf("Track: %v", err)
		}
	}
	if err := b.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	got := selectEvents(t, env.Gateway)
	if len(got) != 3 {
		t.Fatalf("got %d rows, want 3", len(got))
	}
	countries := map[string]int{}
	for _, row := range got {
		countries[row.String("country")]++
	}
	if countries["FR"] != 1 || countries[""] != 2 {
		t.Errorf("countries = %v, want one FR and two unknown", countries)
	}
}

func TestBatcherFlushesWhenFull(t *testing.T) {
	env := testutil.NewEnv(t)
	b := NewBatcher(env.Gateway, Options{MaxBatch: 3, FlushInterval: time.Hour, Logger: env.Logger})
	defer func() { _ = b.Close() }()

	for i := 0; i < 3; i++ {
		if err := b.Track(Event{Name: EventPageView, Path: "/"}); err != nil {
			t.Fatalf("Track: %v", err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(selectEvents(t, env.Gateway)) == 3 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("batch was not flushed after reaching MaxBatch")
}

func TestBatcherFlushesOnInterval(t *testing.T) {
	env := testutil.NewEnv(t)
	b := NewBatcher(env.Gateway, Options{MaxBatch: 100, FlushInterval: 20 * time.Millisecond, Logger: env.Logger})
	defer func() { _ = b.Close() }()

	if err := b.Track(Event{Name: EventPageView, Path: "/contact"}); err != nil {
		t.Fatalf("Track: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(selectEvents(t, env.Gateway)) == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("event was not flushed by the ticker")
}

func TestBatcherCloseFlushesAndRejects(t *testing.T) {
	env := testutil.NewEnv(t)
	b := NewBatcher(env.Gateway, Options{MaxBatch: 100, FlushInterval: time.Hour, Logger: env.Logger})

	_ = b.Track(Event{Name: EventPageView, Path: "/"})
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if n := len(selectEvents(t, env.Gateway)); n != 1 {
		t.Errorf("rows after Close = %d, want 1", n)
	}
	if err := b.Track(Event{Name: EventPageView}); !errors.Is(err, ErrClosed) {
		t.Errorf("Track after Close = %v, want ErrClosed", err)
	}
	if err := b.Close(); err != nil {
		t.Errorf("second Close = %v", err)
	}
}

func TestBatcherRejectsAndSkips(t *testing.T) {
	env := testutil.NewEnv(t)
	b := NewBatcher(env.Gateway, Options{MaxBatch: 100, FlushInterval: time.Hour, SkipBots: true, Logger: env.Logger})
	defer func() { _ = b.Close() }()

	if err := b.Track(Event{Name: "  "}); !errors.Is(err, ErrInvalidEvent) {
		t.Errorf("blank name = %v, want ErrInvalidEvent", err)
	}
	if err := b.Track(Event{Name: EventPageView, UserAgent: uaGoogle}); err != nil {
		t.Errorf("bot event = %v, want nil", err)
	}
	if b.Pending() != 0 {
		t.Errorf("Pending = %d, want 0", b.Pending())
	}
}

func TestBatcherFlushErrorDropsBatch(t *testing.T) {
	env := testutil.NewEnv(t)
	faulty := testutil.NewFaultyRows(env.Gateway)
	faulty.FailWrites(gateway.ErrUnavailable)
	b := NewBatcher(faulty, Options{MaxBatch: 100, FlushInterval: time.Hour, Logger: env.Logger})
	defer func() { _ = b.Close() }()

	_ = b.Track(Event{Name: EventPageView, Path: "/"})
	if err := b.Flush(context.Background()); !errors.Is(err, gateway.ErrUnavailable) {
		t.Fatalf("Flush = %v, want ErrUnavailable", err)
	}
	if b.Pending() != 0 {
		t.Errorf("failed batch should not be requeued")
	}
}

func TestShouldTrack(t *testing.T) {
	tests := []struct {
		method string
		path   string
		want   bool
	}{
		{http.MethodGet, "/", true},
		{http.MethodGet, "/boutique/box-serenite", true},
		{http.MethodPost, "/contact", false},
		{http.MethodGet, "/static/app.css", false},
		{http.MethodGet, "/api/products", false},
		{http.MethodGet, "/storage/products/a.jpg", false},
		{http.MethodGet, "/logo.PNG", false},
		{http.MethodGet, "/health", false},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(tt.method, tt.path, nil)
		if got := ShouldTrack(r); got != tt.want {
			t.Errorf("ShouldTrack(%s %s) = %v, want %v", tt.method, tt.path, got, tt.want)
		}
	}
}

func TestMiddlewareTracksOnlySuccessfulPages(t *testing.T) {
	env := testutil.NewEnv(t)
	b := NewBatcher(env.Gateway, Options{MaxBatch: 100, FlushInterval: time.Hour, Logger: env.Logger})
	defer func() { _ = b.Close() }()

	mux := http.NewServeMux()
	mux.HandleFunc("/ok", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("ok")) })
	mux.HandleFunc("/missing", func(w http.ResponseWriter, _ *http.Request) { http.NotFound(w, nil) })
	h := Middleware(b, func(*http.Request) string { return "anon-7" }, env.Logger)(mux)

	for _, path := range []string{"/ok", "/missing", "/api/x"} {
		r := httptest.NewRequest(http.MethodGet, path, nil)
		r.Header.Set("User-Agent", uaChrome)
		h.ServeHTTP(httptest.NewRecorder(), r)
	}

	if err := b.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	got := selectEvents(t, env.Gateway)
	if len(got) != 1 {
		t.Fatalf("got %d rows, want 1", len(got))
	}
	if got[0].String("path") != "/ok" || got[0].String("session_id") != "anon-7" {
		t.Errorf("row = %v", got[0])
	}
}
