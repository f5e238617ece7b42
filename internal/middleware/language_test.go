// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alexedwards/scs/v2"

	"github.com/qvtbox/qvtbox-go/internal/cache"
	"github.com/qvtbox/qvtbox-go/internal/i18n"
)

func TestLanguage(t *testing.T) {
	mem := cache.NewSimpleMemoryCache(time.Hour)
	t.Cleanup(func() { _ = mem.Close() })
	prefs := i18n.NewPreferences(mem, "fr", nil)
	sm := scs.New()

	echo := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(Lang(r)))
	})
	h := sm.LoadAndSave(Language(prefs, sm)(echo))

	get := func(url, accept string, cookie *http.Cookie) (*httptest.ResponseRecorder, string) {
		r := httptest.NewRequest(http.MethodGet, url, nil)
		if accept != "" {
			r.Header.Set("Accept-Language", accept)
		}
		if cookie != nil {
			r.AddCookie(cookie)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, r)
		return rec, rec.Body.String()
	}

	if _, lang := get("/", "", nil); lang != "fr" {
		t.Errorf("no hints = %q, want fr", lang)
	}
	if _, lang := get("/", "en-GB,en;q=0.9", nil); lang != "en" {
		t.Errorf("Accept-Language en = %q, want en", lang)
	}
	if _, lang := get("/?lang=xx", "", nil); lang != "fr" {
		t.Errorf("unsupported ?lang = %q, want fr", lang)
	}

	rec, lang := get("/?lang=EN", "fr", nil)
	if lang != "en" {
		t.Fatalf("?lang=EN = %q, want en", lang)
	}
	cookies := rec.Result().Cookies()
	if len(cookies) == 0 {
		t.Fatal("no session cookie after language switch")
	}
	if _, lang := get("/", "fr-FR", cookies[0]); lang != "en" {
		t.Errorf("stored choice = %q, want en over Accept-Language", lang)
	}
}

func TestLangWithoutMiddleware(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	if got := Lang(r); got != i18n.DefaultLanguage {
		t.Errorf("Lang = %q, want %q", got, i18n.DefaultLanguage)
	}
}
