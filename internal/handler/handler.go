// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

// Package handler is the HTTP surface of the site: the JSON API the web
// client calls, the live websocket feeding its entity hooks, storage
// downloads and health probes.
package handler

import (
	"database/sql"
	"log/slog"
	"net/http"
	"time"

	"github.com/alexedwards/scs/v2"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/qvtbox/qvtbox-go/internal/analytics"
	"github.com/qvtbox/qvtbox-go/internal/auth"
	"github.com/qvtbox/qvtbox-go/internal/cart"
	"github.com/qvtbox/qvtbox-go/internal/contact"
	"github.com/qvtbox/qvtbox-go/internal/content"
	"github.com/qvtbox/qvtbox-go/internal/gateway"
	"github.com/qvtbox/qvtbox-go/internal/i18n"
	"github.com/qvtbox/qvtbox-go/internal/middleware"
	"github.com/qvtbox/qvtbox-go/internal/mood"
	"github.com/qvtbox/qvtbox-go/internal/product"
	"github.com/qvtbox/qvtbox-go/internal/role"
	"github.com/qvtbox/qvtbox-go/internal/session"
	"github.com/qvtbox/qvtbox-go/internal/storage"
	"github.com/qvtbox/qvtbox-go/internal/version"
)

// Route timeouts.
const (
	apiTimeout    = 30 * time.Second
	uploadTimeout = 2 * time.Minute
)

// Deps are the services the routes are built from. Analytics, CSRF,
// Login and Limiter are optional.
type Deps struct {
	DB         *sql.DB
	Realtime   gateway.Realtime
	Sessions   *scs.SessionManager
	Auth       *auth.Service
	Roles      *role.Resolver
	RoleRepo   *role.Repository
	Products   *product.Repository
	Content    *content.Repository
	Mood       *mood.Service
	Carts      *cart.Store
	Languages  *i18n.Preferences
	Contact    *contact.Service
	Storage    *storage.Local
	StorageDir string
	Analytics  *analytics.Batcher
	Login      *middleware.LoginProtection
	Limiter    *middleware.RateLimiter
	CSRF       func(http.Handler) http.Handler
	Security   middleware.SecurityHeadersConfig
	// StaticDir holds the built web client. Empty disables it.
	StaticDir string
	// SiteURL is the public origin used in the sitemap.
	SiteURL   string
	// NoIndex turns crawlers away, for staging and development.
	NoIndex   bool
	Build     version.Info
	Logger    *slog.Logger
}

// Handler serves every route.
type Handler struct {
	Deps
	health *HealthHandler
	live   *LiveHandler
}

// New creates the handler set.
func New(d Deps) *Handler {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	h := &Handler{Deps: d}
	h.health = NewHealthHandler(d.DB, d.Roles, d.StorageDir, d.Build)
	policy := role.PolicyMostRecent
	if d.Roles != nil {
		policy = d.Roles.Policy()
	}
	h.live = NewLiveHandler(LiveDeps{
		Realtime: d.Realtime,
		Sessions: d.Sessions,
		Auth:     d.Auth,
		Products: d.Products,
		Content:  d.Content,
		Mood:     d.Mood,
		Roles:    d.RoleRepo,
		Policy:   policy,
		Prefs:    d.Languages,
		Logger:   d.Logger,
	})
	return h
}

// Health returns the health handler so callers can register probes.
func (h *Handler) Health() *HealthHandler { return h.health }

// Live returns the websocket handler.
func (h *Handler) Live() *LiveHandler { return h.live }

// Routes builds the router.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(middleware.StripTrailingSlash)
	r.Use(middleware.SecurityHeaders(h.Security))

	// The websocket loads its session itself: the scs writer cannot be
	// hijacked.
	r.Get("/api/live", h.live.ServeHTTP)

	r.Group(func(r chi.Router) {
		r.Use(h.Sessions.LoadAndSave)
		r.Use(middleware.Language(h.Languages, h.Sessions))
		r.Use(middleware.LoadUser(h.Auth, h.Sessions))

		r.Get("/health", h.health.Health)
		r.Get("/health/live", h.health.Liveness)
		r.Get("/health/ready", h.health.Readiness)
		r.Get("/robots.txt", h.Robots)
		r.Get("/sitemap.xml", h.Sitemap)

		r.With(middleware.StaticCache(3600)).Get(storage.URLPrefix+"{bucket}/*", h.ServeObject)

		r.Group(func(r chi.Router) {
			r.Use(middleware.NoStore)
			r.Use(chimw.Compress(5))
			if h.CSRF != nil {
				r.Use(middleware.SkipCSRFForBearer)
				r.Use(h.CSRF)
			}

			r.Group(func(r chi.Router) {
				r.Use(middleware.Timeout(apiTimeout))
				h.apiRoutes(r)
			})

			r.With(
				middleware.Timeout(uploadTimeout),
				middleware.RequireRole(h.Roles, role.RH),
			).Post("/api/storage/{bucket}", h.UploadObject)
		})

		if h.StaticDir != "" {
			spa := http.Handler(h.webClient())
			if h.Analytics != nil {
				spa = analytics.Middleware(h.Analytics, h.visitorID, h.Logger)(spa)
			}
			r.Handle("/*", spa)
		}
	})

	return r
}

func (h *Handler) apiRoutes(r chi.Router) {
	r.Get("/api/products", h.ListProducts)
	r.Get("/api/products/{slug}", h.GetProduct)
	r.Get("/api/categories", h.ListCategories)

	r.Get("/api/content/{page}", h.GetPage)
	r.Get("/api/content/{page}/{section}/{key}", h.GetSlot)
	r.With(middleware.RequireRole(h.Roles, role.RH)).
		Put("/api/content/{page}/{section}/{key}", h.PutContent)
	r.With(middleware.RequireRole(h.Roles, role.Admin)).
		Delete("/api/content/{page}/{section}/{key}", h.DeleteContent)

	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireUser)
		r.Get("/api/mood", h.ListMood)
		r.Post("/api/mood", h.RecordMood)
		r.Delete("/api/mood/{id}", h.DeleteMood)
		r.Get("/api/mood/bubbles", h.ListBubbles)
		r.Put("/api/auth/password", h.UpdatePassword)
	})

	r.Get("/api/me", h.Me)
	r.With(middleware.RequireRole(h.Roles, role.Admin)).
		Put("/api/roles/{userID}", h.AssignRole)

	r.Get("/api/cart", h.GetCart)
	r.Post("/api/cart", h.AddToCart)
	r.Patch("/api/cart/{id}", h.SetCartQuantity)
	r.Delete("/api/cart/{id}", h.RemoveFromCart)
	r.Delete("/api/cart", h.ClearCart)

	r.Get("/api/language", h.GetLanguage)
	r.Put("/api/language", h.SetLanguage)

	limited := r.With()
	if h.Limiter != nil {
		limited = r.With(h.Limiter.Middleware())
	}
	limited.Post("/api/contact", h.SubmitContact)
	limited.Post("/api/events", h.TrackEvent)

	r.Group(func(r chi.Router) {
		if h.Login != nil {
			r.Use(h.Login.Middleware())
		}
		r.Post("/api/auth/otp", h.SendOTP)
		r.Post("/api/auth/verify", h.VerifyOTP)
		r.Post("/api/auth/password", h.SignInWithPassword)
		r.Post("/api/auth/reset", h.RequestReset)
		r.Post("/api/auth/reset/confirm", h.ConfirmReset)
	})
	r.Post("/api/auth/signout", h.SignOut)
}

// visitorID identifies the browser for analytics and carts.
func (h *Handler) visitorID(r *http.Request) string {
	return session.Owner(r.Context(), h.Sessions)
}

// cartOwner is the signed-in user, else the anonymous visitor.
func (h *Handler) cartOwner(r *http.Request) string {
	if u, ok := auth.UserFrom(r.Context()); ok {
		return u.ID
	}
	return h.visitorID(r)
}
