// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

// Package middleware provides HTTP middleware for authentication,
// authorization, and request context handling.
package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/alexedwards/scs/v2"

	"github.com/qvtbox/qvtbox-go/internal/auth"
	"github.com/qvtbox/qvtbox-go/internal/i18n"
	"github.com/qvtbox/qvtbox-go/internal/role"
	"github.com/qvtbox/qvtbox-go/internal/session"
)

// ContextKey is a type for context keys to avoid collisions.
type ContextKey string

// ContextKeySessionToken holds the token a request was authenticated with.
const ContextKeySessionToken ContextKey = "session_token"

// Authenticator resolves a session token to the signed-in user.
type Authenticator interface {
	GetSession(ctx context.Context, token string) (*auth.Session, error)
}

// RoleChecker answers whether a user holds at least a given role.
type RoleChecker interface {
	HasAtLeast(ctx context.Context, userID string, min role.Role) (bool, error)
}

// errorBody is the JSON shape of every error written by this package.
type errorBody struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// WriteError writes {"success":false,"error":message} with status.
func WriteError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Error: message})
}

// BearerToken returns the token of an "Authorization: Bearer" header.
func BearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// LoadUser puts the signed-in user into the request context when the
// request carries a live session, either as a Bearer token or in the
// cookie session. Requests without one pass through unchanged.
// A cookie session pointing at an expired token is cleared.
func LoadUser(a Authenticator, sm *scs.SessionManager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := BearerToken(r)
			fromCookie := false
			if token == "" && sm != nil {
				token = session.AuthToken(r.Context(), sm)
				fromCookie = token != ""
			}
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}

			sess, err := a.GetSession(r.Context(), token)
			if err != nil {
				if fromCookie && errors.Is(err, auth.ErrNoSession) {
					_ = session.SignOut(r.Context(), sm)
				} else if !errors.Is(err, auth.ErrNoSession) {
					slog.Warn("failed to load session", "path", r.URL.Path, "error", err)
				}
				next.ServeHTTP(w, r)
				return
			}

			ctx := auth.WithUser(r.Context(), sess.User)
			ctx = context.WithValue(ctx, ContextKeySessionToken, token)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// SessionToken returns the token LoadUser authenticated the request with.
func SessionToken(ctx context.Context) string {
	token, _ := ctx.Value(ContextKeySessionToken).(string)
	return token
}

// RequireUser rejects requests without a signed-in user with 401.
// It must run after LoadUser.
func RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := auth.UserFrom(r.Context()); !ok {
			WriteError(w, http.StatusUnauthorized, i18n.T(Lang(r), "error.unauthorized"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireRole creates middleware that requires a minimum role.
// Roles are hierarchical, so RequireRole(role.RH) also admits admins.
// Anonymous requests get 401, signed-in users below min get 403.
func RequireRole(rc RoleChecker, min role.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			lang := Lang(r)
			user, ok := auth.UserFrom(r.Context())
			if !ok {
				WriteError(w, http.StatusUnauthorized, i18n.T(lang, "error.unauthorized"))
				return
			}

			allowed, err := rc.HasAtLeast(r.Context(), user.ID, min)
			if err != nil {
				slog.Error("role lookup failed", "user_id", user.ID, "error", err)
				WriteError(w, http.StatusServiceUnavailable, i18n.T(lang, "error.unavailable"))
				return
			}
			if !allowed {
				slog.Warn("access denied",
					"status", http.StatusForbidden,
					"method", r.Method,
					"path", r.URL.Path,
					"user_id", user.ID,
					"required_role", min.String(),
					"remote_addr", r.RemoteAddr,
				)
				WriteError(w, http.StatusForbidden, i18n.T(lang, "error.forbidden"))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
