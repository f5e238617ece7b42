// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

package handler

import (
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/qvtbox/qvtbox-go/internal/auth"
	"github.com/qvtbox/qvtbox-go/internal/i18n"
	"github.com/qvtbox/qvtbox-go/internal/middleware"
	"github.com/qvtbox/qvtbox-go/internal/session"
)

type credentialsRequest struct {
	Email    string `json:"email"`
	Code     string `json:"code,omitempty"`
	Password string `json:"password,omitempty"`
	Token    string `json:"token,omitempty"`
}

// rejectLocked writes a 429 when email is locked out.
func (h *Handler) rejectLocked(w http.ResponseWriter, r *http.Request, email string) bool {
	if h.Login == nil {
		return false
	}
	locked, remaining := h.Login.IsAccountLocked(email)
	if !locked {
		return false
	}
	w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(remaining.Seconds()))))
	writeJSONError(w, http.StatusTooManyRequests, i18n.T(middleware.Lang(r), "auth.rate_limit"))
	return true
}

// recordAttempt feeds the lockout counters with a sign-in outcome.
func (h *Handler) recordAttempt(email string, err error) {
	if h.Login == nil {
		return
	}
	switch {
	case err == nil:
		h.Login.RecordSuccessfulLogin(email)
	case errors.Is(err, auth.ErrInvalidCode), errors.Is(err, auth.ErrInvalidCredentials):
		if locked, d := h.Login.RecordFailedAttempt(email); locked {
			h.Logger.Warn("account locked after failed sign-ins", "email", email, "duration", d.Round(time.Second))
		}
	}
}

// establish stores the session token in the cookie session and moves the
// anonymous cart over to the user.
func (h *Handler) establish(w http.ResponseWriter, r *http.Request, sess *auth.Session) {
	ctx := r.Context()
	visitor := h.visitorID(r)
	if err := session.SignIn(ctx, h.Sessions, sess.Token); err != nil {
		writeServiceError(w, r, h.Logger, err)
		return
	}
	if _, err := h.Carts.Merge(ctx, visitor, sess.User.ID); err != nil {
		h.Logger.Warn("failed to merge visitor cart", "user_id", sess.User.ID, "error", err)
	}
	h.Logger.Info("user signed in", "user_id", sess.User.ID)
	writeJSONSuccess(w, sess)
}

// SendOTP handles POST /api/auth/otp.
func (h *Handler) SendOTP(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !decodeOrReject(w, r, &req) {
		return
	}
	lang := middleware.Lang(r)
	if err := h.Auth.SignInWithOTP(r.Context(), req.Email, lang); err != nil {
		writeServiceError(w, r, h.Logger, err)
		return
	}
	writeJSONMessage(w, nil, i18n.T(lang, "auth.otp_sent", req.Email))
}

// VerifyOTP handles POST /api/auth/verify.
func (h *Handler) VerifyOTP(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !decodeOrReject(w, r, &req) {
		return
	}
	if h.rejectLocked(w, r, req.Email) {
		return
	}
	sess, err := h.Auth.VerifyOTP(r.Context(), req.Email, req.Code)
	h.recordAttempt(req.Email, err)
	if err != nil {
		writeServiceError(w, r, h.Logger, err)
		return
	}
	h.establish(w, r, sess)
}

// SignInWithPassword handles POST /api/auth/password.
func (h *Handler) SignInWithPassword(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !decodeOrReject(w, r, &req) {
		return
	}
	if h.rejectLocked(w, r, req.Email) {
		return
	}
	sess, err := h.Auth.SignInWithPassword(r.Context(), req.Email, req.Password)
	h.recordAttempt(req.Email, err)
	if err != nil {
		writeServiceError(w, r, h.Logger, err)
		return
	}
	h.establish(w, r, sess)
}

// RequestReset handles POST /api/auth/reset. The answer is the same
// whether or not the account exists.
func (h *Handler) RequestReset(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !decodeOrReject(w, r, &req) {
		return
	}
	lang := middleware.Lang(r)
	if err := h.Auth.ResetPasswordForEmail(r.Context(), req.Email, lang); err != nil {
		writeServiceError(w, r, h.Logger, err)
		return
	}
	writeJSONMessage(w, nil, i18n.T(lang, "auth.reset_sent"))
}

// ConfirmReset handles POST /api/auth/reset/confirm and signs the user in.
func (h *Handler) ConfirmReset(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !decodeOrReject(w, r, &req) {
		return
	}
	sess, err := h.Auth.ResetPassword(r.Context(), req.Token, req.Password)
	if err != nil {
		writeServiceError(w, r, h.Logger, err)
		return
	}
	h.establish(w, r, sess)
}

// UpdatePassword handles PUT /api/auth/password for the signed-in user.
func (h *Handler) UpdatePassword(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !decodeOrReject(w, r, &req) {
		return
	}
	token := middleware.SessionToken(r.Context())
	if err := h.Auth.UpdatePassword(r.Context(), token, req.Password); err != nil {
		writeServiceError(w, r, h.Logger, err)
		return
	}
	writeJSONMessage(w, nil, i18n.T(middleware.Lang(r), "auth.password_updated"))
}

// SignOut handles POST /api/auth/signout. Signing out without a session
// succeeds.
func (h *Handler) SignOut(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if token := middleware.SessionToken(ctx); token != "" {
		if err := h.Auth.SignOut(ctx, token); err != nil && !errors.Is(err, auth.ErrNoSession) {
			writeServiceError(w, r, h.Logger, err)
			return
		}
	}
	if err := session.SignOut(ctx, h.Sessions); err != nil {
		writeServiceError(w, r, h.Logger, err)
		return
	}
	writeJSONMessage(w, nil, i18n.T(middleware.Lang(r), "auth.signed_out"))
}
