// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/qvtbox/qvtbox-go/internal/auth"
	"github.com/qvtbox/qvtbox-go/internal/cart"
	"github.com/qvtbox/qvtbox-go/internal/contact"
	"github.com/qvtbox/qvtbox-go/internal/content"
	"github.com/qvtbox/qvtbox-go/internal/gateway"
	"github.com/qvtbox/qvtbox-go/internal/i18n"
	"github.com/qvtbox/qvtbox-go/internal/middleware"
	"github.com/qvtbox/qvtbox-go/internal/mood"
	"github.com/qvtbox/qvtbox-go/internal/storage"
)

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 1 << 20

// response is the success envelope.
type response struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
}

// errorResponse is the failure envelope. Fields carries per-field
// validation messages.
type errorResponse struct {
	Success bool              `json:"success"`
	Error   string            `json:"error"`
	Fields  map[string]string `json:"fields,omitempty"`
}

func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(v)
}

// writeJSONSuccess writes a 200 response wrapping data.
func writeJSONSuccess(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, response{Success: true, Data: data})
}

// writeJSONCreated writes a 201 response wrapping data.
func writeJSONCreated(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusCreated, response{Success: true, Data: data})
}

// writeJSONMessage writes a 200 response with a user-facing message.
func writeJSONMessage(w http.ResponseWriter, data any, message string) {
	writeJSON(w, http.StatusOK, response{Success: true, Data: data, Message: message})
}

// writeJSONError writes a JSON error response.
func writeJSONError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, errorResponse{Error: message})
}

func writeJSONFields(w http.ResponseWriter, message string, fields map[string]string) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: message, Fields: fields})
}

// decodeJSON reads a bounded JSON body into dst.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return fmt.Errorf("decoding request body: %w", err)
	}
	return nil
}

// decodeOrReject decodes the body and writes a 400 on failure.
func decodeOrReject(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := decodeJSON(w, r, dst); err != nil {
		writeJSONError(w, http.StatusBadRequest, i18n.T(middleware.Lang(r), "error.invalid_request"))
		return false
	}
	return true
}

// writeServiceError maps a domain or gateway error to a response.
// Unexpected errors are logged and reported as 500.
func writeServiceError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	lang := middleware.Lang(r)
	t := func(key string, args ...any) string { return i18n.T(lang, key, args...) }

	var (
		moodErr    *mood.ValidationError
		contactErr *contact.ValidationError
		contentErr *content.ValidationError
		storageErr *storage.ValidationError
	)
	switch {
	case errors.As(err, &moodErr):
		writeJSONFields(w, t("error.invalid_request"), moodErr.Fields)
	case errors.As(err, &contactErr):
		writeJSONFields(w, t("contact.invalid"), contactErr.Fields)
	case errors.As(err, &contentErr):
		writeJSONFields(w, t("error.invalid_request"), map[string]string{contentErr.Field: contentErr.Reason})
	case errors.As(err, &storageErr):
		status := http.StatusBadRequest
		if storageErr.Reason == storage.ReasonTooLarge {
			status = http.StatusRequestEntityTooLarge
		}
		writeJSONError(w, status, t(storageErr.MessageKey()))

	case errors.Is(err, auth.ErrNoSession):
		writeJSONError(w, http.StatusUnauthorized, t("error.unauthorized"))
	case errors.Is(err, auth.ErrInvalidCredentials):
		writeJSONError(w, http.StatusUnauthorized, t("auth.invalid_credentials"))
	case errors.Is(err, auth.ErrInvalidCode), errors.Is(err, auth.ErrInvalidToken):
		writeJSONError(w, http.StatusUnauthorized, t("auth.invalid_code"))
	case errors.Is(err, auth.ErrWeakPassword):
		writeJSONFields(w, t("auth.weak_password"), map[string]string{"password": t("auth.weak_password")})
	case errors.Is(err, auth.ErrInvalidEmail):
		writeJSONFields(w, t("error.invalid_request"), map[string]string{"email": "invalid"})

	case errors.Is(err, mood.ErrNotOwner):
		writeJSONError(w, http.StatusForbidden, t("error.forbidden"))
	case errors.Is(err, cart.ErrInvalidPrice), errors.Is(err, cart.ErrInvalidQuantity),
		errors.Is(err, storage.ErrInvalidObject), errors.Is(err, i18n.ErrUnsupported),
		errors.Is(err, gateway.ErrInvalidQuery):
		writeJSONError(w, http.StatusBadRequest, t("error.invalid_request"))
	case errors.Is(err, gateway.ErrNotFound), errors.Is(err, cart.ErrUnknownItem),
		errors.Is(err, storage.ErrObjectNotFound):
		writeJSONError(w, http.StatusNotFound, t("error.not_found"))
	case errors.Is(err, gateway.ErrConflict), errors.Is(err, storage.ErrObjectExists):
		writeJSONError(w, http.StatusConflict, t("error.conflict"))
	case errors.Is(err, gateway.ErrUnavailable), errors.Is(err, context.DeadlineExceeded):
		logger.Warn("backend unavailable", "path", r.URL.Path, "error", err)
		writeJSONError(w, http.StatusServiceUnavailable, t("error.unavailable"))
	default:
		logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeJSONError(w, http.StatusInternalServerError, t("error.internal"))
	}
}
