// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

package handler

import (
	"errors"
	"net/http"

	"github.com/qvtbox/qvtbox-go/internal/contact"
	"github.com/qvtbox/qvtbox-go/internal/i18n"
	"github.com/qvtbox/qvtbox-go/internal/middleware"
)

// contactFailure tells the client to fall back to the mailto link.
type contactFailure struct {
	Success   bool   `json:"success"`
	Error     string `json:"error"`
	MailtoURL string `json:"mailto_url"`
}

// SubmitContact handles POST /api/contact.
func (h *Handler) SubmitContact(w http.ResponseWriter, r *http.Request) {
	var sub contact.Submission
	if !decodeOrReject(w, r, &sub) {
		return
	}
	lang := middleware.Lang(r)

	res, err := h.Contact.Submit(r.Context(), sub)
	var invalid *contact.ValidationError
	switch {
	case err == nil:
		writeJSONMessage(w, res, i18n.T(lang, "contact.sent"))
	case errors.As(err, &invalid):
		writeServiceError(w, r, h.Logger, err)
	case res.MailtoURL != "":
		writeJSON(w, http.StatusBadGateway, contactFailure{
			Error:     i18n.T(lang, "contact.fallback", h.Contact.Email()),
			MailtoURL: res.MailtoURL,
		})
	default:
		writeServiceError(w, r, h.Logger, err)
	}
}
