// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/qvtbox/qvtbox-go/internal/auth"
	"github.com/qvtbox/qvtbox-go/internal/i18n"
	"github.com/qvtbox/qvtbox-go/internal/middleware"
	"github.com/qvtbox/qvtbox-go/internal/mood"
)

// rangeParam reads ?from=&to= as inclusive dates.
func rangeParam(r *http.Request) (mood.Range, bool) {
	rg := mood.Range{From: r.URL.Query().Get("from"), To: r.URL.Query().Get("to")}
	for _, d := range []string{rg.From, rg.To} {
		if d == "" {
			continue
		}
		if _, err := time.Parse(time.DateOnly, d); err != nil {
			return mood.Range{}, false
		}
	}
	return rg, true
}

// ListMood handles GET /api/mood.
func (h *Handler) ListMood(w http.ResponseWriter, r *http.Request) {
	rg, ok := rangeParam(r)
	if !ok {
		writeJSONError(w, http.StatusBadRequest, i18n.T(middleware.Lang(r), "error.invalid_request"))
		return
	}
	user, _ := auth.UserFrom(r.Context())
	entries, err := h.Mood.Repository().Entries(r.Context(), user.ID, rg)
	if err != nil {
		writeServiceError(w, r, h.Logger, err)
		return
	}
	writeJSONSuccess(w, entries)
}

// RecordMood handles POST /api/mood. The day's bubble is refreshed with
// the entry.
func (h *Handler) RecordMood(w http.ResponseWriter, r *http.Request) {
	var in mood.Input
	if !decodeOrReject(w, r, &in) {
		return
	}
	user, _ := auth.UserFrom(r.Context())
	entry, err := h.Mood.Record(r.Context(), user.ID, in)
	if err != nil {
		writeServiceError(w, r, h.Logger, err)
		return
	}
	bubble := mood.BubbleFor(entry)
	writeJSONMessage(w, map[string]any{
		"entry":  entry,
		"bubble": bubble,
	}, i18n.T(middleware.Lang(r), bubble.Message))
}

// DeleteMood handles DELETE /api/mood/{id}.
func (h *Handler) DeleteMood(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFrom(r.Context())
	entry, err := h.Mood.Repository().Entry(r.Context(), user.ID, chi.URLParam(r, "id"))
	if err == nil {
		err = h.Mood.Remove(r.Context(), user.ID, entry)
	}
	if err != nil {
		writeServiceError(w, r, h.Logger, err)
		return
	}
	writeJSONSuccess(w, entry)
}

// ListBubbles handles GET /api/mood/bubbles.
func (h *Handler) ListBubbles(w http.ResponseWriter, r *http.Request) {
	rg, ok := rangeParam(r)
	if !ok {
		writeJSONError(w, http.StatusBadRequest, i18n.T(middleware.Lang(r), "error.invalid_request"))
		return
	}
	user, _ := auth.UserFrom(r.Context())
	bubbles, err := h.Mood.Repository().Bubbles(r.Context(), user.ID, rg)
	if err != nil {
		writeServiceError(w, r, h.Logger, err)
		return
	}
	writeJSONSuccess(w, bubbles)
}
