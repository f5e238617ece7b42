// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/qvtbox/qvtbox-go/internal/auth"
	"github.com/qvtbox/qvtbox-go/internal/content"
	"github.com/qvtbox/qvtbox-go/internal/entity"
)

// Where a slot value came from.
const (
	SlotSourceContent  = "content"
	SlotSourceDefault  = "default"
	SlotSourceFallback = "fallback"
)

type slotResponse struct {
	Page    string `json:"page"`
	Section string `json:"section"`
	Key     string `json:"key"`
	Value   string `json:"value"`
	Source  string `json:"source"`
}

type contentRequest struct {
	Type  content.Type    `json:"content_type"`
	Value json.RawMessage `json:"content_value"`
}

func slotParam(r *http.Request) content.Slot {
	return content.Slot{
		Page:    chi.URLParam(r, "page"),
		Section: chi.URLParam(r, "section"),
		Key:     chi.URLParam(r, "key"),
	}
}

// GetPage handles GET /api/content/{page}.
func (h *Handler) GetPage(w http.ResponseWriter, r *http.Request) {
	items, err := h.Content.ListPage(r.Context(), chi.URLParam(r, "page"))
	if err != nil {
		writeServiceError(w, r, h.Logger, err)
		return
	}
	writeJSONSuccess(w, items)
}

// GetSlot handles GET /api/content/{page}/{section}/{key}?fallback=. The
// value is the stored item, else the declared default of the slot, else the
// fallback parameter.
func (h *Handler) GetSlot(w http.ResponseWriter, r *http.Request) {
	slot := slotParam(r)
	fallback := r.URL.Query().Get("fallback")

	// One fetch, no change feed: the answer is a point-in-time read.
	hook, err := content.NewHook(h.Content, nil, entity.Options{Logger: h.Logger})
	if err != nil {
		writeServiceError(w, r, h.Logger, err)
		return
	}
	defer hook.Teardown()
	if err := hook.Start(r.Context(), slot.Page); err != nil {
		writeServiceError(w, r, h.Logger, err)
		return
	}
	hook.Settle()
	if err := hook.Snapshot().Err; err != nil {
		writeServiceError(w, r, h.Logger, err)
		return
	}

	defaults := content.Defaults(slot.Page)
	store := content.NewStore(h.Content, hook, defaults)
	key := slot.Section + "." + slot.Key
	resp := slotResponse{
		Page:    slot.Page,
		Section: slot.Section,
		Key:     slot.Key,
		Value:   store.GetValue(key, fallback),
		Source:  SlotSourceFallback,
	}
	if _, ok := store.Lookup(key); ok {
		resp.Source = SlotSourceContent
	} else if _, ok := defaults[key]; ok {
		resp.Source = SlotSourceDefault
	}
	writeJSONSuccess(w, resp)
}

// PutContent handles PUT /api/content/{page}/{section}/{key}.
func (h *Handler) PutContent(w http.ResponseWriter, r *http.Request) {
	var req contentRequest
	if !decodeOrReject(w, r, &req) {
		return
	}
	user, _ := auth.UserFrom(r.Context())

	item, err := h.Content.UpsertByKey(r.Context(), slotParam(r), req.Type, req.Value, user.ID)
	if err != nil {
		writeServiceError(w, r, h.Logger, err)
		return
	}
	h.Logger.Info("content updated", "slot", item.Slot().String(), "user_id", user.ID)
	writeJSONSuccess(w, item)
}

// DeleteContent handles DELETE /api/content/{page}/{section}/{key}.
func (h *Handler) DeleteContent(w http.ResponseWriter, r *http.Request) {
	slot := slotParam(r)
	item, err := h.Content.Delete(r.Context(), slot)
	if err != nil {
		writeServiceError(w, r, h.Logger, err)
		return
	}
	user, _ := auth.UserFrom(r.Context())
	h.Logger.Info("content deleted", "slot", slot.String(), "user_id", user.ID)
	writeJSONSuccess(w, item)
}
