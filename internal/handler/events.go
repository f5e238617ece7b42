package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/qvtbox/qvtbox-go/internal/analytics"
	"github.com/qvtbox/qvtbox-go/internal/i18n"
	"github.com/qvtbox/qvtbox-go/internal/middleware"
)

type eventRequest struct {
	Name       string         `json:"name"`
	Path       string         `json:"path"`
	Referrer   string         `json:"referrer,omitempty"`
	Properties map[string]any `json:"properties,omitempty"`
}

// TrackEvent handles POST /api/events from the web client. Events are
// batched; the response does not wait for the write.
func (h *Handler) TrackEvent(w http.ResponseWriter, r *http.Request) {
	if h.Analytics == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	var req eventRequest
	if !decodeOrReject(w, r, &req) {
		return
	}
	if req.Name == "" {
		req.Name = analytics.EventPageView
	}
	err := h.Analytics.Track(analytics.Event{
		Name:       req.Name,
		Path:       req.Path,
		Referrer:   req.Referrer,
		SessionID:  h.visitorID(r),
		UserAgent:  r.UserAgent(),
		IP:         middleware.ClientIP(r),
		Properties: req.Properties,
		At:         time.Now(),
	})
	switch {
	case err == nil, errors.Is(err, analytics.ErrClosed):
		w.WriteHeader(http.StatusAccepted)
	case errors.Is(err, analytics.ErrInvalidEvent):
		writeJSONError(w, http.StatusBadRequest, i18n.T(middleware.Lang(r), "error.invalid_request"))
	default:
		writeServiceError(w, r, h.Logger, err)
	}
}
