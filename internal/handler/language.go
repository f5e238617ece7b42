package handler

import (
	"net/http"
	"strings"

	"github.com/qvtbox/qvtbox-go/internal/i18n"
	"github.com/qvtbox/qvtbox-go/internal/middleware"
)

type languageResponse struct {
	Language  string   `json:"language"`
	Supported []string `json:"supported"`
}

// GetLanguage handles GET /api/language.
func (h *Handler) GetLanguage(w http.ResponseWriter, r *http.Request) {
	writeJSONSuccess(w, languageResponse{
		Language:  middleware.Lang(r),
		Supported: i18n.SupportedLanguages,
	})
}

type languageRequest struct {
	Language string `json:"language"`
}

// SetLanguage handles PUT /api/language and stores the choice for the
// visitor.
func (h *Handler) SetLanguage(w http.ResponseWriter, r *http.Request) {
	var req languageRequest
	if !decodeOrReject(w, r, &req) {
		return
	}
	lang := strings.ToLower(strings.TrimSpace(req.Language))
	if err := h.Languages.Set(r.Context(), h.visitorID(r), lang); err != nil {
		writeServiceError(w, r, h.Logger, err)
		return
	}
	writeJSONSuccess(w, languageResponse{Language: lang, Supported: i18n.SupportedLanguages})
}
