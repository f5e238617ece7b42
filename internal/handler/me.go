package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/qvtbox/qvtbox-go/internal/auth"
	"github.com/qvtbox/qvtbox-go/internal/i18n"
	"github.com/qvtbox/qvtbox-go/internal/middleware"
	"github.com/qvtbox/qvtbox-go/internal/role"
)

// meResponse describes the visitor. User and Role are absent for
// anonymous visitors.
type meResponse struct {
	User         *auth.User        `json:"user,omitempty"`
	Role         *role.Role        `json:"role,omitempty"`
	RoleLabel    string            `json:"role_label,omitempty"`
	Capabilities []role.Capability `json:"capabilities"`
	Language     string            `json:"language"`
}

// Me handles GET /api/me.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	lang := middleware.Lang(r)
	resp := meResponse{Capabilities: []role.Capability{}, Language: lang}

	user, ok := auth.UserFrom(r.Context())
	if !ok {
		writeJSONSuccess(w, resp)
		return
	}
	eff, err := h.Roles.Resolve(r.Context(), user.ID)
	if err != nil {
		writeServiceError(w, r, h.Logger, err)
		return
	}
	resp.User = &user
	resp.Role = &eff
	resp.RoleLabel = i18n.T(lang, "role."+eff.String())
	resp.Capabilities = eff.Capabilities()
	writeJSONSuccess(w, resp)
}

type assignRoleRequest struct {
	Role string `json:"role"`
}

// AssignRole handles PUT /api/roles/{userID}. The stored value is the
// canonical role name; unknown names are rejected.
func (h *Handler) AssignRole(w http.ResponseWriter, r *http.Request) {
	var req assignRoleRequest
	if !decodeOrReject(w, r, &req) {
		return
	}
	target, ok := role.Parse(req.Role)
	if !ok {
		writeJSONFields(w, i18n.T(middleware.Lang(r), "error.invalid_request"), map[string]string{"role": "unknown"})
		return
	}
	userID := chi.URLParam(r, "userID")
	a, err := h.RoleRepo.Assign(r.Context(), userID, target)
	if err != nil {
		writeServiceError(w, r, h.Logger, err)
		return
	}
	admin, _ := auth.UserFrom(r.Context())
	h.Logger.Info("role assigned", "user_id", userID, "role", target.String(), "by", admin.ID)
	writeJSONSuccess(w, a)
}
