package role

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"github.com/frahmantamala/library-management/internal/core/permission"
	"github.com/frahmantamala/library-management/internal/transport"
	"github.com/frahmantamala/library-management/pkg/logger"
	"github.com/go-chi/chi"
)

type ServiceAPI interface {
	Create(ctx context.Context, dto CreateRoleDTO) (*Role, error)
	GetByID(ctx context.Context, id int64) (*Role, error)
	List(ctx context.Context) ([]*Role, error)
	GrantPermission(ctx context.Context, roleID int64, code string) (*Role, error)
	RevokePermission(ctx context.Context, roleID int64, code string) (*Role, error)
}

type Handler struct {
	*transport.BaseHandler
	Service ServiceAPI
}

func NewHandler(svc ServiceAPI) *Handler {
	lg := logger.LoggerWrapper()
	if lg == nil {
		lg = slog.Default()
	}
	return &Handler{
		BaseHandler: transport.NewBaseHandler(lg),
		Service:     svc,
	}
}

func (h *Handler) ListRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := h.Service.List(r.Context())
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}

	resp := RolesResponse{Roles: make([]RoleResponse, 0, len(roles))}
	for _, role := range roles {
		resp.Roles = append(resp.Roles, role.ToResponse())
	}
	h.WriteJSON(w, http.StatusOK, resp)
}

func (h *Handler) CreateRole(w http.ResponseWriter, r *http.Request) {
	var dto CreateRoleDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		h.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	role, err := h.Service.Create(r.Context(), dto)
	if err != nil {
		h.Logger.Warn("CreateRole: service error", "name", dto.Name, "error", err)
		h.HandleServiceError(w, err)
		return
	}

	h.WriteJSON(w, http.StatusCreated, role.ToResponse())
}

func (h *Handler) GetRole(w http.ResponseWriter, r *http.Request) {
	id, ok := h.roleID(w, r)
	if !ok {
		return
	}

	role, err := h.Service.GetByID(r.Context(), id)
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}

	h.WriteJSON(w, http.StatusOK, role.ToResponse())
}

func (h *Handler) GrantPermission(w http.ResponseWriter, r *http.Request) {
	id, ok := h.roleID(w, r)
	if !ok {
		return
	}

	var dto PermissionDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		h.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := dto.Validate(); err != nil {
		h.HandleServiceError(w, err)
		return
	}

	role, err := h.Service.GrantPermission(r.Context(), id, dto.Permission)
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}

	h.WriteJSON(w, http.StatusOK, role.ToResponse())
}

func (h *Handler) RevokePermission(w http.ResponseWriter, r *http.Request) {
	id, ok := h.roleID(w, r)
	if !ok {
		return
	}

	code, err := url.PathUnescape(chi.URLParam(r, "code"))
	if err != nil {
		h.WriteError(w, http.StatusBadRequest, "invalid permission code")
		return
	}

	role, err := h.Service.RevokePermission(r.Context(), id, code)
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}

	h.WriteJSON(w, http.StatusOK, role.ToResponse())
}

// ListPermissions handles GET /permissions
func (h *Handler) ListPermissions(w http.ResponseWriter, r *http.Request) {
	h.WriteJSON(w, http.StatusOK, PermissionsResponse{
		Permissions: permission.Codes(permission.All()),
	})
}

func (h *Handler) roleID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	idStr := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil || id <= 0 {
		h.WriteError(w, http.StatusBadRequest, "invalid role ID")
		return 0, false
	}
	return id, true
}
