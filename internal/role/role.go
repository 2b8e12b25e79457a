package role

import (
	"time"

	"github.com/frahmantamala/library-management/internal"
	"github.com/frahmantamala/library-management/internal/core/common/validation"
	roleDatamodel "github.com/frahmantamala/library-management/internal/core/datamodel/role"
	"github.com/frahmantamala/library-management/internal/core/permission"
)

// Role owns its permission set. Users hold copies obtained through Snapshot.
type Role struct {
	ID          int64                   `json:"id"`
	Name        string                  `json:"name"`
	Description string                  `json:"description"`
	Permissions []permission.Permission `json:"permissions"`
	CreatedAt   time.Time               `json:"created_at"`
	UpdatedAt   time.Time               `json:"updated_at"`
}

func NewRole(name, description string, perms ...permission.Permission) (*Role, error) {
	v := validation.NewValidator()
	v.Field("name", name).Required().MinLength(1).MaxLength(50)
	v.Field("description", description).MaxLength(200)
	if err := v.Validate(); err != nil {
		return nil, err
	}

	now := time.Now()
	r := &Role{
		Name:        name,
		Description: description,
		Permissions: make([]permission.Permission, 0, len(perms)),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	for _, p := range perms {
		if err := r.GrantPermission(p); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Role) GrantPermission(p permission.Permission) error {
	if !p.Valid() {
		return internal.NewValidationFieldError("permission", "unknown permission "+p.Code(), internal.ErrCodeInvalidPermission)
	}
	if r.HasPermission(p) {
		return internal.ErrPermissionAlreadyGranted
	}
	r.Permissions = append(r.Permissions, p)
	r.UpdatedAt = time.Now()
	return nil
}

func (r *Role) RevokePermission(p permission.Permission) error {
	for i, existing := range r.Permissions {
		if existing == p {
			r.Permissions = append(r.Permissions[:i], r.Permissions[i+1:]...)
			r.UpdatedAt = time.Now()
			return nil
		}
	}
	return internal.ErrPermissionNotGranted
}

func (r *Role) HasPermission(p permission.Permission) bool {
	return permission.Contains(r.Permissions, p)
}

// Snapshot returns a copy that shares no memory with r.
func (r *Role) Snapshot() Role {
	cp := *r
	cp.Permissions = make([]permission.Permission, len(r.Permissions))
	copy(cp.Permissions, r.Permissions)
	return cp
}

func (r *Role) PermissionCodes() []string {
	return permission.Codes(r.Permissions)
}

func ToDataModel(r *Role) (*roleDatamodel.Role, []roleDatamodel.RolePermission) {
	perms := make([]roleDatamodel.RolePermission, len(r.Permissions))
	for i, p := range r.Permissions {
		perms[i] = roleDatamodel.RolePermission{
			RoleID:  r.ID,
			Feature: string(p.Feature),
			Action:  string(p.Action),
		}
	}
	return &roleDatamodel.Role{
		ID:          r.ID,
		Name:        r.Name,
		Description: r.Description,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}, perms
}

func FromDataModel(r *roleDatamodel.Role, perms []roleDatamodel.RolePermission) *Role {
	out := &Role{
		ID:          r.ID,
		Name:        r.Name,
		Description: r.Description,
		Permissions: make([]permission.Permission, 0, len(perms)),
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
	for _, p := range perms {
		out.Permissions = append(out.Permissions, permission.New(permission.Feature(p.Feature), permission.Action(p.Action)))
	}
	return out
}
