package role

import (
	"time"

	"github.com/frahmantamala/library-management/internal"
	"github.com/frahmantamala/library-management/internal/core/common/validation"
	"github.com/frahmantamala/library-management/internal/core/permission"
)

type CreateRoleDTO struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Permissions []string `json:"permissions"`
}

func (d CreateRoleDTO) Validate() *internal.AppError {
	v := validation.NewValidator()
	v.Field("name", d.Name).Required().MaxLength(50)
	v.Field("description", d.Description).MaxLength(200)
	for _, code := range d.Permissions {
		v.Field("permissions", code).Required().PermissionCode()
	}
	return v.Validate()
}

type PermissionDTO struct {
	Permission string `json:"permission"`
}

func (d PermissionDTO) Validate() *internal.AppError {
	v := validation.NewValidator()
	v.Field("permission", d.Permission).Required().PermissionCode()
	return v.Validate()
}

type RoleResponse struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Permissions []string  `json:"permissions"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type RolesResponse struct {
	Roles []RoleResponse `json:"roles"`
}

type PermissionsResponse struct {
	Permissions []string `json:"permissions"`
}

func (r *Role) ToResponse() RoleResponse {
	return RoleResponse{
		ID:          r.ID,
		Name:        r.Name,
		Description: r.Description,
		Permissions: permission.Codes(permission.NewSet(r.Permissions...).Sorted()),
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
}
