package user

import (
	"time"

	"github.com/frahmantamala/library-management/internal"
	"github.com/frahmantamala/library-management/internal/core/common/validation"
	"github.com/frahmantamala/library-management/internal/core/permission"
)

type RegisterUserDTO struct {
	Username string  `json:"username"`
	Email    string  `json:"email"`
	FullName string  `json:"full_name"`
	Password string  `json:"password"`
	RoleIDs  []int64 `json:"role_ids"`
}

func (d RegisterUserDTO) Validate() *internal.AppError {
	v := validation.NewValidator()
	v.Field("username", d.Username).Required().MinLength(3).MaxLength(50)
	v.Field("email", d.Email).Required().MaxLength(254).Email()
	v.Field("full_name", d.FullName).Required().MaxLength(100)
	v.Field("password", d.Password).Required().MinLength(8).MaxLength(72)
	for _, id := range d.RoleIDs {
		v.Field("role_ids", id).MinInt(1, internal.ErrCodeValidationFailed)
	}
	return v.Validate()
}

type AssignRoleDTO struct {
	RoleID int64 `json:"role_id"`
}

func (d AssignRoleDTO) Validate() *internal.AppError {
	v := validation.NewValidator()
	v.Field("role_id", d.RoleID).Required().MinInt(1, internal.ErrCodeValidationFailed)
	return v.Validate()
}

type DenyPermissionDTO struct {
	Permission string `json:"permission"`
}

func (d DenyPermissionDTO) Validate() *internal.AppError {
	v := validation.NewValidator()
	v.Field("permission", d.Permission).Required().PermissionCode()
	return v.Validate()
}

type RoleRef struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type UserResponse struct {
	ID                int64     `json:"id"`
	Username          string    `json:"username"`
	Email             string    `json:"email"`
	FullName          string    `json:"full_name"`
	IsActive          bool      `json:"is_active"`
	Roles             []RoleRef `json:"roles"`
	DeniedPermissions []string  `json:"denied_permissions"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

type DeactivateResponse struct {
	User          UserResponse `json:"user"`
	RevokedTokens int          `json:"revoked_tokens"`
}

func (u *User) ToResponse() UserResponse {
	roles := make([]RoleRef, 0, len(u.roles))
	for _, r := range u.roles {
		roles = append(roles, RoleRef{ID: r.ID, Name: r.Name})
	}
	return UserResponse{
		ID:                u.ID,
		Username:          u.Username,
		Email:             u.Email,
		FullName:          u.FullName,
		IsActive:          u.IsActive,
		Roles:             roles,
		DeniedPermissions: permission.Codes(permission.NewSet(u.deniedPermissions...).Sorted()),
		CreatedAt:         u.CreatedAt,
		UpdatedAt:         u.UpdatedAt,
	}
}
