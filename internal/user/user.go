package user

import (
	"time"

	"github.com/frahmantamala/library-management/internal"
	"github.com/frahmantamala/library-management/internal/core/common/validation"
	userDatamodel "github.com/frahmantamala/library-management/internal/core/datamodel/user"
	"github.com/frahmantamala/library-management/internal/core/permission"
	"github.com/frahmantamala/library-management/internal/role"
)

// User is the aggregate root for identity, role assignments, explicit
// permission denials and refresh tokens. The collections are only reachable
// through methods that keep them duplicate-free.
type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	FullName     string    `json:"full_name"`
	PasswordHash string    `json:"-"`
	IsActive     bool      `json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`

	version           int64
	roles             []role.Role
	deniedPermissions []permission.Permission
	refreshTokens     []*RefreshToken
}

func NewUser(username, email, fullName, passwordHash string) (*User, error) {
	v := validation.NewValidator()
	v.Field("username", username).Required().MinLength(3).MaxLength(50)
	v.Field("email", email).Required().MaxLength(254).Email()
	v.Field("full_name", fullName).Required().MinLength(1).MaxLength(100)
	v.Field("password_hash", passwordHash).Required()
	if err := v.Validate(); err != nil {
		return nil, err
	}

	now := time.Now()
	return &User{
		Username:     username,
		Email:        email,
		FullName:     fullName,
		PasswordHash: passwordHash,
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// Rehydrate rebuilds a user from stored state.
func Rehydrate(base User, roles []role.Role, denied []permission.Permission, tokens []*RefreshToken) *User {
	u := base
	u.roles = make([]role.Role, 0, len(roles))
	for i := range roles {
		u.roles = append(u.roles, roles[i].Snapshot())
	}
	u.deniedPermissions = append([]permission.Permission(nil), denied...)
	u.refreshTokens = append([]*RefreshToken(nil), tokens...)
	return &u
}

func (u *User) Roles() []role.Role {
	out := make([]role.Role, len(u.roles))
	for i := range u.roles {
		out[i] = u.roles[i].Snapshot()
	}
	return out
}

func (u *User) HasRole(roleID int64) bool {
	for _, r := range u.roles {
		if r.ID == roleID {
			return true
		}
	}
	return false
}

func (u *User) AssignRole(r role.Role) error {
	if u.HasRole(r.ID) {
		return internal.ErrRoleAlreadyAssigned
	}
	u.roles = append(u.roles, r.Snapshot())
	u.touch()
	return nil
}

func (u *User) RemoveRole(roleID int64) error {
	for i, r := range u.roles {
		if r.ID == roleID {
			u.roles = append(u.roles[:i], u.roles[i+1:]...)
			u.touch()
			return nil
		}
	}
	return internal.ErrRoleNotAssigned
}

func (u *User) DeniedPermissions() []permission.Permission {
	return append([]permission.Permission(nil), u.deniedPermissions...)
}

func (u *User) IsDenied(p permission.Permission) bool {
	return permission.Contains(u.deniedPermissions, p)
}

func (u *User) DenyPermission(p permission.Permission) error {
	if !p.Valid() {
		return internal.NewValidationFieldError("permission", "unknown permission "+p.Code(), internal.ErrCodeInvalidPermission)
	}
	if u.IsDenied(p) {
		return internal.ErrPermissionAlreadyDenied
	}
	u.deniedPermissions = append(u.deniedPermissions, p)
	u.touch()
	return nil
}

func (u *User) RemoveDeniedPermission(p permission.Permission) error {
	for i, existing := range u.deniedPermissions {
		if existing == p {
			u.deniedPermissions = append(u.deniedPermissions[:i], u.deniedPermissions[i+1:]...)
			u.touch()
			return nil
		}
	}
	return internal.ErrPermissionNotDenied
}

// RefreshTokens returns a copy of the collection. The tokens themselves are
// shared so the store can record their persisted identity.
func (u *User) RefreshTokens() []*RefreshToken {
	return append([]*RefreshToken(nil), u.refreshTokens...)
}

func (u *User) FindRefreshToken(token string) (*RefreshToken, bool) {
	for _, t := range u.refreshTokens {
		if t.token == token {
			return t, true
		}
	}
	return nil, false
}

func (u *User) AddRefreshToken(t *RefreshToken) error {
	if t == nil {
		return internal.ErrInvalidRefreshToken
	}
	if _, exists := u.FindRefreshToken(t.token); exists {
		return internal.ErrDuplicateRefreshToken
	}
	u.refreshTokens = append(u.refreshTokens, t)
	return nil
}

func (u *User) RevokeRefreshToken(token string, now time.Time) error {
	t, ok := u.FindRefreshToken(token)
	if !ok {
		return internal.ErrRefreshTokenNotFound
	}
	return t.Revoke(now)
}

// RevokeAllValidRefreshTokens revokes every token valid at now and returns how
// many were revoked. Expired or already revoked tokens are left untouched.
func (u *User) RevokeAllValidRefreshTokens(now time.Time) int {
	revoked := 0
	for _, t := range u.refreshTokens {
		if !t.IsValid(now) {
			continue
		}
		if err := t.Revoke(now); err == nil {
			revoked++
		}
	}
	return revoked
}

func (u *User) ActiveRefreshTokens(now time.Time) []*RefreshToken {
	var out []*RefreshToken
	for _, t := range u.refreshTokens {
		if t.IsValid(now) {
			out = append(out, t)
		}
	}
	return out
}

// Deactivate soft-deletes the user and revokes every currently valid refresh token.
func (u *User) Deactivate(now time.Time) int {
	u.IsActive = false
	u.UpdatedAt = now
	return u.RevokeAllValidRefreshTokens(now)
}

func (u *User) Activate(now time.Time) {
	u.IsActive = true
	u.UpdatedAt = now
}

// Version is the stored row version this aggregate was loaded at.
func (u *User) Version() int64 {
	return u.version
}

// MarkStored records the row version after a successful write.
func (u *User) MarkStored(version int64) {
	u.version = version
}

func (u *User) touch() {
	u.UpdatedAt = time.Now()
}

func ToDataModel(u *User) *userDatamodel.User {
	return &userDatamodel.User{
		ID:           u.ID,
		Username:     u.Username,
		Email:        u.Email,
		FullName:     u.FullName,
		PasswordHash: u.PasswordHash,
		IsActive:     u.IsActive,
		Version:      u.version,
		CreatedAt:    u.CreatedAt,
		UpdatedAt:    u.UpdatedAt,
	}
}

func FromDataModel(u *userDatamodel.User) User {
	return User{
		ID:           u.ID,
		Username:     u.Username,
		Email:        u.Email,
		FullName:     u.FullName,
		PasswordHash: u.PasswordHash,
		IsActive:     u.IsActive,
		CreatedAt:    u.CreatedAt,
		UpdatedAt:    u.UpdatedAt,
		version:      u.Version,
	}
}

func TokenFromDataModel(t *userDatamodel.RefreshToken) *RefreshToken {
	return RestoreRefreshToken(t.ID, t.Version, t.Token, t.ExpiresAt, t.RevokedAt, t.IsRememberMe, t.CreatedAt)
}
