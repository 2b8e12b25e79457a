package auth

import (
	"github.com/frahmantamala/library-management/internal/core/permission"
	"github.com/frahmantamala/library-management/internal/role"
	"github.com/frahmantamala/library-management/internal/user"
)

// AuthorizationService evaluates permissions. A user's explicit denial always
// wins; otherwise a permission is granted when any assigned role grants it.
// It holds no state and never touches storage.
type AuthorizationService struct{}

func NewAuthorizationService() *AuthorizationService {
	return &AuthorizationService{}
}

// IsGranted reports whether the user may perform action on feature. Unknown
// features or actions are never granted.
func (s *AuthorizationService) IsGranted(u *user.User, feature permission.Feature, action permission.Action) bool {
	return s.IsPermissionGranted(u, permission.New(feature, action))
}

func (s *AuthorizationService) IsPermissionGranted(u *user.User, p permission.Permission) bool {
	if u == nil {
		return false
	}
	if u.IsDenied(p) {
		return false
	}
	for _, r := range u.Roles() {
		if r.HasPermission(p) {
			return true
		}
	}
	return false
}

// GetUserPermissions returns the union of role permissions minus denials.
func (s *AuthorizationService) GetUserPermissions(u *user.User) permission.Set {
	if u == nil {
		return permission.NewSet()
	}
	set := s.GetRolePermissions(u)
	for _, d := range u.DeniedPermissions() {
		set.Remove(d)
	}
	return set
}

// GetRolePermissions returns the union of role permissions, ignoring denials.
func (s *AuthorizationService) GetRolePermissions(u *user.User) permission.Set {
	set := permission.NewSet()
	if u == nil {
		return set
	}
	for _, r := range u.Roles() {
		for _, p := range r.Permissions {
			set.Add(p)
		}
	}
	return set
}

// EffectiveRoles returns each role with the user's denials filtered out, in
// assignment order.
func (s *AuthorizationService) EffectiveRoles(u *user.User) []RoleClaim {
	if u == nil {
		return []RoleClaim{}
	}
	roles := u.Roles()
	out := make([]RoleClaim, 0, len(roles))
	for _, r := range roles {
		out = append(out, RoleClaim{
			Name:        r.Name,
			Permissions: permission.Codes(effective(u, r).Sorted()),
		})
	}
	return out
}

func effective(u *user.User, r role.Role) permission.Set {
	set := permission.NewSet()
	for _, p := range r.Permissions {
		if !u.IsDenied(p) {
			set.Add(p)
		}
	}
	return set
}
