package auth

import (
	"log/slog"
	"net/http"

	"github.com/frahmantamala/library-management/internal"
	"github.com/frahmantamala/library-management/internal/core/metrics"
	"github.com/frahmantamala/library-management/internal/core/permission"
	"github.com/frahmantamala/library-management/internal/transport"
	"github.com/frahmantamala/library-management/internal/user"
)

// RBACAuthorization guards routes with a single permission. It answers 401
// when no user is on the context and 403 when the user lacks the permission.
type RBACAuthorization struct {
	*transport.BaseHandler
	authz *AuthorizationService
}

func NewRBACAuthorization(authz *AuthorizationService, logger *slog.Logger) *RBACAuthorization {
	return &RBACAuthorization{
		BaseHandler: transport.NewBaseHandler(logger),
		authz:       authz,
	}
}

func (ra *RBACAuthorization) Check(next http.HandlerFunc, p permission.Permission) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		u, ok := user.UserFromContext(r.Context())
		if !ok {
			ra.Logger.Warn("authorization check failed: user not found in context", "permission", p.Code())
			ra.HandleServiceError(w, internal.ErrInvalidToken)
			return
		}

		granted := ra.authz.IsPermissionGranted(u, p)
		metrics.ObserveDecision(p.Code(), granted)
		if !granted {
			session, _ := internal.SessionFromContext(r.Context())
			ra.Logger.WarnContext(r.Context(), "access denied: insufficient permissions",
				"user_id", u.ID,
				"jti", session.TokenID,
				"required_permission", p.Code(),
				"denied", u.IsDenied(p))
			ra.HandleServiceError(w, internal.ErrInsufficientPermissions)
			return
		}

		next.ServeHTTP(w, r)
	}
}

func (ra *RBACAuthorization) RequirePermission(feature permission.Feature, action permission.Action) func(http.Handler) http.Handler {
	p := permission.New(feature, action)
	return func(next http.Handler) http.Handler {
		return ra.Check(next.ServeHTTP, p)
	}
}
