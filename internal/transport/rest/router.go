package rest

import (
	"database/sql"
	"log/slog"
	"net/http"

	"github.com/frahmantamala/library-management/internal"
	"github.com/frahmantamala/library-management/internal/auth"
	"github.com/frahmantamala/library-management/internal/core/metrics"
	"github.com/frahmantamala/library-management/internal/core/permission"
	"github.com/frahmantamala/library-management/internal/role"
	"github.com/frahmantamala/library-management/internal/transport/middleware"
	"github.com/frahmantamala/library-management/internal/transport/swagger"
	"github.com/frahmantamala/library-management/internal/user"
	"github.com/go-chi/chi"
)

// Handlers groups what the router mounts. Validator may be nil when no API
// document is configured.
type Handlers struct {
	Auth         *auth.Handler
	RBAC         *auth.RBACAuthorization
	User         *user.Handler
	Role         *role.Handler
	Validator    *middleware.OpenAPIValidator
	HealthChecks []HealthCheck
}

func RegisterAllRoutes(router *chi.Mux, db *sql.DB, cfg *internal.Config, h Handlers, logger *slog.Logger) {
	healthHandler := NewHealthHandler(db, h.HealthChecks...)
	limiter := middleware.NewRateLimiter(cfg.Security.LoginRatePerSecond, cfg.Security.LoginRateBurst, logger,
		middleware.WithTrustedProxies(cfg.Security.TrustedProxyList()...))
	require := h.RBAC.RequirePermission

	// Apply global middleware
	router.Use(middleware.CORS(cfg.Server.AllowedOrigins))
	router.Use(middleware.RequestID)
	router.Use(middleware.LoggingMiddleware(logger))
	router.Use(middleware.RecoveryMiddleware(logger))
	if cfg.Observability.Metrics.Enabled {
		router.Use(metrics.Instrument)
		router.Handle(metricsPath(cfg), metrics.Handler())
	}

	// Serve OpenAPI spec at root (outside API prefix)
	openAPIPath := cfg.Server.OpenAPIPath
	if openAPIPath == "" {
		openAPIPath = "./api/openapi.yml"
	}
	router.Get(swagger.DocumentPath, func(w http.ResponseWriter, r *http.Request) {
		http.ServeFile(w, r, openAPIPath)
	})
	router.Handle("/swagger/*", swagger.Handler())

	// Mount API under /api/v1 to match the OpenAPI paths
	router.Route("/api/v1", func(r chi.Router) {
		if h.Validator != nil {
			r.Use(h.Validator.Validate)
		}

		r.Get("/health", healthHandler.healthCheckHandler)
		r.Get("/ping", healthHandler.pingHandler)

		r.Route("/auth", func(ar chi.Router) {
			ar.With(limiter.Limit).Post("/login", h.Auth.Login)
			ar.With(limiter.Limit).Post("/refresh", h.Auth.RefreshToken)
			ar.With(h.Auth.AuthMiddleware).Post("/logout", h.Auth.Logout)
		})

		// Protected routes that require authentication
		r.Group(func(pr chi.Router) {
			pr.Use(h.Auth.AuthMiddleware)

			pr.Get("/users/me", h.Auth.Me)

			pr.Route("/users", func(ur chi.Router) {
				ur.With(require(permission.FeatureUser, permission.ActionCreate)).Post("/", h.User.CreateUser)
				ur.With(require(permission.FeatureUser, permission.ActionRead)).Get("/{id}", h.User.GetUser)
				ur.With(require(permission.FeatureUser, permission.ActionUpdate)).Post("/{id}/roles", h.User.AssignRole)
				ur.With(require(permission.FeatureUser, permission.ActionUpdate)).Delete("/{id}/roles/{roleID}", h.User.RemoveRole)
				ur.With(require(permission.FeaturePermission, permission.ActionUpdate)).Post("/{id}/denied-permissions", h.User.DenyPermission)
				ur.With(require(permission.FeaturePermission, permission.ActionUpdate)).Delete("/{id}/denied-permissions/{code}", h.User.AllowPermission)
				ur.With(require(permission.FeatureUser, permission.ActionDelete)).Post("/{id}/deactivate", h.User.Deactivate)
				ur.With(require(permission.FeatureUser, permission.ActionUpdate)).Post("/{id}/activate", h.User.Activate)
			})

			pr.Route("/roles", func(rr chi.Router) {
				rr.With(require(permission.FeatureRole, permission.ActionRead)).Get("/", h.Role.ListRoles)
				rr.With(require(permission.FeatureRole, permission.ActionCreate)).Post("/", h.Role.CreateRole)
				rr.With(require(permission.FeatureRole, permission.ActionRead)).Get("/{id}", h.Role.GetRole)
				rr.With(require(permission.FeatureRole, permission.ActionUpdate)).Post("/{id}/permissions", h.Role.GrantPermission)
				rr.With(require(permission.FeatureRole, permission.ActionUpdate)).Delete("/{id}/permissions/{code}", h.Role.RevokePermission)
			})

			pr.With(require(permission.FeaturePermission, permission.ActionRead)).Get("/permissions", h.Role.ListPermissions)
		})
	})
}

func metricsPath(cfg *internal.Config) string {
	if cfg.Observability.Metrics.Path == "" {
		return "/metrics"
	}
	return cfg.Observability.Metrics.Path
}
