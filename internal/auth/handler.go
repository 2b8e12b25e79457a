package auth

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/frahmantamala/library-management/internal"
	"github.com/frahmantamala/library-management/internal/transport"
	"github.com/frahmantamala/library-management/internal/user"
	"github.com/frahmantamala/library-management/pkg/logger"
)

type ServiceAPI interface {
	Login(ctx context.Context, dto LoginDTO) (*LoginResult, error)
	RefreshToken(ctx context.Context, presented string) (*LoginResult, error)
	Logout(ctx context.Context, userID int64, presented string) error
	Session(u *user.User) SessionUser
	EffectivePermissions(u *user.User) []string
	ValidateAccessToken(token string) (*Claims, error)
	GetUser(ctx context.Context, userID int64) (*user.User, error)
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

// Login handles POST /auth/login
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var dto LoginDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		h.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := h.Service.Login(r.Context(), dto)
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}

	h.WriteJSON(w, http.StatusOK, result)
}

// RefreshToken handles POST /auth/refresh
func (h *Handler) RefreshToken(w http.ResponseWriter, r *http.Request) {
	var dto RefreshTokenDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		h.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := dto.Validate(); err != nil {
		h.HandleServiceError(w, err)
		return
	}

	result, err := h.Service.RefreshToken(r.Context(), dto.RefreshToken)
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}

	h.WriteJSON(w, http.StatusOK, RefreshResponse{
		AccessToken:  result.AccessToken,
		RefreshToken: result.RefreshToken,
	})
}

// Logout handles POST /auth/logout. The caller must be authenticated and
// present the refresh token of the session being closed.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	u, ok := user.UserFromContext(r.Context())
	if !ok {
		h.HandleServiceError(w, internal.ErrInvalidToken)
		return
	}

	var dto RefreshTokenDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		h.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := dto.Validate(); err != nil {
		h.HandleServiceError(w, err)
		return
	}

	if err := h.Service.Logout(r.Context(), u.ID, dto.RefreshToken); err != nil {
		appErr, isApp := internal.IsAppError(err)
		if !isApp {
			h.HandleServiceError(w, err)
			return
		}
		h.Logger.Warn("Logout: rejected", "user_id", u.ID, "code", appErr.Code)
		h.WriteJSON(w, appErr.StatusCode, LogoutResponse{Success: false, Message: appErr.Message})
		return
	}

	h.WriteJSON(w, http.StatusOK, LogoutResponse{Success: true, Message: "Logged out successfully"})
}

// Me handles GET /users/me
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	u, ok := user.UserFromContext(r.Context())
	if !ok {
		h.HandleServiceError(w, internal.ErrInvalidToken)
		return
	}

	h.WriteJSON(w, http.StatusOK, MeResponse{
		User:        h.Service.Session(u),
		Permissions: h.Service.EffectivePermissions(u),
	})
}

// AuthMiddleware validates the bearer token and loads the current user from
// storage, so role or denial changes apply before the token expires.
func (h *Handler) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := h.ExtractTokenFromHeader(r)
		if token == "" {
			h.HandleServiceError(w, internal.ErrInvalidToken.WithCause(errors.New("missing bearer token")))
			return
		}

		claims, err := h.Service.ValidateAccessToken(token)
		if err != nil {
			h.HandleServiceError(w, err)
			return
		}

		uid, err := claims.UserID()
		if err != nil {
			h.HandleServiceError(w, internal.ErrInvalidToken.WithCause(err))
			return
		}

		u, err := h.Service.GetUser(r.Context(), uid)
		if err != nil {
			if internal.IsNotFound(err) {
				h.HandleServiceError(w, internal.ErrInvalidToken.WithCause(err))
				return
			}
			h.HandleServiceError(w, err)
			return
		}
		if !u.IsActive {
			h.HandleServiceError(w, internal.ErrInvalidToken.WithCause(errors.New("user is inactive")))
			return
		}

		ctx := user.ContextWithUser(r.Context(), u)
		ctx = internal.ContextWithSession(ctx, internal.Session{UserID: u.ID, TokenID: claims.ID})
		ctx = logger.With(ctx, "user_id", u.ID, "jti", claims.ID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
