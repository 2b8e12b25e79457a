package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/frahmantamala/library-management/internal"
	"github.com/frahmantamala/library-management/internal/core/events"
	"github.com/frahmantamala/library-management/internal/core/metrics"
	"github.com/frahmantamala/library-management/internal/core/permission"
	"github.com/frahmantamala/library-management/internal/user"
)

const (
	opLogin   = "login"
	opRefresh = "refresh"
	opLogout  = "logout"

	// sessionWriteAttempts bounds the reload-and-retry loop on a user
	// version conflict.
	sessionWriteAttempts = 3

	unknownUserPassword = "unknown-user-placeholder-password"
)

// Service runs the session use cases: login, refresh token rotation and logout.
type Service struct {
	users         user.RepositoryAPI
	hasher        PasswordHasher
	tokens        TokenIssuer
	authz         *AuthorizationService
	publisher     EventPublisher
	refreshTTL    time.Duration
	rememberMeTTL time.Duration
	logger        *slog.Logger
	now           func() time.Time

	// unknownUserDigest is verified against when the username does not
	// exist, so both failure paths cost one hash comparison.
	unknownUserDigest string
}

type ServiceOption func(*Service)

// WithServiceClock overrides the time source (useful for tests).
func WithServiceClock(fn func() time.Time) ServiceOption {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

func NewService(
	users user.RepositoryAPI,
	hasher PasswordHasher,
	tokens TokenIssuer,
	authz *AuthorizationService,
	publisher EventPublisher,
	cfg internal.SecurityConfig,
	logger *slog.Logger,
	opts ...ServiceOption,
) *Service {
	s := &Service{
		users:         users,
		hasher:        hasher,
		tokens:        tokens,
		authz:         authz,
		publisher:     publisher,
		refreshTTL:    cfg.RefreshTokenDuration,
		rememberMeTTL: cfg.RememberMeDuration,
		logger:        logger,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	digest, err := hasher.Hash(unknownUserPassword)
	if err != nil {
		logger.Warn("failed to prepare unknown-user digest", "error", err)
	}
	s.unknownUserDigest = digest
	return s
}

// Login checks credentials and opens a new session. Unknown users, wrong
// passwords and inactive accounts all surface as ErrInvalidCredentials.
func (s *Service) Login(ctx context.Context, dto LoginDTO) (*LoginResult, error) {
	if err := dto.Validate(); err != nil {
		return nil, err
	}

	u, err := s.users.FindByUsername(ctx, dto.Username)
	if err != nil {
		if errors.Is(err, internal.ErrUserNotFound) {
			s.hasher.Verify(dto.Password, s.unknownUserDigest)
			s.loginFailed(dto.Username, "unknown username")
			return nil, internal.ErrInvalidCredentials
		}
		metrics.ObserveSession(opLogin, metrics.ResultError)
		return nil, fmt.Errorf("failed to load user: %w", err)
	}

	if !s.hasher.Verify(dto.Password, u.PasswordHash) {
		s.loginFailed(dto.Username, "password mismatch")
		return nil, internal.ErrInvalidCredentials
	}

	for attempt := 1; ; attempt++ {
		if !u.IsActive {
			s.loginFailed(dto.Username, "user is inactive")
			return nil, internal.ErrInvalidCredentials
		}

		result, err := s.openSession(ctx, u, dto.RememberMe)
		if err == nil {
			metrics.ObserveSession(opLogin, metrics.ResultSuccess)
			s.logger.Info("user logged in", "user_id", u.ID, "remember_me", dto.RememberMe)
			return result, nil
		}
		if !errors.Is(err, internal.ErrUserVersionConflict) || attempt == sessionWriteAttempts {
			metrics.ObserveSession(opLogin, metrics.ResultError)
			return nil, err
		}

		s.logger.Warn("login write conflict, retrying", "user_id", u.ID, "attempt", attempt)
		if u, err = s.users.GetByID(ctx, u.ID); err != nil {
			metrics.ObserveSession(opLogin, metrics.ResultError)
			return nil, fmt.Errorf("failed to reload user: %w", err)
		}
	}
}

func (s *Service) openSession(ctx context.Context, u *user.User, rememberMe bool) (*LoginResult, error) {
	refresh, err := s.newRefreshToken(rememberMe, s.now())
	if err != nil {
		return nil, err
	}
	if err := u.AddRefreshToken(refresh); err != nil {
		return nil, err
	}
	return s.issue(ctx, u, refresh)
}

// RefreshToken rotates a refresh token. The presented token is revoked and a
// new one with the same remember-me flag is issued in the same write. A token
// that is already revoked, or that loses a concurrent rotation, is treated as
// a replay. A write that loses to an unrelated change of the same user is
// reloaded and retried.
func (s *Service) RefreshToken(ctx context.Context, presented string) (*LoginResult, error) {
	if presented == "" {
		return nil, internal.ErrInvalidToken
	}

	for attempt := 1; ; attempt++ {
		result, err := s.rotate(ctx, presented)
		if !errors.Is(err, internal.ErrUserVersionConflict) {
			return result, err
		}
		if attempt == sessionWriteAttempts {
			metrics.ObserveSession(opRefresh, metrics.ResultError)
			return nil, err
		}
		s.logger.Warn("refresh write conflict, retrying", "attempt", attempt)
	}
}

func (s *Service) rotate(ctx context.Context, presented string) (*LoginResult, error) {
	u, err := s.users.FindByRefreshToken(ctx, presented)
	if err != nil {
		if errors.Is(err, internal.ErrRefreshTokenNotFound) {
			metrics.ObserveSession(opRefresh, metrics.ResultFailure)
			return nil, internal.ErrInvalidToken
		}
		metrics.ObserveSession(opRefresh, metrics.ResultError)
		return nil, fmt.Errorf("failed to load token owner: %w", err)
	}

	if !u.IsActive {
		s.logger.Warn("refresh rejected: user is inactive", "user_id", u.ID)
		metrics.ObserveSession(opRefresh, metrics.ResultFailure)
		return nil, internal.ErrInvalidToken
	}

	current, ok := u.FindRefreshToken(presented)
	if !ok {
		metrics.ObserveSession(opRefresh, metrics.ResultFailure)
		return nil, internal.ErrInvalidToken
	}

	now := s.now()
	if current.IsRevoked() {
		s.replayDetected(u.ID, "token already revoked")
		return nil, internal.ErrTokenRevoked
	}
	if current.IsExpired(now) {
		metrics.ObserveSession(opRefresh, metrics.ResultFailure)
		return nil, internal.ErrTokenExpired
	}

	next, err := s.newRefreshToken(current.IsRememberMe(), now)
	if err != nil {
		metrics.ObserveSession(opRefresh, metrics.ResultError)
		return nil, err
	}
	if err := current.Revoke(now); err != nil {
		s.replayDetected(u.ID, "token already revoked")
		return nil, internal.ErrTokenRevoked.WithCause(err)
	}
	if err := u.AddRefreshToken(next); err != nil {
		metrics.ObserveSession(opRefresh, metrics.ResultError)
		return nil, err
	}

	result, err := s.issue(ctx, u, next)
	if err != nil {
		switch {
		case errors.Is(err, internal.ErrTokenAlreadyRevoked):
			s.replayDetected(u.ID, "lost concurrent rotation")
			return nil, internal.ErrTokenRevoked.WithCause(err)
		case errors.Is(err, internal.ErrUserVersionConflict):
			return nil, err
		}
		metrics.ObserveSession(opRefresh, metrics.ResultError)
		return nil, err
	}

	metrics.ObserveSession(opRefresh, metrics.ResultSuccess)
	metrics.ObserveRevoked(metrics.ReasonRotation, 1)
	s.logger.Info("refresh token rotated", "user_id", u.ID, "remember_me", next.IsRememberMe())
	return result, nil
}

// Logout revokes the presented token right away and leaves the other devices
// to the UserLoggedOutEvent subscriber.
func (s *Service) Logout(ctx context.Context, userID int64, presented string) error {
	var (
		u   *user.User
		now time.Time
	)
	for attempt := 1; ; attempt++ {
		var err error
		u, err = s.users.GetByID(ctx, userID)
		if err != nil {
			metrics.ObserveSession(opLogout, metrics.ResultFailure)
			return err
		}

		now = s.now()
		if err := u.RevokeRefreshToken(presented, now); err != nil {
			metrics.ObserveSession(opLogout, metrics.ResultFailure)
			return err
		}

		if err := ctx.Err(); err != nil {
			return err
		}
		err = s.users.Update(ctx, u)
		if err == nil {
			break
		}
		if !errors.Is(err, internal.ErrUserVersionConflict) || attempt == sessionWriteAttempts {
			metrics.ObserveSession(opLogout, metrics.ResultError)
			return err
		}
		s.logger.Warn("logout write conflict, retrying", "user_id", userID, "attempt", attempt)
	}
	metrics.ObserveSession(opLogout, metrics.ResultSuccess)
	metrics.ObserveRevoked(metrics.ReasonLogout, 1)

	// The logout is committed; fan-out must not die with the request.
	event := events.NewUserLoggedOutEvent(u.ID, now)
	if err := s.publisher.Publish(context.WithoutCancel(ctx), event); err != nil {
		s.logger.Error("failed to publish logout event", "user_id", u.ID, "event_id", event.EventID(), "error", err)
	}

	s.logger.Info("user logged out", "user_id", u.ID, "event_id", event.EventID())
	return nil
}

// Session returns the summary of the given user as seen by a fresh login.
func (s *Service) Session(u *user.User) SessionUser {
	return SessionUser{
		ID:       u.ID,
		Username: u.Username,
		Email:    u.Email,
		FullName: u.FullName,
		Roles:    s.authz.EffectiveRoles(u),
	}
}

// EffectivePermissions lists the user's permission codes after denials.
func (s *Service) EffectivePermissions(u *user.User) []string {
	return permission.Codes(s.authz.GetUserPermissions(u).Sorted())
}

func (s *Service) ValidateAccessToken(token string) (*Claims, error) {
	return s.tokens.ValidateToken(token)
}

func (s *Service) GetUser(ctx context.Context, userID int64) (*user.User, error) {
	return s.users.GetByID(ctx, userID)
}

func (s *Service) newRefreshToken(rememberMe bool, now time.Time) (*user.RefreshToken, error) {
	value, err := s.tokens.GenerateRefreshToken()
	if err != nil {
		return nil, internal.NewInternalError("failed to generate refresh token", err)
	}
	ttl := s.refreshTTL
	if rememberMe {
		ttl = s.rememberMeTTL
	}
	return user.NewRefreshToken(value, now.Add(ttl), rememberMe, now)
}

// issue persists the aggregate and mints the access token for it.
func (s *Service) issue(ctx context.Context, u *user.User, refresh *user.RefreshToken) (*LoginResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.users.Update(ctx, u); err != nil {
		return nil, err
	}

	access, err := s.tokens.GenerateAccessToken(u)
	if err != nil {
		return nil, internal.NewInternalError("failed to generate access token", err)
	}

	return &LoginResult{
		TokenPair: TokenPair{
			AccessToken:  access,
			RefreshToken: refresh.Token(),
		},
		User: s.Session(u),
	}, nil
}

func (s *Service) loginFailed(username, reason string) {
	metrics.ObserveSession(opLogin, metrics.ResultFailure)
	s.logger.Warn("login failed", "username", username, "reason", reason)
}

func (s *Service) replayDetected(userID int64, reason string) {
	metrics.ObserveSession(opRefresh, metrics.ResultFailure)
	metrics.ObserveReplay()
	s.logger.Warn("refresh token replay detected", "user_id", userID, "reason", reason)
}
