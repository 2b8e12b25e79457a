package user

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/frahmantamala/library-management/internal"
	"github.com/frahmantamala/library-management/internal/core/metrics"
	"github.com/frahmantamala/library-management/internal/core/permission"
	"github.com/frahmantamala/library-management/internal/role"
)

const writeAttempts = 3

// RepositoryAPI is the user store. Every Update is one transactional unit of
// work covering the user row, role links, denials and refresh tokens, and
// fails with internal.ErrUserVersionConflict when the row moved on since the
// user was loaded.
type RepositoryAPI interface {
	FindByUsername(ctx context.Context, username string) (*User, error)
	FindByRefreshToken(ctx context.Context, token string) (*User, error)
	GetByID(ctx context.Context, id int64) (*User, error)
	Add(ctx context.Context, u *User) error
	Update(ctx context.Context, u *User) error
}

type RoleReader interface {
	GetByID(ctx context.Context, id int64) (*role.Role, error)
}

type Hasher interface {
	Hash(plain string) (string, error)
}

type Service struct {
	repo   RepositoryAPI
	roles  RoleReader
	hasher Hasher
	logger *slog.Logger
	now    func() time.Time
}

func NewService(repo RepositoryAPI, roles RoleReader, hasher Hasher, logger *slog.Logger) *Service {
	return &Service{
		repo:   repo,
		roles:  roles,
		hasher: hasher,
		logger: logger,
		now:    time.Now,
	}
}

func (s *Service) Register(ctx context.Context, dto RegisterUserDTO) (*User, error) {
	if err := dto.Validate(); err != nil {
		return nil, err
	}

	if _, err := s.repo.FindByUsername(ctx, dto.Username); err == nil {
		return nil, internal.ErrUsernameTaken
	} else if !errors.Is(err, internal.ErrUserNotFound) {
		return nil, fmt.Errorf("failed to check username: %w", err)
	}

	hash, err := s.hasher.Hash(dto.Password)
	if err != nil {
		return nil, internal.NewInternalError("failed to hash password", err)
	}

	u, err := NewUser(dto.Username, dto.Email, dto.FullName, hash)
	if err != nil {
		return nil, err
	}

	for _, roleID := range dto.RoleIDs {
		r, err := s.roles.GetByID(ctx, roleID)
		if err != nil {
			return nil, err
		}
		if err := u.AssignRole(*r); err != nil {
			return nil, err
		}
	}

	if err := s.repo.Add(ctx, u); err != nil {
		s.logger.Error("failed to add user", "username", dto.Username, "error", err)
		return nil, err
	}

	s.logger.Info("user registered", "user_id", u.ID, "username", u.Username, "roles", len(dto.RoleIDs))
	return u, nil
}

func (s *Service) GetByID(ctx context.Context, id int64) (*User, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) AssignRole(ctx context.Context, userID, roleID int64) (*User, error) {
	r, err := s.roles.GetByID(ctx, roleID)
	if err != nil {
		return nil, err
	}
	return s.mutate(ctx, userID, "role assigned", func(u *User) error {
		return u.AssignRole(*r)
	})
}

func (s *Service) RemoveRole(ctx context.Context, userID, roleID int64) (*User, error) {
	return s.mutate(ctx, userID, "role removed", func(u *User) error {
		return u.RemoveRole(roleID)
	})
}

func (s *Service) DenyPermission(ctx context.Context, userID int64, code string) (*User, error) {
	p, err := permission.Parse(code)
	if err != nil {
		return nil, internal.NewValidationFieldError("permission", err.Error(), internal.ErrCodeInvalidPermission)
	}
	return s.mutate(ctx, userID, "permission denied", func(u *User) error {
		return u.DenyPermission(p)
	})
}

func (s *Service) AllowPermission(ctx context.Context, userID int64, code string) (*User, error) {
	p, err := permission.Parse(code)
	if err != nil {
		return nil, internal.NewValidationFieldError("permission", err.Error(), internal.ErrCodeInvalidPermission)
	}
	return s.mutate(ctx, userID, "permission denial removed", func(u *User) error {
		return u.RemoveDeniedPermission(p)
	})
}

// Deactivate soft-deletes the user and revokes every valid refresh token in
// the same transaction.
func (s *Service) Deactivate(ctx context.Context, userID int64) (*User, int, error) {
	var revoked int
	u, err := s.mutate(ctx, userID, "user deactivated", func(u *User) error {
		revoked = u.Deactivate(s.now())
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	metrics.ObserveRevoked(metrics.ReasonDeactivate, revoked)
	return u, revoked, nil
}

func (s *Service) Activate(ctx context.Context, userID int64) (*User, error) {
	return s.mutate(ctx, userID, "user activated", func(u *User) error {
		u.Activate(s.now())
		return nil
	})
}

// mutate loads the user, applies the change and writes it back. A write
// that loses to a concurrent one is reloaded and applied again.
func (s *Service) mutate(ctx context.Context, userID int64, action string, apply func(*User) error) (*User, error) {
	for attempt := 1; ; attempt++ {
		u, err := s.repo.GetByID(ctx, userID)
		if err != nil {
			return nil, err
		}

		if err := apply(u); err != nil {
			return nil, err
		}

		if err := ctx.Err(); err != nil {
			return nil, err
		}

		err = s.repo.Update(ctx, u)
		if err == nil {
			s.logger.Info(action, "user_id", u.ID)
			return u, nil
		}
		if errors.Is(err, internal.ErrUserVersionConflict) && attempt < writeAttempts {
			s.logger.Warn("user write conflict, retrying", "user_id", userID, "action", action, "attempt", attempt)
			continue
		}
		s.logger.Error("failed to update user", "user_id", userID, "action", action, "error", err)
		return nil, err
	}
}
