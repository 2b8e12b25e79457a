package role

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/frahmantamala/library-management/internal"
	"github.com/frahmantamala/library-management/internal/core/permission"
)

type RepositoryAPI interface {
	Create(ctx context.Context, r *Role) error
	GetByID(ctx context.Context, id int64) (*Role, error)
	GetByName(ctx context.Context, name string) (*Role, error)
	List(ctx context.Context) ([]*Role, error)
	Update(ctx context.Context, r *Role) error
}

type Service struct {
	repo   RepositoryAPI
	logger *slog.Logger
}

func NewService(repo RepositoryAPI, logger *slog.Logger) *Service {
	return &Service{
		repo:   repo,
		logger: logger,
	}
}

func (s *Service) Create(ctx context.Context, dto CreateRoleDTO) (*Role, error) {
	if err := dto.Validate(); err != nil {
		return nil, err
	}

	if _, err := s.repo.GetByName(ctx, dto.Name); err == nil {
		return nil, internal.ErrRoleNameTaken
	} else if !errors.Is(err, internal.ErrRoleNotFound) {
		return nil, fmt.Errorf("failed to check role name: %w", err)
	}

	perms := make([]permission.Permission, 0, len(dto.Permissions))
	for _, code := range dto.Permissions {
		p, err := permission.Parse(code)
		if err != nil {
			return nil, internal.NewValidationFieldError("permissions", err.Error(), internal.ErrCodeInvalidPermission)
		}
		perms = append(perms, p)
	}

	r, err := NewRole(dto.Name, dto.Description, perms...)
	if err != nil {
		return nil, err
	}

	if err := s.repo.Create(ctx, r); err != nil {
		s.logger.Error("failed to create role", "name", dto.Name, "error", err)
		return nil, err
	}

	s.logger.Info("role created", "role_id", r.ID, "name", r.Name, "permissions", len(r.Permissions))
	return r, nil
}

func (s *Service) GetByID(ctx context.Context, id int64) (*Role, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) List(ctx context.Context) ([]*Role, error) {
	roles, err := s.repo.List(ctx)
	if err != nil {
		s.logger.Error("failed to list roles", "error", err)
		return nil, err
	}
	return roles, nil
}

func (s *Service) GrantPermission(ctx context.Context, roleID int64, code string) (*Role, error) {
	return s.mutate(ctx, roleID, code, func(r *Role, p permission.Permission) error {
		return r.GrantPermission(p)
	})
}

func (s *Service) RevokePermission(ctx context.Context, roleID int64, code string) (*Role, error) {
	return s.mutate(ctx, roleID, code, func(r *Role, p permission.Permission) error {
		return r.RevokePermission(p)
	})
}

func (s *Service) mutate(ctx context.Context, roleID int64, code string, apply func(*Role, permission.Permission) error) (*Role, error) {
	p, err := permission.Parse(code)
	if err != nil {
		return nil, internal.NewValidationFieldError("permission", err.Error(), internal.ErrCodeInvalidPermission)
	}

	r, err := s.repo.GetByID(ctx, roleID)
	if err != nil {
		return nil, err
	}

	if err := apply(r, p); err != nil {
		return nil, err
	}

	if err := s.repo.Update(ctx, r); err != nil {
		s.logger.Error("failed to update role", "role_id", roleID, "error", err)
		return nil, err
	}

	s.logger.Info("role permissions updated", "role_id", r.ID, "permission", p.Code())
	return r, nil
}
