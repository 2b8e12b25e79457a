package cmd

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"

	"github.com/frahmantamala/library-management/internal"
	"github.com/frahmantamala/library-management/internal/core/permission"
	"github.com/frahmantamala/library-management/internal/role"
	"github.com/frahmantamala/library-management/internal/user"
	"github.com/frahmantamala/library-management/pkg/logger"
	"github.com/spf13/cobra"
)

const (
	RoleAdministrator = "Administrator"
	RoleLibrarian     = "Librarian"
	RoleMember        = "Member"
)

var catalogFeatures = []permission.Feature{
	permission.FeatureBook,
	permission.FeatureCategory,
	permission.FeatureContributor,
	permission.FeaturePublisher,
}

type AdminAccount struct {
	Username string
	Email    string
	FullName string
	Password string
}

var (
	seedAdmin = AdminAccount{}

	seedCmd = &cobra.Command{
		Use:   "seed",
		Short: "Seed the built-in roles and an administrator",
		Long:  `Create the Administrator, Librarian and Member roles and an administrator account. Existing rows are left alone.`,
		Run: func(cmd *cobra.Command, args []string) {
			cfg, err := loadConfig(configPath)
			if err != nil {
				log.Fatalf("failed to load config: %v", err)
			}

			deps, err := initializeDependencies(cfg, logger.LoggerWrapper())
			if err != nil {
				log.Fatalf("failed to init dependencies: %v", err)
			}
			defer deps.Close()

			if err := Seed(cmd.Context(), deps.RoleSvc, deps.Roles, deps.UserSvc, deps.Users, seedAdmin, deps.Logger); err != nil {
				log.Fatalf("seed failed: %v", err)
			}
		},
	}
)

// BuiltinRoles returns the roles every installation starts with.
func BuiltinRoles() []role.CreateRoleDTO {
	librarian := []string{permission.New(permission.FeatureUser, permission.ActionRead).Code()}
	member := []string{
		permission.New(permission.FeatureCheckout, permission.ActionCreate).Code(),
		permission.New(permission.FeatureCheckout, permission.ActionRead).Code(),
	}
	for _, f := range append(catalogFeatures, permission.FeatureCheckout) {
		for _, a := range permission.Actions() {
			librarian = append(librarian, permission.New(f, a).Code())
		}
	}
	for _, f := range catalogFeatures {
		member = append(member, permission.New(f, permission.ActionRead).Code())
	}

	return []role.CreateRoleDTO{
		{Name: RoleAdministrator, Description: "Full access", Permissions: codes(permission.All())},
		{Name: RoleLibrarian, Description: "Manages the catalog and checkouts", Permissions: librarian},
		{Name: RoleMember, Description: "Browses the catalog and borrows books", Permissions: member},
	}
}

// Seed is idempotent: roles and the admin account are only created when
// missing.
func Seed(
	ctx context.Context,
	roleSvc *role.Service,
	roles role.RepositoryAPI,
	userSvc *user.Service,
	users user.RepositoryAPI,
	admin AdminAccount,
	logger *slog.Logger,
) error {
	var adminRoleID int64
	for _, dto := range BuiltinRoles() {
		r, err := roles.GetByName(ctx, dto.Name)
		switch {
		case err == nil:
			logger.Info("role already exists", "role", dto.Name)
		case errors.Is(err, internal.ErrRoleNotFound):
			if r, err = roleSvc.Create(ctx, dto); err != nil {
				return fmt.Errorf("failed to create role %s: %w", dto.Name, err)
			}
			logger.Info("seeded role", "role", dto.Name, "permissions", len(dto.Permissions))
		default:
			return fmt.Errorf("failed to look up role %s: %w", dto.Name, err)
		}
		if dto.Name == RoleAdministrator {
			adminRoleID = r.ID
		}
	}

	if _, err := users.FindByUsername(ctx, admin.Username); err == nil {
		logger.Info("admin user already exists", "username", admin.Username)
		return nil
	} else if !errors.Is(err, internal.ErrUserNotFound) {
		return fmt.Errorf("failed to look up admin user: %w", err)
	}

	u, err := userSvc.Register(ctx, user.RegisterUserDTO{
		Username: admin.Username,
		Email:    admin.Email,
		FullName: admin.FullName,
		Password: admin.Password,
		RoleIDs:  []int64{adminRoleID},
	})
	if err != nil {
		return fmt.Errorf("failed to create admin user: %w", err)
	}
	logger.Info("seeded admin user", "user_id", u.ID, "username", u.Username)
	return nil
}

func codes(perms []permission.Permission) []string {
	out := make([]string, len(perms))
	for i, p := range perms {
		out[i] = p.Code()
	}
	return out
}

func init() {
	seedCmd.Flags().StringVar(&seedAdmin.Username, "admin-username", "admin", "administrator username")
	seedCmd.Flags().StringVar(&seedAdmin.Email, "admin-email", "admin@library.local", "administrator email")
	seedCmd.Flags().StringVar(&seedAdmin.FullName, "admin-name", "Library Administrator", "administrator full name")
	seedCmd.Flags().StringVar(&seedAdmin.Password, "admin-password", "change-me-now", "administrator password")
}
