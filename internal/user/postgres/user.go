package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/frahmantamala/library-management/internal"
	roleDatamodel "github.com/frahmantamala/library-management/internal/core/datamodel/role"
	userDatamodel "github.com/frahmantamala/library-management/internal/core/datamodel/user"
	"github.com/frahmantamala/library-management/internal/core/permission"
	"github.com/frahmantamala/library-management/internal/role"
	rolePostgres "github.com/frahmantamala/library-management/internal/role/postgres"
	"github.com/frahmantamala/library-management/internal/user"
	"gorm.io/gorm"
)

type UserStore struct {
	db *gorm.DB
}

func NewUserStore(db *gorm.DB) user.RepositoryAPI {
	return &UserStore{db: db}
}

func (s *UserStore) FindByUsername(ctx context.Context, username string) (*user.User, error) {
	return s.findOne(ctx, "username = ?", username)
}

func (s *UserStore) GetByID(ctx context.Context, id int64) (*user.User, error) {
	return s.findOne(ctx, "id = ?", id)
}

func (s *UserStore) FindByRefreshToken(ctx context.Context, token string) (*user.User, error) {
	var row userDatamodel.RefreshToken
	err := s.db.WithContext(ctx).Where("token = ?", token).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, internal.ErrRefreshTokenNotFound
		}
		return nil, fmt.Errorf("find refresh token: %w", err)
	}

	u, err := s.findOne(ctx, "id = ?", row.UserID)
	if errors.Is(err, internal.ErrUserNotFound) {
		return nil, internal.ErrRefreshTokenNotFound
	}
	return u, err
}

func (s *UserStore) Add(ctx context.Context, u *user.User) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	row := user.ToDataModel(u)
	var persisted []persistedToken
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(row).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return internal.ErrUsernameTaken
			}
			return fmt.Errorf("insert user: %w", err)
		}
		if err := replaceAssociations(tx, row.ID, u); err != nil {
			return err
		}
		var err error
		persisted, err = insertTokens(tx, row.ID, u)
		return err
	})
	if err != nil {
		return err
	}

	u.ID = row.ID
	markPersisted(persisted)
	return nil
}

// Update writes the whole aggregate in one transaction. The users row is a
// compare-and-swap on its version, so a snapshot loaded before another write
// fails with ErrUserVersionConflict and nothing else is written. Pending
// revocations are applied before new tokens are inserted; each one is a
// compare-and-swap on the token version and fails with ErrTokenAlreadyRevoked
// if another writer got there first, which rolls back the unit of work.
func (s *UserStore) Update(ctx context.Context, u *user.User) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	row := user.ToDataModel(u)
	var persisted []persistedToken
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&userDatamodel.User{}).
			Where("id = ? AND version = ?", row.ID, row.Version).
			Updates(map[string]interface{}{
				"email":         row.Email,
				"full_name":     row.FullName,
				"password_hash": row.PasswordHash,
				"is_active":     row.IsActive,
				"updated_at":    row.UpdatedAt,
				"version":       row.Version + 1,
			})
		if res.Error != nil {
			return fmt.Errorf("update user: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return userMissingOrStale(tx, row.ID)
		}

		for _, t := range u.RefreshTokens() {
			if t.IsNew() || !t.RevocationPending() {
				continue
			}
			res := tx.Model(&userDatamodel.RefreshToken{}).
				Where("id = ? AND version = ? AND revoked_at IS NULL", t.ID(), t.Version()).
				Updates(map[string]interface{}{
					"revoked_at": t.RevokedAt(),
					"version":    t.Version() + 1,
				})
			if res.Error != nil {
				return fmt.Errorf("revoke refresh token: %w", res.Error)
			}
			if res.RowsAffected == 0 {
				return internal.ErrTokenAlreadyRevoked
			}
			persisted = append(persisted, persistedToken{token: t, id: t.ID(), version: t.Version() + 1})
		}

		if err := replaceAssociations(tx, row.ID, u); err != nil {
			return err
		}

		inserted, err := insertTokens(tx, row.ID, u)
		if err != nil {
			return err
		}
		persisted = append(persisted, inserted...)
		return nil
	})
	if err != nil {
		return err
	}

	u.MarkStored(row.Version + 1)
	markPersisted(persisted)
	return nil
}

func userMissingOrStale(tx *gorm.DB, id int64) error {
	var count int64
	if err := tx.Model(&userDatamodel.User{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return fmt.Errorf("check user: %w", err)
	}
	if count == 0 {
		return internal.ErrUserNotFound
	}
	return internal.ErrUserVersionConflict
}

type persistedToken struct {
	token   *user.RefreshToken
	id      int64
	version int64
}

// markPersisted runs only after commit so a rolled back transaction leaves
// the in-memory tokens pending.
func markPersisted(tokens []persistedToken) {
	for _, p := range tokens {
		p.token.MarkPersisted(p.id, p.version)
	}
}

func replaceAssociations(tx *gorm.DB, userID int64, u *user.User) error {
	if err := tx.Where("user_id = ?", userID).Delete(&userDatamodel.UserRole{}).Error; err != nil {
		return fmt.Errorf("clear user roles: %w", err)
	}
	roles := u.Roles()
	if len(roles) > 0 {
		links := make([]userDatamodel.UserRole, len(roles))
		for i, r := range roles {
			links[i] = userDatamodel.UserRole{UserID: userID, RoleID: r.ID, CreatedAt: u.UpdatedAt}
		}
		if err := tx.Create(&links).Error; err != nil {
			return fmt.Errorf("insert user roles: %w", err)
		}
	}

	if err := tx.Where("user_id = ?", userID).Delete(&userDatamodel.DeniedPermission{}).Error; err != nil {
		return fmt.Errorf("clear denied permissions: %w", err)
	}
	denied := u.DeniedPermissions()
	if len(denied) > 0 {
		rows := make([]userDatamodel.DeniedPermission, len(denied))
		for i, p := range denied {
			rows[i] = userDatamodel.DeniedPermission{
				UserID:    userID,
				Feature:   string(p.Feature),
				Action:    string(p.Action),
				CreatedAt: u.UpdatedAt,
			}
		}
		if err := tx.Create(&rows).Error; err != nil {
			return fmt.Errorf("insert denied permissions: %w", err)
		}
	}
	return nil
}

func insertTokens(tx *gorm.DB, userID int64, u *user.User) ([]persistedToken, error) {
	var out []persistedToken
	for _, t := range u.RefreshTokens() {
		if !t.IsNew() {
			continue
		}
		row := &userDatamodel.RefreshToken{
			UserID:       userID,
			Token:        t.Token(),
			ExpiresAt:    t.ExpiresAt(),
			RevokedAt:    t.RevokedAt(),
			IsRememberMe: t.IsRememberMe(),
			CreatedAt:    t.CreatedAt(),
		}
		if err := tx.Create(row).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return nil, internal.ErrDuplicateRefreshToken
			}
			return nil, fmt.Errorf("insert refresh token: %w", err)
		}
		out = append(out, persistedToken{token: t, id: row.ID, version: row.Version})
	}
	return out, nil
}

func (s *UserStore) findOne(ctx context.Context, query string, arg interface{}) (*user.User, error) {
	db := s.db.WithContext(ctx)

	var row userDatamodel.User
	if err := db.Where(query, arg).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, internal.ErrUserNotFound
		}
		return nil, fmt.Errorf("find user: %w", err)
	}

	roles, err := loadRoles(db, row.ID)
	if err != nil {
		return nil, err
	}

	var deniedRows []userDatamodel.DeniedPermission
	if err := db.Where("user_id = ?", row.ID).Order("feature, action").Find(&deniedRows).Error; err != nil {
		return nil, fmt.Errorf("load denied permissions: %w", err)
	}
	denied := make([]permission.Permission, len(deniedRows))
	for i, d := range deniedRows {
		denied[i] = permission.New(permission.Feature(d.Feature), permission.Action(d.Action))
	}

	var tokenRows []userDatamodel.RefreshToken
	if err := db.Where("user_id = ?", row.ID).Order("id").Find(&tokenRows).Error; err != nil {
		return nil, fmt.Errorf("load refresh tokens: %w", err)
	}
	tokens := make([]*user.RefreshToken, len(tokenRows))
	for i := range tokenRows {
		tokens[i] = user.TokenFromDataModel(&tokenRows[i])
	}

	return user.Rehydrate(user.FromDataModel(&row), roles, denied, tokens), nil
}

func loadRoles(db *gorm.DB, userID int64) ([]role.Role, error) {
	var rows []roleDatamodel.Role
	err := db.Table("roles").
		Joins("JOIN user_roles ON user_roles.role_id = roles.id").
		Where("user_roles.user_id = ?", userID).
		Order("roles.id").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("load user roles: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	ids := make([]int64, len(rows))
	for i, r := range rows {
		ids[i] = r.ID
	}
	perms, err := rolePostgres.LoadPermissions(db, ids)
	if err != nil {
		return nil, err
	}

	out := make([]role.Role, len(rows))
	for i := range rows {
		out[i] = *role.FromDataModel(&rows[i], perms[rows[i].ID])
	}
	return out, nil
}
