package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/frahmantamala/library-management/internal"
	roleDatamodel "github.com/frahmantamala/library-management/internal/core/datamodel/role"
	"github.com/frahmantamala/library-management/internal/role"
	"gorm.io/gorm"
)

type RoleRepository struct {
	db *gorm.DB
}

func NewRoleRepository(db *gorm.DB) role.RepositoryAPI {
	return &RoleRepository{db: db}
}

func (r *RoleRepository) Create(ctx context.Context, rl *role.Role) error {
	row, perms := role.ToDataModel(rl)
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(row).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return internal.ErrRoleNameTaken
			}
			return fmt.Errorf("insert role: %w", err)
		}
		for i := range perms {
			perms[i].RoleID = row.ID
		}
		if len(perms) > 0 {
			if err := tx.Create(&perms).Error; err != nil {
				return fmt.Errorf("insert role permissions: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	rl.ID = row.ID
	return nil
}

func (r *RoleRepository) GetByID(ctx context.Context, id int64) (*role.Role, error) {
	var row roleDatamodel.Role
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, internal.ErrRoleNotFound
		}
		return nil, err
	}
	return r.withPermissions(ctx, &row)
}

func (r *RoleRepository) GetByName(ctx context.Context, name string) (*role.Role, error) {
	var row roleDatamodel.Role
	err := r.db.WithContext(ctx).Where("name = ?", name).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, internal.ErrRoleNotFound
		}
		return nil, err
	}
	return r.withPermissions(ctx, &row)
}

func (r *RoleRepository) List(ctx context.Context) ([]*role.Role, error) {
	var rows []roleDatamodel.Role
	if err := r.db.WithContext(ctx).Order("name ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return []*role.Role{}, nil
	}

	ids := make([]int64, len(rows))
	for i, row := range rows {
		ids[i] = row.ID
	}
	byRole, err := LoadPermissions(r.db.WithContext(ctx), ids)
	if err != nil {
		return nil, err
	}

	out := make([]*role.Role, len(rows))
	for i := range rows {
		out[i] = role.FromDataModel(&rows[i], byRole[rows[i].ID])
	}
	return out, nil
}

func (r *RoleRepository) Update(ctx context.Context, rl *role.Role) error {
	row, perms := role.ToDataModel(rl)
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&roleDatamodel.Role{}).Where("id = ?", row.ID).Updates(map[string]interface{}{
			"name":        row.Name,
			"description": row.Description,
			"updated_at":  row.UpdatedAt,
		})
		if res.Error != nil {
			return fmt.Errorf("update role: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return internal.ErrRoleNotFound
		}
		if err := tx.Where("role_id = ?", row.ID).Delete(&roleDatamodel.RolePermission{}).Error; err != nil {
			return fmt.Errorf("clear role permissions: %w", err)
		}
		if len(perms) > 0 {
			if err := tx.Create(&perms).Error; err != nil {
				return fmt.Errorf("insert role permissions: %w", err)
			}
		}
		return nil
	})
}

func (r *RoleRepository) withPermissions(ctx context.Context, row *roleDatamodel.Role) (*role.Role, error) {
	byRole, err := LoadPermissions(r.db.WithContext(ctx), []int64{row.ID})
	if err != nil {
		return nil, err
	}
	return role.FromDataModel(row, byRole[row.ID]), nil
}

// LoadPermissions fetches the permission rows of the given roles keyed by role id.
func LoadPermissions(db *gorm.DB, roleIDs []int64) (map[int64][]roleDatamodel.RolePermission, error) {
	var rows []roleDatamodel.RolePermission
	if err := db.Where("role_id IN ?", roleIDs).Order("role_id, feature, action").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load role permissions: %w", err)
	}
	out := make(map[int64][]roleDatamodel.RolePermission, len(roleIDs))
	for _, row := range rows {
		out[row.RoleID] = append(out[row.RoleID], row)
	}
	return out, nil
}
