package role

import "time"

type Role struct {
	ID          int64     `gorm:"primaryKey"`
	Name        string    `gorm:"column:name;size:50;uniqueIndex;not null"`
	Description string    `gorm:"column:description;size:200"`
	CreatedAt   time.Time `gorm:"column:created_at"`
	UpdatedAt   time.Time `gorm:"column:updated_at"`
}

func (Role) TableName() string {
	return "roles"
}

type RolePermission struct {
	RoleID  int64  `gorm:"column:role_id;primaryKey;autoIncrement:false"`
	Feature string `gorm:"column:feature;size:32;primaryKey"`
	Action  string `gorm:"column:action;size:16;primaryKey"`
}

func (RolePermission) TableName() string {
	return "role_permissions"
}
