package user

import "time"

// User rows are written with a compare-and-swap on Version.
type User struct {
	ID           int64     `gorm:"primaryKey"`
	Username     string    `gorm:"column:username;size:50;uniqueIndex;not null"`
	Email        string    `gorm:"column:email;size:254;not null"`
	FullName     string    `gorm:"column:full_name;size:100;not null"`
	PasswordHash string    `gorm:"column:password_hash;not null"`
	IsActive     bool      `gorm:"column:is_active;not null"`
	Version      int64     `gorm:"column:version;not null"`
	CreatedAt    time.Time `gorm:"column:created_at"`
	UpdatedAt    time.Time `gorm:"column:updated_at"`
}

func (User) TableName() string {
	return "users"
}

type UserRole struct {
	UserID    int64     `gorm:"column:user_id;primaryKey;autoIncrement:false"`
	RoleID    int64     `gorm:"column:role_id;primaryKey;autoIncrement:false"`
	CreatedAt time.Time `gorm:"column:created_at"`
}

func (UserRole) TableName() string {
	return "user_roles"
}

type DeniedPermission struct {
	UserID    int64     `gorm:"column:user_id;primaryKey;autoIncrement:false"`
	Feature   string    `gorm:"column:feature;size:32;primaryKey"`
	Action    string    `gorm:"column:action;size:16;primaryKey"`
	CreatedAt time.Time `gorm:"column:created_at"`
}

func (DeniedPermission) TableName() string {
	return "user_denied_permissions"
}

// RefreshToken rows are revoked with a compare-and-swap on Version.
type RefreshToken struct {
	ID           int64      `gorm:"primaryKey"`
	UserID       int64      `gorm:"column:user_id;index;not null"`
	Token        string     `gorm:"column:token;size:128;uniqueIndex;not null"`
	ExpiresAt    time.Time  `gorm:"column:expires_at;not null"`
	RevokedAt    *time.Time `gorm:"column:revoked_at"`
	IsRememberMe bool       `gorm:"column:is_remember_me;not null"`
	Version      int64      `gorm:"column:version;not null"`
	CreatedAt    time.Time  `gorm:"column:created_at"`
}

func (RefreshToken) TableName() string {
	return "refresh_tokens"
}
