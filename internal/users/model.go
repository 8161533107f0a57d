package users

import (
	"strings"
	"time"
)

// Account is a credential record keyed by a canonical user id.
type Account struct {
	ID           string     `gorm:"column:id;primaryKey;size:190"`
	Email        string     `gorm:"column:email;size:320;not null;uniqueIndex"`
	PasswordHash string     `gorm:"column:password_hash;size:255;not null"`
	ConfirmedAt  *time.Time `gorm:"column:confirmed_at"`
	CreatedAt    time.Time  `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt    time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing accounts.
func (Account) TableName() string {
	return "accounts"
}

// Confirmed reports whether the account may sign in.
func (a Account) Confirmed() bool {
	return a.ConfirmedAt != nil
}

// Profile is the application-level row joined to an account.
type Profile struct {
	ID        string    `gorm:"column:id;primaryKey;size:190"`
	Name      string    `gorm:"column:name;size:320"`
	IsStaff   bool      `gorm:"column:is_staff;not null;default:false"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing profiles.
func (Profile) TableName() string {
	return "profiles"
}

// Session records an issued access token by its jti so it can be revoked.
type Session struct {
	ID        string     `gorm:"column:id;primaryKey;size:190"`
	UserID    string     `gorm:"column:user_id;size:190;not null;index"`
	ExpiresAt time.Time  `gorm:"column:expires_at;not null"`
	RevokedAt *time.Time `gorm:"column:revoked_at"`
	CreatedAt time.Time  `gorm:"column:created_at;autoCreateTime"`
}

// TableName exposes the table backing issued sessions.
func (Session) TableName() string {
	return "auth_sessions"
}

// NormalizeEmail lower-cases and trims an address.
func NormalizeEmail(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}
