package identity

import (
	"strings"
	"time"
)

// Role is the fleet role an account signs up with.
type Role string

const (
	RoleAdmin   Role = "admin"
	RoleManager Role = "manager"
	RoleDriver  Role = "driver"
)

// ParseRole normalises a role name; empty input yields RoleDriver.
func ParseRole(value string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(value))) {
	case "", RoleDriver:
		return RoleDriver, nil
	case RoleManager:
		return RoleManager, nil
	case RoleAdmin:
		return RoleAdmin, nil
	default:
		return "", ErrInvalidRole
	}
}

// Account is the persisted login of one FleetTraq user.
type Account struct {
	ID                  string    `gorm:"column:id;primaryKey;size:64"`
	Email               string    `gorm:"column:email;size:320;not null;uniqueIndex"`
	PasswordHash        string    `gorm:"column:password_hash;size:255"`
	DisplayName         string    `gorm:"column:display_name;size:320"`
	Role                string    `gorm:"column:role;size:32;not null;default:driver"`
	LastAuthenticatedAt time.Time `gorm:"column:last_authenticated_at;not null"`
	CreatedAt           time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt           time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (Account) TableName() string {
	return "accounts"
}

// ProviderIdentity links an external login (Google) to an account.
type ProviderIdentity struct {
	Provider   string    `gorm:"column:provider;primaryKey;size:32;not null"`
	Subject    string    `gorm:"column:subject;primaryKey;size:190;not null"`
	AccountID  string    `gorm:"column:account_id;size:64;not null;index"`
	Email      string    `gorm:"column:email;size:320"`
	LastSeenAt time.Time `gorm:"column:last_seen_at"`
	CreatedAt  time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt  time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (ProviderIdentity) TableName() string {
	return "provider_identities"
}

// Models lists the tables owned by this package, in migration order.
func Models() []any {
	return []any{&Account{}, &ProviderIdentity{}}
}

// User is the public view of an account.
type User struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
	Role        Role   `json:"role"`
}

func (a Account) user() User {
	return User{
		ID:          a.ID,
		Email:       a.Email,
		DisplayName: a.DisplayName,
		Role:        Role(a.Role),
	}
}

// Credential is a fresh proof of identity. Exactly one of the fields is used;
// Password wins when both are set.
type Credential struct {
	Password      string `json:"password,omitempty"`
	GoogleIDToken string `json:"google_id_token,omitempty"`
}

// SignUpRequest carries the fields of the sign-up form.
type SignUpRequest struct {
	Email       string `json:"email" validate:"required,email,max=320"`
	Password    string `json:"password" validate:"required"`
	DisplayName string `json:"display_name" validate:"max=320"`
	Role        string `json:"role"`
}

func normalizeEmail(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}
