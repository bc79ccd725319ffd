package model

import (
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
)

// Role represents the RBAC role assigned to a back-office user.
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleEditor Role = "editor"
	RoleViewer Role = "viewer"
)

// User is a municipal staff member with access to the admin API.
type User struct {
	ID           uuid.UUID  `json:"id"`
	Username     string     `json:"username"`
	Name         string     `json:"name"`
	Role         Role       `json:"role"`
	PasswordHash string     `json:"-"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	LastLoginAt  *time.Time `json:"last_login_at,omitempty"`
}

// RoleRank returns the numeric rank of a role (higher = more privileges).
func RoleRank(r Role) int {
	switch r {
	case RoleAdmin:
		return 3
	case RoleEditor:
		return 2
	case RoleViewer:
		return 1
	default:
		return 0
	}
}

// RoleAtLeast returns true if role r has at least the privileges of minRole.
func RoleAtLeast(r, minRole Role) bool {
	return RoleRank(r) >= RoleRank(minRole) && RoleRank(r) > 0
}

// ValidRole reports whether r is one of the known roles.
func ValidRole(r Role) bool {
	return RoleRank(r) > 0
}

var usernamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]{1,63}$`)

// ValidateUsername checks that a username is lowercase and 2-64 characters
// of letters, digits, dot, underscore or hyphen.
func ValidateUsername(username string) error {
	if !usernamePattern.MatchString(username) {
		return fmt.Errorf("username must be 2-64 lowercase letters, digits, '.', '_' or '-'")
	}
	return nil
}

// MinPasswordLen is the shortest password accepted for a back-office user.
const MinPasswordLen = 12

// CreateUserRequest is the request body for POST /v1/admin/users.
type CreateUserRequest struct {
	Username string `json:"username"`
	Name     string `json:"name"`
	Role     Role   `json:"role"`
	Password string `json:"password"`
}

// Validate checks the request fields.
func (r CreateUserRequest) Validate() error {
	if err := ValidateUsername(r.Username); err != nil {
		return err
	}
	if r.Name == "" {
		return fmt.Errorf("name is required")
	}
	if !ValidRole(r.Role) {
		return fmt.Errorf("role must be one of admin, editor, viewer")
	}
	if len(r.Password) < MinPasswordLen {
		return fmt.Errorf("password must be at least %d characters", MinPasswordLen)
	}
	return nil
}

// AuthTokenRequest is the request body for POST /auth/token.
type AuthTokenRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// AuthTokenResponse is the response body for POST /auth/token.
type AuthTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}
