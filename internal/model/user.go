package model

import (
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
)

// UserRole represents the access level of a user account.
type UserRole string

const (
	RoleAdmin UserRole = "admin"
	RoleUser  UserRole = "user"
)

// Valid reports whether r is a known role.
func (r UserRole) Valid() bool {
	return r == RoleAdmin || r == RoleUser
}

// User is an account that owns tasks and receives their lifecycle events.
// Tasks are scoped per user; one user never sees another's tasks or events.
type User struct {
	ID         uuid.UUID `json:"id"`
	Username   string    `json:"username"`
	Role       UserRole  `json:"role"`
	APIKeyHash *string   `json:"-"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

var usernamePattern = regexp.MustCompile(`^[a-z][a-z0-9_-]{2,63}$`)

// ValidateUsername checks that a username is lowercase alphanumeric with
// hyphens or underscores, 3-64 characters, starting with a letter.
func ValidateUsername(name string) error {
	if !usernamePattern.MatchString(name) {
		return fmt.Errorf("username must be 3-64 characters, lowercase alphanumeric with - or _, starting with a letter")
	}
	return nil
}

// CreateUserRequest is the request body for POST /v1/users (admin only).
type CreateUserRequest struct {
	Username string   `json:"username"`
	Role     UserRole `json:"role"`
	APIKey   string   `json:"apiKey"`
}
