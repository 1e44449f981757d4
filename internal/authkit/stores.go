package authkit

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrUnsupportedField indicates a lookup on an attribute that is not unique.
var ErrUnsupportedField = errors.New("user_store.unsupported_field")

// Role values stored on users.
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// UserField names a unique user attribute that can be looked up.
type UserField string

// Lookup fields.
const (
	FieldUsername UserField = "username"
	FieldEmail    UserField = "email"
)

// User is a persisted account. PasswordHash never leaves the package boundary
// through PublicUser.
type User struct {
	ID                 string
	Username           string
	Email              string
	PasswordHash       string
	RefreshTokenDigest *string
	Role               string
	Photo              string
	CreatedAt          time.Time
}

// PublicUser is the profile returned to clients.
type PublicUser struct {
	ID       string `json:"_id"`
	Username string `json:"username"`
	Email    string `json:"email"`
	Photo    string `json:"photo"`
	Role     string `json:"role"`
}

// Public strips credentials from the user.
func (user User) Public() PublicUser {
	return PublicUser{
		ID:       user.ID,
		Username: user.Username,
		Email:    user.Email,
		Photo:    user.Photo,
		Role:     user.Role,
	}
}

// WithDefaults fills the identifier, role, and creation time every store
// applies on create.
func (user User) WithDefaults(now time.Time) User {
	if strings.TrimSpace(user.ID) == "" {
		user.ID = uuid.NewString()
	}
	if user.Role == "" {
		user.Role = RoleUser
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now.UTC()
	}
	user.RefreshTokenDigest = cloneDigest(user.RefreshTokenDigest)
	return user
}

// UserStore persists users and their single refresh-token slot.
//
// Create returns ErrDuplicateUsername or ErrDuplicateEmail when a unique index
// rejects the record. Lookups return ErrUserNotFound when nothing matches.
// UpdateRefreshToken replaces the slot atomically; a nil digest clears it.
type UserStore interface {
	FindByField(ctx context.Context, field UserField, value string) (User, error)
	FindByID(ctx context.Context, userID string) (User, error)
	Create(ctx context.Context, user User) (User, error)
	UpdateRefreshToken(ctx context.Context, userID string, digest *string) error
}
