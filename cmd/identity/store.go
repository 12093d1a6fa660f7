package identity

import (
	"context"
	"time"
)

// User is a registered Tars account.
type User struct {
	ID           string
	Username     string
	UsernameNorm string
	Email        string
	EmailNorm    string
	PasswordHash string
	CreatedAt    time.Time
}

// CreateUserInput describes a registration request. Password is plain text and
// is hashed by the store; it is never persisted or logged.
type CreateUserInput struct {
	Username string
	Email    string
	Password string
	Now      time.Time
}

type CreateUserResult struct {
	User User
}

// Store is the account persistence boundary.
type Store interface {
	CreateUser(ctx context.Context, in CreateUserInput) (CreateUserResult, error)

	UserByID(ctx context.Context, id string) (User, error)
	// UserByUsername matches case-insensitively.
	UserByUsername(ctx context.Context, username string) (User, error)
	// UsersByIDs silently skips unknown ids.
	UsersByIDs(ctx context.Context, ids []string) ([]User, error)
	// ListUsers returns every account ordered by username.
	ListUsers(ctx context.Context) ([]User, error)
}
