package realtime

import (
	"context"
	"errors"
	"strings"

	"tars/cmd/identity"
	"tars/cmd/internal/presence"
)

// ErrUnknownIdentity is returned when a username or id has no account.
var ErrUnknownIdentity = errors.New("realtime: unknown identity")

// Directory resolves between usernames and identities.
type Directory interface {
	Resolve(ctx context.Context, username string) (presence.Identity, error)
	Lookup(ctx context.Context, id string) (presence.Identity, error)
	// ListOnline returns the identities for ids, skipping unknown ones.
	ListOnline(ctx context.Context, ids []string) ([]presence.Identity, error)
}

// UserStore is the subset of identity.Store the directory reads.
type UserStore interface {
	UserByID(ctx context.Context, id string) (identity.User, error)
	UserByUsername(ctx context.Context, username string) (identity.User, error)
	UsersByIDs(ctx context.Context, ids []string) ([]identity.User, error)
}

// UserDirectory is a Directory over the account store.
type UserDirectory struct {
	users UserStore
}

func NewUserDirectory(users UserStore) *UserDirectory {
	return &UserDirectory{users: users}
}

func (d *UserDirectory) Resolve(ctx context.Context, username string) (presence.Identity, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return presence.Identity{}, ErrUnknownIdentity
	}
	u, err := d.users.UserByUsername(ctx, username)
	return toIdentity(u, err)
}

func (d *UserDirectory) Lookup(ctx context.Context, id string) (presence.Identity, error) {
	if strings.TrimSpace(id) == "" {
		return presence.Identity{}, ErrUnknownIdentity
	}
	u, err := d.users.UserByID(ctx, id)
	return toIdentity(u, err)
}

func (d *UserDirectory) ListOnline(ctx context.Context, ids []string) ([]presence.Identity, error) {
	users, err := d.users.UsersByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make([]presence.Identity, 0, len(users))
	for _, u := range users {
		out = append(out, presence.Identity{ID: u.ID, Username: u.Username})
	}
	return out, nil
}

func toIdentity(u identity.User, err error) (presence.Identity, error) {
	if err != nil {
		if identity.IsNotFound(err) {
			return presence.Identity{}, ErrUnknownIdentity
		}
		return presence.Identity{}, err
	}
	return presence.Identity{ID: u.ID, Username: u.Username}, nil
}
