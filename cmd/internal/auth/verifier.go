package auth

import (
	"context"
	"fmt"
	"strings"
	"time"

	"tars/cmd/identity"
	"tars/cmd/internal/presence"
)

// UserLookup is the identity store subset the verifier needs.
type UserLookup interface {
	UserByID(ctx context.Context, id string) (identity.User, error)
}

// Verifier turns an access token into the identity it was issued to. The
// account must still exist; the username comes from the store, not the token.
type Verifier struct {
	tokens *TokenManager
	users  UserLookup
	now    func() time.Time
}

func NewVerifier(tokens *TokenManager, users UserLookup) *Verifier {
	return &Verifier{tokens: tokens, users: users, now: time.Now}
}

func (v *Verifier) Verify(ctx context.Context, token string) (presence.Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return presence.Identity{}, ErrInvalidToken
	}

	claims, err := v.tokens.Verify(token, v.now().UTC())
	if err != nil {
		return presence.Identity{}, err
	}

	u, err := v.users.UserByID(ctx, claims.UserID)
	if err != nil {
		if identity.IsNotFound(err) {
			return presence.Identity{}, ErrInvalidToken
		}
		return presence.Identity{}, fmt.Errorf("auth: load user: %w", err)
	}
	return presence.Identity{ID: u.ID, Username: u.Username}, nil
}
