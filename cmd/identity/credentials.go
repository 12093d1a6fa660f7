package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"tars/cmd/security/password"
)

// ErrInvalidCredentials is returned by Authenticate for unknown users and
// wrong passwords alike.
var ErrInvalidCredentials = errors.New("invalid_credentials")

// prepareUser validates input, normalizes fields and hashes the password.
// Both stores share it so they enforce identical rules.
func prepareUser(op string, in CreateUserInput) (User, error) {
	username := strings.TrimSpace(in.Username)
	email := strings.TrimSpace(in.Email)

	if err := ValidateUsername(username); err != nil {
		return User{}, OpError{Op: op, Kind: ErrInvalidInput, Msg: errMsg(err)}
	}
	if err := ValidateEmail(email); err != nil {
		return User{}, OpError{Op: op, Kind: ErrInvalidInput, Msg: errMsg(err)}
	}

	pw, err := password.FromEnv()
	if err != nil {
		return User{}, fmt.Errorf("%s: password config: %w", op, err)
	}
	hash, err := pw.Hash(in.Password)
	if err != nil {
		if errors.Is(err, password.ErrPasswordTooShort) ||
			errors.Is(err, password.ErrPasswordTooLong) ||
			errors.Is(err, password.ErrWeakPassword) {
			return User{}, invalid(op, err.Error())
		}
		return User{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	id, err := NewULID(now)
	if err != nil {
		return User{}, err
	}

	return User{
		ID:           id,
		Username:     username,
		UsernameNorm: NormalizeUsername(username),
		Email:        email,
		EmailNorm:    NormalizeEmail(email),
		PasswordHash: hash,
		CreatedAt:    now,
	}, nil
}

func errMsg(err error) string {
	var oe OpError
	if errors.As(err, &oe) {
		return oe.Msg
	}
	return err.Error()
}

// Authenticate checks a username/password pair. Unknown users still pay for
// a dummy verification.
func Authenticate(ctx context.Context, s Store, username, plain string) (User, error) {
	pw, err := password.FromEnv()
	if err != nil {
		return User{}, err
	}

	u, err := s.UserByUsername(ctx, username)
	if err != nil {
		if IsNotFound(err) {
			pw.VerifyDummy(plain)
			return User{}, ErrInvalidCredentials
		}
		return User{}, err
	}

	ok, err := pw.Verify(u.PasswordHash, plain)
	if err != nil {
		return User{}, fmt.Errorf("identity.Authenticate: %w", err)
	}
	if !ok {
		return User{}, ErrInvalidCredentials
	}
	return u, nil
}
