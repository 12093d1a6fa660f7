package identity

import (
	"net/mail"
	"strings"
	"unicode/utf8"
)

const (
	MaxUsernameLen = 50
	MaxEmailLen    = 100
)

// NormalizeUsername performs case-insensitive canonicalization.
func NormalizeUsername(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// NormalizeEmail performs case-insensitive canonicalization.
func NormalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// ValidateUsername checks the trimmed display form.
// Usernames are 1..50 characters of [A-Za-z0-9_.-].
func ValidateUsername(s string) error {
	const op = "identity.ValidateUsername"

	s = strings.TrimSpace(s)
	if s == "" {
		return invalid(op, "username is required")
	}
	if utf8.RuneCountInString(s) > MaxUsernameLen {
		return invalid(op, "username too long")
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '_' || r == '.' || r == '-':
		default:
			return invalid(op, "username contains invalid characters")
		}
	}
	return nil
}

// ValidateEmail checks length and a bare addr-spec shape.
func ValidateEmail(s string) error {
	const op = "identity.ValidateEmail"

	s = strings.TrimSpace(s)
	if s == "" {
		return invalid(op, "email is required")
	}
	if utf8.RuneCountInString(s) > MaxEmailLen {
		return invalid(op, "email too long")
	}
	addr, err := mail.ParseAddress(s)
	if err != nil || addr.Address != s {
		return invalid(op, "email is malformed")
	}
	return nil
}
