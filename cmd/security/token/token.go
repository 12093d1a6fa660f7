package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"strings"
)

const (
	// HMACEnvKey names the optional fingerprint key.
	// #nosec G101 -- environment variable name, not a credential.
	HMACEnvKey = "TARS_TOKEN_HMAC_KEY"

	// MinHMACKeyBytes is the shortest accepted HMAC key.
	MinHMACKeyBytes = 32

	fingerprintHexLen = 16
)

// HashSHA256Hex returns a SHA-256 hex digest of s.
func HashSHA256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// HashHMACSHA256Hex returns an HMAC-SHA256 hex digest of s using key.
func HashHMACSHA256Hex(s string, key []byte) string {
	m := hmac.New(sha256.New, key)
	_, _ = m.Write([]byte(s))
	return hex.EncodeToString(m.Sum(nil))
}

// HMACKeyFromEnv returns the configured key, or nil when unset.
func HMACKeyFromEnv() ([]byte, error) {
	raw := strings.TrimSpace(os.Getenv(HMACEnvKey))
	if raw == "" {
		return nil, nil
	}
	if len(raw) < MinHMACKeyBytes {
		return nil, ErrHMACKeyTooShort
	}
	return []byte(raw), nil
}

// Fingerprinter derives token fingerprints with a key resolved once at
// startup. The zero value uses plain SHA-256.
type Fingerprinter struct {
	key []byte
}

// NewFingerprinter keys fingerprints with HMAC-SHA256; a nil key selects
// plain SHA-256.
func NewFingerprinter(key []byte) Fingerprinter {
	return Fingerprinter{key: key}
}

// Fingerprint returns a short, non-reversible identifier for tok. Empty input
// yields "".
func (f Fingerprinter) Fingerprint(tok string) string {
	tok = strings.TrimSpace(tok)
	if tok == "" {
		return ""
	}
	var sum string
	if len(f.key) > 0 {
		sum = HashHMACSHA256Hex(tok, f.key)
	} else {
		sum = HashSHA256Hex(tok)
	}
	return sum[:fingerprintHexLen]
}
