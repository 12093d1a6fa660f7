package app

import (
	"errors"
	"fmt"

	"tars/cmd/security/token"
)

// ValidateSecurityConfig resolves the token fingerprint key once for the
// process. It fails startup when TARS_REQUIRE_TOKEN_HMAC is set but no usable
// key is configured. Without the policy a short key is still an error; a
// missing key falls back to plain SHA-256.
func ValidateSecurityConfig(cfg Config) (token.Fingerprinter, error) {
	key, err := token.HMACKeyFromEnv()
	if err != nil {
		if errors.Is(err, token.ErrHMACKeyTooShort) {
			return token.Fingerprinter{}, fmt.Errorf("security policy: %s is too short (min %d bytes)", token.HMACEnvKey, token.MinHMACKeyBytes)
		}
		return token.Fingerprinter{}, err
	}
	if cfg.RequireTokenHMAC && key == nil {
		return token.Fingerprinter{}, fmt.Errorf("security policy: TARS_REQUIRE_TOKEN_HMAC=true but %s is missing", token.HMACEnvKey)
	}
	return token.NewFingerprinter(key), nil
}
