package password

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/crypto/argon2"
)

const argon2Version = argon2.Version

var b64 = base64.RawStdEncoding

// Hash validates password against the policy and returns
// $argon2id$v=19$m=<mem>,t=<iter>,p=<par>$<salt>$<key>.
func (c Config) Hash(password string) (string, error) {
	if err := c.Validate(password); err != nil {
		return "", err
	}
	return c.derive(password)
}

func (c Config) derive(password string) (string, error) {
	salt := make([]byte, c.Params.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("salt: %w", err)
	}

	p := c.Params
	key := argon2.IDKey([]byte(password), salt, p.Iterations, p.MemoryKiB, p.Parallelism, p.KeyLength)

	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2Version, p.MemoryKiB, p.Iterations, p.Parallelism,
		b64.EncodeToString(salt), b64.EncodeToString(key),
	), nil
}

// Verify returns (true, nil) on match, (false, nil) on mismatch and
// (false, ErrInvalidHash) for malformed or out-of-bounds hashes.
func (c Config) Verify(encodedHash, password string) (bool, error) {
	params, salt, expected, err := decode(encodedHash)
	if err != nil {
		return false, err
	}
	if !c.acceptable(params) {
		return false, ErrInvalidHash
	}

	key := argon2.IDKey(
		[]byte(password),
		salt,
		params.Iterations,
		params.MemoryKiB,
		params.Parallelism,
		params.KeyLength,
	)
	return subtle.ConstantTimeCompare(key, expected) == 1, nil
}

var (
	dummyOnce sync.Once
	dummyHash string
)

// VerifyDummy spends roughly the cost of a real Verify so unknown accounts
// and wrong passwords take the same time. It always reports false.
func (c Config) VerifyDummy(password string) {
	dummyOnce.Do(func() {
		dummyHash, _ = c.derive("tars-dummy-credential")
	})
	if dummyHash != "" {
		_, _ = c.Verify(dummyHash, password)
	}
}

// acceptable allows hashes made with older, cheaper settings but refuses
// parameters more than twice the configured cost.
func (c Config) acceptable(got Argon2idParams) bool {
	lim := c.Params
	switch {
	case got.MemoryKiB > lim.MemoryKiB*2,
		got.Iterations > lim.Iterations*2,
		uint32(got.Parallelism) > uint32(lim.Parallelism)*2:
		return false
	case got.SaltLength < 8 || got.SaltLength > 64:
		return false
	case got.KeyLength < 16 || got.KeyLength > 128:
		return false
	}
	return true
}

func decode(encoded string) (Argon2idParams, []byte, []byte, error) {
	bad := func() (Argon2idParams, []byte, []byte, error) {
		return Argon2idParams{}, nil, nil, ErrInvalidHash
	}

	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != "argon2id" {
		return bad()
	}
	if parts[2] != "v="+strconv.Itoa(argon2Version) {
		return bad()
	}

	var mem, it, par uint64
	for _, kv := range strings.Split(parts[3], ",") {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return bad()
		}
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil || n == 0 {
			return bad()
		}
		switch k {
		case "m":
			mem = n
		case "t":
			it = n
		case "p":
			par = n
		default:
			return bad()
		}
	}
	if mem == 0 || it == 0 || par == 0 || par > 255 {
		return bad()
	}

	salt, err := b64.DecodeString(parts[4])
	if err != nil {
		return bad()
	}
	key, err := b64.DecodeString(parts[5])
	if err != nil {
		return bad()
	}

	return Argon2idParams{
		MemoryKiB:   uint32(mem),
		Iterations:  uint32(it),
		Parallelism: uint8(par),
		SaltLength:  uint32(len(salt)), // #nosec G115 -- bounded by acceptable().
		KeyLength:   uint32(len(key)),  // #nosec G115 -- bounded by acceptable().
	}, salt, key, nil
}
