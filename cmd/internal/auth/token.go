package auth

import (
	"strings"
	"time"

	paseto "aidanwoods.dev/go-paseto"
)

// Claims is the identity carried by an access token.
type Claims struct {
	UserID    string
	Username  string
	IssuedAt  time.Time
	ExpiresAt time.Time
	Issuer    string
}

// TokenManager issues and verifies PASETO v4.public access tokens.
type TokenManager struct {
	issuer    string
	ttl       time.Duration
	clockSkew time.Duration

	secret paseto.V4AsymmetricSecretKey
	public paseto.V4AsymmetricPublicKey
}

// NewTokenManager builds a TokenManager from cfg's hex Ed25519 secret key.
func NewTokenManager(cfg Config) (*TokenManager, error) {
	if strings.TrimSpace(cfg.Issuer) == "" || cfg.AccessTokenTTL <= 0 {
		return nil, ErrConfig
	}
	secret, err := paseto.NewV4AsymmetricSecretKeyFromHex(cfg.PasetoV4SecretKeyHex)
	if err != nil {
		return nil, ErrConfig
	}

	return &TokenManager{
		issuer:    cfg.Issuer,
		ttl:       cfg.AccessTokenTTL,
		clockSkew: cfg.ClockSkew,
		secret:    secret,
		public:    secret.Public(),
	}, nil
}

// NewSecretKeyHex generates a fresh signing key, for development when no key
// is configured. Tokens signed with it die with the process.
func NewSecretKeyHex() string {
	return paseto.NewV4AsymmetricSecretKey().ExportHex()
}

func (m *TokenManager) PublicKeyHex() string {
	return m.public.ExportHex()
}

func (m *TokenManager) TTL() time.Duration { return m.ttl }

func (m *TokenManager) Issue(userID, username string, now time.Time) (string, time.Time, error) {
	if userID == "" || username == "" {
		return "", time.Time{}, ErrInvalidToken
	}
	exp := now.Add(m.ttl)

	tok := paseto.NewToken()
	tok.SetIssuer(m.issuer)
	tok.SetIssuedAt(now)
	tok.SetNotBefore(now)
	tok.SetExpiration(exp)
	tok.SetSubject(userID)

	_ = tok.Set("uid", userID)
	_ = tok.Set("usr", username)

	return tok.V4Sign(m.secret, nil), exp, nil
}

func (m *TokenManager) Verify(token string, now time.Time) (Claims, error) {
	// Validating slightly in the future tolerates an early "nbf" from a
	// skewed clock; expiry becomes correspondingly stricter.
	validNow := now.Add(m.clockSkew)

	p := paseto.NewParser()
	p.AddRule(paseto.IssuedBy(m.issuer))
	p.AddRule(paseto.NotExpired())
	p.AddRule(paseto.ValidAt(validNow))

	parsed, err := p.ParseV4Public(m.public, token, nil)
	if err != nil {
		return Claims{}, ErrInvalidToken
	}

	uid, err := parsed.GetString("uid")
	if err != nil || uid == "" {
		return Claims{}, ErrInvalidToken
	}
	usr, err := parsed.GetString("usr")
	if err != nil || usr == "" {
		return Claims{}, ErrInvalidToken
	}

	iss, _ := parsed.GetIssuer()
	iat, _ := parsed.GetIssuedAt()
	exp, _ := parsed.GetExpiration()

	return Claims{
		UserID:    uid,
		Username:  usr,
		IssuedAt:  iat,
		ExpiresAt: exp,
		Issuer:    iss,
	}, nil
}
