// Package auth issues and checks the bearer tokens that guard the RPC routes
// on a TCP listener. Tokens are HS256 JWTs signed with a secret shared by the
// daemon, its CLI and its sync peers.
package auth

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	ScopeHistory = "history"
	ScopeSync    = "sync"

	issuer = "histd"
	// MinSecretLen is the shortest accepted shared secret.
	MinSecretLen = 16
	// DefaultTokenTTL bounds tokens minted without an explicit TTL.
	DefaultTokenTTL = 5 * time.Minute
)

var (
	ErrNoSecret     = errors.New("auth: secret is required")
	ErrInvalidToken = errors.New("auth: invalid token")
	ErrForbidden    = errors.New("auth: missing scope")
)

type Config struct {
	Enabled bool `mapstructure:"enabled"`
	// Secret wins over SecretFile when both are set.
	Secret     string        `mapstructure:"secret"`
	SecretFile string        `mapstructure:"secret_file"`
	TokenTTL   time.Duration `mapstructure:"token_ttl"`
}

func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Secret == "" && c.SecretFile == "" {
		return errors.New("auth: secret or secret_file is required when enabled")
	}
	if c.Secret != "" && len(c.Secret) < MinSecretLen {
		return fmt.Errorf("auth: secret must be at least %d bytes", MinSecretLen)
	}
	if c.TokenTTL < 0 {
		return errors.New("auth: token_ttl must not be negative")
	}
	return nil
}

// LoadSecret returns the configured secret, reading SecretFile when needed.
func (c Config) LoadSecret() ([]byte, error) {
	if c.Secret != "" {
		return []byte(c.Secret), nil
	}
	if c.SecretFile == "" {
		return nil, ErrNoSecret
	}
	b, err := os.ReadFile(c.SecretFile)
	if err != nil {
		return nil, fmt.Errorf("auth: read secret: %w", err)
	}
	s := strings.TrimSpace(string(b))
	if len(s) < MinSecretLen {
		return nil, fmt.Errorf("auth: secret in %s must be at least %d bytes", c.SecretFile, MinSecretLen)
	}
	return []byte(s), nil
}

// Claims carries the caller's host id in Subject and its granted scopes.
type Claims struct {
	Scopes []string `json:"scopes"`
	jwt.RegisteredClaims
}

func (c *Claims) Has(scope string) bool { return slices.Contains(c.Scopes, scope) }

type Tokens struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func New(secret []byte, ttl time.Duration) (*Tokens, error) {
	if len(secret) == 0 {
		return nil, ErrNoSecret
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &Tokens{secret: secret, ttl: ttl, now: time.Now}, nil
}

// FromConfig returns nil, nil when auth is disabled.
func FromConfig(c Config) (*Tokens, error) {
	if !c.Enabled {
		return nil, nil
	}
	secret, err := c.LoadSecret()
	if err != nil {
		return nil, err
	}
	return New(secret, c.TokenTTL)
}

func (t *Tokens) Mint(subject string, scopes ...string) (string, error) {
	now := t.now()
	claims := &Claims{
		Scopes: scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now.Add(-30 * time.Second)),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
		},
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return s, nil
}

func (t *Tokens) Verify(token string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(tok *jwt.Token) (any, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", tok.Header["alg"])
		}
		return t.secret, nil
	},
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.now),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil || !parsed.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return claims, nil
}

// Source mints a fresh token per call. It is what clients attach to
// outgoing requests.
func (t *Tokens) Source(subject string, scopes ...string) func() (string, error) {
	return func() (string, error) { return t.Mint(subject, scopes...) }
}
