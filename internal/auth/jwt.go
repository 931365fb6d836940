package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/aircon-ledger/aircon-remote/internal/config"
	"github.com/aircon-ledger/aircon-remote/pkg/crypto"
)

const issuer = "aircon-remote"

// ErrInvalidCredentials is returned for a wrong username or password
var ErrInvalidCredentials = errors.New("invalid credentials")

// JWTManager manages JWT tokens
type JWTManager struct {
	config  *config.JWTConfig
	nowFunc func() time.Time
}

// NewJWTManager creates a new JWT manager
func NewJWTManager(cfg *config.JWTConfig) *JWTManager {
	return &JWTManager{
		config:  cfg,
		nowFunc: time.Now,
	}
}

// SetNowFunc overrides the time source (for testing).
func (m *JWTManager) SetNowFunc(fn func() time.Time) { m.nowFunc = fn }

// Claims represents JWT claims
type Claims struct {
	jwt.RegisteredClaims
	Username string `json:"username"`
	Account  string `json:"account"`
}

// GenerateToken issues an access token for the operator acting on account
func (m *JWTManager) GenerateToken(username, account string) (string, time.Time, error) {
	now := m.nowFunc()
	expires := now.Add(m.config.AccessTokenTTL)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			ExpiresAt: jwt.NewNumericDate(expires),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    issuer,
			ID:        uuid.New().String(),
		},
		Username: username,
		Account:  account,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(m.config.Secret))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign access token: %w", err)
	}
	return signed, expires, nil
}

// ValidateToken validates a token
func (m *JWTManager) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(m.config.Secret), nil
	}, jwt.WithIssuer(issuer), jwt.WithTimeFunc(m.nowFunc))

	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}

	return claims, nil
}

// Authenticator checks operator credentials against the configured hash
type Authenticator struct {
	username     string
	passwordHash string
}

// NewAuthenticator creates an authenticator. With no password hash
// configured every login fails.
func NewAuthenticator(cfg config.AuthConfig) *Authenticator {
	return &Authenticator{username: cfg.Username, passwordHash: cfg.PasswordHash}
}

// Enabled reports whether operator credentials are configured
func (a *Authenticator) Enabled() bool {
	return a.passwordHash != ""
}

// Authenticate verifies username and password
func (a *Authenticator) Authenticate(username, password string) error {
	if !a.Enabled() {
		return ErrInvalidCredentials
	}
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(a.username)) == 1
	passOK := crypto.VerifyPassword(password, a.passwordHash)
	if !userOK || !passOK {
		return ErrInvalidCredentials
	}
	return nil
}
