package jwt

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token has expired")
	ErrNoSigningKey = errors.New("no signing key configured")
)

// Claims represents the access token issued by the identity provider.
// The subject (or user_id) is the participant id used by the chat core.
type Claims struct {
	jwt.RegisteredClaims
	UserID string `json:"user_id"`
	Role   string `json:"role"`
	Name   string `json:"name"`
}

// Participant returns the stable participant id carried by the token.
func (c *Claims) Participant() string {
	if c.UserID != "" {
		return c.UserID
	}
	return c.Subject
}

// Config selects how tokens are verified. Either Secret (HS256) or
// PublicKeyPEM (RS256) must be set; PrivateKeyPEM is only needed to issue
// tokens, e.g. in development tooling.
type Config struct {
	Secret        string `mapstructure:"secret"`
	PublicKeyPEM  string `mapstructure:"public_key"`
	PrivateKeyPEM string `mapstructure:"private_key"`
	Issuer        string `mapstructure:"issuer"`
}

// Manager verifies (and optionally issues) access tokens.
type Manager struct {
	secret     []byte
	publicKey  *rsa.PublicKey
	privateKey *rsa.PrivateKey
	issuer     string
}

// NewManager creates a new JWT manager.
func NewManager(cfg Config) (*Manager, error) {
	m := &Manager{issuer: cfg.Issuer}

	if cfg.Secret != "" {
		m.secret = []byte(cfg.Secret)
	}
	if cfg.PublicKeyPEM != "" {
		key, err := jwt.ParseRSAPublicKeyFromPEM([]byte(cfg.PublicKeyPEM))
		if err != nil {
			return nil, fmt.Errorf("parse public key: %w", err)
		}
		m.publicKey = key
	}
	if cfg.PrivateKeyPEM != "" {
		key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(cfg.PrivateKeyPEM))
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		m.privateKey = key
		if m.publicKey == nil {
			m.publicKey = &key.PublicKey
		}
	}
	if m.secret == nil && m.publicKey == nil {
		return nil, ErrNoSigningKey
	}

	return m, nil
}

// ValidateToken validates a token and returns claims.
func (m *Manager) ValidateToken(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{jwt.WithExpirationRequired()}
	if m.issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		switch token.Method.(type) {
		case *jwt.SigningMethodHMAC:
			if m.secret == nil {
				return nil, ErrInvalidToken
			}
			return m.secret, nil
		case *jwt.SigningMethodRSA:
			if m.publicKey == nil {
				return nil, ErrInvalidToken
			}
			return m.publicKey, nil
		default:
			return nil, ErrInvalidToken
		}
	}, opts...)

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Participant() == "" {
		return nil, ErrInvalidToken
	}

	return claims, nil
}

// Sign issues a token for userID. RS256 is used when a private key is
// configured, HS256 otherwise.
func (m *Manager) Sign(userID, role, name string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		UserID: userID,
		Role:   role,
		Name:   name,
	}

	switch {
	case m.privateKey != nil:
		return jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(m.privateKey)
	case m.secret != nil:
		return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	default:
		return "", ErrNoSigningKey
	}
}
