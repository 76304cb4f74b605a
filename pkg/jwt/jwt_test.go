package jwt

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHS256RoundTrip(t *testing.T) {
	m, err := NewManager(Config{Secret: "s3cret", Issuer: "talk"})
	require.NoError(t, err)

	tok, err := m.Sign("u1", "recruiter", "Uma", time.Minute)
	require.NoError(t, err)

	claims, err := m.ValidateToken(tok)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.Participant())
	assert.Equal(t, "recruiter", claims.Role)
	assert.Equal(t, "Uma", claims.Name)
}

func TestExpiredToken(t *testing.T) {
	m, err := NewManager(Config{Secret: "s3cret"})
	require.NoError(t, err)

	tok, err := m.Sign("u1", "candidate", "", -time.Minute)
	require.NoError(t, err)

	_, err = m.ValidateToken(tok)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestWrongSecretRejected(t *testing.T) {
	a, err := NewManager(Config{Secret: "a"})
	require.NoError(t, err)
	b, err := NewManager(Config{Secret: "b"})
	require.NoError(t, err)

	tok, err := a.Sign("u1", "candidate", "", time.Minute)
	require.NoError(t, err)

	_, err = b.ValidateToken(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestRS256RoundTrip(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	privPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})

	signer, err := NewManager(Config{PrivateKeyPEM: string(privPEM)})
	require.NoError(t, err)
	tok, err := signer.Sign("u2", "candidate", "", time.Minute)
	require.NoError(t, err)

	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})

	verifier, err := NewManager(Config{PublicKeyPEM: string(pubPEM)})
	require.NoError(t, err)
	claims, err := verifier.ValidateToken(tok)
	require.NoError(t, err)
	assert.Equal(t, "u2", claims.Participant())

	_, err = verifier.Sign("u3", "", "", time.Minute)
	assert.ErrorIs(t, err, ErrNoSigningKey)
}

func TestNoKeyConfigured(t *testing.T) {
	_, err := NewManager(Config{})
	assert.ErrorIs(t, err, ErrNoSigningKey)
}
