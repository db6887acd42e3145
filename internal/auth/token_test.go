// ABOUTME: Tests for JWT token verification and generation
// ABOUTME: Covers round-trips, expiry, wrong secrets, and missing claims

package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJWTVerifier_RoundTrip(t *testing.T) {
	verifier, err := NewJWTVerifier([]byte("test-secret"))
	require.NoError(t, err)

	token, err := verifier.Generate("alice", time.Hour)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	userID, err := verifier.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", userID)
}

func TestJWTVerifier_ExpiredToken(t *testing.T) {
	verifier, err := NewJWTVerifier([]byte("test-secret"))
	require.NoError(t, err)

	token, err := verifier.Generate("alice", -time.Minute)
	require.NoError(t, err)

	_, err = verifier.Verify(token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestJWTVerifier_WrongSecret(t *testing.T) {
	signer, err := NewJWTVerifier([]byte("secret-a"))
	require.NoError(t, err)
	verifier, err := NewJWTVerifier([]byte("secret-b"))
	require.NoError(t, err)

	token, err := signer.Generate("alice", time.Hour)
	require.NoError(t, err)

	_, err = verifier.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestJWTVerifier_MissingSubClaim(t *testing.T) {
	secret := []byte("test-secret")
	verifier, err := NewJWTVerifier(secret)
	require.NoError(t, err)

	// Hand-build a token without a sub claim
	claims := jwt.MapClaims{
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(time.Hour).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	require.NoError(t, err)

	_, err = verifier.Verify(token)
	assert.ErrorIs(t, err, ErrMissingClaim)
}

func TestJWTVerifier_GarbageToken(t *testing.T) {
	verifier, err := NewJWTVerifier([]byte("test-secret"))
	require.NoError(t, err)

	_, err = verifier.Verify("not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestNewJWTVerifier_EmptySecret(t *testing.T) {
	_, err := NewJWTVerifier(nil)
	assert.Error(t, err)
}

func TestGenerate_EmptyUser(t *testing.T) {
	verifier, err := NewJWTVerifier([]byte("test-secret"))
	require.NoError(t, err)

	_, err = verifier.Generate("", time.Hour)
	assert.Error(t, err)
}
