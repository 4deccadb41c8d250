package passhash

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashAndVerify(t *testing.T) {
	hash, err := HashPassword("s3cret-password")
	require.NoError(t, err)
	assert.NotEqual(t, "s3cret-password", hash)

	ok, err := VerifyPassword("s3cret-password", hash)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = VerifyPassword("wrong", hash)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHashRejectsEmpty(t *testing.T) {
	_, err := HashPassword("")
	assert.Error(t, err)
}

func TestJWTRoundTrip(t *testing.T) {
	m := NewJWTManager(&JWTConfig{SecretKey: "k", TTL: time.Hour, Issuer: "test"})

	signed, err := m.Sign("session-token-1")
	require.NoError(t, err)

	token, err := m.Validate(signed)
	require.NoError(t, err)
	assert.Equal(t, "session-token-1", token)
}

func TestJWTRejectsTampering(t *testing.T) {
	m := NewJWTManager(&JWTConfig{SecretKey: "k", TTL: time.Hour})
	other := NewJWTManager(&JWTConfig{SecretKey: "different", TTL: time.Hour})

	signed, err := m.Sign("session-token-1")
	require.NoError(t, err)

	_, err = other.Validate(signed)
	assert.Error(t, err)

	_, err = m.Validate(signed + "x")
	assert.Error(t, err)
}

func TestJWTExpiry(t *testing.T) {
	m := NewJWTManager(&JWTConfig{SecretKey: "k", TTL: -time.Minute})

	signed, err := m.Sign("session-token-1")
	require.NoError(t, err)

	_, err = m.Validate(signed)
	assert.Error(t, err)
}
