package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndValidateTokenPair(t *testing.T) {
	svc := NewJWTService("unit-test-secret")

	access, refresh, expiresIn, err := svc.GenerateTokenPair("user-1", "u@example.com")
	require.NoError(t, err)
	assert.Positive(t, expiresIn)

	claims, err := svc.ValidateToken(access)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID)
	assert.Equal(t, "u@example.com", claims.Email)
	assert.Equal(t, "access", claims.Type)

	refreshClaims, err := svc.ValidateRefreshToken(refresh)
	require.NoError(t, err)
	assert.Equal(t, "refresh", refreshClaims.Type)
}

func TestValidateTokenRejectsWrongSecret(t *testing.T) {
	access, _, _, err := NewJWTService("secret-a").GenerateTokenPair("user-1", "u@example.com")
	require.NoError(t, err)

	_, err = NewJWTService("secret-b").ValidateToken(access)
	assert.Error(t, err)
}

func TestRefreshAccessToken(t *testing.T) {
	svc := NewJWTService("unit-test-secret")
	access, refresh, _, err := svc.GenerateTokenPair("user-1", "u@example.com")
	require.NoError(t, err)

	newAccess, expiresIn, err := svc.RefreshAccessToken(refresh)
	require.NoError(t, err)
	assert.Positive(t, expiresIn)

	claims, err := svc.ValidateToken(newAccess)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID)

	// access令牌不能充当refresh令牌
	_, _, err = svc.RefreshAccessToken(access)
	assert.Error(t, err)
}

func TestPasswordHashing(t *testing.T) {
	hash, err := HashPassword("correct horse battery staple")
	require.NoError(t, err)
	assert.NotEqual(t, "correct horse battery staple", hash)

	assert.True(t, CheckPassword(hash, "correct horse battery staple"))
	assert.False(t, CheckPassword(hash, "wrong password"))
}

func TestGenerateURLToken(t *testing.T) {
	a, err := GenerateURLToken(16)
	require.NoError(t, err)
	b, err := GenerateURLToken(16)
	require.NoError(t, err)

	assert.NotEmpty(t, a)
	assert.NotEqual(t, a, b)
}
