package service

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndValidateToken(t *testing.T) {
	auth := NewAuthService("secret", time.Hour)

	tok, err := auth.GenerateToken(TokenTypeProctor, 7, "Dana")
	require.NoError(t, err)

	claims, err := auth.ValidateToken(tok)
	require.NoError(t, err)
	assert.Equal(t, TokenTypeProctor, claims.TokenType)
	assert.Equal(t, 7, claims.UserID)
	assert.Equal(t, "Dana", claims.Name)
	assert.Equal(t, "7", claims.Subject)
}

func TestValidateTokenRejectsOtherSecret(t *testing.T) {
	tok, err := NewAuthService("one", time.Hour).GenerateToken(TokenTypeParticipant, 1, "")
	require.NoError(t, err)

	_, err = NewAuthService("two", time.Hour).ValidateToken(tok)
	require.Error(t, err)
}

func TestValidateTokenExpired(t *testing.T) {
	auth := NewAuthService("secret", -time.Minute)
	tok, err := auth.GenerateToken(TokenTypeParticipant, 1, "")
	require.NoError(t, err)

	_, err = auth.ValidateToken(tok)
	require.Error(t, err)
	assert.True(t, errors.Is(err, jwt.ErrTokenExpired))
}

func TestGenerateTokenUnknownType(t *testing.T) {
	_, err := NewAuthService("secret", time.Hour).GenerateToken("admin", 1, "")
	require.Error(t, err)
}
