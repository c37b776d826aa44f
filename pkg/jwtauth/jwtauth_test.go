package jwtauth

import (
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func TestNewRegistrationTokenVerifiable(t *testing.T) {
	secret := "pre-shared-secret"
	tokenString, err := NewRegistrationToken(secret)
	require.NoError(t, err)

	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	})
	require.NoError(t, err)
	require.True(t, token.Valid)
	require.NotNil(t, claims.ExpiresAt)
	require.NotNil(t, claims.IssuedAt)
	require.WithinDuration(t, claims.IssuedAt.Time.Add(RegistrationTokenExpiry), claims.ExpiresAt.Time, 0)
}

func TestNewRegistrationTokenRejectsWrongSecret(t *testing.T) {
	tokenString, err := NewRegistrationToken("correct")
	require.NoError(t, err)

	_, err = jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{}, func(*jwt.Token) (interface{}, error) {
		return []byte("wrong"), nil
	})
	require.Error(t, err)
}
