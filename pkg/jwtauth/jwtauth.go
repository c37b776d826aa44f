// Package jwtauth mints the short-lived bearer token used during worker
// registration when a pre-shared registration secret is configured.
package jwtauth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// RegistrationTokenExpiry is how long a freshly minted registration token
// remains valid.
const RegistrationTokenExpiry = 15 * time.Minute

// NewRegistrationToken signs a token carrying only {iat, exp} claims with
// preSharedSecret, HS256. The manager verifies it with the same secret,
// configured out of band.
func NewRegistrationToken(preSharedSecret string) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(RegistrationTokenExpiry)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(preSharedSecret))
}
