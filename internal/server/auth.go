package server

import (
	"github.com/golang-jwt/jwt/v5"

	collab_errors "transcript-collab/pkg/errors"
)

// AccessClaims carries the application-level identity minted by the
// surrounding SaaS. The collaboration service only verifies it.
type AccessClaims struct {
	UserID string `json:"sub"`
	Name   string `json:"name,omitempty"`
	Email  string `json:"email,omitempty"`
	Role   string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// ParseAccessToken verifies an HS256 access token and returns its claims.
func ParseAccessToken(secret, tokenString string) (AccessClaims, error) {
	if tokenString == "" {
		return AccessClaims{}, collab_errors.ErrUnauthorized
	}

	parsed, err := jwt.ParseWithClaims(tokenString, &AccessClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, collab_errors.ErrUnauthorized
		}
		return []byte(secret), nil
	})
	if err != nil {
		return AccessClaims{}, collab_errors.ErrUnauthorized
	}

	claims, ok := parsed.Claims.(*AccessClaims)
	if !ok || !parsed.Valid {
		return AccessClaims{}, collab_errors.ErrUnauthorized
	}

	return *claims, nil
}
