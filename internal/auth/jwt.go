package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrUnknownRole  = errors.New("unknown role")
	ErrMissingKey   = errors.New("signing secret is required")
)

const issuer = "ai-billing"

// Claims are the JWT claims carried by service and admin tokens
type Claims struct {
	Roles []Role `json:"roles"`
	jwt.RegisteredClaims
}

// HasAnyRole reports whether any held role grants one of the required roles
func (c *Claims) HasAnyRole(required ...Role) bool {
	for _, want := range required {
		for _, held := range c.Roles {
			if held.HasPermission(want) {
				return true
			}
		}
	}
	return false
}

// GenerateToken signs an HS256 token for subject with the given roles.
// Returns the token and its expiry as a unix timestamp.
func GenerateToken(secret []byte, subject string, roles []Role, ttl time.Duration) (string, int64, error) {
	if len(secret) == 0 {
		return "", 0, ErrMissingKey
	}
	if subject == "" {
		return "", 0, fmt.Errorf("subject is required")
	}
	for _, role := range roles {
		if !role.IsValid() {
			return "", 0, fmt.Errorf("%w: %s", ErrUnknownRole, role)
		}
	}

	now := time.Now()
	expiresAt := now.Add(ttl)
	claims := Claims{
		Roles: roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)

	signedToken, err := token.SignedString(secret)
	if err != nil {
		return "", 0, err
	}
	return signedToken, expiresAt.Unix(), nil
}

// ValidateToken verifies the signature and expiry and returns the claims
func ValidateToken(secret []byte, tokenString string) (*Claims, error) {
	if len(secret) == 0 {
		return nil, ErrMissingKey
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
