package auth

import (
	"crypto/subtle"

	"github.com/golang-jwt/jwt/v5"

	"github.com/salescoach/api/internal/model"
)

// UserClaims are the claims carried by CRM-issued end-user tokens
// (HMAC-signed).
type UserClaims struct {
	UserID string `json:"userId"`
	Role   string `json:"role"`
	TeamID string `json:"teamId,omitempty"`
	jwt.RegisteredClaims
}

// ValidateUserToken validates an end-user token using HMAC signing.
func ValidateUserToken(tokenString, secret string) (*UserClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &UserClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(secret), nil
	})

	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*UserClaims)
	if !ok || !token.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}

	return claims, nil
}

// GenerateUserToken creates a new end-user token (useful for testing).
func GenerateUserToken(userID string, role model.Role, teamID, secret string) (string, error) {
	claims := UserClaims{
		UserID: userID,
		Role:   string(role),
		TeamID: teamID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer: "salescoach-api",
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// MatchesServiceSecret reports whether the bearer token equals the legacy
// long-lived shared secret, compared in constant time.
func MatchesServiceSecret(token, secret string) bool {
	if token == "" || secret == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(secret)) == 1
}
