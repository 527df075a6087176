package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/salescoach/api/internal/model"
)

func TestUserToken_RoundTrip(t *testing.T) {
	token, err := GenerateUserToken("user-1", model.RoleManager, "team-9", "jwt-secret")
	require.NoError(t, err)

	claims, err := ValidateUserToken(token, "jwt-secret")
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID)
	assert.Equal(t, string(model.RoleManager), claims.Role)
	assert.Equal(t, "team-9", claims.TeamID)
}

func TestUserToken_WrongSecret(t *testing.T) {
	token, err := GenerateUserToken("user-1", model.RoleRep, "", "jwt-secret")
	require.NoError(t, err)

	_, err = ValidateUserToken(token, "other-secret")
	assert.Error(t, err)
}

func TestUserToken_Expired(t *testing.T) {
	claims := UserClaims{
		UserID: "user-1",
		Role:   string(model.RoleRep),
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("jwt-secret"))
	require.NoError(t, err)

	_, err = ValidateUserToken(token, "jwt-secret")
	assert.Error(t, err)
}

func TestUserToken_RejectsUnexpectedSigningMethod(t *testing.T) {
	token := jwt.NewWithClaims(jwt.SigningMethodNone, UserClaims{UserID: "user-1"})
	signed, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = ValidateUserToken(signed, "jwt-secret")
	assert.Error(t, err)
}

func TestMatchesServiceSecret(t *testing.T) {
	assert.True(t, MatchesServiceSecret("s3cret", "s3cret"))
	assert.False(t, MatchesServiceSecret("s3cret", "other"))
	assert.False(t, MatchesServiceSecret("", ""))
	assert.False(t, MatchesServiceSecret("s3cret", ""))
}
