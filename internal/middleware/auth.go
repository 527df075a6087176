package middleware

import (
	"log"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/salescoach/api/internal/auth"
	"github.com/salescoach/api/internal/model"
	"github.com/salescoach/api/pkg/response"
)

// Caller is the resolved identity of a request, stored in fiber locals.
type Caller struct {
	UserID string
	Role   model.Role
	TeamID string
	Admin  bool
	// Source records which authentication path admitted the caller:
	// "service", "legacy" or "user".
	Source string
}

// AuthMiddleware resolves a caller identity through three paths, in
// priority order: HMAC-signed service call, legacy shared-secret bearer,
// end-user bearer token.
type AuthMiddleware struct {
	signer        *auth.Signer
	serviceSecret string
	jwtSecret     string
}

func NewAuthMiddleware(signer *auth.Signer, serviceSecret, jwtSecret string) *AuthMiddleware {
	return &AuthMiddleware{
		signer:        signer,
		serviceSecret: serviceSecret,
		jwtSecret:     jwtSecret,
	}
}

// Authenticate validates the request's credentials and stores the resolved
// Caller in context locals.
func (m *AuthMiddleware) Authenticate() fiber.Handler {
	return func(c *fiber.Ctx) error {
		signature := c.Get(auth.HeaderSignature)
		timestamp := c.Get(auth.HeaderTimestamp)
		nonce := c.Get(auth.HeaderNonce)

		// Signed service-to-service call. Presence of any signing header
		// commits the request to this path; a partial header set is an error.
		if signature != "" || timestamp != "" || nonce != "" {
			if err := m.signer.Verify(signature, timestamp, nonce, c.Body()); err != nil {
				return response.Forbidden(c, "Invalid request signature")
			}
			c.Locals("caller", &Caller{
				UserID: "service",
				Role:   model.RoleAdmin,
				Admin:  true,
				Source: "service",
			})
			return c.Next()
		}

		authHeader := c.Get("Authorization")
		if authHeader == "" {
			return response.Unauthorized(c, "Missing authorization header")
		}
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			return response.Unauthorized(c, "Invalid authorization header format")
		}
		token := parts[1]

		// Legacy long-lived shared secret, kept for backward compatibility.
		if auth.MatchesServiceSecret(token, m.serviceSecret) {
			log.Printf("Deprecated: request authenticated with legacy shared secret")
			c.Locals("caller", &Caller{
				UserID: "service-legacy",
				Role:   model.RoleAdmin,
				Admin:  true,
				Source: "legacy",
			})
			return c.Next()
		}

		// End-user bearer token.
		claims, err := auth.ValidateUserToken(token, m.jwtSecret)
		if err != nil {
			return response.Unauthorized(c, "Invalid or expired token")
		}
		role := model.Role(claims.Role)
		c.Locals("caller", &Caller{
			UserID: claims.UserID,
			Role:   role,
			TeamID: claims.TeamID,
			Admin:  role == model.RoleAdmin,
			Source: "user",
		})
		return c.Next()
	}
}

// CallerFrom extracts the resolved caller from context.
func CallerFrom(c *fiber.Ctx) *Caller {
	caller, _ := c.Locals("caller").(*Caller)
	return caller
}
