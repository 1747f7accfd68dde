package middleware

import (
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/fluxpay/fluxpay/internal/auth"
)

const (
	localUserID = "user_id"
	localRole   = "role"
)

// JWTAuth returns a middleware that validates HS256 bearer tokens and stores
// the caller id in c.Locals("user_id").
func JWTAuth(secret string) fiber.Handler {
	key := []byte(secret)
	return func(c *fiber.Ctx) error {
		authz := c.Get(fiber.HeaderAuthorization)
		if !strings.HasPrefix(strings.ToLower(authz), "bearer ") {
			return fiber.NewError(http.StatusUnauthorized, "missing bearer token")
		}
		claims, err := auth.ParseAndVerifyHS256(authz[len("Bearer "):], key)
		if err != nil {
			return fiber.NewError(http.StatusUnauthorized, "invalid token")
		}
		c.Locals(localUserID, claims.UserID())
		c.Locals(localRole, claims.Role)
		return c.Next()
	}
}

// RequireAdmin rejects callers without the admin role. It must run after JWTAuth.
func RequireAdmin() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if role, _ := c.Locals(localRole).(string); role != auth.RoleAdmin {
			return fiber.NewError(http.StatusForbidden, "admin role required")
		}
		return c.Next()
	}
}

// CallerID returns the authenticated user id, or "" for anonymous requests.
func CallerID(c *fiber.Ctx) string {
	uid, _ := c.Locals(localUserID).(string)
	return uid
}
