package auth

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"lattice-backend/internal/engine"
	"lattice-backend/internal/metadata"
)

// Middleware returns a Fiber middleware that validates JWT tokens and sets
// the AccountContext on the request.
func Middleware(secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		header := c.Get("Authorization")
		if header == "" {
			return engine.UnauthorizedError("Missing auth token")
		}

		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			return engine.UnauthorizedError("Invalid auth header format")
		}

		claims, err := ParseAccessToken(parts[1], secret)
		if err != nil {
			return engine.UnauthorizedError("Invalid or expired token")
		}

		c.Locals("account", &metadata.AccountContext{
			ID:     claims.Subject,
			Roles:  claims.Roles,
			Active: claims.Active,
		})

		return c.Next()
	}
}

// RequireAdmin is a Fiber middleware that checks the authenticated account
// has the admin role.
func RequireAdmin() fiber.Handler {
	return func(c *fiber.Ctx) error {
		account, ok := c.Locals("account").(*metadata.AccountContext)
		if !ok || account == nil {
			return engine.UnauthorizedError("Missing auth token")
		}
		if !account.IsAdmin() {
			return engine.ForbiddenError("Admin access required")
		}
		return c.Next()
	}
}

// GetAccount extracts the AccountContext from a Fiber context.
func GetAccount(c *fiber.Ctx) *metadata.AccountContext {
	account, _ := c.Locals("account").(*metadata.AccountContext)
	return account
}
