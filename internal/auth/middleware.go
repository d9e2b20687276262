package auth

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"devops-backend/internal/engine"
	"devops-backend/internal/metadata"
)

const userKey = "user"

// Middleware requires a valid bearer token on every request skip does not
// exempt, and stores the caller for GetUser.
func Middleware(signer *Signer, skip func(*fiber.Ctx) bool) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if skip != nil && skip(c) {
			return c.Next()
		}
		scheme, token, ok := strings.Cut(c.Get(fiber.HeaderAuthorization), " ")
		switch {
		case scheme == "":
			return engine.UnauthorizedError("Missing auth token")
		case !ok || !strings.EqualFold(scheme, "Bearer"):
			return engine.UnauthorizedError("Invalid auth header format")
		}
		user, err := signer.Verify(strings.TrimSpace(token))
		if err != nil {
			return engine.UnauthorizedError("Invalid or expired token")
		}
		c.Locals(userKey, user)
		return c.Next()
	}
}

// GetUser returns the authenticated caller, or nil on exempt routes.
func GetUser(c *fiber.Ctx) *metadata.UserContext {
	user, _ := c.Locals(userKey).(*metadata.UserContext)
	return user
}
