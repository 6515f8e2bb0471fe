// middleware/moderator.go
package middleware

import (
	"log"

	"github.com/gofiber/fiber/v2"
)

// ModeratorGuard rejects callers without the moderator role. Must run after
// UserContextMiddleware, which populates user_roles.
func ModeratorGuard() fiber.Handler {
	return func(c *fiber.Ctx) error {
		roles, _ := c.Locals("user_roles").([]string)
		for _, r := range roles {
			if r == "moderator" || r == "admin" {
				return c.Next()
			}
		}
		log.Printf("🚫 [MODERATOR] %v denied moderator access to %s", c.Locals("user_id"), c.Path())
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
			"error": "moderator role required",
		})
	}
}
