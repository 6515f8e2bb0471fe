package middleware

import (
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/require"
)

func securedApp() *fiber.App {
	app := fiber.New()
	secured := app.Group("/", UserContextMiddleware())
	secured.Post("/matches", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"user_id": c.Locals("user_id")})
	})
	moderation := secured.Group("/moderation", ModeratorGuard())
	moderation.Get("/disputes", func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusOK)
	})
	return app
}

func TestUserContextRejectsMissingUserID(t *testing.T) {
	app := securedApp()

	// Gateway-authenticated but headerless: no secured route may run with
	// an empty user id, regardless of where the route is mounted.
	resp, err := app.Test(httptest.NewRequest("POST", "/matches", nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
}

func TestUserContextPassesWithUserID(t *testing.T) {
	app := securedApp()

	req := httptest.NewRequest("POST", "/matches", nil)
	req.Header.Set("X-User-ID", "alice")
	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
}

func TestUserContextParsesRoles(t *testing.T) {
	app := fiber.New()
	app.Use(UserContextMiddleware())
	var roles []string
	app.Get("/whoami", func(c *fiber.Ctx) error {
		roles, _ = c.Locals("user_roles").([]string)
		return c.SendStatus(fiber.StatusOK)
	})

	req := httptest.NewRequest("GET", "/whoami", nil)
	req.Header.Set("X-User-ID", "bob")
	req.Header.Set("X-User-Roles", "player, moderator ,")
	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	require.Equal(t, []string{"player", "moderator"}, roles)
}

func TestModeratorGuard(t *testing.T) {
	app := securedApp()

	req := httptest.NewRequest("GET", "/moderation/disputes", nil)
	req.Header.Set("X-User-ID", "bob")
	req.Header.Set("X-User-Roles", "player")
	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusForbidden, resp.StatusCode)

	req = httptest.NewRequest("GET", "/moderation/disputes", nil)
	req.Header.Set("X-User-ID", "carol")
	req.Header.Set("X-User-Roles", "moderator")
	resp, err = app.Test(req)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
}
