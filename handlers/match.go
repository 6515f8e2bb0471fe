// handlers/match.go
package handlers

import (
	"match-escrow-system/middleware"
	"match-escrow-system/services"

	"github.com/gofiber/fiber/v2"
)

func SetupMatchRoutes(app *fiber.App, matchService *services.MatchService, escrowService *services.EscrowService) {
	// 🔓 Public routes — *no user context*, but **still require Gateway auth**
	app.Get("/matches", matchService.GetOpenMatchesEndpoint)
	app.Get("/matches/:id", matchService.GetMatchEndpoint)

	// 🔐 Secured routes — require user context (userID, roles), enforced via middleware
	secured := app.Group("/", middleware.UserContextMiddleware())

	secured.Post("/matches", escrowService.CreateMatchEndpoint)
	secured.Post("/matches/:id/join", escrowService.JoinMatchEndpoint)
}
