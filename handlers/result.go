// handlers/result.go
package handlers

import (
	"match-escrow-system/middleware"
	"match-escrow-system/services"

	"github.com/gofiber/fiber/v2"
)

func SetupResultRoutes(app *fiber.App, resultService *services.ResultService) {
	// 🔐 Result submission requires user context
	secured := app.Group("/", middleware.UserContextMiddleware())

	secured.Post("/matches/:id/results", resultService.SubmitResultEndpoint)
	secured.Post("/evidence", resultService.UploadEvidenceEndpoint)

	// ✅ Moderation routes — moderator role required
	moderation := secured.Group("/moderation", middleware.ModeratorGuard())
	moderation.Get("/disputes", resultService.GetDisputesEndpoint)
	moderation.Post("/disputes/:id/resolve", resultService.ResolveDisputeEndpoint)
}
