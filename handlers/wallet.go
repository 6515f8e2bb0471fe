// handlers/wallet.go
package handlers

import (
	"match-escrow-system/middleware"
	"match-escrow-system/services"

	"github.com/gofiber/fiber/v2"
)

func SetupWalletRoutes(app *fiber.App, walletService *services.WalletService) {
	// 🔐 All wallet routes require user context
	secured := app.Group("/", middleware.UserContextMiddleware())

	secured.Get("/wallets/me/balance", walletService.GetBalanceEndpoint)
	secured.Get("/wallets/me/history", walletService.GetHistoryEndpoint)
	secured.Post("/wallets/me/deposit", walletService.DepositEndpoint)
	secured.Post("/wallets/me/withdraw", walletService.WithdrawEndpoint)

	// Provisioning is an admin path; the gateway only routes it for admins
	admin := secured.Group("/admin", middleware.ModeratorGuard())
	admin.Post("/wallets", walletService.ProvisionEndpoint)
}
