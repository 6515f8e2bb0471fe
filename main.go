package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"match-escrow-system/handlers"
	"match-escrow-system/middleware"
	"match-escrow-system/models"
	"match-escrow-system/services"
	"match-escrow-system/utils"
	"match-escrow-system/workers"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("⚠️  No .env file found, reading environment variables directly")
	}

	app := fiber.New(fiber.Config{
		BodyLimit: 30 * 1024 * 1024, // evidence uploads capped at 25MB
	})

	// 🔐❗ GLOBAL: Only Gateway requests allowed — no exceptions
	app.Use(middleware.GatewayAuthMiddleware())

	allowedOriginsEnv := os.Getenv("ALLOWED_ORIGINS")
	if allowedOriginsEnv == "" {
		log.Println("⚠️  ALLOWED_ORIGINS environment variable not set, using default: http://localhost:3000")
		allowedOriginsEnv = "http://localhost:3000"
	}
	allowedOriginsList := strings.Split(allowedOriginsEnv, ",")
	for i, origin := range allowedOriginsList {
		allowedOriginsList[i] = strings.TrimSpace(origin)
	}
	allowedOriginsString := strings.Join(allowedOriginsList, ",")

	app.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOriginsString,
		AllowMethods:     "GET,POST,PUT,DELETE,OPTIONS,PATCH,HEAD",
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization, X-Requested-With, X-Request-ID, User-Agent, Cache-Control, X-User-ID, X-User-Roles",
		ExposeHeaders:    "Content-Length, Content-Type, Authorization, X-Request-ID",
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		log.Fatal("DATABASE_URL environment variable not set")
	}

	// Evidence storage is optional in dev; uploads fail gracefully without it.
	if err := utils.InitEvidenceStore(); err != nil {
		log.Printf("⚠️  Evidence store unavailable: %v", err)
	}

	// TranslateError maps driver duplicate-key errors to gorm.ErrDuplicatedKey,
	// which the idempotency handling depends on.
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		log.Fatal("failed to connect to database:", err)
	}

	if err := db.AutoMigrate(
		&models.Match{},
		&models.Wallet{},
		&models.LedgerEntry{},
		&models.ResultSubmission{},
		&models.ResultEvidence{},
		&models.Dispute{},
	); err != nil {
		log.Fatal("failed to migrate database:", err)
	}

	notifier := services.NewNotifyClient()
	walletService := services.NewWalletService(db)
	matchService := services.NewMatchService(db)
	escrowService := services.NewEscrowService(db, walletService, matchService, notifier)
	payoutService := services.NewPayoutService(db, walletService, matchService, notifier)
	resultService := services.NewResultService(db, matchService, payoutService, notifier)

	// The treasury wallet must exist before the first fee credit lands.
	if _, err := walletService.ProvisionWallet(context.Background(), payoutService.PlatformAccountID, 0); err != nil {
		log.Fatal("failed to provision platform treasury wallet:", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go workers.PollStaleSeats(ctx, escrowService, 30*time.Second)
	escrowService.StartExpiryScheduler()

	// ✅ Setup routes — enforced Gateway auth on everything
	handlers.SetupMatchRoutes(app, matchService, escrowService)
	handlers.SetupWalletRoutes(app, walletService)
	handlers.SetupResultRoutes(app, resultService)

	go func() {
		if err := app.Listen(":5300"); err != nil {
			log.Printf("Server error: %v", err)
		}
	}()

	log.Println("✅ Server running on http://localhost:5300")
	log.Println("✅ Stale-seat sweeper running (every 30s)")
	log.Println("✅ Expiry scheduler running (every 1m)")
	log.Println("✅ GatewayAuthMiddleware enforced globally — all requests must come from Gateway")
	log.Printf("✅ CORS configured for origins: %s", allowedOriginsString)

	<-ctx.Done()
	log.Println("Shutting down server...")
}
