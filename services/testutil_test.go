package services

import (
	"context"
	"testing"
	"time"

	"match-escrow-system/models"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const testTreasury = "platform-treasury"

type testEnv struct {
	db       *gorm.DB
	wallets  *WalletService
	matches  *MatchService
	escrow   *EscrowService
	payouts  *PayoutService
	results  *ResultService
	notifier *NotifyClient
}

// newTestEnv wires the full service stack against an in-memory database.
// A single connection serializes concurrent goroutines the same way row
// locks would on the production store, so the race tests stay meaningful.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(
		&models.Match{},
		&models.Wallet{},
		&models.LedgerEntry{},
		&models.ResultSubmission{},
		&models.ResultEvidence{},
		&models.Dispute{},
	))

	notifier := &NotifyClient{} // empty BaseURL: publishing is a no-op
	wallets := NewWalletService(db)
	matches := NewMatchService(db)
	escrow := &EscrowService{
		DB:          db,
		Wallets:     wallets,
		Matches:     matches,
		Notifier:    notifier,
		GracePeriod: 2 * time.Minute,
		OpenSeatTTL: 24 * time.Hour,
	}
	payouts := &PayoutService{
		DB:                db,
		Wallets:           wallets,
		Matches:           matches,
		Notifier:          notifier,
		FeeBasisPoints:    1000,
		PlatformAccountID: testTreasury,
	}
	results := NewResultService(db, matches, payouts, notifier)

	_, err = wallets.ProvisionWallet(context.Background(), testTreasury, 0)
	require.NoError(t, err)

	return &testEnv{
		db:       db,
		wallets:  wallets,
		matches:  matches,
		escrow:   escrow,
		payouts:  payouts,
		results:  results,
		notifier: notifier,
	}
}

func (e *testEnv) fund(t *testing.T, ownerID string, balance int64) {
	t.Helper()
	_, err := e.wallets.ProvisionWallet(context.Background(), ownerID, balance)
	require.NoError(t, err)
}

func (e *testEnv) balance(t *testing.T, ownerID string) int64 {
	t.Helper()
	balance, err := e.wallets.GetBalance(context.Background(), ownerID)
	require.NoError(t, err)
	return balance
}

func (e *testEnv) reload(t *testing.T, matchID string) *models.Match {
	t.Helper()
	match, err := e.matches.GetMatch(context.Background(), matchID)
	require.NoError(t, err)
	return match
}

// activeMatch runs the full create+join saga: host and opponent funded,
// both stakes reserved, match active with a fixed prize pool.
func (e *testEnv) activeMatch(t *testing.T, hostID, opponentID string, stake int64) *models.Match {
	t.Helper()
	ctx := context.Background()

	e.fund(t, hostID, stake*2)
	e.fund(t, opponentID, stake*2)

	match, err := e.escrow.CreateMatch(ctx, hostID, stake, "Test Match")
	require.NoError(t, err)

	match, err = e.escrow.JoinMatch(ctx, match.ID, opponentID)
	require.NoError(t, err)
	require.Equal(t, models.MatchStatusActive, match.Status)
	return match
}
