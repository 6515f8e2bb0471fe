// services/wallet_service.go
package services

import (
	"context"
	"errors"
	"fmt"
	"log"

	"match-escrow-system/models"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// WalletService owns player balances and the append-only ledger. It is the
// only component allowed to mutate either; everything else goes through the
// methods below. Every mutation couples the balance counter and its ledger
// entry in one database transaction, so the counter always equals the sum of
// the owner's entries.
type WalletService struct {
	DB *gorm.DB
}

func NewWalletService(db *gorm.DB) *WalletService {
	return &WalletService{DB: db}
}

// ProvisionWallet creates a wallet for ownerID with an opening balance. The
// opening amount, if any, is recorded as a deposit entry. Provisioning an
// existing owner is a no-op returning the current wallet.
func (s *WalletService) ProvisionWallet(ctx context.Context, ownerID string, openingBalance int64) (*models.Wallet, error) {
	if ownerID == "" {
		return nil, fmt.Errorf("%w: %s", ErrValidation, "owner id required")
	}
	if openingBalance < 0 {
		return nil, fmt.Errorf("%w: %s", ErrValidation, "opening balance cannot be negative")
	}

	var existing models.Wallet
	err := s.DB.WithContext(ctx).Where("owner_id = ?", ownerID).First(&existing).Error
	if err == nil {
		return &existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	wallet := &models.Wallet{
		ID:      uuid.NewString(),
		OwnerID: ownerID,
		Balance: openingBalance,
	}
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(wallet).Error; err != nil {
			return err
		}
		if openingBalance == 0 {
			return nil
		}
		return tx.Create(&models.LedgerEntry{
			ID:             uuid.NewString(),
			OwnerID:        ownerID,
			Amount:         openingBalance,
			Kind:           models.LedgerKindDeposit,
			IdempotencyKey: ownerID + ":provision",
		}).Error
	})
	if err != nil {
		// Lost a provisioning race: the other writer's wallet is the real one.
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			if err2 := s.DB.WithContext(ctx).Where("owner_id = ?", ownerID).First(&existing).Error; err2 == nil {
				return &existing, nil
			}
		}
		return nil, err
	}
	return wallet, nil
}

// GetBalance returns the maintained balance counter for ownerID.
func (s *WalletService) GetBalance(ctx context.Context, ownerID string) (int64, error) {
	var wallet models.Wallet
	if err := s.DB.WithContext(ctx).Where("owner_id = ?", ownerID).First(&wallet).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, ErrWalletNotFound
		}
		return 0, err
	}
	return wallet.Balance, nil
}

// Reserve atomically checks balance ≥ amount and, if so, debits the wallet
// and appends a stake-reserve entry in the same transaction. The check and
// decrement are a single conditional UPDATE against the live balance — never
// a read-then-write — so two concurrent reservations can never both succeed
// past the available funds. Replaying the same idempotency key is a no-op.
func (s *WalletService) Reserve(ctx context.Context, ownerID string, amount int64, idempotencyKey string, matchID *string) error {
	return s.debit(ctx, ownerID, amount, idempotencyKey, matchID, models.LedgerKindStakeReserve)
}

// Withdraw moves funds out of the platform entirely; same atomic
// check-and-decrement as Reserve, recorded with the withdrawal kind.
func (s *WalletService) Withdraw(ctx context.Context, ownerID string, amount int64, idempotencyKey string) error {
	return s.debit(ctx, ownerID, amount, idempotencyKey, nil, models.LedgerKindWithdrawal)
}

func (s *WalletService) debit(ctx context.Context, ownerID string, amount int64, idempotencyKey string, matchID *string, kind models.LedgerKind) error {
	if amount <= 0 {
		return fmt.Errorf("%w: %s", ErrValidation, "debit amount must be positive")
	}
	if idempotencyKey == "" {
		return fmt.Errorf("%w: %s", ErrValidation, "idempotency key required")
	}

	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&models.LedgerEntry{
			ID:             uuid.NewString(),
			OwnerID:        ownerID,
			Amount:         -amount,
			Kind:           kind,
			RelatedMatchID: matchID,
			IdempotencyKey: idempotencyKey,
		}).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrDuplicateOperation
			}
			return err
		}

		res := tx.Model(&models.Wallet{}).
			Where("owner_id = ? AND balance >= ?", ownerID, amount).
			Update("balance", gorm.Expr("balance - ?", amount))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// Distinguish "no wallet" from "not enough money"; either way the
			// transaction rolls back and nothing changed.
			var count int64
			if err := tx.Model(&models.Wallet{}).Where("owner_id = ?", ownerID).Count(&count).Error; err != nil {
				return err
			}
			if count == 0 {
				return ErrWalletNotFound
			}
			return ErrInsufficientFunds
		}
		return nil
	})
	if errors.Is(err, ErrDuplicateOperation) {
		// The logical operation already committed once; a retry must not
		// double-debit, but it must carry the same amount it did the
		// first time.
		return s.verifyReplay(ctx, idempotencyKey, -amount)
	}
	return err
}

// Refund credits back a previously reserved stake. Idempotent on the key.
func (s *WalletService) Refund(ctx context.Context, ownerID string, amount int64, idempotencyKey string, matchID *string) error {
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.CreditTx(tx, ownerID, amount, idempotencyKey, matchID, models.LedgerKindStakeRefund)
	})
	if errors.Is(err, ErrDuplicateOperation) {
		return s.verifyReplay(ctx, idempotencyKey, amount)
	}
	return err
}

// Credit applies an unconditional credit (payouts, deposits, platform fees).
// Idempotent on the key.
func (s *WalletService) Credit(ctx context.Context, ownerID string, amount int64, idempotencyKey string, matchID *string, kind models.LedgerKind) error {
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.CreditTx(tx, ownerID, amount, idempotencyKey, matchID, kind)
	})
	if errors.Is(err, ErrDuplicateOperation) {
		return s.verifyReplay(ctx, idempotencyKey, amount)
	}
	return err
}

// verifyReplay confirms a replayed idempotency key carries the amount the
// ledger recorded. Two different logical operations sharing a key is a
// caller bug and must be loud, not lossy.
func (s *WalletService) verifyReplay(ctx context.Context, idempotencyKey string, amount int64) error {
	var entry models.LedgerEntry
	if err := s.DB.WithContext(ctx).Where("idempotency_key = ?", idempotencyKey).First(&entry).Error; err != nil {
		return err
	}
	if entry.Amount != amount {
		log.Printf("❌ [WALLET] Idempotency key %q replayed with amount %d, ledger recorded %d", idempotencyKey, amount, entry.Amount)
		return fmt.Errorf("%w: idempotency key %q replayed with a different amount", ErrValidation, idempotencyKey)
	}
	return nil
}

// CreditTx is the transaction-scoped credit used by the payout engine so a
// settlement's credits commit atomically with the match's settled marker.
// Returns ErrDuplicateOperation on an idempotency-key replay; the caller
// decides whether that aborts or no-ops.
func (s *WalletService) CreditTx(tx *gorm.DB, ownerID string, amount int64, idempotencyKey string, matchID *string, kind models.LedgerKind) error {
	if amount <= 0 {
		return fmt.Errorf("%w: %s", ErrValidation, "credit amount must be positive")
	}
	if idempotencyKey == "" {
		return fmt.Errorf("%w: %s", ErrValidation, "idempotency key required")
	}

	if err := tx.Create(&models.LedgerEntry{
		ID:             uuid.NewString(),
		OwnerID:        ownerID,
		Amount:         amount,
		Kind:           kind,
		RelatedMatchID: matchID,
		IdempotencyKey: idempotencyKey,
	}).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrDuplicateOperation
		}
		return err
	}

	res := tx.Model(&models.Wallet{}).
		Where("owner_id = ?", ownerID).
		Update("balance", gorm.Expr("balance + ?", amount))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrWalletNotFound
	}
	return nil
}

// HasLedgerEntry reports whether an entry with the given idempotency key was
// ever committed. Used by the escrow sweeper to detect seats held without a
// matching stake reservation.
func (s *WalletService) HasLedgerEntry(ctx context.Context, idempotencyKey string) (bool, error) {
	var count int64
	err := s.DB.WithContext(ctx).Model(&models.LedgerEntry{}).
		Where("idempotency_key = ?", idempotencyKey).
		Count(&count).Error
	return count > 0, err
}

// History returns the owner's ledger entries, newest first.
func (s *WalletService) History(ctx context.Context, ownerID string, limit int) ([]models.LedgerEntry, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var entries []models.LedgerEntry
	err := s.DB.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("created_at DESC").
		Limit(limit).
		Find(&entries).Error
	return entries, err
}

// --- HTTP endpoints ---

// GetBalanceEndpoint returns the authenticated caller's balance.
func (s *WalletService) GetBalanceEndpoint(c *fiber.Ctx) error {
	userID := c.Locals("user_id").(string)

	balance, err := s.GetBalance(c.Context(), userID)
	if err != nil {
		if errors.Is(err, ErrWalletNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "wallet not found"})
		}
		log.Printf("DB Error fetching balance for %s: %v", userID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to fetch balance"})
	}

	return c.JSON(fiber.Map{"owner_id": userID, "balance": balance})
}

// GetHistoryEndpoint returns the authenticated caller's ledger history.
func (s *WalletService) GetHistoryEndpoint(c *fiber.Ctx) error {
	userID := c.Locals("user_id").(string)

	entries, err := s.History(c.Context(), userID, c.QueryInt("limit", 50))
	if err != nil {
		log.Printf("DB Error fetching ledger history for %s: %v", userID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to fetch history"})
	}
	return c.JSON(fiber.Map{"owner_id": userID, "entries": entries})
}

type walletMovementRequest struct {
	Amount int64 `json:"amount" validate:"required,gt=0"`
	// Clients supply the key so retries of the same logical operation are safe.
	IdempotencyKey string `json:"idempotency_key" validate:"required"`
}

// DepositEndpoint credits the caller's wallet. The payment gateway upstream is
// out of scope; this endpoint trusts the gateway-authenticated amount.
func (s *WalletService) DepositEndpoint(c *fiber.Ctx) error {
	userID := c.Locals("user_id").(string)

	var req walletMovementRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	if err := validate.Struct(req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	if err := s.Credit(c.Context(), userID, req.Amount, req.IdempotencyKey, nil, models.LedgerKindDeposit); err != nil {
		if errors.Is(err, ErrWalletNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "wallet not found"})
		}
		log.Printf("DB Error on deposit for %s: %v", userID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "deposit failed"})
	}
	return c.JSON(fiber.Map{"status": "ok"})
}

// WithdrawEndpoint debits the caller's wallet with the same atomic
// conditional decrement used for stake reservations.
func (s *WalletService) WithdrawEndpoint(c *fiber.Ctx) error {
	userID := c.Locals("user_id").(string)

	var req walletMovementRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	if err := validate.Struct(req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	if err := s.Withdraw(c.Context(), userID, req.Amount, req.IdempotencyKey); err != nil {
		switch {
		case errors.Is(err, ErrInsufficientFunds):
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "insufficient funds"})
		case errors.Is(err, ErrWalletNotFound):
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "wallet not found"})
		default:
			log.Printf("DB Error on withdrawal for %s: %v", userID, err)
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "withdrawal failed"})
		}
	}
	return c.JSON(fiber.Map{"status": "ok"})
}

// ProvisionEndpoint creates a wallet for a user (admin/provisioning path).
func (s *WalletService) ProvisionEndpoint(c *fiber.Ctx) error {
	var req struct {
		OwnerID        string `json:"owner_id" validate:"required"`
		OpeningBalance int64  `json:"opening_balance" validate:"gte=0"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	if err := validate.Struct(req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	wallet, err := s.ProvisionWallet(c.Context(), req.OwnerID, req.OpeningBalance)
	if err != nil {
		if errors.Is(err, ErrValidation) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
		}
		log.Printf("DB Error provisioning wallet for %s: %v", req.OwnerID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "provisioning failed"})
	}
	return c.Status(fiber.StatusCreated).JSON(wallet)
}
