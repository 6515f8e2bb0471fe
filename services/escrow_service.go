// services/escrow_service.go
package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"match-escrow-system/models"
	"match-escrow-system/utils"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
)

// EscrowService orchestrates the two-resource operation "reserve a seat and
// reserve funds" as a compensating-transaction saga. Match occupancy and
// wallet balances live in separate aggregates that are never updated in one
// shared transaction, so the ordering is fixed: seat first (cheap, always
// reversible), funds second (the step with real financial consequence),
// release the seat if the funds step fails. Both steps carry idempotency
// keys, so a crashed saga can be re-run without double effect.
type EscrowService struct {
	DB       *gorm.DB
	Wallets  *WalletService
	Matches  *MatchService
	Notifier *NotifyClient

	// GracePeriod is how long a held seat may exist without a matching
	// stake-reserve ledger entry before the sweeper releases it.
	GracePeriod time.Duration
	// OpenSeatTTL bounds how long a pending match waits for an opponent.
	OpenSeatTTL time.Duration
}

func NewEscrowService(db *gorm.DB, wallets *WalletService, matches *MatchService, notifier *NotifyClient) *EscrowService {
	grace := 2 * time.Minute
	if v := os.Getenv("ESCROW_GRACE_PERIOD"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			grace = d
		} else {
			log.Printf("⚠️  Invalid ESCROW_GRACE_PERIOD %q, using default %s", v, grace)
		}
	}
	ttl := 24 * time.Hour
	if v := os.Getenv("OPEN_SEAT_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			ttl = d
		} else {
			log.Printf("⚠️  Invalid OPEN_SEAT_TTL %q, using default %s", v, ttl)
		}
	}
	return &EscrowService{
		DB:          db,
		Wallets:     wallets,
		Matches:     matches,
		Notifier:    notifier,
		GracePeriod: grace,
		OpenSeatTTL: ttl,
	}
}

// JoinStakeKey is the idempotency key for a participant's stake reservation
// on a match. Its presence in the ledger is the authoritative signal that the
// funds half of the join saga committed.
func JoinStakeKey(matchID, userID string) string {
	return matchID + ":" + userID + ":join"
}

// RefundStakeKey is the idempotency key for returning a participant's stake.
func RefundStakeKey(matchID, userID string) string {
	return matchID + ":" + userID + ":refund"
}

// CreateMatch runs the creation saga: insert the pending match, then reserve
// the host's stake through the same escrow path the joiner uses. If the
// reservation fails the match is cancelled, leaving nothing advertised that
// the host cannot back.
func (s *EscrowService) CreateMatch(ctx context.Context, hostID string, stakeAmount int64, title string) (*models.Match, error) {
	match, err := s.Matches.CreateMatch(ctx, hostID, stakeAmount, title, time.Now().Add(s.OpenSeatTTL))
	if err != nil {
		return nil, err
	}

	err = withRetry(ctx, 3, func() error {
		return s.Wallets.Reserve(ctx, hostID, stakeAmount, JoinStakeKey(match.ID, hostID), &match.ID)
	})
	if err != nil {
		won, cErr := s.Matches.CancelOpenSeat(ctx, match.ID)
		if cErr != nil {
			// Compensation failure leaves a pending match nobody paid for;
			// the expiry sweep will cancel it.
			log.Printf("❌ [ESCROW] Failed to cancel match %s after host reservation failure: %v", match.ID, cErr)
		} else if !won {
			// A joiner claimed the seat before the compensation landed; the
			// match is live without the host's stake. Operator attention.
			log.Printf("❌ [ESCROW] Match %s went active while cancelling after host reservation failure", match.ID)
		}
		return nil, err
	}

	s.Notifier.Publish("match.created", fiber.Map{
		"match_id": match.ID,
		"host_id":  hostID,
		"stake":    utils.FormatMinorUnits(stakeAmount),
	})
	return s.Matches.GetMatch(ctx, match.ID)
}

// JoinMatch runs the join saga.
//
// Step 1: TryJoin — a conflict means the seat went to someone else; nothing
// was touched, nothing to compensate.
// Step 2: Reserve the joiner's stake. On failure (insufficient funds, or a
// transient store error after retries are exhausted) the seat is released so
// a different qualified joiner can take it, and the original error surfaces.
func (s *EscrowService) JoinMatch(ctx context.Context, matchID, joinerID string) (*models.Match, error) {
	if err := s.Matches.TryJoin(ctx, matchID, joinerID); err != nil {
		return nil, err
	}

	match, err := s.Matches.GetMatch(ctx, matchID)
	if err != nil {
		return nil, err
	}

	err = withRetry(ctx, 3, func() error {
		return s.Wallets.Reserve(ctx, joinerID, match.StakeAmount, JoinStakeKey(matchID, joinerID), &match.ID)
	})
	if err != nil {
		if rErr := s.Matches.ReleaseJoin(ctx, matchID); rErr != nil {
			log.Printf("❌ [ESCROW] Failed to release seat on match %s after reservation failure: %v", matchID, rErr)
		}
		s.Notifier.Publish("match.join_failed", fiber.Map{
			"match_id":  matchID,
			"joiner_id": joinerID,
			"reason":    err.Error(),
		})
		return nil, err
	}

	s.Notifier.Publish("match.joined", fiber.Map{
		"match_id":  matchID,
		"joiner_id": joinerID,
		"stake":     utils.FormatMinorUnits(match.StakeAmount),
	})
	return s.Matches.GetMatch(ctx, matchID)
}

// SweepStaleSeats repairs the one recoverable inconsistency the saga can
// leave behind: a crash between steps strands a match in active with a held
// seat but no committed stake reservation. Any such seat older than the
// grace period is released. Returns the number of seats released.
func (s *EscrowService) SweepStaleSeats(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-s.GracePeriod)

	var candidates []models.Match
	err := s.DB.WithContext(ctx).
		Where("status = ? AND opponent_id IS NOT NULL AND updated_at < ?", models.MatchStatusActive, cutoff).
		Find(&candidates).Error
	if err != nil {
		return 0, err
	}

	released := 0
	for _, match := range candidates {
		reserved, err := s.Wallets.HasLedgerEntry(ctx, JoinStakeKey(match.ID, *match.OpponentID))
		if err != nil {
			log.Printf("❌ [SWEEP] Ledger check failed for match %s: %v", match.ID, err)
			continue
		}
		if reserved {
			continue
		}
		if err := s.Matches.ReleaseJoin(ctx, match.ID); err != nil {
			log.Printf("❌ [SWEEP] Failed to release stale seat on match %s: %v", match.ID, err)
			continue
		}
		log.Printf("🧹 [SWEEP] Released stale seat on match %s (held by %s, no reservation)", match.ID, *match.OpponentID)
		released++
	}
	return released, nil
}

// SweepExpiredMatches cancels pending matches past their open-seat TTL and
// refunds the host's stake. The cancel is a compare-and-swap on the
// still-open seat, committed in one transaction with the refund: a joiner
// completing the saga mid-sweep beats the cancel and keeps the match live
// with both stakes intact.
func (s *EscrowService) SweepExpiredMatches(ctx context.Context) (int, error) {
	var expired []models.Match
	err := s.DB.WithContext(ctx).
		Where("status = ? AND expires_at <= ?", models.MatchStatusPending, time.Now()).
		Find(&expired).Error
	if err != nil {
		return 0, err
	}

	cancelled := 0
	for _, match := range expired {
		won, err := s.expireMatch(ctx, match)
		if err != nil {
			log.Printf("❌ [EXPIRY] Failed to expire match %s: %v", match.ID, err)
			continue
		}
		if !won {
			continue
		}
		log.Printf("⌛ [EXPIRY] Cancelled expired match %s, host stake refunded", match.ID)
		cancelled++
	}
	return cancelled, nil
}

// expireMatch claims the cancel with a conditional update and returns the
// host's stake in the same transaction. Reports false when the seat was
// taken first.
func (s *EscrowService) expireMatch(ctx context.Context, match models.Match) (bool, error) {
	won := false
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		w, err := s.Matches.CancelOpenSeatTx(tx, match.ID)
		if err != nil || !w {
			return err
		}
		won = true

		// Refund only a reservation that actually committed; a match left
		// pending by a failed compensation has nothing to return.
		var reserved int64
		if err := tx.Model(&models.LedgerEntry{}).
			Where("idempotency_key = ?", JoinStakeKey(match.ID, match.HostID)).
			Count(&reserved).Error; err != nil {
			return err
		}
		if reserved == 0 {
			return nil
		}
		err = s.Wallets.CreditTx(tx, match.HostID, match.StakeAmount,
			RefundStakeKey(match.ID, match.HostID), &match.ID, models.LedgerKindStakeRefund)
		if err != nil && !errors.Is(err, ErrDuplicateOperation) {
			return err
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return won, nil
}

// withRetry re-runs fn on transient store errors with doubling backoff.
// Expected business outcomes (insufficient funds, conflicts, validation)
// surface immediately — retrying them cannot help.
func withRetry(ctx context.Context, attempts int, fn func() error) error {
	backoff := 50 * time.Millisecond
	var err error
	for i := 0; i < attempts; i++ {
		err = fn()
		if err == nil ||
			errors.Is(err, ErrInsufficientFunds) ||
			errors.Is(err, ErrWalletNotFound) ||
			errors.Is(err, ErrMatchAlreadyTaken) ||
			errors.Is(err, ErrValidation) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return fmt.Errorf("retries exhausted: %w", err)
}

// --- HTTP endpoints ---

type createMatchRequest struct {
	Title       string `json:"title" validate:"required,min=3,max=120"`
	StakeAmount int64  `json:"stake_amount" validate:"required,gt=0"`
}

// CreateMatchEndpoint creates a match and escrows the host's stake.
func (s *EscrowService) CreateMatchEndpoint(c *fiber.Ctx) error {
	hostID := c.Locals("user_id").(string)

	var req createMatchRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	if err := validate.Struct(req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	match, err := s.CreateMatch(c.Context(), hostID, req.StakeAmount, req.Title)
	if err != nil {
		switch {
		case errors.Is(err, ErrInsufficientFunds):
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "insufficient funds to stake this match"})
		case errors.Is(err, ErrWalletNotFound):
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "wallet not found"})
		case errors.Is(err, ErrValidation):
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
		default:
			log.Printf("❌ [ESCROW] Create match failed for host %s: %v", hostID, err)
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to create match"})
		}
	}
	return c.Status(fiber.StatusCreated).JSON(match)
}

// JoinMatchEndpoint claims the open seat and escrows the joiner's stake.
func (s *EscrowService) JoinMatchEndpoint(c *fiber.Ctx) error {
	joinerID := c.Locals("user_id").(string)
	matchID := c.Params("id")

	match, err := s.JoinMatch(c.Context(), matchID, joinerID)
	if err != nil {
		switch {
		case errors.Is(err, ErrMatchAlreadyTaken):
			// Optimistic-concurrency loss: the seat is gone, try another match.
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "match already taken"})
		case errors.Is(err, ErrMatchNotFound):
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "match not found"})
		case errors.Is(err, ErrInsufficientFunds):
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "insufficient funds to stake this match"})
		case errors.Is(err, ErrWalletNotFound):
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "wallet not found"})
		case errors.Is(err, ErrValidation):
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
		default:
			log.Printf("❌ [ESCROW] Join failed for %s on match %s: %v", joinerID, matchID, err)
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to join match"})
		}
	}
	return c.JSON(match)
}
