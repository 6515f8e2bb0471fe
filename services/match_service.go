// services/match_service.go
package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"match-escrow-system/models"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/gosimple/slug"
	"gorm.io/gorm"
)

// MatchService owns match records and their lifecycle state machine. Every
// transition is a conditional UPDATE keyed on the expected prior state, so
// races are arbitrated by the database without locks: the first writer wins,
// everyone else observes a conflict. No other component writes to matches.
type MatchService struct {
	DB *gorm.DB
}

func NewMatchService(db *gorm.DB) *MatchService {
	return &MatchService{DB: db}
}

// CreateMatch inserts a new match in pending state with an open seat. Funds
// are not touched here; the escrow coordinator reserves the host's stake as
// the second half of the creation saga.
func (s *MatchService) CreateMatch(ctx context.Context, hostID string, stakeAmount int64, title string, expiresAt time.Time) (*models.Match, error) {
	if stakeAmount <= 0 {
		return nil, fmt.Errorf("%w: stake amount must be positive", ErrValidation)
	}
	if hostID == "" {
		return nil, fmt.Errorf("%w: host id required", ErrValidation)
	}

	match := &models.Match{
		ID:          uuid.NewString(),
		Title:       title,
		Slug:        slug.Make(title),
		HostID:      hostID,
		StakeAmount: stakeAmount,
		PrizePool:   stakeAmount, // host side only until the opponent is seated
		Status:      models.MatchStatusPending,
		ExpiresAt:   expiresAt,
	}
	if err := s.DB.WithContext(ctx).Create(match).Error; err != nil {
		return nil, err
	}
	return match, nil
}

// GetMatch loads a match by id.
func (s *MatchService) GetMatch(ctx context.Context, matchID string) (*models.Match, error) {
	var match models.Match
	if err := s.DB.WithContext(ctx).First(&match, "id = ?", matchID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrMatchNotFound
		}
		return nil, err
	}
	return &match, nil
}

// TryJoin claims the open seat for joinerID: a single compare-and-swap that
// sets the opponent and flips pending → active only if the match is still
// pending with a null opponent. Exactly one concurrent joiner can win; the
// rest get ErrMatchAlreadyTaken with no side effects and should move on to a
// different match rather than retry this one.
func (s *MatchService) TryJoin(ctx context.Context, matchID, joinerID string) error {
	match, err := s.GetMatch(ctx, matchID)
	if err != nil {
		return err
	}
	if match.HostID == joinerID {
		return fmt.Errorf("%w: cannot join your own match", ErrValidation)
	}

	// The prize pool doubles in the same update that seats the opponent, so
	// it can never lag the seat no matter where the join saga stops.
	res := s.DB.WithContext(ctx).Model(&models.Match{}).
		Where("id = ? AND status = ? AND opponent_id IS NULL", matchID, models.MatchStatusPending).
		Updates(map[string]interface{}{
			"opponent_id": joinerID,
			"status":      models.MatchStatusActive,
			"prize_pool":  gorm.Expr("stake_amount * 2"),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrMatchAlreadyTaken
	}
	return nil
}

// ReleaseJoin is the compensating half of the join saga: it clears the
// opponent seat and reverts active → pending. Called only when the funds
// reservation failed after the seat was taken, or by the sweeper when it
// finds a seat held without a matching ledger reservation.
func (s *MatchService) ReleaseJoin(ctx context.Context, matchID string) error {
	res := s.DB.WithContext(ctx).Model(&models.Match{}).
		Where("id = ? AND status = ? AND opponent_id IS NOT NULL AND payout_settled_at IS NULL",
			matchID, models.MatchStatusActive).
		Updates(map[string]interface{}{
			"opponent_id": nil,
			"status":      models.MatchStatusPending,
			"prize_pool":  gorm.Expr("stake_amount"),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return s.transitionFailure(ctx, matchID, models.MatchStatusPending, "ReleaseJoin")
	}
	return nil
}

// CancelOpenSeat cancels a match only while its seat is still open and
// unsettled. A concurrent successful join always beats the cancel; callers
// must treat a false return as "the match went live" and leave it alone.
func (s *MatchService) CancelOpenSeat(ctx context.Context, matchID string) (bool, error) {
	return s.cancelOpenSeat(s.DB.WithContext(ctx), matchID)
}

// CancelOpenSeatTx is the transaction-scoped variant used by the expiry
// sweep so the cancel and the host's refund commit atomically.
func (s *MatchService) CancelOpenSeatTx(tx *gorm.DB, matchID string) (bool, error) {
	return s.cancelOpenSeat(tx, matchID)
}

func (s *MatchService) cancelOpenSeat(db *gorm.DB, matchID string) (bool, error) {
	res := db.Model(&models.Match{}).
		Where("id = ? AND status = ? AND opponent_id IS NULL AND payout_settled_at IS NULL",
			matchID, models.MatchStatusPending).
		Update("status", models.MatchStatusCancelled)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// MarkDisputed moves active → disputed, blocking automatic payout.
func (s *MatchService) MarkDisputed(ctx context.Context, matchID string) error {
	return s.transition(ctx, matchID, []models.MatchStatus{models.MatchStatusActive},
		map[string]interface{}{"status": models.MatchStatusDisputed}, "MarkDisputed")
}

// MarkCompleted records the winner and closes the match. Legal from active
// (agreed verdict) and disputed (moderator assignment).
func (s *MatchService) MarkCompleted(ctx context.Context, matchID, winnerID string) error {
	return s.transition(ctx, matchID,
		[]models.MatchStatus{models.MatchStatusActive, models.MatchStatusDisputed},
		map[string]interface{}{"status": models.MatchStatusCompleted, "winner_id": winnerID}, "MarkCompleted")
}

// MarkCancelled terminates the match without a winner. Legal from pending
// (expiry, failed host reservation), active and disputed (refund settlements).
func (s *MatchService) MarkCancelled(ctx context.Context, matchID string) error {
	return s.transition(ctx, matchID,
		[]models.MatchStatus{models.MatchStatusPending, models.MatchStatusActive, models.MatchStatusDisputed},
		map[string]interface{}{"status": models.MatchStatusCancelled}, "MarkCancelled")
}

// ReopenFromDispute moves disputed → active after a moderator dismissal so
// both participants can resubmit results.
func (s *MatchService) ReopenFromDispute(ctx context.Context, matchID string) error {
	return s.transition(ctx, matchID, []models.MatchStatus{models.MatchStatusDisputed},
		map[string]interface{}{"status": models.MatchStatusActive}, "ReopenFromDispute")
}

// transition performs a guarded conditional UPDATE. RowsAffected == 0 on an
// existing, unsettled row means the caller attempted an illegal move — that
// is a core ordering bug and must be loud, not a silent no-op.
func (s *MatchService) transition(ctx context.Context, matchID string, from []models.MatchStatus, updates map[string]interface{}, op string) error {
	res := s.DB.WithContext(ctx).Model(&models.Match{}).
		Where("id = ? AND status IN ? AND payout_settled_at IS NULL", matchID, from).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		target, _ := updates["status"].(models.MatchStatus)
		return s.transitionFailure(ctx, matchID, target, op)
	}
	return nil
}

func (s *MatchService) transitionFailure(ctx context.Context, matchID string, target models.MatchStatus, op string) error {
	match, err := s.GetMatch(ctx, matchID)
	if err != nil {
		return err
	}
	log.Printf("❌ [MATCH] %s: illegal transition %s → %s on match %s", op, match.Status, target, matchID)
	return fmt.Errorf("%w: %s from %s", ErrInvalidStateTransition, op, match.Status)
}

// ListOpen returns joinable matches, newest first.
func (s *MatchService) ListOpen(ctx context.Context, limit int) ([]models.Match, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	var matches []models.Match
	err := s.DB.WithContext(ctx).
		Where("status = ? AND expires_at > ?", models.MatchStatusPending, time.Now()).
		Order("created_at DESC").
		Limit(limit).
		Find(&matches).Error
	return matches, err
}

// --- HTTP endpoints ---

// GetOpenMatchesEndpoint lists matches with an open seat.
func (s *MatchService) GetOpenMatchesEndpoint(c *fiber.Ctx) error {
	matches, err := s.ListOpen(c.Context(), c.QueryInt("limit", 50))
	if err != nil {
		log.Printf("DB Error listing open matches: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to list matches"})
	}
	return c.JSON(matches)
}

// GetMatchEndpoint returns a single match by id.
func (s *MatchService) GetMatchEndpoint(c *fiber.Ctx) error {
	match, err := s.GetMatch(c.Context(), c.Params("id"))
	if err != nil {
		if errors.Is(err, ErrMatchNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "match not found"})
		}
		log.Printf("DB Error fetching match %s: %v", c.Params("id"), err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "database error"})
	}
	return c.JSON(match)
}
