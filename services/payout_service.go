// services/payout_service.go
package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"match-escrow-system/models"
	"match-escrow-system/utils"

	"gorm.io/gorm"
)

// SettlementMode selects how a match's escrowed funds are disbursed.
type SettlementMode string

const (
	SettleWin    SettlementMode = "win"    // winner gets the pool minus the platform fee
	SettleRefund SettlementMode = "refund" // each debited participant gets their stake back
)

// SettlementResult is the recorded outcome of a settlement. AlreadySettled
// means a previous call moved the funds and this call was an idempotent
// replay — success, not an error.
type SettlementResult struct {
	MatchID        string         `json:"match_id"`
	Mode           SettlementMode `json:"mode"`
	WinnerID       string         `json:"winner_id,omitempty"`
	WinnerPayout   int64          `json:"winner_payout,omitempty"`
	PlatformFee    int64          `json:"platform_fee,omitempty"`
	AlreadySettled bool           `json:"already_settled"`
}

// PayoutService computes the prize split and credits the winner exactly once.
// The exactly-once guarantee hangs on a single compare-and-swap: setting
// payout_settled_at WHERE it is still NULL, in the same database transaction
// as the credits. Concurrent or retried Settle calls race on that CAS; the
// losers read back the recorded outcome without moving funds.
type PayoutService struct {
	DB       *gorm.DB
	Wallets  *WalletService
	Matches  *MatchService
	Notifier *NotifyClient

	// FeeBasisPoints is the platform's cut of the prize pool, in basis
	// points (1000 = 10%). Integer math keeps fee + payout == pool exact.
	FeeBasisPoints int64
	// PlatformAccountID is the treasury wallet that collects fees.
	PlatformAccountID string
}

func NewPayoutService(db *gorm.DB, wallets *WalletService, matches *MatchService, notifier *NotifyClient) *PayoutService {
	feeBps := int64(1000) // 10% default
	if v := os.Getenv("PLATFORM_FEE_RATE"); v != "" {
		if rate, err := strconv.ParseFloat(v, 64); err == nil && rate >= 0 && rate < 1 {
			feeBps = int64(rate*10000 + 0.5)
		} else {
			log.Printf("⚠️  Invalid PLATFORM_FEE_RATE %q, using default 10%%", v)
		}
	}
	account := os.Getenv("PLATFORM_ACCOUNT_ID")
	if account == "" {
		account = "platform-treasury"
	}
	return &PayoutService{
		DB:                db,
		Wallets:           wallets,
		Matches:           matches,
		Notifier:          notifier,
		FeeBasisPoints:    feeBps,
		PlatformAccountID: account,
	}
}

// PayoutKey is the idempotency key for a match's winner credit.
func PayoutKey(matchID string) string {
	return matchID + ":payout"
}

// FeeKey is the idempotency key for a match's platform-fee credit.
func FeeKey(matchID string) string {
	return matchID + ":fee"
}

// Settle disburses a match's escrowed funds. Safe to call any number of
// times, concurrently or after crashes: exactly one financial credit set is
// ever committed per match.
func (s *PayoutService) Settle(ctx context.Context, matchID, winnerID string, mode SettlementMode) (*SettlementResult, error) {
	var result *SettlementResult
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		r, err := s.SettleTx(tx, matchID, winnerID, mode)
		result = r
		return err
	})
	if err != nil {
		return nil, err
	}
	s.notifySettled(result)
	return result, nil
}

// SettleTx is the transaction-scoped settlement used by the arbitration flow
// so a moderator resolution and its disbursement commit atomically.
func (s *PayoutService) SettleTx(tx *gorm.DB, matchID, winnerID string, mode SettlementMode) (*SettlementResult, error) {
	var match models.Match
	if err := tx.First(&match, "id = ?", matchID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrMatchNotFound
		}
		return nil, err
	}

	if match.PayoutSettledAt != nil {
		return s.recordedOutcome(tx, &match)
	}

	finalStatus := models.MatchStatusCompleted
	switch mode {
	case SettleWin:
		if !match.IsParticipant(winnerID) {
			return nil, fmt.Errorf("%w: winner %s is not a participant of match %s", ErrValidation, winnerID, matchID)
		}
	case SettleRefund:
		if winnerID != "" {
			return nil, fmt.Errorf("%w: refund settlements have no winner", ErrValidation)
		}
		finalStatus = models.MatchStatusCancelled
	default:
		return nil, fmt.Errorf("%w: unknown settlement mode %q", ErrValidation, mode)
	}

	// The settlement claim. Exactly one caller ever gets RowsAffected == 1;
	// everyone else either sees payout_settled_at set (replay) or attempted
	// an illegal transition.
	now := time.Now()
	updates := map[string]interface{}{
		"status":            finalStatus,
		"payout_settled_at": now,
	}
	if mode == SettleWin {
		updates["winner_id"] = winnerID
	}
	res := tx.Model(&models.Match{}).
		Where("id = ? AND payout_settled_at IS NULL AND status IN ?", matchID,
			[]models.MatchStatus{models.MatchStatusActive, models.MatchStatusDisputed}).
		Updates(updates)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		if err := tx.First(&match, "id = ?", matchID).Error; err != nil {
			return nil, err
		}
		if match.PayoutSettledAt != nil {
			return s.recordedOutcome(tx, &match)
		}
		log.Printf("❌ [PAYOUT] Settle attempted on match %s in state %s", matchID, match.Status)
		return nil, fmt.Errorf("%w: settle from %s", ErrInvalidStateTransition, match.Status)
	}

	// We hold the claim; credits below are first-time writes by construction
	// (the idempotency keys are derived from the match and only the claim
	// winner reaches this point).
	if mode == SettleWin {
		return s.disburseWin(tx, &match, winnerID)
	}
	return s.disburseRefund(tx, &match)
}

func (s *PayoutService) disburseWin(tx *gorm.DB, match *models.Match, winnerID string) (*SettlementResult, error) {
	prizePool := match.PrizePool
	platformFee := prizePool * s.FeeBasisPoints / 10000
	winnerPayout := prizePool - platformFee

	if err := s.Wallets.CreditTx(tx, winnerID, winnerPayout, PayoutKey(match.ID), &match.ID, models.LedgerKindPayout); err != nil {
		return nil, err
	}
	if platformFee > 0 {
		if err := s.Wallets.CreditTx(tx, s.PlatformAccountID, platformFee, FeeKey(match.ID), &match.ID, models.LedgerKindPlatformFee); err != nil {
			return nil, err
		}
	}

	return &SettlementResult{
		MatchID:      match.ID,
		Mode:         SettleWin,
		WinnerID:     winnerID,
		WinnerPayout: winnerPayout,
		PlatformFee:  platformFee,
	}, nil
}

func (s *PayoutService) disburseRefund(tx *gorm.DB, match *models.Match) (*SettlementResult, error) {
	// Refund only participants whose reservation actually committed.
	participants := []string{match.HostID}
	if match.OpponentID != nil {
		participants = append(participants, *match.OpponentID)
	}
	for _, p := range participants {
		var reserved int64
		if err := tx.Model(&models.LedgerEntry{}).
			Where("idempotency_key = ?", JoinStakeKey(match.ID, p)).
			Count(&reserved).Error; err != nil {
			return nil, err
		}
		if reserved == 0 {
			continue
		}
		if err := s.Wallets.CreditTx(tx, p, match.StakeAmount, RefundStakeKey(match.ID, p), &match.ID, models.LedgerKindStakeRefund); err != nil {
			return nil, err
		}
	}

	return &SettlementResult{
		MatchID: match.ID,
		Mode:    SettleRefund,
	}, nil
}

// recordedOutcome reconstructs the result of a settlement that already ran,
// from the match row and its ledger entries, without moving any funds.
func (s *PayoutService) recordedOutcome(tx *gorm.DB, match *models.Match) (*SettlementResult, error) {
	result := &SettlementResult{
		MatchID:        match.ID,
		AlreadySettled: true,
	}
	if match.WinnerID != nil {
		result.Mode = SettleWin
		result.WinnerID = *match.WinnerID

		var payout models.LedgerEntry
		if err := tx.Where("idempotency_key = ?", PayoutKey(match.ID)).First(&payout).Error; err == nil {
			result.WinnerPayout = payout.Amount
		}
		var fee models.LedgerEntry
		if err := tx.Where("idempotency_key = ?", FeeKey(match.ID)).First(&fee).Error; err == nil {
			result.PlatformFee = fee.Amount
		}
		return result, nil
	}
	result.Mode = SettleRefund
	return result, nil
}

func (s *PayoutService) notifySettled(result *SettlementResult) {
	if result == nil || result.AlreadySettled {
		return
	}
	if result.Mode == SettleWin {
		s.Notifier.Publish("match.payout", map[string]interface{}{
			"match_id":  result.MatchID,
			"winner_id": result.WinnerID,
			"payout":    utils.FormatMinorUnits(result.WinnerPayout),
			"fee":       utils.FormatMinorUnits(result.PlatformFee),
		})
		return
	}
	s.Notifier.Publish("match.refunded", map[string]interface{}{
		"match_id": result.MatchID,
	})
}
