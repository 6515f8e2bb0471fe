// services/result_service.go
package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"match-escrow-system/models"
	"match-escrow-system/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ResultService collects participant result claims, reduces an agreeing pair
// to an automatic settlement, and escalates disagreement to a moderator
// dispute. A match in disputed state is frozen for automatic payout; only a
// moderator resolution can move its funds.
type ResultService struct {
	DB       *gorm.DB
	Matches  *MatchService
	Payouts  *PayoutService
	Notifier *NotifyClient
}

func NewResultService(db *gorm.DB, matches *MatchService, payouts *PayoutService, notifier *NotifyClient) *ResultService {
	return &ResultService{DB: db, Matches: matches, Payouts: payouts, Notifier: notifier}
}

// SubmitResult records submitterID's claim about the match outcome. Each
// participant submits at most once per match round; the second submission
// triggers the verdict reduction. An explicit "dispute" claim escalates
// immediately without waiting for the other side.
func (s *ResultService) SubmitResult(ctx context.Context, matchID, submitterID string, outcome models.ClaimedOutcome, evidenceURLs []string, reason string) (*models.ResultSubmission, error) {
	match, err := s.Matches.GetMatch(ctx, matchID)
	if err != nil {
		return nil, err
	}
	if !match.IsParticipant(submitterID) {
		return nil, ErrNotParticipant
	}
	switch match.Status {
	case models.MatchStatusActive:
	case models.MatchStatusDisputed:
		return nil, fmt.Errorf("%w: match is under moderation", ErrPayoutBlocked)
	default:
		return nil, fmt.Errorf("%w: results not accepted in state %s", ErrInvalidStateTransition, match.Status)
	}

	submission := &models.ResultSubmission{
		ID:              uuid.NewString(),
		MatchID:         matchID,
		SubmitterID:     submitterID,
		ClaimedOutcome:  outcome,
		ClaimedWinnerID: claimedWinner(match, submitterID, outcome),
	}
	for _, url := range evidenceURLs {
		submission.Evidence = append(submission.Evidence, models.ResultEvidence{
			ID:           uuid.NewString(),
			SubmissionID: submission.ID,
			URL:          url,
		})
	}
	if err := s.DB.WithContext(ctx).Create(submission).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, ErrAlreadySubmitted
		}
		return nil, err
	}

	if outcome == models.OutcomeDispute {
		if err := s.escalate(ctx, match, submitterID, reason); err != nil {
			return nil, err
		}
		return submission, nil
	}

	if err := s.reduceVerdict(ctx, match); err != nil {
		return nil, err
	}
	return submission, nil
}

// claimedWinner normalizes a claim to a winner id: the submitter for "win",
// the other seat for "loss", nil otherwise.
func claimedWinner(match *models.Match, submitterID string, outcome models.ClaimedOutcome) *string {
	switch outcome {
	case models.OutcomeWin:
		return &submitterID
	case models.OutcomeLoss:
		if other := match.OtherParticipant(submitterID); other != "" {
			return &other
		}
		return nil
	default:
		return nil
	}
}

// reduceVerdict checks whether both participants have submitted and, if so,
// reduces the pair: agreement on a winner settles the win, agreement on a
// draw refunds both stakes, anything else escalates to a dispute.
func (s *ResultService) reduceVerdict(ctx context.Context, match *models.Match) error {
	var submissions []models.ResultSubmission
	err := s.DB.WithContext(ctx).
		Where("match_id = ?", match.ID).
		Find(&submissions).Error
	if err != nil {
		return err
	}
	if len(submissions) < 2 {
		return nil
	}
	a, b := submissions[0], submissions[1]

	if a.ClaimedOutcome == models.OutcomeDraw && b.ClaimedOutcome == models.OutcomeDraw {
		log.Printf("✅ [RESULT] Match %s: both claim draw, refunding stakes", match.ID)
		_, err := s.Payouts.Settle(ctx, match.ID, "", SettleRefund)
		return err
	}

	if a.ClaimedWinnerID != nil && b.ClaimedWinnerID != nil && *a.ClaimedWinnerID == *b.ClaimedWinnerID {
		winnerID := *a.ClaimedWinnerID
		log.Printf("✅ [RESULT] Match %s: agreed winner %s, settling", match.ID, winnerID)
		result, err := s.Payouts.Settle(ctx, match.ID, winnerID, SettleWin)
		if err != nil {
			return err
		}
		s.Notifier.Publish("match.verdict", fiber.Map{
			"match_id":  match.ID,
			"winner_id": winnerID,
			"payout":    utils.FormatMinorUnits(result.WinnerPayout),
		})
		return nil
	}

	log.Printf("⚠️  [RESULT] Match %s: conflicting claims (%s vs %s), opening dispute",
		match.ID, a.ClaimedOutcome, b.ClaimedOutcome)
	return s.escalate(ctx, match, a.SubmitterID, "conflicting result claims")
}

// escalate freezes the match for automatic payout and opens the dispute.
// The disputed transition is the claim: when two callers escalate the same
// match concurrently, only the transition winner creates the dispute row,
// so a match never carries two open disputes.
func (s *ResultService) escalate(ctx context.Context, match *models.Match, raisedBy, reason string) error {
	if err := s.Matches.MarkDisputed(ctx, match.ID); err != nil {
		if errors.Is(err, ErrInvalidStateTransition) {
			// A concurrent escalation won the transition; its dispute stands.
			return nil
		}
		return err
	}
	dispute := &models.Dispute{
		ID:       uuid.NewString(),
		MatchID:  match.ID,
		RaisedBy: raisedBy,
		Reason:   reason,
		Status:   models.DisputeStatusOpen,
	}
	if err := s.DB.WithContext(ctx).Create(dispute).Error; err != nil {
		return err
	}
	s.Notifier.Publish("match.disputed", fiber.Map{
		"match_id":   match.ID,
		"dispute_id": dispute.ID,
		"raised_by":  raisedBy,
		"reason":     reason,
	})
	return nil
}

// DisputeResolution is the outcome of a moderator verdict. AlreadyResolved
// flags an idempotent replay of an earlier resolution.
type DisputeResolution struct {
	Dispute         *models.Dispute   `json:"dispute"`
	Settlement      *SettlementResult `json:"settlement,omitempty"`
	AlreadyResolved bool              `json:"already_resolved"`
}

// ResolveDispute applies a moderator's verdict. The dispute claim and its
// financial consequence commit in one database transaction: the claim is a
// compare-and-swap on status open → resolved, so of any number of concurrent
// or replayed resolutions exactly one applies and the rest read back the
// recorded outcome.
func (s *ResultService) ResolveDispute(ctx context.Context, disputeID, moderatorID string, action models.ResolutionAction) (*DisputeResolution, error) {
	var resolution *DisputeResolution
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var dispute models.Dispute
		if err := tx.First(&dispute, "id = ?", disputeID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrDisputeNotFound
			}
			return err
		}

		now := time.Now()
		res := tx.Model(&models.Dispute{}).
			Where("id = ? AND status = ?", disputeID, models.DisputeStatusOpen).
			Updates(map[string]interface{}{
				"status":            models.DisputeStatusResolved,
				"resolution_action": action,
				"resolved_by":       moderatorID,
				"resolved_at":       now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// Someone else resolved it first; their verdict stands.
			if err := tx.First(&dispute, "id = ?", disputeID).Error; err != nil {
				return err
			}
			resolution = &DisputeResolution{Dispute: &dispute, AlreadyResolved: true}
			return nil
		}

		dispute.Status = models.DisputeStatusResolved
		dispute.ResolutionAction = action
		dispute.ResolvedBy = &moderatorID
		dispute.ResolvedAt = &now

		settlement, err := s.applyResolution(tx, &dispute, action)
		if err != nil {
			return err
		}
		resolution = &DisputeResolution{Dispute: &dispute, Settlement: settlement}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !resolution.AlreadyResolved {
		s.Notifier.Publish("dispute.resolved", fiber.Map{
			"dispute_id": disputeID,
			"match_id":   resolution.Dispute.MatchID,
			"action":     action,
		})
		// Moderator settlements announce the payout the same way
		// automatic ones do.
		s.Payouts.notifySettled(resolution.Settlement)
	}
	return resolution, nil
}

func (s *ResultService) applyResolution(tx *gorm.DB, dispute *models.Dispute, action models.ResolutionAction) (*SettlementResult, error) {
	var match models.Match
	if err := tx.First(&match, "id = ?", dispute.MatchID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrMatchNotFound
		}
		return nil, err
	}

	switch action {
	case models.ResolutionAssignWinA:
		return s.Payouts.SettleTx(tx, match.ID, match.HostID, SettleWin)

	case models.ResolutionAssignWinB:
		if match.OpponentID == nil {
			return nil, fmt.Errorf("%w: match %s has no opponent to assign the win to", ErrValidation, match.ID)
		}
		return s.Payouts.SettleTx(tx, match.ID, *match.OpponentID, SettleWin)

	case models.ResolutionRefundBoth:
		return s.Payouts.SettleTx(tx, match.ID, "", SettleRefund)

	case models.ResolutionDismiss:
		// Clear the round so both sides can resubmit, then reopen the match.
		if err := tx.Where("submission_id IN (?)",
			tx.Model(&models.ResultSubmission{}).Select("id").Where("match_id = ?", match.ID),
		).Delete(&models.ResultEvidence{}).Error; err != nil {
			return nil, err
		}
		if err := tx.Where("match_id = ?", match.ID).Delete(&models.ResultSubmission{}).Error; err != nil {
			return nil, err
		}
		res := tx.Model(&models.Match{}).
			Where("id = ? AND status = ? AND payout_settled_at IS NULL", match.ID, models.MatchStatusDisputed).
			Update("status", models.MatchStatusActive)
		if res.Error != nil {
			return nil, res.Error
		}
		if res.RowsAffected == 0 {
			return nil, fmt.Errorf("%w: dismiss on match %s in state %s", ErrInvalidStateTransition, match.ID, match.Status)
		}
		return nil, nil

	default:
		return nil, fmt.Errorf("%w: unknown resolution action %q", ErrValidation, action)
	}
}

// OpenDisputes lists unresolved disputes, oldest first.
func (s *ResultService) OpenDisputes(ctx context.Context, limit int) ([]models.Dispute, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var disputes []models.Dispute
	err := s.DB.WithContext(ctx).
		Where("status = ?", models.DisputeStatusOpen).
		Order("created_at ASC").
		Limit(limit).
		Find(&disputes).Error
	return disputes, err
}

// --- HTTP endpoints ---

type submitResultRequest struct {
	Outcome      models.ClaimedOutcome `json:"outcome" validate:"required,oneof=win loss draw dispute"`
	EvidenceURLs []string              `json:"evidence_urls" validate:"max=10,dive,url"`
	Reason       string                `json:"reason" validate:"max=500"`
}

// SubmitResultEndpoint records the caller's result claim for a match.
func (s *ResultService) SubmitResultEndpoint(c *fiber.Ctx) error {
	userID := c.Locals("user_id").(string)
	matchID := c.Params("id")

	var req submitResultRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	if err := validate.Struct(req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	submission, err := s.SubmitResult(c.Context(), matchID, userID, req.Outcome, req.EvidenceURLs, req.Reason)
	if err != nil {
		switch {
		case errors.Is(err, ErrMatchNotFound):
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "match not found"})
		case errors.Is(err, ErrNotParticipant):
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "not a participant of this match"})
		case errors.Is(err, ErrAlreadySubmitted):
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "result already submitted for this match"})
		case errors.Is(err, ErrPayoutBlocked):
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "match is under moderation"})
		case errors.Is(err, ErrInvalidStateTransition):
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": err.Error()})
		default:
			log.Printf("❌ [RESULT] Submit failed for %s on match %s: %v", userID, matchID, err)
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to submit result"})
		}
	}
	return c.Status(fiber.StatusCreated).JSON(submission)
}

// UploadEvidenceEndpoint stores a screenshot or recording in the evidence
// bucket and returns its URL for use in a result submission.
func (s *ResultService) UploadEvidenceEndpoint(c *fiber.Ctx) error {
	userID := c.Locals("user_id").(string)

	fileHeader, err := c.FormFile("file")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "file is required"})
	}
	if fileHeader.Size > 25*1024*1024 {
		return c.Status(fiber.StatusRequestEntityTooLarge).JSON(fiber.Map{"error": "evidence file exceeds 25MB"})
	}

	key := fmt.Sprintf("evidence/%s/%s-%s", userID, uuid.NewString(), fileHeader.Filename)
	url, err := utils.UploadEvidence(fileHeader, key)
	if err != nil {
		log.Printf("❌ [EVIDENCE] Upload failed for %s: %v", userID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to store evidence"})
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"url": url})
}

// GetDisputesEndpoint lists open disputes for the moderation queue.
func (s *ResultService) GetDisputesEndpoint(c *fiber.Ctx) error {
	disputes, err := s.OpenDisputes(c.Context(), c.QueryInt("limit", 50))
	if err != nil {
		log.Printf("DB Error listing disputes: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to list disputes"})
	}
	return c.JSON(disputes)
}

type resolveDisputeRequest struct {
	Action models.ResolutionAction `json:"action" validate:"required,oneof=dismiss assign-win-a assign-win-b refund-both"`
}

// ResolveDisputeEndpoint applies a moderator verdict to an open dispute.
func (s *ResultService) ResolveDisputeEndpoint(c *fiber.Ctx) error {
	moderatorID := c.Locals("user_id").(string)
	disputeID := c.Params("id")

	var req resolveDisputeRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	if err := validate.Struct(req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	resolution, err := s.ResolveDispute(c.Context(), disputeID, moderatorID, req.Action)
	if err != nil {
		switch {
		case errors.Is(err, ErrDisputeNotFound):
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "dispute not found"})
		case errors.Is(err, ErrValidation):
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
		case errors.Is(err, ErrInvalidStateTransition):
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": err.Error()})
		default:
			log.Printf("❌ [DISPUTE] Resolve failed for %s by %s: %v", disputeID, moderatorID, err)
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to resolve dispute"})
		}
	}
	return c.JSON(resolution)
}
