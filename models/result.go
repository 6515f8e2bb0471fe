// models/result.go
package models

import (
	"time"
)

// ClaimedOutcome is what a participant asserts about the match result.
type ClaimedOutcome string

const (
	OutcomeWin     ClaimedOutcome = "win"
	OutcomeLoss    ClaimedOutcome = "loss"
	OutcomeDraw    ClaimedOutcome = "draw"
	OutcomeDispute ClaimedOutcome = "dispute" // explicit disagreement flag
)

// ResultSubmission records one participant's claim about a match outcome.
// At most one submission per participant per match (enforced by the composite
// unique index); the arbitration logic reduces the pair to a verdict.
type ResultSubmission struct {
	ID          string `json:"id" gorm:"primaryKey"`
	MatchID     string `json:"match_id" gorm:"uniqueIndex:idx_submission_match_submitter;not null"`
	SubmitterID string `json:"submitter_id" gorm:"uniqueIndex:idx_submission_match_submitter;not null"`

	ClaimedOutcome ClaimedOutcome `json:"claimed_outcome" gorm:"type:varchar(16);not null"`
	// ClaimedWinnerID is derived from the claim: the submitter for "win", the
	// other seat for "loss", nil for "draw" and "dispute".
	ClaimedWinnerID *string `json:"claimed_winner_id,omitempty"`

	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`

	// Opaque evidence URLs from the blob store; never interpreted here.
	Evidence []ResultEvidence `json:"evidence,omitempty" gorm:"foreignKey:SubmissionID"`
}

type ResultEvidence struct {
	ID           string `json:"id" gorm:"primaryKey"`
	SubmissionID string `json:"submission_id" gorm:"index;not null"`
	URL          string `json:"url" gorm:"not null"`
}
