// models/dispute.go
package models

import (
	"time"
)

type DisputeStatus string

const (
	DisputeStatusOpen     DisputeStatus = "open"
	DisputeStatusResolved DisputeStatus = "resolved"
)

// ResolutionAction is the closed set of moderator verdicts.
// "A" is always the match host, "B" the opponent.
type ResolutionAction string

const (
	ResolutionDismiss    ResolutionAction = "dismiss"
	ResolutionAssignWinA ResolutionAction = "assign-win-a"
	ResolutionAssignWinB ResolutionAction = "assign-win-b"
	ResolutionRefundBoth ResolutionAction = "refund-both"
)

// Dispute is opened when submissions disagree or a participant explicitly
// flags disagreement. Once open it is mutated only by moderator resolution,
// and resolution is terminal: re-resolving returns the recorded outcome
// without moving funds again.
type Dispute struct {
	ID       string `json:"id" gorm:"primaryKey"`
	MatchID  string `json:"match_id" gorm:"index;not null"`
	RaisedBy string `json:"raised_by" gorm:"not null"`
	Reason   string `json:"reason"`

	Status           DisputeStatus    `json:"status" gorm:"type:varchar(16);index;default:'open'"`
	ResolutionAction ResolutionAction `json:"resolution_action,omitempty" gorm:"type:varchar(24)"`
	ResolvedBy       *string          `json:"resolved_by,omitempty"`
	ResolvedAt       *time.Time       `json:"resolved_at,omitempty"`

	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
}
