// models/match.go
package models

import (
	"time"
)

// MatchStatus is the closed set of lifecycle states for a match.
// New states must be added here and to legalTransitions, never as loose strings.
type MatchStatus string

const (
	MatchStatusPending   MatchStatus = "pending"   // seat open, waiting for an opponent
	MatchStatusActive    MatchStatus = "active"    // both seats held, play in progress
	MatchStatusDisputed  MatchStatus = "disputed"  // conflicting results, payout blocked
	MatchStatusCompleted MatchStatus = "completed" // terminal, winner paid
	MatchStatusCancelled MatchStatus = "cancelled" // terminal, stakes refunded
)

// legalTransitions encodes the match state machine.
// pending → active → completed, with pending → cancelled and
// active → disputed → completed/cancelled side paths.
// active → pending is the escrow compensation path (seat released after a
// failed stake reservation); disputed → active is a moderator dismissal
// re-opening result submission.
var legalTransitions = map[MatchStatus][]MatchStatus{
	MatchStatusPending:  {MatchStatusActive, MatchStatusCancelled},
	MatchStatusActive:   {MatchStatusPending, MatchStatusDisputed, MatchStatusCompleted, MatchStatusCancelled},
	MatchStatusDisputed: {MatchStatusActive, MatchStatusCompleted, MatchStatusCancelled},
}

// CanTransition reports whether moving from s to next is legal.
func (s MatchStatus) CanTransition(next MatchStatus) bool {
	for _, allowed := range legalTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether the state admits no further transitions.
func (s MatchStatus) Terminal() bool {
	return len(legalTransitions[s]) == 0
}

// Match is a peer-vs-peer wager: the host stakes StakeAmount when creating it,
// the opponent stakes the same amount when joining, and the winner is paid
// PrizePool minus the platform fee at settlement.
type Match struct {
	ID     string `json:"id" gorm:"primaryKey"`
	Title  string `json:"title" gorm:"not null"`
	Slug   string `json:"slug" gorm:"index"`
	HostID string `json:"host_id" gorm:"index;not null"`

	// OpponentID transitions nil → set exactly once, via the conditional join.
	OpponentID *string `json:"opponent_id,omitempty" gorm:"index"`

	// StakeAmount is the per-participant entry fee in currency minor units.
	StakeAmount int64 `json:"stake_amount" gorm:"not null"`
	// PrizePool equals StakeAmount × seated participants. It doubles in the
	// same conditional update that seats the opponent and reverts when the
	// seat is released, so it never lags occupancy.
	PrizePool int64 `json:"prize_pool" gorm:"default:0"`

	Status   MatchStatus `json:"status" gorm:"type:varchar(16);index;default:'pending'"`
	WinnerID *string     `json:"winner_id,omitempty"`

	// PayoutSettledAt non-nil means the settlement already executed; it is the
	// exactly-once guard for the payout engine.
	PayoutSettledAt *time.Time `json:"payout_settled_at,omitempty"`

	// ExpiresAt bounds how long an open seat is advertised before the match is
	// auto-cancelled and the host refunded.
	ExpiresAt time.Time `json:"expires_at"`

	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

// IsParticipant reports whether userID holds one of the two seats.
func (m *Match) IsParticipant(userID string) bool {
	if m.HostID == userID {
		return true
	}
	return m.OpponentID != nil && *m.OpponentID == userID
}

// OtherParticipant returns the opposing seat holder, or "" if the seat is open.
func (m *Match) OtherParticipant(userID string) string {
	if m.HostID == userID {
		if m.OpponentID != nil {
			return *m.OpponentID
		}
		return ""
	}
	return m.HostID
}
