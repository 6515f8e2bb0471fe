// models/wallet.go
package models

import (
	"time"
)

// Wallet holds a player's spendable balance in currency minor units.
// Balance is never negative and always equals the sum of the owner's ledger
// entries; both are mutated in the same database transaction by the wallet
// service — no other component writes here.
type Wallet struct {
	ID        string    `json:"id" gorm:"primaryKey"`
	OwnerID   string    `json:"owner_id" gorm:"uniqueIndex;not null"`
	Balance   int64     `json:"balance" gorm:"not null;default:0"`
	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

// LedgerKind is the closed set of balance-changing event types.
type LedgerKind string

const (
	LedgerKindDeposit      LedgerKind = "deposit"
	LedgerKindWithdrawal   LedgerKind = "withdrawal"
	LedgerKindStakeReserve LedgerKind = "stake-reserve"
	LedgerKindStakeRefund  LedgerKind = "stake-refund"
	LedgerKindPayout       LedgerKind = "payout"
	LedgerKindPlatformFee  LedgerKind = "platform-fee"
)

// LedgerEntry is an immutable, append-only record of a single balance change.
// The unique index on IdempotencyKey is what gives payouts and refunds their
// exactly-once semantics: replaying a logical operation hits the constraint
// and is treated as an already-applied no-op.
type LedgerEntry struct {
	ID      string `json:"id" gorm:"primaryKey"`
	OwnerID string `json:"owner_id" gorm:"index;not null"`
	// Amount is signed: credits positive, debits negative.
	Amount         int64      `json:"amount" gorm:"not null"`
	Kind           LedgerKind `json:"kind" gorm:"type:varchar(24);not null"`
	RelatedMatchID *string    `json:"related_match_id,omitempty" gorm:"index"`
	IdempotencyKey string     `json:"idempotency_key" gorm:"uniqueIndex;not null"`
	CreatedAt      time.Time  `json:"created_at" gorm:"autoCreateTime"`
}
