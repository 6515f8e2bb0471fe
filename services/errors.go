// services/errors.go
package services

import "errors"

// Error taxonomy for the escrow engine. Conflicts and insufficient funds are
// expected, user-facing outcomes; invalid state transitions indicate a core
// bug and are logged loudly at the call site before being returned.
var (
	// ErrValidation covers bad input rejected before any resource is touched
	// (zero/negative stake, self-join, unknown action).
	ErrValidation = errors.New("validation failed")

	// ErrInsufficientFunds is the wallet-side failure; mid-join it triggers
	// saga compensation.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrMatchAlreadyTaken is the optimistic-concurrency loss on a join: the
	// seat went to someone else. Callers should try a different match, not
	// retry this one.
	ErrMatchAlreadyTaken = errors.New("match already taken")

	// ErrInvalidStateTransition means an operation was attempted from a state
	// that does not permit it. This is an ordering/programming error, never
	// silently swallowed.
	ErrInvalidStateTransition = errors.New("invalid state transition")

	// ErrDuplicateOperation marks an idempotency-key replay. Internal: the
	// wallet service converts it into a successful no-op before returning.
	ErrDuplicateOperation = errors.New("duplicate operation")

	ErrMatchNotFound   = errors.New("match not found")
	ErrWalletNotFound  = errors.New("wallet not found")
	ErrDisputeNotFound = errors.New("dispute not found")

	ErrAlreadySubmitted = errors.New("result already submitted")
	ErrNotParticipant   = errors.New("caller is not a match participant")

	// ErrPayoutBlocked is returned when a submission arrives while a dispute
	// is open; the moderator path is the only way forward.
	ErrPayoutBlocked = errors.New("payout blocked by open dispute")
)
