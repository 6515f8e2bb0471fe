package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"match-escrow-system/models"

	"github.com/stretchr/testify/require"
)

func TestCreateMatchStartsPending(t *testing.T) {
	env := newTestEnv(t)

	match, err := env.matches.CreateMatch(context.Background(), "host", 500, "Friday Showdown", time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, models.MatchStatusPending, match.Status)
	require.Equal(t, "friday-showdown", match.Slug)
	require.Nil(t, match.OpponentID)
	require.Equal(t, int64(500), match.PrizePool)
}

func TestTryJoinSelfRejected(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	match, err := env.matches.CreateMatch(ctx, "host", 500, "Solo", time.Now().Add(time.Hour))
	require.NoError(t, err)

	err = env.matches.TryJoin(ctx, match.ID, "host")
	require.ErrorIs(t, err, ErrValidation)
}

func TestTryJoinExactlyOneWinner(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	match, err := env.matches.CreateMatch(ctx, "host", 500, "Contested Seat", time.Now().Add(time.Hour))
	require.NoError(t, err)

	// Eight joiners race for one seat; the conditional update lets exactly
	// one through and everyone else gets a clean conflict.
	const joiners = 8
	var wg sync.WaitGroup
	errs := make([]error, joiners)
	for i := 0; i < joiners; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = env.matches.TryJoin(ctx, match.ID, "joiner-"+string(rune('a'+i)))
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
		} else {
			require.ErrorIs(t, err, ErrMatchAlreadyTaken)
		}
	}
	require.Equal(t, 1, winners)

	updated := env.reload(t, match.ID)
	require.Equal(t, models.MatchStatusActive, updated.Status)
	require.NotNil(t, updated.OpponentID)
}

func TestReleaseJoinRevertsSeat(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	match, err := env.matches.CreateMatch(ctx, "host", 500, "Reverted", time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.NoError(t, env.matches.TryJoin(ctx, match.ID, "opponent"))

	require.NoError(t, env.matches.ReleaseJoin(ctx, match.ID))

	updated := env.reload(t, match.ID)
	require.Equal(t, models.MatchStatusPending, updated.Status)
	require.Nil(t, updated.OpponentID)

	// The seat is open again for somebody else.
	require.NoError(t, env.matches.TryJoin(ctx, match.ID, "other"))
}

func TestPrizePoolTracksSeat(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	match, err := env.matches.CreateMatch(ctx, "host", 500, "Pool Watch", time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, int64(500), match.PrizePool)

	// Seating the opponent and doubling the pool are one update; neither
	// can be observed without the other.
	require.NoError(t, env.matches.TryJoin(ctx, match.ID, "opponent"))
	require.Equal(t, int64(1000), env.reload(t, match.ID).PrizePool)

	require.NoError(t, env.matches.ReleaseJoin(ctx, match.ID))
	require.Equal(t, int64(500), env.reload(t, match.ID).PrizePool)
}

func TestCancelOpenSeatLosesToJoin(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	match, err := env.matches.CreateMatch(ctx, "host", 500, "Cancel Race", time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.NoError(t, env.matches.TryJoin(ctx, match.ID, "opponent"))

	won, err := env.matches.CancelOpenSeat(ctx, match.ID)
	require.NoError(t, err)
	require.False(t, won)
	require.Equal(t, models.MatchStatusActive, env.reload(t, match.ID).Status)
}

func TestCancelOpenSeatClaimsOpenMatch(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	match, err := env.matches.CreateMatch(ctx, "host", 500, "Cancel Open", time.Now().Add(time.Hour))
	require.NoError(t, err)

	won, err := env.matches.CancelOpenSeat(ctx, match.ID)
	require.NoError(t, err)
	require.True(t, won)
	require.Equal(t, models.MatchStatusCancelled, env.reload(t, match.ID).Status)

	// Replaying the claim reports that someone else already holds it.
	won, err = env.matches.CancelOpenSeat(ctx, match.ID)
	require.NoError(t, err)
	require.False(t, won)
}

func TestIllegalTransitionsRejected(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	match, err := env.matches.CreateMatch(ctx, "host", 500, "Stuck", time.Now().Add(time.Hour))
	require.NoError(t, err)

	// pending → completed skips the active state.
	err = env.matches.MarkCompleted(ctx, match.ID, "host")
	require.ErrorIs(t, err, ErrInvalidStateTransition)

	// pending → disputed is not a thing either.
	err = env.matches.MarkDisputed(ctx, match.ID)
	require.ErrorIs(t, err, ErrInvalidStateTransition)

	require.Equal(t, models.MatchStatusPending, env.reload(t, match.ID).Status)
}

func TestCancelledIsTerminal(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	match, err := env.matches.CreateMatch(ctx, "host", 500, "Done", time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.NoError(t, env.matches.MarkCancelled(ctx, match.ID))

	err = env.matches.MarkCancelled(ctx, match.ID)
	require.ErrorIs(t, err, ErrInvalidStateTransition)

	// A cancelled match advertises no seat.
	err = env.matches.TryJoin(ctx, match.ID, "late")
	require.ErrorIs(t, err, ErrMatchAlreadyTaken)
}

func TestStatusTransitionTable(t *testing.T) {
	require.True(t, models.MatchStatusPending.CanTransition(models.MatchStatusActive))
	require.True(t, models.MatchStatusActive.CanTransition(models.MatchStatusPending))
	require.True(t, models.MatchStatusDisputed.CanTransition(models.MatchStatusActive))
	require.False(t, models.MatchStatusPending.CanTransition(models.MatchStatusCompleted))
	require.False(t, models.MatchStatusCompleted.CanTransition(models.MatchStatusActive))
	require.True(t, models.MatchStatusCompleted.Terminal())
	require.True(t, models.MatchStatusCancelled.Terminal())
	require.False(t, models.MatchStatusActive.Terminal())
}

func TestListOpenExcludesExpired(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	open, err := env.matches.CreateMatch(ctx, "host", 500, "Open", time.Now().Add(time.Hour))
	require.NoError(t, err)
	expired, err := env.matches.CreateMatch(ctx, "host", 500, "Expired", time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.NoError(t, env.db.Model(&models.Match{}).Where("id = ?", expired.ID).
		UpdateColumn("expires_at", time.Now().Add(-time.Minute)).Error)

	matches, err := env.matches.ListOpen(ctx, 10)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	require.Equal(t, open.ID, matches[0].ID)
}
