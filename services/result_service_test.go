package services

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"match-escrow-system/models"

	"github.com/stretchr/testify/require"
)

func (e *testEnv) openDispute(t *testing.T, matchID string) *models.Dispute {
	t.Helper()
	var dispute models.Dispute
	require.NoError(t, e.db.Where("match_id = ? AND status = ?", matchID, models.DisputeStatusOpen).
		First(&dispute).Error)
	return &dispute
}

func TestAgreedWinnerSettlesAutomatically(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	match := env.activeMatch(t, "host", "opponent", 500)

	_, err := env.results.SubmitResult(ctx, match.ID, "host", models.OutcomeWin, nil, "")
	require.NoError(t, err)
	require.Equal(t, models.MatchStatusActive, env.reload(t, match.ID).Status)

	// The opponent conceding closes the loop: agreed winner, automatic payout.
	_, err = env.results.SubmitResult(ctx, match.ID, "opponent", models.OutcomeLoss, nil, "")
	require.NoError(t, err)

	updated := env.reload(t, match.ID)
	require.Equal(t, models.MatchStatusCompleted, updated.Status)
	require.Equal(t, "host", *updated.WinnerID)
	require.Equal(t, int64(500+900), env.balance(t, "host"))
	require.Equal(t, int64(500), env.balance(t, "opponent"))
}

func TestAgreedDrawRefundsBoth(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	match := env.activeMatch(t, "host", "opponent", 500)

	_, err := env.results.SubmitResult(ctx, match.ID, "host", models.OutcomeDraw, nil, "")
	require.NoError(t, err)
	_, err = env.results.SubmitResult(ctx, match.ID, "opponent", models.OutcomeDraw, nil, "")
	require.NoError(t, err)

	require.Equal(t, models.MatchStatusCancelled, env.reload(t, match.ID).Status)
	require.Equal(t, int64(1000), env.balance(t, "host"))
	require.Equal(t, int64(1000), env.balance(t, "opponent"))
}

func TestConflictingClaimsOpenDispute(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	match := env.activeMatch(t, "host", "opponent", 500)

	_, err := env.results.SubmitResult(ctx, match.ID, "host", models.OutcomeWin, nil, "")
	require.NoError(t, err)
	_, err = env.results.SubmitResult(ctx, match.ID, "opponent", models.OutcomeWin, nil, "")
	require.NoError(t, err)

	// Both claim the win: funds stay frozen until a moderator decides.
	require.Equal(t, models.MatchStatusDisputed, env.reload(t, match.ID).Status)
	require.Equal(t, int64(500), env.balance(t, "host"))
	require.Equal(t, int64(500), env.balance(t, "opponent"))
	env.openDispute(t, match.ID)
}

func TestExplicitDisputeEscalatesImmediately(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	match := env.activeMatch(t, "host", "opponent", 500)

	_, err := env.results.SubmitResult(ctx, match.ID, "host", models.OutcomeDispute, nil, "opponent unplugged the console")
	require.NoError(t, err)

	require.Equal(t, models.MatchStatusDisputed, env.reload(t, match.ID).Status)
	dispute := env.openDispute(t, match.ID)
	require.Equal(t, "host", dispute.RaisedBy)
	require.Equal(t, "opponent unplugged the console", dispute.Reason)

	// The frozen match rejects further submissions.
	_, err = env.results.SubmitResult(ctx, match.ID, "opponent", models.OutcomeWin, nil, "")
	require.ErrorIs(t, err, ErrPayoutBlocked)
}

func TestSubmitResultGuards(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	match := env.activeMatch(t, "host", "opponent", 500)

	_, err := env.results.SubmitResult(ctx, match.ID, "stranger", models.OutcomeWin, nil, "")
	require.ErrorIs(t, err, ErrNotParticipant)

	_, err = env.results.SubmitResult(ctx, match.ID, "host", models.OutcomeWin, nil, "")
	require.NoError(t, err)
	_, err = env.results.SubmitResult(ctx, match.ID, "host", models.OutcomeLoss, nil, "")
	require.ErrorIs(t, err, ErrAlreadySubmitted)
}

func TestSubmitResultRejectsPendingMatch(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.fund(t, "host", 1000)

	match, err := env.escrow.CreateMatch(ctx, "host", 400, "No Opponent Yet")
	require.NoError(t, err)

	_, err = env.results.SubmitResult(ctx, match.ID, "host", models.OutcomeWin, nil, "")
	require.ErrorIs(t, err, ErrInvalidStateTransition)
}

func TestSubmitResultStoresEvidence(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	match := env.activeMatch(t, "host", "opponent", 500)

	urls := []string{"https://cdn.example.com/evidence/a.png", "https://cdn.example.com/evidence/b.mp4"}
	submission, err := env.results.SubmitResult(ctx, match.ID, "host", models.OutcomeWin, urls, "")
	require.NoError(t, err)

	var stored []models.ResultEvidence
	require.NoError(t, env.db.Where("submission_id = ?", submission.ID).Find(&stored).Error)
	require.Len(t, stored, 2)
}

func TestResolveDisputeAssignsWinToHost(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	match := env.activeMatch(t, "host", "opponent", 500)
	_, err := env.results.SubmitResult(ctx, match.ID, "host", models.OutcomeWin, nil, "")
	require.NoError(t, err)
	_, err = env.results.SubmitResult(ctx, match.ID, "opponent", models.OutcomeWin, nil, "")
	require.NoError(t, err)
	dispute := env.openDispute(t, match.ID)

	resolution, err := env.results.ResolveDispute(ctx, dispute.ID, "mod-1", models.ResolutionAssignWinA)
	require.NoError(t, err)
	require.False(t, resolution.AlreadyResolved)
	require.NotNil(t, resolution.Settlement)
	require.Equal(t, "host", resolution.Settlement.WinnerID)

	updated := env.reload(t, match.ID)
	require.Equal(t, models.MatchStatusCompleted, updated.Status)
	require.Equal(t, "host", *updated.WinnerID)
	require.Equal(t, int64(500+900), env.balance(t, "host"))
	require.Equal(t, int64(500), env.balance(t, "opponent"))
}

func TestResolveDisputeRefundsBoth(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	match := env.activeMatch(t, "host", "opponent", 500)
	_, err := env.results.SubmitResult(ctx, match.ID, "host", models.OutcomeDispute, nil, "no-show")
	require.NoError(t, err)
	dispute := env.openDispute(t, match.ID)

	resolution, err := env.results.ResolveDispute(ctx, dispute.ID, "mod-1", models.ResolutionRefundBoth)
	require.NoError(t, err)
	require.NotNil(t, resolution.Settlement)

	require.Equal(t, models.MatchStatusCancelled, env.reload(t, match.ID).Status)
	require.Equal(t, int64(1000), env.balance(t, "host"))
	require.Equal(t, int64(1000), env.balance(t, "opponent"))
}

func TestResolveDisputeReplayReturnsRecordedVerdict(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	match := env.activeMatch(t, "host", "opponent", 500)
	_, err := env.results.SubmitResult(ctx, match.ID, "host", models.OutcomeDispute, nil, "cheating")
	require.NoError(t, err)
	dispute := env.openDispute(t, match.ID)

	_, err = env.results.ResolveDispute(ctx, dispute.ID, "mod-1", models.ResolutionAssignWinB)
	require.NoError(t, err)

	// A second moderator replaying the resolution cannot change the verdict
	// or move funds again, even with a different action.
	replay, err := env.results.ResolveDispute(ctx, dispute.ID, "mod-2", models.ResolutionRefundBoth)
	require.NoError(t, err)
	require.True(t, replay.AlreadyResolved)
	require.Equal(t, models.ResolutionAssignWinB, replay.Dispute.ResolutionAction)

	require.Equal(t, int64(500+900), env.balance(t, "opponent"))
	require.Equal(t, int64(500), env.balance(t, "host"))
}

func TestResolveDisputeDismissReopensMatch(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	match := env.activeMatch(t, "host", "opponent", 500)
	_, err := env.results.SubmitResult(ctx, match.ID, "host", models.OutcomeWin, nil, "")
	require.NoError(t, err)
	_, err = env.results.SubmitResult(ctx, match.ID, "opponent", models.OutcomeWin, nil, "")
	require.NoError(t, err)
	dispute := env.openDispute(t, match.ID)

	resolution, err := env.results.ResolveDispute(ctx, dispute.ID, "mod-1", models.ResolutionDismiss)
	require.NoError(t, err)
	require.Nil(t, resolution.Settlement)

	// Dismissal clears the round: match active again, no submissions left,
	// no funds moved, both sides free to resubmit.
	require.Equal(t, models.MatchStatusActive, env.reload(t, match.ID).Status)
	require.Equal(t, int64(500), env.balance(t, "host"))

	var count int64
	require.NoError(t, env.db.Model(&models.ResultSubmission{}).
		Where("match_id = ?", match.ID).Count(&count).Error)
	require.Zero(t, count)

	_, err = env.results.SubmitResult(ctx, match.ID, "host", models.OutcomeLoss, nil, "")
	require.NoError(t, err)
}

func TestConcurrentEscalationsOpenOneDispute(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	match := env.activeMatch(t, "host", "opponent", 500)
	_, err := env.results.SubmitResult(ctx, match.ID, "host", models.OutcomeWin, nil, "")
	require.NoError(t, err)

	// Snapshot the match the way a second concurrent reducer would see it:
	// still active, both submissions about to be visible.
	stale := env.reload(t, match.ID)

	_, err = env.results.SubmitResult(ctx, match.ID, "opponent", models.OutcomeWin, nil, "")
	require.NoError(t, err)

	// The replayed escalation loses the disputed transition and must be a
	// clean no-op, not an error and not a second dispute row.
	require.NoError(t, env.results.escalate(ctx, stale, "opponent", "conflicting result claims"))

	var open int64
	require.NoError(t, env.db.Model(&models.Dispute{}).
		Where("match_id = ? AND status = ?", match.ID, models.DisputeStatusOpen).
		Count(&open).Error)
	require.Equal(t, int64(1), open)
}

// awaitEvents drains the channel until every wanted event name was seen.
func awaitEvents(t *testing.T, events <-chan string, wants ...string) {
	t.Helper()
	missing := make(map[string]bool, len(wants))
	for _, w := range wants {
		missing[w] = true
	}
	deadline := time.After(3 * time.Second)
	for len(missing) > 0 {
		select {
		case e := <-events:
			delete(missing, e)
		case <-deadline:
			t.Fatalf("timed out waiting for events, still missing %v", missing)
		}
	}
}

func TestModeratorResolutionPublishesPayoutEvent(t *testing.T) {
	events := make(chan string, 16)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Event string `json:"event"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		events <- body.Event
	}))
	defer srv.Close()

	env := newTestEnv(t)
	env.notifier.BaseURL = srv.URL
	env.notifier.Client = srv.Client()

	match := env.activeMatch(t, "host", "opponent", 500)
	_, err := env.results.SubmitResult(context.Background(), match.ID, "host", models.OutcomeDispute, nil, "screen tearing")
	require.NoError(t, err)
	dispute := env.openDispute(t, match.ID)

	_, err = env.results.ResolveDispute(context.Background(), dispute.ID, "mod-1", models.ResolutionAssignWinB)
	require.NoError(t, err)

	// A moderator settlement announces the payout just like an automatic one.
	awaitEvents(t, events, "dispute.resolved", "match.payout")
}

func TestResolveUnknownDispute(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.results.ResolveDispute(context.Background(), "no-such-dispute", "mod-1", models.ResolutionRefundBoth)
	require.ErrorIs(t, err, ErrDisputeNotFound)
}
