package db

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/aurigraph/tokenversion/approval/types"
	"github.com/aurigraph/tokenversion/shared/testutil/assert"
	"github.com/aurigraph/tokenversion/shared/testutil/require"
)

func setupDB(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir())
	require.NoError(t, err, "failed to instantiate store")
	t.Cleanup(func() {
		require.NoError(t, s.Close(), "failed to close database")
	})
	return s
}

func TestStore_SaveAndGetVersion(t *testing.T) {
	s := setupDB(t)
	ctx := context.Background()

	version := &types.TokenVersion{
		ID:            "v1",
		ParentTokenID: "token-1",
		VersionNumber: 1,
		Status:        types.Created,
		CreatedAt:     time.Now().UTC(),
	}
	require.NoError(t, s.SaveVersion(ctx, version))

	got, err := s.Version(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, version.ID, got.ID)
	assert.Equal(t, types.Created, got.Status)

	_, err = s.Version(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestStore_VersionsByTokenOrdered(t *testing.T) {
	s := setupDB(t)
	ctx := context.Background()

	// Insert out of order, expect version number order back.
	for _, n := range []uint64{3, 1, 2} {
		require.NoError(t, s.SaveVersion(ctx, &types.TokenVersion{
			ID:            "v" + string(rune('0'+n)),
			ParentTokenID: "token-1",
			VersionNumber: n,
			Status:        types.Created,
		}))
	}
	require.NoError(t, s.SaveVersion(ctx, &types.TokenVersion{
		ID:            "other",
		ParentTokenID: "token-2",
		VersionNumber: 9,
		Status:        types.Created,
	}))

	versions, err := s.VersionsByToken(ctx, "token-1")
	require.NoError(t, err)
	require.Equal(t, 3, len(versions))
	for i, v := range versions {
		assert.Equal(t, uint64(i+1), v.VersionNumber)
	}

	highest, err := s.HighestVersionNumber(ctx, "token-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), highest)
}

func TestStore_ActiveVersionAndChildren(t *testing.T) {
	s := setupDB(t)
	ctx := context.Background()

	require.NoError(t, s.SaveVersion(ctx, &types.TokenVersion{
		ID: "v1", ParentTokenID: "token-1", VersionNumber: 1, Status: types.Active,
	}))
	require.NoError(t, s.SaveVersion(ctx, &types.TokenVersion{
		ID: "v2", ParentTokenID: "token-1", VersionNumber: 2, Status: types.Active,
		PreviousVersionID: "v1",
	}))
	require.NoError(t, s.SaveVersion(ctx, &types.TokenVersion{
		ID: "v3", ParentTokenID: "token-1", VersionNumber: 3, Status: types.Rejected,
		PreviousVersionID: "v1",
	}))

	count, err := s.ActiveChildren(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, 1, count, "only v2 is an active child")

	active, err := s.ActiveVersion(ctx, "token-1")
	require.NoError(t, err)
	assert.Equal(t, "v1", active.ID)

	_, err = s.ActiveVersion(ctx, "token-none")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestStore_CreateRequestEnforcesOnePerVersion(t *testing.T) {
	s := setupDB(t)
	ctx := context.Background()

	req := &types.ApprovalRequest{
		ID:             "r1",
		TokenVersionID: "v1",
		Status:         types.RequestPending,
	}
	require.NoError(t, s.CreateRequest(ctx, req))

	dup := &types.ApprovalRequest{ID: "r2", TokenVersionID: "v1", Status: types.RequestPending}
	require.ErrorIs(t, s.CreateRequest(ctx, dup), ErrRequestExists)

	got, err := s.RequestByVersion(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, "r1", got.ID)
}

func TestStore_SaveVoteUniquenessAndOrder(t *testing.T) {
	s := setupDB(t)
	ctx := context.Background()

	req := &types.ApprovalRequest{ID: "r1", TokenVersionID: "v1", Status: types.RequestPending, TotalValidators: 3}
	require.NoError(t, s.CreateRequest(ctx, req))

	for i, validator := range []string{"val-a", "val-b", "val-c"} {
		req.ApprovalCount = i + 1
		vote := &types.ValidatorVote{
			ID:          validator + "-vote",
			RequestID:   "r1",
			ValidatorID: validator,
			Choice:      types.VoteYes,
			VotedAt:     time.Now().UTC(),
		}
		require.NoError(t, s.SaveVote(ctx, vote, req))
	}

	// Duplicate vote refused and tallies untouched.
	err := s.SaveVote(ctx, &types.ValidatorVote{
		ID: "dup", RequestID: "r1", ValidatorID: "val-a", Choice: types.VoteNo,
	}, req)
	require.ErrorIs(t, err, ErrDuplicateVote)

	votes, err := s.VotesByRequest(ctx, "r1")
	require.NoError(t, err)
	require.Equal(t, 3, len(votes))
	assert.Equal(t, "val-a", votes[0].ValidatorID)
	assert.Equal(t, "val-b", votes[1].ValidatorID)
	assert.Equal(t, "val-c", votes[2].ValidatorID)

	voted, err := s.HasVoted(ctx, "r1", "val-a")
	require.NoError(t, err)
	assert.Equal(t, true, voted)
	voted, err = s.HasVoted(ctx, "r1", "val-z")
	require.NoError(t, err)
	assert.Equal(t, false, voted)

	byValidator, err := s.VotesByValidator(ctx, "val-a")
	require.NoError(t, err)
	require.Equal(t, 1, len(byValidator))

	got, err := s.Request(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, 3, got.ApprovalCount, "tallies persisted with the final vote")
}

func TestStore_AuditTrailAppendOrder(t *testing.T) {
	s := setupDB(t)
	ctx := context.Background()

	phases := []types.ExecutionPhase{types.PhaseInitiated, types.PhaseValidated, types.PhaseTransitioned, types.PhaseCompleted}
	now := time.Now().UTC()
	for _, phase := range phases {
		require.NoError(t, s.AppendAudit(ctx, &types.AuditEntry{
			ID:         string(phase) + "-id",
			VersionID:  "v1",
			Phase:      phase,
			ExecutedBy: "SYSTEM",
			ExecutedAt: now,
		}))
	}
	require.NoError(t, s.AppendAudit(ctx, &types.AuditEntry{
		ID: "other", VersionID: "v2", Phase: types.PhaseFailed, ExecutedAt: now,
	}))

	trail, err := s.AuditTrail(ctx, "v1")
	require.NoError(t, err)
	require.Equal(t, len(phases), len(trail))
	for i, entry := range trail {
		assert.Equal(t, phases[i], entry.Phase)
	}
}

func TestStore_TxnRollsBackOnError(t *testing.T) {
	s := setupDB(t)
	ctx := context.Background()

	require.NoError(t, s.SaveVersion(ctx, &types.TokenVersion{
		ID: "v1", ParentTokenID: "token-1", VersionNumber: 1, Status: types.PendingVVB,
	}))

	boom := errors.New("mid-transition failure")
	err := s.Txn(ctx, func(txn *Txn) error {
		v, err := txn.Version("v1")
		if err != nil {
			return err
		}
		v.Status = types.Active
		if err := txn.SaveVersion(v); err != nil {
			return err
		}
		if err := txn.AppendAudit(&types.AuditEntry{ID: "a1", VersionID: "v1", Phase: types.PhaseInitiated}); err != nil {
			return err
		}
		return boom
	})
	require.NotNil(t, err)

	v, err := s.Version(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, types.PendingVVB, v.Status, "status change must roll back")
	trail, err := s.AuditTrail(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, 0, len(trail), "audit writes must roll back")
}

func TestStore_Webhooks(t *testing.T) {
	s := setupDB(t)
	ctx := context.Background()

	sub := &types.WebhookSubscription{
		ID:         "w1",
		URL:        "https://example.com/hook",
		EventTypes: []string{"APPROVAL_EXECUTED"},
		Secret:     "s3cr3t",
	}
	require.NoError(t, s.SaveWebhook(ctx, sub))

	subs, err := s.Webhooks(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, len(subs))
	assert.Equal(t, "w1", subs[0].ID)

	require.NoError(t, s.DeleteWebhook(ctx, "w1"))
	require.ErrorIs(t, s.DeleteWebhook(ctx, "w1"), ErrNotFound)
}
