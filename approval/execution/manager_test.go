package execution

import (
	"context"
	"testing"
	"time"

	"github.com/aurigraph/tokenversion/approval/db"
	"github.com/aurigraph/tokenversion/approval/statemachine"
	"github.com/aurigraph/tokenversion/approval/types"
	"github.com/aurigraph/tokenversion/shared/hashutil"
	"github.com/aurigraph/tokenversion/shared/testutil/assert"
	"github.com/aurigraph/tokenversion/shared/testutil/require"
)

func setupManager(t *testing.T) (*TransitionManager, *db.Store) {
	t.Helper()
	store, err := db.NewStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, store.Close())
	})
	return NewTransitionManager(store), store
}

func TestManager_ExecuteHappyPath(t *testing.T) {
	m, store := setupManager(t)
	ctx := context.Background()

	content := []byte("version payload")
	require.NoError(t, store.SaveVersion(ctx, &types.TokenVersion{
		ID:            "v1",
		ParentTokenID: "token-1",
		VersionNumber: 1,
		Content:       content,
		Status:        types.PendingVVB,
	}))

	version, err := m.Execute(ctx, &Transition{
		VersionID: "v1",
		From:      types.PendingVVB,
		To:        types.Active,
		RequestID: "r1",
	})
	require.NoError(t, err)
	assert.Equal(t, types.Active, version.Status)
	assert.Equal(t, hashutil.HashHex(content), version.MerkleHash, "content digest computed on activation")
	assert.Equal(t, false, version.ActivatedAt.IsZero())

	trail, err := store.AuditTrail(ctx, "v1")
	require.NoError(t, err)
	require.Equal(t, 4, len(trail))
	assert.Equal(t, types.PhaseInitiated, trail[0].Phase)
	assert.Equal(t, types.PhaseValidated, trail[1].Phase)
	assert.Equal(t, types.PhaseTransitioned, trail[2].Phase)
	assert.Equal(t, types.PhaseCompleted, trail[3].Phase)
	assert.Equal(t, types.PendingVVB, trail[2].PreviousStatus)
	assert.Equal(t, types.Active, trail[2].NewStatus)
	assert.Equal(t, SystemActor, trail[0].ExecutedBy)
	assert.Equal(t, "r1", trail[0].RequestID)
}

func TestManager_ExecutePreservesExistingHash(t *testing.T) {
	m, store := setupManager(t)
	ctx := context.Background()

	require.NoError(t, store.SaveVersion(ctx, &types.TokenVersion{
		ID: "v1", ParentTokenID: "token-1", VersionNumber: 1,
		Status: types.PendingVVB, MerkleHash: "precomputed",
	}))

	version, err := m.Execute(ctx, &Transition{VersionID: "v1", From: types.PendingVVB, To: types.Active})
	require.NoError(t, err)
	assert.Equal(t, "precomputed", version.MerkleHash)
}

func TestManager_ExecuteStaleStatus(t *testing.T) {
	m, store := setupManager(t)
	ctx := context.Background()

	require.NoError(t, store.SaveVersion(ctx, &types.TokenVersion{
		ID: "v1", ParentTokenID: "token-1", VersionNumber: 1, Status: types.Active,
	}))

	_, execErr := m.Execute(ctx, &Transition{VersionID: "v1", From: types.PendingVVB, To: types.Active})
	require.ErrorIs(t, execErr, ErrStaleStatus)

	// Status untouched; only a FAILED entry recorded.
	version, err := store.Version(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, types.Active, version.Status)
	trail, err := store.AuditTrail(ctx, "v1")
	require.NoError(t, err)
	require.Equal(t, 1, len(trail))
	assert.Equal(t, types.PhaseFailed, trail[0].Phase)
	assert.ErrorContains(t, "expected PENDING_VVB", execErr)
}

func TestManager_ExecuteRefusesSecondActive(t *testing.T) {
	m, store := setupManager(t)
	ctx := context.Background()

	require.NoError(t, store.SaveVersion(ctx, &types.TokenVersion{
		ID: "v1", ParentTokenID: "token-1", VersionNumber: 1, Status: types.Active,
	}))
	// v2 does not supersede v1: no previous link, so activating it would
	// leave two ACTIVE versions of the token.
	require.NoError(t, store.SaveVersion(ctx, &types.TokenVersion{
		ID: "v2", ParentTokenID: "token-1", VersionNumber: 2, Status: types.PendingVVB,
	}))

	_, err := m.Execute(ctx, &Transition{VersionID: "v2", From: types.PendingVVB, To: types.Active})
	require.ErrorIs(t, err, ErrActiveVersionExists)

	version, err := store.Version(ctx, "v2")
	require.NoError(t, err)
	assert.Equal(t, types.PendingVVB, version.Status)
	trail, err := store.AuditTrail(ctx, "v2")
	require.NoError(t, err)
	require.Equal(t, 1, len(trail))
	assert.Equal(t, types.PhaseFailed, trail[0].Phase)

	// Exactly one version of the token is active.
	active, err := store.ActiveVersion(ctx, "token-1")
	require.NoError(t, err)
	assert.Equal(t, "v1", active.ID)
}

func TestManager_ExecuteAllowsSupersedingActive(t *testing.T) {
	m, store := setupManager(t)
	ctx := context.Background()

	require.NoError(t, store.SaveVersion(ctx, &types.TokenVersion{
		ID: "v1", ParentTokenID: "token-1", VersionNumber: 1, Status: types.Active,
	}))
	require.NoError(t, store.SaveVersion(ctx, &types.TokenVersion{
		ID: "v2", ParentTokenID: "token-1", VersionNumber: 2,
		Status: types.PendingVVB, PreviousVersionID: "v1",
	}))

	version, err := m.Execute(ctx, &Transition{VersionID: "v2", From: types.PendingVVB, To: types.Active})
	require.NoError(t, err)
	assert.Equal(t, types.Active, version.Status)
}

func TestManager_ExecuteDisallowedTransition(t *testing.T) {
	m, store := setupManager(t)
	ctx := context.Background()

	require.NoError(t, store.SaveVersion(ctx, &types.TokenVersion{
		ID: "v1", ParentTokenID: "token-1", VersionNumber: 1, Status: types.Archived,
	}))

	_, err := m.Execute(ctx, &Transition{VersionID: "v1", From: types.Archived, To: types.Active})
	require.ErrorIs(t, err, statemachine.ErrInvalidTransition)

	trail, err := store.AuditTrail(ctx, "v1")
	require.NoError(t, err)
	require.Equal(t, 1, len(trail))
	assert.Equal(t, types.PhaseFailed, trail[0].Phase)
}

func TestManager_ExecuteNotFound(t *testing.T) {
	m, store := setupManager(t)
	ctx := context.Background()

	_, err := m.Execute(ctx, &Transition{VersionID: "ghost", From: types.PendingVVB, To: types.Active})
	require.ErrorIs(t, err, db.ErrNotFound)

	trail, err := store.AuditTrail(ctx, "ghost")
	require.NoError(t, err)
	require.Equal(t, 1, len(trail))
	assert.Equal(t, types.PhaseFailed, trail[0].Phase)
	assert.NotEqual(t, "", trail[0].ErrorMessage)
}

func TestManager_MutateRunsInsideTransaction(t *testing.T) {
	m, store := setupManager(t)
	ctx := context.Background()

	require.NoError(t, store.SaveVersion(ctx, &types.TokenVersion{
		ID: "v1", ParentTokenID: "token-1", VersionNumber: 1, Status: types.Active,
	}))

	now := time.Now().UTC()
	version, err := m.Execute(ctx, &Transition{
		VersionID: "v1",
		From:      types.Active,
		To:        types.Replaced,
		Mutate: func(v *types.TokenVersion) {
			v.ReplacedAt = now
			v.ReplacedByVersionID = "v2"
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "v2", version.ReplacedByVersionID)

	persisted, err := store.Version(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, types.Replaced, persisted.Status)
	assert.Equal(t, "v2", persisted.ReplacedByVersionID)
}

func TestManager_Rollback(t *testing.T) {
	m, store := setupManager(t)
	ctx := context.Background()

	require.NoError(t, store.SaveVersion(ctx, &types.TokenVersion{
		ID: "v1", ParentTokenID: "token-1", VersionNumber: 1, Status: types.PendingVVB,
	}))

	require.NoError(t, m.Rollback(ctx, "v1", "r1", "OPERATOR", "operator requested"))
	require.ErrorIs(t, m.Rollback(ctx, "ghost", "r1", "", "x"), db.ErrNotFound)

	trail, err := store.AuditTrail(ctx, "v1")
	require.NoError(t, err)
	require.Equal(t, 1, len(trail))
	assert.Equal(t, types.PhaseRolledBack, trail[0].Phase)
	assert.Equal(t, "OPERATOR", trail[0].ExecutedBy)
	assert.Equal(t, "operator requested", trail[0].ErrorMessage)
}
