// Package execution moves token versions through their lifecycle once an
// approval request is decided: the transition manager applies a single
// audited status change atomically, the service consumes decision events
// and drives activation, rejection, expiry, and cascade retirement, and
// the archive sweeper ages terminal versions out per the state machine
// timeouts.
package execution

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.opencensus.io/trace"

	"github.com/aurigraph/tokenversion/approval/db"
	"github.com/aurigraph/tokenversion/approval/db/iface"
	"github.com/aurigraph/tokenversion/approval/statemachine"
	"github.com/aurigraph/tokenversion/approval/types"
	"github.com/aurigraph/tokenversion/shared/hashutil"
)

var log = logrus.WithField("prefix", "execution")

// SystemActor is recorded as executed_by on transitions the service
// performs on its own behalf.
const SystemActor = "SYSTEM"

// ErrStaleStatus is returned when a version's current status does not
// match the transition's expected source status.
var ErrStaleStatus = errors.New("version status does not match expected")

// ErrActiveVersionExists is returned when activating a version whose
// parent token already has an ACTIVE version the transition does not
// supersede. At most one version of a token is ACTIVE at any instant.
var ErrActiveVersionExists = errors.New("token already has an active version")

// Transition describes a single status change to execute on a version.
type Transition struct {
	VersionID  string
	From       types.VersionStatus
	To         types.VersionStatus
	RequestID  string
	ExecutedBy string
	Metadata   map[string]string
	// Mutate, when set, applies additional field changes to the version
	// inside the same transaction as the status change.
	Mutate func(version *types.TokenVersion)
}

// TransitionManager executes state changes on versions with a five phase
// audit trail. The happy path writes INITIATED, VALIDATED, TRANSITIONED
// and COMPLETED entries in one store transaction; any failure rolls the
// transaction back and records a FAILED entry in a fresh one, so the
// audit trail is the authoritative forensic record either way.
type TransitionManager struct {
	db iface.Database
}

// NewTransitionManager creates a transition manager over the given store.
func NewTransitionManager(database iface.Database) *TransitionManager {
	return &TransitionManager{db: database}
}

func (m *TransitionManager) auditEntry(tr *Transition, phase types.ExecutionPhase, now time.Time) *types.AuditEntry {
	executedBy := tr.ExecutedBy
	if executedBy == "" {
		executedBy = SystemActor
	}
	return &types.AuditEntry{
		ID:         uuid.New().String(),
		VersionID:  tr.VersionID,
		RequestID:  tr.RequestID,
		Phase:      phase,
		ExecutedBy: executedBy,
		ExecutedAt: now,
		Metadata:   tr.Metadata,
	}
}

// Execute applies the transition and returns the updated version.
func (m *TransitionManager) Execute(ctx context.Context, tr *Transition) (*types.TokenVersion, error) {
	ctx, span := trace.StartSpan(ctx, "execution.Execute")
	defer span.End()

	now := time.Now().UTC()
	var updated *types.TokenVersion
	err := m.db.Txn(ctx, func(txn *db.Txn) error {
		version, err := txn.Version(tr.VersionID)
		if err != nil {
			return err
		}
		if version.Status != tr.From {
			return errors.Wrapf(ErrStaleStatus, "version %s is %s, expected %s", tr.VersionID, version.Status, tr.From)
		}
		if err := statemachine.CheckTransition(tr.From, tr.To); err != nil {
			return err
		}
		// Uniqueness of the ACTIVE version is checked inside the same
		// transaction as the status write. The check passes only when the
		// standing active version is the one this transition supersedes,
		// which cascade retirement replaces right after activation.
		if tr.To == types.Active {
			active, err := txn.ActiveVersion(version.ParentTokenID)
			switch {
			case err == nil && active.ID != version.PreviousVersionID:
				return errors.Wrapf(ErrActiveVersionExists, "token %s is active via version %s", version.ParentTokenID, active.ID)
			case err != nil && !errors.Is(err, db.ErrNotFound):
				return err
			}
		}

		initiated := m.auditEntry(tr, types.PhaseInitiated, now)
		initiated.PreviousStatus = tr.From
		if err := txn.AppendAudit(initiated); err != nil {
			return err
		}
		if err := txn.AppendAudit(m.auditEntry(tr, types.PhaseValidated, now)); err != nil {
			return err
		}

		version.Status = tr.To
		version.UpdatedAt = now
		if tr.To == types.Active {
			version.ActivatedAt = now
			if version.MerkleHash == "" {
				version.MerkleHash = hashutil.HashHex(version.Content)
			}
		}
		if tr.Mutate != nil {
			tr.Mutate(version)
		}
		if err := txn.SaveVersion(version); err != nil {
			return err
		}

		transitioned := m.auditEntry(tr, types.PhaseTransitioned, now)
		transitioned.PreviousStatus = tr.From
		transitioned.NewStatus = tr.To
		if err := txn.AppendAudit(transitioned); err != nil {
			return err
		}
		if err := txn.AppendAudit(m.auditEntry(tr, types.PhaseCompleted, now)); err != nil {
			return err
		}
		updated = version
		return nil
	})
	if err != nil {
		m.recordFailure(ctx, tr, err)
		transitionsFailed.WithLabelValues(failureReason(err)).Inc()
		return nil, err
	}

	transitionsExecuted.WithLabelValues(string(tr.From), string(tr.To)).Inc()
	log.WithFields(logrus.Fields{
		"versionId": tr.VersionID,
		"from":      tr.From,
		"to":        tr.To,
	}).Info("Version transitioned")
	return updated, nil
}

// recordFailure writes the FAILED audit entry in a fresh transaction,
// after the aborted one rolled back.
func (m *TransitionManager) recordFailure(ctx context.Context, tr *Transition, cause error) {
	entry := m.auditEntry(tr, types.PhaseFailed, time.Now().UTC())
	entry.PreviousStatus = tr.From
	entry.NewStatus = tr.To
	entry.ErrorMessage = cause.Error()
	if err := m.db.AppendAudit(ctx, entry); err != nil {
		log.WithError(err).WithField("versionId", tr.VersionID).Error("Failed to record FAILED audit entry")
	}
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, db.ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrStaleStatus):
		return "status_mismatch"
	case errors.Is(err, statemachine.ErrInvalidTransition):
		return "disallowed"
	case errors.Is(err, ErrActiveVersionExists):
		return "active_conflict"
	default:
		return "store_failure"
	}
}

// Rollback records an informational ROLLED_BACK audit entry for the
// version bound to the request. There is nothing to undo: a failed
// transition already rolled its writes back.
func (m *TransitionManager) Rollback(ctx context.Context, versionID, requestID, executedBy, reason string) error {
	ctx, span := trace.StartSpan(ctx, "execution.Rollback")
	defer span.End()
	if _, err := m.db.Version(ctx, versionID); err != nil {
		return err
	}
	if executedBy == "" {
		executedBy = SystemActor
	}
	return m.db.AppendAudit(ctx, &types.AuditEntry{
		ID:           uuid.New().String(),
		VersionID:    versionID,
		RequestID:    requestID,
		Phase:        types.PhaseRolledBack,
		ExecutedBy:   executedBy,
		ExecutedAt:   time.Now().UTC(),
		ErrorMessage: reason,
	})
}
