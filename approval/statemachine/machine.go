// Package statemachine is the single source of truth for allowed token
// version status transitions and per-status timeouts. Every component
// consults it before mutating a version's status.
package statemachine

import (
	"time"

	"github.com/pkg/errors"

	"github.com/aurigraph/tokenversion/approval/types"
)

// ErrInvalidTransition is returned when a requested status change is not in
// the transition table. Wrap with context and match with errors.Is.
var ErrInvalidTransition = errors.New("invalid version status transition")

// allowedTransitions is the exhaustive transition table. A status absent
// from the map, or mapped to an empty set, is terminal.
var allowedTransitions = map[types.VersionStatus][]types.VersionStatus{
	types.Created:    {types.PendingVVB, types.Active, types.Rejected, types.Expired},
	types.PendingVVB: {types.Active, types.Rejected, types.Expired},
	types.Active:     {types.Replaced, types.Archived, types.Expired},
	types.Replaced:   {types.Archived},
	types.Rejected:   {types.Archived},
	types.Expired:    {types.Archived},
	types.Archived:   {},
}

// statusTimeouts holds per-status timeouts used by the archive sweeper.
// EXPIRED maps to zero: such versions are archived immediately. ARCHIVED
// has no timeout.
var statusTimeouts = map[types.VersionStatus]time.Duration{
	types.Created:    30 * 24 * time.Hour,
	types.PendingVVB: 7 * 24 * time.Hour,
	types.Active:     365 * 24 * time.Hour,
	types.Replaced:   365 * 24 * time.Hour,
	types.Rejected:   90 * 24 * time.Hour,
	types.Expired:    0,
}

// Allowed reports whether the transition from one status to another is in
// the table. Self-transitions are always rejected.
func Allowed(from, to types.VersionStatus) bool {
	if from == to {
		return false
	}
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CheckTransition returns ErrInvalidTransition, annotated with the offending
// pair, when the transition is not allowed.
func CheckTransition(from, to types.VersionStatus) error {
	if !Allowed(from, to) {
		return errors.Wrapf(ErrInvalidTransition, "%s -> %s", from, to)
	}
	return nil
}

// Timeout returns the sweeper timeout for the given status. The second
// return value is false for statuses with no timeout.
func Timeout(status types.VersionStatus) (time.Duration, bool) {
	d, ok := statusTimeouts[status]
	return d, ok
}

// IsTerminal reports whether no transition leads out of the given status.
func IsTerminal(status types.VersionStatus) bool {
	return len(allowedTransitions[status]) == 0
}
