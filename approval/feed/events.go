// Package feed defines the event types fired during the runtime of the
// approval service, such as request creation, vote intake, consensus
// decisions, and execution outcomes. Services communicate through a
// shared event.Feed carrying *feed.Event values.
package feed

import (
	"time"

	"github.com/aurigraph/tokenversion/approval/consensus"
	"github.com/aurigraph/tokenversion/approval/types"
)

// Event is the event that is sent over the operation feed.
type Event struct {
	// Type is one of the event type constants below.
	Type int
	// Data is event-specific payload, one of the Data structs below.
	Data interface{}
}

const (
	// RequestCreated is sent after a new approval request is persisted
	// and registered.
	RequestCreated = iota + 1
	// VoteSubmitted is sent after a validator vote is accepted, in the
	// order votes were accepted per request.
	VoteSubmitted
	// ConsensusReached is sent at most once per request, strictly after
	// the last contributing VoteSubmitted.
	ConsensusReached
	// ApprovalDecided is sent exactly once per request when it leaves
	// PENDING, whether approved, rejected, or expired.
	ApprovalDecided
	// ExecutionCompleted is sent after an approved version finished its
	// transition to ACTIVE.
	ExecutionCompleted
	// ExecutionFailed is sent when executing a decision failed.
	ExecutionFailed
	// VersionRejected is sent after a version transitioned to REJECTED.
	VersionRejected
	// VersionExpired is sent after a version transitioned to EXPIRED.
	VersionExpired
)

// Wire event type names for webhook subscribers.
const (
	WireRequestCreated   = "APPROVAL_REQUEST_CREATED"
	WireVoteSubmitted    = "VOTE_SUBMITTED"
	WireConsensusReached = "CONSENSUS_REACHED"
	WireApprovalExecuted = "APPROVAL_EXECUTED"
	WireApprovalRejected = "APPROVAL_REJECTED"
	WireWindowExpired    = "VOTING_WINDOW_EXPIRED"
)

// RequestCreatedData is the data sent with RequestCreated events.
type RequestCreatedData struct {
	Request *types.ApprovalRequest
}

// VoteSubmittedData is the data sent with VoteSubmitted events.
type VoteSubmittedData struct {
	Vote    *types.ValidatorVote
	Request *types.ApprovalRequest
}

// ConsensusReachedData is the data sent with ConsensusReached events.
type ConsensusReachedData struct {
	RequestID string
	VersionID string
	Result    *consensus.Result
}

// ApprovalDecidedData is the data sent with ApprovalDecided events.
type ApprovalDecidedData struct {
	RequestID string
	VersionID string
	Status    types.RequestStatus
	Reason    string
	// ApproverIDs are the validators who voted YES, in acceptance order.
	ApproverIDs    []string
	ApprovalCount  int
	RejectionCount int
	AbstainCount   int
}

// ExecutionCompletedData is the data sent with ExecutionCompleted events.
type ExecutionCompletedData struct {
	RequestID string
	VersionID string
	Duration  time.Duration
}

// ExecutionFailedData is the data sent with ExecutionFailed events.
type ExecutionFailedData struct {
	RequestID string
	VersionID string
	Err       string
}

// VersionRejectedData is the data sent with VersionRejected events.
type VersionRejectedData struct {
	RequestID string
	VersionID string
	Reason    string
}

// VersionExpiredData is the data sent with VersionExpired events.
type VersionExpiredData struct {
	RequestID string
	VersionID string
}
