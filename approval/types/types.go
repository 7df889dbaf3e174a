// Package types defines the entities of the token version approval core:
// versioned tokens, VVB approval requests, validator votes, and the
// append-only execution audit trail.
package types

import (
	"time"
)

// VersionStatus is the lifecycle status of a token version.
type VersionStatus string

// Token version statuses. The allowed movements between them are encoded
// in the statemachine package.
const (
	Created    VersionStatus = "CREATED"
	PendingVVB VersionStatus = "PENDING_VVB"
	Active     VersionStatus = "ACTIVE"
	Replaced   VersionStatus = "REPLACED"
	Rejected   VersionStatus = "REJECTED"
	Expired    VersionStatus = "EXPIRED"
	Archived   VersionStatus = "ARCHIVED"
)

// RequestStatus is the lifecycle status of an approval request.
type RequestStatus string

// Approval request statuses. All but RequestPending are terminal.
const (
	RequestPending  RequestStatus = "PENDING"
	RequestApproved RequestStatus = "APPROVED"
	RequestRejected RequestStatus = "REJECTED"
	RequestExpired  RequestStatus = "EXPIRED"
)

// IsTerminal returns true once a request can no longer accept votes.
func (s RequestStatus) IsTerminal() bool {
	return s != RequestPending
}

// VoteChoice is a single validator's stance on an approval request.
type VoteChoice string

// Vote choices. Abstaining validators are excluded from the active voter
// count when computing consensus.
const (
	VoteYes     VoteChoice = "YES"
	VoteNo      VoteChoice = "NO"
	VoteAbstain VoteChoice = "ABSTAIN"
)

// Valid reports whether the choice is one of the recognized values.
func (c VoteChoice) Valid() bool {
	return c == VoteYes || c == VoteNo || c == VoteAbstain
}

// ExecutionPhase labels an entry in the execution audit trail.
type ExecutionPhase string

// Execution phases recorded per transition attempt.
const (
	PhaseInitiated    ExecutionPhase = "INITIATED"
	PhaseValidated    ExecutionPhase = "VALIDATED"
	PhaseTransitioned ExecutionPhase = "TRANSITIONED"
	PhaseCompleted    ExecutionPhase = "COMPLETED"
	PhaseFailed       ExecutionPhase = "FAILED"
	PhaseRolledBack   ExecutionPhase = "ROLLED_BACK"
)

// TokenVersion is one version of a parent token's content. At most one
// version per parent token is ACTIVE at any instant.
type TokenVersion struct {
	ID            string        `json:"id"`
	ParentTokenID string        `json:"parent_token_id"`
	VersionNumber uint64        `json:"version_number"`
	Content       []byte        `json:"content,omitempty"`
	MerkleHash    string        `json:"merkle_hash,omitempty"`
	Status        VersionStatus `json:"status"`

	PreviousVersionID   string `json:"previous_version_id,omitempty"`
	ReplacedByVersionID string `json:"replaced_by_version_id,omitempty"`

	// Approval fields, populated when a request for this version finalizes.
	ApprovalRequestID        string    `json:"approval_request_id,omitempty"`
	ApprovalThresholdPercent float64   `json:"approval_threshold_percent,omitempty"`
	ApprovedByCount          int       `json:"approved_by_count,omitempty"`
	ApprovalTimestamp        time.Time `json:"approval_timestamp,omitempty"`
	ApproverIDs              []string  `json:"approver_ids,omitempty"`
	RejectionReason          string    `json:"rejection_reason,omitempty"`

	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	ActivatedAt time.Time `json:"activated_at,omitempty"`
	ReplacedAt  time.Time `json:"replaced_at,omitempty"`
	ArchivedAt  time.Time `json:"archived_at,omitempty"`
}

// ApprovalRequest tracks a VVB voting round for exactly one token version.
type ApprovalRequest struct {
	ID             string `json:"id"`
	TokenVersionID string `json:"token_version_id"`

	Validators       []string `json:"validators"`
	TotalValidators  int      `json:"total_validators"`
	ThresholdPercent float64  `json:"approval_threshold_percent"`
	VotingWindowSecs int64    `json:"voting_window_seconds"`

	// Running tallies, monotonic while the request is PENDING.
	ApprovalCount  int `json:"approval_count"`
	RejectionCount int `json:"rejection_count"`
	AbstainCount   int `json:"abstain_count"`

	Status          RequestStatus `json:"status"`
	DecisionReason  string        `json:"decision_reason,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	VotingWindowEnd time.Time     `json:"voting_window_end"`
	DecidedAt       time.Time     `json:"decided_at,omitempty"`
}

// Copy returns a deep copy so callers cannot mutate registry state.
func (r *ApprovalRequest) Copy() *ApprovalRequest {
	if r == nil {
		return nil
	}
	dup := *r
	dup.Validators = append([]string(nil), r.Validators...)
	return &dup
}

// ValidatorVote is a single validator's immutable vote on a request.
type ValidatorVote struct {
	ID          string     `json:"id"`
	RequestID   string     `json:"approval_request_id"`
	ValidatorID string     `json:"validator_id"`
	Choice      VoteChoice `json:"choice"`
	Signature   string     `json:"signature,omitempty"`
	Reason      string     `json:"reason,omitempty"`
	VotedAt     time.Time  `json:"voted_at"`
}

// AuditEntry is one append-only record of a transition attempt phase.
// Entries are never updated or deleted in normal operation.
type AuditEntry struct {
	ID             string            `json:"id"`
	VersionID      string            `json:"version_id"`
	RequestID      string            `json:"approval_request_id,omitempty"`
	Phase          ExecutionPhase    `json:"phase"`
	PreviousStatus VersionStatus     `json:"previous_status,omitempty"`
	NewStatus      VersionStatus     `json:"new_status,omitempty"`
	ExecutedBy     string            `json:"executed_by"`
	ExecutedAt     time.Time         `json:"execution_timestamp"`
	ErrorMessage   string            `json:"error_message,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// WebhookSubscription is an external receiver of lifecycle events.
type WebhookSubscription struct {
	ID         string    `json:"id"`
	URL        string    `json:"url"`
	EventTypes []string  `json:"event_types"`
	Secret     string    `json:"secret"`
	CreatedAt  time.Time `json:"created_at"`
}

// Matches returns true if the subscription wants the given wire event type.
// A single "*" entry subscribes to everything.
func (s *WebhookSubscription) Matches(eventType string) bool {
	for _, t := range s.EventTypes {
		if t == "*" || t == eventType {
			return true
		}
	}
	return false
}
