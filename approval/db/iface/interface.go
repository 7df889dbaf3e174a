// Package iface defines the persistence contracts the approval core
// depends on. The bbolt store in approval/db is the production
// implementation; tests may substitute their own.
package iface

import (
	"context"
	"io"

	"github.com/aurigraph/tokenversion/approval/db"
	"github.com/aurigraph/tokenversion/approval/types"
)

// VersionStore persists token versions and their lineage indexes.
type VersionStore interface {
	SaveVersion(ctx context.Context, version *types.TokenVersion) error
	Version(ctx context.Context, id string) (*types.TokenVersion, error)
	VersionsByToken(ctx context.Context, tokenID string) ([]*types.TokenVersion, error)
	AllVersions(ctx context.Context) ([]*types.TokenVersion, error)
	ActiveVersion(ctx context.Context, tokenID string) (*types.TokenVersion, error)
	HighestVersionNumber(ctx context.Context, tokenID string) (uint64, error)
	ActiveChildren(ctx context.Context, versionID string) (int, error)
}

// RequestStore persists approval requests and validator votes.
type RequestStore interface {
	CreateRequest(ctx context.Context, req *types.ApprovalRequest) error
	SaveRequest(ctx context.Context, req *types.ApprovalRequest) error
	Request(ctx context.Context, id string) (*types.ApprovalRequest, error)
	RequestByVersion(ctx context.Context, versionID string) (*types.ApprovalRequest, error)
	PendingRequests(ctx context.Context) ([]*types.ApprovalRequest, error)
	SaveVote(ctx context.Context, vote *types.ValidatorVote, req *types.ApprovalRequest) error
	VotesByRequest(ctx context.Context, requestID string) ([]*types.ValidatorVote, error)
	VotesByValidator(ctx context.Context, validatorID string) ([]*types.ValidatorVote, error)
	HasVoted(ctx context.Context, requestID, validatorID string) (bool, error)
}

// AuditStore persists the append-only execution audit trail.
type AuditStore interface {
	AppendAudit(ctx context.Context, entry *types.AuditEntry) error
	AuditTrail(ctx context.Context, versionID string) ([]*types.AuditEntry, error)
}

// WebhookStore persists webhook subscriptions.
type WebhookStore interface {
	SaveWebhook(ctx context.Context, sub *types.WebhookSubscription) error
	DeleteWebhook(ctx context.Context, id string) error
	Webhooks(ctx context.Context) ([]*types.WebhookSubscription, error)
}

// Transactional runs a function inside one writable store transaction so
// multi-step operations commit or roll back as a unit.
type Transactional interface {
	Txn(ctx context.Context, fn func(txn *db.Txn) error) error
}

// Database is the full persistence contract of the approval service.
type Database interface {
	io.Closer
	VersionStore
	RequestStore
	AuditStore
	WebhookStore
	Transactional

	DatabasePath() string
	ClearDB() error
}
