package db

import (
	"bytes"
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
	"go.opencensus.io/trace"

	"github.com/aurigraph/tokenversion/approval/types"
)

func decodeAuditEntry(enc []byte) (*types.AuditEntry, error) {
	entry := &types.AuditEntry{}
	if err := json.Unmarshal(enc, entry); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal audit entry")
	}
	return entry, nil
}

func appendAudit(tx *bolt.Tx, entry *types.AuditEntry) error {
	enc, err := json.Marshal(entry)
	if err != nil {
		return errors.Wrap(err, "failed to marshal audit entry")
	}
	bucket := tx.Bucket(auditBucket)
	seq, err := bucket.NextSequence()
	if err != nil {
		return errors.Wrap(err, "failed to sequence audit entry")
	}
	// Keys carry a global sequence suffix so a per-version prefix scan
	// returns entries in append order even within one timestamp tick.
	if err := bucket.Put(encodeSeqKey(entry.VersionID, seq), enc); err != nil {
		return errors.Wrap(err, "failed to append audit entry")
	}
	return nil
}

// AppendAudit appends an entry to the execution audit trail. Entries are
// never updated or deleted in normal operation.
func (s *Store) AppendAudit(ctx context.Context, entry *types.AuditEntry) error {
	_, span := trace.StartSpan(ctx, "approvalDB.AppendAudit")
	defer span.End()
	return s.update(func(tx *bolt.Tx) error {
		return appendAudit(tx, entry)
	})
}

// AuditTrail returns the version's audit entries in append order.
func (s *Store) AuditTrail(ctx context.Context, versionID string) ([]*types.AuditEntry, error) {
	_, span := trace.StartSpan(ctx, "approvalDB.AuditTrail")
	defer span.End()
	var entries []*types.AuditEntry
	err := s.view(func(tx *bolt.Tx) error {
		c := tx.Bucket(auditBucket).Cursor()
		prefix := prefixKey(versionID)
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			entry, err := decodeAuditEntry(v)
			if err != nil {
				return err
			}
			entries = append(entries, entry)
		}
		return nil
	})
	return entries, err
}

// AppendAudit appends an audit entry inside the transaction. Entries
// written through a Txn are rolled back with it; the failure entry for an
// aborted transition is written afterwards through Store.AppendAudit.
func (t *Txn) AppendAudit(entry *types.AuditEntry) error {
	return appendAudit(t.tx, entry)
}
