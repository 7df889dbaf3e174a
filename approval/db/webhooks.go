package db

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
	"go.opencensus.io/trace"

	"github.com/aurigraph/tokenversion/approval/types"
)

// SaveWebhook persists a webhook subscription.
func (s *Store) SaveWebhook(ctx context.Context, sub *types.WebhookSubscription) error {
	_, span := trace.StartSpan(ctx, "approvalDB.SaveWebhook")
	defer span.End()
	enc, err := json.Marshal(sub)
	if err != nil {
		return errors.Wrap(err, "failed to marshal webhook subscription")
	}
	return s.update(func(tx *bolt.Tx) error {
		return tx.Bucket(webhooksBucket).Put([]byte(sub.ID), enc)
	})
}

// DeleteWebhook removes a webhook subscription, or returns ErrNotFound.
func (s *Store) DeleteWebhook(ctx context.Context, id string) error {
	_, span := trace.StartSpan(ctx, "approvalDB.DeleteWebhook")
	defer span.End()
	return s.update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(webhooksBucket)
		if bucket.Get([]byte(id)) == nil {
			return errors.Wrapf(ErrNotFound, "webhook %s", id)
		}
		return bucket.Delete([]byte(id))
	})
}

// Webhooks returns all webhook subscriptions.
func (s *Store) Webhooks(ctx context.Context) ([]*types.WebhookSubscription, error) {
	_, span := trace.StartSpan(ctx, "approvalDB.Webhooks")
	defer span.End()
	var subs []*types.WebhookSubscription
	err := s.view(func(tx *bolt.Tx) error {
		return tx.Bucket(webhooksBucket).ForEach(func(_, enc []byte) error {
			sub := &types.WebhookSubscription{}
			if err := json.Unmarshal(enc, sub); err != nil {
				return errors.Wrap(err, "failed to unmarshal webhook subscription")
			}
			subs = append(subs, sub)
			return nil
		})
	})
	return subs, err
}
