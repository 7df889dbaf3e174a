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

// ErrDuplicateVote is returned when a validator has already voted on the
// request. Votes are immutable once accepted.
var ErrDuplicateVote = errors.New("validator already voted on this request")

func decodeVote(enc []byte) (*types.ValidatorVote, error) {
	vote := &types.ValidatorVote{}
	if err := json.Unmarshal(enc, vote); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal validator vote")
	}
	return vote, nil
}

// SaveVote appends a vote and persists the request's updated tallies in the
// same transaction, enforcing (request, validator) uniqueness.
func (s *Store) SaveVote(ctx context.Context, vote *types.ValidatorVote, req *types.ApprovalRequest) error {
	_, span := trace.StartSpan(ctx, "approvalDB.SaveVote")
	defer span.End()
	enc, err := json.Marshal(vote)
	if err != nil {
		return errors.Wrap(err, "failed to marshal validator vote")
	}
	return s.update(func(tx *bolt.Tx) error {
		uniq := tx.Bucket(voteUniqueBucket)
		uniqKey := encodeKey(vote.RequestID, vote.ValidatorID)
		if existing := uniq.Get(uniqKey); existing != nil {
			return errors.Wrapf(ErrDuplicateVote, "validator %s on request %s", vote.ValidatorID, vote.RequestID)
		}
		if err := uniq.Put(uniqKey, []byte(vote.ID)); err != nil {
			return errors.Wrap(err, "failed to record vote uniqueness")
		}

		votes := tx.Bucket(votesBucket)
		seq, err := votes.NextSequence()
		if err != nil {
			return errors.Wrap(err, "failed to sequence vote")
		}
		if err := votes.Put(encodeSeqKey(vote.RequestID, seq), enc); err != nil {
			return errors.Wrap(err, "failed to save validator vote")
		}
		byValidator := tx.Bucket(votesByValidatorBucket)
		if err := byValidator.Put(encodeKey(vote.ValidatorID, vote.RequestID), enc); err != nil {
			return errors.Wrap(err, "failed to index validator vote")
		}
		return putRequest(tx, req)
	})
}

// VotesByRequest returns the request's votes in acceptance order.
func (s *Store) VotesByRequest(ctx context.Context, requestID string) ([]*types.ValidatorVote, error) {
	_, span := trace.StartSpan(ctx, "approvalDB.VotesByRequest")
	defer span.End()
	var votes []*types.ValidatorVote
	err := s.view(func(tx *bolt.Tx) error {
		c := tx.Bucket(votesBucket).Cursor()
		prefix := prefixKey(requestID)
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			vote, err := decodeVote(v)
			if err != nil {
				return err
			}
			votes = append(votes, vote)
		}
		return nil
	})
	return votes, err
}

// VotesByValidator returns every vote the validator has cast, across all
// requests.
func (s *Store) VotesByValidator(ctx context.Context, validatorID string) ([]*types.ValidatorVote, error) {
	_, span := trace.StartSpan(ctx, "approvalDB.VotesByValidator")
	defer span.End()
	var votes []*types.ValidatorVote
	err := s.view(func(tx *bolt.Tx) error {
		c := tx.Bucket(votesByValidatorBucket).Cursor()
		prefix := prefixKey(validatorID)
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			vote, err := decodeVote(v)
			if err != nil {
				return err
			}
			votes = append(votes, vote)
		}
		return nil
	})
	return votes, err
}

// HasVoted reports whether the validator has already voted on the request.
func (s *Store) HasVoted(ctx context.Context, requestID, validatorID string) (bool, error) {
	var voted bool
	err := s.view(func(tx *bolt.Tx) error {
		voted = tx.Bucket(voteUniqueBucket).Get(encodeKey(requestID, validatorID)) != nil
		return nil
	})
	return voted, err
}
