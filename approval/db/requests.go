package db

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
	"go.opencensus.io/trace"

	"github.com/aurigraph/tokenversion/approval/types"
)

// ErrRequestExists is returned when a version already has an approval
// request. A token version gets exactly one voting round.
var ErrRequestExists = errors.New("version already has an approval request")

func decodeRequest(enc []byte) (*types.ApprovalRequest, error) {
	req := &types.ApprovalRequest{}
	if err := json.Unmarshal(enc, req); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal approval request")
	}
	return req, nil
}

func putRequest(tx *bolt.Tx, req *types.ApprovalRequest) error {
	enc, err := json.Marshal(req)
	if err != nil {
		return errors.Wrap(err, "failed to marshal approval request")
	}
	if err := tx.Bucket(requestsBucket).Put([]byte(req.ID), enc); err != nil {
		return errors.Wrap(err, "failed to save approval request")
	}
	return nil
}

// CreateRequest persists a new approval request, enforcing the 1:1 mapping
// between versions and requests.
func (s *Store) CreateRequest(ctx context.Context, req *types.ApprovalRequest) error {
	_, span := trace.StartSpan(ctx, "approvalDB.CreateRequest")
	defer span.End()
	return s.update(func(tx *bolt.Tx) error {
		byVersion := tx.Bucket(requestByVersionBucket)
		if existing := byVersion.Get([]byte(req.TokenVersionID)); existing != nil {
			return errors.Wrapf(ErrRequestExists, "version %s", req.TokenVersionID)
		}
		if err := byVersion.Put([]byte(req.TokenVersionID), []byte(req.ID)); err != nil {
			return errors.Wrap(err, "failed to index approval request")
		}
		return putRequest(tx, req)
	})
}

// SaveRequest updates an existing approval request.
func (s *Store) SaveRequest(ctx context.Context, req *types.ApprovalRequest) error {
	_, span := trace.StartSpan(ctx, "approvalDB.SaveRequest")
	defer span.End()
	return s.update(func(tx *bolt.Tx) error {
		return putRequest(tx, req)
	})
}

// Request returns the approval request with the given id, or ErrNotFound.
func (s *Store) Request(ctx context.Context, id string) (*types.ApprovalRequest, error) {
	_, span := trace.StartSpan(ctx, "approvalDB.Request")
	defer span.End()
	var req *types.ApprovalRequest
	err := s.view(func(tx *bolt.Tx) error {
		enc := tx.Bucket(requestsBucket).Get([]byte(id))
		if enc == nil {
			return errors.Wrapf(ErrNotFound, "approval request %s", id)
		}
		var err error
		req, err = decodeRequest(enc)
		return err
	})
	return req, err
}

// RequestByVersion returns the approval request bound to the given token
// version, or ErrNotFound.
func (s *Store) RequestByVersion(ctx context.Context, versionID string) (*types.ApprovalRequest, error) {
	_, span := trace.StartSpan(ctx, "approvalDB.RequestByVersion")
	defer span.End()
	var req *types.ApprovalRequest
	err := s.view(func(tx *bolt.Tx) error {
		id := tx.Bucket(requestByVersionBucket).Get([]byte(versionID))
		if id == nil {
			return errors.Wrapf(ErrNotFound, "no approval request for version %s", versionID)
		}
		enc := tx.Bucket(requestsBucket).Get(id)
		if enc == nil {
			return errors.Wrapf(ErrNotFound, "approval request %s", string(id))
		}
		var err error
		req, err = decodeRequest(enc)
		return err
	})
	return req, err
}

// PendingRequests returns every request still in PENDING. The registry is
// rebuilt from this set at startup.
func (s *Store) PendingRequests(ctx context.Context) ([]*types.ApprovalRequest, error) {
	_, span := trace.StartSpan(ctx, "approvalDB.PendingRequests")
	defer span.End()
	var pending []*types.ApprovalRequest
	err := s.view(func(tx *bolt.Tx) error {
		return tx.Bucket(requestsBucket).ForEach(func(_, enc []byte) error {
			req, err := decodeRequest(enc)
			if err != nil {
				return err
			}
			if req.Status == types.RequestPending {
				pending = append(pending, req)
			}
			return nil
		})
	})
	return pending, err
}
