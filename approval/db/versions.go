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

func decodeVersion(enc []byte) (*types.TokenVersion, error) {
	version := &types.TokenVersion{}
	if err := json.Unmarshal(enc, version); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal token version")
	}
	return version, nil
}

func putVersion(tx *bolt.Tx, version *types.TokenVersion) error {
	enc, err := json.Marshal(version)
	if err != nil {
		return errors.Wrap(err, "failed to marshal token version")
	}
	bucket := tx.Bucket(versionsBucket)
	if err := bucket.Put([]byte(version.ID), enc); err != nil {
		return errors.Wrap(err, "failed to save token version")
	}
	idx := tx.Bucket(tokenVersionsBucket)
	if err := idx.Put(encodeVersionNumberKey(version.ParentTokenID, version.VersionNumber), []byte(version.ID)); err != nil {
		return errors.Wrap(err, "failed to index token version")
	}
	if version.PreviousVersionID != "" {
		children := tx.Bucket(versionChildrenBucket)
		if err := children.Put(encodeKey(version.PreviousVersionID, version.ID), []byte(version.ID)); err != nil {
			return errors.Wrap(err, "failed to index version lineage")
		}
	}
	return nil
}

func getVersion(tx *bolt.Tx, id string) (*types.TokenVersion, error) {
	enc := tx.Bucket(versionsBucket).Get([]byte(id))
	if enc == nil {
		return nil, errors.Wrapf(ErrNotFound, "token version %s", id)
	}
	return decodeVersion(enc)
}

// SaveVersion upserts a token version and maintains its lookup indexes.
func (s *Store) SaveVersion(ctx context.Context, version *types.TokenVersion) error {
	_, span := trace.StartSpan(ctx, "approvalDB.SaveVersion")
	defer span.End()
	return s.update(func(tx *bolt.Tx) error {
		return putVersion(tx, version)
	})
}

// Version returns the token version with the given id, or ErrNotFound.
func (s *Store) Version(ctx context.Context, id string) (*types.TokenVersion, error) {
	_, span := trace.StartSpan(ctx, "approvalDB.Version")
	defer span.End()
	var version *types.TokenVersion
	err := s.view(func(tx *bolt.Tx) error {
		var err error
		version, err = getVersion(tx, id)
		return err
	})
	return version, err
}

// VersionsByToken returns every version of the given parent token in
// ascending version number order.
func (s *Store) VersionsByToken(ctx context.Context, tokenID string) ([]*types.TokenVersion, error) {
	_, span := trace.StartSpan(ctx, "approvalDB.VersionsByToken")
	defer span.End()
	var versions []*types.TokenVersion
	err := s.view(func(tx *bolt.Tx) error {
		c := tx.Bucket(tokenVersionsBucket).Cursor()
		prefix := prefixKey(tokenID)
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			version, err := getVersion(tx, string(v))
			if err != nil {
				return err
			}
			versions = append(versions, version)
		}
		return nil
	})
	return versions, err
}

func getActiveVersion(tx *bolt.Tx, tokenID string) (*types.TokenVersion, error) {
	c := tx.Bucket(tokenVersionsBucket).Cursor()
	prefix := prefixKey(tokenID)
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		version, err := getVersion(tx, string(v))
		if err != nil {
			return nil, err
		}
		if version.Status == types.Active {
			return version, nil
		}
	}
	return nil, errors.Wrapf(ErrNotFound, "no active version for token %s", tokenID)
}

// ActiveVersion returns the ACTIVE version of the given parent token, or
// ErrNotFound when no version is active.
func (s *Store) ActiveVersion(ctx context.Context, tokenID string) (*types.TokenVersion, error) {
	_, span := trace.StartSpan(ctx, "approvalDB.ActiveVersion")
	defer span.End()
	var version *types.TokenVersion
	err := s.view(func(tx *bolt.Tx) error {
		var err error
		version, err = getActiveVersion(tx, tokenID)
		return err
	})
	return version, err
}

// HighestVersionNumber returns the largest version number recorded for the
// parent token, zero when the token has no versions.
func (s *Store) HighestVersionNumber(ctx context.Context, tokenID string) (uint64, error) {
	versions, err := s.VersionsByToken(ctx, tokenID)
	if err != nil {
		return 0, err
	}
	if len(versions) == 0 {
		return 0, nil
	}
	return versions[len(versions)-1].VersionNumber, nil
}

// AllVersions returns every stored token version. The archive sweeper
// scans these on its interval; the set stays small because terminal
// versions age out into ARCHIVED.
func (s *Store) AllVersions(ctx context.Context) ([]*types.TokenVersion, error) {
	_, span := trace.StartSpan(ctx, "approvalDB.AllVersions")
	defer span.End()
	var versions []*types.TokenVersion
	err := s.view(func(tx *bolt.Tx) error {
		return tx.Bucket(versionsBucket).ForEach(func(_, enc []byte) error {
			version, err := decodeVersion(enc)
			if err != nil {
				return err
			}
			versions = append(versions, version)
			return nil
		})
	})
	return versions, err
}

// ActiveChildren counts versions whose previous_version_id is the given
// version and whose status is ACTIVE. Cascade retirement refuses to act
// when lineage is ambiguous.
func (s *Store) ActiveChildren(ctx context.Context, versionID string) (int, error) {
	_, span := trace.StartSpan(ctx, "approvalDB.ActiveChildren")
	defer span.End()
	count := 0
	err := s.view(func(tx *bolt.Tx) error {
		c := tx.Bucket(versionChildrenBucket).Cursor()
		prefix := prefixKey(versionID)
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			child, err := getVersion(tx, string(v))
			if err != nil {
				return err
			}
			if child.Status == types.Active {
				count++
			}
		}
		return nil
	})
	return count, err
}

// Version reads a token version inside the transaction.
func (t *Txn) Version(id string) (*types.TokenVersion, error) {
	return getVersion(t.tx, id)
}

// ActiveVersion reads the parent token's ACTIVE version inside the
// transaction, or ErrNotFound when no version is active.
func (t *Txn) ActiveVersion(tokenID string) (*types.TokenVersion, error) {
	return getActiveVersion(t.tx, tokenID)
}

// SaveVersion writes a token version inside the transaction.
func (t *Txn) SaveVersion(version *types.TokenVersion) error {
	return putVersion(t.tx, version)
}
