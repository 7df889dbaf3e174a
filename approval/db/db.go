// Package db defines the bbolt-backed persistence layer of the approval
// service: token versions, approval requests, validator votes, the
// append-only execution audit trail, and webhook subscriptions.
package db

import (
	"context"
	"os"
	"path"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
	"go.opencensus.io/trace"

	"github.com/aurigraph/tokenversion/shared/params"
)

var log = logrus.WithField("prefix", "approvaldb")

// ErrNotFound is returned when the requested entity does not exist.
var ErrNotFound = errors.New("not found in db")

// databaseFileName is the name of the bolt data file inside the datadir.
const databaseFileName = "approval.db"

// Store is the bbolt implementation of the approval service's persistence
// contracts. The exposed methods reflect the approval domain rather than
// raw get/put operations.
type Store struct {
	db           *bolt.DB
	databasePath string
}

// NewStore initializes a new bolt key-value store at the directory path
// specified and creates the kv-buckets based on the schema.
func NewStore(dirPath string) (*Store, error) {
	if err := os.MkdirAll(dirPath, 0700); err != nil {
		return nil, err
	}
	datafile := path.Join(dirPath, databaseFileName)
	boltDB, err := bolt.Open(datafile, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		if errors.Is(err, bolt.ErrTimeout) {
			return nil, errors.New("cannot obtain database lock, database may be in use by another process")
		}
		return nil, err
	}

	s := &Store{db: boltDB, databasePath: dirPath}

	if err := s.db.Update(func(tx *bolt.Tx) error {
		return createBuckets(
			tx,
			versionsBucket,
			tokenVersionsBucket,
			versionChildrenBucket,
			requestsBucket,
			requestByVersionBucket,
			votesBucket,
			voteUniqueBucket,
			votesByValidatorBucket,
			auditBucket,
			webhooksBucket,
		)
	}); err != nil {
		return nil, err
	}
	return s, nil
}

func createBuckets(tx *bolt.Tx, buckets ...[]byte) error {
	for _, b := range buckets {
		if _, err := tx.CreateBucketIfNotExists(b); err != nil {
			return errors.Wrapf(err, "could not create %s bucket", string(b))
		}
	}
	return nil
}

// Close closes the underlying bolt database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DatabasePath at which this database writes files.
func (s *Store) DatabasePath() string {
	return s.databasePath
}

// ClearDB removes the database file from the filesystem.
func (s *Store) ClearDB() error {
	if _, err := os.Stat(s.databasePath); os.IsNotExist(err) {
		return nil
	}
	return os.Remove(path.Join(s.databasePath, databaseFileName))
}

func (s *Store) view(fn func(*bolt.Tx) error) error {
	return s.db.View(fn)
}

// update runs fn in a writable transaction with a single inline retry on
// transient failures, per the configured policy.
func (s *Store) update(fn func(*bolt.Tx) error) error {
	err := s.db.Update(fn)
	if err == nil || isDomainError(err) {
		return err
	}
	retries := params.ApprovalConfig().TxnRetries
	for i := 0; i < retries; i++ {
		log.WithError(err).Warn("Retrying store transaction after transient failure")
		if err = s.db.Update(fn); err == nil || isDomainError(err) {
			return err
		}
	}
	return err
}

// isDomainError reports whether the error is a deliberate domain refusal
// rather than a storage failure. Domain refusals are never retried.
func isDomainError(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrDuplicateVote) ||
		errors.Is(err, ErrRequestExists) ||
		errors.Is(err, errTxnAborted)
}

// errTxnAborted marks caller-initiated rollbacks in Txn so update does not
// retry them. Callers see their original error, not this sentinel.
var errTxnAborted = errors.New("txn aborted by caller")

// Txn is a single writable transaction over the store. TransitionManager
// uses it to execute a status change and its audit entries atomically.
type Txn struct {
	tx *bolt.Tx
}

// Txn runs fn inside one writable bolt transaction. If fn returns an
// error, every write made through the Txn is rolled back.
func (s *Store) Txn(ctx context.Context, fn func(txn *Txn) error) error {
	_, span := trace.StartSpan(ctx, "approvalDB.Txn")
	defer span.End()
	var cause error
	err := s.update(func(tx *bolt.Tx) error {
		if err := fn(&Txn{tx: tx}); err != nil {
			cause = err
			return errors.Wrap(errTxnAborted, err.Error())
		}
		return nil
	})
	if cause != nil {
		return cause
	}
	return err
}
