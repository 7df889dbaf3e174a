// Package registry maintains the in-memory index of live approval
// requests and their votes: requests by id and by version, votes by
// request and by validator. It is a derived view over the store, rebuilt
// from pending requests at startup.
package registry

import (
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/pkg/errors"

	"github.com/aurigraph/tokenversion/approval/types"
)

var (
	// ErrNotFound is returned when the request is not registered.
	ErrNotFound = errors.New("approval request not registered")
	// ErrAlreadyRegistered is returned when the version already has a
	// registered request.
	ErrAlreadyRegistered = errors.New("version already has a registered request")
	// ErrDuplicateVote is returned when the validator already voted.
	ErrDuplicateVote = errors.New("validator already voted on this request")
	// ErrVotingClosed is returned when the request is no longer PENDING
	// or its voting window has ended.
	ErrVotingClosed = errors.New("voting window is closed")
)

// entry holds one request with its votes. The entry mutex serializes vote
// insertion and status updates on the same request.
type entry struct {
	mu    sync.Mutex
	req   *types.ApprovalRequest
	votes []*types.ValidatorVote
	voted map[string]bool
}

// Registry indexes approval requests and votes for concurrent callers.
type Registry struct {
	requests  *cache.Cache // request id -> *entry
	byVersion *cache.Cache // version id -> request id

	mu          sync.RWMutex
	byValidator map[string][]*types.ValidatorVote
}

// New creates an empty registry. Entries never expire on their own;
// decided requests are evicted explicitly once executed.
func New() *Registry {
	return &Registry{
		requests:    cache.New(cache.NoExpiration, cache.NoExpiration),
		byVersion:   cache.New(cache.NoExpiration, cache.NoExpiration),
		byValidator: make(map[string][]*types.ValidatorVote),
	}
}

// RegisterRequest adds a request to the indexes. Registering a second
// request for the same version fails.
func (r *Registry) RegisterRequest(req *types.ApprovalRequest) error {
	if err := r.byVersion.Add(req.TokenVersionID, req.ID, cache.NoExpiration); err != nil {
		return errors.Wrapf(ErrAlreadyRegistered, "version %s", req.TokenVersionID)
	}
	e := &entry{req: req.Copy(), voted: make(map[string]bool)}
	r.requests.SetDefault(req.ID, e)
	return nil
}

// RegisterVotes replays previously persisted votes into the indexes,
// used when rebuilding the registry at startup.
func (r *Registry) RegisterVotes(requestID string, votes []*types.ValidatorVote) error {
	e, err := r.entry(requestID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, vote := range votes {
		if e.voted[vote.ValidatorID] {
			continue
		}
		e.votes = append(e.votes, vote)
		e.voted[vote.ValidatorID] = true
		r.indexByValidator(vote)
	}
	return nil
}

func (r *Registry) entry(requestID string) (*entry, error) {
	v, ok := r.requests.Get(requestID)
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "request %s", requestID)
	}
	return v.(*entry), nil
}

func (r *Registry) indexByValidator(vote *types.ValidatorVote) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byValidator[vote.ValidatorID] = append(r.byValidator[vote.ValidatorID], vote)
}

// Request returns a snapshot of the registered request.
func (r *Registry) Request(requestID string) (*types.ApprovalRequest, error) {
	e, err := r.entry(requestID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.req.Copy(), nil
}

// RequestByVersion returns a snapshot of the request bound to a version.
func (r *Registry) RequestByVersion(versionID string) (*types.ApprovalRequest, error) {
	id, ok := r.byVersion.Get(versionID)
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "version %s", versionID)
	}
	return r.Request(id.(string))
}

// RegisterVote validates and records a vote under the request lock. The
// persist callback runs inside the lock with the updated tallies; the
// in-memory indexes only commit once it succeeds, so two simultaneous
// votes from one validator produce exactly one success.
func (r *Registry) RegisterVote(vote *types.ValidatorVote, now time.Time, persist func(req *types.ApprovalRequest) error) (*types.ApprovalRequest, error) {
	e, err := r.entry(vote.RequestID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.req.Status != types.RequestPending {
		return nil, errors.Wrapf(ErrVotingClosed, "request %s is %s", e.req.ID, e.req.Status)
	}
	// The window end is an inclusive refusal boundary.
	if !now.Before(e.req.VotingWindowEnd) {
		return nil, errors.Wrapf(ErrVotingClosed, "window for request %s ended at %s", e.req.ID, e.req.VotingWindowEnd)
	}
	if e.voted[vote.ValidatorID] {
		return nil, errors.Wrapf(ErrDuplicateVote, "validator %s on request %s", vote.ValidatorID, vote.RequestID)
	}

	updated := e.req.Copy()
	switch vote.Choice {
	case types.VoteYes:
		updated.ApprovalCount++
	case types.VoteNo:
		updated.RejectionCount++
	case types.VoteAbstain:
		updated.AbstainCount++
	}

	if persist != nil {
		if err := persist(updated); err != nil {
			return nil, err
		}
	}

	e.req = updated
	e.votes = append(e.votes, vote)
	e.voted[vote.ValidatorID] = true
	r.indexByValidator(vote)
	return updated.Copy(), nil
}

// UpdateStatus moves a registered request out of PENDING. The persist
// callback runs under the request lock so a concurrent vote cannot
// interleave with the status change.
func (r *Registry) UpdateStatus(requestID string, status types.RequestStatus, reason string, now time.Time, persist func(req *types.ApprovalRequest) error) (*types.ApprovalRequest, error) {
	e, err := r.entry(requestID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.req.Status != types.RequestPending {
		return nil, errors.Wrapf(ErrVotingClosed, "request %s is already %s", e.req.ID, e.req.Status)
	}
	updated := e.req.Copy()
	updated.Status = status
	updated.DecisionReason = reason
	updated.DecidedAt = now
	if persist != nil {
		if err := persist(updated); err != nil {
			return nil, err
		}
	}
	e.req = updated
	return updated.Copy(), nil
}

// HasVoted reports whether the validator already voted on the request.
func (r *Registry) HasVoted(requestID, validatorID string) bool {
	e, err := r.entry(requestID)
	if err != nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.voted[validatorID]
}

// Votes returns the request's votes in acceptance order.
func (r *Registry) Votes(requestID string) ([]*types.ValidatorVote, error) {
	e, err := r.entry(requestID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*types.ValidatorVote(nil), e.votes...), nil
}

// VotesByValidator returns every indexed vote cast by the validator.
func (r *Registry) VotesByValidator(validatorID string) []*types.ValidatorVote {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*types.ValidatorVote(nil), r.byValidator[validatorID]...)
}

// PendingRequests returns snapshots of every request still PENDING.
func (r *Registry) PendingRequests() []*types.ApprovalRequest {
	var pending []*types.ApprovalRequest
	for _, item := range r.requests.Items() {
		e := item.Object.(*entry)
		e.mu.Lock()
		if e.req.Status == types.RequestPending {
			pending = append(pending, e.req.Copy())
		}
		e.mu.Unlock()
	}
	return pending
}

// ExpiredRequests returns snapshots of PENDING requests whose voting
// window has ended at the given instant.
func (r *Registry) ExpiredRequests(now time.Time) []*types.ApprovalRequest {
	var expired []*types.ApprovalRequest
	for _, req := range r.PendingRequests() {
		if !now.Before(req.VotingWindowEnd) {
			expired = append(expired, req)
		}
	}
	return expired
}

// Remove evicts a request and its votes from every index, including the
// per-validator one.
func (r *Registry) Remove(requestID string) {
	e, err := r.entry(requestID)
	if err != nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	r.byVersion.Delete(e.req.TokenVersionID)
	r.requests.Delete(requestID)

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, vote := range e.votes {
		kept := r.byValidator[vote.ValidatorID][:0]
		for _, v := range r.byValidator[vote.ValidatorID] {
			if v.RequestID != requestID {
				kept = append(kept, v)
			}
		}
		if len(kept) == 0 {
			delete(r.byValidator, vote.ValidatorID)
			continue
		}
		r.byValidator[vote.ValidatorID] = kept
	}
}
