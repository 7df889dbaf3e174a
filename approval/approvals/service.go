// Package approvals implements the VVB approval workflow: creating
// approval requests for token versions, accepting validator votes,
// evaluating consensus after every vote, and expiring requests whose
// voting window lapsed. Decisions are announced on the operation feed
// for the execution service to act on.
package approvals

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.opencensus.io/trace"

	"github.com/aurigraph/tokenversion/approval/consensus"
	"github.com/aurigraph/tokenversion/approval/db/iface"
	"github.com/aurigraph/tokenversion/approval/feed"
	"github.com/aurigraph/tokenversion/approval/registry"
	"github.com/aurigraph/tokenversion/approval/types"
	"github.com/aurigraph/tokenversion/async"
	"github.com/aurigraph/tokenversion/shared/event"
	"github.com/aurigraph/tokenversion/shared/params"
)

var log = logrus.WithField("prefix", "approvals")

// Decision reasons recorded on finalized requests and rejected versions.
const (
	ReasonRejectedByMajority  = "rejected_by_majority"
	ReasonConsensusImpossible = "consensus_impossible"
	ReasonWindowExpired       = "voting_window_expired"
)

var (
	// ErrInvalidRequest is returned for malformed create-request input.
	ErrInvalidRequest = errors.New("invalid approval request input")
	// ErrInvalidVote is returned for malformed vote input.
	ErrInvalidVote = errors.New("invalid vote input")
	// ErrVersionNotPending is returned when the version is not awaiting
	// VVB approval.
	ErrVersionNotPending = errors.New("version is not pending VVB approval")
	// ErrNotOnBoard is returned when the validator is not part of the
	// request's validator board.
	ErrNotOnBoard = errors.New("validator is not on the request's board")
)

// Config options for the approval service.
type Config struct {
	Database iface.Database
	Registry *registry.Registry
	Verifier SignatureVerifier
}

// Service drives approval requests from creation through decision.
type Service struct {
	ctx    context.Context
	cancel context.CancelFunc
	cfg    *Config
	feed   *event.Feed
	err    error
}

// NewService instantiates the approval service from configuration options.
func NewService(ctx context.Context, cfg *Config) *Service {
	ctx, cancel := context.WithCancel(ctx)
	if cfg.Verifier == nil {
		cfg.Verifier = &NoopVerifier{}
	}
	return &Service{
		ctx:    ctx,
		cancel: cancel,
		cfg:    cfg,
		feed:   new(event.Feed),
	}
}

// OperationFeed is the feed on which the service publishes request,
// vote, and decision events.
func (s *Service) OperationFeed() *event.Feed {
	return s.feed
}

// Start rebuilds the in-memory registry from persisted pending requests
// and launches the expiry sweeper.
func (s *Service) Start() {
	if err := s.rebuildRegistry(); err != nil {
		s.err = errors.Wrap(err, "could not rebuild approval registry")
		log.WithError(err).Error("Failed to rebuild approval registry")
		return
	}
	interval := time.Duration(params.ApprovalConfig().ExpirySweepInterval) * time.Second
	async.RunEvery(s.ctx, interval, s.sweepExpired)
	log.WithField("sweepInterval", interval).Info("Approval service started")
}

// Stop the approval service and its sweeper.
func (s *Service) Stop() error {
	s.cancel()
	return nil
}

// Status returns the startup error, if any.
func (s *Service) Status() error {
	return s.err
}

func (s *Service) rebuildRegistry() error {
	pending, err := s.cfg.Database.PendingRequests(s.ctx)
	if err != nil {
		return err
	}
	for _, req := range pending {
		if err := s.cfg.Registry.RegisterRequest(req); err != nil {
			return errors.Wrapf(err, "request %s", req.ID)
		}
		votes, err := s.cfg.Database.VotesByRequest(s.ctx, req.ID)
		if err != nil {
			return errors.Wrapf(err, "votes for request %s", req.ID)
		}
		if err := s.cfg.Registry.RegisterVotes(req.ID, votes); err != nil {
			return errors.Wrapf(err, "request %s", req.ID)
		}
	}
	if len(pending) > 0 {
		log.WithField("requests", len(pending)).Info("Rebuilt registry from pending requests")
	}
	return nil
}

// CreateRequest opens a voting round for a version awaiting VVB approval.
func (s *Service) CreateRequest(ctx context.Context, versionID string, validators []string, windowSecs int64, thresholdPercent float64) (*types.ApprovalRequest, error) {
	ctx, span := trace.StartSpan(ctx, "approvals.CreateRequest")
	defer span.End()

	if versionID == "" {
		return nil, errors.Wrap(ErrInvalidRequest, "version id is required")
	}
	if len(validators) == 0 {
		return nil, errors.Wrap(ErrInvalidRequest, "validator list is empty")
	}
	seen := make(map[string]bool, len(validators))
	for _, v := range validators {
		if v == "" {
			return nil, errors.Wrap(ErrInvalidRequest, "empty validator id")
		}
		if seen[v] {
			return nil, errors.Wrapf(ErrInvalidRequest, "duplicate validator %s", v)
		}
		seen[v] = true
	}
	if windowSecs <= 0 {
		return nil, errors.Wrap(ErrInvalidRequest, "voting window must be positive")
	}
	if thresholdPercent == 0 {
		thresholdPercent = params.ApprovalConfig().DefaultThresholdPercent
	}
	if thresholdPercent <= 0 || thresholdPercent > 100 {
		return nil, errors.Wrapf(ErrInvalidRequest, "threshold %.2f outside (0,100]", thresholdPercent)
	}

	version, err := s.cfg.Database.Version(ctx, versionID)
	if err != nil {
		return nil, err
	}
	if version.Status != types.PendingVVB {
		return nil, errors.Wrapf(ErrVersionNotPending, "version %s is %s", versionID, version.Status)
	}

	now := time.Now().UTC()
	req := &types.ApprovalRequest{
		ID:               uuid.New().String(),
		TokenVersionID:   versionID,
		Validators:       append([]string(nil), validators...),
		TotalValidators:  len(validators),
		ThresholdPercent: thresholdPercent,
		VotingWindowSecs: windowSecs,
		Status:           types.RequestPending,
		CreatedAt:        now,
		VotingWindowEnd:  now.Add(time.Duration(windowSecs) * time.Second),
	}
	if err := s.cfg.Database.CreateRequest(ctx, req); err != nil {
		return nil, err
	}
	if err := s.cfg.Registry.RegisterRequest(req); err != nil {
		return nil, err
	}

	approvalRequestsCreated.Inc()
	log.WithFields(logrus.Fields{
		"requestId":  req.ID,
		"versionId":  versionID,
		"validators": len(validators),
		"windowEnd":  req.VotingWindowEnd,
	}).Info("Approval request created")
	s.feed.Send(&feed.Event{
		Type: feed.RequestCreated,
		Data: &feed.RequestCreatedData{Request: req.Copy()},
	})
	return req.Copy(), nil
}

// Request returns the registered request, falling back to the store for
// requests already evicted from the registry.
func (s *Service) Request(ctx context.Context, requestID string) (*types.ApprovalRequest, error) {
	req, err := s.cfg.Registry.Request(requestID)
	if err == nil {
		return req, nil
	}
	return s.cfg.Database.Request(ctx, requestID)
}

// Votes returns the request's votes in acceptance order.
func (s *Service) Votes(ctx context.Context, requestID string) ([]*types.ValidatorVote, error) {
	if votes, err := s.cfg.Registry.Votes(requestID); err == nil {
		return votes, nil
	}
	if _, err := s.cfg.Database.Request(ctx, requestID); err != nil {
		return nil, err
	}
	return s.cfg.Database.VotesByRequest(ctx, requestID)
}

// SubmitVote validates and records one validator vote, then re-evaluates
// consensus and finalizes the request on a decisive outcome.
func (s *Service) SubmitVote(ctx context.Context, requestID, validatorID string, choice types.VoteChoice, signature, reason string) (*types.ValidatorVote, *types.ApprovalRequest, error) {
	ctx, span := trace.StartSpan(ctx, "approvals.SubmitVote")
	defer span.End()

	if validatorID == "" {
		return nil, nil, errors.Wrap(ErrInvalidVote, "validator id is required")
	}
	if !choice.Valid() {
		return nil, nil, errors.Wrapf(ErrInvalidVote, "unknown choice %q", choice)
	}

	req, err := s.cfg.Registry.Request(requestID)
	if err != nil {
		return nil, nil, err
	}
	onBoard := false
	for _, v := range req.Validators {
		if v == validatorID {
			onBoard = true
			break
		}
	}
	if !onBoard {
		votesRefused.WithLabelValues("not_on_board").Inc()
		return nil, nil, errors.Wrapf(ErrNotOnBoard, "validator %s", validatorID)
	}
	// Duplicate refusal takes precedence over signature verification;
	// RegisterVote re-checks under the request lock.
	if s.cfg.Registry.HasVoted(requestID, validatorID) {
		votesRefused.WithLabelValues("duplicate").Inc()
		return nil, nil, errors.Wrapf(registry.ErrDuplicateVote, "validator %s on request %s", validatorID, requestID)
	}

	now := time.Now().UTC()
	vote := &types.ValidatorVote{
		ID:          uuid.New().String(),
		RequestID:   requestID,
		ValidatorID: validatorID,
		Choice:      choice,
		Signature:   signature,
		Reason:      reason,
		VotedAt:     now,
	}
	if err := s.cfg.Verifier.Verify(vote); err != nil {
		votesRefused.WithLabelValues("invalid_signature").Inc()
		return nil, nil, err
	}

	updated, err := s.cfg.Registry.RegisterVote(vote, now, func(updated *types.ApprovalRequest) error {
		return s.cfg.Database.SaveVote(ctx, vote, updated)
	})
	if err != nil {
		switch {
		case errors.Is(err, registry.ErrDuplicateVote):
			votesRefused.WithLabelValues("duplicate").Inc()
		case errors.Is(err, registry.ErrVotingClosed):
			votesRefused.WithLabelValues("closed").Inc()
		}
		return nil, nil, err
	}

	votesAccepted.WithLabelValues(string(choice)).Inc()
	log.WithFields(logrus.Fields{
		"requestId": requestID,
		"validator": validatorID,
		"choice":    choice,
	}).Info("Vote accepted")
	s.feed.Send(&feed.Event{
		Type: feed.VoteSubmitted,
		Data: &feed.VoteSubmittedData{Vote: vote, Request: updated.Copy()},
	})

	res := consensus.Calculate(
		updated.ApprovalCount,
		updated.RejectionCount,
		updated.AbstainCount,
		updated.TotalValidators,
		updated.ThresholdPercent,
	)
	if res.Decisive() {
		s.finalize(ctx, updated, res, now)
	}
	return vote, updated, nil
}

// finalize moves a request out of PENDING on a decisive consensus result.
// A concurrent finalization by another vote wins silently; the decision
// events fire at most once per request.
func (s *Service) finalize(ctx context.Context, req *types.ApprovalRequest, res *consensus.Result, now time.Time) {
	status := types.RequestRejected
	reason := ReasonRejectedByMajority
	if res.Approved {
		status = types.RequestApproved
		reason = ""
	} else if res.Impossible && !res.Rejected {
		reason = ReasonConsensusImpossible
	}

	decided, err := s.cfg.Registry.UpdateStatus(req.ID, status, reason, now, func(updated *types.ApprovalRequest) error {
		return s.cfg.Database.SaveRequest(ctx, updated)
	})
	if err != nil {
		if errors.Is(err, registry.ErrVotingClosed) {
			return
		}
		log.WithError(err).WithField("requestId", req.ID).Error("Failed to finalize approval request")
		return
	}

	consensusOutcomes.WithLabelValues(string(status)).Inc()
	log.WithFields(logrus.Fields{
		"requestId":  decided.ID,
		"versionId":  decided.TokenVersionID,
		"status":     status,
		"approvals":  decided.ApprovalCount,
		"rejections": decided.RejectionCount,
		"abstains":   decided.AbstainCount,
	}).Info("Approval request decided")

	s.feed.Send(&feed.Event{
		Type: feed.ConsensusReached,
		Data: &feed.ConsensusReachedData{
			RequestID: decided.ID,
			VersionID: decided.TokenVersionID,
			Result:    res,
		},
	})
	s.publishDecision(decided)
}

func (s *Service) publishDecision(req *types.ApprovalRequest) {
	var approverIDs []string
	if votes, err := s.cfg.Registry.Votes(req.ID); err == nil {
		for _, v := range votes {
			if v.Choice == types.VoteYes {
				approverIDs = append(approverIDs, v.ValidatorID)
			}
		}
	}
	s.feed.Send(&feed.Event{
		Type: feed.ApprovalDecided,
		Data: &feed.ApprovalDecidedData{
			RequestID:      req.ID,
			VersionID:      req.TokenVersionID,
			Status:         req.Status,
			Reason:         req.DecisionReason,
			ApproverIDs:    approverIDs,
			ApprovalCount:  req.ApprovalCount,
			RejectionCount: req.RejectionCount,
			AbstainCount:   req.AbstainCount,
		},
	})
}

// Expire moves a pending request whose window lapsed to EXPIRED. Expiring
// an already-decided request is a no-op, so sweeps are idempotent.
func (s *Service) Expire(ctx context.Context, requestID string) error {
	ctx, span := trace.StartSpan(ctx, "approvals.Expire")
	defer span.End()

	now := time.Now().UTC()
	decided, err := s.cfg.Registry.UpdateStatus(requestID, types.RequestExpired, ReasonWindowExpired, now, func(updated *types.ApprovalRequest) error {
		return s.cfg.Database.SaveRequest(ctx, updated)
	})
	if err != nil {
		if errors.Is(err, registry.ErrVotingClosed) {
			return nil
		}
		return err
	}

	requestsExpired.Inc()
	log.WithFields(logrus.Fields{
		"requestId": requestID,
		"versionId": decided.TokenVersionID,
	}).Info("Approval request expired")
	s.publishDecision(decided)
	return nil
}

func (s *Service) sweepExpired() {
	for _, req := range s.cfg.Registry.ExpiredRequests(time.Now().UTC()) {
		if err := s.Expire(s.ctx, req.ID); err != nil {
			log.WithError(err).WithField("requestId", req.ID).Error("Failed to expire approval request")
		}
	}
}
