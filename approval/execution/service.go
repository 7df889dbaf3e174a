package execution

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.opencensus.io/trace"

	"github.com/aurigraph/tokenversion/approval/db/iface"
	"github.com/aurigraph/tokenversion/approval/feed"
	"github.com/aurigraph/tokenversion/approval/registry"
	"github.com/aurigraph/tokenversion/approval/statemachine"
	"github.com/aurigraph/tokenversion/approval/types"
	"github.com/aurigraph/tokenversion/async"
	"github.com/aurigraph/tokenversion/shared/event"
	"github.com/aurigraph/tokenversion/shared/params"
)

// ErrRequestNotDecided is returned when manual execution is attempted on
// a request still accepting votes.
var ErrRequestNotDecided = errors.New("approval request is not decided")

// Config options for the execution service.
type Config struct {
	Database iface.Database
	Registry *registry.Registry
	Manager  *TransitionManager
	// OperationFeed carries the approval service's decision events. The
	// execution service consumes ApprovalDecided from it and publishes
	// its own execution outcome events back onto it.
	OperationFeed *event.Feed
}

// Service consumes approval decisions and executes the resulting version
// transitions, including cascade retirement of superseded versions.
type Service struct {
	ctx    context.Context
	cancel context.CancelFunc
	cfg    *Config
}

// NewService instantiates the execution service from configuration options.
func NewService(ctx context.Context, cfg *Config) *Service {
	ctx, cancel := context.WithCancel(ctx)
	return &Service{ctx: ctx, cancel: cancel, cfg: cfg}
}

// Start subscribes to the decision feed and launches the archive sweeper.
func (s *Service) Start() {
	go s.run()
	interval := time.Duration(params.ApprovalConfig().ArchiveSweepInterval) * time.Second
	async.RunEvery(s.ctx, interval, s.sweepArchives)
	log.WithField("archiveInterval", interval).Info("Execution service started")
}

// Stop the execution service.
func (s *Service) Stop() error {
	s.cancel()
	return nil
}

// Status always returns nil; failures surface per decision as
// ExecutionFailed events and FAILED audit entries.
func (s *Service) Status() error {
	return nil
}

// run consumes decision events until the service stops. Decisions are
// processed one at a time on this goroutine, preserving order per request.
func (s *Service) run() {
	ch := make(chan *feed.Event, 256)
	sub := s.cfg.OperationFeed.Subscribe(ch)
	defer sub.Unsubscribe()
	for {
		select {
		case ev := <-ch:
			if ev.Type != feed.ApprovalDecided {
				continue
			}
			data, ok := ev.Data.(*feed.ApprovalDecidedData)
			if !ok {
				log.Error("Unexpected payload on ApprovalDecided event")
				continue
			}
			if _, _, err := s.processDecision(s.ctx, data); err != nil {
				log.WithError(err).WithFields(logrus.Fields{
					"requestId": data.RequestID,
					"versionId": data.VersionID,
				}).Error("Failed to execute approval decision")
			}
		case <-s.ctx.Done():
			return
		}
	}
}

// processDecision executes one approval decision and reports the outcome
// on the operation feed.
func (s *Service) processDecision(ctx context.Context, data *feed.ApprovalDecidedData) (*types.TokenVersion, time.Duration, error) {
	ctx, span := trace.StartSpan(ctx, "execution.processDecision")
	defer span.End()

	start := time.Now()
	var version *types.TokenVersion
	var err error
	switch data.Status {
	case types.RequestApproved:
		version, err = s.activate(ctx, data)
	case types.RequestRejected:
		version, err = s.finalizeRefusal(ctx, data, types.Rejected)
	case types.RequestExpired:
		version, err = s.finalizeRefusal(ctx, data, types.Expired)
	default:
		err = errors.Wrapf(ErrRequestNotDecided, "request %s is %s", data.RequestID, data.Status)
	}
	duration := time.Since(start)
	if err != nil {
		executionsFailed.Inc()
		s.cfg.OperationFeed.Send(&feed.Event{
			Type: feed.ExecutionFailed,
			Data: &feed.ExecutionFailedData{
				RequestID: data.RequestID,
				VersionID: data.VersionID,
				Err:       err.Error(),
			},
		})
		return nil, duration, err
	}
	s.cfg.Registry.Remove(data.RequestID)
	return version, duration, nil
}

// activate moves an approved version to ACTIVE, stamps its approval
// metadata, retires the prior version, and reports completion. Cascade
// failure is non-fatal: the new version is already active.
func (s *Service) activate(ctx context.Context, data *feed.ApprovalDecidedData) (*types.TokenVersion, error) {
	var threshold float64
	if req, err := s.cfg.Database.Request(ctx, data.RequestID); err == nil {
		threshold = req.ThresholdPercent
	}

	now := time.Now().UTC()
	version, err := s.cfg.Manager.Execute(ctx, &Transition{
		VersionID: data.VersionID,
		From:      types.PendingVVB,
		To:        types.Active,
		RequestID: data.RequestID,
		Metadata:  map[string]string{"approval_request_id": data.RequestID},
		Mutate: func(version *types.TokenVersion) {
			version.ApprovalRequestID = data.RequestID
			version.ApprovalThresholdPercent = threshold
			version.ApprovedByCount = data.ApprovalCount
			version.ApprovalTimestamp = now
			version.ApproverIDs = append([]string(nil), data.ApproverIDs...)
		},
	})
	if err != nil {
		return nil, err
	}

	if version.PreviousVersionID != "" {
		if err := s.retirePrior(ctx, version.PreviousVersionID, version.ID); err != nil {
			log.WithError(err).WithFields(logrus.Fields{
				"versionId": version.ID,
				"priorId":   version.PreviousVersionID,
			}).Error("Cascade retirement failed, new version stays active")
		}
	}

	executionsCompleted.Inc()
	s.cfg.OperationFeed.Send(&feed.Event{
		Type: feed.ExecutionCompleted,
		Data: &feed.ExecutionCompletedData{
			RequestID: data.RequestID,
			VersionID: version.ID,
			Duration:  time.Since(now),
		},
	})
	return version, nil
}

// finalizeRefusal moves a version whose request was rejected or expired
// to the corresponding terminal status.
func (s *Service) finalizeRefusal(ctx context.Context, data *feed.ApprovalDecidedData, to types.VersionStatus) (*types.TokenVersion, error) {
	version, err := s.cfg.Manager.Execute(ctx, &Transition{
		VersionID: data.VersionID,
		From:      types.PendingVVB,
		To:        to,
		RequestID: data.RequestID,
		Metadata:  map[string]string{"reason": data.Reason},
		Mutate: func(version *types.TokenVersion) {
			if to == types.Rejected {
				version.RejectionReason = data.Reason
			}
		},
	})
	if err != nil {
		return nil, err
	}

	if to == types.Rejected {
		s.cfg.OperationFeed.Send(&feed.Event{
			Type: feed.VersionRejected,
			Data: &feed.VersionRejectedData{
				RequestID: data.RequestID,
				VersionID: version.ID,
				Reason:    data.Reason,
			},
		})
	} else {
		s.cfg.OperationFeed.Send(&feed.Event{
			Type: feed.VersionExpired,
			Data: &feed.VersionExpiredData{
				RequestID: data.RequestID,
				VersionID: version.ID,
			},
		})
	}
	return version, nil
}

// ExecuteManual re-runs execution for an already decided request, for
// operators recovering from a failed automatic execution.
func (s *Service) ExecuteManual(ctx context.Context, requestID string) (*types.TokenVersion, time.Duration, error) {
	ctx, span := trace.StartSpan(ctx, "execution.ExecuteManual")
	defer span.End()

	req, err := s.cfg.Database.Request(ctx, requestID)
	if err != nil {
		return nil, 0, err
	}
	if !req.Status.IsTerminal() {
		return nil, 0, errors.Wrapf(ErrRequestNotDecided, "request %s", requestID)
	}

	var approverIDs []string
	votes, err := s.cfg.Database.VotesByRequest(ctx, requestID)
	if err != nil {
		return nil, 0, err
	}
	for _, v := range votes {
		if v.Choice == types.VoteYes {
			approverIDs = append(approverIDs, v.ValidatorID)
		}
	}
	return s.processDecision(ctx, &feed.ApprovalDecidedData{
		RequestID:      req.ID,
		VersionID:      req.TokenVersionID,
		Status:         req.Status,
		Reason:         req.DecisionReason,
		ApproverIDs:    approverIDs,
		ApprovalCount:  req.ApprovalCount,
		RejectionCount: req.RejectionCount,
		AbstainCount:   req.AbstainCount,
	})
}

// Rollback writes an informational ROLLED_BACK audit entry for the
// version bound to the request.
func (s *Service) Rollback(ctx context.Context, requestID, reason string) error {
	req, err := s.cfg.Database.Request(ctx, requestID)
	if err != nil {
		return err
	}
	return s.cfg.Manager.Rollback(ctx, req.TokenVersionID, requestID, "OPERATOR", reason)
}

// StatusSummary is the execution state of the version bound to a request.
type StatusSummary struct {
	VersionID       string               `json:"version_id"`
	CurrentStatus   types.VersionStatus  `json:"current_status"`
	AuditEntryCount int                  `json:"audit_entry_count"`
	LatestPhase     types.ExecutionPhase `json:"latest_phase,omitempty"`
}

// ExecutionStatus summarizes the version and audit state for a request.
func (s *Service) ExecutionStatus(ctx context.Context, requestID string) (*StatusSummary, error) {
	req, err := s.cfg.Database.Request(ctx, requestID)
	if err != nil {
		return nil, err
	}
	version, err := s.cfg.Database.Version(ctx, req.TokenVersionID)
	if err != nil {
		return nil, err
	}
	trail, err := s.cfg.Database.AuditTrail(ctx, version.ID)
	if err != nil {
		return nil, err
	}
	summary := &StatusSummary{
		VersionID:       version.ID,
		CurrentStatus:   version.Status,
		AuditEntryCount: len(trail),
	}
	if len(trail) > 0 {
		summary.LatestPhase = trail[len(trail)-1].Phase
	}
	return summary, nil
}

// AuditTrail returns the ordered audit entries for the version bound to
// the request.
func (s *Service) AuditTrail(ctx context.Context, requestID string) ([]*types.AuditEntry, error) {
	req, err := s.cfg.Database.Request(ctx, requestID)
	if err != nil {
		return nil, err
	}
	return s.cfg.Database.AuditTrail(ctx, req.TokenVersionID)
}

// sweepArchives ages versions out per the state machine timeouts: stale
// CREATED drafts expire, and terminal versions past their retention move
// to ARCHIVED.
func (s *Service) sweepArchives() {
	ctx := s.ctx
	versions, err := s.cfg.Database.AllVersions(ctx)
	if err != nil {
		log.WithError(err).Error("Archive sweep failed to list versions")
		return
	}
	now := time.Now().UTC()
	for _, version := range versions {
		timeout, ok := statemachine.Timeout(version.Status)
		if !ok {
			continue
		}
		since := version.UpdatedAt
		if since.IsZero() {
			since = version.CreatedAt
		}
		if now.Sub(since) < timeout {
			continue
		}

		var to types.VersionStatus
		switch version.Status {
		case types.Created:
			to = types.Expired
		case types.Replaced, types.Rejected, types.Expired:
			to = types.Archived
		default:
			// ACTIVE and PENDING_VVB versions are never swept here;
			// pending requests expire through the approval sweeper.
			continue
		}
		_, err := s.cfg.Manager.Execute(ctx, &Transition{
			VersionID: version.ID,
			From:      version.Status,
			To:        to,
			Metadata:  map[string]string{"reason": "retention_elapsed"},
			Mutate: func(v *types.TokenVersion) {
				if to == types.Archived {
					v.ArchivedAt = now
				}
			},
		})
		if err != nil {
			log.WithError(err).WithField("versionId", version.ID).Error("Archive sweep transition failed")
			continue
		}
		versionsArchived.WithLabelValues(string(to)).Inc()
	}
}
