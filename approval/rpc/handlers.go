package rpc

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"

	"github.com/aurigraph/tokenversion/approval/consensus"
	"github.com/aurigraph/tokenversion/approval/types"
	"github.com/aurigraph/tokenversion/shared/httputil"
)

// errMalformedBody marks request bodies that fail to decode.
var errMalformedBody = errors.New("malformed request body")

func decodeBody(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errors.Wrap(errMalformedBody, err.Error())
	}
	return nil
}

// CreateApprovalRequestJson is the body of POST /approval-requests.
type CreateApprovalRequestJson struct {
	VersionID        string   `json:"version_id"`
	Validators       []string `json:"validators"`
	VotingWindowSecs int64    `json:"voting_window_seconds"`
	ThresholdPercent float64  `json:"threshold_percent,omitempty"`
}

// CreateApprovalRequest handles POST /approval-requests.
func (s *Service) CreateApprovalRequest(w http.ResponseWriter, r *http.Request) {
	body := &CreateApprovalRequestJson{}
	if err := decodeBody(r, body); err != nil {
		writeDomainError(w, err)
		return
	}
	req, err := s.cfg.Approvals.CreateRequest(r.Context(), body.VersionID, body.Validators, body.VotingWindowSecs, body.ThresholdPercent)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	httputil.WriteJson(w, http.StatusCreated, map[string]interface{}{
		"request_id":        req.ID,
		"voting_window_end": req.VotingWindowEnd,
	})
}

// ApprovalRequestJson is the GET /approval-requests/{id} response: the
// request plus its current approval percentage.
type ApprovalRequestJson struct {
	*types.ApprovalRequest
	Percent float64 `json:"percent"`
}

// GetApprovalRequest handles GET /approval-requests/{id}.
func (s *Service) GetApprovalRequest(w http.ResponseWriter, r *http.Request) {
	req, err := s.cfg.Approvals.Request(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeDomainError(w, err)
		return
	}
	res := consensus.Calculate(req.ApprovalCount, req.RejectionCount, req.AbstainCount, req.TotalValidators, req.ThresholdPercent)
	httputil.WriteJson(w, http.StatusOK, &ApprovalRequestJson{ApprovalRequest: req, Percent: res.Percent})
}

// SubmitVoteJson is the body of POST /approval-requests/{id}/votes.
type SubmitVoteJson struct {
	ValidatorID string `json:"validator_id"`
	Choice      string `json:"choice"`
	Signature   string `json:"signature,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// VoteAcceptedJson is the 202 response to a submitted vote.
type VoteAcceptedJson struct {
	VoteID  string       `json:"vote_id"`
	Tallies *TalliesJson `json:"tallies"`
}

// TalliesJson is a request's running tallies.
type TalliesJson struct {
	ApprovalCount  int `json:"approval_count"`
	RejectionCount int `json:"rejection_count"`
	AbstainCount   int `json:"abstain_count"`
}

// SubmitVote handles POST /approval-requests/{id}/votes.
func (s *Service) SubmitVote(w http.ResponseWriter, r *http.Request) {
	body := &SubmitVoteJson{}
	if err := decodeBody(r, body); err != nil {
		writeDomainError(w, err)
		return
	}
	vote, req, err := s.cfg.Approvals.SubmitVote(
		r.Context(),
		mux.Vars(r)["id"],
		body.ValidatorID,
		types.VoteChoice(body.Choice),
		body.Signature,
		body.Reason,
	)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	httputil.WriteJson(w, http.StatusAccepted, &VoteAcceptedJson{
		VoteID: vote.ID,
		Tallies: &TalliesJson{
			ApprovalCount:  req.ApprovalCount,
			RejectionCount: req.RejectionCount,
			AbstainCount:   req.AbstainCount,
		},
	})
}

// ListVotes handles GET /approval-requests/{id}/votes.
func (s *Service) ListVotes(w http.ResponseWriter, r *http.Request) {
	votes, err := s.cfg.Approvals.Votes(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if votes == nil {
		votes = []*types.ValidatorVote{}
	}
	httputil.WriteJson(w, http.StatusOK, votes)
}

// ExecuteManual handles POST /approval-execution/{request_id}/execute-manual.
func (s *Service) ExecuteManual(w http.ResponseWriter, r *http.Request) {
	version, duration, err := s.cfg.Execution.ExecuteManual(r.Context(), mux.Vars(r)["request_id"])
	if err != nil {
		writeDomainError(w, err)
		return
	}
	httputil.WriteJson(w, http.StatusOK, map[string]interface{}{
		"version_id":  version.ID,
		"status":      version.Status,
		"duration_ms": duration.Milliseconds(),
	})
}

// RollbackJson is the body of POST /approval-execution/{request_id}/rollback.
type RollbackJson struct {
	Reason string `json:"reason"`
}

// Rollback handles POST /approval-execution/{request_id}/rollback.
func (s *Service) Rollback(w http.ResponseWriter, r *http.Request) {
	body := &RollbackJson{}
	if err := decodeBody(r, body); err != nil {
		writeDomainError(w, err)
		return
	}
	if err := s.cfg.Execution.Rollback(r.Context(), mux.Vars(r)["request_id"], body.Reason); err != nil {
		writeDomainError(w, err)
		return
	}
	httputil.WriteJson(w, http.StatusOK, map[string]string{
		"status": "SUCCESS",
		"reason": body.Reason,
	})
}

// ExecutionStatus handles GET /approval-execution/{request_id}/status.
func (s *Service) ExecutionStatus(w http.ResponseWriter, r *http.Request) {
	summary, err := s.cfg.Execution.ExecutionStatus(r.Context(), mux.Vars(r)["request_id"])
	if err != nil {
		writeDomainError(w, err)
		return
	}
	httputil.WriteJson(w, http.StatusOK, summary)
}

// AuditTrail handles GET /approval-execution/{request_id}/audit-trail.
func (s *Service) AuditTrail(w http.ResponseWriter, r *http.Request) {
	trail, err := s.cfg.Execution.AuditTrail(r.Context(), mux.Vars(r)["request_id"])
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if trail == nil {
		trail = []*types.AuditEntry{}
	}
	httputil.WriteJson(w, http.StatusOK, trail)
}

// CreateWebhookJson is the body of POST /webhooks.
type CreateWebhookJson struct {
	URL        string   `json:"url"`
	EventTypes []string `json:"event_types"`
	Secret     string   `json:"secret"`
}

// CreateWebhook handles POST /webhooks.
func (s *Service) CreateWebhook(w http.ResponseWriter, r *http.Request) {
	body := &CreateWebhookJson{}
	if err := decodeBody(r, body); err != nil {
		writeDomainError(w, err)
		return
	}
	sub, err := s.cfg.Webhooks.Subscribe(r.Context(), body.URL, body.EventTypes, body.Secret)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	httputil.WriteJson(w, http.StatusCreated, map[string]string{"webhook_id": sub.ID})
}

// ListWebhooks handles GET /webhooks.
func (s *Service) ListWebhooks(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJson(w, http.StatusOK, s.cfg.Webhooks.Subscriptions())
}

// DeleteWebhook handles DELETE /webhooks/{id}.
func (s *Service) DeleteWebhook(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Webhooks.Unsubscribe(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
