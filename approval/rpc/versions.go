package rpc

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"

	"github.com/aurigraph/tokenversion/approval/execution"
	"github.com/aurigraph/tokenversion/approval/types"
	"github.com/aurigraph/tokenversion/shared/httputil"
)

// CreateVersionJson is the body of POST /versions. RequireApproval sends
// the version to the VVB; otherwise it activates immediately.
type CreateVersionJson struct {
	ParentTokenID     string `json:"parent_token_id"`
	Content           string `json:"content,omitempty"`
	PreviousVersionID string `json:"previous_version_id,omitempty"`
	RequireApproval   bool   `json:"require_approval"`
}

// CreateVersion handles POST /versions: records a new version of the
// parent token with the next version number and routes it either into
// the approval workflow or straight to ACTIVE.
func (s *Service) CreateVersion(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	body := &CreateVersionJson{}
	if err := decodeBody(r, body); err != nil {
		writeDomainError(w, err)
		return
	}
	if body.ParentTokenID == "" {
		writeDomainError(w, errors.Wrap(errMalformedBody, "parent_token_id is required"))
		return
	}
	if body.PreviousVersionID != "" {
		if _, err := s.cfg.Database.Version(ctx, body.PreviousVersionID); err != nil {
			writeDomainError(w, err)
			return
		}
	}

	highest, err := s.cfg.Database.HighestVersionNumber(ctx, body.ParentTokenID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	now := time.Now().UTC()
	version := &types.TokenVersion{
		ID:                uuid.New().String(),
		ParentTokenID:     body.ParentTokenID,
		VersionNumber:     highest + 1,
		Content:           []byte(body.Content),
		Status:            types.Created,
		PreviousVersionID: body.PreviousVersionID,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.cfg.Database.SaveVersion(ctx, version); err != nil {
		writeDomainError(w, err)
		return
	}

	to := types.Active
	if body.RequireApproval {
		to = types.PendingVVB
	}
	version, err = s.cfg.Manager.Execute(ctx, &execution.Transition{
		VersionID: version.ID,
		From:      types.Created,
		To:        to,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	httputil.WriteJson(w, http.StatusCreated, map[string]interface{}{
		"id":             version.ID,
		"version_number": version.VersionNumber,
		"status":         version.Status,
	})
}

// GetVersion handles GET /versions/{id}.
func (s *Service) GetVersion(w http.ResponseWriter, r *http.Request) {
	version, err := s.cfg.Database.Version(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeDomainError(w, err)
		return
	}
	httputil.WriteJson(w, http.StatusOK, version)
}
