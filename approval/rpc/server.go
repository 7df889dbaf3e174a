// Package rpc exposes the approval service's REST surface: version
// intake, approval requests and votes, execution management, and webhook
// subscriptions.
package rpc

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/rs/cors"
	"github.com/sirupsen/logrus"

	"github.com/aurigraph/tokenversion/approval/approvals"
	"github.com/aurigraph/tokenversion/approval/db"
	"github.com/aurigraph/tokenversion/approval/db/iface"
	"github.com/aurigraph/tokenversion/approval/execution"
	"github.com/aurigraph/tokenversion/approval/registry"
	"github.com/aurigraph/tokenversion/approval/statemachine"
	"github.com/aurigraph/tokenversion/approval/webhook"
	"github.com/aurigraph/tokenversion/shared/httputil"
)

var log = logrus.WithField("prefix", "rpc")

// Config options for the REST server.
type Config struct {
	Host           string
	Port           string
	AllowedOrigins []string

	Database  iface.Database
	Approvals *approvals.Service
	Execution *execution.Service
	Manager   *execution.TransitionManager
	Webhooks  *webhook.Service
}

// Service serves the JSON REST API.
type Service struct {
	ctx    context.Context
	cancel context.CancelFunc
	cfg    *Config
	server *http.Server
	err    error
}

// NewService instantiates the REST server from configuration options.
func NewService(ctx context.Context, cfg *Config) *Service {
	ctx, cancel := context.WithCancel(ctx)
	s := &Service{ctx: ctx, cancel: cancel, cfg: cfg}

	router := s.Router()
	handler := cors.New(cors.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	}).Handler(router)
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Router builds the endpoint routing table.
func (s *Service) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/versions", s.CreateVersion).Methods(http.MethodPost)
	r.HandleFunc("/versions/{id}", s.GetVersion).Methods(http.MethodGet)
	r.HandleFunc("/approval-requests", s.CreateApprovalRequest).Methods(http.MethodPost)
	r.HandleFunc("/approval-requests/{id}", s.GetApprovalRequest).Methods(http.MethodGet)
	r.HandleFunc("/approval-requests/{id}/votes", s.SubmitVote).Methods(http.MethodPost)
	r.HandleFunc("/approval-requests/{id}/votes", s.ListVotes).Methods(http.MethodGet)
	r.HandleFunc("/approval-execution/{request_id}/execute-manual", s.ExecuteManual).Methods(http.MethodPost)
	r.HandleFunc("/approval-execution/{request_id}/rollback", s.Rollback).Methods(http.MethodPost)
	r.HandleFunc("/approval-execution/{request_id}/status", s.ExecutionStatus).Methods(http.MethodGet)
	r.HandleFunc("/approval-execution/{request_id}/audit-trail", s.AuditTrail).Methods(http.MethodGet)
	r.HandleFunc("/webhooks", s.CreateWebhook).Methods(http.MethodPost)
	r.HandleFunc("/webhooks", s.ListWebhooks).Methods(http.MethodGet)
	r.HandleFunc("/webhooks/{id}", s.DeleteWebhook).Methods(http.MethodDelete)
	return r
}

// Start the http server in a goroutine.
func (s *Service) Start() {
	go func() {
		log.WithField("address", s.server.Addr).Info("REST server listening")
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.err = err
			log.WithError(err).Error("REST server failed")
		}
	}()
}

// Stop the http server with a short shutdown grace period.
func (s *Service) Stop() error {
	defer s.cancel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// Status returns the listen error, if any.
func (s *Service) Status() error {
	return s.err
}

// writeDomainError maps a domain error to its HTTP status code.
func writeDomainError(w http.ResponseWriter, err error) {
	httputil.HandleError(w, err.Error(), statusCode(err))
}

func statusCode(err error) int {
	switch {
	case errors.Is(err, approvals.ErrInvalidRequest),
		errors.Is(err, approvals.ErrInvalidVote),
		errors.Is(err, approvals.ErrNotOnBoard),
		errors.Is(err, approvals.ErrInvalidSignature),
		errors.Is(err, webhook.ErrInvalidSubscription),
		errors.Is(err, errMalformedBody):
		return http.StatusBadRequest
	case errors.Is(err, db.ErrNotFound), errors.Is(err, registry.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, db.ErrRequestExists),
		errors.Is(err, registry.ErrAlreadyRegistered),
		errors.Is(err, db.ErrDuplicateVote),
		errors.Is(err, registry.ErrDuplicateVote),
		errors.Is(err, approvals.ErrVersionNotPending),
		errors.Is(err, execution.ErrStaleStatus),
		errors.Is(err, execution.ErrRequestNotDecided),
		errors.Is(err, statemachine.ErrInvalidTransition),
		errors.Is(err, execution.ErrActiveVersionExists):
		return http.StatusConflict
	case errors.Is(err, registry.ErrVotingClosed):
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}
