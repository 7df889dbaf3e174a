package approvals

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	approvalRequestsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "approval_requests_created_total",
		Help: "Total approval requests opened for voting.",
	})
	votesAccepted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "approval_votes_accepted_total",
		Help: "Total validator votes accepted, by choice.",
	}, []string{"choice"})
	votesRefused = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "approval_votes_refused_total",
		Help: "Total validator votes refused, by reason.",
	}, []string{"reason"})
	consensusOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "approval_consensus_outcomes_total",
		Help: "Total decided approval requests, by final status.",
	}, []string{"status"})
	requestsExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "approval_requests_expired_total",
		Help: "Total approval requests expired by the sweeper.",
	})
)
