// Package metrics exposes the coordinator's Prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP surface
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storm_http_requests_total",
			Help: "Total number of HTTP requests by method and status",
		},
		[]string{"method", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "storm_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// Event log
	EventsAppended = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "storm_events_appended_total",
			Help: "Total number of records appended to the event log",
		},
	)

	EventsEvicted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "storm_events_evicted_total",
			Help: "Total number of records evicted by the log caps",
		},
	)

	// Job state machine
	JobsSubmitted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "storm_jobs_submitted_total",
			Help: "Total number of jobs submitted for execution",
		},
	)

	JobsClaimed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "storm_jobs_claimed_total",
			Help: "Total number of successful job claims",
		},
	)

	JobsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storm_jobs_finished_total",
			Help: "Total number of finished jobs by final status",
		},
		[]string{"status"},
	)

	ClaimConflicts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "storm_job_claim_conflicts_total",
			Help: "Total number of job claims lost to a concurrent claimant",
		},
	)

	// Liveness
	SweepsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "storm_liveness_sweeps_total",
			Help: "Total number of liveness sweeps executed",
		},
	)

	AgentsExpired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "storm_agents_expired_total",
			Help: "Total number of agents flipped offline by the sweeper",
		},
	)

	// WebSocket feed
	WSClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "storm_ws_clients",
			Help: "Number of currently connected WebSocket clients",
		},
	)
)

func init() {
	prometheus.MustRegister(RequestsTotal)
	prometheus.MustRegister(RequestDuration)
	prometheus.MustRegister(EventsAppended)
	prometheus.MustRegister(EventsEvicted)
	prometheus.MustRegister(JobsSubmitted)
	prometheus.MustRegister(JobsClaimed)
	prometheus.MustRegister(JobsFinished)
	prometheus.MustRegister(ClaimConflicts)
	prometheus.MustRegister(SweepsTotal)
	prometheus.MustRegister(AgentsExpired)
	prometheus.MustRegister(WSClients)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
