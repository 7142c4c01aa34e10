// Package metrics holds the process's Prometheus metrics as package-level
// collectors. The Dispatcher, Target Worker and Progress Bus update these
// variables directly; no Metrics object is passed to them. Register adds
// the collectors to the default Prometheus registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Target Worker metrics

	TargetAttemptDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "propagator",
		Name:      "target_attempt_duration_seconds",
		Help:      "Duration behind each terminal Target Worker outcome: the final attempt for succeeded/skipped, the whole retry loop for failed.",
		Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"outcome"})

	TargetOutcomesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "propagator",
		Name:      "target_outcomes_total",
		Help:      "Total terminal Target Worker outcomes, by kind and (for failures) error kind.",
	}, []string{"kind", "error_kind"})

	TargetRetriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "propagator",
		Name:      "target_retries_total",
		Help:      "Total retry attempts issued by Target Workers across all jobs.",
	})

	// Dispatcher / Job metrics

	JobsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "propagator",
		Name:      "jobs_in_flight",
		Help:      "Number of jobs currently running.",
	})

	JobsCompletedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "propagator",
		Name:      "jobs_completed_total",
		Help:      "Total jobs finalized, by terminal status.",
	}, []string{"status"})

	CircuitBreakerTripsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "propagator",
		Name:      "circuit_breaker_trips_total",
		Help:      "Total jobs aborted by the error-threshold circuit breaker.",
	})

	// Progress Bus metrics

	ProgressBusDroppedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "propagator",
		Name:      "progress_bus_dropped_total",
		Help:      "Total events dropped toward slow subscribers.",
	}, []string{"job_id"})

	ProgressBusSubscribers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "propagator",
		Name:      "progress_bus_subscribers",
		Help:      "Number of currently attached Progress Bus subscribers, across all jobs.",
	})

	// Process lifecycle

	ProcessStartTime = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "propagator",
		Name:      "process_start_time_seconds",
		Help:      "Unix timestamp when the coordinator process started.",
	})
)

func Register() {
	prometheus.MustRegister(
		TargetAttemptDuration,
		TargetOutcomesTotal,
		TargetRetriesTotal,
		JobsInFlight,
		JobsCompletedTotal,
		CircuitBreakerTripsTotal,
		ProgressBusDroppedTotal,
		ProgressBusSubscribers,
		ProcessStartTime,
	)
}

// NewServer returns the ambient-operability HTTP server exposing /metrics
// and, when healthz is non-nil, /healthz — on a bare mux rather than the
// gin router used for the teacher's job API. No job is created, read, or
// cancelled through this port (spec.md §1).
func NewServer(addr string, healthz http.HandlerFunc) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if healthz != nil {
		mux.HandleFunc("/healthz", healthz)
	}
	return &http.Server{Addr: addr, Handler: mux}
}
