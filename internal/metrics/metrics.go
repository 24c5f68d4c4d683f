package metrics

import (
	"encoding/json"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/quernworks/quern/internal/health"
)

var (
	// Runtime metrics

	JobsReservedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "quern",
		Name:      "jobs_reserved_total",
		Help:      "Total jobs reserved from the database.",
	})

	JobsFinishedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quern",
		Name:      "jobs_finished_total",
		Help:      "Total jobs finished, by outcome.",
	}, []string{"outcome"})

	JobExecutionDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "quern",
		Name:      "job_execution_duration_seconds",
		Help:      "Duration of job payload execution.",
		Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 300},
	}, []string{"outcome"})

	JobsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "quern",
		Name:      "jobs_in_flight",
		Help:      "Number of jobs currently executing.",
	})

	JobPickupLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "quern",
		Name:      "job_pickup_latency_seconds",
		Help:      "Time from a job becoming ready to a worker reserving it.",
		Buckets:   []float64{.005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
	})

	PendingUpdatesBuffered = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "quern",
		Name:      "pending_updates_buffered",
		Help:      "Job outcome writes held in memory while the database is unreachable.",
	})

	NotificationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quern",
		Name:      "listener_notifications_total",
		Help:      "Database notifications seen by the listener, by result.",
	}, []string{"result"})

	ComponentRestartsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quern",
		Name:      "component_restarts_total",
		Help:      "Back-off restarts of runtime components.",
	}, []string{"component"})

	// Janitor metrics

	JanitorPurgedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quern",
		Name:      "janitor_purged_total",
		Help:      "Rows removed by the janitor, by kind.",
	}, []string{"kind"})

	// Worker lifecycle

	WorkerStartTime = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "quern",
		Name:      "worker_start_time_seconds",
		Help:      "Unix timestamp when the worker started.",
	})

	// HTTP metrics

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "quern",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency.",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quern",
		Name:      "http_requests_total",
		Help:      "Total HTTP requests.",
	}, []string{"method", "path", "status"})
)

func Register() {
	prometheus.MustRegister(
		JobsReservedTotal,
		JobsFinishedTotal,
		JobExecutionDuration,
		JobsInFlight,
		JobPickupLatency,
		PendingUpdatesBuffered,
		NotificationsTotal,
		ComponentRestartsTotal,
		JanitorPurgedTotal,
		WorkerStartTime,
		HTTPRequestDuration,
		HTTPRequestsTotal,
	)
}

// NewServer serves /metrics plus the liveness and readiness probes. Used by
// the worker daemon's status port and the API's metrics port.
func NewServer(addr string, checker *health.Checker) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/livez", func(w http.ResponseWriter, r *http.Request) {
		writeHealth(w, checker.Liveness(r.Context()))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		writeHealth(w, checker.Readiness(r.Context()))
	})
	return &http.Server{Addr: addr, Handler: mux}
}

func writeHealth(w http.ResponseWriter, result health.HealthResult) {
	w.Header().Set("Content-Type", "application/json")
	if result.Status != "up" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(result)
}
