package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the pool service.
type Metrics struct {
	// --- Execution ---
	PoolsEvaluated   *prometheus.CounterVec
	PoolsSkipped     *prometheus.CounterVec
	EvaluateErrors   *prometheus.CounterVec
	EvaluateSweepDur prometheus.Histogram
	PoolsReady       prometheus.Gauge
	PoolsRegistered  prometheus.Gauge

	// --- Accounts ---
	AccountOps      *prometheus.CounterVec
	Withdrawals     *prometheus.CounterVec
	AccountOpErrors *prometheus.CounterVec

	// --- Persistence ---
	PersistEventsWritten      prometheus.Counter
	PersistSettlementsWritten prometheus.Counter
	PersistBatchDur           prometheus.Histogram
	PersistBatchSize          prometheus.Histogram
	PersistErrors             *prometheus.CounterVec

	// --- Publishing ---
	EventsPublished *prometheus.CounterVec
	PublishErrors   prometheus.Counter

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		// Execution
		PoolsEvaluated: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "dca_pools_evaluated_total",
			Help: "Successful pool evaluations",
		}, []string{"vault"}),

		PoolsSkipped: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "dca_pools_skipped_total",
			Help: "Evaluations skipped by the venue and requeued",
		}, []string{"vault"}),

		EvaluateErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "dca_evaluate_errors_total",
			Help: "Failed pool evaluations",
		}, []string{"vault"}),

		EvaluateSweepDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "dca_evaluate_sweep_duration_seconds",
			Help:    "Time to evaluate all ready pools in one sweep",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
		}),

		PoolsReady: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "dca_pools_ready",
			Help: "Pools ready to execute at last sweep",
		}),

		PoolsRegistered: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "dca_pools_registered",
			Help: "Pools in the registry",
		}),

		// Accounts
		AccountOps: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "dca_account_operations_total",
			Help: "Account lifecycle operations",
		}, []string{"operation"}),

		Withdrawals: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "dca_withdrawals_total",
			Help: "Order token withdrawals",
		}, []string{"vault"}),

		AccountOpErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "dca_account_operation_errors_total",
			Help: "Rejected account operations",
		}, []string{"operation", "reason"}),

		// Persistence
		PersistEventsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "dca_persist_events_written_total",
			Help: "Events written to Postgres",
		}),

		PersistSettlementsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "dca_persist_settlements_written_total",
			Help: "Settlement rows written to Postgres",
		}),

		PersistBatchDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "dca_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		PersistBatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "dca_persist_batch_size",
			Help:    "Events per batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "dca_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		// Publishing
		EventsPublished: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "dca_events_published_total",
			Help: "Events published to NATS",
		}, []string{"event_type"}),

		PublishErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "dca_publish_errors_total",
			Help: "Failed NATS publishes",
		}),

		// Query API
		QueryRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "dca_query_requests_total",
			Help: "Query requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dca_query_duration_seconds",
			Help:    "Query latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),
	}
}
