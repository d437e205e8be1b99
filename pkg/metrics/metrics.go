package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Inventory metrics
	TablesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "burrow_tables_total",
			Help: "Total number of data tables in the backing store",
		},
	)

	SchemasTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "burrow_schemas_total",
			Help: "Total number of registered table schemas",
		},
	)

	MigrationsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "burrow_migrations_active",
			Help: "Number of migrations not yet finished",
		},
	)

	// Store metrics
	StoreOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_store_operations_total",
			Help: "Total number of backing store operations by operation and result",
		},
		[]string{"op", "result"},
	)

	TableActivationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "burrow_table_activation_seconds",
			Help:    "Time spent waiting for a table to become active",
			Buckets: []float64{0.01, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
	)

	// Item metrics
	RecordsWrittenTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_records_written_total",
			Help: "Total number of record writes by operation",
		},
		[]string{"op"},
	)

	WritesRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_writes_rejected_total",
			Help: "Total number of record writes rejected by reason",
		},
		[]string{"reason"},
	)

	// Migration metrics
	MigrationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_migrations_total",
			Help: "Total number of migrations by kind and result",
		},
		[]string{"kind", "result"},
	)

	MigrationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "burrow_migration_duration_seconds",
			Help:    "Migration duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	MigrationRecordsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_migration_records_total",
			Help: "Total number of records rewritten or copied by migrations",
		},
		[]string{"kind"},
	)

	// Reconciler metrics
	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "burrow_reconciliation_duration_seconds",
			Help:    "Time taken for one reconciliation cycle",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconciliationCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "burrow_reconciliation_cycles_total",
			Help: "Total number of reconciliation cycles completed",
		},
	)

	MigrationsResumedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_migrations_resumed_total",
			Help: "Total number of stale migration resumes attempted by the reconciler by result (ok, error, skipped)",
		},
		[]string{"result"},
	)

	// Event metrics
	EventsDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_events_dropped_total",
			Help: "Total number of events dropped by the broker by reason",
		},
		[]string{"reason"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_api_requests_total",
			Help: "Total number of API requests by route and status",
		},
		[]string{"route", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "burrow_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
)

func init() {
	prometheus.MustRegister(TablesTotal)
	prometheus.MustRegister(SchemasTotal)
	prometheus.MustRegister(MigrationsActive)
	prometheus.MustRegister(StoreOperationsTotal)
	prometheus.MustRegister(TableActivationDuration)
	prometheus.MustRegister(RecordsWrittenTotal)
	prometheus.MustRegister(WritesRejectedTotal)
	prometheus.MustRegister(MigrationsTotal)
	prometheus.MustRegister(MigrationDuration)
	prometheus.MustRegister(MigrationRecordsTotal)
	prometheus.MustRegister(ReconciliationDuration)
	prometheus.MustRegister(ReconciliationCyclesTotal)
	prometheus.MustRegister(MigrationsResumedTotal)
	prometheus.MustRegister(EventsDroppedTotal)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// ObserveStoreOp counts one backing store operation
func ObserveStoreOp(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	StoreOperationsTotal.WithLabelValues(op, result).Inc()
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
