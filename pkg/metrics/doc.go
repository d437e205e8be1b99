/*
Package metrics defines burrow's Prometheus metrics.

All metrics are registered with the default registry at init and served
by Handler. They fall into four groups:

  - store: burrow_store_operations_total, burrow_table_activation_seconds,
    burrow_tables_total
  - records and schemas: burrow_records_written_total,
    burrow_writes_rejected_total, burrow_schemas_total
  - migrations: burrow_migrations_total, burrow_migrations_active,
    burrow_migration_duration_seconds, burrow_migration_records_total,
    and the reconciler's burrow_reconciliation_* and
    burrow_migrations_resumed_total
  - API: burrow_api_requests_total, burrow_api_request_duration_seconds

Gauges that describe stored state are refreshed by a Collector polling the
table manager, registry and migration engine. Timer measures an operation
and observes it into a histogram:

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ReconciliationDuration)
*/
package metrics
