/*
Package reconciler resumes migrations that a crashed or interrupted process
left unfinished.

A migration that is not done or rolled back holds locks on its tables, and
writes to those tables are rejected until it finishes. The reconciler runs
a periodic loop that picks such migrations up again:

	┌──────────────────────────────────────────────┐
	│            Reconciliation Loop               │
	│            (every Interval, 30s)             │
	└──────────────────┬───────────────────────────┘
	                   │
	                   ▼
	          list migration records
	                   │
	                   ▼
	   unfinished, not running in this process,
	   not updated for StaleAfter (5m)?
	                   │ yes
	                   ▼
	           Engine.Resume(id)

Resume continues from the recorded state, so a stale table rename carries
on copying into an emptied destination and a stale field rename rescans
its table. A migration that fails again is logged and retried on a later
cycle once it is stale again.

Several instances may reconcile the same store. InFlight only sees this
process, so the engine's claims decide which instance runs a migration: a
resume that loses the claim returns errdefs.ErrMigrationInProgress and is
counted as skipped.

# Usage

	rec := reconciler.NewReconciler(engine, reconciler.Config{
		Interval:   30 * time.Second,
		StaleAfter: 5 * time.Minute,
	})
	rec.Start()
	defer rec.Stop()

Each cycle is observed in burrow_reconciliation_duration_seconds and
burrow_reconciliation_cycles_total; every resume attempt is counted in
burrow_migrations_resumed_total.
*/
package reconciler
