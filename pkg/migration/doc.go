/*
Package migration renames tables and fields as recorded, resumable
migrations.

The backing store has no table rename and no schema, so both operations
are built from item writes. Each run is tracked by a record in the
_burrow_migrations control table and moves through fixed states:

	pending ──▶ copying ──▶ copied ──▶ done
	                │           │
	                └─────┬─────┘
	                      ▼
	                   failed ──▶ (resume from the failed state)
	                      │
	                      ▼
	                 rolled_back

A failed record keeps the state it failed in as ResumeFrom. Resume, or
calling the same rename again, continues from that state.

Rollback closes an unfinished migration as rolled_back. A finished one is
never reopened; a new rename with the same id starts a fresh record.

# Table Rename

RenameTable(ctx, "orders", "orders_v2"):

 1. lock orders and orders_v2
 2. create orders_v2 and wait until it is active
 3. empty orders_v2, then add every record of orders to it
 4. check that orders_v2 holds exactly the copied count
 5. re-key the registered schema, keeping its alias
 6. drop orders and wait until it is gone
 7. mark done and unlock

The destination may be neither an existing table nor the name or alias of
another registered schema (errdefs.ErrAlreadyExists); both are checked
before any lock is taken.

Copied records get new ids in the destination. A resumed copy starts from
an empty destination, so a retry never duplicates records. Until step 6 an
unfinished rename can be rolled back, which drops the destination and
unlocks the source.

# Field Rename

RenameField(ctx, "orders", "status", "state") first checks the registry:
the table must have a schema (errdefs.ErrSchemaNotFound), status must be
declared (errdefs.ErrFieldNotFound) and state must not be
(errdefs.ErrAlreadyExists). Only then is the table locked and every record
carrying status rewritten with a single targeted update that sets state
and removes status. The schema field moves last.

A rescan after a failure skips records that no longer carry the old field,
and a schema that already shows the new field counts as moved.

A field rename that cannot finish is abandoned with Rollback. Records keep
whichever field they carry, the schema keeps the old field, and the record
sets Partial when some records were already rewritten while others were
not. Error then reports both counts.

# Locks

Locks are records with id lock/<table>. Guard implements items.Guard and
rejects writes to a locked table with errdefs.ErrMigrationInProgress:

	store := items.New(lm, cfg,
		items.WithValidator(reg),
		items.WithGuard(migration.NewGuard(lm.Store())),
	)
	engine := migration.NewEngine(lm, store, reg, broker)

A failed field rename releases its lock, since rewritten records are valid
either way. A failed table rename keeps both locks until it is resumed or
rolled back.

# Ownership

Locks are shared by everything running the same migration id, so engines
in different processes fence each other with claims. Every run writes a
claim/<id>/<attempt> record with a create-only write and stamps Owner and
Attempt on the migration. Only one engine wins an attempt. A migration
owned by another engine is refused with errdefs.ErrMigrationInProgress
until it has gone the lease (WithLease, DefaultLease) without an update.
A failed run clears its owner, so any engine may resume it at once.

Progress saves refresh the lease, so it must outlast the longest step that
records nothing. burrow serve uses the reconciler's stale_after for both.
*/
package migration
