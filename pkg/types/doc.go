/*
Package types defines the core data structures used throughout burrow.

The types in this package describe the three things burrow persists:

  - Record: a row of a data table, addressed by a numeric id and carrying an
    arbitrary field map plus a lastUpdated timestamp
  - TableSchema: the registry entry for a managed table (name, optional alias,
    declared field descriptors, created/updated timestamps)
  - Migration: the persisted progress of a table or field rename

# Records

Records are stored flat: the reserved attributes id and lastUpdated sit next to
the caller's fields. Record.MarshalJSON reproduces that flat shape so API
responses look exactly like stored items:

	{"id": 8123, "lastUpdated": "2026-10-18T08:00:00Z", "state": "open"}

# Schemas

Field descriptors are declared by the caller at registration time; burrow never
infers a schema from sample values. FieldType enumerates the accepted types:

	Number, String, Boolean, Array, Object

# Migrations

Migration.State walks pending → copying → copied → done. A migration that
stopped half way stays in its last recorded state until it is resumed or rolled
back; rolled_back and done are the only finished states.
*/
package types
