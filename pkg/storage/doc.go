/*
Package storage provides the table-oriented key-value store burrow runs on.

The Store interface models an external store with named tables, a primary key
per table, conditional single-item writes and paginated scans. Table creation
is asynchronous: a new table reports CREATING until the backend makes it
ACTIVE, and item operations against a table that is not active fail with
ErrTableNotFound. Callers wait for readiness through pkg/lifecycle.

# Backends

	┌──────────────────────── STORE BACKENDS ────────────────────────┐
	│                                                                  │
	│  BoltStore     <dataDir>/burrow.db                              │
	│                _tables   table descriptors (key schema, created)│
	│                tables/   one nested bucket per table            │
	│                                                                  │
	│  MemStore      one ordered B-tree per table (google/btree)      │
	│                                                                  │
	│  DynamoStore   Amazon DynamoDB or DynamoDB Local (aws-sdk-go-v2)│
	│                                                                  │
	└──────────────────────────────────────────────────────────────────┘

BoltStore and MemStore accept WithActivationDelay, which keeps a new table in
CREATING for the given duration so local runs and tests exercise the same
readiness contract as DynamoDB.

# Keys and Values

A KeySchema lists one or two attributes: the first is the hash key and the
optional second the range key. Local backends encode keys so byte order
matches value order: numbers as big-endian uint64 with the sign bit flipped,
strings raw, components joined by 0x00. Scans therefore return items in key
order, and a scan resumes strictly after Page.LastKey.

Item values are normalized through JSON on the local backends and through
attributevalue on DynamoDB, so every backend returns numbers as float64,
lists as []any and maps as map[string]any. Use ToInt64 to read numeric keys.

# Errors

	ErrTableExists      CreateTable on a taken name
	ErrTableNotFound    table absent, or not yet active for item operations
	ErrItemNotFound     GetItem on an absent key
	ErrConditionFailed  IfNotExists or IfExists did not hold

Each wraps the matching errdefs sentinel. Unexpected DynamoDB errors are
wrapped as errdefs.ErrStoreFault.

# Usage

	store, err := storage.NewBoltStore(dataDir, storage.WithActivationDelay(2*time.Second))
	if err != nil {
		return err
	}
	defer store.Close()

	s := storage.Instrument(store)
	if err := s.CreateTable(ctx, "orders", storage.IDKey); err != nil {
		return err
	}

Instrument wraps any backend so each call is counted in
burrow_store_operations_total.
*/
package storage
