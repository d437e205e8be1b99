package migration

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/burrow/pkg/errdefs"
	"github.com/cuemby/burrow/pkg/events"
	"github.com/cuemby/burrow/pkg/items"
	"github.com/cuemby/burrow/pkg/lifecycle"
	"github.com/cuemby/burrow/pkg/registry"
	"github.com/cuemby/burrow/pkg/storage"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyStore fails writes to one table after a number of successful writes
type flakyStore struct {
	storage.Store

	mu        sync.Mutex
	table     string
	failAfter int
	writes    int
}

func (f *flakyStore) failWritesTo(table string, after int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.table, f.failAfter, f.writes = table, after, 0
}

func (f *flakyStore) heal() {
	f.failWritesTo("", -1)
}

func (f *flakyStore) trip(table string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAfter < 0 || table != f.table {
		return nil
	}
	if f.writes >= f.failAfter {
		return errors.New("injected write failure")
	}
	f.writes++
	return nil
}

func (f *flakyStore) PutItem(ctx context.Context, table string, item storage.Item, cond storage.Condition) error {
	if err := f.trip(table); err != nil {
		return err
	}
	return f.Store.PutItem(ctx, table, item, cond)
}

func (f *flakyStore) UpdateItem(ctx context.Context, table string, key storage.Key, upd storage.Update, cond storage.Condition) error {
	if err := f.trip(table); err != nil {
		return err
	}
	return f.Store.UpdateItem(ctx, table, key, upd, cond)
}

type harness struct {
	store    *flakyStore
	tables   *lifecycle.Manager
	registry *registry.Registry
	items    *items.Store
	engine   *Engine
}

func newHarness(t *testing.T, publisher events.Publisher) *harness {
	t.Helper()
	ctx := context.Background()

	fs := &flakyStore{Store: storage.NewMemStore(storage.WithActivationDelay(20 * time.Millisecond)), failAfter: -1}
	lm := lifecycle.NewManager(fs, lifecycle.Config{PollInterval: 2 * time.Millisecond, ActiveTimeout: 2 * time.Second}, publisher)
	reg := registry.New(lm, publisher)
	require.NoError(t, reg.Init(ctx))

	store := items.New(lm, items.Config{ScanPageSize: 7},
		items.WithValidator(reg),
		items.WithGuard(NewGuard(fs)),
	)
	engine := NewEngine(lm, store, reg, publisher)
	require.NoError(t, engine.Init(ctx))

	return &harness{store: fs, tables: lm, registry: reg, items: store, engine: engine}
}

func (h *harness) seed(t *testing.T, table string, n int, fields func(i int) map[string]any) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := h.items.Add(context.Background(), table, fields(i))
		require.NoError(t, err)
	}
}

// contents returns the field maps of table, ignoring ids, in a stable order
func (h *harness) contents(t *testing.T, table string) []string {
	t.Helper()
	recs, err := h.items.ListAll(context.Background(), table)
	require.NoError(t, err)
	out := make([]string, len(recs))
	for i, rec := range recs {
		out[i] = fmt.Sprint(rec.Fields)
	}
	sort.Strings(out)
	return out
}

func TestRenameFieldScenario(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	_, err := h.registry.Register(ctx, "orders", "ord", map[string]types.FieldDescriptor{
		"status": {Type: types.FieldTypeString},
	})
	require.NoError(t, err)

	id, err := h.items.Add(ctx, "orders", map[string]any{"status": "open"})
	require.NoError(t, err)

	m, err := h.engine.RenameField(ctx, "orders", "status", "state")
	require.NoError(t, err)
	assert.Equal(t, types.MigrationDone, m.State)
	assert.Equal(t, 1, m.Copied)
	assert.NotNil(t, m.FinishedAt)

	rec, err := h.items.Get(ctx, "orders", id)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"state": "open"}, rec.Fields)

	schema, err := h.registry.Lookup(ctx, "ord")
	require.NoError(t, err)
	assert.Contains(t, schema.Fields, "state")
	assert.NotContains(t, schema.Fields, "status")

	// The table accepts writes again
	_, err = h.items.Add(ctx, "orders", map[string]any{"state": "closed"})
	assert.NoError(t, err)
}

func TestRenameFieldCompleteness(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	desc := types.FieldDescriptor{Type: types.FieldTypeNumber, Required: true}
	_, err := h.registry.Register(ctx, "metrics", "", map[string]types.FieldDescriptor{"x": desc})
	require.NoError(t, err)

	// Every third record lacks x; the registry only requires it on full writes,
	// so seed those through the unguarded, unvalidated view.
	for i := 0; i < 50; i++ {
		fields := map[string]any{"x": i, "other": "keep"}
		if i%3 == 0 {
			fields = map[string]any{"other": "keep"}
		}
		_, err := h.items.Unguarded().Add(ctx, "metrics", fields)
		require.NoError(t, err)
	}

	before, err := h.items.ListAll(ctx, "metrics")
	require.NoError(t, err)
	want := make(map[int64]any)
	for _, rec := range before {
		if v, ok := rec.Fields["x"]; ok {
			want[rec.ID] = v
		}
	}

	m, err := h.engine.RenameField(ctx, "metrics", "x", "y")
	require.NoError(t, err)
	assert.Equal(t, len(want), m.Copied)

	after, err := h.items.ListAll(ctx, "metrics")
	require.NoError(t, err)
	require.Len(t, after, 50)
	for _, rec := range after {
		assert.NotContains(t, rec.Fields, "x")
		assert.Equal(t, "keep", rec.Fields["other"])
		if v, ok := want[rec.ID]; ok {
			assert.Equal(t, v, rec.Fields["y"])
		} else {
			assert.NotContains(t, rec.Fields, "y")
		}
	}

	schema, err := h.registry.Get(ctx, "metrics")
	require.NoError(t, err)
	assert.Equal(t, map[string]types.FieldDescriptor{"y": desc}, schema.Fields)
}

func TestRenameFieldPreconditions(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	require.NoError(t, h.tables.EnsureActive(ctx, "raw", storage.IDKey))
	h.seed(t, "raw", 3, func(i int) map[string]any { return map[string]any{"a": i} })

	_, err := h.engine.RenameField(ctx, "raw", "a", "b")
	assert.ErrorIs(t, err, errdefs.ErrSchemaNotFound)

	_, err = h.registry.Register(ctx, "orders", "", map[string]types.FieldDescriptor{
		"a": {Type: types.FieldTypeNumber},
		"b": {Type: types.FieldTypeNumber},
	})
	require.NoError(t, err)
	h.seed(t, "orders", 3, func(i int) map[string]any { return map[string]any{"a": i} })

	_, err = h.engine.RenameField(ctx, "orders", "missing", "c")
	assert.ErrorIs(t, err, errdefs.ErrFieldNotFound)

	_, err = h.engine.RenameField(ctx, "orders", "a", "b")
	assert.ErrorIs(t, err, errdefs.ErrAlreadyExists)

	// No data was touched and no migration recorded
	for _, table := range []string{"raw", "orders"} {
		recs, err := h.items.ListAll(ctx, table)
		require.NoError(t, err)
		for _, rec := range recs {
			assert.Contains(t, rec.Fields, "a")
		}
	}
	migrations, err := h.engine.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, migrations)
}

func TestRenameFieldResumeAfterFailure(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	_, err := h.registry.Register(ctx, "orders", "", map[string]types.FieldDescriptor{
		"status": {Type: types.FieldTypeString},
	})
	require.NoError(t, err)
	h.seed(t, "orders", 10, func(i int) map[string]any { return map[string]any{"status": fmt.Sprint(i)} })

	h.store.failWritesTo("orders", 3)
	m, err := h.engine.RenameField(ctx, "orders", "status", "state")
	require.Error(t, err)
	assert.ErrorIs(t, err, errdefs.ErrStoreFault)
	assert.Equal(t, types.MigrationFailed, m.State)
	assert.Equal(t, types.MigrationCopying, m.ResumeFrom)
	h.store.heal()

	// The schema has not moved yet
	schema, err := h.registry.Get(ctx, "orders")
	require.NoError(t, err)
	assert.Contains(t, schema.Fields, "status")

	// A failed field rename does not keep the table locked
	assert.NoError(t, NewGuard(h.store).CheckWrite(ctx, "orders"))

	m, err = h.engine.Resume(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, types.MigrationDone, m.State)
	assert.Equal(t, 7, m.Copied)

	recs, err := h.items.ListAll(ctx, "orders")
	require.NoError(t, err)
	require.Len(t, recs, 10)
	for _, rec := range recs {
		assert.Contains(t, rec.Fields, "state")
		assert.NotContains(t, rec.Fields, "status")
	}

	schema, err = h.registry.Get(ctx, "orders")
	require.NoError(t, err)
	assert.Contains(t, schema.Fields, "state")
	assert.NotContains(t, schema.Fields, "status")
}

func TestRollbackAbandonsFailedFieldRename(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	_, err := h.registry.Register(ctx, "orders", "", map[string]types.FieldDescriptor{
		"status": {Type: types.FieldTypeString},
	})
	require.NoError(t, err)
	h.seed(t, "orders", 10, func(i int) map[string]any { return map[string]any{"status": fmt.Sprint(i)} })

	h.store.failWritesTo("orders", 3)
	m, err := h.engine.RenameField(ctx, "orders", "status", "state")
	require.Error(t, err)
	require.Equal(t, types.MigrationFailed, m.State)
	h.store.heal()

	m, err = h.engine.Rollback(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, types.MigrationRolledBack, m.State)
	assert.True(t, m.Partial)
	assert.Contains(t, m.Error, "abandoned")
	assert.Empty(t, m.ResumeFrom)
	assert.NotNil(t, m.FinishedAt)

	// The record is finished: no resume, no second rollback
	_, err = h.engine.Resume(ctx, m.ID)
	assert.ErrorIs(t, err, errdefs.ErrInvalidState)
	_, err = h.engine.Rollback(ctx, m.ID)
	assert.ErrorIs(t, err, errdefs.ErrInvalidState)

	all, err := h.engine.List(ctx)
	require.NoError(t, err)
	for _, other := range all {
		assert.True(t, other.State.Finished(), other.ID)
	}

	// The schema never moved and the table accepts writes and new renames
	schema, err := h.registry.Get(ctx, "orders")
	require.NoError(t, err)
	assert.Contains(t, schema.Fields, "status")
	assert.NoError(t, NewGuard(h.store).CheckWrite(ctx, "orders"))

	_, err = h.items.Add(ctx, "orders", map[string]any{"status": "new"})
	require.NoError(t, err)

	m, err = h.engine.RenameField(ctx, "orders", "status", "phase")
	require.NoError(t, err)
	assert.Equal(t, types.MigrationDone, m.State)
}

func TestRollbackFieldRenameBeforeAnyRewrite(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	_, err := h.registry.Register(ctx, "orders", "", map[string]types.FieldDescriptor{
		"status": {Type: types.FieldTypeString},
	})
	require.NoError(t, err)
	h.seed(t, "orders", 4, func(i int) map[string]any { return map[string]any{"status": "s"} })

	h.store.failWritesTo("orders", 0)
	m, err := h.engine.RenameField(ctx, "orders", "status", "state")
	require.Error(t, err)
	h.store.heal()

	m, err = h.engine.Rollback(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, types.MigrationRolledBack, m.State)
	assert.False(t, m.Partial)
}

func TestRenameFieldSchemaAlreadyMoved(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	_, err := h.registry.Register(ctx, "orders", "", map[string]types.FieldDescriptor{
		"status": {Type: types.FieldTypeString},
	})
	require.NoError(t, err)
	h.seed(t, "orders", 2, func(i int) map[string]any { return map[string]any{"status": "s"} })

	m, err := h.engine.RenameField(ctx, "orders", "status", "state")
	require.NoError(t, err)

	// Simulate a crash after the schema move but before the record reached done
	m.State = types.MigrationCopied
	m.FinishedAt = nil
	require.NoError(t, h.engine.records.save(ctx, m))

	m, err = h.engine.Resume(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, types.MigrationDone, m.State)
}

func TestRenameTableScenario(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	_, err := h.registry.Register(ctx, "orders", "ord", map[string]types.FieldDescriptor{
		"status": {Type: types.FieldTypeString},
	})
	require.NoError(t, err)
	h.seed(t, "orders", 20, func(i int) map[string]any {
		return map[string]any{"status": fmt.Sprintf("s%d", i), "n": i}
	})
	before := h.contents(t, "orders")

	m, err := h.engine.RenameTable(ctx, "orders", "orders_v2")
	require.NoError(t, err)
	assert.Equal(t, types.MigrationDone, m.State)
	assert.Equal(t, 20, m.Copied)

	names, err := h.tables.ListTables(ctx)
	require.NoError(t, err)
	assert.NotContains(t, names, "orders")
	assert.Contains(t, names, "orders_v2")

	assert.Equal(t, before, h.contents(t, "orders_v2"))

	recs, err := h.items.ListAll(ctx, "orders_v2")
	require.NoError(t, err)
	rec, err := h.items.Get(ctx, "orders_v2", recs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, recs[0].Fields, rec.Fields)

	// Schema follows the table and keeps its alias
	schema, err := h.registry.Lookup(ctx, "ord")
	require.NoError(t, err)
	assert.Equal(t, "orders_v2", schema.TableName)

	// Locks are gone
	_, err = h.items.Add(ctx, "orders_v2", map[string]any{"status": "new"})
	assert.NoError(t, err)
}

func TestRenameTablePreconditions(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	require.NoError(t, h.tables.EnsureActive(ctx, "a", storage.IDKey))
	require.NoError(t, h.tables.EnsureActive(ctx, "b", storage.IDKey))

	_, err := h.engine.RenameTable(ctx, "a", "b")
	assert.ErrorIs(t, err, errdefs.ErrAlreadyExists)

	_, err = h.engine.RenameTable(ctx, "missing", "c")
	assert.ErrorIs(t, err, errdefs.ErrNotFound)

	_, err = h.engine.RenameTable(ctx, "a", "a")
	assert.ErrorIs(t, err, errdefs.ErrInvalidArgument)

	_, err = h.engine.RenameTable(ctx, "a", registry.TableName)
	assert.ErrorIs(t, err, errdefs.ErrInvalidArgument)
}

func TestRenameTableRejectsRegisteredNames(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	_, err := h.registry.Register(ctx, "customers", "cust", nil)
	require.NoError(t, err)
	_, err = h.registry.Register(ctx, "orders", "ord", nil)
	require.NoError(t, err)

	// Another schema's alias
	_, err = h.engine.RenameTable(ctx, "orders", "cust")
	assert.ErrorIs(t, err, errdefs.ErrAlreadyExists)

	// A schema whose table no longer exists
	_, err = h.registry.Register(ctx, "ghosts", "", nil)
	require.NoError(t, err)
	require.NoError(t, h.tables.DropTable(ctx, "ghosts"))
	require.NoError(t, h.tables.AwaitGone(ctx, "ghosts"))
	_, err = h.engine.RenameTable(ctx, "orders", "ghosts")
	assert.ErrorIs(t, err, errdefs.ErrAlreadyExists)

	// Nothing was recorded or locked
	schema, err := h.registry.Lookup(ctx, "cust")
	require.NoError(t, err)
	assert.Equal(t, "customers", schema.TableName)
	migrations, err := h.engine.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, migrations)
	assert.NoError(t, NewGuard(h.store).CheckWrite(ctx, "orders"))
	assert.NoError(t, NewGuard(h.store).CheckWrite(ctx, "cust"))

	// The table's own alias is not a conflict
	m, err := h.engine.RenameTable(ctx, "orders", "ord")
	require.NoError(t, err)
	assert.Equal(t, types.MigrationDone, m.State)
	schema, err = h.registry.Lookup(ctx, "ord")
	require.NoError(t, err)
	assert.Equal(t, "ord", schema.TableName)
}

func TestRenameTableResumeDoesNotDuplicate(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	require.NoError(t, h.tables.EnsureActive(ctx, "orders", storage.IDKey))
	h.seed(t, "orders", 10, func(i int) map[string]any { return map[string]any{"n": i} })
	before := h.contents(t, "orders")

	h.store.failWritesTo("orders_v2", 4)
	m, err := h.engine.RenameTable(ctx, "orders", "orders_v2")
	require.Error(t, err)
	assert.Equal(t, types.MigrationFailed, m.State)
	assert.Equal(t, types.MigrationCopying, m.ResumeFrom)
	h.store.heal()

	// Both tables are locked while the rename is unfinished
	_, err = h.items.Add(ctx, "orders", map[string]any{"n": 99})
	assert.ErrorIs(t, err, errdefs.ErrMigrationInProgress)
	assert.Len(t, h.contents(t, "orders_v2"), 4)

	// Retrying the same rename resumes it instead of failing on the target
	m, err = h.engine.RenameTable(ctx, "orders", "orders_v2")
	require.NoError(t, err)
	assert.Equal(t, types.MigrationDone, m.State)
	assert.Equal(t, before, h.contents(t, "orders_v2"))

	exists, err := h.tables.Exists(ctx, "orders")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestRenameTableConflictingRetry(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	require.NoError(t, h.tables.EnsureActive(ctx, "orders", storage.IDKey))
	h.seed(t, "orders", 3, func(i int) map[string]any { return map[string]any{"n": i} })

	h.store.failWritesTo("v2", 1)
	_, err := h.engine.RenameTable(ctx, "orders", "v2")
	require.Error(t, err)
	h.store.heal()

	_, err = h.engine.RenameTable(ctx, "orders", "v3")
	assert.ErrorIs(t, err, errdefs.ErrMigrationInProgress)

	exists, err := h.tables.Exists(ctx, "v3")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestRollbackTableRename(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	_, err := h.registry.Register(ctx, "orders", "ord", nil)
	require.NoError(t, err)
	h.seed(t, "orders", 5, func(i int) map[string]any { return map[string]any{"n": i} })
	before := h.contents(t, "orders")

	h.store.failWritesTo("orders_v2", 2)
	m, err := h.engine.RenameTable(ctx, "orders", "orders_v2")
	require.Error(t, err)
	h.store.heal()

	m, err = h.engine.Rollback(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, types.MigrationRolledBack, m.State)

	exists, err := h.tables.Exists(ctx, "orders_v2")
	require.NoError(t, err)
	assert.False(t, exists)
	assert.Equal(t, before, h.contents(t, "orders"))

	schema, err := h.registry.Lookup(ctx, "ord")
	require.NoError(t, err)
	assert.Equal(t, "orders", schema.TableName)

	// Source is writable again, and the rename can be started afresh
	_, err = h.items.Add(ctx, "orders", map[string]any{"n": 5})
	require.NoError(t, err)
	m, err = h.engine.RenameTable(ctx, "orders", "orders_v2")
	require.NoError(t, err)
	assert.Equal(t, types.MigrationDone, m.State)
	assert.Len(t, h.contents(t, "orders_v2"), 6)
}

func TestRollbackRejections(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	_, err := h.registry.Register(ctx, "orders", "", map[string]types.FieldDescriptor{
		"a": {Type: types.FieldTypeNumber},
	})
	require.NoError(t, err)

	fm, err := h.engine.RenameField(ctx, "orders", "a", "b")
	require.NoError(t, err)
	_, err = h.engine.Rollback(ctx, fm.ID)
	assert.ErrorIs(t, err, errdefs.ErrInvalidState)

	tm, err := h.engine.RenameTable(ctx, "orders", "orders_v2")
	require.NoError(t, err)
	_, err = h.engine.Rollback(ctx, tm.ID)
	assert.ErrorIs(t, err, errdefs.ErrInvalidState)

	_, err = h.engine.Resume(ctx, tm.ID)
	assert.ErrorIs(t, err, errdefs.ErrInvalidState)

	_, err = h.engine.Rollback(ctx, "rename_table/nope")
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
}

func TestGuardRejectsLockedTable(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	require.NoError(t, h.tables.EnsureActive(ctx, "orders", storage.IDKey))

	require.NoError(t, h.engine.records.acquire(ctx, "orders", "m1"))
	require.NoError(t, h.engine.records.acquire(ctx, "orders", "m1"))
	assert.ErrorIs(t, h.engine.records.acquire(ctx, "orders", "m2"), errdefs.ErrMigrationInProgress)

	_, err := h.items.Add(ctx, "orders", map[string]any{"a": 1})
	assert.ErrorIs(t, err, errdefs.ErrMigrationInProgress)

	// Release by a non-owner is ignored
	require.NoError(t, h.engine.records.release(ctx, "orders", "m2"))
	_, err = h.items.Add(ctx, "orders", map[string]any{"a": 1})
	assert.ErrorIs(t, err, errdefs.ErrMigrationInProgress)

	require.NoError(t, h.engine.records.release(ctx, "orders", "m1"))
	_, err = h.items.Add(ctx, "orders", map[string]any{"a": 1})
	assert.NoError(t, err)

	// Locks never show up as migrations
	migrations, err := h.engine.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, migrations)
	_, err = h.engine.Get(ctx, "lock/orders")
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
}

func TestMigrationEvents(t *testing.T) {
	ctx := context.Background()
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	sub := broker.Subscribe()

	h := newHarness(t, broker)
	require.NoError(t, h.tables.EnsureActive(ctx, "orders", storage.IDKey))
	_, err := h.engine.RenameTable(ctx, "orders", "orders_v2")
	require.NoError(t, err)

	var seen []events.EventType
	timeout := time.After(2 * time.Second)
	for !containsType(seen, events.EventMigrationCompleted) {
		select {
		case ev := <-sub:
			seen = append(seen, ev.Type)
			if ev.Type == events.EventMigrationCompleted {
				assert.Equal(t, "rename_table/orders", ev.Metadata["migration_id"])
				assert.Equal(t, "orders_v2", ev.Metadata["target"])
			}
		case <-timeout:
			t.Fatalf("missing completion event, saw %v", seen)
		}
	}
	assert.Contains(t, seen, events.EventMigrationStarted)
	assert.Contains(t, seen, events.EventTableDropped)
}

func containsType(types []events.EventType, t events.EventType) bool {
	for _, v := range types {
		if v == t {
			return true
		}
	}
	return false
}

func TestClaimFencesOtherEngines(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	standby := NewEngine(h.tables, h.items, h.registry, nil, WithOwner("standby"), WithLease(time.Minute))

	require.NoError(t, h.tables.EnsureActive(ctx, "orders", storage.IDKey))
	h.seed(t, "orders", 10, func(i int) map[string]any { return map[string]any{"n": i} })
	before := h.contents(t, "orders")

	h.store.failWritesTo("orders_v2", 4)
	m, err := h.engine.RenameTable(ctx, "orders", "orders_v2")
	require.Error(t, err)
	h.store.heal()
	assert.Equal(t, 1, m.Attempt)
	assert.Empty(t, m.Owner)

	// Record the rename the way a live engine leaves it mid-copy
	m.State = types.MigrationCopying
	m.ResumeFrom = ""
	m.Owner = h.engine.Owner()
	require.NoError(t, h.engine.records.save(ctx, m))

	_, err = standby.Resume(ctx, m.ID)
	assert.ErrorIs(t, err, errdefs.ErrMigrationInProgress)
	_, err = standby.Rollback(ctx, m.ID)
	assert.ErrorIs(t, err, errdefs.ErrMigrationInProgress)
	got, err := standby.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, types.MigrationCopying, got.State)
	assert.Equal(t, h.engine.Owner(), got.Owner)

	// Once the lease lapses the standby takes over
	standby.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	m, err = standby.Resume(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, types.MigrationDone, m.State)
	assert.Equal(t, "standby", m.Owner)
	assert.Equal(t, 2, m.Attempt)
	assert.Equal(t, before, h.contents(t, "orders_v2"))

	// Claim records never show up as migrations
	all, err := h.engine.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	_, err = h.engine.Get(ctx, claimID(m.ID, 2))
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
}

func TestConcurrentResumeAcrossEnginesRunsOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	engines := []*Engine{h.engine, NewEngine(h.tables, h.items, h.registry, nil)}
	require.NotEqual(t, engines[0].Owner(), engines[1].Owner())

	require.NoError(t, h.tables.EnsureActive(ctx, "orders", storage.IDKey))
	h.seed(t, "orders", 20, func(i int) map[string]any { return map[string]any{"n": i} })
	before := h.contents(t, "orders")

	h.store.failWritesTo("orders_v2", 4)
	m, err := h.engine.RenameTable(ctx, "orders", "orders_v2")
	require.Error(t, err)
	h.store.heal()

	errs := make([]error, len(engines))
	var wg sync.WaitGroup
	for i, e := range engines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = e.Resume(ctx, m.ID)
		}()
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.True(t, errors.Is(err, errdefs.ErrMigrationInProgress) || errors.Is(err, errdefs.ErrInvalidState), err)
	}
	assert.Equal(t, 1, succeeded)

	m, err = h.engine.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, types.MigrationDone, m.State)
	assert.Equal(t, 2, m.Attempt)
	assert.Equal(t, before, h.contents(t, "orders_v2"))
}

func TestClaimRecordsAreExclusive(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	require.NoError(t, h.engine.records.claim(ctx, "rename_table/x", 1, "a"))
	err := h.engine.records.claim(ctx, "rename_table/x", 1, "b")
	assert.ErrorIs(t, err, errdefs.ErrMigrationInProgress)
	require.NoError(t, h.engine.records.claim(ctx, "rename_table/x", 2, "b"))

	require.NoError(t, h.engine.records.unclaim(ctx, "rename_table/x", 1))
	require.NoError(t, h.engine.records.unclaim(ctx, "rename_table/x", 1))
	assert.NoError(t, h.engine.records.claim(ctx, "rename_table/x", 1, "c"))
}

func TestRerunAfterFinishContinuesAttempts(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	_, err := h.registry.Register(ctx, "orders", "", map[string]types.FieldDescriptor{
		"a": {Type: types.FieldTypeString},
	})
	require.NoError(t, err)
	h.seed(t, "orders", 2, func(i int) map[string]any { return map[string]any{"a": "x"} })

	m, err := h.engine.RenameField(ctx, "orders", "a", "b")
	require.NoError(t, err)
	assert.Equal(t, 1, m.Attempt)

	// Same id, new run
	m, err = h.engine.RenameField(ctx, "orders", "b", "c")
	require.NoError(t, err)
	assert.Equal(t, types.MigrationDone, m.State)
	assert.Equal(t, 2, m.Attempt)
}
