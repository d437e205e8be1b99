package client

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cuemby/burrow/pkg/api"
	"github.com/cuemby/burrow/pkg/errdefs"
	"github.com/cuemby/burrow/pkg/items"
	"github.com/cuemby/burrow/pkg/lifecycle"
	"github.com/cuemby/burrow/pkg/migration"
	"github.com/cuemby/burrow/pkg/registry"
	"github.com/cuemby/burrow/pkg/storage"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) (*Client, *storage.BoltStore) {
	t.Helper()
	ctx := context.Background()

	store, err := storage.NewBoltStore(t.TempDir(), storage.WithActivationDelay(5*time.Millisecond))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	lm := lifecycle.NewManager(store, lifecycle.Config{PollInterval: 2 * time.Millisecond, ActiveTimeout: 2 * time.Second}, nil)
	reg := registry.New(lm, nil)
	require.NoError(t, reg.Init(ctx))
	guard := migration.NewGuard(store)
	itemStore := items.New(lm, items.DefaultConfig(), items.WithValidator(reg), items.WithGuard(guard))
	engine := migration.NewEngine(lm, itemStore, reg, nil)
	require.NoError(t, engine.Init(ctx))

	srv := httptest.NewServer(api.NewServer(api.Deps{
		Tables: lm, Registry: reg, Items: itemStore, Engine: engine, Guard: guard,
	}).Handler())
	t.Cleanup(srv.Close)

	c, err := NewClient(srv.URL)
	require.NoError(t, err)
	return c, store
}

func TestNewClient(t *testing.T) {
	_, err := NewClient("")
	assert.ErrorIs(t, err, errdefs.ErrInvalidArgument)

	c, err := NewClient("127.0.0.1:8080/")
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:8080", c.base)
}

func TestHealthAndReady(t *testing.T) {
	c, store := newTestClient(t)
	ctx := context.Background()

	h, err := c.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, "healthy", h.Status)

	ready, err := c.Ready(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ready", ready.Status)

	require.NoError(t, store.Close())
	ready, err = c.Ready(ctx)
	require.Error(t, err)
	require.NotNil(t, ready)
	assert.Equal(t, "not ready", ready.Status)
}

func TestRecordLifecycle(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	schema, err := c.RegisterSchema(ctx, "people", "ppl", map[string]types.FieldDescriptor{
		"name": {Type: types.FieldTypeString, Required: true},
		"age":  {Type: types.FieldTypeNumber},
	})
	require.NoError(t, err)
	assert.Equal(t, "people", schema.TableName)

	found, err := c.LookupSchema(ctx, "ppl")
	require.NoError(t, err)
	assert.Equal(t, "people", found.TableName)

	id, err := c.AddRecord(ctx, "ppl", map[string]any{"name": "ada", "age": 36})
	require.NoError(t, err)

	_, err = c.AddRecord(ctx, "people", map[string]any{"age": 1})
	assert.ErrorIs(t, err, errdefs.ErrInvalidArgument)

	rec, err := c.GetRecord(ctx, "people", id)
	require.NoError(t, err)
	assert.Equal(t, id, rec.ID)
	assert.Equal(t, "ada", rec.Fields["name"])

	rec, err = c.UpdateRecord(ctx, "people", id, map[string]any{"age": 37})
	require.NoError(t, err)
	assert.Equal(t, 37.0, rec.Fields["age"])

	recs, err := c.ListRecords(ctx, "people", 0)
	require.NoError(t, err)
	assert.Len(t, recs, 1)

	require.NoError(t, c.DeleteRecord(ctx, "people", id))
	_, err = c.GetRecord(ctx, "people", id)
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
}

func TestMigrations(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	_, err := c.RegisterSchema(ctx, "orders", "", map[string]types.FieldDescriptor{
		"status": {Type: types.FieldTypeString},
	})
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := c.AddRecord(ctx, "orders", map[string]any{"status": "open"})
		require.NoError(t, err)
	}

	m, err := c.RenameField(ctx, "orders", "status", "state")
	require.NoError(t, err)
	assert.Equal(t, types.MigrationDone, m.State)
	assert.Equal(t, 5, m.Copied)

	m, err = c.RenameTable(ctx, "orders", "orders_v2")
	require.NoError(t, err)
	assert.Equal(t, types.MigrationDone, m.State)

	tables, err := c.ListTables(ctx)
	require.NoError(t, err)
	assert.Contains(t, tables, "orders_v2")
	assert.NotContains(t, tables, "orders")

	migrations, err := c.ListMigrations(ctx)
	require.NoError(t, err)
	assert.Len(t, migrations, 2)

	got, err := c.GetMigration(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, "orders_v2", got.Target)

	_, err = c.ResumeMigration(ctx, m.ID)
	assert.ErrorIs(t, err, errdefs.ErrInvalidState)
	_, err = c.RollbackMigration(ctx, m.ID)
	assert.ErrorIs(t, err, errdefs.ErrInvalidState)

	_, err = c.RenameTable(ctx, "missing", "other")
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
}

func TestSchemaUpdates(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	_, err := c.RegisterSchema(ctx, "notes", "", map[string]types.FieldDescriptor{
		"body": {Type: types.FieldTypeString},
	})
	require.NoError(t, err)

	updated, err := c.UpdateSchema(ctx, "notes", types.SchemaPatch{Fields: map[string]*types.FieldDescriptor{
		"tags": {Type: types.FieldTypeArray},
	}})
	require.NoError(t, err)
	assert.Contains(t, updated.Fields, "tags")

	schemas, err := c.ListSchemas(ctx)
	require.NoError(t, err)
	assert.Len(t, schemas, 1)

	require.NoError(t, c.UnregisterSchema(ctx, "notes"))
	_, err = c.LookupSchema(ctx, "notes")
	assert.ErrorIs(t, err, errdefs.ErrNotFound)

	require.NoError(t, c.DropTable(ctx, "notes"))
	assert.Error(t, c.DropTable(ctx, "_burrow_registry"))
}

func TestStatusError(t *testing.T) {
	tests := []struct {
		name string
		code int
		msg  string
		want error
	}{
		{"exact sentinel", 409, `table "orders": already exists`, errdefs.ErrAlreadyExists},
		{"schema before generic not found", 404, `table "t": schema not found`, errdefs.ErrSchemaNotFound},
		{"locked", 423, `table "t" is locked by x: migration in progress`, errdefs.ErrMigrationInProgress},
		{"status fallback", 404, "404 page not found", errdefs.ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := statusError(tt.code, tt.msg)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	err := statusError(500, "boom")
	assert.NotErrorIs(t, err, errdefs.ErrNotFound)
	assert.Contains(t, err.Error(), "boom")
}
