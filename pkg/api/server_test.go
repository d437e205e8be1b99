package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cuemby/burrow/pkg/items"
	"github.com/cuemby/burrow/pkg/lifecycle"
	"github.com/cuemby/burrow/pkg/migration"
	"github.com/cuemby/burrow/pkg/registry"
	"github.com/cuemby/burrow/pkg/storage"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	store  *storage.BoltStore
	server *Server
	deps   Deps
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ctx := context.Background()

	store, err := storage.NewBoltStore(t.TempDir(), storage.WithActivationDelay(10*time.Millisecond))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	lm := lifecycle.NewManager(store, lifecycle.Config{PollInterval: 2 * time.Millisecond, ActiveTimeout: 2 * time.Second}, nil)
	reg := registry.New(lm, nil)
	require.NoError(t, reg.Init(ctx))
	guard := migration.NewGuard(store)
	itemStore := items.New(lm, items.DefaultConfig(), items.WithValidator(reg), items.WithGuard(guard))
	engine := migration.NewEngine(lm, itemStore, reg, nil)
	require.NoError(t, engine.Init(ctx))

	deps := Deps{Tables: lm, Registry: reg, Items: itemStore, Engine: engine, Guard: guard}
	return &testServer{store: store, server: NewServer(deps), deps: deps}
}

func (h *testServer) do(method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(w.Body).Decode(&v), w.Body.String())
	return v
}

func TestSchemaRoutes(t *testing.T) {
	h := newTestServer(t)

	w := h.do(http.MethodPost, "/schemas", RegisterSchemaRequest{
		TableName: "orders",
		Alias:     "ord",
		Fields:    map[string]types.FieldDescriptor{"status": {Type: types.FieldTypeString, Required: true}},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "orders", decodeBody[types.TableSchema](t, w).TableName)

	w = h.do(http.MethodGet, "/schemas/ord", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "orders", decodeBody[types.TableSchema](t, w).TableName)

	w = h.do(http.MethodGet, "/schemas", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decodeBody[listSchemasResponse](t, w).Schemas, 1)

	alias := "o"
	w = h.do(http.MethodPatch, "/schemas/orders", types.SchemaPatch{
		Alias:  &alias,
		Fields: map[string]*types.FieldDescriptor{"total": {Type: types.FieldTypeNumber}},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	schema := decodeBody[types.TableSchema](t, w)
	assert.Equal(t, "o", schema.Alias)
	assert.Contains(t, schema.Fields, "total")

	// Alias collision
	w = h.do(http.MethodPost, "/schemas", RegisterSchemaRequest{TableName: "other", Alias: "o"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = h.do(http.MethodDelete, "/schemas/orders", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = h.do(http.MethodGet, "/schemas/orders", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.NotEmpty(t, decodeBody[ErrorResponse](t, w).Error)
}

func TestRecordRoutes(t *testing.T) {
	h := newTestServer(t)

	w := h.do(http.MethodPost, "/schemas", RegisterSchemaRequest{
		TableName: "orders",
		Alias:     "ord",
		Fields:    map[string]types.FieldDescriptor{"status": {Type: types.FieldTypeString, Required: true}},
	})
	require.Equal(t, http.StatusCreated, w.Code)

	// Records are reachable by alias
	w = h.do(http.MethodPost, "/tables/ord/records", map[string]any{"status": "open", "total": 12})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	id := decodeBody[AddRecordResponse](t, w).ID
	assert.NotZero(t, id)

	path := fmt.Sprintf("/tables/orders/records/%d", id)
	w = h.do(http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, w.Code)
	rec := decodeBody[map[string]any](t, w)
	assert.Equal(t, "open", rec["status"])
	assert.EqualValues(t, 12, rec["total"])
	assert.EqualValues(t, id, rec["id"])
	assert.NotEmpty(t, rec["lastUpdated"])

	w = h.do(http.MethodPatch, path, map[string]any{"status": "closed"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	rec = decodeBody[map[string]any](t, w)
	assert.Equal(t, "closed", rec["status"])
	assert.EqualValues(t, 12, rec["total"])

	// Validation
	w = h.do(http.MethodPost, "/tables/orders/records", map[string]any{"status": 5})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = h.do(http.MethodPost, "/tables/orders/records", map[string]any{"id": 5, "status": "x"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = h.do(http.MethodGet, "/tables/orders/records/abc", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	for i := 0; i < 3; i++ {
		w = h.do(http.MethodPost, "/tables/orders/records", map[string]any{"status": "new"})
		require.Equal(t, http.StatusCreated, w.Code)
	}
	w = h.do(http.MethodGet, "/tables/orders/records", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decodeBody[listRecordsResponse](t, w).Records, 4)

	w = h.do(http.MethodGet, "/tables/orders/records?limit=2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decodeBody[listRecordsResponse](t, w).Records, 2)

	w = h.do(http.MethodDelete, path, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = h.do(http.MethodGet, path, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	// Unknown tables list as empty
	w = h.do(http.MethodGet, "/tables/nope/records", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decodeBody[listRecordsResponse](t, w).Records)
}

func TestRenameRoutes(t *testing.T) {
	h := newTestServer(t)

	w := h.do(http.MethodPost, "/schemas", RegisterSchemaRequest{
		TableName: "orders",
		Alias:     "ord",
		Fields:    map[string]types.FieldDescriptor{"status": {Type: types.FieldTypeString}},
	})
	require.Equal(t, http.StatusCreated, w.Code)
	w = h.do(http.MethodPost, "/tables/orders/records", map[string]any{"status": "open"})
	require.Equal(t, http.StatusCreated, w.Code)

	w = h.do(http.MethodPost, "/tables/ord/fields/status/rename", RenameRequest{NewName: "state"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, types.MigrationDone, decodeBody[types.Migration](t, w).State)

	w = h.do(http.MethodPost, "/tables/orders/fields/status/rename", RenameRequest{NewName: "state"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = h.do(http.MethodPost, "/tables/orders/rename", RenameRequest{NewName: "orders_v2"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	m := decodeBody[types.Migration](t, w)
	assert.Equal(t, types.MigrationDone, m.State)
	assert.Equal(t, 1, m.Copied)

	w = h.do(http.MethodGet, "/tables", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"orders_v2"}, decodeBody[listTablesResponse](t, w).Tables)

	w = h.do(http.MethodGet, "/tables/ord/records", nil)
	require.Equal(t, http.StatusOK, w.Code)
	recs := decodeBody[[]map[string]any](t, unwrapRecords(t, w))
	require.Len(t, recs, 1)
	assert.Equal(t, "open", recs[0]["state"])

	w = h.do(http.MethodGet, "/migrations", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decodeBody[listMigrationsResponse](t, w).Migrations, 2)

	w = h.do(http.MethodGet, "/migrations/rename_table/orders", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "orders_v2", decodeBody[types.Migration](t, w).Target)

	w = h.do(http.MethodPost, "/migrations/rename_table/orders/resume", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	w = h.do(http.MethodPost, "/migrations/rename_field/orders/rollback", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	w = h.do(http.MethodGet, "/migrations/rename_table/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = h.do(http.MethodPost, "/tables/orders_v2/rename", RenameRequest{NewName: ""})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// unwrapRecords rewrites a list response body to its bare records array
func unwrapRecords(t *testing.T, w *httptest.ResponseRecorder) *httptest.ResponseRecorder {
	t.Helper()
	var body struct {
		Records json.RawMessage `json:"records"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	out := httptest.NewRecorder()
	_, _ = out.Body.Write(body.Records)
	return out
}

func TestDropTableRoute(t *testing.T) {
	h := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, h.deps.Tables.EnsureActive(ctx, "scratch", storage.IDKey))

	w := h.do(http.MethodDelete, "/tables/"+registry.TableName, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = h.do(http.MethodDelete, "/tables/scratch", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = h.do(http.MethodDelete, "/tables/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDropTableRemovesSchema(t *testing.T) {
	h := newTestServer(t)

	for _, req := range []RegisterSchemaRequest{
		{TableName: "orders", Alias: "ord"},
		{TableName: "customers", Alias: "cust"},
	} {
		w := h.do(http.MethodPost, "/schemas", req)
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	}

	w := h.do(http.MethodDelete, "/tables/orders", nil)
	require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())
	w = h.do(http.MethodGet, "/schemas/ord", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = h.do(http.MethodGet, "/schemas/orders", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	// Dropping by alias removes the aliased table and its schema
	w = h.do(http.MethodDelete, "/tables/cust", nil)
	require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())
	w = h.do(http.MethodGet, "/schemas/customers", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	require.NoError(t, h.deps.Tables.AwaitGone(context.Background(), "customers"))

	w = h.do(http.MethodGet, "/schemas", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decodeBody[listSchemasResponse](t, w).Schemas)

	// The alias can be claimed again
	w = h.do(http.MethodPost, "/schemas", RegisterSchemaRequest{TableName: "invoices", Alias: "ord"})
	assert.Equal(t, http.StatusCreated, w.Code, w.Body.String())
}

func TestRenameTableByAlias(t *testing.T) {
	h := newTestServer(t)

	w := h.do(http.MethodPost, "/schemas", RegisterSchemaRequest{TableName: "orders", Alias: "ord"})
	require.Equal(t, http.StatusCreated, w.Code)
	w = h.do(http.MethodPost, "/schemas", RegisterSchemaRequest{TableName: "customers", Alias: "cust"})
	require.Equal(t, http.StatusCreated, w.Code)
	w = h.do(http.MethodPost, "/tables/ord/records", map[string]any{"n": 1})
	require.Equal(t, http.StatusCreated, w.Code)

	w = h.do(http.MethodPost, "/tables/ord/rename", RenameRequest{NewName: "cust"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = h.do(http.MethodPost, "/tables/ord/rename", RenameRequest{NewName: "orders_v2"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	m := decodeBody[types.Migration](t, w)
	assert.Equal(t, "orders", m.Table)
	assert.Equal(t, "orders_v2", m.Target)
	assert.Equal(t, 1, m.Copied)

	w = h.do(http.MethodGet, "/schemas/ord", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "orders_v2", decodeBody[types.TableSchema](t, w).TableName)
}

func TestLockedTableReturnsLocked(t *testing.T) {
	h := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, h.deps.Tables.EnsureActive(ctx, "orders", storage.IDKey))

	// A lock record as a running migration would leave it
	require.NoError(t, h.store.PutItem(ctx, migration.TableName, storage.Item{
		"id":          "lock/orders",
		"table":       "orders",
		"migrationId": "rename_table/orders",
	}, storage.IfNotExists))

	w := h.do(http.MethodPost, "/tables/orders/records", map[string]any{"a": 1})
	assert.Equal(t, http.StatusLocked, w.Code)

	w = h.do(http.MethodDelete, "/tables/orders", nil)
	assert.Equal(t, http.StatusLocked, w.Code)
}

func TestMalformedBody(t *testing.T) {
	h := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/schemas", bytes.NewBufferString("{not json"))
	w := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
