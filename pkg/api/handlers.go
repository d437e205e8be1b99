package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/cuemby/burrow/pkg/errdefs"
	"github.com/cuemby/burrow/pkg/lifecycle"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/gorilla/mux"
)

// RegisterSchemaRequest is the body of POST /schemas
type RegisterSchemaRequest struct {
	TableName string                           `json:"tableName"`
	Alias     string                           `json:"alias,omitempty"`
	Fields    map[string]types.FieldDescriptor `json:"fields"`
}

// RenameRequest is the body of the table and field rename routes
type RenameRequest struct {
	NewName string `json:"newName"`
}

// AddRecordResponse is returned by POST /tables/{name}/records
type AddRecordResponse struct {
	ID int64 `json:"id"`
}

type listTablesResponse struct {
	Tables []string `json:"tables"`
}

type listSchemasResponse struct {
	Schemas []*types.TableSchema `json:"schemas"`
}

type listRecordsResponse struct {
	Records []*types.Record `json:"records"`
}

type listMigrationsResponse struct {
	Migrations []*types.Migration `json:"migrations"`
}

// Schemas

func (s *Server) registerSchema(w http.ResponseWriter, r *http.Request) {
	var req RegisterSchemaRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	schema, err := s.deps.Registry.Register(r.Context(), req.TableName, req.Alias, req.Fields)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, schema)
}

func (s *Server) listSchemas(w http.ResponseWriter, r *http.Request) {
	schemas, err := s.deps.Registry.List(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if schemas == nil {
		schemas = []*types.TableSchema{}
	}
	s.writeJSON(w, http.StatusOK, listSchemasResponse{Schemas: schemas})
}

func (s *Server) lookupSchema(w http.ResponseWriter, r *http.Request) {
	schema, err := s.deps.Registry.Lookup(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, schema)
}

func (s *Server) updateSchema(w http.ResponseWriter, r *http.Request) {
	var patch types.SchemaPatch
	if err := s.decode(r, &patch); err != nil {
		s.writeError(w, r, err)
		return
	}
	schema, err := s.deps.Registry.UpdateFields(r.Context(), mux.Vars(r)["name"], patch)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, schema)
}

func (s *Server) unregisterSchema(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Registry.Unregister(r.Context(), mux.Vars(r)["name"]); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Tables

func (s *Server) listTables(w http.ResponseWriter, r *http.Request) {
	names, err := s.deps.Tables.ListTables(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if names == nil {
		names = []string{}
	}
	s.writeJSON(w, http.StatusOK, listTablesResponse{Tables: names})
}

func (s *Server) dropTable(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	name, err := s.resolveTable(ctx, mux.Vars(r)["name"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if lifecycle.IsControlTable(name) {
		s.writeError(w, r, errdefs.InvalidArgument("control table %q cannot be dropped", name))
		return
	}
	if s.deps.Guard != nil {
		if err := s.deps.Guard.CheckWrite(ctx, name); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	if err := s.deps.Registry.DropTable(ctx, name); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) renameTable(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req RenameRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	table, err := s.resolveTable(ctx, mux.Vars(r)["name"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	m, err := s.deps.Engine.RenameTable(ctx, table, req.NewName)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, m)
}

func (s *Server) renameField(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	vars := mux.Vars(r)
	var req RenameRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	table, err := s.resolveTable(ctx, vars["name"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	m, err := s.deps.Engine.RenameField(ctx, table, vars["field"], req.NewName)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, m)
}

// Records

func (s *Server) addRecord(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var fields map[string]any
	if err := s.decode(r, &fields); err != nil {
		s.writeError(w, r, err)
		return
	}
	table, err := s.resolveTable(ctx, mux.Vars(r)["name"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	id, err := s.deps.Items.Add(ctx, table, fields)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, AddRecordResponse{ID: id})
}

func (s *Server) listRecords(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, r, errdefs.InvalidArgument("invalid limit %q", v))
			return
		}
		limit = n
	}
	table, err := s.resolveTable(ctx, mux.Vars(r)["name"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	records := []*types.Record{}
	for rec, err := range s.deps.Items.List(ctx, table) {
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		records = append(records, rec)
		if limit > 0 && len(records) == limit {
			break
		}
	}
	s.writeJSON(w, http.StatusOK, listRecordsResponse{Records: records})
}

func (s *Server) getRecord(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	table, id, err := s.recordRef(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	rec, err := s.deps.Items.Get(ctx, table, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

func (s *Server) updateRecord(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var partial map[string]any
	if err := s.decode(r, &partial); err != nil {
		s.writeError(w, r, err)
		return
	}
	table, id, err := s.recordRef(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.deps.Items.Update(ctx, table, id, partial); err != nil {
		s.writeError(w, r, err)
		return
	}
	rec, err := s.deps.Items.Get(ctx, table, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

func (s *Server) deleteRecord(w http.ResponseWriter, r *http.Request) {
	table, id, err := s.recordRef(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.deps.Items.Delete(r.Context(), table, id); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Migrations

func (s *Server) listMigrations(w http.ResponseWriter, r *http.Request) {
	migrations, err := s.deps.Engine.List(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if migrations == nil {
		migrations = []*types.Migration{}
	}
	s.writeJSON(w, http.StatusOK, listMigrationsResponse{Migrations: migrations})
}

func (s *Server) getMigration(w http.ResponseWriter, r *http.Request) {
	m, err := s.deps.Engine.Get(r.Context(), migrationID(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, m)
}

func (s *Server) resumeMigration(w http.ResponseWriter, r *http.Request) {
	m, err := s.deps.Engine.Resume(r.Context(), migrationID(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, m)
}

func (s *Server) rollbackMigration(w http.ResponseWriter, r *http.Request) {
	m, err := s.deps.Engine.Rollback(r.Context(), migrationID(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, m)
}

// resolveTable maps a table name or alias to the table name. Names with
// no schema are used as given.
func (s *Server) resolveTable(ctx context.Context, ref string) (string, error) {
	schema, err := s.deps.Registry.Lookup(ctx, ref)
	switch {
	case err == nil:
		return schema.TableName, nil
	case errors.Is(err, errdefs.ErrNotFound):
		return ref, nil
	default:
		return "", err
	}
}

func (s *Server) recordRef(r *http.Request) (string, int64, error) {
	vars := mux.Vars(r)
	id, err := strconv.ParseInt(vars["id"], 10, 64)
	if err != nil {
		return "", 0, errdefs.InvalidArgument("invalid record id %q", vars["id"])
	}
	table, err := s.resolveTable(r.Context(), vars["name"])
	if err != nil {
		return "", 0, err
	}
	return table, id, nil
}

func migrationID(r *http.Request) string {
	vars := mux.Vars(r)
	return types.MigrationID(types.MigrationKind(vars["kind"]), vars["table"])
}
