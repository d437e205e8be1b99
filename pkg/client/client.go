package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/burrow/pkg/api"
	"github.com/cuemby/burrow/pkg/errdefs"
	"github.com/cuemby/burrow/pkg/types"
)

// Client talks to a burrow HTTP API
type Client struct {
	base string
	http *http.Client
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient replaces the default http.Client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// NewClient creates a client for the API at addr. A bare host:port is
// treated as http://host:port.
func NewClient(addr string, opts ...Option) (*Client, error) {
	if addr == "" {
		return nil, errdefs.InvalidArgument("server address is empty")
	}
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	u, err := url.Parse(addr)
	if err != nil {
		return nil, errdefs.InvalidArgument("invalid server address %q: %v", addr, err)
	}
	c := &Client{
		base: strings.TrimRight(u.String(), "/"),
		http: &http.Client{Timeout: 60 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Health returns the liveness report
func (c *Client) Health(ctx context.Context) (*api.HealthResponse, error) {
	var out api.HealthResponse
	if err := c.do(ctx, http.MethodGet, "/health", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Ready returns the readiness report. A not-ready server yields the
// report together with an error.
func (c *Client) Ready(ctx context.Context) (*api.ReadyResponse, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/ready", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach %s: %w", c.base, err)
	}
	defer resp.Body.Close()

	var out api.ReadyResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode readiness: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return &out, fmt.Errorf("server not ready: %s", out.Message)
	}
	return &out, nil
}

// RegisterSchema registers a table schema
func (c *Client) RegisterSchema(ctx context.Context, tableName, alias string, fields map[string]types.FieldDescriptor) (*types.TableSchema, error) {
	var out types.TableSchema
	body := api.RegisterSchemaRequest{TableName: tableName, Alias: alias, Fields: fields}
	if err := c.do(ctx, http.MethodPost, "/schemas", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// LookupSchema finds a schema by table name or alias
func (c *Client) LookupSchema(ctx context.Context, ref string) (*types.TableSchema, error) {
	var out types.TableSchema
	if err := c.do(ctx, http.MethodGet, "/schemas/"+url.PathEscape(ref), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListSchemas returns every registered schema
func (c *Client) ListSchemas(ctx context.Context) ([]*types.TableSchema, error) {
	var out struct {
		Schemas []*types.TableSchema `json:"schemas"`
	}
	if err := c.do(ctx, http.MethodGet, "/schemas", nil, &out); err != nil {
		return nil, err
	}
	return out.Schemas, nil
}

// UpdateSchema applies patch to the schema of tableName
func (c *Client) UpdateSchema(ctx context.Context, tableName string, patch types.SchemaPatch) (*types.TableSchema, error) {
	var out types.TableSchema
	if err := c.do(ctx, http.MethodPatch, "/schemas/"+url.PathEscape(tableName), patch, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UnregisterSchema removes the schema of tableName
func (c *Client) UnregisterSchema(ctx context.Context, tableName string) error {
	return c.do(ctx, http.MethodDelete, "/schemas/"+url.PathEscape(tableName), nil, nil)
}

// ListTables returns every table in the store
func (c *Client) ListTables(ctx context.Context) ([]string, error) {
	var out struct {
		Tables []string `json:"tables"`
	}
	if err := c.do(ctx, http.MethodGet, "/tables", nil, &out); err != nil {
		return nil, err
	}
	return out.Tables, nil
}

// DropTable deletes a table
func (c *Client) DropTable(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodDelete, "/tables/"+url.PathEscape(name), nil, nil)
}

// AddRecord inserts a record and returns its id
func (c *Client) AddRecord(ctx context.Context, table string, fields map[string]any) (int64, error) {
	var out api.AddRecordResponse
	if err := c.do(ctx, http.MethodPost, recordsPath(table), fields, &out); err != nil {
		return 0, err
	}
	return out.ID, nil
}

// GetRecord fetches a record by id
func (c *Client) GetRecord(ctx context.Context, table string, id int64) (*types.Record, error) {
	var out types.Record
	if err := c.do(ctx, http.MethodGet, recordPath(table, id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListRecords returns up to limit records, or all of them when limit is 0
func (c *Client) ListRecords(ctx context.Context, table string, limit int) ([]*types.Record, error) {
	path := recordsPath(table)
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out struct {
		Records []*types.Record `json:"records"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Records, nil
}

// UpdateRecord merges partial into a record and returns the result
func (c *Client) UpdateRecord(ctx context.Context, table string, id int64, partial map[string]any) (*types.Record, error) {
	var out types.Record
	if err := c.do(ctx, http.MethodPatch, recordPath(table, id), partial, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteRecord removes a record
func (c *Client) DeleteRecord(ctx context.Context, table string, id int64) error {
	return c.do(ctx, http.MethodDelete, recordPath(table, id), nil, nil)
}

// RenameTable starts or resumes a table rename and waits for it
func (c *Client) RenameTable(ctx context.Context, table, newName string) (*types.Migration, error) {
	var out types.Migration
	path := "/tables/" + url.PathEscape(table) + "/rename"
	if err := c.do(ctx, http.MethodPost, path, api.RenameRequest{NewName: newName}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RenameField starts or resumes a field rename and waits for it
func (c *Client) RenameField(ctx context.Context, table, field, newName string) (*types.Migration, error) {
	var out types.Migration
	path := "/tables/" + url.PathEscape(table) + "/fields/" + url.PathEscape(field) + "/rename"
	if err := c.do(ctx, http.MethodPost, path, api.RenameRequest{NewName: newName}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListMigrations returns every recorded migration
func (c *Client) ListMigrations(ctx context.Context) ([]*types.Migration, error) {
	var out struct {
		Migrations []*types.Migration `json:"migrations"`
	}
	if err := c.do(ctx, http.MethodGet, "/migrations", nil, &out); err != nil {
		return nil, err
	}
	return out.Migrations, nil
}

// GetMigration fetches a migration by id
func (c *Client) GetMigration(ctx context.Context, id string) (*types.Migration, error) {
	var out types.Migration
	if err := c.do(ctx, http.MethodGet, "/migrations/"+id, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ResumeMigration continues an unfinished migration
func (c *Client) ResumeMigration(ctx context.Context, id string) (*types.Migration, error) {
	var out types.Migration
	if err := c.do(ctx, http.MethodPost, "/migrations/"+id+"/resume", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RollbackMigration abandons an unfinished migration
func (c *Client) RollbackMigration(ctx context.Context, id string) (*types.Migration, error) {
	var out types.Migration
	if err := c.do(ctx, http.MethodPost, "/migrations/"+id+"/rollback", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func recordsPath(table string) string {
	return "/tables/" + url.PathEscape(table) + "/records"
}

func recordPath(table string, id int64) string {
	return recordsPath(table) + "/" + strconv.FormatInt(id, 10)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, r)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

// do sends a request and decodes a 2xx body into out. Error responses
// are mapped back onto the errdefs sentinels.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach %s: %w", c.base, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e api.ErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&e)
		if e.Error == "" {
			e.Error = resp.Status
		}
		return statusError(resp.StatusCode, e.Error)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

var sentinels = []error{
	errdefs.ErrSchemaNotFound, errdefs.ErrFieldNotFound, errdefs.ErrNotFound,
	errdefs.ErrAlreadyExists, errdefs.ErrAmbiguous, errdefs.ErrInvalidState,
	errdefs.ErrInvalidArgument, errdefs.ErrMigrationInProgress, errdefs.ErrTimeout,
	errdefs.ErrIDExhausted, errdefs.ErrStoreFault,
}

// statusError rebuilds a classified error from a response. Server errors
// end with their sentinel's text; otherwise the status code decides.
func statusError(code int, msg string) error {
	for _, s := range sentinels {
		if strings.HasSuffix(msg, s.Error()) {
			return fmt.Errorf("%s: %w", strings.TrimSuffix(strings.TrimSuffix(msg, s.Error()), ": "), s)
		}
	}

	var sentinel error
	switch code {
	case http.StatusNotFound:
		sentinel = errdefs.ErrNotFound
	case http.StatusConflict:
		sentinel = errdefs.ErrInvalidState
	case http.StatusBadRequest:
		sentinel = errdefs.ErrInvalidArgument
	case http.StatusLocked:
		sentinel = errdefs.ErrMigrationInProgress
	case http.StatusGatewayTimeout:
		sentinel = errdefs.ErrTimeout
	default:
		return fmt.Errorf("server error (%d): %s", code, msg)
	}
	return fmt.Errorf("%s: %w", msg, sentinel)
}
