package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/cuemby/burrow/pkg/errdefs"
	"github.com/cuemby/burrow/pkg/events"
	"github.com/cuemby/burrow/pkg/lifecycle"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/storage"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/rs/zerolog"
)

const (
	// TableName is the control table holding one schema per managed table
	TableName = lifecycle.ControlPrefix + "registry"

	// FormatVersion is stored in the bookkeeping record
	FormatVersion = 1

	keyAttr        = "tableName"
	bookkeepingKey = "__registry__"
)

// Key is the key schema of the registry table
var Key = storage.KeySchema{{Name: keyAttr, Type: storage.AttributeString}}

// Registry maps table names and aliases to declared field schemas
type Registry struct {
	tables    *lifecycle.Manager
	store     storage.Store
	publisher events.Publisher
	now       func() time.Time
	logger    zerolog.Logger
}

// New creates a registry. Call Init before use.
func New(lm *lifecycle.Manager, publisher events.Publisher) *Registry {
	if publisher == nil {
		publisher = events.Discard
	}
	return &Registry{
		tables:    lm,
		store:     lm.Store(),
		publisher: publisher,
		now:       time.Now,
		logger:    log.WithComponent("registry"),
	}
}

// Init ensures the registry table and its bookkeeping record exist
func (r *Registry) Init(ctx context.Context) error {
	if err := r.tables.EnsureActive(ctx, TableName, Key); err != nil {
		return fmt.Errorf("failed to initialize registry: %w", err)
	}
	err := r.store.PutItem(ctx, TableName, storage.Item{
		keyAttr:     bookkeepingKey,
		"version":   FormatVersion,
		"createdAt": r.now().UTC().Format(time.RFC3339Nano),
	}, storage.IfNotExists)
	if err != nil && !errors.Is(err, storage.ErrConditionFailed) {
		return errdefs.Fault("initialize registry", err)
	}
	r.logger.Debug().Msg("Registry initialized")
	return nil
}

// Register writes the schema for name and creates its data table. An
// existing schema for name is replaced; its creation time is kept.
func (r *Registry) Register(ctx context.Context, name, alias string, fields map[string]types.FieldDescriptor) (*types.TableSchema, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	if alias == bookkeepingKey || (alias != "" && lifecycle.IsControlTable(alias)) {
		return nil, errdefs.InvalidArgument("alias %q is reserved", alias)
	}
	if err := validFields(fields); err != nil {
		return nil, err
	}

	schemas, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	if err := r.checkNames(ctx, schemas, name, alias); err != nil {
		return nil, err
	}

	now := r.now().UTC()
	schema := &types.TableSchema{
		TableName:   name,
		Alias:       alias,
		Fields:      copyFields(fields),
		CreatedAt:   now,
		LastUpdated: now,
	}
	for _, s := range schemas {
		if s.TableName == name {
			schema.CreatedAt = s.CreatedAt
		}
	}

	if err := r.put(ctx, schema); err != nil {
		return nil, err
	}
	if err := r.tables.EnsureActive(ctx, name, storage.IDKey); err != nil {
		return nil, err
	}

	logger := log.WithTable(r.logger, name)
	logger.Info().Str("alias", alias).Int("fields", len(fields)).Msg("Schema registered")
	r.publish(events.EventSchemaRegistered, name, "schema registered")
	return schema, nil
}

// Lookup resolves id by table name first, then by alias
func (r *Registry) Lookup(ctx context.Context, id string) (*types.TableSchema, error) {
	schema, err := r.Get(ctx, id)
	if err == nil || !errors.Is(err, errdefs.ErrNotFound) {
		return schema, err
	}

	schemas, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	var matches []*types.TableSchema
	for _, s := range schemas {
		if s.Alias != "" && s.Alias == id {
			matches = append(matches, s)
		}
	}
	switch len(matches) {
	case 0:
		return nil, errdefs.NotFound("schema", id)
	case 1:
		return matches[0], nil
	}
	names := make([]string, len(matches))
	for i, s := range matches {
		names[i] = s.TableName
	}
	return nil, fmt.Errorf("alias %q matches %v: %w", id, names, errdefs.ErrAmbiguous)
}

// Get returns the schema registered under exactly name
func (r *Registry) Get(ctx context.Context, name string) (*types.TableSchema, error) {
	if name == bookkeepingKey {
		return nil, errdefs.NotFound("schema", name)
	}
	item, err := r.store.GetItem(ctx, TableName, storage.Key{keyAttr: name})
	if errors.Is(err, storage.ErrItemNotFound) || errors.Is(err, storage.ErrTableNotFound) {
		return nil, errdefs.NotFound("schema", name)
	}
	if err != nil {
		return nil, errdefs.Fault("get schema", err)
	}
	return decodeSchema(item)
}

// List returns every registered schema sorted by table name
func (r *Registry) List(ctx context.Context) ([]*types.TableSchema, error) {
	var schemas []*types.TableSchema
	var start storage.Key
	for {
		page, err := r.store.Scan(ctx, TableName, start, 0)
		if errors.Is(err, storage.ErrTableNotFound) {
			break
		}
		if err != nil {
			return nil, errdefs.Fault("list schemas", err)
		}
		for _, item := range page.Items {
			if item[keyAttr] == bookkeepingKey {
				continue
			}
			schema, err := decodeSchema(item)
			if err != nil {
				return nil, err
			}
			schemas = append(schemas, schema)
		}
		if page.LastKey == nil {
			break
		}
		start = page.LastKey
	}
	sort.Slice(schemas, func(i, j int) bool {
		return schemas[i].TableName < schemas[j].TableName
	})
	return schemas, nil
}

// UpdateFields merges patch into the schema for name. A nil descriptor
// in patch.Fields removes that field.
func (r *Registry) UpdateFields(ctx context.Context, name string, patch types.SchemaPatch) (*types.TableSchema, error) {
	schema, err := r.Get(ctx, name)
	if err != nil {
		return nil, err
	}

	if patch.Alias != nil && *patch.Alias != schema.Alias {
		schemas, err := r.List(ctx)
		if err != nil {
			return nil, err
		}
		if err := r.checkAlias(ctx, schemas, name, *patch.Alias); err != nil {
			return nil, err
		}
		schema.Alias = *patch.Alias
	}
	for field, desc := range patch.Fields {
		if desc == nil {
			delete(schema.Fields, field)
			continue
		}
		if err := validField(field, *desc); err != nil {
			return nil, err
		}
		schema.Fields[field] = *desc
	}
	schema.LastUpdated = r.now().UTC()

	if err := r.put(ctx, schema); err != nil {
		return nil, err
	}
	logger := log.WithTable(r.logger, name)
	logger.Info().Msg("Schema updated")
	r.publish(events.EventSchemaUpdated, name, "schema updated")
	return schema, nil
}

// Unregister removes the schema for name. The data table is left in place.
func (r *Registry) Unregister(ctx context.Context, name string) error {
	if _, err := r.Get(ctx, name); err != nil {
		return err
	}
	if err := r.store.DeleteItem(ctx, TableName, storage.Key{keyAttr: name}); err != nil {
		return errdefs.Fault("unregister schema", err)
	}
	logger := log.WithTable(r.logger, name)
	logger.Info().Msg("Schema unregistered")
	r.publish(events.EventSchemaUnregistered, name, "schema unregistered")
	return nil
}

// DropTable deletes the data table name together with its schema. A schema
// left behind by a table that is already gone is removed as well; when
// neither exists the table's ErrNotFound is returned.
func (r *Registry) DropTable(ctx context.Context, name string) error {
	if lifecycle.IsControlTable(name) {
		return errdefs.InvalidArgument("control table %q cannot be dropped", name)
	}
	dropErr := r.tables.DropTable(ctx, name)
	if dropErr != nil && !errors.Is(dropErr, errdefs.ErrNotFound) {
		return dropErr
	}
	err := r.Unregister(ctx, name)
	switch {
	case errors.Is(err, errdefs.ErrNotFound):
		return dropErr
	case err != nil:
		return err
	}
	return nil
}

// MoveField renames a declared field, keeping its descriptor
func (r *Registry) MoveField(ctx context.Context, name, oldField, newField string) error {
	schema, err := r.Get(ctx, name)
	if errors.Is(err, errdefs.ErrNotFound) {
		return fmt.Errorf("table %q: %w", name, errdefs.ErrSchemaNotFound)
	}
	if err != nil {
		return err
	}
	if err := CheckMove(schema, oldField, newField); err != nil {
		return err
	}

	schema.Fields[newField] = schema.Fields[oldField]
	delete(schema.Fields, oldField)
	schema.LastUpdated = r.now().UTC()
	if err := r.put(ctx, schema); err != nil {
		return err
	}
	logger := log.WithTable(r.logger, name)
	logger.Info().Str("from", oldField).Str("to", newField).Msg("Schema field moved")
	r.publish(events.EventSchemaUpdated, name, fmt.Sprintf("field %s renamed to %s", oldField, newField))
	return nil
}

// CheckMove reports whether oldField can be renamed to newField in schema
func CheckMove(schema *types.TableSchema, oldField, newField string) error {
	if oldField == newField {
		return errdefs.InvalidArgument("field %q renamed to itself", oldField)
	}
	if err := validFieldName(newField); err != nil {
		return err
	}
	if _, ok := schema.Fields[oldField]; !ok {
		return fmt.Errorf("field %q in table %q: %w", oldField, schema.TableName, errdefs.ErrFieldNotFound)
	}
	if _, ok := schema.Fields[newField]; ok {
		return errdefs.AlreadyExists("field", newField)
	}
	return nil
}

// Rename re-keys the schema for oldName under newName, keeping its alias
// and fields. Renaming to a name that already holds the moved schema is a no-op.
func (r *Registry) Rename(ctx context.Context, oldName, newName string) error {
	if err := validName(newName); err != nil {
		return err
	}
	schema, err := r.Get(ctx, oldName)
	if errors.Is(err, errdefs.ErrNotFound) {
		if _, nerr := r.Get(ctx, newName); nerr == nil {
			return nil
		}
		return err
	}
	if err != nil {
		return err
	}
	if _, err := r.Get(ctx, newName); err == nil {
		return errdefs.AlreadyExists("schema", newName)
	}

	schema.TableName = newName
	schema.LastUpdated = r.now().UTC()
	if err := r.put(ctx, schema); err != nil {
		return err
	}
	if err := r.store.DeleteItem(ctx, TableName, storage.Key{keyAttr: oldName}); err != nil {
		return errdefs.Fault("rename schema", err)
	}
	logger := log.WithTable(r.logger, newName)
	logger.Info().Str("from", oldName).Msg("Schema renamed")
	r.publish(events.EventSchemaUpdated, newName, fmt.Sprintf("schema renamed from %s", oldName))
	return nil
}

// checkNames enforces that name and alias do not collide with other schemas
func (r *Registry) checkNames(ctx context.Context, schemas []*types.TableSchema, name, alias string) error {
	for _, s := range schemas {
		if s.TableName != name && s.Alias == name {
			return fmt.Errorf("table name %q is the alias of %q: %w", name, s.TableName, errdefs.ErrAlreadyExists)
		}
	}
	return r.checkAlias(ctx, schemas, name, alias)
}

// checkAlias enforces alias uniqueness across schemas and table names
func (r *Registry) checkAlias(ctx context.Context, schemas []*types.TableSchema, name, alias string) error {
	if alias == "" || alias == name {
		return nil
	}
	for _, s := range schemas {
		if s.TableName == name {
			continue
		}
		if s.Alias == alias {
			return fmt.Errorf("alias %q is used by %q: %w", alias, s.TableName, errdefs.ErrAlreadyExists)
		}
		if s.TableName == alias {
			return fmt.Errorf("alias %q is a registered table: %w", alias, errdefs.ErrAlreadyExists)
		}
	}
	exists, err := r.tables.Exists(ctx, alias)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("alias %q is an existing table: %w", alias, errdefs.ErrAlreadyExists)
	}
	return nil
}

func (r *Registry) put(ctx context.Context, schema *types.TableSchema) error {
	item, err := encodeSchema(schema)
	if err != nil {
		return err
	}
	if err := r.store.PutItem(ctx, TableName, item, storage.NoCondition); err != nil {
		if errors.Is(err, storage.ErrTableNotFound) {
			return fmt.Errorf("registry not initialized: %w", err)
		}
		return errdefs.Fault("put schema", err)
	}
	return nil
}

func (r *Registry) publish(t events.EventType, table, msg string) {
	r.publisher.Publish(&events.Event{
		Type:     t,
		Message:  fmt.Sprintf("%s: %s", table, msg),
		Metadata: map[string]string{"table": table},
	})
}

func encodeSchema(schema *types.TableSchema) (storage.Item, error) {
	data, err := json.Marshal(schema)
	if err != nil {
		return nil, errdefs.InvalidArgument("schema is not serializable: %v", err)
	}
	var item storage.Item
	if err := json.Unmarshal(data, &item); err != nil {
		return nil, err
	}
	return item, nil
}

func decodeSchema(item storage.Item) (*types.TableSchema, error) {
	data, err := json.Marshal(item)
	if err != nil {
		return nil, errdefs.Fault("decode schema", err)
	}
	var schema types.TableSchema
	if err := json.Unmarshal(data, &schema); err != nil {
		return nil, errdefs.Fault("decode schema", err)
	}
	if schema.Fields == nil {
		schema.Fields = make(map[string]types.FieldDescriptor)
	}
	return &schema, nil
}

func copyFields(fields map[string]types.FieldDescriptor) map[string]types.FieldDescriptor {
	out := make(map[string]types.FieldDescriptor, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}
