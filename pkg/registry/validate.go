package registry

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"sort"

	"github.com/cuemby/burrow/pkg/errdefs"
	"github.com/cuemby/burrow/pkg/lifecycle"
	"github.com/cuemby/burrow/pkg/types"
)

// Validate checks fields against the schema registered for table.
// Unregistered tables and undeclared fields pass; declared fields must
// match their type, and full writes must carry every required field.
func (r *Registry) Validate(ctx context.Context, table string, fields map[string]any, partial bool) error {
	schema, err := r.Get(ctx, table)
	if errors.Is(err, errdefs.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return ValidateFields(schema, fields, partial)
}

// ValidateFields checks fields against schema
func ValidateFields(schema *types.TableSchema, fields map[string]any, partial bool) error {
	names := make([]string, 0, len(schema.Fields))
	for name := range schema.Fields {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		desc := schema.Fields[name]
		v, ok := fields[name]
		if !ok || v == nil {
			if desc.Required && (!partial || ok) {
				return errdefs.InvalidArgument("field %q is required in table %q", name, schema.TableName)
			}
			continue
		}
		if !matchesType(desc.Type, v) {
			return errdefs.InvalidArgument("field %q in table %q must be %s, got %T", name, schema.TableName, desc.Type, v)
		}
	}
	return nil
}

func matchesType(t types.FieldType, v any) bool {
	switch t {
	case types.FieldTypeString:
		_, ok := v.(string)
		return ok
	case types.FieldTypeBoolean:
		_, ok := v.(bool)
		return ok
	case types.FieldTypeNumber:
		if _, ok := v.(json.Number); ok {
			return true
		}
		switch reflect.TypeOf(v).Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
			reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
			reflect.Float32, reflect.Float64:
			return true
		}
	case types.FieldTypeArray:
		k := reflect.TypeOf(v).Kind()
		return k == reflect.Slice || k == reflect.Array
	case types.FieldTypeObject:
		rt := reflect.TypeOf(v)
		return rt.Kind() == reflect.Map && rt.Key().Kind() == reflect.String
	}
	return false
}

func validName(name string) error {
	switch {
	case name == "":
		return errdefs.InvalidArgument("table name is empty")
	case name == bookkeepingKey || lifecycle.IsControlTable(name):
		return errdefs.InvalidArgument("table name %q is reserved", name)
	}
	return nil
}

func validFieldName(name string) error {
	switch name {
	case "":
		return errdefs.InvalidArgument("field name is empty")
	case types.AttrID, types.AttrLastUpdated:
		return errdefs.InvalidArgument("field name %q is reserved", name)
	}
	return nil
}

func validField(name string, desc types.FieldDescriptor) error {
	if err := validFieldName(name); err != nil {
		return err
	}
	if !desc.Type.Valid() {
		return errdefs.InvalidArgument("field %q has unknown type %q", name, desc.Type)
	}
	return nil
}

func validFields(fields map[string]types.FieldDescriptor) error {
	for name, desc := range fields {
		if err := validField(name, desc); err != nil {
			return err
		}
	}
	return nil
}
