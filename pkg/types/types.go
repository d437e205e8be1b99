package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// Reserved attribute names carried by every data table record
const (
	AttrID          = "id"
	AttrLastUpdated = "lastUpdated"
)

// Record is a single row of a data table
type Record struct {
	ID          int64
	Fields      map[string]any
	LastUpdated time.Time
}

// MarshalJSON flattens the record so fields sit next to id and lastUpdated
func (r *Record) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(r.Fields)+2)
	for k, v := range r.Fields {
		out[k] = v
	}
	out[AttrID] = r.ID
	out[AttrLastUpdated] = r.LastUpdated.UTC().Format(time.RFC3339Nano)
	return json.Marshal(out)
}

// UnmarshalJSON reverses MarshalJSON
func (r *Record) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	r.Fields = make(map[string]any, len(raw))
	for k, v := range raw {
		switch k {
		case AttrID:
			if err := json.Unmarshal(v, &r.ID); err != nil {
				return fmt.Errorf("record id: %w", err)
			}
		case AttrLastUpdated:
			if err := json.Unmarshal(v, &r.LastUpdated); err != nil {
				return fmt.Errorf("record lastUpdated: %w", err)
			}
		default:
			var val any
			if err := json.Unmarshal(v, &val); err != nil {
				return err
			}
			r.Fields[k] = val
		}
	}
	return nil
}

// FieldType is the declared type of a schema field
type FieldType string

const (
	FieldTypeNumber  FieldType = "Number"
	FieldTypeString  FieldType = "String"
	FieldTypeBoolean FieldType = "Boolean"
	FieldTypeArray   FieldType = "Array"
	FieldTypeObject  FieldType = "Object"
)

// Valid reports whether t is one of the declared field types
func (t FieldType) Valid() bool {
	switch t {
	case FieldTypeNumber, FieldTypeString, FieldTypeBoolean, FieldTypeArray, FieldTypeObject:
		return true
	}
	return false
}

// FieldDescriptor describes one field of a table schema
type FieldDescriptor struct {
	Type     FieldType `json:"type" yaml:"type"`
	Required bool      `json:"required" yaml:"required"`
}

// TableSchema is the registry entry for a managed table
type TableSchema struct {
	TableName   string                     `json:"tableName"`
	Alias       string                     `json:"alias,omitempty"`
	Fields      map[string]FieldDescriptor `json:"fields"`
	CreatedAt   time.Time                  `json:"createdAt"`
	LastUpdated time.Time                  `json:"lastUpdated"`
}

// Clone returns a deep copy of the schema
func (s *TableSchema) Clone() *TableSchema {
	c := *s
	c.Fields = make(map[string]FieldDescriptor, len(s.Fields))
	for k, v := range s.Fields {
		c.Fields[k] = v
	}
	return &c
}

// SchemaPatch is a partial update of a TableSchema.
// A nil descriptor removes the field.
type SchemaPatch struct {
	Alias  *string                     `json:"alias,omitempty"`
	Fields map[string]*FieldDescriptor `json:"fields,omitempty"`
}

// MigrationKind identifies the migration procedure
type MigrationKind string

const (
	MigrationRenameTable MigrationKind = "rename_table"
	MigrationRenameField MigrationKind = "rename_field"
)

// MigrationState is the persisted progress of a migration
type MigrationState string

const (
	MigrationPending    MigrationState = "pending"
	MigrationCopying    MigrationState = "copying"
	MigrationCopied     MigrationState = "copied"
	MigrationDone       MigrationState = "done"
	MigrationFailed     MigrationState = "failed"
	MigrationRolledBack MigrationState = "rolled_back"
)

// Finished reports whether no further step will run for this state
func (s MigrationState) Finished() bool {
	return s == MigrationDone || s == MigrationRolledBack
}

// Migration records one table or field rename
type Migration struct {
	ID         string         `json:"id"`
	Kind       MigrationKind  `json:"kind"`
	Table      string         `json:"table"`
	Target     string         `json:"target,omitempty"`
	OldField   string         `json:"oldField,omitempty"`
	NewField   string         `json:"newField,omitempty"`
	State      MigrationState `json:"state"`
	Copied     int            `json:"copied"`
	Error      string         `json:"error,omitempty"`
	ResumeFrom MigrationState `json:"resumeFrom,omitempty"`
	// Partial is set when a field rename is rolled back with records
	// already rewritten to NewField while others still carry OldField
	Partial    bool           `json:"partial,omitempty"`
	// Owner is the engine instance running the migration, cleared when a
	// run fails. Attempt counts the runs claimed under this id.
	Owner      string         `json:"owner,omitempty"`
	Attempt    int            `json:"attempt,omitempty"`
	StartedAt  time.Time      `json:"startedAt"`
	UpdatedAt  time.Time      `json:"updatedAt"`
	FinishedAt *time.Time     `json:"finishedAt,omitempty"`
}

// Stage returns the step a resume starts from: the recorded state, or
// for a failed migration the state it failed in
func (m *Migration) Stage() MigrationState {
	if m.State == MigrationFailed && m.ResumeFrom != "" {
		return m.ResumeFrom
	}
	return m.State
}

// MigrationID builds the identifier of the migration of kind on table
func MigrationID(kind MigrationKind, table string) string {
	return fmt.Sprintf("%s/%s", kind, table)
}
