package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/cuemby/burrow/pkg/errdefs"
)

var (
	// ErrTableExists is returned by CreateTable when the name is taken
	ErrTableExists = fmt.Errorf("table exists: %w", errdefs.ErrAlreadyExists)
	// ErrTableNotFound is returned when a table is absent or not yet active
	ErrTableNotFound = fmt.Errorf("table not found: %w", errdefs.ErrNotFound)
	// ErrItemNotFound is returned by GetItem when the key is absent
	ErrItemNotFound = fmt.Errorf("item not found: %w", errdefs.ErrNotFound)
	// ErrConditionFailed is returned when a conditional write does not apply
	ErrConditionFailed = fmt.Errorf("condition failed: %w", errdefs.ErrInvalidState)
)

// Store defines the table-oriented key-value store burrow runs on.
// Implementations must be safe for concurrent use.
type Store interface {
	// Tables
	CreateTable(ctx context.Context, name string, key KeySchema) error
	DescribeTable(ctx context.Context, name string) (*TableDescription, error)
	DeleteTable(ctx context.Context, name string) error
	ListTables(ctx context.Context) ([]string, error)

	// Items
	PutItem(ctx context.Context, table string, item Item, cond Condition) error
	GetItem(ctx context.Context, table string, key Key) (Item, error)
	UpdateItem(ctx context.Context, table string, key Key, upd Update, cond Condition) error
	DeleteItem(ctx context.Context, table string, key Key) error
	Scan(ctx context.Context, table string, startAfter Key, limit int) (*Page, error)

	// Utility
	Close() error
}

// Item is a stored record: attribute name to value
type Item map[string]any

// Key identifies an item: the key attributes of its table
type Key map[string]any

// AttributeType is the type of a key attribute
type AttributeType string

const (
	AttributeNumber AttributeType = "N"
	AttributeString AttributeType = "S"
)

// KeyAttribute is one component of a primary key
type KeyAttribute struct {
	Name string        `json:"name"`
	Type AttributeType `json:"type"`
}

// KeySchema is an ordered primary key: a hash attribute and an optional range attribute
type KeySchema []KeyAttribute

// IDKey is the key schema of every data table
var IDKey = KeySchema{{Name: "id", Type: AttributeNumber}}

// Validate checks the schema has one or two well-typed attributes
func (k KeySchema) Validate() error {
	if len(k) == 0 || len(k) > 2 {
		return errdefs.InvalidArgument("key schema needs one or two attributes, got %d", len(k))
	}
	seen := make(map[string]bool, len(k))
	for _, a := range k {
		if a.Name == "" {
			return errdefs.InvalidArgument("key attribute name is empty")
		}
		if seen[a.Name] {
			return errdefs.InvalidArgument("duplicate key attribute %q", a.Name)
		}
		seen[a.Name] = true
		if a.Type != AttributeNumber && a.Type != AttributeString {
			return errdefs.InvalidArgument("key attribute %q has unsupported type %q", a.Name, a.Type)
		}
	}
	return nil
}

// KeyOf extracts the key attributes of item
func (k KeySchema) KeyOf(item Item) (Key, error) {
	key := make(Key, len(k))
	for _, a := range k {
		v, ok := item[a.Name]
		if !ok {
			return nil, errdefs.InvalidArgument("item is missing key attribute %q", a.Name)
		}
		key[a.Name] = v
	}
	return key, nil
}

// Condition guards a write
type Condition int

const (
	// NoCondition always applies the write
	NoCondition Condition = iota
	// IfNotExists applies the write only when the key is absent
	IfNotExists
	// IfExists applies the write only when the key is present
	IfExists
)

// Update is a targeted change to an item: attributes to set and attributes to remove
type Update struct {
	Set    map[string]any
	Remove []string
}

// Page is one page of a scan. A nil LastKey means the scan is complete.
type Page struct {
	Items   []Item
	LastKey Key
}

// TableStatus is the store-reported state of a table
type TableStatus string

const (
	TableCreating TableStatus = "CREATING"
	TableActive   TableStatus = "ACTIVE"
	TableDeleting TableStatus = "DELETING"
)

// TableDescription describes a table
type TableDescription struct {
	Name      string      `json:"name"`
	Status    TableStatus `json:"status"`
	Key       KeySchema   `json:"key"`
	CreatedAt time.Time   `json:"createdAt"`
	ItemCount int64       `json:"itemCount"`
}

// ToInt64 converts a decoded numeric value to int64. Values with a
// fractional part or outside the int64 range are rejected.
func ToInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint:
		return int64(n), n <= math.MaxInt64
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		return int64(n), n <= math.MaxInt64
	case float32:
		return floatToInt64(float64(n))
	case float64:
		return floatToInt64(n)
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, true
		}
		f, err := n.Float64()
		if err != nil {
			return 0, false
		}
		return floatToInt64(f)
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		return i, err == nil
	}
	return 0, false
}

func floatToInt64(f float64) (int64, bool) {
	if f != math.Trunc(f) || f < math.MinInt64 || f > math.MaxInt64 {
		return 0, false
	}
	return int64(f), true
}
