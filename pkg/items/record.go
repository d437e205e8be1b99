package items

import (
	"fmt"
	"time"

	"github.com/cuemby/burrow/pkg/errdefs"
	"github.com/cuemby/burrow/pkg/storage"
	"github.com/cuemby/burrow/pkg/types"
)

// ToRecord converts a stored item into a Record
func ToRecord(item storage.Item) (*types.Record, error) {
	id, ok := storage.ToInt64(item[types.AttrID])
	if !ok {
		return nil, errdefs.Fault("decode record", fmt.Errorf("item has no numeric id: %v", item[types.AttrID]))
	}

	rec := &types.Record{ID: id, Fields: make(map[string]any, len(item))}
	for k, v := range item {
		switch k {
		case types.AttrID:
		case types.AttrLastUpdated:
			if s, ok := v.(string); ok {
				if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
					rec.LastUpdated = ts
				}
			}
		default:
			rec.Fields[k] = v
		}
	}
	return rec, nil
}

// toItem renders fields plus the reserved attributes as a stored item
func toItem(id int64, fields map[string]any, ts time.Time) storage.Item {
	item := make(storage.Item, len(fields)+2)
	for k, v := range fields {
		item[k] = v
	}
	item[types.AttrID] = id
	item[types.AttrLastUpdated] = formatTime(ts)
	return item
}

func formatTime(ts time.Time) string {
	return ts.UTC().Format(time.RFC3339Nano)
}

// checkReserved rejects writes that name id or lastUpdated as a field
func checkReserved(names ...string) error {
	for _, name := range names {
		if name == types.AttrID || name == types.AttrLastUpdated {
			return errdefs.InvalidArgument("field name %q is reserved", name)
		}
		if name == "" {
			return errdefs.InvalidArgument("field name is empty")
		}
	}
	return nil
}

func fieldNames(fields map[string]any) []string {
	names := make([]string, 0, len(fields))
	for k := range fields {
		names = append(names, k)
	}
	return names
}
