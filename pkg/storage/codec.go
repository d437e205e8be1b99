package storage

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/cuemby/burrow/pkg/errdefs"
)

// encodeKey renders key as order-preserving bytes: numbers as sign-flipped
// big-endian uint64, strings raw, components joined by 0x00.
func encodeKey(schema KeySchema, key Key) ([]byte, error) {
	if len(key) != len(schema) {
		return nil, errdefs.InvalidArgument("key has %d attributes, table key has %d", len(key), len(schema))
	}

	var buf bytes.Buffer
	for i, a := range schema {
		v, ok := key[a.Name]
		if !ok {
			return nil, errdefs.InvalidArgument("key is missing attribute %q", a.Name)
		}
		if i > 0 {
			buf.WriteByte(0)
		}
		switch a.Type {
		case AttributeNumber:
			n, ok := ToInt64(v)
			if !ok {
				return nil, errdefs.InvalidArgument("key attribute %q must be an integer, got %T", a.Name, v)
			}
			var b [8]byte
			binary.BigEndian.PutUint64(b[:], uint64(n)^(1<<63))
			buf.Write(b[:])
		case AttributeString:
			s, ok := v.(string)
			if !ok {
				return nil, errdefs.InvalidArgument("key attribute %q must be a string, got %T", a.Name, v)
			}
			buf.WriteString(s)
		}
	}
	return buf.Bytes(), nil
}

// encodeItem serializes an item. Items round-trip through JSON so every
// backend hands back the same value shapes (float64 numbers, []any, map[string]any).
func encodeItem(item Item) ([]byte, error) {
	data, err := json.Marshal(item)
	if err != nil {
		return nil, errdefs.InvalidArgument("item is not serializable: %v", err)
	}
	return data, nil
}

func decodeItem(data []byte) (Item, error) {
	var item Item
	if err := json.Unmarshal(data, &item); err != nil {
		return nil, fmt.Errorf("corrupt item: %w", err)
	}
	return item, nil
}

// applyUpdate sets and removes attributes on item, refusing to touch key attributes
func applyUpdate(schema KeySchema, item Item, upd Update) error {
	for _, a := range schema {
		if _, ok := upd.Set[a.Name]; ok {
			return errdefs.InvalidArgument("cannot update key attribute %q", a.Name)
		}
		for _, r := range upd.Remove {
			if r == a.Name {
				return errdefs.InvalidArgument("cannot remove key attribute %q", a.Name)
			}
		}
	}
	for k, v := range upd.Set {
		item[k] = v
	}
	for _, k := range upd.Remove {
		delete(item, k)
	}
	return nil
}

// pageLimit normalizes a scan page size
func pageLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	return limit
}
