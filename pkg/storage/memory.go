package storage

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/cuemby/burrow/pkg/errdefs"
	"github.com/google/btree"
)

type memEntry struct {
	key  []byte
	data []byte
}

func memLess(a, b memEntry) bool {
	return bytes.Compare(a.key, b.key) < 0
}

type memTable struct {
	meta  tableMeta
	items *btree.BTreeG[memEntry]
}

// MemStore is an in-process Store. Items are kept encoded in an ordered
// B-tree per table, so reads hand out copies and scans are key ordered.
type MemStore struct {
	mu     sync.RWMutex
	tables map[string]*memTable
	opts   options
}

// NewMemStore creates an empty in-memory store
func NewMemStore(opts ...Option) *MemStore {
	return &MemStore{
		tables: make(map[string]*memTable),
		opts:   buildOptions(opts),
	}
}

func (s *MemStore) Close() error {
	return nil
}

func (s *MemStore) CreateTable(ctx context.Context, name string, key KeySchema) error {
	if name == "" {
		return errdefs.InvalidArgument("table name is empty")
	}
	if err := key.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tables[name]; ok {
		return fmt.Errorf("%s: %w", name, ErrTableExists)
	}
	s.tables[name] = &memTable{
		meta:  tableMeta{Name: name, Key: key, CreatedAt: s.opts.now().UTC()},
		items: btree.NewG(16, memLess),
	}
	return nil
}

func (s *MemStore) DescribeTable(ctx context.Context, name string) (*TableDescription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tables[name]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, ErrTableNotFound)
	}
	return &TableDescription{
		Name:      name,
		Status:    s.opts.status(&t.meta),
		Key:       t.meta.Key,
		CreatedAt: t.meta.CreatedAt,
		ItemCount: int64(t.items.Len()),
	}, nil
}

func (s *MemStore) DeleteTable(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tables[name]; !ok {
		return fmt.Errorf("%s: %w", name, ErrTableNotFound)
	}
	delete(s.tables, name)
	return nil
}

func (s *MemStore) ListTables(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.tables))
	for name := range s.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *MemStore) PutItem(ctx context.Context, table string, item Item, cond Condition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.active(table)
	if err != nil {
		return err
	}
	key, err := t.meta.Key.KeyOf(item)
	if err != nil {
		return err
	}
	k, err := encodeKey(t.meta.Key, key)
	if err != nil {
		return err
	}
	if err := checkCondition(cond, t.items.Has(memEntry{key: k})); err != nil {
		return err
	}
	data, err := encodeItem(item)
	if err != nil {
		return err
	}
	t.items.ReplaceOrInsert(memEntry{key: k, data: data})
	return nil
}

func (s *MemStore) GetItem(ctx context.Context, table string, key Key) (Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, err := s.active(table)
	if err != nil {
		return nil, err
	}
	k, err := encodeKey(t.meta.Key, key)
	if err != nil {
		return nil, err
	}
	e, ok := t.items.Get(memEntry{key: k})
	if !ok {
		return nil, ErrItemNotFound
	}
	return decodeItem(e.data)
}

func (s *MemStore) UpdateItem(ctx context.Context, table string, key Key, upd Update, cond Condition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.active(table)
	if err != nil {
		return err
	}
	k, err := encodeKey(t.meta.Key, key)
	if err != nil {
		return err
	}
	existing, ok := t.items.Get(memEntry{key: k})
	if err := checkCondition(cond, ok); err != nil {
		return err
	}

	item := Item{}
	if ok {
		if item, err = decodeItem(existing.data); err != nil {
			return err
		}
	} else {
		for name, v := range key {
			item[name] = v
		}
	}
	if err := applyUpdate(t.meta.Key, item, upd); err != nil {
		return err
	}
	data, err := encodeItem(item)
	if err != nil {
		return err
	}
	t.items.ReplaceOrInsert(memEntry{key: k, data: data})
	return nil
}

func (s *MemStore) DeleteItem(ctx context.Context, table string, key Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.active(table)
	if err != nil {
		return err
	}
	k, err := encodeKey(t.meta.Key, key)
	if err != nil {
		return err
	}
	t.items.Delete(memEntry{key: k})
	return nil
}

func (s *MemStore) Scan(ctx context.Context, table string, startAfter Key, limit int) (*Page, error) {
	limit = pageLimit(limit)
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, err := s.active(table)
	if err != nil {
		return nil, err
	}

	var start []byte
	if len(startAfter) > 0 {
		if start, err = encodeKey(t.meta.Key, startAfter); err != nil {
			return nil, err
		}
	}

	page := &Page{}
	var scanErr error
	var more bool
	t.items.AscendGreaterOrEqual(memEntry{key: start}, func(e memEntry) bool {
		if start != nil && bytes.Equal(e.key, start) {
			return true
		}
		if len(page.Items) == limit {
			more = true
			return false
		}
		item, err := decodeItem(e.data)
		if err != nil {
			scanErr = err
			return false
		}
		page.Items = append(page.Items, item)
		return true
	})
	if scanErr != nil {
		return nil, scanErr
	}
	if more {
		if page.LastKey, err = t.meta.Key.KeyOf(page.Items[len(page.Items)-1]); err != nil {
			return nil, err
		}
	}
	return page, nil
}

// active returns a table that has finished activating. Caller holds mu.
func (s *MemStore) active(name string) (*memTable, error) {
	t, ok := s.tables[name]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, ErrTableNotFound)
	}
	if s.opts.status(&t.meta) != TableActive {
		return nil, fmt.Errorf("%s is not active: %w", name, ErrTableNotFound)
	}
	return t, nil
}
