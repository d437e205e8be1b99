package storage

import (
	"context"

	"github.com/cuemby/burrow/pkg/metrics"
)

// instrumentedStore counts every backend call in burrow_store_operations_total
type instrumentedStore struct {
	next Store
}

// Instrument wraps s so each operation is recorded by op and result
func Instrument(s Store) Store {
	if _, ok := s.(*instrumentedStore); ok {
		return s
	}
	return &instrumentedStore{next: s}
}

func (s *instrumentedStore) CreateTable(ctx context.Context, name string, key KeySchema) error {
	err := s.next.CreateTable(ctx, name, key)
	metrics.ObserveStoreOp("create_table", err)
	return err
}

func (s *instrumentedStore) DescribeTable(ctx context.Context, name string) (*TableDescription, error) {
	desc, err := s.next.DescribeTable(ctx, name)
	metrics.ObserveStoreOp("describe_table", err)
	return desc, err
}

func (s *instrumentedStore) DeleteTable(ctx context.Context, name string) error {
	err := s.next.DeleteTable(ctx, name)
	metrics.ObserveStoreOp("delete_table", err)
	return err
}

func (s *instrumentedStore) ListTables(ctx context.Context) ([]string, error) {
	names, err := s.next.ListTables(ctx)
	metrics.ObserveStoreOp("list_tables", err)
	return names, err
}

func (s *instrumentedStore) PutItem(ctx context.Context, table string, item Item, cond Condition) error {
	err := s.next.PutItem(ctx, table, item, cond)
	metrics.ObserveStoreOp("put_item", err)
	return err
}

func (s *instrumentedStore) GetItem(ctx context.Context, table string, key Key) (Item, error) {
	item, err := s.next.GetItem(ctx, table, key)
	metrics.ObserveStoreOp("get_item", err)
	return item, err
}

func (s *instrumentedStore) UpdateItem(ctx context.Context, table string, key Key, upd Update, cond Condition) error {
	err := s.next.UpdateItem(ctx, table, key, upd, cond)
	metrics.ObserveStoreOp("update_item", err)
	return err
}

func (s *instrumentedStore) DeleteItem(ctx context.Context, table string, key Key) error {
	err := s.next.DeleteItem(ctx, table, key)
	metrics.ObserveStoreOp("delete_item", err)
	return err
}

func (s *instrumentedStore) Scan(ctx context.Context, table string, startAfter Key, limit int) (*Page, error) {
	page, err := s.next.Scan(ctx, table, startAfter, limit)
	metrics.ObserveStoreOp("scan", err)
	return page, err
}

func (s *instrumentedStore) Close() error {
	return s.next.Close()
}
