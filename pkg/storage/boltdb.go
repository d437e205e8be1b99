package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cuemby/burrow/pkg/errdefs"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketMeta   = []byte("_tables")
	bucketTables = []byte("tables")
)

// DBFile is the database file name inside the data directory
const DBFile = "burrow.db"

// BoltStore implements Store interface using BoltDB.
// Each table is a nested bucket under "tables"; descriptors live in "_tables".
type BoltStore struct {
	db   *bolt.DB
	opts options
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string, opts ...Option) (*BoltStore, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	dbPath := filepath.Join(dataDir, DBFile)

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketMeta, bucketTables} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db, opts: buildOptions(opts)}, nil
}

// BackupBolt writes a consistent copy of the database in dataDir to dst.
// The database is opened read-only, so it must not be held by another store.
func BackupBolt(dataDir, dst string) error {
	db, err := bolt.Open(filepath.Join(dataDir, DBFile), 0600, &bolt.Options{ReadOnly: true, Timeout: 5 * time.Second})
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	return db.View(func(tx *bolt.Tx) error {
		return tx.CopyFile(dst, 0600)
	})
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Path returns the database file path
func (s *BoltStore) Path() string {
	return s.db.Path()
}

// Table operations

func (s *BoltStore) CreateTable(ctx context.Context, name string, key KeySchema) error {
	if name == "" {
		return errdefs.InvalidArgument("table name is empty")
	}
	if err := key.Validate(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		if meta.Get([]byte(name)) != nil {
			return fmt.Errorf("%s: %w", name, ErrTableExists)
		}
		data, err := json.Marshal(&tableMeta{Name: name, Key: key, CreatedAt: s.opts.now().UTC()})
		if err != nil {
			return err
		}
		if _, err := tx.Bucket(bucketTables).CreateBucket([]byte(name)); err != nil {
			return fmt.Errorf("failed to create table bucket %s: %w", name, err)
		}
		return meta.Put([]byte(name), data)
	})
}

func (s *BoltStore) DescribeTable(ctx context.Context, name string) (*TableDescription, error) {
	var desc *TableDescription
	err := s.db.View(func(tx *bolt.Tx) error {
		m, err := readMeta(tx, name)
		if err != nil {
			return err
		}
		desc = &TableDescription{
			Name:      m.Name,
			Status:    s.opts.status(m),
			Key:       m.Key,
			CreatedAt: m.CreatedAt,
		}
		if b := tx.Bucket(bucketTables).Bucket([]byte(name)); b != nil {
			desc.ItemCount = int64(b.Stats().KeyN)
		}
		return nil
	})
	return desc, err
}

func (s *BoltStore) DeleteTable(ctx context.Context, name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		if meta.Get([]byte(name)) == nil {
			return fmt.Errorf("%s: %w", name, ErrTableNotFound)
		}
		tables := tx.Bucket(bucketTables)
		if tables.Bucket([]byte(name)) != nil {
			if err := tables.DeleteBucket([]byte(name)); err != nil {
				return err
			}
		}
		return meta.Delete([]byte(name))
	})
}

func (s *BoltStore) ListTables(ctx context.Context) ([]string, error) {
	var names []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMeta).ForEach(func(k, v []byte) error {
			names = append(names, string(k))
			return nil
		})
	})
	return names, err
}

// Item operations

func (s *BoltStore) PutItem(ctx context.Context, table string, item Item, cond Condition) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, m, err := s.activeBucket(tx, table)
		if err != nil {
			return err
		}
		key, err := m.Key.KeyOf(item)
		if err != nil {
			return err
		}
		k, err := encodeKey(m.Key, key)
		if err != nil {
			return err
		}
		if err := checkCondition(cond, b.Get(k) != nil); err != nil {
			return err
		}
		data, err := encodeItem(item)
		if err != nil {
			return err
		}
		return b.Put(k, data)
	})
}

func (s *BoltStore) GetItem(ctx context.Context, table string, key Key) (Item, error) {
	var item Item
	err := s.db.View(func(tx *bolt.Tx) error {
		b, m, err := s.activeBucket(tx, table)
		if err != nil {
			return err
		}
		k, err := encodeKey(m.Key, key)
		if err != nil {
			return err
		}
		data := b.Get(k)
		if data == nil {
			return ErrItemNotFound
		}
		item, err = decodeItem(data)
		return err
	})
	return item, err
}

func (s *BoltStore) UpdateItem(ctx context.Context, table string, key Key, upd Update, cond Condition) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, m, err := s.activeBucket(tx, table)
		if err != nil {
			return err
		}
		k, err := encodeKey(m.Key, key)
		if err != nil {
			return err
		}
		existing := b.Get(k)
		if err := checkCondition(cond, existing != nil); err != nil {
			return err
		}

		item := Item{}
		if existing != nil {
			if item, err = decodeItem(existing); err != nil {
				return err
			}
		} else {
			for name, v := range key {
				item[name] = v
			}
		}
		if err := applyUpdate(m.Key, item, upd); err != nil {
			return err
		}
		data, err := encodeItem(item)
		if err != nil {
			return err
		}
		return b.Put(k, data)
	})
}

func (s *BoltStore) DeleteItem(ctx context.Context, table string, key Key) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, m, err := s.activeBucket(tx, table)
		if err != nil {
			return err
		}
		k, err := encodeKey(m.Key, key)
		if err != nil {
			return err
		}
		return b.Delete(k)
	})
}

func (s *BoltStore) Scan(ctx context.Context, table string, startAfter Key, limit int) (*Page, error) {
	limit = pageLimit(limit)
	page := &Page{}
	err := s.db.View(func(tx *bolt.Tx) error {
		b, m, err := s.activeBucket(tx, table)
		if err != nil {
			return err
		}

		c := b.Cursor()
		k, v := c.First()
		if len(startAfter) > 0 {
			start, err := encodeKey(m.Key, startAfter)
			if err != nil {
				return err
			}
			k, v = c.Seek(start)
			if k != nil && bytes.Equal(k, start) {
				k, v = c.Next()
			}
		}

		for ; k != nil; k, v = c.Next() {
			if len(page.Items) == limit {
				page.LastKey, err = m.Key.KeyOf(page.Items[len(page.Items)-1])
				return err
			}
			item, err := decodeItem(v)
			if err != nil {
				return err
			}
			page.Items = append(page.Items, item)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return page, nil
}

func readMeta(tx *bolt.Tx, name string) (*tableMeta, error) {
	data := tx.Bucket(bucketMeta).Get([]byte(name))
	if data == nil {
		return nil, fmt.Errorf("%s: %w", name, ErrTableNotFound)
	}
	var m tableMeta
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("corrupt table descriptor %s: %w", name, err)
	}
	return &m, nil
}

// activeBucket resolves a table bucket, treating tables still in CREATING as absent
func (s *BoltStore) activeBucket(tx *bolt.Tx, name string) (*bolt.Bucket, *tableMeta, error) {
	m, err := readMeta(tx, name)
	if err != nil {
		return nil, nil, err
	}
	if s.opts.status(m) != TableActive {
		return nil, nil, fmt.Errorf("%s is not active: %w", name, ErrTableNotFound)
	}
	b := tx.Bucket(bucketTables).Bucket([]byte(name))
	if b == nil {
		return nil, nil, fmt.Errorf("%s: %w", name, ErrTableNotFound)
	}
	return b, m, nil
}

func checkCondition(cond Condition, exists bool) error {
	switch {
	case cond == IfNotExists && exists:
		return ErrConditionFailed
	case cond == IfExists && !exists:
		return ErrConditionFailed
	}
	return nil
}
