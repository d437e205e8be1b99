package migration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cuemby/burrow/pkg/errdefs"
	"github.com/cuemby/burrow/pkg/lifecycle"
	"github.com/cuemby/burrow/pkg/storage"
	"github.com/cuemby/burrow/pkg/types"
)

const (
	// TableName is the control table holding migration and lock records
	TableName = lifecycle.ControlPrefix + "migrations"

	keyAttr     = "id"
	lockPrefix  = "lock/"
	claimPrefix = "claim/"
)

// Key is the key schema of the migrations table
var Key = storage.KeySchema{{Name: keyAttr, Type: storage.AttributeString}}

// Lock marks a table as owned by a running migration
type Lock struct {
	ID          string    `json:"id"`
	Table       string    `json:"table"`
	MigrationID string    `json:"migrationId"`
	AcquiredAt  time.Time `json:"acquiredAt"`
}

func lockID(table string) string {
	return lockPrefix + table
}

// Claim records which engine runs one attempt of a migration
type Claim struct {
	ID          string    `json:"id"`
	MigrationID string    `json:"migrationId"`
	Attempt     int       `json:"attempt"`
	Owner       string    `json:"owner"`
	ClaimedAt   time.Time `json:"claimedAt"`
}

func claimID(migrationID string, attempt int) string {
	return fmt.Sprintf("%s%s/%d", claimPrefix, migrationID, attempt)
}

// bookkeeping reports whether id names a lock or claim rather than a migration
func bookkeeping(id string) bool {
	return strings.HasPrefix(id, lockPrefix) || strings.HasPrefix(id, claimPrefix)
}

// records reads and writes migration state in the control table
type records struct {
	store storage.Store
	now   func() time.Time
}

func (r *records) get(ctx context.Context, id string) (*types.Migration, error) {
	if bookkeeping(id) {
		return nil, errdefs.NotFound("migration", id)
	}
	item, err := r.store.GetItem(ctx, TableName, storage.Key{keyAttr: id})
	if errors.Is(err, storage.ErrItemNotFound) || errors.Is(err, storage.ErrTableNotFound) {
		return nil, errdefs.NotFound("migration", id)
	}
	if err != nil {
		return nil, errdefs.Fault("get migration", err)
	}
	var m types.Migration
	if err := decode(item, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *records) list(ctx context.Context) ([]*types.Migration, error) {
	var out []*types.Migration
	var start storage.Key
	for {
		page, err := r.store.Scan(ctx, TableName, start, 0)
		if errors.Is(err, storage.ErrTableNotFound) {
			break
		}
		if err != nil {
			return nil, errdefs.Fault("list migrations", err)
		}
		for _, item := range page.Items {
			if id, _ := item[keyAttr].(string); bookkeeping(id) {
				continue
			}
			var m types.Migration
			if err := decode(item, &m); err != nil {
				return nil, err
			}
			out = append(out, &m)
		}
		if page.LastKey == nil {
			break
		}
		start = page.LastKey
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (r *records) save(ctx context.Context, m *types.Migration) error {
	m.UpdatedAt = r.now().UTC()
	item, err := encode(m)
	if err != nil {
		return err
	}
	if err := r.store.PutItem(ctx, TableName, item, storage.NoCondition); err != nil {
		return errdefs.Fault("save migration", err)
	}
	return nil
}

// acquire takes the lock on table for migrationID. Taking a lock the
// migration already holds succeeds.
func (r *records) acquire(ctx context.Context, table, migrationID string) error {
	item, err := encode(&Lock{
		ID:          lockID(table),
		Table:       table,
		MigrationID: migrationID,
		AcquiredAt:  r.now().UTC(),
	})
	if err != nil {
		return err
	}
	err = r.store.PutItem(ctx, TableName, item, storage.IfNotExists)
	if err == nil {
		return nil
	}
	if !errors.Is(err, storage.ErrConditionFailed) {
		return errdefs.Fault("acquire lock", err)
	}

	held, err := r.lock(ctx, table)
	if err != nil {
		return err
	}
	if held == nil {
		// Released between the write and the read
		return r.acquire(ctx, table, migrationID)
	}
	if held.MigrationID != migrationID {
		return fmt.Errorf("table %q is locked by %s: %w", table, held.MigrationID, errdefs.ErrMigrationInProgress)
	}
	return nil
}

// claim writes the claim record for attempt of migrationID. Exactly one
// writer wins each attempt.
func (r *records) claim(ctx context.Context, migrationID string, attempt int, owner string) error {
	item, err := encode(&Claim{
		ID:          claimID(migrationID, attempt),
		MigrationID: migrationID,
		Attempt:     attempt,
		Owner:       owner,
		ClaimedAt:   r.now().UTC(),
	})
	if err != nil {
		return err
	}
	err = r.store.PutItem(ctx, TableName, item, storage.IfNotExists)
	switch {
	case errors.Is(err, storage.ErrConditionFailed):
		return fmt.Errorf("migration %s attempt %d is already claimed: %w", migrationID, attempt, errdefs.ErrMigrationInProgress)
	case err != nil:
		return errdefs.Fault("claim migration", err)
	}
	return nil
}

// unclaim removes the claim record for attempt of migrationID
func (r *records) unclaim(ctx context.Context, migrationID string, attempt int) error {
	if attempt < 1 {
		return nil
	}
	err := r.store.DeleteItem(ctx, TableName, storage.Key{keyAttr: claimID(migrationID, attempt)})
	if err != nil && !errors.Is(err, storage.ErrItemNotFound) {
		return errdefs.Fault("remove claim", err)
	}
	return nil
}

// release drops the lock on table if migrationID holds it
func (r *records) release(ctx context.Context, table, migrationID string) error {
	held, err := r.lock(ctx, table)
	if err != nil || held == nil || held.MigrationID != migrationID {
		return err
	}
	if err := r.store.DeleteItem(ctx, TableName, storage.Key{keyAttr: lockID(table)}); err != nil {
		return errdefs.Fault("release lock", err)
	}
	return nil
}

// lock returns the lock on table, or nil when the table is unlocked
func (r *records) lock(ctx context.Context, table string) (*Lock, error) {
	item, err := r.store.GetItem(ctx, TableName, storage.Key{keyAttr: lockID(table)})
	if errors.Is(err, storage.ErrItemNotFound) || errors.Is(err, storage.ErrTableNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errdefs.Fault("read lock", err)
	}
	var l Lock
	if err := decode(item, &l); err != nil {
		return nil, err
	}
	return &l, nil
}

func encode(v any) (storage.Item, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode record: %w", err)
	}
	var item storage.Item
	if err := json.Unmarshal(data, &item); err != nil {
		return nil, fmt.Errorf("failed to encode record: %w", err)
	}
	return item, nil
}

func decode(item storage.Item, v any) error {
	data, err := json.Marshal(item)
	if err != nil {
		return errdefs.Fault("decode record", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errdefs.Fault("decode record", err)
	}
	return nil
}

// Guard rejects writes to tables locked by a migration
type Guard struct {
	records *records
}

// NewGuard creates a guard reading locks from store
func NewGuard(store storage.Store) *Guard {
	return &Guard{records: &records{store: store, now: time.Now}}
}

// CheckWrite returns errdefs.ErrMigrationInProgress when table is locked
func (g *Guard) CheckWrite(ctx context.Context, table string) error {
	held, err := g.records.lock(ctx, table)
	if err != nil {
		return err
	}
	if held != nil {
		return fmt.Errorf("table %q is being migrated by %s: %w", table, held.MigrationID, errdefs.ErrMigrationInProgress)
	}
	return nil
}
