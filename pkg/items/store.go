package items

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strconv"
	"time"

	"github.com/cuemby/burrow/pkg/errdefs"
	"github.com/cuemby/burrow/pkg/lifecycle"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/storage"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/rs/zerolog"
)

// Validator checks field payloads before they are written. partial is set
// for updates, where required fields may be absent.
type Validator interface {
	Validate(ctx context.Context, table string, fields map[string]any, partial bool) error
}

// Guard decides whether a table currently accepts writes
type Guard interface {
	CheckWrite(ctx context.Context, table string) error
}

// Config tunes the item store
type Config struct {
	ScanPageSize  int
	MaxIDAttempts int
}

// DefaultConfig returns the default item store settings
func DefaultConfig() Config {
	return Config{
		ScanPageSize:  100,
		MaxIDAttempts: 5,
	}
}

// Option configures a Store
type Option func(*Store)

// WithIDGenerator replaces the random id generator
func WithIDGenerator(g IDGenerator) Option {
	return func(s *Store) { s.ids = g }
}

// WithValidator checks every write against v
func WithValidator(v Validator) Option {
	return func(s *Store) { s.validator = v }
}

// WithGuard consults g before every write
func WithGuard(g Guard) Option {
	return func(s *Store) { s.guard = g }
}

// WithClock overrides the timestamp source
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Store performs record CRUD on data tables
type Store struct {
	tables    *lifecycle.Manager
	store     storage.Store
	cfg       Config
	ids       IDGenerator
	validator Validator
	guard     Guard
	now       func() time.Time
	logger    zerolog.Logger
}

// New creates an item store over the tables managed by lm
func New(lm *lifecycle.Manager, cfg Config, opts ...Option) *Store {
	def := DefaultConfig()
	if cfg.ScanPageSize <= 0 {
		cfg.ScanPageSize = def.ScanPageSize
	}
	if cfg.MaxIDAttempts <= 0 {
		cfg.MaxIDAttempts = def.MaxIDAttempts
	}
	s := &Store{
		tables: lm,
		store:  lm.Store(),
		cfg:    cfg,
		ids:    RandomGenerator{},
		now:    time.Now,
		logger: log.WithComponent("items"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Unguarded returns a view of the store that skips the write guard and
// validation. Migrations write through it while they hold a table lock.
func (s *Store) Unguarded() *Store {
	c := *s
	c.guard = nil
	c.validator = nil
	return &c
}

// Add writes a new record and returns its generated id
func (s *Store) Add(ctx context.Context, table string, fields map[string]any) (int64, error) {
	if err := s.admit(ctx, table, fields, false); err != nil {
		return 0, err
	}

	ts := s.now()
	for attempt := 0; attempt < s.cfg.MaxIDAttempts; attempt++ {
		id := s.ids.NewID(table)
		err := s.putNew(ctx, table, toItem(id, fields, ts))
		switch {
		case err == nil:
			metrics.RecordsWrittenTotal.WithLabelValues("add").Inc()
			return id, nil
		case errors.Is(err, storage.ErrConditionFailed):
			s.logger.Debug().Str("table", table).Int64("id", id).Msg("Record id collision, retrying")
			continue
		default:
			return 0, err
		}
	}
	return 0, fmt.Errorf("table %q after %d attempts: %w", table, s.cfg.MaxIDAttempts, errdefs.ErrIDExhausted)
}

// putNew writes item if its id is free. A table that reads as missing is
// awaited once, covering tables that are still activating.
func (s *Store) putNew(ctx context.Context, table string, item storage.Item) error {
	err := s.store.PutItem(ctx, table, item, storage.IfNotExists)
	if !errors.Is(err, storage.ErrTableNotFound) {
		return s.storeErr("add record", table, err)
	}
	if err := s.tables.AwaitActive(ctx, table); err != nil {
		return err
	}
	return s.storeErr("add record", table, s.store.PutItem(ctx, table, item, storage.IfNotExists))
}

// Get returns the record with id
func (s *Store) Get(ctx context.Context, table string, id int64) (*types.Record, error) {
	item, err := s.store.GetItem(ctx, table, idKey(id))
	if errors.Is(err, storage.ErrItemNotFound) {
		return nil, errdefs.NotFound("record", recordRef(table, id))
	}
	if err != nil {
		return nil, s.storeErr("get record", table, err)
	}
	return ToRecord(item)
}

// List lazily scans every record of table, page by page. A missing table
// yields nothing. The sequence restarts from the beginning on each range.
func (s *Store) List(ctx context.Context, table string) iter.Seq2[*types.Record, error] {
	return func(yield func(*types.Record, error) bool) {
		var start storage.Key
		for {
			page, err := s.store.Scan(ctx, table, start, s.cfg.ScanPageSize)
			if errors.Is(err, storage.ErrTableNotFound) {
				return
			}
			if err != nil {
				yield(nil, s.storeErr("scan", table, err))
				return
			}
			for _, item := range page.Items {
				rec, err := ToRecord(item)
				if !yield(rec, err) || err != nil {
					return
				}
			}
			if page.LastKey == nil {
				return
			}
			start = page.LastKey
		}
	}
}

// ListAll collects every record of table
func (s *Store) ListAll(ctx context.Context, table string) ([]*types.Record, error) {
	var out []*types.Record
	for rec, err := range s.List(ctx, table) {
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Update merges partial into the record and refreshes lastUpdated.
// Fields not named in partial are untouched.
func (s *Store) Update(ctx context.Context, table string, id int64, partial map[string]any) error {
	if err := s.admit(ctx, table, partial, true); err != nil {
		return err
	}
	if err := s.update(ctx, table, id, partial, nil); err != nil {
		return err
	}
	metrics.RecordsWrittenTotal.WithLabelValues("update").Inc()
	return nil
}

// UpdateFields sets and removes fields in a single targeted write
func (s *Store) UpdateFields(ctx context.Context, table string, id int64, set map[string]any, remove []string) error {
	if err := checkReserved(remove...); err != nil {
		return err
	}
	if err := s.admit(ctx, table, set, true); err != nil {
		return err
	}
	if err := s.update(ctx, table, id, set, remove); err != nil {
		return err
	}
	metrics.RecordsWrittenTotal.WithLabelValues("update_fields").Inc()
	return nil
}

func (s *Store) update(ctx context.Context, table string, id int64, set map[string]any, remove []string) error {
	upd := storage.Update{Set: make(map[string]any, len(set)+1), Remove: remove}
	for k, v := range set {
		upd.Set[k] = v
	}
	upd.Set[types.AttrLastUpdated] = formatTime(s.now())

	err := s.store.UpdateItem(ctx, table, idKey(id), upd, storage.IfExists)
	if errors.Is(err, storage.ErrConditionFailed) {
		return errdefs.NotFound("record", recordRef(table, id))
	}
	return s.storeErr("update record", table, err)
}

// Delete removes the record with id. Deleting an absent record is not an error.
func (s *Store) Delete(ctx context.Context, table string, id int64) error {
	if err := s.checkGuard(ctx, table); err != nil {
		return err
	}
	if err := s.store.DeleteItem(ctx, table, idKey(id)); err != nil {
		return s.storeErr("delete record", table, err)
	}
	metrics.RecordsWrittenTotal.WithLabelValues("delete").Inc()
	return nil
}

// admit runs the reserved-name check, validation and the write guard
func (s *Store) admit(ctx context.Context, table string, fields map[string]any, partial bool) error {
	if err := checkReserved(fieldNames(fields)...); err != nil {
		metrics.WritesRejectedTotal.WithLabelValues("reserved").Inc()
		return err
	}
	if s.validator != nil {
		if err := s.validator.Validate(ctx, table, fields, partial); err != nil {
			metrics.WritesRejectedTotal.WithLabelValues("validation").Inc()
			return err
		}
	}
	return s.checkGuard(ctx, table)
}

func (s *Store) checkGuard(ctx context.Context, table string) error {
	if s.guard == nil {
		return nil
	}
	if err := s.guard.CheckWrite(ctx, table); err != nil {
		if errors.Is(err, errdefs.ErrMigrationInProgress) {
			metrics.WritesRejectedTotal.WithLabelValues("migration").Inc()
		}
		return err
	}
	return nil
}

func (s *Store) storeErr(op, table string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, storage.ErrTableNotFound) {
		return errdefs.NotFound("table", table)
	}
	return errdefs.Fault(op, err)
}

func idKey(id int64) storage.Key {
	return storage.Key{types.AttrID: id}
}

func recordRef(table string, id int64) string {
	return table + "/" + strconv.FormatInt(id, 10)
}
