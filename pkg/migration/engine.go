package migration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/burrow/pkg/errdefs"
	"github.com/cuemby/burrow/pkg/events"
	"github.com/cuemby/burrow/pkg/items"
	"github.com/cuemby/burrow/pkg/lifecycle"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/registry"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	// progressEvery is how many records are processed between progress saves
	progressEvery = 100

	// DefaultLease is how long a claim by another engine is honored after
	// the migration's last recorded update
	DefaultLease = 5 * time.Minute
)

// Engine runs table and field renames as resumable, recorded migrations
type Engine struct {
	tables    *lifecycle.Manager
	items     *items.Store
	registry  *registry.Registry
	records   *records
	publisher events.Publisher
	logger    zerolog.Logger
	owner     string
	lease     time.Duration
	now       func() time.Time

	mu       sync.Mutex
	inflight map[string]struct{}
}

// Option configures an Engine
type Option func(*Engine)

// WithOwner sets the identity recorded on claimed migrations. Each
// engine gets a random one by default.
func WithOwner(owner string) Option {
	return func(e *Engine) {
		if owner != "" {
			e.owner = owner
		}
	}
}

// WithLease sets how long another engine's claim is honored after the
// migration's last update. It must outlast the longest step that records
// no progress, such as waiting for a table to become active.
func WithLease(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.lease = d
		}
	}
}

// NewEngine creates a migration engine. Record writes go through the
// unguarded view of itemStore, since the engine holds the table locks.
func NewEngine(lm *lifecycle.Manager, itemStore *items.Store, reg *registry.Registry, publisher events.Publisher, opts ...Option) *Engine {
	if publisher == nil {
		publisher = events.Discard
	}
	e := &Engine{
		tables:    lm,
		items:     itemStore.Unguarded(),
		registry:  reg,
		records:   &records{store: lm.Store(), now: time.Now},
		publisher: publisher,
		logger:    log.WithComponent("migration"),
		owner:     uuid.NewString(),
		lease:     DefaultLease,
		now:       time.Now,
		inflight:  make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With().Str("owner", e.owner).Logger()
	return e
}

// Owner returns the identity this engine records on the migrations it runs
func (e *Engine) Owner() string {
	return e.owner
}

// Init ensures the migrations control table exists
func (e *Engine) Init(ctx context.Context) error {
	if err := e.tables.EnsureActive(ctx, TableName, Key); err != nil {
		return fmt.Errorf("failed to initialize migrations: %w", err)
	}
	return nil
}

// Get returns the migration with id
func (e *Engine) Get(ctx context.Context, id string) (*types.Migration, error) {
	return e.records.get(ctx, id)
}

// List returns every recorded migration, oldest first
func (e *Engine) List(ctx context.Context) ([]*types.Migration, error) {
	return e.records.list(ctx)
}

// InFlight reports whether migration id is running in this process.
// A migration claimed by another engine is not in flight here; Resume
// rejects it until that claim's lease has lapsed.
func (e *Engine) InFlight(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.inflight[id]
	return ok
}

// Resume continues an unfinished migration from its recorded step
func (e *Engine) Resume(ctx context.Context, id string) (*types.Migration, error) {
	m, err := e.records.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if m.State.Finished() {
		return m, fmt.Errorf("migration %s is %s: %w", id, m.State, errdefs.ErrInvalidState)
	}
	return e.run(ctx, m)
}

// Rollback abandons an unfinished migration. For a table rename whose
// source still exists the destination is dropped, the schema moved back
// and the locks released. A field rename is closed where it stopped:
// records are left as they are, the schema keeps its current field names,
// and Partial records whether some records were already rewritten.
func (e *Engine) Rollback(ctx context.Context, id string) (*types.Migration, error) {
	m, err := e.records.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if m.State.Finished() {
		return m, fmt.Errorf("migration %s is %s: %w", id, m.State, errdefs.ErrInvalidState)
	}
	if !e.begin(m.ID) {
		return m, fmt.Errorf("migration %s is running: %w", id, errdefs.ErrMigrationInProgress)
	}
	defer e.end(m.ID)
	if err := e.claim(ctx, m); err != nil {
		return m, err
	}

	switch m.Kind {
	case types.MigrationRenameTable:
		err = e.rollbackTableRename(ctx, m)
	case types.MigrationRenameField:
		err = e.rollbackFieldRename(ctx, m)
	default:
		err = fmt.Errorf("migration %s has unknown kind %q: %w", m.ID, m.Kind, errdefs.ErrInvalidState)
	}
	if err != nil {
		return m, err
	}

	now := time.Now().UTC()
	m.State = types.MigrationRolledBack
	m.ResumeFrom = ""
	m.FinishedAt = &now
	if err := e.records.save(ctx, m); err != nil {
		return m, err
	}

	logger := log.WithMigration(e.logger, m.ID)
	logger.Info().Str("table", m.Table).Bool("partial", m.Partial).Msg("Migration rolled back")
	metrics.MigrationsTotal.WithLabelValues(string(m.Kind), "rolled_back").Inc()
	e.publish(events.EventMigrationRolledBack, m, "migration rolled back")
	return m, nil
}

func (e *Engine) rollbackTableRename(ctx context.Context, m *types.Migration) error {
	exists, err := e.tables.Exists(ctx, m.Table)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("migration %s: source table %q already dropped, resume instead: %w", m.ID, m.Table, errdefs.ErrInvalidState)
	}

	if _, err := e.registry.Get(ctx, m.Table); errors.Is(err, errdefs.ErrNotFound) {
		if err := e.registry.Rename(ctx, m.Target, m.Table); err != nil && !errors.Is(err, errdefs.ErrNotFound) {
			return err
		}
	}
	if err := e.tables.DropTable(ctx, m.Target); err != nil && !errors.Is(err, errdefs.ErrNotFound) {
		return err
	}
	if err := e.tables.AwaitGone(ctx, m.Target); err != nil {
		return err
	}
	for _, table := range []string{m.Table, m.Target} {
		if err := e.records.release(ctx, table, m.ID); err != nil {
			return err
		}
	}
	return nil
}

// rollbackFieldRename counts how far the rewrite got and releases the lock
func (e *Engine) rollbackFieldRename(ctx context.Context, m *types.Migration) error {
	moved, remaining := 0, 0
	for rec, err := range e.items.List(ctx, m.Table) {
		if err != nil {
			return err
		}
		_, hasOld := rec.Fields[m.OldField]
		_, hasNew := rec.Fields[m.NewField]
		switch {
		case hasOld:
			remaining++
		case hasNew:
			moved++
		}
	}
	m.Partial = moved > 0 && remaining > 0
	if m.Error == "" {
		m.Error = fmt.Sprintf("abandoned: %d records carry %q, %d still carry %q", moved, m.NewField, remaining, m.OldField)
	} else {
		m.Error = fmt.Sprintf("abandoned after %s: %d records carry %q, %d still carry %q", m.Error, moved, m.NewField, remaining, m.OldField)
	}
	return e.records.release(ctx, m.Table, m.ID)
}

// run executes m from its current stage, recording failure on error
func (e *Engine) run(ctx context.Context, m *types.Migration) (*types.Migration, error) {
	if !e.begin(m.ID) {
		return m, fmt.Errorf("migration %s is running: %w", m.ID, errdefs.ErrMigrationInProgress)
	}
	defer e.end(m.ID)
	if err := e.claim(ctx, m); err != nil {
		return m, err
	}

	var err error
	switch m.Kind {
	case types.MigrationRenameField:
		err = e.runFieldRename(ctx, m)
	case types.MigrationRenameTable:
		err = e.runTableRename(ctx, m)
	default:
		err = fmt.Errorf("migration %s has unknown kind %q: %w", m.ID, m.Kind, errdefs.ErrInvalidState)
	}
	if err != nil {
		e.fail(ctx, m, err)
		return m, err
	}
	return m, nil
}

// claim makes this engine the owner of m's next attempt. Another
// engine's claim holds while m was updated within the lease; a failed run
// leaves no owner. Engines racing for the same attempt are settled by a
// conditional write of its claim record, and a record that changed since
// it was read loses.
func (e *Engine) claim(ctx context.Context, m *types.Migration) error {
	if m.Owner != "" && m.Owner != e.owner && e.now().Sub(m.UpdatedAt) < e.lease {
		return fmt.Errorf("migration %s is claimed by %s: %w", m.ID, m.Owner, errdefs.ErrMigrationInProgress)
	}

	attempt := m.Attempt + 1
	if err := e.records.claim(ctx, m.ID, attempt, e.owner); err != nil {
		return err
	}
	current, err := e.records.get(ctx, m.ID)
	if err == nil && (current.Attempt != m.Attempt || !current.StartedAt.Equal(m.StartedAt) || current.State.Finished()) {
		err = fmt.Errorf("migration %s changed while claiming: %w", m.ID, errdefs.ErrMigrationInProgress)
	}
	if err != nil {
		_ = e.records.unclaim(context.WithoutCancel(ctx), m.ID, attempt)
		return err
	}

	m.Owner = e.owner
	m.Attempt = attempt
	if err := e.records.save(ctx, m); err != nil {
		return err
	}
	if err := e.records.unclaim(ctx, m.ID, attempt-1); err != nil {
		e.logger.Warn().Err(err).Str("migration_id", m.ID).Msg("Failed to remove previous claim")
	}
	return nil
}

// advance moves m to state and persists it
func (e *Engine) advance(ctx context.Context, m *types.Migration, state types.MigrationState) error {
	m.State = state
	m.ResumeFrom = ""
	m.Error = ""
	if state == types.MigrationDone {
		now := time.Now().UTC()
		m.FinishedAt = &now
	}
	return e.records.save(ctx, m)
}

// complete finishes m: releases its locks and records the outcome
func (e *Engine) complete(ctx context.Context, m *types.Migration, tables ...string) error {
	if err := e.advance(ctx, m, types.MigrationDone); err != nil {
		return err
	}
	for _, table := range tables {
		if err := e.records.release(ctx, table, m.ID); err != nil {
			return err
		}
	}

	kind := string(m.Kind)
	metrics.MigrationsTotal.WithLabelValues(kind, "completed").Inc()
	metrics.MigrationDuration.WithLabelValues(kind).Observe(time.Since(m.StartedAt).Seconds())
	logger := log.WithMigration(e.logger, m.ID)
	logger.Info().Int("records", m.Copied).Msg("Migration completed")
	e.publish(events.EventMigrationCompleted, m, "migration completed")
	return nil
}

// fail records err on m. Bookkeeping outlives a cancelled ctx.
func (e *Engine) fail(ctx context.Context, m *types.Migration, err error) {
	ctx = context.WithoutCancel(ctx)
	if m.State != types.MigrationFailed {
		m.ResumeFrom = m.State
	}
	m.State = types.MigrationFailed
	m.Error = err.Error()
	m.Owner = ""
	if serr := e.records.save(ctx, m); serr != nil {
		e.logger.Error().Err(serr).Str("migration_id", m.ID).Msg("Failed to record migration failure")
	}
	if m.Kind == types.MigrationRenameField {
		// Rewritten records stay valid, so the table is reopened for writes
		// and a resume rescans it.
		if rerr := e.records.release(ctx, m.Table, m.ID); rerr != nil {
			e.logger.Warn().Err(rerr).Str("migration_id", m.ID).Msg("Failed to release lock")
		}
	}

	metrics.MigrationsTotal.WithLabelValues(string(m.Kind), "failed").Inc()
	logger := log.WithMigration(e.logger, m.ID)
	logger.Error().Err(err).Str("stage", string(m.ResumeFrom)).Msg("Migration failed")
	e.publish(events.EventMigrationFailed, m, err.Error())
}

// start records a new migration and publishes its start
func (e *Engine) start(ctx context.Context, m *types.Migration) error {
	// Attempts continue across runs that reuse the id, so an earlier
	// run's claim record never blocks this one
	prev, err := e.records.get(ctx, m.ID)
	switch {
	case err == nil:
		m.Attempt = prev.Attempt
	case !errors.Is(err, errdefs.ErrNotFound):
		return err
	}

	now := time.Now().UTC()
	m.State = types.MigrationPending
	m.StartedAt = now
	if err := e.records.save(ctx, m); err != nil {
		return err
	}
	logger := log.WithMigration(e.logger, m.ID)
	logger.Info().Str("table", m.Table).Msg("Migration started")
	e.publish(events.EventMigrationStarted, m, "migration started")
	return nil
}

// saveProgress persists the copied count every progressEvery records
func (e *Engine) saveProgress(ctx context.Context, m *types.Migration) error {
	if m.Copied%progressEvery != 0 {
		return nil
	}
	return e.records.save(ctx, m)
}

func (e *Engine) begin(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.inflight[id]; ok {
		return false
	}
	e.inflight[id] = struct{}{}
	return true
}

func (e *Engine) end(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inflight, id)
}

func (e *Engine) publish(t events.EventType, m *types.Migration, msg string) {
	meta := map[string]string{
		"migration_id": m.ID,
		"kind":         string(m.Kind),
		"table":        m.Table,
		"state":        string(m.State),
	}
	if m.Target != "" {
		meta["target"] = m.Target
	}
	if m.OldField != "" {
		meta["old_field"] = m.OldField
		meta["new_field"] = m.NewField
	}
	e.publisher.Publish(&events.Event{Type: t, Message: msg, Metadata: meta})
}
