package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cuemby/burrow/pkg/errdefs"
	"github.com/cuemby/burrow/pkg/events"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/storage"
	"github.com/rs/zerolog"
)

// ControlPrefix marks tables burrow keeps for its own bookkeeping
const ControlPrefix = "_burrow_"

// IsControlTable reports whether name is a burrow bookkeeping table
func IsControlTable(name string) bool {
	return strings.HasPrefix(name, ControlPrefix)
}

// Config controls how long and how often readiness is polled
type Config struct {
	PollInterval  time.Duration
	ActiveTimeout time.Duration
}

// DefaultConfig returns the default polling settings
func DefaultConfig() Config {
	return Config{
		PollInterval:  1 * time.Second,
		ActiveTimeout: 2 * time.Minute,
	}
}

// Manager creates, drops and waits on tables
type Manager struct {
	store     storage.Store
	cfg       Config
	publisher events.Publisher
	logger    zerolog.Logger
}

// NewManager creates a lifecycle manager. Zero config values take defaults.
func NewManager(store storage.Store, cfg Config, publisher events.Publisher) *Manager {
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.ActiveTimeout <= 0 {
		cfg.ActiveTimeout = def.ActiveTimeout
	}
	if publisher == nil {
		publisher = events.Discard
	}
	return &Manager{
		store:     store,
		cfg:       cfg,
		publisher: publisher,
		logger:    log.WithComponent("lifecycle"),
	}
}

// Store returns the underlying store client
func (m *Manager) Store() storage.Store {
	return m.store
}

// EnsureTable creates name if it does not exist. A table that is still
// being deleted is awaited first so the name can be reused.
func (m *Manager) EnsureTable(ctx context.Context, name string, key storage.KeySchema) error {
	desc, err := m.store.DescribeTable(ctx, name)
	switch {
	case err == nil && desc.Status != storage.TableDeleting:
		return nil
	case err == nil:
		if err := m.AwaitGone(ctx, name); err != nil {
			return err
		}
	case !errors.Is(err, storage.ErrTableNotFound):
		return errdefs.Fault("describe table", err)
	}

	err = m.store.CreateTable(ctx, name, key)
	if errors.Is(err, storage.ErrTableExists) {
		// Lost a creation race; the other creator owns the event.
		return nil
	}
	if err != nil {
		return errdefs.Fault("create table", err)
	}

	logger := log.WithTable(m.logger, name)
	logger.Info().Msg("Table created")
	m.publisher.Publish(&events.Event{
		Type:     events.EventTableCreated,
		Message:  fmt.Sprintf("table %s created", name),
		Metadata: map[string]string{"table": name},
	})
	return nil
}

// AwaitActive polls until name reports ACTIVE. It gives up after
// ActiveTimeout or when ctx ends, returning errdefs.ErrTimeout on expiry.
func (m *Manager) AwaitActive(ctx context.Context, name string) error {
	start := time.Now()
	err := m.poll(ctx, func() (bool, error) {
		desc, err := m.store.DescribeTable(ctx, name)
		switch {
		case errors.Is(err, storage.ErrTableNotFound):
			return false, errdefs.NotFound("table", name)
		case err != nil:
			return false, errdefs.Fault("describe table", err)
		case desc.Status == storage.TableDeleting:
			return false, fmt.Errorf("table %q is being deleted: %w", name, errdefs.ErrNotFound)
		}
		return desc.Status == storage.TableActive, nil
	})
	if err != nil {
		return m.waitErr(err, name, "active")
	}
	metrics.TableActivationDuration.Observe(time.Since(start).Seconds())
	return nil
}

// EnsureActive creates name if needed and waits for it to become ACTIVE
func (m *Manager) EnsureActive(ctx context.Context, name string, key storage.KeySchema) error {
	if err := m.EnsureTable(ctx, name, key); err != nil {
		return err
	}
	return m.AwaitActive(ctx, name)
}

// DropTable deletes name
func (m *Manager) DropTable(ctx context.Context, name string) error {
	if err := m.store.DeleteTable(ctx, name); err != nil {
		if errors.Is(err, storage.ErrTableNotFound) {
			return errdefs.NotFound("table", name)
		}
		return errdefs.Fault("delete table", err)
	}

	logger := log.WithTable(m.logger, name)
	logger.Info().Msg("Table dropped")
	m.publisher.Publish(&events.Event{
		Type:     events.EventTableDropped,
		Message:  fmt.Sprintf("table %s dropped", name),
		Metadata: map[string]string{"table": name},
	})
	return nil
}

// AwaitGone polls until name no longer exists
func (m *Manager) AwaitGone(ctx context.Context, name string) error {
	err := m.poll(ctx, func() (bool, error) {
		_, err := m.store.DescribeTable(ctx, name)
		switch {
		case errors.Is(err, storage.ErrTableNotFound):
			return true, nil
		case err != nil:
			return false, errdefs.Fault("describe table", err)
		}
		return false, nil
	})
	if err != nil {
		return m.waitErr(err, name, "gone")
	}
	return nil
}

// Exists reports whether name exists in any state
func (m *Manager) Exists(ctx context.Context, name string) (bool, error) {
	_, err := m.store.DescribeTable(ctx, name)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, storage.ErrTableNotFound):
		return false, nil
	}
	return false, errdefs.Fault("describe table", err)
}

// Describe returns the store description of name
func (m *Manager) Describe(ctx context.Context, name string) (*storage.TableDescription, error) {
	desc, err := m.store.DescribeTable(ctx, name)
	if errors.Is(err, storage.ErrTableNotFound) {
		return nil, errdefs.NotFound("table", name)
	}
	if err != nil {
		return nil, errdefs.Fault("describe table", err)
	}
	return desc, nil
}

// ListTables returns every data table, sorted, excluding control tables
func (m *Manager) ListTables(ctx context.Context) ([]string, error) {
	names, err := m.store.ListTables(ctx)
	if err != nil {
		return nil, errdefs.Fault("list tables", err)
	}
	out := make([]string, 0, len(names))
	for _, name := range names {
		if !IsControlTable(name) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out, nil
}

// poll checks cond now and then every PollInterval until it holds, returns
// an error, or the wait is cut short by ActiveTimeout or ctx.
func (m *Manager) poll(ctx context.Context, cond func() (bool, error)) error {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.ActiveTimeout)
	defer cancel()

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		done, err := cond()
		if err != nil {
			return err
		}
		if done {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (m *Manager) waitErr(err error, name, state string) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("table %q not %s: %w", name, state, errdefs.ErrTimeout)
	}
	return err
}
