package reconciler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cuemby/burrow/pkg/errdefs"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/rs/zerolog"
)

// Runner lists and resumes migrations
type Runner interface {
	List(ctx context.Context) ([]*types.Migration, error)
	InFlight(id string) bool
	Resume(ctx context.Context, id string) (*types.Migration, error)
}

// Config controls the reconciliation loop
type Config struct {
	Interval   time.Duration
	StaleAfter time.Duration
}

// DefaultConfig returns the default loop settings
func DefaultConfig() Config {
	return Config{
		Interval:   30 * time.Second,
		StaleAfter: 5 * time.Minute,
	}
}

// Reconciler resumes migrations left unfinished by a crashed or
// interrupted process
type Reconciler struct {
	runner Runner
	cfg    Config
	logger zerolog.Logger
	now    func() time.Time

	mu       sync.Mutex
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewReconciler creates a new reconciler. Zero config values take defaults.
func NewReconciler(runner Runner, cfg Config) *Reconciler {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = def.StaleAfter
	}
	return &Reconciler{
		runner: runner,
		cfg:    cfg,
		logger: log.WithComponent("reconciler"),
		now:    time.Now,
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start begins the reconciliation loop
func (r *Reconciler) Start() {
	go r.run()
}

// Stop stops the loop and waits for a running cycle to finish
func (r *Reconciler) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	<-r.done
}

func (r *Reconciler) run() {
	defer close(r.done)

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-r.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		select {
		case <-ticker.C:
			if err := r.Reconcile(ctx); err != nil {
				r.logger.Error().Err(err).Msg("Reconciliation failed")
			}
		case <-r.stopCh:
			return
		}
	}
}

// Reconcile performs one cycle: every unfinished migration that is not
// running here and has not progressed for StaleAfter is resumed.
// Individual resume failures are logged and do not stop the cycle. A
// migration another instance claimed first is skipped.
func (r *Reconciler) Reconcile(ctx context.Context) error {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ReconciliationDuration)
		metrics.ReconciliationCyclesTotal.Inc()
	}()

	r.mu.Lock()
	defer r.mu.Unlock()

	migrations, err := r.runner.List(ctx)
	if err != nil {
		return err
	}

	now := r.now()
	for _, m := range migrations {
		if !r.stale(m, now) {
			continue
		}
		logger := log.WithMigration(r.logger, m.ID)
		logger.Info().
			Str("state", string(m.State)).
			Dur("idle", now.Sub(m.UpdatedAt)).
			Msg("Resuming stale migration")

		_, err := r.runner.Resume(ctx, m.ID)
		if errors.Is(err, errdefs.ErrMigrationInProgress) {
			// Claimed by another instance since it was listed
			metrics.MigrationsResumedTotal.WithLabelValues("skipped").Inc()
			logger.Debug().Err(err).Msg("Migration claimed elsewhere")
			continue
		}
		if err != nil {
			metrics.MigrationsResumedTotal.WithLabelValues("error").Inc()
			logger.Warn().Err(err).Msg("Failed to resume migration")
			continue
		}
		metrics.MigrationsResumedTotal.WithLabelValues("ok").Inc()
	}
	return nil
}

func (r *Reconciler) stale(m *types.Migration, now time.Time) bool {
	if m.State.Finished() || r.runner.InFlight(m.ID) {
		return false
	}
	return now.Sub(m.UpdatedAt) >= r.cfg.StaleAfter
}
