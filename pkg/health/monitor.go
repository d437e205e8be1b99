package health

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/rs/zerolog"
)

// Monitor runs checkers periodically and reports when overall health changes
type Monitor struct {
	checkers []Checker
	cfg      Config
	onChange func(healthy bool)
	logger   zerolog.Logger

	mu       sync.RWMutex
	statuses map[string]*Status
	healthy  bool

	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewMonitor creates a monitor. onChange is called after each run that
// flips the overall state, and once after the first run.
func NewMonitor(cfg Config, onChange func(healthy bool), checkers ...Checker) *Monitor {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.Retries <= 0 {
		cfg.Retries = def.Retries
	}
	statuses := make(map[string]*Status, len(checkers))
	for _, c := range checkers {
		statuses[c.Name()] = NewStatus()
	}
	return &Monitor{
		checkers: checkers,
		cfg:      cfg,
		onChange: onChange,
		logger:   log.WithComponent("health"),
		statuses: statuses,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start runs the checks now and then every Interval
func (m *Monitor) Start(ctx context.Context) {
	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.cfg.Interval)
		defer ticker.Stop()

		m.RunOnce(ctx, true)
		for {
			select {
			case <-ticker.C:
				m.RunOnce(ctx, false)
			case <-m.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the monitor loop
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	<-m.done
}

// RunOnce runs every check, updates statuses and fires onChange when the
// overall state flips, or unconditionally when notify is set
func (m *Monitor) RunOnce(ctx context.Context, notify bool) bool {
	results := RunAll(ctx, m.cfg.Timeout, m.checkers...)

	m.mu.Lock()
	healthy := true
	for name, r := range results {
		st := m.statuses[name]
		wasHealthy := st.Healthy
		st.Update(r, m.cfg)
		if wasHealthy && !st.Healthy {
			m.logger.Warn().Str("check", name).Str("message", r.Message).Msg("Component unhealthy")
		} else if !wasHealthy && st.Healthy {
			m.logger.Info().Str("check", name).Msg("Component recovered")
		}
		healthy = healthy && st.Healthy
	}
	changed := healthy != m.healthy
	m.healthy = healthy
	m.mu.Unlock()

	if (changed || notify) && m.onChange != nil {
		m.onChange(healthy)
	}
	return healthy
}

// Healthy reports the overall state after the last run
func (m *Monitor) Healthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.healthy
}

// Statuses returns a copy of every component status
func (m *Monitor) Statuses() map[string]Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Status, len(m.statuses))
	for name, st := range m.statuses {
		out[name] = *st
	}
	return out
}
