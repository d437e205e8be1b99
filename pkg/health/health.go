package health

import (
	"context"
	"sync"
	"time"
)

// Result represents the outcome of a health check
type Result struct {
	Healthy   bool
	Message   string
	CheckedAt time.Time
	Duration  time.Duration
}

// Checker is the interface that all health checkers must implement
type Checker interface {
	// Name identifies the checked component
	Name() string

	// Check performs the health check and returns the result
	Check(ctx context.Context) Result
}

type funcChecker struct {
	name string
	fn   func(ctx context.Context) error
}

// CheckFunc adapts fn into a Checker: a nil error is healthy
func CheckFunc(name string, fn func(ctx context.Context) error) Checker {
	return &funcChecker{name: name, fn: fn}
}

func (c *funcChecker) Name() string {
	return c.name
}

func (c *funcChecker) Check(ctx context.Context) Result {
	start := time.Now()
	err := c.fn(ctx)
	r := Result{
		Healthy:   err == nil,
		CheckedAt: start,
		Duration:  time.Since(start),
	}
	if err != nil {
		r.Message = err.Error()
	}
	return r
}

// RunAll runs every checker concurrently, each bounded by timeout
func RunAll(ctx context.Context, timeout time.Duration, checkers ...Checker) map[string]Result {
	results := make(map[string]Result, len(checkers))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, c := range checkers {
		wg.Add(1)
		go func(c Checker) {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			r := c.Check(cctx)

			mu.Lock()
			results[c.Name()] = r
			mu.Unlock()
		}(c)
	}
	wg.Wait()
	return results
}

// Config contains common configuration for all health checks
type Config struct {
	// Interval is the time between health checks
	Interval time.Duration

	// Timeout is the maximum time to wait for a health check to complete
	Timeout time.Duration

	// Retries is the number of consecutive failures before marking as unhealthy
	Retries int
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		Interval: 10 * time.Second,
		Timeout:  5 * time.Second,
		Retries:  3,
	}
}

// Status tracks the health of one component across checks
type Status struct {
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	LastResult           Result
	Healthy              bool
}

// NewStatus creates a Status that starts healthy
func NewStatus() *Status {
	return &Status{Healthy: true}
}

// Update applies a new result. A success heals at once; failures count
// until Retries is reached.
func (s *Status) Update(result Result, config Config) {
	s.LastResult = result

	if result.Healthy {
		s.ConsecutiveSuccesses++
		s.ConsecutiveFailures = 0
		s.Healthy = true
		return
	}

	s.ConsecutiveFailures++
	s.ConsecutiveSuccesses = 0
	if s.ConsecutiveFailures >= config.Retries {
		s.Healthy = false
	}
}
