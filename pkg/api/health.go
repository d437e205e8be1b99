package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/cuemby/burrow/pkg/health"
	"github.com/cuemby/burrow/pkg/metrics"
)

const readyTimeout = 5 * time.Second

// Version is reported by /health
var Version = "dev"

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version,omitempty"`
}

// ReadyResponse represents the readiness check response
type ReadyResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
	Message   string            `json:"message,omitempty"`
}

// handleHealth is a liveness check: 200 while the process is up
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Version:   Version,
	})
}

// ReadinessChecks returns the checks that gate readiness: the store,
// the registry and the migration records must all be readable
func ReadinessChecks(deps Deps) []health.Checker {
	return []health.Checker{
		health.CheckFunc("storage", func(ctx context.Context) error {
			_, err := deps.Tables.ListTables(ctx)
			return err
		}),
		health.CheckFunc("registry", func(ctx context.Context) error {
			_, err := deps.Registry.List(ctx)
			return err
		}),
		health.CheckFunc("migrations", func(ctx context.Context) error {
			_, err := deps.Engine.List(ctx)
			return err
		}),
	}
}

var readyMessages = map[string]string{
	"storage":    "Storage not accessible",
	"registry":   "Schema registry not readable",
	"migrations": "Migration records not readable",
}

// handleReady runs the readiness checks and reports 503 if any fails
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	results := health.RunAll(r.Context(), readyTimeout, s.checks...)
	checks := make(map[string]string, len(results))
	ready := true
	var message string

	for _, c := range s.checks {
		res := results[c.Name()]
		if res.Healthy {
			checks[c.Name()] = "ok"
			continue
		}
		checks[c.Name()] = "error: " + res.Message
		ready = false
		if message == "" {
			message = readyMessages[c.Name()]
		}
	}

	if ready {
		if migrations, err := s.deps.Engine.List(r.Context()); err == nil {
			active := 0
			for _, m := range migrations {
				if !m.State.Finished() {
					active++
				}
			}
			checks["migrations"] = fmt.Sprintf("ok (%d unfinished)", active)
		}
	}

	status := "ready"
	statusCode := http.StatusOK
	if !ready {
		status = "not ready"
		statusCode = http.StatusServiceUnavailable
	}

	s.writeJSON(w, statusCode, ReadyResponse{
		Status:    status,
		Timestamp: time.Now(),
		Checks:    checks,
		Message:   message,
	})
}

func metricsHandler() http.Handler {
	return metrics.Handler()
}
