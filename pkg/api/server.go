package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/cuemby/burrow/pkg/errdefs"
	"github.com/cuemby/burrow/pkg/events"
	"github.com/cuemby/burrow/pkg/health"
	"github.com/cuemby/burrow/pkg/items"
	"github.com/cuemby/burrow/pkg/lifecycle"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/migration"
	"github.com/cuemby/burrow/pkg/registry"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

// Deps are the components the HTTP adapter routes to
type Deps struct {
	Tables   *lifecycle.Manager
	Registry *registry.Registry
	Items    *items.Store
	Engine   *migration.Engine
	// Events feeds GET /events. Optional.
	Events *events.Broker
	// Guard rejects drops of tables under migration. Optional.
	Guard items.Guard
}

// Server is the burrow HTTP API
type Server struct {
	deps      Deps
	checks    []health.Checker
	router    *mux.Router
	http      *http.Server
	closing   chan struct{}
	closeOnce sync.Once
	logger    zerolog.Logger
}

// NewServer creates the HTTP API and registers its routes
func NewServer(deps Deps) *Server {
	s := &Server{
		deps:    deps,
		checks:  ReadinessChecks(deps),
		closing: make(chan struct{}),
		router:  mux.NewRouter(),
		logger:  log.WithComponent("api"),
	}
	s.setupRoutes()
	s.router.Use(s.instrument)
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	s.router.HandleFunc("/events", s.streamEvents).Methods(http.MethodGet)
	s.router.Handle("/metrics", metricsHandler()).Methods(http.MethodGet)

	schemas := s.router.PathPrefix("/schemas").Subrouter()
	schemas.HandleFunc("", s.registerSchema).Methods(http.MethodPost)
	schemas.HandleFunc("", s.listSchemas).Methods(http.MethodGet)
	schemas.HandleFunc("/{id}", s.lookupSchema).Methods(http.MethodGet)
	schemas.HandleFunc("/{name}", s.updateSchema).Methods(http.MethodPatch)
	schemas.HandleFunc("/{name}", s.unregisterSchema).Methods(http.MethodDelete)

	tables := s.router.PathPrefix("/tables").Subrouter()
	tables.HandleFunc("", s.listTables).Methods(http.MethodGet)
	tables.HandleFunc("/{name}", s.dropTable).Methods(http.MethodDelete)
	tables.HandleFunc("/{name}/rename", s.renameTable).Methods(http.MethodPost)
	tables.HandleFunc("/{name}/fields/{field}/rename", s.renameField).Methods(http.MethodPost)
	tables.HandleFunc("/{name}/records", s.addRecord).Methods(http.MethodPost)
	tables.HandleFunc("/{name}/records", s.listRecords).Methods(http.MethodGet)
	tables.HandleFunc("/{name}/records/{id}", s.getRecord).Methods(http.MethodGet)
	tables.HandleFunc("/{name}/records/{id}", s.updateRecord).Methods(http.MethodPatch)
	tables.HandleFunc("/{name}/records/{id}", s.deleteRecord).Methods(http.MethodDelete)

	// Migration ids are <kind>/<table>
	migrations := s.router.PathPrefix("/migrations").Subrouter()
	migrations.HandleFunc("", s.listMigrations).Methods(http.MethodGet)
	migrations.HandleFunc("/{kind}/{table}", s.getMigration).Methods(http.MethodGet)
	migrations.HandleFunc("/{kind}/{table}/resume", s.resumeMigration).Methods(http.MethodPost)
	migrations.HandleFunc("/{kind}/{table}/rollback", s.rollbackMigration).Methods(http.MethodPost)
}

// Handler returns the router for embedding in other servers and tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves the API on addr until Shutdown
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}
	s.logger.Info().Str("addr", addr).Msg("HTTP API listening")
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server, letting in-flight requests finish
func (s *Server) Shutdown(ctx context.Context) error {
	s.closeOnce.Do(func() { close(s.closing) })
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Error string `json:"error"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := errdefs.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Msg("Request failed")
	}
	s.writeJSON(w, status, ErrorResponse{Error: err.Error()})
}

func (s *Server) decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return errdefs.InvalidArgument("invalid request body: %v", err)
	}
	return nil
}
