// Package api serves reconciliation results over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/yairfalse/itamrec/policy"
	"github.com/yairfalse/itamrec/reconciler"
	"github.com/yairfalse/itamrec/source"
	"github.com/yairfalse/itamrec/storage"
	"github.com/yairfalse/itamrec/telemetry"
)

// Viewer identity headers, set by a trusted upstream proxy
const (
	HeaderRole       = "X-Itamrec-Role"
	HeaderDepartment = "X-Itamrec-Department"
)

const (
	defaultReadTimeout  = 10 * time.Second
	defaultWriteTimeout = 60 * time.Second
	defaultIdleTimeout  = 60 * time.Second
)

// Server is the JSON query and trigger API
type Server struct {
	router *mux.Router
	store  storage.SnapshotReader
	scope  *policy.ScopeEngine
	engine reconciler.Reconciler
	itam   source.Source
	active source.Source
	logger *telemetry.Logger

	mu     sync.Mutex
	srv    *http.Server
	closed bool
}

// NewServer creates an API server over store, scoped by scope
func NewServer(store storage.SnapshotReader, scope *policy.ScopeEngine, options ...func(*Server)) *Server {
	s := &Server{
		router: mux.NewRouter(),
		store:  store,
		scope:  scope,
		logger: telemetry.NewLogger("api"),
	}

	for _, o := range options {
		o(s)
	}

	s.setupRoutes()

	return s
}

// WithEngine enables the state and reconcile endpoints
func WithEngine(e reconciler.Reconciler) func(*Server) {
	return func(s *Server) {
		s.engine = e
	}
}

// WithSources enables the sources endpoint
func WithSources(itam, active source.Source) func(*Server) {
	return func(s *Server) {
		s.itam = itam
		s.active = active
	}
}

// WithLogger replaces the server logger
func WithLogger(l *telemetry.Logger) func(*Server) {
	return func(s *Server) {
		s.logger = l
	}
}

func (s *Server) setupRoutes() {
	s.router.Use(s.loggingMiddleware)

	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	v1 := s.router.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/departments", s.handleDepartments).Methods(http.MethodGet)
	v1.HandleFunc("/summary", s.handleSummary).Methods(http.MethodGet)
	v1.HandleFunc("/records", s.handleRecords).Methods(http.MethodGet)
	v1.HandleFunc("/state", s.handleState).Methods(http.MethodGet)
	v1.HandleFunc("/sources", s.handleSources).Methods(http.MethodGet)
	v1.HandleFunc("/reconcile", s.handleReconcile).Methods(http.MethodPost)
}

// Handler returns the routed handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until Shutdown is called
func (s *Server) ListenAndServe(addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  defaultReadTimeout,
		WriteTimeout: defaultWriteTimeout,
		IdleTimeout:  defaultIdleTimeout,
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.srv = srv
	s.mu.Unlock()

	s.logger.Info().Str("addr", addr).Msg("api server listening")

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops a running server
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.closed = true
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		s.logger.WithContext(r.Context()).Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Int64("duration_ms", time.Since(start).Milliseconds()).
			Msg("request served")
	})
}
