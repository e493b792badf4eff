// Package daemon runs the long-lived itamrec process: the query API, the
// metrics endpoint and the source directory watcher.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/yairfalse/itamrec/api"
	"github.com/yairfalse/itamrec/reconciler"
	"github.com/yairfalse/itamrec/telemetry"
	"github.com/yairfalse/itamrec/wal"
	"github.com/yairfalse/itamrec/watcher"
)

const shutdownTimeout = 5 * time.Second

// Config holds daemon configuration
type Config struct {
	APIAddr     string
	MetricsAddr string

	Watch     bool
	WatchDirs []string
	Debounce  time.Duration
}

// Daemon manages the API, metrics and watch loops around one engine
type Daemon struct {
	cfg      Config
	engine   reconciler.Reconciler
	api      *api.Server
	gatherer prometheus.Gatherer
	metrics  *Metrics
	logger   *telemetry.Logger

	startTime    time.Time
	triggerCount atomic.Int64

	mu            sync.Mutex
	metricsServer *http.Server
	metricsClosed bool
}

// Option configures a Daemon
type Option func(*Daemon)

// WithAPI serves apiServer on Config.APIAddr
func WithAPI(apiServer *api.Server) Option {
	return func(d *Daemon) {
		d.api = apiServer
	}
}

// WithGatherer serves g on Config.MetricsAddr
func WithGatherer(g prometheus.Gatherer) Option {
	return func(d *Daemon) {
		d.gatherer = g
	}
}

// WithMetrics counts automatic reconciliations
func WithMetrics(m *Metrics) Option {
	return func(d *Daemon) {
		d.metrics = m
	}
}

// NewDaemon creates a new daemon instance
func NewDaemon(cfg Config, engine reconciler.Reconciler, opts ...Option) *Daemon {
	d := &Daemon{
		cfg:       cfg,
		engine:    engine,
		gatherer:  prometheus.DefaultGatherer,
		logger:    telemetry.NewLogger("daemon"),
		startTime: time.Now(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// OpenJournal enforces retention on dir, then opens the journal. Retention
// runs first so the live segment is never removed.
func OpenJournal(dir string, retentionDays int) (*wal.WAL, error) {
	cfg := wal.DefaultConfig()
	cfg.RetentionDays = retentionDays

	stats, err := wal.Cleanup(dir, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to clean journal: %w", err)
	}
	if stats.FilesRemoved > 0 {
		telemetry.NewLogger("daemon").Info().
			Int("files", stats.FilesRemoved).
			Int64("bytes", stats.BytesFreed).
			Msg("removed expired journal segments")
	}

	w, err := wal.OpenWithConfig(dir, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	return w, nil
}

// Run reconciles the latest source pair once, then serves until ctx is done
// or a termination signal arrives
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.trigger(ctx, TriggerStartup); err != nil {
		d.logger.Error().Err(err).Msg("initial reconcile failed, serving previous snapshot")
	}

	var g run.Group

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g.Add(func() error {
		<-ctx.Done()
		return nil
	}, func(error) {
		cancel()
	})

	g.Add(run.SignalHandler(ctx, syscall.SIGINT, syscall.SIGTERM))

	if d.api != nil && d.cfg.APIAddr != "" {
		g.Add(func() error {
			return d.api.ListenAndServe(d.cfg.APIAddr)
		}, func(error) {
			shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
			defer done()
			_ = d.api.Shutdown(shutdownCtx)
		})
	}

	if d.cfg.MetricsAddr != "" {
		g.Add(func() error {
			return d.serveMetrics(d.cfg.MetricsAddr)
		}, func(error) {
			d.stopMetrics()
		})
	}

	if d.cfg.Watch {
		w, err := watcher.New(d.cfg.WatchDirs, d.cfg.Debounce, func(ctx context.Context) error {
			return d.trigger(ctx, TriggerWatch)
		})
		if err != nil {
			return err
		}
		defer func() { _ = w.Close() }()

		watchCtx, stopWatch := context.WithCancel(ctx)
		g.Add(func() error {
			return w.Run(watchCtx)
		}, func(error) {
			stopWatch()
		})
	}

	d.logger.Info().
		Str("api_addr", d.cfg.APIAddr).
		Str("metrics_addr", d.cfg.MetricsAddr).
		Bool("watch", d.cfg.Watch).
		Msg("daemon started")

	err := g.Run()

	var sigErr run.SignalError
	if errors.As(err, &sigErr) {
		d.logger.Info().Str("signal", sigErr.Signal.String()).Msg("shutting down")
		return nil
	}
	return err
}

// trigger runs ReconcileLatest and records the outcome
func (d *Daemon) trigger(ctx context.Context, trigger string) error {
	d.triggerCount.Add(1)

	result, err := d.engine.ReconcileLatest(ctx)
	switch {
	case err != nil:
		d.metrics.RecordTrigger(ctx, trigger, OutcomeFailed)
		return err
	case result == nil:
		d.metrics.RecordTrigger(ctx, trigger, OutcomeSkipped)
	default:
		d.metrics.RecordTrigger(ctx, trigger, OutcomeCommitted)
	}
	return nil
}

// Handler returns the metrics endpoint handler
func (d *Daemon) Handler() http.Handler {
	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.HandlerFor(d.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	router.HandleFunc("/health", d.handleHealth).Methods(http.MethodGet)
	return router
}

func (d *Daemon) serveMetrics(addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           d.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	d.mu.Lock()
	if d.metricsClosed {
		d.mu.Unlock()
		return nil
	}
	d.metricsServer = srv
	d.mu.Unlock()

	d.logger.Info().Str("addr", addr).Msg("metrics server listening")

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server failed: %w", err)
	}
	return nil
}

func (d *Daemon) stopMetrics() {
	d.mu.Lock()
	srv := d.metricsServer
	d.metricsClosed = true
	d.mu.Unlock()

	if srv == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	_ = srv.Shutdown(ctx)
}

func (d *Daemon) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(d.Health())
}

// Health returns daemon health status
func (d *Daemon) Health() HealthStatus {
	state := d.engine.State()
	return HealthStatus{
		Status:           "healthy",
		Uptime:           int64(time.Since(d.startTime).Seconds()),
		Triggers:         d.triggerCount.Load(),
		LastReconciledAt: state.LastReconciledAt,
		Revision:         state.Revision,
	}
}

// HealthStatus represents daemon health
type HealthStatus struct {
	Status           string `json:"status"`
	Uptime           int64  `json:"uptime_seconds"`
	Triggers         int64  `json:"triggers"`
	LastReconciledAt string `json:"last_reconciled_at,omitempty"`
	Revision         int64  `json:"revision,omitempty"`
}

// TriggerCount returns total automatic reconciliations attempted
func (d *Daemon) TriggerCount() int64 {
	return d.triggerCount.Load()
}
