package reconciler

import (
	"context"
	"time"

	"github.com/yairfalse/itamrec/telemetry"
	"github.com/yairfalse/itamrec/types"
	"github.com/yairfalse/itamrec/wal"
)

// Reconciler runs one reconciliation of an inventory source against an
// active-services source
type Reconciler interface {
	Reconcile(ctx context.Context, itamID, activeID string) (*RunResult, error)
	ReconcileLatest(ctx context.Context) (*RunResult, error)
	State() types.RunState
}

// Journal records run outcomes. *wal.WAL satisfies it.
type Journal interface {
	Append(entryType wal.EntryType, runID string, data interface{}) error
	AppendError(entryType wal.EntryType, runID string, data interface{}, err error) error
}

// RunResult contains the outcome of a successful run
type RunResult struct {
	Meta     types.SnapshotMeta `json:"meta"`
	Duration time.Duration      `json:"duration"`
}

// RunData is the journal payload of every run entry
type RunData struct {
	ITAMSource   string `json:"itam_source"`
	ActiveSource string `json:"active_source"`
	Revision     int64  `json:"revision,omitempty"`
	Records      int    `json:"records,omitempty"`
	Integrated   int    `json:"integrated,omitempty"`
	Pending      int    `json:"pending,omitempty"`
	ReconciledAt string `json:"reconciled_at,omitempty"`
	DurationMS   int64  `json:"duration_ms,omitempty"`
}

// Option configures an Engine
type Option func(*Engine)

// WithJournal records run_started, run_committed and run_failed entries
func WithJournal(j Journal) Option {
	return func(e *Engine) {
		e.journal = j
	}
}

// WithClock replaces the wall clock used for run timestamps
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// WithMetrics records run metrics
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithIDGenerator replaces the run ID generator
func WithIDGenerator(newID func() string) Option {
	return func(e *Engine) {
		e.newID = newID
	}
}

// WithLogger replaces the engine logger
func WithLogger(l *telemetry.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}
