// Package reconciler classifies inventory records against the set of
// active-service IP addresses and persists the result as a snapshot.
package reconciler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/itamrec/source"
	"github.com/yairfalse/itamrec/storage"
	"github.com/yairfalse/itamrec/telemetry"
	"github.com/yairfalse/itamrec/types"
	"github.com/yairfalse/itamrec/wal"
)

const spanReconcile = "reconciler.reconcile"

// Engine implements the reconciliation pipeline and owns the RunState
type Engine struct {
	itam   source.Source
	active source.Source
	store  storage.SnapshotWriter

	journal Journal
	metrics *Metrics
	logger  *telemetry.Logger
	tracer  trace.Tracer
	now     func() time.Time
	newID   func() string

	// runMu serializes runs; a run is a critical section
	runMu sync.Mutex

	stateMu sync.RWMutex
	state   types.RunState
}

// NewEngine creates a new reconciler engine
func NewEngine(itam, active source.Source, store storage.SnapshotWriter, opts ...Option) *Engine {
	e := &Engine{
		itam:   itam,
		active: active,
		store:  store,
		logger: telemetry.NewLogger("reconciler"),
		tracer: otel.Tracer("reconciler"),
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// State returns a copy of the last successful run's provenance
func (e *Engine) State() types.RunState {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	return e.state
}

// ReconcileLatest reconciles the most recently modified dataset of each
// side. It is a no-op returning (nil, nil) when either side is empty.
func (e *Engine) ReconcileLatest(ctx context.Context) (*RunResult, error) {
	itamID, ok, err := source.Latest(ctx, e.itam)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s sources: %w", e.itam.Name(), err)
	}
	if !ok {
		e.logger.WithContext(ctx).Info().Str("side", e.itam.Name()).Msg("no datasets available, skipping reconcile")
		return nil, nil
	}

	activeID, ok, err := source.Latest(ctx, e.active)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s sources: %w", e.active.Name(), err)
	}
	if !ok {
		e.logger.WithContext(ctx).Info().Str("side", e.active.Name()).Msg("no datasets available, skipping reconcile")
		return nil, nil
	}

	return e.Reconcile(ctx, itamID, activeID)
}

// Reconcile performs a full reconciliation of itamID against activeID.
// On any error nothing is persisted and the RunState is unchanged.
func (e *Engine) Reconcile(ctx context.Context, itamID, activeID string) (*RunResult, error) {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	// a started run is not cancelled: it commits or fails on its own
	ctx = context.WithoutCancel(ctx)

	runID := e.newID()
	start := time.Now()

	attrs := []attribute.KeyValue{
		attribute.String("run_id", runID),
		attribute.String("itam_source", itamID),
		attribute.String("active_source", activeID),
	}
	ctx, span := e.tracer.Start(ctx, spanReconcile, trace.WithAttributes(attrs...))
	defer span.End()
	e.logger.LogSpanStart(ctx, spanReconcile, attrs...)

	logger := e.logger.WithContext(ctx).With().
		Str("run_id", runID).
		Str("itam_source", itamID).
		Str("active_source", activeID).
		Logger()

	data := RunData{ITAMSource: itamID, ActiveSource: activeID}
	if err := e.logRunStart(runID, data); err != nil {
		e.recordFailure(ctx, span, start, err)
		e.logger.LogSpanEnd(ctx, spanReconcile, err)
		logger.Error().Err(err).Msg("reconcile aborted")
		return nil, err
	}

	logger.Info().Msg("reconcile started")

	snapshot, err := e.classify(ctx, runID, itamID, activeID)
	if err == nil {
		snapshot.Meta.Revision, err = e.persist(ctx, snapshot)
	}
	if err != nil {
		e.recordFailure(ctx, span, start, err)
		e.logRunFailed(runID, data, err)
		e.logger.LogSpanEnd(ctx, spanReconcile, err)
		logger.Error().Err(err).Msg("reconcile failed, previous snapshot remains current")
		return nil, err
	}

	meta := snapshot.Meta
	e.setState(types.RunState{
		CurrentITAMSource:   itamID,
		CurrentActiveSource: activeID,
		LastReconciledAt:    meta.ReconciledAt,
		RunID:               runID,
		Revision:            meta.Revision,
	})

	elapsed := time.Since(start)
	e.metrics.recordSuccess(ctx, meta, elapsed)
	span.SetAttributes(
		attribute.Int64("revision", meta.Revision),
		attribute.Int("records", meta.RecordCount),
	)

	data.Revision = meta.Revision
	data.Records = meta.RecordCount
	data.Integrated = meta.Integrated
	data.Pending = meta.Pending
	data.ReconciledAt = meta.ReconciledAt
	data.DurationMS = elapsed.Milliseconds()
	if err := e.appendJournal(wal.EntryRunCommitted, runID, data, nil); err != nil {
		logger.Warn().Err(err).Msg("failed to journal committed run")
	}

	logger.Info().
		Int64("revision", meta.Revision).
		Int("records", meta.RecordCount).
		Int("integrated", meta.Integrated).
		Int("pending", meta.Pending).
		Int64("duration_ms", elapsed.Milliseconds()).
		Msg("reconcile committed")
	e.logger.LogSpanEnd(ctx, spanReconcile, nil)

	return &RunResult{Meta: meta, Duration: elapsed}, nil
}

// classify loads, normalizes and classifies both sides
func (e *Engine) classify(ctx context.Context, runID, itamID, activeID string) (types.Snapshot, error) {
	inventory, err := e.itam.Load(ctx, itamID)
	if err != nil {
		return types.Snapshot{}, fmt.Errorf("failed to load inventory: %w", err)
	}

	active, err := e.active.Load(ctx, activeID)
	if err != nil {
		return types.Snapshot{}, fmt.Errorf("failed to load active services: %w", err)
	}

	records, err := PrepareInventory(inventory)
	if err != nil {
		return types.Snapshot{}, fmt.Errorf("invalid inventory %q: %w", itamID, err)
	}

	activeIPs, err := ActiveSet(active)
	if err != nil {
		return types.Snapshot{}, fmt.Errorf("invalid active services %q: %w", activeID, err)
	}

	classified := Classify(records, activeIPs)

	reconciledAt := e.now().Format(types.TimestampLayout)
	Stamp(classified, itamID, activeID, reconciledAt)

	integrated, pending := count(classified)
	return types.Snapshot{
		Meta: types.SnapshotMeta{
			RunID:          runID,
			ITAMSource:     itamID,
			ActiveSource:   activeID,
			ITAMChecksum:   inventory.Checksum,
			ActiveChecksum: active.Checksum,
			ReconciledAt:   reconciledAt,
			RecordCount:    len(classified),
			Integrated:     integrated,
			Pending:        pending,
		},
		Records: classified,
	}, nil
}

func (e *Engine) persist(ctx context.Context, snapshot types.Snapshot) (int64, error) {
	rev, err := e.store.ReplaceSnapshot(ctx, snapshot)
	if err != nil {
		return 0, fmt.Errorf("failed to persist snapshot: %w", err)
	}
	return rev, nil
}

func (e *Engine) setState(state types.RunState) {
	e.stateMu.Lock()
	e.state = state
	e.stateMu.Unlock()
}

// logRunStart journals the start of a run. Failure aborts the run.
func (e *Engine) logRunStart(runID string, data RunData) error {
	if err := e.appendJournal(wal.EntryRunStarted, runID, data, nil); err != nil {
		return fmt.Errorf("failed to log reconcile start: %w", err)
	}
	return nil
}

func (e *Engine) logRunFailed(runID string, data RunData, runErr error) {
	if err := e.appendJournal(wal.EntryRunFailed, runID, data, runErr); err != nil {
		e.logger.Warn().Err(err).Str("run_id", runID).Msg("failed to journal failed run")
	}
}

func (e *Engine) appendJournal(entryType wal.EntryType, runID string, data RunData, runErr error) error {
	if e.journal == nil {
		return nil
	}
	if runErr != nil {
		return e.journal.AppendError(entryType, runID, data, runErr)
	}
	return e.journal.Append(entryType, runID, data)
}

func (e *Engine) recordFailure(ctx context.Context, span trace.Span, start time.Time, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	e.metrics.recordFailure(ctx, time.Since(start))
}
