package reconciler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/yairfalse/itamrec/schema"
	"github.com/yairfalse/itamrec/source"
	"github.com/yairfalse/itamrec/storage"
	"github.com/yairfalse/itamrec/telemetry"
	"github.com/yairfalse/itamrec/types"
	"github.com/yairfalse/itamrec/wal"
)

const inventoryHeader = "ITAMID,Hostname,IP Address,Department,Region,Environment\n"

var fixedNow = time.Date(2026, 10, 17, 9, 30, 0, 0, time.UTC)

type fixture struct {
	itamDir   string
	activeDir string
	store     *storage.BoltStore
	engine    *Engine
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()

	f := &fixture{
		itamDir:   t.TempDir(),
		activeDir: t.TempDir(),
	}

	store, err := storage.NewBoltStore(filepath.Join(t.TempDir(), "itamrec.db"), 1)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	f.store = store

	opts = append([]Option{WithClock(func() time.Time { return fixedNow }), WithLogger(telemetry.Nop())}, opts...)
	f.engine = NewEngine(
		source.NewDirSource("itam", f.itamDir),
		source.NewDirSource("active", f.activeDir),
		store,
		opts...,
	)
	return f
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0600))
}

func (f *fixture) query(t *testing.T) []types.ReconciledRecord {
	t.Helper()
	records, err := f.store.Query(context.Background(), types.Filter{})
	require.NoError(t, err)
	return records
}

func TestEngine_EndToEnd(t *testing.T) {
	f := newFixture(t)
	writeFile(t, f.itamDir, "itam.csv", inventoryHeader+"A1,h1,1.1.1.1,FIN,US,prod\n")
	writeFile(t, f.activeDir, "active.csv", "ip_address\n1.1.1.1\n")

	result, err := f.engine.Reconcile(context.Background(), "itam.csv", "active.csv")
	require.NoError(t, err)

	assert.Equal(t, int64(1), result.Meta.Revision)
	assert.Equal(t, 1, result.Meta.RecordCount)
	assert.Equal(t, 1, result.Meta.Integrated)
	assert.NotEmpty(t, result.Meta.ITAMChecksum)

	records := f.query(t)
	require.Len(t, records, 1)
	assert.Equal(t, "A1", records[0].ITAMID)
	assert.Equal(t, types.StatusIntegrated, records[0].Status)
	assert.Equal(t, "itam.csv", records[0].SourceITAMFile)
	assert.Equal(t, "active.csv", records[0].SourceActiveFile)

	state := f.engine.State()
	assert.Equal(t, "itam.csv", state.CurrentITAMSource)
	assert.Equal(t, "active.csv", state.CurrentActiveSource)
	assert.Equal(t, "2026-10-17 09:30:00", state.LastReconciledAt)
	assert.Equal(t, result.Meta.RunID, state.RunID)
	assert.Equal(t, int64(1), state.Revision)
}

func TestEngine_WhitespaceClassification(t *testing.T) {
	f := newFixture(t)
	writeFile(t, f.itamDir, "itam.csv", inventoryHeader+
		"1,h1,10.0.0.1,FIN,US,prod\n"+
		"3,h3,10.0.0.3,FIN,US,prod\n")
	writeFile(t, f.activeDir, "active.csv", "ip_address\n10.0.0.1 \n 10.0.0.2\n")

	_, err := f.engine.Reconcile(context.Background(), "itam.csv", "active.csv")
	require.NoError(t, err)

	status := map[string]types.Status{}
	for _, r := range f.query(t) {
		status[r.ITAMID] = r.Status
	}
	assert.Equal(t, types.StatusIntegrated, status["1"])
	assert.Equal(t, types.StatusPending, status["3"])
}

func TestEngine_FullReplace(t *testing.T) {
	f := newFixture(t)
	writeFile(t, f.itamDir, "first.csv", inventoryHeader+"A1,h1,1.1.1.1,FIN,US,prod\nA2,h2,1.1.1.2,FIN,US,prod\n")
	writeFile(t, f.itamDir, "second.csv", inventoryHeader+"B1,h9,2.2.2.2,OPS,EU,dev\n")
	writeFile(t, f.activeDir, "active.csv", "ip_address\n1.1.1.1\n")

	_, err := f.engine.Reconcile(context.Background(), "first.csv", "active.csv")
	require.NoError(t, err)
	require.Len(t, f.query(t), 2)

	result, err := f.engine.Reconcile(context.Background(), "second.csv", "active.csv")
	require.NoError(t, err)
	assert.Equal(t, int64(2), result.Meta.Revision)

	records := f.query(t)
	require.Len(t, records, 1)
	assert.Equal(t, "B1", records[0].ITAMID)
	assert.Equal(t, "second.csv", records[0].SourceITAMFile)
	assert.Equal(t, "second.csv", f.engine.State().CurrentITAMSource)
}

func TestEngine_RejectedRunLeavesStateUntouched(t *testing.T) {
	tests := []struct {
		name      string
		inventory string
		active    string
		check     func(t *testing.T, err error)
	}{
		{
			name:      "missing department",
			inventory: "itamid,hostname,ip_address,region,environment\nX,h,1.1.1.1,US,prod\n",
			active:    "ip_address\n1.1.1.1\n",
			check: func(t *testing.T, err error) {
				var invalid *schema.SchemaValidationError
				require.True(t, errors.As(err, &invalid))
				assert.Equal(t, []string{"department"}, invalid.Missing)
			},
		},
		{
			name:      "missing identity",
			inventory: "hostname,ip_address,department,region,environment\nh,1.1.1.1,FIN,US,prod\n",
			active:    "ip_address\n1.1.1.1\n",
			check: func(t *testing.T, err error) {
				var missing *schema.MissingIdentityColumnError
				require.True(t, errors.As(err, &missing))
			},
		},
		{
			name:      "active without ip column",
			inventory: inventoryHeader + "X,h,1.1.1.1,FIN,US,prod\n",
			active:    "service\nweb\n",
			check: func(t *testing.T, err error) {
				var invalid *schema.SchemaValidationError
				require.True(t, errors.As(err, &invalid))
				assert.Equal(t, SideActive, invalid.Side)
			},
		},
		{
			name:      "malformed inventory",
			inventory: inventoryHeader + "X,h,1.1.1.1\n",
			active:    "ip_address\n1.1.1.1\n",
			check: func(t *testing.T, err error) {
				var perr *source.ParseError
				require.True(t, errors.As(err, &perr))
			},
		},
		{
			name:      "inventory not utf-8",
			inventory: inventoryHeader + "X,h,1.1.1.1,FIN,M\xfcnchen,prod\n",
			active:    "ip_address\n1.1.1.1\n",
			check: func(t *testing.T, err error) {
				var perr *source.ParseError
				require.True(t, errors.As(err, &perr))
				assert.Equal(t, 2, perr.Line)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			writeFile(t, f.itamDir, "good.csv", inventoryHeader+"A1,h1,1.1.1.1,FIN,US,prod\n")
			writeFile(t, f.activeDir, "good.csv", "ip_address\n1.1.1.1\n")
			writeFile(t, f.itamDir, "bad.csv", tt.inventory)
			writeFile(t, f.activeDir, "bad.csv", tt.active)

			_, err := f.engine.Reconcile(context.Background(), "good.csv", "good.csv")
			require.NoError(t, err)
			before := f.engine.State()

			result, err := f.engine.Reconcile(context.Background(), "bad.csv", "bad.csv")
			require.Error(t, err)
			assert.Nil(t, result)
			tt.check(t, err)

			assert.Equal(t, before, f.engine.State())
			records := f.query(t)
			require.Len(t, records, 1)
			assert.Equal(t, "A1", records[0].ITAMID)
		})
	}
}

func TestEngine_SourceNotFound(t *testing.T) {
	f := newFixture(t)
	writeFile(t, f.activeDir, "active.csv", "ip_address\n")

	_, err := f.engine.Reconcile(context.Background(), "absent.csv", "active.csv")

	var notFound *source.SourceNotFoundError
	require.True(t, errors.As(err, &notFound))
	assert.Equal(t, "absent.csv", notFound.ID)
	assert.True(t, f.engine.State().IsZero())
}

func TestEngine_TimestampUniformity(t *testing.T) {
	var calls atomic.Int64
	clock := func() time.Time {
		return fixedNow.Add(time.Duration(calls.Add(1)) * time.Second)
	}

	f := newFixture(t, WithClock(clock))
	writeFile(t, f.itamDir, "itam.csv", inventoryHeader+
		"1,a,10.0.0.1,FIN,US,prod\n2,b,10.0.0.2,FIN,US,prod\n3,c,10.0.0.3,OPS,EU,dev\n")
	writeFile(t, f.activeDir, "active.csv", "ip_address\n10.0.0.2\n")

	result, err := f.engine.Reconcile(context.Background(), "itam.csv", "active.csv")
	require.NoError(t, err)

	records := f.query(t)
	require.Len(t, records, 3)
	for _, r := range records {
		assert.Equal(t, result.Meta.ReconciledAt, r.ReconciledAt)
	}
	_, err = time.Parse(types.TimestampLayout, result.Meta.ReconciledAt)
	assert.NoError(t, err)
}

func TestEngine_EmptyActiveSet(t *testing.T) {
	f := newFixture(t)
	writeFile(t, f.itamDir, "itam.csv", inventoryHeader+"1,a,10.0.0.1,FIN,US,prod\n2,b,10.0.0.2,FIN,US,prod\n")
	writeFile(t, f.activeDir, "active.csv", "ip_address\n")

	result, err := f.engine.Reconcile(context.Background(), "itam.csv", "active.csv")
	require.NoError(t, err)
	assert.Equal(t, 2, result.Meta.Pending)

	for _, r := range f.query(t) {
		assert.Equal(t, types.StatusPending, r.Status)
	}
}

// stubStore is a SnapshotWriter with a pluggable ReplaceSnapshot
type stubStore struct {
	replaceFn func(ctx context.Context, s types.Snapshot) (int64, error)
}

func (s *stubStore) ReplaceSnapshot(ctx context.Context, snapshot types.Snapshot) (int64, error) {
	return s.replaceFn(ctx, snapshot)
}

func newStubEngine(t *testing.T, store storage.SnapshotWriter, opts ...Option) *Engine {
	t.Helper()
	itamDir, activeDir := t.TempDir(), t.TempDir()
	writeFile(t, itamDir, "itam.csv", inventoryHeader+"1,a,10.0.0.1,FIN,US,prod\n")
	writeFile(t, activeDir, "active.csv", "ip_address\n10.0.0.1\n")

	opts = append([]Option{WithLogger(telemetry.Nop())}, opts...)
	return NewEngine(source.NewDirSource("itam", itamDir), source.NewDirSource("active", activeDir), store, opts...)
}

func TestEngine_PersistFailure(t *testing.T) {
	persistErr := errors.New("disk full")
	store := &stubStore{replaceFn: func(context.Context, types.Snapshot) (int64, error) {
		return 0, persistErr
	}}
	engine := newStubEngine(t, store)

	_, err := engine.Reconcile(context.Background(), "itam.csv", "active.csv")
	require.Error(t, err)
	assert.ErrorIs(t, err, persistErr)
	assert.True(t, engine.State().IsZero())
}

func TestEngine_SerializesRuns(t *testing.T) {
	var inFlight, maxInFlight, revisions atomic.Int64
	store := &stubStore{replaceFn: func(context.Context, types.Snapshot) (int64, error) {
		n := inFlight.Add(1)
		for {
			m := maxInFlight.Load()
			if n <= m || maxInFlight.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return revisions.Add(1), nil
	}}
	engine := newStubEngine(t, store)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := engine.Reconcile(context.Background(), "itam.csv", "active.csv")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), maxInFlight.Load())
	assert.Equal(t, int64(8), engine.State().Revision)
}

func TestEngine_CanceledContext(t *testing.T) {
	called := false
	store := &stubStore{replaceFn: func(context.Context, types.Snapshot) (int64, error) {
		called = true
		return 1, nil
	}}
	engine := newStubEngine(t, store)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := engine.Reconcile(ctx, "itam.csv", "active.csv")
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}

func TestEngine_CancelAfterStartStillCommits(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := newFixture(t, WithClock(func() time.Time {
		cancel()
		return fixedNow
	}))
	writeFile(t, f.itamDir, "itam.csv", inventoryHeader+"A1,h1,1.1.1.1,FIN,US,prod\n")
	writeFile(t, f.activeDir, "active.csv", "ip_address\n1.1.1.1\n")

	result, err := f.engine.Reconcile(ctx, "itam.csv", "active.csv")
	require.NoError(t, err)
	require.Error(t, ctx.Err())

	assert.Equal(t, int64(1), result.Meta.Revision)
	assert.Equal(t, int64(1), f.engine.State().Revision)
	assert.Len(t, f.query(t), 1)
}

func TestEngine_LogsSpanLifecycle(t *testing.T) {
	var buf bytes.Buffer
	logger := telemetry.FromZerolog(zerolog.New(&buf).Level(zerolog.DebugLevel), "reconciler")

	f := newFixture(t, WithLogger(logger))
	writeFile(t, f.itamDir, "itam.csv", inventoryHeader+"A1,h1,1.1.1.1,FIN,US,prod\n")
	writeFile(t, f.activeDir, "active.csv", "ip_address\n1.1.1.1\n")

	_, err := f.engine.Reconcile(context.Background(), "itam.csv", "active.csv")
	require.NoError(t, err)
	_, err = f.engine.Reconcile(context.Background(), "missing.csv", "active.csv")
	require.Error(t, err)

	var spans []string
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		if entry["span_name"] == spanReconcile {
			spans = append(spans, entry["message"].(string))
		}
	}
	assert.Equal(t, []string{"span started", "span completed", "span started", "span failed"}, spans)
	assert.Contains(t, buf.String(), `"itam_source":"itam.csv"`)
}

// stubJournal records appended entry types
type stubJournal struct {
	mu      sync.Mutex
	entries []wal.EntryType
	errors  []string
	failOn  wal.EntryType
}

func (j *stubJournal) Append(entryType wal.EntryType, runID string, data interface{}) error {
	return j.AppendError(entryType, runID, data, nil)
}

func (j *stubJournal) AppendError(entryType wal.EntryType, _ string, _ interface{}, err error) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if entryType == j.failOn {
		return errors.New("journal unavailable")
	}
	j.entries = append(j.entries, entryType)
	if err != nil {
		j.errors = append(j.errors, err.Error())
	}
	return nil
}

func TestEngine_JournalStartFailureAborts(t *testing.T) {
	called := false
	store := &stubStore{replaceFn: func(context.Context, types.Snapshot) (int64, error) {
		called = true
		return 1, nil
	}}
	journal := &stubJournal{failOn: wal.EntryRunStarted}
	engine := newStubEngine(t, store, WithJournal(journal))

	_, err := engine.Reconcile(context.Background(), "itam.csv", "active.csv")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to log reconcile start")
	assert.False(t, called)
	assert.True(t, engine.State().IsZero())
}

func TestEngine_JournalCommitFailureIsLogged(t *testing.T) {
	store := &stubStore{replaceFn: func(context.Context, types.Snapshot) (int64, error) { return 4, nil }}
	journal := &stubJournal{failOn: wal.EntryRunCommitted}
	engine := newStubEngine(t, store, WithJournal(journal))

	result, err := engine.Reconcile(context.Background(), "itam.csv", "active.csv")
	require.NoError(t, err)
	assert.Equal(t, int64(4), result.Meta.Revision)
	assert.Equal(t, int64(4), engine.State().Revision)
}

func TestEngine_JournalsFailedRun(t *testing.T) {
	store := &stubStore{replaceFn: func(context.Context, types.Snapshot) (int64, error) {
		return 0, errors.New("locked")
	}}
	journal := &stubJournal{}
	engine := newStubEngine(t, store, WithJournal(journal))

	_, err := engine.Reconcile(context.Background(), "itam.csv", "active.csv")
	require.Error(t, err)

	assert.Equal(t, []wal.EntryType{wal.EntryRunStarted, wal.EntryRunFailed}, journal.entries)
	require.Len(t, journal.errors, 1)
	assert.Contains(t, journal.errors[0], "locked")
}

func TestEngine_WritesWAL(t *testing.T) {
	walDir := t.TempDir()
	w, err := wal.Open(walDir)
	require.NoError(t, err)

	f := newFixture(t, WithJournal(w), WithIDGenerator(func() string { return "run-1" }))
	writeFile(t, f.itamDir, "itam.csv", inventoryHeader+"A1,h1,1.1.1.1,FIN,US,prod\n")
	writeFile(t, f.activeDir, "active.csv", "ip_address\n1.1.1.1\n")

	_, err = f.engine.Reconcile(context.Background(), "itam.csv", "active.csv")
	require.NoError(t, err)
	require.NoError(t, w.Close())

	var entries []*wal.Entry
	err = wal.Replay(walDir, time.Time{}, func(e *wal.Entry) error {
		entries = append(entries, e)
		return nil
	})
	require.NoError(t, err)

	require.Len(t, entries, 2)
	assert.Equal(t, wal.EntryRunStarted, entries[0].Type)
	assert.Equal(t, wal.EntryRunCommitted, entries[1].Type)
	assert.Equal(t, "run-1", entries[1].RunID)
	assert.Contains(t, string(entries[1].Data), `"revision":1`)
	assert.Contains(t, string(entries[1].Data), `"integrated":1`)
}

func TestEngine_ReconcileLatest(t *testing.T) {
	t.Run("no-op without datasets", func(t *testing.T) {
		f := newFixture(t)
		writeFile(t, f.itamDir, "itam.csv", inventoryHeader)

		result, err := f.engine.ReconcileLatest(context.Background())
		require.NoError(t, err)
		assert.Nil(t, result)
		assert.True(t, f.engine.State().IsZero())
	})

	t.Run("picks most recent pair", func(t *testing.T) {
		f := newFixture(t)
		writeFile(t, f.itamDir, "old.csv", inventoryHeader+"OLD,h,1.1.1.1,FIN,US,prod\n")
		writeFile(t, f.itamDir, "new.csv", inventoryHeader+"NEW,h,1.1.1.1,FIN,US,prod\n")
		writeFile(t, f.activeDir, "active.csv", "ip_address\n1.1.1.1\n")

		past := time.Now().Add(-time.Hour)
		require.NoError(t, os.Chtimes(filepath.Join(f.itamDir, "old.csv"), past, past))

		result, err := f.engine.ReconcileLatest(context.Background())
		require.NoError(t, err)
		require.NotNil(t, result)
		assert.Equal(t, "new.csv", result.Meta.ITAMSource)
		assert.Equal(t, "active.csv", f.engine.State().CurrentActiveSource)
	})
}

func TestEngine_Metrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer func() { _ = provider.Shutdown(context.Background()) }()

	metrics, err := NewMetrics(provider.Meter("test"))
	require.NoError(t, err)

	f := newFixture(t, WithMetrics(metrics))
	writeFile(t, f.itamDir, "itam.csv", inventoryHeader+"A1,h1,1.1.1.1,FIN,US,prod\nA2,h2,1.1.1.2,FIN,US,prod\n")
	writeFile(t, f.activeDir, "active.csv", "ip_address\n1.1.1.1\n")

	_, err = f.engine.Reconcile(context.Background(), "itam.csv", "active.csv")
	require.NoError(t, err)
	_, err = f.engine.Reconcile(context.Background(), "absent.csv", "active.csv")
	require.Error(t, err)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	found := map[string]metricdata.Aggregation{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			found[m.Name] = m.Data
		}
	}

	runs, ok := found["itamrec.reconcile.runs"].(metricdata.Sum[int64])
	require.True(t, ok)
	byStatus := map[string]int64{}
	for _, dp := range runs.DataPoints {
		status, _ := dp.Attributes.Value("status")
		byStatus[status.AsString()] = dp.Value
	}
	assert.Equal(t, int64(1), byStatus["success"])
	assert.Equal(t, int64(1), byStatus["failure"])

	revision, ok := found["itamrec.snapshot.revision"].(metricdata.Gauge[int64])
	require.True(t, ok)
	require.Len(t, revision.DataPoints, 1)
	assert.Equal(t, int64(1), revision.DataPoints[0].Value)

	assert.Contains(t, found, "itamrec.reconcile.duration")
	assert.Contains(t, found, "itamrec.snapshot.records")
}
