// Package storagetest holds the behaviour every snapshot backend must share.
package storagetest

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/itamrec/storage"
	"github.com/yairfalse/itamrec/types"
)

// Opener returns a fresh, empty store. The store is closed by the suite.
type Opener func(t *testing.T) storage.SnapshotStore

// Record builds a reconciled record for fixtures
func Record(id, host, env, dept, region string, status types.Status) types.ReconciledRecord {
	return types.ReconciledRecord{
		InventoryRecord: types.InventoryRecord{
			ITAMID:      id,
			Hostname:    host,
			IPAddress:   "10.0.0." + id,
			Department:  dept,
			Region:      region,
			Environment: env,
		},
		Status:           status,
		SourceITAMFile:   "itam.csv",
		SourceActiveFile: "active.csv",
		ReconciledAt:     "2026-10-17 09:30:00",
	}
}

// Fixture is a snapshot spread over two regions and three departments
func Fixture(runID string) types.Snapshot {
	records := []types.ReconciledRecord{
		Record("1", "web-02", "prod", "SALES", "emea", types.StatusIntegrated),
		Record("2", "web-01", "prod", "SALES", "emea", types.StatusPending),
		Record("3", "db-01", "dev", "SALES", "emea", types.StatusPending),
		Record("4", "api-01", "prod", "FINANCE", "apac", types.StatusIntegrated),
		Record("5", "web-01", "prod", "SALES", "emea", types.StatusIntegrated),
		Record("6", "etl-01", "prod", "FINANCE", "emea", types.StatusPending),
		Record("7", "ops-01", "staging", "OPS", "apac", types.StatusPending),
	}
	return Snapshot(runID, records)
}

// Snapshot wraps records with matching metadata
func Snapshot(runID string, records []types.ReconciledRecord) types.Snapshot {
	meta := types.SnapshotMeta{
		RunID:          runID,
		ITAMSource:     "itam.csv",
		ActiveSource:   "active.csv",
		ITAMChecksum:   "aa",
		ActiveChecksum: "bb",
		ReconciledAt:   "2026-10-17 09:30:00",
		RecordCount:    len(records),
	}
	for _, r := range records {
		if r.Status == types.StatusIntegrated {
			meta.Integrated++
		} else {
			meta.Pending++
		}
	}
	return types.Snapshot{Meta: meta, Records: records}
}

func ids(records []types.ReconciledRecord) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.ITAMID
	}
	return out
}

// Run executes the shared backend suite
func Run(t *testing.T, open Opener) {
	t.Run("EmptyStore", func(t *testing.T) { testEmptyStore(t, open) })
	t.Run("QueryOrdering", func(t *testing.T) { testQueryOrdering(t, open) })
	t.Run("QueryFilters", func(t *testing.T) { testQueryFilters(t, open) })
	t.Run("Summary", func(t *testing.T) { testSummary(t, open) })
	t.Run("Departments", func(t *testing.T) { testDepartments(t, open) })
	t.Run("RegionForDepartment", func(t *testing.T) { testRegionForDepartment(t, open) })
	t.Run("FullReplace", func(t *testing.T) { testFullReplace(t, open) })
	t.Run("EmptySnapshot", func(t *testing.T) { testEmptySnapshot(t, open) })
	t.Run("ConcurrentReaders", func(t *testing.T) { testConcurrentReaders(t, open) })
}

func openStore(t *testing.T, open Opener) storage.SnapshotStore {
	t.Helper()
	store := open(t)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testEmptyStore(t *testing.T, open Opener) {
	ctx := context.Background()
	store := openStore(t, open)

	_, ok, err := store.Current(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	records, err := store.Query(ctx, types.Filter{})
	require.NoError(t, err)
	assert.Empty(t, records)

	summary, err := store.Summary(ctx)
	require.NoError(t, err)
	assert.Empty(t, summary)

	departments, err := store.Departments(ctx)
	require.NoError(t, err)
	assert.Empty(t, departments)

	_, found, err := store.RegionForDepartment(ctx, "SALES")
	require.NoError(t, err)
	assert.False(t, found)

	history, err := store.History(ctx)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func testQueryOrdering(t *testing.T, open Opener) {
	ctx := context.Background()
	store := openStore(t, open)

	_, err := store.ReplaceSnapshot(ctx, Fixture("run-1"))
	require.NoError(t, err)

	records, err := store.Query(ctx, types.Filter{})
	require.NoError(t, err)

	// environment, hostname, then write order (2 before 5)
	assert.Equal(t, []string{"3", "4", "6", "2", "5", "1", "7"}, ids(records))
}

func testQueryFilters(t *testing.T, open Opener) {
	ctx := context.Background()
	store := openStore(t, open)

	_, err := store.ReplaceSnapshot(ctx, Fixture("run-1"))
	require.NoError(t, err)

	tests := []struct {
		name   string
		filter types.Filter
		want   []string
	}{
		{"region", types.Filter{Region: "emea"}, []string{"3", "6", "2", "5", "1"}},
		{"region and department", types.Filter{Region: "emea", Department: "SALES"}, []string{"3", "2", "5", "1"}},
		{"pending drill-down", types.Filter{Region: "emea", Department: "SALES", Status: types.StatusPending}, []string{"3", "2"}},
		{"integrated drill-down", types.Filter{Region: "emea", Department: "SALES", Status: types.StatusIntegrated}, []string{"5", "1"}},
		{"status only", types.Filter{Status: types.StatusIntegrated}, []string{"4", "5", "1"}},
		{"department only", types.Filter{Department: "FINANCE"}, []string{"4", "6"}},
		{"region and status", types.Filter{Region: "apac", Status: types.StatusPending}, []string{"7"}},
		{"no match", types.Filter{Region: "amer"}, []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			records, err := store.Query(ctx, tt.filter)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ids(records))
		})
	}
}

func testSummary(t *testing.T, open Opener) {
	ctx := context.Background()
	store := openStore(t, open)

	_, err := store.ReplaceSnapshot(ctx, Fixture("run-1"))
	require.NoError(t, err)

	summary, err := store.Summary(ctx)
	require.NoError(t, err)

	assert.Equal(t, []types.SummaryRow{
		{Region: "apac", Department: "FINANCE", Total: 1, Integrated: 1, Pending: 0},
		{Region: "apac", Department: "OPS", Total: 1, Integrated: 0, Pending: 1},
		{Region: "emea", Department: "FINANCE", Total: 1, Integrated: 0, Pending: 1},
		{Region: "emea", Department: "SALES", Total: 4, Integrated: 2, Pending: 2},
	}, summary)
}

func testDepartments(t *testing.T, open Opener) {
	ctx := context.Background()
	store := openStore(t, open)

	_, err := store.ReplaceSnapshot(ctx, Fixture("run-1"))
	require.NoError(t, err)

	departments, err := store.Departments(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"FINANCE", "OPS", "SALES"}, departments)
}

func testRegionForDepartment(t *testing.T, open Opener) {
	ctx := context.Background()
	store := openStore(t, open)

	_, err := store.ReplaceSnapshot(ctx, Fixture("run-1"))
	require.NoError(t, err)

	region, found, err := store.RegionForDepartment(ctx, "FINANCE")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "apac", region, "lowest region wins when a department spans several")

	region, found, err = store.RegionForDepartment(ctx, "SALES")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "emea", region)

	_, found, err = store.RegionForDepartment(ctx, "sales")
	require.NoError(t, err)
	assert.False(t, found, "department match is exact")
}

func testFullReplace(t *testing.T, open Opener) {
	ctx := context.Background()
	store := openStore(t, open)

	rev1, err := store.ReplaceSnapshot(ctx, Fixture("run-1"))
	require.NoError(t, err)

	second := Snapshot("run-2", []types.ReconciledRecord{
		Record("9", "new-01", "prod", "HR", "amer", types.StatusPending),
	})
	rev2, err := store.ReplaceSnapshot(ctx, second)
	require.NoError(t, err)
	assert.Greater(t, rev2, rev1)

	records, err := store.Query(ctx, types.Filter{})
	require.NoError(t, err)
	assert.Equal(t, []string{"9"}, ids(records), "nothing from the first snapshot survives")

	departments, err := store.Departments(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"HR"}, departments)

	meta, ok, err := store.Current(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, rev2, meta.Revision)
	assert.Equal(t, "run-2", meta.RunID)
	assert.Equal(t, 1, meta.RecordCount)
	assert.Equal(t, "aa", meta.ITAMChecksum)

	history, err := store.History(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, history)
	assert.Equal(t, "run-2", history[0].RunID, "newest first")
}

func testEmptySnapshot(t *testing.T, open Opener) {
	ctx := context.Background()
	store := openStore(t, open)

	_, err := store.ReplaceSnapshot(ctx, Fixture("run-1"))
	require.NoError(t, err)

	_, err = store.ReplaceSnapshot(ctx, Snapshot("run-2", nil))
	require.NoError(t, err)

	records, err := store.Query(ctx, types.Filter{})
	require.NoError(t, err)
	assert.Empty(t, records)

	meta, ok, err := store.Current(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "run-2", meta.RunID)
}

func testConcurrentReaders(t *testing.T, open Opener) {
	ctx := context.Background()
	store := openStore(t, open)

	_, err := store.ReplaceSnapshot(ctx, Fixture("run-0"))
	require.NoError(t, err)

	small := Snapshot("run-small", []types.ReconciledRecord{
		Record("9", "new-01", "prod", "HR", "amer", types.StatusPending),
	})

	var wg sync.WaitGroup
	errs := make(chan error, 64)

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 10; i++ {
			snap := Fixture("run-big")
			if i%2 == 1 {
				snap = small
			}
			if _, err := store.ReplaceSnapshot(ctx, snap); err != nil {
				errs <- err
				return
			}
		}
	}()

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				records, err := store.Query(ctx, types.Filter{})
				if err != nil {
					errs <- err
					return
				}
				// A reader sees one whole snapshot, never a mix
				if n := len(records); n != 7 && n != 1 {
					errs <- assert.AnError
					return
				}
			}
		}()
	}

	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
}
