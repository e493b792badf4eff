package storage

import (
	"context"

	"github.com/yairfalse/itamrec/types"
)

// SnapshotWriter persists reconciliation results
type SnapshotWriter interface {
	// ReplaceSnapshot atomically replaces the current snapshot and returns
	// the revision assigned to it
	ReplaceSnapshot(ctx context.Context, snapshot types.Snapshot) (revision int64, err error)
}

// SnapshotReader queries the current snapshot
type SnapshotReader interface {
	// Query returns matching records ordered by environment, hostname and
	// then the order they were written in
	Query(ctx context.Context, filter types.Filter) ([]types.ReconciledRecord, error)
	// Summary groups counts by region and department, ordered by both
	Summary(ctx context.Context) ([]types.SummaryRow, error)
	// Departments returns distinct department names, sorted
	Departments(ctx context.Context) ([]string, error)
	// RegionForDepartment returns the lowest region name among the
	// department's records
	RegionForDepartment(ctx context.Context, department string) (string, bool, error)
	Current(ctx context.Context) (types.SnapshotMeta, bool, error)
	// History returns metadata of every persisted revision, newest first
	History(ctx context.Context) ([]types.SnapshotMeta, error)
}

// Lifecycle manages storage lifecycle
type Lifecycle interface {
	Close() error
}

// SnapshotStore is the complete storage interface combining all capabilities
type SnapshotStore interface {
	SnapshotWriter
	SnapshotReader
	Lifecycle
}
