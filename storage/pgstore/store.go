// Package pgstore is a PostgreSQL snapshot backend built on a pgx pool.
// Replaces drop and recreate reconciliation_status in one transaction and
// load it with COPY.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/yairfalse/itamrec/storage"
	"github.com/yairfalse/itamrec/types"
)

// Driver is the storage driver name this package registers
const Driver = "postgres"

func init() {
	storage.Register(Driver, func(cfg storage.Config) (storage.SnapshotStore, error) {
		return New(context.Background(), cfg.DSN)
	})
}

const (
	// Text columns use the C collation so ordering matches Go string order
	createStatusTable = `CREATE TABLE IF NOT EXISTS reconciliation_status (
		seq BIGINT NOT NULL,
		itam_id TEXT NOT NULL,
		hostname TEXT COLLATE "C" NOT NULL,
		ip_address TEXT NOT NULL,
		department TEXT COLLATE "C" NOT NULL,
		region TEXT COLLATE "C" NOT NULL,
		environment TEXT COLLATE "C" NOT NULL,
		status TEXT NOT NULL,
		itam_file TEXT NOT NULL,
		active_file TEXT NOT NULL,
		reconciled_at TEXT NOT NULL
	)`

	createStatusIndex = `CREATE INDEX IF NOT EXISTS idx_reconciliation_scope
		ON reconciliation_status (region, department, status)`

	createMetaTable = `CREATE TABLE IF NOT EXISTS snapshot_meta (
		revision BIGINT PRIMARY KEY,
		run_id TEXT NOT NULL,
		itam_source TEXT NOT NULL,
		active_source TEXT NOT NULL,
		itam_checksum TEXT NOT NULL,
		active_checksum TEXT NOT NULL,
		reconciled_at TEXT NOT NULL,
		record_count INTEGER NOT NULL,
		integrated INTEGER NOT NULL,
		pending INTEGER NOT NULL
	)`

	dropStatusTable = `DROP TABLE IF EXISTS reconciliation_status`

	// Serializes concurrent writers on revision allocation
	lockMetaTable = `LOCK TABLE snapshot_meta IN EXCLUSIVE MODE`

	nextRevisionQuery = `SELECT COALESCE(MAX(revision), 0) + 1 FROM snapshot_meta`

	insertMetaQuery = `INSERT INTO snapshot_meta
		(revision, run_id, itam_source, active_source, itam_checksum, active_checksum, reconciled_at, record_count, integrated, pending)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	selectStatusColumns = `SELECT itam_id, hostname, ip_address, department, region, environment, status, itam_file, active_file, reconciled_at
		FROM reconciliation_status`

	summaryQuery = `SELECT region, department, COUNT(*),
		COUNT(*) FILTER (WHERE status = 'Integrated'),
		COUNT(*) FILTER (WHERE status = 'Pending')
		FROM reconciliation_status
		GROUP BY region, department
		ORDER BY region, department`

	departmentsQuery = `SELECT DISTINCT department FROM reconciliation_status ORDER BY department`

	regionForDepartmentQuery = `SELECT MIN(region) FROM reconciliation_status WHERE department = $1`

	selectMetaColumns = `SELECT revision, run_id, itam_source, active_source, itam_checksum, active_checksum, reconciled_at, record_count, integrated, pending
		FROM snapshot_meta`
)

var statusColumns = []string{
	"seq", "itam_id", "hostname", "ip_address", "department", "region",
	"environment", "status", "itam_file", "active_file", "reconciled_at",
}

// Store implements storage.SnapshotStore on PostgreSQL
type Store struct {
	pool *pgxpool.Pool
}

// New connects to dsn and applies the schema
func New(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres storage requires a dsn")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to reach database: %w", err)
	}

	store := &Store{pool: pool}
	if err := store.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) migrate(ctx context.Context) error {
	for _, stmt := range []string{createStatusTable, createStatusIndex, createMetaTable} {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to migrate database: %w", err)
		}
	}
	return nil
}

// Close closes the pool
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// ReplaceSnapshot drops, recreates and COPY-loads reconciliation_status
func (s *Store) ReplaceSnapshot(ctx context.Context, snapshot types.Snapshot) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("error beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, lockMetaTable); err != nil {
		return 0, fmt.Errorf("failed to lock snapshot_meta: %w", err)
	}

	var rev int64
	if err := tx.QueryRow(ctx, nextRevisionQuery).Scan(&rev); err != nil {
		return 0, fmt.Errorf("failed to allocate revision: %w", err)
	}

	for _, stmt := range []string{dropStatusTable, createStatusTable, createStatusIndex} {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return 0, fmt.Errorf("failed to recreate reconciliation_status: %w", err)
		}
	}

	records := snapshot.Records
	copySource := pgx.CopyFromSlice(len(records), func(i int) ([]any, error) {
		r := records[i]
		return []any{int64(i), r.ITAMID, r.Hostname, r.IPAddress, r.Department, r.Region,
			r.Environment, string(r.Status), r.SourceITAMFile, r.SourceActiveFile, r.ReconciledAt}, nil
	})
	if _, err := tx.CopyFrom(ctx, pgx.Identifier{"reconciliation_status"}, statusColumns, copySource); err != nil {
		return 0, fmt.Errorf("unable to copy records: %w", err)
	}

	m := snapshot.Meta
	_, err = tx.Exec(ctx, insertMetaQuery,
		rev, m.RunID, m.ITAMSource, m.ActiveSource, m.ITAMChecksum, m.ActiveChecksum,
		m.ReconciledAt, m.RecordCount, m.Integrated, m.Pending)
	if err != nil {
		return 0, fmt.Errorf("failed to record snapshot meta: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit snapshot: %w", err)
	}
	return rev, nil
}

// Query returns matching records ordered by environment, hostname, seq
func (s *Store) Query(ctx context.Context, filter types.Filter) ([]types.ReconciledRecord, error) {
	where, args := filterClause(filter)
	query := selectStatusColumns + where + " ORDER BY environment, hostname, seq"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	records := make([]types.ReconciledRecord, 0)
	for rows.Next() {
		var r types.ReconciledRecord
		var status string
		err := rows.Scan(&r.ITAMID, &r.Hostname, &r.IPAddress, &r.Department, &r.Region,
			&r.Environment, &status, &r.SourceITAMFile, &r.SourceActiveFile, &r.ReconciledAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		r.Status = types.Status(status)
		records = append(records, r)
	}
	return records, rows.Err()
}

func filterClause(filter types.Filter) (string, []any) {
	var conds []string
	var args []any

	add := func(column, value string) {
		args = append(args, value)
		conds = append(conds, column+" = $"+strconv.Itoa(len(args)))
	}

	if filter.Region != "" {
		add("region", filter.Region)
	}
	if filter.Department != "" {
		add("department", filter.Department)
	}
	if filter.Status != "" {
		add("status", string(filter.Status))
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// Summary returns per region and department counts
func (s *Store) Summary(ctx context.Context) ([]types.SummaryRow, error) {
	rows, err := s.pool.Query(ctx, summaryQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to query summary: %w", err)
	}
	defer rows.Close()

	summary := make([]types.SummaryRow, 0)
	for rows.Next() {
		var row types.SummaryRow
		var total, integrated, pending int64
		if err := rows.Scan(&row.Region, &row.Department, &total, &integrated, &pending); err != nil {
			return nil, fmt.Errorf("failed to scan summary row: %w", err)
		}
		row.Total, row.Integrated, row.Pending = int(total), int(integrated), int(pending)
		summary = append(summary, row)
	}
	return summary, rows.Err()
}

// Departments returns distinct department names
func (s *Store) Departments(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, departmentsQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to query departments: %w", err)
	}

	departments, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to scan departments: %w", err)
	}
	if departments == nil {
		departments = make([]string, 0)
	}
	return departments, nil
}

// RegionForDepartment returns the lowest region of department
func (s *Store) RegionForDepartment(ctx context.Context, department string) (string, bool, error) {
	var region *string
	if err := s.pool.QueryRow(ctx, regionForDepartmentQuery, department).Scan(&region); err != nil {
		return "", false, fmt.Errorf("failed to query region: %w", err)
	}
	if region == nil {
		return "", false, nil
	}
	return *region, true, nil
}

// Current returns the newest snapshot meta
func (s *Store) Current(ctx context.Context) (types.SnapshotMeta, bool, error) {
	row := s.pool.QueryRow(ctx, selectMetaColumns+" ORDER BY revision DESC LIMIT 1")

	meta, err := scanMeta(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.SnapshotMeta{}, false, nil
	}
	if err != nil {
		return types.SnapshotMeta{}, false, fmt.Errorf("failed to query current snapshot: %w", err)
	}
	return meta, true, nil
}

// History returns every snapshot meta, newest first
func (s *Store) History(ctx context.Context) ([]types.SnapshotMeta, error) {
	rows, err := s.pool.Query(ctx, selectMetaColumns+" ORDER BY revision DESC")
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	history := make([]types.SnapshotMeta, 0)
	for rows.Next() {
		meta, err := scanMeta(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan snapshot meta: %w", err)
		}
		history = append(history, meta)
	}
	return history, rows.Err()
}

func scanMeta(row pgx.Row) (types.SnapshotMeta, error) {
	var m types.SnapshotMeta
	var count, integrated, pending int32
	err := row.Scan(&m.Revision, &m.RunID, &m.ITAMSource, &m.ActiveSource, &m.ITAMChecksum,
		&m.ActiveChecksum, &m.ReconciledAt, &count, &integrated, &pending)
	m.RecordCount, m.Integrated, m.Pending = int(count), int(integrated), int(pending)
	return m, err
}
