// Package sqlstore is a SQLite snapshot backend. Every replace drops and
// recreates the reconciliation_status table inside one transaction, so
// readers see either the whole previous snapshot or the whole new one.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/yairfalse/itamrec/storage"
	"github.com/yairfalse/itamrec/types"
)

// Driver is the storage driver name this package registers
const Driver = "sqlite"

func init() {
	storage.Register(Driver, func(cfg storage.Config) (storage.SnapshotStore, error) {
		if cfg.DSN != "" {
			return Open(cfg.DSN)
		}
		return New(cfg.Path)
	})
}

const (
	createStatusTable = `CREATE TABLE IF NOT EXISTS reconciliation_status (
		seq INTEGER NOT NULL,
		itam_id TEXT NOT NULL,
		hostname TEXT NOT NULL,
		ip_address TEXT NOT NULL,
		department TEXT NOT NULL,
		region TEXT NOT NULL,
		environment TEXT NOT NULL,
		status TEXT NOT NULL,
		itam_file TEXT NOT NULL,
		active_file TEXT NOT NULL,
		reconciled_at TEXT NOT NULL
	)`

	createStatusIndex = `CREATE INDEX IF NOT EXISTS idx_reconciliation_scope
		ON reconciliation_status (region, department, status)`

	createMetaTable = `CREATE TABLE IF NOT EXISTS snapshot_meta (
		revision INTEGER PRIMARY KEY,
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

	nextRevisionQuery = `SELECT COALESCE(MAX(revision), 0) + 1 FROM snapshot_meta`

	insertStatusQuery = `INSERT INTO reconciliation_status
		(seq, itam_id, hostname, ip_address, department, region, environment, status, itam_file, active_file, reconciled_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	insertMetaQuery = `INSERT INTO snapshot_meta
		(revision, run_id, itam_source, active_source, itam_checksum, active_checksum, reconciled_at, record_count, integrated, pending)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	selectStatusColumns = `SELECT itam_id, hostname, ip_address, department, region, environment, status, itam_file, active_file, reconciled_at
		FROM reconciliation_status`

	summaryQuery = `SELECT region, department, COUNT(*),
		SUM(CASE WHEN status = 'Integrated' THEN 1 ELSE 0 END),
		SUM(CASE WHEN status = 'Pending' THEN 1 ELSE 0 END)
		FROM reconciliation_status
		GROUP BY region, department
		ORDER BY region, department`

	departmentsQuery = `SELECT DISTINCT department FROM reconciliation_status ORDER BY department`

	regionForDepartmentQuery = `SELECT MIN(region) FROM reconciliation_status WHERE department = ?`

	selectMetaColumns = `SELECT revision, run_id, itam_source, active_source, itam_checksum, active_checksum, reconciled_at, record_count, integrated, pending
		FROM snapshot_meta`
)

// schema is applied on open
var schema = []string{createStatusTable, createStatusIndex, createMetaTable}

// Store implements storage.SnapshotStore on SQLite
type Store struct {
	db *sql.DB
}

// New opens the SQLite file at path in WAL mode
func New(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite storage requires a path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	return Open(path + "?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
}

// Open opens a store from a go-sqlite3 DSN
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store, err := NewWithDB(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// NewWithDB wraps an existing handle and applies the schema
func NewWithDB(db *sql.DB) (*Store, error) {
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}
	}
	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// ReplaceSnapshot drops and reloads reconciliation_status in one transaction
func (s *Store) ReplaceSnapshot(ctx context.Context, snapshot types.Snapshot) (rev int64, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = tx.QueryRowContext(ctx, nextRevisionQuery).Scan(&rev); err != nil {
		return 0, fmt.Errorf("failed to allocate revision: %w", err)
	}

	for _, stmt := range []string{dropStatusTable, createStatusTable, createStatusIndex} {
		if _, err = tx.ExecContext(ctx, stmt); err != nil {
			return 0, fmt.Errorf("failed to recreate reconciliation_status: %w", err)
		}
	}

	if err = insertRecords(ctx, tx, snapshot.Records); err != nil {
		return 0, err
	}

	m := snapshot.Meta
	_, err = tx.ExecContext(ctx, insertMetaQuery,
		rev, m.RunID, m.ITAMSource, m.ActiveSource, m.ITAMChecksum, m.ActiveChecksum,
		m.ReconciledAt, m.RecordCount, m.Integrated, m.Pending)
	if err != nil {
		return 0, fmt.Errorf("failed to record snapshot meta: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit snapshot: %w", err)
	}
	return rev, nil
}

func insertRecords(ctx context.Context, tx *sql.Tx, records []types.ReconciledRecord) error {
	stmt, err := tx.PrepareContext(ctx, insertStatusQuery)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for i, r := range records {
		_, err := stmt.ExecContext(ctx, i,
			r.ITAMID, r.Hostname, r.IPAddress, r.Department, r.Region, r.Environment,
			string(r.Status), r.SourceITAMFile, r.SourceActiveFile, r.ReconciledAt)
		if err != nil {
			return fmt.Errorf("failed to insert record %d: %w", i, err)
		}
	}
	return nil
}

// Query returns matching records ordered by environment, hostname, seq
func (s *Store) Query(ctx context.Context, filter types.Filter) ([]types.ReconciledRecord, error) {
	where, args := filterClause(filter)
	query := selectStatusColumns + where + " ORDER BY environment, hostname, seq"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer func() { _ = rows.Close() }()

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

func filterClause(filter types.Filter) (string, []interface{}) {
	var conds []string
	var args []interface{}

	if filter.Region != "" {
		conds = append(conds, "region = ?")
		args = append(args, filter.Region)
	}
	if filter.Department != "" {
		conds = append(conds, "department = ?")
		args = append(args, filter.Department)
	}
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(filter.Status))
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// Summary returns per region and department counts
func (s *Store) Summary(ctx context.Context) ([]types.SummaryRow, error) {
	rows, err := s.db.QueryContext(ctx, summaryQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to query summary: %w", err)
	}
	defer func() { _ = rows.Close() }()

	summary := make([]types.SummaryRow, 0)
	for rows.Next() {
		var row types.SummaryRow
		if err := rows.Scan(&row.Region, &row.Department, &row.Total, &row.Integrated, &row.Pending); err != nil {
			return nil, fmt.Errorf("failed to scan summary row: %w", err)
		}
		summary = append(summary, row)
	}
	return summary, rows.Err()
}

// Departments returns distinct department names
func (s *Store) Departments(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, departmentsQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to query departments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	departments := make([]string, 0)
	for rows.Next() {
		var dept string
		if err := rows.Scan(&dept); err != nil {
			return nil, fmt.Errorf("failed to scan department: %w", err)
		}
		departments = append(departments, dept)
	}
	return departments, rows.Err()
}

// RegionForDepartment returns the lowest region of department
func (s *Store) RegionForDepartment(ctx context.Context, department string) (string, bool, error) {
	var region sql.NullString
	if err := s.db.QueryRowContext(ctx, regionForDepartmentQuery, department).Scan(&region); err != nil {
		return "", false, fmt.Errorf("failed to query region: %w", err)
	}
	return region.String, region.Valid, nil
}

// Current returns the newest snapshot meta
func (s *Store) Current(ctx context.Context) (types.SnapshotMeta, bool, error) {
	row := s.db.QueryRowContext(ctx, selectMetaColumns+" ORDER BY revision DESC LIMIT 1")

	meta, err := scanMeta(row)
	if errors.Is(err, sql.ErrNoRows) {
		return types.SnapshotMeta{}, false, nil
	}
	if err != nil {
		return types.SnapshotMeta{}, false, fmt.Errorf("failed to query current snapshot: %w", err)
	}
	return meta, true, nil
}

// History returns every snapshot meta, newest first
func (s *Store) History(ctx context.Context) ([]types.SnapshotMeta, error) {
	rows, err := s.db.QueryContext(ctx, selectMetaColumns+" ORDER BY revision DESC")
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer func() { _ = rows.Close() }()

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

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanMeta(row scanner) (types.SnapshotMeta, error) {
	var m types.SnapshotMeta
	err := row.Scan(&m.Revision, &m.RunID, &m.ITAMSource, &m.ActiveSource, &m.ITAMChecksum,
		&m.ActiveChecksum, &m.ReconciledAt, &m.RecordCount, &m.Integrated, &m.Pending)
	return m, err
}
