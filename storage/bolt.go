package storage

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/btree"
	"go.etcd.io/bbolt"

	"github.com/yairfalse/itamrec/types"
)

// ErrLocked means another process holds the bolt file open
var ErrLocked = errors.New("storage file locked")

// Bucket names in bbolt
var (
	bucketSnapshots = []byte("snapshots")
	bucketRevisions = []byte("revisions")
	bucketMeta      = []byte("meta")

	keyCurrentRevision = []byte("current_revision")
)

// BoltStore keeps every snapshot in its own revision bucket and moves a
// current_revision pointer on replace. The current snapshot is served from
// an in-memory btree index.
type BoltStore struct {
	// mu guards index, meta and currentRev. Readers hold it only while
	// walking the index.
	mu sync.RWMutex

	// writeMu serializes ReplaceSnapshot
	writeMu sync.Mutex

	index      *btree.BTreeG[*indexEntry]
	meta       types.SnapshotMeta
	currentRev int64

	db            *bbolt.DB
	keepRevisions int64
}

// NewBoltStore opens (or creates) the bbolt file at path. keepRevisions is
// the number of snapshot revisions retained on disk; values below 1 mean 1.
func NewBoltStore(path string, keepRevisions int) (*BoltStore, error) {
	if path == "" {
		return nil, fmt.Errorf("bolt storage requires a path")
	}
	if keepRevisions < 1 {
		keepRevisions = 1
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if errors.Is(err, bbolt.ErrTimeout) {
		return nil, fmt.Errorf("%s is locked by another process, query a running daemon through its API: %w", path, ErrLocked)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range [][]byte{bucketSnapshots, bucketRevisions, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize buckets: %w", err)
	}

	store := &BoltStore{
		index:         newIndex(),
		db:            db,
		keepRevisions: int64(keepRevisions),
	}

	if err := store.rebuildIndex(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

// Close closes the storage
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// ReplaceSnapshot writes snapshot as a new revision and makes it current
func (s *BoltStore) ReplaceSnapshot(ctx context.Context, snapshot types.Snapshot) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.RLock()
	rev := s.currentRev + 1
	s.mu.RUnlock()

	meta := snapshot.Meta
	meta.Revision = rev

	err := s.db.Update(func(tx *bbolt.Tx) error {
		if err := putSnapshot(tx, rev, meta, snapshot.Records); err != nil {
			return err
		}
		if err := tx.Bucket(bucketMeta).Put(keyCurrentRevision, revisionKey(rev)); err != nil {
			return err
		}
		return s.compact(tx, rev)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to write snapshot revision %d: %w", rev, err)
	}

	// Build off-lock, swap under a short write lock
	index := buildIndex(snapshot.Records)

	s.mu.Lock()
	s.index = index
	s.meta = meta
	s.currentRev = rev
	s.mu.Unlock()

	return rev, nil
}

func putSnapshot(tx *bbolt.Tx, rev int64, meta types.SnapshotMeta, records []types.ReconciledRecord) error {
	bucket, err := tx.Bucket(bucketSnapshots).CreateBucket(revisionKey(rev))
	if err != nil {
		return fmt.Errorf("failed to create revision bucket: %w", err)
	}

	for i, record := range records {
		value, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("failed to marshal record %d: %w", i, err)
		}
		if err := bucket.Put(revisionKey(int64(i)), value); err != nil {
			return err
		}
	}

	value, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot meta: %w", err)
	}
	return tx.Bucket(bucketRevisions).Put(revisionKey(rev), value)
}

// compact drops record buckets older than keepRevisions. Revision metadata
// is kept so History covers every run.
func (s *BoltStore) compact(tx *bbolt.Tx, current int64) error {
	cutoff := current - s.keepRevisions
	if cutoff <= 0 {
		return nil
	}

	snapshots := tx.Bucket(bucketSnapshots)
	var toDelete [][]byte
	err := snapshots.ForEachBucket(func(k []byte) error {
		if bytesToInt64(k) <= cutoff {
			toDelete = append(toDelete, append([]byte(nil), k...))
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, key := range toDelete {
		if err := snapshots.DeleteBucket(key); err != nil {
			return fmt.Errorf("failed to compact revision %d: %w", bytesToInt64(key), err)
		}
	}
	return nil
}

// Query returns records matching filter
func (s *BoltStore) Query(ctx context.Context, filter types.Filter) ([]types.ReconciledRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var entries []*indexEntry
	s.mu.RLock()
	scan(s.index, filter, func(e *indexEntry) bool {
		entries = append(entries, e)
		return true
	})
	s.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		return queryLess(entries[i], entries[j])
	})

	records := make([]types.ReconciledRecord, len(entries))
	for i, e := range entries {
		records[i] = e.record
	}
	return records, nil
}

// Summary returns per region and department counts
func (s *BoltStore) Summary(ctx context.Context) ([]types.SummaryRow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows := make([]types.SummaryRow, 0)
	s.index.Ascend(func(e *indexEntry) bool {
		n := len(rows)
		if n == 0 || rows[n-1].Region != e.record.Region || rows[n-1].Department != e.record.Department {
			rows = append(rows, types.SummaryRow{Region: e.record.Region, Department: e.record.Department})
			n++
		}
		rows[n-1].Add(e.record.Status)
		return true
	})

	return rows, nil
}

// Departments returns distinct department names
func (s *BoltStore) Departments(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	s.mu.RLock()
	s.index.Ascend(func(e *indexEntry) bool {
		seen[e.record.Department] = struct{}{}
		return true
	})
	s.mu.RUnlock()

	departments := make([]string, 0, len(seen))
	for dept := range seen {
		departments = append(departments, dept)
	}
	sort.Strings(departments)
	return departments, nil
}

// RegionForDepartment returns the first region, in index order, holding
// records of department
func (s *BoltStore) RegionForDepartment(ctx context.Context, department string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var region string
	var found bool
	s.index.Ascend(func(e *indexEntry) bool {
		if e.record.Department != department {
			return true
		}
		region, found = e.record.Region, true
		return false
	})

	return region, found, nil
}

// Current returns the metadata of the current snapshot
func (s *BoltStore) Current(ctx context.Context) (types.SnapshotMeta, bool, error) {
	if err := ctx.Err(); err != nil {
		return types.SnapshotMeta{}, false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.meta, s.currentRev > 0, nil
}

// History returns every revision's metadata, newest first
func (s *BoltStore) History(ctx context.Context) ([]types.SnapshotMeta, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	history := make([]types.SnapshotMeta, 0)
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketRevisions).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var meta types.SnapshotMeta
			if err := json.Unmarshal(v, &meta); err != nil {
				return fmt.Errorf("failed to decode revision %d: %w", bytesToInt64(k), err)
			}
			history = append(history, meta)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return history, nil
}

// CurrentRevision returns the current revision number
func (s *BoltStore) CurrentRevision() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentRev
}

// rebuildIndex loads the current revision from disk
func (s *BoltStore) rebuildIndex() error {
	var (
		rev     int64
		meta    types.SnapshotMeta
		records []types.ReconciledRecord
	)

	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketMeta).Get(keyCurrentRevision)
		if data == nil {
			return nil
		}
		rev = bytesToInt64(data)

		if v := tx.Bucket(bucketRevisions).Get(revisionKey(rev)); v != nil {
			if err := json.Unmarshal(v, &meta); err != nil {
				return fmt.Errorf("failed to decode revision %d meta: %w", rev, err)
			}
		}

		bucket := tx.Bucket(bucketSnapshots).Bucket(revisionKey(rev))
		if bucket == nil {
			return fmt.Errorf("current revision %d has no snapshot bucket", rev)
		}

		// Keys are big-endian sequence numbers, so cursor order is write order
		return bucket.ForEach(func(_, v []byte) error {
			var record types.ReconciledRecord
			if err := json.Unmarshal(v, &record); err != nil {
				return fmt.Errorf("failed to decode record: %w", err)
			}
			records = append(records, record)
			return nil
		})
	})
	if err != nil {
		return fmt.Errorf("failed to rebuild index: %w", err)
	}

	s.mu.Lock()
	s.index = buildIndex(records)
	s.meta = meta
	s.currentRev = rev
	s.mu.Unlock()

	return nil
}

// revisionKey encodes n big-endian so byte order matches numeric order
func revisionKey(n int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(n))
	return b
}

func bytesToInt64(b []byte) int64 {
	if len(b) != 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(b))
}
