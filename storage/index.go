package storage

import (
	"github.com/google/btree"

	"github.com/yairfalse/itamrec/types"
)

// indexEntry is one record of the current snapshot keyed for lookups
type indexEntry struct {
	seq    int64
	record types.ReconciledRecord
}

// less orders entries by region, department, status, environment,
// hostname and finally write order
func (a *indexEntry) less(b *indexEntry) bool {
	ra, rb := &a.record, &b.record
	switch {
	case ra.Region != rb.Region:
		return ra.Region < rb.Region
	case ra.Department != rb.Department:
		return ra.Department < rb.Department
	case ra.Status != rb.Status:
		return ra.Status < rb.Status
	case ra.Environment != rb.Environment:
		return ra.Environment < rb.Environment
	case ra.Hostname != rb.Hostname:
		return ra.Hostname < rb.Hostname
	}
	return a.seq < b.seq
}

// queryLess orders query results by environment, hostname, write order
func queryLess(a, b *indexEntry) bool {
	ra, rb := &a.record, &b.record
	switch {
	case ra.Environment != rb.Environment:
		return ra.Environment < rb.Environment
	case ra.Hostname != rb.Hostname:
		return ra.Hostname < rb.Hostname
	}
	return a.seq < b.seq
}

func newIndex() *btree.BTreeG[*indexEntry] {
	return btree.NewG[*indexEntry](32, func(a, b *indexEntry) bool {
		return a.less(b)
	})
}

// buildIndex indexes records in write order
func buildIndex(records []types.ReconciledRecord) *btree.BTreeG[*indexEntry] {
	index := newIndex()
	for i, record := range records {
		index.ReplaceOrInsert(&indexEntry{seq: int64(i), record: record})
	}
	return index
}

// scan visits the entries matching filter. A filter with a region visits
// only the range for that region (and department, and status when set)
// instead of the whole tree.
func scan(index *btree.BTreeG[*indexEntry], filter types.Filter, visit func(*indexEntry) bool) {
	match := func(e *indexEntry) bool {
		if !filter.Matches(e.record) {
			return true
		}
		return visit(e)
	}

	if filter.Region == "" {
		index.Ascend(match)
		return
	}

	// Entries sharing the filter's leading key columns are contiguous.
	// Start at the smallest possible key in that range and stop once the
	// region (or department/status) prefix no longer matches.
	pivot := &indexEntry{seq: -1, record: types.ReconciledRecord{
		InventoryRecord: types.InventoryRecord{Region: filter.Region},
	}}
	if filter.Department != "" {
		pivot.record.Department = filter.Department
		if filter.Status != "" {
			pivot.record.Status = filter.Status
		}
	}

	index.AscendGreaterOrEqual(pivot, func(e *indexEntry) bool {
		if !inPrefix(e, filter) {
			return false
		}
		return match(e)
	})
}

func inPrefix(e *indexEntry, filter types.Filter) bool {
	if e.record.Region != filter.Region {
		return false
	}
	if filter.Department == "" {
		return true
	}
	if e.record.Department != filter.Department {
		return false
	}
	return filter.Status == "" || e.record.Status == filter.Status
}
