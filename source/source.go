// Package source loads delimited datasets by identifier and lists the
// identifiers available on one side of a reconciliation.
package source

import (
	"context"
	"sort"
	"strings"
	"time"
)

// Source resolves identifiers to tables
type Source interface {
	// Name is the side this source feeds, e.g. "itam" or "active"
	Name() string

	// Load reads and parses one dataset
	Load(ctx context.Context, id string) (*Table, error)

	// List returns available datasets, most recently modified first
	List(ctx context.Context) ([]Info, error)
}

// Info describes one available dataset
type Info struct {
	ID      string    `json:"id"`
	ModTime time.Time `json:"mod_time"`
	Size    int64     `json:"size"`
}

// Latest returns the most recently modified identifier of src
func Latest(ctx context.Context, src Source) (string, bool, error) {
	infos, err := src.List(ctx)
	if err != nil {
		return "", false, err
	}
	if len(infos) == 0 {
		return "", false, nil
	}
	return infos[0].ID, true, nil
}

func isDataset(name string) bool {
	return strings.HasSuffix(name, ".csv")
}

// sortNewestFirst orders by modification time descending, then by ID
func sortNewestFirst(infos []Info) {
	sort.Slice(infos, func(i, j int) bool {
		if !infos[i].ModTime.Equal(infos[j].ModTime) {
			return infos[i].ModTime.After(infos[j].ModTime)
		}
		return infos[i].ID < infos[j].ID
	})
}
