package source

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// DirSource serves datasets from files in one directory
type DirSource struct {
	name string
	dir  string
}

// NewDirSource creates a source over dir
func NewDirSource(name, dir string) *DirSource {
	return &DirSource{name: name, dir: dir}
}

// Name returns the side this source feeds
func (s *DirSource) Name() string {
	return s.name
}

// Dir returns the directory backing the source
func (s *DirSource) Dir() string {
	return s.dir
}

// List returns *.csv files in the directory, newest first. A missing
// directory has no datasets.
func (s *DirSource) List(ctx context.Context) ([]Info, error) {
	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list %s source %s: %w", s.name, s.dir, err)
	}

	infos := make([]Info, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !isDataset(entry.Name()) {
			continue
		}

		fi, err := entry.Info()
		if err != nil {
			// removed between ReadDir and Info
			continue
		}

		infos = append(infos, Info{
			ID:      entry.Name(),
			ModTime: fi.ModTime(),
			Size:    fi.Size(),
		})
	}

	sortNewestFirst(infos)
	return infos, nil
}

// Load reads the file named id from the directory
func (s *DirSource) Load(ctx context.Context, id string) (*Table, error) {
	if !validID(id) {
		return nil, notFound(s.name, id, errInvalidID)
	}

	path := filepath.Join(s.dir, id)
	file, err := os.Open(path) // #nosec G304 -- id is confined to dir
	if err != nil {
		return nil, notFound(s.name, id, err)
	}
	defer func() { _ = file.Close() }()

	fi, err := file.Stat()
	if err != nil {
		return nil, notFound(s.name, id, err)
	}
	if fi.IsDir() {
		return nil, notFound(s.name, id, errIsDir)
	}

	table, err := ParseCSV(bufio.NewReader(file))
	if err != nil {
		return nil, annotate(s.name, id, err)
	}
	return table, nil
}

func validID(id string) bool {
	if id == "" || id == "." || id == ".." {
		return false
	}
	return !strings.ContainsAny(id, `/\`)
}
