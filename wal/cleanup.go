package wal

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// CleanupStats tracks cleanup operation results
type CleanupStats struct {
	FilesRemoved  int
	BytesFreed    int64
	OldestRemoved time.Time
	NewestRemoved time.Time
}

// Cleanup removes journal segments not modified within RetentionDays.
// Zero removes every segment; a negative value keeps everything. Call it
// before Open so the live segment is never removed.
func Cleanup(dir string, config Config) (CleanupStats, error) {
	var stats CleanupStats
	if config.RetentionDays < 0 {
		return stats, nil
	}
	if config.FilePrefix == "" {
		config.FilePrefix = DefaultConfig().FilePrefix
	}

	cutoff := time.Now().AddDate(0, 0, -config.RetentionDays)
	for _, path := range findAllWALFiles(dir, config.FilePrefix) {
		info, err := os.Stat(path)
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}

		if err := os.Remove(path); err != nil {
			return stats, fmt.Errorf("failed to remove %s: %w", path, err)
		}
		stats.record(info)
	}

	return stats, nil
}

func (s *CleanupStats) record(info os.FileInfo) {
	modTime := info.ModTime()
	if s.FilesRemoved == 0 || modTime.Before(s.OldestRemoved) {
		s.OldestRemoved = modTime
	}
	if s.FilesRemoved == 0 || modTime.After(s.NewestRemoved) {
		s.NewestRemoved = modTime
	}
	s.FilesRemoved++
	s.BytesFreed += info.Size()
}

// findAllWALFiles returns all WAL files in directory, sorted by name
func findAllWALFiles(dir, prefix string) []string {
	pattern := filepath.Join(dir, prefix+"-*.wal")
	files, err := filepath.Glob(pattern)
	if err != nil {
		return nil
	}
	return files
}
