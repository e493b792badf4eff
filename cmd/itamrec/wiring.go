package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/yairfalse/itamrec/config"
	"github.com/yairfalse/itamrec/internal/daemon"
	"github.com/yairfalse/itamrec/reconciler"
	"github.com/yairfalse/itamrec/source"
	"github.com/yairfalse/itamrec/storage"
	_ "github.com/yairfalse/itamrec/storage/pgstore"
	_ "github.com/yairfalse/itamrec/storage/sqlstore"
	"github.com/yairfalse/itamrec/wal"
)

// app holds everything a reconciling command needs
type app struct {
	itam    source.Source
	active  source.Source
	store   storage.SnapshotStore
	journal *wal.WAL
	engine  *reconciler.Engine
}

// openApp opens sources, store and journal and builds the engine
func openApp(ctx context.Context, cfg *config.Config, opts ...reconciler.Option) (*app, error) {
	itam, err := buildSource(ctx, "itam", cfg.Sources.ITAM)
	if err != nil {
		return nil, err
	}
	active, err := buildSource(ctx, "active", cfg.Sources.Active)
	if err != nil {
		return nil, err
	}

	store, err := storage.Open(cfg.Storage)
	if err != nil {
		return nil, err
	}

	journal, err := daemon.OpenJournal(cfg.WAL.Dir, cfg.WAL.RetentionDays)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	opts = append([]reconciler.Option{reconciler.WithJournal(journal)}, opts...)

	return &app{
		itam:    itam,
		active:  active,
		store:   store,
		journal: journal,
		engine:  reconciler.NewEngine(itam, active, store, opts...),
	}, nil
}

// Close releases the journal and the store
func (a *app) Close() error {
	return errors.Join(a.journal.Close(), a.store.Close())
}

// buildSource creates the source backend named by sc.Kind
func buildSource(ctx context.Context, name string, sc config.SourceConfig) (source.Source, error) {
	switch sc.Kind {
	case config.SourceDir:
		return source.NewDirSource(name, sc.Dir), nil
	case config.SourceS3:
		src, err := source.NewS3SourceFromConfig(ctx, name, sc.Region, sc.Bucket, sc.Prefix)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s source: %w", name, err)
		}
		return src, nil
	default:
		return nil, fmt.Errorf("unknown %s source kind %q", name, sc.Kind)
	}
}

// watchDirs returns the directories of directory-backed sources
func watchDirs(cfg *config.Config) []string {
	var dirs []string
	for _, sc := range []config.SourceConfig{cfg.Sources.ITAM, cfg.Sources.Active} {
		if sc.Kind == config.SourceDir {
			dirs = append(dirs, sc.Dir)
		}
	}
	return dirs
}
