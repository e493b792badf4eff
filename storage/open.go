package storage

import (
	"fmt"
	"sort"
	"sync"
)

// Config selects and configures a snapshot backend
type Config struct {
	Driver        string `yaml:"driver"`
	Path          string `yaml:"path"`
	DSN           string `yaml:"dsn"`
	KeepRevisions int    `yaml:"keep_revisions"`
}

// DriverBolt is the built-in default backend
const DriverBolt = "bolt"

// Factory opens a backend from its configuration
type Factory func(cfg Config) (SnapshotStore, error)

var (
	driversMu sync.RWMutex
	drivers   = map[string]Factory{
		DriverBolt: func(cfg Config) (SnapshotStore, error) {
			return NewBoltStore(cfg.Path, cfg.KeepRevisions)
		},
	}
)

// Register makes a backend available to Open. Backends in sub-packages
// register themselves from init.
func Register(driver string, factory Factory) {
	driversMu.Lock()
	defer driversMu.Unlock()

	if factory == nil {
		panic("storage: Register factory is nil")
	}
	if _, dup := drivers[driver]; dup {
		panic("storage: Register called twice for driver " + driver)
	}
	drivers[driver] = factory
}

// Drivers returns the registered driver names, sorted
func Drivers() []string {
	driversMu.RLock()
	defer driversMu.RUnlock()

	names := make([]string, 0, len(drivers))
	for name := range drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Open opens the backend named by cfg.Driver (bolt when empty)
func Open(cfg Config) (SnapshotStore, error) {
	if cfg.Driver == "" {
		cfg.Driver = DriverBolt
	}

	driversMu.RLock()
	factory, ok := drivers[cfg.Driver]
	driversMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown storage driver %q (registered: %v)", cfg.Driver, Drivers())
	}

	store, err := factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s storage: %w", cfg.Driver, err)
	}
	return store, nil
}
