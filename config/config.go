// Package config handles YAML configuration for itamrec.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/yairfalse/itamrec/storage"
)

// EnvPath names the config file when no --config flag is given
const EnvPath = "ITAMREC_CONFIG"

// Source kinds
const (
	SourceDir = "dir"
	SourceS3  = "s3"
)

// Config is the root configuration structure.
type Config struct {
	Sources SourcesConfig  `yaml:"sources"`
	Storage storage.Config `yaml:"storage"`
	WAL     WALConfig      `yaml:"wal"`
	API     ServerConfig   `yaml:"api"`
	Metrics ServerConfig   `yaml:"metrics"`
	Watch   WatchConfig    `yaml:"watch"`
	OTEL    OTELConfig     `yaml:"otel"`
	Log     LogConfig      `yaml:"log"`
	Policy  PolicyConfig   `yaml:"policy"`
}

// SourcesConfig names the two datasets that are reconciled.
type SourcesConfig struct {
	ITAM   SourceConfig `yaml:"itam"`
	Active SourceConfig `yaml:"active"`
}

// SourceConfig locates one dataset collection.
type SourceConfig struct {
	Kind   string `yaml:"kind"`
	Dir    string `yaml:"dir"`
	Bucket string `yaml:"bucket"`
	Prefix string `yaml:"prefix"`
	Region string `yaml:"region"`
}

// WALConfig holds audit journal settings.
type WALConfig struct {
	Dir           string `yaml:"dir"`
	RetentionDays int    `yaml:"retention_days"`
}

// ServerConfig holds a listen address. Empty disables the server.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// WatchConfig holds source directory watcher settings.
type WatchConfig struct {
	Enabled     bool          `yaml:"enabled"`
	DebounceStr string        `yaml:"debounce"`
	Debounce    time.Duration `yaml:"-"`
}

// OTELConfig holds OpenTelemetry settings.
type OTELConfig struct {
	Endpoint    string       `yaml:"endpoint"`
	Insecure    bool         `yaml:"insecure"`
	ServiceName string       `yaml:"service_name"`
	Traces      TracesConfig `yaml:"traces"`
}

// TracesConfig holds tracing settings.
type TracesConfig struct {
	Enabled    bool     `yaml:"enabled"`
	SampleRate *float64 `yaml:"sample_rate"`
}

// Rate returns the sample rate, 1.0 when unset
func (t TracesConfig) Rate() float64 {
	if t.SampleRate == nil {
		return 1.0
	}
	return *t.SampleRate
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level   string `yaml:"level"`
	Console bool   `yaml:"console"`
}

// PolicyConfig points at a Rego module replacing the built-in view policy.
type PolicyConfig struct {
	Path string `yaml:"path"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{
		OTEL: OTELConfig{Insecure: true},
	}
	applyDefaults(cfg)
	cfg.Watch.Debounce, _ = time.ParseDuration(cfg.Watch.DebounceStr)
	return cfg
}

// Load reads and parses a YAML config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path is intentional user input
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	return Parse(data)
}

// Parse decodes YAML, applies defaults and validates
func Parse(data []byte) (*Config, error) {
	cfg := &Config{
		OTEL: OTELConfig{Insecure: true},
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(cfg)

	if err := parseDebounce(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// Resolve picks the config file from flag, then ITAMREC_CONFIG, then defaults
func Resolve(flagPath string) (*Config, error) {
	path := flagPath
	if path == "" {
		path = os.Getenv(EnvPath)
	}
	if path == "" {
		return Default(), nil
	}
	return Load(path)
}

func applyDefaults(cfg *Config) {
	applySourceDefaults(&cfg.Sources.ITAM, "./data/itam")
	applySourceDefaults(&cfg.Sources.Active, "./data/active_services")

	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = storage.DriverBolt
	}
	if cfg.Storage.Path == "" && cfg.Storage.Driver == storage.DriverBolt {
		cfg.Storage.Path = "./data/itamrec.db"
	}
	if cfg.Storage.KeepRevisions == 0 {
		cfg.Storage.KeepRevisions = 1
	}

	if cfg.WAL.Dir == "" {
		cfg.WAL.Dir = "./data/wal"
	}
	if cfg.WAL.RetentionDays == 0 {
		cfg.WAL.RetentionDays = 30
	}

	if cfg.API.Addr == "" {
		cfg.API.Addr = ":8080"
	}
	if cfg.Metrics.Addr == "" {
		cfg.Metrics.Addr = ":9090"
	}
	if cfg.Watch.DebounceStr == "" {
		cfg.Watch.DebounceStr = "2s"
	}

	if cfg.OTEL.ServiceName == "" {
		cfg.OTEL.ServiceName = "itamrec"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
}

func applySourceDefaults(src *SourceConfig, dir string) {
	if src.Kind == "" {
		src.Kind = SourceDir
	}
	if src.Kind == SourceDir && src.Dir == "" {
		src.Dir = dir
	}
}

func parseDebounce(cfg *Config) error {
	d, err := time.ParseDuration(cfg.Watch.DebounceStr)
	if err != nil {
		return fmt.Errorf("parse watch.debounce %q: %w", cfg.Watch.DebounceStr, err)
	}
	cfg.Watch.Debounce = d
	return nil
}

// Validate checks the configuration is valid.
func (c *Config) Validate() error {
	if err := c.Sources.ITAM.validate("itam"); err != nil {
		return err
	}
	if err := c.Sources.Active.validate("active"); err != nil {
		return err
	}

	switch c.Storage.Driver {
	case storage.DriverBolt, "sqlite":
		if c.Storage.Path == "" && c.Storage.DSN == "" {
			return fmt.Errorf("storage: %s driver requires path", c.Storage.Driver)
		}
	case "postgres":
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage: postgres driver requires dsn")
		}
	default:
		return fmt.Errorf("storage: unknown driver %q", c.Storage.Driver)
	}
	if c.Storage.KeepRevisions < 1 {
		return fmt.Errorf("storage: keep_revisions must be at least 1 (got %d)", c.Storage.KeepRevisions)
	}

	if c.Watch.Debounce < 0 {
		return fmt.Errorf("watch: debounce must not be negative")
	}
	if rate := c.OTEL.Traces.Rate(); rate < 0.0 || rate > 1.0 {
		return fmt.Errorf("otel: traces.sample_rate must be between 0.0 and 1.0 (got %v)", rate)
	}
	return nil
}

func (s SourceConfig) validate(name string) error {
	switch s.Kind {
	case SourceDir:
		if s.Dir == "" {
			return fmt.Errorf("sources.%s: dir is required", name)
		}
	case SourceS3:
		if s.Bucket == "" {
			return fmt.Errorf("sources.%s: bucket is required for s3", name)
		}
	default:
		return fmt.Errorf("sources.%s: unknown kind %q", name, s.Kind)
	}
	return nil
}
