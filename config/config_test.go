package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "itamrec.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	content := `
sources:
  itam:
    kind: dir
    dir: /srv/itam
  active:
    kind: s3
    bucket: ops-exports
    prefix: active/
    region: eu-west-1
storage:
  driver: sqlite
  path: /var/lib/itamrec/itamrec.sqlite
  keep_revisions: 5
wal:
  dir: /var/lib/itamrec/wal
  retention_days: 7
api:
  addr: "127.0.0.1:8081"
metrics:
  addr: ":9191"
watch:
  enabled: true
  debounce: 500ms
otel:
  endpoint: "localhost:4317"
  insecure: false
  service_name: itamrec-prod
  traces:
    enabled: true
    sample_rate: 0.25
log:
  level: debug
  console: true
policy:
  path: /etc/itamrec/scope.rego
`
	cfg, err := Load(writeTempConfig(t, content))
	require.NoError(t, err)

	assert.Equal(t, SourceDir, cfg.Sources.ITAM.Kind)
	assert.Equal(t, "/srv/itam", cfg.Sources.ITAM.Dir)
	assert.Equal(t, SourceS3, cfg.Sources.Active.Kind)
	assert.Equal(t, "ops-exports", cfg.Sources.Active.Bucket)
	assert.Equal(t, "active/", cfg.Sources.Active.Prefix)
	assert.Equal(t, "eu-west-1", cfg.Sources.Active.Region)
	assert.Empty(t, cfg.Sources.Active.Dir, "s3 sources get no default dir")

	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, "/var/lib/itamrec/itamrec.sqlite", cfg.Storage.Path)
	assert.Equal(t, 5, cfg.Storage.KeepRevisions)

	assert.Equal(t, "/var/lib/itamrec/wal", cfg.WAL.Dir)
	assert.Equal(t, 7, cfg.WAL.RetentionDays)
	assert.Equal(t, "127.0.0.1:8081", cfg.API.Addr)
	assert.Equal(t, ":9191", cfg.Metrics.Addr)

	assert.True(t, cfg.Watch.Enabled)
	assert.Equal(t, 500*time.Millisecond, cfg.Watch.Debounce)

	assert.Equal(t, "localhost:4317", cfg.OTEL.Endpoint)
	assert.False(t, cfg.OTEL.Insecure)
	assert.Equal(t, "itamrec-prod", cfg.OTEL.ServiceName)
	assert.True(t, cfg.OTEL.Traces.Enabled)
	assert.Equal(t, 0.25, cfg.OTEL.Traces.Rate())

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.Log.Console)
	assert.Equal(t, "/etc/itamrec/scope.rego", cfg.Policy.Path)
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeTempConfig(t, "log:\n  level: warn\n"))
	require.NoError(t, err)

	assert.Equal(t, SourceDir, cfg.Sources.ITAM.Kind)
	assert.Equal(t, "./data/itam", cfg.Sources.ITAM.Dir)
	assert.Equal(t, "./data/active_services", cfg.Sources.Active.Dir)
	assert.Equal(t, "bolt", cfg.Storage.Driver)
	assert.Equal(t, "./data/itamrec.db", cfg.Storage.Path)
	assert.Equal(t, 1, cfg.Storage.KeepRevisions)
	assert.Equal(t, "./data/wal", cfg.WAL.Dir)
	assert.Equal(t, 30, cfg.WAL.RetentionDays)
	assert.Equal(t, ":8080", cfg.API.Addr)
	assert.Equal(t, ":9090", cfg.Metrics.Addr)
	assert.False(t, cfg.Watch.Enabled)
	assert.Equal(t, 2*time.Second, cfg.Watch.Debounce)
	assert.True(t, cfg.OTEL.Insecure)
	assert.Equal(t, "itamrec", cfg.OTEL.ServiceName)
	assert.Equal(t, 1.0, cfg.OTEL.Traces.Rate())
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestDefault_MatchesEmptyFile(t *testing.T) {
	fromFile, err := Parse([]byte("{}"))
	require.NoError(t, err)

	assert.Equal(t, fromFile, Default())
}

func TestLoad_ExplicitZeroSampleRate(t *testing.T) {
	cfg, err := Parse([]byte("otel:\n  traces:\n    enabled: true\n    sample_rate: 0\n"))
	require.NoError(t, err)
	assert.Equal(t, 0.0, cfg.OTEL.Traces.Rate())
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		errMsg  string
	}{
		{"unknown source kind", "sources:\n  itam:\n    kind: ftp\n", "unknown kind"},
		{"s3 without bucket", "sources:\n  active:\n    kind: s3\n", "bucket is required"},
		{"unknown driver", "storage:\n  driver: mongo\n", "unknown driver"},
		{"postgres without dsn", "storage:\n  driver: postgres\n", "requires dsn"},
		{"sqlite without path", "storage:\n  driver: sqlite\n", "requires path"},
		{"negative revisions", "storage:\n  keep_revisions: -2\n", "keep_revisions"},
		{"bad debounce", "watch:\n  debounce: soon\n", "watch.debounce"},
		{"sample rate too high", "otel:\n  traces:\n    sample_rate: 1.5\n", "sample_rate"},
		{"bad yaml", "sources: [", "parse config"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read config file")
}

func TestResolve(t *testing.T) {
	t.Run("defaults without flag or env", func(t *testing.T) {
		t.Setenv(EnvPath, "")
		cfg, err := Resolve("")
		require.NoError(t, err)
		assert.Equal(t, Default(), cfg)
	})

	t.Run("env names the file", func(t *testing.T) {
		t.Setenv(EnvPath, writeTempConfig(t, "api:\n  addr: ':7000'\n"))
		cfg, err := Resolve("")
		require.NoError(t, err)
		assert.Equal(t, ":7000", cfg.API.Addr)
	})

	t.Run("flag wins over env", func(t *testing.T) {
		t.Setenv(EnvPath, writeTempConfig(t, "api:\n  addr: ':7000'\n"))
		cfg, err := Resolve(writeTempConfig(t, "api:\n  addr: ':7001'\n"))
		require.NoError(t, err)
		assert.Equal(t, ":7001", cfg.API.Addr)
	})
}
