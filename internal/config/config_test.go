package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "driftdb", cfg.Database)
	assert.Equal(t, EngineMemory, cfg.Storage.Engine)
	assert.Equal(t, PubSubMemory, cfg.PubSub.Provider)
	assert.Empty(t, cfg.Sync.RemoteURL)
	assert.True(t, cfg.Sync.Replication.Live)
	assert.Equal(t, 100, cfg.Sync.Replication.BatchSize)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "config.yml", `
database: app
storage:
  engine: sqlite
  sqlite:
    path: /tmp/app.sqlite
sync:
  remote_url: ws://hub:8080/sync
  collections: [heroes, villains]
  replication:
    identifier: hub
    batch_size: 25
`)

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, "app", cfg.Database)
	assert.Equal(t, EngineSQLite, cfg.Storage.Engine)
	assert.Equal(t, "/tmp/app.sqlite", cfg.Storage.SQLite.Path)
	assert.Equal(t, "ws://hub:8080/sync", cfg.Sync.RemoteURL)
	assert.Equal(t, []string{"heroes", "villains"}, cfg.Sync.Collections)
	assert.Equal(t, "hub", cfg.Sync.Replication.Identifier)
	assert.Equal(t, 25, cfg.Sync.Replication.BatchSize)
	// Untouched sections keep their defaults.
	assert.Equal(t, PubSubMemory, cfg.PubSub.Provider)
}

func TestLocalFileOverridesBase(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "config.yml", "database: base\n")
	writeConfig(t, dir, "config.local.yml", "database: local\n")

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "local", cfg.Database)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("DRIFTDB_STORAGE_ENGINE", EngineSQLite)
	t.Setenv("DRIFTDB_SQLITE_PATH", "/tmp/env.sqlite")
	t.Setenv("DRIFTDB_NATS_URL", "nats://env:4222")

	cfg, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, EngineSQLite, cfg.Storage.Engine)
	assert.Equal(t, "/tmp/env.sqlite", cfg.Storage.SQLite.Path)
	assert.Equal(t, "nats://env:4222", cfg.PubSub.NATS.URL)
}

func TestValidateRejectsUnknownEngine(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Storage.Engine = "pebble"
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsUnknownProvider(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PubSub.Provider = "kafka"
	require.Error(t, cfg.Validate())
}

func TestValidateEngineRequirements(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Storage.Engine = EngineSQLite
	cfg.Storage.SQLite.Path = ""
	require.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Storage.Engine = EngineMongo
	cfg.Storage.Mongo.Database = ""
	require.Error(t, cfg.Validate())
}

func TestValidateSyncRequiresIdentifier(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Sync.RemoteURL = "ws://hub/sync"
	cfg.Sync.Replication.Identifier = ""
	require.Error(t, cfg.Validate())
}

func TestMalformedFileIsIgnored(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "config.yml", "database: [unterminated\n")

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "driftdb", cfg.Database)
}
