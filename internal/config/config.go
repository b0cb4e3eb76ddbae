// Package config loads the application configuration. Order: defaults ->
// config.yml -> config.local.yml -> environment overrides -> validation.
package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"driftdb/internal/logging"
	"driftdb/internal/replication"
)

// Storage engine names accepted in the configuration.
const (
	EngineMemory = "memory"
	EngineSQLite = "sqlite"
	EngineMongo  = "mongodb"
)

// PubSub provider names accepted in the configuration.
const (
	PubSubMemory = "memory"
	PubSubNATS   = "nats"
)

// Config holds the application configuration.
type Config struct {
	Database string `yaml:"database"`

	Logging logging.Config `yaml:"logging"`
	Storage StorageConfig  `yaml:"storage"`
	PubSub  PubSubConfig   `yaml:"pubsub"`
	Sync    SyncConfig     `yaml:"sync"`
}

// StorageConfig selects and configures the storage engine.
type StorageConfig struct {
	Engine string       `yaml:"engine"`
	SQLite SQLiteConfig `yaml:"sqlite"`
	Mongo  MongoConfig  `yaml:"mongodb"`
}

// SQLiteConfig configures the sqlite engine.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// MongoConfig configures the mongodb engine.
type MongoConfig struct {
	URI      string `yaml:"uri"`
	Database string `yaml:"database"`
}

// PubSubConfig selects the bus used to link sibling instances.
type PubSubConfig struct {
	Provider string     `yaml:"provider"`
	NATS     NATSConfig `yaml:"nats"`
}

// NATSConfig configures the NATS bus.
type NATSConfig struct {
	URL string `yaml:"url"`
}

// SyncConfig configures replication against a remote endpoint.
type SyncConfig struct {
	// RemoteURL is the websocket endpoint of the remote, e.g.
	// ws://host:8080/sync. Empty disables replication.
	RemoteURL string `yaml:"remote_url"`

	// Collections to replicate. Empty means the configured default
	// collection of the command.
	Collections []string `yaml:"collections"`

	Replication replication.Config `yaml:"replication"`
}

// DefaultConfig returns a standalone in-memory setup.
func DefaultConfig() *Config {
	return &Config{
		Database: "driftdb",
		Logging:  logging.DefaultConfig(),
		Storage: StorageConfig{
			Engine: EngineMemory,
			SQLite: SQLiteConfig{Path: "data/driftdb.sqlite"},
			Mongo:  MongoConfig{URI: "mongodb://localhost:27017", Database: "driftdb"},
		},
		PubSub: PubSubConfig{
			Provider: PubSubMemory,
			NATS:     NATSConfig{URL: "nats://localhost:4222"},
		},
		Sync: SyncConfig{
			Replication: defaultSyncReplication(),
		},
	}
}

// Load builds the configuration from the files in configDir plus
// environment overrides.
func Load(configDir string) (*Config, error) {
	cfg := DefaultConfig()

	loadFile(filepath.Join(configDir, "config.yml"), cfg)
	loadFile(filepath.Join(configDir, "config.local.yml"), cfg)

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration error: %w", err)
	}
	return cfg, nil
}

func defaultSyncReplication() replication.Config {
	cfg := replication.DefaultConfig()
	cfg.Identifier = "sync"
	cfg.Live = true
	return cfg
}

func loadFile(filename string, cfg *Config) {
	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return
		}
		log.Printf("Warning: error reading %s: %v", filename, err)
		return
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		log.Printf("Warning: error parsing %s: %v", filename, err)
	}
}

func (c *Config) applyEnvOverrides() {
	setFromEnv("DRIFTDB_DATABASE", &c.Database)
	setFromEnv("DRIFTDB_STORAGE_ENGINE", &c.Storage.Engine)
	setFromEnv("DRIFTDB_SQLITE_PATH", &c.Storage.SQLite.Path)
	setFromEnv("DRIFTDB_MONGO_URI", &c.Storage.Mongo.URI)
	setFromEnv("DRIFTDB_MONGO_DATABASE", &c.Storage.Mongo.Database)
	setFromEnv("DRIFTDB_PUBSUB_PROVIDER", &c.PubSub.Provider)
	setFromEnv("DRIFTDB_NATS_URL", &c.PubSub.NATS.URL)
	setFromEnv("DRIFTDB_REMOTE_URL", &c.Sync.RemoteURL)
	setFromEnv("DRIFTDB_LOG_LEVEL", &c.Logging.Console.Level)
}

func setFromEnv(key string, target *string) {
	if v := os.Getenv(key); v != "" {
		*target = v
	}
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	if c.Database == "" {
		return fmt.Errorf("database name is required")
	}

	switch c.Storage.Engine {
	case EngineMemory:
	case EngineSQLite:
		if c.Storage.SQLite.Path == "" {
			return fmt.Errorf("storage.sqlite.path is required for the sqlite engine")
		}
	case EngineMongo:
		if c.Storage.Mongo.URI == "" {
			return fmt.Errorf("storage.mongodb.uri is required for the mongodb engine")
		}
		if c.Storage.Mongo.Database == "" {
			return fmt.Errorf("storage.mongodb.database is required for the mongodb engine")
		}
	default:
		return fmt.Errorf("unknown storage engine %q", c.Storage.Engine)
	}

	switch c.PubSub.Provider {
	case PubSubMemory:
	case PubSubNATS:
		if c.PubSub.NATS.URL == "" {
			return fmt.Errorf("pubsub.nats.url is required for the nats provider")
		}
	default:
		return fmt.Errorf("unknown pubsub provider %q", c.PubSub.Provider)
	}

	if c.Sync.RemoteURL != "" {
		if c.Sync.Replication.Identifier == "" {
			return fmt.Errorf("sync.replication.identifier is required")
		}
		if c.Sync.Replication.BatchSize < 0 {
			return fmt.Errorf("sync.replication.batch_size must not be negative")
		}
	}

	return nil
}
