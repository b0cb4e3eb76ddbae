// Package logging configures the process-wide slog logger: console output,
// rotated log files and a separate warn+error file.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// SinkConfig configures one log sink.
type SinkConfig struct {
	Enabled bool   `yaml:"enabled"`
	Level   string `yaml:"level"`
	Format  string `yaml:"format"` // "text" or "json"
}

// RotationConfig configures log file rotation.
type RotationConfig struct {
	MaxSize    int  `yaml:"max_size"` // megabytes
	MaxBackups int  `yaml:"max_backups"`
	MaxAge     int  `yaml:"max_age"` // days
	Compress   bool `yaml:"compress"`
}

// Config is the logging section of the application configuration.
type Config struct {
	Dir      string         `yaml:"dir"`
	Console  SinkConfig     `yaml:"console"`
	File     SinkConfig     `yaml:"file"`
	Rotation RotationConfig `yaml:"rotation"`
}

// DefaultConfig returns console-only text logging at info level.
func DefaultConfig() Config {
	return Config{
		Dir:     "logs",
		Console: SinkConfig{Enabled: true, Level: "info", Format: "text"},
		File:    SinkConfig{Enabled: false, Level: "debug", Format: "json"},
		Rotation: RotationConfig{
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     30,
			Compress:   true,
		},
	}
}

var (
	logFiles   []*lumberjack.Logger
	logFilesMu sync.Mutex
)

// Initialize builds the logger from the configuration and installs it as
// the slog default.
func Initialize(cfg Config) error {
	logger, err := NewLogger(cfg)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	slog.SetDefault(logger)

	slog.Info("logging initialized",
		"dir", cfg.Dir,
		"console", cfg.Console.Enabled,
		"file", cfg.File.Enabled,
	)
	return nil
}

// NewLogger builds a logger from the configuration without touching the
// slog default.
func NewLogger(cfg Config) (*slog.Logger, error) {
	var handlers []slog.Handler

	if cfg.Console.Enabled {
		handlers = append(handlers,
			newHandler(os.Stdout, cfg.Console.Format, parseLevel(cfg.Console.Level)))
	}

	if cfg.File.Enabled {
		if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}

		mainFile := newRotatedFile(cfg, filepath.Join(cfg.Dir, "driftdb.log"))
		handlers = append(handlers,
			newHandler(mainFile, cfg.File.Format, parseLevel(cfg.File.Level)))

		// Warnings and errors additionally go to their own file so sync
		// problems are visible without scanning the full log.
		errorFile := newRotatedFile(cfg, filepath.Join(cfg.Dir, "errors.log"))
		handlers = append(handlers,
			NewLevelFilter(newHandler(errorFile, cfg.File.Format, slog.LevelWarn), slog.LevelWarn))
	}

	switch len(handlers) {
	case 0:
		return slog.New(slog.NewTextHandler(io.Discard, nil)), nil
	case 1:
		return slog.New(handlers[0]), nil
	default:
		return slog.New(NewMultiHandler(handlers...)), nil
	}
}

// Shutdown closes all rotated log files.
func Shutdown() error {
	logFilesMu.Lock()
	defer logFilesMu.Unlock()

	for _, f := range logFiles {
		if err := f.Close(); err != nil {
			return fmt.Errorf("close log file: %w", err)
		}
	}
	logFiles = nil
	return nil
}

func newRotatedFile(cfg Config, path string) *lumberjack.Logger {
	f := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    cfg.Rotation.MaxSize,
		MaxBackups: cfg.Rotation.MaxBackups,
		MaxAge:     cfg.Rotation.MaxAge,
		Compress:   cfg.Rotation.Compress,
	}
	logFilesMu.Lock()
	logFiles = append(logFiles, f)
	logFilesMu.Unlock()
	return f
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func newHandler(w io.Writer, format string, level slog.Level) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}
	if format == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}
