// Package logging provides structured logging with zerolog.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config holds logging configuration.
type Config struct {
	Level      string `yaml:"level"`  // debug, info, warn, error
	Format     string `yaml:"format"` // json, console
	TimeFormat string `yaml:"time_format"`
}

// DefaultConfig returns the default logging configuration.
func DefaultConfig() Config {
	return Config{
		Level:      "info",
		Format:     "json",
		TimeFormat: time.RFC3339,
	}
}

// Init initializes the global zerolog logger. Extra writers receive a copy
// of every line, such as the in-memory Buffer served at /logs.
func Init(cfg Config, extra ...io.Writer) {
	if cfg.TimeFormat == "" {
		cfg.TimeFormat = time.RFC3339
	}
	zerolog.TimeFieldFormat = cfg.TimeFormat

	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	var output io.Writer = os.Stdout
	if cfg.Format == "console" {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.Kitchen,
		}
	}

	if len(extra) > 0 {
		output = zerolog.MultiLevelWriter(append([]io.Writer{output}, extra...)...)
	}

	log.Logger = zerolog.New(output).
		With().
		Timestamp().
		Str("service", "scribber").
		Logger()
}

// WithComponent returns a logger with a component tag.
func WithComponent(component string) zerolog.Logger {
	return log.With().
		Str("component", component).
		Logger()
}

// WithEntity returns a logger with entity context.
func WithEntity(entityID, ownerID string) zerolog.Logger {
	return log.With().
		Str("entityId", entityID).
		Str("ownerId", ownerID).
		Logger()
}

// WithJob returns a logger with stage job context.
func WithJob(entityID, jobID, kind, provider string) zerolog.Logger {
	return log.With().
		Str("entityId", entityID).
		Str("jobId", jobID).
		Str("stageKind", kind).
		Str("provider", provider).
		Logger()
}
