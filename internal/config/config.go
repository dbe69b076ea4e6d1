// Package config loads the service configuration from YAML with
// environment overrides for secrets.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/codebuildervaibhav/scribber/internal/logging"
)

// Provider types understood by the registry builder.
const (
	TypeOpenAIWhisper = "openai_whisper"
	TypeElevenLabs    = "elevenlabs"
	TypeGoogleSTT     = "google_stt"
	TypeOpenAIChat    = "openai_chat"
	TypeAnthropic     = "anthropic"
	TypeMock          = "mock"
)

var providerKinds = map[string]string{
	TypeOpenAIWhisper: "transcription",
	TypeElevenLabs:    "transcription",
	TypeGoogleSTT:     "transcription",
	TypeOpenAIChat:    "summarization",
	TypeAnthropic:     "summarization",
}

// Config represents the application configuration
type Config struct {
	Server struct {
		Port int    `yaml:"port"`
		Host string `yaml:"host"`
	} `yaml:"server"`

	Logging logging.Config `yaml:"logging"`

	Workers struct {
		Count     int `yaml:"count"`
		QueueSize int `yaml:"queue_size"`
	} `yaml:"workers"`

	Storage struct {
		OutputDir string `yaml:"output_dir"`
		Database  string `yaml:"database"`
	} `yaml:"storage"`

	Pipeline struct {
		TranscriptionTimeout time.Duration `yaml:"transcription_timeout"`
		SummarizationTimeout time.Duration `yaml:"summarization_timeout"`
		ExportTimeout        time.Duration `yaml:"export_timeout"`
		ShutdownTimeout      time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"pipeline"`

	Status struct {
		KeepaliveInterval time.Duration `yaml:"keepalive_interval"`
		KeepaliveTimeout  time.Duration `yaml:"keepalive_timeout"`
		PollInterval      time.Duration `yaml:"poll_interval"`
		SubscriberBuffer  int           `yaml:"subscriber_buffer"`
	} `yaml:"status"`

	Cleanup struct {
		Interval        time.Duration `yaml:"interval"`
		TempMaxAge      time.Duration `yaml:"temp_max_age"`
		ExportRetention time.Duration `yaml:"export_retention"`
	} `yaml:"cleanup"`

	Kafka struct {
		Enabled   bool     `yaml:"enabled"`
		Brokers   []string `yaml:"brokers"`
		Topic     string   `yaml:"topic"`
		Principal string   `yaml:"principal"`
		QueueSize int      `yaml:"queue_size"`
	} `yaml:"kafka"`

	GoogleDrive struct {
		ClientID     string        `yaml:"client_id"`
		ClientSecret string        `yaml:"client_secret"`
		FolderName   string        `yaml:"folder_name"`
		TokenTTL     time.Duration `yaml:"token_ttl"`
	} `yaml:"google_drive"`

	Email struct {
		SendGridAPIKey string `yaml:"sendgrid_api_key"`
		FromEmail      string `yaml:"from_email"`
	} `yaml:"email"`

	Limits struct {
		MaxFileSizeMB int `yaml:"max_file_size_mb"`
	} `yaml:"limits"`

	Providers []ProviderConfig `yaml:"providers"`
}

// ProviderConfig configures one provider adapter.
type ProviderConfig struct {
	ID              string        `yaml:"id"`
	Kind            string        `yaml:"kind"`
	Type            string        `yaml:"type"`
	Model           string        `yaml:"model"`
	Endpoint        string        `yaml:"endpoint"`
	APIKey          string        `yaml:"api_key"`
	APIKeyEnv       string        `yaml:"api_key_env"`
	CredentialsFile string        `yaml:"credentials_file"`
	Language        string        `yaml:"language"`
	Style           string        `yaml:"style"`
	MaxTokens       int           `yaml:"max_tokens"`
	MaxWords        int           `yaml:"max_words"`
	Timeout         time.Duration `yaml:"timeout"`

	// Mock adapter behaviour.
	Text  string        `yaml:"text"`
	Delay time.Duration `yaml:"delay"`
}

// Default returns a configuration with every optional value filled in and
// a single pair of mock providers.
func Default() *Config {
	cfg := &Config{}
	cfg.Server.Host = "0.0.0.0"
	cfg.Server.Port = 8080
	cfg.Logging = logging.DefaultConfig()
	cfg.Workers.Count = 4
	cfg.Workers.QueueSize = 100
	cfg.Storage.OutputDir = "./data/audio"
	cfg.Storage.Database = "./data/scribber.db"
	cfg.Pipeline.TranscriptionTimeout = 10 * time.Minute
	cfg.Pipeline.SummarizationTimeout = 2 * time.Minute
	cfg.Pipeline.ExportTimeout = 2 * time.Minute
	cfg.Pipeline.ShutdownTimeout = 30 * time.Second
	cfg.Status.KeepaliveInterval = 25 * time.Second
	cfg.Status.KeepaliveTimeout = 60 * time.Second
	cfg.Status.PollInterval = 2 * time.Second
	cfg.Status.SubscriberBuffer = 32
	cfg.Cleanup.Interval = 10 * time.Minute
	cfg.Cleanup.TempMaxAge = 24 * time.Hour
	cfg.Cleanup.ExportRetention = time.Hour
	cfg.Kafka.Topic = "scribber.status"
	cfg.Kafka.Principal = "svc-scribber"
	cfg.Kafka.QueueSize = 1024
	cfg.GoogleDrive.FolderName = "Scribber"
	cfg.GoogleDrive.TokenTTL = 10 * time.Minute
	cfg.Email.FromEmail = "noreply@scribber.app"
	cfg.Limits.MaxFileSizeMB = 100
	cfg.Providers = []ProviderConfig{
		{ID: "mock-stt", Kind: "transcription", Type: TypeMock},
		{ID: "mock-llm", Kind: "summarization", Type: TypeMock},
	}
	return cfg
}

// Load reads path over the defaults, applies environment overrides and
// validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("SCRIBBER_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if c.GoogleDrive.ClientID == "" {
		c.GoogleDrive.ClientID = os.Getenv("GOOGLE_OAUTH_CLIENT_ID")
	}
	if c.GoogleDrive.ClientSecret == "" {
		c.GoogleDrive.ClientSecret = os.Getenv("GOOGLE_OAUTH_CLIENT_SECRET")
	}
	if c.Email.SendGridAPIKey == "" {
		c.Email.SendGridAPIKey = os.Getenv("SENDGRID_API_KEY")
	}
	for i := range c.Providers {
		p := &c.Providers[i]
		if p.APIKey == "" && p.APIKeyEnv != "" {
			p.APIKey = os.Getenv(p.APIKeyEnv)
		}
	}
}

// Validate checks the configuration for values the service cannot run with.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Workers.Count > 0, "workers.count must be positive")
	check(c.Workers.QueueSize > 0, "workers.queue_size must be positive")
	check(c.Pipeline.TranscriptionTimeout > 0, "pipeline.transcription_timeout must be positive")
	check(c.Pipeline.SummarizationTimeout > 0, "pipeline.summarization_timeout must be positive")
	check(c.Pipeline.ExportTimeout > 0, "pipeline.export_timeout must be positive")
	check(c.Status.KeepaliveInterval > 0 && c.Status.KeepaliveInterval <= 30*time.Second,
		"status.keepalive_interval must be in (0, 30s]")
	check(c.Status.KeepaliveTimeout >= c.Status.KeepaliveInterval,
		"status.keepalive_timeout must not be shorter than the keepalive interval")
	check(c.Status.PollInterval > 0 && c.Status.PollInterval <= 5*time.Second,
		"status.poll_interval must be in (0, 5s]")
	check(c.Limits.MaxFileSizeMB > 0, "limits.max_file_size_mb must be positive")
	check(!c.Kafka.Enabled || (len(c.Kafka.Brokers) > 0 && c.Kafka.Topic != ""),
		"kafka needs brokers and a topic when enabled")
	check(len(c.Providers) > 0, "at least one provider is required")

	seen := make(map[string]bool)
	for i, p := range c.Providers {
		check(p.ID != "", "providers[%d]: id is required", i)
		check(!seen[p.ID], "providers[%d]: duplicate id %q", i, p.ID)
		seen[p.ID] = true
		check(p.Kind == "transcription" || p.Kind == "summarization",
			"providers[%d]: unknown kind %q", i, p.Kind)
		check(p.Timeout >= 0, "providers[%d]: timeout must not be negative", i)
		if p.Type == TypeMock {
			continue
		}
		want, ok := providerKinds[p.Type]
		check(ok, "providers[%d]: unknown type %q", i, p.Type)
		check(!ok || want == p.Kind, "providers[%d]: type %s is a %s provider", i, p.Type, want)
	}

	return errors.Join(errs...)
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// MaxFileSize returns the upload limit in bytes.
func (c *Config) MaxFileSize() int64 {
	return int64(c.Limits.MaxFileSizeMB) * 1024 * 1024
}
