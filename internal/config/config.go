// Package config loads and validates the nssync YAML configuration.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment variables that override the file.
const (
	EnvRemoteURL   = "NSSYNC_REMOTE_URL"
	EnvAccessToken = "NSSYNC_ACCESS_TOKEN"
)

// Config holds the full application configuration loaded from YAML.
type Config struct {
	// RemoteURL is the base URL of the remote data service
	// (e.g. "https://my-nightscout.example.com").
	RemoteURL string `yaml:"remote_url"`

	// AccessToken is exchanged for a bearer token on every refresh.
	AccessToken string `yaml:"access_token"`

	// PollInterval controls how often a sync pass runs. Minimum 30s,
	// maximum 1h. Defaults to 5m.
	PollInterval time.Duration `yaml:"poll_interval"`

	// AckTimeout bounds the wait for the acknowledgment of one pushed record.
	AckTimeout time.Duration `yaml:"ack_timeout,omitempty"`

	// RequestTimeout bounds every HTTP request to the remote.
	RequestTimeout time.Duration `yaml:"request_timeout,omitempty"`

	// UploadBatchSize caps the unconfirmed records pushed per pass.
	UploadBatchSize int `yaml:"upload_batch_size,omitempty"`

	// PageSize is the number of documents requested per download page.
	PageSize int `yaml:"page_size,omitempty"`

	// Workers is the number of collections downloaded concurrently.
	Workers int `yaml:"workers,omitempty"`

	// RetentionDays is the age beyond which a full sync may purge records.
	RetentionDays int `yaml:"retention_days,omitempty"`

	// PurgeOnFullSync deletes records older than RetentionDays during a
	// full sync.
	PurgeOnFullSync bool `yaml:"purge_on_full_sync,omitempty"`

	// FoodReloadEvery reloads the food collection every N passes.
	FoodReloadEvery int `yaml:"food_reload_every,omitempty"`

	// DeviceStatusOverlap re-reads this much device status history on each
	// pass to pick up late writes.
	DeviceStatusOverlap time.Duration `yaml:"devicestatus_overlap,omitempty"`

	// HistoryOverlap does the same for entries and treatments.
	HistoryOverlap time.Duration `yaml:"history_overlap,omitempty"`

	// RequestsPerMinute limits outgoing requests. Zero disables limiting.
	RequestsPerMinute int `yaml:"requests_per_minute,omitempty"`
	Burst             int `yaml:"burst,omitempty"`

	// LiveUpdates subscribes to the remote change feed. Defaults to true.
	LiveUpdates *bool `yaml:"live_updates,omitempty"`

	// LogCapacity is the number of sync log entries kept in memory.
	LogCapacity int `yaml:"log_capacity,omitempty"`

	// StatePath is the SQLite database file. Defaults to
	// ~/.local/share/nssync/state.db.
	StatePath string `yaml:"state_path,omitempty"`

	// Telemetry configures optional OpenTelemetry export via OTLP gRPC.
	// Omit the block entirely to disable telemetry.
	Telemetry *TelemetryConfig `yaml:"telemetry,omitempty"`
}

// TelemetryConfig holds optional OpenTelemetry settings.
type TelemetryConfig struct {
	// OTLPEndpoint is the gRPC host:port of the OTLP collector (e.g. "localhost:4317").
	OTLPEndpoint string `yaml:"otlp_endpoint"`

	// Insecure disables TLS for the collector connection. Use for local collectors.
	Insecure bool `yaml:"insecure"`

	// ServiceName overrides the OTel service.name attribute. Defaults to "nssync".
	ServiceName string `yaml:"service_name"`

	// Headers contains key-value pairs sent as gRPC metadata on every OTLP
	// request, e.g. Authorization: "Bearer <token>".
	Headers map[string]string `yaml:"headers,omitempty"`
}

// DefaultPath returns the default config file path: ~/.config/nssync/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".config", "nssync", "config.yaml"), nil
}

// Load reads and validates the configuration file at the given path.
// A .env file next to the config, then one in the working directory, may
// supply the NSSYNC_* overrides; variables already set in the environment win.
func Load(path string) (*Config, error) {
	loadDotEnv(filepath.Join(filepath.Dir(path), ".env"), ".env")

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening config file %q: %w", path, err)
	}
	defer f.Close()

	var cfg Config
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true) // reject unknown keys to catch typos early
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %q: %w", path, err)
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

func loadDotEnv(files ...string) {
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		_ = godotenv.Load(f)
	}
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvRemoteURL); v != "" {
		c.RemoteURL = v
	}
	if v := os.Getenv(EnvAccessToken); v != "" {
		c.AccessToken = v
	}
}

// LiveUpdatesEnabled reports whether the live change feed is used.
func (c *Config) LiveUpdatesEnabled() bool {
	return c.LiveUpdates == nil || *c.LiveUpdates
}

// Write persists the configuration to path, creating parent directories.
func (c *Config) Write(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	// The file holds an access token.
	if err := os.WriteFile(path, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("writing config file %q: %w", path, err)
	}
	return nil
}

// validate checks that all required fields are present and well-formed, and
// fills in defaults.
func (c *Config) validate() error {
	if c.RemoteURL == "" {
		return errors.New("remote_url is required")
	}
	u, err := url.ParseRequestURI(c.RemoteURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("remote_url %q must be a valid http or https URL", c.RemoteURL)
	}

	if c.AccessToken == "" {
		return errors.New("access_token is required")
	}

	if c.PollInterval == 0 {
		c.PollInterval = 5 * time.Minute
	}
	if c.PollInterval < 30*time.Second {
		return fmt.Errorf("poll_interval %v is too short (minimum 30s)", c.PollInterval)
	}
	if c.PollInterval > time.Hour {
		return fmt.Errorf("poll_interval %v is too long (maximum 1h)", c.PollInterval)
	}

	setDuration(&c.AckTimeout, 30*time.Second)
	setDuration(&c.RequestTimeout, 30*time.Second)
	setDuration(&c.DeviceStatusOverlap, 7*time.Minute)
	setInt(&c.UploadBatchSize, 500)
	setInt(&c.PageSize, 1000)
	setInt(&c.Workers, 4)
	setInt(&c.RetentionDays, 93)
	setInt(&c.FoodReloadEvery, 5)
	setInt(&c.Burst, 1)
	setInt(&c.LogCapacity, 100)

	if c.HistoryOverlap < 0 {
		return fmt.Errorf("history_overlap %v must not be negative", c.HistoryOverlap)
	}
	if c.RequestsPerMinute < 0 {
		return fmt.Errorf("requests_per_minute %d must not be negative", c.RequestsPerMinute)
	}
	if c.Workers > 16 {
		return fmt.Errorf("workers %d is too many (maximum 16)", c.Workers)
	}

	if c.StatePath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("resolving home directory: %w", err)
		}
		c.StatePath = filepath.Join(home, ".local", "share", "nssync", "state.db")
	}

	if c.Telemetry != nil {
		if c.Telemetry.OTLPEndpoint == "" {
			return errors.New("telemetry.otlp_endpoint is required when telemetry is configured")
		}
	}

	return nil
}

// setDuration and setInt fill zero or negative values with a default.
func setDuration(d *time.Duration, def time.Duration) {
	if *d <= 0 {
		*d = def
	}
}

func setInt(n *int, def int) {
	if *n <= 0 {
		*n = def
	}
}
