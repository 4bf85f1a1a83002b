package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
)

// Config represents the application configuration
type Config struct {
	Environment string          `toml:"environment"` // "development" or "production"
	Server      ServerConfig    `toml:"server"`
	Auth        AuthConfig      `toml:"auth"`
	Airtable    AirtableConfig  `toml:"airtable"`
	LogSource   LogSourceConfig `toml:"log_source"`
	Analyzer    AnalyzerConfig  `toml:"analyzer"`
	Runs        RunsConfig      `toml:"runs"`
	Worker      WorkerConfig    `toml:"worker"`
	Storage     StorageConfig   `toml:"storage"`
	Logging     LoggingConfig   `toml:"logging"`
}

type ServerConfig struct {
	Port int    `toml:"port" validate:"min=0,max=65535"`
	Host string `toml:"host"`
}

// AuthConfig holds the shared-secret bearer token for the API surface
type AuthConfig struct {
	Token string `toml:"token"`
}

// AirtableConfig contains connection settings for the tabular record store
type AirtableConfig struct {
	APIKey         string  `toml:"api_key"`
	BaseID         string  `toml:"base_id"`
	BaseURL        string  `toml:"base_url"`         // Override for tests; default https://api.airtable.com/v0
	RateLimit      float64 `toml:"rate_limit"`       // Requests per second (default: 5)
	RequestTimeout string  `toml:"request_timeout"`  // HTTP request timeout (default: "30s")
	RetryAttempts  int     `toml:"retry_attempts"`   // Max attempts for transient errors (default: 3)
	RetryBackoff   string  `toml:"retry_backoff"`    // Initial backoff (default: "500ms")
	RateLimitRetry int     `toml:"rate_limit_retry"` // Max attempts for 429 responses (default: 5)
}

// LogSourceConfig contains connection settings for the external log provider
type LogSourceConfig struct {
	BaseURL        string  `toml:"base_url"`
	APIKey         string  `toml:"api_key"`
	ServiceID      string  `toml:"service_id"`      // Default service/resource to fetch logs for
	PageLimit      int     `toml:"page_limit"`      // Max lines per provider call (default: 1000)
	GraceWindow    string  `toml:"grace_window"`    // Start-time widening for clock skew (default: "30s")
	RateLimit      float64 `toml:"rate_limit"`      // Requests per second (default: 10)
	RequestTimeout string  `toml:"request_timeout"` // HTTP request timeout (default: "30s")
}

// AnalyzerConfig controls the post-run log analyzer
type AnalyzerConfig struct {
	ContextBefore   int    `toml:"context_before"`    // Context lines before a match (default: 25)
	ContextAfter    int    `toml:"context_after"`     // Context lines after a match (default: 25)
	MaxContextLines int    `toml:"max_context_lines"` // Hard cap on context window (default: 50)
	MaxMessageLen   int    `toml:"max_message_len"`   // Error message clamp (default: 500)
	Schedule        string `toml:"schedule"`          // Cron expression for the recent-window sweep (empty = disabled)
	SweepMinutes    int    `toml:"sweep_minutes"`     // Window for the scheduled sweep (default: 30)
}

// RunsConfig controls run tracking behavior
type RunsConfig struct {
	HeartbeatInterval string `toml:"heartbeat_interval"` // Worker heartbeat cadence (default: "60s")
	StallWindow       string `toml:"stall_window"`       // RUNNING without heartbeat past this is a stall (default: "30m")
	ExecutionLogCap   int    `toml:"execution_log_cap"`  // Execution log ring size in bytes (default: 65536)
	CacheSize         int    `toml:"cache_size"`         // Run ID lookup cache entries (default: 512)
}

// WorkerConfig configures the downstream batch processor dispatch
type WorkerConfig struct {
	// Endpoints maps run type to the downstream processor URL invoked per client
	Endpoints      map[string]string `toml:"endpoints"`
	RequestTimeout string            `toml:"request_timeout"` // Per-client call timeout (default: "10m")
	Concurrency    int               `toml:"concurrency"`     // Concurrent client dispatches per run (default: 1)
}

type StorageConfig struct {
	Badger BadgerConfig `toml:"badger"`
}

// BadgerConfig represents BadgerDB-specific configuration for the issue spool
type BadgerConfig struct {
	Path           string `toml:"path"`             // Database directory path
	ResetOnStartup bool   `toml:"reset_on_startup"` // Delete database on startup for clean test runs
}

type LoggingConfig struct {
	Level      string   `toml:"level"`       // "debug", "info", "warn", "error"
	Output     []string `toml:"output"`      // "stdout", "file"
	TimeFormat string   `toml:"time_format"` // Time format for logs (default: "15:04:05.000")
}

// DefaultConfig returns a config populated with defaults
func DefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Port: 8080,
			Host: "localhost",
		},
		Airtable: AirtableConfig{
			BaseURL:        "https://api.airtable.com/v0",
			RateLimit:      5,
			RequestTimeout: "30s",
			RetryAttempts:  3,
			RetryBackoff:   "500ms",
			RateLimitRetry: 5,
		},
		LogSource: LogSourceConfig{
			PageLimit:      1000,
			GraceWindow:    "30s",
			RateLimit:      10,
			RequestTimeout: "30s",
		},
		Analyzer: AnalyzerConfig{
			ContextBefore:   25,
			ContextAfter:    25,
			MaxContextLines: 50,
			MaxMessageLen:   500,
			SweepMinutes:    30,
		},
		Runs: RunsConfig{
			HeartbeatInterval: "60s",
			StallWindow:       "30m",
			ExecutionLogCap:   64 * 1024,
			CacheSize:         512,
		},
		Worker: WorkerConfig{
			RequestTimeout: "10m",
			Concurrency:    1,
		},
		Storage: StorageConfig{
			Badger: BadgerConfig{
				Path: "./data/spool",
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: []string{"stdout"},
		},
	}
}

// LoadFromFiles loads configuration with precedence:
// defaults -> file1 -> file2 -> ... -> environment variables.
// Later files override earlier ones. Missing files are an error;
// an empty path list returns defaults plus env overrides.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := DefaultConfig()

	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// applyEnvOverrides applies VIGIL_* environment variables over file config.
// Secrets are the main use case so deployments can keep tokens out of files.
func applyEnvOverrides(config *Config) {
	if v := os.Getenv("VIGIL_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			config.Server.Port = port
		}
	}
	if v := os.Getenv("VIGIL_HOST"); v != "" {
		config.Server.Host = v
	}
	if v := os.Getenv("VIGIL_AUTH_TOKEN"); v != "" {
		config.Auth.Token = v
	}
	if v := os.Getenv("VIGIL_AIRTABLE_API_KEY"); v != "" {
		config.Airtable.APIKey = v
	}
	if v := os.Getenv("VIGIL_AIRTABLE_BASE_ID"); v != "" {
		config.Airtable.BaseID = v
	}
	if v := os.Getenv("VIGIL_LOG_SOURCE_API_KEY"); v != "" {
		config.LogSource.APIKey = v
	}
	if v := os.Getenv("VIGIL_LOG_SOURCE_SERVICE_ID"); v != "" {
		config.LogSource.ServiceID = v
	}
	if v := os.Getenv("VIGIL_LOG_LEVEL"); v != "" {
		config.Logging.Level = v
	}
}

// ApplyFlagOverrides applies command-line flag values (highest priority)
func ApplyFlagOverrides(config *Config, port int, host string) {
	if port != 0 {
		config.Server.Port = port
	}
	if host != "" {
		config.Server.Host = host
	}
}

// Validate checks structural validity plus duration fields that the
// validator tags cannot express.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	durations := map[string]string{
		"airtable.request_timeout":   c.Airtable.RequestTimeout,
		"airtable.retry_backoff":     c.Airtable.RetryBackoff,
		"log_source.grace_window":    c.LogSource.GraceWindow,
		"log_source.request_timeout": c.LogSource.RequestTimeout,
		"runs.heartbeat_interval":    c.Runs.HeartbeatInterval,
		"runs.stall_window":          c.Runs.StallWindow,
		"worker.request_timeout":     c.Worker.RequestTimeout,
	}
	for name, value := range durations {
		if value == "" {
			continue
		}
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid configuration: %s: %w", name, err)
		}
	}

	if c.Analyzer.Schedule != "" && !strings.HasPrefix(c.Analyzer.Schedule, "@") {
		if len(strings.Fields(c.Analyzer.Schedule)) != 5 {
			return fmt.Errorf("invalid configuration: analyzer.schedule must be a 5-field cron expression or @-descriptor")
		}
	}

	return nil
}

// Duration parses a duration config value with a fallback default
func Duration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}
