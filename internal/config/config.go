package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
// It is read-only after Load() returns and thread-safe for concurrent reads.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	API      APIConfig      `yaml:"api"`
	Auth     AuthConfig     `yaml:"auth"`
	Realtime RealtimeConfig `yaml:"realtime"`
	Queue    QueueConfig    `yaml:"queue"`
	Network  NetworkConfig  `yaml:"network"`
	Uploads  UploadsConfig  `yaml:"uploads"`
	Worker   WorkerConfig   `yaml:"worker"`
	Log      LogConfig      `yaml:"log"`
}

// ServerConfig contains local status API server settings.
type ServerConfig struct {
	Port            int      `yaml:"port"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig contains local database settings.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// APIConfig contains remote marketplace API settings.
type APIConfig struct {
	BaseURL   string   `yaml:"base_url"`
	Timeout   Duration `yaml:"timeout"`
	UserEmail string   `yaml:"user_email"`
	Token     string   `yaml:"-"` // env-only, never in YAML
}

// AuthConfig contains local status API authentication settings.
type AuthConfig struct {
	APIKey string `yaml:"-"` // env-only, never in YAML
}

// RealtimeConfig contains real-time connection settings.
// An empty NegotiateURL defaults to "<api.base_url>/api/negotiate".
type RealtimeConfig struct {
	NegotiateURL         string   `yaml:"negotiate_url"`
	HandshakeTimeout     Duration `yaml:"handshake_timeout"`
	HeartbeatInterval    Duration `yaml:"heartbeat_interval"`
	ReconnectBaseDelay   Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay    Duration `yaml:"reconnect_max_delay"`
	MaxReconnectAttempts int      `yaml:"max_reconnect_attempts"`
}

// QueueConfig contains operation queue retry settings.
type QueueConfig struct {
	MaxRetries     int      `yaml:"max_retries"`
	RetryBaseDelay Duration `yaml:"retry_base_delay"`
	RetryMaxDelay  Duration `yaml:"retry_max_delay"`
}

// NetworkConfig contains connectivity probe settings.
// An empty ProbeURL defaults to "<api.base_url>/api/health".
type NetworkConfig struct {
	ProbeURL      string   `yaml:"probe_url"`
	ProbeInterval Duration `yaml:"probe_interval"`
	ProbeTimeout  Duration `yaml:"probe_timeout"`
}

// UploadsConfig contains S3-compatible image storage settings.
// An empty bucket disables direct uploads; images then go through the API.
type UploadsConfig struct {
	Endpoint  string   `yaml:"endpoint"`
	Bucket    string   `yaml:"bucket"`
	Region    string   `yaml:"region"`
	UseSSL    *bool    `yaml:"use_ssl"`
	Timeout   Duration `yaml:"timeout"`
	AccessKey string   `yaml:"-"` // env-only, never in YAML
	SecretKey string   `yaml:"-"` // env-only, never in YAML
}

// WorkerConfig contains background worker settings.
type WorkerConfig struct {
	FlushInterval      Duration `yaml:"flush_interval"`
	CacheSweepInterval Duration `yaml:"cache_sweep_interval"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// NegotiateEndpoint returns the configured negotiate URL, falling back to
// the conventional path under the API base.
func (c *Config) NegotiateEndpoint() string {
	if c.Realtime.NegotiateURL != "" {
		return c.Realtime.NegotiateURL
	}
	return c.API.BaseURL + "/api/negotiate"
}

// ProbeEndpoint returns the configured probe URL, falling back to the API
// health endpoint.
func (c *Config) ProbeEndpoint() string {
	if c.Network.ProbeURL != "" {
		return c.Network.ProbeURL
	}
	return c.API.BaseURL + "/api/health"
}

// Duration is a wrapper around time.Duration that supports YAML string parsing.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Load loads configuration with precedence: defaults → YAML file → env vars.
// Returns an immutable Config suitable for concurrent read access.
func Load() (*Config, error) {
	cfg := newDefaults()

	// Determine config path
	configPath := getEnv("TRELLIS_CONFIG_PATH", "config/trellis.yaml")

	// Load YAML file if it exists (missing file is not an error)
	if err := loadYAMLFile(cfg, configPath); err != nil {
		return nil, err
	}

	// Apply environment variable overrides
	applyEnvOverrides(cfg)

	// Validate configuration
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromFile loads configuration from a specific path.
// Used for testing and explicit path specification.
func LoadFromFile(path string) (*Config, error) {
	cfg := newDefaults()

	// Load YAML file (file must exist for this function)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Apply environment variable overrides
	applyEnvOverrides(cfg)

	// Validate configuration
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// newDefaults returns a Config with all default values.
func newDefaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8686,
			ReadTimeout:     Duration(30 * time.Second),
			WriteTimeout:    Duration(30 * time.Second),
			ShutdownTimeout: Duration(15 * time.Second),
		},
		Database: DatabaseConfig{
			Path: "data/trellis.db",
		},
		API: APIConfig{
			Timeout: Duration(15 * time.Second),
		},
		Realtime: RealtimeConfig{
			HandshakeTimeout:     Duration(15 * time.Second),
			HeartbeatInterval:    Duration(30 * time.Second),
			ReconnectBaseDelay:   Duration(2 * time.Second),
			ReconnectMaxDelay:    Duration(30 * time.Second),
			MaxReconnectAttempts: 5,
		},
		Queue: QueueConfig{
			MaxRetries:     5,
			RetryBaseDelay: Duration(1 * time.Second),
			RetryMaxDelay:  Duration(30 * time.Second),
		},
		Network: NetworkConfig{
			ProbeInterval: Duration(10 * time.Second),
			ProbeTimeout:  Duration(5 * time.Second),
		},
		Uploads: UploadsConfig{
			Region:  "us-east-1",
			UseSSL:  boolPtr(true),
			Timeout: Duration(15 * time.Second),
		},
		Worker: WorkerConfig{
			FlushInterval:      Duration(30 * time.Second),
			CacheSweepInterval: Duration(10 * time.Minute),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// loadYAMLFile loads configuration from a YAML file if it exists.
// Missing file is not an error; we just use defaults.
func loadYAMLFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Missing file is OK; use defaults
			return nil
		}
		return fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// Only non-empty env vars override config values.
func applyEnvOverrides(cfg *Config) {
	// Server
	if v := os.Getenv("TRELLIS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("TRELLIS_READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.ReadTimeout = Duration(d)
		}
	}
	if v := os.Getenv("TRELLIS_WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.WriteTimeout = Duration(d)
		}
	}
	if v := os.Getenv("TRELLIS_SHUTDOWN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.ShutdownTimeout = Duration(d)
		}
	}

	// Database
	if v := os.Getenv("TRELLIS_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// Remote API
	if v := os.Getenv("TRELLIS_API_BASE_URL"); v != "" {
		cfg.API.BaseURL = v
	}
	if v := os.Getenv("TRELLIS_API_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.API.Timeout = Duration(d)
		}
	}
	if v := os.Getenv("TRELLIS_USER_EMAIL"); v != "" {
		cfg.API.UserEmail = v
	}
	if v := os.Getenv("TRELLIS_API_TOKEN"); v != "" {
		cfg.API.Token = v
	}

	// Local auth
	if v := os.Getenv("TRELLIS_API_KEY"); v != "" {
		cfg.Auth.APIKey = v
	}

	// Realtime
	if v := os.Getenv("TRELLIS_NEGOTIATE_URL"); v != "" {
		cfg.Realtime.NegotiateURL = v
	}
	if v := os.Getenv("TRELLIS_HANDSHAKE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Realtime.HandshakeTimeout = Duration(d)
		}
	}
	if v := os.Getenv("TRELLIS_HEARTBEAT_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Realtime.HeartbeatInterval = Duration(d)
		}
	}
	if v := os.Getenv("TRELLIS_RECONNECT_BASE_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Realtime.ReconnectBaseDelay = Duration(d)
		}
	}
	if v := os.Getenv("TRELLIS_RECONNECT_MAX_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Realtime.ReconnectMaxDelay = Duration(d)
		}
	}
	if v := os.Getenv("TRELLIS_MAX_RECONNECT_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Realtime.MaxReconnectAttempts = n
		}
	}

	// Queue
	if v := os.Getenv("TRELLIS_QUEUE_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Queue.MaxRetries = n
		}
	}
	if v := os.Getenv("TRELLIS_RETRY_BASE_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Queue.RetryBaseDelay = Duration(d)
		}
	}
	if v := os.Getenv("TRELLIS_RETRY_MAX_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Queue.RetryMaxDelay = Duration(d)
		}
	}

	// Network probe
	if v := os.Getenv("TRELLIS_PROBE_URL"); v != "" {
		cfg.Network.ProbeURL = v
	}
	if v := os.Getenv("TRELLIS_PROBE_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Network.ProbeInterval = Duration(d)
		}
	}
	if v := os.Getenv("TRELLIS_PROBE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Network.ProbeTimeout = Duration(d)
		}
	}

	// Uploads
	if v := os.Getenv("TRELLIS_UPLOADS_ENDPOINT"); v != "" {
		cfg.Uploads.Endpoint = v
	}
	if v := os.Getenv("TRELLIS_UPLOADS_BUCKET"); v != "" {
		cfg.Uploads.Bucket = v
	}
	if v := os.Getenv("TRELLIS_UPLOADS_REGION"); v != "" {
		cfg.Uploads.Region = v
	}
	if v := os.Getenv("TRELLIS_UPLOADS_ACCESS_KEY"); v != "" {
		cfg.Uploads.AccessKey = v
	}
	if v := os.Getenv("TRELLIS_UPLOADS_SECRET_KEY"); v != "" {
		cfg.Uploads.SecretKey = v
	}
	if v := os.Getenv("TRELLIS_UPLOADS_USE_SSL"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Uploads.UseSSL = &b
		}
	}
	if v := os.Getenv("TRELLIS_UPLOADS_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Uploads.Timeout = Duration(d)
		}
	}

	// Worker
	if v := os.Getenv("TRELLIS_FLUSH_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Worker.FlushInterval = Duration(d)
		}
	}
	if v := os.Getenv("TRELLIS_CACHE_SWEEP_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Worker.CacheSweepInterval = Duration(d)
		}
	}

	// Log
	if v := os.Getenv("TRELLIS_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("TRELLIS_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}

// validate checks that required configuration values are set.
// In dev mode (TRELLIS_DEV_MODE=true), credential validation is skipped.
func (c *Config) validate() error {
	if c.Queue.MaxRetries < 1 {
		return errors.New("queue.max_retries must be at least 1")
	}
	if c.Realtime.MaxReconnectAttempts < 1 {
		return errors.New("realtime.max_reconnect_attempts must be at least 1")
	}

	// Dev mode bypasses credential validation
	if os.Getenv("TRELLIS_DEV_MODE") == "true" {
		return nil
	}

	if c.API.BaseURL == "" {
		return errors.New("api.base_url (or TRELLIS_API_BASE_URL) is required")
	}
	if c.API.Token == "" {
		return errors.New("TRELLIS_API_TOKEN is required")
	}
	if c.API.UserEmail == "" {
		return errors.New("api.user_email (or TRELLIS_USER_EMAIL) is required")
	}
	if c.Auth.APIKey == "" {
		return errors.New("TRELLIS_API_KEY is required")
	}
	return nil
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func boolPtr(b bool) *bool {
	return &b
}
