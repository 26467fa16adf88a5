// Package config provides configuration structures and loading logic for the PII service.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/polisai/polis-pii/internal/governance"
	"gopkg.in/yaml.v3"
)

const (
	defaultListenAddress  = ":8085"
	defaultServiceName    = "polis-pii"
	defaultRequestTimeout = 30 * time.Second
)

// Config holds the global configuration for the service.
type Config struct {
	Server ServerConfig `yaml:"server"`

	Telemetry TelemetryConfig `yaml:"telemetry"`
	Policy    PolicyConfig    `yaml:"policy"`
	Stream    StreamConfig    `yaml:"stream"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds configuration for the HTTP API server.
type ServerConfig struct {
	Address string     `yaml:"address"`
	TLS     *TLSConfig `yaml:"tls,omitempty"`
	// MaxBodyBytes bounds request bodies accepted by the HTTP API. Zero means 10 MiB.
	MaxBodyBytes int64 `yaml:"max_body_bytes"`
	// RequestTimeout bounds non-streaming API requests. Zero disables the deadline.
	RequestTimeout time.Duration `yaml:"request_timeout"`
	// RateLimits maps endpoint names (redact, detect_document, ...) or "*" to token buckets.
	RateLimits map[string]governance.RateLimiterConfig `yaml:"rate_limits,omitempty"`
}

// TelemetryConfig holds configuration for OpenTelemetry.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	Insecure     bool   `yaml:"insecure"`
	ServiceName  string `yaml:"service_name"`
	Environment  string `yaml:"environment"`
	// SampleRatio is the fraction of new traces kept. Zero keeps every trace.
	SampleRatio float64 `yaml:"sample_ratio"`
}

// PolicyConfig points at the detection policy and controls hot reload.
type PolicyConfig struct {
	File  string `yaml:"file"`
	Watch bool   `yaml:"watch"`
	// HashSalt overrides hash_salt from the policy file when set.
	HashSalt string `yaml:"hash_salt"`
}

// StreamConfig tunes the chunked redactor used for large inputs.
type StreamConfig struct {
	ChunkSize    int   `yaml:"chunk_size"`
	Overlap      int   `yaml:"overlap"`
	MaxReadBytes int64 `yaml:"max_read_bytes"`
	MaxFindings  int   `yaml:"max_findings"`
}

// LoggingConfig holds configuration for logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Load reads configuration from a file and applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := &Config{
		// Defaults
		Server: ServerConfig{
			Address:        defaultListenAddress,
			RequestTimeout: defaultRequestTimeout,
		},
		Telemetry: TelemetryConfig{
			ServiceName: defaultServiceName,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}

	if path != "" {
		//nolint:gosec // Config file path is controlled by admin/operator
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if val := os.Getenv("PII_LISTEN_ADDR"); val != "" {
		cfg.Server.Address = val
	}
	if val := os.Getenv("PII_MAX_BODY_BYTES"); val != "" {
		if n, err := strconv.ParseInt(val, 10, 64); err == nil {
			cfg.Server.MaxBodyBytes = n
		}
	}
	if val := os.Getenv("PII_REQUEST_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			cfg.Server.RequestTimeout = d
		}
	}

	if val := os.Getenv("PII_OTLP_ENDPOINT"); val != "" {
		cfg.Telemetry.OTLPEndpoint = val
	}
	if val := os.Getenv("PII_OTLP_INSECURE"); val == "true" {
		cfg.Telemetry.Insecure = true
	}
	if val := os.Getenv("PII_ENVIRONMENT"); val != "" {
		cfg.Telemetry.Environment = val
	}

	if val := os.Getenv("PII_POLICY_FILE"); val != "" {
		cfg.Policy.File = val
	}
	if val := os.Getenv("PII_POLICY_WATCH"); val == "true" {
		cfg.Policy.Watch = true
	}
	if val := os.Getenv("PII_HASH_SALT"); val != "" {
		cfg.Policy.HashSalt = val
	}

	if val := os.Getenv("PII_LOG_LEVEL"); val != "" {
		cfg.Logging.Level = val
	}
	if val := os.Getenv("PII_LOG_PRETTY"); val == "true" {
		cfg.Logging.Pretty = true
	}

	// TLS environment overrides
	if val := os.Getenv("PII_TLS_CERT_FILE"); val != "" {
		if cfg.Server.TLS == nil {
			cfg.Server.TLS = &TLSConfig{}
		}
		cfg.Server.TLS.Enabled = true
		cfg.Server.TLS.CertFile = val
	}
	if val := os.Getenv("PII_TLS_KEY_FILE"); val != "" {
		if cfg.Server.TLS == nil {
			cfg.Server.TLS = &TLSConfig{}
		}
		cfg.Server.TLS.Enabled = true
		cfg.Server.TLS.KeyFile = val
	}
}

// Validate performs comprehensive validation of the entire configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server configuration: %w", err)
	}

	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("telemetry configuration: %w", err)
	}

	if err := c.Policy.Validate(); err != nil {
		return fmt.Errorf("policy configuration: %w", err)
	}

	if err := c.Stream.Validate(); err != nil {
		return fmt.Errorf("stream configuration: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging configuration: %w", err)
	}

	return nil
}

// Validate performs validation of server configuration
func (c *ServerConfig) Validate() error {
	if strings.TrimSpace(c.Address) == "" {
		c.Address = defaultListenAddress
	}
	if c.MaxBodyBytes < 0 {
		return NewConfigValidationError("max_body_bytes", c.MaxBodyBytes, "must not be negative")
	}
	if c.RequestTimeout < 0 {
		return NewConfigValidationError("request_timeout", c.RequestTimeout, "must not be negative")
	}
	for endpoint, limit := range c.RateLimits {
		if limit.RequestsPerSecond < 0 || limit.BurstSize < 0 {
			return NewConfigValidationError("rate_limits."+endpoint, limit, "requests_per_second and burst_size must not be negative")
		}
	}

	if c.TLS != nil {
		if err := c.TLS.Validate(); err != nil {
			return fmt.Errorf("TLS configuration: %w", err)
		}
	}

	return nil
}

// Validate performs validation of telemetry configuration
func (c *TelemetryConfig) Validate() error {
	if strings.TrimSpace(c.ServiceName) == "" {
		c.ServiceName = defaultServiceName
	}
	if c.SampleRatio < 0 || c.SampleRatio > 1 {
		return NewConfigValidationError("sample_ratio", c.SampleRatio, "must be between 0 and 1")
	}
	return nil
}

// Validate performs validation of policy configuration
func (c *PolicyConfig) Validate() error {
	// An empty file means the builtin defaults; watching requires a file.
	if c.Watch && strings.TrimSpace(c.File) == "" {
		return NewConfigMissingError("file").
			WithSuggestion("Set policy.file or PII_POLICY_FILE when policy.watch is enabled")
	}
	return nil
}

// Validate performs validation of stream configuration
func (c *StreamConfig) Validate() error {
	if c.ChunkSize < 0 {
		return NewConfigValidationError("chunk_size", c.ChunkSize, "must not be negative")
	}
	if c.Overlap < 0 {
		return NewConfigValidationError("overlap", c.Overlap, "must not be negative")
	}
	if c.MaxReadBytes < 0 {
		return NewConfigValidationError("max_read_bytes", c.MaxReadBytes, "must not be negative")
	}
	if c.MaxFindings < 0 {
		return NewConfigValidationError("max_findings", c.MaxFindings, "must not be negative")
	}
	return nil
}

// Validate performs validation of logging configuration
func (c *LoggingConfig) Validate() error {
	if strings.TrimSpace(c.Level) == "" {
		c.Level = "info"
	}

	level := strings.TrimSpace(strings.ToLower(c.Level))
	switch level {
	case "debug", "info", "warn", "error":
		c.Level = level // Normalize to lowercase
		return nil
	default:
		return fmt.Errorf("invalid log level %q, supported levels: debug, info, warn, error", c.Level)
	}
}
