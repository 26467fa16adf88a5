package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/polisai/polis-pii/internal/governance"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8085", cfg.Server.Address)
	assert.Equal(t, "polis-pii", cfg.Telemetry.ServiceName)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Empty(t, cfg.Policy.File)
	assert.Nil(t, cfg.Server.TLS)
	assert.Equal(t, 30*time.Second, cfg.Server.RequestTimeout)
}

func TestLoad_File(t *testing.T) {
	path := writeFile(t, "config.yaml", `
server:
  address: ":9000"
  max_body_bytes: 2048
  request_timeout: 5s
  rate_limits:
    "*":
      requests_per_second: 50
    redact_stream:
      requests_per_second: 5
      burst_size: 2
  tls:
    enabled: true
    cert_file: "/etc/pii/cert.pem"
    key_file: "/etc/pii/key.pem"
    min_version: "1.3"
telemetry:
  otlp_endpoint: "localhost:4317"
  insecure: true
  environment: "staging"
policy:
  file: "policy.yaml"
  watch: true
stream:
  chunk_size: 4096
  overlap: 128
logging:
  level: "DEBUG"
  pretty: true
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Server.Address)
	assert.EqualValues(t, 2048, cfg.Server.MaxBodyBytes)
	assert.Equal(t, 5*time.Second, cfg.Server.RequestTimeout)
	assert.Equal(t, 50, cfg.Server.RateLimits["*"].RequestsPerSecond)
	assert.Equal(t, 2, cfg.Server.RateLimits["redact_stream"].BurstSize)
	require.NotNil(t, cfg.Server.TLS)
	assert.Equal(t, "1.3", cfg.Server.TLS.MinVersion)
	assert.Equal(t, "localhost:4317", cfg.Telemetry.OTLPEndpoint)
	assert.True(t, cfg.Telemetry.Insecure)
	assert.Equal(t, "staging", cfg.Telemetry.Environment)
	assert.Equal(t, "polis-pii", cfg.Telemetry.ServiceName)
	assert.Equal(t, "policy.yaml", cfg.Policy.File)
	assert.True(t, cfg.Policy.Watch)
	assert.Equal(t, 4096, cfg.Stream.ChunkSize)
	assert.Equal(t, 128, cfg.Stream.Overlap)
	assert.Equal(t, "debug", cfg.Logging.Level, "level is normalised")
	assert.True(t, cfg.Logging.Pretty)
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeFile(t, "config.yaml", "server:\n  address: \":9000\"\n")

	t.Setenv("PII_LISTEN_ADDR", ":7000")
	t.Setenv("PII_OTLP_ENDPOINT", "collector:4317")
	t.Setenv("PII_OTLP_INSECURE", "true")
	t.Setenv("PII_POLICY_FILE", "/etc/pii/policy.yaml")
	t.Setenv("PII_HASH_SALT", "pepper")
	t.Setenv("PII_LOG_LEVEL", "warn")
	t.Setenv("PII_MAX_BODY_BYTES", "512")
	t.Setenv("PII_REQUEST_TIMEOUT", "2s")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":7000", cfg.Server.Address)
	assert.EqualValues(t, 512, cfg.Server.MaxBodyBytes)
	assert.Equal(t, 2*time.Second, cfg.Server.RequestTimeout)
	assert.Equal(t, "collector:4317", cfg.Telemetry.OTLPEndpoint)
	assert.True(t, cfg.Telemetry.Insecure)
	assert.Equal(t, "/etc/pii/policy.yaml", cfg.Policy.File)
	assert.Equal(t, "pepper", cfg.Policy.HashSalt)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestLoad_TLSEnv(t *testing.T) {
	t.Setenv("PII_TLS_CERT_FILE", "/tmp/cert.pem")
	t.Setenv("PII_TLS_KEY_FILE", "/tmp/key.pem")

	cfg, err := Load("")
	require.NoError(t, err)
	require.NotNil(t, cfg.Server.TLS)
	assert.True(t, cfg.Server.TLS.Enabled)
	assert.Equal(t, "/tmp/cert.pem", cfg.Server.TLS.CertFile)
	assert.Equal(t, "/tmp/key.pem", cfg.Server.TLS.KeyFile)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")

	_, err = Load(writeFile(t, "bad.yaml", "server: [unterminated"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config file")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name  string
		cfg   Config
		field string
	}{
		{
			name:  "bad log level",
			cfg:   Config{Logging: LoggingConfig{Level: "verbose"}},
			field: "",
		},
		{
			name:  "watch without file",
			cfg:   Config{Policy: PolicyConfig{Watch: true}},
			field: "file",
		},
		{
			name:  "negative overlap",
			cfg:   Config{Stream: StreamConfig{Overlap: -1}},
			field: "overlap",
		},
		{
			name:  "negative body limit",
			cfg:   Config{Server: ServerConfig{MaxBodyBytes: -1}},
			field: "max_body_bytes",
		},
		{
			name:  "negative request timeout",
			cfg:   Config{Server: ServerConfig{RequestTimeout: -time.Second}},
			field: "request_timeout",
		},
		{
			name:  "negative rate limit",
			cfg:   Config{Server: ServerConfig{RateLimits: map[string]governance.RateLimiterConfig{"redact": {RequestsPerSecond: -1}}}},
			field: "rate_limits.redact",
		},
		{
			name:  "sample ratio above one",
			cfg:   Config{Telemetry: TelemetryConfig{SampleRatio: 1.5}},
			field: "sample_ratio",
		},
		{
			name:  "tls without key",
			cfg:   Config{Server: ServerConfig{TLS: &TLSConfig{Enabled: true, CertFile: "c.pem"}}},
			field: "key_file",
		},
		{
			name:  "tls too old",
			cfg:   Config{Server: ServerConfig{TLS: &TLSConfig{Enabled: true, CertFile: "c.pem", KeyFile: "k.pem", MinVersion: "1.0"}}},
			field: "min_version",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			require.Error(t, err)
			if tt.field == "" {
				return
			}
			var cfgErr *ConfigError
			require.True(t, errors.As(err, &cfgErr), "expected ConfigError, got %v", err)
			assert.Equal(t, tt.field, cfgErr.Field)
		})
	}
}

func TestTLSConfig_ServerTLS(t *testing.T) {
	cfg := &TLSConfig{Enabled: true, CertFile: "c.pem", KeyFile: "k.pem", MinVersion: "1.3"}
	tlsCfg, err := cfg.ServerTLS()
	require.NoError(t, err)
	assert.EqualValues(t, 0x0304, tlsCfg.MinVersion)

	cfg.MinVersion = ""
	tlsCfg, err = cfg.ServerTLS()
	require.NoError(t, err)
	assert.EqualValues(t, 0x0303, tlsCfg.MinVersion)
}
