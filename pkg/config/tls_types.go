package config

import (
	"crypto/tls"
	"fmt"
	"strings"
)

// ConfigError represents a configuration validation error
type ConfigError struct {
	Field       string
	Value       interface{}
	Reason      string
	Suggestions []string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("configuration error in field '%s': %s", e.Field, e.Reason)
}

// WithSuggestion appends an operator hint to the error.
func (e *ConfigError) WithSuggestion(suggestion string) *ConfigError {
	e.Suggestions = append(e.Suggestions, suggestion)
	return e
}

func NewConfigMissingError(field string) *ConfigError {
	return &ConfigError{
		Field:  field,
		Reason: fmt.Sprintf("required field '%s' is missing", field),
	}
}

func NewConfigValidationError(field string, value interface{}, reason string) *ConfigError {
	return &ConfigError{
		Field:  field,
		Value:  value,
		Reason: reason,
	}
}

// TLSVersion represents supported TLS protocol versions
type TLSVersion string

const (
	TLSVersion12 TLSVersion = "1.2"
	TLSVersion13 TLSVersion = "1.3"
)

// ParseTLSVersion converts a string to a TLSVersion with validation.
// Versions below 1.2 are rejected.
func ParseTLSVersion(version string) (TLSVersion, error) {
	if version == "" {
		return TLSVersion12, nil
	}

	normalized := strings.TrimSpace(version)
	switch TLSVersion(normalized) {
	case TLSVersion12, TLSVersion13:
		return TLSVersion(normalized), nil
	default:
		return "", fmt.Errorf("unsupported TLS version %q", version)
	}
}

// TLSConfig represents TLS termination configuration for the HTTP API.
type TLSConfig struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	CertFile   string `yaml:"cert_file" json:"cert_file"`
	KeyFile    string `yaml:"key_file" json:"key_file"`
	MinVersion string `yaml:"min_version,omitempty" json:"min_version,omitempty"`
}

// Validate performs validation of TLS configuration
func (c *TLSConfig) Validate() error {
	if !c.Enabled {
		return nil
	}

	if strings.TrimSpace(c.CertFile) == "" {
		return NewConfigMissingError("cert_file").
			WithSuggestion("Provide a path to a valid TLS certificate file").
			WithSuggestion("Ensure the certificate file is in PEM format")
	}
	if strings.TrimSpace(c.KeyFile) == "" {
		return NewConfigMissingError("key_file").
			WithSuggestion("Provide a path to a valid TLS private key file").
			WithSuggestion("Ensure the private key file is in PEM format and matches the certificate")
	}

	if c.MinVersion != "" {
		if _, err := ParseTLSVersion(c.MinVersion); err != nil {
			return NewConfigValidationError("min_version", c.MinVersion, err.Error()).
				WithSuggestion("Use a valid TLS version: 1.2 or 1.3")
		}
	}

	return nil
}

// ServerTLS builds the crypto/tls configuration for the listener. Certificates
// are loaded by http.Server.ListenAndServeTLS from CertFile and KeyFile.
func (c *TLSConfig) ServerTLS() (*tls.Config, error) {
	version, err := ParseTLSVersion(c.MinVersion)
	if err != nil {
		return nil, err
	}

	minVersion := uint16(tls.VersionTLS12)
	if version == TLSVersion13 {
		minVersion = tls.VersionTLS13
	}
	return &tls.Config{MinVersion: minVersion}, nil
}
