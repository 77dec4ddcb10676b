// Package config provides configuration structures and loading logic for the
// governance core.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds the global configuration for the daemon and CLI.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Registry   RegistryConfig   `yaml:"registry"`
	Storage    StorageConfig    `yaml:"storage"`
	Seal       SealConfig       `yaml:"seal"`
	Decay      DecayConfig      `yaml:"decay"`
	Authorizer AuthorizerConfig `yaml:"authorizer"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServerConfig holds configuration for the daemon's HTTP endpoint
// (metrics and health only; there is no data-plane API).
type ServerConfig struct {
	ListenAddress string `yaml:"listen_address"`
}

// RegistryConfig holds configuration for the boundary registry source.
type RegistryConfig struct {
	File  string `yaml:"file"`
	Watch bool   `yaml:"watch"`
}

// StorageConfig holds configuration for the sealed record stores.
type StorageConfig struct {
	Dir string `yaml:"dir"`
	// TrustMedium skips seal verification when loading store files.
	TrustMedium bool `yaml:"trust_medium"`
}

// CrossingsPath returns the crossing store location under the storage dir.
// The daemon and the CLI derive it from the same config so both operate on
// one sealed document.
func (c StorageConfig) CrossingsPath() string {
	return filepath.Join(c.Dir, "crossings.json")
}

// VerificationsPath returns the verification store location under the
// storage dir.
func (c StorageConfig) VerificationsPath() string {
	return filepath.Join(c.Dir, "verifications.json")
}

// SealConfig holds configuration for the local seal service.
type SealConfig struct {
	Key     string `yaml:"key"`
	KeyFile string `yaml:"key_file"`
}

// DecayConfig holds the trust decay magnitudes applied per crossing outcome.
type DecayConfig struct {
	Denied       float64 `yaml:"denied"`
	Failed       float64 `yaml:"failed"`
	Unauthorized float64 `yaml:"unauthorized"`
}

// AuthorizerConfig holds configuration for the Rego policy authorizer.
type AuthorizerConfig struct {
	Enabled    bool   `yaml:"enabled"`
	PolicyFile string `yaml:"policy_file"`
}

// TelemetryConfig holds configuration for OpenTelemetry.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	Insecure     bool   `yaml:"insecure"`
}

// LoggingConfig holds configuration for logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Default decay magnitudes per crossing outcome.
const (
	DefaultDecayDenied       = 0.05
	DefaultDecayFailed       = 0.02
	DefaultDecayUnauthorized = 0.1
)

// Load reads configuration from a file and applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := &Config{
		// Defaults
		Server: ServerConfig{
			ListenAddress: ":8091",
		},
		Storage: StorageConfig{
			Dir: "data",
		},
		Decay: DecayConfig{
			Denied:       DefaultDecayDenied,
			Failed:       DefaultDecayFailed,
			Unauthorized: DefaultDecayUnauthorized,
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

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if val := os.Getenv("PERIMETRA_LISTEN_ADDR"); val != "" {
		cfg.Server.ListenAddress = val
	}

	if val := os.Getenv("PERIMETRA_REGISTRY_FILE"); val != "" {
		cfg.Registry.File = val
	}
	if val := os.Getenv("PERIMETRA_REGISTRY_WATCH"); val == "true" {
		cfg.Registry.Watch = true
	}

	if val := os.Getenv("PERIMETRA_STORAGE_DIR"); val != "" {
		cfg.Storage.Dir = val
	}
	if val := os.Getenv("PERIMETRA_TRUST_MEDIUM"); val == "true" {
		cfg.Storage.TrustMedium = true
	}

	if val := os.Getenv("PERIMETRA_SEAL_KEY"); val != "" {
		cfg.Seal.Key = val
	}
	if val := os.Getenv("PERIMETRA_SEAL_KEY_FILE"); val != "" {
		cfg.Seal.KeyFile = val
	}

	if val := os.Getenv("PERIMETRA_DECAY_DENIED"); val != "" {
		if parsed, err := strconv.ParseFloat(val, 64); err == nil {
			cfg.Decay.Denied = parsed
		}
	}
	if val := os.Getenv("PERIMETRA_DECAY_FAILED"); val != "" {
		if parsed, err := strconv.ParseFloat(val, 64); err == nil {
			cfg.Decay.Failed = parsed
		}
	}
	if val := os.Getenv("PERIMETRA_DECAY_UNAUTHORIZED"); val != "" {
		if parsed, err := strconv.ParseFloat(val, 64); err == nil {
			cfg.Decay.Unauthorized = parsed
		}
	}

	if val := os.Getenv("PERIMETRA_POLICY_FILE"); val != "" {
		cfg.Authorizer.Enabled = true
		cfg.Authorizer.PolicyFile = val
	}

	if val := os.Getenv("PERIMETRA_OTLP_ENDPOINT"); val != "" {
		cfg.Telemetry.OTLPEndpoint = val
	}
	if val := os.Getenv("PERIMETRA_OTLP_INSECURE"); val == "true" {
		cfg.Telemetry.Insecure = true
	}

	if val := os.Getenv("PERIMETRA_LOG_LEVEL"); val != "" {
		cfg.Logging.Level = val
	}
}

// Validate performs comprehensive validation of the entire configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server configuration: %w", err)
	}

	if err := c.Storage.Validate(); err != nil {
		return fmt.Errorf("storage configuration: %w", err)
	}

	if err := c.Seal.Validate(); err != nil {
		return fmt.Errorf("seal configuration: %w", err)
	}

	if err := c.Decay.Validate(); err != nil {
		return fmt.Errorf("decay configuration: %w", err)
	}

	if err := c.Authorizer.Validate(); err != nil {
		return fmt.Errorf("authorizer configuration: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging configuration: %w", err)
	}

	return nil
}

// Validate performs validation of server configuration
func (c *ServerConfig) Validate() error {
	if strings.TrimSpace(c.ListenAddress) == "" {
		c.ListenAddress = ":8091"
	}
	return nil
}

// Validate performs validation of storage configuration
func (c *StorageConfig) Validate() error {
	if strings.TrimSpace(c.Dir) == "" {
		c.Dir = "data"
	}
	return nil
}

// Validate performs validation of seal configuration
func (c *SealConfig) Validate() error {
	if c.Key != "" && c.KeyFile != "" {
		return fmt.Errorf("key and key_file are mutually exclusive")
	}
	return nil
}

// ResolveKey returns the seal key material, reading key_file when configured.
// An empty result means the seal service should generate an ephemeral key.
func (c *SealConfig) ResolveKey() ([]byte, error) {
	if c.Key != "" {
		return []byte(c.Key), nil
	}
	if c.KeyFile != "" {
		//nolint:gosec // Key file path is controlled by admin/operator
		data, err := os.ReadFile(c.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read seal key file %s: %w", c.KeyFile, err)
		}
		return []byte(strings.TrimSpace(string(data))), nil
	}
	return nil, nil
}

// Validate performs validation of decay configuration
func (c *DecayConfig) Validate() error {
	for name, value := range map[string]float64{
		"denied":       c.Denied,
		"failed":       c.Failed,
		"unauthorized": c.Unauthorized,
	} {
		if value < 0 || value > 1 {
			return fmt.Errorf("decay magnitude %s must be within [0, 1], got %v", name, value)
		}
	}
	return nil
}

// Validate performs validation of authorizer configuration
func (c *AuthorizerConfig) Validate() error {
	if c.Enabled && strings.TrimSpace(c.PolicyFile) == "" {
		return fmt.Errorf("authorizer enabled without a policy_file")
	}
	return nil
}

// Validate performs validation of logging configuration
func (c *LoggingConfig) Validate() error {
	// Set default log level if not provided
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
