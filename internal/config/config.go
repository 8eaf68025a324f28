package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// Config represents the complete application configuration
type Config struct {
	Server   ServerConfig   `yaml:"server" envconfig:"SERVER"`
	Database DatabaseConfig `yaml:"database" envconfig:"DATABASE"`
	License  LicenseConfig  `yaml:"license" envconfig:"LICENSE"`
	Auth     AuthConfig     `yaml:"auth" envconfig:"AUTH"`
	Security SecurityConfig `yaml:"security" envconfig:"SECURITY"`
	Logging  LoggingConfig  `yaml:"logging" envconfig:"LOGGING"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port" envconfig:"PORT" default:"8080"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT" default:"15s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT" default:"15s"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT" default:"60s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`
}

// DatabaseConfig contains license store configuration
type DatabaseConfig struct {
	Path string `yaml:"path" envconfig:"PATH" default:"data/licenses.db"`
}

// LicenseConfig contains lifecycle timing configuration
type LicenseConfig struct {
	// CacheTTL bounds how long a persisted status value is trusted
	// without a live check.
	CacheTTL time.Duration `yaml:"cache_ttl" envconfig:"CACHE_TTL" default:"5m"`
	// VerifyMinInterval bounds live status round-trips regardless of
	// cache state.
	VerifyMinInterval time.Duration `yaml:"verify_min_interval" envconfig:"VERIFY_MIN_INTERVAL" default:"10s"`
	// SweepMinInterval is the minimum spacing between on-demand
	// expiration sweep invocations.
	SweepMinInterval time.Duration `yaml:"sweep_min_interval" envconfig:"SWEEP_MIN_INTERVAL" default:"10s"`
	// SweepTickerInterval drives the server-side periodic sweep.
	SweepTickerInterval time.Duration `yaml:"sweep_ticker_interval" envconfig:"SWEEP_TICKER_INTERVAL" default:"5m"`
	// DefaultValidity is the validity window stamped at self-service
	// activation when the key carries no minted window.
	DefaultValidity time.Duration `yaml:"default_validity" envconfig:"DEFAULT_VALIDITY" default:"720h"`
	// CacheSlotDir holds the persisted per-session status slots. Empty
	// keeps session caches in memory only.
	CacheSlotDir string `yaml:"cache_slot_dir" envconfig:"CACHE_SLOT_DIR" default:"data/status_cache"`
}

// AuthConfig contains session token configuration
type AuthConfig struct {
	TokenSecret string        `yaml:"token_secret" envconfig:"TOKEN_SECRET" default:"dev-only-secret-change-me"`
	TokenTTL    time.Duration `yaml:"token_ttl" envconfig:"TOKEN_TTL" default:"24h"`
}

// SecurityConfig contains rate limiting configuration
type SecurityConfig struct {
	RateLimit RateLimitConfig `yaml:"rate_limit" envconfig:"RATE_LIMIT"`
}

// RateLimitConfig contains token-bucket limits for activation attempts
type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled" envconfig:"ENABLED" default:"true"`
	RPS     float64 `yaml:"rps" envconfig:"RPS" default:"5"`
	Burst   int     `yaml:"burst" envconfig:"BURST" default:"10"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level    string `yaml:"level" envconfig:"LEVEL" default:"info"`
	Format   string `yaml:"format" envconfig:"FORMAT" default:"json"`
	Output   string `yaml:"output" envconfig:"OUTPUT" default:"console"`
	FilePath string `yaml:"file_path" envconfig:"FILE_PATH" default:"logs/app.log"`
}

// Load loads configuration from environment variables and an optional
// config file. Environment variables take precedence.
func Load() (*Config, error) {
	return LoadFrom(getConfigFilePath())
}

// LoadFrom loads configuration layering env vars over the named YAML
// file. File values are read first; envconfig then overlays set env
// vars and fills the still-zero fields from the default tags.
func LoadFrom(configFile string) (*Config, error) {
	var cfg Config

	if configFile != "" {
		if _, err := os.Stat(configFile); err == nil {
			fileCfg, err := loadFromFile(configFile)
			if err != nil {
				return nil, fmt.Errorf("failed to load config from file: %w", err)
			}
			cfg = *fileCfg
		}
	}

	if err := envconfig.Process("VIRALDESK", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// loadFromFile loads configuration from a YAML file
func loadFromFile(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// getConfigFilePath returns the config file path, overridable via env
func getConfigFilePath() string {
	if path := os.Getenv("VIRALDESK_CONFIG"); path != "" {
		return path
	}
	return "config.yaml"
}

// validate validates the configuration
func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server read timeout must be positive")
	}

	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server write timeout must be positive")
	}

	if c.License.CacheTTL <= 0 {
		return fmt.Errorf("license cache TTL must be positive")
	}

	if c.License.SweepMinInterval <= 0 {
		return fmt.Errorf("sweep min interval must be positive")
	}

	if c.License.DefaultValidity <= 0 {
		return fmt.Errorf("default validity must be positive")
	}

	if c.Auth.TokenSecret == "" {
		return fmt.Errorf("auth token secret must not be empty")
	}

	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		c.Logging.Format = "json"
	}

	switch strings.ToLower(c.Logging.Output) {
	case "console", "file", "both":
	default:
		c.Logging.Output = "console"
	}

	if c.Logging.FilePath == "" {
		c.Logging.FilePath = "logs/app.log"
	}

	return nil
}
