package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	// Similarity service
	BaseURL        string        `mapstructure:"base-url"`
	RequestTimeout time.Duration `mapstructure:"request-timeout"`

	// Validation
	MaxFileSize int64 `mapstructure:"max-file-size"`

	// Database paths
	HistoryPath string `mapstructure:"history-path"`
	FSMDBPath   string `mapstructure:"fsm-db-path"`

	// Previews
	PreviewDir          string `mapstructure:"preview-dir"`
	PreviewMaxDimension int    `mapstructure:"preview-max-dimension"`

	// Result rendering
	ProbeResults     bool   `mapstructure:"probe-results"`
	FallbackImage    string `mapstructure:"fallback-image"`
	ProbeConcurrency int    `mapstructure:"probe-concurrency"`

	// S3 configuration
	S3Region    string `mapstructure:"s3-region"`
	S3Anonymous bool   `mapstructure:"s3-anonymous"`

	// Observability
	MetricsAddr string `mapstructure:"metrics-addr"`

	// FSM configuration
	FSMMaxRetries int `mapstructure:"fsm-max-retries"`
}

// SetDefaults registers default values on v
func SetDefaults(v *viper.Viper) {
	v.SetDefault("base-url", "http://localhost:8000")
	v.SetDefault("request-timeout", 0)
	v.SetDefault("max-file-size", 10*1024*1024)
	v.SetDefault("history-path", ".artifacts/history.db")
	v.SetDefault("fsm-db-path", ".artifacts/fsm")
	v.SetDefault("preview-dir", "")
	v.SetDefault("preview-max-dimension", 256)
	v.SetDefault("probe-results", true)
	v.SetDefault("fallback-image", "https://via.placeholder.com/150?text=No+Image")
	v.SetDefault("probe-concurrency", 4)
	v.SetDefault("s3-region", "us-east-1")
	v.SetDefault("s3-anonymous", false)
	v.SetDefault("metrics-addr", "")
	v.SetDefault("fsm-max-retries", 3)
}

// Load reads configuration from environment, config file, and defaults
func Load() (*Config, error) {
	return LoadFrom(viper.GetViper())
}

// LoadFrom reads configuration through v
func LoadFrom(v *viper.Viper) (*Config, error) {
	SetDefaults(v)

	// Environment variables (will be IMGSEARCH_BASE_URL, etc.)
	v.SetEnvPrefix("IMGSEARCH")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	// Config file (optional)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.imgsearch")

	// Read config file (ignore if not found)
	_ = v.ReadInConfig()

	// Unmarshal into config struct
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("base-url cannot be empty")
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("base-url must be an absolute URL, got %q", c.BaseURL)
	}
	if c.MaxFileSize <= 0 {
		return fmt.Errorf("max-file-size must be positive")
	}
	if c.RequestTimeout < 0 {
		return fmt.Errorf("request-timeout must be non-negative")
	}
	if c.HistoryPath == "" {
		return fmt.Errorf("history-path cannot be empty")
	}
	if c.FSMDBPath == "" {
		return fmt.Errorf("fsm-db-path cannot be empty")
	}
	if c.PreviewMaxDimension < 0 {
		return fmt.Errorf("preview-max-dimension must be non-negative")
	}
	if c.ProbeConcurrency < 0 {
		return fmt.Errorf("probe-concurrency must be non-negative")
	}
	if c.FSMMaxRetries < 0 {
		return fmt.Errorf("fsm-max-retries must be non-negative")
	}
	return nil
}
