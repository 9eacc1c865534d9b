// Package config loads flowgated's YAML configuration, applies
// environment variable overrides, and validates the result — the same
// read-unmarshal-override-validate shape as
// minis/50-mini-service-all-features/internal/config.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/go-edu/flowgate/bucket"
)

// Config is flowgated's top-level configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
	CORS      CORSConfig      `yaml:"cors"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	KeyLimit  RateLimitConfig `yaml:"key_limit"`
}

// ServerConfig holds the HTTP listener's tunables.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LoggingConfig controls zerolog's level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// CORSConfig is YAML's view of the middleware's CORSConfig.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// RateLimitConfig is YAML's view of a bucket.Config — the spec's
// BucketConfig, given a serializable shape. RateLimit is the global
// limiter's template; KeyLimit is the per-IP keyedlimiter's template.
type RateLimitConfig struct {
	FlowRate          float64 `yaml:"flow_rate"`
	MaxBurstSize      float64 `yaml:"max_burst_size"`
	MaxQueueGrantSize float64 `yaml:"max_queue_grant_size"`
	MaxQueueSize      float64 `yaml:"max_queue_size"`
	PartialTokens     bool    `yaml:"partial_tokens"`
}

// BucketConfig turns r into a bucket.Config. flow_rate, max_burst_size
// and partial_tokens are always applied (an absent partial_tokens reads
// as false). max_queue_size and max_queue_grant_size are applied only
// when positive: a 0 is treated as "leave it at its default" (an
// unbounded queue; a grant bound of min(max_burst_size, max_queue_size)),
// since a deliberately-zero value is indistinguishable from an absent
// field in YAML's zero values.
func (r RateLimitConfig) BucketConfig(opts ...bucket.Option) (bucket.Config, error) {
	all := []bucket.Option{
		bucket.WithFlowRate(r.FlowRate),
		bucket.WithMaxBurstSize(r.MaxBurstSize),
		bucket.WithPartialTokens(r.PartialTokens),
	}
	if r.MaxQueueSize > 0 {
		all = append(all, bucket.WithMaxQueueSize(r.MaxQueueSize))
	}
	if r.MaxQueueGrantSize > 0 {
		all = append(all, bucket.WithMaxQueueGrantSize(r.MaxQueueGrantSize))
	}
	all = append(all, opts...)
	return bucket.NewConfig(all...)
}

// Load reads path, applies environment overrides, and validates the
// result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if addr := os.Getenv("FLOWGATE_SERVER_ADDR"); addr != "" {
		cfg.Server.Addr = addr
	}
	if level := os.Getenv("FLOWGATE_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
	if rate := os.Getenv("FLOWGATE_FLOW_RATE"); rate != "" {
		if v, err := strconv.ParseFloat(rate, 64); err == nil {
			cfg.RateLimit.FlowRate = v
		}
	}
	if burst := os.Getenv("FLOWGATE_MAX_BURST_SIZE"); burst != "" {
		if v, err := strconv.ParseFloat(burst, 64); err == nil {
			cfg.RateLimit.MaxBurstSize = v
		}
	}
}

// Validate checks server.addr and that the global limiter's flow_rate
// and max_burst_size are positive. The full bucket.Config validation of
// rate_limit and key_limit happens later, in bucket.NewConfig.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.RateLimit.FlowRate <= 0 {
		return fmt.Errorf("rate_limit.flow_rate must be positive")
	}
	if c.RateLimit.MaxBurstSize <= 0 {
		return fmt.Errorf("rate_limit.max_burst_size must be positive")
	}
	return nil
}
