// Package config loads application configuration from file and environment
// and owns global logger setup.
package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server" mapstructure:"server"`
	Log         LogConfig         `yaml:"log" mapstructure:"log"`
	RateLimit   RateLimitConfig   `yaml:"ratelimit" mapstructure:"ratelimit"`
	Retry       RetryConfig       `yaml:"retry" mapstructure:"retry"`
	Fetch       FetchConfig       `yaml:"fetch" mapstructure:"fetch"`
	Render      RenderConfig      `yaml:"render" mapstructure:"render"`
	Sufficiency SufficiencyConfig `yaml:"sufficiency" mapstructure:"sufficiency"`
	Search      SearchConfig      `yaml:"search" mapstructure:"search"`
	Batch       BatchConfig       `yaml:"batch" mapstructure:"batch"`
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// RateLimitConfig configures the keyed token-bucket registry. Buckets maps
// a key (a hostname or a named backend) to a per-key override.
type RateLimitConfig struct {
	DefaultCapacity     int                     `yaml:"default_capacity" mapstructure:"default_capacity"`
	DefaultRefillPerSec float64                 `yaml:"default_refill_per_sec" mapstructure:"default_refill_per_sec"`
	MaxWaitSecs         int                     `yaml:"max_wait_secs" mapstructure:"max_wait_secs"`
	Buckets             map[string]BucketConfig `yaml:"buckets" mapstructure:"buckets"`
}

// BucketConfig is a per-key token bucket override.
type BucketConfig struct {
	Capacity     int     `yaml:"capacity" mapstructure:"capacity"`
	RefillPerSec float64 `yaml:"refill_per_sec" mapstructure:"refill_per_sec"`
}

// RetryConfig configures exponential backoff for outbound calls.
type RetryConfig struct {
	MaxAttempts int `yaml:"max_attempts" mapstructure:"max_attempts"`
	BaseDelayMs int `yaml:"base_delay_ms" mapstructure:"base_delay_ms"`
	MaxDelayMs  int `yaml:"max_delay_ms" mapstructure:"max_delay_ms"`
}

// FetchConfig configures the static HTTP fetch.
type FetchConfig struct {
	TimeoutSecs  int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	UserAgent    string `yaml:"user_agent" mapstructure:"user_agent"`
	MaxBodyBytes int64  `yaml:"max_body_bytes" mapstructure:"max_body_bytes"`
}

// RenderConfig configures the headless rendering engine. RemoteURL points at
// an already-running browser (a chrome container's devtools endpoint); when
// empty a local browser process is launched.
type RenderConfig struct {
	Enabled         bool   `yaml:"enabled" mapstructure:"enabled"`
	PoolSize        int    `yaml:"pool_size" mapstructure:"pool_size"`
	TimeoutSecs     int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	AcquireWaitSecs int    `yaml:"acquire_wait_secs" mapstructure:"acquire_wait_secs"`
	SettleMs        int    `yaml:"settle_ms" mapstructure:"settle_ms"`
	RemoteURL       string `yaml:"remote_url" mapstructure:"remote_url"`
}

// SufficiencyConfig tunes the static-result sufficiency check that gates the
// rendered fallback.
type SufficiencyConfig struct {
	MinBodyBytes   int     `yaml:"min_body_bytes" mapstructure:"min_body_bytes"`
	MinTextChars   int     `yaml:"min_text_chars" mapstructure:"min_text_chars"`
	MaxScriptRatio float64 `yaml:"max_script_ratio" mapstructure:"max_script_ratio"`
}

// SearchConfig configures the SearXNG search backend.
type SearchConfig struct {
	BaseURL       string `yaml:"base_url" mapstructure:"base_url"`
	MaxResults    int    `yaml:"max_results" mapstructure:"max_results"`
	MaxQueryChars int    `yaml:"max_query_chars" mapstructure:"max_query_chars"`
	TimeoutSecs   int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// BatchConfig configures batch scrape behavior.
type BatchConfig struct {
	MaxConcurrent int `yaml:"max_concurrent" mapstructure:"max_concurrent"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("WEBTOOLS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("ratelimit.default_capacity", 10)
	v.SetDefault("ratelimit.default_refill_per_sec", 5)
	v.SetDefault("ratelimit.max_wait_secs", 10)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.base_delay_ms", 500)
	v.SetDefault("retry.max_delay_ms", 30000)
	v.SetDefault("fetch.timeout_secs", 15)
	v.SetDefault("fetch.user_agent", "Mozilla/5.0 (compatible; webtools/1.0)")
	v.SetDefault("fetch.max_body_bytes", 2*1024*1024)
	v.SetDefault("render.enabled", true)
	v.SetDefault("render.pool_size", 2)
	v.SetDefault("render.timeout_secs", 30)
	v.SetDefault("render.acquire_wait_secs", 20)
	v.SetDefault("render.settle_ms", 2000)
	v.SetDefault("sufficiency.min_body_bytes", 100)
	v.SetDefault("sufficiency.min_text_chars", 80)
	v.SetDefault("sufficiency.max_script_ratio", 0.6)
	v.SetDefault("search.base_url", "http://localhost:8888")
	v.SetDefault("search.max_results", 10)
	v.SetDefault("search.max_query_chars", 512)
	v.SetDefault("search.timeout_secs", 15)
	v.SetDefault("batch.max_concurrent", 4)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
