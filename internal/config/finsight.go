package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full service configuration. Values come from the YAML
// file named by FINSIGHT_CONFIG_PATH (default config/finsight.yaml),
// overridden by FINSIGHT_* environment variables.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Executor  ExecutorConfig  `mapstructure:"executor"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Events    EventsConfig    `mapstructure:"events"`
	Store     StoreConfig     `mapstructure:"store"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Postgres  PostgresConfig  `mapstructure:"postgres"`
	Providers ProvidersConfig `mapstructure:"providers"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	Auth            AuthConfig    `mapstructure:"auth"`
}

type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Secret  string `mapstructure:"secret"`
}

type ExecutorConfig struct {
	Segments      int           `mapstructure:"segments"`
	SegmentLength time.Duration `mapstructure:"segment_length"`
}

type SchedulerConfig struct {
	Concurrency  int           `mapstructure:"concurrency"`
	StageCeiling time.Duration `mapstructure:"stage_ceiling"`
}

type EventsConfig struct {
	BufferCapacity int `mapstructure:"buffer_capacity"`
}

type StoreConfig struct {
	MaxSessions int `mapstructure:"max_sessions"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type PostgresConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	DSN     string `mapstructure:"dsn"`
}

type ProvidersConfig struct {
	Completion CompletionConfig `mapstructure:"completion"`
	MarketData MarketDataConfig `mapstructure:"marketdata"`
}

type CompletionConfig struct {
	BaseURL string `mapstructure:"base_url"`
	APIKey  string `mapstructure:"api_key"`
	Model   string `mapstructure:"model"`
}

type MarketDataConfig struct {
	BaseURL string `mapstructure:"base_url"`
	APIKey  string `mapstructure:"api_key"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads the config file (missing file falls back to defaults and
// environment) and applies FINSIGHT_* overrides, e.g.
// FINSIGHT_SCHEDULER_CONCURRENCY=5.
func Load() (*Config, error) {
	cfgPath := os.Getenv("FINSIGHT_CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "config/finsight.yaml"
	}

	v := viper.New()
	v.SetConfigFile(cfgPath)
	v.SetEnvPrefix("FINSIGHT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// A missing file is fine: defaults plus environment carry a
		// complete configuration.
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read config %s: %w", cfgPath, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("server.auth.enabled", false)

	v.SetDefault("executor.segments", 4)
	v.SetDefault("executor.segment_length", "30s")

	v.SetDefault("scheduler.concurrency", 3)
	v.SetDefault("scheduler.stage_ceiling", "5m")

	v.SetDefault("events.buffer_capacity", 256)
	v.SetDefault("store.max_sessions", 1000)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)

	v.SetDefault("postgres.enabled", false)

	v.SetDefault("providers.completion.base_url", "http://localhost:8000")
	v.SetDefault("providers.completion.model", "gpt-4o-mini")
	v.SetDefault("providers.marketdata.base_url", "http://localhost:8100")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate rejects configurations the services cannot run with.
func (c *Config) Validate() error {
	if c.Executor.Segments < 1 {
		return fmt.Errorf("executor.segments must be >= 1, got %d", c.Executor.Segments)
	}
	if c.Executor.SegmentLength <= 0 {
		return fmt.Errorf("executor.segment_length must be positive, got %s", c.Executor.SegmentLength)
	}
	if c.Scheduler.Concurrency < 1 {
		return fmt.Errorf("scheduler.concurrency must be >= 1, got %d", c.Scheduler.Concurrency)
	}
	if c.Scheduler.StageCeiling <= 0 {
		return fmt.Errorf("scheduler.stage_ceiling must be positive, got %s", c.Scheduler.StageCeiling)
	}
	if c.Server.Auth.Enabled && c.Server.Auth.Secret == "" {
		return fmt.Errorf("server.auth.secret required when auth is enabled")
	}
	if c.Postgres.Enabled && c.Postgres.DSN == "" {
		return fmt.Errorf("postgres.dsn required when postgres is enabled")
	}
	return nil
}
