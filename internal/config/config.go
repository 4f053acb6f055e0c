// Package config loads and validates service configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/readability-server/internal/dispatcher"
)

// EnvPrefix prefixes every environment override, e.g. READABILITY_POOL_SIZE.
const EnvPrefix = "READABILITY"

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Pool    PoolConfig    `mapstructure:"pool"`
	Fetch   FetchConfig   `mapstructure:"fetch"`
	Storage StorageConfig `mapstructure:"storage"`
	DB      DBConfig      `mapstructure:"db"`
	PubSub  PubSubConfig  `mapstructure:"pubsub"`
	Logging LoggingConfig `mapstructure:"logging"`
	Tracing TracingConfig `mapstructure:"tracing"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// PoolConfig sizes and supervises the extraction worker pool.
type PoolConfig struct {
	Size                int           `mapstructure:"size"`
	Handler             string        `mapstructure:"handler"`
	TaskTimeout         time.Duration `mapstructure:"task_timeout"`
	QueueCapacity       int           `mapstructure:"queue_capacity"`
	ShutdownGrace       time.Duration `mapstructure:"shutdown_grace"`
	StartupTimeout      time.Duration `mapstructure:"startup_timeout"`
	MaxSpawnAttempts    int           `mapstructure:"max_spawn_attempts"`
	SpawnBackoffInitial time.Duration `mapstructure:"spawn_backoff_initial"`
	SpawnBackoffMax     time.Duration `mapstructure:"spawn_backoff_max"`
	DegradedRetry       time.Duration `mapstructure:"degraded_retry"`
	KillTimeout         time.Duration `mapstructure:"kill_timeout"`
}

// FetchConfig configures the upstream page download.
type FetchConfig struct {
	Timeout       time.Duration `mapstructure:"timeout"`
	UserAgent     string        `mapstructure:"user_agent"`
	MaxBodyBytes  int           `mapstructure:"max_body_bytes"`
	RespectRobots bool          `mapstructure:"respect_robots"`
	// RateLimitRPS caps requests per second to each upstream host; zero disables the limiter.
	RateLimitRPS   float64 `mapstructure:"rate_limit_rps"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst"`
	// BlockedDomains are never fetched: exact hosts or "*.example.com" suffix patterns.
	BlockedDomains []string `mapstructure:"blocked_domains"`
}

// Storage backends for the page archive.
const (
	StorageNone   = "none"
	StorageMemory = "memory"
	StorageLocal  = "local"
	StorageGCS    = "gcs"
)

// StorageConfig selects where fetched pages are archived.
type StorageConfig struct {
	Backend     string `mapstructure:"backend"`
	GCSBucket   string `mapstructure:"gcs_bucket"`
	CheckBucket bool   `mapstructure:"check_bucket"`
	LocalDir    string `mapstructure:"local_dir"`
	Prefix      string `mapstructure:"prefix"`
	ContentType string `mapstructure:"content_type"`
}

// DBConfig controls access to the conversion log database.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	CreateTable     bool          `mapstructure:"create_table"`
}

// PubSubConfig holds metadata for conversion notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// TracingConfig toggles the OpenTelemetry SDK tracer provider.
type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
}

// Load builds a Config from disk/environment. With an empty path, a config.yaml in the working
// directory, /etc/readability-server or $HOME/.readability-server is used when present.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("server.port", EnvPrefix+"_SERVER_PORT", "PORT"); err != nil {
		return Config{}, fmt.Errorf("bind port env: %w", err)
	}

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/readability-server/")
		v.AddConfigPath("$HOME/.readability-server")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 7323)
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.request_timeout", "90s")
	v.SetDefault("auth.enabled", false)
	v.SetDefault("pool.size", 10)
	v.SetDefault("pool.handler", "readability")
	v.SetDefault("pool.task_timeout", "45s")
	v.SetDefault("pool.queue_capacity", 0)
	v.SetDefault("pool.shutdown_grace", "10s")
	v.SetDefault("pool.startup_timeout", "10s")
	v.SetDefault("pool.max_spawn_attempts", 3)
	v.SetDefault("pool.spawn_backoff_initial", "250ms")
	v.SetDefault("pool.spawn_backoff_max", "5s")
	v.SetDefault("pool.degraded_retry", "30s")
	v.SetDefault("pool.kill_timeout", "5s")
	v.SetDefault("fetch.timeout", "10s")
	v.SetDefault("fetch.user_agent", "readability-server/1.0 (+https://github.com/JakeFAU/readability-server)")
	v.SetDefault("fetch.max_body_bytes", 10<<20)
	v.SetDefault("fetch.respect_robots", false)
	v.SetDefault("fetch.rate_limit_rps", 0)
	v.SetDefault("fetch.rate_limit_burst", 1)
	v.SetDefault("storage.backend", StorageNone)
	v.SetDefault("storage.check_bucket", true)
	v.SetDefault("storage.prefix", "documents")
	v.SetDefault("storage.content_type", "text/html; charset=utf-8")
	v.SetDefault("db.table", "conversions")
	v.SetDefault("db.create_table", false)
	v.SetDefault("logging.development", false)
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "readability-server")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return errors.New("server.port must be > 0")
	}
	if c.Server.RequestTimeout < 0 {
		return errors.New("server.request_timeout must be >= 0")
	}
	if c.Pool.Size <= 0 {
		return errors.New("pool.size must be > 0")
	}
	if strings.TrimSpace(c.Pool.Handler) == "" {
		return errors.New("pool.handler is required")
	}
	if c.Pool.TaskTimeout < 0 {
		return errors.New("pool.task_timeout must be >= 0")
	}
	if c.Pool.QueueCapacity < 0 {
		return errors.New("pool.queue_capacity must be >= 0")
	}
	if c.Pool.MaxSpawnAttempts < 0 {
		return errors.New("pool.max_spawn_attempts must be >= 0")
	}
	if c.Fetch.Timeout <= 0 {
		return errors.New("fetch.timeout must be > 0")
	}
	if c.Fetch.MaxBodyBytes < 0 {
		return errors.New("fetch.max_body_bytes must be >= 0")
	}
	if c.Fetch.RateLimitRPS < 0 || c.Fetch.RateLimitBurst < 0 {
		return errors.New("fetch.rate_limit_rps and fetch.rate_limit_burst must be >= 0")
	}
	switch c.Storage.Backend {
	case StorageNone, StorageMemory:
	case StorageLocal:
		if strings.TrimSpace(c.Storage.LocalDir) == "" {
			return errors.New("storage.local_dir must be set for the local backend")
		}
	case StorageGCS:
		if c.Storage.GCSBucket == "" {
			return errors.New("storage.gcs_bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend %q is not one of none, memory, local, gcs", c.Storage.Backend)
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return errors.New("auth.api_key must be set when auth is enabled")
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return errors.New("pubsub.project_id must be set when pubsub.topic_name is set")
	}
	return nil
}

// DispatcherConfig converts the pool section into the dispatcher's configuration.
func (p PoolConfig) DispatcherConfig() dispatcher.Config {
	return dispatcher.Config{
		Size:                p.Size,
		QueueCapacity:       p.QueueCapacity,
		ShutdownGrace:       p.ShutdownGrace,
		StartupTimeout:      p.StartupTimeout,
		MaxSpawnAttempts:    p.MaxSpawnAttempts,
		SpawnBackoffInitial: p.SpawnBackoffInitial,
		SpawnBackoffMax:     p.SpawnBackoffMax,
		DegradedRetry:       p.DegradedRetry,
		KillTimeout:         p.KillTimeout,
	}
}
