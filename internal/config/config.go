// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig       `mapstructure:"server"`
	Auth      AuthConfig         `mapstructure:"auth"`
	DB        DBConfig           `mapstructure:"db"`
	Cache     CacheConfig        `mapstructure:"cache"`
	RateLimit RateLimitConfig    `mapstructure:"ratelimit"`
	Worker    WorkerConfig       `mapstructure:"worker"`
	Poll      PollConfig         `mapstructure:"poll"`
	Enrich    CollaboratorConfig `mapstructure:"enrich"`
	Match     CollaboratorConfig `mapstructure:"match"`
	Logging   LoggingConfig      `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// DBConfig controls the run store backend.
type DBConfig struct {
	Provider string `mapstructure:"provider"`
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
	Migrate  bool   `mapstructure:"migrate"`
}

// CacheConfig controls the status read cache.
type CacheConfig struct {
	Provider   string   `mapstructure:"provider"`
	TTLSeconds int      `mapstructure:"ttl_seconds"`
	RedisHosts []string `mapstructure:"redis_hosts"`
	RedisPass  string   `mapstructure:"redis_password"`
}

// RateLimitConfig bounds status polling per (run, client) pair.
type RateLimitConfig struct {
	RequestsPerWindow int `mapstructure:"requests_per_window"`
	WindowSeconds     int `mapstructure:"window_seconds"`
	Burst             int `mapstructure:"burst"`
	MaxKeys           int `mapstructure:"max_keys"`
}

// WorkerConfig governs the claim/process loop.
type WorkerConfig struct {
	Count             int  `mapstructure:"count"`
	LeaseSeconds      int  `mapstructure:"lease_seconds"`
	TickSeconds       int  `mapstructure:"tick_seconds"`
	TickBudgetSeconds int  `mapstructure:"tick_budget_seconds"`
	MaxRunsPerTick    int  `mapstructure:"max_runs_per_tick"`
	RequeueOnFailure  bool `mapstructure:"requeue_on_failure"`
	MaxAttempts       int  `mapstructure:"max_attempts"`
}

// PollConfig describes the client poller's escalating schedule.
type PollConfig struct {
	FastSeconds        int `mapstructure:"fast_seconds"`
	FastUntilSeconds   int `mapstructure:"fast_until_seconds"`
	MediumSeconds      int `mapstructure:"medium_seconds"`
	MediumUntilSeconds int `mapstructure:"medium_until_seconds"`
	SlowSeconds        int `mapstructure:"slow_seconds"`
	MaxAttempts        int `mapstructure:"max_attempts"`
}

// CollaboratorConfig points at an external HTTP collaborator.
type CollaboratorConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("MATCHRUN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
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
	v.SetDefault("server.port", 8080)
	v.SetDefault("db.provider", "memory")
	v.SetDefault("db.table", "match_runs")
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("db.migrate", false)
	v.SetDefault("cache.provider", "memory")
	v.SetDefault("cache.ttl_seconds", 3)
	v.SetDefault("ratelimit.requests_per_window", 5)
	v.SetDefault("ratelimit.window_seconds", 10)
	v.SetDefault("ratelimit.burst", 5)
	v.SetDefault("ratelimit.max_keys", 10000)
	v.SetDefault("worker.count", 2)
	v.SetDefault("worker.lease_seconds", 300)
	v.SetDefault("worker.tick_seconds", 15)
	v.SetDefault("worker.tick_budget_seconds", 45)
	v.SetDefault("worker.max_runs_per_tick", 5)
	v.SetDefault("worker.requeue_on_failure", false)
	v.SetDefault("worker.max_attempts", 3)
	v.SetDefault("poll.fast_seconds", 2)
	v.SetDefault("poll.fast_until_seconds", 30)
	v.SetDefault("poll.medium_seconds", 5)
	v.SetDefault("poll.medium_until_seconds", 120)
	v.SetDefault("poll.slow_seconds", 10)
	v.SetDefault("poll.max_attempts", 60)
	v.SetDefault("enrich.timeout_seconds", 30)
	v.SetDefault("match.timeout_seconds", 30)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	switch c.DB.Provider {
	case "memory":
	case "postgres":
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn must be set when db.provider is postgres")
		}
	default:
		return fmt.Errorf("unknown db.provider %q", c.DB.Provider)
	}
	switch c.Cache.Provider {
	case "memory":
	case "redis":
		if len(c.Cache.RedisHosts) == 0 {
			return fmt.Errorf("cache.redis_hosts must be set when cache.provider is redis")
		}
	default:
		return fmt.Errorf("unknown cache.provider %q", c.Cache.Provider)
	}
	if c.Cache.TTLSeconds <= 0 {
		return fmt.Errorf("cache.ttl_seconds must be > 0")
	}
	if c.RateLimit.RequestsPerWindow <= 0 || c.RateLimit.WindowSeconds <= 0 {
		return fmt.Errorf("ratelimit.requests_per_window and ratelimit.window_seconds must be > 0")
	}
	if c.Worker.Count <= 0 {
		return fmt.Errorf("worker.count must be > 0")
	}
	if c.Worker.LeaseSeconds <= 0 {
		return fmt.Errorf("worker.lease_seconds must be > 0")
	}
	if c.Worker.TickSeconds <= 0 || c.Worker.TickBudgetSeconds <= 0 {
		return fmt.Errorf("worker.tick_seconds and worker.tick_budget_seconds must be > 0")
	}
	if c.Worker.MaxRunsPerTick <= 0 {
		return fmt.Errorf("worker.max_runs_per_tick must be > 0")
	}
	if c.Worker.RequeueOnFailure && c.Worker.MaxAttempts <= 0 {
		return fmt.Errorf("worker.max_attempts must be > 0 when requeue_on_failure is enabled")
	}
	if c.Poll.MaxAttempts <= 0 {
		return fmt.Errorf("poll.max_attempts must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	return nil
}

// LeaseDuration returns the worker lease window as a duration.
func (c Config) LeaseDuration() time.Duration {
	return time.Duration(c.Worker.LeaseSeconds) * time.Second
}

// TickInterval returns the worker scheduling interval.
func (c Config) TickInterval() time.Duration {
	return time.Duration(c.Worker.TickSeconds) * time.Second
}

// TickBudget returns the per-tick wall-clock execution budget.
func (c Config) TickBudget() time.Duration {
	return time.Duration(c.Worker.TickBudgetSeconds) * time.Second
}

// CacheTTL returns the status cache TTL.
func (c Config) CacheTTL() time.Duration {
	return time.Duration(c.Cache.TTLSeconds) * time.Second
}
