// Package config loads Hookline configuration from a YAML file with
// environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every runtime option the service recognizes.
type Config struct {
	ListenAddr  string `yaml:"listen_addr"`
	DatabaseURL string `yaml:"database_url"`
	RedisAddr   string `yaml:"redis_addr"`
	RedisDB     int    `yaml:"redis_db"`

	LogLevel   string `yaml:"log_level"`
	LogConsole bool   `yaml:"log_console"`

	Workers   WorkerConfig    `yaml:"workers"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Counter   CounterConfig   `yaml:"counter"`
	Blocker   BlockerConfig   `yaml:"blocker"`
	Retention RetentionConfig `yaml:"retention"`
	Limits    LimitsConfig    `yaml:"limits"`
}

// WorkerConfig sizes the dispatch pool.
type WorkerConfig struct {
	Min       int `yaml:"min"`
	Max       int `yaml:"max"`
	IdlePolls int `yaml:"idle_polls"`
}

// SchedulerConfig tunes the materialization loop.
type SchedulerConfig struct {
	TickMS       int `yaml:"tick_ms"`
	LookaheadMS  int `yaml:"lookahead_ms"`
	GraceDefault int `yaml:"grace_default_s"`
}

// CounterConfig tunes the usage counter flush.
type CounterConfig struct {
	FlushMS int `yaml:"flush_ms"`
}

// BlockerConfig tunes the per-host circuit breaker.
type BlockerConfig struct {
	FailThreshold int           `yaml:"fail_threshold"`
	BaseBlock     time.Duration `yaml:"base_block"`
	MaxBlock      time.Duration `yaml:"max_block"`
}

// RetentionConfig controls the cleanup loop.
type RetentionConfig struct {
	FreeDays int `yaml:"free_days"`
	ProDays  int `yaml:"pro_days"`
}

// LimitsConfig carries tier caps.
type LimitsConfig struct {
	MonthlyCapFree int64 `yaml:"monthly_cap_free"`
}

// Default returns the documented defaults.
func Default() Config {
	return Config{
		ListenAddr: ":8080",
		RedisAddr:  "localhost:6379",
		LogLevel:   "info",
		Workers: WorkerConfig{
			Min:       1,
			Max:       50,
			IdlePolls: 30,
		},
		Scheduler: SchedulerConfig{
			TickMS:       1000,
			LookaheadMS:  10_000,
			GraceDefault: 30,
		},
		Counter: CounterConfig{FlushMS: 5000},
		Blocker: BlockerConfig{
			FailThreshold: 3,
			BaseBlock:     30 * time.Second,
			MaxBlock:      24 * time.Hour,
		},
		Retention: RetentionConfig{FreeDays: 7, ProDays: 30},
		Limits:    LimitsConfig{MonthlyCapFree: 10_000},
	}
}

// Load reads the YAML file at path (when non-empty) over the defaults, then
// applies environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("HOOKLINE_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("HOOKLINE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v, ok := envInt("HOOKLINE_MIN_WORKERS"); ok {
		cfg.Workers.Min = v
	}
	if v, ok := envInt("HOOKLINE_MAX_WORKERS"); ok {
		cfg.Workers.Max = v
	}
	if v, ok := envInt("HOOKLINE_SCHEDULER_TICK_MS"); ok {
		cfg.Scheduler.TickMS = v
	}
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func (c Config) validate() error {
	if c.Workers.Min < 0 || c.Workers.Max < 1 || c.Workers.Min > c.Workers.Max {
		return fmt.Errorf("invalid worker bounds: min=%d max=%d", c.Workers.Min, c.Workers.Max)
	}
	if c.Scheduler.TickMS <= 0 || c.Scheduler.LookaheadMS <= 0 {
		return fmt.Errorf("scheduler tick and lookahead must be positive")
	}
	return nil
}

// SchedulerTick returns the tick interval as a duration.
func (c Config) SchedulerTick() time.Duration {
	return time.Duration(c.Scheduler.TickMS) * time.Millisecond
}

// SchedulerLookahead returns the lookahead window as a duration.
func (c Config) SchedulerLookahead() time.Duration {
	return time.Duration(c.Scheduler.LookaheadMS) * time.Millisecond
}

// CounterFlush returns the counter flush interval as a duration.
func (c Config) CounterFlush() time.Duration {
	return time.Duration(c.Counter.FlushMS) * time.Millisecond
}
