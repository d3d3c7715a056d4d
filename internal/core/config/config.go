package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config represents the top-level application config.
type Config struct {
	NATS     NATSConfig     `koanf:"nats"`
	Database DatabaseConfig `koanf:"database"`
	KV       KVConfig       `koanf:"kv"`
	Lags     LagsConfig     `koanf:"lags"`
	Forecast ForecastConfig `koanf:"forecast"`
	Insight  InsightConfig  `koanf:"insight"`
	Catalog  CatalogConfig  `koanf:"catalog"`
}

// NATSConfig locates the durable sale event log.
type NATSConfig struct {
	URL       string `koanf:"url"`
	Stream    string `koanf:"stream"`
	Subject   string `koanf:"subject"`
	Durable   string `koanf:"durable"`
	FetchWait string `koanf:"fetch_wait"` // bounded blocking-read wait, e.g. "5s"
}

type DatabaseConfig struct {
	DSN          string `koanf:"dsn"`
	MaxOpenConns int    `koanf:"max_open_conns"`
	MaxIdleConns int    `koanf:"max_idle_conns"`
	AutoMigrate  bool   `koanf:"auto_migrate"`
}

// KVConfig locates the embedded key-value store holding lag windows,
// model blobs, and the category catalog.
type KVConfig struct {
	Path     string `koanf:"path"`
	InMemory bool   `koanf:"in_memory"`
}

type LagsConfig struct {
	Periods      []int  `koanf:"periods"`
	RollSchedule string `koanf:"roll_schedule"` // standard 5-field cron expression
}

type ForecastConfig struct {
	TemplatePath string  `koanf:"template_path"` // optional pre-trained model seed
	LearningRate float64 `koanf:"learning_rate"`
}

type InsightConfig struct {
	Enabled      bool   `koanf:"enabled"`
	Interval     string `koanf:"interval"`
	Model        string `koanf:"model"`
	APIKeyEnv    string `koanf:"api_key_env"` // env var holding the Gemini key
	WorkerCount  int    `koanf:"worker_count"`
	ContextLimit int    `koanf:"context_limit"`
}

type CatalogConfig struct {
	SeedPath string `koanf:"seed_path"` // optional YAML category list
}

// FetchWaitDuration returns the parsed bounded-read wait. Call after Validate.
func (c NATSConfig) FetchWaitDuration() time.Duration {
	d, _ := time.ParseDuration(c.FetchWait)
	return d
}

// IntervalDuration returns the parsed refresh interval. Call after Validate.
func (c InsightConfig) IntervalDuration() time.Duration {
	d, _ := time.ParseDuration(c.Interval)
	return d
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.NATS.URL) == "" {
		return fmt.Errorf("nats.url is required")
	}
	if strings.TrimSpace(c.NATS.Stream) == "" {
		return fmt.Errorf("nats.stream is required")
	}
	if strings.TrimSpace(c.NATS.Subject) == "" {
		return fmt.Errorf("nats.subject is required")
	}
	if strings.TrimSpace(c.NATS.Durable) == "" {
		return fmt.Errorf("nats.durable is required")
	}
	wait, err := time.ParseDuration(c.NATS.FetchWait)
	if err != nil {
		return fmt.Errorf("invalid nats.fetch_wait %q: %w", c.NATS.FetchWait, err)
	}
	if wait <= 0 {
		return fmt.Errorf("nats.fetch_wait must be > 0")
	}

	if strings.TrimSpace(c.Database.DSN) == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if c.Database.MaxOpenConns <= 0 {
		return fmt.Errorf("database.max_open_conns must be > 0")
	}
	if c.Database.MaxIdleConns <= 0 {
		return fmt.Errorf("database.max_idle_conns must be > 0")
	}

	if !c.KV.InMemory && strings.TrimSpace(c.KV.Path) == "" {
		return fmt.Errorf("kv.path is required unless kv.in_memory is set")
	}

	if len(c.Lags.Periods) == 0 {
		return fmt.Errorf("lags.periods must not be empty")
	}
	seen := make(map[int]bool, len(c.Lags.Periods))
	for _, period := range c.Lags.Periods {
		if period <= 0 {
			return fmt.Errorf("invalid lag period %d (must be > 0)", period)
		}
		if seen[period] {
			return fmt.Errorf("duplicate lag period %d", period)
		}
		seen[period] = true
	}

	if c.Forecast.LearningRate <= 0 {
		return fmt.Errorf("forecast.learning_rate must be > 0")
	}

	if c.Insight.Enabled {
		interval, err := time.ParseDuration(c.Insight.Interval)
		if err != nil {
			return fmt.Errorf("invalid insight.interval %q: %w", c.Insight.Interval, err)
		}
		if interval <= 0 {
			return fmt.Errorf("insight.interval must be > 0")
		}
		if strings.TrimSpace(c.Insight.Model) == "" {
			return fmt.Errorf("insight.model is required")
		}
		if strings.TrimSpace(c.Insight.APIKeyEnv) == "" {
			return fmt.Errorf("insight.api_key_env is required")
		}
		if c.Insight.WorkerCount <= 0 {
			return fmt.Errorf("insight.worker_count must be > 0")
		}
	}

	return nil
}

// Load parses config from defaults + file + env and validates it.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	defaults := map[string]interface{}{
		"nats.url":                "nats://127.0.0.1:4222",
		"nats.stream":             "LAGCAST_EVENTS",
		"nats.subject":            "lagcast.sales",
		"nats.durable":            "lagcast-pipeline",
		"nats.fetch_wait":         "5s",
		"database.dsn":            "postgres://localhost:5432/lagcast?sslmode=disable",
		"database.max_open_conns": 25,
		"database.max_idle_conns": 25,
		"database.auto_migrate":   true,
		"kv.path":                 "./data/lagcast",
		"kv.in_memory":            false,
		"lags.periods":            []int{1, 7, 14, 30},
		"lags.roll_schedule":      "0 20 * * *",
		"forecast.template_path":  "",
		"forecast.learning_rate":  0.01,
		"insight.enabled":         true,
		"insight.interval":        "1h",
		"insight.model":           "gemini-2.5-flash-lite",
		"insight.api_key_env":     "GEMINI_API_KEY",
		"insight.worker_count":    4,
		"insight.context_limit":   200,
		"catalog.seed_path":       "./config/categories.yaml",
	}
	for key, value := range defaults {
		k.Set(key, value)
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if err := k.Load(env.Provider("LAGCAST_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "LAGCAST_")), "__", ".", -1)
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}
