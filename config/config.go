// Package config loads scheduler configuration from an optional YAML file
// with environment variable overrides. Environment always wins so container
// deployments can override a baked-in file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full configuration of the cronicorn binary.
type Config struct {
	// Postgres holds the relational store settings.
	Postgres struct {
		// URL is a pgx connection string. Required.
		URL string `yaml:"url"`
	} `yaml:"postgres"`

	// Mongo holds the planner session store settings. Optional; sessions are
	// kept in memory when unset.
	Mongo struct {
		URL      string `yaml:"url"`
		Database string `yaml:"database"`
	} `yaml:"mongo"`

	// Redis holds the distributed quota guard settings. Optional; quotas are
	// enforced in process memory when unset.
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
	} `yaml:"redis"`

	Scheduler struct {
		// Workers is the number of concurrent claim loops.
		Workers int `yaml:"workers"`
		// ClaimLimit bounds one tick's claim batch.
		ClaimLimit int `yaml:"claim_limit"`
		// Horizon is how far ahead of nextRunAt a claim may reach.
		Horizon time.Duration `yaml:"horizon"`
		// TickInterval is the pause between claim attempts.
		TickInterval time.Duration `yaml:"tick_interval"`
	} `yaml:"scheduler"`

	Sweeper struct {
		Age      time.Duration `yaml:"age"`
		Interval time.Duration `yaml:"interval"`
	} `yaml:"sweeper"`

	Planner struct {
		Enabled bool `yaml:"enabled"`
		// Provider selects the LLM adapter: "anthropic" or "openai".
		Provider string `yaml:"provider"`
		Model    string `yaml:"model"`
		// APIKey is usually supplied via ANTHROPIC_API_KEY / OPENAI_API_KEY.
		APIKey       string        `yaml:"api_key"`
		TickInterval time.Duration `yaml:"tick_interval"`
		BatchLimit   int           `yaml:"batch_limit"`
	} `yaml:"planner"`

	Quota struct {
		Enabled bool `yaml:"enabled"`
		// Limit is allowed units per window per tenant.
		Limit  int64         `yaml:"limit"`
		Window time.Duration `yaml:"window"`
	} `yaml:"quota"`

	Signing struct {
		// FailPolicy is "open" (dispatch unsigned on key lookup error) or
		// "closed" (record the attempt as failed).
		FailPolicy string `yaml:"fail_policy"`
	} `yaml:"signing"`

	// HealthAddr is the listen address of the health/readiness endpoint.
	HealthAddr string `yaml:"health_addr"`

	// Debug enables debug logging.
	Debug bool `yaml:"debug"`
}

// Load reads the YAML file at path when path is non-empty, then applies
// environment overrides and defaults.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	setString(&c.Postgres.URL, "POSTGRES_URL")
	setString(&c.Mongo.URL, "MONGO_URL")
	setString(&c.Mongo.Database, "MONGO_DATABASE")
	setString(&c.Redis.Addr, "REDIS_ADDR")
	setString(&c.Redis.Password, "REDIS_PASSWORD")
	setInt(&c.Scheduler.Workers, "SCHEDULER_WORKERS")
	setInt(&c.Scheduler.ClaimLimit, "SCHEDULER_CLAIM_LIMIT")
	setDuration(&c.Scheduler.Horizon, "SCHEDULER_HORIZON")
	setDuration(&c.Scheduler.TickInterval, "SCHEDULER_TICK_INTERVAL")
	setString(&c.Planner.Provider, "PLANNER_PROVIDER")
	setString(&c.Planner.Model, "PLANNER_MODEL")
	setString(&c.Signing.FailPolicy, "SIGNING_FAIL_POLICY")
	setString(&c.HealthAddr, "HEALTH_ADDR")
	if v := os.Getenv("DEBUG"); v == "1" || v == "true" {
		c.Debug = true
	}
	if c.Planner.APIKey == "" {
		switch c.Planner.Provider {
		case "openai":
			c.Planner.APIKey = os.Getenv("OPENAI_API_KEY")
		default:
			c.Planner.APIKey = os.Getenv("ANTHROPIC_API_KEY")
		}
	}
}

func (c *Config) applyDefaults() {
	if c.Scheduler.Workers <= 0 {
		c.Scheduler.Workers = 2
	}
	if c.Mongo.Database == "" {
		c.Mongo.Database = "cronicorn"
	}
	if c.Planner.Provider == "" {
		c.Planner.Provider = "anthropic"
	}
	if c.Quota.Limit <= 0 {
		c.Quota.Limit = 600
	}
	if c.Quota.Window <= 0 {
		c.Quota.Window = time.Minute
	}
	if c.Signing.FailPolicy == "" {
		c.Signing.FailPolicy = "open"
	}
	if c.HealthAddr == "" {
		c.HealthAddr = ":8081"
	}
}

func (c *Config) validate() error {
	if c.Postgres.URL == "" {
		return errors.New("postgres url is required (POSTGRES_URL)")
	}
	switch c.Signing.FailPolicy {
	case "open", "closed":
	default:
		return fmt.Errorf("signing fail_policy must be open or closed, got %q", c.Signing.FailPolicy)
	}
	switch c.Planner.Provider {
	case "anthropic", "openai":
	default:
		return fmt.Errorf("planner provider must be anthropic or openai, got %q", c.Planner.Provider)
	}
	if c.Planner.Enabled && c.Planner.Model == "" {
		return errors.New("planner model is required when the planner is enabled")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			*dst = i
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
