// Package config loads service configuration from an optional YAML file and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
	_ "time/tzdata" // time zones must resolve on minimal container images

	"gopkg.in/yaml.v3"
)

const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds all configuration for the ledger service.
type Config struct {
	HTTPAddr    string         `yaml:"http_addr"`
	Store       string         `yaml:"store"`
	DatabaseURL string         `yaml:"database_url"`
	AdminToken  string         `yaml:"admin_token"`
	MaxRetries  int            `yaml:"max_retries"`
	Interest    InterestConfig `yaml:"interest"`
	Redis       RedisConfig    `yaml:"redis"`
	RabbitMQ    RabbitMQConfig `yaml:"rabbitmq"`
}

// InterestConfig holds the accrual calendar and currency settings.
type InterestConfig struct {
	Timezone      string `yaml:"timezone"`
	Hour          int    `yaml:"hour"`
	Minute        int    `yaml:"minute"`
	CurrencyScale int32  `yaml:"currency_scale"`
}

// RedisConfig holds the idempotency cache connection. An empty URL disables the cache.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// RabbitMQConfig holds the event publisher connection. An empty URL disables publishing.
type RabbitMQConfig struct {
	URL        string `yaml:"url"`
	Exchange   string `yaml:"exchange"`
	RoutingKey string `yaml:"routing_key"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		HTTPAddr:   ":8080",
		Store:      StorePostgres,
		MaxRetries: 3,
		Interest: InterestConfig{
			Timezone:      "Asia/Seoul",
			Hour:          14,
			Minute:        0,
			CurrencyScale: 0,
		},
		RabbitMQ: RabbitMQConfig{
			Exchange:   "ledger.events",
			RoutingKey: "interest.batch.completed",
		},
	}
}

// Load reads path (skipped when empty), applies environment overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.HTTPAddr = getEnv("HTTP_ADDR", c.HTTPAddr)
	c.Store = getEnv("STORE", c.Store)
	c.DatabaseURL = getEnv("DATABASE_URL", c.DatabaseURL)
	c.AdminToken = getEnv("ADMIN_TOKEN", c.AdminToken)
	c.Interest.Timezone = getEnv("TIMEZONE", c.Interest.Timezone)
	c.Redis.URL = getEnv("REDIS_URL", c.Redis.URL)
	c.RabbitMQ.URL = getEnv("RABBITMQ_URL", c.RabbitMQ.URL)
	c.RabbitMQ.Exchange = getEnv("RABBITMQ_EXCHANGE", c.RabbitMQ.Exchange)
	c.RabbitMQ.RoutingKey = getEnv("RABBITMQ_ROUTING_KEY", c.RabbitMQ.RoutingKey)

	var err error
	if c.MaxRetries, err = getEnvInt("MAX_RETRIES", c.MaxRetries); err != nil {
		return err
	}
	if c.Interest.Hour, err = getEnvInt("INTEREST_HOUR", c.Interest.Hour); err != nil {
		return err
	}
	if c.Interest.Minute, err = getEnvInt("INTEREST_MINUTE", c.Interest.Minute); err != nil {
		return err
	}
	scale, err := getEnvInt("CURRENCY_SCALE", int(c.Interest.CurrencyScale))
	if err != nil {
		return err
	}
	c.Interest.CurrencyScale = int32(scale)
	return nil
}

// Validate checks value ranges and required settings.
func (c *Config) Validate() error {
	switch c.Store {
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("%w: DATABASE_URL is required for the postgres store", ErrInvalidConfig)
		}
	case StoreMemory:
	default:
		return fmt.Errorf("%w: unknown store %q", ErrInvalidConfig, c.Store)
	}
	if c.Interest.Hour < 0 || c.Interest.Hour > 23 {
		return fmt.Errorf("%w: interest hour %d out of range", ErrInvalidConfig, c.Interest.Hour)
	}
	if c.Interest.Minute < 0 || c.Interest.Minute > 59 {
		return fmt.Errorf("%w: interest minute %d out of range", ErrInvalidConfig, c.Interest.Minute)
	}
	if c.Interest.CurrencyScale < 0 || c.Interest.CurrencyScale > 4 {
		return fmt.Errorf("%w: currency scale %d out of range", ErrInvalidConfig, c.Interest.CurrencyScale)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("%w: max retries must not be negative", ErrInvalidConfig)
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	return nil
}

// Location resolves the configured time zone.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Interest.Timezone)
	if err != nil {
		return nil, fmt.Errorf("%w: timezone %q: %w", ErrInvalidConfig, c.Interest.Timezone, err)
	}
	return loc, nil
}

// getEnv retrieves an environment variable or returns a default value if not set
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q is not a number", ErrInvalidConfig, key, value)
	}
	return n, nil
}
