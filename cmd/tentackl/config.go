package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type (
	// Config is the service configuration, loaded from YAML with
	// environment overrides.
	Config struct {
		HTTP  HTTPConfig  `yaml:"http"`
		Redis RedisConfig `yaml:"redis"`
		Mongo MongoConfig `yaml:"mongo"`
		Model ModelConfig `yaml:"model"`
		Queue QueueConfig `yaml:"queue"`
	}

	// HTTPConfig configures the health endpoint listener.
	HTTPConfig struct {
		Addr string `yaml:"addr"`
	}

	// RedisConfig configures the cache / stream / queue connection.
	RedisConfig struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	}

	// MongoConfig configures the primary store connection.
	MongoConfig struct {
		URI      string        `yaml:"uri"`
		Database string        `yaml:"database"`
		Timeout  time.Duration `yaml:"timeout"`
	}

	// ModelConfig selects the LLM provider for planner and observer calls.
	ModelConfig struct {
		// Provider is "anthropic" or "openai".
		Provider string `yaml:"provider"`
		// Model is the provider model identifier.
		Model string `yaml:"model"`
		// APIKeyEnv names the environment variable holding the API key.
		APIKeyEnv string `yaml:"api_key_env"`
		// TokensPerMinute caps the shared completion budget. Zero uses the
		// middleware default.
		TokensPerMinute int `yaml:"tokens_per_minute"`
	}

	// QueueConfig selects the step dispatch mode.
	QueueConfig struct {
		// Mode is "pool" (durable Redis-backed workers) or "inprocess".
		Mode string `yaml:"mode"`
		// PoolName overrides the default Pulse pool name.
		PoolName string `yaml:"pool_name"`
		// Worker attaches a step worker to this process in pool mode.
		Worker bool `yaml:"worker"`
	}
)

// LoadConfig reads the YAML file, applies defaults, then environment
// overrides (TENTACKL_REDIS_ADDR, TENTACKL_MONGO_URI, TENTACKL_HTTP_ADDR).
// An empty path yields defaults plus overrides.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{
		HTTP:  HTTPConfig{Addr: ":8080"},
		Redis: RedisConfig{Addr: "localhost:6379"},
		Mongo: MongoConfig{URI: "mongodb://localhost:27017", Database: "tentackl"},
		Model: ModelConfig{Provider: "anthropic", Model: "claude-sonnet-4-5", APIKeyEnv: "ANTHROPIC_API_KEY"},
		Queue: QueueConfig{Mode: "inprocess", Worker: true},
	}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	if v := os.Getenv("TENTACKL_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := os.Getenv("TENTACKL_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("TENTACKL_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("TENTACKL_MONGO_URI"); v != "" {
		cfg.Mongo.URI = v
	}
	if v := os.Getenv("TENTACKL_MONGO_DATABASE"); v != "" {
		cfg.Mongo.Database = v
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Model.Provider {
	case "anthropic", "openai":
	default:
		return fmt.Errorf("unknown model provider %q", c.Model.Provider)
	}
	switch c.Queue.Mode {
	case "pool", "inprocess":
	default:
		return fmt.Errorf("unknown queue mode %q", c.Queue.Mode)
	}
	if c.Mongo.Database == "" {
		return fmt.Errorf("mongo database is required")
	}
	return nil
}
