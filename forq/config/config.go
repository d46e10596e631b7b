package config

import (
	"context"
	"errors"
	"time"

	"github.com/sethvargo/go-envconfig"
)

type Config struct {
	RedisAddr     string        `env:"FORQ_REDIS_ADDR"`
	RedisDB       int           `env:"FORQ_REDIS_DB"`
	RedisPassword string        `env:"FORQ_REDIS_PASSWORD"`
	RedisUsername string        `env:"FORQ_REDIS_USERNAME"`
	RedisPoolSize int           `env:"FORQ_REDIS_POOL_SIZE"`
	PingTimeout   time.Duration `env:"FORQ_PING_TIMEOUT"`

	// Prefix namespaces every key this queue touches.
	Prefix string `env:"FORQ_PREFIX"`

	// ReadyTimeout bounds the per-operation readiness wait.
	ReadyTimeout time.Duration `env:"FORQ_READY_TIMEOUT"`

	// LivenessInterval is how often a completion wait checks whether the
	// owning queue began shutting down.
	LivenessInterval time.Duration `env:"FORQ_LIVENESS_INTERVAL"`

	// PromoteInterval is the delayed-job promoter tick.
	PromoteInterval time.Duration `env:"FORQ_PROMOTE_INTERVAL"`
	PromoteBatch    int           `env:"FORQ_PROMOTE_BATCH"`
}

// Load reads FORQ_* environment variables over defaults.
func Load(ctx context.Context) (*Config, error) {
	var cfg Config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		return nil, err
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) SetDefaults() {
	if c.RedisAddr == "" {
		c.RedisAddr = "localhost:6379"
	}
	if c.RedisPoolSize == 0 {
		c.RedisPoolSize = 10
	}
	if c.PingTimeout == 0 {
		c.PingTimeout = 5 * time.Second
	}
	if c.Prefix == "" {
		c.Prefix = "forq"
	}
	if c.ReadyTimeout == 0 {
		c.ReadyTimeout = 10 * time.Second
	}
	if c.LivenessInterval == 0 {
		c.LivenessInterval = 5 * time.Second
	}
	if c.PromoteInterval == 0 {
		c.PromoteInterval = time.Second
	}
	if c.PromoteBatch == 0 {
		c.PromoteBatch = 100
	}
}

func (c *Config) Validate() error {
	if c.RedisAddr == "" {
		return errors.New("redis_addr must be provided")
	}
	if c.RedisPoolSize < 1 {
		return errors.New("redis_pool_size must be >= 1")
	}
	if c.Prefix == "" {
		return errors.New("prefix cannot be empty")
	}
	if c.ReadyTimeout <= 0 {
		return errors.New("ready_timeout must be > 0")
	}
	if c.LivenessInterval <= 0 {
		return errors.New("liveness_interval must be > 0")
	}
	if c.PromoteInterval <= 0 {
		return errors.New("promote_interval must be > 0")
	}
	if c.PromoteBatch < 1 {
		return errors.New("promote_batch must be >= 1")
	}
	return nil
}
