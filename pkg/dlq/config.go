package dlq

import (
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// Defaults applied by Config.SetDefaults.
const (
	DefaultMaxSize             = 10000
	DefaultRetryInterval       = 5 * time.Minute
	DefaultMaxRetriesPerItem   = 10
	DefaultItemRetentionPeriod = 7 * 24 * time.Hour
	DefaultConcurrency         = 4
)

// Backend names accepted by Config.Backend.
const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendRedis  = "redis"
)

// RedisConfig selects the Redis instance backing the queue.
type RedisConfig struct {
	Addr      string `mapstructure:"addr" json:"addr"`
	Password  string `mapstructure:"password" json:"password,omitempty"`
	DB        int    `mapstructure:"db" json:"db"`
	KeyPrefix string `mapstructure:"key_prefix" json:"key_prefix,omitempty"`
}

// Config controls the dead letter queue and its redeliverer.
type Config struct {
	MaxSize             int           `mapstructure:"max_size" json:"max_size"`
	RetryInterval       time.Duration `mapstructure:"retry_interval" json:"retry_interval"`
	MaxRetriesPerItem   int           `mapstructure:"max_retries_per_item" json:"max_retries_per_item"`
	ItemRetentionPeriod time.Duration `mapstructure:"item_retention_period" json:"item_retention_period"`
	// AutoRetry starts the background redeliverer. Nil means true.
	AutoRetry   *bool `mapstructure:"auto_retry" json:"auto_retry,omitempty"`
	Concurrency int   `mapstructure:"concurrency" json:"concurrency"`

	Backend  string      `mapstructure:"backend" json:"backend"`
	FilePath string      `mapstructure:"file_path" json:"file_path,omitempty"`
	Redis    RedisConfig `mapstructure:"redis" json:"redis"`
}

// DefaultConfig returns a memory-backed configuration with all defaults set.
func DefaultConfig() Config {
	var c Config
	c.SetDefaults()
	return c
}

// SetDefaults fills zero-valued fields.
func (c *Config) SetDefaults() {
	if c.MaxSize <= 0 {
		c.MaxSize = DefaultMaxSize
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = DefaultRetryInterval
	}
	if c.MaxRetriesPerItem <= 0 {
		c.MaxRetriesPerItem = DefaultMaxRetriesPerItem
	}
	if c.ItemRetentionPeriod <= 0 {
		c.ItemRetentionPeriod = DefaultItemRetentionPeriod
	}
	if c.AutoRetry == nil {
		on := true
		c.AutoRetry = &on
	}
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.Backend == "" {
		c.Backend = BackendMemory
	}
}

// AutoRetryEnabled reports whether the background redeliverer should run.
func (c Config) AutoRetryEnabled() bool {
	return c.AutoRetry == nil || *c.AutoRetry
}

// Validate checks the backend selection.
func (c Config) Validate() error {
	switch c.Backend {
	case BackendMemory, "":
	case BackendFile:
		if c.FilePath == "" {
			return errors.New("dlq: file backend requires file_path")
		}
	case BackendRedis:
		if c.Redis.Addr == "" {
			return errors.New("dlq: redis backend requires redis.addr")
		}
	default:
		return errors.Errorf("dlq: unknown backend %q", c.Backend)
	}
	return nil
}

// OpenStore creates the store selected by c.Backend.
func OpenStore(c Config) (Store, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	switch c.Backend {
	case BackendFile:
		return OpenFileStore(c.FilePath, c.MaxSize)
	case BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     c.Redis.Addr,
			Password: c.Redis.Password,
			DB:       c.Redis.DB,
		})
		s := NewRedisStore(client, c.MaxSize, WithKeyPrefix(c.Redis.KeyPrefix))
		s.ownsClient = true
		return s, nil
	default:
		return NewMemoryStore(c.MaxSize), nil
	}
}
