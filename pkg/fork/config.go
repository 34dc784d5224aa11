package fork

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// DefaultChainID is used for a fresh chain when no chain ID is configured.
const DefaultChainID = 1337

// Config holds tuning for the fork provider. It is read from the environment.
type Config struct {
	CacheSize      int           `env:"DEVNODE_FORK_CACHE_SIZE"      envDefault:"4096"`           // Fork responses kept in memory
	StartRetries   int           `env:"DEVNODE_FORK_START_RETRIES"   envDefault:"3"`              // Retries when the fork source cannot be reached at startup
	RetryBackoff   time.Duration `env:"DEVNODE_FORK_RETRY_BACKOFF"   envDefault:"500ms"`          // Backoff between startup attempts
	RequestTimeout time.Duration `env:"DEVNODE_FORK_REQUEST_TIMEOUT" envDefault:"30s"`            // Timeout for each fork source call
	Concurrency    int64         `env:"DEVNODE_FORK_CONCURRENCY"     envDefault:"16"`             // Maximum concurrent fork source calls
	UsageInterval  time.Duration `env:"DEVNODE_FORK_USAGE_INTERVAL"  envDefault:"10s"`            // How often rate limiter usage is reported
	ClientVersion  string        `env:"DEVNODE_CLIENT_VERSION"       envDefault:"devnode/v0.1.0"` // web3_clientVersion answer
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		CacheSize:      4096,
		StartRetries:   3,
		RetryBackoff:   500 * time.Millisecond,
		RequestTimeout: 30 * time.Second,
		Concurrency:    16,
		UsageInterval:  10 * time.Second,
		ClientVersion:  "devnode/v0.1.0",
	}
}

// LoadConfig loads fork configuration from environment variables.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse fork config: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate checks the configuration values.
func (c Config) Validate() error {
	var errs []error
	if c.CacheSize <= 0 {
		errs = append(errs, fmt.Errorf("cache size %d must be positive", c.CacheSize))
	}
	if c.StartRetries < 0 {
		errs = append(errs, fmt.Errorf("start retries %d must not be negative", c.StartRetries))
	}
	if c.RequestTimeout <= 0 {
		errs = append(errs, errors.New("request timeout must be positive"))
	}
	if c.Concurrency <= 0 {
		errs = append(errs, fmt.Errorf("concurrency %d must be positive", c.Concurrency))
	}
	if c.UsageInterval <= 0 {
		errs = append(errs, errors.New("usage interval must be positive"))
	}
	return errors.Join(errs...)
}
