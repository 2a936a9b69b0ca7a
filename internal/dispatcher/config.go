package dispatcher

import (
	"time"

	"jobwatch/internal/config"
	"jobwatch/pkg/backoff"
)

const (
	defaultBufferSize       = 1024
	defaultWorkers          = 4
	defaultTimeout          = 10 * time.Second
	defaultMaxRetries       = 3
	defaultBreakerThreshold = 5
	defaultBreakerCooldown  = 30 * time.Second
	defaultMaxRequeues      = 10
)

// Config tunes the in-memory dispatcher. Zero values use defaults.
type Config struct {
	BufferSize       int            // pending deliveries (default: 1024)
	Workers          int            // concurrent senders (default: 4)
	Timeout          time.Duration  // per request (default: 10s)
	MaxRetries       int            // after the first attempt (default: 3)
	Backoff          backoff.Config // retry delays (default: 100ms doubling to 5s)
	BreakerThreshold int            // consecutive failures before a host is skipped (default: 5)
	BreakerCooldown  time.Duration  // before a skipped host is probed again (default: 30s)
	MaxRequeues      int            // times a delivery waits out an open breaker (default: 10)
}

// LoadConfig reads the dispatcher settings from the environment.
func LoadConfig() Config {
	return Config{
		BufferSize: config.GetIntEnv("CALLBACK_BUFFER_SIZE", defaultBufferSize),
		Workers:    config.GetIntEnv("CALLBACK_WORKERS", defaultWorkers),
		Timeout:    config.GetDurationEnv("CALLBACK_TIMEOUT", defaultTimeout),
		MaxRetries: config.GetIntEnv("CALLBACK_MAX_RETRIES", defaultMaxRetries),
	}.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = defaultBufferSize
	}
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = defaultBreakerThreshold
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = defaultBreakerCooldown
	}
	if c.MaxRequeues <= 0 {
		c.MaxRequeues = defaultMaxRequeues
	}
	return c
}
