package notify

import (
	"time"

	"osfleet/internal/config"
)

// Delivery defaults that rarely need tuning.
const (
	defaultMaxRetries       = 3
	defaultInitialBackoff   = 200 * time.Millisecond
	defaultMaxBackoff       = 5 * time.Second
	defaultBreakerThreshold = 5
	defaultBreakerCooldown  = 30 * time.Second
	defaultMaxRequeues      = 5
)

// Config holds notifier settings.
type Config struct {
	URL         string        // webhook receiving events; empty disables notification
	SigningKey  string        // HMAC key, empty = unsigned
	BufferSize  int           // pending events (default: 1000)
	Workers     int           // concurrent deliveries (default: 4)
	HTTPTimeout time.Duration // per-request timeout (default: 10s)

	InitialBackoff  time.Duration // first retry delay (default: 200ms)
	BreakerCooldown time.Duration // open circuit wait before requeue (default: 30s)
}

// LoadConfig builds the notifier config from the run configuration plus
// the NOTIFY_* tuning variables.
func LoadConfig(cfg *config.Config) Config {
	c := Config{
		URL:         cfg.NotifyURL,
		SigningKey:  cfg.NotifyKey,
		BufferSize:  config.GetIntEnv("NOTIFY_BUFFER_SIZE", 1000),
		Workers:     config.GetIntEnv("NOTIFY_WORKERS", 4),
		HTTPTimeout: config.GetDurationEnv("NOTIFY_HTTP_TIMEOUT", 10*time.Second),
	}
	return c.withDefaults()
}

// Enabled reports whether events should be delivered at all.
func (c Config) Enabled() bool {
	return c.URL != ""
}

// withDefaults fills in zero values with defaults.
func (c Config) withDefaults() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = 1000
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 10 * time.Second
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = defaultInitialBackoff
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = defaultBreakerCooldown
	}
	return c
}
