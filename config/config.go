// Package config loads the engine's runtime configuration from the
// environment, one struct per concern composed into a root Config.
package config

import (
	"context"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// SourceConfig tunes the reference sqlsource backend.
type SourceConfig struct {
	DbPath string `env:"DB_PATH, default=zero.db"`
}

// ConnConfig tunes the client connection manager's transport and retry
// window.
type ConnConfig struct {
	ServerURL            string        `env:"SERVER_URL, default=ws://localhost:4848/sync"`
	DisconnectTimeout    time.Duration `env:"DISCONNECT_TIMEOUT, default=5s"`
	TimeoutCheckInterval time.Duration `env:"TIMEOUT_CHECK_INTERVAL, default=1s"`
	RetryInterval        time.Duration `env:"RETRY_INTERVAL, default=2s"`
	MaxRetryInterval     time.Duration `env:"MAX_RETRY_INTERVAL, default=30s"`
	ConnectionTimeout    time.Duration `env:"CONNECTION_TIMEOUT, default=10s"`
}

// ViewStoreConfig tunes the process-wide (queryHash, clientID) -> View
// cache.
type ViewStoreConfig struct {
	Grace time.Duration `env:"GRACE, default=10ms"`
}

// RedisConfig points view.Store's TTL bookkeeping at a redis instance.
type RedisConfig struct {
	Addr string `env:"ADDR, default=localhost:6379"`
}

// BuilderConfig tunes the query compiler: whether NOT EXISTS conditions
// are accepted.
type BuilderConfig struct {
	EnableNotExists bool `env:"ENABLE_NOT_EXISTS, default=true"`
}

// HTTPConfig tunes the demo server's listen address.
type HTTPConfig struct {
	ListenAddr string `env:"LISTEN_ADDR, default=0.0.0.0:4848"`
}

// Config is the root of every subsystem's environment-derived settings.
type Config struct {
	Source  SourceConfig    `env:",prefix=ZERO_SOURCE_"`
	Conn    ConnConfig      `env:",prefix=ZERO_CONN_"`
	View    ViewStoreConfig `env:",prefix=ZERO_VIEW_"`
	Redis   RedisConfig     `env:",prefix=ZERO_REDIS_"`
	Builder BuilderConfig   `env:",prefix=ZERO_BUILDER_"`
	HTTP    HTTPConfig      `env:",prefix=ZERO_HTTP_"`
}

// Load reads Config from the environment, applying defaults for any
// unset variable.
func Load(ctx context.Context) (*Config, error) {
	var cfg Config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
