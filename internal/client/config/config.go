// Package config loads the client settings from the environment, optionally
// seeded by a .env file.
package config

import (
	"fmt"
	"os"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	"github.com/hooke003/sidekick/internal/client/conn"
	"github.com/hooke003/sidekick/internal/client/delivery"
	"github.com/hooke003/sidekick/internal/client/identity"
)

type Config struct {
	ServerURL string `env:"SIDEKICK_SERVER_URL,default=ws://localhost:8080/ws" validate:"required,url"`
	Profile   string `env:"SIDEKICK_PROFILE,default=default" validate:"required,max=64,excludesall=/\\"`
	// DataDir holds the session file, the message archive and the log.
	// Empty means the per-profile config directory.
	DataDir  string `env:"SIDEKICK_DATA_DIR"`
	LogLevel string `env:"SIDEKICK_LOG_LEVEL,default=info" validate:"oneof=trace debug info warn error"`
	Debug    bool   `env:"SIDEKICK_DEBUG,default=false"`

	AckTimeout    time.Duration `env:"SIDEKICK_ACK_TIMEOUT,default=10s" validate:"gt=0"`
	MaxAttempts   int           `env:"SIDEKICK_MAX_ATTEMPTS,default=3" validate:"min=1,max=20"`
	RetryDelay    time.Duration `env:"SIDEKICK_RETRY_DELAY,default=1s" validate:"gt=0"`
	MaxFrameBytes int           `env:"SIDEKICK_MAX_FRAME_BYTES,default=16384" validate:"min=512"`

	ReconnectBase        time.Duration `env:"SIDEKICK_RECONNECT_BASE,default=1s" validate:"gt=0"`
	ReconnectCap         time.Duration `env:"SIDEKICK_RECONNECT_CAP,default=30s" validate:"gtefield=ReconnectBase"`
	MaxReconnectAttempts int           `env:"SIDEKICK_MAX_RECONNECT_ATTEMPTS,default=10" validate:"min=1"`

	// MetricsAddr exposes the client's prometheus registry when set.
	MetricsAddr string `env:"SIDEKICK_METRICS_ADDR" validate:"omitempty,hostname_port"`
}

var validate = validator.New()

// Load reads .env (if present) and the process environment.
func Load() (Config, error) {
	_ = godotenv.Load()
	return Parse(os.Environ())
}

// Parse builds a Config from KEY=VALUE pairs.
func Parse(environ []string) (Config, error) {
	es, err := env.EnvironToEnvSet(environ)
	if err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	var cfg Config
	if err := env.Unmarshal(es, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if err := validate.Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if cfg.DataDir == "" {
		cfg.DataDir = identity.GetConfigDir(cfg.Profile)
		if cfg.DataDir == "" {
			return Config{}, fmt.Errorf("config: no home directory, set SIDEKICK_DATA_DIR")
		}
	}
	return cfg, nil
}

func (c Config) ConnOptions() conn.Options {
	backoff := conn.DefaultBackoff()
	backoff.Base = c.ReconnectBase
	backoff.Cap = c.ReconnectCap
	return conn.Options{
		Backoff:              backoff,
		MaxReconnectAttempts: c.MaxReconnectAttempts,
	}
}

func (c Config) DeliveryOptions() delivery.Options {
	return delivery.Options{
		AckTimeout:  c.AckTimeout,
		MaxAttempts: c.MaxAttempts,
		RetryDelay:  c.RetryDelay,
		MaxFrame:    c.MaxFrameBytes,
	}
}
