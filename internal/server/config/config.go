// Package config loads the relay settings from the environment.
package config

import (
	"fmt"
	"os"

	env "github.com/Netflix/go-env"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/hooke003/sidekick/internal/server/ratelimit"
)

type Config struct {
	Port string `env:"PORT,default=8080" validate:"required,numeric"`
	// DatabaseURL selects Postgres. Empty keeps everything in memory.
	DatabaseURL string `env:"DATABASE_URL"`
	LogLevel    string `env:"LOG_LEVEL,default=info" validate:"oneof=trace debug info warn error"`
	LogJSON     bool   `env:"LOG_JSON,default=false"`

	MaxConnectionsPerIP int     `env:"MAX_CONNECTIONS_PER_IP,default=10" validate:"min=1"`
	AuthAttemptsPerMin  int     `env:"AUTH_ATTEMPTS_PER_MIN,default=5" validate:"min=1"`
	MessagesPerSecond   float64 `env:"MESSAGES_PER_SECOND,default=20" validate:"gt=0"`
	MessageBurst        int     `env:"MESSAGE_BURST,default=40" validate:"min=1"`

	MaxFrameBytes int `env:"MAX_FRAME_BYTES,default=16384" validate:"min=512"`
	BcryptCost    int `env:"BCRYPT_COST,default=10" validate:"min=4,max=31"`
}

var validate = validator.New()

// Load reads .env (if present) and the process environment.
func Load() (Config, error) {
	_ = godotenv.Load()
	return Parse(os.Environ())
}

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
	return cfg, nil
}

func (c Config) Addr() string {
	return ":" + c.Port
}

func (c Config) Limits() ratelimit.Limits {
	return ratelimit.Limits{
		ConnectionsPerIP:  c.MaxConnectionsPerIP,
		AuthPerMinute:     c.AuthAttemptsPerMin,
		MessagesPerSecond: c.MessagesPerSecond,
		MessageBurst:      c.MessageBurst,
	}
}

// Logger builds the stderr logger.
func (c Config) Logger() (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, err
	}
	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetLevel(level)
	if c.LogJSON {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return log, nil
}
