package config

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestParseDefaults(t *testing.T) {
	req := require.New(t)
	cfg, err := Parse(nil)
	req.NoError(err)

	req.Equal(":8080", cfg.Addr())
	req.Empty(cfg.DatabaseURL)
	req.Equal(10, cfg.MaxConnectionsPerIP)
	req.Equal(5, cfg.AuthAttemptsPerMin)
	req.Equal(16384, cfg.MaxFrameBytes)

	limits := cfg.Limits()
	req.Equal(10, limits.ConnectionsPerIP)
	req.Equal(20.0, limits.MessagesPerSecond)
	req.Equal(40, limits.MessageBurst)

	log, err := cfg.Logger()
	req.NoError(err)
	req.Equal(logrus.InfoLevel, log.GetLevel())
}

func TestParseOverrides(t *testing.T) {
	req := require.New(t)
	cfg, err := Parse([]string{
		"PORT=3567",
		"DATABASE_URL=postgres://localhost/sidekick?sslmode=disable",
		"AUTH_ATTEMPTS_PER_MIN=2",
		"LOG_LEVEL=debug",
		"LOG_JSON=true",
	})
	req.NoError(err)
	req.Equal(":3567", cfg.Addr())
	req.Equal("postgres://localhost/sidekick?sslmode=disable", cfg.DatabaseURL)
	req.Equal(2, cfg.Limits().AuthPerMinute)

	log, err := cfg.Logger()
	req.NoError(err)
	req.Equal(logrus.DebugLevel, log.GetLevel())
	req.IsType(&logrus.JSONFormatter{}, log.Formatter)
}

func TestParseRejectsInvalid(t *testing.T) {
	for name, kv := range map[string]string{
		"port":        "PORT=http",
		"connections": "MAX_CONNECTIONS_PER_IP=0",
		"bcrypt":      "BCRYPT_COST=99",
		"level":       "LOG_LEVEL=chatty",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]string{kv})
			require.Error(t, err)
		})
	}
}
