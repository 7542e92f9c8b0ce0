package ratelimit

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newLimiter(limits Limits) (*RateLimiter, *clock) {
	c := &clock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	rl := New(limits)
	rl.now = c.now
	return rl, c
}

func TestConnections(t *testing.T) {
	req := require.New(t)
	rl, _ := newLimiter(Limits{ConnectionsPerIP: 2})

	req.True(rl.CanConnect("1.2.3.4"))
	rl.AddConnection("1.2.3.4")
	rl.AddConnection("1.2.3.4")
	req.False(rl.CanConnect("1.2.3.4"))
	req.True(rl.CanConnect("5.6.7.8"))

	rl.RemoveConnection("1.2.3.4")
	req.True(rl.CanConnect("1.2.3.4"))
}

func TestAuthAttemptsRefillOverAMinute(t *testing.T) {
	req := require.New(t)
	rl, c := newLimiter(Limits{AuthPerMinute: 3})

	for i := 0; i < 3; i++ {
		req.True(rl.CanAuth("ip"), "attempt %d", i)
	}
	req.False(rl.CanAuth("ip"))
	req.True(rl.CanAuth("other"))

	c.t = c.t.Add(20 * time.Second)
	req.True(rl.CanAuth("ip"))
	req.False(rl.CanAuth("ip"))
}

func TestMessages(t *testing.T) {
	req := require.New(t)
	rl, c := newLimiter(Limits{MessagesPerSecond: 2, MessageBurst: 2})

	req.True(rl.AllowMessage("u"))
	req.True(rl.AllowMessage("u"))
	req.False(rl.AllowMessage("u"))

	c.t = c.t.Add(500 * time.Millisecond)
	req.True(rl.AllowMessage("u"))
}

func TestCleanupForgetsIdleVisitors(t *testing.T) {
	rl, c := newLimiter(Limits{AuthPerMinute: 1, MessagesPerSecond: 1})
	rl.CanAuth("ip")
	rl.AllowMessage("u")

	c.t = c.t.Add(2 * time.Minute)
	rl.cleanup()
	require.Empty(t, rl.auth)
	require.Empty(t, rl.messages)
}

func TestGetClientIP(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws", nil)
	r.RemoteAddr = "10.0.0.1:5555"
	require.Equal(t, "10.0.0.1", GetClientIP(r))

	r.Header.Set("X-Real-IP", "10.0.0.2")
	require.Equal(t, "10.0.0.2", GetClientIP(r))

	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.3")
	require.Equal(t, "203.0.113.9", GetClientIP(r))
}
