package ratelimit

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type Limits struct {
	ConnectionsPerIP  int
	AuthPerMinute     int
	MessagesPerSecond float64
	MessageBurst      int
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type RateLimiter struct {
	connections map[string]int      // IP -> connection count
	auth        map[string]*visitor // IP -> auth attempts
	messages    map[string]*visitor // user id -> sent messages
	mu          sync.Mutex
	limits      Limits
	now         func() time.Time
}

func New(limits Limits) *RateLimiter {
	if limits.MessageBurst < 1 {
		limits.MessageBurst = 1
	}
	return &RateLimiter{
		connections: make(map[string]int),
		auth:        make(map[string]*visitor),
		messages:    make(map[string]*visitor),
		limits:      limits,
		now:         time.Now,
	}
}

func (rl *RateLimiter) Limits() Limits {
	return rl.limits
}

// Run forgets idle visitors every minute until ctx is done.
func (rl *RateLimiter) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-ctx.Done():
			return
		}
	}
}

func (rl *RateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.now().Add(-time.Minute)
	for _, m := range []map[string]*visitor{rl.auth, rl.messages} {
		for key, v := range m {
			if v.lastSeen.Before(cutoff) {
				delete(m, key)
			}
		}
	}
}

func (rl *RateLimiter) CanConnect(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.connections[ip] < rl.limits.ConnectionsPerIP
}

func (rl *RateLimiter) AddConnection(ip string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.connections[ip]++
}

func (rl *RateLimiter) RemoveConnection(ip string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.connections[ip]--
	if rl.connections[ip] <= 0 {
		delete(rl.connections, ip)
	}
}

// CanAuth spends one of the per-minute authentication attempts of ip.
func (rl *RateLimiter) CanAuth(ip string) bool {
	n := rl.limits.AuthPerMinute
	if n <= 0 {
		return false
	}
	return rl.allow(rl.auth, ip, rate.Every(time.Minute/time.Duration(n)), n)
}

// AllowMessage spends one message token of userID.
func (rl *RateLimiter) AllowMessage(userID string) bool {
	return rl.allow(rl.messages, userID, rate.Limit(rl.limits.MessagesPerSecond), rl.limits.MessageBurst)
}

func (rl *RateLimiter) allow(m map[string]*visitor, key string, limit rate.Limit, burst int) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := rl.now()
	v, ok := m[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(limit, burst)}
		m[key] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, 1)
}

func GetClientIP(r *http.Request) string {
	// Check X-Forwarded-For header (for reverse proxies)
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
