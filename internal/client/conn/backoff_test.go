package conn

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffDelay(t *testing.T) {
	b := DefaultBackoff()
	b.Rand = func() float64 { return 0.5 }

	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}
	for attempt, d := range want {
		assert.Equal(t, d, b.Delay(attempt), "attempt %d", attempt)
	}
}

func TestBackoffJitterBounds(t *testing.T) {
	b := DefaultBackoff()

	b.Rand = func() float64 { return 0 }
	assert.Equal(t, 800*time.Millisecond, b.Delay(0))

	b.Rand = func() float64 { return 0.999999 }
	assert.InDelta(t, float64(1200*time.Millisecond), float64(b.Delay(0)), float64(time.Millisecond))

	// Jitter never pushes past the cap.
	assert.Equal(t, 30*time.Second, b.Delay(10))
}

func TestBackoffZeroBase(t *testing.T) {
	assert.Zero(t, Backoff{}.Delay(3))
}
