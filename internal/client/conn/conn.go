//go:generate go run go.uber.org/mock/mockgen -source=conn.go -destination=../mocks/mock_conn.go -package=mocks

// Package conn owns the single persistent transport connection of a signed-in
// identity: it dials, watches for unexpected closure and re-dials with
// exponential backoff.
package conn

import (
	"context"
	"errors"
	"fmt"

	"github.com/hooke003/sidekick/internal/client/identity"
)

var (
	ErrNotConnected          = errors.New("not connected")
	ErrConnectivityExhausted = errors.New("reconnect attempts exhausted")
	ErrManagerClosed         = errors.New("connection manager closed")
	errSuperseded            = errors.New("connection attempt superseded")
)

// State is the lifecycle state of the connection.
type State uint8

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// Connection is a snapshot of the managed connection.
type Connection struct {
	Identity  identity.Identity
	State     State
	LastError error
	// Attempt counts reconnect attempts since the last successful dial.
	Attempt int
}

// Exhausted reports whether automatic reconnection gave up.
func (c Connection) Exhausted() bool {
	return c.State == Disconnected && errors.Is(c.LastError, ErrConnectivityExhausted)
}

// Transport is one established bidirectional frame stream.
type Transport interface {
	ReadFrame(ctx context.Context) ([]byte, error)
	WriteFrame(ctx context.Context, frame []byte) error
	Close() error
}

// Dialer opens transports for an identity.
type Dialer interface {
	Dial(ctx context.Context, id identity.Identity) (Transport, error)
}
