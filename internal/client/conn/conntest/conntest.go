// Package conntest provides an in-memory Dialer for tests. Each successful
// dial yields a Peer: the relay's end of the connection.
package conntest

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/hooke003/sidekick/internal/client/conn"
	"github.com/hooke003/sidekick/internal/client/identity"
)

var ErrRefused = errors.New("connection refused")

// Network is a conn.Dialer whose connections are Peers.
type Network struct {
	mu       sync.Mutex
	dials    int
	failNext int
	failErr  error
	peers    chan *Peer
}

func NewNetwork() *Network {
	return &Network{peers: make(chan *Peer, 16)}
}

// FailDials makes the next count dials fail with err (ErrRefused when nil).
// A negative count fails every dial until called again.
func (n *Network) FailDials(count int, err error) {
	if err == nil {
		err = ErrRefused
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failNext = count
	n.failErr = err
}

// Dials returns the number of Dial calls so far.
func (n *Network) Dials() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.dials
}

func (n *Network) Dial(ctx context.Context, id identity.Identity) (conn.Transport, error) {
	n.mu.Lock()
	n.dials++
	if n.failNext != 0 {
		if n.failNext > 0 {
			n.failNext--
		}
		err := n.failErr
		n.mu.Unlock()
		return nil, err
	}
	n.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p := newPeer(id)
	n.peers <- p
	return &transport{peer: p}, nil
}

// Accept waits for the next established connection.
func (n *Network) Accept(timeout time.Duration) (*Peer, bool) {
	select {
	case p := <-n.peers:
		return p, true
	case <-time.After(timeout):
		return nil, false
	}
}

// Peer is the relay side of one connection.
type Peer struct {
	Identity identity.Identity

	toClient   chan []byte
	fromClient chan []byte
	closed     chan struct{}
	once       sync.Once
}

func newPeer(id identity.Identity) *Peer {
	return &Peer{
		Identity:   id,
		toClient:   make(chan []byte, 64),
		fromClient: make(chan []byte, 1024),
		closed:     make(chan struct{}),
	}
}

// Deliver pushes a frame to the client. It returns false once the
// connection is closed.
func (p *Peer) Deliver(frame []byte) bool {
	select {
	case p.toClient <- frame:
		return true
	case <-p.closed:
		return false
	}
}

// Next returns the next frame written by the client.
func (p *Peer) Next(timeout time.Duration) ([]byte, bool) {
	select {
	case f := <-p.fromClient:
		return f, true
	case <-time.After(timeout):
		return nil, false
	}
}

// Pending returns the number of client frames not yet read with Next.
func (p *Peer) Pending() int {
	return len(p.fromClient)
}

// Drop closes the connection from the relay side, as a network failure would.
func (p *Peer) Drop() {
	p.once.Do(func() { close(p.closed) })
}

// Closed reports whether either side closed the connection.
func (p *Peer) Closed() bool {
	select {
	case <-p.closed:
		return true
	default:
		return false
	}
}

type transport struct {
	peer *Peer
}

func (t *transport) ReadFrame(ctx context.Context) ([]byte, error) {
	select {
	case f := <-t.peer.toClient:
		return f, nil
	case <-t.peer.closed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *transport) WriteFrame(_ context.Context, frame []byte) error {
	select {
	case <-t.peer.closed:
		return io.ErrClosedPipe
	default:
	}
	select {
	case t.peer.fromClient <- frame:
		return nil
	case <-t.peer.closed:
		return io.ErrClosedPipe
	}
}

func (t *transport) Close() error {
	t.peer.Drop()
	return nil
}
