package conn

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hooke003/sidekick/internal/client/identity"
)

const (
	DefaultMaxReconnectAttempts = 10
	DefaultDialTimeout          = 10 * time.Second
	defaultFrameBuffer          = 64
	watchBuffer                 = 8
)

type Options struct {
	Backoff              Backoff
	MaxReconnectAttempts int
	DialTimeout          time.Duration
	FrameBuffer          int
}

func (o Options) withDefaults() Options {
	if o.Backoff.Base == 0 {
		o.Backoff = DefaultBackoff()
	}
	if o.MaxReconnectAttempts <= 0 {
		o.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = DefaultDialTimeout
	}
	if o.FrameBuffer <= 0 {
		o.FrameBuffer = defaultFrameBuffer
	}
	return o
}

// Manager owns one transport for one identity at a time. All methods are safe
// for concurrent use.
type Manager struct {
	dialer  Dialer
	opts    Options
	log     logrus.FieldLogger
	metrics *Metrics

	frames chan []byte
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	conn      Connection
	transport Transport
	// session is bumped by every Connect and Disconnect so that goroutines
	// and timers of an older session become no-ops.
	session   uint64
	timer     *time.Timer
	watchers  map[int]chan Connection
	nextWatch int
	closed    bool
}

func NewManager(dialer Dialer, opts Options, log logrus.FieldLogger, metrics *Metrics) *Manager {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		dialer:   dialer,
		opts:     opts,
		log:      log.WithField("component", "conn"),
		metrics:  metrics,
		frames:   make(chan []byte, opts.FrameBuffer),
		ctx:      ctx,
		cancel:   cancel,
		watchers: make(map[int]chan Connection),
	}
}

// Frames yields inbound frames from every transport this manager opens. The
// channel stays the same across reconnects.
func (m *Manager) Frames() <-chan []byte {
	return m.frames
}

// State returns the current connection snapshot.
func (m *Manager) State() Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn
}

// WatchState yields the current snapshot followed by every state change until
// ctx is done. Slow readers only miss intermediate states, never the latest.
func (m *Manager) WatchState(ctx context.Context) <-chan Connection {
	ch := make(chan Connection, watchBuffer)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		close(ch)
		return ch
	}
	id := m.nextWatch
	m.nextWatch++
	m.watchers[id] = ch
	ch <- m.conn
	m.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-m.ctx.Done():
		}
		m.mu.Lock()
		if w, ok := m.watchers[id]; ok {
			delete(m.watchers, id)
			close(w)
		}
		m.mu.Unlock()
	}()
	return ch
}

// Connect dials a transport for id, replacing any current one. On failure the
// state returns to Disconnected with LastError set and automatic reconnection
// is scheduled.
func (m *Manager) Connect(ctx context.Context, id identity.Identity) (Connection, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return Connection{}, ErrManagerClosed
	}
	m.resetLocked()
	m.conn = Connection{Identity: id, State: Connecting}
	m.publishLocked()
	session := m.session
	m.mu.Unlock()

	return m.dial(ctx, session)
}

// Reconnect dials again for the current identity, resetting the attempt
// budget. It is the manual retry after ErrConnectivityExhausted.
func (m *Manager) Reconnect(ctx context.Context) (Connection, error) {
	m.mu.Lock()
	id := m.conn.Identity
	m.mu.Unlock()
	if id.ID == "" {
		return Connection{}, fmt.Errorf("reconnect: %w", ErrNotConnected)
	}
	return m.Connect(ctx, id)
}

// Disconnect closes the transport and cancels any pending reconnect. Calling
// it again is a no-op.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn.State == Disconnected && m.transport == nil && m.timer == nil && m.conn.LastError == nil {
		return
	}
	m.resetLocked()
	m.conn.State = Disconnected
	m.conn.LastError = nil
	m.conn.Attempt = 0
	m.publishLocked()
	m.log.WithField("user_id", m.conn.Identity.ID).Info("Disconnected")
}

// Close disconnects and releases the manager. Watch channels are closed.
func (m *Manager) Close() {
	m.Disconnect()
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.cancel()
}

// Send writes one frame. It fails with ErrNotConnected unless Connected.
func (m *Manager) Send(ctx context.Context, frame []byte) error {
	m.mu.Lock()
	t := m.transport
	state := m.conn.State
	m.mu.Unlock()

	if state != Connected || t == nil {
		return ErrNotConnected
	}
	if err := t.WriteFrame(ctx, frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func (m *Manager) dial(ctx context.Context, session uint64) (Connection, error) {
	m.mu.Lock()
	id := m.conn.Identity
	m.mu.Unlock()

	dctx, cancel := context.WithTimeout(ctx, m.opts.DialTimeout)
	t, err := m.dialer.Dial(dctx, id)
	cancel()

	m.mu.Lock()
	defer m.mu.Unlock()

	if session != m.session || m.closed {
		if t != nil {
			_ = t.Close()
		}
		return m.conn, errSuperseded
	}

	if err != nil {
		m.metrics.Dials.WithLabelValues("error").Inc()
		m.log.WithFields(logrus.Fields{
			"user_id": id.ID,
			"attempt": m.conn.Attempt,
			"error":   err.Error(),
		}).Warn("Dial failed")
		m.conn.State = Disconnected
		m.conn.LastError = err
		m.scheduleReconnectLocked(session)
		m.publishLocked()
		return m.conn, err
	}

	m.metrics.Dials.WithLabelValues("ok").Inc()
	m.transport = t
	m.conn.State = Connected
	m.conn.LastError = nil
	m.conn.Attempt = 0
	m.publishLocked()
	m.log.WithField("user_id", id.ID).Info("Connected")

	go m.readLoop(session, t)
	return m.conn, nil
}

func (m *Manager) readLoop(session uint64, t Transport) {
	for {
		frame, err := t.ReadFrame(m.ctx)
		if err != nil {
			m.handleClosure(session, t, err)
			return
		}
		select {
		case m.frames <- frame:
		case <-m.ctx.Done():
			return
		}
	}
}

func (m *Manager) handleClosure(session uint64, t Transport, cause error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if session != m.session || m.transport != t {
		return
	}
	_ = t.Close()
	m.transport = nil
	m.conn.State = Disconnected
	m.conn.LastError = cause
	m.log.WithFields(logrus.Fields{
		"user_id": m.conn.Identity.ID,
		"error":   cause.Error(),
	}).Warn("Connection closed unexpectedly")
	m.scheduleReconnectLocked(session)
	m.publishLocked()
}

func (m *Manager) scheduleReconnectLocked(session uint64) {
	if m.closed {
		return
	}
	if m.conn.Attempt >= m.opts.MaxReconnectAttempts {
		m.metrics.Exhausted.Inc()
		m.conn.LastError = fmt.Errorf("%w after %d attempts: %v", ErrConnectivityExhausted, m.conn.Attempt, m.conn.LastError)
		m.log.WithField("user_id", m.conn.Identity.ID).Error("Giving up reconnecting")
		return
	}
	delay := m.opts.Backoff.Delay(m.conn.Attempt)
	m.conn.Attempt++
	m.metrics.Reconnects.Inc()
	m.log.WithFields(logrus.Fields{
		"user_id": m.conn.Identity.ID,
		"attempt": m.conn.Attempt,
		"delay":   delay.String(),
	}).Info("Scheduling reconnect")
	m.timer = time.AfterFunc(delay, func() { m.reconnect(session) })
}

func (m *Manager) reconnect(session uint64) {
	m.mu.Lock()
	if session != m.session || m.closed {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	m.conn.State = Connecting
	m.publishLocked()
	m.mu.Unlock()

	_, _ = m.dial(m.ctx, session)
}

// resetLocked invalidates the current session: stops the reconnect timer and
// closes the transport.
func (m *Manager) resetLocked() {
	m.session++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	if m.transport != nil {
		_ = m.transport.Close()
		m.transport = nil
	}
}

func (m *Manager) publishLocked() {
	m.metrics.State.Set(float64(m.conn.State))
	for _, ch := range m.watchers {
		select {
		case ch <- m.conn:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- m.conn
		}
	}
}
