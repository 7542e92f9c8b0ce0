// Package messenger is the surface the UI talks to. It builds one messaging
// session (store, connection, delivery loop) for the signed-in identity and
// tears it down completely before another identity signs in.
package messenger

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/hooke003/sidekick/internal/client/conn"
	"github.com/hooke003/sidekick/internal/client/delivery"
	"github.com/hooke003/sidekick/internal/client/identity"
	"github.com/hooke003/sidekick/internal/client/media"
	"github.com/hooke003/sidekick/internal/client/store"
	"github.com/hooke003/sidekick/internal/protocol"
)

var ErrSignedOut = errors.New("no identity signed in")

const failureBuffer = 64

type Options struct {
	Dialer   conn.Dialer
	Resolver media.Resolver
	// Journal returns the message journal of an identity. Nil keeps
	// conversations in memory only.
	Journal    func(identity.Identity) store.Journal
	Conn       conn.Options
	Delivery   delivery.Options
	Registerer prometheus.Registerer
}

type Messenger struct {
	provider identity.Provider
	opts     Options
	log      logrus.FieldLogger

	connMetrics     *conn.Metrics
	deliveryMetrics *delivery.Metrics
	failures        chan delivery.Failure

	mu      sync.Mutex
	session *session
}

type session struct {
	identity identity.Identity
	manager  *conn.Manager
	store    *store.Store
	coord    *delivery.Coordinator
	cancel   context.CancelFunc
	done     chan struct{}
}

func New(provider identity.Provider, opts Options, log logrus.FieldLogger) *Messenger {
	return &Messenger{
		provider:        provider,
		opts:            opts,
		log:             log.WithField("component", "messenger"),
		connMetrics:     conn.NewMetrics(opts.Registerer),
		deliveryMetrics: delivery.NewMetrics(opts.Registerer),
		failures:        make(chan delivery.Failure, failureBuffer),
	}
}

// Start signs in whoever the identity provider reports and connects. A
// failed connection is not an error: the manager keeps retrying and the
// state is visible through ConnectionState.
func (m *Messenger) Start(ctx context.Context) (identity.Identity, error) {
	id, err := m.provider.Current(ctx)
	if err != nil {
		return identity.Identity{}, fmt.Errorf("current identity: %w", err)
	}
	if id == nil {
		return identity.Identity{}, ErrSignedOut
	}

	m.mu.Lock()
	if m.session != nil {
		if m.session.identity == *id {
			m.mu.Unlock()
			return *id, nil
		}
		m.teardownLocked(ctx)
	}
	s, err := m.open(*id)
	if err != nil {
		m.mu.Unlock()
		return identity.Identity{}, err
	}
	m.session = s
	m.mu.Unlock()

	if _, err := s.manager.Connect(ctx, *id); err != nil {
		m.log.WithFields(logrus.Fields{
			"user_id": id.ID,
			"error":   err.Error(),
		}).Warn("Initial connect failed, retrying in background")
	}
	return *id, nil
}

// SwitchIdentity tears down the current session and starts one for whoever
// is signed in now. In-flight messages of the old identity end Failed.
func (m *Messenger) SwitchIdentity(ctx context.Context) (identity.Identity, error) {
	m.mu.Lock()
	m.teardownLocked(ctx)
	m.mu.Unlock()
	return m.Start(ctx)
}

// Logout ends the current session. Its unresolved messages end Failed.
func (m *Messenger) Logout(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.teardownLocked(ctx)
}

// Close ends the current session on application exit. Unresolved messages
// stay in the journal and go out the next time the identity starts. The
// messenger may be started again.
func (m *Messenger) Close(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeLocked(ctx, (*delivery.Coordinator).Close)
}

func (m *Messenger) open(id identity.Identity) (*session, error) {
	var journal store.Journal
	if m.opts.Journal != nil {
		journal = m.opts.Journal(id)
	}
	st := store.New(id.ID, journal, m.log)
	if err := st.Restore(); err != nil {
		return nil, err
	}

	manager := conn.NewManager(m.opts.Dialer, m.opts.Conn, m.log, m.connMetrics)
	coord := delivery.New(id, manager, st, m.opts.Resolver, m.opts.Delivery, m.log, m.deliveryMetrics)

	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		identity: id,
		manager:  manager,
		store:    st,
		coord:    coord,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go func() {
		defer close(s.done)
		if err := coord.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			m.log.WithField("error", err.Error()).Error("Delivery loop exited")
		}
	}()
	go m.forwardFailures(s)

	m.log.WithFields(logrus.Fields{
		"user_id":  id.ID,
		"username": id.Username,
	}).Info("Session opened")
	return s, nil
}

func (m *Messenger) forwardFailures(s *session) {
	forward := func(f delivery.Failure) {
		select {
		case m.failures <- f:
		default:
		}
	}
	for {
		select {
		case f := <-s.coord.Failures():
			forward(f)
		case <-s.done:
			for {
				select {
				case f := <-s.coord.Failures():
					forward(f)
				default:
					return
				}
			}
		}
	}
}

func (m *Messenger) teardownLocked(ctx context.Context) {
	m.closeLocked(ctx, (*delivery.Coordinator).Shutdown)
}

func (m *Messenger) closeLocked(ctx context.Context, stop func(*delivery.Coordinator, context.Context) error) {
	s := m.session
	if s == nil {
		return
	}
	m.session = nil

	if err := stop(s.coord, ctx); err != nil {
		m.log.WithField("error", err.Error()).Warn("Delivery shutdown interrupted")
	}
	s.cancel()
	<-s.done
	s.manager.Close()
	s.store.Close()
	m.log.WithField("user_id", s.identity.ID).Info("Session closed")
}

func (m *Messenger) current() (*session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return nil, ErrSignedOut
	}
	return m.session, nil
}

// Identity returns the signed-in identity.
func (m *Messenger) Identity() (identity.Identity, bool) {
	s, err := m.current()
	if err != nil {
		return identity.Identity{}, false
	}
	return s.identity, true
}

// Failures yields per-message failures of every session.
func (m *Messenger) Failures() <-chan delivery.Failure {
	return m.failures
}

func (m *Messenger) SendText(ctx context.Context, recipientID, text string) (protocol.Message, error) {
	s, err := m.current()
	if err != nil {
		return protocol.Message{}, err
	}
	return s.coord.SendText(ctx, recipientID, text)
}

func (m *Messenger) SendMedia(ctx context.Context, recipientID string, asset media.Asset) (protocol.Message, error) {
	s, err := m.current()
	if err != nil {
		return protocol.Message{}, err
	}
	return s.coord.SendMedia(ctx, recipientID, asset)
}

// PickAndSend asks picker for an attachment and sends it. A cancelled pick
// returns media.ErrCancelled and sends nothing.
func (m *Messenger) PickAndSend(ctx context.Context, picker media.Picker, recipientID string) (protocol.Message, error) {
	if _, err := m.current(); err != nil {
		return protocol.Message{}, err
	}
	asset, err := picker.Pick(ctx)
	if err != nil {
		return protocol.Message{}, err
	}
	return m.SendMedia(ctx, recipientID, asset)
}

func (m *Messenger) Resend(ctx context.Context, messageID string) error {
	s, err := m.current()
	if err != nil {
		return err
	}
	return s.coord.Resend(ctx, messageID)
}

// Subscribe streams a conversation: a snapshot first, then every change.
func (m *Messenger) Subscribe(ctx context.Context, conversationID string) (<-chan store.Update, error) {
	s, err := m.current()
	if err != nil {
		return nil, err
	}
	return s.store.Subscribe(ctx, conversationID), nil
}

func (m *Messenger) Conversation(conversationID string) ([]protocol.Message, error) {
	s, err := m.current()
	if err != nil {
		return nil, err
	}
	return s.store.Conversation(conversationID), nil
}

func (m *Messenger) Conversations() ([]store.Summary, error) {
	s, err := m.current()
	if err != nil {
		return nil, err
	}
	return s.store.Conversations(), nil
}

func (m *Messenger) MarkRead(conversationID string) {
	if s, err := m.current(); err == nil {
		s.store.MarkRead(conversationID)
	}
}

// ConnectionState is Disconnected with ErrSignedOut when nobody is signed in.
func (m *Messenger) ConnectionState() conn.Connection {
	s, err := m.current()
	if err != nil {
		return conn.Connection{State: conn.Disconnected, LastError: err}
	}
	return s.manager.State()
}

// WatchConnection streams the connection state of the current session. The
// channel closes when ctx is done or the session ends.
func (m *Messenger) WatchConnection(ctx context.Context) (<-chan conn.Connection, error) {
	s, err := m.current()
	if err != nil {
		return nil, err
	}
	return s.manager.WatchState(ctx), nil
}

// Reconnect is the manual retry after automatic reconnection gave up.
func (m *Messenger) Reconnect(ctx context.Context) (conn.Connection, error) {
	s, err := m.current()
	if err != nil {
		return conn.Connection{}, err
	}
	return s.manager.Reconnect(ctx)
}
