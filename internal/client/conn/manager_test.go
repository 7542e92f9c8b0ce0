package conn_test

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/hooke003/sidekick/internal/client/conn"
	"github.com/hooke003/sidekick/internal/client/conn/conntest"
	"github.com/hooke003/sidekick/internal/client/identity"
	"github.com/hooke003/sidekick/internal/client/mocks"
)

var alice = identity.Identity{ID: "u-alice", Username: "alice"}

func quietLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func fastOptions(maxAttempts int) conn.Options {
	return conn.Options{
		Backoff:              conn.Backoff{Base: 5 * time.Millisecond, Factor: 1, Cap: 5 * time.Millisecond},
		MaxReconnectAttempts: maxAttempts,
		DialTimeout:          time.Second,
	}
}

func newManager(t *testing.T, d conn.Dialer, opts conn.Options) *conn.Manager {
	t.Helper()
	m := conn.NewManager(d, opts, quietLogger(), nil)
	t.Cleanup(m.Close)
	return m
}

func TestConnectPublishesStates(t *testing.T) {
	req := require.New(t)
	net := conntest.NewNetwork()
	m := newManager(t, net, fastOptions(3))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	states := m.WatchState(ctx)
	req.Equal(conn.Disconnected, (<-states).State)

	c, err := m.Connect(ctx, alice)
	req.NoError(err)
	req.Equal(conn.Connected, c.State)
	req.Equal(alice, c.Identity)

	req.Equal(conn.Connecting, (<-states).State)
	req.Equal(conn.Connected, (<-states).State)

	peer, ok := net.Accept(time.Second)
	req.True(ok)
	req.Equal(alice, peer.Identity)
}

func TestSendRequiresConnection(t *testing.T) {
	m := newManager(t, conntest.NewNetwork(), fastOptions(3))
	err := m.Send(context.Background(), []byte(`{}`))
	require.ErrorIs(t, err, conn.ErrNotConnected)
}

func TestSendAndReceiveFrames(t *testing.T) {
	req := require.New(t)
	net := conntest.NewNetwork()
	m := newManager(t, net, fastOptions(3))

	_, err := m.Connect(context.Background(), alice)
	req.NoError(err)
	peer, ok := net.Accept(time.Second)
	req.True(ok)

	req.NoError(m.Send(context.Background(), []byte("out")))
	got, ok := peer.Next(time.Second)
	req.True(ok)
	req.Equal("out", string(got))

	req.True(peer.Deliver([]byte("in")))
	select {
	case f := <-m.Frames():
		req.Equal("in", string(f))
	case <-time.After(time.Second):
		t.Fatal("inbound frame not delivered")
	}
}

func TestReconnectsAfterUnexpectedClosure(t *testing.T) {
	req := require.New(t)
	net := conntest.NewNetwork()
	m := newManager(t, net, fastOptions(3))
	frames := m.Frames()

	_, err := m.Connect(context.Background(), alice)
	req.NoError(err)
	first, _ := net.Accept(time.Second)
	first.Drop()

	second, ok := net.Accept(time.Second)
	req.True(ok, "manager did not redial")
	req.Eventually(func() bool { return m.State().State == conn.Connected }, time.Second, 5*time.Millisecond)
	req.Equal(0, m.State().Attempt)

	// The inbound channel survives reconnects.
	req.True(second.Deliver([]byte("after")))
	select {
	case f := <-frames:
		req.Equal("after", string(f))
	case <-time.After(time.Second):
		t.Fatal("frame lost after reconnect")
	}
}

func TestReconnectExhaustion(t *testing.T) {
	req := require.New(t)
	net := conntest.NewNetwork()
	net.FailDials(-1, nil)
	reg := prometheus.NewRegistry()
	metrics := conn.NewMetrics(reg)
	m := conn.NewManager(net, fastOptions(3), quietLogger(), metrics)
	defer m.Close()

	c, err := m.Connect(context.Background(), alice)
	req.ErrorIs(err, conntest.ErrRefused)
	req.Equal(conn.Disconnected, c.State)

	req.Eventually(func() bool { return m.State().Exhausted() }, 2*time.Second, 5*time.Millisecond)
	req.ErrorIs(m.State().LastError, conn.ErrConnectivityExhausted)
	req.Equal(4, net.Dials(), "initial dial plus three reconnects")
	req.Equal(float64(1), testutil.ToFloat64(metrics.Exhausted))
	req.Equal(float64(4), testutil.ToFloat64(metrics.Dials.WithLabelValues("error")))

	// Manual reconnect resets the budget.
	net.FailDials(0, nil)
	c, err = m.Reconnect(context.Background())
	req.NoError(err)
	req.Equal(conn.Connected, c.State)
	req.Zero(c.Attempt)
}

func TestDisconnectCancelsPendingReconnect(t *testing.T) {
	req := require.New(t)
	net := conntest.NewNetwork()
	net.FailDials(-1, nil)
	opts := fastOptions(5)
	opts.Backoff = conn.Backoff{Base: 50 * time.Millisecond, Factor: 1}
	m := newManager(t, net, opts)

	_, err := m.Connect(context.Background(), alice)
	req.Error(err)

	m.Disconnect()
	m.Disconnect()
	time.Sleep(150 * time.Millisecond)

	req.Equal(1, net.Dials())
	st := m.State()
	req.Equal(conn.Disconnected, st.State)
	req.NoError(st.LastError)
}

func TestDisconnectClosesTransportOnce(t *testing.T) {
	ctrl := gomock.NewController(t)
	dialer := mocks.NewMockDialer(ctrl)
	transport := mocks.NewMockTransport(ctrl)

	released := make(chan struct{})
	reading := make(chan struct{}, 1)
	dialer.EXPECT().Dial(gomock.Any(), alice).Return(transport, nil)
	transport.EXPECT().ReadFrame(gomock.Any()).DoAndReturn(func(ctx context.Context) ([]byte, error) {
		reading <- struct{}{}
		<-released
		return nil, io.EOF
	}).Times(1)
	transport.EXPECT().Close().DoAndReturn(func() error {
		close(released)
		return nil
	}).Times(1)

	m := conn.NewManager(dialer, fastOptions(3), quietLogger(), nil)
	_, err := m.Connect(context.Background(), alice)
	require.NoError(t, err)
	<-reading

	m.Disconnect()
	m.Disconnect()
	m.Close()
	assert.Equal(t, conn.Disconnected, m.State().State)
}

func TestSendWrapsTransportError(t *testing.T) {
	ctrl := gomock.NewController(t)
	dialer := mocks.NewMockDialer(ctrl)
	transport := mocks.NewMockTransport(ctrl)
	broken := errors.New("broken pipe")

	block := make(chan struct{})
	reading := make(chan struct{}, 1)
	dialer.EXPECT().Dial(gomock.Any(), gomock.Any()).Return(transport, nil)
	transport.EXPECT().ReadFrame(gomock.Any()).DoAndReturn(func(ctx context.Context) ([]byte, error) {
		reading <- struct{}{}
		<-block
		return nil, io.EOF
	}).Times(1)
	transport.EXPECT().WriteFrame(gomock.Any(), []byte("x")).Return(broken)
	transport.EXPECT().Close().DoAndReturn(func() error {
		close(block)
		return nil
	})

	m := conn.NewManager(dialer, fastOptions(3), quietLogger(), nil)
	defer m.Close()
	_, err := m.Connect(context.Background(), alice)
	require.NoError(t, err)
	<-reading

	err = m.Send(context.Background(), []byte("x"))
	require.ErrorIs(t, err, broken)
}

func TestWatchStateClosesWithContext(t *testing.T) {
	m := newManager(t, conntest.NewNetwork(), fastOptions(3))
	ctx, cancel := context.WithCancel(context.Background())
	states := m.WatchState(ctx)
	<-states
	cancel()

	require.Eventually(t, func() bool {
		select {
		case _, ok := <-states:
			return !ok
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}
