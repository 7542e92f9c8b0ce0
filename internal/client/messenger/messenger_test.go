package messenger_test

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/hooke003/sidekick/internal/client/archive"
	"github.com/hooke003/sidekick/internal/client/conn"
	"github.com/hooke003/sidekick/internal/client/conn/conntest"
	"github.com/hooke003/sidekick/internal/client/delivery"
	"github.com/hooke003/sidekick/internal/client/identity"
	"github.com/hooke003/sidekick/internal/client/media"
	"github.com/hooke003/sidekick/internal/client/messenger"
	"github.com/hooke003/sidekick/internal/client/mocks"
	"github.com/hooke003/sidekick/internal/client/store"
	"github.com/hooke003/sidekick/internal/protocol"
)

var (
	alice = identity.Identity{ID: "u-alice", Username: "alice"}
	bob   = identity.Identity{ID: "u-bob", Username: "bob"}
)

const wait = 2 * time.Second

func quietLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func newMessenger(t *testing.T, provider identity.Provider, resolver media.Resolver) (*messenger.Messenger, *conntest.Network) {
	t.Helper()
	network := conntest.NewNetwork()
	m := messenger.New(provider, messenger.Options{
		Dialer:   network,
		Resolver: resolver,
		Conn: conn.Options{
			Backoff: conn.Backoff{Base: 5 * time.Millisecond, Factor: 1},
		},
		Delivery:   delivery.Options{AckTimeout: time.Minute},
		Registerer: prometheus.NewRegistry(),
	}, quietLogger())
	t.Cleanup(func() { m.Close(context.Background()) })
	return m, network
}

func decode(t *testing.T, data []byte) protocol.Message {
	t.Helper()
	frame, err := protocol.NewCodec(0).Decode(data)
	require.NoError(t, err)
	require.Equal(t, protocol.FrameMessage, frame.Type)
	return *frame.Message
}

func TestStartWithoutIdentity(t *testing.T) {
	ctrl := gomock.NewController(t)
	provider := mocks.NewMockProvider(ctrl)
	provider.EXPECT().Current(gomock.Any()).Return(nil, nil)

	m, network := newMessenger(t, provider, nil)
	_, err := m.Start(context.Background())
	require.ErrorIs(t, err, messenger.ErrSignedOut)
	require.Zero(t, network.Dials())

	_, err = m.SendText(context.Background(), bob.ID, "hi")
	require.ErrorIs(t, err, messenger.ErrSignedOut)
	require.ErrorIs(t, m.ConnectionState().LastError, messenger.ErrSignedOut)
}

func TestStartPropagatesProviderError(t *testing.T) {
	ctrl := gomock.NewController(t)
	provider := mocks.NewMockProvider(ctrl)
	boom := errors.New("keyring locked")
	provider.EXPECT().Current(gomock.Any()).Return(nil, boom)

	m, _ := newMessenger(t, provider, nil)
	_, err := m.Start(context.Background())
	require.ErrorIs(t, err, boom)
}

func TestStartConnectsAndSends(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	provider := mocks.NewMockProvider(ctrl)
	provider.EXPECT().Current(gomock.Any()).Return(&alice, nil).Times(2)

	m, network := newMessenger(t, provider, nil)
	id, err := m.Start(context.Background())
	req.NoError(err)
	req.Equal(alice, id)

	// Starting again for the same identity keeps the session.
	_, err = m.Start(context.Background())
	req.NoError(err)
	req.Equal(1, network.Dials())

	peer, ok := network.Accept(wait)
	req.True(ok)
	req.Equal(alice, peer.Identity)
	req.Equal(conn.Connected, m.ConnectionState().State)

	sent, err := m.SendText(context.Background(), bob.ID, "hello")
	req.NoError(err)
	data, ok := peer.Next(wait)
	req.True(ok)
	req.Equal(sent.ID, decode(t, data).ID)

	summaries, err := m.Conversations()
	req.NoError(err)
	req.Len(summaries, 1)
	req.Equal(bob.ID, summaries[0].Counterparty)

	ack, err := protocol.NewCodec(0).EncodeAck(protocol.Ack{AckFor: sent.ID})
	req.NoError(err)
	req.True(peer.Deliver(ack))
	req.Eventually(func() bool {
		conv, err := m.Conversation(sent.ConversationID)
		return err == nil && len(conv) == 1 && conv[0].State == protocol.StateDelivered
	}, wait, 2*time.Millisecond)
}

func TestStartSurvivesUnreachableRelay(t *testing.T) {
	ctrl := gomock.NewController(t)
	provider := mocks.NewMockProvider(ctrl)
	provider.EXPECT().Current(gomock.Any()).Return(&alice, nil)

	m, network := newMessenger(t, provider, nil)
	network.FailDials(-1, nil)
	id, err := m.Start(context.Background())
	require.NoError(t, err)
	require.Equal(t, alice, id)

	sent, err := m.SendText(context.Background(), bob.ID, "queued")
	require.NoError(t, err)
	require.Equal(t, protocol.StatePending, sent.State)
}

func TestCloseKeepsOutboxForNextStart(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	provider := mocks.NewMockProvider(ctrl)
	provider.EXPECT().Current(gomock.Any()).Return(&alice, nil).Times(2)

	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	req.NoError(err)
	t.Cleanup(func() { db.Close() })
	journal := archive.New(db, alice.ID, quietLogger())

	network := conntest.NewNetwork()
	m := messenger.New(provider, messenger.Options{
		Dialer: network,
		Conn: conn.Options{
			Backoff: conn.Backoff{Base: 5 * time.Millisecond, Factor: 1},
		},
		Journal:    func(identity.Identity) store.Journal { return journal },
		Delivery:   delivery.Options{AckTimeout: time.Minute},
		Registerer: prometheus.NewRegistry(),
	}, quietLogger())
	t.Cleanup(func() { m.Close(context.Background()) })

	network.FailDials(-1, nil)
	_, err = m.Start(context.Background())
	req.NoError(err)
	sent, err := m.SendText(context.Background(), bob.ID, "typed offline")
	req.NoError(err)

	m.Close(context.Background())
	kept, err := journal.Get(sent.ID)
	req.NoError(err)
	req.Equal(protocol.StatePending, kept.State)
	req.Empty(kept.Failure)

	network.FailDials(0, nil)
	_, err = m.Start(context.Background())
	req.NoError(err)
	peer, ok := network.Accept(wait)
	req.True(ok)
	data, ok := peer.Next(wait)
	req.True(ok)
	req.Equal(sent.ID, decode(t, data).ID)
}

func TestSwitchIdentityFailsOldInFlightMessages(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	provider := mocks.NewMockProvider(ctrl)
	gomock.InOrder(
		provider.EXPECT().Current(gomock.Any()).Return(&alice, nil),
		provider.EXPECT().Current(gomock.Any()).Return(&bob, nil),
	)

	m, network := newMessenger(t, provider, nil)
	_, err := m.Start(context.Background())
	req.NoError(err)
	first, ok := network.Accept(wait)
	req.True(ok)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	updates, err := m.Subscribe(ctx, store.AllConversations)
	req.NoError(err)
	<-updates

	sent, err := m.SendText(context.Background(), bob.ID, "never acked")
	req.NoError(err)
	_, ok = first.Next(wait)
	req.True(ok)

	id, err := m.SwitchIdentity(context.Background())
	req.NoError(err)
	req.Equal(bob, id)

	select {
	case f := <-m.Failures():
		req.Equal(sent.ID, f.MessageID)
		req.ErrorIs(f.Err, delivery.ErrSessionClosed)
	case <-time.After(wait):
		t.Fatal("in-flight message was not failed")
	}

	// The old session's subscription ends with it.
	req.Eventually(func() bool {
		for {
			select {
			case _, open := <-updates:
				if !open {
					return true
				}
			default:
				return false
			}
		}
	}, wait, 2*time.Millisecond)
	req.True(first.Closed())

	second, ok := network.Accept(wait)
	req.True(ok)
	req.Equal(bob, second.Identity)

	// Nothing of the previous identity leaks into the new session.
	summaries, err := m.Conversations()
	req.NoError(err)
	req.Empty(summaries)
}

func TestLogoutEndsSession(t *testing.T) {
	ctrl := gomock.NewController(t)
	provider := mocks.NewMockProvider(ctrl)
	provider.EXPECT().Current(gomock.Any()).Return(&alice, nil)

	m, _ := newMessenger(t, provider, nil)
	_, err := m.Start(context.Background())
	require.NoError(t, err)

	m.Logout(context.Background())
	_, ok := m.Identity()
	require.False(t, ok)
	require.ErrorIs(t, m.Resend(context.Background(), "anything"), messenger.ErrSignedOut)
}

func TestPickAndSend(t *testing.T) {
	ctrl := gomock.NewController(t)
	provider := mocks.NewMockProvider(ctrl)
	provider.EXPECT().Current(gomock.Any()).Return(&alice, nil).AnyTimes()
	resolver := mocks.NewMockResolver(ctrl)

	asset := media.Asset{URI: "file:///tmp/cat.png", Kind: protocol.KindImage, Width: 4, Height: 3}

	t.Run("cancelled pick sends nothing", func(t *testing.T) {
		req := require.New(t)
		m, network := newMessenger(t, provider, resolver)
		_, err := m.Start(context.Background())
		req.NoError(err)
		peer, ok := network.Accept(wait)
		req.True(ok)

		picker := mocks.NewMockPicker(ctrl)
		picker.EXPECT().Pick(gomock.Any()).Return(media.Asset{}, media.ErrCancelled)

		_, err = m.PickAndSend(context.Background(), picker, bob.ID)
		req.ErrorIs(err, media.ErrCancelled)
		_, ok = peer.Next(50 * time.Millisecond)
		req.False(ok)
		summaries, err := m.Conversations()
		req.NoError(err)
		req.Empty(summaries)
	})

	t.Run("picked asset is resolved and sent", func(t *testing.T) {
		req := require.New(t)
		m, network := newMessenger(t, provider, resolver)
		_, err := m.Start(context.Background())
		req.NoError(err)
		peer, ok := network.Accept(wait)
		req.True(ok)

		picker := mocks.NewMockPicker(ctrl)
		picker.EXPECT().Pick(gomock.Any()).Return(asset, nil)
		resolver.EXPECT().Resolve(gomock.Any(), asset).
			Return(protocol.Media{URI: "file:///srv/cat.png", Width: 4, Height: 3}, nil)

		sent, err := m.PickAndSend(context.Background(), picker, bob.ID)
		req.NoError(err)
		req.Equal(protocol.KindImage, sent.Kind)

		data, ok := peer.Next(wait)
		req.True(ok)
		out := decode(t, data)
		req.Equal(sent.ID, out.ID)
		req.NotNil(out.Media)
		req.Equal("file:///srv/cat.png", out.Media.URI)
	})

	t.Run("signed out picks nothing", func(t *testing.T) {
		signedOut := mocks.NewMockProvider(ctrl)
		m, _ := newMessenger(t, signedOut, resolver)
		// No expectation on Pick: the picker must not be consulted.
		_, err := m.PickAndSend(context.Background(), mocks.NewMockPicker(ctrl), bob.ID)
		require.ErrorIs(t, err, messenger.ErrSignedOut)
	})
}
