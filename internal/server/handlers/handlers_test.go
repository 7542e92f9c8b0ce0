package handlers_test

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/hooke003/sidekick/internal/protocol"
	"github.com/hooke003/sidekick/internal/server/handlers"
	"github.com/hooke003/sidekick/internal/server/models"
	"github.com/hooke003/sidekick/internal/server/ratelimit"
	"github.com/hooke003/sidekick/internal/server/storage"
	"github.com/hooke003/sidekick/internal/server/ws"
)

const wait = 2 * time.Second

type relay struct {
	t       *testing.T
	srv     *httptest.Server
	store   *storage.Memory
	metrics *ws.Metrics
	codec   protocol.Codec
}

func newRelay(t *testing.T, limits ratelimit.Limits) *relay {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)

	if limits.ConnectionsPerIP == 0 {
		limits = ratelimit.Limits{ConnectionsPerIP: 10, AuthPerMinute: 100, MessagesPerSecond: 1000, MessageBurst: 1000}
	}
	reg := prometheus.NewRegistry()
	r := &relay{
		t:       t,
		store:   storage.NewMemory(),
		metrics: ws.NewMetrics(reg),
		codec:   protocol.NewCodec(0),
	}
	hub := ws.NewHub(r.store, r.codec, log, r.metrics)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	h := handlers.New(hub, r.store, ratelimit.New(limits), bcrypt.MinCost, log)
	r.srv = httptest.NewServer(h.Routes(reg))
	t.Cleanup(func() {
		cancel()
		r.srv.Close()
	})
	return r
}

func (r *relay) post(path string, body any) *http.Response {
	r.t.Helper()
	data, err := json.Marshal(body)
	require.NoError(r.t, err)
	resp, err := http.Post(r.srv.URL+path, "application/json", bytes.NewReader(data))
	require.NoError(r.t, err)
	r.t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (r *relay) register(username string) models.User {
	r.t.Helper()
	resp := r.post("/register", models.Credentials{Username: username, Password: "secret-" + username})
	require.Equal(r.t, http.StatusCreated, resp.StatusCode)
	var u models.User
	require.NoError(r.t, json.NewDecoder(resp.Body).Decode(&u))
	return u
}

func basicAuth(username, password string) http.Header {
	token := base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
	return http.Header{"Authorization": {"Basic " + token}}
}

func (r *relay) dial(u models.User) *websocket.Conn {
	r.t.Helper()
	url := "ws" + strings.TrimPrefix(r.srv.URL, "http") + "/ws"
	c, resp, err := websocket.DefaultDialer.Dial(url, basicAuth(u.Username, "secret-"+u.Username))
	require.NoError(r.t, err)
	resp.Body.Close()
	r.t.Cleanup(func() { c.Close() })
	return c
}

func (r *relay) message(from, to models.User, text string) protocol.Message {
	return protocol.Message{
		ID:          protocol.NewMessageID(),
		SenderID:    from.ID,
		RecipientID: to.ID,
		Kind:        protocol.KindText,
		Text:        text,
		CreatedAt:   time.Now(),
	}
}

func (r *relay) send(c *websocket.Conn, m protocol.Message) {
	r.t.Helper()
	data, err := r.codec.Encode(m)
	require.NoError(r.t, err)
	require.NoError(r.t, c.WriteMessage(websocket.TextMessage, data))
}

func (r *relay) read(c *websocket.Conn) protocol.Frame {
	r.t.Helper()
	require.NoError(r.t, c.SetReadDeadline(time.Now().Add(wait)))
	_, data, err := c.ReadMessage()
	require.NoError(r.t, err)
	frame, err := r.codec.Decode(data)
	require.NoError(r.t, err)
	return frame
}

func (r *relay) expectNothing(c *websocket.Conn) {
	r.t.Helper()
	require.NoError(r.t, c.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, data, err := c.ReadMessage()
	require.Error(r.t, err, "unexpected frame %s", data)
}

func TestAccounts(t *testing.T) {
	req := require.New(t)
	r := newRelay(t, ratelimit.Limits{})

	alice := r.register("alice")
	req.NotEmpty(alice.ID)

	resp := r.post("/register", models.Credentials{Username: "alice", Password: "another-one"})
	req.Equal(http.StatusConflict, resp.StatusCode)

	resp = r.post("/register", models.Credentials{Username: "x", Password: "short"})
	req.Equal(http.StatusBadRequest, resp.StatusCode)

	resp = r.post("/login", models.Credentials{Username: "alice", Password: "secret-alice"})
	req.Equal(http.StatusOK, resp.StatusCode)
	var got models.User
	req.NoError(json.NewDecoder(resp.Body).Decode(&got))
	req.Equal(alice.ID, got.ID)

	resp = r.post("/login", models.Credentials{Username: "alice", Password: "wrong-password"})
	req.Equal(http.StatusUnauthorized, resp.StatusCode)

	lookup, err := http.Get(r.srv.URL + "/users/alice")
	req.NoError(err)
	defer lookup.Body.Close()
	req.Equal(http.StatusOK, lookup.StatusCode)

	missing, err := http.Get(r.srv.URL + "/users/nobody")
	req.NoError(err)
	defer missing.Body.Close()
	req.Equal(http.StatusNotFound, missing.StatusCode)
}

func TestLoginRateLimited(t *testing.T) {
	r := newRelay(t, ratelimit.Limits{ConnectionsPerIP: 10, AuthPerMinute: 2, MessagesPerSecond: 1, MessageBurst: 1})
	for i := 0; i < 2; i++ {
		resp := r.post("/login", models.Credentials{Username: "ghost", Password: "whatever"})
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	}
	resp := r.post("/login", models.Credentials{Username: "ghost", Password: "whatever"})
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestWebSocketRequiresCredentials(t *testing.T) {
	r := newRelay(t, ratelimit.Limits{})
	r.register("alice")
	url := "ws" + strings.TrimPrefix(r.srv.URL, "http") + "/ws"

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(url, basicAuth("alice", "not-it"))
	require.Error(t, err)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRelayRoutesAndAcks(t *testing.T) {
	req := require.New(t)
	r := newRelay(t, ratelimit.Limits{})
	alice, bob := r.register("alice"), r.register("bob")
	a, b := r.dial(alice), r.dial(bob)

	m := r.message(alice, bob, "hi bob")
	r.send(a, m)

	ack := r.read(a)
	req.Equal(protocol.FrameAck, ack.Type)
	req.Equal(m.ID, ack.Ack.AckFor)
	req.NotNil(ack.Ack.ServerTimestamp)

	in := r.read(b)
	req.Equal(protocol.FrameMessage, in.Type)
	req.Equal(m.ID, in.Message.ID)
	req.Equal("hi bob", in.Message.Text)
	req.Equal(alice.ID, in.Message.SenderID)

	req.Eventually(func() bool {
		pending, err := r.store.Undelivered(context.Background(), bob.ID)
		return err == nil && len(pending) == 0
	}, wait, 5*time.Millisecond)

	// A retransmission is acked with the original server time and not
	// delivered twice.
	r.send(a, m)
	again := r.read(a)
	req.True(ack.Ack.ServerTimestamp.Equal(*again.Ack.ServerTimestamp))
	r.expectNothing(b)
}

func TestRelayReplaysUndelivered(t *testing.T) {
	req := require.New(t)
	r := newRelay(t, ratelimit.Limits{})
	alice, bob := r.register("alice"), r.register("bob")
	a := r.dial(alice)

	first := r.message(alice, bob, "one")
	second := r.message(alice, bob, "two")
	for _, m := range []protocol.Message{first, second} {
		r.send(a, m)
		req.Equal(m.ID, r.read(a).Ack.AckFor)
	}

	b := r.dial(bob)
	req.Equal(first.ID, r.read(b).Message.ID)
	req.Equal(second.ID, r.read(b).Message.ID)
	req.Eventually(func() bool {
		return testutil.ToFloat64(r.metrics.Replayed) == 2
	}, wait, 5*time.Millisecond)
	req.NoError(b.Close())

	req.Eventually(func() bool {
		pending, err := r.store.Undelivered(context.Background(), bob.ID)
		return err == nil && len(pending) == 0
	}, wait, 5*time.Millisecond)
	r.expectNothing(r.dial(bob))
}

func TestRelayDropsBadFrames(t *testing.T) {
	req := require.New(t)
	r := newRelay(t, ratelimit.Limits{})
	alice, bob := r.register("alice"), r.register("bob")
	a := r.dial(alice)

	req.NoError(a.WriteMessage(websocket.TextMessage, []byte(`{"type":"message","id":`)))
	req.NoError(a.WriteMessage(websocket.TextMessage, []byte(`{"type":"presence"}`)))
	ackFrame, err := r.codec.EncodeAck(protocol.Ack{AckFor: "whatever"})
	req.NoError(err)
	req.NoError(a.WriteMessage(websocket.TextMessage, ackFrame))
	r.send(a, r.message(bob, alice, "spoofed"))

	// The connection survives and the next valid frame is acked.
	m := r.message(alice, bob, "still here")
	r.send(a, m)
	req.Equal(m.ID, r.read(a).Ack.AckFor)

	req.Equal(2.0, testutil.ToFloat64(r.metrics.Dropped.WithLabelValues("malformed")))
	req.Equal(1.0, testutil.ToFloat64(r.metrics.Dropped.WithLabelValues("unexpected_ack")))
	req.Equal(1.0, testutil.ToFloat64(r.metrics.Dropped.WithLabelValues("sender_mismatch")))
}

func TestNewConnectionReplacesOld(t *testing.T) {
	req := require.New(t)
	r := newRelay(t, ratelimit.Limits{})
	alice, bob := r.register("alice"), r.register("bob")
	old := r.dial(bob)
	current := r.dial(bob)

	req.NoError(old.SetReadDeadline(time.Now().Add(wait)))
	_, _, err := old.ReadMessage()
	req.True(websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)

	a := r.dial(alice)
	m := r.message(alice, bob, "to the new one")
	r.send(a, m)
	req.Equal(m.ID, r.read(current).Message.ID)
	req.Equal(1.0, testutil.ToFloat64(r.metrics.Replaced))
}

func TestHealthAndMetrics(t *testing.T) {
	r := newRelay(t, ratelimit.Limits{})
	resp, err := http.Get(r.srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(r.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "sidekick_relay_connections")
}
