// Package ws relays message frames between connected users. The Hub owns the
// set of live connections; each Client runs a read pump and a write pump.
package ws

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hooke003/sidekick/internal/protocol"
	"github.com/hooke003/sidekick/internal/server/models"
	"github.com/hooke003/sidekick/internal/server/storage"
)

const (
	sendBuffer   = 256
	storeTimeout = 5 * time.Second
	replayPause  = 20 * time.Millisecond
)

type outbound struct {
	frame []byte
	// envelopeID is set for message frames. The message counts as delivered
	// once the frame is written.
	envelopeID string
}

type result uint8

const (
	queued result = iota
	offline
	full
)

type delivery struct {
	userID string
	// client pins the delivery to one connection. It is skipped if that
	// connection is no longer the user's current one.
	client *Client
	out    outbound
	// reply makes a full buffer a result instead of evicting the client.
	reply chan result
}

type Hub struct {
	store   storage.Store
	codec   protocol.Codec
	log     logrus.FieldLogger
	metrics *Metrics

	register   chan *Client
	unregister chan *Client
	deliver    chan delivery
	done       chan struct{}

	// Owned by Run.
	clients map[string]*Client
}

func NewHub(store storage.Store, codec protocol.Codec, log logrus.FieldLogger, metrics *Metrics) *Hub {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Hub{
		store:      store,
		codec:      codec,
		log:        log.WithField("component", "hub"),
		metrics:    metrics,
		register:   make(chan *Client),
		unregister: make(chan *Client),
		deliver:    make(chan delivery),
		done:       make(chan struct{}),
		clients:    make(map[string]*Client),
	}
}

// Run serves registrations and deliveries until ctx is done, then closes
// every connection.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case client := <-h.register:
			if old, ok := h.clients[client.UserID]; ok {
				close(old.send)
				h.metrics.Replaced.Inc()
				h.log.WithFields(logrus.Fields{
					"user_id": client.UserID,
					"old_ip":  old.IP,
					"new_ip":  client.IP,
				}).Info("Connection replaced")
			} else {
				h.metrics.Connections.Inc()
			}
			h.clients[client.UserID] = client

		case client := <-h.unregister:
			if cur, ok := h.clients[client.UserID]; ok && cur == client {
				h.remove(client)
			}

		case d := <-h.deliver:
			r := h.route(d)
			if d.reply != nil {
				d.reply <- r
			}

		case <-ctx.Done():
			for _, client := range h.clients {
				h.remove(client)
			}
			return
		}
	}
}

func (h *Hub) remove(c *Client) {
	delete(h.clients, c.UserID)
	close(c.send)
	h.metrics.Connections.Dec()
}

func (h *Hub) route(d delivery) result {
	target := d.client
	if target == nil {
		target = h.clients[d.userID]
	} else if h.clients[target.UserID] != target {
		target = nil
	}
	if target == nil {
		return offline
	}
	select {
	case target.send <- d.out:
		return queued
	default:
	}
	if d.reply != nil {
		return full
	}
	h.log.WithField("user_id", target.UserID).Warn("Dropping slow client")
	h.remove(target)
	return offline
}

func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
		close(c.send)
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

func (h *Hub) submit(d delivery) {
	select {
	case h.deliver <- d:
	case <-h.done:
	}
}

// Relay forwards a stored message to its recipient if they are connected.
// Offline recipients get it on their next connect.
func (h *Hub) Relay(env models.Envelope) {
	h.submit(delivery{userID: env.RecipientID, out: outbound{frame: env.Frame, envelopeID: env.ID}})
}

// Ack answers the sender on the connection the message arrived on.
func (h *Hub) Ack(c *Client, env models.Envelope) error {
	ts := env.ReceivedAt
	frame, err := h.codec.EncodeAck(protocol.Ack{AckFor: env.ID, ServerTimestamp: &ts})
	if err != nil {
		return fmt.Errorf("encode ack: %w", err)
	}
	h.submit(delivery{client: c, out: outbound{frame: frame}})
	return nil
}

// Replay queues every undelivered message of c's user, oldest first, at the
// pace c's connection drains them.
func (h *Hub) Replay(ctx context.Context, c *Client) error {
	loadCtx, cancel := context.WithTimeout(ctx, storeTimeout)
	pending, err := h.store.Undelivered(loadCtx, c.UserID)
	cancel()
	if err != nil {
		return fmt.Errorf("replay for %s: %w", c.UserID, err)
	}

	reply := make(chan result, 1)
	for _, env := range pending {
		for {
			select {
			case h.deliver <- delivery{client: c, out: outbound{frame: env.Frame, envelopeID: env.ID}, reply: reply}:
			case <-h.done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
			r := <-reply
			if r == offline {
				return nil
			}
			if r == queued {
				h.metrics.Replayed.Inc()
				break
			}
			select {
			case <-time.After(replayPause):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	if len(pending) > 0 {
		h.log.WithFields(logrus.Fields{
			"user_id":  c.UserID,
			"messages": len(pending),
		}).Info("Replayed undelivered messages")
	}
	return nil
}
