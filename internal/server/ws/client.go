package ws

import (
	"context"
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/hooke003/sidekick/internal/protocol"
	"github.com/hooke003/sidekick/internal/server/models"
	"github.com/hooke003/sidekick/internal/server/ratelimit"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

type Client struct {
	Hub      *Hub
	Conn     *websocket.Conn
	UserID   string
	Username string
	IP       string
	Limiter  *ratelimit.RateLimiter

	send chan outbound
	log  logrus.FieldLogger
}

func NewClient(hub *Hub, conn *websocket.Conn, user models.User, ip string, limiter *ratelimit.RateLimiter) *Client {
	return &Client{
		Hub:      hub,
		Conn:     conn,
		UserID:   user.ID,
		Username: user.Username,
		IP:       ip,
		Limiter:  limiter,
		send:     make(chan outbound, sendBuffer),
		log: hub.log.WithFields(logrus.Fields{
			"user_id": user.ID,
			"ip":      ip,
		}),
	}
}

func (c *Client) ReadPump() {
	defer func() {
		c.Hub.Unregister(c)
		c.Conn.Close()
	}()

	// Oversized frames are rejected by the codec, not by closing the socket.
	c.Conn.SetReadLimit(int64(4 * c.Hub.codec.MaxFrameBytes))
	_ = c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		return c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.WithField("error", err.Error()).Debug("Connection lost")
			}
			return
		}
		_ = c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		c.ProcessFrame(data)
	}
}

func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()
	for {
		select {
		case out, ok := <-c.send:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.Conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, out.frame); err != nil {
				return
			}
			if out.envelopeID != "" {
				c.markDelivered(out.envelopeID)
			}
		case <-ticker.C:
			if err := c.Conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// ProcessFrame handles one frame read from the connection. Frames that are
// not acceptable are dropped and the connection stays up.
func (c *Client) ProcessFrame(data []byte) {
	frame, err := c.Hub.codec.Decode(data)
	if err != nil {
		c.drop("malformed", logrus.Fields{"error": err.Error()})
		return
	}
	if frame.Type != protocol.FrameMessage {
		c.drop("unexpected_"+string(frame.Type), nil)
		return
	}
	m := frame.Message
	switch {
	case m.SenderID != c.UserID:
		c.drop("sender_mismatch", logrus.Fields{"message_id": m.ID, "sender_id": m.SenderID})
		return
	case m.RecipientID == c.UserID:
		c.drop("invalid_recipient", logrus.Fields{"message_id": m.ID})
		return
	case !c.Limiter.AllowMessage(c.UserID):
		// No ack: the sender retries after its ack timeout.
		c.drop("rate_limited", logrus.Fields{"message_id": m.ID})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	stored, err := c.Hub.store.SaveMessage(ctx, models.Envelope{
		ID:          m.ID,
		SenderID:    m.SenderID,
		RecipientID: m.RecipientID,
		Frame:       data,
	})
	if err != nil {
		c.drop("store_error", logrus.Fields{"message_id": m.ID, "error": err.Error()})
		return
	}
	if stored.SenderID != c.UserID {
		c.drop("id_conflict", logrus.Fields{"message_id": m.ID})
		return
	}
	c.Hub.metrics.Received.Inc()

	if err := c.Hub.Ack(c, stored); err != nil {
		c.log.WithFields(logrus.Fields{"message_id": m.ID, "error": err.Error()}).Error("Failed to ack")
	}
	if !stored.Delivered() {
		c.Hub.Relay(stored)
	}
}

func (c *Client) markDelivered(id string) {
	c.Hub.metrics.Relayed.Inc()
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := c.Hub.store.MarkDelivered(ctx, id, time.Now().UTC()); err != nil && !errors.Is(err, context.Canceled) {
		c.log.WithFields(logrus.Fields{"message_id": id, "error": err.Error()}).Error("Failed to mark delivered")
	}
}

func (c *Client) drop(reason string, fields logrus.Fields) {
	c.Hub.metrics.Dropped.WithLabelValues(reason).Inc()
	c.log.WithFields(fields).WithField("reason", reason).Warn("Dropped frame")
}
