// Package protocol defines the chat message model shared by the client and the
// relay server, and the JSON frame codec spoken over the WebSocket connection.
package protocol

import (
	"fmt"
	"time"
)

// Kind is the payload type of a message.
type Kind string

const (
	KindText  Kind = "text"
	KindImage Kind = "image"
	KindVideo Kind = "video"
)

func (k Kind) Valid() bool {
	switch k {
	case KindText, KindImage, KindVideo:
		return true
	}
	return false
}

// IsMedia reports whether messages of this kind carry a media reference
// instead of a text body.
func (k Kind) IsMedia() bool {
	return k == KindImage || k == KindVideo
}

// DeliveryState is the per-message lifecycle tag.
type DeliveryState uint8

const (
	StatePending DeliveryState = iota
	StateSent
	// StateDelivered is reached when the relay acknowledged the message.
	StateDelivered
	StateFailed
)

var stateNames = map[DeliveryState]string{
	StatePending:   "pending",
	StateSent:      "sent",
	StateDelivered: "delivered",
	StateFailed:    "failed",
}

func (s DeliveryState) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

func (s DeliveryState) MarshalText() ([]byte, error) {
	name, ok := stateNames[s]
	if !ok {
		return nil, fmt.Errorf("unknown delivery state %d", uint8(s))
	}
	return []byte(name), nil
}

func (s *DeliveryState) UnmarshalText(text []byte) error {
	for state, name := range stateNames {
		if name == string(text) {
			*s = state
			return nil
		}
	}
	return fmt.Errorf("unknown delivery state %q", text)
}

// CanTransition reports whether a message may move from s to next.
// Delivered is terminal. A message leaves Failed only to be retried.
func (s DeliveryState) CanTransition(next DeliveryState) bool {
	switch s {
	case StatePending:
		return next == StateSent || next == StateDelivered || next == StateFailed
	case StateSent:
		return next == StatePending || next == StateDelivered || next == StateFailed
	case StateFailed:
		return next == StatePending
	}
	return false
}

// Unresolved reports whether the message still waits for an acknowledgement.
func (s DeliveryState) Unresolved() bool {
	return s == StatePending || s == StateSent
}

// Media is a reference to an attachment. The bytes live elsewhere.
type Media struct {
	URI    string `json:"uri"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// Message is one chat message between exactly two participants.
type Message struct {
	ID              string        `json:"id"`
	ConversationID  string        `json:"conversationId"`
	SenderID        string        `json:"senderId"`
	RecipientID     string        `json:"recipientId"`
	Kind            Kind          `json:"kind"`
	Text            string        `json:"text,omitempty"`
	Media           *Media        `json:"media,omitempty"`
	CreatedAt       time.Time     `json:"createdAt"`
	State           DeliveryState `json:"state"`
	ServerTimestamp *time.Time    `json:"serverTimestamp,omitempty"`
	Failure         string        `json:"failure,omitempty"`
}

// Before orders messages by creation time, ties broken by id.
func (m Message) Before(other Message) bool {
	if !m.CreatedAt.Equal(other.CreatedAt) {
		return m.CreatedAt.Before(other.CreatedAt)
	}
	return m.ID < other.ID
}

// Counterparty returns the participant that is not self.
func (m Message) Counterparty(self string) string {
	if m.SenderID == self {
		return m.RecipientID
	}
	return m.SenderID
}

// Involves reports whether userID is one of the two participants.
func (m Message) Involves(userID string) bool {
	return m.SenderID == userID || m.RecipientID == userID
}

// Ack confirms that the relay accepted the message AckFor.
type Ack struct {
	ID              string
	AckFor          string
	ServerTimestamp *time.Time
}
