package models

import (
	"time"
)

type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// Envelope is a relayed message as the server keeps it: the routing fields
// plus the frame exactly as the sender wrote it.
type Envelope struct {
	ID          string
	SenderID    string
	RecipientID string
	Frame       []byte
	ReceivedAt  time.Time
	DeliveredAt *time.Time
}

func (e Envelope) Delivered() bool {
	return e.DeliveredAt != nil
}

// HTTP payloads

type Credentials struct {
	Username string `json:"username" validate:"required,min=3,max=32,printascii,excludesall= /:"`
	Password string `json:"password" validate:"required,min=6,max=72"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
