package protocol

import (
	"github.com/google/uuid"
)

var conversationNamespace = uuid.MustParse("6f1c3a52-8d2e-4c4b-9a57-1b0f5e2d7c10")

// ConversationID derives the conversation id for a pair of participants.
// The result does not depend on argument order.
func ConversationID(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return uuid.NewSHA1(conversationNamespace, []byte(a+"\x00"+b)).String()
}

// NewMessageID returns a time-ordered unique id (UUIDv7), so ids generated by
// one sender sort in creation order.
func NewMessageID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
