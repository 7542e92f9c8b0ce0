package delivery

import (
	"errors"

	"github.com/hooke003/sidekick/internal/client/media"
)

var (
	ErrAckTimeout         = errors.New("acknowledgement timed out")
	ErrMaxRetriesExceeded = errors.New("maximum delivery attempts exceeded")
	ErrSessionClosed      = errors.New("session closed")
	ErrInvalidRecipient   = errors.New("invalid recipient")
	ErrEmptyMessage       = errors.New("message text is empty")
	ErrNotResendable      = errors.New("message cannot be resent")
)

// Failure reports a message that ended Failed and will not be retried
// automatically.
type Failure struct {
	MessageID      string
	ConversationID string
	Err            error
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrSessionClosed):
		return "session_closed"
	case errors.Is(err, ErrMaxRetriesExceeded):
		return "max_retries"
	case errors.Is(err, media.ErrUnresolvable):
		return "unresolvable"
	}
	return "encode"
}
