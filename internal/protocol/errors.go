package protocol

import (
	"errors"
	"fmt"
)

var ErrFrameTooLarge = errors.New("frame exceeds maximum size")

// EncodeError is returned when an outbound message cannot be serialized.
type EncodeError struct {
	MessageID string
	Err       error
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("encode message %q: %v", e.MessageID, e.Err)
}

func (e *EncodeError) Unwrap() error { return e.Err }

// DecodeError is returned for malformed inbound frames.
type DecodeError struct {
	Field string
	Err   error
}

func (e *DecodeError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("decode frame: %v", e.Err)
	}
	return fmt.Sprintf("decode frame: field %s: %v", e.Field, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }
