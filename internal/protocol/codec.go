package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// DefaultMaxFrameBytes bounds a single encoded frame. Attachments travel as
// URIs, so frames only carry metadata.
const DefaultMaxFrameBytes = 16 << 10

// FrameType is the discriminant of a wire frame.
type FrameType string

const (
	FrameMessage FrameType = "message"
	FrameAck     FrameType = "ack"
)

// Frame is one decoded unit received over the connection. Exactly one of
// Message or Ack is set, according to Type.
type Frame struct {
	Type    FrameType
	Message *Message
	Ack     *Ack
}

// wireFrame mirrors the JSON object exchanged on the wire. Every key is
// emitted; absent values are null.
type wireFrame struct {
	Type            *string         `json:"type"`
	ID              *string         `json:"id"`
	ConversationID  *string         `json:"conversationId"`
	SenderID        *string         `json:"senderId"`
	RecipientID     *string         `json:"recipientId"`
	Kind            *string         `json:"kind"`
	Text            *string         `json:"text"`
	MediaURI        *string         `json:"mediaUri"`
	Width           *int            `json:"width"`
	Height          *int            `json:"height"`
	CreatedAt       json.RawMessage `json:"createdAt"`
	AckFor          *string         `json:"ackFor"`
	ServerTimestamp json.RawMessage `json:"serverTimestamp"`
}

type messageFields struct {
	ID          string `json:"id" validate:"required,max=128"`
	SenderID    string `json:"senderId" validate:"required,max=128"`
	RecipientID string `json:"recipientId" validate:"required,max=128,nefield=SenderID"`
	Kind        string `json:"kind" validate:"required,oneof=text image video"`
	Text        string `json:"text" validate:"required_if=Kind text"`
	MediaURI    string `json:"mediaUri" validate:"required_unless=Kind text"`
	Width       int    `json:"width" validate:"gte=0"`
	Height      int    `json:"height" validate:"gte=0"`
}

type ackFields struct {
	AckFor string `json:"ackFor" validate:"required,max=128"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Codec serializes messages and acknowledgements into wire frames.
type Codec struct {
	MaxFrameBytes int
}

func NewCodec(maxFrameBytes int) Codec {
	if maxFrameBytes <= 0 {
		maxFrameBytes = DefaultMaxFrameBytes
	}
	return Codec{MaxFrameBytes: maxFrameBytes}
}

// Encode serializes a message frame.
func (c Codec) Encode(m Message) ([]byte, error) {
	fields := messageFields{
		ID:          m.ID,
		SenderID:    m.SenderID,
		RecipientID: m.RecipientID,
		Kind:        string(m.Kind),
		Text:        m.Text,
	}
	if m.Media != nil {
		fields.MediaURI = m.Media.URI
		fields.Width = m.Media.Width
		fields.Height = m.Media.Height
	}
	if err := validate.Struct(fields); err != nil {
		return nil, &EncodeError{MessageID: m.ID, Err: validationError(err)}
	}
	if m.CreatedAt.IsZero() {
		return nil, &EncodeError{MessageID: m.ID, Err: errors.New("createdAt is not set")}
	}

	conversationID := m.ConversationID
	if conversationID == "" {
		conversationID = ConversationID(m.SenderID, m.RecipientID)
	}
	createdAt, err := json.Marshal(m.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, &EncodeError{MessageID: m.ID, Err: err}
	}
	w := wireFrame{
		Type:           ptr(string(FrameMessage)),
		ID:             ptr(m.ID),
		ConversationID: ptr(conversationID),
		SenderID:       ptr(m.SenderID),
		RecipientID:    ptr(m.RecipientID),
		Kind:           ptr(string(m.Kind)),
		CreatedAt:      createdAt,
	}
	if m.Kind == KindText {
		w.Text = ptr(m.Text)
	} else {
		if m.Text != "" {
			w.Text = ptr(m.Text)
		}
		w.MediaURI = ptr(m.Media.URI)
		w.Width = ptr(m.Media.Width)
		w.Height = ptr(m.Media.Height)
	}
	return c.marshal(m.ID, w)
}

// EncodeAck serializes an acknowledgement frame.
func (c Codec) EncodeAck(a Ack) ([]byte, error) {
	if err := validate.Struct(ackFields{AckFor: a.AckFor}); err != nil {
		return nil, &EncodeError{MessageID: a.AckFor, Err: validationError(err)}
	}
	w := wireFrame{
		Type:   ptr(string(FrameAck)),
		AckFor: ptr(a.AckFor),
	}
	if a.ID != "" {
		w.ID = ptr(a.ID)
	}
	if a.ServerTimestamp != nil {
		ts, err := json.Marshal(a.ServerTimestamp.UTC().Format(time.RFC3339Nano))
		if err != nil {
			return nil, &EncodeError{MessageID: a.AckFor, Err: err}
		}
		w.ServerTimestamp = ts
	}
	return c.marshal(a.AckFor, w)
}

func (c Codec) marshal(id string, w wireFrame) ([]byte, error) {
	data, err := json.Marshal(w)
	if err != nil {
		return nil, &EncodeError{MessageID: id, Err: err}
	}
	if c.MaxFrameBytes > 0 && len(data) > c.MaxFrameBytes {
		return nil, &EncodeError{MessageID: id, Err: fmt.Errorf("%w: %d > %d bytes", ErrFrameTooLarge, len(data), c.MaxFrameBytes)}
	}
	return data, nil
}

// Decode parses one wire frame. Unknown keys are ignored and absent optional
// keys are left empty. Any malformed input yields a *DecodeError.
func (c Codec) Decode(data []byte) (Frame, error) {
	if c.MaxFrameBytes > 0 && len(data) > c.MaxFrameBytes {
		return Frame{}, &DecodeError{Err: fmt.Errorf("%w: %d > %d bytes", ErrFrameTooLarge, len(data), c.MaxFrameBytes)}
	}
	var w wireFrame
	if err := json.Unmarshal(data, &w); err != nil {
		return Frame{}, &DecodeError{Err: err}
	}
	if w.Type == nil {
		return Frame{}, &DecodeError{Field: "type", Err: errors.New("missing")}
	}

	switch FrameType(*w.Type) {
	case FrameMessage:
		m, err := decodeMessage(w)
		if err != nil {
			return Frame{}, err
		}
		return Frame{Type: FrameMessage, Message: m}, nil
	case FrameAck:
		a, err := decodeAck(w)
		if err != nil {
			return Frame{}, err
		}
		return Frame{Type: FrameAck, Ack: a}, nil
	}
	return Frame{}, &DecodeError{Field: "type", Err: fmt.Errorf("unknown frame type %q", *w.Type)}
}

func decodeMessage(w wireFrame) (*Message, error) {
	fields := messageFields{
		ID:          deref(w.ID),
		SenderID:    deref(w.SenderID),
		RecipientID: deref(w.RecipientID),
		Kind:        deref(w.Kind),
		Text:        deref(w.Text),
		MediaURI:    deref(w.MediaURI),
		Width:       deref(w.Width),
		Height:      deref(w.Height),
	}
	if err := validate.Struct(fields); err != nil {
		var field string
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			field = verrs[0].Field()
		}
		return nil, &DecodeError{Field: field, Err: validationError(err)}
	}

	createdAt, err := parseTimestamp(w.CreatedAt)
	if err != nil {
		return nil, &DecodeError{Field: "createdAt", Err: err}
	}
	if createdAt == nil {
		return nil, &DecodeError{Field: "createdAt", Err: errors.New("missing")}
	}

	expected := ConversationID(fields.SenderID, fields.RecipientID)
	if w.ConversationID != nil && *w.ConversationID != expected {
		return nil, &DecodeError{Field: "conversationId", Err: errors.New("does not match participants")}
	}

	m := &Message{
		ID:             fields.ID,
		ConversationID: expected,
		SenderID:       fields.SenderID,
		RecipientID:    fields.RecipientID,
		Kind:           Kind(fields.Kind),
		Text:           fields.Text,
		CreatedAt:      *createdAt,
	}
	if m.Kind.IsMedia() {
		m.Media = &Media{URI: fields.MediaURI, Width: fields.Width, Height: fields.Height}
	}
	return m, nil
}

func decodeAck(w wireFrame) (*Ack, error) {
	if err := validate.Struct(ackFields{AckFor: deref(w.AckFor)}); err != nil {
		return nil, &DecodeError{Field: "ackFor", Err: validationError(err)}
	}
	ts, err := parseTimestamp(w.ServerTimestamp)
	if err != nil {
		return nil, &DecodeError{Field: "serverTimestamp", Err: err}
	}
	return &Ack{ID: deref(w.ID), AckFor: *w.AckFor, ServerTimestamp: ts}, nil
}

// parseTimestamp accepts an ISO-8601 string or a number of epoch
// milliseconds. A null or absent value returns nil.
func parseTimestamp(raw json.RawMessage) (*time.Time, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return nil, fmt.Errorf("not an ISO-8601 timestamp: %q", s)
		}
		t = t.UTC()
		return &t, nil
	}
	ms, err := strconv.ParseFloat(string(raw), 64)
	if err != nil {
		return nil, fmt.Errorf("non-numeric timestamp: %s", raw)
	}
	t := time.UnixMilli(int64(ms)).UTC()
	return &t, nil
}

func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err
	}
	first := verrs[0]
	if first.Param() != "" {
		return fmt.Errorf("%s failed %s=%s", first.Field(), first.Tag(), first.Param())
	}
	return fmt.Errorf("%s failed %s", first.Field(), first.Tag())
}

func ptr[T any](v T) *T { return &v }

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}
