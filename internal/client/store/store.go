//go:generate go run go.uber.org/mock/mockgen -source=store.go -destination=../mocks/mock_journal.go -package=mocks

// Package store keeps the conversations of one signed-in identity in memory,
// ordered by (createdAt, id), and notifies subscribers of every change.
package store

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"github.com/hooke003/sidekick/internal/protocol"
)

var (
	ErrUnknownMessage    = errors.New("unknown message")
	ErrInvalidTransition = errors.New("invalid delivery state transition")
	ErrForeignMessage    = errors.New("message does not involve the signed-in identity")
	ErrClosed            = errors.New("store closed")
)

// AllConversations subscribes to every conversation at once.
const AllConversations = ""

const subscriberBuffer = 64

// Journal persists message records. Put overwrites the record with the same id.
type Journal interface {
	Put(m protocol.Message) error
	Load() ([]protocol.Message, error)
}

type UpdateKind uint8

const (
	// Snapshot carries the full ordered conversation in Messages.
	Snapshot UpdateKind = iota
	// Inserted carries a new message and its position in the conversation.
	Inserted
	// Changed carries a message whose delivery state changed in place.
	Changed
)

type Update struct {
	Kind           UpdateKind
	ConversationID string
	Messages       []protocol.Message
	Message        protocol.Message
	Index          int
}

// Summary is one row of the conversation list.
type Summary struct {
	ConversationID string
	Counterparty   string
	Last           protocol.Message
	Unread         int
	Unresolved     int
}

type subscriber struct {
	conversationID string
	ch             chan Update
	// gone is closed together with ch, whoever removes the subscriber.
	gone chan struct{}
}

func (sub *subscriber) end() {
	close(sub.ch)
	close(sub.gone)
}

type Store struct {
	self    string
	journal Journal
	log     logrus.FieldLogger

	mu            sync.Mutex
	conversations map[string][]protocol.Message
	locations     map[string]string // message id -> conversation id
	unread        map[string]int
	subscribers   map[int]*subscriber
	nextSub       int
	closed        bool
}

// New returns an empty store for the identity self. journal may be nil.
func New(self string, journal Journal, log logrus.FieldLogger) *Store {
	return &Store{
		self:          self,
		journal:       journal,
		log:           log.WithFields(logrus.Fields{"component": "store", "user_id": self}),
		conversations: make(map[string][]protocol.Message),
		locations:     make(map[string]string),
		unread:        make(map[string]int),
		subscribers:   make(map[int]*subscriber),
	}
}

// Restore loads every journaled message. Subscribers receive a fresh snapshot.
func (s *Store) Restore() error {
	if s.journal == nil {
		return nil
	}
	messages, err := s.journal.Load()
	if err != nil {
		return fmt.Errorf("restore: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	for _, m := range messages {
		if !m.Involves(s.self) {
			continue
		}
		if _, ok := s.locations[m.ID]; ok {
			continue
		}
		s.insertLocked(m)
	}
	for id, sub := range s.subscribers {
		s.sendLocked(id, sub, s.snapshotLocked(sub.conversationID))
	}
	s.log.WithField("messages", len(s.locations)).Info("Restored conversations")
	return nil
}

// Append inserts m at its ordered position. It reports false when a message
// with the same id is already present, leaving the store unchanged.
func (s *Store) Append(m protocol.Message) (bool, error) {
	if !m.Involves(s.self) {
		return false, fmt.Errorf("append %s: %w", m.ID, ErrForeignMessage)
	}
	if m.ConversationID == "" {
		m.ConversationID = protocol.ConversationID(m.SenderID, m.RecipientID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	if _, ok := s.locations[m.ID]; ok {
		return false, nil
	}

	idx := s.insertLocked(m)
	if m.SenderID != s.self {
		s.unread[m.ConversationID]++
	}
	s.persist(m)
	s.publishLocked(Update{Kind: Inserted, ConversationID: m.ConversationID, Message: m, Index: idx})
	return true, nil
}

// MarkDelivered reconciles a message with its acknowledgement. Marking an
// already delivered message again is a no-op.
func (s *Store) MarkDelivered(id string, serverTimestamp *time.Time) error {
	return s.update(id, protocol.StateDelivered, func(m *protocol.Message) {
		m.Failure = ""
		if serverTimestamp != nil {
			ts := *serverTimestamp
			m.ServerTimestamp = &ts
		}
	})
}

// Transition moves a message to state. reason is recorded for Failed and
// cleared otherwise. Re-entering the current state is a no-op.
func (s *Store) Transition(id string, state protocol.DeliveryState, reason string) error {
	return s.update(id, state, func(m *protocol.Message) {
		if state == protocol.StateFailed {
			m.Failure = reason
		} else {
			m.Failure = ""
		}
	})
}

// SetMedia records the resolved media reference of a pending message.
func (s *Store) SetMedia(id string, media protocol.Media) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	convID, ok := s.locations[id]
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrUnknownMessage)
	}
	conv := s.conversations[convID]
	idx := indexOf(conv, id)
	m := conv[idx]
	if m.State != protocol.StatePending || !m.Kind.IsMedia() {
		return fmt.Errorf("%s: set media while %s: %w", id, m.State, ErrInvalidTransition)
	}
	m.Media = &media
	conv[idx] = m

	s.persist(m)
	s.publishLocked(Update{Kind: Changed, ConversationID: convID, Message: m, Index: idx})
	return nil
}

func (s *Store) update(id string, state protocol.DeliveryState, apply func(*protocol.Message)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	convID, ok := s.locations[id]
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrUnknownMessage)
	}
	conv := s.conversations[convID]
	idx := indexOf(conv, id)
	m := conv[idx]
	if m.State == state {
		return nil
	}
	if !m.State.CanTransition(state) {
		return fmt.Errorf("%s: %s -> %s: %w", id, m.State, state, ErrInvalidTransition)
	}
	m.State = state
	apply(&m)
	conv[idx] = m

	s.persist(m)
	s.publishLocked(Update{Kind: Changed, ConversationID: convID, Message: m, Index: idx})
	return nil
}

// Get returns the message with the given id.
func (s *Store) Get(id string) (protocol.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	convID, ok := s.locations[id]
	if !ok {
		return protocol.Message{}, false
	}
	conv := s.conversations[convID]
	return conv[indexOf(conv, id)], true
}

// Conversation returns a copy of the ordered messages of a conversation.
func (s *Store) Conversation(conversationID string) []protocol.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.conversations[conversationID])
}

// Conversations lists every conversation, most recent activity first.
func (s *Store) Conversations() []Summary {
	s.mu.Lock()
	defer s.mu.Unlock()

	summaries := lo.MapToSlice(s.conversations, func(id string, conv []protocol.Message) Summary {
		last := conv[len(conv)-1]
		return Summary{
			ConversationID: id,
			Counterparty:   last.Counterparty(s.self),
			Last:           last,
			Unread:         s.unread[id],
			Unresolved: lo.CountBy(conv, func(m protocol.Message) bool {
				return m.SenderID == s.self && m.State.Unresolved()
			}),
		}
	})
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[j].Last.Before(summaries[i].Last)
	})
	return summaries
}

// MarkRead resets the unread count of a conversation.
func (s *Store) MarkRead(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.unread, conversationID)
}

// Outbox returns the own messages still waiting for an acknowledgement, in
// creation order.
func (s *Store) Outbox() []protocol.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []protocol.Message
	for _, conv := range s.conversations {
		out = append(out, lo.Filter(conv, func(m protocol.Message, _ int) bool {
			return m.SenderID == s.self && m.State.Unresolved()
		})...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

// Subscribe yields a snapshot of the conversation followed by every change to
// it, until ctx is done. A subscriber that falls behind has its channel
// closed; subscribing again yields a fresh snapshot.
func (s *Store) Subscribe(ctx context.Context, conversationID string) <-chan Update {
	ch := make(chan Update, subscriberBuffer)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		close(ch)
		return ch
	}
	id := s.nextSub
	s.nextSub++
	sub := &subscriber{conversationID: conversationID, ch: ch, gone: make(chan struct{})}
	s.subscribers[id] = sub
	ch <- s.snapshotLocked(conversationID)
	s.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-sub.gone:
			return
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if cur, ok := s.subscribers[id]; ok && cur == sub {
			delete(s.subscribers, id)
			sub.end()
		}
	}()
	return ch
}

// Close ends every subscription. Later mutations fail with ErrClosed.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for id, sub := range s.subscribers {
		delete(s.subscribers, id)
		sub.end()
	}
}

func (s *Store) insertLocked(m protocol.Message) int {
	conv := s.conversations[m.ConversationID]
	idx := sort.Search(len(conv), func(i int) bool { return m.Before(conv[i]) })
	s.conversations[m.ConversationID] = slices.Insert(conv, idx, m)
	s.locations[m.ID] = m.ConversationID
	return idx
}

func (s *Store) snapshotLocked(conversationID string) Update {
	if conversationID != AllConversations {
		return Update{
			Kind:           Snapshot,
			ConversationID: conversationID,
			Messages:       slices.Clone(s.conversations[conversationID]),
		}
	}
	var all []protocol.Message
	for _, conv := range s.conversations {
		all = append(all, conv...)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Before(all[j]) })
	return Update{Kind: Snapshot, Messages: all}
}

func (s *Store) publishLocked(u Update) {
	for id, sub := range s.subscribers {
		if sub.conversationID != AllConversations && sub.conversationID != u.ConversationID {
			continue
		}
		s.sendLocked(id, sub, u)
	}
}

func (s *Store) sendLocked(id int, sub *subscriber, u Update) {
	select {
	case sub.ch <- u:
	default:
		s.log.WithField("conversation_id", sub.conversationID).Warn("Dropping slow subscriber")
		delete(s.subscribers, id)
		sub.end()
	}
}

func (s *Store) persist(m protocol.Message) {
	if s.journal == nil {
		return
	}
	if err := s.journal.Put(m); err != nil {
		s.log.WithFields(logrus.Fields{
			"message_id": m.ID,
			"error":      err.Error(),
		}).Error("Failed to journal message")
	}
}

func indexOf(conv []protocol.Message, id string) int {
	_, idx, _ := lo.FindIndexOf(conv, func(m protocol.Message) bool { return m.ID == id })
	return idx
}
