package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/hooke003/sidekick/internal/server/models"
)

// Memory is a Store that lives only as long as the process. The relay uses
// it when no database is configured.
type Memory struct {
	mu       sync.Mutex
	users    map[string]models.User // by username
	messages map[string]models.Envelope
	now      func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		users:    make(map[string]models.User),
		messages: make(map[string]models.Envelope),
		now:      time.Now,
	}
}

func (m *Memory) CreateUser(_ context.Context, username, passwordHash string) (models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[username]; ok {
		return models.User{}, fmt.Errorf("%s: %w", username, ErrUsernameTaken)
	}
	u := models.User{
		ID:           uuid.NewString(),
		Username:     username,
		PasswordHash: passwordHash,
		CreatedAt:    m.now().UTC(),
	}
	m.users[username] = u
	return u, nil
}

func (m *Memory) GetUserByUsername(_ context.Context, username string) (models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[username]
	if !ok {
		return models.User{}, fmt.Errorf("user %s: %w", username, ErrNotFound)
	}
	return u, nil
}

func (m *Memory) SaveMessage(_ context.Context, env models.Envelope) (models.Envelope, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if stored, ok := m.messages[env.ID]; ok {
		return stored, nil
	}
	if env.ReceivedAt.IsZero() {
		env.ReceivedAt = m.now()
	}
	env.ReceivedAt = env.ReceivedAt.UTC().Truncate(time.Microsecond)
	env.Frame = append([]byte(nil), env.Frame...)
	m.messages[env.ID] = env
	return env, nil
}

func (m *Memory) Undelivered(_ context.Context, recipientID string) ([]models.Envelope, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := lo.Filter(lo.Values(m.messages), func(e models.Envelope, _ int) bool {
		return e.RecipientID == recipientID && !e.Delivered()
	})
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ReceivedAt.Equal(out[j].ReceivedAt) {
			return out[i].ReceivedAt.Before(out[j].ReceivedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) MarkDelivered(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.messages[id]
	if !ok {
		return fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	if e.Delivered() {
		return nil
	}
	e.DeliveredAt = &at
	m.messages[id] = e
	return nil
}

func (m *Memory) Close() error {
	return nil
}
