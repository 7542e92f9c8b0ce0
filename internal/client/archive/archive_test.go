package archive

import (
	"io"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/hooke003/sidekick/internal/client/store"
	"github.com/hooke003/sidekick/internal/protocol"
)

var _ store.Journal = (*Archive)(nil)

func setupTestDB(t *testing.T) *badger.DB {
	opts := badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	db, err := badger.Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func quietLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func message(id, from, to string, at time.Duration) protocol.Message {
	return protocol.Message{
		ID:             id,
		ConversationID: protocol.ConversationID(from, to),
		SenderID:       from,
		RecipientID:    to,
		Kind:           protocol.KindText,
		Text:           "hi",
		CreatedAt:      t0.Add(at),
		State:          protocol.StatePending,
	}
}

func TestArchive_PutOverwritesByID(t *testing.T) {
	req := require.New(t)
	a := New(setupTestDB(t), "me", quietLogger())

	m := message("a", "me", "bob", 0)
	req.NoError(a.Put(m))

	ts := t0.Add(time.Second)
	m.State = protocol.StateDelivered
	m.ServerTimestamp = &ts
	req.NoError(a.Put(m))

	all, err := a.Load()
	req.NoError(err)
	req.Len(all, 1)
	req.Equal(protocol.StateDelivered, all[0].State)
	req.True(ts.Equal(*all[0].ServerTimestamp))

	got, err := a.Get("a")
	req.NoError(err)
	req.Equal(protocol.StateDelivered, got.State)

	_, err = a.Get("missing")
	req.ErrorIs(err, ErrNotFound)
}

func TestArchive_ConversationOrderAndLimit(t *testing.T) {
	req := require.New(t)
	a := New(setupTestDB(t), "me", quietLogger())

	req.NoError(a.Put(message("c", "me", "bob", 3*time.Second)))
	req.NoError(a.Put(message("a", "me", "bob", time.Second)))
	req.NoError(a.Put(message("b", "bob", "me", 2*time.Second)))
	req.NoError(a.Put(message("x", "me", "carl", 0)))

	conv := protocol.ConversationID("me", "bob")
	all, err := a.Conversation(conv, 0)
	req.NoError(err)
	req.Equal([]string{"a", "b", "c"}, idsOf(all))

	recent, err := a.Conversation(conv, 2)
	req.NoError(err)
	req.Equal([]string{"b", "c"}, idsOf(recent))
}

func TestArchive_OwnersAreIsolated(t *testing.T) {
	req := require.New(t)
	db := setupTestDB(t)
	mine := New(db, "me", quietLogger())
	theirs := New(db, "bob", quietLogger())

	req.NoError(mine.Put(message("a", "me", "bob", 0)))

	got, err := theirs.Load()
	req.NoError(err)
	req.Empty(got)
}

func TestArchive_RestoresStoreAcrossRestart(t *testing.T) {
	req := require.New(t)
	dir := t.TempDir()

	db, err := Open(dir, quietLogger())
	req.NoError(err)
	s := store.New("me", New(db, "me", quietLogger()), quietLogger())
	_, err = s.Append(message("a", "me", "bob", 0))
	req.NoError(err)
	_, err = s.Append(message("b", "me", "bob", time.Second))
	req.NoError(err)
	req.NoError(s.MarkDelivered("a", nil))
	s.Close()
	req.NoError(db.Close())

	db, err = Open(dir, quietLogger())
	req.NoError(err)
	defer db.Close()
	restored := store.New("me", New(db, "me", quietLogger()), quietLogger())
	req.NoError(restored.Restore())

	req.Len(restored.Conversation(protocol.ConversationID("me", "bob")), 2)
	outbox := restored.Outbox()
	req.Len(outbox, 1)
	req.Equal("b", outbox[0].ID)
}

func idsOf(messages []protocol.Message) []string {
	out := make([]string, 0, len(messages))
	for _, m := range messages {
		out = append(out, m.ID)
	}
	return out
}
