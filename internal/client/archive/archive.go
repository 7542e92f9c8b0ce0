// Package archive persists message records on disk with badger, one key
// space per identity.
package archive

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"

	"github.com/hooke003/sidekick/internal/protocol"
)

var ErrNotFound = errors.New("message not found in archive")

// Open opens (or creates) the badger database under dir.
func Open(dir string, log logrus.FieldLogger) (*badger.DB, error) {
	opts := badger.DefaultOptions(filepath.Join(dir, "archive")).
		WithLogger(badgerLogger{log.WithField("component", "badger")})
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	return db, nil
}

// Archive is the message journal of one identity.
//
// Records live under "{owner}:msg:{conversation}:{createdAt}:{id}" with the
// timestamp zero padded, so a prefix scan returns a conversation in order.
// An index key "{owner}:idx:{id}" points at the record, which keeps Put an
// overwrite even if a caller changes CreatedAt.
type Archive struct {
	db    *badger.DB
	owner string
	log   logrus.FieldLogger
}

func New(db *badger.DB, owner string, log logrus.FieldLogger) *Archive {
	return &Archive{
		db:    db,
		owner: owner,
		log:   log.WithFields(logrus.Fields{"component": "archive", "user_id": owner}),
	}
}

func (a *Archive) recordKey(m protocol.Message) []byte {
	return fmt.Appendf(nil, "%s:msg:%s:%019d:%s", a.owner, m.ConversationID, m.CreatedAt.UnixNano(), m.ID)
}

func (a *Archive) indexKey(id string) []byte {
	return fmt.Appendf(nil, "%s:idx:%s", a.owner, id)
}

// Put stores m, replacing any earlier record with the same id.
func (a *Archive) Put(m protocol.Message) error {
	if m.ConversationID == "" {
		m.ConversationID = protocol.ConversationID(m.SenderID, m.RecipientID)
	}
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal message %s: %w", m.ID, err)
	}
	key := a.recordKey(m)

	return a.db.Update(func(txn *badger.Txn) error {
		idx := a.indexKey(m.ID)
		item, err := txn.Get(idx)
		switch {
		case err == nil:
			old, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if string(old) != string(key) {
				if err := txn.Delete(old); err != nil {
					return err
				}
			}
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}
		if err := txn.Set(key, data); err != nil {
			return err
		}
		return txn.Set(idx, key)
	})
}

// Get returns the record with the given id.
func (a *Archive) Get(id string) (protocol.Message, error) {
	var m protocol.Message
	err := a.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(a.indexKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		key, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		record, err := txn.Get(key)
		if err != nil {
			return err
		}
		return record.Value(func(v []byte) error {
			return json.Unmarshal(v, &m)
		})
	})
	if err != nil {
		return protocol.Message{}, fmt.Errorf("get %s: %w", id, err)
	}
	return m, nil
}

// Load returns every record of the owner, grouped by conversation and
// ordered by creation time within each.
func (a *Archive) Load() ([]protocol.Message, error) {
	return a.scan(fmt.Sprintf("%s:msg:", a.owner), 0)
}

// Conversation returns up to limit most recent messages of a conversation in
// creation order. A limit of zero returns all of them.
func (a *Archive) Conversation(conversationID string, limit int) ([]protocol.Message, error) {
	return a.scan(fmt.Sprintf("%s:msg:%s:", a.owner, conversationID), limit)
}

func (a *Archive) scan(prefix string, limit int) ([]protocol.Message, error) {
	var out []protocol.Message
	p := []byte(prefix)

	err := a.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = p
		if limit > 0 {
			opts.Reverse = true
			opts.PrefetchSize = limit
		}
		it := txn.NewIterator(opts)
		defer it.Close()

		seek := p
		if opts.Reverse {
			seek = append(append([]byte{}, p...), 0xFF)
		}
		for it.Seek(seek); it.ValidForPrefix(p); it.Next() {
			if limit > 0 && len(out) == limit {
				break
			}
			var m protocol.Message
			err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &m)
			})
			if err != nil {
				return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
			}
			out = append(out, m)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan archive: %w", err)
	}
	if limit > 0 {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out, nil
}

// badgerLogger routes badger's internal logging through logrus.
type badgerLogger struct {
	log logrus.FieldLogger
}

func (l badgerLogger) Errorf(f string, v ...interface{})   { l.log.Errorf(f, v...) }
func (l badgerLogger) Warningf(f string, v ...interface{}) { l.log.Warnf(f, v...) }
func (l badgerLogger) Infof(f string, v ...interface{})    { l.log.Debugf(f, v...) }
func (l badgerLogger) Debugf(f string, v ...interface{})   { l.log.Debugf(f, v...) }
