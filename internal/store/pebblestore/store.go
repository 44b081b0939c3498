// Package pebblestore is an embedded Store backed by CockroachDB's Pebble KV engine.
//
// Key layout:
//
//	c/<conversationID>            conversation JSON
//	m/<messageID>                 message JSON
//	cm/<conversationID>/<seq:020> message id, ordered by seq
package pebblestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/sirupsen/logrus"

	"github.com/adi-253/Talkie/realtime/internal/models"
	"github.com/adi-253/Talkie/realtime/internal/store"
)

// Store persists conversations and messages in a Pebble database.
type Store struct {
	db *pebble.DB

	// Pebble has no multi-key transactions; read-modify-write sequences are
	// serialized here and committed as a single batch.
	mu sync.Mutex
}

var _ store.Store = (*Store)(nil)

// Open opens (or creates) a database at path. An empty path opens an
// in-memory database, which is what tests use.
func Open(path string) (*Store, error) {
	opts := &pebble.Options{}
	dir := path
	if dir == "" {
		opts.FS = vfs.NewMem()
		dir = "talkie"
	}
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, fmt.Errorf("open pebble at %q: %w", path, err)
	}
	logrus.WithFields(logrus.Fields{"component": "store", "driver": "pebble", "path": path}).Info("pebble opened")
	return &Store{db: db}, nil
}

func conversationKey(id string) []byte { return []byte("c/" + id) }
func messageKey(id string) []byte      { return []byte("m/" + id) }

func indexPrefix(conversationID string) []byte {
	return []byte("cm/" + conversationID + "/")
}

func indexKey(conversationID string, seq int64) []byte {
	return []byte(fmt.Sprintf("cm/%s/%020d", conversationID, seq))
}

// prefixEnd returns the smallest key greater than every key with the prefix.
func prefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

func (s *Store) getJSON(key []byte, out any) error {
	val, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return store.ErrNotFound
	}
	if err != nil {
		return err
	}
	defer closer.Close()
	return json.Unmarshal(val, out)
}

func (s *Store) exists(key []byte) (bool, error) {
	_, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	closer.Close()
	return true, nil
}

func (s *Store) CreateConversation(_ context.Context, conv *models.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	found, err := s.exists(conversationKey(conv.ID))
	if err != nil {
		return fmt.Errorf("check conversation %s: %w", conv.ID, err)
	}
	if found {
		return fmt.Errorf("conversation %s: %w", conv.ID, store.ErrConflict)
	}
	data, err := json.Marshal(conv)
	if err != nil {
		return fmt.Errorf("marshal conversation: %w", err)
	}
	return s.db.Set(conversationKey(conv.ID), data, pebble.Sync)
}

func (s *Store) GetConversation(_ context.Context, id string) (*models.Conversation, error) {
	var conv models.Conversation
	if err := s.getJSON(conversationKey(id), &conv); err != nil {
		return nil, fmt.Errorf("conversation %s: %w", id, err)
	}
	return &conv, nil
}

func (s *Store) SetConversationStatus(_ context.Context, id string, status models.ConversationStatus) (*models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var conv models.Conversation
	if err := s.getJSON(conversationKey(id), &conv); err != nil {
		return nil, fmt.Errorf("conversation %s: %w", id, err)
	}
	conv.Status = status
	data, err := json.Marshal(&conv)
	if err != nil {
		return nil, fmt.Errorf("marshal conversation: %w", err)
	}
	if err := s.db.Set(conversationKey(id), data, pebble.Sync); err != nil {
		return nil, err
	}
	return &conv, nil
}

func (s *Store) AppendMessage(_ context.Context, msg *models.Message) (*models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var conv models.Conversation
	if err := s.getJSON(conversationKey(msg.ConversationID), &conv); err != nil {
		return nil, fmt.Errorf("conversation %s: %w", msg.ConversationID, err)
	}
	found, err := s.exists(messageKey(msg.ID))
	if err != nil {
		return nil, fmt.Errorf("check message %s: %w", msg.ID, err)
	}
	if found {
		return nil, fmt.Errorf("message %s: %w", msg.ID, store.ErrConflict)
	}

	prevSeq := msg.Seq
	store.BumpConversation(&conv, msg)
	convData, err := json.Marshal(&conv)
	if err != nil {
		msg.Seq = prevSeq
		return nil, fmt.Errorf("marshal conversation: %w", err)
	}
	msgData, err := json.Marshal(msg)
	if err != nil {
		msg.Seq = prevSeq
		return nil, fmt.Errorf("marshal message: %w", err)
	}

	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Set(messageKey(msg.ID), msgData, nil); err != nil {
		msg.Seq = prevSeq
		return nil, err
	}
	if err := b.Set(indexKey(conv.ID, msg.Seq), []byte(msg.ID), nil); err != nil {
		msg.Seq = prevSeq
		return nil, err
	}
	if err := b.Set(conversationKey(conv.ID), convData, nil); err != nil {
		msg.Seq = prevSeq
		return nil, err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		msg.Seq = prevSeq
		return nil, fmt.Errorf("commit append: %w", err)
	}
	return &conv, nil
}

func (s *Store) GetMessage(_ context.Context, id string) (*models.Message, error) {
	var m models.Message
	if err := s.getJSON(messageKey(id), &m); err != nil {
		return nil, fmt.Errorf("message %s: %w", id, err)
	}
	return &m, nil
}

func (s *Store) UpdateMessage(_ context.Context, id string, mutate store.MutateFunc) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var m models.Message
	if err := s.getJSON(messageKey(id), &m); err != nil {
		return nil, fmt.Errorf("message %s: %w", id, err)
	}
	if err := mutate(&m); err != nil {
		return nil, err
	}
	data, err := json.Marshal(&m)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	if err := s.db.Set(messageKey(id), data, pebble.Sync); err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *Store) ListMessages(_ context.Context, conversationID string, limit int, beforeSeq int64) ([]*models.Message, error) {
	limit = store.ClampLimit(limit)
	lower := indexPrefix(conversationID)
	upper := prefixEnd(lower)
	if beforeSeq > 0 {
		upper = indexKey(conversationID, beforeSeq)
	}

	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	ids := make([]string, 0, limit)
	for iter.Last(); iter.Valid() && len(ids) < limit; iter.Prev() {
		ids = append(ids, string(iter.Value()))
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	out := make([]*models.Message, len(ids))
	for i, id := range ids {
		var m models.Message
		if err := s.getJSON(messageKey(id), &m); err != nil {
			return nil, fmt.Errorf("message %s: %w", id, err)
		}
		// ids were collected newest first
		out[len(ids)-1-i] = &m
	}
	return out, nil
}

// Close flushes and closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
