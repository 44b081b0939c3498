// Package memory is an in-process Store used for development and tests.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/adi-253/Talkie/realtime/internal/models"
	"github.com/adi-253/Talkie/realtime/internal/store"
)

// Store keeps conversations and messages in maps. Everything handed out is a
// copy, so callers can never mutate stored state behind the store's back.
type Store struct {
	mu            sync.RWMutex
	conversations map[string]*models.Conversation
	messages      map[string]*models.Message
	// byConversation holds message ids per conversation in seq order
	byConversation map[string][]string
}

var _ store.Store = (*Store)(nil)

// New creates an empty memory store.
func New() *Store {
	return &Store{
		conversations:  make(map[string]*models.Conversation),
		messages:       make(map[string]*models.Message),
		byConversation: make(map[string][]string),
	}
}

func (s *Store) CreateConversation(_ context.Context, conv *models.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.conversations[conv.ID]; exists {
		return fmt.Errorf("conversation %s: %w", conv.ID, store.ErrConflict)
	}
	c := *conv
	s.conversations[conv.ID] = &c
	return nil
}

func (s *Store) GetConversation(_ context.Context, id string) (*models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[id]
	if !ok {
		return nil, fmt.Errorf("conversation %s: %w", id, store.ErrNotFound)
	}
	out := *c
	return &out, nil
}

func (s *Store) SetConversationStatus(_ context.Context, id string, status models.ConversationStatus) (*models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return nil, fmt.Errorf("conversation %s: %w", id, store.ErrNotFound)
	}
	c.Status = status
	out := *c
	return &out, nil
}

func (s *Store) AppendMessage(_ context.Context, msg *models.Message) (*models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[msg.ConversationID]
	if !ok {
		return nil, fmt.Errorf("conversation %s: %w", msg.ConversationID, store.ErrNotFound)
	}
	if _, exists := s.messages[msg.ID]; exists {
		return nil, fmt.Errorf("message %s: %w", msg.ID, store.ErrConflict)
	}
	store.BumpConversation(c, msg)
	s.messages[msg.ID] = msg.Clone()
	s.byConversation[c.ID] = append(s.byConversation[c.ID], msg.ID)
	out := *c
	return &out, nil
}

func (s *Store) GetMessage(_ context.Context, id string) (*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, fmt.Errorf("message %s: %w", id, store.ErrNotFound)
	}
	return m.Clone(), nil
}

func (s *Store) UpdateMessage(_ context.Context, id string, mutate store.MutateFunc) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, fmt.Errorf("message %s: %w", id, store.ErrNotFound)
	}
	work := m.Clone()
	if err := mutate(work); err != nil {
		return nil, err
	}
	s.messages[id] = work
	return work.Clone(), nil
}

func (s *Store) ListMessages(_ context.Context, conversationID string, limit int, beforeSeq int64) ([]*models.Message, error) {
	limit = store.ClampLimit(limit)
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.byConversation[conversationID]
	end := len(ids)
	if beforeSeq > 0 && int(beforeSeq-1) < end {
		// seq n lives at index n-1
		end = int(beforeSeq - 1)
	}
	start := end - limit
	if start < 0 {
		start = 0
	}
	out := make([]*models.Message, 0, end-start)
	for _, id := range ids[start:end] {
		out = append(out, s.messages[id].Clone())
	}
	return out, nil
}

func (s *Store) Close() error { return nil }
