// Package unread keeps per-user unread message counters for each conversation.
package unread

import (
	"context"

	"github.com/adi-253/Talkie/realtime/internal/keyed"
)

// Counter tracks how many messages a user has not read in a conversation.
// Counts never go below zero.
type Counter interface {
	Increment(ctx context.Context, conversationID, userID string) error
	Decrement(ctx context.Context, conversationID, userID string, n int64) error
	Reset(ctx context.Context, conversationID, userID string) error
	Get(ctx context.Context, conversationID, userID string) (int64, error)
}

// Memory is an in-process Counter.
type Memory struct {
	counts *keyed.Map[int64]
}

var _ Counter = (*Memory)(nil)

// NewMemory creates an empty in-process counter.
func NewMemory() *Memory {
	return &Memory{counts: keyed.NewMap[int64]()}
}

func memKey(conversationID, userID string) string {
	return userID + "|" + conversationID
}

func (m *Memory) Increment(_ context.Context, conversationID, userID string) error {
	m.counts.Update(memKey(conversationID, userID), func(v int64, _ bool) (int64, bool) {
		return v + 1, true
	})
	return nil
}

func (m *Memory) Decrement(_ context.Context, conversationID, userID string, n int64) error {
	m.counts.Update(memKey(conversationID, userID), func(v int64, ok bool) (int64, bool) {
		v -= n
		return v, v > 0
	})
	return nil
}

func (m *Memory) Reset(_ context.Context, conversationID, userID string) error {
	m.counts.Update(memKey(conversationID, userID), func(int64, bool) (int64, bool) {
		return 0, false
	})
	return nil
}

func (m *Memory) Get(_ context.Context, conversationID, userID string) (int64, error) {
	v, _ := m.counts.Get(memKey(conversationID, userID))
	return v, nil
}
