// Package store defines the persistence contract of the messaging core.
//
// Implementations must make AppendMessage atomic: the message is written and the
// conversation's counters are bumped together, or neither happens.
package store

import (
	"context"
	"errors"

	"github.com/adi-253/Talkie/realtime/internal/models"
)

var (
	// ErrNotFound is returned when a conversation or message does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrConflict is returned when creating something that already exists.
	ErrConflict = errors.New("store: already exists")
)

// MutateFunc edits a message in place. Returning an error aborts the update.
type MutateFunc func(m *models.Message) error

// Store persists conversations and messages.
type Store interface {
	CreateConversation(ctx context.Context, conv *models.Conversation) error
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
	SetConversationStatus(ctx context.Context, id string, status models.ConversationStatus) (*models.Conversation, error)

	// AppendMessage assigns msg.Seq, writes the message and bumps the
	// conversation's last message, count and activity time in one step.
	AppendMessage(ctx context.Context, msg *models.Message) (*models.Conversation, error)

	GetMessage(ctx context.Context, id string) (*models.Message, error)

	// UpdateMessage loads the message, applies mutate and writes it back
	// atomically. The stored copy is returned.
	UpdateMessage(ctx context.Context, id string, mutate MutateFunc) (*models.Message, error)

	// ListMessages returns up to limit messages of the conversation with
	// seq < beforeSeq (any seq when beforeSeq <= 0), oldest first.
	ListMessages(ctx context.Context, conversationID string, limit int, beforeSeq int64) ([]*models.Message, error)

	Close() error
}

// DefaultListLimit caps ListMessages when the caller passes a non-positive limit.
const DefaultListLimit = 50

// MaxListLimit is the largest page a caller may request.
const MaxListLimit = 200

// ClampLimit normalizes a requested page size.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	if limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}

// BumpConversation applies the counter changes of an appended message.
func BumpConversation(conv *models.Conversation, msg *models.Message) {
	conv.MessageCount++
	conv.LastMessageID = msg.ID
	if msg.CreatedAt.After(conv.LastActivityAt) {
		conv.LastActivityAt = msg.CreatedAt
	}
	msg.Seq = conv.MessageCount
}
