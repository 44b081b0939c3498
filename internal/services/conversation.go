package services

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/adi-253/Talkie/realtime/internal/apperror"
	"github.com/adi-253/Talkie/realtime/internal/clock"
	"github.com/adi-253/Talkie/realtime/internal/models"
	"github.com/adi-253/Talkie/realtime/internal/pipeline"
	"github.com/adi-253/Talkie/realtime/internal/store"
	"github.com/adi-253/Talkie/realtime/internal/unread"
)

// ConversationService handles the REST side of conversations: creation when
// a match forms, lookups, archiving and the polling fallback for messages.
type ConversationService struct {
	store    store.Store
	pipeline *pipeline.Pipeline
	unread   unread.Counter
	clock    clock.Clock
}

// NewConversationService creates a new ConversationService instance
func NewConversationService(st store.Store, p *pipeline.Pipeline, counter unread.Counter, clk clock.Clock) *ConversationService {
	if clk == nil {
		clk = clock.Real{}
	}
	return &ConversationService{store: st, pipeline: p, unread: counter, clock: clk}
}

// CreateConversation registers a two-party conversation.
func (s *ConversationService) CreateConversation(ctx context.Context, req models.CreateConversationRequest) (*models.Conversation, error) {
	if len(req.Participants) != 2 {
		return nil, apperror.Validation("a conversation needs exactly two participants")
	}
	a, b := strings.TrimSpace(req.Participants[0]), strings.TrimSpace(req.Participants[1])
	if a == "" || b == "" {
		return nil, apperror.Validation("participant ids must not be empty")
	}
	if a == b {
		return nil, apperror.Validation("participants must be different users")
	}
	id := req.ID
	if id == "" {
		id = uuid.New().String()
	}

	now := s.clock.Now()
	conv := &models.Conversation{
		ID:             id,
		Participants:   [2]string{a, b},
		Status:         models.StatusActive,
		LastActivityAt: now,
		CreatedAt:      now,
	}
	if err := s.store.CreateConversation(ctx, conv); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, apperror.Validation("conversation %s already exists", id)
		}
		return nil, apperror.Wrap(apperror.KindPersistence, err, "create conversation")
	}
	logrus.WithFields(logrus.Fields{
		"component":       "conversations",
		"conversation_id": id,
	}).Info("conversation created")
	return conv, nil
}

// GetConversation returns a conversation the viewer participates in.
func (s *ConversationService) GetConversation(ctx context.Context, id, viewerID string) (*models.Conversation, error) {
	conv, err := s.store.GetConversation(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperror.NotFound("conversation %s not found", id)
	}
	if err != nil {
		return nil, apperror.Wrap(apperror.KindPersistence, err, "load conversation")
	}
	if !conv.HasParticipant(viewerID) {
		return nil, apperror.Authorization("not a participant of this conversation")
	}
	return conv, nil
}

// Archive closes a conversation for new messages. Archiving twice is harmless.
func (s *ConversationService) Archive(ctx context.Context, id, requesterID string) (*models.Conversation, error) {
	if _, err := s.GetConversation(ctx, id, requesterID); err != nil {
		return nil, err
	}
	conv, err := s.store.SetConversationStatus(ctx, id, models.StatusArchived)
	if err != nil {
		return nil, apperror.Wrap(apperror.KindPersistence, err, "archive conversation")
	}
	return conv, nil
}

// GetMessages returns a page of history for the polling fallback.
func (s *ConversationService) GetMessages(ctx context.Context, id, viewerID string, limit int, beforeSeq int64) ([]models.MessageView, error) {
	return s.pipeline.History(ctx, id, viewerID, store.ClampLimit(limit), beforeSeq)
}

// SendMessage sends through the full pipeline on behalf of a client that has
// no websocket.
func (s *ConversationService) SendMessage(ctx context.Context, id, senderID string, req models.SendMessagePayload, metadata map[string]string) (*models.MessageView, error) {
	return s.pipeline.Send(ctx, pipeline.SendRequest{
		SenderID:       senderID,
		ConversationID: id,
		Kind:           req.MessageType,
		Content:        req.Content,
		ReplyTo:        req.ReplyTo,
		Metadata:       metadata,
	})
}

// Unread returns how many messages the user has not read yet.
func (s *ConversationService) Unread(ctx context.Context, id, userID string) (int64, error) {
	if _, err := s.GetConversation(ctx, id, userID); err != nil {
		return 0, err
	}
	n, err := s.unread.Get(ctx, id, userID)
	if err != nil {
		return 0, apperror.Wrap(apperror.KindPersistence, err, "read unread counter")
	}
	return n, nil
}
