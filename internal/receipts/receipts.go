// Package receipts applies reactions and read receipts to stored messages.
// Both operations are idempotent: repeating a request leaves the message as it
// was and reports that nothing changed.
package receipts

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/adi-253/Talkie/realtime/internal/apperror"
	"github.com/adi-253/Talkie/realtime/internal/clock"
	"github.com/adi-253/Talkie/realtime/internal/models"
	"github.com/adi-253/Talkie/realtime/internal/store"
	"github.com/adi-253/Talkie/realtime/internal/unread"
)

// errUnchanged aborts an update that would not modify the message.
var errUnchanged = errors.New("unchanged")

// Service mutates reaction and read-by sets.
type Service struct {
	store  store.Store
	unread unread.Counter
	clock  clock.Clock
}

// New creates a receipts service.
func New(st store.Store, counter unread.Counter, clk clock.Clock) *Service {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Service{store: st, unread: counter, clock: clk}
}

// ValidateReaction checks the action and, for add, that an emoji is given.
func ValidateReaction(emoji, action string) error {
	switch action {
	case models.ReactionAdd:
		if emoji == "" {
			return apperror.Validation("emoji is required")
		}
	case models.ReactionRemove:
	default:
		return apperror.Validation("action must be %q or %q", models.ReactionAdd, models.ReactionRemove)
	}
	return nil
}

// React sets (add) or clears (remove) userID's single reaction on a message.
// Adding replaces any previous emoji from the same user.
func (s *Service) React(ctx context.Context, messageID, userID, emoji, action string) (*models.Message, bool, error) {
	if err := ValidateReaction(emoji, action); err != nil {
		return nil, false, err
	}

	now := s.clock.Now()
	msg, err := s.store.UpdateMessage(ctx, messageID, func(m *models.Message) error {
		if m.Deleted {
			return apperror.Validation("cannot react to a deleted message")
		}
		current, has := m.Reactions[userID]
		if action == models.ReactionRemove {
			if !has {
				return errUnchanged
			}
			delete(m.Reactions, userID)
			return nil
		}
		if has && current.Emoji == emoji {
			return errUnchanged
		}
		if m.Reactions == nil {
			m.Reactions = make(map[string]models.Reaction, 1)
		}
		m.Reactions[userID] = models.Reaction{Emoji: emoji, At: now}
		return nil
	})
	if errors.Is(err, errUnchanged) {
		current, gerr := s.store.GetMessage(ctx, messageID)
		if gerr != nil {
			return nil, false, storeError(gerr, "load message")
		}
		return current, false, nil
	}
	if err != nil {
		return nil, false, storeError(err, "update reaction")
	}
	return msg, true, nil
}

// MarkRead adds readerID to the read-by set of every targeted message in the
// conversation that the reader did not send and has not read yet. An empty
// messageIDs targets the whole conversation. It returns the ids that were
// newly marked, in the order they were processed.
func (s *Service) MarkRead(ctx context.Context, conversationID string, messageIDs []string, readerID string) ([]string, error) {
	all := len(messageIDs) == 0
	var targets []*models.Message
	if all {
		msgs, err := s.allMessages(ctx, conversationID)
		if err != nil {
			return nil, err
		}
		targets = msgs
	} else {
		seen := make(map[string]bool, len(messageIDs))
		for _, id := range messageIDs {
			if id == "" || seen[id] {
				continue
			}
			seen[id] = true
			m, err := s.store.GetMessage(ctx, id)
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, storeError(err, "load message")
			}
			targets = append(targets, m)
		}
	}

	now := s.clock.Now()
	var marked []string
	for _, m := range targets {
		if m.ConversationID != conversationID || m.SenderID == readerID || m.HasRead(readerID) {
			continue
		}
		_, err := s.store.UpdateMessage(ctx, m.ID, func(m *models.Message) error {
			if m.HasRead(readerID) {
				return errUnchanged
			}
			m.ReadBy = append(m.ReadBy, models.ReadReceipt{UserID: readerID, At: now})
			return nil
		})
		if errors.Is(err, errUnchanged) {
			continue
		}
		if err != nil {
			return marked, storeError(err, "mark read")
		}
		marked = append(marked, m.ID)
	}

	if s.unread != nil {
		var uerr error
		if all {
			uerr = s.unread.Reset(ctx, conversationID, readerID)
		} else if len(marked) > 0 {
			uerr = s.unread.Decrement(ctx, conversationID, readerID, int64(len(marked)))
		}
		if uerr != nil {
			logrus.WithFields(logrus.Fields{
				"component":       "receipts",
				"conversation_id": conversationID,
				"user_id":         readerID,
			}).WithError(uerr).Warn("failed to update unread counter")
		}
	}
	return marked, nil
}

func (s *Service) allMessages(ctx context.Context, conversationID string) ([]*models.Message, error) {
	var out []*models.Message
	before := int64(0)
	for {
		page, err := s.store.ListMessages(ctx, conversationID, store.MaxListLimit, before)
		if err != nil {
			return nil, storeError(err, "list messages")
		}
		out = append(page, out...)
		if len(page) < store.MaxListLimit || page[0].Seq <= 1 {
			return out, nil
		}
		before = page[0].Seq
	}
}

func storeError(err error, op string) error {
	var appErr *apperror.Error
	if errors.As(err, &appErr) {
		return appErr
	}
	if errors.Is(err, store.ErrNotFound) {
		return apperror.NotFound("message not found")
	}
	return apperror.Wrap(apperror.KindPersistence, fmt.Errorf("%s: %w", op, err), "storage unavailable")
}
