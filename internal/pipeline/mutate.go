package pipeline

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/adi-253/Talkie/realtime/internal/apperror"
	"github.com/adi-253/Talkie/realtime/internal/models"
	"github.com/adi-253/Talkie/realtime/internal/ratelimit"
	"github.com/adi-253/Talkie/realtime/internal/receipts"
	"github.com/adi-253/Talkie/realtime/internal/retention"
	"github.com/adi-253/Talkie/realtime/internal/store"
	"github.com/adi-253/Talkie/realtime/internal/upstream"
)

// errUnchanged aborts an update that would leave the message as it is.
var errUnchanged = errors.New("unchanged")

// EditRequest is an inbound edit_message.
type EditRequest struct {
	UserID     string
	ConnID     string
	MessageID  string
	NewContent models.Content
}

// Edit replaces the text of a message inside the edit window. The new text
// is moderated and encrypted like a fresh send.
func (p *Pipeline) Edit(ctx context.Context, req EditRequest) (*models.MessageEditedEvent, error) {
	const event = models.EventEditMessage

	msg, conv, err := p.loadMessage(ctx, req.MessageID, req.UserID)
	if err != nil {
		return nil, p.reject(event, StageValidated, err)
	}
	if conv.Status != models.StatusActive {
		return nil, p.reject(event, StageValidated, apperror.Authorization("conversation is %s", conv.Status))
	}
	text := req.NewContent.Text
	if strings.TrimSpace(text) == "" {
		return nil, p.reject(event, StageValidated, apperror.Validation("newContent requires non-empty text"))
	}
	if n := utf8.RuneCountInString(text); n > p.cfg.MaxTextLength {
		return nil, p.reject(event, StageValidated,
			apperror.Validation("text exceeds %d characters", p.cfg.MaxTextLength).WithDetail("length", n))
	}
	// fail fast before calling moderation; the window is checked again under the lock
	if err := p.Retention.CheckEdit(msg, req.UserID, p.Clock.Now()); err != nil {
		return nil, p.reject(event, StageRateChecked, err)
	}

	flagged, err := p.moderate(ctx, upstream.ModerationRequest{
		Text:    text,
		UserID:  req.UserID,
		Context: map[string]string{"conversationId": conv.ID, "messageId": msg.ID, "action": "edit"},
	})
	if err != nil {
		return nil, p.reject(event, StageModerated, err)
	}

	content, err := p.encodeText(models.Content{Text: text})
	if err != nil {
		return nil, p.reject(event, StageEncoded, err)
	}

	unlock := p.lockConversation(conv.ID)
	defer unlock()

	now := p.Clock.Now()
	updated, err := p.Store.UpdateMessage(ctx, msg.ID, func(m *models.Message) error {
		if err := p.Retention.ApplyEdit(m, req.UserID, content, now); err != nil {
			return err
		}
		if flagged {
			m.Flagged = true
		}
		return nil
	})
	if err != nil {
		return nil, p.reject(event, StagePersisted, mutationError(err))
	}

	ev := &models.MessageEditedEvent{
		MessageID:  updated.ID,
		NewContent: p.decodeContent(updated.ID, updated.Content),
		EditedAt:   *updated.EditedAt,
	}
	p.broadcast(conv.ID, models.Event{Type: models.EventMessageEdited, Payload: *ev}, "")
	return ev, nil
}

// DeleteRequest is an inbound delete_message.
type DeleteRequest struct {
	UserID    string
	ConnID    string
	MessageID string
	DeleteFor string
}

// Delete soft-deletes a message for everyone (sender only, inside the delete
// window) or hides it from the requester's own view. It reports whether
// anything changed; repeating a delete is not an error.
func (p *Pipeline) Delete(ctx context.Context, req DeleteRequest) (bool, error) {
	const event = models.EventDeleteMessage

	if req.DeleteFor != models.DeleteForMe && req.DeleteFor != models.DeleteForEveryone {
		return false, p.reject(event, StageValidated,
			apperror.Validation("deleteFor must be %q or %q", models.DeleteForMe, models.DeleteForEveryone))
	}
	msg, conv, err := p.loadMessage(ctx, req.MessageID, req.UserID)
	if err != nil {
		return false, p.reject(event, StageValidated, err)
	}

	if req.DeleteFor == models.DeleteForMe {
		_, err := p.Store.UpdateMessage(ctx, msg.ID, func(m *models.Message) error {
			if !retention.ApplyHide(m, req.UserID) {
				return errUnchanged
			}
			return nil
		})
		changed := err == nil
		if err != nil && !errors.Is(err, errUnchanged) {
			return false, p.reject(event, StagePersisted, mutationError(err))
		}
		// only the requester's own connections learn about it
		p.Rooms.SendToUser(req.UserID, models.Event{
			Type:    models.EventMessageDeleted,
			Payload: models.MessageDeletedEvent{MessageID: msg.ID, DeletedFor: models.DeleteForMe},
		})
		return changed, nil
	}

	if err := p.Retention.CheckDeleteForEveryone(msg, req.UserID, p.Clock.Now()); err != nil {
		return false, p.reject(event, StageRateChecked, err)
	}

	unlock := p.lockConversation(conv.ID)
	defer unlock()

	now := p.Clock.Now()
	_, err = p.Store.UpdateMessage(ctx, msg.ID, func(m *models.Message) error {
		changed, err := p.Retention.ApplyDeleteForEveryone(m, req.UserID, now)
		if err != nil {
			return err
		}
		if !changed {
			return errUnchanged
		}
		return nil
	})
	if errors.Is(err, errUnchanged) {
		return false, nil
	}
	if err != nil {
		return false, p.reject(event, StagePersisted, mutationError(err))
	}
	p.broadcast(conv.ID, models.Event{
		Type:    models.EventMessageDeleted,
		Payload: models.MessageDeletedEvent{MessageID: msg.ID, DeletedFor: models.DeleteForEveryone},
	}, "")
	return true, nil
}

// ReactRequest is an inbound react_to_message.
type ReactRequest struct {
	UserID    string
	ConnID    string
	MessageID string
	Emoji     string
	Action    string
}

// React sets or clears the requester's reaction and broadcasts the change.
// Repeating the same reaction changes nothing and broadcasts nothing.
func (p *Pipeline) React(ctx context.Context, req ReactRequest) (bool, error) {
	const event = models.EventReactToMessage

	msg, conv, err := p.loadMessage(ctx, req.MessageID, req.UserID)
	if err != nil {
		return false, p.reject(event, StageValidated, err)
	}
	if err := receipts.ValidateReaction(req.Emoji, req.Action); err != nil {
		return false, p.reject(event, StageValidated, err)
	}
	if !p.Limiter.Admit(req.UserID, ratelimit.ClassReactions) {
		retry := p.Limiter.RetryAfter(req.UserID, ratelimit.ClassReactions)
		return false, p.reject(event, StageRateChecked,
			apperror.RateLimited("too many reactions").WithDetail("retryAfterMs", retry.Milliseconds()))
	}

	unlock := p.lockConversation(conv.ID)
	defer unlock()

	_, changed, err := p.Receipts.React(ctx, msg.ID, req.UserID, req.Emoji, req.Action)
	if err != nil {
		return false, p.reject(event, StagePersisted, err)
	}
	if !changed {
		return false, nil
	}
	emoji := req.Emoji
	if req.Action == models.ReactionRemove {
		emoji = ""
	}
	p.broadcast(conv.ID, models.Event{
		Type: models.EventMessageReaction,
		Payload: models.ReactionEvent{
			MessageID: msg.ID,
			UserID:    req.UserID,
			Emoji:     emoji,
			Action:    req.Action,
		},
	}, "")
	return true, nil
}

// MarkReadRequest is an inbound mark_as_read. No message ids means the whole
// conversation.
type MarkReadRequest struct {
	UserID         string
	ConnID         string
	ConversationID string
	MessageIDs     []string
}

// MarkRead records read receipts and broadcasts the ids that were newly read.
func (p *Pipeline) MarkRead(ctx context.Context, req MarkReadRequest) ([]string, error) {
	const event = models.EventMarkAsRead

	if _, err := p.loadConversation(ctx, req.ConversationID, req.UserID); err != nil {
		return nil, p.reject(event, StageValidated, err)
	}

	unlock := p.lockConversation(req.ConversationID)
	defer unlock()

	marked, err := p.Receipts.MarkRead(ctx, req.ConversationID, req.MessageIDs, req.UserID)
	if err != nil {
		return nil, p.reject(event, StagePersisted, err)
	}
	if len(marked) == 0 {
		return marked, nil
	}
	p.broadcast(req.ConversationID, models.Event{
		Type: models.EventMessagesRead,
		Payload: models.MessagesReadEvent{
			ConversationID: req.ConversationID,
			MessageIDs:     marked,
			ReadBy:         req.UserID,
		},
	}, "")
	return marked, nil
}

// mutationError maps errors out of Store.UpdateMessage.
func mutationError(err error) error {
	var appErr *apperror.Error
	if errors.As(err, &appErr) {
		return appErr
	}
	if errors.Is(err, store.ErrNotFound) {
		return apperror.NotFound("message not found")
	}
	return apperror.Wrap(apperror.KindPersistence, err, "update was not saved")
}
