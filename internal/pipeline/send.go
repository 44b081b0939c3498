package pipeline

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sirupsen/logrus"

	"github.com/adi-253/Talkie/realtime/internal/apperror"
	"github.com/adi-253/Talkie/realtime/internal/models"
	"github.com/adi-253/Talkie/realtime/internal/ratelimit"
	"github.com/adi-253/Talkie/realtime/internal/store"
	"github.com/adi-253/Talkie/realtime/internal/upstream"
)

// SendRequest is an inbound send_message from one connection.
type SendRequest struct {
	SenderID       string
	ConnID         string
	ConversationID string
	Kind           models.Kind
	Content        models.Content
	ReplyTo        string

	// Metadata is forwarded to the security checker (remote address, user agent)
	Metadata map[string]string
}

// Send runs a message through every stage and returns the committed view.
func (p *Pipeline) Send(ctx context.Context, req SendRequest) (*models.MessageView, error) {
	const event = models.EventSendMessage

	conv, err := p.loadConversation(ctx, req.ConversationID, req.SenderID)
	if err != nil {
		return nil, p.reject(event, StageValidated, err)
	}
	if conv.Status != models.StatusActive {
		return nil, p.reject(event, StageValidated, apperror.Authorization("conversation is %s", conv.Status))
	}
	if req.Kind == "" {
		req.Kind = models.KindText
	}
	content, err := p.validateContent(req.Kind, req.Content)
	if err != nil {
		return nil, p.reject(event, StageValidated, err)
	}
	if req.ReplyTo != "" {
		if err := p.validateReply(ctx, req.ConversationID, req.ReplyTo); err != nil {
			return nil, p.reject(event, StageValidated, err)
		}
	}

	if !p.Limiter.Admit(req.SenderID, ratelimit.ClassMessages) {
		retry := p.Limiter.RetryAfter(req.SenderID, ratelimit.ClassMessages)
		return nil, p.reject(event, StageRateChecked, apperror.RateLimited("too many messages").
			WithDetail("retryAfterMs", retry.Milliseconds()))
	}

	err = p.checkSecurity(ctx, upstream.SecurityRequest{
		UserID:     req.SenderID,
		ActionType: event,
		Payload: map[string]any{
			"conversationId": req.ConversationID,
			"messageType":    req.Kind,
			"length":         utf8.RuneCountInString(content.Text),
		},
		Metadata: req.Metadata,
	})
	if err != nil {
		return nil, p.reject(event, StageSecurityChecked, err)
	}

	flagged := false
	if req.Kind == models.KindText {
		flagged, err = p.moderate(ctx, upstream.ModerationRequest{
			Text:    content.Text,
			UserID:  req.SenderID,
			Context: map[string]string{"conversationId": req.ConversationID},
		})
		if err != nil {
			return nil, p.reject(event, StageModerated, err)
		}
	}

	if req.Kind == models.KindText {
		content, err = p.encodeText(content)
		if err != nil {
			return nil, p.reject(event, StageEncoded, err)
		}
	}

	msg := &models.Message{
		ID:             p.newID(),
		ConversationID: req.ConversationID,
		SenderID:       req.SenderID,
		Kind:           req.Kind,
		Content:        content,
		ReplyTo:        req.ReplyTo,
		Flagged:        flagged,
		CreatedAt:      p.Clock.Now(),
	}

	// Persisted and Broadcast share the conversation lock so joined
	// connections see new_message frames in seq order.
	unlock := p.lockConversation(req.ConversationID)
	conv, err = p.persist(ctx, msg)
	if err != nil {
		unlock()
		return nil, p.reject(event, StagePersisted, err)
	}

	recipient := conv.Other(req.SenderID)
	if err := p.Unread.Increment(ctx, req.ConversationID, recipient); err != nil {
		p.log(logrus.Fields{"conversation_id": req.ConversationID, "user_id": recipient}).
			WithError(err).Warn("failed to bump unread counter")
	}

	view := p.View(msg)
	p.broadcast(req.ConversationID, models.Event{Type: models.EventNewMessage, Payload: models.NewMessage{Message: view}}, "")
	unlock()

	p.Metrics.MessageAccepted()
	if p.Typing != nil {
		p.Typing.Stop(req.ConversationID, req.SenderID, "")
	}

	p.notifyOffline(conv, msg, view)

	p.log(logrus.Fields{
		"conversation_id": msg.ConversationID,
		"message_id":      msg.ID,
		"seq":             msg.Seq,
		"sender_id":       msg.SenderID,
		"stage":           StageDone,
	}).Debug("message delivered")
	return &view, nil
}

// persist appends msg, retrying once after a short backoff. A conflict on the
// retry means the first attempt committed after all.
func (p *Pipeline) persist(ctx context.Context, msg *models.Message) (*models.Conversation, error) {
	conv, err := p.Store.AppendMessage(ctx, msg)
	if err == nil {
		return conv, nil
	}
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperror.NotFound("conversation %s not found", msg.ConversationID)
	}

	p.Metrics.PersistRetry()
	p.log(logrus.Fields{"conversation_id": msg.ConversationID, "message_id": msg.ID}).
		WithError(err).Warn("append failed, retrying")

	timer := time.NewTimer(p.cfg.PersistBackoff)
	select {
	case <-ctx.Done():
		timer.Stop()
		return nil, apperror.Wrap(apperror.KindPersistence, ctx.Err(), "message was not saved")
	case <-timer.C:
	}

	conv, retryErr := p.Store.AppendMessage(ctx, msg)
	if errors.Is(retryErr, store.ErrConflict) {
		stored, gerr := p.Store.GetMessage(ctx, msg.ID)
		if gerr == nil {
			if conv, gerr = p.Store.GetConversation(ctx, msg.ConversationID); gerr == nil {
				*msg = *stored
				return conv, nil
			}
		}
		retryErr = gerr
	}
	if retryErr != nil {
		return nil, apperror.Wrap(apperror.KindPersistence, retryErr, "message was not saved")
	}
	return conv, nil
}

// notifyOffline pushes the message to participants without a live connection.
// It runs in the background, bounded by the upstream timeout.
func (p *Pipeline) notifyOffline(conv *models.Conversation, msg *models.Message, view models.MessageView) {
	for _, userID := range conv.Participants {
		if userID == msg.SenderID || (p.Presence != nil && p.Presence.IsOnline(userID)) {
			continue
		}
		req := upstream.PushRequest{
			UserID:   userID,
			Template: PushTemplateNewMessage,
			Data: map[string]any{
				"conversationId": msg.ConversationID,
				"messageId":      msg.ID,
				"senderId":       msg.SenderID,
				"messageType":    msg.Kind,
				"preview":        preview(view),
			},
		}
		p.pending.Add(1)
		go func() {
			defer p.pending.Done()
			ctx, cancel := context.WithTimeout(context.Background(), p.cfg.UpstreamTimeout)
			defer cancel()

			start := time.Now()
			res, err := p.Notifier.Notify(ctx, req)
			switch {
			case err != nil:
				p.Metrics.ObserveUpstream("push", "error", time.Since(start))
				p.Metrics.Push("error")
				p.log(logrus.Fields{"user_id": req.UserID, "message_id": msg.ID}).WithError(err).Warn("push notification failed")
			case !res.Success:
				p.Metrics.ObserveUpstream("push", "ok", time.Since(start))
				p.Metrics.Push("rejected")
				p.log(logrus.Fields{"user_id": req.UserID, "message_id": msg.ID}).Info("push notification not accepted")
			default:
				p.Metrics.ObserveUpstream("push", "ok", time.Since(start))
				p.Metrics.Push("sent")
			}
		}()
	}
}

const previewLength = 80

func preview(v models.MessageView) string {
	if v.Kind != models.KindText {
		return string(v.Kind)
	}
	text := v.Content.Text
	if utf8.RuneCountInString(text) <= previewLength {
		return text
	}
	runes := []rune(text)
	return string(runes[:previewLength]) + "…"
}

// validateContent checks the kind-specific required fields and returns the
// content reduced to the fields that kind carries.
func (p *Pipeline) validateContent(kind models.Kind, c models.Content) (models.Content, error) {
	if !kind.Valid() {
		return c, apperror.Validation("unknown messageType %q", kind)
	}
	switch kind {
	case models.KindSystem:
		return c, apperror.Validation("system messages cannot be sent by clients")
	case models.KindText:
		text := strings.TrimSpace(c.Text)
		if text == "" {
			return c, apperror.Validation("text message requires non-empty text")
		}
		if n := utf8.RuneCountInString(c.Text); n > p.cfg.MaxTextLength {
			return c, apperror.Validation("text exceeds %d characters", p.cfg.MaxTextLength).WithDetail("length", n)
		}
		return models.Content{Text: c.Text}, nil
	case models.KindImage, models.KindVideo, models.KindVoice:
		if c.MediaURL == "" {
			return c, apperror.Validation("%s message requires mediaUrl", kind)
		}
		c.Text, c.Envelope, c.Location, c.Activity = "", nil, nil, nil
		return c, nil
	case models.KindFile:
		if c.MediaURL == "" || c.FileName == "" {
			return c, apperror.Validation("file message requires mediaUrl and fileName")
		}
		c.Text, c.Envelope, c.Location, c.Activity = "", nil, nil, nil
		return c, nil
	case models.KindLocation:
		loc := c.Location
		if loc == nil {
			return c, apperror.Validation("location message requires location")
		}
		if loc.Lat < -90 || loc.Lat > 90 || loc.Lng < -180 || loc.Lng > 180 {
			return c, apperror.Validation("location coordinates out of range")
		}
		return models.Content{Location: loc}, nil
	case models.KindActivity:
		if c.Activity == nil || c.Activity.ID == "" {
			return c, apperror.Validation("activity message requires activity id")
		}
		return models.Content{Activity: c.Activity}, nil
	}
	return c, apperror.Validation("unsupported messageType %q", kind)
}

func (p *Pipeline) validateReply(ctx context.Context, conversationID, replyTo string) error {
	parent, err := p.Store.GetMessage(ctx, replyTo)
	if errors.Is(err, store.ErrNotFound) {
		return apperror.Validation("replyTo message %s not found", replyTo)
	}
	if err != nil {
		return apperror.Wrap(apperror.KindPersistence, err, "load reply target")
	}
	if parent.ConversationID != conversationID {
		return apperror.Validation("replyTo must reference a message in the same conversation")
	}
	return nil
}
