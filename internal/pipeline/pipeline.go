// Package pipeline orchestrates every state-changing request on a conversation:
// sends run through validation, rate limiting, the security and moderation
// collaborators, encryption, persistence, broadcast and offline notification;
// edits, deletes, reactions and read receipts share the shorter
// membership → window/rate check → mutate → broadcast shape.
//
// Persistence and broadcast for one conversation are serialized with a
// per-conversation lock so that every joined connection observes events in
// commit order. Different conversations never wait on each other.
package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/adi-253/Talkie/realtime/internal/apperror"
	"github.com/adi-253/Talkie/realtime/internal/clock"
	"github.com/adi-253/Talkie/realtime/internal/codec"
	"github.com/adi-253/Talkie/realtime/internal/keyed"
	"github.com/adi-253/Talkie/realtime/internal/metrics"
	"github.com/adi-253/Talkie/realtime/internal/models"
	"github.com/adi-253/Talkie/realtime/internal/presence"
	"github.com/adi-253/Talkie/realtime/internal/ratelimit"
	"github.com/adi-253/Talkie/realtime/internal/receipts"
	"github.com/adi-253/Talkie/realtime/internal/retention"
	"github.com/adi-253/Talkie/realtime/internal/rooms"
	"github.com/adi-253/Talkie/realtime/internal/store"
	"github.com/adi-253/Talkie/realtime/internal/typing"
	"github.com/adi-253/Talkie/realtime/internal/unread"
	"github.com/adi-253/Talkie/realtime/internal/upstream"
)

// Stages of the send pipeline. A rejection records the stage it happened in.
const (
	StageReceived        = "Received"
	StageValidated       = "Validated"
	StageRateChecked     = "RateChecked"
	StageSecurityChecked = "SecurityChecked"
	StageModerated       = "Moderated"
	StageEncoded         = "Encoded"
	StagePersisted       = "Persisted"
	StageBroadcast       = "Broadcast"
	StageNotifiedOffline = "NotifiedOffline"
	StageDone            = "Done"
)

// PushTemplateNewMessage is the push template used for offline recipients.
const PushTemplateNewMessage = "new_message"

// Config tunes the pipeline.
type Config struct {
	MaxTextLength   int
	UpstreamTimeout time.Duration
	PersistBackoff  time.Duration
	HistoryLimit    int
}

func (c Config) withDefaults() Config {
	if c.MaxTextLength <= 0 {
		c.MaxTextLength = 2000
	}
	if c.UpstreamTimeout <= 0 {
		c.UpstreamTimeout = 2 * time.Second
	}
	if c.PersistBackoff <= 0 {
		c.PersistBackoff = 100 * time.Millisecond
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 50
	}
	return c
}

// Deps are the components the pipeline sequences through.
type Deps struct {
	Store     store.Store
	Codec     *codec.Codec
	Limiter   *ratelimit.Limiter
	Presence  *presence.Registry
	Rooms     *rooms.Manager
	Typing    *typing.Tracker
	Receipts  *receipts.Service
	Retention retention.Policy
	Unread    unread.Counter
	Security  upstream.SecurityChecker
	Moderator upstream.Moderator
	Notifier  upstream.Notifier
	Metrics   *metrics.Metrics
	Clock     clock.Clock
}

// Pipeline handles conversation mutations.
type Pipeline struct {
	Deps
	cfg   Config
	locks *keyed.Locker
	newID func() string

	// offline notifications run after the request returns
	pending sync.WaitGroup
}

// New assembles a pipeline. Missing collaborators fall back to the allow-all,
// approve-all and log-only defaults.
func New(deps Deps, cfg Config) *Pipeline {
	if deps.Security == nil {
		deps.Security = upstream.AllowAll{}
	}
	if deps.Moderator == nil {
		deps.Moderator = upstream.ApproveAll{}
	}
	if deps.Notifier == nil {
		deps.Notifier = upstream.LogNotifier{}
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	if deps.Unread == nil {
		deps.Unread = unread.NewMemory()
	}
	if deps.Retention == (retention.Policy{}) {
		deps.Retention = retention.NewPolicy(0, 0)
	}
	return &Pipeline{
		Deps:  deps,
		cfg:   cfg.withDefaults(),
		locks: keyed.NewLocker(),
		newID: uuid.NewString,
	}
}

// Wait blocks until background offline notifications have finished.
func (p *Pipeline) Wait() {
	p.pending.Wait()
}

// Config returns the effective configuration.
func (p *Pipeline) Config() Config { return p.cfg }

func (p *Pipeline) log(fields logrus.Fields) *logrus.Entry {
	fields["component"] = "pipeline"
	return logrus.WithFields(fields)
}

// reject tags err with the stage and records it.
func (p *Pipeline) reject(event, stage string, err error) error {
	appErr := apperror.As(err)
	if appErr.Stage == "" {
		appErr.WithStage(stage)
	}
	p.Metrics.Rejected(event, string(appErr.Kind), appErr.Stage)
	entry := p.log(logrus.Fields{"event": event, "stage": appErr.Stage, "kind": appErr.Kind})
	switch appErr.Kind {
	case apperror.KindPersistence, apperror.KindInternal, apperror.KindUpstreamTimeout, apperror.KindUpstreamFailure, apperror.KindCodec:
		entry.WithError(err).Warn("request rejected")
	default:
		entry.Debug("request rejected: " + appErr.Reason)
	}
	return appErr
}

// loadConversation fetches a conversation and checks that userID belongs to it.
func (p *Pipeline) loadConversation(ctx context.Context, conversationID, userID string) (*models.Conversation, error) {
	if conversationID == "" {
		return nil, apperror.Validation("conversationId is required")
	}
	conv, err := p.Store.GetConversation(ctx, conversationID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperror.NotFound("conversation %s not found", conversationID)
	}
	if err != nil {
		return nil, apperror.Wrap(apperror.KindPersistence, err, "load conversation")
	}
	if !conv.HasParticipant(userID) {
		return nil, apperror.Authorization("not a participant of this conversation")
	}
	return conv, nil
}

// loadMessage fetches a message together with its conversation, checking
// that userID participates in it.
func (p *Pipeline) loadMessage(ctx context.Context, messageID, userID string) (*models.Message, *models.Conversation, error) {
	if messageID == "" {
		return nil, nil, apperror.Validation("messageId is required")
	}
	msg, err := p.Store.GetMessage(ctx, messageID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, apperror.NotFound("message %s not found", messageID)
	}
	if err != nil {
		return nil, nil, apperror.Wrap(apperror.KindPersistence, err, "load message")
	}
	conv, err := p.loadConversation(ctx, msg.ConversationID, userID)
	if err != nil {
		return nil, nil, err
	}
	return msg, conv, nil
}

// lockConversation serializes mutations and broadcasts of one conversation.
func (p *Pipeline) lockConversation(conversationID string) func() {
	return p.locks.Lock(conversationID)
}

func (p *Pipeline) broadcast(conversationID string, event models.Event, excludeConnID string) {
	n := p.Rooms.Broadcast(conversationID, event, excludeConnID)
	p.Metrics.BroadcastFrames(n)
}

// upstreamError maps a collaborator failure onto the rejection taxonomy.
func upstreamError(collaborator string, err error) *apperror.Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return apperror.Wrap(apperror.KindUpstreamTimeout, err, "%s did not answer in time", collaborator)
	}
	return apperror.Wrap(apperror.KindUpstreamFailure, err, "%s unavailable", collaborator)
}

func (p *Pipeline) checkSecurity(ctx context.Context, req upstream.SecurityRequest) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.UpstreamTimeout)
	defer cancel()

	start := time.Now()
	res, err := p.Security.Check(ctx, req)
	if err != nil {
		p.Metrics.ObserveUpstream("security", "error", time.Since(start))
		return upstreamError("security check", err)
	}
	p.Metrics.ObserveUpstream("security", "ok", time.Since(start))

	if !res.Allowed || res.RequiresCaptcha {
		return apperror.New(apperror.KindSecurityBlocked, "action blocked by security check").
			WithDetail("requiresCaptcha", res.RequiresCaptcha).
			WithDetail("riskScore", res.RiskScore)
	}
	if res.DelayMs > 0 {
		return apperror.RateLimited("slow down before sending again").
			WithDetail("retryAfterMs", res.DelayMs)
	}
	return nil
}

// moderate returns whether the text was flagged, or a rejection.
func (p *Pipeline) moderate(ctx context.Context, req upstream.ModerationRequest) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.UpstreamTimeout)
	defer cancel()

	start := time.Now()
	res, err := p.Moderator.Moderate(ctx, req)
	if err != nil {
		p.Metrics.ObserveUpstream("moderation", "error", time.Since(start))
		return false, upstreamError("moderation", err)
	}
	p.Metrics.ObserveUpstream("moderation", "ok", time.Since(start))

	switch res.Action {
	case upstream.ModerationBlock:
		return false, apperror.New(apperror.KindModerationBlocked, "message violates content policy").
			WithDetail("violations", res.Violations)
	case upstream.ModerationFlagged:
		return true, nil
	default:
		return false, nil
	}
}

func (p *Pipeline) encodeText(content models.Content) (models.Content, error) {
	env, err := p.Codec.Encode(content.Text)
	if err != nil {
		return content, apperror.Wrap(apperror.KindCodec, err, "failed to protect message content")
	}
	content.Text = ""
	content.Envelope = &env
	return content, nil
}

// View projects a stored message for a client: text is decrypted (or
// replaced by a placeholder) and deleted messages lose their content.
func (p *Pipeline) View(m *models.Message) models.MessageView {
	v := models.MessageView{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Seq:            m.Seq,
		Kind:           m.Kind,
		ReplyTo:        m.ReplyTo,
		Reactions:      m.Reactions,
		ReadBy:         m.ReadBy,
		Edited:         m.Edited,
		EditedAt:       m.EditedAt,
		Deleted:        m.Deleted,
		DeletedAt:      m.DeletedAt,
		Flagged:        m.Flagged,
		CreatedAt:      m.CreatedAt,
	}
	if m.Deleted {
		return v
	}
	v.Content = p.decodeContent(m.ID, m.Content)
	return v
}

func (p *Pipeline) decodeContent(messageID string, c models.Content) models.Content {
	if c.Envelope == nil {
		return c
	}
	text, ok := p.Codec.Decode(*c.Envelope)
	if !ok {
		p.log(logrus.Fields{"message_id": messageID, "key_id": c.Envelope.KeyID}).Warn("content could not be decrypted")
	}
	c.Text = text
	c.Envelope = nil
	return c
}

// History returns up to limit messages of the conversation older than
// beforeSeq (all when beforeSeq <= 0), oldest first, as seen by viewerID.
func (p *Pipeline) History(ctx context.Context, conversationID, viewerID string, limit int, beforeSeq int64) ([]models.MessageView, error) {
	if _, err := p.loadConversation(ctx, conversationID, viewerID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = p.cfg.HistoryLimit
	}
	msgs, err := p.Store.ListMessages(ctx, conversationID, limit, beforeSeq)
	if err != nil {
		return nil, apperror.Wrap(apperror.KindPersistence, err, "list messages")
	}
	views := make([]models.MessageView, 0, len(msgs))
	for _, m := range msgs {
		if m.IsHiddenFor(viewerID) {
			continue
		}
		views = append(views, p.View(m))
	}
	return views, nil
}
