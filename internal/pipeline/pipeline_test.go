package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adi-253/Talkie/realtime/internal/apperror"
	"github.com/adi-253/Talkie/realtime/internal/clock"
	"github.com/adi-253/Talkie/realtime/internal/codec"
	"github.com/adi-253/Talkie/realtime/internal/models"
	"github.com/adi-253/Talkie/realtime/internal/presence"
	"github.com/adi-253/Talkie/realtime/internal/ratelimit"
	"github.com/adi-253/Talkie/realtime/internal/receipts"
	"github.com/adi-253/Talkie/realtime/internal/retention"
	"github.com/adi-253/Talkie/realtime/internal/rooms"
	"github.com/adi-253/Talkie/realtime/internal/store"
	"github.com/adi-253/Talkie/realtime/internal/store/memory"
	"github.com/adi-253/Talkie/realtime/internal/typing"
	"github.com/adi-253/Talkie/realtime/internal/unread"
	"github.com/adi-253/Talkie/realtime/internal/upstream"
)

var t0 = time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)

type fakeConn struct {
	id, user string

	mu     sync.Mutex
	frames []models.Frame
}

func (c *fakeConn) ID() string     { return c.id }
func (c *fakeConn) UserID() string { return c.user }
func (c *fakeConn) Close()         {}
func (c *fakeConn) Send(frame []byte) bool {
	var fr models.Frame
	if err := json.Unmarshal(frame, &fr); err != nil {
		panic(err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, fr)
	return true
}

func (c *fakeConn) ofType(typ string) []models.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []models.Frame
	for _, f := range c.frames {
		if f.Type == typ {
			out = append(out, f)
		}
	}
	return out
}

func (c *fakeConn) newMessages(t *testing.T) []models.MessageView {
	t.Helper()
	var out []models.MessageView
	for _, f := range c.ofType(models.EventNewMessage) {
		var nm models.NewMessage
		require.NoError(t, json.Unmarshal(f.Payload, &nm))
		out = append(out, nm.Message)
	}
	return out
}

type fakeSecurity struct {
	result upstream.SecurityResult
	err    error
}

func (f *fakeSecurity) Check(ctx context.Context, _ upstream.SecurityRequest) (upstream.SecurityResult, error) {
	return f.result, f.err
}

type fakeModerator struct {
	result upstream.ModerationResult
	err    error
	block  bool
}

func (f *fakeModerator) Moderate(ctx context.Context, _ upstream.ModerationRequest) (upstream.ModerationResult, error) {
	if f.block {
		<-ctx.Done()
		return upstream.ModerationResult{}, ctx.Err()
	}
	return f.result, f.err
}

type recordingNotifier struct {
	mu   sync.Mutex
	reqs []upstream.PushRequest
}

func (n *recordingNotifier) Notify(_ context.Context, req upstream.PushRequest) (upstream.PushResult, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.reqs = append(n.reqs, req)
	return upstream.PushResult{Success: true}, nil
}

type harness struct {
	p        *Pipeline
	store    store.Store
	clock    *clock.Fake
	presence *presence.Registry
	rooms    *rooms.Manager
	unread   *unread.Memory
	security *fakeSecurity
	mod      *fakeModerator
	push     *recordingNotifier
	alice    *fakeConn
	bob      *fakeConn
}

func newHarness(t *testing.T, st store.Store, limits map[ratelimit.Class]ratelimit.Limit) *harness {
	t.Helper()
	if st == nil {
		st = memory.New()
	}
	ctx := context.Background()
	require.NoError(t, st.CreateConversation(ctx, &models.Conversation{
		ID: "c1", Participants: [2]string{"alice", "bob"}, Status: models.StatusActive, CreatedAt: t0,
	}))
	require.NoError(t, st.CreateConversation(ctx, &models.Conversation{
		ID: "c2", Participants: [2]string{"alice", "carol"}, Status: models.StatusActive, CreatedAt: t0,
	}))

	key, err := codec.GenerateKey("k1")
	require.NoError(t, err)
	cdc, err := codec.New([]codec.Key{key})
	require.NoError(t, err)

	h := &harness{
		store:    st,
		clock:    clock.NewFake(t0),
		presence: presence.New(0, nil),
		unread:   unread.NewMemory(),
		security: &fakeSecurity{result: upstream.SecurityResult{Allowed: true}},
		mod:      &fakeModerator{result: upstream.ModerationResult{Action: upstream.ModerationApproved}},
		push:     &recordingNotifier{},
		alice:    &fakeConn{id: "a1", user: "alice"},
		bob:      &fakeConn{id: "b1", user: "bob"},
	}
	h.rooms = rooms.New(st, h.presence)
	limiter := ratelimit.New(limits, h.clock)
	h.p = New(Deps{
		Store:     st,
		Codec:     cdc,
		Limiter:   limiter,
		Presence:  h.presence,
		Rooms:     h.rooms,
		Typing:    typing.New(h.rooms, limiter, time.Hour),
		Receipts:  receipts.New(st, h.unread, h.clock),
		Retention: retention.NewPolicy(0, 0),
		Unread:    h.unread,
		Security:  h.security,
		Moderator: h.mod,
		Notifier:  h.push,
		Clock:     h.clock,
	}, Config{UpstreamTimeout: 50 * time.Millisecond, PersistBackoff: time.Millisecond})

	for _, c := range []*fakeConn{h.alice, h.bob} {
		h.presence.Connect(c)
		_, err := h.rooms.Join(ctx, c, "c1")
		require.NoError(t, err)
	}
	return h
}

func (h *harness) sendText(t *testing.T, text string) *models.MessageView {
	t.Helper()
	v, err := h.p.Send(context.Background(), SendRequest{
		SenderID: "alice", ConnID: "a1", ConversationID: "c1", Kind: models.KindText,
		Content: models.Content{Text: text},
	})
	require.NoError(t, err)
	return v
}

func requireRejected(t *testing.T, err error, kind apperror.Kind, stage string) *apperror.Error {
	t.Helper()
	require.Error(t, err)
	var appErr *apperror.Error
	require.True(t, errors.As(err, &appErr), "expected *apperror.Error, got %T", err)
	assert.Equal(t, kind, appErr.Kind, appErr.Reason)
	assert.Equal(t, stage, appErr.Stage)
	return appErr
}

func TestSendDeliversToEveryJoinedConnection(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()
	alice2 := &fakeConn{id: "a2", user: "alice"}
	_, err := h.rooms.Join(ctx, alice2, "c1")
	require.NoError(t, err)

	v := h.sendText(t, "hi")
	assert.Equal(t, "hi", v.Content.Text)
	assert.Equal(t, int64(1), v.Seq)

	for _, c := range []*fakeConn{h.alice, alice2, h.bob} {
		got := c.newMessages(t)
		require.Len(t, got, 1, c.id)
		assert.Equal(t, "hi", got[0].Content.Text)
		assert.Equal(t, "alice", got[0].SenderID)
		assert.Equal(t, models.KindText, got[0].Kind)
		assert.Nil(t, got[0].Content.Envelope)
	}

	conv, err := h.store.GetConversation(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), conv.MessageCount)
	assert.Equal(t, v.ID, conv.LastMessageID)

	stored, err := h.store.GetMessage(ctx, v.ID)
	require.NoError(t, err)
	assert.Empty(t, stored.Content.Text, "plaintext must not be persisted")
	require.NotNil(t, stored.Content.Envelope)
	assert.Equal(t, "k1", stored.Content.Envelope.KeyID)

	n, err := h.unread.Get(ctx, "c1", "bob")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	n, err = h.unread.Get(ctx, "c1", "alice")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSendValidation(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()

	other, err := h.p.Send(ctx, SendRequest{
		SenderID: "alice", ConversationID: "c2", Content: models.Content{Text: "elsewhere"},
	})
	require.NoError(t, err)

	long := make([]rune, 2001)
	for i := range long {
		long[i] = 'x'
	}

	cases := []struct {
		name string
		req  SendRequest
		kind apperror.Kind
	}{
		{"empty text", SendRequest{SenderID: "alice", ConversationID: "c1", Kind: models.KindText, Content: models.Content{Text: "  "}}, apperror.KindValidation},
		{"too long", SendRequest{SenderID: "alice", ConversationID: "c1", Content: models.Content{Text: string(long)}}, apperror.KindValidation},
		{"system kind", SendRequest{SenderID: "alice", ConversationID: "c1", Kind: models.KindSystem, Content: models.Content{Text: "x"}}, apperror.KindValidation},
		{"unknown kind", SendRequest{SenderID: "alice", ConversationID: "c1", Kind: "sticker"}, apperror.KindValidation},
		{"image without url", SendRequest{SenderID: "alice", ConversationID: "c1", Kind: models.KindImage}, apperror.KindValidation},
		{"file without name", SendRequest{SenderID: "alice", ConversationID: "c1", Kind: models.KindFile, Content: models.Content{MediaURL: "https://cdn/x"}}, apperror.KindValidation},
		{"bad location", SendRequest{SenderID: "alice", ConversationID: "c1", Kind: models.KindLocation, Content: models.Content{Location: &models.Location{Lat: 91}}}, apperror.KindValidation},
		{"activity without id", SendRequest{SenderID: "alice", ConversationID: "c1", Kind: models.KindActivity, Content: models.Content{Activity: &models.ActivityRef{}}}, apperror.KindValidation},
		{"reply across conversations", SendRequest{SenderID: "alice", ConversationID: "c1", Content: models.Content{Text: "re"}, ReplyTo: other.ID}, apperror.KindValidation},
		{"missing reply", SendRequest{SenderID: "alice", ConversationID: "c1", Content: models.Content{Text: "re"}, ReplyTo: "nope"}, apperror.KindValidation},
		{"not a participant", SendRequest{SenderID: "mallory", ConversationID: "c1", Content: models.Content{Text: "hey"}}, apperror.KindAuthorization},
		{"unknown conversation", SendRequest{SenderID: "alice", ConversationID: "c9", Content: models.Content{Text: "hey"}}, apperror.KindNotFound},
		{"missing conversation", SendRequest{SenderID: "alice", Content: models.Content{Text: "hey"}}, apperror.KindValidation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.p.Send(ctx, tc.req)
			requireRejected(t, err, tc.kind, StageValidated)
		})
	}

	assert.Empty(t, h.bob.newMessages(t))
	conv, err := h.store.GetConversation(ctx, "c1")
	require.NoError(t, err)
	assert.Zero(t, conv.MessageCount)
}

func TestSendAcceptsMediaKinds(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()

	v, err := h.p.Send(ctx, SendRequest{
		SenderID: "alice", ConversationID: "c1", Kind: models.KindImage,
		Content: models.Content{MediaURL: "https://cdn/p.jpg", Text: "ignored"},
	})
	require.NoError(t, err)
	assert.Equal(t, "https://cdn/p.jpg", v.Content.MediaURL)
	assert.Empty(t, v.Content.Text)

	v, err = h.p.Send(ctx, SendRequest{
		SenderID: "alice", ConversationID: "c1", Kind: models.KindLocation,
		Content: models.Content{Location: &models.Location{Lat: 52.5, Lng: 13.4}},
	})
	require.NoError(t, err)
	require.NotNil(t, v.Content.Location)
	assert.Equal(t, 52.5, v.Content.Location.Lat)
}

func TestSendRejectsArchivedConversation(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()
	_, err := h.store.SetConversationStatus(ctx, "c1", models.StatusArchived)
	require.NoError(t, err)

	_, err = h.p.Send(ctx, SendRequest{SenderID: "alice", ConversationID: "c1", Content: models.Content{Text: "hi"}})
	requireRejected(t, err, apperror.KindAuthorization, StageValidated)
}

func TestSendIsRateLimited(t *testing.T) {
	h := newHarness(t, nil, map[ratelimit.Class]ratelimit.Limit{
		ratelimit.ClassMessages: {Max: 2, Window: time.Minute},
	})
	h.sendText(t, "one")
	h.sendText(t, "two")

	_, err := h.p.Send(context.Background(), SendRequest{SenderID: "alice", ConversationID: "c1", Content: models.Content{Text: "three"}})
	appErr := requireRejected(t, err, apperror.KindRateLimit, StageRateChecked)
	assert.Contains(t, appErr.Details, "retryAfterMs")

	h.clock.Advance(time.Minute + time.Second)
	h.sendText(t, "four")
	assert.Len(t, h.bob.newMessages(t), 3)
}

func TestSendCollaboratorVerdicts(t *testing.T) {
	ctx := context.Background()
	req := SendRequest{SenderID: "alice", ConversationID: "c1", Content: models.Content{Text: "hello"}}

	t.Run("security blocked", func(t *testing.T) {
		h := newHarness(t, nil, nil)
		h.security.result = upstream.SecurityResult{Allowed: false, RiskScore: 0.9}
		_, err := h.p.Send(ctx, req)
		requireRejected(t, err, apperror.KindSecurityBlocked, StageSecurityChecked)
		assert.Empty(t, h.bob.newMessages(t))
	})

	t.Run("captcha required", func(t *testing.T) {
		h := newHarness(t, nil, nil)
		h.security.result = upstream.SecurityResult{Allowed: true, RequiresCaptcha: true}
		_, err := h.p.Send(ctx, req)
		requireRejected(t, err, apperror.KindSecurityBlocked, StageSecurityChecked)
	})

	t.Run("security delay", func(t *testing.T) {
		h := newHarness(t, nil, nil)
		h.security.result = upstream.SecurityResult{Allowed: true, DelayMs: 1500}
		_, err := h.p.Send(ctx, req)
		appErr := requireRejected(t, err, apperror.KindRateLimit, StageSecurityChecked)
		assert.Equal(t, int64(1500), appErr.Details["retryAfterMs"])
	})

	t.Run("security unavailable", func(t *testing.T) {
		h := newHarness(t, nil, nil)
		h.security.err = errors.New("connection refused")
		_, err := h.p.Send(ctx, req)
		requireRejected(t, err, apperror.KindUpstreamFailure, StageSecurityChecked)
	})

	t.Run("moderation block", func(t *testing.T) {
		h := newHarness(t, nil, nil)
		h.mod.result = upstream.ModerationResult{Action: upstream.ModerationBlock, Violations: []string{"harassment"}}
		_, err := h.p.Send(ctx, req)
		appErr := requireRejected(t, err, apperror.KindModerationBlocked, StageModerated)
		assert.Equal(t, []string{"harassment"}, appErr.Details["violations"])
		assert.Empty(t, h.bob.newMessages(t))
	})

	t.Run("moderation flagged", func(t *testing.T) {
		h := newHarness(t, nil, nil)
		h.mod.result = upstream.ModerationResult{Action: upstream.ModerationFlagged}
		v, err := h.p.Send(ctx, req)
		require.NoError(t, err)
		assert.True(t, v.Flagged)
	})

	t.Run("moderation timeout", func(t *testing.T) {
		h := newHarness(t, nil, nil)
		h.mod.block = true
		start := time.Now()
		_, err := h.p.Send(ctx, req)
		requireRejected(t, err, apperror.KindUpstreamTimeout, StageModerated)
		assert.Less(t, time.Since(start), time.Second)
	})

	t.Run("media skips moderation", func(t *testing.T) {
		h := newHarness(t, nil, nil)
		h.mod.block = true
		_, err := h.p.Send(ctx, SendRequest{
			SenderID: "alice", ConversationID: "c1", Kind: models.KindVoice,
			Content: models.Content{MediaURL: "https://cdn/v.ogg", DurationSec: 3},
		})
		require.NoError(t, err)
	})
}

func TestConcurrentSendsArriveInCommitOrder(t *testing.T) {
	h := newHarness(t, nil, map[ratelimit.Class]ratelimit.Limit{
		ratelimit.ClassMessages: {Max: 1000, Window: time.Minute},
	})
	ctx := context.Background()
	const n = 40

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		sender := "alice"
		if i%2 == 1 {
			sender = "bob"
		}
		wg.Add(1)
		go func(i int, sender string) {
			defer wg.Done()
			_, err := h.p.Send(ctx, SendRequest{
				SenderID: sender, ConversationID: "c1", Content: models.Content{Text: fmt.Sprintf("m%d", i)},
			})
			assert.NoError(t, err)
		}(i, sender)
	}
	wg.Wait()

	for _, c := range []*fakeConn{h.alice, h.bob} {
		got := c.newMessages(t)
		require.Len(t, got, n)
		for i, v := range got {
			assert.Equal(t, int64(i+1), v.Seq, "connection %s frame %d", c.id, i)
		}
	}

	conv, err := h.store.GetConversation(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(n), conv.MessageCount)
}

// flakyStore fails the first failures appends.
type flakyStore struct {
	store.Store
	failures atomic.Int32
}

func (s *flakyStore) AppendMessage(ctx context.Context, msg *models.Message) (*models.Conversation, error) {
	if s.failures.Add(-1) >= 0 {
		return nil, errors.New("disk full")
	}
	return s.Store.AppendMessage(ctx, msg)
}

func TestPersistRetriesOnce(t *testing.T) {
	st := &flakyStore{Store: memory.New()}
	h := newHarness(t, st, nil)

	st.failures.Store(1)
	v := h.sendText(t, "second time lucky")
	assert.Equal(t, int64(1), v.Seq)

	st.failures.Store(2)
	_, err := h.p.Send(context.Background(), SendRequest{SenderID: "alice", ConversationID: "c1", Content: models.Content{Text: "lost"}})
	requireRejected(t, err, apperror.KindPersistence, StagePersisted)
	assert.Len(t, h.bob.newMessages(t), 1, "nothing is broadcast without a commit")
}

func TestOfflineRecipientIsNotified(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.presence.Disconnect(h.bob)
	require.False(t, h.presence.IsOnline("bob"))

	v := h.sendText(t, "are you there?")
	h.p.Wait()

	h.push.mu.Lock()
	defer h.push.mu.Unlock()
	require.Len(t, h.push.reqs, 1)
	assert.Equal(t, "bob", h.push.reqs[0].UserID)
	assert.Equal(t, PushTemplateNewMessage, h.push.reqs[0].Template)
	assert.Equal(t, v.ID, h.push.reqs[0].Data["messageId"])
	assert.Equal(t, "are you there?", h.push.reqs[0].Data["preview"])
}

func TestOnlineRecipientIsNotPushed(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.sendText(t, "hi")
	h.p.Wait()

	h.push.mu.Lock()
	defer h.push.mu.Unlock()
	assert.Empty(t, h.push.reqs)
}

func TestSendStopsSenderTyping(t *testing.T) {
	h := newHarness(t, nil, nil)
	require.NoError(t, h.p.Typing.Start("c1", "alice", "a1"))
	h.sendText(t, "done typing")

	assert.Empty(t, h.p.Typing.Typing("c1"))
	assert.Len(t, h.bob.ofType(models.EventTypingStop), 1)
}

func TestEditWithinWindow(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()
	v := h.sendText(t, "helo")

	h.clock.Advance(time.Minute)
	ev, err := h.p.Edit(ctx, EditRequest{UserID: "alice", MessageID: v.ID, NewContent: models.Content{Text: "hello"}})
	require.NoError(t, err)
	assert.Equal(t, "hello", ev.NewContent.Text)
	assert.Equal(t, t0.Add(time.Minute), ev.EditedAt)
	assert.Len(t, h.bob.ofType(models.EventMessageEdited), 1)

	stored, err := h.store.GetMessage(ctx, v.ID)
	require.NoError(t, err)
	require.Len(t, stored.EditHistory, 1)
	assert.NotNil(t, stored.EditHistory[0].Content.Envelope)
	assert.Empty(t, stored.Content.Text)

	history, err := h.p.History(ctx, "c1", "bob", 0, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "hello", history[0].Content.Text)
	assert.True(t, history[0].Edited)

	_, err = h.p.Edit(ctx, EditRequest{UserID: "bob", MessageID: v.ID, NewContent: models.Content{Text: "mine now"}})
	requireRejected(t, err, apperror.KindAuthorization, StageRateChecked)

	h.clock.Advance(15 * time.Minute)
	_, err = h.p.Edit(ctx, EditRequest{UserID: "alice", MessageID: v.ID, NewContent: models.Content{Text: "too late"}})
	requireRejected(t, err, apperror.KindAuthorization, StageRateChecked)
}

func TestEditIsModerated(t *testing.T) {
	h := newHarness(t, nil, nil)
	v := h.sendText(t, "nice")

	h.mod.result = upstream.ModerationResult{Action: upstream.ModerationBlock}
	_, err := h.p.Edit(context.Background(), EditRequest{UserID: "alice", MessageID: v.ID, NewContent: models.Content{Text: "nasty"}})
	requireRejected(t, err, apperror.KindModerationBlocked, StageModerated)
	assert.Empty(t, h.bob.ofType(models.EventMessageEdited))
}

func TestDeleteWindowsAndScopes(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()
	v := h.sendText(t, "oops")

	h.clock.Advance(2 * time.Hour)
	_, err := h.p.Delete(ctx, DeleteRequest{UserID: "alice", MessageID: v.ID, DeleteFor: models.DeleteForEveryone})
	requireRejected(t, err, apperror.KindAuthorization, StageRateChecked)

	changed, err := h.p.Delete(ctx, DeleteRequest{UserID: "alice", MessageID: v.ID, DeleteFor: models.DeleteForMe})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Len(t, h.alice.ofType(models.EventMessageDeleted), 1)
	assert.Empty(t, h.bob.ofType(models.EventMessageDeleted), "delete for me stays private")

	changed, err = h.p.Delete(ctx, DeleteRequest{UserID: "alice", MessageID: v.ID, DeleteFor: models.DeleteForMe})
	require.NoError(t, err)
	assert.False(t, changed)

	mine, err := h.p.History(ctx, "c1", "alice", 0, 0)
	require.NoError(t, err)
	assert.Empty(t, mine)
	theirs, err := h.p.History(ctx, "c1", "bob", 0, 0)
	require.NoError(t, err)
	require.Len(t, theirs, 1)
	assert.Equal(t, "oops", theirs[0].Content.Text)

	_, err = h.p.Delete(ctx, DeleteRequest{UserID: "alice", MessageID: v.ID, DeleteFor: "nobody"})
	requireRejected(t, err, apperror.KindValidation, StageValidated)
}

func TestDeleteForEveryoneIsIdempotent(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()
	v := h.sendText(t, "secret")

	_, err := h.p.Delete(ctx, DeleteRequest{UserID: "bob", MessageID: v.ID, DeleteFor: models.DeleteForEveryone})
	requireRejected(t, err, apperror.KindAuthorization, StageRateChecked)

	changed, err := h.p.Delete(ctx, DeleteRequest{UserID: "alice", MessageID: v.ID, DeleteFor: models.DeleteForEveryone})
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = h.p.Delete(ctx, DeleteRequest{UserID: "alice", MessageID: v.ID, DeleteFor: models.DeleteForEveryone})
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Len(t, h.bob.ofType(models.EventMessageDeleted), 1)

	history, err := h.p.History(ctx, "c1", "bob", 0, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.True(t, history[0].Deleted)
	assert.Empty(t, history[0].Content.Text)
}

func TestReactAndMarkRead(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()
	v1 := h.sendText(t, "one")
	v2 := h.sendText(t, "two")

	changed, err := h.p.React(ctx, ReactRequest{UserID: "bob", MessageID: v1.ID, Emoji: "👍", Action: models.ReactionAdd})
	require.NoError(t, err)
	assert.True(t, changed)
	changed, err = h.p.React(ctx, ReactRequest{UserID: "bob", MessageID: v1.ID, Emoji: "👍", Action: models.ReactionAdd})
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Len(t, h.alice.ofType(models.EventMessageReaction), 1)

	_, err = h.p.React(ctx, ReactRequest{UserID: "carol", MessageID: v1.ID, Emoji: "👎", Action: models.ReactionAdd})
	requireRejected(t, err, apperror.KindAuthorization, StageValidated)

	marked, err := h.p.MarkRead(ctx, MarkReadRequest{UserID: "bob", ConversationID: "c1", MessageIDs: []string{v1.ID}})
	require.NoError(t, err)
	assert.Equal(t, []string{v1.ID}, marked)
	n, err := h.unread.Get(ctx, "c1", "bob")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	marked, err = h.p.MarkRead(ctx, MarkReadRequest{UserID: "bob", ConversationID: "c1"})
	require.NoError(t, err)
	assert.Equal(t, []string{v2.ID}, marked)
	n, err = h.unread.Get(ctx, "c1", "bob")
	require.NoError(t, err)
	assert.Zero(t, n)

	marked, err = h.p.MarkRead(ctx, MarkReadRequest{UserID: "bob", ConversationID: "c1"})
	require.NoError(t, err)
	assert.Empty(t, marked)

	reads := h.alice.ofType(models.EventMessagesRead)
	require.Len(t, reads, 2)
	var ev models.MessagesReadEvent
	require.NoError(t, json.Unmarshal(reads[0].Payload, &ev))
	assert.Equal(t, "bob", ev.ReadBy)
}

func TestReactionsAreRateLimited(t *testing.T) {
	h := newHarness(t, nil, map[ratelimit.Class]ratelimit.Limit{
		ratelimit.ClassReactions: {Max: 1, Window: time.Minute},
	})
	v := h.sendText(t, "react to me")

	_, err := h.p.React(context.Background(), ReactRequest{UserID: "bob", MessageID: v.ID, Emoji: "🔥", Action: models.ReactionAdd})
	require.NoError(t, err)
	_, err = h.p.React(context.Background(), ReactRequest{UserID: "bob", MessageID: v.ID, Emoji: "❤️", Action: models.ReactionAdd})
	requireRejected(t, err, apperror.KindRateLimit, StageRateChecked)
}

func TestMalformedReactionsKeepTheBudget(t *testing.T) {
	h := newHarness(t, nil, map[ratelimit.Class]ratelimit.Limit{
		ratelimit.ClassReactions: {Max: 1, Window: time.Minute},
	})
	v := h.sendText(t, "react to me")
	ctx := context.Background()

	for name, req := range map[string]ReactRequest{
		"unknown action": {UserID: "bob", MessageID: v.ID, Emoji: "🔥", Action: "toggle"},
		"missing emoji":  {UserID: "bob", MessageID: v.ID, Action: models.ReactionAdd},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := h.p.React(ctx, req)
			requireRejected(t, err, apperror.KindValidation, StageValidated)
		})
	}

	changed, err := h.p.React(ctx, ReactRequest{UserID: "bob", MessageID: v.ID, Emoji: "🔥", Action: models.ReactionAdd})
	require.NoError(t, err)
	assert.True(t, changed)
}

func TestHistoryDegradesUndecodableContent(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()

	_, err := h.store.AppendMessage(ctx, &models.Message{
		ID: "legacy", ConversationID: "c1", SenderID: "bob", Kind: models.KindText, CreatedAt: t0,
		Content: models.Content{Envelope: &models.Envelope{Ciphertext: "AAAA", IV: "AAAA", Tag: "AAAA", KeyID: "retired"}},
	})
	require.NoError(t, err)
	h.sendText(t, "fresh")

	history, err := h.p.History(ctx, "c1", "alice", 0, 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, codec.Unrecoverable, history[0].Content.Text)
	assert.Equal(t, "fresh", history[1].Content.Text)

	page, err := h.p.History(ctx, "c1", "alice", 1, 2)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "legacy", page[0].ID)

	_, err = h.p.History(ctx, "c1", "carol", 0, 0)
	assert.True(t, apperror.Is(err, apperror.KindAuthorization))
}
