package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adi-253/Talkie/realtime/internal/apperror"
	"github.com/adi-253/Talkie/realtime/internal/clock"
	"github.com/adi-253/Talkie/realtime/internal/codec"
	"github.com/adi-253/Talkie/realtime/internal/models"
	"github.com/adi-253/Talkie/realtime/internal/pipeline"
	"github.com/adi-253/Talkie/realtime/internal/presence"
	"github.com/adi-253/Talkie/realtime/internal/ratelimit"
	"github.com/adi-253/Talkie/realtime/internal/receipts"
	"github.com/adi-253/Talkie/realtime/internal/rooms"
	"github.com/adi-253/Talkie/realtime/internal/store/memory"
	"github.com/adi-253/Talkie/realtime/internal/typing"
	"github.com/adi-253/Talkie/realtime/internal/unread"
)

var t0 = time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)

func newService(t *testing.T) (*ConversationService, *pipeline.Pipeline) {
	t.Helper()
	st := memory.New()
	clk := clock.NewFake(t0)
	key, err := codec.GenerateKey("k1")
	require.NoError(t, err)
	cdc, err := codec.New([]codec.Key{key})
	require.NoError(t, err)

	counter := unread.NewMemory()
	reg := presence.New(0, nil)
	rm := rooms.New(st, reg)
	limiter := ratelimit.New(nil, clk)
	p := pipeline.New(pipeline.Deps{
		Store:    st,
		Codec:    cdc,
		Limiter:  limiter,
		Presence: reg,
		Rooms:    rm,
		Typing:   typing.New(rm, limiter, time.Hour),
		Receipts: receipts.New(st, counter, clk),
		Unread:   counter,
		Clock:    clk,
	}, pipeline.Config{})
	t.Cleanup(p.Wait)
	return NewConversationService(st, p, counter, clk), p
}

func TestCreateConversation(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	conv, err := svc.CreateConversation(ctx, models.CreateConversationRequest{ID: "c1", Participants: []string{"alice", " bob "}})
	require.NoError(t, err)
	assert.Equal(t, [2]string{"alice", "bob"}, conv.Participants)
	assert.Equal(t, models.StatusActive, conv.Status)
	assert.Equal(t, t0, conv.CreatedAt)

	_, err = svc.CreateConversation(ctx, models.CreateConversationRequest{ID: "c1", Participants: []string{"alice", "bob"}})
	assert.True(t, apperror.Is(err, apperror.KindValidation), "duplicate id")

	generated, err := svc.CreateConversation(ctx, models.CreateConversationRequest{Participants: []string{"alice", "carol"}})
	require.NoError(t, err)
	assert.NotEmpty(t, generated.ID)

	for name, participants := range map[string][]string{
		"one participant":   {"alice"},
		"three":             {"alice", "bob", "carol"},
		"blank participant": {"alice", "  "},
		"same user twice":   {"alice", "alice"},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := svc.CreateConversation(ctx, models.CreateConversationRequest{Participants: participants})
			assert.True(t, apperror.Is(err, apperror.KindValidation))
		})
	}
}

func TestGetConversationChecksMembership(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	_, err := svc.CreateConversation(ctx, models.CreateConversationRequest{ID: "c1", Participants: []string{"alice", "bob"}})
	require.NoError(t, err)

	conv, err := svc.GetConversation(ctx, "c1", "bob")
	require.NoError(t, err)
	assert.Equal(t, "c1", conv.ID)

	_, err = svc.GetConversation(ctx, "c1", "mallory")
	assert.True(t, apperror.Is(err, apperror.KindAuthorization))

	_, err = svc.GetConversation(ctx, "missing", "bob")
	assert.True(t, apperror.Is(err, apperror.KindNotFound))
}

func TestSendMessageUpdatesHistoryAndUnread(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	_, err := svc.CreateConversation(ctx, models.CreateConversationRequest{ID: "c1", Participants: []string{"alice", "bob"}})
	require.NoError(t, err)

	view, err := svc.SendMessage(ctx, "c1", "alice", models.SendMessagePayload{
		MessageType: models.KindText,
		Content:     models.Content{Text: "hello over http"},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), view.Seq)

	history, err := svc.GetMessages(ctx, "c1", "bob", 0, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "hello over http", history[0].Content.Text)

	n, err := svc.Unread(ctx, "c1", "bob")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = svc.Unread(ctx, "c1", "alice")
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = svc.Unread(ctx, "c1", "mallory")
	assert.True(t, apperror.Is(err, apperror.KindAuthorization))
}

func TestArchiveStopsNewMessages(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	_, err := svc.CreateConversation(ctx, models.CreateConversationRequest{ID: "c1", Participants: []string{"alice", "bob"}})
	require.NoError(t, err)

	_, err = svc.Archive(ctx, "c1", "mallory")
	assert.True(t, apperror.Is(err, apperror.KindAuthorization))

	conv, err := svc.Archive(ctx, "c1", "bob")
	require.NoError(t, err)
	assert.Equal(t, models.StatusArchived, conv.Status)

	_, err = svc.Archive(ctx, "c1", "alice")
	require.NoError(t, err, "archiving twice is harmless")

	_, err = svc.SendMessage(ctx, "c1", "alice", models.SendMessagePayload{
		MessageType: models.KindText,
		Content:     models.Content{Text: "anyone there?"},
	}, nil)
	assert.True(t, apperror.Is(err, apperror.KindAuthorization))
}

type countingPruner struct{ n, calls int }

func (p *countingPruner) Prune() int {
	p.calls++
	return p.n
}

func TestCleanupRunOnce(t *testing.T) {
	clk := clock.NewFake(t0)
	limiter := ratelimit.New(nil, clk)
	limiter.Admit("alice", ratelimit.ClassMessages)
	limiter.Admit("bob", ratelimit.ClassTyping)
	clk.Advance(2 * time.Minute)
	limiter.Admit("carol", ratelimit.ClassMessages)

	other := &countingPruner{n: 3}
	svc := NewCleanupService("* * * * *", map[string]Pruner{
		"rate_windows": limiter,
		"other":        other,
	}, Gauges{"tracked": limiter.Tracked}, nil)

	removed := svc.RunOnce()
	assert.Equal(t, map[string]int{"rate_windows": 2, "other": 3}, removed)
	assert.Equal(t, 1, limiter.Tracked())
	assert.Equal(t, 1, other.calls)
}

func TestCleanupStartStop(t *testing.T) {
	svc := NewCleanupService("0 0 1 1 *", nil, nil, nil)
	done := make(chan struct{})
	go func() {
		svc.Start()
		close(done)
	}()
	svc.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("cleanup service did not stop")
	}
}
