// Package storetest holds the behaviour every store.Store implementation must
// share. Adapters run it from their own tests.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adi-253/Talkie/realtime/internal/models"
	"github.com/adi-253/Talkie/realtime/internal/store"
)

// Factory returns a fresh, empty store for one subtest.
type Factory func(t *testing.T) store.Store

var base = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func conversation(id string) *models.Conversation {
	return &models.Conversation{
		ID:             id,
		Participants:   [2]string{"alice", "bob"},
		Status:         models.StatusActive,
		CreatedAt:      base,
		LastActivityAt: base,
	}
}

func message(id, convID string, at time.Time) *models.Message {
	return &models.Message{
		ID:             id,
		ConversationID: convID,
		SenderID:       "alice",
		Kind:           models.KindText,
		Content:        models.Content{Envelope: &models.Envelope{Ciphertext: "c", IV: "i", Tag: "t", KeyID: "k"}},
		CreatedAt:      at,
	}
}

// Run exercises the full Store contract.
func Run(t *testing.T, newStore Factory) {
	ctx := context.Background()

	t.Run("conversation lifecycle", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.CreateConversation(ctx, conversation("c1")))

		err := s.CreateConversation(ctx, conversation("c1"))
		assert.True(t, errors.Is(err, store.ErrConflict), "got %v", err)

		got, err := s.GetConversation(ctx, "c1")
		require.NoError(t, err)
		assert.Equal(t, [2]string{"alice", "bob"}, got.Participants)
		assert.Equal(t, models.StatusActive, got.Status)

		archived, err := s.SetConversationStatus(ctx, "c1", models.StatusArchived)
		require.NoError(t, err)
		assert.Equal(t, models.StatusArchived, archived.Status)

		_, err = s.GetConversation(ctx, "missing")
		assert.True(t, errors.Is(err, store.ErrNotFound), "got %v", err)
		_, err = s.SetConversationStatus(ctx, "missing", models.StatusArchived)
		assert.True(t, errors.Is(err, store.ErrNotFound), "got %v", err)
	})

	t.Run("append bumps counters and assigns seq", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.CreateConversation(ctx, conversation("c1")))

		m1 := message("m1", "c1", base.Add(time.Minute))
		conv, err := s.AppendMessage(ctx, m1)
		require.NoError(t, err)
		assert.Equal(t, int64(1), m1.Seq)
		assert.Equal(t, int64(1), conv.MessageCount)
		assert.Equal(t, "m1", conv.LastMessageID)
		assert.True(t, conv.LastActivityAt.Equal(base.Add(time.Minute)))

		m2 := message("m2", "c1", base.Add(2*time.Minute))
		conv, err = s.AppendMessage(ctx, m2)
		require.NoError(t, err)
		assert.Equal(t, int64(2), m2.Seq)
		assert.Equal(t, int64(2), conv.MessageCount)

		stored, err := s.GetConversation(ctx, "c1")
		require.NoError(t, err)
		assert.Equal(t, int64(2), stored.MessageCount)
		assert.Equal(t, "m2", stored.LastMessageID)

		_, err = s.AppendMessage(ctx, message("m2", "c1", base))
		assert.True(t, errors.Is(err, store.ErrConflict), "got %v", err)

		_, err = s.AppendMessage(ctx, message("m3", "nope", base))
		assert.True(t, errors.Is(err, store.ErrNotFound), "got %v", err)
	})

	t.Run("get and update message", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.CreateConversation(ctx, conversation("c1")))
		_, err := s.AppendMessage(ctx, message("m1", "c1", base))
		require.NoError(t, err)

		got, err := s.GetMessage(ctx, "m1")
		require.NoError(t, err)
		assert.Equal(t, "c1", got.ConversationID)
		assert.Equal(t, "k", got.Content.Envelope.KeyID)

		updated, err := s.UpdateMessage(ctx, "m1", func(m *models.Message) error {
			if m.Reactions == nil {
				m.Reactions = map[string]models.Reaction{}
			}
			m.Reactions["bob"] = models.Reaction{Emoji: "🔥", At: base}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, "🔥", updated.Reactions["bob"].Emoji)

		again, err := s.GetMessage(ctx, "m1")
		require.NoError(t, err)
		assert.Equal(t, "🔥", again.Reactions["bob"].Emoji)

		boom := errors.New("boom")
		_, err = s.UpdateMessage(ctx, "m1", func(m *models.Message) error {
			m.Deleted = true
			return boom
		})
		assert.ErrorIs(t, err, boom)
		again, err = s.GetMessage(ctx, "m1")
		require.NoError(t, err)
		assert.False(t, again.Deleted, "aborted mutation must not persist")

		_, err = s.UpdateMessage(ctx, "missing", func(*models.Message) error { return nil })
		assert.True(t, errors.Is(err, store.ErrNotFound), "got %v", err)
		_, err = s.GetMessage(ctx, "missing")
		assert.True(t, errors.Is(err, store.ErrNotFound), "got %v", err)
	})

	t.Run("list pages oldest first", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.CreateConversation(ctx, conversation("c1")))
		require.NoError(t, s.CreateConversation(ctx, conversation("c2")))
		for i := 1; i <= 5; i++ {
			_, err := s.AppendMessage(ctx, message(fmt.Sprintf("m%d", i), "c1", base.Add(time.Duration(i)*time.Second)))
			require.NoError(t, err)
		}
		_, err := s.AppendMessage(ctx, message("other", "c2", base))
		require.NoError(t, err)

		all, err := s.ListMessages(ctx, "c1", 10, 0)
		require.NoError(t, err)
		require.Len(t, all, 5)
		for i, m := range all {
			assert.Equal(t, int64(i+1), m.Seq)
		}

		latest, err := s.ListMessages(ctx, "c1", 2, 0)
		require.NoError(t, err)
		require.Len(t, latest, 2)
		assert.Equal(t, "m4", latest[0].ID)
		assert.Equal(t, "m5", latest[1].ID)

		older, err := s.ListMessages(ctx, "c1", 2, 4)
		require.NoError(t, err)
		require.Len(t, older, 2)
		assert.Equal(t, "m2", older[0].ID)
		assert.Equal(t, "m3", older[1].ID)

		none, err := s.ListMessages(ctx, "c1", 2, 1)
		require.NoError(t, err)
		assert.Empty(t, none)

		empty, err := s.ListMessages(ctx, "unknown", 10, 0)
		require.NoError(t, err)
		assert.Empty(t, empty)
	})

	t.Run("concurrent appends get distinct seqs", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.CreateConversation(ctx, conversation("c1")))

		const n = 20
		var wg sync.WaitGroup
		seqs := make([]int64, n)
		errs := make([]error, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				m := message(fmt.Sprintf("m%02d", i), "c1", base)
				_, errs[i] = s.AppendMessage(ctx, m)
				seqs[i] = m.Seq
			}(i)
		}
		wg.Wait()

		seen := map[int64]bool{}
		for i := 0; i < n; i++ {
			require.NoError(t, errs[i])
			assert.False(t, seen[seqs[i]], "duplicate seq %d", seqs[i])
			seen[seqs[i]] = true
		}
		conv, err := s.GetConversation(ctx, "c1")
		require.NoError(t, err)
		assert.Equal(t, int64(n), conv.MessageCount)
	})
}
