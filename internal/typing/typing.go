// Package typing tracks who is composing a message in each conversation.
// Entries expire on their own a few seconds after the last start signal.
package typing

import (
	"sort"
	"sync/atomic"
	"time"

	"github.com/adi-253/Talkie/realtime/internal/apperror"
	"github.com/adi-253/Talkie/realtime/internal/keyed"
	"github.com/adi-253/Talkie/realtime/internal/models"
	"github.com/adi-253/Talkie/realtime/internal/ratelimit"
)

// DefaultTimeout is how long a typing indicator lives without a refresh.
const DefaultTimeout = 3 * time.Second

// Broadcaster fans events out to a conversation's joined connections.
type Broadcaster interface {
	Broadcast(conversationID string, event models.Event, excludeConnID string) int
}

// Admitter is the rate limiter's admission check.
type Admitter interface {
	Admit(userID string, class ratelimit.Class) bool
}

type entry struct {
	gen   uint64
	timer *time.Timer
}

// Tracker holds the ephemeral typing set of every conversation.
type Tracker struct {
	rooms   Broadcaster
	limiter Admitter
	timeout time.Duration

	// conversation id -> user id -> entry
	convs *keyed.Map[map[string]*entry]
	gen   atomic.Uint64
}

// New creates a tracker. A non-positive timeout uses DefaultTimeout.
func New(rooms Broadcaster, limiter Admitter, timeout time.Duration) *Tracker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Tracker{
		rooms:   rooms,
		limiter: limiter,
		timeout: timeout,
		convs:   keyed.NewMap[map[string]*entry](),
	}
}

func typingEvent(eventType, conversationID, userID string) models.Event {
	return models.Event{
		Type:    eventType,
		Payload: models.TypingEvent{UserID: userID, ConversationID: conversationID},
	}
}

// Start marks userID as typing, tells the other joined connections and
// (re)arms the auto-stop timer. Events are emitted under the conversation's
// shard lock so start and stop reach clients in the order they happened.
func (t *Tracker) Start(conversationID, userID, originConnID string) error {
	if t.limiter != nil && !t.limiter.Admit(userID, ratelimit.ClassTyping) {
		return apperror.RateLimited("too many typing updates")
	}
	t.convs.Update(conversationID, func(users map[string]*entry, ok bool) (map[string]*entry, bool) {
		if !ok {
			users = make(map[string]*entry, 2)
		}
		e, exists := users[userID]
		if !exists {
			e = &entry{}
			users[userID] = e
		}
		if e.timer != nil {
			e.timer.Stop()
		}
		gen := t.gen.Add(1)
		e.gen = gen
		e.timer = time.AfterFunc(t.timeout, func() { t.expire(conversationID, userID, gen) })
		t.rooms.Broadcast(conversationID, typingEvent(models.EventTypingStart, conversationID, userID), originConnID)
		return users, true
	})
	return nil
}

// Stop clears userID's indicator. Nothing is broadcast when the user was not
// typing. It reports whether an indicator was removed.
func (t *Tracker) Stop(conversationID, userID, originConnID string) bool {
	removed := false
	t.convs.Update(conversationID, func(users map[string]*entry, ok bool) (map[string]*entry, bool) {
		if !ok {
			return nil, false
		}
		e, exists := users[userID]
		if !exists {
			return users, true
		}
		if e.timer != nil {
			e.timer.Stop()
		}
		delete(users, userID)
		removed = true
		t.rooms.Broadcast(conversationID, typingEvent(models.EventTypingStop, conversationID, userID), originConnID)
		return users, len(users) > 0
	})
	return removed
}

func (t *Tracker) expire(conversationID, userID string, gen uint64) {
	t.convs.Update(conversationID, func(users map[string]*entry, ok bool) (map[string]*entry, bool) {
		if !ok {
			return nil, false
		}
		e, exists := users[userID]
		if !exists || e.gen != gen {
			return users, true
		}
		delete(users, userID)
		t.rooms.Broadcast(conversationID, typingEvent(models.EventTypingStop, conversationID, userID), "")
		return users, len(users) > 0
	})
}

// Typing returns the users currently typing in the conversation, sorted.
func (t *Tracker) Typing(conversationID string) []string {
	out := []string{}
	t.convs.View(conversationID, func(users map[string]*entry, ok bool) {
		for u := range users {
			out = append(out, u)
		}
	})
	sort.Strings(out)
	return out
}
