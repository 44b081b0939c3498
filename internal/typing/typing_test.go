package typing

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adi-253/Talkie/realtime/internal/apperror"
	"github.com/adi-253/Talkie/realtime/internal/models"
	"github.com/adi-253/Talkie/realtime/internal/ratelimit"
)

type sent struct {
	conv    string
	event   models.Event
	exclude string
}

type recorder struct {
	mu     sync.Mutex
	events []sent
}

func (r *recorder) Broadcast(conv string, ev models.Event, exclude string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, sent{conv, ev, exclude})
	return 1
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.event.Type
	}
	return out
}

func (r *recorder) last() sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

type admitFunc func(string, ratelimit.Class) bool

func (f admitFunc) Admit(u string, c ratelimit.Class) bool { return f(u, c) }

func allowAll() Admitter { return admitFunc(func(string, ratelimit.Class) bool { return true }) }

func TestStartBroadcastsAndAutoStops(t *testing.T) {
	rec := &recorder{}
	tr := New(rec, allowAll(), 30*time.Millisecond)

	require.NoError(t, tr.Start("c1", "alice", "conn-a"))
	assert.Equal(t, []string{"alice"}, tr.Typing("c1"))

	first := rec.last()
	assert.Equal(t, models.EventTypingStart, first.event.Type)
	assert.Equal(t, "conn-a", first.exclude)
	assert.Equal(t, models.TypingEvent{UserID: "alice", ConversationID: "c1"}, first.event.Payload)

	require.Eventually(t, func() bool { return len(rec.types()) == 2 }, time.Second, 5*time.Millisecond)
	stop := rec.last()
	assert.Equal(t, models.EventTypingStop, stop.event.Type)
	assert.Equal(t, "", stop.exclude)
	assert.Empty(t, tr.Typing("c1"))
}

func TestRefreshCancelsPendingStop(t *testing.T) {
	rec := &recorder{}
	tr := New(rec, allowAll(), 100*time.Millisecond)

	require.NoError(t, tr.Start("c1", "alice", ""))
	time.Sleep(60 * time.Millisecond)
	require.NoError(t, tr.Start("c1", "alice", ""))
	time.Sleep(60 * time.Millisecond)

	// first timer would have fired by now; only the refresh is pending
	assert.Equal(t, []string{"typing_start", "typing_start"}, rec.types())
	assert.Equal(t, []string{"alice"}, tr.Typing("c1"))

	require.Eventually(t, func() bool { return len(rec.types()) == 3 }, time.Second, 5*time.Millisecond)
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, []string{"typing_start", "typing_start", "typing_stop"}, rec.types(), "exactly one stop")
}

func TestStopIsIdempotent(t *testing.T) {
	rec := &recorder{}
	tr := New(rec, allowAll(), time.Hour)

	assert.False(t, tr.Stop("c1", "alice", ""))
	assert.Empty(t, rec.types())

	require.NoError(t, tr.Start("c1", "alice", ""))
	assert.True(t, tr.Stop("c1", "alice", "conn-a"))
	assert.False(t, tr.Stop("c1", "alice", "conn-a"))
	assert.Equal(t, []string{"typing_start", "typing_stop"}, rec.types())
	assert.Equal(t, "conn-a", rec.last().exclude)
}

func TestStartIsRateLimited(t *testing.T) {
	rec := &recorder{}
	calls := 0
	tr := New(rec, admitFunc(func(u string, c ratelimit.Class) bool {
		assert.Equal(t, ratelimit.ClassTyping, c)
		calls++
		return calls <= 1
	}), time.Hour)

	require.NoError(t, tr.Start("c1", "alice", ""))
	err := tr.Start("c1", "alice", "")
	assert.True(t, apperror.Is(err, apperror.KindRateLimit))
	assert.Len(t, rec.types(), 1)
}

func TestTypingListsUsersSorted(t *testing.T) {
	tr := New(&recorder{}, allowAll(), time.Hour)
	require.NoError(t, tr.Start("c1", "bob", ""))
	require.NoError(t, tr.Start("c1", "alice", ""))
	require.NoError(t, tr.Start("c2", "carol", ""))
	assert.Equal(t, []string{"alice", "bob"}, tr.Typing("c1"))
	assert.Equal(t, []string{}, tr.Typing("c3"))
}
