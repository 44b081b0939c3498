// Package ratelimit implements per-user sliding-window admission control.
package ratelimit

import (
	"strings"
	"time"

	"github.com/adi-253/Talkie/realtime/internal/clock"
	"github.com/adi-253/Talkie/realtime/internal/keyed"
)

// Class is an action class with its own window and budget.
type Class string

const (
	ClassMessages  Class = "messages"
	ClassTyping    Class = "typing"
	ClassReactions Class = "reactions"
)

// Limit is the maximum number of admitted attempts inside Window.
type Limit struct {
	Max    int
	Window time.Duration
}

// DefaultLimits are used for any class missing from the configuration.
var DefaultLimits = map[Class]Limit{
	ClassMessages:  {Max: 20, Window: time.Minute},
	ClassTyping:    {Max: 30, Window: time.Minute},
	ClassReactions: {Max: 60, Window: time.Minute},
}

// Limiter keeps a window of admitted timestamps per (user, class).
type Limiter struct {
	limits  map[Class]Limit
	clock   clock.Clock
	windows *keyed.Map[[]time.Time]
}

// New creates a limiter. Classes not present in limits use DefaultLimits.
func New(limits map[Class]Limit, clk clock.Clock) *Limiter {
	merged := make(map[Class]Limit, len(DefaultLimits))
	for c, l := range DefaultLimits {
		merged[c] = l
	}
	for c, l := range limits {
		merged[c] = l
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Limiter{limits: merged, clock: clk, windows: keyed.NewMap[[]time.Time]()}
}

func windowKey(userID string, class Class) string {
	return string(class) + "|" + userID
}

// Admit drops expired attempts, then records and admits the new one if the
// class budget allows it. A refused attempt is not recorded.
func (l *Limiter) Admit(userID string, class Class) bool {
	limit, ok := l.limits[class]
	if !ok || limit.Max <= 0 {
		return false
	}
	now := l.clock.Now()
	cutoff := now.Add(-limit.Window)

	admitted := false
	l.windows.Update(windowKey(userID, class), func(ts []time.Time, _ bool) ([]time.Time, bool) {
		ts = dropBefore(ts, cutoff)
		if len(ts) >= limit.Max {
			return ts, len(ts) > 0
		}
		admitted = true
		return append(ts, now), true
	})
	return admitted
}

// RetryAfter returns how long until the next attempt for the class would be
// admitted; zero when it would be admitted now.
func (l *Limiter) RetryAfter(userID string, class Class) time.Duration {
	limit, ok := l.limits[class]
	if !ok {
		return 0
	}
	now := l.clock.Now()
	var wait time.Duration
	l.windows.View(windowKey(userID, class), func(ts []time.Time, _ bool) {
		ts = dropBefore(ts, now.Add(-limit.Window))
		if len(ts) >= limit.Max && len(ts) > 0 {
			wait = ts[len(ts)-limit.Max].Add(limit.Window).Sub(now)
		}
	})
	if wait < 0 {
		return 0
	}
	return wait
}

// Prune removes windows whose attempts have all expired and returns how many
// were dropped.
func (l *Limiter) Prune() int {
	now := l.clock.Now()
	dropped := 0
	l.windows.Sweep(func(key string, ts []time.Time) bool {
		class, _, _ := strings.Cut(key, "|")
		limit := l.limits[Class(class)]
		if len(dropBefore(ts, now.Add(-limit.Window))) == 0 {
			dropped++
			return false
		}
		return true
	})
	return dropped
}

// Tracked returns the number of live (user, class) windows.
func (l *Limiter) Tracked() int {
	return l.windows.Len()
}

// dropBefore returns the timestamps after cutoff. ts is ordered oldest first.
func dropBefore(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	return ts[i:]
}
