// Package presence tracks which users hold live connections.
//
// A user may hold several connections at once. When the last one goes away the
// user stays online for a grace period so that a quick reconnect does not
// produce an offline/online flap.
package presence

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/adi-253/Talkie/realtime/internal/keyed"
)

// DefaultGrace is how long a user stays online after their last disconnect.
const DefaultGrace = 30 * time.Second

// Conn is the part of a connection the registry cares about.
type Conn interface {
	ID() string
	UserID() string
}

// StatusFunc is called on online/offline transitions, outside any registry lock.
type StatusFunc func(userID string, online bool)

type userState struct {
	conns  map[string]Conn
	online bool
	gen    uint64
	timer  *time.Timer
}

// Registry maps users to their live connections.
type Registry struct {
	users    *keyed.Map[*userState]
	grace    time.Duration
	onChange StatusFunc
}

// New creates a registry. A non-positive grace flips users offline immediately.
func New(grace time.Duration, onChange StatusFunc) *Registry {
	return &Registry{
		users:    keyed.NewMap[*userState](),
		grace:    grace,
		onChange: onChange,
	}
}

// Connect registers conn and cancels any pending offline transition for its user.
func (r *Registry) Connect(conn Conn) {
	userID := conn.UserID()
	cameOnline := false
	r.users.Update(userID, func(st *userState, ok bool) (*userState, bool) {
		if !ok {
			st = &userState{conns: make(map[string]Conn)}
		}
		st.gen++
		if st.timer != nil {
			st.timer.Stop()
			st.timer = nil
		}
		st.conns[conn.ID()] = conn
		if !st.online {
			st.online = true
			cameOnline = true
		}
		return st, true
	})

	logrus.WithFields(logrus.Fields{
		"component": "presence",
		"user_id":   userID,
		"conn_id":   conn.ID(),
	}).Debug("connection registered")

	if cameOnline {
		r.notify(userID, true)
	}
}

// Disconnect removes conn. If it was the user's last connection the user goes
// offline after the grace period unless they reconnect first.
func (r *Registry) Disconnect(conn Conn) {
	userID := conn.UserID()
	wentOffline := false
	r.users.Update(userID, func(st *userState, ok bool) (*userState, bool) {
		if !ok {
			return nil, false
		}
		if _, known := st.conns[conn.ID()]; !known {
			return st, true
		}
		delete(st.conns, conn.ID())
		if len(st.conns) > 0 {
			return st, true
		}
		st.gen++
		if r.grace <= 0 {
			wentOffline = st.online
			return nil, false
		}
		gen := st.gen
		st.timer = time.AfterFunc(r.grace, func() { r.expire(userID, gen) })
		return st, true
	})

	if wentOffline {
		r.notify(userID, false)
	}
}

func (r *Registry) expire(userID string, gen uint64) {
	wentOffline := false
	r.users.Update(userID, func(st *userState, ok bool) (*userState, bool) {
		if !ok {
			return nil, false
		}
		if st.gen != gen || len(st.conns) > 0 {
			return st, true
		}
		wentOffline = st.online
		return nil, false
	})
	if wentOffline {
		logrus.WithFields(logrus.Fields{
			"component": "presence",
			"user_id":   userID,
		}).Debug("grace period expired, user offline")
		r.notify(userID, false)
	}
}

func (r *Registry) notify(userID string, online bool) {
	if r.onChange != nil {
		r.onChange(userID, online)
	}
}

// IsOnline reports whether the user has a live connection or is inside the
// grace period after losing the last one.
func (r *Registry) IsOnline(userID string) bool {
	online := false
	r.users.View(userID, func(st *userState, ok bool) {
		online = ok && st.online
	})
	return online
}

// ConnectionsOf returns the user's live connections.
func (r *Registry) ConnectionsOf(userID string) []Conn {
	var out []Conn
	r.users.View(userID, func(st *userState, ok bool) {
		if !ok {
			return
		}
		out = make([]Conn, 0, len(st.conns))
		for _, c := range st.conns {
			out = append(out, c)
		}
	})
	return out
}

// OnlineUsers returns the number of users currently considered online.
func (r *Registry) OnlineUsers() int {
	return r.users.Len()
}
