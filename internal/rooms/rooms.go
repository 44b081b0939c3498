// Package rooms manages the broadcast group of each conversation: which live
// connections receive its events.
package rooms

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/adi-253/Talkie/realtime/internal/apperror"
	"github.com/adi-253/Talkie/realtime/internal/keyed"
	"github.com/adi-253/Talkie/realtime/internal/models"
	"github.com/adi-253/Talkie/realtime/internal/presence"
	"github.com/adi-253/Talkie/realtime/internal/store"
)

// Connection is a live client connection.
type Connection interface {
	presence.Conn

	// Send queues an encoded frame without blocking. It returns false when the
	// connection's buffer is full or the connection is closed.
	Send(frame []byte) bool

	// Close shuts the connection down. It must not block; the transport
	// unregisters the connection once its pumps stop.
	Close()
}

// Directory looks up conversations for membership checks.
type Directory interface {
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
}

// Manager tracks conversation broadcast groups.
type Manager struct {
	dir      Directory
	presence *presence.Registry

	// conversation id -> connection id -> connection
	groups *keyed.Map[map[string]Connection]
	// connection id -> joined conversation ids
	joined *keyed.Map[map[string]struct{}]
}

// New creates a room manager.
func New(dir Directory, reg *presence.Registry) *Manager {
	return &Manager{
		dir:      dir,
		presence: reg,
		groups:   keyed.NewMap[map[string]Connection](),
		joined:   keyed.NewMap[map[string]struct{}](),
	}
}

// Join subscribes conn to the conversation after checking that its user is a
// participant. Joining twice is harmless.
func (m *Manager) Join(ctx context.Context, conn Connection, conversationID string) (*models.Conversation, error) {
	if conversationID == "" {
		return nil, apperror.Validation("conversationId is required")
	}
	conv, err := m.dir.GetConversation(ctx, conversationID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperror.NotFound("conversation %s not found", conversationID)
		}
		return nil, apperror.Wrap(apperror.KindPersistence, err, "load conversation")
	}
	if !conv.HasParticipant(conn.UserID()) {
		return nil, apperror.Authorization("not a participant of this conversation")
	}

	m.groups.Update(conversationID, func(g map[string]Connection, ok bool) (map[string]Connection, bool) {
		if !ok {
			g = make(map[string]Connection, 2)
		}
		g[conn.ID()] = conn
		return g, true
	})
	m.joined.Update(conn.ID(), func(s map[string]struct{}, ok bool) (map[string]struct{}, bool) {
		if !ok {
			s = make(map[string]struct{}, 1)
		}
		s[conversationID] = struct{}{}
		return s, true
	})

	logrus.WithFields(logrus.Fields{
		"component":       "rooms",
		"conversation_id": conversationID,
		"conn_id":         conn.ID(),
		"user_id":         conn.UserID(),
	}).Debug("joined conversation")
	return conv, nil
}

// Leave unsubscribes conn from the conversation.
func (m *Manager) Leave(conn Connection, conversationID string) {
	m.removeFromGroup(conn.ID(), conversationID)
	m.joined.Update(conn.ID(), func(s map[string]struct{}, ok bool) (map[string]struct{}, bool) {
		if !ok {
			return nil, false
		}
		delete(s, conversationID)
		return s, len(s) > 0
	})
}

// LeaveAll unsubscribes conn from every conversation it joined and returns
// those conversations. Used when the connection closes.
func (m *Manager) LeaveAll(conn Connection) []string {
	var convs []string
	m.joined.Update(conn.ID(), func(s map[string]struct{}, ok bool) (map[string]struct{}, bool) {
		for id := range s {
			convs = append(convs, id)
		}
		return nil, false
	})
	for _, id := range convs {
		m.removeFromGroup(conn.ID(), id)
	}
	return convs
}

func (m *Manager) removeFromGroup(connID, conversationID string) {
	m.groups.Update(conversationID, func(g map[string]Connection, ok bool) (map[string]Connection, bool) {
		if !ok {
			return nil, false
		}
		delete(g, connID)
		return g, len(g) > 0
	})
}

// IsJoined reports whether conn is subscribed to the conversation.
func (m *Manager) IsJoined(connID, conversationID string) bool {
	joined := false
	m.groups.View(conversationID, func(g map[string]Connection, ok bool) {
		_, joined = g[connID]
	})
	return joined
}

// Members returns the connections joined to the conversation.
func (m *Manager) Members(conversationID string) []Connection {
	var out []Connection
	m.groups.View(conversationID, func(g map[string]Connection, ok bool) {
		out = make([]Connection, 0, len(g))
		for _, c := range g {
			out = append(out, c)
		}
	})
	return out
}

// Broadcast encodes event once and queues it on every connection joined to the
// conversation except excludeConnID (empty excludes nobody). It returns the
// number of connections the frame was queued on.
func (m *Manager) Broadcast(conversationID string, event models.Event, excludeConnID string) int {
	frame, err := Encode(event)
	if err != nil {
		logrus.WithError(err).WithField("event", event.Type).Error("failed to encode broadcast event")
		return 0
	}
	delivered := 0
	for _, c := range m.Members(conversationID) {
		if excludeConnID != "" && c.ID() == excludeConnID {
			continue
		}
		if c.Send(frame) {
			delivered++
			continue
		}
		m.evict(c, event.Type)
	}
	return delivered
}

// evict removes a connection that could not take a frame from every broadcast
// group and closes it, so it never sees a gap in a conversation's stream. The
// client reconnects and resyncs through conversation_joined. The joined index
// is left for LeaveAll so the transport can still clean up after it.
func (m *Manager) evict(c Connection, eventType string) {
	var convs []string
	m.joined.View(c.ID(), func(s map[string]struct{}, ok bool) {
		for id := range s {
			convs = append(convs, id)
		}
	})
	for _, id := range convs {
		m.removeFromGroup(c.ID(), id)
	}
	c.Close()
	logrus.WithFields(logrus.Fields{
		"component": "rooms",
		"conn_id":   c.ID(),
		"user_id":   c.UserID(),
		"event":     eventType,
	}).Warn("send buffer full, closing slow connection")
}

// SendToUser queues event on every live connection of userID, joined or not.
func (m *Manager) SendToUser(userID string, event models.Event) int {
	frame, err := Encode(event)
	if err != nil {
		logrus.WithError(err).WithField("event", event.Type).Error("failed to encode user event")
		return 0
	}
	delivered := 0
	for _, pc := range m.presence.ConnectionsOf(userID) {
		c, ok := pc.(Connection)
		if !ok {
			continue
		}
		if c.Send(frame) {
			delivered++
			continue
		}
		m.evict(c, event.Type)
	}
	return delivered
}

// Send queues event on a single connection.
func Send(conn Connection, event models.Event) bool {
	frame, err := Encode(event)
	if err != nil {
		logrus.WithError(err).WithField("event", event.Type).Error("failed to encode event")
		return false
	}
	return conn.Send(frame)
}

// Encode serializes an outbound event into a websocket frame.
func Encode(event models.Event) ([]byte, error) {
	return json.Marshal(event)
}

// Groups returns the number of conversations with at least one joined connection.
func (m *Manager) Groups() int {
	return m.groups.Len()
}
