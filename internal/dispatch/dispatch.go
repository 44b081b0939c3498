// Package dispatch routes inbound websocket frames to their handlers.
//
// Every inbound event type has exactly one entry in the dispatch table.
// Handlers work against the registries and the message pipeline only, so the
// whole protocol can be driven in tests without a live transport.
package dispatch

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/adi-253/Talkie/realtime/internal/apperror"
	"github.com/adi-253/Talkie/realtime/internal/metrics"
	"github.com/adi-253/Talkie/realtime/internal/models"
	"github.com/adi-253/Talkie/realtime/internal/pipeline"
	"github.com/adi-253/Talkie/realtime/internal/rooms"
)

// JoinHistory is the number of recent messages sent with conversation_joined.
const JoinHistory = 50

// Handler processes one decoded frame for a connection. A returned error is
// reported back to that connection as an error event.
type Handler func(ctx context.Context, conn rooms.Connection, payload json.RawMessage) error

// MetadataSource is implemented by connections that can describe their
// origin (remote address, user agent) to the security checker.
type MetadataSource interface {
	Metadata() map[string]string
}

// Dispatcher owns the dispatch table.
type Dispatcher struct {
	pipeline *pipeline.Pipeline
	metrics  *metrics.Metrics
	handlers map[string]Handler
}

// New builds a dispatcher with a handler for every inbound event type.
func New(p *pipeline.Pipeline, m *metrics.Metrics) *Dispatcher {
	d := &Dispatcher{pipeline: p, metrics: m}
	d.handlers = map[string]Handler{
		models.EventJoinConversation:  d.join,
		models.EventLeaveConversation: d.leave,
		models.EventSendMessage:       d.sendMessage,
		models.EventTypingStart:       d.typingStart,
		models.EventTypingStop:        d.typingStop,
		models.EventReactToMessage:    d.react,
		models.EventMarkAsRead:        d.markRead,
		models.EventEditMessage:       d.edit,
		models.EventDeleteMessage:     d.deleteMessage,
	}
	return d
}

// Events lists the event types the dispatcher understands.
func (d *Dispatcher) Events() []string {
	out := make([]string, 0, len(d.handlers))
	for t := range d.handlers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Dispatch decodes one raw frame and runs its handler. Failures never
// propagate: they are sent to conn as an error event.
func (d *Dispatcher) Dispatch(ctx context.Context, conn rooms.Connection, raw []byte) {
	var frame models.Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		d.fail(conn, "", apperror.Validation("frame is not valid JSON"))
		return
	}
	d.metrics.InboundEvent(frame.Type)

	handler, ok := d.handlers[frame.Type]
	if !ok {
		d.fail(conn, frame.Type, apperror.Validation("unknown event type %q", frame.Type))
		return
	}
	if err := handler(ctx, conn, frame.Payload); err != nil {
		d.fail(conn, frame.Type, err)
	}
}

// fail reports err to the connection. Rejections from the pipeline are
// already counted there; the rest are counted here.
func (d *Dispatcher) fail(conn rooms.Connection, eventType string, err error) {
	appErr := apperror.As(err)
	if appErr.Stage == "" {
		d.metrics.Rejected(eventType, string(appErr.Kind), "dispatch")
		if appErr.Kind == apperror.KindInternal || appErr.Kind == apperror.KindPersistence {
			logrus.WithFields(logrus.Fields{
				"component": "dispatch",
				"event":     eventType,
				"user_id":   conn.UserID(),
				"conn_id":   conn.ID(),
			}).WithError(err).Error("handler failed")
		}
	}
	rooms.Send(conn, ErrorEvent(eventType, err))
}

// ErrorEvent renders a rejection for the client. Internal failures carry a
// generic message.
func ErrorEvent(eventType string, err error) models.Event {
	appErr := apperror.As(err)
	msg := appErr.Reason
	if appErr.Kind == apperror.KindInternal {
		msg = "internal error"
	}
	return models.Event{
		Type: models.EventError,
		Payload: models.ErrorEvent{
			Message: msg,
			Code:    string(appErr.Kind),
			Event:   eventType,
			Details: appErr.Details,
		},
	}
}

func decode(payload json.RawMessage, v any) error {
	if len(payload) == 0 {
		return apperror.Validation("payload is required")
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return apperror.Validation("malformed payload: %v", err)
	}
	return nil
}

func metadataOf(conn rooms.Connection) map[string]string {
	if src, ok := conn.(MetadataSource); ok {
		return src.Metadata()
	}
	return nil
}
