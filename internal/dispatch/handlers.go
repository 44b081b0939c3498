package dispatch

import (
	"context"
	"encoding/json"

	"github.com/adi-253/Talkie/realtime/internal/apperror"
	"github.com/adi-253/Talkie/realtime/internal/models"
	"github.com/adi-253/Talkie/realtime/internal/pipeline"
	"github.com/adi-253/Talkie/realtime/internal/rooms"
)

func (d *Dispatcher) join(ctx context.Context, conn rooms.Connection, payload json.RawMessage) error {
	var ref models.ConversationRef
	if err := decode(payload, &ref); err != nil {
		return err
	}
	if _, err := d.pipeline.Rooms.Join(ctx, conn, ref.ConversationID); err != nil {
		return err
	}
	recent, err := d.pipeline.History(ctx, ref.ConversationID, conn.UserID(), JoinHistory, 0)
	if err != nil {
		return err
	}
	rooms.Send(conn, models.Event{
		Type: models.EventConversationJoined,
		Payload: models.ConversationJoined{
			ConversationID: ref.ConversationID,
			RecentMessages: recent,
			TypingUsers:    d.pipeline.Typing.Typing(ref.ConversationID),
		},
	})
	return nil
}

func (d *Dispatcher) leave(_ context.Context, conn rooms.Connection, payload json.RawMessage) error {
	var ref models.ConversationRef
	if err := decode(payload, &ref); err != nil {
		return err
	}
	if ref.ConversationID == "" {
		return apperror.Validation("conversationId is required")
	}
	d.pipeline.Typing.Stop(ref.ConversationID, conn.UserID(), conn.ID())
	d.pipeline.Rooms.Leave(conn, ref.ConversationID)
	rooms.Send(conn, models.Event{Type: models.EventConversationLeft, Payload: ref})
	return nil
}

func (d *Dispatcher) sendMessage(ctx context.Context, conn rooms.Connection, payload json.RawMessage) error {
	var req models.SendMessagePayload
	if err := decode(payload, &req); err != nil {
		return err
	}
	_, err := d.pipeline.Send(ctx, pipeline.SendRequest{
		SenderID:       conn.UserID(),
		ConnID:         conn.ID(),
		ConversationID: req.ConversationID,
		Kind:           req.MessageType,
		Content:        req.Content,
		ReplyTo:        req.ReplyTo,
		Metadata:       metadataOf(conn),
	})
	return err
}

// joinedRef decodes a conversation reference the connection has joined.
func (d *Dispatcher) joinedRef(conn rooms.Connection, payload json.RawMessage) (string, error) {
	var ref models.ConversationRef
	if err := decode(payload, &ref); err != nil {
		return "", err
	}
	if ref.ConversationID == "" {
		return "", apperror.Validation("conversationId is required")
	}
	if !d.pipeline.Rooms.IsJoined(conn.ID(), ref.ConversationID) {
		return "", apperror.Authorization("join the conversation first")
	}
	return ref.ConversationID, nil
}

func (d *Dispatcher) typingStart(_ context.Context, conn rooms.Connection, payload json.RawMessage) error {
	conversationID, err := d.joinedRef(conn, payload)
	if err != nil {
		return err
	}
	return d.pipeline.Typing.Start(conversationID, conn.UserID(), conn.ID())
}

func (d *Dispatcher) typingStop(_ context.Context, conn rooms.Connection, payload json.RawMessage) error {
	conversationID, err := d.joinedRef(conn, payload)
	if err != nil {
		return err
	}
	d.pipeline.Typing.Stop(conversationID, conn.UserID(), conn.ID())
	return nil
}

func (d *Dispatcher) react(ctx context.Context, conn rooms.Connection, payload json.RawMessage) error {
	var req models.ReactPayload
	if err := decode(payload, &req); err != nil {
		return err
	}
	if req.Action == "" {
		req.Action = models.ReactionAdd
	}
	_, err := d.pipeline.React(ctx, pipeline.ReactRequest{
		UserID:    conn.UserID(),
		ConnID:    conn.ID(),
		MessageID: req.MessageID,
		Emoji:     req.Emoji,
		Action:    req.Action,
	})
	return err
}

func (d *Dispatcher) markRead(ctx context.Context, conn rooms.Connection, payload json.RawMessage) error {
	var req models.MarkReadPayload
	if err := decode(payload, &req); err != nil {
		return err
	}
	_, err := d.pipeline.MarkRead(ctx, pipeline.MarkReadRequest{
		UserID:         conn.UserID(),
		ConnID:         conn.ID(),
		ConversationID: req.ConversationID,
		MessageIDs:     req.MessageIDs,
	})
	return err
}

func (d *Dispatcher) edit(ctx context.Context, conn rooms.Connection, payload json.RawMessage) error {
	var req models.EditPayload
	if err := decode(payload, &req); err != nil {
		return err
	}
	_, err := d.pipeline.Edit(ctx, pipeline.EditRequest{
		UserID:     conn.UserID(),
		ConnID:     conn.ID(),
		MessageID:  req.MessageID,
		NewContent: req.NewContent,
	})
	return err
}

func (d *Dispatcher) deleteMessage(ctx context.Context, conn rooms.Connection, payload json.RawMessage) error {
	var req models.DeletePayload
	if err := decode(payload, &req); err != nil {
		return err
	}
	_, err := d.pipeline.Delete(ctx, pipeline.DeleteRequest{
		UserID:    conn.UserID(),
		ConnID:    conn.ID(),
		MessageID: req.MessageID,
		DeleteFor: req.DeleteFor,
	})
	return err
}
