package models

import (
	"encoding/json"
	"time"
)

// Inbound event types sent by clients over the websocket.
const (
	EventJoinConversation  = "join_conversation"
	EventLeaveConversation = "leave_conversation"
	EventSendMessage       = "send_message"
	EventTypingStart       = "typing_start"
	EventTypingStop        = "typing_stop"
	EventReactToMessage    = "react_to_message"
	EventMarkAsRead        = "mark_as_read"
	EventEditMessage       = "edit_message"
	EventDeleteMessage     = "delete_message"
)

// Outbound event types. typing_start and typing_stop are shared with the inbound set.
const (
	EventConversationJoined = "conversation_joined"
	EventConversationLeft   = "conversation_left"
	EventNewMessage         = "new_message"
	EventMessageReaction    = "message_reaction"
	EventMessagesRead       = "messages_read"
	EventMessageEdited      = "message_edited"
	EventMessageDeleted     = "message_deleted"
	EventError              = "error"
)

// Frame is the wire format of every websocket message in both directions.
type Frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Event is an outbound frame before encoding.
type Event struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// ConversationRef is the payload of join/leave/typing requests.
type ConversationRef struct {
	ConversationID string `json:"conversationId"`
}

// SendMessagePayload is the payload of send_message.
type SendMessagePayload struct {
	ConversationID string  `json:"conversationId"`
	Content        Content `json:"content"`
	MessageType    Kind    `json:"messageType"`
	ReplyTo        string  `json:"replyTo,omitempty"`
}

// UnmarshalJSON accepts content either as an object or as a bare string,
// which is shorthand for a text body.
func (p *SendMessagePayload) UnmarshalJSON(data []byte) error {
	type alias SendMessagePayload
	var raw struct {
		alias
		Content json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*p = SendMessagePayload(raw.alias)
	return decodeContent(raw.Content, &p.Content)
}

// ReactPayload is the payload of react_to_message.
type ReactPayload struct {
	MessageID string `json:"messageId"`
	Emoji     string `json:"emoji"`
	Action    string `json:"action"`
}

// Reaction actions.
const (
	ReactionAdd    = "add"
	ReactionRemove = "remove"
)

// MarkReadPayload is the payload of mark_as_read.
type MarkReadPayload struct {
	ConversationID string   `json:"conversationId"`
	MessageIDs     []string `json:"messageIds,omitempty"`
}

// EditPayload is the payload of edit_message.
type EditPayload struct {
	MessageID  string  `json:"messageId"`
	NewContent Content `json:"newContent"`
}

// UnmarshalJSON accepts newContent as an object or a bare string.
func (p *EditPayload) UnmarshalJSON(data []byte) error {
	var raw struct {
		MessageID  string          `json:"messageId"`
		NewContent json.RawMessage `json:"newContent"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	p.MessageID = raw.MessageID
	return decodeContent(raw.NewContent, &p.NewContent)
}

// DeletePayload is the payload of delete_message.
type DeletePayload struct {
	MessageID string `json:"messageId"`
	DeleteFor string `json:"deleteFor"`
}

// Delete scopes.
const (
	DeleteForMe       = "me"
	DeleteForEveryone = "everyone"
)

func decodeContent(raw json.RawMessage, out *Content) error {
	if len(raw) == 0 || string(raw) == "null" {
		*out = Content{}
		return nil
	}
	if raw[0] == '"' {
		var text string
		if err := json.Unmarshal(raw, &text); err != nil {
			return err
		}
		*out = Content{Text: text}
		return nil
	}
	return json.Unmarshal(raw, out)
}

// ConversationJoined is sent to a connection after it joins a conversation.
type ConversationJoined struct {
	ConversationID string        `json:"conversationId"`
	RecentMessages []MessageView `json:"recentMessages"`
	TypingUsers    []string      `json:"typingUsers"`
}

// NewMessage wraps a freshly committed message.
type NewMessage struct {
	Message MessageView `json:"message"`
}

// TypingEvent is broadcast for typing_start and typing_stop.
type TypingEvent struct {
	UserID         string `json:"userId"`
	ConversationID string `json:"conversationId"`
}

// ReactionEvent is broadcast for message_reaction.
type ReactionEvent struct {
	MessageID string `json:"messageId"`
	UserID    string `json:"userId"`
	Emoji     string `json:"emoji"`
	Action    string `json:"action"`
}

// MessagesReadEvent is broadcast for messages_read.
type MessagesReadEvent struct {
	ConversationID string   `json:"conversationId"`
	MessageIDs     []string `json:"messageIds"`
	ReadBy         string   `json:"readBy"`
}

// MessageEditedEvent is broadcast for message_edited.
type MessageEditedEvent struct {
	MessageID  string    `json:"messageId"`
	NewContent Content   `json:"newContent"`
	EditedAt   time.Time `json:"editedAt"`
}

// MessageDeletedEvent is sent for message_deleted.
type MessageDeletedEvent struct {
	MessageID  string `json:"messageId"`
	DeletedFor string `json:"deletedFor"`
}

// ErrorEvent is sent to the originating connection when a request is rejected.
type ErrorEvent struct {
	Message string         `json:"message"`
	Code    string         `json:"code"`
	Event   string         `json:"event,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}
