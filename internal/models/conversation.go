package models

import "time"

// ConversationStatus is the lifecycle state of a conversation.
type ConversationStatus string

const (
	StatusActive   ConversationStatus = "active"
	StatusArchived ConversationStatus = "archived"
)

// Conversation is a two-party messaging thread.
// Conversations are created when a match forms and are mutated by the message
// pipeline on every accepted message.
type Conversation struct {
	// ID is the unique identifier for the conversation
	ID string `json:"id"`

	// Participants holds exactly two user IDs and never changes after creation
	Participants [2]string `json:"participants"`

	// LastMessageID is the most recently committed message
	LastMessageID string `json:"lastMessageId,omitempty"`

	// MessageCount is the number of committed messages, also the seq of the last one
	MessageCount int64 `json:"messageCount"`

	Status ConversationStatus `json:"status"`

	// LastActivityAt is bumped on every accepted message
	LastActivityAt time.Time `json:"lastActivityAt"`

	CreatedAt time.Time `json:"createdAt"`
}

// HasParticipant reports whether userID is one of the two participants.
func (c *Conversation) HasParticipant(userID string) bool {
	return userID != "" && (c.Participants[0] == userID || c.Participants[1] == userID)
}

// Other returns the participant that is not userID.
func (c *Conversation) Other(userID string) string {
	if c.Participants[0] == userID {
		return c.Participants[1]
	}
	return c.Participants[0]
}

// CreateConversationRequest is the request body for creating a conversation
type CreateConversationRequest struct {
	ID           string   `json:"id,omitempty"`
	Participants []string `json:"participants"`
}

// UnreadResponse reports a user's unread count for a conversation
type UnreadResponse struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	Unread         int64  `json:"unread"`
}
