package models

import "time"

// Kind is the type of content a message carries.
type Kind string

const (
	KindText     Kind = "text"
	KindImage    Kind = "image"
	KindVideo    Kind = "video"
	KindVoice    Kind = "voice"
	KindFile     Kind = "file"
	KindLocation Kind = "location"
	KindActivity Kind = "activity"
	KindSystem   Kind = "system"
)

// Valid reports whether k is one of the known message kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindText, KindImage, KindVideo, KindVoice, KindFile, KindLocation, KindActivity, KindSystem:
		return true
	}
	return false
}

// Envelope is an encrypted text body as stored at rest.
// All byte fields are base64 encoded.
type Envelope struct {
	Ciphertext string `json:"ciphertext"`
	IV         string `json:"iv"`
	Tag        string `json:"tag"`
	KeyID      string `json:"keyId"`
}

// Location is the payload of a location message.
type Location struct {
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
	Address string  `json:"address,omitempty"`
}

// ActivityRef points at an activity shared into the conversation.
type ActivityRef struct {
	ID    string `json:"id"`
	Title string `json:"title,omitempty"`
}

// Content is the body of a message.
// For text messages the server only ever stores Envelope; Text is populated
// on the way in from the client and on the way out in a MessageView.
type Content struct {
	// Text is the plaintext body (inbound and read views only)
	Text string `json:"text,omitempty"`

	// Envelope holds the encrypted text body once the message is persisted
	Envelope *Envelope `json:"envelope,omitempty"`

	MediaURL     string       `json:"mediaUrl,omitempty"`
	ThumbnailURL string       `json:"thumbnailUrl,omitempty"`
	FileName     string       `json:"fileName,omitempty"`
	FileSize     int64        `json:"fileSize,omitempty"`
	MimeType     string       `json:"mimeType,omitempty"`
	DurationSec  float64      `json:"durationSec,omitempty"`
	Location     *Location    `json:"location,omitempty"`
	Activity     *ActivityRef `json:"activity,omitempty"`
}

// Reaction is a single user's reaction on a message.
type Reaction struct {
	Emoji string    `json:"emoji"`
	At    time.Time `json:"at"`
}

// ReadReceipt records when a user read a message.
type ReadReceipt struct {
	UserID string    `json:"userId"`
	At     time.Time `json:"at"`
}

// EditRecord is a prior version of an edited message.
type EditRecord struct {
	Content  Content   `json:"content"`
	EditedAt time.Time `json:"editedAt"`
}

// Message is a single message in a conversation as persisted by the store.
// Messages are never physically removed; deletion is a flag.
type Message struct {
	// ID is the unique identifier for this message
	ID string `json:"id"`

	// ConversationID is the conversation this message belongs to
	ConversationID string `json:"conversationId"`

	// SenderID is the user who sent the message
	SenderID string `json:"senderId"`

	// Seq is the position of the message in its conversation, starting at 1
	Seq int64 `json:"seq"`

	Kind    Kind    `json:"kind"`
	Content Content `json:"content"`

	// ReplyTo is an optional message in the same conversation
	ReplyTo string `json:"replyTo,omitempty"`

	// Reactions is keyed by user ID, one reaction per user
	Reactions map[string]Reaction `json:"reactions,omitempty"`

	// ReadBy only ever grows
	ReadBy []ReadReceipt `json:"readBy,omitempty"`

	Edited      bool         `json:"edited"`
	EditedAt    *time.Time   `json:"editedAt,omitempty"`
	EditHistory []EditRecord `json:"editHistory,omitempty"`

	Deleted   bool       `json:"deleted"`
	DeletedAt *time.Time `json:"deletedAt,omitempty"`
	DeletedBy string     `json:"deletedBy,omitempty"`

	// HiddenFor lists users who removed the message from their own view
	HiddenFor []string `json:"hiddenFor,omitempty"`

	// Flagged is set when moderation let the message through with a warning
	Flagged bool `json:"flagged,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
}

// HasRead reports whether userID already has a read receipt on the message.
func (m *Message) HasRead(userID string) bool {
	for _, r := range m.ReadBy {
		if r.UserID == userID {
			return true
		}
	}
	return false
}

// IsHiddenFor reports whether userID hid the message from their view.
func (m *Message) IsHiddenFor(userID string) bool {
	for _, u := range m.HiddenFor {
		if u == userID {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so callers can mutate without touching shared state.
func (m *Message) Clone() *Message {
	c := *m
	c.Content = m.Content.clone()
	if m.Reactions != nil {
		c.Reactions = make(map[string]Reaction, len(m.Reactions))
		for k, v := range m.Reactions {
			c.Reactions[k] = v
		}
	}
	c.ReadBy = append([]ReadReceipt(nil), m.ReadBy...)
	c.HiddenFor = append([]string(nil), m.HiddenFor...)
	if m.EditHistory != nil {
		c.EditHistory = make([]EditRecord, len(m.EditHistory))
		for i, e := range m.EditHistory {
			c.EditHistory[i] = EditRecord{Content: e.Content.clone(), EditedAt: e.EditedAt}
		}
	}
	if m.EditedAt != nil {
		t := *m.EditedAt
		c.EditedAt = &t
	}
	if m.DeletedAt != nil {
		t := *m.DeletedAt
		c.DeletedAt = &t
	}
	return &c
}

func (c Content) clone() Content {
	out := c
	if c.Envelope != nil {
		e := *c.Envelope
		out.Envelope = &e
	}
	if c.Location != nil {
		l := *c.Location
		out.Location = &l
	}
	if c.Activity != nil {
		a := *c.Activity
		out.Activity = &a
	}
	return out
}

// MessageView is the client-facing projection of a message with text decoded.
type MessageView struct {
	ID             string              `json:"id"`
	ConversationID string              `json:"conversationId"`
	SenderID       string              `json:"senderId"`
	Seq            int64               `json:"seq"`
	Kind           Kind                `json:"messageType"`
	Content        Content             `json:"content"`
	ReplyTo        string              `json:"replyTo,omitempty"`
	Reactions      map[string]Reaction `json:"reactions,omitempty"`
	ReadBy         []ReadReceipt       `json:"readBy,omitempty"`
	Edited         bool                `json:"edited"`
	EditedAt       *time.Time          `json:"editedAt,omitempty"`
	Deleted        bool                `json:"deleted"`
	DeletedAt      *time.Time          `json:"deletedAt,omitempty"`
	Flagged        bool                `json:"flagged,omitempty"`
	CreatedAt      time.Time           `json:"createdAt"`
}

// GetMessagesResponse is the response for the history polling endpoint
type GetMessagesResponse struct {
	Messages []MessageView `json:"messages"`
}
