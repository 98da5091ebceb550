// Package dispatch subscribes to the server's push destinations, decodes the
// envelope events, and feeds the chat store. Each stream is independent: the
// server guarantees ordering per subscription only, never across them.
package dispatch

import (
	"encoding/json"

	"github.com/btalk/btalk-go/internal/chat"
)

// Envelope is the server's generic response wrapper on push destinations.
type Envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data"`
}

// Event type discriminators carried in the data payload.
const (
	EventNewMessage      = "NEW_MESSAGE"
	EventNewConversation = "NEW_CONVERSATION"
)

// eventHeader peeks at the discriminator before full decoding.
type eventHeader struct {
	EventType string `json:"eventType"`
}

// NewMessageEvent is pushed on the per-conversation message topic.
type NewMessageEvent struct {
	EventType      string       `json:"eventType"`
	Message        chat.Message `json:"message"`
	ConversationID int64        `json:"conversationId,omitempty"`
}

// ConversationUpdatedEvent is pushed on the per-user conversation-updates
// queue.
type ConversationUpdatedEvent struct {
	EventType    string            `json:"eventType"`
	Conversation chat.Conversation `json:"conversation"`
}

// Notification is one entry from the per-user notification queue.
type Notification struct {
	NotificationID int64  `json:"notificationId"`
	Type           string `json:"type"`
	Content        string `json:"content"`
	Read           bool   `json:"read"`
	CreatedAt      string `json:"createdAt,omitempty"`
}

// UnreadCount is pushed whenever the server-side total changes.
type UnreadCount struct {
	Count int `json:"count"`
}
