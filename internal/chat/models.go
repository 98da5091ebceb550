// Package chat holds the client's reconciled view of conversations and their
// messages: REST-fetched snapshots merged with push-delivered deltas.
package chat

import "time"

// ConversationType distinguishes 1:1 threads from group threads.
type ConversationType string

const (
	ConversationDirect ConversationType = "DIRECT"
	ConversationGroup  ConversationType = "GROUP"
)

// MessageType is the content kind of a message.
type MessageType string

const (
	MessageText     MessageType = "TEXT"
	MessageImage    MessageType = "IMAGE"
	MessageVideo    MessageType = "VIDEO"
	MessageDocument MessageType = "DOCUMENT"
	MessageAudio    MessageType = "AUDIO"
)

// MessageStatus is the delivery state of a message.
type MessageStatus string

const (
	StatusSent      MessageStatus = "SENT"
	StatusDelivered MessageStatus = "DELIVERED"
	StatusSeen      MessageStatus = "SEEN"
)

// Participant is one member of a conversation.
type Participant struct {
	UserID   int64  `json:"userId"`
	Username string `json:"username,omitempty"`
	JoinedAt string `json:"joinedAt,omitempty"`
}

// Attachment is a file attached to a message.
type Attachment struct {
	AttachmentID int64  `json:"attachmentId,omitempty"`
	FileName     string `json:"fileName"`
	FileType     string `json:"fileType,omitempty"`
	FileSize     int64  `json:"fileSize,omitempty"`
	URL          string `json:"url,omitempty"`
}

// Message is one chat message. MessageID is assigned server-side and is zero
// until the send is acknowledged.
type Message struct {
	MessageID      int64         `json:"messageId,omitempty"`
	ConversationID int64         `json:"conversationId"`
	SenderID       int64         `json:"senderId"`
	SenderName     string        `json:"senderName,omitempty"`
	Content        string        `json:"content"`
	MessageType    MessageType   `json:"messageType"`
	SentAt         time.Time     `json:"sentAt"`
	Status         MessageStatus `json:"status"`
	Attachments    []Attachment  `json:"attachments,omitempty"`
}

// Conversation is one chat thread.
type Conversation struct {
	ConversationID int64            `json:"conversationId"`
	Type           ConversationType `json:"type"`
	Name           string           `json:"name,omitempty"`
	CreatorID      int64            `json:"creatorId"`
	CreatedAt      string           `json:"createdAt,omitempty"`
	Participants   []Participant    `json:"participants"`
	LastMessage    *Message         `json:"lastMessage,omitempty"`
	UnreadCount    int              `json:"unreadCount"`
}

// HasParticipant reports whether userID is a member of the conversation.
func (c *Conversation) HasParticipant(userID int64) bool {
	for _, p := range c.Participants {
		if p.UserID == userID {
			return true
		}
	}
	return false
}
