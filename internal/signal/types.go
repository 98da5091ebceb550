// Package signal defines the call signaling wire types and the router that
// picks the outbound destination for each signal.
package signal

import "encoding/json"

// CallStatus is the lifecycle status carried on call requests.
type CallStatus string

const (
	StatusRinging  CallStatus = "RINGING"
	StatusOngoing  CallStatus = "ONGOING"
	StatusRejected CallStatus = "REJECTED"
	StatusEnded    CallStatus = "ENDED"
)

// CallType distinguishes 1:1 calls from conversation-wide group calls.
type CallType string

const (
	CallPrivate CallType = "PRIVATE"
	CallGroup   CallType = "GROUP"
)

// Type is the kind of a call signal.
type Type string

const (
	TypeOffer     Type = "OFFER"
	TypeAnswer    Type = "ANSWER"
	TypeCandidate Type = "CANDIDATE"
	TypeRinging   Type = "RINGING"
	TypeHangup    Type = "HANGUP"
)

// CallRequest describes one call attempt. It is posted to the call REST
// endpoints and delivered on the per-user call lifecycle queues.
type CallRequest struct {
	CallID         string     `json:"callId"`
	CallerID       int64      `json:"callerId"`
	RecipientID    int64      `json:"recipientId,omitempty"` // zero for group calls
	ConversationID int64      `json:"conversationId"`
	Status         CallStatus `json:"status"`
	CallType       CallType   `json:"callType"`
}

// CallSignal is one signaling message. Payload is opaque at this layer: a
// session description for OFFER/ANSWER, an ICE candidate for CANDIDATE, and
// empty for RINGING/HANGUP.
type CallSignal struct {
	ConversationID int64           `json:"conversationId"`
	CallID         string          `json:"callId,omitempty"`
	SenderID       int64           `json:"senderId"`
	RecipientID    int64           `json:"recipientId,omitempty"`
	Participants   []int64         `json:"participants,omitempty"`
	Type           Type            `json:"type"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}
