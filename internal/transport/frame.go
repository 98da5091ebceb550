// Package transport implements the persistent publish/subscribe connection to
// the btalk server. Wire format: JSON frames over a single WebSocket.
// Subscriptions are held in a declarative registry and replayed automatically
// after every reconnect, so callers never observe the socket lifecycle.
package transport

import "encoding/json"

// Frame type constants for the wire protocol.
const (
	FrameTypeSubscribe   = "subscribe"   // client → server
	FrameTypeUnsubscribe = "unsubscribe" // client → server
	FrameTypeSend        = "send"        // client → server
	FrameTypeMessage     = "message"     // server → client
)

// Frame is the wire type for everything that crosses the WebSocket.
type Frame struct {
	Type        string          `json:"type"`
	Destination string          `json:"destination"`
	Body        json.RawMessage `json:"body,omitempty"`
}
