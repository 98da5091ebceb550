// Package call owns the lifecycle of at most one active call per client.
// It is decoupled from the media and transport layers: lifecycle changes are
// surfaced as events, and REST side effects go through the API interface.
package call

import (
	"context"

	"github.com/btalk/btalk-go/internal/signal"
)

// State is the client's position in the call lifecycle.
type State int

const (
	StateIdle State = iota
	StateRingingOut
	StateRingingIn
	StateOngoing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRingingOut:
		return "ringing-out"
	case StateRingingIn:
		return "ringing-in"
	case StateOngoing:
		return "ongoing"
	default:
		return "unknown"
	}
}

// Session is one call attempt. The manager owns the single current session;
// callers receive copies.
type Session struct {
	CallID         string
	ConversationID int64
	CallerID       int64
	RecipientID    int64
	CallType       signal.CallType
	Status         signal.CallStatus
}

// API is the REST surface that persists call records server-side, out-of-band
// of the signaling transport.
type API interface {
	StartCall(ctx context.Context, req *signal.CallRequest) error
	AnswerCall(ctx context.Context, req *signal.CallRequest) error
	RejectCall(ctx context.Context, req *signal.CallRequest) error
	EndCall(ctx context.Context, req *signal.CallRequest) error
}

// EventKind classifies call lifecycle events.
type EventKind string

const (
	// EventOutgoing fires when a local call starts ringing out.
	EventOutgoing EventKind = "outgoing"
	// EventIncoming fires when a remote call starts ringing in.
	EventIncoming EventKind = "incoming"
	// EventAnswered fires on the caller when the remote side answered;
	// the media layer reacts by capturing local media and creating the offer.
	EventAnswered EventKind = "answered"
	// EventAccepted fires on the receiver when the local user answered;
	// the media layer reacts by capturing local media and awaiting the offer.
	EventAccepted EventKind = "accepted"
	// EventRejected fires when either side rejected the call.
	EventRejected EventKind = "rejected"
	// EventEnded fires exactly once per session when the call terminates.
	EventEnded EventKind = "ended"
)

// Event is one lifecycle notification.
type Event struct {
	Kind    EventKind
	Session Session
}
