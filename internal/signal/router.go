package signal

import (
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/btalk/btalk-go/internal/transport"
)

// ErrUnroutable is returned when a signal carries neither a recipient nor a
// conversation. This is a caller programming error, not a runtime condition;
// the signal is logged and dropped.
var ErrUnroutable = errors.New("signal: neither recipientId nor conversationId set")

// Route returns the outbound destination for a signal: the private per-user
// route when a recipient is set, otherwise the group route keyed by
// conversation.
func Route(s *CallSignal) (string, error) {
	switch {
	case s.RecipientID != 0:
		return transport.RouteCallPrivateSignal, nil
	case s.ConversationID != 0:
		return transport.RouteCallGroupSignal, nil
	default:
		logrus.WithField("type", s.Type).Error("signal: unroutable, dropping")
		return "", ErrUnroutable
	}
}

// Sender publishes call signals over a transport destination.
type Sender interface {
	Send(destination string, payload any) error
}

// Dispatch routes and sends one signal. Unroutable signals are dropped with
// the routing error returned.
func Dispatch(tc Sender, s *CallSignal) error {
	dest, err := Route(s)
	if err != nil {
		return err
	}
	return tc.Send(dest, s)
}
