package call

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/btalk/btalk-go/internal/signal"
)

// RingingTimeout bounds both an unanswered outgoing ring and an unaccepted
// incoming ring. The server protocol has no ringing timeout of its own.
const RingingTimeout = 45 * time.Second

// ErrInvalidState is returned when a local operation is attempted from a
// state that does not allow it. Inbound signals racing against local actions
// are expected; this error is for local callers only and is never fatal.
var ErrInvalidState = errors.New("call: invalid state for operation")

// Manager is the call state machine. It owns the single current session and
// transitions it in response to local actions and inbound lifecycle events.
type Manager struct {
	selfID int64
	api    API

	mu       sync.Mutex
	state    State
	session  *Session
	ringStop *time.Timer
	durStop  chan struct{}
	duration int64 // seconds, atomic

	listenerMu sync.RWMutex
	listeners  map[chan Event]struct{}
}

// NewManager creates an idle call manager for the local user.
func NewManager(selfID int64, api API) *Manager {
	return &Manager{
		selfID:    selfID,
		api:       api,
		state:     StateIdle,
		listeners: make(map[chan Event]struct{}),
	}
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Current returns a copy of the current session, if any.
func (m *Manager) Current() (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return Session{}, false
	}
	return *m.session, true
}

// Duration returns the elapsed seconds of the ongoing call.
func (m *Manager) Duration() int64 {
	return atomic.LoadInt64(&m.duration)
}

// Events returns a stream of lifecycle events and a cancel function.
func (m *Manager) Events() (<-chan Event, func()) {
	ch := make(chan Event, 16)
	m.listenerMu.Lock()
	m.listeners[ch] = struct{}{}
	m.listenerMu.Unlock()

	cancel := func() {
		m.listenerMu.Lock()
		if _, ok := m.listeners[ch]; ok {
			delete(m.listeners, ch)
			close(ch)
		}
		m.listenerMu.Unlock()
	}
	return ch, cancel
}

// InitiateCall starts an outgoing call. Valid only from idle. A new callId is
// generated, the call record is posted with status RINGING, and the state
// moves to ringing-out. Local media is not captured yet: the offer is only
// created once the remote side answers.
func (m *Manager) InitiateCall(ctx context.Context, conversationID, recipientID int64, callType signal.CallType) (Session, error) {
	m.mu.Lock()
	if m.state != StateIdle {
		m.mu.Unlock()
		m.logViolation("initiate", StateIdle)
		return Session{}, ErrInvalidState
	}

	sess := &Session{
		CallID:         uuid.NewString(),
		ConversationID: conversationID,
		CallerID:       m.selfID,
		RecipientID:    recipientID,
		CallType:       callType,
		Status:         signal.StatusRinging,
	}
	m.session = sess
	m.state = StateRingingOut
	m.armRingingTimer(sess.CallID)
	snapshot := *sess
	m.mu.Unlock()

	if err := m.api.StartCall(ctx, requestFor(snapshot)); err != nil {
		logrus.WithError(err).WithField("call", snapshot.CallID).Error("call: start failed")
		m.clearSession(snapshot.CallID)
		return Session{}, err
	}

	logrus.WithFields(logrus.Fields{
		"call":         snapshot.CallID,
		"conversation": snapshot.ConversationID,
	}).Info("call: ringing out")
	m.emit(Event{Kind: EventOutgoing, Session: snapshot})
	return snapshot, nil
}

// HandleIncoming processes an incoming-call event. Valid only from idle; if
// any session is already active the call is answered with an immediate
// REJECTED (busy signal) and the current session is left untouched.
func (m *Manager) HandleIncoming(ctx context.Context, req *signal.CallRequest) {
	m.mu.Lock()
	if m.state != StateIdle {
		busy := m.session != nil && m.session.CallID == req.CallID
		m.mu.Unlock()
		if busy {
			// Duplicate delivery of our own ringing call, ignore.
			return
		}
		logrus.WithFields(logrus.Fields{
			"call":  req.CallID,
			"state": m.State().String(),
		}).Info("call: busy, auto-rejecting incoming call")
		reject := *req
		reject.Status = signal.StatusRejected
		if err := m.api.RejectCall(ctx, &reject); err != nil {
			logrus.WithError(err).WithField("call", req.CallID).Warn("call: busy reject failed")
		}
		return
	}

	sess := &Session{
		CallID:         req.CallID,
		ConversationID: req.ConversationID,
		CallerID:       req.CallerID,
		RecipientID:    req.RecipientID,
		CallType:       req.CallType,
		Status:         signal.StatusRinging,
	}
	m.session = sess
	m.state = StateRingingIn
	m.armRingingTimer(sess.CallID)
	snapshot := *sess
	m.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"call":   snapshot.CallID,
		"caller": snapshot.CallerID,
	}).Info("call: ringing in")
	m.emit(Event{Kind: EventIncoming, Session: snapshot})
}

// Answer accepts the ringing incoming call. The answer acknowledgment goes to
// the server out-of-band; the caller's answered event then drives it to send
// the SDP offer, which the media layer answers.
func (m *Manager) Answer(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateRingingIn || m.session == nil {
		m.mu.Unlock()
		m.logViolation("answer", StateRingingIn)
		return ErrInvalidState
	}
	m.session.Status = signal.StatusOngoing
	m.state = StateOngoing
	m.disarmRingingTimer()
	m.startDurationCounter()
	snapshot := *m.session
	m.mu.Unlock()

	if err := m.api.AnswerCall(ctx, requestFor(snapshot)); err != nil {
		logrus.WithError(err).WithField("call", snapshot.CallID).Error("call: answer failed")
		m.clearSession(snapshot.CallID)
		return err
	}

	logrus.WithField("call", snapshot.CallID).Info("call: answered")
	m.emit(Event{Kind: EventAccepted, Session: snapshot})
	return nil
}

// Reject declines the ringing incoming call and returns to idle.
func (m *Manager) Reject(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateRingingIn || m.session == nil {
		m.mu.Unlock()
		m.logViolation("reject", StateRingingIn)
		return ErrInvalidState
	}
	snapshot := *m.session
	m.mu.Unlock()

	snapshot.Status = signal.StatusRejected
	if err := m.api.RejectCall(ctx, requestFor(snapshot)); err != nil {
		logrus.WithError(err).WithField("call", snapshot.CallID).Warn("call: reject failed")
	}
	if m.clearSession(snapshot.CallID) {
		m.emit(Event{Kind: EventRejected, Session: snapshot})
	}
	return nil
}

// HangUp ends the current call from ongoing or ringing-out.
func (m *Manager) HangUp(ctx context.Context) error {
	m.mu.Lock()
	if (m.state != StateOngoing && m.state != StateRingingOut) || m.session == nil {
		m.mu.Unlock()
		m.logViolation("hangup", StateOngoing)
		return ErrInvalidState
	}
	snapshot := *m.session
	m.mu.Unlock()

	snapshot.Status = signal.StatusEnded
	if err := m.api.EndCall(ctx, requestFor(snapshot)); err != nil {
		logrus.WithError(err).WithField("call", snapshot.CallID).Warn("call: end failed")
	}
	if m.clearSession(snapshot.CallID) {
		m.emit(Event{Kind: EventEnded, Session: snapshot})
	}
	return nil
}

// HandleAnswered processes the remote answer on the caller side: ringing-out
// moves to ongoing, which drives offer creation in the media layer.
func (m *Manager) HandleAnswered(req *signal.CallRequest) {
	m.mu.Lock()
	if m.state != StateRingingOut || m.session == nil || m.session.CallID != req.CallID {
		m.mu.Unlock()
		m.logViolation("handle-answered", StateRingingOut)
		return
	}
	m.session.Status = signal.StatusOngoing
	m.state = StateOngoing
	m.disarmRingingTimer()
	m.startDurationCounter()
	snapshot := *m.session
	m.mu.Unlock()

	logrus.WithField("call", snapshot.CallID).Info("call: remote answered")
	m.emit(Event{Kind: EventAnswered, Session: snapshot})
}

// HandleRejected processes a remote rejection. Valid from any non-idle state;
// idempotent.
func (m *Manager) HandleRejected(req *signal.CallRequest) {
	m.terminate(req, signal.StatusRejected, EventRejected)
}

// HandleEnded processes a remote hangup. Valid from any non-idle state and
// idempotent: a second ENDED for the same call is a no-op.
func (m *Manager) HandleEnded(req *signal.CallRequest) {
	m.terminate(req, signal.StatusEnded, EventEnded)
}

func (m *Manager) terminate(req *signal.CallRequest, status signal.CallStatus, kind EventKind) {
	m.mu.Lock()
	if m.state == StateIdle || m.session == nil {
		m.mu.Unlock()
		logrus.WithField("call", req.CallID).Debug("call: termination for idle session, ignoring")
		return
	}
	if req.CallID != "" && m.session.CallID != req.CallID {
		m.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"call":    req.CallID,
			"current": m.session.CallID,
		}).Debug("call: termination for stale call, ignoring")
		return
	}
	snapshot := *m.session
	m.mu.Unlock()

	snapshot.Status = status
	if m.clearSession(snapshot.CallID) {
		logrus.WithFields(logrus.Fields{
			"call":   snapshot.CallID,
			"status": status,
		}).Info("call: terminated")
		m.emit(Event{Kind: kind, Session: snapshot})
	}
}

// clearSession drops the session if it still matches callID, cancelling the
// ringing timer and duration counter. Returns true when state was cleared by
// this call, which gates one-shot teardown effects.
func (m *Manager) clearSession(callID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil || m.session.CallID != callID {
		return false
	}
	m.session = nil
	m.state = StateIdle
	m.disarmRingingTimer()
	if m.durStop != nil {
		close(m.durStop)
		m.durStop = nil
	}
	return true
}

// armRingingTimer auto-terminates a call that rings unanswered too long.
// Caller holds m.mu.
func (m *Manager) armRingingTimer(callID string) {
	m.disarmRingingTimer()
	m.ringStop = time.AfterFunc(RingingTimeout, func() {
		m.ringingExpired(callID)
	})
}

// disarmRingingTimer stops the pending timer. Caller holds m.mu.
func (m *Manager) disarmRingingTimer() {
	if m.ringStop != nil {
		m.ringStop.Stop()
		m.ringStop = nil
	}
}

func (m *Manager) ringingExpired(callID string) {
	m.mu.Lock()
	if m.session == nil || m.session.CallID != callID ||
		(m.state != StateRingingOut && m.state != StateRingingIn) {
		m.mu.Unlock()
		return
	}
	outgoing := m.state == StateRingingOut
	snapshot := *m.session
	m.mu.Unlock()

	logrus.WithField("call", callID).Info("call: ringing timed out")
	ctx, cancelFn := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelFn()
	if outgoing {
		snapshot.Status = signal.StatusEnded
		_ = m.api.EndCall(ctx, requestFor(snapshot))
	} else {
		snapshot.Status = signal.StatusRejected
		_ = m.api.RejectCall(ctx, requestFor(snapshot))
	}
	if m.clearSession(callID) {
		m.emit(Event{Kind: EventEnded, Session: snapshot})
	}
}

// startDurationCounter ticks the elapsed-seconds counter until clearSession.
// Caller holds m.mu.
func (m *Manager) startDurationCounter() {
	atomic.StoreInt64(&m.duration, 0)
	stop := make(chan struct{})
	m.durStop = stop
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				atomic.AddInt64(&m.duration, 1)
			}
		}
	}()
}

func (m *Manager) emit(evt Event) {
	m.listenerMu.RLock()
	for ch := range m.listeners {
		select {
		case ch <- evt:
		default:
			logrus.WithField("kind", evt.Kind).Warn("call: event listener full, dropping")
		}
	}
	m.listenerMu.RUnlock()
}

func (m *Manager) logViolation(op string, want State) {
	logrus.WithFields(logrus.Fields{
		"op":    op,
		"state": m.State().String(),
		"want":  want.String(),
	}).Warn("call: transition ignored")
}

func requestFor(s Session) *signal.CallRequest {
	return &signal.CallRequest{
		CallID:         s.CallID,
		CallerID:       s.CallerID,
		RecipientID:    s.RecipientID,
		ConversationID: s.ConversationID,
		Status:         s.Status,
		CallType:       s.CallType,
	}
}
