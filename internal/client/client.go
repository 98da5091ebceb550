// Package client wires the transport, call, media, chat, and storage
// subsystems into one runnable btalk client.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/btalk/btalk-go/internal/call"
	"github.com/btalk/btalk-go/internal/chat"
	"github.com/btalk/btalk-go/internal/config"
	"github.com/btalk/btalk-go/internal/dispatch"
	"github.com/btalk/btalk-go/internal/media"
	"github.com/btalk/btalk-go/internal/rest"
	"github.com/btalk/btalk-go/internal/signal"
	"github.com/btalk/btalk-go/internal/storage"
	"github.com/btalk/btalk-go/internal/transport"
)

// Client is the top-level btalk client. One instance per logged-in user.
type Client struct {
	cfg     config.Config
	selfID  int64
	api     *rest.Client
	channel *transport.Channel
	store   *chat.Store
	disp    *dispatch.Dispatcher
	calls   *call.Manager
	db      *storage.DB

	mu          sync.Mutex
	engine      *media.Engine
	session     call.Session
	groupCancel func()
	iceServers  []string

	cancels []func()
	started bool
}

// New assembles a client from config. Start must be called to go online.
func New(cfg config.Config, db *storage.DB) (*Client, error) {
	if cfg.User.ID <= 0 {
		return nil, errors.New("client: user.id must be set")
	}

	api := rest.NewClient(cfg.Server.RestURL, cfg.Server.Token)
	channel := transport.New(cfg.Server.WSURL, cfg.Server.Token)
	store := chat.NewStore(cfg.User.ID)

	c := &Client{
		cfg:        cfg,
		selfID:     cfg.User.ID,
		api:        api,
		channel:    channel,
		store:      store,
		disp:       dispatch.New(channel, store),
		db:         db,
		iceServers: flattenICE(cfg.ICE.Servers),
	}
	c.calls = call.NewManager(cfg.User.ID, api)
	return c, nil
}

// Store exposes the conversation and message cache.
func (c *Client) Store() *chat.Store { return c.store }

// Calls exposes the call state machine for state and event queries.
func (c *Client) Calls() *call.Manager { return c.calls }

// Connected reports transport connectivity.
func (c *Client) Connected() bool { return c.channel.Connected() }

// ConnectionState streams connectivity transitions.
func (c *Client) ConnectionState() (<-chan bool, func()) {
	return c.channel.ConnectionState()
}

// Start connects the transport, subscribes the per-user queues, and loads the
// conversation list.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	c.mu.Unlock()

	c.channel.Connect()
	c.disp.Start()

	c.watchQueue(transport.QueueCallIncoming, c.onIncoming)
	c.watchQueue(transport.QueueCallAnswered, func(req *signal.CallRequest) {
		c.calls.HandleAnswered(req)
	})
	c.watchQueue(transport.QueueCallRejected, func(req *signal.CallRequest) {
		c.calls.HandleRejected(req)
	})
	c.watchQueue(transport.QueueCallEnded, func(req *signal.CallRequest) {
		c.calls.HandleEnded(req)
	})
	c.watchSignals(transport.QueueCallSignals)

	evts, cancel := c.calls.Events()
	c.mu.Lock()
	c.cancels = append(c.cancels, cancel)
	c.mu.Unlock()
	go c.callEventLoop(evts)

	if err := c.RefreshConversations(ctx); err != nil {
		logrus.WithError(err).Warn("client: initial conversation load failed")
	}
	logrus.WithField("user", c.selfID).Info("client: started")
	return nil
}

// Close tears everything down.
func (c *Client) Close() {
	c.mu.Lock()
	cancels := c.cancels
	c.cancels = nil
	engine := c.engine
	c.engine = nil
	groupCancel := c.groupCancel
	c.groupCancel = nil
	c.mu.Unlock()

	for _, fn := range cancels {
		fn()
	}
	if groupCancel != nil {
		groupCancel()
	}
	if engine != nil {
		engine.Teardown()
	}
	c.disp.Stop()
	c.channel.Close()
}

// SetICEServers replaces the servers used for future calls. The active call,
// if any, keeps its current configuration.
func (c *Client) SetICEServers(servers []config.ICEServer) {
	c.mu.Lock()
	c.iceServers = flattenICE(servers)
	c.mu.Unlock()
	logrus.WithField("count", len(servers)).Info("client: ice servers updated")
}

// ── Calls ─────────────────────────────────────────────────────────────────────

// Call starts an outgoing call in the given conversation. recipientID is zero
// for group calls.
func (c *Client) Call(ctx context.Context, conversationID, recipientID int64, callType signal.CallType) error {
	_, err := c.calls.InitiateCall(ctx, conversationID, recipientID, callType)
	return err
}

// Answer accepts the ringing incoming call.
func (c *Client) Answer(ctx context.Context) error {
	return c.calls.Answer(ctx)
}

// Reject declines the ringing incoming call.
func (c *Client) Reject(ctx context.Context) error {
	return c.calls.Reject(ctx)
}

// HangUp ends the current call. The remote side learns about it twice: a
// HANGUP signal on the fast path and the server's ENDED lifecycle event.
func (c *Client) HangUp(ctx context.Context) error {
	c.mu.Lock()
	sess := c.session
	c.mu.Unlock()
	if sess.CallID != "" {
		sig := c.signalFor(sess, signal.TypeHangup, nil)
		if err := signal.Dispatch(c.channel, sig); err != nil {
			logrus.WithError(err).Debug("client: hangup signal not sent")
		}
	}
	return c.calls.HangUp(ctx)
}

// ToggleAudio mutes or unmutes the microphone. Returns true when muted.
func (c *Client) ToggleAudio() bool {
	c.mu.Lock()
	engine := c.engine
	c.mu.Unlock()
	if engine == nil {
		return false
	}
	return engine.ToggleAudio()
}

// ToggleVideo enables or disables the camera. Returns true when disabled.
func (c *Client) ToggleVideo() bool {
	c.mu.Lock()
	engine := c.engine
	c.mu.Unlock()
	if engine == nil {
		return false
	}
	return engine.ToggleVideo()
}

// CallQuality streams connection quality of the active call, or nil when no
// call is active.
func (c *Client) CallQuality() (<-chan media.QualityLevel, func()) {
	c.mu.Lock()
	engine := c.engine
	c.mu.Unlock()
	if engine == nil {
		return nil, func() {}
	}
	return engine.Quality()
}

// RecentCalls reads the local call history.
func (c *Client) RecentCalls(limit int) ([]storage.CallRecord, error) {
	if c.db == nil {
		return nil, nil
	}
	return c.db.RecentCalls(limit)
}

// ── Conversations and messages ────────────────────────────────────────────────

// RefreshConversations fetches the conversation list and merges it into the
// cache, preserving identity of unchanged entries.
func (c *Client) RefreshConversations(ctx context.Context) error {
	convs, err := c.api.GetConversations(ctx, c.selfID)
	if err != nil {
		return err
	}
	c.store.MergeConversations(convs)
	return nil
}

// OpenConversation makes a conversation active: fetches its newest page,
// rewires the per-conversation message topic, and marks it seen.
func (c *Client) OpenConversation(ctx context.Context, conversationID int64) error {
	msgs, err := c.api.GetMessages(ctx, conversationID, c.selfID)
	if err != nil {
		return err
	}
	c.store.SetActiveConversation(conversationID)
	c.store.ReplaceMessages(conversationID, msgs)
	c.disp.WatchConversation(conversationID)
	c.archive(msgs)

	if err := c.api.MarkSeen(ctx, conversationID, c.selfID); err != nil {
		logrus.WithError(err).WithField("conversation", conversationID).Warn("client: mark seen failed")
	}
	return nil
}

// LoadOlderMessages pages backwards from the oldest cached message of the
// conversation. Returns the number of messages fetched; zero means the top of
// history was reached.
func (c *Client) LoadOlderMessages(ctx context.Context, conversationID int64) (int, error) {
	cached := c.store.Messages(conversationID)
	if len(cached) == 0 {
		return 0, nil
	}
	oldest := cached[0].SentAt

	msgs, err := c.api.GetMessagesBefore(ctx, conversationID, oldest)
	if err != nil {
		return 0, err
	}
	c.store.PrependMessages(conversationID, msgs)
	c.archive(msgs)
	return len(msgs), nil
}

// SendMessage posts a text message and caches the server's echo.
func (c *Client) SendMessage(ctx context.Context, conversationID int64, content string) (*chat.Message, error) {
	msg := &chat.Message{
		ConversationID: conversationID,
		SenderID:       c.selfID,
		Content:        content,
		MessageType:    chat.MessageText,
		SentAt:         time.Now().UTC(),
		Status:         chat.StatusSent,
	}
	sent, err := c.api.SendMessage(ctx, msg)
	if err != nil {
		return nil, err
	}
	c.store.AppendMessage(*sent)
	c.store.UpdateLastMessage(*sent)
	c.archive([]chat.Message{*sent})
	return sent, nil
}

// Notifications streams server push notifications.
func (c *Client) Notifications() (<-chan dispatch.Notification, func()) {
	return c.disp.Notifications()
}

// UnreadCounts streams total unread count updates.
func (c *Client) UnreadCounts() (<-chan int, func()) {
	return c.disp.UnreadCounts()
}

func (c *Client) archive(msgs []chat.Message) {
	if c.db == nil || len(msgs) == 0 {
		return
	}
	if err := c.db.SaveMessages(msgs); err != nil {
		logrus.WithError(err).Warn("client: message archive failed")
	}
}

// ── Inbound wiring ────────────────────────────────────────────────────────────

func (c *Client) watchQueue(destination string, handle func(*signal.CallRequest)) {
	ch, cancel := c.channel.Subscribe(destination)
	c.mu.Lock()
	c.cancels = append(c.cancels, cancel)
	c.mu.Unlock()

	go func() {
		for raw := range ch {
			var req signal.CallRequest
			if err := json.Unmarshal(raw, &req); err != nil {
				logrus.WithError(err).WithField("destination", destination).Warn("client: bad call event")
				continue
			}
			handle(&req)
		}
	}()
}

func (c *Client) onIncoming(req *signal.CallRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	c.calls.HandleIncoming(ctx, req)
}

// watchSignals consumes a signaling destination and feeds the media engine.
func (c *Client) watchSignals(destination string) func() {
	ch, cancel := c.channel.Subscribe(destination)
	c.mu.Lock()
	c.cancels = append(c.cancels, cancel)
	c.mu.Unlock()

	go func() {
		for raw := range ch {
			var sig signal.CallSignal
			if err := json.Unmarshal(raw, &sig); err != nil {
				logrus.WithError(err).WithField("destination", destination).Warn("client: bad signal")
				continue
			}
			c.handleSignal(&sig)
		}
	}()
	return cancel
}

func (c *Client) handleSignal(sig *signal.CallSignal) {
	// Our own group signals come back on the broadcast topic.
	if sig.SenderID == c.selfID {
		return
	}

	c.mu.Lock()
	engine := c.engine
	sess := c.session
	c.mu.Unlock()

	if sig.CallID != "" && sess.CallID != "" && sig.CallID != sess.CallID {
		logrus.WithFields(logrus.Fields{
			"signal":  sig.CallID,
			"current": sess.CallID,
		}).Debug("client: signal for stale call, dropping")
		return
	}

	switch sig.Type {
	case signal.TypeHangup:
		c.calls.HandleEnded(&signal.CallRequest{
			CallID:         sig.CallID,
			ConversationID: sig.ConversationID,
			Status:         signal.StatusEnded,
		})
		return
	case signal.TypeRinging:
		logrus.WithField("call", sig.CallID).Debug("client: remote ringing")
		return
	}

	if engine == nil {
		logrus.WithField("type", sig.Type).Warn("client: signal without active media session, dropping")
		return
	}

	var err error
	switch sig.Type {
	case signal.TypeOffer:
		err = engine.HandleOffer(sig.Payload)
	case signal.TypeAnswer:
		err = engine.HandleAnswer(sig.Payload)
	case signal.TypeCandidate:
		err = engine.AddRemoteCandidate(sig.Payload)
	default:
		logrus.WithField("type", sig.Type).Warn("client: unknown signal type")
		return
	}
	if err != nil {
		logrus.WithError(err).WithField("type", sig.Type).Error("client: signal handling failed")
	}
}

// ── Call lifecycle reactions ──────────────────────────────────────────────────

func (c *Client) callEventLoop(evts <-chan call.Event) {
	for evt := range evts {
		switch evt.Kind {
		case call.EventOutgoing, call.EventIncoming:
			c.beginSession(evt.Session)
		case call.EventAnswered:
			// Caller side: remote answered, capture media and send the offer.
			go c.negotiate(true)
		case call.EventAccepted:
			// Receiver side: capture media and wait for the caller's offer.
			go c.negotiate(false)
		case call.EventRejected, call.EventEnded:
			c.endSession(evt)
		}
	}
}

// beginSession builds the media engine for a new session so that signals have
// somewhere to land from the first moment. Media capture waits for answer.
func (c *Client) beginSession(sess call.Session) {
	c.mu.Lock()
	signaler := &sessionSignaler{client: c, session: sess}
	engine := media.NewEngine(signaler, c.iceServers)
	c.engine = engine
	c.session = sess
	c.mu.Unlock()

	// Group signals arrive on a per-conversation broadcast topic that is only
	// worth subscribing while a group call is alive.
	if sess.CallType == signal.CallGroup {
		cancel := c.watchSignals(transport.TopicCallSignals(sess.ConversationID))
		c.mu.Lock()
		c.groupCancel = cancel
		c.mu.Unlock()
	}

	engine.OnFailure(func(err error) {
		logrus.WithError(err).Error("client: media failure, hanging up")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = c.HangUp(ctx)
	})
	if err := engine.Start(); err != nil {
		logrus.WithError(err).Error("client: media engine start failed")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = c.HangUp(ctx)
		return
	}

	if c.db != nil {
		if err := c.db.RecordCallStart(&signal.CallRequest{
			CallID:         sess.CallID,
			CallerID:       sess.CallerID,
			RecipientID:    sess.RecipientID,
			ConversationID: sess.ConversationID,
			Status:         sess.Status,
			CallType:       sess.CallType,
		}); err != nil {
			logrus.WithError(err).Debug("client: call history write failed")
		}
	}
}

func (c *Client) negotiate(initiator bool) {
	c.mu.Lock()
	engine := c.engine
	c.mu.Unlock()
	if engine == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := engine.PrepareLocalMedia(ctx); err != nil {
		logrus.WithError(err).Error("client: local media unavailable, hanging up")
		_ = c.HangUp(ctx)
		return
	}
	if initiator {
		if err := engine.SendOffer(); err != nil {
			logrus.WithError(err).Error("client: offer failed, hanging up")
			_ = c.HangUp(ctx)
		}
	}
}

func (c *Client) endSession(evt call.Event) {
	c.mu.Lock()
	engine := c.engine
	c.engine = nil
	groupCancel := c.groupCancel
	c.groupCancel = nil
	c.session = call.Session{}
	c.mu.Unlock()

	if groupCancel != nil {
		groupCancel()
	}
	if engine != nil {
		engine.Teardown()
	}

	if c.db != nil {
		outcome := storage.OutcomeCompleted
		duration := time.Duration(c.calls.Duration()) * time.Second
		if evt.Kind == call.EventRejected {
			outcome = storage.OutcomeRejected
		} else if duration == 0 {
			outcome = storage.OutcomeMissed
		}
		if err := c.db.RecordCallEnd(evt.Session.CallID, outcome, duration); err != nil {
			logrus.WithError(err).Debug("client: call history close failed")
		}
	}
}

// signalFor builds an outbound signal addressed for the session. Private
// signals carry the peer's id; group signals carry the conversation.
func (c *Client) signalFor(sess call.Session, t signal.Type, payload json.RawMessage) *signal.CallSignal {
	sig := &signal.CallSignal{
		CallID:   sess.CallID,
		SenderID: c.selfID,
		Type:     t,
		Payload:  payload,
	}
	if sess.CallType == signal.CallGroup {
		sig.ConversationID = sess.ConversationID
		return sig
	}
	peer := sess.RecipientID
	if peer == c.selfID || peer == 0 {
		peer = sess.CallerID
	}
	sig.RecipientID = peer
	return sig
}

// sessionSignaler adapts the transport to the media engine for one session.
type sessionSignaler struct {
	client  *Client
	session call.Session
}

func (s *sessionSignaler) SendSignal(t signal.Type, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	sig := s.client.signalFor(s.session, t, body)
	return signal.Dispatch(s.client.channel, sig)
}

func flattenICE(servers []config.ICEServer) []string {
	var urls []string
	for _, s := range servers {
		urls = append(urls, s.URLs...)
	}
	return urls
}
