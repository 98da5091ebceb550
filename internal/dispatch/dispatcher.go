package dispatch

import (
	"encoding/json"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/btalk/btalk-go/internal/chat"
	"github.com/btalk/btalk-go/internal/transport"
)

// Subscriber is the transport surface the dispatcher needs.
type Subscriber interface {
	Subscribe(destination string) (<-chan json.RawMessage, func())
}

// Dispatcher routes push events into the chat store. It holds the global
// per-user subscriptions for its whole lifetime and exactly one live
// per-conversation message subscription, replaced on conversation switch.
type Dispatcher struct {
	tc    Subscriber
	store *chat.Store

	mu         sync.Mutex
	cancels    []func()
	convID     int64
	convCancel func()
	started    bool

	listenerMu sync.RWMutex
	notifSubs  map[chan Notification]struct{}
	unreadSubs map[chan int]struct{}
}

// New creates a dispatcher feeding the given store.
func New(tc Subscriber, store *chat.Store) *Dispatcher {
	return &Dispatcher{
		tc:         tc,
		store:      store,
		notifSubs:  make(map[chan Notification]struct{}),
		unreadSubs: make(map[chan int]struct{}),
	}
}

// Start opens the global per-user subscriptions.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return
	}
	d.started = true
	d.mu.Unlock()

	d.watch(transport.QueueConversationUpdates, d.handleConversationUpdate)
	d.watch(transport.QueueNotifications, d.handleNotification)
	d.watch(transport.QueueUnreadCount, d.handleUnreadCount)
}

// WatchConversation replaces the live per-conversation message subscription.
// The previous one is actively cancelled first so its handler cannot keep
// processing events for a conversation no longer being viewed.
func (d *Dispatcher) WatchConversation(conversationID int64) {
	d.mu.Lock()
	if d.convID == conversationID && d.convCancel != nil {
		d.mu.Unlock()
		return
	}
	if d.convCancel != nil {
		d.convCancel()
		d.convCancel = nil
	}
	d.convID = conversationID
	d.mu.Unlock()

	ch, cancel := d.tc.Subscribe(transport.TopicConversationMessages(conversationID))
	d.mu.Lock()
	d.convCancel = cancel
	d.mu.Unlock()

	go d.loop(ch, d.handleNewMessage)
	logrus.WithField("conversation", conversationID).Debug("dispatch: watching conversation")
}

// Stop cancels every subscription.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	cancels := d.cancels
	d.cancels = nil
	if d.convCancel != nil {
		cancels = append(cancels, d.convCancel)
		d.convCancel = nil
	}
	d.started = false
	d.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
}

// Notifications returns the stream of decoded notification events.
func (d *Dispatcher) Notifications() (<-chan Notification, func()) {
	ch := make(chan Notification, 16)
	d.listenerMu.Lock()
	d.notifSubs[ch] = struct{}{}
	d.listenerMu.Unlock()

	cancel := func() {
		d.listenerMu.Lock()
		if _, ok := d.notifSubs[ch]; ok {
			delete(d.notifSubs, ch)
			close(ch)
		}
		d.listenerMu.Unlock()
	}
	return ch, cancel
}

// UnreadCounts returns the stream of server-side unread totals.
func (d *Dispatcher) UnreadCounts() (<-chan int, func()) {
	ch := make(chan int, 8)
	d.listenerMu.Lock()
	d.unreadSubs[ch] = struct{}{}
	d.listenerMu.Unlock()

	cancel := func() {
		d.listenerMu.Lock()
		if _, ok := d.unreadSubs[ch]; ok {
			delete(d.unreadSubs, ch)
			close(ch)
		}
		d.listenerMu.Unlock()
	}
	return ch, cancel
}

func (d *Dispatcher) watch(destination string, handle func(json.RawMessage)) {
	ch, cancel := d.tc.Subscribe(destination)
	d.mu.Lock()
	d.cancels = append(d.cancels, cancel)
	d.mu.Unlock()
	go d.loop(ch, handle)
}

func (d *Dispatcher) loop(ch <-chan json.RawMessage, handle func(json.RawMessage)) {
	for raw := range ch {
		handle(raw)
	}
}

// decodeEnvelope unwraps the ApiResponse envelope, returning nil for
// unsuccessful or malformed frames.
func decodeEnvelope(raw json.RawMessage) json.RawMessage {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		logrus.WithError(err).Warn("dispatch: bad envelope, dropping")
		return nil
	}
	if !env.Success || len(env.Data) == 0 {
		return nil
	}
	return env.Data
}

func (d *Dispatcher) handleConversationUpdate(raw json.RawMessage) {
	data := decodeEnvelope(raw)
	if data == nil {
		return
	}
	var header eventHeader
	if err := json.Unmarshal(data, &header); err != nil || header.EventType != EventNewConversation {
		return
	}
	var evt ConversationUpdatedEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		logrus.WithError(err).Warn("dispatch: bad conversation event")
		return
	}
	conv := evt.Conversation
	d.store.UpsertConversation(&conv)
	logrus.WithField("conversation", conv.ConversationID).Debug("dispatch: conversation upserted")
}

func (d *Dispatcher) handleNewMessage(raw json.RawMessage) {
	data := decodeEnvelope(raw)
	if data == nil {
		return
	}
	var header eventHeader
	if err := json.Unmarshal(data, &header); err != nil || header.EventType != EventNewMessage {
		return
	}
	var evt NewMessageEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		logrus.WithError(err).Warn("dispatch: bad message event")
		return
	}
	d.store.AppendMessage(evt.Message)
	d.store.UpdateLastMessage(evt.Message)
}

func (d *Dispatcher) handleNotification(raw json.RawMessage) {
	data := decodeEnvelope(raw)
	if data == nil {
		return
	}
	var n Notification
	if err := json.Unmarshal(data, &n); err != nil {
		logrus.WithError(err).Warn("dispatch: bad notification")
		return
	}
	d.listenerMu.RLock()
	for ch := range d.notifSubs {
		select {
		case ch <- n:
		default:
		}
	}
	d.listenerMu.RUnlock()
}

func (d *Dispatcher) handleUnreadCount(raw json.RawMessage) {
	data := decodeEnvelope(raw)
	if data == nil {
		return
	}
	var u UnreadCount
	if err := json.Unmarshal(data, &u); err != nil {
		return
	}
	d.listenerMu.RLock()
	for ch := range d.unreadSubs {
		select {
		case ch <- u.Count:
		default:
		}
	}
	d.listenerMu.RUnlock()
}
