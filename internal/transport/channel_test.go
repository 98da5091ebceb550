package transport

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// wsServer is a minimal in-process broker: it records subscribe and
// unsubscribe frames and can push message frames to the connected client.
type wsServer struct {
	*httptest.Server
	upgrader websocket.Upgrader

	mu           sync.Mutex
	conn         *websocket.Conn
	subscribed   []string
	unsubscribed []string
	sent         []Frame
	authHeaders  []string
}

func newWSServer(t *testing.T) *wsServer {
	t.Helper()
	s := &wsServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.authHeaders = append(s.authHeaders, r.Header.Get("Authorization"))
		s.mu.Unlock()

		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conn = conn
		s.mu.Unlock()

		for {
			var frame Frame
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			s.mu.Lock()
			switch frame.Type {
			case FrameTypeSubscribe:
				s.subscribed = append(s.subscribed, frame.Destination)
			case FrameTypeUnsubscribe:
				s.unsubscribed = append(s.unsubscribed, frame.Destination)
			case FrameTypeSend:
				s.sent = append(s.sent, frame)
			}
			s.mu.Unlock()
		}
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *wsServer) url() string {
	return "ws" + strings.TrimPrefix(s.Server.URL, "http")
}

func (s *wsServer) push(t *testing.T, destination string, payload any) {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	require.NotNil(t, conn, "no client connected")
	require.NoError(t, conn.WriteJSON(Frame{Type: FrameTypeMessage, Destination: destination, Body: body}))
}

func (s *wsServer) subscriptions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.subscribed...)
}

func (s *wsServer) unsubscriptions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.unsubscribed...)
}

func (s *wsServer) sentFrames() []Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Frame(nil), s.sent...)
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestSubscriptionsReplayedOnConnect(t *testing.T) {
	srv := newWSServer(t)
	c := New(srv.url(), "tok")
	defer c.Close()

	// Register interest before any connection exists.
	ch, cancel := c.Subscribe("/user/queue/call/incoming")
	defer cancel()

	c.Connect()
	waitFor(t, c.Connected, "channel never connected")
	waitFor(t, func() bool {
		return len(srv.subscriptions()) == 1
	}, "subscribe frame never arrived")
	assert.Equal(t, "/user/queue/call/incoming", srv.subscriptions()[0])

	srv.push(t, "/user/queue/call/incoming", map[string]string{"callId": "c1"})
	select {
	case raw := <-ch:
		assert.JSONEq(t, `{"callId":"c1"}`, string(raw))
	case <-time.After(time.Second):
		t.Fatal("subscriber never received pushed frame")
	}
}

func TestBearerTokenSentOnDial(t *testing.T) {
	srv := newWSServer(t)
	c := New(srv.url(), "secret")
	defer c.Close()

	c.Connect()
	waitFor(t, c.Connected, "channel never connected")

	srv.mu.Lock()
	defer srv.mu.Unlock()
	require.NotEmpty(t, srv.authHeaders)
	assert.Equal(t, "Bearer secret", srv.authHeaders[0])
}

func TestSendWhileDisconnected(t *testing.T) {
	c := New("ws://127.0.0.1:1/nowhere", "")
	defer c.Close()

	err := c.Send("/app/call/private/signal", map[string]string{"type": "OFFER"})
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestSendPublishesFrame(t *testing.T) {
	srv := newWSServer(t)
	c := New(srv.url(), "")
	defer c.Close()

	c.Connect()
	waitFor(t, c.Connected, "channel never connected")

	require.NoError(t, c.Send("/app/call/private/signal", map[string]string{"type": "OFFER"}))
	waitFor(t, func() bool { return len(srv.sentFrames()) == 1 }, "send frame never arrived")

	frame := srv.sentFrames()[0]
	assert.Equal(t, FrameTypeSend, frame.Type)
	assert.Equal(t, "/app/call/private/signal", frame.Destination)
	assert.JSONEq(t, `{"type":"OFFER"}`, string(frame.Body))
}

func TestCancelUnsubscribes(t *testing.T) {
	srv := newWSServer(t)
	c := New(srv.url(), "")
	defer c.Close()

	c.Connect()
	waitFor(t, c.Connected, "channel never connected")

	_, cancel := c.Subscribe("/user/queue/notifications")
	waitFor(t, func() bool { return len(srv.subscriptions()) == 1 }, "subscribe frame never arrived")

	cancel()
	waitFor(t, func() bool { return len(srv.unsubscriptions()) == 1 }, "unsubscribe frame never arrived")
	assert.Equal(t, "/user/queue/notifications", srv.unsubscriptions()[0])
}

func TestFanOutToMultipleSubscribers(t *testing.T) {
	srv := newWSServer(t)
	c := New(srv.url(), "")
	defer c.Close()

	a, cancelA := c.Subscribe("/topic/conversation/10/messages")
	defer cancelA()
	b, cancelB := c.Subscribe("/topic/conversation/10/messages")
	defer cancelB()

	c.Connect()
	waitFor(t, c.Connected, "channel never connected")
	// One destination, one server-side subscription.
	waitFor(t, func() bool { return len(srv.subscriptions()) == 1 }, "subscribe frame never arrived")

	srv.push(t, "/topic/conversation/10/messages", map[string]bool{"ok": true})
	for _, ch := range []<-chan json.RawMessage{a, b} {
		select {
		case raw := <-ch:
			assert.JSONEq(t, `{"ok":true}`, string(raw))
		case <-time.After(time.Second):
			t.Fatal("subscriber missed fan-out")
		}
	}
}

func TestConnectionStateStream(t *testing.T) {
	srv := newWSServer(t)
	c := New(srv.url(), "")
	defer c.Close()

	states, cancel := c.ConnectionState()
	defer cancel()

	// Current state is delivered immediately.
	select {
	case up := <-states:
		assert.False(t, up)
	case <-time.After(time.Second):
		t.Fatal("no initial connection state")
	}

	c.Connect()
	select {
	case up := <-states:
		assert.True(t, up)
	case <-time.After(3 * time.Second):
		t.Fatal("no connected transition")
	}
}

func TestDestinationBuilders(t *testing.T) {
	assert.Equal(t, "/topic/conversation/42/messages", TopicConversationMessages(42))
	assert.Equal(t, "/topic/call/7/signals", TopicCallSignals(7))
}
