package transport

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	// reconnectInterval is the fixed backoff between reconnect attempts.
	reconnectInterval = 5 * time.Second

	// maxReconnectAttempts is the number of consecutive failed dials after
	// which the channel gives up. A new Connect call re-arms the loop.
	maxReconnectAttempts = 5

	writeTimeout = 10 * time.Second
	pingPeriod   = 4 * time.Second
	pongWait     = 15 * time.Second

	// subBufCap is the buffer size of each subscriber channel. Slow consumers
	// drop frames rather than stall the read loop.
	subBufCap = 64
)

// ErrNotConnected is returned by Send while the socket is down. Publishing is
// fire-and-forget; there is no delivery acknowledgment beyond this.
var ErrNotConnected = errors.New("transport: not connected")

// Channel is a reconnecting pub/sub connection to the server.
//
// The subscription registry is declarative: Subscribe records interest and the
// channel replays every registered destination after each (re)connect, so
// consumers are decoupled from socket lifetime.
type Channel struct {
	url   string
	token string

	writeMu sync.Mutex
	conn    *websocket.Conn

	subMu sync.RWMutex
	subs  map[string]map[chan json.RawMessage]struct{}

	stateMu   sync.Mutex
	connected bool
	running   bool
	stateSubs map[chan bool]struct{}

	done chan struct{}
	once sync.Once
}

// New creates a Channel for the given WebSocket URL and bearer token.
// No I/O happens until Connect is called.
func New(url, token string) *Channel {
	return &Channel{
		url:       url,
		token:     token,
		subs:      make(map[string]map[chan json.RawMessage]struct{}),
		stateSubs: make(map[chan bool]struct{}),
		done:      make(chan struct{}),
	}
}

// Connect starts the connect/reconnect loop. Safe to call again after the
// channel has exhausted its reconnect attempts.
func (c *Channel) Connect() {
	c.stateMu.Lock()
	if c.running {
		c.stateMu.Unlock()
		return
	}
	c.running = true
	c.stateMu.Unlock()

	go c.run()
}

// Connected reports whether the socket is currently up and authenticated.
func (c *Channel) Connected() bool {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.connected
}

// ConnectionState returns a stream of connectivity transitions and a cancel
// function. The current state is delivered immediately.
func (c *Channel) ConnectionState() (<-chan bool, func()) {
	ch := make(chan bool, 8)

	c.stateMu.Lock()
	c.stateSubs[ch] = struct{}{}
	ch <- c.connected
	c.stateMu.Unlock()

	cancel := func() {
		c.stateMu.Lock()
		if _, ok := c.stateSubs[ch]; ok {
			delete(c.stateSubs, ch)
			close(ch)
		}
		c.stateMu.Unlock()
	}
	return ch, cancel
}

// Subscribe registers interest in a destination and returns a stream of raw
// message bodies plus a cancel function. The subscription survives reconnects;
// cancel actively unsubscribes so stale handlers cannot double-process events.
func (c *Channel) Subscribe(destination string) (<-chan json.RawMessage, func()) {
	ch := make(chan json.RawMessage, subBufCap)

	c.subMu.Lock()
	set, known := c.subs[destination]
	if !known {
		set = make(map[chan json.RawMessage]struct{})
		c.subs[destination] = set
	}
	set[ch] = struct{}{}
	c.subMu.Unlock()

	// First subscriber for this destination announces it to the server.
	if !known && c.Connected() {
		if err := c.writeFrame(Frame{Type: FrameTypeSubscribe, Destination: destination}); err != nil {
			logrus.WithField("destination", destination).WithError(err).Warn("transport: subscribe frame failed")
		}
	}

	cancel := func() {
		c.subMu.Lock()
		set, ok := c.subs[destination]
		if ok {
			if _, member := set[ch]; member {
				delete(set, ch)
				close(ch)
			}
			if len(set) == 0 {
				delete(c.subs, destination)
				ok = false
			}
		}
		c.subMu.Unlock()

		// Last subscriber gone — tell the server to stop delivering.
		if !ok && c.Connected() {
			_ = c.writeFrame(Frame{Type: FrameTypeUnsubscribe, Destination: destination})
		}
	}
	return ch, cancel
}

// Send publishes a payload to a destination. Fire-and-forget: a nil return
// means the frame was written to the socket, not that anyone received it.
func (c *Channel) Send(destination string, payload any) error {
	if !c.Connected() {
		return ErrNotConnected
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return c.writeFrame(Frame{Type: FrameTypeSend, Destination: destination, Body: body})
}

// Close tears down the channel permanently.
func (c *Channel) Close() {
	c.once.Do(func() {
		close(c.done)
	})
	c.writeMu.Lock()
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.writeMu.Unlock()
}

func (c *Channel) run() {
	defer func() {
		c.stateMu.Lock()
		c.running = false
		c.stateMu.Unlock()
	}()

	attempts := 0
	for {
		select {
		case <-c.done:
			return
		default:
		}

		conn, err := c.dial()
		if err != nil {
			attempts++
			logrus.WithError(err).WithField("attempt", attempts).Warn("transport: dial failed")
			if attempts >= maxReconnectAttempts {
				logrus.Warn("transport: giving up after max reconnect attempts")
				c.setConnected(false)
				return
			}
			select {
			case <-time.After(reconnectInterval):
				continue
			case <-c.done:
				return
			}
		}

		attempts = 0
		c.writeMu.Lock()
		c.conn = conn
		c.writeMu.Unlock()
		c.setConnected(true)
		c.resubscribeAll()

		stopPing := c.startPinger(conn)
		c.readLoop(conn)
		stopPing()

		c.setConnected(false)
		_ = conn.Close()

		select {
		case <-c.done:
			return
		case <-time.After(reconnectInterval):
		}
	}
}

func (c *Channel) dial() (*websocket.Conn, error) {
	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.Dial(c.url, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (c *Channel) startPinger(conn *websocket.Conn) func() {
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				c.writeMu.Lock()
				err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
				c.writeMu.Unlock()
				if err != nil {
					return
				}
			}
		}
	}()
	return func() { close(stop) }
}

// readLoop reads frames until the connection fails.
func (c *Channel) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				logrus.WithError(err).Debug("transport: read loop ended")
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			logrus.WithError(err).Warn("transport: bad frame, dropping")
			continue
		}
		if frame.Type != FrameTypeMessage {
			continue
		}
		c.dispatch(frame)
	}
}

// dispatch fans a message frame out to every subscriber of its destination.
func (c *Channel) dispatch(frame Frame) {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	for ch := range c.subs[frame.Destination] {
		select {
		case ch <- frame.Body:
		default:
			logrus.WithField("destination", frame.Destination).Warn("transport: subscriber full, dropping")
		}
	}
}

// resubscribeAll replays the subscription registry after a (re)connect.
func (c *Channel) resubscribeAll() {
	c.subMu.RLock()
	dests := make([]string, 0, len(c.subs))
	for d := range c.subs {
		dests = append(dests, d)
	}
	c.subMu.RUnlock()

	for _, d := range dests {
		if err := c.writeFrame(Frame{Type: FrameTypeSubscribe, Destination: d}); err != nil {
			logrus.WithField("destination", d).WithError(err).Warn("transport: resubscribe failed")
			return
		}
	}
	if len(dests) > 0 {
		logrus.WithField("count", len(dests)).Info("transport: subscriptions replayed")
	}
}

func (c *Channel) writeFrame(frame Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(frame)
}

func (c *Channel) setConnected(v bool) {
	c.stateMu.Lock()
	changed := c.connected != v
	c.connected = v
	if changed {
		for ch := range c.stateSubs {
			select {
			case ch <- v:
			default:
			}
		}
	}
	c.stateMu.Unlock()
	if changed {
		logrus.WithField("connected", v).Info("transport: connection state")
	}
}
