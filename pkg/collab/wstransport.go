package collab

import (
	"encoding/json"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"collabsync/pkg/logger"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 54 * time.Second
)

// WebsocketTransport dials a relay server and exposes its topics as
// channels. One websocket connection per channel.
type WebsocketTransport struct {
	baseURL string
	token   string
	dialer  *websocket.Dialer
}

// NewWebsocketTransport builds a transport for a relay websocket endpoint,
// e.g. "ws://localhost:8080/ws". The token is passed as a query parameter
// on dial, matching the relay's auth handshake.
func NewWebsocketTransport(baseURL, token string) *WebsocketTransport {
	return &WebsocketTransport{
		baseURL: baseURL,
		token:   token,
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

func (t *WebsocketTransport) OpenChannel(topic string) Channel {
	return &wsChannel{
		transport: t,
		topic:     topic,
		handlers:  make(map[Category]map[string][]Handler),
		outbound:  make(chan []byte, 64),
		done:      make(chan struct{}),
	}
}

type wsChannel struct {
	transport *WebsocketTransport
	topic     string

	mu        sync.Mutex
	handlers  map[Category]map[string][]Handler
	status    func(Status)
	conn      *websocket.Conn
	connected bool
	started   bool
	closed    bool

	outbound chan []byte
	done     chan struct{}
}

func (c *wsChannel) On(category Category, event string, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	byEvent, ok := c.handlers[category]
	if !ok {
		byEvent = make(map[string][]Handler)
		c.handlers[category] = byEvent
	}
	byEvent[event] = append(byEvent[event], h)
}

func (c *wsChannel) Subscribe(status func(Status)) {
	c.mu.Lock()
	if c.started || c.closed {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.status = status
	c.mu.Unlock()

	c.report(StatusConnecting)
	go c.connect()
}

func (c *wsChannel) connect() {
	u, err := url.Parse(c.transport.baseURL)
	if err != nil {
		logger.Error("ws transport: invalid url %q: %v", c.transport.baseURL, err)
		c.report(StatusDisconnected)
		return
	}
	q := u.Query()
	q.Set("topic", c.topic)
	if c.transport.token != "" {
		q.Set("token", c.transport.token)
	}
	u.RawQuery = q.Encode()

	conn, _, err := c.transport.dialer.Dial(u.String(), nil)
	if err != nil {
		logger.Error("ws transport: dial %s failed: %v", c.topic, err)
		c.report(StatusDisconnected)
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return
	}
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	c.report(StatusConnected)
	go c.writePump(conn)
	go c.readPump(conn)
}

func (c *wsChannel) Send(env Envelope) {
	c.enqueue(ClientFrame{Type: FrameBroadcast, Event: env.Event, Payload: env.Payload})
}

func (c *wsChannel) Track(rec PresenceRecord) {
	payload, err := json.Marshal(rec)
	if err != nil {
		logger.Error("ws transport: failed to encode presence record: %v", err)
		return
	}
	c.enqueue(ClientFrame{Type: FrameTrack, Payload: payload})
}

func (c *wsChannel) Untrack() {
	c.enqueue(ClientFrame{Type: FrameUntrack})
}

// enqueue hands a frame to the writer. Frames sent while disconnected, or
// when the writer is saturated, are dropped: the bus is best-effort.
func (c *wsChannel) enqueue(frame ClientFrame) {
	c.mu.Lock()
	connected := c.connected
	c.mu.Unlock()
	if !connected {
		logger.Debug("ws transport: dropping %s frame for %s while disconnected", frame.Type, c.topic)
		return
	}
	data, err := json.Marshal(frame)
	if err != nil {
		logger.Error("ws transport: failed to encode frame: %v", err)
		return
	}
	select {
	case c.outbound <- data:
	default:
		logger.Debug("ws transport: outbound queue full, dropping %s frame for %s", frame.Type, c.topic)
	}
}

func (c *wsChannel) Unsubscribe() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.connected = false
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	close(c.done)
	if conn != nil {
		conn.Close()
	}
	c.report(StatusDisconnected)
}

func (c *wsChannel) readPump(conn *websocket.Conn) {
	defer c.markDisconnected(conn)

	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Error("ws transport: read error on %s: %v", c.topic, err)
			}
			return
		}

		var frame ServerFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			logger.Debug("ws transport: dropping malformed frame on %s: %v", c.topic, err)
			continue
		}
		c.dispatch(frame)
	}
}

func (c *wsChannel) writePump(conn *websocket.Conn) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case data := <-c.outbound:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				logger.Error("ws transport: write error on %s: %v", c.topic, err)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

func (c *wsChannel) dispatch(frame ServerFrame) {
	c.mu.Lock()
	var hs []Handler
	if byEvent, ok := c.handlers[frame.Category]; ok {
		hs = byEvent[frame.Event]
	}
	c.mu.Unlock()
	env := Envelope{Event: frame.Event, Payload: frame.Payload}
	for _, h := range hs {
		h(env)
	}
}

func (c *wsChannel) markDisconnected(conn *websocket.Conn) {
	conn.Close()
	c.mu.Lock()
	wasConnected := c.connected
	closed := c.closed
	c.connected = false
	c.mu.Unlock()
	if wasConnected && !closed {
		c.report(StatusDisconnected)
	}
}

func (c *wsChannel) report(st Status) {
	c.mu.Lock()
	fn := c.status
	c.mu.Unlock()
	if fn != nil {
		fn(st)
	}
}
