package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/akfldk1028/XRT-sub001/internal/metrics"
)

// DefaultURL is the realtime service endpoint; the model is appended as a
// query parameter.
const DefaultURL = "wss://api.openai.com/v1/realtime"

// ErrNotConnected is returned when an operation requires a live session.
var ErrNotConnected = fmt.Errorf("realtime: not connected")

// Config holds connection parameters for the streaming channel.
type Config struct {
	URL              string
	APIKey           string
	Model            string
	Session          SessionConfig
	HandshakeTimeout time.Duration
}

type outboundFrame struct {
	msgType string
	data    []byte
}

// Client owns the persistent duplex connection to the realtime service. It
// encodes/decodes the event protocol and exposes send-text, append/commit
// audio and an ordered multi-subscriber event stream. The client never
// reconnects on its own; that decision belongs to the orchestrator.
type Client struct {
	cfg Config
	met *metrics.Metrics

	mu         sync.RWMutex
	conn       *websocket.Conn
	connected  bool
	configSent bool
	stopCh     chan struct{}
	outbound   chan outboundFrame

	eventSeq uint64

	subMu   sync.Mutex
	subs    map[int]chan Event
	nextSub int
}

// NewClient constructs a disconnected client.
func NewClient(cfg Config, met *metrics.Metrics) *Client {
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	return &Client{
		cfg:  cfg,
		met:  met,
		subs: make(map[int]chan Event),
	}
}

// Connect establishes the WebSocket connection and starts the independent
// reader and writer goroutines. The session is acknowledged by the server
// with a session.created event on the event stream.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.RLock()
	already := c.connected
	c.mu.RUnlock()
	if already {
		return nil
	}
	if c.cfg.APIKey == "" {
		return fmt.Errorf("realtime: API key is empty")
	}

	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return fmt.Errorf("realtime: parse url: %w", err)
	}
	if c.cfg.Model != "" {
		q := u.Query()
		q.Set("model", c.cfg.Model)
		u.RawQuery = q.Encode()
	}

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+c.cfg.APIKey)
	headers.Set("OpenAI-Beta", "realtime=v1")

	// Dial without holding the lock; the handshake can take seconds and
	// Connected/send callers must not stall behind it.
	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.HandshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("realtime: connect failed with status %d: %w", resp.StatusCode, err)
		}
		return fmt.Errorf("realtime: connect failed: %w", err)
	}

	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	c.conn = conn
	c.connected = true
	c.configSent = false
	c.stopCh = make(chan struct{})
	c.outbound = make(chan outboundFrame, 256)

	go c.readLoop(conn, c.stopCh)
	go c.writeLoop(conn, c.stopCh, c.outbound)
	c.mu.Unlock()

	log.Printf("realtime: connected to %s", u.Host)
	return nil
}

// Connected reports whether a live session exists.
func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Subscribe registers a new event stream subscriber. Events are delivered in
// arrival order; a slow subscriber drops events rather than stalling the
// reader. The returned cancel removes the subscription.
func (c *Client) Subscribe() (<-chan Event, func()) {
	c.subMu.Lock()
	id := c.nextSub
	c.nextSub++
	ch := make(chan Event, 64)
	c.subs[id] = ch
	c.subMu.Unlock()
	cancel := func() {
		c.subMu.Lock()
		if sub, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(sub)
		}
		c.subMu.Unlock()
	}
	return ch, cancel
}

func (c *Client) broadcast(ev Event) {
	if c.met != nil {
		c.met.EventsReceived.WithLabelValues(ev.Kind.String()).Inc()
	}
	c.subMu.Lock()
	for id, sub := range c.subs {
		select {
		case sub <- ev:
		default:
			log.Printf("realtime: subscriber %d full, dropping %s event", id, ev.Kind)
		}
	}
	c.subMu.Unlock()
}

func (c *Client) nextEventID() string {
	return fmt.Sprintf("evt_%d", atomic.AddUint64(&c.eventSeq, 1))
}

// send marshals and queues one outbound frame. It may block the caller while
// the writer drains, but never performs encoding work beyond JSON marshal.
func (c *Client) send(msgType string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("realtime: marshal %s: %w", msgType, err)
	}
	c.mu.RLock()
	if !c.connected {
		c.mu.RUnlock()
		return ErrNotConnected
	}
	stopCh, outbound := c.stopCh, c.outbound
	c.mu.RUnlock()

	select {
	case outbound <- outboundFrame{msgType: msgType, data: data}:
		if c.met != nil {
			c.met.MessagesSent.WithLabelValues(msgType).Inc()
		}
		return nil
	case <-stopCh:
		return ErrNotConnected
	}
}

// ConfigureSession stores the negotiated configuration and, when a session is
// live, resends session.update. Resending is idempotent; changed fields
// redefine behavior for all subsequent turns.
func (c *Client) ConfigureSession(cfg SessionConfig) error {
	c.mu.Lock()
	c.cfg.Session = cfg
	sent := c.configSent
	connected := c.connected
	c.mu.Unlock()
	if !connected || !sent {
		return nil
	}
	return c.sendSessionUpdate(cfg)
}

func (c *Client) sendSessionUpdate(cfg SessionConfig) error {
	return c.send("session.update", sessionUpdateMsg{
		Type:    "session.update",
		EventID: c.nextEventID(),
		Session: sessionToPayload(cfg),
	})
}

// SendText submits one user text turn and requests a response. The content
// schema is text-only; there is deliberately no way to attach an image here.
func (c *Client) SendText(text string) error {
	if err := c.send("conversation.item.create", itemCreateMsg{
		Type:    "conversation.item.create",
		EventID: c.nextEventID(),
		Item: conversationItem{
			Type:    "message",
			Role:    "user",
			Content: []itemContent{{Type: "input_text", Text: text}},
		},
	}); err != nil {
		return err
	}
	return c.send("response.create", responseCreateMsg{
		Type:    "response.create",
		EventID: c.nextEventID(),
	})
}

// AppendAudio queues one base64-encoded PCM chunk. Encoding happens on the
// pipeline side, not here.
func (c *Client) AppendAudio(b64 string) error {
	return c.send("input_audio_buffer.append", audioAppendMsg{
		Type:    "input_audio_buffer.append",
		EventID: c.nextEventID(),
		Audio:   b64,
	})
}

// CommitAudio signals that the input audio segment is complete.
func (c *Client) CommitAudio() error {
	return c.send("input_audio_buffer.commit", audioBufferMsg{
		Type:    "input_audio_buffer.commit",
		EventID: c.nextEventID(),
	})
}

// ClearAudio discards any uncommitted input audio on the server.
func (c *Client) ClearAudio() error {
	return c.send("input_audio_buffer.clear", audioBufferMsg{
		Type:    "input_audio_buffer.clear",
		EventID: c.nextEventID(),
	})
}

// Disconnect closes the connection and tears down the session. Safe to call
// twice.
func (c *Client) Disconnect() {
	c.teardown(true)
}

// teardown moves the client to the disconnected state. For an unrequested
// loss a synthetic disconnected event is broadcast so observers learn the
// connection is gone.
func (c *Client) teardown(requested bool) {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return
	}
	c.connected = false
	close(c.stopCh)
	if c.conn != nil {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()

	if c.met != nil {
		c.met.Disconnects.Inc()
	}
	if !requested {
		c.broadcast(Event{Kind: KindDisconnected, Terminal: true})
	}
	log.Printf("realtime: disconnected (requested=%v)", requested)
}

func (c *Client) writeLoop(conn *websocket.Conn, stopCh chan struct{}, outbound chan outboundFrame) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("realtime: recovered from panic in writeLoop: %v", r)
		}
	}()
	for {
		select {
		case <-stopCh:
			return
		case frame := <-outbound:
			if err := conn.WriteMessage(websocket.TextMessage, frame.data); err != nil {
				log.Printf("realtime: write %s: %v", frame.msgType, err)
				c.teardown(false)
				return
			}
		}
	}
}

func (c *Client) readLoop(conn *websocket.Conn, stopCh chan struct{}) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("realtime: recovered from panic in readLoop: %v", r)
		}
	}()
	for {
		select {
		case <-stopCh:
			return
		default:
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-stopCh: // requested disconnect, not an error
			default:
				log.Printf("realtime: read: %v", err)
				c.teardown(false)
			}
			return
		}
		c.handleFrame(data)
	}
}

// handleFrame decodes and dispatches one inbound frame. Malformed or unknown
// frames are logged and dropped; they never affect session liveness.
func (c *Client) handleFrame(data []byte) {
	ev, err := parseEvent(data)
	if err != nil {
		log.Printf("realtime: dropping malformed frame: %v", err)
		if c.met != nil {
			c.met.DecodeDrops.Inc()
		}
		return
	}
	if ev.Kind == KindUnknown {
		log.Printf("realtime: dropping unknown frame type")
		if c.met != nil {
			c.met.DecodeDrops.Inc()
		}
		return
	}

	if ev.Kind == KindSessionCreated {
		c.ackSession()
	}
	if ev.Kind == KindError {
		if ev.Terminal {
			log.Printf("realtime: terminal server error: %v", ev.Err)
			c.broadcast(ev)
			c.teardown(false)
			return
		}
		log.Printf("realtime: non-terminal server error (code=%s): %s", ev.Err.Code, ev.Err.Message)
	}
	c.broadcast(ev)
}

// ackSession sends the negotiated session.update exactly once per session
// generation, immediately after the connection acknowledgment.
func (c *Client) ackSession() {
	c.mu.Lock()
	if c.configSent {
		c.mu.Unlock()
		return
	}
	c.configSent = true
	cfg := c.cfg.Session
	c.mu.Unlock()
	if err := c.sendSessionUpdate(cfg); err != nil {
		log.Printf("realtime: session.update failed: %v", err)
	}
}
