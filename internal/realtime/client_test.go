package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/akfldk1028/XRT-sub001/internal/metrics"
)

// fakeRealtimeServer upgrades incoming connections, records every client
// frame and lets tests inject server frames.
type fakeRealtimeServer struct {
	t        *testing.T
	upgrader websocket.Upgrader

	mu       sync.Mutex
	conn     *websocket.Conn
	received []map[string]any
	connCh   chan struct{}
	frameCh  chan map[string]any
}

func newFakeRealtimeServer(t *testing.T) (*fakeRealtimeServer, *httptest.Server) {
	fs := &fakeRealtimeServer{
		t:       t,
		connCh:  make(chan struct{}, 1),
		frameCh: make(chan map[string]any, 64),
	}
	srv := httptest.NewServer(http.HandlerFunc(fs.handle))
	t.Cleanup(srv.Close)
	return fs, srv
}

func (fs *fakeRealtimeServer) handle(w http.ResponseWriter, r *http.Request) {
	if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	conn, err := fs.upgrader.Upgrade(w, r, nil)
	if err != nil {
		fs.t.Errorf("upgrade: %v", err)
		return
	}
	fs.mu.Lock()
	fs.conn = conn
	fs.mu.Unlock()
	fs.connCh <- struct{}{}
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var m map[string]any
		if err := json.Unmarshal(data, &m); err != nil {
			continue
		}
		fs.mu.Lock()
		fs.received = append(fs.received, m)
		fs.mu.Unlock()
		fs.frameCh <- m
	}
}

func (fs *fakeRealtimeServer) sendRaw(raw string) {
	fs.mu.Lock()
	conn := fs.conn
	fs.mu.Unlock()
	if conn == nil {
		fs.t.Fatalf("no client connected")
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte(raw)); err != nil {
		fs.t.Fatalf("server write: %v", err)
	}
}

func (fs *fakeRealtimeServer) close() {
	fs.mu.Lock()
	conn := fs.conn
	fs.conn = nil
	fs.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

func (fs *fakeRealtimeServer) waitFrame(t *testing.T, wantType string) map[string]any {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case m := <-fs.frameCh:
			if m["type"] == wantType {
				return m
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s frame", wantType)
		}
	}
}

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	c := NewClient(Config{
		URL:    wsURL,
		APIKey: "test-key",
		Model:  "test-model",
		Session: SessionConfig{
			Voice:             "alloy",
			Instructions:      "be brief",
			VADThreshold:      0.5,
			SilenceDurationMs: 500,
		},
	}, metrics.New(prometheus.NewRegistry()))
	t.Cleanup(c.Disconnect)
	return c
}

func waitEvent(t *testing.T, events <-chan Event, kind EventKind) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatalf("event stream closed waiting for %v", kind)
			}
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %v event", kind)
		}
	}
}

func TestClient_SessionUpdateSentOnAck(t *testing.T) {
	fs, srv := newFakeRealtimeServer(t)
	c := newTestClient(t, srv)

	events, cancel := c.Subscribe()
	defer cancel()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	<-fs.connCh
	fs.sendRaw(`{"type":"session.created","session":{"id":"sess_1"}}`)

	waitEvent(t, events, KindSessionCreated)
	upd := fs.waitFrame(t, "session.update")
	sess, ok := upd["session"].(map[string]any)
	if !ok {
		t.Fatalf("session.update missing session payload")
	}
	if sess["voice"] != "alloy" {
		t.Fatalf("expected negotiated voice, got %v", sess["voice"])
	}
	if sess["input_audio_format"] != "pcm16" || sess["output_audio_format"] != "pcm16" {
		t.Fatalf("expected pcm16 formats, got %v/%v", sess["input_audio_format"], sess["output_audio_format"])
	}
	if upd["event_id"] == "" {
		t.Fatalf("expected correlation id on session.update")
	}
}

func TestClient_SendTextCreatesItemAndResponse(t *testing.T) {
	fs, srv := newFakeRealtimeServer(t)
	c := newTestClient(t, srv)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	<-fs.connCh

	if err := c.SendText("what time is it"); err != nil {
		t.Fatalf("send text: %v", err)
	}
	item := fs.waitFrame(t, "conversation.item.create")
	fs.waitFrame(t, "response.create")

	raw, _ := json.Marshal(item)
	if strings.Contains(string(raw), "image") {
		t.Fatalf("text turn must never carry image content: %s", raw)
	}
	if !strings.Contains(string(raw), "what time is it") {
		t.Fatalf("expected text payload in item.create: %s", raw)
	}
}

func TestClient_EventIDsIncrease(t *testing.T) {
	fs, srv := newFakeRealtimeServer(t)
	c := newTestClient(t, srv)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	<-fs.connCh

	if err := c.AppendAudio("AAAA"); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := c.CommitAudio(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	first := fs.waitFrame(t, "input_audio_buffer.append")["event_id"].(string)
	second := fs.waitFrame(t, "input_audio_buffer.commit")["event_id"].(string)
	var a, b int
	if _, err := fmt.Sscanf(first, "evt_%d", &a); err != nil {
		t.Fatalf("bad event id %q", first)
	}
	if _, err := fmt.Sscanf(second, "evt_%d", &b); err != nil {
		t.Fatalf("bad event id %q", second)
	}
	if b <= a {
		t.Fatalf("expected increasing event ids, got %s then %s", first, second)
	}
}

func TestClient_UnknownFramesDroppedNotFatal(t *testing.T) {
	fs, srv := newFakeRealtimeServer(t)
	c := newTestClient(t, srv)
	events, cancel := c.Subscribe()
	defer cancel()
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	<-fs.connCh

	fs.sendRaw(`{"type":"totally.new.event"}`)
	fs.sendRaw(`this is not json`)
	fs.sendRaw(`{"type":"response.created","response":{"id":"resp_1"}}`)

	ev := waitEvent(t, events, KindResponseCreated)
	if ev.ResponseID != "resp_1" {
		t.Fatalf("unexpected response id: %q", ev.ResponseID)
	}
	if !c.Connected() {
		t.Fatalf("malformed frames must not kill the session")
	}
}

func TestClient_NonTerminalErrorKeepsSession(t *testing.T) {
	fs, srv := newFakeRealtimeServer(t)
	c := newTestClient(t, srv)
	events, cancel := c.Subscribe()
	defer cancel()
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	<-fs.connCh

	fs.sendRaw(`{"type":"error","error":{"code":"mystery","message":"odd"}}`)
	ev := waitEvent(t, events, KindError)
	if ev.Terminal {
		t.Fatalf("unknown code must be non-terminal")
	}
	if !c.Connected() {
		t.Fatalf("non-terminal error must not disconnect")
	}
}

func TestClient_TerminalErrorDisconnects(t *testing.T) {
	fs, srv := newFakeRealtimeServer(t)
	c := newTestClient(t, srv)
	events, cancel := c.Subscribe()
	defer cancel()
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	<-fs.connCh

	fs.sendRaw(`{"type":"error","error":{"code":"session_expired","message":"gone"}}`)
	ev := waitEvent(t, events, KindError)
	if !ev.Terminal {
		t.Fatalf("expected terminal error event")
	}
	deadline := time.Now().Add(time.Second)
	for c.Connected() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if c.Connected() {
		t.Fatalf("terminal error must move client to disconnected state")
	}
}

func TestClient_ServerDropSurfacesDisconnected(t *testing.T) {
	fs, srv := newFakeRealtimeServer(t)
	c := newTestClient(t, srv)
	events, cancel := c.Subscribe()
	defer cancel()
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	<-fs.connCh

	fs.close()
	ev := waitEvent(t, events, KindDisconnected)
	if !ev.Terminal {
		t.Fatalf("connection loss must be terminal")
	}
	// No silent auto-reconnect: client stays down until told otherwise.
	time.Sleep(50 * time.Millisecond)
	if c.Connected() {
		t.Fatalf("client must not reconnect on its own")
	}
}

func TestClient_SendWhileDisconnected(t *testing.T) {
	_, srv := newFakeRealtimeServer(t)
	c := newTestClient(t, srv)
	if err := c.SendText("hi"); err == nil {
		t.Fatalf("expected error when not connected")
	}
}

func TestClient_ConnectDoesNotBlockReaders(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Stall the handshake so Connect is mid-dial while other
		// goroutines use the client.
		<-release
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	c := newTestClient(t, srv)
	connectDone := make(chan struct{})
	go func() {
		defer close(connectDone)
		_ = c.Connect(context.Background())
	}()

	probe := make(chan struct{})
	go func() {
		defer close(probe)
		_ = c.Connected()
		if err := c.SendText("hi"); err == nil {
			t.Errorf("expected send to fail while disconnected")
		}
	}()

	select {
	case <-probe:
	case <-time.After(500 * time.Millisecond):
		t.Fatalf("Connected/send blocked behind an in-flight dial")
	}
	close(release)
	<-connectDone
}
