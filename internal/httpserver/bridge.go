package httpserver

import (
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/akfldk1028/XRT-sub001/internal/audio"
)

const (
	captureBridgeDepth = 64
	wsWriteTimeout     = 5 * time.Second
)

// DeviceBridge adapts the /ws device connection to the audio pipeline's
// device interfaces: binary frames from the device are the capture source,
// and playback writes go back to the device as binary frames. All writes to
// the connection funnel through the bridge so JSON and PCM frames never
// interleave mid-message.
type DeviceBridge struct {
	mu    sync.Mutex
	conn  *websocket.Conn
	in    chan []byte
	carry []byte
}

// NewDeviceBridge constructs a bridge with no device attached. Capture reads
// return empty until a device connects; playback writes are dropped.
func NewDeviceBridge() *DeviceBridge {
	return &DeviceBridge{in: make(chan []byte, captureBridgeDepth)}
}

// Attach makes conn the active device, replacing any previous one.
func (b *DeviceBridge) Attach(conn *websocket.Conn) {
	b.mu.Lock()
	if b.conn != nil && b.conn != conn {
		_ = b.conn.Close()
	}
	b.conn = conn
	b.mu.Unlock()
}

// Detach clears conn if it is still the active device.
func (b *DeviceBridge) Detach(conn *websocket.Conn) {
	b.mu.Lock()
	if b.conn == conn {
		b.conn = nil
	}
	b.mu.Unlock()
}

// PushCapture queues one binary microphone frame from the device. A full
// queue drops the frame; capture pacing is the device's responsibility.
func (b *DeviceBridge) PushCapture(p []byte) {
	buf := make([]byte, len(p))
	copy(buf, p)
	select {
	case b.in <- buf:
	default:
		log.Printf("httpserver: capture bridge full, dropping %d bytes", len(p))
	}
}

// ReadPCM implements audio.Source. It never blocks longer than one frame
// duration so capture shutdown stays prompt; an idle device yields a zero
// read, not an error.
func (b *DeviceBridge) ReadPCM(buf []byte) (int, error) {
	if len(b.carry) > 0 {
		n := copy(buf, b.carry)
		b.carry = b.carry[n:]
		return n, nil
	}
	timer := time.NewTimer(audio.FrameDuration)
	defer timer.Stop()
	select {
	case chunk := <-b.in:
		n := copy(buf, chunk)
		if n < len(chunk) {
			b.carry = chunk[n:]
		}
		return n, nil
	case <-timer.C:
		return 0, nil
	}
}

// WritePCM implements audio.Sink; playback audio goes to the device as a
// binary frame. With no device attached the write is silently dropped.
func (b *DeviceBridge) WritePCM(p []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil {
		return nil
	}
	_ = b.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return b.conn.WriteMessage(websocket.BinaryMessage, p)
}

// MinBufferBytes implements audio.Sink. One frame per message keeps device
// latency at the capture granularity.
func (b *DeviceBridge) MinBufferBytes() int { return audio.FrameBytes }

// Reset implements audio.Sink. The device buffers playback locally, so an
// interrupt is a control frame telling it to flush.
func (b *DeviceBridge) Reset() {
	if err := b.WriteJSON(wsFrame{Type: "playback_reset"}); err != nil {
		log.Printf("httpserver: playback reset: %v", err)
	}
}

// WriteJSON sends one tagged JSON frame to the device under the same write
// lock as PCM frames.
func (b *DeviceBridge) WriteJSON(v interface{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil {
		return nil
	}
	_ = b.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return b.conn.WriteJSON(v)
}
