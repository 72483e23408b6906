package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/akfldk1028/XRT-sub001/internal/realtime"
)

// State is the single user-visible session state, mutated only by the
// orchestrator and observed through SubscribeState.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateReady
	StateListening
	StateProcessing
	StateResponding
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateConnecting:
		return "CONNECTING"
	case StateReady:
		return "READY"
	case StateListening:
		return "LISTENING"
	case StateProcessing:
		return "PROCESSING"
	case StateResponding:
		return "RESPONDING"
	case StateError:
		return "ERROR"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Turn routes. A turn never changes route after creation.
const (
	RouteStreaming = "streaming"
	RouteVision    = "vision"
	routeVoice     = "voice" // metric label only; voice turns take the streaming route
)

// Turn is a single request unit submitted by the user: either {text} or
// {text, image}.
type Turn struct {
	ID    string
	Text  string
	Image []byte
	Route string
}

// Response is the accumulated answer for one completed turn, finalized once
// and immutable afterwards. Err is set when the turn resolved with a failure
// instead of an answer.
type Response struct {
	TurnID     string
	ItemID     string
	Text       string
	Route      string
	HasAudio   bool
	Err        error
	FinishedAt time.Time
}

// Rejection errors callers can branch on.
var (
	ErrBusy     = fmt.Errorf("agent: a turn is already in flight")
	ErrNotReady = fmt.Errorf("agent: session is not ready for turns")
	ErrNoImage  = fmt.Errorf("agent: image turn submitted without image data")
)

// StreamingClient is the stateful duplex channel for voice/text turns. It
// must never be asked to carry an image; its API offers no way to express one.
type StreamingClient interface {
	Connect(ctx context.Context) error
	ConfigureSession(cfg realtime.SessionConfig) error
	SendText(text string) error
	CommitAudio() error
	ClearAudio() error
	Disconnect()
	Subscribe() (<-chan realtime.Event, func())
}

// VisionClient is the stateless channel for image-grounded queries,
// independent of the streaming connection's lifecycle.
type VisionClient interface {
	Analyze(ctx context.Context, image []byte, prompt string) (string, error)
}

// AudioPipeline feeds captured audio to the streaming channel and plays
// synthesized speech.
type AudioPipeline interface {
	StartCapture(ctx context.Context) error
	StopCapture()
	Capturing() bool
	StartPlayback(itemID string, deltas <-chan string) bool
	StopPlayback()
}
