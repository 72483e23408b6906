package realtime

import (
	"encoding/json"
	"fmt"
)

// EventKind enumerates the closed set of inbound event variants. Frames with
// an unrecognized type discriminator decode to KindUnknown and are dropped by
// the reader, never surfaced as fatal.
type EventKind int

const (
	KindUnknown EventKind = iota
	KindSessionCreated
	KindSessionUpdated
	KindSpeechStarted
	KindSpeechStopped
	KindAudioCommitted
	KindResponseCreated
	KindTextDelta
	KindAudioDelta
	KindResponseDone
	KindRateLimits
	KindError
	// KindDisconnected is synthesized locally when the connection is lost;
	// it never arrives on the wire.
	KindDisconnected
)

func (k EventKind) String() string {
	switch k {
	case KindSessionCreated:
		return "session.created"
	case KindSessionUpdated:
		return "session.updated"
	case KindSpeechStarted:
		return "speech.started"
	case KindSpeechStopped:
		return "speech.stopped"
	case KindAudioCommitted:
		return "audio.committed"
	case KindResponseCreated:
		return "response.created"
	case KindTextDelta:
		return "text.delta"
	case KindAudioDelta:
		return "audio.delta"
	case KindResponseDone:
		return "response.done"
	case KindRateLimits:
		return "rate_limits"
	case KindError:
		return "error"
	case KindDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// RateLimit reports remaining quota for one server-side limit.
type RateLimit struct {
	Name         string  `json:"name"`
	Limit        int     `json:"limit"`
	Remaining    int     `json:"remaining"`
	ResetSeconds float64 `json:"reset_seconds"`
}

// ServerError is the payload of a server-reported error event.
type ServerError struct {
	Code    string `json:"code"`
	Type    string `json:"type"`
	Message string `json:"message"`
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error: code=%s type=%s message=%s", e.Code, e.Type, e.Message)
}

// Event is one decoded unit of the streaming channel's server-to-client
// vocabulary. Fields beyond Kind are populated per variant; audio deltas stay
// base64-encoded here, decoding happens on the pipeline side.
type Event struct {
	Kind       EventKind
	EventID    string
	SessionID  string
	ResponseID string
	ItemID     string
	// Text carries a delta for KindTextDelta and the final accumulated text
	// for KindResponseDone when the server includes one.
	Text       string
	AudioB64   string
	RateLimits []RateLimit
	Err        *ServerError
	// Terminal marks a channel-fatal condition (terminal server error or
	// connection loss).
	Terminal bool
}

// Wire message shapes, one per inbound type we decode.

type envelope struct {
	Type    string `json:"type"`
	EventID string `json:"event_id"`
}

type sessionCreatedMsg struct {
	Session struct {
		ID string `json:"id"`
	} `json:"session"`
}

type speechBoundaryMsg struct {
	ItemID string `json:"item_id"`
}

type responseCreatedMsg struct {
	Response struct {
		ID string `json:"id"`
	} `json:"response"`
}

type deltaMsg struct {
	ResponseID string `json:"response_id"`
	ItemID     string `json:"item_id"`
	Delta      string `json:"delta"`
}

type responseDoneMsg struct {
	Response struct {
		ID     string `json:"id"`
		Status string `json:"status"`
		Output []struct {
			ID      string `json:"id"`
			Content []struct {
				Type       string `json:"type"`
				Text       string `json:"text"`
				Transcript string `json:"transcript"`
			} `json:"content"`
		} `json:"output"`
	} `json:"response"`
}

type rateLimitsMsg struct {
	RateLimits []RateLimit `json:"rate_limits"`
}

type errorMsg struct {
	Error ServerError `json:"error"`
}

// terminalErrorCodes are server error codes that end the session. Unknown
// codes are treated as non-terminal and logged for later classification.
var terminalErrorCodes = map[string]struct{}{
	"session_expired":        {},
	"token_expired":          {},
	"invalid_api_key":        {},
	"auth_error":             {},
	"invalid_authentication": {},
}

// parseEvent decodes one inbound frame into an Event. A frame whose type is
// not in the closed variant set yields KindUnknown with a nil error; a frame
// that is not valid JSON yields an error.
func parseEvent(data []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Event{}, fmt.Errorf("decode envelope: %w", err)
	}
	ev := Event{EventID: env.EventID}

	switch env.Type {
	case "session.created":
		var m sessionCreatedMsg
		if err := json.Unmarshal(data, &m); err != nil {
			return Event{}, fmt.Errorf("decode session.created: %w", err)
		}
		ev.Kind = KindSessionCreated
		ev.SessionID = m.Session.ID
	case "session.updated":
		ev.Kind = KindSessionUpdated
	case "input_audio_buffer.speech_started":
		var m speechBoundaryMsg
		if err := json.Unmarshal(data, &m); err != nil {
			return Event{}, fmt.Errorf("decode speech_started: %w", err)
		}
		ev.Kind = KindSpeechStarted
		ev.ItemID = m.ItemID
	case "input_audio_buffer.speech_stopped":
		var m speechBoundaryMsg
		if err := json.Unmarshal(data, &m); err != nil {
			return Event{}, fmt.Errorf("decode speech_stopped: %w", err)
		}
		ev.Kind = KindSpeechStopped
		ev.ItemID = m.ItemID
	case "input_audio_buffer.committed":
		var m speechBoundaryMsg
		if err := json.Unmarshal(data, &m); err != nil {
			return Event{}, fmt.Errorf("decode committed: %w", err)
		}
		ev.Kind = KindAudioCommitted
		ev.ItemID = m.ItemID
	case "response.created":
		var m responseCreatedMsg
		if err := json.Unmarshal(data, &m); err != nil {
			return Event{}, fmt.Errorf("decode response.created: %w", err)
		}
		ev.Kind = KindResponseCreated
		ev.ResponseID = m.Response.ID
	case "response.text.delta", "response.audio_transcript.delta":
		var m deltaMsg
		if err := json.Unmarshal(data, &m); err != nil {
			return Event{}, fmt.Errorf("decode text delta: %w", err)
		}
		ev.Kind = KindTextDelta
		ev.ResponseID = m.ResponseID
		ev.ItemID = m.ItemID
		ev.Text = m.Delta
	case "response.audio.delta":
		var m deltaMsg
		if err := json.Unmarshal(data, &m); err != nil {
			return Event{}, fmt.Errorf("decode audio delta: %w", err)
		}
		ev.Kind = KindAudioDelta
		ev.ResponseID = m.ResponseID
		ev.ItemID = m.ItemID
		ev.AudioB64 = m.Delta
	case "response.done":
		var m responseDoneMsg
		if err := json.Unmarshal(data, &m); err != nil {
			return Event{}, fmt.Errorf("decode response.done: %w", err)
		}
		ev.Kind = KindResponseDone
		ev.ResponseID = m.Response.ID
		for _, out := range m.Response.Output {
			if ev.ItemID == "" {
				ev.ItemID = out.ID
			}
			for _, c := range out.Content {
				if c.Text != "" {
					ev.Text += c.Text
				} else if c.Transcript != "" {
					ev.Text += c.Transcript
				}
			}
		}
	case "rate_limits.updated":
		var m rateLimitsMsg
		if err := json.Unmarshal(data, &m); err != nil {
			return Event{}, fmt.Errorf("decode rate_limits: %w", err)
		}
		ev.Kind = KindRateLimits
		ev.RateLimits = m.RateLimits
	case "error":
		var m errorMsg
		if err := json.Unmarshal(data, &m); err != nil {
			return Event{}, fmt.Errorf("decode error event: %w", err)
		}
		ev.Kind = KindError
		serr := m.Error
		ev.Err = &serr
		_, ev.Terminal = terminalErrorCodes[serr.Code]
	default:
		ev.Kind = KindUnknown
	}
	return ev, nil
}
