package realtime

// SessionConfig is the negotiated session configuration sent with
// session.update. Resending with changed fields redefines behavior for all
// subsequent turns.
type SessionConfig struct {
	Modalities        []string
	Voice             string
	Instructions      string
	Language          string
	VADThreshold      float64
	SilenceDurationMs int
	PrefixPaddingMs   int
	Tools             []Tool
}

// Tool declares a function the model may call during a response.
type Tool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// Outbound wire shapes. Every message carries a type discriminator and a
// unique, monotonically increasing event_id.

type turnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold,omitempty"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms,omitempty"`
	SilenceDurationMs int     `json:"silence_duration_ms,omitempty"`
}

type sessionPayload struct {
	Modalities        []string       `json:"modalities,omitempty"`
	Voice             string         `json:"voice,omitempty"`
	Instructions      string         `json:"instructions,omitempty"`
	InputAudioFormat  string         `json:"input_audio_format,omitempty"`
	OutputAudioFormat string         `json:"output_audio_format,omitempty"`
	TurnDetection     *turnDetection `json:"turn_detection,omitempty"`
	Tools             []Tool         `json:"tools,omitempty"`
}

type sessionUpdateMsg struct {
	Type    string         `json:"type"`
	EventID string         `json:"event_id"`
	Session sessionPayload `json:"session"`
}

// itemContent is deliberately text-only: the conversation-item schema has no
// image content part, so an image can never be expressed on this channel.
type itemContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type conversationItem struct {
	Type    string        `json:"type"`
	Role    string        `json:"role"`
	Content []itemContent `json:"content"`
}

type itemCreateMsg struct {
	Type    string           `json:"type"`
	EventID string           `json:"event_id"`
	Item    conversationItem `json:"item"`
}

type responseCreateMsg struct {
	Type    string `json:"type"`
	EventID string `json:"event_id"`
}

type audioAppendMsg struct {
	Type    string `json:"type"`
	EventID string `json:"event_id"`
	Audio   string `json:"audio"`
}

type audioBufferMsg struct {
	Type    string `json:"type"`
	EventID string `json:"event_id"`
}

func sessionToPayload(cfg SessionConfig) sessionPayload {
	modalities := cfg.Modalities
	if len(modalities) == 0 {
		modalities = []string{"text", "audio"}
	}
	instructions := cfg.Instructions
	if cfg.Language != "" {
		instructions += "\nRespond in the user's language: " + cfg.Language + "."
	}
	return sessionPayload{
		Modalities:        modalities,
		Voice:             cfg.Voice,
		Instructions:      instructions,
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
		TurnDetection: &turnDetection{
			Type:              "server_vad",
			Threshold:         cfg.VADThreshold,
			PrefixPaddingMs:   cfg.PrefixPaddingMs,
			SilenceDurationMs: cfg.SilenceDurationMs,
		},
		Tools: cfg.Tools,
	}
}
