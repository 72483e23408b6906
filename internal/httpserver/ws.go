package httpserver

import (
	"encoding/base64"
	"encoding/json"
	"log"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  65536,
	WriteBufferSize: 65536,
	CheckOrigin: func(r *http.Request) bool {
		// The gateway fronts a single trusted device; restrict in production.
		return true
	},
}

// wsFrame is the tagged JSON frame exchanged with the device over /ws.
// Outbound types: "state", "response", "playback_reset", "error".
// Inbound types: "text", "voice", "image". Microphone PCM arrives as binary
// frames, never JSON.
type wsFrame struct {
	Type     string `json:"type"`
	State    string `json:"state,omitempty"`
	TurnID   string `json:"turn_id,omitempty"`
	ItemID   string `json:"item_id,omitempty"`
	Route    string `json:"route,omitempty"`
	Text     string `json:"text,omitempty"`
	Prompt   string `json:"prompt,omitempty"`
	ImageB64 string `json:"image_b64,omitempty"`
	HasAudio bool   `json:"has_audio,omitempty"`
	Error    string `json:"error,omitempty"`
}

// serveWS upgrades the device connection and bridges it both ways: state
// transitions and finalized responses stream out, turn submissions and
// microphone PCM stream in.
func (s *Server) serveWS(c echo.Context) error {
	conn, err := wsUpgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	s.bridge.Attach(conn)
	defer s.bridge.Detach(conn)

	states, cancelStates := s.agent.SubscribeState()
	defer cancelStates()
	responses, cancelResponses := s.agent.SubscribeResponses()
	defer cancelResponses()

	quit := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-quit:
				return
			case st, ok := <-states:
				if !ok {
					return
				}
				if err := s.bridge.WriteJSON(wsFrame{Type: "state", State: st.String()}); err != nil {
					return
				}
			case resp, ok := <-responses:
				if !ok {
					return
				}
				frame := wsFrame{
					Type:     "response",
					TurnID:   resp.TurnID,
					ItemID:   resp.ItemID,
					Route:    resp.Route,
					Text:     resp.Text,
					HasAudio: resp.HasAudio,
				}
				if resp.Err != nil {
					frame.Error = resp.Err.Error()
				}
				if err := s.bridge.WriteJSON(frame); err != nil {
					return
				}
			}
		}
	}()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("httpserver: ws read: %v", err)
			}
			break
		}
		switch msgType {
		case websocket.BinaryMessage:
			s.bridge.PushCapture(data)
		case websocket.TextMessage:
			s.handleWSFrame(data)
		}
	}

	close(quit)
	_ = conn.Close()
	<-done
	return nil
}

func (s *Server) handleWSFrame(data []byte) {
	var frame wsFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		log.Printf("httpserver: malformed ws frame: %v", err)
		return
	}
	switch strings.ToLower(frame.Type) {
	case "text":
		if _, err := s.agent.SubmitTextTurn(frame.Text); err != nil {
			s.writeWSError(err)
		}
	case "voice":
		if _, err := s.agent.SubmitVoiceTurn(frame.Text); err != nil {
			s.writeWSError(err)
		}
	case "image":
		image, err := base64.StdEncoding.DecodeString(frame.ImageB64)
		if err != nil {
			s.writeWSError(err)
			return
		}
		if _, err := s.agent.SubmitImageTurn(image, frame.Prompt); err != nil {
			s.writeWSError(err)
		}
	default:
		log.Printf("httpserver: unknown ws frame type %q", frame.Type)
	}
}

func (s *Server) writeWSError(err error) {
	if werr := s.bridge.WriteJSON(wsFrame{Type: "error", Error: err.Error()}); werr != nil {
		log.Printf("httpserver: ws error frame: %v", werr)
	}
}
