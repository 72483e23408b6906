package httpserver

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/akfldk1028/XRT-sub001/internal/agent"
)

// Agent is the orchestrator surface the gateway exposes over the network.
type Agent interface {
	Start(ctx context.Context) error
	StartListening() error
	Shutdown()
	Retry() error
	State() agent.State
	SubscribeState() (<-chan agent.State, func())
	SubscribeResponses() (<-chan agent.Response, func())
	SubmitTextTurn(text string) (agent.Turn, error)
	SubmitVoiceTurn(transcribed string) (agent.Turn, error)
	SubmitImageTurn(image []byte, prompt string) (agent.Turn, error)
	SetVoice(id string) error
	SetLanguage(locale string) error
}

// Server bundles the echo router, the orchestrator, and the device bridge
// that carries microphone and speaker audio over the /ws connection.
type Server struct {
	agent  Agent
	bridge *DeviceBridge
	echo   *echo.Echo

	// runCtx outlives individual requests; the session started by
	// POST /session/start must not die with the request that started it.
	runCtx context.Context
}

// New constructs the gateway with routes and middleware registered.
func New(ctx context.Context, ag Agent, bridge *DeviceBridge) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	s := &Server{agent: ag, bridge: bridge, echo: e, runCtx: ctx}

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	e.POST("/session/start", s.sessionStart)
	e.POST("/session/listen", s.sessionListen)
	e.POST("/session/stop", s.sessionStop)
	e.POST("/session/voice", s.sessionVoice)
	e.POST("/session/language", s.sessionLanguage)
	e.POST("/session/retry", s.sessionRetry)
	e.GET("/session/state", s.sessionState)

	e.POST("/turn/text", s.turnText)
	e.POST("/turn/voice", s.turnVoice)
	e.POST("/turn/image", s.turnImage)

	e.GET("/ws", s.serveWS)
	return s
}

// Handler exposes the router for an http.Server.
func (s *Server) Handler() http.Handler { return s.echo }

type stateReply struct {
	State      string `json:"state"`
	Processing bool   `json:"processing"`
}

type turnReply struct {
	TurnID string `json:"turn_id"`
	Route  string `json:"route"`
}

type errorReply struct {
	Error string `json:"error"`
}

func (s *Server) sessionStart(c echo.Context) error {
	if err := s.agent.Start(s.runCtx); err != nil {
		return c.JSON(http.StatusConflict, errorReply{Error: err.Error()})
	}
	return c.JSON(http.StatusOK, stateReply{State: s.agent.State().String()})
}

func (s *Server) sessionListen(c echo.Context) error {
	if err := s.agent.StartListening(); err != nil {
		return c.JSON(http.StatusConflict, errorReply{Error: err.Error()})
	}
	return c.JSON(http.StatusOK, stateReply{State: s.agent.State().String()})
}

func (s *Server) sessionStop(c echo.Context) error {
	s.agent.Shutdown()
	return c.JSON(http.StatusOK, stateReply{State: s.agent.State().String()})
}

func (s *Server) sessionRetry(c echo.Context) error {
	if err := s.agent.Retry(); err != nil {
		return c.JSON(http.StatusConflict, errorReply{Error: err.Error()})
	}
	return c.JSON(http.StatusOK, stateReply{State: s.agent.State().String()})
}

func (s *Server) sessionState(c echo.Context) error {
	st := s.agent.State()
	return c.JSON(http.StatusOK, stateReply{
		State:      st.String(),
		Processing: st == agent.StateProcessing || st == agent.StateResponding,
	})
}

type voiceRequest struct {
	Voice string `json:"voice"`
}

func (s *Server) sessionVoice(c echo.Context) error {
	var req voiceRequest
	if err := c.Bind(&req); err != nil || req.Voice == "" {
		return c.JSON(http.StatusBadRequest, errorReply{Error: "voice is required"})
	}
	if err := s.agent.SetVoice(req.Voice); err != nil {
		return c.JSON(http.StatusInternalServerError, errorReply{Error: err.Error()})
	}
	return c.NoContent(http.StatusNoContent)
}

type languageRequest struct {
	Language string `json:"language"`
}

func (s *Server) sessionLanguage(c echo.Context) error {
	var req languageRequest
	if err := c.Bind(&req); err != nil || req.Language == "" {
		return c.JSON(http.StatusBadRequest, errorReply{Error: "language is required"})
	}
	if err := s.agent.SetLanguage(req.Language); err != nil {
		return c.JSON(http.StatusInternalServerError, errorReply{Error: err.Error()})
	}
	return c.NoContent(http.StatusNoContent)
}

type textTurnRequest struct {
	Text string `json:"text"`
}

func (s *Server) turnText(c echo.Context) error {
	var req textTurnRequest
	if err := c.Bind(&req); err != nil || req.Text == "" {
		return c.JSON(http.StatusBadRequest, errorReply{Error: "text is required"})
	}
	turn, err := s.agent.SubmitTextTurn(req.Text)
	if err != nil {
		return submitError(c, err)
	}
	return c.JSON(http.StatusAccepted, turnReply{TurnID: turn.ID, Route: turn.Route})
}

func (s *Server) turnVoice(c echo.Context) error {
	var req textTurnRequest
	if err := c.Bind(&req); err != nil || req.Text == "" {
		return c.JSON(http.StatusBadRequest, errorReply{Error: "text is required"})
	}
	turn, err := s.agent.SubmitVoiceTurn(req.Text)
	if err != nil {
		return submitError(c, err)
	}
	return c.JSON(http.StatusAccepted, turnReply{TurnID: turn.ID, Route: turn.Route})
}

type imageTurnRequest struct {
	ImageB64 string `json:"image_b64"`
	Prompt   string `json:"prompt"`
}

func (s *Server) turnImage(c echo.Context) error {
	var req imageTurnRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorReply{Error: "invalid request body"})
	}
	image, err := base64.StdEncoding.DecodeString(req.ImageB64)
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorReply{Error: "image_b64 is not valid base64"})
	}
	turn, err := s.agent.SubmitImageTurn(image, req.Prompt)
	if err != nil {
		return submitError(c, err)
	}
	return c.JSON(http.StatusAccepted, turnReply{TurnID: turn.ID, Route: turn.Route})
}

func submitError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, agent.ErrNoImage):
		return c.JSON(http.StatusBadRequest, errorReply{Error: err.Error()})
	case errors.Is(err, agent.ErrBusy), errors.Is(err, agent.ErrNotReady):
		return c.JSON(http.StatusConflict, errorReply{Error: err.Error()})
	default:
		return c.JSON(http.StatusInternalServerError, errorReply{Error: err.Error()})
	}
}
