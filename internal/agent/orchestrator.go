package agent

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/akfldk1028/XRT-sub001/internal/metrics"
	"github.com/akfldk1028/XRT-sub001/internal/realtime"
)

// allowedTransitions defines the only legal state edges. PROCESSING may fall
// back to LISTENING/READY directly when a turn resolves locally with an error
// before any response fragment arrived.
var allowedTransitions = map[State][]State{
	StateIdle:       {StateConnecting},
	StateConnecting: {StateReady, StateError, StateIdle},
	StateReady:      {StateListening, StateProcessing, StateError, StateIdle},
	StateListening:  {StateProcessing, StateError, StateIdle},
	StateProcessing: {StateResponding, StateListening, StateReady, StateError, StateIdle},
	StateResponding: {StateListening, StateReady, StateError, StateIdle},
	StateError:      {StateConnecting, StateIdle},
}

type inflight struct {
	turn      Turn
	startedAt time.Time
	textBuf   strings.Builder
	itemID    string
	audioCh   chan string
	hasAudio  bool
}

type visionResult struct {
	turn Turn
	text string
	err  error
}

// Orchestrator is the state machine and router deciding, per user action,
// whether a turn uses the streaming channel or the stateless vision channel.
// It owns the session lifecycle and is the single writer of State.
type Orchestrator struct {
	streaming StreamingClient
	vision    VisionClient
	pipeline  AudioPipeline
	met       *metrics.Metrics

	mu       sync.Mutex
	state    State
	session  realtime.SessionConfig
	pending  *Turn
	current  *inflight
	respOpen bool
	started  bool

	events   <-chan realtime.Event
	unsub    func()
	visionCh chan visionResult
	loopDone chan struct{}

	runCtx    context.Context
	runCancel context.CancelFunc

	subMu      sync.Mutex
	stateSubs  map[int]chan State
	respSubs   map[int]chan Response
	nextSubID  int
	lastResp   *Response
	lastRespMu sync.Mutex
}

// NewOrchestrator wires the three collaborators together. The session config
// is the only shared mutable resource across turns; it is renegotiated only
// through SetVoice/SetLanguage.
func NewOrchestrator(streaming StreamingClient, vision VisionClient, pipeline AudioPipeline, session realtime.SessionConfig, met *metrics.Metrics) *Orchestrator {
	return &Orchestrator{
		streaming: streaming,
		vision:    vision,
		pipeline:  pipeline,
		met:       met,
		session:   session,
		state:     StateIdle,
		visionCh:  make(chan visionResult, 1),
		stateSubs: make(map[int]chan State),
		respSubs:  make(map[int]chan Response),
	}
}

// State returns the current session state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// IsProcessing reports whether a turn is currently in flight.
func (o *Orchestrator) IsProcessing() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state == StateProcessing || o.state == StateResponding
}

// SubscribeState registers a state observer. The current state is delivered
// first so late subscribers converge immediately.
func (o *Orchestrator) SubscribeState() (<-chan State, func()) {
	o.mu.Lock()
	cur := o.state
	o.mu.Unlock()

	o.subMu.Lock()
	id := o.nextSubID
	o.nextSubID++
	ch := make(chan State, 16)
	ch <- cur
	o.stateSubs[id] = ch
	o.subMu.Unlock()
	return ch, func() {
		o.subMu.Lock()
		if sub, ok := o.stateSubs[id]; ok {
			delete(o.stateSubs, id)
			close(sub)
		}
		o.subMu.Unlock()
	}
}

// SubscribeResponses registers an observer for finalized responses.
func (o *Orchestrator) SubscribeResponses() (<-chan Response, func()) {
	o.subMu.Lock()
	id := o.nextSubID
	o.nextSubID++
	ch := make(chan Response, 16)
	o.respSubs[id] = ch
	o.subMu.Unlock()
	return ch, func() {
		o.subMu.Lock()
		if sub, ok := o.respSubs[id]; ok {
			delete(o.respSubs, id)
			close(sub)
		}
		o.subMu.Unlock()
	}
}

// LastResponse returns the most recently finalized response, if any.
func (o *Orchestrator) LastResponse() *Response {
	o.lastRespMu.Lock()
	defer o.lastRespMu.Unlock()
	return o.lastResp
}

// setStateLocked applies one transition. Illegal edges are logged and
// ignored; they indicate a bug, not a recoverable condition.
func (o *Orchestrator) setStateLocked(to State) {
	from := o.state
	if from == to {
		return
	}
	legal := false
	for _, s := range allowedTransitions[from] {
		if s == to {
			legal = true
			break
		}
	}
	if !legal {
		log.Printf("agent: refusing illegal transition %s -> %s", from, to)
		return
	}
	o.state = to
	log.Printf("agent: state %s -> %s", from, to)

	o.subMu.Lock()
	for id, sub := range o.stateSubs {
		select {
		case sub <- to:
		default:
			log.Printf("agent: state subscriber %d full, dropping %s", id, to)
		}
	}
	o.subMu.Unlock()
}

func (o *Orchestrator) publishResponse(resp Response) {
	o.lastRespMu.Lock()
	o.lastResp = &resp
	o.lastRespMu.Unlock()

	o.subMu.Lock()
	for id, sub := range o.respSubs {
		select {
		case sub <- resp:
		default:
			log.Printf("agent: response subscriber %d full, dropping response", id)
		}
	}
	o.subMu.Unlock()
}

// Start connects the streaming channel and begins event dispatch. On a first
// connect failure exactly one immediate reconnect attempt is made before
// surfacing ERROR.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.state != StateIdle {
		o.mu.Unlock()
		return fmt.Errorf("agent: already started (state %s)", o.state)
	}
	o.runCtx, o.runCancel = context.WithCancel(ctx)
	o.started = true
	o.setStateLocked(StateConnecting)
	session := o.session

	// Subscribe and start dispatch before dialing: the loop must already be
	// consuming events when a later manual Retry brings the session up.
	events, unsub := o.streaming.Subscribe()
	o.events = events
	o.unsub = unsub
	o.loopDone = make(chan struct{})
	o.mu.Unlock()
	go o.loop()

	if err := o.streaming.ConfigureSession(session); err != nil {
		log.Printf("agent: configure session: %v", err)
	}

	err := o.streaming.Connect(o.runCtx)
	if err != nil {
		log.Printf("agent: connect failed, retrying once: %v", err)
		if o.met != nil {
			o.met.ReconnectRetries.Inc()
		}
		err = o.streaming.Connect(o.runCtx)
	}
	if err != nil {
		o.mu.Lock()
		o.setStateLocked(StateError)
		o.mu.Unlock()
		return fmt.Errorf("agent: connect: %w", err)
	}
	return nil
}

// StartListening begins microphone capture. An audio device failure degrades
// capture only; the streaming session stays up.
func (o *Orchestrator) StartListening() error {
	o.mu.Lock()
	if o.state == StateListening {
		o.mu.Unlock()
		return nil
	}
	if o.state != StateReady {
		state := o.state
		o.mu.Unlock()
		return fmt.Errorf("agent: cannot listen in state %s", state)
	}
	ctx := o.runCtx
	o.mu.Unlock()

	if err := o.pipeline.StartCapture(ctx); err != nil {
		return fmt.Errorf("agent: start capture: %w", err)
	}
	o.mu.Lock()
	o.setStateLocked(StateListening)
	o.mu.Unlock()
	return nil
}

// SubmitTextTurn routes a text-only turn to the streaming channel.
func (o *Orchestrator) SubmitTextTurn(text string) (Turn, error) {
	turn := Turn{ID: uuid.NewString(), Text: text, Route: RouteStreaming}
	return o.submit(turn, RouteStreaming)
}

// SubmitVoiceTurn routes transcribed speech to the streaming channel; it is
// a text turn whose origin is the recognizer.
func (o *Orchestrator) SubmitVoiceTurn(transcribed string) (Turn, error) {
	turn := Turn{ID: uuid.NewString(), Text: transcribed, Route: RouteStreaming}
	return o.submit(turn, routeVoice)
}

// SubmitImageTurn routes an image-grounded question to the vision channel.
// The streaming channel can never carry it; an empty image is rejected
// synchronously rather than transmitted.
func (o *Orchestrator) SubmitImageTurn(image []byte, prompt string) (Turn, error) {
	if len(image) == 0 {
		if o.met != nil {
			o.met.TurnsRejected.WithLabelValues("no_image").Inc()
		}
		return Turn{}, ErrNoImage
	}
	turn := Turn{ID: uuid.NewString(), Text: prompt, Image: image, Route: RouteVision}
	return o.submit(turn, RouteVision)
}

// submit validates and dispatches one turn. Only one turn may be in flight;
// a second submission is rejected with ErrBusy rather than interleaved. While
// the channel is still connecting at most one turn is queued and dispatched
// once READY is reached.
func (o *Orchestrator) submit(turn Turn, metricRoute string) (Turn, error) {
	o.mu.Lock()
	if turn.Route == RouteVision {
		// The stateless channel does not depend on the streaming session's
		// lifecycle: image turns dispatch in any state once the orchestrator
		// is running. Only one turn may be in flight regardless of route.
		if !o.started {
			o.mu.Unlock()
			if o.met != nil {
				o.met.TurnsRejected.WithLabelValues("not_ready").Inc()
			}
			return Turn{}, fmt.Errorf("%w (not started)", ErrNotReady)
		}
		if o.current != nil {
			o.mu.Unlock()
			if o.met != nil {
				o.met.TurnsRejected.WithLabelValues("busy").Inc()
			}
			return Turn{}, ErrBusy
		}
		o.current = &inflight{turn: turn, startedAt: time.Now()}
		if o.state == StateReady || o.state == StateListening {
			o.setStateLocked(StateProcessing)
		}
		o.mu.Unlock()
		if o.met != nil {
			o.met.TurnsSubmitted.WithLabelValues(metricRoute).Inc()
		}
		o.dispatch(turn)
		return turn, nil
	}
	switch o.state {
	case StateProcessing, StateResponding:
		o.mu.Unlock()
		if o.met != nil {
			o.met.TurnsRejected.WithLabelValues("busy").Inc()
		}
		return Turn{}, ErrBusy
	case StateConnecting:
		if o.pending != nil {
			o.mu.Unlock()
			if o.met != nil {
				o.met.TurnsRejected.WithLabelValues("busy").Inc()
			}
			return Turn{}, ErrBusy
		}
		queued := turn
		o.pending = &queued
		o.mu.Unlock()
		log.Printf("agent: queued turn %s until session is ready", turn.ID)
		return turn, nil
	case StateReady, StateListening:
		o.current = &inflight{turn: turn, startedAt: time.Now()}
		o.setStateLocked(StateProcessing)
		o.mu.Unlock()
	default:
		state := o.state
		o.mu.Unlock()
		if o.met != nil {
			o.met.TurnsRejected.WithLabelValues("not_ready").Inc()
		}
		return Turn{}, fmt.Errorf("%w (state %s)", ErrNotReady, state)
	}

	if o.met != nil {
		o.met.TurnsSubmitted.WithLabelValues(metricRoute).Inc()
	}
	o.dispatch(turn)
	return turn, nil
}

// dispatch performs the route's side effects outside the state lock. Exactly
// one of the two channels is invoked per turn, never both.
func (o *Orchestrator) dispatch(turn Turn) {
	if turn.Route == RouteVision {
		go func() {
			text, err := o.vision.Analyze(o.runCtx, turn.Image, turn.Text)
			select {
			case o.visionCh <- visionResult{turn: turn, text: text, err: err}:
			case <-o.runCtx.Done():
			}
		}()
		return
	}
	if err := o.streaming.SendText(turn.Text); err != nil {
		log.Printf("agent: send text turn %s: %v", turn.ID, err)
		o.failCurrentTurn(err)
	}
}

// failCurrentTurn resolves the in-flight turn with an error and returns the
// session to its resting state.
func (o *Orchestrator) failCurrentTurn(err error) {
	o.mu.Lock()
	cur := o.current
	o.current = nil
	o.respOpen = false
	if cur != nil {
		o.setStateLocked(o.restingStateLocked())
	}
	o.mu.Unlock()
	if cur == nil {
		return
	}
	o.publishResponse(Response{
		TurnID:     cur.turn.ID,
		Route:      cur.turn.Route,
		Err:        err,
		FinishedAt: time.Now(),
	})
}

// restingStateLocked is where the machine settles after a turn resolves:
// LISTENING while capture is active, READY otherwise.
func (o *Orchestrator) restingStateLocked() State {
	if !o.pipeline.Capturing() {
		return StateReady
	}
	return StateListening
}

// SetVoice renegotiates the session's voice identity for subsequent turns.
func (o *Orchestrator) SetVoice(id string) error {
	o.mu.Lock()
	o.session.Voice = id
	cfg := o.session
	o.mu.Unlock()
	return o.streaming.ConfigureSession(cfg)
}

// SetLanguage renegotiates the session's response language.
func (o *Orchestrator) SetLanguage(locale string) error {
	o.mu.Lock()
	o.session.Language = locale
	cfg := o.session
	o.mu.Unlock()
	return o.streaming.ConfigureSession(cfg)
}

// Retry reconnects after ERROR. Manual only; the orchestrator never retries
// on its own beyond the single immediate attempt at first connect.
func (o *Orchestrator) Retry() error {
	o.mu.Lock()
	if o.state != StateError {
		state := o.state
		o.mu.Unlock()
		return fmt.Errorf("agent: retry only valid in ERROR state, not %s", state)
	}
	o.setStateLocked(StateConnecting)
	ctx := o.runCtx
	o.mu.Unlock()

	if o.met != nil {
		o.met.ReconnectRetries.Inc()
	}
	if err := o.streaming.Connect(ctx); err != nil {
		o.mu.Lock()
		o.setStateLocked(StateError)
		o.mu.Unlock()
		return fmt.Errorf("agent: reconnect: %w", err)
	}
	return nil
}

// Shutdown tears the session down in a fixed, finite order: producers first
// (capture), then playback, then the network channel, then event dispatch.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	if !o.started {
		o.mu.Unlock()
		return
	}
	o.started = false
	o.mu.Unlock()

	o.pipeline.StopCapture()
	o.pipeline.StopPlayback()
	o.streaming.Disconnect()
	if o.unsub != nil {
		o.unsub()
	}
	if o.runCancel != nil {
		o.runCancel()
	}
	if o.loopDone != nil {
		<-o.loopDone
	}

	o.mu.Lock()
	o.current = nil
	o.pending = nil
	o.respOpen = false
	o.setStateLocked(StateIdle)
	o.mu.Unlock()

	o.subMu.Lock()
	for id, sub := range o.stateSubs {
		delete(o.stateSubs, id)
		close(sub)
	}
	for id, sub := range o.respSubs {
		delete(o.respSubs, id)
		close(sub)
	}
	o.subMu.Unlock()
}

// loop is the single event-dispatch goroutine; all state mutation driven by
// channel events or vision completions happens here.
func (o *Orchestrator) loop() {
	defer close(o.loopDone)
	for {
		select {
		case <-o.runCtx.Done():
			return
		case res := <-o.visionCh:
			o.finishVision(res)
		case ev, ok := <-o.events:
			if !ok {
				return
			}
			o.handleEvent(ev)
		}
	}
}

func (o *Orchestrator) handleEvent(ev realtime.Event) {
	switch ev.Kind {
	case realtime.KindSessionCreated:
		o.mu.Lock()
		if o.state == StateConnecting {
			o.setStateLocked(StateReady)
		}
		o.mu.Unlock()
		o.dispatchPending()

	case realtime.KindSessionUpdated:
		log.Printf("agent: session configuration acknowledged")

	case realtime.KindSpeechStarted:
		// Server VAD is authoritative: the user talking preempts playback.
		o.pipeline.StopPlayback()

	case realtime.KindSpeechStopped:
		log.Printf("agent: speech stopped (item %s)", ev.ItemID)

	case realtime.KindAudioCommitted:
		log.Printf("agent: audio buffer committed (item %s)", ev.ItemID)

	case realtime.KindResponseCreated:
		o.mu.Lock()
		switch {
		case o.current == nil:
			o.respOpen = true
			if o.state == StateListening {
				// Server-driven voice turn: the response was created from
				// committed audio, not a locally submitted turn.
				o.current = &inflight{
					turn:      Turn{ID: uuid.NewString(), Route: RouteStreaming},
					startedAt: time.Now(),
				}
				o.setStateLocked(StateProcessing)
				if o.met != nil {
					o.met.TurnsSubmitted.WithLabelValues("voice_vad").Inc()
				}
			}
		case o.current.turn.Route == RouteStreaming:
			o.respOpen = true
		default:
			// An image turn is in flight; only the stateless channel may
			// finalize it. The server-driven response is discarded.
			log.Printf("agent: dropping server response opened during image turn")
		}
		o.mu.Unlock()

	case realtime.KindTextDelta:
		o.mu.Lock()
		if !o.respOpen || o.current == nil || o.current.turn.Route != RouteStreaming {
			o.mu.Unlock()
			log.Printf("agent: dropping out-of-order text delta")
			return
		}
		if o.state == StateProcessing {
			o.setStateLocked(StateResponding)
		}
		o.current.textBuf.WriteString(ev.Text)
		if o.current.itemID == "" {
			o.current.itemID = ev.ItemID
		}
		o.mu.Unlock()

	case realtime.KindAudioDelta:
		o.mu.Lock()
		if !o.respOpen || o.current == nil || o.current.turn.Route != RouteStreaming {
			o.mu.Unlock()
			log.Printf("agent: dropping out-of-order audio delta")
			return
		}
		if o.state == StateProcessing {
			o.setStateLocked(StateResponding)
		}
		if o.current.itemID == "" {
			o.current.itemID = ev.ItemID
		}
		if o.current.audioCh == nil {
			ch := make(chan string, 256)
			o.current.audioCh = ch
			o.current.hasAudio = true
			o.pipeline.StartPlayback(ev.ItemID, ch)
		}
		select {
		case o.current.audioCh <- ev.AudioB64:
		default:
			log.Printf("agent: playback buffer full, dropping audio delta")
		}
		o.mu.Unlock()

	case realtime.KindResponseDone:
		o.finishStreaming(ev)

	case realtime.KindRateLimits:
		for _, rl := range ev.RateLimits {
			log.Printf("agent: rate limit %s: %d/%d remaining", rl.Name, rl.Remaining, rl.Limit)
		}

	case realtime.KindError:
		if ev.Terminal {
			o.enterError(ev.Err)
			return
		}
		log.Printf("agent: non-terminal server error: %v", ev.Err)
		o.mu.Lock()
		stuck := o.current != nil && !o.respOpen && o.state == StateProcessing
		o.mu.Unlock()
		if stuck {
			// The turn was rejected before any response opened; resolve it
			// instead of waiting forever.
			o.failCurrentTurn(ev.Err)
		}

	case realtime.KindDisconnected:
		o.enterError(fmt.Errorf("agent: streaming channel lost"))
	}
}

// finishStreaming finalizes the in-flight streaming turn on response.done.
// A done event with no open response is out of order: logged, state
// unaffected.
func (o *Orchestrator) finishStreaming(ev realtime.Event) {
	o.mu.Lock()
	if !o.respOpen || o.current == nil || o.current.turn.Route != RouteStreaming {
		o.mu.Unlock()
		log.Printf("agent: response.done without response.created, ignoring")
		return
	}
	cur := o.current
	o.current = nil
	o.respOpen = false

	text := cur.textBuf.String()
	if text == "" {
		text = ev.Text
	}
	if cur.audioCh != nil {
		close(cur.audioCh)
	}
	// A response may complete without deltas; it still passes through
	// RESPONDING so observers see the full lifecycle.
	if o.state == StateProcessing {
		o.setStateLocked(StateResponding)
	}
	o.setStateLocked(o.restingStateLocked())
	o.mu.Unlock()

	if o.met != nil {
		o.met.TurnDuration.Observe(time.Since(cur.startedAt).Seconds())
	}
	o.publishResponse(Response{
		TurnID:     cur.turn.ID,
		ItemID:     cur.itemID,
		Text:       strings.TrimSpace(text),
		Route:      RouteStreaming,
		HasAudio:   cur.hasAudio,
		FinishedAt: time.Now(),
	})
	o.dispatchPending()
}

// finishVision resolves an image turn. Completion is its first and only
// fragment, so the machine still walks PROCESSING -> RESPONDING -> resting.
func (o *Orchestrator) finishVision(res visionResult) {
	o.mu.Lock()
	cur := o.current
	if cur == nil || cur.turn.ID != res.turn.ID {
		o.mu.Unlock()
		log.Printf("agent: stale vision result for turn %s, ignoring", res.turn.ID)
		return
	}
	o.current = nil
	// The turn may have run while the streaming session was down; only walk
	// the response edges if the machine entered PROCESSING for it.
	if o.state == StateProcessing {
		o.setStateLocked(StateResponding)
	}
	if o.state == StateResponding {
		o.setStateLocked(o.restingStateLocked())
	}
	o.mu.Unlock()

	if o.met != nil {
		o.met.TurnDuration.Observe(time.Since(cur.startedAt).Seconds())
	}
	resp := Response{
		TurnID:     res.turn.ID,
		Text:       res.text,
		Route:      RouteVision,
		Err:        res.err,
		FinishedAt: time.Now(),
	}
	if res.err != nil {
		log.Printf("agent: vision turn %s failed: %v", res.turn.ID, res.err)
		resp.Text = ""
	}
	o.publishResponse(resp)
	o.dispatchPending()
}

// dispatchPending promotes the queued turn once the session can take it.
func (o *Orchestrator) dispatchPending() {
	o.mu.Lock()
	if o.pending == nil || o.current != nil {
		o.mu.Unlock()
		return
	}
	if o.state != StateReady && o.state != StateListening {
		o.mu.Unlock()
		return
	}
	turn := *o.pending
	o.pending = nil
	o.current = &inflight{turn: turn, startedAt: time.Now()}
	o.setStateLocked(StateProcessing)
	o.mu.Unlock()

	if o.met != nil {
		o.met.TurnsSubmitted.WithLabelValues(turn.Route).Inc()
	}
	o.dispatch(turn)
}

// enterError is the single funnel for channel-fatal failures.
func (o *Orchestrator) enterError(err error) {
	log.Printf("agent: terminal failure: %v", err)
	if o.met != nil {
		o.met.TerminalErrors.Inc()
	}
	o.pipeline.StopCapture()
	o.pipeline.StopPlayback()

	o.mu.Lock()
	cur := o.current
	if cur != nil && cur.turn.Route == RouteVision {
		// The stateless channel is unaffected by streaming-channel loss;
		// its turn stays in flight and resolves on its own.
		cur = nil
	} else {
		o.current = nil
	}
	o.pending = nil
	o.respOpen = false
	o.setStateLocked(StateError)
	o.mu.Unlock()

	if cur != nil {
		o.publishResponse(Response{
			TurnID:     cur.turn.ID,
			Route:      cur.turn.Route,
			Err:        err,
			FinishedAt: time.Now(),
		})
	}
}
