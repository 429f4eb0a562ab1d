package session

import (
	"context"
	"sync"

	"github.com/bt-bridge/tutor-session/shared"
	"go.uber.org/zap"
)

const greetingMaxOutputTokens = 200

// Controller is the top-level facade of the session core. It owns exactly
// one session at a time and funnels every state mutation, whether from a
// caller API call, a transport callback or a protocol frame, through one
// serialized path.
type Controller struct {
	logger    shared.LoggerAdapter
	cfg       Config
	clock     Clock
	factory   TransportFactory
	analytics Analytics

	bus      *Bus
	store    *StateStore
	sync     *Synchronizer
	protocol *ProtocolHandler
	cooldown *CooldownPolicy

	mu            sync.Mutex
	generation    int
	connectCancel context.CancelFunc
	cleanupDone   chan struct{}

	tpMu      sync.RWMutex
	transport Transport
}

func NewController(
	logger shared.LoggerAdapter,
	cfg Config,
	factory TransportFactory,
	analytics Analytics,
	clock Clock,
) (*Controller, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if factory == nil {
		return nil, shared.ErrNoTransport
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if analytics == nil {
		analytics = NopAnalytics{}
	}
	if clock == nil {
		clock = SystemClock()
	}
	c := &Controller{
		logger:    logger,
		cfg:       cfg,
		clock:     clock,
		factory:   factory,
		analytics: analytics,
	}
	c.bus = NewBus(logger)
	c.store = NewStateStore(c.bus, clock)
	c.cooldown = NewCooldownPolicy(clock, cfg.Timing.CooldownWindow)
	c.sync = NewSynchronizer(logger, clock, cfg.Timing, c.turnChanged, c.turnDone)
	c.protocol = NewProtocolHandler(logger, c.bus, c.sync, analytics)
	c.store.SetDeriveHook(c.deriveFlags)
	return c, nil
}

// On subscribes a handler to a named domain event.
func (c *Controller) On(name EventName, fn Handler) Subscription {
	return c.bus.On(name, fn)
}

// Off removes a subscription.
func (c *Controller) Off(sub Subscription) {
	c.bus.Off(sub)
}

// GetState returns an immutable snapshot of the full session state.
func (c *Controller) GetState() Snapshot {
	return c.store.Snapshot()
}

// SessionHealth assembles the point-in-time diagnostic report.
func (c *Controller) SessionHealth() HealthReport {
	report := HealthReport{
		PeerConnection:    PeerConnectionNone,
		DataChannel:       DataChannelNone,
		CooldownRemaining: c.cooldown.Remaining(),
	}
	if t := c.currentTransport(); t != nil {
		report.PeerConnection = t.ConnectionState()
		report.DataChannel = t.ChannelState()
		report.LocalMediaActive = t.LocalMediaActive()
		report.ChannelTransitions = t.ChannelTransitions()
	}
	return report
}

// CanStartNewSession reports whether StartSession would be allowed right
// now: no session active or connecting, no cleanup in flight, cooldown
// elapsed, local media released, and the peer connection at rest.
func (c *Controller) CanStartNewSession() bool {
	status := c.store.Status()
	if status == StatusConnecting || status == StatusActive || status == StatusCleaningUp {
		return false
	}
	if c.cooldown.Remaining() > 0 {
		return false
	}
	if t := c.currentTransport(); t != nil {
		if t.LocalMediaActive() {
			return false
		}
		if pc := t.ConnectionState(); pc != PeerConnectionNone && pc != PeerConnectionClosed {
			return false
		}
	}
	return true
}

// StartSession opens a new tutoring session. It returns false with no side
// effects when the start gate is closed (session active, cleanup in flight,
// or cooldown remaining), and false with the error when the connection
// attempt itself fails.
func (c *Controller) StartSession(ctx context.Context, scenarioID, level string, userContext map[string]string) (bool, error) {
	c.mu.Lock()
	if !c.CanStartNewSession() {
		c.mu.Unlock()
		c.logger.Debug(
			"start rejected",
			zap.String("scenario_id", scenarioID),
			zap.String("status", string(c.store.Status())),
		)
		return false, nil
	}
	c.generation++
	gen := c.generation
	profile := SessionProfile{ScenarioID: scenarioID, Level: level, UserContext: userContext}
	c.store.BeginSession(scenarioID, level, userContext)

	t, err := c.factory(c.logger, profile, TransportCallbacks{
		OnConnectionState: func(state PeerConnectionState) { c.onConnectionState(gen, state) },
		OnChannelState:    func(state DataChannelState) { c.onChannelState(gen, state) },
		OnMessage:         c.protocol.HandleRaw,
	})
	if err != nil {
		c.mu.Unlock()
		c.failStart(gen, err)
		return false, err
	}
	c.setTransport(t)
	connectCtx, cancel := context.WithTimeout(ctx, c.cfg.Timing.DataChannelOpenTimeout)
	c.connectCancel = cancel
	c.mu.Unlock()

	err = t.Open(connectCtx)
	cancel()

	c.mu.Lock()
	if c.generation != gen {
		// StopSession won the race; it owns teardown now.
		c.mu.Unlock()
		return false, nil
	}
	c.connectCancel = nil
	if err != nil {
		c.mu.Unlock()
		c.failStart(gen, err)
		return false, err
	}
	snap := c.store.SetStatus(StatusActive)
	c.mu.Unlock()

	c.bus.publish(EventSessionStarted, SessionPayload{
		ScenarioID: scenarioID,
		Level:      level,
		At:         snap.Session.StartedAt,
	})
	go c.analytics.SessionStarted(scenarioID, level)
	c.sendGreeting(t, profile)
	return true, nil
}

func (c *Controller) failStart(gen int, err error) {
	c.mu.Lock()
	if c.generation != gen {
		c.mu.Unlock()
		return
	}
	c.generation++
	c.connectCancel = nil
	t := c.currentTransport()
	c.setTransport(nil)
	c.store.SetStatus(StatusError)
	c.mu.Unlock()

	c.logger.Error("session start failed", err)
	c.bus.publish(EventError, ErrorPayload{
		Kind:    shared.Classify(err),
		Message: err.Error(),
	})
	if t != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), c.cfg.Timing.CloseGrace)
		defer cancel()
		if cerr := t.Close(closeCtx); cerr != nil {
			c.logger.Error("closing transport after failed start", cerr)
		}
	}
	c.store.SetPeerConnectionState(PeerConnectionNone)
	c.store.SetDataChannelState(DataChannelNone)
	c.store.SetStatus(StatusIdle)
}

func (c *Controller) sendGreeting(t Transport, profile SessionProfile) {
	frame, err := GreetingFrame(tutorInstructions(profile), greetingMaxOutputTokens)
	if err != nil {
		c.logger.Error("building greeting frame", err)
		return
	}
	if err := t.Send(frame); err != nil {
		c.logger.Error("sending greeting frame", err)
	}
}

// StopSession drives the session to idle from any state. It cancels an
// in-flight connection attempt rather than waiting for it, releases local
// media, and always completes within the close grace period even if the
// underlying teardown stalls. Cleanup failures are logged, never raised.
// A call that arrives while another stop is mid-cleanup blocks until that
// cleanup finishes, so every caller returns with the session idle.
func (c *Controller) StopSession(ctx context.Context) {
	c.mu.Lock()
	if done := c.cleanupDone; done != nil {
		// Another stop owns the cleanup; wait for it so the session is
		// fully idle by the time this call returns.
		c.mu.Unlock()
		<-done
		return
	}
	status := c.store.Status()
	t := c.currentTransport()
	if t == nil && status == StatusIdle {
		c.mu.Unlock()
		return
	}
	done := make(chan struct{})
	c.cleanupDone = done
	c.generation++
	if c.connectCancel != nil {
		c.connectCancel()
		c.connectCancel = nil
	}
	c.store.SetStatus(StatusCleaningUp)
	c.mu.Unlock()

	c.sync.Discard()

	if t != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), c.cfg.Timing.CloseGrace)
		if err := t.Close(closeCtx); err != nil {
			c.logger.Error("session teardown", err)
			c.bus.publish(EventError, ErrorPayload{
				Kind:    shared.ErrorKindCleanup,
				Message: err.Error(),
			})
		}
		cancel()
	}

	c.mu.Lock()
	c.setTransport(nil)
	c.cleanupDone = nil
	c.cooldown.RecordStop()
	c.store.SetPeerConnectionState(PeerConnectionNone)
	c.store.SetDataChannelState(DataChannelNone)
	snap := c.store.SetStatus(StatusIdle)
	c.mu.Unlock()
	close(done)

	c.bus.publish(EventSessionStopped, SessionPayload{
		ScenarioID: snap.Session.ScenarioID,
		Level:      snap.Session.Level,
		At:         snap.Session.StoppedAt,
	})
}

// NotifyPlaybackComplete signals that local playback of the current turn's
// audio has finished. Recorded on the turn state; never gates end-of-turn.
func (c *Controller) NotifyPlaybackComplete() {
	c.sync.PlaybackComplete()
}

// UpdateSessionConfig sends a mid-session configuration patch to the
// endpoint over the data channel.
func (c *Controller) UpdateSessionConfig(patch map[string]any) error {
	t := c.currentTransport()
	if t == nil {
		return &shared.SessionStateError{Call: "UpdateSessionConfig", State: string(c.store.Status())}
	}
	frame, err := SessionUpdateFrame(patch)
	if err != nil {
		return err
	}
	return t.Send(frame)
}

// ClearPlaybackBuffer asks the endpoint to drop any synthesized audio it has
// buffered for the current turn, cutting the tutor off mid-sentence.
func (c *Controller) ClearPlaybackBuffer() error {
	t := c.currentTransport()
	if t == nil {
		return &shared.SessionStateError{Call: "ClearPlaybackBuffer", State: string(c.store.Status())}
	}
	frame, err := ClearOutputAudioFrame()
	if err != nil {
		return err
	}
	return t.Send(frame)
}

func (c *Controller) onConnectionState(gen int, state PeerConnectionState) {
	c.mu.Lock()
	if c.generation != gen {
		c.mu.Unlock()
		return
	}
	c.store.SetPeerConnectionState(state)
	status := c.store.Status()
	c.mu.Unlock()

	switch state {
	case PeerConnectionConnected:
		c.bus.publish(EventConnected, nil)
	case PeerConnectionDisconnected, PeerConnectionFailed:
		if status == StatusActive {
			c.bus.publish(EventError, ErrorPayload{
				Kind:    shared.ErrorKindConnection,
				Message: "peer connection " + string(state),
			})
			go c.StopSession(context.Background())
		}
	}
}

func (c *Controller) onChannelState(gen int, state DataChannelState) {
	c.mu.Lock()
	if c.generation != gen {
		c.mu.Unlock()
		return
	}
	c.store.SetDataChannelState(state)
	c.mu.Unlock()

	if state == DataChannelOpen {
		c.bus.publish(EventDataChannelOpened, nil)
	}
}

func (c *Controller) turnChanged(turn *TurnState) {
	c.store.SetTurn(turn)
}

func (c *Controller) turnDone(turn TurnState, reason TurnDoneReason) {
	if turn.Transcript != "" {
		c.store.AppendHistory(RoleAssistant, turn.Transcript)
	}
	payload := TurnPayload{
		ResponseID: turn.ResponseID,
		Transcript: turn.Transcript,
		Forced:     reason == TurnDoneForced,
	}
	c.bus.publish(EventAISpeechEnded, payload)
	c.bus.publish(EventResponseCompleted, payload)
	go c.analytics.LearningEvent("turn_completed", map[string]string{
		"response_id": turn.ResponseID,
		"reason":      string(reason),
	})
}

func (c *Controller) deriveFlags(snap *Snapshot) {
	snap.CanStartNewSession = !snap.IsSessionActive &&
		!snap.IsCleaningUp &&
		c.cooldown.Remaining() == 0 &&
		(snap.PeerConnection == PeerConnectionNone || snap.PeerConnection == PeerConnectionClosed)
	if t := c.currentTransport(); t != nil && t.LocalMediaActive() {
		snap.CanStartNewSession = false
	}
}

func (c *Controller) currentTransport() Transport {
	c.tpMu.RLock()
	defer c.tpMu.RUnlock()
	return c.transport
}

func (c *Controller) setTransport(t Transport) {
	c.tpMu.Lock()
	c.transport = t
	c.tpMu.Unlock()
}
