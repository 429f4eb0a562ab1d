package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"mime/multipart"
	"net/textproto"
	"net/url"
	"sync"
	"time"

	"github.com/bt-bridge/tutor-session/shared"
	"github.com/openai/openai-go/v3/packages/param"
	"github.com/openai/openai-go/v3/realtime"
	"github.com/pion/webrtc/v4"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

type TrackRemoteHandler func(track *webrtc.TrackRemote)
type TrackLocalHandler func(track *webrtc.TrackLocalStaticSample)

// ConnectionManager is the production Transport: a pion peer connection with
// a single data channel carrying the protocol frames, plus the local
// microphone track. It owns these resources exclusively for the session's
// lifetime.
type ConnectionManager struct {
	logger  shared.LoggerAdapter
	baseUrl *url.URL
	apiKey  string
	cfg     *realtime.RealtimeSessionCreateRequestParam
	cb      TransportCallbacks

	mu          sync.Mutex
	pc          *webrtc.PeerConnection
	dc          *webrtc.DataChannel
	pcState     PeerConnectionState
	dcState     DataChannelState
	transitions transitionLog
	audioL      *webrtc.TrackLocalStaticSample
	audioTLH    TrackLocalHandler
	audioTRH    TrackRemoteHandler
	opened      bool
	spent       bool

	chOpen chan struct{}

	ctx    context.Context
	cancel context.CancelCauseFunc
}

var _ Transport = (*ConnectionManager)(nil)

func NewConnectionManager(
	logger shared.LoggerAdapter,
	endpoint EndpointConfig,
	sessionCfg *realtime.RealtimeSessionCreateRequestParam,
	cb TransportCallbacks,
) (c *ConnectionManager, err error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if endpoint.APIKey == "" {
		return nil, shared.ErrNoAPIKey
	}
	if sessionCfg == nil {
		return nil, shared.ErrNoConfig
	}
	baseUrl, err := url.Parse(endpoint.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing base URL: %w", err)
	}
	ctx, cancel := context.WithCancelCause(context.Background())
	c = &ConnectionManager{
		logger:  logger,
		baseUrl: baseUrl,
		apiKey:  endpoint.APIKey,
		cfg:     sessionCfg,
		cb:      cb,
		pcState: PeerConnectionNone,
		dcState: DataChannelNone,
		chOpen:  make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}

	c.pc, err = webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		cancel(err)
		return nil, fmt.Errorf("creating peer connection: %w", err)
	}
	c.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		c.onPCStateChange(state)
	})
	return c, nil
}

func mapPCState(state webrtc.PeerConnectionState) PeerConnectionState {
	switch state {
	case webrtc.PeerConnectionStateNew:
		return PeerConnectionNone
	case webrtc.PeerConnectionStateConnecting:
		return PeerConnectionConnecting
	case webrtc.PeerConnectionStateConnected:
		return PeerConnectionConnected
	case webrtc.PeerConnectionStateDisconnected:
		return PeerConnectionDisconnected
	case webrtc.PeerConnectionStateFailed:
		return PeerConnectionFailed
	case webrtc.PeerConnectionStateClosed:
		return PeerConnectionClosed
	}
	return PeerConnectionNone
}

func (c *ConnectionManager) onPCStateChange(state webrtc.PeerConnectionState) {
	c.mu.Lock()
	prev := c.pcState
	c.pcState = mapPCState(state)
	c.logger.Trace(
		"peer connection state changed",
		zap.String("prev", string(prev)),
		zap.String("new", string(c.pcState)),
	)
	switch c.pcState {
	case PeerConnectionConnected:
		if c.audioTLH != nil && c.audioL != nil {
			go c.audioTLH(c.audioL)
		}
	case PeerConnectionDisconnected, PeerConnectionFailed, PeerConnectionClosed:
		c.spent = true
		c.cancel(fmt.Errorf("peer connection is %s", c.pcState))
	}
	mapped := c.pcState
	c.mu.Unlock()
	if c.cb.OnConnectionState != nil {
		c.cb.OnConnectionState(mapped)
	}
}

func (c *ConnectionManager) setChannelState(state DataChannelState) {
	c.mu.Lock()
	prev := c.dcState
	if prev == state {
		c.mu.Unlock()
		return
	}
	c.dcState = state
	c.transitions.record(prev, state, time.Now())
	c.mu.Unlock()
	c.logger.Trace(
		"data channel state changed",
		zap.String("prev", string(prev)),
		zap.String("new", string(state)),
	)
	if c.cb.OnChannelState != nil {
		c.cb.OnChannelState(state)
	}
}

// RegisterTrackLocalHandler installs the microphone pump. The handler is
// started on its own goroutine once the peer connection is connected.
func (c *ConnectionManager) RegisterTrackLocalHandler(handler TrackLocalHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.opened {
		return shared.ErrSessionActive
	}
	if c.audioTLH != nil || c.audioL != nil {
		return shared.ErrHandlerAlreadySet
	}
	if handler == nil {
		return errors.New("handler is required")
	}
	var err error
	c.audioL, err = webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeOpus,
			ClockRate:   48000,
			Channels:    2,
			SDPFmtpLine: "minptime=10;useinbandfec=1",
		},
		"audio",
		"mic",
	)
	if err != nil {
		return fmt.Errorf("creating local audio track: %w", err)
	}
	if _, err = c.pc.AddTrack(c.audioL); err != nil {
		return fmt.Errorf("adding audio track to peer connection: %w", err)
	}
	c.audioTLH = handler
	return nil
}

// RegisterTrackRemoteHandler installs the synthesized-speech playback hook.
func (c *ConnectionManager) RegisterTrackRemoteHandler(handler TrackRemoteHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.opened {
		return shared.ErrSessionActive
	}
	if c.audioTRH != nil {
		return shared.ErrHandlerAlreadySet
	}
	if handler == nil {
		return errors.New("handler is required")
	}
	c.audioTRH = handler
	c.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		if track.Kind() == webrtc.RTPCodecTypeAudio {
			go c.audioTRH(track)
		}
	})
	return nil
}

// Open negotiates the connection and blocks until the data channel is open,
// ctx expires, or the connection reaches a terminal state.
func (c *ConnectionManager) Open(ctx context.Context) error {
	if err := c.createDataChannel(); err != nil {
		return err
	}

	c.mu.Lock()
	if c.pc == nil {
		c.mu.Unlock()
		return shared.ErrTransportSpent
	}
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		c.mu.Unlock()
		return c.fail("creating offer", err)
	}
	if err = c.pc.SetLocalDescription(offer); err != nil {
		c.mu.Unlock()
		return c.fail("setting local description", err)
	}
	c.mu.Unlock()

	answer, err := c.negotiate(ctx, offer.SDP)
	if err != nil {
		return c.fail("negotiating session", err)
	}

	c.mu.Lock()
	if c.pc == nil {
		c.mu.Unlock()
		return shared.ErrTransportSpent
	}
	err = c.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  answer,
	})
	c.mu.Unlock()
	if err != nil {
		return c.fail("setting remote description", err)
	}

	select {
	case <-c.chOpen:
		return nil
	case <-c.ctx.Done():
		return c.fail("waiting for data channel", context.Cause(c.ctx))
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			c.cancel(ctx.Err())
			return &shared.DataChannelTimeoutError{Timeout: deadlineIn(ctx)}
		}
		return c.fail("waiting for data channel", ctx.Err())
	}
}

func deadlineIn(ctx context.Context) string {
	if d, ok := ctx.Deadline(); ok {
		return time.Until(d).Round(time.Millisecond).String()
	}
	return "context deadline"
}

func (c *ConnectionManager) fail(op string, err error) error {
	c.cancel(err)
	return &shared.ConnectionError{Op: op, Err: err}
}

// createDataChannel guards against overlapping creation attempts: a channel
// that is already negotiating rejects a second attempt outright instead of
// racing it.
func (c *ConnectionManager) createDataChannel() error {
	c.mu.Lock()
	if c.spent {
		c.mu.Unlock()
		return shared.ErrTransportSpent
	}
	switch c.dcState {
	case DataChannelConnecting:
		c.mu.Unlock()
		return shared.ErrChannelNegotiating
	case DataChannelOpen:
		c.mu.Unlock()
		return shared.ErrSessionActive
	}
	dc, err := c.pc.CreateDataChannel("oai", nil)
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("creating data channel: %w", err)
	}
	c.dc = dc
	c.opened = true
	dc.OnOpen(func() {
		c.setChannelState(DataChannelOpen)
		select {
		case <-c.chOpen:
		default:
			close(c.chOpen)
		}
	})
	dc.OnClose(func() {
		c.setChannelState(DataChannelClosed)
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if !msg.IsString {
			c.logger.Warn("received non-string message on data channel")
			return
		}
		if c.cb.OnMessage != nil {
			c.cb.OnMessage(msg.Data)
		}
	})
	c.mu.Unlock()
	c.setChannelState(DataChannelConnecting)
	return nil
}

// negotiate posts the SDP offer and session config to the realtime endpoint
// and returns the SDP answer.
func (c *ConnectionManager) negotiate(ctx context.Context, offer string) (string, error) {
	sessBytes, err := c.cfg.MarshalJSON()
	if err != nil {
		return "", fmt.Errorf("marshaling session config: %w", err)
	}
	body := new(bytes.Buffer)
	writer := multipart.NewWriter(body)

	sdpHeaders := textproto.MIMEHeader{}
	sdpHeaders.Set("Content-Disposition", `form-data; name="sdp"`)
	sdpHeaders.Set("Content-Type", "application/sdp")
	sdpPart, err := writer.CreatePart(sdpHeaders)
	if err != nil {
		return "", fmt.Errorf("creating SDP part: %w", err)
	}
	if _, err = sdpPart.Write([]byte(offer)); err != nil {
		return "", fmt.Errorf("writing SDP part: %w", err)
	}

	sessionHeaders := textproto.MIMEHeader{}
	sessionHeaders.Set("Content-Disposition", `form-data; name="session"`)
	sessionHeaders.Set("Content-Type", "application/json")
	sessionPart, err := writer.CreatePart(sessionHeaders)
	if err != nil {
		return "", fmt.Errorf("creating session part: %w", err)
	}
	if _, err = sessionPart.Write(sessBytes); err != nil {
		return "", fmt.Errorf("writing session part: %w", err)
	}

	if err = writer.Close(); err != nil {
		return "", fmt.Errorf("closing multipart writer: %w", err)
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	release := func() {
		fasthttp.ReleaseRequest(req)
		fasthttp.ReleaseResponse(resp)
	}

	req.SetRequestURI(c.baseUrl.JoinPath("/realtime/calls").String())
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.SetBody(body.Bytes())

	// The buffered channel lets the sender finish even after this call has
	// been abandoned; req and resp stay out of the pool until it has.
	errC := make(chan error, 1)
	go func() {
		if deadline, ok := ctx.Deadline(); ok {
			errC <- fasthttp.DoDeadline(req, resp, deadline)
			return
		}
		errC <- fasthttp.Do(req, resp)
	}()
	select {
	case <-ctx.Done():
		go func() { <-errC; release() }()
		return "", ctx.Err()
	case <-c.ctx.Done():
		go func() { <-errC; release() }()
		return "", context.Cause(c.ctx)
	case err := <-errC:
		if err != nil {
			release()
			return "", fmt.Errorf("performing HTTP request: %w", err)
		}
	}
	status := resp.StatusCode()
	answer := string(resp.Body())
	release()
	if status != fasthttp.StatusCreated {
		return "", fmt.Errorf("unexpected status code: %d, body: %s", status, answer)
	}
	return answer, nil
}

// Send writes one frame to the data channel.
func (c *ConnectionManager) Send(data []byte) error {
	c.mu.Lock()
	dc := c.dc
	state := c.dcState
	c.mu.Unlock()
	if dc == nil || state != DataChannelOpen {
		return shared.ErrChannelNotOpen
	}
	return dc.Send(data)
}

// Close tears the channel and connection down. Idempotent; bounded by ctx,
// after which remaining resources are force-released.
func (c *ConnectionManager) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.spent && c.pc == nil {
		c.mu.Unlock()
		return nil
	}
	c.spent = true
	dc := c.dc
	pc := c.pc
	c.pc = nil
	c.audioL = nil
	c.mu.Unlock()

	if dc != nil {
		c.setChannelState(DataChannelClosing)
		if err := dc.Close(); err != nil {
			c.logger.Error("closing data channel", err)
		}
	}

	var closeErr error
	if pc != nil {
		done := make(chan error, 1)
		go func() { done <- pc.Close() }()
		select {
		case err := <-done:
			if err != nil {
				c.logger.Error("closing peer connection", err)
				closeErr = &shared.CleanupError{Stage: "peer connection close", Err: err}
			}
		case <-ctx.Done():
			c.logger.Warn("peer connection close exceeded grace period, force-releasing")
			closeErr = &shared.CleanupError{Stage: "peer connection close", Err: ctx.Err()}
		}
	}

	c.setChannelState(DataChannelClosed)
	c.mu.Lock()
	c.pcState = PeerConnectionClosed
	c.mu.Unlock()
	if c.cb.OnConnectionState != nil {
		c.cb.OnConnectionState(PeerConnectionClosed)
	}
	c.cancel(errors.New("transport closed"))
	return closeErr
}

func (c *ConnectionManager) ConnectionState() PeerConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pcState
}

func (c *ConnectionManager) ChannelState() DataChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dcState
}

func (c *ConnectionManager) LocalMediaActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.audioL != nil
}

func (c *ConnectionManager) ChannelTransitions() []ChannelTransition {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transitions.snapshot()
}

// tutorInstructions renders the scenario into the system prompt sent as the
// session instructions.
func tutorInstructions(profile SessionProfile) string {
	base := fmt.Sprintf(
		"You are a friendly spoken-language tutor. Run the %q practice scenario with a %s-level learner. "+
			"Speak naturally, keep replies short, and correct mistakes gently after the learner finishes.",
		profile.ScenarioID, profile.Level,
	)
	if topic, ok := profile.UserContext["focus"]; ok {
		base += fmt.Sprintf(" Today's focus: %s.", topic)
	}
	return base
}

// buildSessionConfig assembles the endpoint session-create request for one
// tutoring session.
func buildSessionConfig(endpoint EndpointConfig, profile SessionProfile) *realtime.RealtimeSessionCreateRequestParam {
	return &realtime.RealtimeSessionCreateRequestParam{
		Instructions: param.NewOpt(tutorInstructions(profile)),
		Model:        endpoint.Model,
		Audio: realtime.RealtimeAudioConfigParam{
			Output: realtime.RealtimeAudioConfigOutputParam{
				Voice: realtime.RealtimeAudioConfigOutputVoice(endpoint.Voice),
			},
		},
	}
}

// WebRTCTransportFactory builds fresh ConnectionManager instances, one per
// session attempt. A failed instance is discarded, never reused. The
// configure hook, when non-nil, runs on each new instance before it is
// handed to the controller; agents use it to register track handlers.
func WebRTCTransportFactory(endpoint EndpointConfig, configure func(*ConnectionManager) error) TransportFactory {
	return func(logger shared.LoggerAdapter, profile SessionProfile, cb TransportCallbacks) (Transport, error) {
		cm, err := NewConnectionManager(logger, endpoint, buildSessionConfig(endpoint, profile), cb)
		if err != nil {
			return nil, err
		}
		if configure != nil {
			if err := configure(cm); err != nil {
				return nil, err
			}
		}
		return cm, nil
	}
}
