package session

import (
	"errors"

	"github.com/bt-bridge/tutor-session/shared"
	"go.uber.org/zap"
)

// ProtocolHandler decodes inbound data-channel frames into domain events and
// dispatches them. It never blocks and never lets a bad frame escape:
// unknown or malformed frames are logged and dropped.
type ProtocolHandler struct {
	logger    shared.LoggerAdapter
	bus       *Bus
	sync      *Synchronizer
	analytics Analytics
}

func NewProtocolHandler(logger shared.LoggerAdapter, bus *Bus, sync *Synchronizer, analytics Analytics) *ProtocolHandler {
	if analytics == nil {
		analytics = NopAnalytics{}
	}
	return &ProtocolHandler{
		logger:    logger,
		bus:       bus,
		sync:      sync,
		analytics: analytics,
	}
}

// HandleRaw decodes and dispatches one wire frame.
func (h *ProtocolHandler) HandleRaw(data []byte) {
	frame := new(Frame)
	if err := frame.UnmarshalJSON(data); err != nil {
		if errors.Is(err, ErrUnknownFrameType) {
			h.logger.Debug("ignoring frame with unknown type", zap.Error(err))
		} else {
			h.logger.Warn("dropping malformed frame", zap.Error(err), zap.ByteString("data", data))
		}
		return
	}
	h.Handle(frame)
}

// Handle dispatches a decoded frame to the synchronizer and event bus.
func (h *ProtocolHandler) Handle(frame *Frame) {
	h.logger.Debug(
		"received frame",
		zap.String("type", string(frame.Type)),
		zap.String("event_id", frame.EventID),
	)
	go h.analytics.MessageReceived(string(frame.Type))

	switch p := frame.Payload.(type) {
	case *PayloadSpeechStarted:
		id := h.sync.SpeechStarted(p.ResponseID)
		h.bus.publish(EventAISpeechStarted, TurnPayload{ResponseID: id})
	case *PayloadOutputAudioStopped:
		h.sync.AudioStopped()
		h.bus.publish(EventOutputAudioBufferStopped, TurnPayload{ResponseID: p.ResponseID})
	case *PayloadTranscriptDelta:
		h.sync.TranscriptDelta(p.Delta)
	case *PayloadTranscriptDone:
		h.sync.TranscriptDone(p.Transcript)
		if turn := h.sync.Live(); turn != nil {
			h.bus.publish(EventAITranscriptComplete, TurnPayload{
				ResponseID: turn.ResponseID,
				Transcript: turn.Transcript,
			})
		}
	case *PayloadResponseCompleted:
		h.sync.ResponseCompleted()
	case *PayloadError:
		h.handleError(p)
	}
}

// handleError classifies an endpoint error frame. Parameter-validation
// errors are surfaced but non-fatal: the session stays usable unless the
// connection itself is lost.
func (h *ProtocolHandler) handleError(p *PayloadError) {
	err := wireError(p)
	kind := shared.Classify(err)
	h.logger.Warn(
		"endpoint reported an error",
		zap.String("error_type", p.ErrType),
		zap.String("kind", string(kind)),
		zap.Error(err),
	)
	h.bus.publish(EventError, ErrorPayload{
		Kind:    kind,
		Code:    p.Code,
		Message: p.Message,
	})
}

// wireError maps an endpoint error frame onto the error taxonomy.
func wireError(p *PayloadError) error {
	switch p.ErrType {
	case "invalid_request_error", "invalid_value", "missing_required_parameter", "unknown_parameter":
		return &shared.ProtocolValidationError{Code: p.Code, Message: p.Message}
	case "connection_error", "transport_error", "server_error":
		return &shared.ConnectionError{Op: "endpoint " + p.ErrType, Err: errors.New(p.Message)}
	}
	return errors.New(p.Message)
}
