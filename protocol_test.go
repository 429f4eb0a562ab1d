package session

import (
	"testing"

	"github.com/bt-bridge/tutor-session/shared"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestProtocol(t *testing.T) (*ProtocolHandler, *Synchronizer, *eventLog) {
	t.Helper()
	logger := shared.NewNopLogger()
	bus := NewBus(logger)
	log := &eventLog{}
	for _, name := range []EventName{
		EventAISpeechStarted, EventAISpeechEnded, EventAITranscriptComplete,
		EventOutputAudioBufferStopped, EventResponseCompleted, EventError,
	} {
		bus.On(name, log.record)
	}
	sync := NewSynchronizer(logger, newFakeClock(), DefaultConfig().Timing, nil, func(turn TurnState, reason TurnDoneReason) {
		bus.publish(EventAISpeechEnded, TurnPayload{
			ResponseID: turn.ResponseID,
			Transcript: turn.Transcript,
			Forced:     reason == TurnDoneForced,
		})
	})
	return NewProtocolHandler(logger, bus, sync, nil), sync, log
}

func TestHandleRawIgnoresUnknownFrameTypes(t *testing.T) {
	h, sync, log := newTestProtocol(t)

	h.HandleRaw([]byte(`{"type":"response.output_item.added","event_id":"ev_1"}`))
	h.HandleRaw([]byte(`{"type":"rate_limits.updated","event_id":"ev_2"}`))

	assert.Empty(t, log.events)
	assert.Nil(t, sync.Live())
}

func TestHandleRawDropsMalformedFrames(t *testing.T) {
	h, sync, log := newTestProtocol(t)

	h.HandleRaw([]byte(`{not json`))
	// Missing required fields: type, delta, message.
	h.HandleRaw([]byte(`{"event_id":"ev_1"}`))
	h.HandleRaw([]byte(`{"type":"transcript.delta","event_id":"ev_2"}`))
	h.HandleRaw([]byte(`{"type":"error","event_id":"ev_3","error":{}}`))

	assert.Empty(t, log.events)
	assert.Nil(t, sync.Live())
}

func TestSpeechStartedOpensTurn(t *testing.T) {
	h, sync, log := newTestProtocol(t)

	h.HandleRaw([]byte(`{"type":"speech_started","event_id":"ev_1","response_id":"resp_1"}`))

	evt, found := log.last(EventAISpeechStarted)
	require.True(t, found)
	assert.Equal(t, "resp_1", evt.Payload.(TurnPayload).ResponseID)

	turn := sync.Live()
	require.NotNil(t, turn)
	assert.Equal(t, "resp_1", turn.ResponseID)
}

func TestSpeechStartedWithoutResponseIDPublishesGeneratedID(t *testing.T) {
	h, sync, log := newTestProtocol(t)

	h.HandleRaw([]byte(`{"type":"speech_started","event_id":"ev_1"}`))

	evt, found := log.last(EventAISpeechStarted)
	require.True(t, found)
	id := evt.Payload.(TurnPayload).ResponseID
	assert.NotEmpty(t, id)

	turn := sync.Live()
	require.NotNil(t, turn)
	assert.Equal(t, id, turn.ResponseID, "published id and turn id must agree")
}

func TestTranscriptDonePublishesAccumulatedText(t *testing.T) {
	h, _, log := newTestProtocol(t)

	h.HandleRaw([]byte(`{"type":"speech_started","event_id":"ev_1","response_id":"resp_1"}`))
	h.HandleRaw([]byte(`{"type":"transcript.delta","event_id":"ev_2","response_id":"resp_1","delta":"Bonjour, "}`))
	h.HandleRaw([]byte(`{"type":"transcript.delta","event_id":"ev_3","response_id":"resp_1","delta":"bienvenue!"}`))
	h.HandleRaw([]byte(`{"type":"transcript.done","event_id":"ev_4","response_id":"resp_1"}`))

	evt, found := log.last(EventAITranscriptComplete)
	require.True(t, found)
	assert.Equal(t, "Bonjour, bienvenue!", evt.Payload.(TurnPayload).Transcript)
}

func TestTranscriptDoneWithFullTextReplacesDeltas(t *testing.T) {
	h, _, log := newTestProtocol(t)

	h.HandleRaw([]byte(`{"type":"speech_started","event_id":"ev_1","response_id":"resp_1"}`))
	h.HandleRaw([]byte(`{"type":"transcript.delta","event_id":"ev_2","response_id":"resp_1","delta":"Bonjur"}`))
	h.HandleRaw([]byte(`{"type":"transcript.done","event_id":"ev_3","response_id":"resp_1","transcript":"Bonjour!"}`))

	evt, found := log.last(EventAITranscriptComplete)
	require.True(t, found)
	assert.Equal(t, "Bonjour!", evt.Payload.(TurnPayload).Transcript)
}

func TestResponseCompletedViaNestedResponseID(t *testing.T) {
	h, sync, log := newTestProtocol(t)

	h.HandleRaw([]byte(`{"type":"speech_started","event_id":"ev_1","response_id":"resp_1"}`))
	h.HandleRaw([]byte(`{"type":"response.completed","event_id":"ev_2","response":{"id":"resp_1","status":"completed"}}`))

	evt, found := log.last(EventAISpeechEnded)
	require.True(t, found)
	assert.Equal(t, "resp_1", evt.Payload.(TurnPayload).ResponseID)
	assert.Nil(t, sync.Live())
}

func TestWireErrorClassification(t *testing.T) {
	cases := []struct {
		name    string
		errType string
		want    shared.ErrorKind
	}{
		{"invalid request", "invalid_request_error", shared.ErrorKindProtocol},
		{"invalid value", "invalid_value", shared.ErrorKindProtocol},
		{"missing parameter", "missing_required_parameter", shared.ErrorKindProtocol},
		{"server error", "server_error", shared.ErrorKindConnection},
		{"transport error", "transport_error", shared.ErrorKindConnection},
		{"unrecognized", "quota_exceeded", shared.ErrorKindUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := wireError(&PayloadError{ErrType: tc.errType, Code: "c", Message: "m"})
			assert.Equal(t, tc.want, shared.Classify(err))
		})
	}
}

func TestParameterValidationFrameYieldsTypedError(t *testing.T) {
	err := wireError(&PayloadError{
		ErrType: "invalid_request_error",
		Code:    "invalid_value",
		Message: "voice not supported",
	})
	var protoErr *shared.ProtocolValidationError
	require.ErrorAs(t, err, &protoErr)
	assert.Equal(t, "invalid_value", protoErr.Code)
}

func TestErrorFramePublishesErrorEvent(t *testing.T) {
	h, _, log := newTestProtocol(t)

	h.HandleRaw([]byte(`{"type":"error","event_id":"ev_1","error":{"type":"invalid_request_error","code":"unknown_parameter","message":"unknown parameter: voice_speed","param":"voice_speed"}}`))

	evt, found := log.last(EventError)
	require.True(t, found)
	payload := evt.Payload.(ErrorPayload)
	assert.Equal(t, shared.ErrorKindProtocol, payload.Kind)
	assert.Equal(t, "unknown_parameter", payload.Code)
	assert.Contains(t, payload.Message, "voice_speed")
}

func TestFlatErrorFrameDecodes(t *testing.T) {
	h, _, log := newTestProtocol(t)

	h.HandleRaw([]byte(`{"type":"error","event_id":"ev_1","message":"session expired","code":"session_expired"}`))

	evt, found := log.last(EventError)
	require.True(t, found)
	payload := evt.Payload.(ErrorPayload)
	assert.Equal(t, shared.ErrorKindUnknown, payload.Kind)
	assert.Equal(t, "session_expired", payload.Code)
}

func TestSignalsWithoutLiveTurnAreNoOps(t *testing.T) {
	h, sync, log := newTestProtocol(t)

	h.HandleRaw([]byte(`{"type":"transcript.delta","event_id":"ev_1","response_id":"resp_1","delta":"orphan"}`))
	h.HandleRaw([]byte(`{"type":"transcript.done","event_id":"ev_2","response_id":"resp_1"}`))
	h.HandleRaw([]byte(`{"type":"response.completed","event_id":"ev_3","response_id":"resp_1"}`))

	assert.Nil(t, sync.Live())
	assert.Zero(t, log.count(EventAISpeechEnded))
	assert.Zero(t, log.count(EventAITranscriptComplete))
}
