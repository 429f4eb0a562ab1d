package session

import (
	"errors"
	"testing"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnmarshalUnknownTypeIsSentinel(t *testing.T) {
	frame := new(Frame)
	err := frame.UnmarshalJSON([]byte(`{"type":"conversation.item.created","event_id":"ev_1"}`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownFrameType))
}

func TestUnmarshalKeepsEventID(t *testing.T) {
	frame := new(Frame)
	err := frame.UnmarshalJSON([]byte(`{"type":"speech_started","event_id":"ev_42","response_id":"resp_1"}`))
	require.NoError(t, err)
	assert.Equal(t, "ev_42", frame.EventID)
	assert.Equal(t, FrameTypeSpeechStarted, frame.Type)
	assert.Equal(t, "resp_1", frame.Payload.(*PayloadSpeechStarted).ResponseID)
}

func TestGreetingFrame(t *testing.T) {
	data, err := GreetingFrame("Greet the learner in French.", 200)
	require.NoError(t, err)

	var msg map[string]any
	require.NoError(t, sonic.Unmarshal(data, &msg))
	assert.Equal(t, string(FrameTypeResponseCreate), msg["type"])

	resp, ok := msg["response"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "Greet the learner in French.", resp["instructions"])
	assert.EqualValues(t, 200, resp["max_output_tokens"])
}

func TestSessionUpdateFrame(t *testing.T) {
	data, err := SessionUpdateFrame(map[string]any{"voice": "marin"})
	require.NoError(t, err)

	var msg map[string]any
	require.NoError(t, sonic.Unmarshal(data, &msg))
	assert.Equal(t, string(FrameTypeSessionUpdate), msg["type"])
	session, ok := msg["session"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "marin", session["voice"])
}

func TestClearOutputAudioFrame(t *testing.T) {
	data, err := ClearOutputAudioFrame()
	require.NoError(t, err)

	var msg map[string]any
	require.NoError(t, sonic.Unmarshal(data, &msg))
	assert.Equal(t, string(FrameTypeOutputAudioBufferClear), msg["type"])
	assert.Len(t, msg, 1)
}
