package session

import (
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
)

type FrameType string

// Inbound frame types recognized by the protocol handler. Anything else on
// the channel is logged and ignored, never rejected.
const (
	FrameTypeSpeechStarted      FrameType = "speech_started"
	FrameTypeOutputAudioStopped FrameType = "output_audio_buffer.stopped"
	FrameTypeTranscriptDelta    FrameType = "transcript.delta"
	FrameTypeTranscriptDone     FrameType = "transcript.done"
	FrameTypeResponseCompleted  FrameType = "response.completed"
	FrameTypeError              FrameType = "error"
)

// Outbound frame types.
const (
	FrameTypeSessionUpdate          FrameType = "session.update"
	FrameTypeResponseCreate         FrameType = "response.create"
	FrameTypeOutputAudioBufferClear FrameType = "output_audio_buffer.clear"
)

// ErrUnknownFrameType marks a frame whose type is outside the inbound
// vocabulary. Callers drop these without failing the session.
var ErrUnknownFrameType = errors.New("unknown frame type")

// Frame is one inbound protocol message: a JSON object tagged by "type",
// with the remaining keys interpreted per type.
type Frame struct {
	EventID string
	Type    FrameType
	Payload FramePayload
}

type FramePayload interface {
	decode(raw map[string]any) error
	fields() map[string]any
}

func (f *Frame) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := sonic.Unmarshal(data, &raw); err != nil {
		return err
	}
	if v, ok := raw["event_id"].(string); ok {
		f.EventID = v
		delete(raw, "event_id")
	}
	v, ok := raw["type"].(string)
	if !ok {
		return errors.New("missing type")
	}
	f.Type = FrameType(v)
	delete(raw, "type")
	switch f.Type {
	case FrameTypeSpeechStarted:
		f.Payload = new(PayloadSpeechStarted)
	case FrameTypeOutputAudioStopped:
		f.Payload = new(PayloadOutputAudioStopped)
	case FrameTypeTranscriptDelta:
		f.Payload = new(PayloadTranscriptDelta)
	case FrameTypeTranscriptDone:
		f.Payload = new(PayloadTranscriptDone)
	case FrameTypeResponseCompleted:
		f.Payload = new(PayloadResponseCompleted)
	case FrameTypeError:
		f.Payload = new(PayloadError)
	default:
		return fmt.Errorf("%w: %s", ErrUnknownFrameType, f.Type)
	}
	return f.Payload.decode(raw)
}

func (f *Frame) MarshalJSON() ([]byte, error) {
	if f.Type == "" {
		return nil, errors.New("Type is empty")
	}
	if f.Payload == nil {
		return nil, errors.New("Payload is nil")
	}
	resp := map[string]any{}
	for k, v := range f.Payload.fields() {
		resp[k] = v
	}
	if f.EventID != "" {
		resp["event_id"] = f.EventID
	}
	resp["type"] = f.Type
	return sonic.Marshal(resp)
}

// speech_started
type PayloadSpeechStarted struct {
	ResponseID string
}

func (p *PayloadSpeechStarted) decode(raw map[string]any) error {
	p.ResponseID, _ = raw["response_id"].(string)
	return nil
}

func (p *PayloadSpeechStarted) fields() map[string]any {
	return map[string]any{"response_id": p.ResponseID}
}

// output_audio_buffer.stopped
type PayloadOutputAudioStopped struct {
	ResponseID string
}

func (p *PayloadOutputAudioStopped) decode(raw map[string]any) error {
	p.ResponseID, _ = raw["response_id"].(string)
	return nil
}

func (p *PayloadOutputAudioStopped) fields() map[string]any {
	return map[string]any{"response_id": p.ResponseID}
}

// transcript.delta
type PayloadTranscriptDelta struct {
	ResponseID string
	Delta      string
}

func (p *PayloadTranscriptDelta) decode(raw map[string]any) error {
	p.ResponseID, _ = raw["response_id"].(string)
	v, ok := raw["delta"].(string)
	if !ok {
		return errors.New("missing delta")
	}
	p.Delta = v
	return nil
}

func (p *PayloadTranscriptDelta) fields() map[string]any {
	return map[string]any{"response_id": p.ResponseID, "delta": p.Delta}
}

// transcript.done
type PayloadTranscriptDone struct {
	ResponseID string
	Transcript string
}

func (p *PayloadTranscriptDone) decode(raw map[string]any) error {
	p.ResponseID, _ = raw["response_id"].(string)
	p.Transcript, _ = raw["transcript"].(string)
	return nil
}

func (p *PayloadTranscriptDone) fields() map[string]any {
	return map[string]any{"response_id": p.ResponseID, "transcript": p.Transcript}
}

// response.completed
type PayloadResponseCompleted struct {
	ResponseID string
	Response   map[string]any
}

func (p *PayloadResponseCompleted) decode(raw map[string]any) error {
	p.ResponseID, _ = raw["response_id"].(string)
	if resp, ok := raw["response"].(map[string]any); ok {
		p.Response = resp
		if p.ResponseID == "" {
			p.ResponseID, _ = resp["id"].(string)
		}
	}
	return nil
}

func (p *PayloadResponseCompleted) fields() map[string]any {
	return map[string]any{"response_id": p.ResponseID, "response": p.Response}
}

// error
type PayloadError struct {
	ErrType string
	Code    string
	Message string
	Param   any
}

func (p *PayloadError) decode(raw map[string]any) error {
	if errObj, ok := raw["error"].(map[string]any); ok {
		raw = errObj
	}
	if v, ok := raw["type"].(string); ok {
		p.ErrType = v
	}
	v, ok := raw["message"].(string)
	if !ok {
		return errors.New("missing message")
	}
	p.Message = v
	p.Code, _ = raw["code"].(string)
	p.Param = raw["param"]
	return nil
}

func (p *PayloadError) fields() map[string]any {
	return map[string]any{
		"error": map[string]any{
			"type":    p.ErrType,
			"code":    p.Code,
			"message": p.Message,
			"param":   p.Param,
		},
	}
}

// marshalClientFrame builds an outbound frame for the data channel.
func marshalClientFrame(t FrameType, body map[string]any) ([]byte, error) {
	msg := map[string]any{"type": t}
	for k, v := range body {
		msg[k] = v
	}
	return sonic.Marshal(msg)
}

// GreetingFrame is the response.create sent once the data channel opens,
// prompting the tutor to open the conversation.
func GreetingFrame(instructions string, maxOutputTokens int) ([]byte, error) {
	return marshalClientFrame(FrameTypeResponseCreate, map[string]any{
		"response": map[string]any{
			"instructions":      instructions,
			"max_output_tokens": maxOutputTokens,
		},
	})
}

// SessionUpdateFrame carries a mid-session configuration change.
func SessionUpdateFrame(patch map[string]any) ([]byte, error) {
	return marshalClientFrame(FrameTypeSessionUpdate, map[string]any{
		"session": patch,
	})
}

// ClearOutputAudioFrame asks the endpoint to drop any buffered output audio.
func ClearOutputAudioFrame() ([]byte, error) {
	return marshalClientFrame(FrameTypeOutputAudioBufferClear, nil)
}
