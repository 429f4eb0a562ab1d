package session

import (
	"sync"
	"time"

	"github.com/bt-bridge/tutor-session/shared"
)

type EventName string

// Domain events emitted by the session core.
const (
	EventSessionStarted           EventName = "session_started"
	EventSessionStopped           EventName = "session_stopped"
	EventConnected                EventName = "connected"
	EventDataChannelOpened        EventName = "data_channel_opened"
	EventAISpeechStarted          EventName = "ai_speech_started"
	EventAISpeechEnded            EventName = "ai_speech_ended"
	EventAITranscriptComplete     EventName = "ai_transcript_complete"
	EventOutputAudioBufferStopped EventName = "output_audio_buffer_stopped"
	EventResponseCompleted        EventName = "response_completed"
	EventStateChanged             EventName = "state_changed"
	EventError                    EventName = "error"
)

// SessionPayload accompanies session_started and session_stopped.
type SessionPayload struct {
	ScenarioID string
	Level      string
	At         time.Time
}

// TurnPayload accompanies ai_speech_started, ai_speech_ended,
// ai_transcript_complete and response_completed.
type TurnPayload struct {
	ResponseID string
	Transcript string
	Forced     bool
}

// ErrorPayload accompanies the error event.
type ErrorPayload struct {
	Kind    shared.ErrorKind
	Code    string
	Message string
}

// BusEvent pairs an event name with its typed payload. Payload is one of
// SessionPayload, TurnPayload, ErrorPayload or Snapshot, fixed per name.
type BusEvent struct {
	Name    EventName
	Payload any
}

type Handler func(evt BusEvent)

type Subscription struct {
	name EventName
	id   int
}

type subscriber struct {
	id int
	fn Handler
}

// Bus is the observer surface of the session core. Handlers run
// synchronously on the publishing goroutine; publishes are serialized so
// subscribers observe events in the order mutations were applied.
type Bus struct {
	logger shared.LoggerAdapter

	mu     sync.Mutex
	nextID int
	subs   map[EventName][]subscriber

	emitMu sync.Mutex
}

func NewBus(logger shared.LoggerAdapter) *Bus {
	return &Bus{
		logger: logger,
		subs:   make(map[EventName][]subscriber),
	}
}

func (b *Bus) On(name EventName, fn Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.subs[name] = append(b.subs[name], subscriber{id: b.nextID, fn: fn})
	return Subscription{name: name, id: b.nextID}
}

func (b *Bus) Off(sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.subs[sub.name]
	for i, s := range list {
		if s.id == sub.id {
			b.subs[sub.name] = append(list[:i:i], list[i+1:]...)
			return
		}
	}
}

func (b *Bus) publish(name EventName, payload any) {
	b.mu.Lock()
	list := make([]subscriber, len(b.subs[name]))
	copy(list, b.subs[name])
	b.mu.Unlock()

	b.emitMu.Lock()
	defer b.emitMu.Unlock()
	evt := BusEvent{Name: name, Payload: payload}
	for _, s := range list {
		s.fn(evt)
	}
}
