package session

import (
	"strings"
	"sync"
	"time"

	"github.com/bt-bridge/tutor-session/shared"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// TurnDoneReason records which rule ended a turn.
type TurnDoneReason string

const (
	// TurnDoneCompleted: the endpoint sent response.completed.
	TurnDoneCompleted TurnDoneReason = "response_completed"
	// TurnDoneNatural: audio sending and transcript both finished and the
	// natural-completion delay elapsed with no response.completed.
	TurnDoneNatural TurnDoneReason = "natural"
	// TurnDoneForced: the ceiling timeout elapsed since speech_started.
	TurnDoneForced TurnDoneReason = "ceiling_forced"
)

// Synchronizer reconciles audio-send-complete, transcript-complete and
// playback-complete signals into a single end-of-turn decision. At most one
// turn is live at a time; onDone fires exactly once per responseId.
type Synchronizer struct {
	logger       shared.LoggerAdapter
	clock        Clock
	naturalDelay time.Duration
	ceiling      time.Duration

	onChange func(turn *TurnState)
	onDone   func(turn TurnState, reason TurnDoneReason)

	mu   sync.Mutex
	live *liveTurn
}

type liveTurn struct {
	TurnState
	naturalTimer Timer
	ceilingTimer Timer
}

func NewSynchronizer(
	logger shared.LoggerAdapter,
	clock Clock,
	timing TimingConfig,
	onChange func(turn *TurnState),
	onDone func(turn TurnState, reason TurnDoneReason),
) *Synchronizer {
	return &Synchronizer{
		logger:       logger,
		clock:        clock,
		naturalDelay: timing.NaturalCompletionDelay,
		ceiling:      timing.TurnCeiling,
		onChange:     onChange,
		onDone:       onDone,
	}
}

// SpeechStarted allocates the turn state for a new AI turn. A missing
// responseId is replaced with a generated one. If a previous turn is still
// live it is force-finalized first; the endpoint starting a new turn means
// no further signals for the old one will arrive.
func (y *Synchronizer) SpeechStarted(responseID string) string {
	if responseID == "" {
		responseID = uuid.NewString()
	}
	y.mu.Lock()
	if y.live != nil {
		y.logger.Warn(
			"speech started while a turn is still live, forcing previous turn closed",
			zap.String("prev_response_id", y.live.ResponseID),
			zap.String("response_id", responseID),
		)
		prev := y.finalizeLocked()
		y.allocateLocked(responseID)
		turn := y.live.TurnState
		y.mu.Unlock()
		y.onDone(prev, TurnDoneForced)
		y.emitChange(&turn)
		return responseID
	}
	y.allocateLocked(responseID)
	turn := y.live.TurnState
	y.mu.Unlock()
	y.emitChange(&turn)
	return responseID
}

func (y *Synchronizer) allocateLocked(responseID string) {
	lt := &liveTurn{
		TurnState: TurnState{
			ResponseID: responseID,
			CreatedAt:  y.clock.Now(),
		},
	}
	lt.ceilingTimer = y.clock.AfterFunc(y.ceiling, func() {
		y.timerFired(responseID, TurnDoneForced)
	})
	y.live = lt
}

// AudioStopped marks the endpoint's audio sending as complete. Not an
// end-of-turn signal on its own.
func (y *Synchronizer) AudioStopped() {
	y.update(func(lt *liveTurn) {
		lt.AudioSendingComplete = true
	})
}

// TranscriptDelta appends to the accumulated turn transcript.
func (y *Synchronizer) TranscriptDelta(delta string) {
	y.update(func(lt *liveTurn) {
		lt.Transcript += delta
	})
}

// TranscriptDone marks the transcript complete, replacing the accumulated
// text when the endpoint supplies the full transcript.
func (y *Synchronizer) TranscriptDone(full string) {
	y.update(func(lt *liveTurn) {
		lt.TranscriptComplete = true
		if full != "" {
			lt.Transcript = full
		}
	})
}

// PlaybackComplete marks local playback of the turn's audio as finished.
// Recorded for diagnostics and snapshots; it does not gate end-of-turn.
func (y *Synchronizer) PlaybackComplete() {
	y.update(func(lt *liveTurn) {
		lt.PlaybackComplete = true
	})
}

// ResponseCompleted is the canonical end-of-turn signal; it finalizes the
// live turn regardless of the audio and transcript flags.
func (y *Synchronizer) ResponseCompleted() {
	y.mu.Lock()
	if y.live == nil {
		y.mu.Unlock()
		y.logger.Debug("response completed with no live turn")
		return
	}
	turn := y.finalizeLocked()
	y.mu.Unlock()
	y.onDone(turn, TurnDoneCompleted)
	y.emitChange(nil)
}

// Discard drops the live turn without emitting end-of-turn. Used on session
// stop.
func (y *Synchronizer) Discard() {
	y.mu.Lock()
	if y.live == nil {
		y.mu.Unlock()
		return
	}
	y.stopTimersLocked()
	y.live = nil
	y.mu.Unlock()
	y.emitChange(nil)
}

// Live returns a copy of the live turn state, or nil.
func (y *Synchronizer) Live() *TurnState {
	y.mu.Lock()
	defer y.mu.Unlock()
	if y.live == nil {
		return nil
	}
	turn := y.live.TurnState
	return &turn
}

func (y *Synchronizer) update(fn func(lt *liveTurn)) {
	y.mu.Lock()
	if y.live == nil {
		y.mu.Unlock()
		return
	}
	fn(y.live)
	y.armNaturalLocked()
	turn := y.live.TurnState
	y.mu.Unlock()
	y.emitChange(&turn)
}

// armNaturalLocked starts the natural-completion timer once both flags are
// set. The timer is armed on the later of the two signals.
func (y *Synchronizer) armNaturalLocked() {
	lt := y.live
	if lt.naturalTimer != nil || !lt.AudioSendingComplete || !lt.TranscriptComplete {
		return
	}
	responseID := lt.ResponseID
	lt.naturalTimer = y.clock.AfterFunc(y.naturalDelay, func() {
		y.timerFired(responseID, TurnDoneNatural)
	})
}

func (y *Synchronizer) timerFired(responseID string, reason TurnDoneReason) {
	y.mu.Lock()
	if y.live == nil || y.live.ResponseID != responseID {
		y.mu.Unlock()
		return
	}
	if reason == TurnDoneForced {
		y.logger.Warn(
			"turn ceiling reached, forcing completion",
			zap.String("response_id", responseID),
			zap.Duration("ceiling", y.ceiling),
		)
	}
	turn := y.finalizeLocked()
	y.mu.Unlock()
	y.onDone(turn, reason)
	y.emitChange(nil)
}

func (y *Synchronizer) finalizeLocked() TurnState {
	y.stopTimersLocked()
	turn := y.live.TurnState
	turn.Transcript = strings.TrimSpace(turn.Transcript)
	y.live = nil
	if turn.Transcript != "" && !strings.ContainsAny(turn.Transcript[len(turn.Transcript)-1:], ".!?…") {
		// Diagnostic only: never gates the end-of-turn decision.
		y.logger.Debug(
			"turn transcript lacks terminal punctuation",
			zap.String("response_id", turn.ResponseID),
		)
	}
	return turn
}

func (y *Synchronizer) stopTimersLocked() {
	if y.live.naturalTimer != nil {
		y.live.naturalTimer.Stop()
		y.live.naturalTimer = nil
	}
	if y.live.ceilingTimer != nil {
		y.live.ceilingTimer.Stop()
		y.live.ceilingTimer = nil
	}
}

func (y *Synchronizer) emitChange(turn *TurnState) {
	if y.onChange != nil {
		y.onChange(turn)
	}
}
