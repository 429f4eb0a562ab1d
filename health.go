package session

import "time"

// ChannelTransition is one recorded data-channel state change.
type ChannelTransition struct {
	From DataChannelState
	To   DataChannelState
	At   time.Time
}

// HealthReport is the point-in-time diagnostic view of the session core.
// Derived on demand, never part of the authoritative session state.
type HealthReport struct {
	PeerConnection     PeerConnectionState
	DataChannel        DataChannelState
	LocalMediaActive   bool
	CooldownRemaining  time.Duration
	ChannelTransitions []ChannelTransition
}

// maxChannelTransitions bounds the transition history kept for diagnostics.
const maxChannelTransitions = 16

// transitionLog is a bounded append-only record of data-channel state
// changes, oldest dropped first.
type transitionLog struct {
	entries []ChannelTransition
}

func (l *transitionLog) record(from, to DataChannelState, at time.Time) {
	if len(l.entries) == maxChannelTransitions {
		copy(l.entries, l.entries[1:])
		l.entries = l.entries[:maxChannelTransitions-1]
	}
	l.entries = append(l.entries, ChannelTransition{From: from, To: to, At: at})
}

func (l *transitionLog) snapshot() []ChannelTransition {
	return append([]ChannelTransition(nil), l.entries...)
}
