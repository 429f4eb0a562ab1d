package session

import (
	"sync"
	"time"
)

// Status is the session lifecycle state.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusConnecting Status = "connecting"
	StatusActive     Status = "active"
	StatusCleaningUp Status = "cleaning_up"
	StatusError      Status = "error"
)

// PeerConnectionState mirrors the transport's peer connection state.
type PeerConnectionState string

const (
	PeerConnectionNone         PeerConnectionState = "none"
	PeerConnectionConnecting   PeerConnectionState = "connecting"
	PeerConnectionConnected    PeerConnectionState = "connected"
	PeerConnectionDisconnected PeerConnectionState = "disconnected"
	PeerConnectionClosed       PeerConnectionState = "closed"
	PeerConnectionFailed       PeerConnectionState = "failed"
)

// DataChannelState mirrors the transport's data channel state.
type DataChannelState string

const (
	DataChannelNone       DataChannelState = "none"
	DataChannelConnecting DataChannelState = "connecting"
	DataChannelOpen       DataChannelState = "open"
	DataChannelClosing    DataChannelState = "closing"
	DataChannelClosed     DataChannelState = "closed"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Session identifies one tutoring conversation and its lifecycle.
type Session struct {
	ScenarioID  string
	Level       string
	UserContext map[string]string
	Status      Status
	StartedAt   time.Time
	StoppedAt   time.Time
}

// HistoryEntry is one line of the append-only conversation history.
type HistoryEntry struct {
	Role      Role
	Text      string
	Timestamp time.Time
}

// TurnState is the snapshot view of the in-flight AI turn.
type TurnState struct {
	ResponseID           string
	AudioSendingComplete bool
	TranscriptComplete   bool
	PlaybackComplete     bool
	CreatedAt            time.Time
	Transcript           string
}

// Snapshot is a read-only composite of the whole session state. Slices and
// maps are copies; callers can hold a Snapshot indefinitely.
type Snapshot struct {
	Session        Session
	PeerConnection PeerConnectionState
	DataChannel    DataChannelState
	Turn           *TurnState
	History        []HistoryEntry

	IsSessionActive    bool
	IsConnected        bool
	IsCleaningUp       bool
	CanStartNewSession bool
}

// StateStore is the single authoritative mutable session state. All
// mutations funnel through one serialized apply path; every applied mutation
// publishes a state_changed snapshot in apply order.
//
// Handlers subscribed on the bus must not call back into mutating store
// methods; reads are always safe.
type StateStore struct {
	bus    *Bus
	clock  Clock
	derive func(*Snapshot)

	applyMu sync.Mutex
	mu      sync.RWMutex
	session Session
	pcState PeerConnectionState
	dcState DataChannelState
	turn    *TurnState
	history []HistoryEntry
}

func NewStateStore(bus *Bus, clock Clock) *StateStore {
	return &StateStore{
		bus:     bus,
		clock:   clock,
		session: Session{Status: StatusIdle},
		pcState: PeerConnectionNone,
		dcState: DataChannelNone,
	}
}

// SetDeriveHook installs the hook that fills derived snapshot flags the
// store cannot compute alone (CanStartNewSession). Must be set before use.
func (s *StateStore) SetDeriveHook(fn func(*Snapshot)) {
	s.derive = fn
}

func (s *StateStore) mutate(fn func(s *StateStore)) Snapshot {
	s.applyMu.Lock()
	defer s.applyMu.Unlock()
	s.mu.Lock()
	fn(s)
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.bus.publish(EventStateChanged, snap)
	return snap
}

// Snapshot returns an immutable copy of the current state.
func (s *StateStore) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

func (s *StateStore) snapshotLocked() Snapshot {
	snap := Snapshot{
		Session:        s.session,
		PeerConnection: s.pcState,
		DataChannel:    s.dcState,
		History:        append([]HistoryEntry(nil), s.history...),

		IsSessionActive: s.session.Status == StatusActive || s.session.Status == StatusConnecting,
		IsConnected:     s.pcState == PeerConnectionConnected && s.dcState == DataChannelOpen,
		IsCleaningUp:    s.session.Status == StatusCleaningUp,
	}
	if s.session.UserContext != nil {
		snap.Session.UserContext = make(map[string]string, len(s.session.UserContext))
		for k, v := range s.session.UserContext {
			snap.Session.UserContext[k] = v
		}
	}
	if s.turn != nil {
		turn := *s.turn
		snap.Turn = &turn
	}
	if s.derive != nil {
		s.derive(&snap)
	}
	return snap
}

// BeginSession records a new session identity entering the connecting state.
func (s *StateStore) BeginSession(scenarioID, level string, userContext map[string]string) Snapshot {
	return s.mutate(func(s *StateStore) {
		s.session = Session{
			ScenarioID:  scenarioID,
			Level:       level,
			UserContext: userContext,
			Status:      StatusConnecting,
			StartedAt:   s.clock.Now(),
		}
		s.history = nil
	})
}

func (s *StateStore) SetStatus(status Status) Snapshot {
	return s.mutate(func(s *StateStore) {
		s.session.Status = status
		if status == StatusIdle {
			s.session.StoppedAt = s.clock.Now()
		}
	})
}

func (s *StateStore) SetPeerConnectionState(pc PeerConnectionState) Snapshot {
	return s.mutate(func(s *StateStore) {
		s.pcState = pc
	})
}

func (s *StateStore) SetDataChannelState(dc DataChannelState) Snapshot {
	return s.mutate(func(s *StateStore) {
		s.dcState = dc
	})
}

func (s *StateStore) SetTurn(turn *TurnState) Snapshot {
	return s.mutate(func(s *StateStore) {
		if turn == nil {
			s.turn = nil
			return
		}
		copied := *turn
		s.turn = &copied
	})
}

func (s *StateStore) AppendHistory(role Role, text string) Snapshot {
	return s.mutate(func(s *StateStore) {
		s.history = append(s.history, HistoryEntry{
			Role:      role,
			Text:      text,
			Timestamp: s.clock.Now(),
		})
	})
}

// Status returns the current lifecycle status without a full snapshot copy.
func (s *StateStore) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.session.Status
}
