package session

import (
	"context"
	"sync"
	"time"

	"github.com/bt-bridge/tutor-session/shared"
)

// fakeTransport stands in for a ConnectionManager in controller tests.
type fakeTransport struct {
	cb TransportCallbacks

	mu          sync.Mutex
	pcState     PeerConnectionState
	dcState     DataChannelState
	media       bool
	sent        [][]byte
	transitions transitionLog
	closed      bool

	openErr    error
	blockOpen  chan struct{} // when non-nil, Open blocks until closed or ctx done
	closeBlock chan struct{} // when non-nil, Close blocks until closed or ctx done
	closeHang  time.Duration // simulated stall in Close
}

var _ Transport = (*fakeTransport)(nil)

func (f *fakeTransport) Open(ctx context.Context) error {
	if f.blockOpen != nil {
		select {
		case <-f.blockOpen:
		case <-ctx.Done():
			return &shared.ConnectionError{Op: "waiting for data channel", Err: ctx.Err()}
		}
	}
	if f.openErr != nil {
		f.setStates(PeerConnectionFailed, DataChannelNone)
		return f.openErr
	}
	f.mu.Lock()
	f.media = true
	f.mu.Unlock()
	f.setStates(PeerConnectionConnected, DataChannelOpen)
	return nil
}

func (f *fakeTransport) Close(ctx context.Context) error {
	if f.closeBlock != nil {
		select {
		case <-f.closeBlock:
		case <-ctx.Done():
			f.forceRelease()
			return &shared.CleanupError{Stage: "peer connection close", Err: ctx.Err()}
		}
	}
	if f.closeHang > 0 {
		select {
		case <-time.After(f.closeHang):
		case <-ctx.Done():
			f.forceRelease()
			return &shared.CleanupError{Stage: "peer connection close", Err: ctx.Err()}
		}
	}
	f.forceRelease()
	return nil
}

func (f *fakeTransport) forceRelease() {
	f.mu.Lock()
	f.closed = true
	f.media = false
	f.mu.Unlock()
	f.setStates(PeerConnectionClosed, DataChannelClosed)
}

func (f *fakeTransport) setStates(pc PeerConnectionState, dc DataChannelState) {
	f.mu.Lock()
	prevDC := f.dcState
	f.pcState = pc
	f.dcState = dc
	if prevDC != dc {
		f.transitions.record(prevDC, dc, time.Now())
	}
	f.mu.Unlock()
	if f.cb.OnConnectionState != nil {
		f.cb.OnConnectionState(pc)
	}
	if f.cb.OnChannelState != nil && prevDC != dc {
		f.cb.OnChannelState(dc)
	}
}

func (f *fakeTransport) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dcState != DataChannelOpen {
		return shared.ErrChannelNotOpen
	}
	f.sent = append(f.sent, data)
	return nil
}

func (f *fakeTransport) ConnectionState() PeerConnectionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pcState
}

func (f *fakeTransport) ChannelState() DataChannelState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dcState
}

func (f *fakeTransport) LocalMediaActive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.media
}

func (f *fakeTransport) ChannelTransitions() []ChannelTransition {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.transitions.snapshot()
}

// fakeFactory builds fakeTransports and records every call.
type fakeFactory struct {
	mu         sync.Mutex
	next       *fakeTransport
	built      []*fakeTransport
	err        error
	lastCB     TransportCallbacks
	lastProf   SessionProfile
	buildCount int
}

func (ff *fakeFactory) factory() TransportFactory {
	return func(logger shared.LoggerAdapter, profile SessionProfile, cb TransportCallbacks) (Transport, error) {
		ff.mu.Lock()
		defer ff.mu.Unlock()
		ff.buildCount++
		ff.lastCB = cb
		ff.lastProf = profile
		if ff.err != nil {
			return nil, ff.err
		}
		t := ff.next
		if t == nil {
			t = &fakeTransport{pcState: PeerConnectionNone, dcState: DataChannelNone}
		}
		ff.next = nil
		t.cb = cb
		ff.built = append(ff.built, t)
		return t, nil
	}
}

func (ff *fakeFactory) last() *fakeTransport {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	if len(ff.built) == 0 {
		return nil
	}
	return ff.built[len(ff.built)-1]
}
