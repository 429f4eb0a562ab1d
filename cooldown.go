package session

import (
	"sync"
	"time"
)

// CooldownPolicy enforces the minimum idle interval between one session
// stopping and the next starting.
type CooldownPolicy struct {
	clock  Clock
	window time.Duration

	mu       sync.Mutex
	lastStop time.Time
}

func NewCooldownPolicy(clock Clock, window time.Duration) *CooldownPolicy {
	return &CooldownPolicy{clock: clock, window: window}
}

// RecordStop marks the completion of a StopSession, starting the cooldown.
func (p *CooldownPolicy) RecordStop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastStop = p.clock.Now()
}

// Remaining reports how much of the cooldown window is left, zero when
// elapsed or no stop has been recorded.
func (p *CooldownPolicy) Remaining() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lastStop.IsZero() {
		return 0
	}
	remaining := p.window - p.clock.Now().Sub(p.lastStop)
	if remaining < 0 {
		return 0
	}
	return remaining
}
