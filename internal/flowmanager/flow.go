// Package flowmanager tracks per-flow admission, outbound binding, and
// close state, generalizing the map+mutex+last-activity shape the teacher
// uses for its UDP session table to spec.md's full flow state machine.
package flowmanager

import (
	"sync"
	"time"

	"tunnelengine/internal/bufpool"
	"tunnelengine/internal/dialer"
)

// State is a flow's admission state.
type State int

const (
	StatePending State = iota
	StateAdmitted
	StateBlocked
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateAdmitted:
		return "admitted"
	case StateBlocked:
		return "blocked"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Flow holds all per-flow state the manager and stack share.
type Flow struct {
	Key bufpool.FlowKey

	mu           sync.Mutex
	state        State
	handle       dialer.Handle
	hasHandle    bool
	sendPaused   bool
	lastActivity time.Time
	generation   uint64
	closeReason  string
	closeOnce    sync.Once

	// pending buffers outbound payload written before the dial completes,
	// capped at one MTU per spec.md §4.4.
	pending []byte
}

func newFlow(key bufpool.FlowKey, generation uint64) *Flow {
	return &Flow{
		Key:          key,
		state:        StatePending,
		lastActivity: time.Now(),
		generation:   generation,
	}
}

// State returns the flow's current admission state.
func (f *Flow) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Generation returns the counter stamped at admission time, which changes
// on every re-admission of the same FlowKey after eviction.
func (f *Flow) Generation() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.generation
}

// SendPaused reports whether backpressure has paused ACK generation for
// this flow.
func (f *Flow) SendPaused() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sendPaused
}

func (f *Flow) touch() {
	f.mu.Lock()
	f.lastActivity = time.Now()
	f.mu.Unlock()
}

func (f *Flow) lastActivityTime() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastActivity
}
