package stream

import "sync"

// State is the lifecycle of a stream session.
//
// Idle -> Connecting -> Open -> Listening -> Closing -> Closed
// Any state -> Failed on transport error.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateListening
	StateClosing
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateListening:
		return "listening"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool { return s == StateClosed || s == StateFailed }

// StateMachine guards a session state. OnChange observes every transition.
type StateMachine struct {
	mu       sync.Mutex
	state    State
	OnChange func(from, to State)
}

// Get returns the current state.
func (m *StateMachine) Get() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Set moves to the given state unless the current state is terminal.
// It reports whether the transition happened.
func (m *StateMachine) Set(to State) bool {
	m.mu.Lock()
	from := m.state
	if from.Terminal() || from == to {
		m.mu.Unlock()
		return false
	}
	m.state = to
	m.mu.Unlock()
	if m.OnChange != nil {
		m.OnChange(from, to)
	}
	return true
}

// SetIf moves to the given state only from one of the listed states.
func (m *StateMachine) SetIf(to State, from ...State) bool {
	m.mu.Lock()
	cur := m.state
	ok := false
	for _, f := range from {
		if cur == f {
			ok = true
			break
		}
	}
	if !ok {
		m.mu.Unlock()
		return false
	}
	m.state = to
	m.mu.Unlock()
	if m.OnChange != nil {
		m.OnChange(cur, to)
	}
	return true
}
