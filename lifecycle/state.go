package lifecycle

import "sync/atomic"

// State is the daemon lifecycle position. States only ever move forward.
type State int32

const (
	Uninitialized State = iota
	Starting
	WarmingUp
	Ready
	ShuttingDown
	Stopped
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Starting:
		return "starting"
	case WarmingUp:
		return "warming_up"
	case Ready:
		return "ready"
	case ShuttingDown:
		return "shutting_down"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

type stateMachine struct {
	v atomic.Int32
}

func (m *stateMachine) load() State {
	return State(m.v.Load())
}

// advance moves to next if that is a forward step and reports the previous
// state when it did.
func (m *stateMachine) advance(next State) (State, bool) {
	for {
		cur := State(m.v.Load())
		if cur >= next {
			return cur, false
		}
		if m.v.CompareAndSwap(int32(cur), int32(next)) {
			return cur, true
		}
	}
}

// transition moves from exactly from to next.
func (m *stateMachine) transition(from, next State) bool {
	return m.v.CompareAndSwap(int32(from), int32(next))
}
