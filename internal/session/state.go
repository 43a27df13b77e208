package session

// State of a session. Transitions only move forward:
//
//	starting -> active    first output event
//	starting -> stopping  claim before any output
//	active   -> stopping  claim
//	stopping -> stopped   teardown finished
type State int32

const (
	StateStarting State = iota
	StateActive
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateActive:
		return "active"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to State) bool {
	switch from {
	case StateStarting:
		return to == StateActive || to == StateStopping
	case StateActive:
		return to == StateStopping
	case StateStopping:
		return to == StateStopped
	default:
		return false
	}
}

func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) transition(from, to State) bool {
	if !CanTransition(from, to) {
		return false
	}
	return s.state.CompareAndSwap(int32(from), int32(to))
}

// activate moves starting -> active. It reports whether this call did it.
func (s *Session) activate() bool {
	return s.transition(StateStarting, StateActive)
}

// claim is the cleanup guard: exactly one caller moves the session into
// stopping. Everyone else learns why they lost.
func (s *Session) claim() error {
	for {
		cur := s.State()
		switch cur {
		case StateStarting, StateActive:
			if s.transition(cur, StateStopping) {
				return nil
			}
		case StateStopping:
			return ErrAlreadyStopping
		default:
			return ErrAlreadyStopped
		}
	}
}

// finish moves stopping -> stopped.
func (s *Session) finish() bool {
	return s.transition(StateStopping, StateStopped)
}

// accepting reports whether the session can still take input.
func (s *Session) accepting() error {
	switch s.State() {
	case StateStopping:
		return ErrAlreadyStopping
	case StateStopped:
		return ErrAlreadyStopped
	default:
		return nil
	}
}
