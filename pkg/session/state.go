package session

import "github.com/TeoSlayer/hopwire/pkg/protocol"

// State is the primary session state. Recovery runs nested inside a state
// and only moves the session to RECOVERING while it is the initiator of an
// episode.
type State uint8

const (
	StateClosed State = iota
	StateConnecting
	StateListening
	StateEstablished
	StateClosing
	StateRecovering
	StateError
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateConnecting:
		return "CONNECTING"
	case StateListening:
		return "LISTENING"
	case StateEstablished:
		return "ESTABLISHED"
	case StateClosing:
		return "CLOSING"
	case StateRecovering:
		return "RECOVERING"
	case StateError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// transitions lists the legal moves out of each state.
var transitions = map[State][]State{
	StateClosed:      {StateConnecting, StateListening},
	StateConnecting:  {StateEstablished, StateRecovering, StateClosed},
	StateListening:   {StateEstablished, StateClosed},
	StateEstablished: {StateRecovering, StateClosing, StateClosed},
	StateRecovering:  {StateEstablished, StateClosing, StateError, StateClosed},
	StateClosing:     {StateClosed},
	StateError:       {StateClosed},
}

// CanTransition reports whether from -> to is legal.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

type stateSet uint8

func statesOf(ss ...State) stateSet {
	var set stateSet
	for _, s := range ss {
		set |= 1 << s
	}
	return set
}

func (set stateSet) has(s State) bool { return set&(1<<s) != 0 }

// transition moves the session to next. Callers hold s.mu.
func (s *Session) transition(next State) error {
	if s.state == next {
		return nil
	}
	if !CanTransition(s.state, next) {
		return protocol.Errorf(protocol.CodeInvalidState, "%s -> %s", s.state, next)
	}
	s.log.Debug("session state", "from", s.state, "to", next)
	s.state = next
	return nil
}

// Role is which side opened the session.
type Role uint8

const (
	RoleInitiator Role = iota
	RoleResponder
)

func (r Role) String() string {
	if r == RoleInitiator {
		return "initiator"
	}
	return "responder"
}
