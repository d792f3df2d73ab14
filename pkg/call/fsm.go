package call

import "time"

type State int

const (
	StateIdle State = iota
	StateRegistering
	StateReady
	StateDialing
	StateRingingInbound
	StateConnecting
	StateActive
	StateEnded
	StateError
)

// String returns the string representation of a State
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateRegistering:
		return "REGISTERING"
	case StateReady:
		return "READY"
	case StateDialing:
		return "DIALING"
	case StateRingingInbound:
		return "RINGING_INBOUND"
	case StateConnecting:
		return "CONNECTING"
	case StateActive:
		return "ACTIVE"
	case StateEnded:
		return "ENDED"
	case StateError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// StateChange represents one accepted session transition. Snapshot is the
// session state immediately after the transition, for projections.
type StateChange struct {
	From      State
	To        State
	Timestamp time.Time
	Reason    string
	Snapshot  Snapshot
}

// StateListener observes session state changes.
type StateListener interface {
	OnStateChange(change StateChange)
}

// transitionValid checks if a state transition is allowed.
func transitionValid(from, to State) bool {
	validTransitions := map[State][]State{
		StateIdle:           {StateRegistering, StateError},
		StateRegistering:    {StateReady, StateError},
		StateReady:          {StateDialing, StateRingingInbound, StateRegistering, StateError},
		StateDialing:        {StateActive, StateEnded, StateError},
		StateRingingInbound: {StateConnecting, StateReady, StateError},
		StateConnecting:     {StateActive, StateEnded, StateError},
		StateActive:         {StateEnded, StateError},
		StateEnded:          {StateReady, StateRingingInbound},
		StateError:          {StateRegistering},
	}

	allowed, exists := validTransitions[from]
	if !exists {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// InvalidTransitionError reports a command declined because the session
// is not in a state where the command is valid.
type InvalidTransitionError struct {
	Command string
	State   State
}

func (e *InvalidTransitionError) Error() string {
	return "command " + e.Command + " not valid in state " + e.State.String()
}
