package call

import "time"

// Snapshot is an immutable copy of the session state, sufficient to
// recompute any presentation projection without touching the session.
type Snapshot struct {
	State       State
	Call        *Call // the in-flight call, nil when absent
	HeldOffer   *Call // inbound offer held during a live call, nil when absent
	Duration    int   // elapsed seconds; frozen after call end until the next call
	LastFailure string
	At          time.Time
}

// Snapshot returns the current session snapshot.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Snapshot {
	return Snapshot{
		State:       s.state,
		Call:        s.call.clone(),
		HeldOffer:   s.held.clone(),
		Duration:    s.duration,
		LastFailure: s.lastFailure,
		At:          time.Now(),
	}
}
