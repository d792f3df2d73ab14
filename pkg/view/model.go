package view

import "github.com/harunnryd/dialtone/pkg/call"

// Model is the render state the UI consumes. It is a pure projection of
// a session snapshot: no field here survives a recompute, so it can
// never drift from the session's canonical state.
type Model struct {
	Status        string    `json:"status"`
	StatusMessage string    `json:"status_message"`
	IsRegistered  bool      `json:"is_registered"`
	IsMuted       bool      `json:"is_muted"`
	CallDuration  int       `json:"call_duration"`
	ActiveCall    *CallInfo `json:"active_call,omitempty"`
	IncomingCall  *CallInfo `json:"incoming_call,omitempty"`
}

// CallInfo mirrors the fields of a call the UI displays.
type CallInfo struct {
	Direction     string `json:"direction"`
	RemoteAddress string `json:"remote_address"`
	Phase         string `json:"phase"`
	Muted         bool   `json:"muted"`
}

// Project recomputes the render model from a session snapshot. A ringing
// inbound offer surfaces as IncomingCall; once accepted it becomes the
// ActiveCall. An offer held behind a live call stays in IncomingCall
// without touching ActiveCall.
func Project(snap call.Snapshot) Model {
	m := Model{
		Status:        snap.State.String(),
		StatusMessage: statusMessage(snap),
		IsRegistered:  registered(snap.State),
		CallDuration:  snap.Duration,
	}
	if snap.State == call.StateRingingInbound {
		m.IncomingCall = callInfo(snap.Call)
		return m
	}
	m.ActiveCall = callInfo(snap.Call)
	m.IncomingCall = callInfo(snap.HeldOffer)
	if snap.Call != nil {
		m.IsMuted = snap.Call.Muted
	}
	return m
}

func registered(st call.State) bool {
	switch st {
	case call.StateIdle, call.StateRegistering, call.StateError:
		return false
	default:
		return true
	}
}

func statusMessage(snap call.Snapshot) string {
	switch snap.State {
	case call.StateIdle:
		return "Offline"
	case call.StateRegistering:
		return "Connecting to service..."
	case call.StateReady:
		return "Ready"
	case call.StateDialing:
		return "Calling..."
	case call.StateRingingInbound:
		return "Incoming call"
	case call.StateConnecting:
		return "Connecting..."
	case call.StateActive:
		return "On call"
	case call.StateEnded:
		return "Call ended"
	case call.StateError:
		if snap.LastFailure != "" {
			return "Error: " + snap.LastFailure
		}
		return "Service error"
	default:
		return "Unknown"
	}
}

func callInfo(c *call.Call) *CallInfo {
	if c == nil {
		return nil
	}
	return &CallInfo{
		Direction:     c.Direction.String(),
		RemoteAddress: c.RemoteAddress,
		Phase:         c.Phase.String(),
		Muted:         c.Muted,
	}
}
