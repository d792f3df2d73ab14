package call

import (
	"time"

	"github.com/google/uuid"
)

type Direction int

const (
	DirectionOutbound Direction = iota
	DirectionInbound
)

func (d Direction) String() string {
	switch d {
	case DirectionOutbound:
		return "outbound"
	case DirectionInbound:
		return "inbound"
	default:
		return "unknown"
	}
}

// Phase is the lifecycle stage of a single Call entity.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseDialing
	PhaseRinging
	PhaseConnecting
	PhaseActive
	PhaseEnded
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseDialing:
		return "dialing"
	case PhaseRinging:
		return "ringing"
	case PhaseConnecting:
		return "connecting"
	case PhaseActive:
		return "active"
	case PhaseEnded:
		return "ended"
	default:
		return "unknown"
	}
}

type EndReason int

const (
	EndReasonNone EndReason = iota
	EndReasonHangupLocal
	EndReasonHangupRemote
	EndReasonRejected
	EndReasonFailed
)

func (r EndReason) String() string {
	switch r {
	case EndReasonNone:
		return "none"
	case EndReasonHangupLocal:
		return "hangup_local"
	case EndReasonHangupRemote:
		return "hangup_remote"
	case EndReasonRejected:
		return "rejected"
	case EndReasonFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Call is the single in-flight call. At most one instance is alive at a
// time; when no call exists the session holds nil, never a placeholder.
type Call struct {
	ID            string
	Ref           string // transport's reference for this leg, may lag creation
	Direction     Direction
	RemoteAddress string
	Phase         Phase
	CreatedAt     time.Time
	StartedAt     time.Time // set on transition into active
	Muted         bool
	EndReason     EndReason
}

func newOutboundCall(remote string) *Call {
	return &Call{
		ID:            uuid.NewString(),
		Direction:     DirectionOutbound,
		RemoteAddress: remote,
		Phase:         PhaseDialing,
		CreatedAt:     time.Now(),
	}
}

func newInboundCall(ref, caller string) *Call {
	return &Call{
		ID:            uuid.NewString(),
		Ref:           ref,
		Direction:     DirectionInbound,
		RemoteAddress: caller,
		Phase:         PhaseRinging,
		CreatedAt:     time.Now(),
	}
}

func (c *Call) clone() *Call {
	if c == nil {
		return nil
	}
	out := *c
	return &out
}

// matchesRef reports whether a transport event carrying ref concerns this
// call. An empty ref matches: single-call adapters may omit references.
func (c *Call) matchesRef(ref string) bool {
	if c == nil {
		return false
	}
	if ref == "" || c.Ref == "" {
		return true
	}
	return c.Ref == ref
}
