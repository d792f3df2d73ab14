package transports

import (
	"context"

	"github.com/harunnryd/dialtone/pkg/events"
)

// Credentials authenticate the softphone against the telephony backend.
// Realm is backend-specific: SIP domain, Twilio account SID, and so on.
type Credentials struct {
	Username string
	Password string
	Realm    string
}

// Transport is the vendor-agnostic boundary to a real-time telephony
// backend. Commands are asynchronous at the session level: outcomes
// arrive as events on Events(), and a synchronous error return means the
// command never reached the backend at all. Implementations own their
// network lifecycle and must close Events() after Stop.
type Transport interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
	Events() <-chan events.Event

	// Register binds the client to the backend so it can place and
	// receive calls. Outcome arrives as registered/registration_failed.
	Register(ctx context.Context, creds Credentials) error

	// Connect places an outbound call and returns the transport's
	// reference for the new leg. Answer or failure arrives as an event.
	Connect(ctx context.Context, remote string) (callRef string, err error)

	AcceptIncoming(ctx context.Context) error
	RejectIncoming(ctx context.Context) error
	Disconnect(ctx context.Context) error

	// SendDigits transmits DTMF. Fire-and-forget: no event follows.
	SendDigits(ctx context.Context, digits string) error

	// SetMuted toggles the local audio contribution. Fire-and-forget.
	SetMuted(ctx context.Context, muted bool) error
}

// ReadyReporter allows transports to expose readiness metadata (e.g., webhook URLs).
// Implementations are optional and used for informational logging only.
type ReadyReporter interface {
	ReadyFields() map[string]any
}
