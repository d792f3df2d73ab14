package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	// Session command reasons.
	ReasonInvalidInput      ReasonCode = "invalid_input"
	ReasonInvalidTransition ReasonCode = "invalid_transition"

	// Transport adapter reasons.
	ReasonRegistration              ReasonCode = "registration"
	ReasonTransport                 ReasonCode = "transport"
	ReasonTransportSend             ReasonCode = "transport_send"
	ReasonTransportInvalidSignature ReasonCode = "webhook_invalid_signature"

	// Engine reasons.
	ReasonConfig   ReasonCode = "config"
	ReasonInternal ReasonCode = "internal"
)
