package events

import (
	"time"

	"github.com/google/uuid"
)

type Kind string

const (
	KindRegistered         Kind = "registered"
	KindRegistrationFailed Kind = "registration_failed"
	KindIncomingOffer      Kind = "incoming_offer"
	KindRemoteAnswered     Kind = "remote_answered"
	KindRemoteDisconnected Kind = "remote_disconnected"
	KindTransportError     Kind = "transport_error"
)

// Meta keys adapters attach to events.
const (
	MetaCallRef   = "call_ref"
	MetaTransport = "transport"
	MetaSIPStatus = "sip_status"
	MetaCallSID   = "call_sid"
)

// Event is one asynchronous notification from a transport adapter.
// CallRef is the adapter's reference for the affected call leg and is
// empty for session-level events such as registration outcomes.
type Event interface {
	ID() string
	Kind() Kind
	CallRef() string
	Timestamp() time.Time
	Meta() map[string]string
}

type RegisteredEvent struct {
	id   string
	at   time.Time
	meta map[string]string
}

func NewRegistered(meta map[string]string) RegisteredEvent {
	return RegisteredEvent{id: uuid.NewString(), at: time.Now(), meta: mergeMeta("", meta)}
}

func (e RegisteredEvent) ID() string              { return e.id }
func (e RegisteredEvent) Kind() Kind              { return KindRegistered }
func (e RegisteredEvent) CallRef() string         { return "" }
func (e RegisteredEvent) Timestamp() time.Time    { return e.at }
func (e RegisteredEvent) Meta() map[string]string { return cloneMeta(e.meta) }

type RegistrationFailedEvent struct {
	id     string
	at     time.Time
	reason string
	meta   map[string]string
}

func NewRegistrationFailed(reason string, meta map[string]string) RegistrationFailedEvent {
	return RegistrationFailedEvent{
		id:     uuid.NewString(),
		at:     time.Now(),
		reason: reason,
		meta:   mergeMeta("", meta),
	}
}

func (e RegistrationFailedEvent) ID() string              { return e.id }
func (e RegistrationFailedEvent) Kind() Kind              { return KindRegistrationFailed }
func (e RegistrationFailedEvent) CallRef() string         { return "" }
func (e RegistrationFailedEvent) Timestamp() time.Time    { return e.at }
func (e RegistrationFailedEvent) Meta() map[string]string { return cloneMeta(e.meta) }
func (e RegistrationFailedEvent) Reason() string          { return e.reason }

type IncomingOfferEvent struct {
	id      string
	at      time.Time
	callRef string
	caller  string
	meta    map[string]string
}

func NewIncomingOffer(callRef, caller string, meta map[string]string) IncomingOfferEvent {
	return IncomingOfferEvent{
		id:      uuid.NewString(),
		at:      time.Now(),
		callRef: callRef,
		caller:  caller,
		meta:    mergeMeta(callRef, meta),
	}
}

func (e IncomingOfferEvent) ID() string              { return e.id }
func (e IncomingOfferEvent) Kind() Kind              { return KindIncomingOffer }
func (e IncomingOfferEvent) CallRef() string         { return e.callRef }
func (e IncomingOfferEvent) Timestamp() time.Time    { return e.at }
func (e IncomingOfferEvent) Meta() map[string]string { return cloneMeta(e.meta) }
func (e IncomingOfferEvent) Caller() string          { return e.caller }

type RemoteAnsweredEvent struct {
	id      string
	at      time.Time
	callRef string
	meta    map[string]string
}

func NewRemoteAnswered(callRef string, meta map[string]string) RemoteAnsweredEvent {
	return RemoteAnsweredEvent{
		id:      uuid.NewString(),
		at:      time.Now(),
		callRef: callRef,
		meta:    mergeMeta(callRef, meta),
	}
}

func (e RemoteAnsweredEvent) ID() string              { return e.id }
func (e RemoteAnsweredEvent) Kind() Kind              { return KindRemoteAnswered }
func (e RemoteAnsweredEvent) CallRef() string         { return e.callRef }
func (e RemoteAnsweredEvent) Timestamp() time.Time    { return e.at }
func (e RemoteAnsweredEvent) Meta() map[string]string { return cloneMeta(e.meta) }

type RemoteDisconnectedEvent struct {
	id      string
	at      time.Time
	callRef string
	reason  string
	meta    map[string]string
}

func NewRemoteDisconnected(callRef, reason string, meta map[string]string) RemoteDisconnectedEvent {
	return RemoteDisconnectedEvent{
		id:      uuid.NewString(),
		at:      time.Now(),
		callRef: callRef,
		reason:  reason,
		meta:    mergeMeta(callRef, meta),
	}
}

func (e RemoteDisconnectedEvent) ID() string              { return e.id }
func (e RemoteDisconnectedEvent) Kind() Kind              { return KindRemoteDisconnected }
func (e RemoteDisconnectedEvent) CallRef() string         { return e.callRef }
func (e RemoteDisconnectedEvent) Timestamp() time.Time    { return e.at }
func (e RemoteDisconnectedEvent) Meta() map[string]string { return cloneMeta(e.meta) }
func (e RemoteDisconnectedEvent) Reason() string          { return e.reason }

type TransportErrorEvent struct {
	id      string
	at      time.Time
	callRef string
	reason  string
	meta    map[string]string
}

func NewTransportError(callRef, reason string, meta map[string]string) TransportErrorEvent {
	return TransportErrorEvent{
		id:      uuid.NewString(),
		at:      time.Now(),
		callRef: callRef,
		reason:  reason,
		meta:    mergeMeta(callRef, meta),
	}
}

func (e TransportErrorEvent) ID() string              { return e.id }
func (e TransportErrorEvent) Kind() Kind              { return KindTransportError }
func (e TransportErrorEvent) CallRef() string         { return e.callRef }
func (e TransportErrorEvent) Timestamp() time.Time    { return e.at }
func (e TransportErrorEvent) Meta() map[string]string { return cloneMeta(e.meta) }
func (e TransportErrorEvent) Reason() string          { return e.reason }

func mergeMeta(callRef string, meta map[string]string) map[string]string {
	out := make(map[string]string, 1+len(meta))
	if callRef != "" {
		out[MetaCallRef] = callRef
	}
	for k, v := range meta {
		out[k] = v
	}
	return out
}

func cloneMeta(meta map[string]string) map[string]string {
	out := make(map[string]string, len(meta))
	for k, v := range meta {
		out[k] = v
	}
	return out
}
