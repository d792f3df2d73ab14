package call

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/dialtone/pkg/errorsx"
	"github.com/harunnryd/dialtone/pkg/events"
	"github.com/harunnryd/dialtone/pkg/metrics"
	"github.com/harunnryd/dialtone/pkg/redact"
	"github.com/harunnryd/dialtone/pkg/transports"
)

// metaCallID tags synthetic failure events with the session call they
// belong to, so a failure landing after the call is gone is discarded.
const metaCallID = "session_call_id"

// Commander is the command subset of the transport boundary the session
// issues against. transports.Transport satisfies it.
type Commander interface {
	Register(ctx context.Context, creds transports.Credentials) error
	Connect(ctx context.Context, remote string) (callRef string, err error)
	AcceptIncoming(ctx context.Context) error
	RejectIncoming(ctx context.Context) error
	Disconnect(ctx context.Context) error
	SendDigits(ctx context.Context, digits string) error
	SetMuted(ctx context.Context, muted bool) error
}

type Options struct {
	Commander   Commander
	Credentials transports.Credentials
	Logger      *slog.Logger
	Observer    metrics.Observer
	// TickInterval is the duration clock period, one second by default.
	TickInterval time.Duration
	// CommandTimeout bounds each asynchronous transport command.
	CommandTimeout time.Duration
}

// Session owns the single current call. Commands arrive from arbitrary
// goroutines and transport events from the engine's routing goroutine;
// one mutex makes every transition atomic, so no handler observes a
// half-applied change and no two transitions interleave. Commands that
// are not valid in the current state are declined as no-ops with an
// invalid_transition reason; stale events are discarded.
type Session struct {
	mu          sync.Mutex
	state       State
	call        *Call
	held        *Call
	duration    int
	lastFailure string
	dtmf        dtmfQueue
	clock       *durationClock
	listeners   []StateListener

	cmd        Commander
	creds      transports.Credentials
	logger     *slog.Logger
	observer   metrics.Observer
	cmdTimeout time.Duration
}

func NewSession(opts Options) *Session {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cmdTimeout := opts.CommandTimeout
	if cmdTimeout <= 0 {
		cmdTimeout = 15 * time.Second
	}
	observer := opts.Observer
	if observer == nil {
		observer = metrics.NoopObserver{}
	}
	return &Session{
		state:      StateIdle,
		clock:      newDurationClock(opts.TickInterval),
		cmd:        opts.Commander,
		creds:      opts.Credentials,
		logger:     logger,
		observer:   observer,
		cmdTimeout: cmdTimeout,
	}
}

// State returns the current session state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// AddListener registers a listener for session state changes.
func (s *Session) AddListener(listener StateListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, listener)
}

// Register re-enters the registration flow. Valid from idle, from error
// (manual retry), and from ready (re-registration). Declined while a
// call is in flight.
func (s *Session) Register(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateIdle, StateError, StateReady:
	default:
		st := s.state
		s.mu.Unlock()
		return declinedErr("register", st)
	}
	s.lastFailure = ""
	var pend []StateChange
	s.transitionLocked(StateRegistering, "register", &pend)
	s.mu.Unlock()
	s.notify(pend)
	s.logger.Info("registration_started")
	go s.issueRegister()
	return nil
}

// Dial places an outbound call. Valid only from ready; an empty number
// is rejected with invalid_input and no state change.
func (s *Session) Dial(ctx context.Context, number string) error {
	number = strings.TrimSpace(number)
	if number == "" {
		return errorsx.Errorf(errorsx.ReasonInvalidInput, "dial number must not be empty")
	}
	s.mu.Lock()
	if s.state != StateReady {
		st := s.state
		s.mu.Unlock()
		return declinedErr("dial", st)
	}
	s.call = newOutboundCall(number)
	callID := s.call.ID
	var pend []StateChange
	s.transitionLocked(StateDialing, "dial", &pend)
	s.mu.Unlock()
	s.notify(pend)
	s.logger.Info("dial_started", "remote", redact.Address(number))
	go s.issueConnect(callID, number)
	return nil
}

// Accept answers the ringing inbound call. Valid only from ringingInbound.
func (s *Session) Accept(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateRingingInbound {
		st := s.state
		s.mu.Unlock()
		return declinedErr("accept", st)
	}
	s.call.Phase = PhaseConnecting
	callID := s.call.ID
	var pend []StateChange
	s.transitionLocked(StateConnecting, "accept", &pend)
	s.mu.Unlock()
	s.notify(pend)
	s.logger.Info("call_accepted")
	go s.issueAccept(callID)
	return nil
}

// Reject declines the ringing inbound call and returns to ready. The
// duration clock is never started for a rejected call.
func (s *Session) Reject(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateRingingInbound {
		st := s.state
		s.mu.Unlock()
		return declinedErr("reject", st)
	}
	pend := s.dropRingingLocked(EndReasonRejected, "reject")
	s.mu.Unlock()
	s.notify(pend)
	s.logger.Info("call_rejected")
	go s.issueBestEffort("reject_incoming", func(ctx context.Context) error {
		return s.cmd.RejectIncoming(ctx)
	})
	return nil
}

// Hangup terminates the current call. Valid from dialing, connecting and
// active; while ringing inbound it behaves as Reject (one red button).
// The local transition to ready is authoritative: it does not wait for
// the transport, and late events for the destroyed call are discarded.
func (s *Session) Hangup(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateRingingInbound:
		pend := s.dropRingingLocked(EndReasonRejected, "reject")
		s.mu.Unlock()
		s.notify(pend)
		s.logger.Info("call_rejected")
		go s.issueBestEffort("reject_incoming", func(ctx context.Context) error {
			return s.cmd.RejectIncoming(ctx)
		})
		return nil
	case StateDialing, StateConnecting, StateActive:
	default:
		st := s.state
		s.mu.Unlock()
		return declinedErr("hangup", st)
	}
	pend := s.endCallLocked(EndReasonHangupLocal, "hangup")
	s.mu.Unlock()
	s.notify(pend)
	s.logger.Info("call_hangup")
	go s.issueBestEffort("disconnect", func(ctx context.Context) error {
		return s.cmd.Disconnect(ctx)
	})
	return nil
}

// ToggleMute flips the mute flag. Valid only while active. Returns the
// new muted value.
func (s *Session) ToggleMute(ctx context.Context) (bool, error) {
	s.mu.Lock()
	if s.state != StateActive {
		st := s.state
		s.mu.Unlock()
		return false, declinedErr("toggle_mute", st)
	}
	s.call.Muted = !s.call.Muted
	muted := s.call.Muted
	var pend []StateChange
	s.appendSameStateLocked("mute_toggled", &pend)
	s.mu.Unlock()
	s.notify(pend)
	go s.issueBestEffort("set_muted", func(ctx context.Context) error {
		return s.cmd.SetMuted(ctx, muted)
	})
	return muted, nil
}

// SendDigits transmits DTMF. While active the sequence goes to the
// transport synchronously in request order; while a call exists but is
// not yet active it is queued for the flush on answer; with no call at
// all the request is declined and nothing is buffered.
func (s *Session) SendDigits(ctx context.Context, digits string) error {
	digits = strings.TrimSpace(digits)
	if digits == "" {
		return errorsx.Errorf(errorsx.ReasonInvalidInput, "digit sequence must not be empty")
	}
	for _, r := range digits {
		if !validDigit(r) {
			return errorsx.Errorf(errorsx.ReasonInvalidInput, "invalid dtmf digit %q", r)
		}
	}
	s.mu.Lock()
	switch {
	case s.state == StateActive:
		err := s.cmd.SendDigits(ctx, digits)
		s.mu.Unlock()
		if err != nil {
			s.logger.Warn("dtmf_send_failed", "err", err)
			return errorsx.Wrap(err, errorsx.ReasonTransportSend)
		}
		return nil
	case s.call != nil:
		s.dtmf.enqueue(digits)
		queued := s.dtmf.len()
		s.mu.Unlock()
		s.logger.Debug("dtmf_enqueued", "queued", queued)
		return nil
	default:
		st := s.state
		s.mu.Unlock()
		return declinedErr("send_digits", st)
	}
}

// HandleEvent applies one transport event. The engine calls it from a
// single goroutine, preserving the adapter's delivery order.
func (s *Session) HandleEvent(ctx context.Context, ev events.Event) {
	if ev == nil {
		return
	}
	s.mu.Lock()
	var pend []StateChange
	switch e := ev.(type) {
	case events.RegisteredEvent:
		if s.state != StateRegistering {
			s.discardLocked(ev, "not_registering")
			break
		}
		s.transitionLocked(StateReady, "registered", &pend)
		s.observe(metrics.Event("registration_state", 1, map[string]string{"state": "registered"}))
	case events.RegistrationFailedEvent:
		if s.state != StateRegistering {
			s.discardLocked(ev, "not_registering")
			break
		}
		s.lastFailure = e.Reason()
		s.transitionLocked(StateError, "registration_failed", &pend)
		s.observe(metrics.Event("registration_state", 0, map[string]string{"state": "failed"}))
	case events.IncomingOfferEvent:
		s.handleIncomingOfferLocked(e, &pend)
	case events.RemoteAnsweredEvent:
		s.handleRemoteAnsweredLocked(e, &pend)
	case events.RemoteDisconnectedEvent:
		s.handleRemoteDisconnectedLocked(e, &pend)
	case events.TransportErrorEvent:
		s.handleTransportErrorLocked(e, &pend)
	default:
		s.discardLocked(ev, "unknown_kind")
	}
	s.mu.Unlock()
	s.notify(pend)
}

func (s *Session) handleIncomingOfferLocked(e events.IncomingOfferEvent, pend *[]StateChange) {
	switch s.state {
	case StateReady:
		s.call = newInboundCall(e.CallRef(), e.Caller())
		s.transitionLocked(StateRingingInbound, "incoming_offer", pend)
		s.logger.Info("incoming_call", "caller", redact.Address(e.Caller()))
	case StateDialing, StateConnecting, StateActive:
		// Call-waiting is exposed, not answered: the offer is held as
		// incomingCall and promoted to ringing once this call ends.
		if s.held != nil {
			s.discardLocked(e, "offer_already_held")
			return
		}
		s.held = newInboundCall(e.CallRef(), e.Caller())
		s.appendSameStateLocked("incoming_offer_held", pend)
		s.observe(metrics.Event("call_offer_held", 1, nil))
		s.logger.Info("incoming_call_held", "caller", redact.Address(e.Caller()))
	default:
		s.discardLocked(e, "not_ready")
	}
}

func (s *Session) handleRemoteAnsweredLocked(e events.RemoteAnsweredEvent, pend *[]StateChange) {
	if s.state != StateDialing && s.state != StateConnecting {
		s.discardLocked(e, "no_awaiting_call")
		return
	}
	if !s.call.matchesRef(e.CallRef()) {
		s.discardLocked(e, "stale_ref")
		return
	}
	s.call.Phase = PhaseActive
	s.call.StartedAt = time.Now()
	s.duration = 0
	s.clock.start(s.onTick)
	setup := time.Since(s.call.CreatedAt)
	s.transitionLocked(StateActive, "remote_answered", pend)
	ev := metrics.Event("call_started", 1, map[string]string{"direction": s.call.Direction.String()})
	ev.Fields = map[string]any{"setup_seconds": setup.Seconds()}
	s.observe(ev)
	s.flushDTMFLocked()
}

func (s *Session) handleRemoteDisconnectedLocked(e events.RemoteDisconnectedEvent, pend *[]StateChange) {
	if s.held != nil && e.CallRef() != "" && s.held.Ref == e.CallRef() &&
		(s.call == nil || s.call.Ref != e.CallRef()) {
		s.held = nil
		s.appendSameStateLocked("incoming_withdrawn", pend)
		s.logger.Info("held_offer_withdrawn")
		return
	}
	switch s.state {
	case StateRingingInbound:
		if !s.call.matchesRef(e.CallRef()) {
			s.discardLocked(e, "stale_ref")
			return
		}
		*pend = append(*pend, s.dropRingingLocked(EndReasonHangupRemote, "caller_canceled")...)
		s.logger.Info("caller_canceled")
	case StateDialing, StateConnecting, StateActive:
		if !s.call.matchesRef(e.CallRef()) {
			s.discardLocked(e, "stale_ref")
			return
		}
		*pend = append(*pend, s.endCallLocked(EndReasonHangupRemote, "remote_disconnected")...)
		s.logger.Info("remote_disconnected", "reason", e.Reason())
	default:
		s.discardLocked(e, "no_call")
	}
}

func (s *Session) handleTransportErrorLocked(e events.TransportErrorEvent, pend *[]StateChange) {
	if id := e.Meta()[metaCallID]; id != "" && (s.call == nil || s.call.ID != id) {
		s.discardLocked(e, "stale_call")
		return
	}
	if ref := e.CallRef(); ref != "" {
		if s.held != nil && s.held.Ref == ref && (s.call == nil || s.call.Ref != ref) {
			s.held = nil
			s.appendSameStateLocked("incoming_withdrawn", pend)
			return
		}
		if s.call == nil {
			s.discardLocked(e, "no_call")
			return
		}
		if s.call.Ref != "" && s.call.Ref != ref {
			s.discardLocked(e, "stale_ref")
			return
		}
	}
	if s.state == StateError {
		s.discardLocked(e, "already_error")
		return
	}
	s.lastFailure = e.Reason()
	if s.call != nil {
		s.clock.halt()
		s.dtmf.discard()
		s.call.Phase = PhaseEnded
		s.call.EndReason = EndReasonFailed
		s.observeCallEnded(s.call)
		s.call = nil
	}
	s.held = nil
	s.transitionLocked(StateError, "transport_error", pend)
	s.logger.Error("transport_error", "reason", e.Reason())
}

// onTick runs on the clock goroutine. The generation check under the
// session lock makes a tick that raced with the clock stop a no-op.
func (s *Session) onTick(gen uint64) {
	s.mu.Lock()
	if gen != s.clock.gen || s.state != StateActive {
		s.mu.Unlock()
		return
	}
	s.duration++
	var pend []StateChange
	s.appendSameStateLocked("duration_tick", &pend)
	s.mu.Unlock()
	s.notify(pend)
}

// endCallLocked terminates the in-flight call: clock stopped, queued
// DTMF discarded, transient ended state, then ready, or ringing again
// when an inbound offer was held during the call.
func (s *Session) endCallLocked(reason EndReason, cause string) []StateChange {
	s.clock.halt()
	if discarded := s.dtmf.discard(); discarded > 0 {
		s.observe(metrics.Event("dtmf_discarded", float64(discarded), nil))
	}
	s.call.Phase = PhaseEnded
	s.call.EndReason = reason
	var pend []StateChange
	s.transitionLocked(StateEnded, cause, &pend)
	s.observeCallEnded(s.call)
	s.call = nil
	to, why := StateReady, "cleanup_complete"
	if s.held != nil {
		s.call = s.held
		s.held = nil
		to, why = StateRingingInbound, "promote_held_offer"
	}
	s.transitionLocked(to, why, &pend)
	return pend
}

// dropRingingLocked destroys a never-answered inbound call and returns
// straight to ready. The duration clock was never started for it.
func (s *Session) dropRingingLocked(reason EndReason, cause string) []StateChange {
	s.dtmf.discard()
	s.call.Phase = PhaseEnded
	s.call.EndReason = reason
	s.observeCallEnded(s.call)
	s.call = nil
	var pend []StateChange
	s.transitionLocked(StateReady, cause, &pend)
	return pend
}

func (s *Session) flushDTMFLocked() {
	queued := s.dtmf.flush()
	if len(queued) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cmdTimeout)
	defer cancel()
	for _, digits := range queued {
		if err := s.cmd.SendDigits(ctx, digits); err != nil {
			s.logger.Warn("dtmf_flush_failed", "err", err)
		}
	}
	s.observe(metrics.Event("dtmf_flushed", float64(len(queued)), nil))
}

// transitionLocked moves the session to a new state and records the
// change for listener notification after the lock is released.
func (s *Session) transitionLocked(to State, reason string, pend *[]StateChange) {
	if !transitionValid(s.state, to) {
		s.logger.Error("illegal_transition", "from", s.state.String(), "to", to.String(), "reason", reason)
		return
	}
	from := s.state
	s.state = to
	*pend = append(*pend, StateChange{
		From:      from,
		To:        to,
		Timestamp: time.Now(),
		Reason:    reason,
		Snapshot:  s.snapshotLocked(),
	})
	s.observe(metrics.Event("session_transition", 1, map[string]string{
		"from":   from.String(),
		"to":     to.String(),
		"reason": reason,
	}))
}

// appendSameStateLocked records a change that alters session data
// without moving state (mute, duration ticks, held-offer updates), so
// projections recompute.
func (s *Session) appendSameStateLocked(reason string, pend *[]StateChange) {
	*pend = append(*pend, StateChange{
		From:      s.state,
		To:        s.state,
		Timestamp: time.Now(),
		Reason:    reason,
		Snapshot:  s.snapshotLocked(),
	})
}

func (s *Session) notify(changes []StateChange) {
	if len(changes) == 0 {
		return
	}
	s.mu.Lock()
	listeners := make([]StateListener, len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.Unlock()
	for _, change := range changes {
		for _, listener := range listeners {
			listener.OnStateChange(change)
		}
	}
}

func (s *Session) discardLocked(ev events.Event, why string) {
	s.logger.Debug("event_discarded",
		"kind", string(ev.Kind()),
		"why", why,
		"state", s.state.String(),
	)
	s.observe(metrics.Event("event_discarded", 1, map[string]string{
		"kind": string(ev.Kind()),
		"why":  why,
	}))
}

// observe records a metric, tagging it with the live call's ID so
// per-call sinks can group. Callers hold s.mu.
func (s *Session) observe(ev metrics.MetricsEvent) {
	if s.call != nil {
		if ev.Tags == nil {
			ev.Tags = map[string]string{"call_id": s.call.ID}
		} else if _, ok := ev.Tags["call_id"]; !ok {
			ev.Tags["call_id"] = s.call.ID
		}
	}
	s.observer.RecordEvent(ev)
}

func (s *Session) observeCallEnded(c *Call) {
	var answered float64
	if !c.StartedAt.IsZero() {
		answered = float64(s.duration)
	}
	s.observe(metrics.Event("call_ended", answered, map[string]string{
		"direction": c.Direction.String(),
		"reason":    c.EndReason.String(),
	}))
}

func (s *Session) issueRegister() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cmdTimeout)
	defer cancel()
	if err := s.cmd.Register(ctx, s.creds); err != nil {
		s.logger.Warn("register_dispatch_failed", "err", err)
		s.HandleEvent(context.Background(), events.NewRegistrationFailed(err.Error(), nil))
	}
}

func (s *Session) issueConnect(callID, remote string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cmdTimeout)
	defer cancel()
	ref, err := s.cmd.Connect(ctx, remote)
	if err != nil {
		s.logger.Warn("connect_failed", "err", err, "remote", redact.Address(remote))
		s.HandleEvent(context.Background(), events.NewTransportError("", err.Error(), map[string]string{metaCallID: callID}))
		return
	}
	s.mu.Lock()
	if s.call != nil && s.call.ID == callID && s.call.Ref == "" {
		s.call.Ref = ref
	}
	s.mu.Unlock()
}

func (s *Session) issueAccept(callID string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cmdTimeout)
	defer cancel()
	if err := s.cmd.AcceptIncoming(ctx); err != nil {
		s.logger.Warn("accept_failed", "err", err)
		s.HandleEvent(context.Background(), events.NewTransportError("", err.Error(), map[string]string{metaCallID: callID}))
	}
}

func (s *Session) issueBestEffort(op string, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cmdTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		s.logger.Warn("transport_command_failed", "op", op, "err", err)
	}
}

func declinedErr(command string, state State) error {
	return errorsx.Wrap(&InvalidTransitionError{Command: command, State: state}, errorsx.ReasonInvalidTransition)
}
