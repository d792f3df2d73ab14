package call

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/harunnryd/dialtone/pkg/errorsx"
	"github.com/harunnryd/dialtone/pkg/events"
	"github.com/harunnryd/dialtone/pkg/metrics"
	"github.com/harunnryd/dialtone/pkg/transports"
)

type stubCommander struct {
	mu     sync.Mutex
	ops    []string
	digits []string

	connectRef  string
	connectErr  error
	registerErr error
	acceptErr   error
}

func (c *stubCommander) record(op string) {
	c.mu.Lock()
	c.ops = append(c.ops, op)
	c.mu.Unlock()
}

func (c *stubCommander) Register(ctx context.Context, creds transports.Credentials) error {
	c.record("register")
	return c.registerErr
}

func (c *stubCommander) Connect(ctx context.Context, remote string) (string, error) {
	c.record("connect")
	if c.connectErr != nil {
		return "", c.connectErr
	}
	return c.connectRef, nil
}

func (c *stubCommander) AcceptIncoming(ctx context.Context) error {
	c.record("accept_incoming")
	return c.acceptErr
}

func (c *stubCommander) RejectIncoming(ctx context.Context) error {
	c.record("reject_incoming")
	return nil
}

func (c *stubCommander) Disconnect(ctx context.Context) error {
	c.record("disconnect")
	return nil
}

func (c *stubCommander) SendDigits(ctx context.Context, digits string) error {
	c.record("send_digits")
	c.mu.Lock()
	c.digits = append(c.digits, digits)
	c.mu.Unlock()
	return nil
}

func (c *stubCommander) SetMuted(ctx context.Context, muted bool) error {
	c.record("set_muted")
	return nil
}

func (c *stubCommander) opCount(op string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, o := range c.ops {
		if o == op {
			n++
		}
	}
	return n
}

func (c *stubCommander) sentDigits() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.digits...)
}

type captureListener struct {
	mu      sync.Mutex
	changes []StateChange
}

func (l *captureListener) OnStateChange(change StateChange) {
	l.mu.Lock()
	l.changes = append(l.changes, change)
	l.mu.Unlock()
}

func (l *captureListener) transitions() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.changes))
	for _, c := range l.changes {
		if c.From != c.To {
			out = append(out, c.To.String())
		}
	}
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newTestSession(t *testing.T) (*Session, *stubCommander, *metrics.MemoryObserver) {
	t.Helper()
	cmd := &stubCommander{connectRef: "leg-1"}
	mem := metrics.NewMemoryObserver()
	s := NewSession(Options{
		Commander:      cmd,
		Credentials:    transports.Credentials{Username: "1001", Password: "secret", Realm: "example.com"},
		Observer:       mem,
		TickInterval:   time.Hour, // tests drive ticks directly
		CommandTimeout: time.Second,
	})
	return s, cmd, mem
}

func readySession(t *testing.T) (*Session, *stubCommander, *metrics.MemoryObserver) {
	t.Helper()
	s, cmd, mem := newTestSession(t)
	if err := s.Register(context.Background()); err != nil {
		t.Fatalf("register: %v", err)
	}
	if s.State() != StateRegistering {
		t.Fatalf("expected REGISTERING, got %s", s.State())
	}
	s.HandleEvent(context.Background(), events.NewRegistered(nil))
	if s.State() != StateReady {
		t.Fatalf("expected READY, got %s", s.State())
	}
	return s, cmd, mem
}

func activeSession(t *testing.T) (*Session, *stubCommander, *metrics.MemoryObserver) {
	t.Helper()
	s, cmd, mem := readySession(t)
	if err := s.Dial(context.Background(), "+15551234567"); err != nil {
		t.Fatalf("dial: %v", err)
	}
	s.HandleEvent(context.Background(), events.NewRemoteAnswered("", nil))
	if s.State() != StateActive {
		t.Fatalf("expected ACTIVE, got %s", s.State())
	}
	return s, cmd, mem
}

func clockGen(s *Session) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clock.gen
}

func TestDialToActive(t *testing.T) {
	s, cmd, _ := readySession(t)

	if err := s.Dial(context.Background(), "+15551234567"); err != nil {
		t.Fatalf("dial: %v", err)
	}
	if s.State() != StateDialing {
		t.Fatalf("expected DIALING, got %s", s.State())
	}
	waitFor(t, "connect issued", func() bool { return cmd.opCount("connect") == 1 })

	// a second dial while one is in flight is a declined no-op
	err := s.Dial(context.Background(), "+15557654321")
	if !errorsx.Declined(err) {
		t.Fatalf("expected declined second dial, got %v", err)
	}
	if cmd.opCount("connect") != 1 {
		t.Fatalf("declined dial must not reach the transport")
	}

	s.HandleEvent(context.Background(), events.NewRemoteAnswered("leg-1", nil))
	snap := s.Snapshot()
	if snap.State != StateActive {
		t.Fatalf("expected ACTIVE, got %s", snap.State)
	}
	if snap.Duration != 0 {
		t.Fatalf("expected duration 0 at answer, got %d", snap.Duration)
	}
	if snap.Call == nil || snap.Call.Phase != PhaseActive || snap.Call.Direction != DirectionOutbound {
		t.Fatalf("unexpected call snapshot: %+v", snap.Call)
	}
}

func TestDialValidation(t *testing.T) {
	s, cmd, _ := readySession(t)

	err := s.Dial(context.Background(), "   ")
	if !errorsx.HasReason(err, errorsx.ReasonInvalidInput) {
		t.Fatalf("expected invalid_input, got %v", err)
	}
	if s.State() != StateReady {
		t.Fatalf("invalid input must not change state, got %s", s.State())
	}
	if cmd.opCount("connect") != 0 {
		t.Fatalf("invalid input must not reach the transport")
	}
}

func TestInvalidCommandsDeclined(t *testing.T) {
	s, cmd, _ := readySession(t)

	cases := []struct {
		name string
		run  func() error
	}{
		{"hangup", func() error { return s.Hangup(context.Background()) }},
		{"accept", func() error { return s.Accept(context.Background()) }},
		{"reject", func() error { return s.Reject(context.Background()) }},
		{"toggle_mute", func() error { _, err := s.ToggleMute(context.Background()); return err }},
		{"send_digits", func() error { return s.SendDigits(context.Background(), "5") }},
	}
	for _, tc := range cases {
		err := tc.run()
		if !errorsx.Declined(err) {
			t.Fatalf("%s from READY: expected declined, got %v", tc.name, err)
		}
		if s.State() != StateReady {
			t.Fatalf("%s from READY: state changed to %s", tc.name, s.State())
		}
	}
	time.Sleep(10 * time.Millisecond)
	if got := cmd.opCount("disconnect") + cmd.opCount("accept_incoming") +
		cmd.opCount("reject_incoming") + cmd.opCount("set_muted") + cmd.opCount("send_digits"); got != 0 {
		t.Fatalf("declined commands must not reach the transport, saw %d calls", got)
	}
}

func TestRegisterDeclinedDuringCall(t *testing.T) {
	s, _, _ := activeSession(t)
	if err := s.Register(context.Background()); !errorsx.Declined(err) {
		t.Fatalf("expected declined register during call, got %v", err)
	}
	if s.State() != StateActive {
		t.Fatalf("state changed to %s", s.State())
	}
}

func TestDurationTicks(t *testing.T) {
	s, _, _ := activeSession(t)

	gen := clockGen(s)
	for i := 0; i < 5; i++ {
		s.onTick(gen)
	}
	if d := s.Snapshot().Duration; d != 5 {
		t.Fatalf("expected duration 5, got %d", d)
	}

	if err := s.Hangup(context.Background()); err != nil {
		t.Fatalf("hangup: %v", err)
	}
	// a tick scheduled before the stop must be a no-op
	s.onTick(gen)
	if d := s.Snapshot().Duration; d != 5 {
		t.Fatalf("expected duration frozen at 5, got %d", d)
	}
	if s.State() != StateReady {
		t.Fatalf("expected READY after hangup, got %s", s.State())
	}
}

func TestDurationResetsOnNextCall(t *testing.T) {
	s, _, _ := activeSession(t)
	s.onTick(clockGen(s))
	s.onTick(clockGen(s))
	if err := s.Hangup(context.Background()); err != nil {
		t.Fatalf("hangup: %v", err)
	}
	if d := s.Snapshot().Duration; d != 2 {
		t.Fatalf("expected frozen duration 2, got %d", d)
	}

	if err := s.Dial(context.Background(), "+15550000000"); err != nil {
		t.Fatalf("dial: %v", err)
	}
	if d := s.Snapshot().Duration; d != 2 {
		t.Fatalf("duration must stay frozen until the next answer, got %d", d)
	}
	s.HandleEvent(context.Background(), events.NewRemoteAnswered("", nil))
	if d := s.Snapshot().Duration; d != 0 {
		t.Fatalf("expected duration reset on answer, got %d", d)
	}
}

func TestDTMFQueueFlushOrder(t *testing.T) {
	s, cmd, _ := readySession(t)
	if err := s.Dial(context.Background(), "+15551234567"); err != nil {
		t.Fatalf("dial: %v", err)
	}
	if err := s.SendDigits(context.Background(), "1"); err != nil {
		t.Fatalf("enqueue 1: %v", err)
	}
	if err := s.SendDigits(context.Background(), "2"); err != nil {
		t.Fatalf("enqueue 2: %v", err)
	}
	if got := cmd.sentDigits(); len(got) != 0 {
		t.Fatalf("digits must not reach the transport before answer, got %v", got)
	}

	s.HandleEvent(context.Background(), events.NewRemoteAnswered("", nil))
	got := cmd.sentDigits()
	if len(got) != 2 || got[0] != "1" || got[1] != "2" {
		t.Fatalf("expected flush in enqueue order [1 2], got %v", got)
	}

	s.mu.Lock()
	queued := s.dtmf.len()
	s.mu.Unlock()
	if queued != 0 {
		t.Fatalf("expected empty queue after flush, got %d", queued)
	}

	// digits while active bypass the queue
	if err := s.SendDigits(context.Background(), "3"); err != nil {
		t.Fatalf("send while active: %v", err)
	}
	if got := cmd.sentDigits(); len(got) != 3 || got[2] != "3" {
		t.Fatalf("expected immediate send of 3, got %v", got)
	}
}

func TestDTMFDiscardedOnCallEnd(t *testing.T) {
	s, cmd, _ := readySession(t)
	if err := s.Dial(context.Background(), "+15551234567"); err != nil {
		t.Fatalf("dial: %v", err)
	}
	if err := s.SendDigits(context.Background(), "9"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := s.Hangup(context.Background()); err != nil {
		t.Fatalf("hangup: %v", err)
	}

	// a later call must not replay the abandoned digits
	if err := s.Dial(context.Background(), "+15550000001"); err != nil {
		t.Fatalf("dial: %v", err)
	}
	s.HandleEvent(context.Background(), events.NewRemoteAnswered("", nil))
	if got := cmd.sentDigits(); len(got) != 0 {
		t.Fatalf("expected discarded digits, transport saw %v", got)
	}
}

func TestDTMFRejectsForeignCharacters(t *testing.T) {
	s, cmd, _ := activeSession(t)

	if err := s.SendDigits(context.Background(), "12E"); !errorsx.HasReason(err, errorsx.ReasonInvalidInput) {
		t.Fatalf("expected invalid_input for E, got %v", err)
	}
	if err := s.SendDigits(context.Background(), "1a#D*"); err != nil {
		t.Fatalf("full dtmf alphabet must pass: %v", err)
	}
	if got := cmd.sentDigits(); len(got) != 1 || got[0] != "1a#D*" {
		t.Fatalf("transport saw %v", got)
	}
}

func TestHangupIdempotent(t *testing.T) {
	s, cmd, _ := activeSession(t)
	listener := &captureListener{}
	s.AddListener(listener)

	if err := s.Hangup(context.Background()); err != nil {
		t.Fatalf("hangup: %v", err)
	}
	if s.State() != StateReady {
		t.Fatalf("expected READY, got %s", s.State())
	}
	err := s.Hangup(context.Background())
	if !errorsx.Declined(err) {
		t.Fatalf("expected declined second hangup, got %v", err)
	}

	waitFor(t, "disconnect issued", func() bool { return cmd.opCount("disconnect") >= 1 })
	time.Sleep(10 * time.Millisecond)
	if cmd.opCount("disconnect") != 1 {
		t.Fatalf("expected exactly one disconnect, got %d", cmd.opCount("disconnect"))
	}

	got := listener.transitions()
	if len(got) != 2 || got[0] != "ENDED" || got[1] != "READY" {
		t.Fatalf("expected ENDED then READY, got %v", got)
	}
}

func TestRejectInbound(t *testing.T) {
	s, cmd, _ := readySession(t)
	s.HandleEvent(context.Background(), events.NewIncomingOffer("in-1", "+15550001111", nil))
	if s.State() != StateRingingInbound {
		t.Fatalf("expected RINGING_INBOUND, got %s", s.State())
	}
	snap := s.Snapshot()
	if snap.Call == nil || snap.Call.Direction != DirectionInbound || snap.Call.Phase != PhaseRinging {
		t.Fatalf("unexpected inbound call: %+v", snap.Call)
	}

	if err := s.Reject(context.Background()); err != nil {
		t.Fatalf("reject: %v", err)
	}
	if s.State() != StateReady {
		t.Fatalf("expected READY, got %s", s.State())
	}
	if s.Snapshot().Call != nil {
		t.Fatalf("expected call destroyed")
	}
	s.mu.Lock()
	running := s.clock.running()
	s.mu.Unlock()
	if running {
		t.Fatalf("duration clock must never start for a rejected call")
	}
	waitFor(t, "reject issued", func() bool { return cmd.opCount("reject_incoming") == 1 })
}

func TestAcceptInbound(t *testing.T) {
	s, cmd, _ := readySession(t)
	s.HandleEvent(context.Background(), events.NewIncomingOffer("in-1", "+15550001111", nil))
	if err := s.Accept(context.Background()); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if s.State() != StateConnecting {
		t.Fatalf("expected CONNECTING, got %s", s.State())
	}
	waitFor(t, "accept issued", func() bool { return cmd.opCount("accept_incoming") == 1 })

	s.HandleEvent(context.Background(), events.NewRemoteAnswered("in-1", nil))
	snap := s.Snapshot()
	if snap.State != StateActive || snap.Call == nil || snap.Call.Direction != DirectionInbound {
		t.Fatalf("expected active inbound call, got %s %+v", snap.State, snap.Call)
	}
}

func TestCallerCanceledWhileRinging(t *testing.T) {
	s, _, _ := readySession(t)
	s.HandleEvent(context.Background(), events.NewIncomingOffer("in-1", "+15550001111", nil))
	s.HandleEvent(context.Background(), events.NewRemoteDisconnected("in-1", "cancel", nil))
	if s.State() != StateReady {
		t.Fatalf("expected READY after caller cancel, got %s", s.State())
	}
	if s.Snapshot().Call != nil {
		t.Fatalf("expected inbound call destroyed")
	}
}

func TestLocalHangupAuthoritativeOverLateEvents(t *testing.T) {
	s, _, mem := readySession(t)
	if err := s.Dial(context.Background(), "+15551234567"); err != nil {
		t.Fatalf("dial: %v", err)
	}
	if err := s.Hangup(context.Background()); err != nil {
		t.Fatalf("hangup while dialing: %v", err)
	}
	if s.State() != StateReady {
		t.Fatalf("expected READY without adapter confirmation, got %s", s.State())
	}

	// adapter events for the destroyed call are discarded
	s.HandleEvent(context.Background(), events.NewRemoteAnswered("leg-1", nil))
	s.HandleEvent(context.Background(), events.NewRemoteDisconnected("leg-1", "bye", nil))
	if s.State() != StateReady {
		t.Fatalf("late events must not move state, got %s", s.State())
	}

	discarded := 0
	for _, ev := range mem.Snapshot() {
		if ev.Name == "event_discarded" {
			discarded++
		}
	}
	if discarded < 2 {
		t.Fatalf("expected discarded events recorded, got %d", discarded)
	}
}

func TestTransportErrorEndsCall(t *testing.T) {
	s, _, _ := activeSession(t)
	s.onTick(clockGen(s))
	s.HandleEvent(context.Background(), events.NewTransportError("", "carrier lost", nil))

	snap := s.Snapshot()
	if snap.State != StateError {
		t.Fatalf("expected ERROR, got %s", snap.State)
	}
	if snap.Call != nil {
		t.Fatalf("expected live call forcibly ended")
	}
	if snap.LastFailure != "carrier lost" {
		t.Fatalf("expected failure reason, got %q", snap.LastFailure)
	}
	if snap.Duration != 1 {
		t.Fatalf("expected duration frozen at 1, got %d", snap.Duration)
	}

	// manual retry re-enters registration
	if err := s.Register(context.Background()); err != nil {
		t.Fatalf("register retry: %v", err)
	}
	if s.State() != StateRegistering {
		t.Fatalf("expected REGISTERING, got %s", s.State())
	}
}

func TestRegistrationFailure(t *testing.T) {
	s, _, _ := newTestSession(t)
	if err := s.Register(context.Background()); err != nil {
		t.Fatalf("register: %v", err)
	}
	s.HandleEvent(context.Background(), events.NewRegistrationFailed("401 unauthorized", nil))
	snap := s.Snapshot()
	if snap.State != StateError || snap.LastFailure != "401 unauthorized" {
		t.Fatalf("expected ERROR with reason, got %s %q", snap.State, snap.LastFailure)
	}
}

func TestConnectFailureFlowsThroughErrorPath(t *testing.T) {
	s, cmd, _ := readySession(t)
	cmd.connectErr = errors.New("no route")
	if err := s.Dial(context.Background(), "+15551234567"); err != nil {
		t.Fatalf("dial: %v", err)
	}
	waitFor(t, "error state", func() bool { return s.State() == StateError })
	if got := s.Snapshot().LastFailure; got != "no route" {
		t.Fatalf("expected failure reason, got %q", got)
	}
}

func TestCallWaitingHoldAndPromote(t *testing.T) {
	s, _, _ := activeSession(t)
	s.HandleEvent(context.Background(), events.NewIncomingOffer("in-2", "+15552223333", nil))

	snap := s.Snapshot()
	if snap.State != StateActive {
		t.Fatalf("held offer must not interrupt the active call, got %s", snap.State)
	}
	if snap.HeldOffer == nil || snap.HeldOffer.RemoteAddress != "+15552223333" {
		t.Fatalf("expected held offer, got %+v", snap.HeldOffer)
	}
	if snap.Call == nil || snap.Call.Phase != PhaseActive {
		t.Fatalf("active call must be untouched, got %+v", snap.Call)
	}

	// accepting while a call is live is declined
	if err := s.Accept(context.Background()); !errorsx.Declined(err) {
		t.Fatalf("expected declined accept, got %v", err)
	}

	if err := s.Hangup(context.Background()); err != nil {
		t.Fatalf("hangup: %v", err)
	}
	snap = s.Snapshot()
	if snap.State != StateRingingInbound {
		t.Fatalf("expected held offer promoted to RINGING_INBOUND, got %s", snap.State)
	}
	if snap.Call == nil || snap.Call.Ref != "in-2" || snap.HeldOffer != nil {
		t.Fatalf("expected promoted offer as the ringing call, got %+v held %+v", snap.Call, snap.HeldOffer)
	}

	if err := s.Accept(context.Background()); err != nil {
		t.Fatalf("accept promoted offer: %v", err)
	}
	s.HandleEvent(context.Background(), events.NewRemoteAnswered("in-2", nil))
	if s.State() != StateActive {
		t.Fatalf("expected ACTIVE, got %s", s.State())
	}
}

func TestHeldOfferWithdrawn(t *testing.T) {
	s, _, _ := activeSession(t)
	s.HandleEvent(context.Background(), events.NewIncomingOffer("in-2", "+15552223333", nil))
	s.HandleEvent(context.Background(), events.NewRemoteDisconnected("in-2", "cancel", nil))

	snap := s.Snapshot()
	if snap.State != StateActive {
		t.Fatalf("withdrawn held offer must not touch the active call, got %s", snap.State)
	}
	if snap.HeldOffer != nil {
		t.Fatalf("expected held offer cleared")
	}
	if snap.Call == nil || snap.Call.Phase != PhaseActive {
		t.Fatalf("active call must survive, got %+v", snap.Call)
	}
}

func TestSecondHeldOfferDiscarded(t *testing.T) {
	s, _, _ := activeSession(t)
	s.HandleEvent(context.Background(), events.NewIncomingOffer("in-2", "+15552223333", nil))
	s.HandleEvent(context.Background(), events.NewIncomingOffer("in-3", "+15554445555", nil))

	snap := s.Snapshot()
	if snap.HeldOffer == nil || snap.HeldOffer.Ref != "in-2" {
		t.Fatalf("expected first held offer kept, got %+v", snap.HeldOffer)
	}
}

func TestToggleMute(t *testing.T) {
	s, cmd, _ := activeSession(t)
	muted, err := s.ToggleMute(context.Background())
	if err != nil || !muted {
		t.Fatalf("expected muted true, got %v %v", muted, err)
	}
	if snap := s.Snapshot(); snap.Call == nil || !snap.Call.Muted {
		t.Fatalf("expected muted call in snapshot")
	}
	muted, err = s.ToggleMute(context.Background())
	if err != nil || muted {
		t.Fatalf("expected muted false, got %v %v", muted, err)
	}
	waitFor(t, "set_muted issued", func() bool { return cmd.opCount("set_muted") == 2 })
}

func TestListenerSnapshotsCarryEndReason(t *testing.T) {
	s, _, _ := activeSession(t)
	listener := &captureListener{}
	s.AddListener(listener)
	s.HandleEvent(context.Background(), events.NewRemoteDisconnected("", "bye", nil))

	listener.mu.Lock()
	defer listener.mu.Unlock()
	var endedSeen bool
	for _, c := range listener.changes {
		if c.To == StateEnded {
			endedSeen = true
			if c.Snapshot.Call == nil || c.Snapshot.Call.EndReason != EndReasonHangupRemote {
				t.Fatalf("ended snapshot must carry the ended call, got %+v", c.Snapshot.Call)
			}
		}
	}
	if !endedSeen {
		t.Fatalf("expected transient ENDED change")
	}
}
