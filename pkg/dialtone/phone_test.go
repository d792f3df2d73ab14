package dialtone

import (
	"context"
	"testing"
	"time"

	"github.com/harunnryd/dialtone/pkg/errorsx"
	"github.com/harunnryd/dialtone/pkg/runner"
	"github.com/harunnryd/dialtone/pkg/transports/mock"
	"github.com/harunnryd/dialtone/pkg/view"
)

func newTestPhone(t *testing.T, settings mock.Settings) (*Phone, *mock.Transport) {
	t.Helper()
	tr := mock.New(settings)
	cfg := DefaultConfig()
	cfg.Transport.Provider = "mock"
	cfg.Session.AutoRegister = false
	cfg.Web.Enabled = false
	cfg.LogLevel = "error"
	p, err := NewPhone(PhoneOptions{Config: cfg, Transport: tr, TickInterval: time.Hour})
	if err != nil {
		t.Fatalf("new phone: %v", err)
	}
	return p, tr
}

func startPhone(t *testing.T, p *Phone) context.Context {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	if err := p.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		_ = p.Stop()
		cancel()
	})
	return ctx
}

func waitModel(t *testing.T, p *Phone, pred func(view.Model) bool, what string) view.Model {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case m := <-p.Updates():
			if pred(m) {
				return m
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s, last model %+v", what, p.Model())
		}
	}
}

func registerPhone(t *testing.T, ctx context.Context, p *Phone) {
	t.Helper()
	if err := p.Register(ctx); err != nil {
		t.Fatalf("register: %v", err)
	}
	waitModel(t, p, func(m view.Model) bool { return m.IsRegistered }, "registration")
}

func hasOp(ops []mock.Op, name string) bool {
	for _, op := range ops {
		if op.Name == name {
			return true
		}
	}
	return false
}

func TestPhoneDialToActiveAndHangup(t *testing.T) {
	p, tr := newTestPhone(t, mock.Settings{AutoRegister: true, AutoAnswer: true})
	ctx := startPhone(t, p)
	registerPhone(t, ctx, p)

	if err := p.Dial(ctx, "+4915550001"); err != nil {
		t.Fatalf("dial: %v", err)
	}
	m := waitModel(t, p, func(m view.Model) bool { return m.Status == "ACTIVE" }, "answer")
	if m.ActiveCall == nil || m.ActiveCall.Direction != "outbound" {
		t.Fatalf("unexpected active call: %+v", m.ActiveCall)
	}

	if err := p.Hangup(ctx); err != nil {
		t.Fatalf("hangup: %v", err)
	}
	waitModel(t, p, func(m view.Model) bool { return m.Status == "READY" }, "return to ready")

	ops := tr.Ops()
	if !hasOp(ops, "connect") || !hasOp(ops, "disconnect") {
		t.Fatalf("expected connect and disconnect, got %+v", ops)
	}
}

func TestPhoneIncomingAccept(t *testing.T) {
	p, tr := newTestPhone(t, mock.Settings{AutoRegister: true})
	ctx := startPhone(t, p)
	registerPhone(t, ctx, p)

	tr.OfferIncoming("+15550002222")
	m := waitModel(t, p, func(m view.Model) bool { return m.IncomingCall != nil }, "incoming offer")
	if m.Status != "RINGING_INBOUND" {
		t.Fatalf("status = %s, want RINGING_INBOUND", m.Status)
	}

	if err := p.Accept(ctx); err != nil {
		t.Fatalf("accept: %v", err)
	}
	m = waitModel(t, p, func(m view.Model) bool { return m.Status == "ACTIVE" }, "accepted call")
	if m.ActiveCall == nil || m.ActiveCall.Direction != "inbound" {
		t.Fatalf("unexpected active call: %+v", m.ActiveCall)
	}
	if !hasOp(tr.Ops(), "accept_incoming") {
		t.Fatalf("accept_incoming not issued: %+v", tr.Ops())
	}
}

func TestPhoneDialpadFlow(t *testing.T) {
	p, tr := newTestPhone(t, mock.Settings{AutoRegister: true, AutoAnswer: true})
	ctx := startPhone(t, p)
	registerPhone(t, ctx, p)

	p.DialpadAppend("+49155x500")
	if got := p.DialpadValue(); got != "+49155500" {
		t.Fatalf("pad value = %q, invalid rune should be dropped", got)
	}
	if got := p.DialpadBackspace(); got != "+4915550" {
		t.Fatalf("pad after backspace = %q", got)
	}

	if err := p.Dial(ctx, ""); err != nil {
		t.Fatalf("dial from pad: %v", err)
	}
	waitModel(t, p, func(m view.Model) bool { return m.Status == "ACTIVE" }, "answer")
	if p.DialpadValue() != "" {
		t.Fatalf("pad must clear after a successful dial, got %q", p.DialpadValue())
	}

	var connected string
	for _, op := range tr.Ops() {
		if op.Name == "connect" {
			connected = op.Arg
		}
	}
	if connected != "+4915550" {
		t.Fatalf("dialed %q, want pad contents", connected)
	}
}

func TestPhoneDialInputErrors(t *testing.T) {
	p, _ := newTestPhone(t, mock.Settings{})

	if err := p.Dial(context.Background(), "555-ABC"); !errorsx.HasReason(err, errorsx.ReasonInvalidInput) {
		t.Fatalf("expected invalid_input for letters, got %v", err)
	}
	if err := p.Dial(context.Background(), ""); !errorsx.HasReason(err, errorsx.ReasonInvalidInput) {
		t.Fatalf("expected invalid_input for empty pad, got %v", err)
	}
	// Valid number but the session is still idle: declined, not an error state.
	if err := p.Dial(context.Background(), "+155501"); !errorsx.Declined(err) {
		t.Fatalf("expected declined dial while unregistered, got %v", err)
	}
}

func TestPhoneStopDrainsActiveCall(t *testing.T) {
	p, tr := newTestPhone(t, mock.Settings{AutoRegister: true, AutoAnswer: true})
	ctx := startPhone(t, p)
	registerPhone(t, ctx, p)

	if err := p.Dial(ctx, "+4915550001"); err != nil {
		t.Fatalf("dial: %v", err)
	}
	waitModel(t, p, func(m view.Model) bool { return m.Status == "ACTIVE" }, "answer")

	if err := p.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if p.RunnerState() != runner.StateStopped {
		t.Fatalf("runner state = %s, want stopped", p.RunnerState())
	}
	if !hasOp(tr.Ops(), "disconnect") {
		t.Fatalf("drain must hang up the active call, got %+v", tr.Ops())
	}
}

func TestPhoneAutoRegisterOnStart(t *testing.T) {
	tr := mock.New(mock.Settings{AutoRegister: true})
	cfg := DefaultConfig()
	cfg.Transport.Provider = "mock"
	cfg.Web.Enabled = false
	cfg.LogLevel = "error"
	p, err := NewPhone(PhoneOptions{Config: cfg, Transport: tr, TickInterval: time.Hour})
	if err != nil {
		t.Fatalf("new phone: %v", err)
	}
	startPhone(t, p)
	waitModel(t, p, func(m view.Model) bool { return m.IsRegistered }, "auto registration")
}

func TestBuiltinRegistryNames(t *testing.T) {
	names := BuiltinRegistry().Names()
	want := map[string]bool{"mock": false, "twilio": false, "sip": false}
	for _, n := range names {
		if _, ok := want[n]; ok {
			want[n] = true
		}
	}
	for n, seen := range want {
		if !seen {
			t.Fatalf("registry missing %q, got %v", n, names)
		}
	}
}
