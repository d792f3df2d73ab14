package mock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harunnryd/dialtone/pkg/configutil"
	"github.com/harunnryd/dialtone/pkg/events"
	"github.com/harunnryd/dialtone/pkg/transports"
)

// Settings control the scripted behavior. The zero value is fully
// manual: commands are recorded and nothing is emitted until Push.
type Settings struct {
	AutoRegister bool          `mapstructure:"auto_register"`
	AutoAnswer   bool          `mapstructure:"auto_answer"`
	AnswerDelay  time.Duration `mapstructure:"answer_delay"`
	FailRegister bool          `mapstructure:"fail_register"`
}

// Op is one recorded transport command.
type Op struct {
	Name string
	Arg  string
}

// Transport is an in-memory telephony backend for local runs and tests.
// It implements the transports.Transport interface without any network
// dependency: commands are recorded for inspection, and events are
// either scripted through Settings or injected with Push.
type Transport struct {
	settings Settings
	eventsCh chan events.Event
	closed   atomic.Bool

	mu       sync.Mutex
	ops      []Op
	offerRef string
	nextRef  int
}

func New(settings Settings) *Transport {
	return &Transport{
		settings: settings,
		eventsCh: make(chan events.Event, 256),
	}
}

var settingsSchema = configutil.Schema{
	Optional: []string{"auto_register", "auto_answer", "answer_delay", "fail_register"},
}

// Factory builds a mock transport from free-form settings. Without
// overrides it auto-registers and auto-answers after half a second, so
// a config pointing at "mock" works out of the box.
func Factory(settings map[string]any, logger *slog.Logger) (transports.Transport, error) {
	if err := configutil.ValidateSettings(settings, settingsSchema); err != nil {
		return nil, fmt.Errorf("mock settings: %w", err)
	}
	s := Settings{
		AutoRegister: true,
		AutoAnswer:   true,
		AnswerDelay:  500 * time.Millisecond,
	}
	if err := configutil.DecodeSettings(settings, &s); err != nil {
		return nil, fmt.Errorf("mock settings: %w", err)
	}
	return New(s), nil
}

func (t *Transport) Name() string { return "mock" }

func (t *Transport) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	go func() {
		<-ctx.Done()
		_ = t.Stop()
	}()
	return nil
}

func (t *Transport) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed.Swap(true) {
		close(t.eventsCh)
	}
	return nil
}

func (t *Transport) Events() <-chan events.Event { return t.eventsCh }

func (t *Transport) Register(ctx context.Context, creds transports.Credentials) error {
	if t.closed.Load() {
		return errors.New("mock transport stopped")
	}
	t.record(Op{Name: "register", Arg: creds.Username})
	if t.settings.FailRegister {
		t.emit(events.NewRegistrationFailed("registration refused", t.meta()))
		return nil
	}
	if t.settings.AutoRegister {
		t.emit(events.NewRegistered(t.meta()))
	}
	return nil
}

func (t *Transport) Connect(ctx context.Context, remote string) (string, error) {
	if t.closed.Load() {
		return "", errors.New("mock transport stopped")
	}
	ref := t.allocRef()
	t.record(Op{Name: "connect", Arg: remote})
	if t.settings.AutoAnswer {
		t.emitAfter(t.settings.AnswerDelay, events.NewRemoteAnswered(ref, t.meta()))
	}
	return ref, nil
}

func (t *Transport) AcceptIncoming(ctx context.Context) error {
	t.record(Op{Name: "accept_incoming"})
	t.mu.Lock()
	ref := t.offerRef
	t.mu.Unlock()
	t.emitAfter(t.settings.AnswerDelay, events.NewRemoteAnswered(ref, t.meta()))
	return nil
}

func (t *Transport) RejectIncoming(ctx context.Context) error {
	t.record(Op{Name: "reject_incoming"})
	t.mu.Lock()
	t.offerRef = ""
	t.mu.Unlock()
	return nil
}

// Disconnect records the hangup. No remote_disconnected follows: the
// session's local transition is authoritative and would discard it.
func (t *Transport) Disconnect(ctx context.Context) error {
	t.record(Op{Name: "disconnect"})
	return nil
}

func (t *Transport) SendDigits(ctx context.Context, digits string) error {
	t.record(Op{Name: "send_digits", Arg: digits})
	return nil
}

func (t *Transport) SetMuted(ctx context.Context, muted bool) error {
	t.record(Op{Name: "set_muted", Arg: strconv.FormatBool(muted)})
	return nil
}

// OfferIncoming rings the client: allocates a leg reference and emits an
// incoming offer for caller. AcceptIncoming answers that reference.
func (t *Transport) OfferIncoming(caller string) string {
	ref := t.allocRef()
	t.mu.Lock()
	t.offerRef = ref
	t.mu.Unlock()
	t.emit(events.NewIncomingOffer(ref, caller, t.meta()))
	return ref
}

// HangupRemote simulates the far end dropping the given leg.
func (t *Transport) HangupRemote(ref, reason string) {
	t.emit(events.NewRemoteDisconnected(ref, reason, t.meta()))
}

// Push injects an arbitrary event, bypassing the scripted behavior.
func (t *Transport) Push(ev events.Event) {
	t.emit(ev)
}

// Ops returns the commands recorded so far.
func (t *Transport) Ops() []Op {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Op(nil), t.ops...)
}

func (t *Transport) record(op Op) {
	t.mu.Lock()
	t.ops = append(t.ops, op)
	t.mu.Unlock()
}

func (t *Transport) allocRef() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextRef++
	return fmt.Sprintf("mock-%d", t.nextRef)
}

func (t *Transport) emit(ev events.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed.Load() {
		return
	}
	select {
	case t.eventsCh <- ev:
	default:
	}
}

func (t *Transport) emitAfter(delay time.Duration, ev events.Event) {
	if delay <= 0 {
		t.emit(ev)
		return
	}
	time.AfterFunc(delay, func() { t.emit(ev) })
}

func (t *Transport) meta() map[string]string {
	return map[string]string{events.MetaTransport: "mock"}
}

var _ transports.Transport = (*Transport)(nil)
