package dialtone

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/harunnryd/dialtone/pkg/call"
	"github.com/harunnryd/dialtone/pkg/dialpad"
	"github.com/harunnryd/dialtone/pkg/errorsx"
	"github.com/harunnryd/dialtone/pkg/logging"
	"github.com/harunnryd/dialtone/pkg/metrics"
	"github.com/harunnryd/dialtone/pkg/observers"
	"github.com/harunnryd/dialtone/pkg/redact"
	"github.com/harunnryd/dialtone/pkg/runner"
	"github.com/harunnryd/dialtone/pkg/transports"
	"github.com/harunnryd/dialtone/pkg/transports/mock"
	"github.com/harunnryd/dialtone/pkg/transports/sipgate"
	"github.com/harunnryd/dialtone/pkg/transports/twilio"
	"github.com/harunnryd/dialtone/pkg/view"
)

// Phone is the engine facade: one session, one transport, one render
// binding, observability fan-out, and a lifecycle runner around it all.
type Phone struct {
	cfg       Config
	session   *call.Session
	transport transports.Transport
	binding   *view.Binding
	dialpad   *dialpad.Buffer
	runner    *runner.LifecycleRunner
	asyncObs  *metrics.AsyncObserver
	timeline  *observers.TimelineObserver
	flight    *metrics.JSONLObserver
	traceObs  *observers.TraceObserver
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	runErr chan error
}

type PhoneOptions struct {
	Config Config
	// Transport bypasses the registry lookup, for embedding and tests.
	Transport transports.Transport
	// Registry overrides the built-in adapter set.
	Registry *transports.Registry
	// Observers are appended to the built-in chain.
	Observers []metrics.Observer
	// TickInterval overrides the one-second duration clock, for tests.
	TickInterval time.Duration
}

// BuiltinRegistry returns the adapters this repo ships: mock, twilio, sip.
func BuiltinRegistry() *transports.Registry {
	r := transports.NewRegistry()
	r.Register("mock", mock.Factory)
	r.Register("twilio", twilio.Factory)
	r.Register("sip", sipgate.Factory)
	return r
}

func NewPhone(opts PhoneOptions) (*Phone, error) {
	cfg := opts.Config
	logging.SetDefault(cfg.LogLevel, cfg.LogFormat)
	redact.SetEnabled(cfg.Privacy.RedactPII)

	slog.Info("dialtone_init",
		"environment", cfg.Environment,
		"transport", cfg.Transport.Provider,
		"auto_register", cfg.Session.AutoRegister,
	)

	p := &Phone{
		cfg:     cfg,
		dialpad: dialpad.NewBuffer(),
		logger:  slog.Default(),
	}

	obsList := []metrics.Observer{
		observers.NewLoggerObserver(slog.Default()),
		observers.NewReportObserver(slog.Default()),
	}
	if dir := strings.TrimSpace(cfg.Observability.ArtifactsDir); dir != "" {
		if cfg.Observability.RetentionDays > 0 {
			_, _ = observers.PurgeArtifacts(dir, time.Duration(cfg.Observability.RetentionDays)*24*time.Hour)
		}
		p.timeline = observers.NewTimelineObserver(dir)
		obsList = append(obsList, p.timeline)
		if f, err := openFlightLog(dir); err != nil {
			slog.Warn("flight_recorder_unavailable", "error", err)
		} else {
			p.flight = metrics.NewJSONLObserver(f)
			obsList = append(obsList, p.flight)
		}
	}
	if strings.TrimSpace(cfg.Observability.OTLPEndpoint) != "" {
		p.traceObs = observers.NewTraceObserver()
		obsList = append(obsList, p.traceObs)
	}
	obsList = append(obsList, opts.Observers...)
	p.asyncObs = metrics.NewAsyncObserver(observers.NewMultiObserver(obsList...), 2048)

	transport := opts.Transport
	if transport == nil {
		registry := opts.Registry
		if registry == nil {
			registry = BuiltinRegistry()
		}
		built, err := registry.Build(cfg.Transport.Provider, cfg.Transport.Settings,
			logging.NewComponentLogger(slog.Default(), cfg.Transport.Provider))
		if err != nil {
			return nil, fmt.Errorf("build transport: %w", err)
		}
		transport = built
	}
	p.transport = transport

	p.session = call.NewSession(call.Options{
		Commander: transport,
		Credentials: transports.Credentials{
			Username: cfg.Credentials.Username,
			Password: cfg.Credentials.Password,
			Realm:    cfg.Credentials.Realm,
		},
		Logger:         logging.NewComponentLogger(slog.Default(), "session"),
		Observer:       p.asyncObs,
		TickInterval:   opts.TickInterval,
		CommandTimeout: time.Duration(cfg.Session.CommandTimeoutMS) * time.Millisecond,
	})
	p.binding = view.NewBinding()
	p.session.AddListener(p.binding)

	hooks := runner.Hooks{
		OnStart: func() {
			fields := []any{"message", "Dialtone Ready", "transport", p.transport.Name()}
			if rr, ok := p.transport.(transports.ReadyReporter); ok {
				for k, v := range rr.ReadyFields() {
					fields = append(fields, k, v)
				}
			}
			p.logger.Info("phone_ready", fields...)
		},
		OnStop: func() {
			if p.asyncObs != nil {
				p.asyncObs.Close()
			}
			if p.timeline != nil {
				_ = p.timeline.Close()
			}
			if p.flight != nil {
				_ = p.flight.Close()
			}
			if p.traceObs != nil {
				_ = p.traceObs.Close()
			}
			p.logger.Info("shutdown",
				"goroutines", runtime.NumGoroutine(),
				"session_state", p.session.State().String(),
			)
		},
	}
	p.runner = runner.NewLifecycleRunner(runner.DrainerFunc(p.drain), hooks, 30*time.Second)

	return p, nil
}

// Start brings the phone up without blocking: transport, event routing,
// lifecycle runner, and the configured auto-registration.
func (p *Phone) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	p.ctx, p.cancel = context.WithCancel(ctx)
	if err := p.transport.Start(p.ctx); err != nil {
		p.cancel()
		return fmt.Errorf("start transport: %w", err)
	}
	go p.routeEvents(p.ctx)
	p.runErr = make(chan error, 1)
	go func() {
		p.runErr <- p.runner.Run(p.ctx)
	}()
	if p.cfg.Session.AutoRegister {
		if err := p.session.Register(p.ctx); err != nil {
			p.logger.Warn("auto_register_declined", "error", err)
		}
	}
	return nil
}

// Run starts the phone and blocks until the context ends and the drain
// finishes, returning the drain outcome.
func (p *Phone) Run(ctx context.Context) error {
	if err := p.Start(ctx); err != nil {
		return err
	}
	return <-p.runErr
}

func (p *Phone) Stop() error {
	if p.cancel != nil {
		p.cancel()
	}
	return p.runner.Stop()
}

// drain hangs up whatever the transport still carries, then stops it.
// The session is not consulted afterwards: the process is exiting.
func (p *Phone) drain() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	switch p.session.State() {
	case call.StateDialing, call.StateConnecting, call.StateActive:
		_ = p.transport.Disconnect(ctx)
	case call.StateRingingInbound:
		_ = p.transport.RejectIncoming(ctx)
	}
	return p.transport.Stop()
}

// openFlightLog opens the append-mode metrics log inside the artifacts
// directory. One file per host, across sessions.
func openFlightLog(dir string) (*os.File, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return os.OpenFile(filepath.Join(dir, "metrics.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
}

func (p *Phone) routeEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-p.transport.Events():
			if !ok {
				return
			}
			p.session.HandleEvent(ctx, ev)
		}
	}
}

// Register re-runs registration against the backend.
func (p *Phone) Register(ctx context.Context) error {
	return p.session.Register(ctx)
}

// Dial places an outbound call. An empty number consumes the dial-pad
// buffer; the buffer is cleared only when the dial is accepted.
func (p *Phone) Dial(ctx context.Context, number string) error {
	number = strings.TrimSpace(number)
	if number == "" {
		number = p.dialpad.String()
	}
	if number != "" && !dialpad.ValidNumber(number) {
		return errorsx.Errorf(errorsx.ReasonInvalidInput, "not a dialable number: %s", redact.Address(number))
	}
	if err := p.session.Dial(ctx, number); err != nil {
		return err
	}
	p.dialpad.Clear()
	return nil
}

func (p *Phone) Hangup(ctx context.Context) error {
	return p.session.Hangup(ctx)
}

func (p *Phone) Accept(ctx context.Context) error {
	return p.session.Accept(ctx)
}

func (p *Phone) Reject(ctx context.Context) error {
	return p.session.Reject(ctx)
}

func (p *Phone) SendDigits(ctx context.Context, digits string) error {
	return p.session.SendDigits(ctx, digits)
}

func (p *Phone) ToggleMute(ctx context.Context) (bool, error) {
	return p.session.ToggleMute(ctx)
}

// DialpadValue returns the current dial-pad buffer.
func (p *Phone) DialpadValue() string {
	return p.dialpad.String()
}

// DialpadAppend feeds pad input and returns the resulting buffer.
func (p *Phone) DialpadAppend(s string) string {
	p.dialpad.AppendString(s)
	return p.dialpad.String()
}

func (p *Phone) DialpadBackspace() string {
	p.dialpad.Backspace()
	return p.dialpad.String()
}

func (p *Phone) DialpadClear() {
	p.dialpad.Clear()
}

// Model returns the current render model.
func (p *Phone) Model() view.Model {
	return p.binding.Current()
}

// Updates delivers recomputed render models, newest first.
func (p *Phone) Updates() <-chan view.Model {
	return p.binding.Updates()
}

func (p *Phone) Snapshot() call.Snapshot {
	return p.session.Snapshot()
}

func (p *Phone) RunnerState() runner.State {
	return p.runner.State()
}

func (p *Phone) Transport() transports.Transport {
	return p.transport
}

func (p *Phone) Config() Config {
	return p.cfg
}
