package sipgate

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/harunnryd/dialtone/pkg/configutil"
	"github.com/harunnryd/dialtone/pkg/events"
	"github.com/harunnryd/dialtone/pkg/transports"
)

type Config struct {
	// Domain is the SIP domain of the provider account, e.g. sipgate.de.
	Domain string `mapstructure:"domain"`
	// Proxy is the outbound proxy as host:port. Defaults to Domain:5060.
	Proxy string `mapstructure:"proxy"`
	// Transport is the SIP transport protocol, udp or tcp.
	Transport string `mapstructure:"transport"`
	// BindAddr is the local signaling listener.
	BindAddr string `mapstructure:"bind_addr"`
	// AdvertiseAddr is the address written into Contact and SDP. Falls
	// back to the bind address host.
	AdvertiseAddr  string        `mapstructure:"advertise_addr"`
	RegisterExpiry time.Duration `mapstructure:"register_expiry"`
	// RTPPort is the media port advertised in SDP offers and answers.
	RTPPort int `mapstructure:"rtp_port"`
	// DTMFDurationMS is the tone duration written into INFO bodies.
	DTMFDurationMS int `mapstructure:"dtmf_duration_ms"`
}

func (c Config) withDefaults() Config {
	c.Transport = configutil.StringValue(c.Transport, "udp")
	c.BindAddr = configutil.StringValue(c.BindAddr, "0.0.0.0:5070")
	if c.Proxy == "" && c.Domain != "" {
		c.Proxy = c.Domain + ":5060"
	}
	if c.RegisterExpiry <= 0 {
		c.RegisterExpiry = 10 * time.Minute
	}
	if c.RTPPort <= 0 {
		c.RTPPort = 40000
	}
	if c.DTMFDurationMS <= 0 {
		c.DTMFDurationMS = 160
	}
	return c
}

// pendingInvite is an incoming INVITE that rang the session and now
// waits for accept or reject.
type pendingInvite struct {
	callID string
	req    *sip.Request
	tx     sip.ServerTransaction
}

// Transport is a SIP endpoint speaking to a provider such as sipgate:
// digest-authenticated REGISTER, INVITE dialogs for calls, INFO for
// DTMF. Media negotiation advertises a static RTP endpoint; the audio
// path itself is outside this client.
type Transport struct {
	cfg    Config
	logger *slog.Logger

	ua     *sipgo.UserAgent
	srv    *sipgo.Server
	client *sipgo.Client
	dlgUA  *sipgo.DialogUA

	eventsCh chan events.Event
	closed   atomic.Bool

	mu         sync.Mutex
	creds      transports.Credentials
	registered bool
	regCallID  string
	regCSeq    uint32
	regTimer   *time.Timer
	pending    *pendingInvite
	outbound   *outboundInvite
	dialog     *dialogState
}

func New(cfg Config, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{
		cfg:      cfg.withDefaults(),
		logger:   logger,
		eventsCh: make(chan events.Event, 256),
	}
}

var settingsSchema = configutil.Schema{
	Required: []string{"domain"},
	Optional: []string{
		"proxy", "transport", "bind_addr", "advertise_addr",
		"register_expiry", "rtp_port", "dtmf_duration_ms",
	},
}

// Factory builds a SIP transport from free-form settings.
func Factory(settings map[string]any, logger *slog.Logger) (transports.Transport, error) {
	if err := configutil.ValidateSettings(settings, settingsSchema); err != nil {
		return nil, fmt.Errorf("sipgate settings: %w", err)
	}
	var cfg Config
	if err := configutil.DecodeSettings(settings, &cfg); err != nil {
		return nil, fmt.Errorf("sipgate settings: %w", err)
	}
	return New(cfg, logger), nil
}

func (t *Transport) Name() string { return "sipgate" }

func (t *Transport) Events() <-chan events.Event { return t.eventsCh }

func (t *Transport) ReadyFields() map[string]any {
	return map[string]any{
		"domain": t.cfg.Domain,
		"proxy":  t.cfg.Proxy,
		"bind":   t.cfg.BindAddr,
	}
}

func (t *Transport) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ua, err := sipgo.NewUA()
	if err != nil {
		return fmt.Errorf("create user agent: %w", err)
	}
	srv, err := sipgo.NewServer(ua)
	if err != nil {
		ua.Close()
		return fmt.Errorf("create server: %w", err)
	}
	client, err := sipgo.NewClient(ua)
	if err != nil {
		ua.Close()
		return fmt.Errorf("create client: %w", err)
	}
	t.ua, t.srv, t.client = ua, srv, client
	t.dlgUA = &sipgo.DialogUA{
		Client:     client,
		ContactHDR: t.contactHeader(),
	}

	srv.OnRequest(sip.INVITE, t.onInvite)
	srv.OnRequest(sip.ACK, t.onAck)
	srv.OnRequest(sip.BYE, t.onBye)
	srv.OnRequest(sip.CANCEL, t.onCancel)
	srv.OnRequest(sip.INFO, t.onInfo)
	srv.OnRequest(sip.OPTIONS, t.onOptions)

	go func() {
		<-ctx.Done()
		_ = t.Stop()
	}()
	go func() {
		if err := srv.ListenAndServe(ctx, t.cfg.Transport, t.cfg.BindAddr); err != nil {
			t.logger.Error("sip_server_error", "error", err.Error())
		}
	}()
	t.logger.Info("sip_listening", "bind", t.cfg.BindAddr, "transport", t.cfg.Transport)
	return nil
}

func (t *Transport) Stop() error {
	if t.closed.Swap(true) {
		return nil
	}
	t.mu.Lock()
	if t.regTimer != nil {
		t.regTimer.Stop()
		t.regTimer = nil
	}
	creds := t.creds
	registered := t.registered
	t.mu.Unlock()

	if registered && creds.Username != "" {
		t.unregister(creds)
	}
	if t.ua != nil {
		_ = t.ua.Close()
	}
	close(t.eventsCh)
	return nil
}

func (t *Transport) emit(ev events.Event) {
	if t.closed.Load() {
		return
	}
	select {
	case t.eventsCh <- ev:
	default:
		t.logger.Warn("sip_events_channel_full", "kind", string(ev.Kind()))
	}
}

func (t *Transport) eventMeta(status string) map[string]string {
	meta := map[string]string{events.MetaTransport: "sipgate"}
	if status != "" {
		meta[events.MetaSIPStatus] = status
	}
	return meta
}

// advertiseHost is the host other SIP elements should reach us at.
func (t *Transport) advertiseHost() string {
	if t.cfg.AdvertiseAddr != "" {
		return t.cfg.AdvertiseAddr
	}
	host, _, err := net.SplitHostPort(t.cfg.BindAddr)
	if err != nil || host == "" || host == "0.0.0.0" || host == "::" {
		return "127.0.0.1"
	}
	return host
}

func (t *Transport) listenPort() int {
	_, portStr, err := net.SplitHostPort(t.cfg.BindAddr)
	if err != nil {
		return 5070
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 5070
	}
	return port
}

func (t *Transport) contactHeader() sip.ContactHeader {
	return sip.ContactHeader{
		Address: sip.Uri{
			Scheme: "sip",
			User:   t.username(),
			Host:   t.advertiseHost(),
			Port:   t.listenPort(),
		},
	}
}

func (t *Transport) username() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.creds.Username != "" {
		return t.creds.Username
	}
	return "dialtone"
}

func (t *Transport) domain() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.creds.Realm != "" {
		return t.creds.Realm
	}
	return t.cfg.Domain
}

// remoteURI turns a dialed number or SIP address into a request URI at
// the account's domain.
func (t *Transport) remoteURI(remote string) (sip.Uri, error) {
	remote = strings.TrimSpace(remote)
	var uri sip.Uri
	if strings.HasPrefix(remote, "sip:") || strings.HasPrefix(remote, "sips:") {
		if err := sip.ParseUri(remote, &uri); err != nil {
			return sip.Uri{}, fmt.Errorf("invalid sip uri: %w", err)
		}
		return uri, nil
	}
	return sip.Uri{Scheme: "sip", User: remote, Host: t.domain()}, nil
}

func (t *Transport) onOptions(req *sip.Request, tx sip.ServerTransaction) {
	_ = tx.Respond(sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil))
}

// onInfo acknowledges in-dialog INFO. Remote DTMF is not surfaced to
// the session; a phone has nothing to do with tones it receives.
func (t *Transport) onInfo(req *sip.Request, tx sip.ServerTransaction) {
	_ = tx.Respond(sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil))
}

func callIDValue(req *sip.Request) string {
	if id := req.CallID(); id != nil {
		return id.Value()
	}
	return ""
}

func statusLine(code int, reason string) string {
	return fmt.Sprintf("%d %s", code, reason)
}

var _ transports.Transport = (*Transport)(nil)
var _ transports.ReadyReporter = (*Transport)(nil)
