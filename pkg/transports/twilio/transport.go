package twilio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harunnryd/dialtone/pkg/configutil"
	"github.com/harunnryd/dialtone/pkg/errorsx"
	"github.com/harunnryd/dialtone/pkg/events"
	"github.com/harunnryd/dialtone/pkg/resilience"
	"github.com/harunnryd/dialtone/pkg/transports"
	twilioclient "github.com/twilio/twilio-go/client"
)

type Config struct {
	AccountSID         string `mapstructure:"account_sid"`
	AuthToken          string `mapstructure:"auth_token"`
	CallerID           string `mapstructure:"caller_id"`
	ServerAddr         string `mapstructure:"server_addr"`
	PublicURL          string `mapstructure:"public_url"`
	VoicePath          string `mapstructure:"voice_path"`
	StatusCallbackPath string `mapstructure:"status_callback_path"`
	// RingHoldSeconds bounds how long an unanswered inbound caller is
	// kept waiting before Twilio completes the leg on its own.
	RingHoldSeconds int `mapstructure:"ring_hold_seconds"`
}

func (c Config) withDefaults() Config {
	c.ServerAddr = configutil.StringValue(c.ServerAddr, ":8080")
	c.VoicePath = configutil.StringValue(c.VoicePath, "/voice")
	c.StatusCallbackPath = configutil.StringValue(c.StatusCallbackPath, "/status")
	if c.RingHoldSeconds <= 0 {
		c.RingHoldSeconds = 60
	}
	return c
}

// leg is one Twilio call leg this client is involved in.
type leg struct {
	direction string
	answered  bool
}

// Transport drives calls over Twilio's Programmable Voice REST API.
// Signaling is webhook-shaped: commands go out as REST calls, progress
// comes back as status callbacks on the embedded HTTP server. There is
// no SIP-style registration; Register checks credentials and reports
// the webhook endpoints ready.
type Transport struct {
	cfg    Config
	server *http.Server
	logger *slog.Logger
	retry  resilience.RetryPolicy

	eventsCh chan events.Event
	draining atomic.Bool

	mu      sync.Mutex
	client  restAPI
	legs    map[string]*leg
	pending string // inbound SID awaiting accept/reject
	current string // SID hangup and digits act on
}

func New(cfg Config, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{
		cfg:      cfg.withDefaults(),
		logger:   logger,
		retry:    resilience.NewRetryPolicy(2, 200*time.Millisecond),
		eventsCh: make(chan events.Event, 256),
		legs:     make(map[string]*leg),
	}
}

var settingsSchema = configutil.Schema{
	Required: []string{"account_sid", "auth_token"},
	Optional: []string{
		"caller_id", "server_addr", "public_url",
		"voice_path", "status_callback_path", "ring_hold_seconds",
	},
}

// Factory builds a Twilio transport from free-form settings.
func Factory(settings map[string]any, logger *slog.Logger) (transports.Transport, error) {
	if err := configutil.ValidateSettings(settings, settingsSchema); err != nil {
		return nil, fmt.Errorf("twilio settings: %w", err)
	}
	var cfg Config
	if err := configutil.DecodeSettings(settings, &cfg); err != nil {
		return nil, fmt.Errorf("twilio settings: %w", err)
	}
	return New(cfg, logger), nil
}

func (t *Transport) Name() string { return "twilio" }

func (t *Transport) Events() <-chan events.Event { return t.eventsCh }

func (t *Transport) ReadyFields() map[string]any {
	return map[string]any{
		"webhook_url":         t.voiceWebhookURL(),
		"status_callback_url": t.statusCallbackURL(),
	}
}

func (t *Transport) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	mux := http.NewServeMux()
	mux.HandleFunc(t.cfg.VoicePath, t.handleVoice)
	mux.HandleFunc(t.cfg.StatusCallbackPath, t.handleStatusCallback)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	t.server = &http.Server{
		Addr:              t.cfg.ServerAddr,
		ReadHeaderTimeout: 5 * time.Second,
		Handler:           mux,
	}
	go func() {
		<-ctx.Done()
		_ = t.server.Close()
	}()
	go func() {
		if err := t.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.logger.Error("twilio_transport_server_error", "error", err.Error())
		}
	}()
	return nil
}

func (t *Transport) Stop() error {
	if t.draining.Swap(true) {
		return nil
	}
	if t.server != nil {
		_ = t.server.Close()
	}
	t.mu.Lock()
	t.legs = make(map[string]*leg)
	t.pending = ""
	t.current = ""
	t.mu.Unlock()
	close(t.eventsCh)
	return nil
}

// Register binds the REST client. Twilio holds no persistent session,
// so registered means credentials are present and the webhook server is
// the reachable contact point.
func (t *Transport) Register(ctx context.Context, creds transports.Credentials) error {
	t.mu.Lock()
	if creds.Username != "" {
		t.cfg.AccountSID = creds.Username
	}
	if creds.Password != "" {
		t.cfg.AuthToken = creds.Password
	}
	sid, token := t.cfg.AccountSID, t.cfg.AuthToken
	t.client = nil
	t.mu.Unlock()
	if sid == "" || token == "" {
		t.emit(events.NewRegistrationFailed("missing twilio credentials", t.eventMeta("")))
		return nil
	}
	t.emit(events.NewRegistered(t.eventMeta("")))
	t.logger.Info("twilio_registered", "webhook_url", t.voiceWebhookURL())
	return nil
}

func (t *Transport) handleVoice(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if t.draining.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	if t.cfg.AuthToken != "" && !t.validateTwilioRequest(r) {
		t.logger.Warn("twilio_invalid_signature", "reason_code", string(errorsx.ReasonTransportInvalidSignature))
		w.WriteHeader(http.StatusForbidden)
		return
	}
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	direction := strings.ToLower(r.FormValue("Direction"))
	if strings.HasPrefix(direction, "outbound") {
		// our outbound leg was answered; the answered status callback
		// carries the event, this response just keeps the call up
		writeTwiML(w, activeTwiML())
		return
	}

	callSID := r.FormValue("CallSid")
	from := r.FormValue("From")
	if callSID == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	t.mu.Lock()
	busy := t.pending != ""
	if !busy {
		t.pending = callSID
		t.legs[callSID] = &leg{direction: "inbound"}
	}
	t.mu.Unlock()

	if busy {
		// one ringing offer at a time; further callers get a busy signal
		writeTwiML(w, `<Response><Reject reason="busy"/></Response>`)
		return
	}
	t.emit(events.NewIncomingOffer(callSID, from, t.eventMeta(callSID)))
	writeTwiML(w, fmt.Sprintf(`<Response><Pause length="%d"/></Response>`, t.cfg.RingHoldSeconds))
}

func (t *Transport) handleStatusCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if t.cfg.AuthToken != "" && !t.validateTwilioRequest(r) {
		t.logger.Warn("twilio_status_invalid_signature", "reason_code", string(errorsx.ReasonTransportInvalidSignature))
		w.WriteHeader(http.StatusForbidden)
		return
	}
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusOK)
		return
	}
	callSID := r.FormValue("CallSid")
	status := strings.ToLower(strings.TrimSpace(r.FormValue("CallStatus")))
	if callSID == "" || status == "" {
		w.WriteHeader(http.StatusOK)
		return
	}
	t.applyStatus(callSID, status)
	w.WriteHeader(http.StatusOK)
}

func (t *Transport) applyStatus(callSID, status string) {
	t.mu.Lock()
	l := t.legs[callSID]
	t.mu.Unlock()
	if l == nil {
		return
	}
	switch status {
	case "queued", "initiated", "ringing":
	case "in-progress", "answered":
		// inbound answer is signaled by AcceptIncoming, not by Twilio
		// marking the held leg in progress
		if l.direction != "outbound" {
			return
		}
		t.mu.Lock()
		already := l.answered
		l.answered = true
		t.mu.Unlock()
		if !already {
			t.emit(events.NewRemoteAnswered(callSID, t.eventMeta(callSID)))
		}
	case "failed":
		t.forget(callSID)
		t.emit(events.NewTransportError(callSID, "call failed", t.eventMeta(callSID)))
	default:
		reason := normalizeEndReason(status)
		if reason == "" {
			return
		}
		t.forget(callSID)
		t.emit(events.NewRemoteDisconnected(callSID, reason, t.eventMeta(callSID)))
	}
}

func (t *Transport) forget(callSID string) {
	t.mu.Lock()
	delete(t.legs, callSID)
	if t.pending == callSID {
		t.pending = ""
	}
	if t.current == callSID {
		t.current = ""
	}
	t.mu.Unlock()
}

func (t *Transport) emit(ev events.Event) {
	if t.draining.Load() {
		return
	}
	select {
	case t.eventsCh <- ev:
	default:
		t.logger.Warn("twilio_events_channel_full", "kind", string(ev.Kind()))
	}
}

func (t *Transport) eventMeta(callSID string) map[string]string {
	meta := map[string]string{events.MetaTransport: "twilio"}
	if callSID != "" {
		meta[events.MetaCallSID] = callSID
	}
	return meta
}

func (t *Transport) voiceWebhookURL() string {
	return t.publicEndpoint(t.cfg.VoicePath)
}

func (t *Transport) statusCallbackURL() string {
	return t.publicEndpoint(t.cfg.StatusCallbackPath)
}

func (t *Transport) publicEndpoint(path string) string {
	if t.cfg.PublicURL != "" {
		return "https://" + normalizePublicURL(t.cfg.PublicURL) + path
	}
	addr := t.cfg.ServerAddr
	if addr == "" {
		addr = ":8080"
	}
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr + path
}

func (t *Transport) validateTwilioRequest(r *http.Request) bool {
	signature := r.Header.Get("X-Twilio-Signature")
	if signature == "" {
		return false
	}
	if t.cfg.AuthToken == "" {
		return false
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return false
	}
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))

	validator := twilioclient.NewRequestValidator(t.cfg.AuthToken)
	return validator.ValidateBody(t.requestURL(r), body, signature)
}

func (t *Transport) requestURL(r *http.Request) string {
	if t.cfg.PublicURL != "" {
		base := strings.TrimRight(t.cfg.PublicURL, "/")
		return base + r.URL.RequestURI()
	}
	scheme := r.URL.Scheme
	if scheme == "" {
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		} else {
			scheme = "https"
		}
	}
	host := r.Host
	if host == "" {
		host = strings.TrimPrefix(t.cfg.ServerAddr, ":")
	}
	return scheme + "://" + host + r.URL.RequestURI()
}

func writeTwiML(w http.ResponseWriter, twiml string) {
	w.Header().Set("Content-Type", "text/xml")
	_, _ = w.Write([]byte(twiml))
}

// activeTwiML keeps an answered leg open; the call ends via REST update
// or the far end hanging up, not by the document running out.
func activeTwiML() string {
	return `<Response><Pause length="3600"/></Response>`
}

func digitsTwiML(digits string) string {
	return fmt.Sprintf(`<Response><Play digits="%s"/><Pause length="3600"/></Response>`, xmlEscape(digits))
}

func xmlEscape(in string) string {
	replacer := strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
		"\"", "&quot;",
		"'", "&apos;",
	)
	return replacer.Replace(in)
}

func normalizeEndReason(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "queued", "initiated", "ringing", "in-progress", "inprogress", "answered":
		return ""
	case "completed", "hangup":
		return "completed"
	case "busy":
		return "busy"
	case "no_answer", "noanswer", "no-answer":
		return "no_answer"
	case "canceled", "cancelled":
		return "canceled"
	default:
		return "unknown"
	}
}

func normalizePublicURL(v string) string {
	if v == "" {
		return ""
	}
	if len(v) >= 8 && v[:8] == "https://" {
		v = v[8:]
	} else if len(v) >= 7 && v[:7] == "http://" {
		v = v[7:]
	}
	for len(v) > 0 && v[len(v)-1] == '/' {
		v = v[:len(v)-1]
	}
	return v
}

var _ transports.Transport = (*Transport)(nil)
var _ transports.ReadyReporter = (*Transport)(nil)
