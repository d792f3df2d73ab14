package sipgate

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/harunnryd/dialtone/pkg/errorsx"
	"github.com/harunnryd/dialtone/pkg/events"
	"github.com/harunnryd/dialtone/pkg/transports"
	"github.com/icholy/digest"
)

const allowedMethods = "INVITE, ACK, CANCEL, BYE, OPTIONS, INFO"

// Register binds the account at the provider registrar. The outcome is
// reported through the event stream; a non-nil return means the request
// could not be dispatched at all.
func (t *Transport) Register(ctx context.Context, creds transports.Credentials) error {
	if t.client == nil {
		return errorsx.Errorf(errorsx.ReasonRegistration, "sip transport not started")
	}
	if creds.Username == "" || creds.Password == "" {
		t.emit(events.NewRegistrationFailed("missing sip credentials", t.eventMeta("")))
		return nil
	}

	t.mu.Lock()
	t.creds = creds
	if t.regCallID == "" {
		t.regCallID = uuid.NewString()
	}
	if t.regTimer != nil {
		t.regTimer.Stop()
		t.regTimer = nil
	}
	t.mu.Unlock()

	if err := t.sendRegister(ctx, creds, t.expirySeconds()); err != nil {
		t.logger.Warn("sip_registration_failed", "error", err.Error())
		t.mu.Lock()
		t.registered = false
		t.mu.Unlock()
		t.emit(events.NewRegistrationFailed(err.Error(), t.eventMeta("")))
		return nil
	}

	t.mu.Lock()
	t.registered = true
	t.mu.Unlock()
	t.logger.Info("sip_registered", "domain", t.domain(), "expires_s", t.expirySeconds())
	t.emit(events.NewRegistered(t.eventMeta("")))
	t.scheduleRefresh(creds)
	return nil
}

func (t *Transport) expirySeconds() int {
	return int(t.cfg.RegisterExpiry / time.Second)
}

// sendRegister runs one REGISTER round trip, answering a digest
// challenge once if the registrar asks for one.
func (t *Transport) sendRegister(ctx context.Context, creds transports.Credentials, expires int) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
	}

	req := t.buildRegister(creds, expires, "", "")
	res, err := t.roundTrip(ctx, req)
	if err != nil {
		return fmt.Errorf("register: %w", err)
	}

	if res.StatusCode == 401 || res.StatusCode == 407 {
		authName, authValue, err := digestAnswer(res, digest.Options{
			Method:   "REGISTER",
			URI:      "sip:" + t.domain(),
			Username: creds.Username,
			Password: creds.Password,
		})
		if err != nil {
			return err
		}
		req = t.buildRegister(creds, expires, authName, authValue)
		res, err = t.roundTrip(ctx, req)
		if err != nil {
			return fmt.Errorf("register: %w", err)
		}
	}

	if res.StatusCode != sip.StatusOK {
		return fmt.Errorf("registrar rejected: %s", statusLine(int(res.StatusCode), res.Reason))
	}
	return nil
}

func (t *Transport) buildRegister(creds transports.Credentials, expires int, authName, authValue string) *sip.Request {
	domain := t.domain()
	aor := sip.Uri{Scheme: "sip", User: creds.Username, Host: domain}

	req := sip.NewRequest(sip.REGISTER, sip.Uri{Scheme: "sip", Host: domain})
	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)

	fromParams := sip.NewParams()
	fromParams.Add("tag", uuid.NewString()[:8])
	req.AppendHeader(&sip.FromHeader{Address: aor, Params: fromParams})
	req.AppendHeader(&sip.ToHeader{Address: aor, Params: sip.NewParams()})

	t.mu.Lock()
	callID := sip.CallIDHeader(t.regCallID)
	t.regCSeq++
	cseq := t.regCSeq
	t.mu.Unlock()
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: cseq, MethodName: sip.REGISTER})

	contact := t.contactHeader()
	req.AppendHeader(&contact)
	req.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(expires)))
	req.AppendHeader(sip.NewHeader("Allow", allowedMethods))
	if authName != "" {
		req.AppendHeader(sip.NewHeader(authName, authValue))
	}
	req.SetDestination(t.cfg.Proxy)
	return req
}

// scheduleRefresh re-registers at half the granted lifetime so the
// binding never lapses.
func (t *Transport) scheduleRefresh(creds transports.Credentials) {
	interval := t.cfg.RegisterExpiry / 2
	if interval < 10*time.Second {
		interval = 10 * time.Second
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed.Load() {
		return
	}
	t.regTimer = time.AfterFunc(interval, func() { t.refresh(creds) })
}

func (t *Transport) refresh(creds transports.Credentials) {
	if t.closed.Load() {
		return
	}
	if err := t.sendRegister(context.Background(), creds, t.expirySeconds()); err != nil {
		t.logger.Warn("sip_reregistration_failed", "error", err.Error())
		t.mu.Lock()
		t.registered = false
		t.mu.Unlock()
		t.emit(events.NewRegistrationFailed("registration refresh failed: "+err.Error(), t.eventMeta("")))
		return
	}
	t.logger.Debug("sip_registration_refreshed")
	t.scheduleRefresh(creds)
}

// unregister drops the binding with an Expires: 0 REGISTER. Best effort
// during shutdown.
func (t *Transport) unregister(creds transports.Credentials) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := t.sendRegister(ctx, creds, 0); err != nil {
		t.logger.Debug("sip_unregister_failed", "error", err.Error())
	}
}

// roundTrip sends a request and waits for its final response.
// Provisional responses are consumed and dropped.
func (t *Transport) roundTrip(ctx context.Context, req *sip.Request) (*sip.Response, error) {
	tx, err := t.client.TransactionRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	for {
		select {
		case res, ok := <-tx.Responses():
			if !ok {
				return nil, fmt.Errorf("transaction closed for %s", req.Method)
			}
			if res.StatusCode >= 200 {
				return res, nil
			}
		case <-tx.Done():
			return nil, fmt.Errorf("transaction terminated for %s", req.Method)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// digestAnswer computes the Authorization (or Proxy-Authorization)
// header answering the challenge carried by res.
func digestAnswer(res *sip.Response, opts digest.Options) (name, value string, err error) {
	hdr := res.GetHeader("WWW-Authenticate")
	name = "Authorization"
	if hdr == nil {
		hdr = res.GetHeader("Proxy-Authenticate")
		name = "Proxy-Authorization"
	}
	if hdr == nil {
		return "", "", fmt.Errorf("no digest challenge in %d response", res.StatusCode)
	}
	chal, err := digest.ParseChallenge(hdr.Value())
	if err != nil {
		return "", "", fmt.Errorf("parse challenge: %w", err)
	}
	cred, err := digest.Digest(chal, opts)
	if err != nil {
		return "", "", fmt.Errorf("compute digest: %w", err)
	}
	return name, cred.String(), nil
}
