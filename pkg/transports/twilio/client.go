package twilio

import (
	"context"
	"errors"
	"strings"

	"github.com/harunnryd/dialtone/pkg/errorsx"
	"github.com/harunnryd/dialtone/pkg/events"
	"github.com/twilio/twilio-go"
	api "github.com/twilio/twilio-go/rest/api/v2010"
)

type restAPI interface {
	CreateCall(params *api.CreateCallParams) (*api.ApiV2010Call, error)
	UpdateCall(sid string, params *api.UpdateCallParams) (*api.ApiV2010Call, error)
}

func (t *Transport) api() (restAPI, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client != nil {
		return t.client, nil
	}
	if t.cfg.AccountSID == "" || t.cfg.AuthToken == "" {
		return nil, errors.New("missing twilio credentials")
	}
	rest := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: t.cfg.AccountSID,
		Password: t.cfg.AuthToken,
	})
	t.client = rest.Api
	return t.client, nil
}

// Connect places an outbound call. The returned reference is the Twilio
// call SID; answer and termination arrive via the status callback.
func (t *Transport) Connect(ctx context.Context, remote string) (string, error) {
	if strings.TrimSpace(remote) == "" {
		return "", errors.New("remote number required")
	}
	if t.cfg.CallerID == "" {
		return "", errors.New("caller_id required for outbound calls")
	}
	client, err := t.api()
	if err != nil {
		return "", err
	}
	params := &api.CreateCallParams{}
	params.SetTo(remote)
	params.SetFrom(t.cfg.CallerID)
	params.SetUrl(t.voiceWebhookURL())
	params.SetStatusCallback(t.statusCallbackURL())
	params.SetStatusCallbackEvent([]string{"initiated", "ringing", "answered", "completed"})
	var resp *api.ApiV2010Call
	err = t.retry.Do(ctx, func() error {
		var callErr error
		resp, callErr = client.CreateCall(params)
		return callErr
	})
	if err != nil {
		return "", errorsx.Wrap(err, errorsx.ReasonTransport)
	}
	if resp == nil || resp.Sid == nil {
		return "", errors.New("missing call sid")
	}
	sid := *resp.Sid
	t.mu.Lock()
	t.legs[sid] = &leg{direction: "outbound"}
	t.current = sid
	t.mu.Unlock()
	return sid, nil
}

// AcceptIncoming answers the pending inbound leg by replacing its hold
// TwiML. Success is the answer signal for inbound calls.
func (t *Transport) AcceptIncoming(ctx context.Context) error {
	t.mu.Lock()
	sid := t.pending
	t.mu.Unlock()
	if sid == "" {
		return errors.New("no pending inbound call")
	}
	client, err := t.api()
	if err != nil {
		return err
	}
	params := &api.UpdateCallParams{}
	params.SetTwiml(activeTwiML())
	err = t.retry.Do(ctx, func() error {
		_, callErr := client.UpdateCall(sid, params)
		return callErr
	})
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonTransport)
	}
	t.mu.Lock()
	t.pending = ""
	t.current = sid
	if l := t.legs[sid]; l != nil {
		l.answered = true
	}
	t.mu.Unlock()
	t.emit(events.NewRemoteAnswered(sid, t.eventMeta(sid)))
	return nil
}

// RejectIncoming ends the pending inbound leg. The leg is already
// executing hold TwiML, so it is completed rather than canceled.
func (t *Transport) RejectIncoming(ctx context.Context) error {
	t.mu.Lock()
	sid := t.pending
	t.pending = ""
	t.mu.Unlock()
	if sid == "" {
		return nil
	}
	t.forget(sid)
	return t.endLeg(ctx, sid, true)
}

// Disconnect ends the current leg.
func (t *Transport) Disconnect(ctx context.Context) error {
	t.mu.Lock()
	sid := t.current
	var answered bool
	if l := t.legs[sid]; l != nil {
		answered = l.answered
	}
	t.mu.Unlock()
	if sid == "" {
		return nil
	}
	t.forget(sid)
	return t.endLeg(ctx, sid, answered)
}

func (t *Transport) endLeg(ctx context.Context, sid string, inProgress bool) error {
	client, err := t.api()
	if err != nil {
		return err
	}
	params := &api.UpdateCallParams{}
	// Twilio cancels a leg still queued or ringing and completes one
	// that reached in-progress
	if inProgress {
		params.SetStatus("completed")
	} else {
		params.SetStatus("canceled")
	}
	err = t.retry.Do(ctx, func() error {
		_, callErr := client.UpdateCall(sid, params)
		return callErr
	})
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonTransport)
	}
	return nil
}

// SendDigits plays DTMF into the current leg.
func (t *Transport) SendDigits(ctx context.Context, digits string) error {
	if strings.TrimSpace(digits) == "" {
		return errors.New("digits required")
	}
	t.mu.Lock()
	sid := t.current
	t.mu.Unlock()
	if sid == "" {
		return errors.New("no call in progress")
	}
	client, err := t.api()
	if err != nil {
		return err
	}
	params := &api.UpdateCallParams{}
	params.SetTwiml(digitsTwiML(digits))
	err = t.retry.Do(ctx, func() error {
		_, callErr := client.UpdateCall(sid, params)
		return callErr
	})
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonTransportSend)
	}
	return nil
}

// SetMuted is not expressible on a plain Twilio call leg; muting lives
// in the conference API. Recorded as a no-op so the session's state
// stays consistent across transports.
func (t *Transport) SetMuted(ctx context.Context, muted bool) error {
	t.logger.Debug("twilio_mute_unsupported", "muted", muted)
	return nil
}
