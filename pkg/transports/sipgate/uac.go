package sipgate

import (
	"context"
	"fmt"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/harunnryd/dialtone/pkg/errorsx"
	"github.com/harunnryd/dialtone/pkg/events"
	"github.com/harunnryd/dialtone/pkg/redact"
	"github.com/icholy/digest"
)

// ringTimeout bounds how long an outbound INVITE may ring before the
// attempt is abandoned with a CANCEL.
const ringTimeout = 2 * time.Minute

// outboundInvite is an INVITE that has been sent but not answered.
type outboundInvite struct {
	callID string
	invite *sip.Request
	tx     sip.ClientTransaction
	cancel context.CancelFunc
}

// dialogState carries what in-dialog requests need, for either call
// direction. For accepted inbound calls uas holds the sipgo dialog.
type dialogState struct {
	callID string
	target sip.Uri
	from   *sip.FromHeader
	to     *sip.ToHeader
	cseq   uint32
	dest   string
	uas    *sipgo.DialogServerSession
}

// Connect dials remote. The returned reference is the SIP Call-ID; the
// answer or rejection arrives later on the event stream.
func (t *Transport) Connect(ctx context.Context, remote string) (string, error) {
	if t.client == nil {
		return "", errorsx.Errorf(errorsx.ReasonTransportSend, "sip transport not started")
	}
	uri, err := t.remoteURI(remote)
	if err != nil {
		return "", errorsx.Wrap(err, errorsx.ReasonTransportSend)
	}

	t.mu.Lock()
	busy := t.outbound != nil || t.dialog != nil
	t.mu.Unlock()
	if busy {
		return "", errorsx.Errorf(errorsx.ReasonTransportSend, "another call is already in progress")
	}

	offer, err := t.offerSDP("sendrecv")
	if err != nil {
		return "", errorsx.Wrap(err, errorsx.ReasonTransportSend)
	}

	callID := uuid.NewString()
	fromTag := uuid.NewString()[:8]
	invite := t.buildInvite(uri, callID, 1, fromTag, "", "", offer)

	origCtx, cancel := context.WithTimeout(context.Background(), ringTimeout)
	tx, err := t.client.TransactionRequest(origCtx, invite)
	if err != nil {
		cancel()
		return "", errorsx.Wrap(fmt.Errorf("send invite: %w", err), errorsx.ReasonTransportSend)
	}

	ob := &outboundInvite{callID: callID, invite: invite, tx: tx, cancel: cancel}
	t.mu.Lock()
	t.outbound = ob
	t.mu.Unlock()

	t.logger.Info("sip_dialing", "call_id", callID, "remote", redact.Address(remote))
	go t.originate(origCtx, ob, uri, fromTag)
	return callID, nil
}

func (t *Transport) buildInvite(target sip.Uri, callID string, seq uint32, fromTag, authName, authValue string, body []byte) *sip.Request {
	invite := sip.NewRequest(sip.INVITE, target)
	maxFwd := sip.MaxForwardsHeader(70)
	invite.AppendHeader(&maxFwd)

	fromParams := sip.NewParams()
	fromParams.Add("tag", fromTag)
	invite.AppendHeader(&sip.FromHeader{
		Address: sip.Uri{Scheme: "sip", User: t.username(), Host: t.domain()},
		Params:  fromParams,
	})
	invite.AppendHeader(&sip.ToHeader{Address: target, Params: sip.NewParams()})

	callIDHdr := sip.CallIDHeader(callID)
	invite.AppendHeader(&callIDHdr)
	invite.AppendHeader(&sip.CSeqHeader{SeqNo: seq, MethodName: sip.INVITE})
	contact := t.contactHeader()
	invite.AppendHeader(&contact)
	invite.AppendHeader(sip.NewHeader("Allow", allowedMethods))
	if authName != "" {
		invite.AppendHeader(sip.NewHeader(authName, authValue))
	}
	ct := sip.ContentTypeHeader("application/sdp")
	invite.AppendHeader(&ct)
	invite.SetBody(body)
	invite.SetDestination(t.cfg.Proxy)
	return invite
}

// originate drives one outbound call attempt to its final response,
// answering a digest challenge once along the way.
func (t *Transport) originate(ctx context.Context, ob *outboundInvite, target sip.Uri, fromTag string) {
	defer ob.cancel()
	authTried := false
	invite, tx := ob.invite, ob.tx
	for {
		select {
		case res, ok := <-tx.Responses():
			if !ok {
				t.failOutbound(ob, "invite transaction closed")
				return
			}
			switch {
			case res.StatusCode < 200:
				if res.StatusCode == 180 || res.StatusCode == 183 {
					t.logger.Debug("sip_call_progress", "call_id", ob.callID, "status", int(res.StatusCode))
				}
			case res.StatusCode == 401 || res.StatusCode == 407:
				if authTried {
					t.failOutbound(ob, "authentication rejected: "+statusLine(int(res.StatusCode), res.Reason))
					return
				}
				authTried = true
				username, password := t.credentials()
				authName, authValue, err := digestAnswer(res, digest.Options{
					Method:   "INVITE",
					URI:      target.String(),
					Username: username,
					Password: password,
				})
				if err != nil {
					t.failOutbound(ob, err.Error())
					return
				}
				retry := t.buildInvite(target, ob.callID, cseqOf(invite)+1, fromTag, authName, authValue, invite.Body())
				retryTx, err := t.client.TransactionRequest(ctx, retry)
				if err != nil {
					t.failOutbound(ob, "send invite: "+err.Error())
					return
				}
				t.mu.Lock()
				ob.invite, ob.tx = retry, retryTx
				t.mu.Unlock()
				invite, tx = retry, retryTx
			case res.StatusCode < 300:
				t.completeOutbound(ctx, ob, invite, res)
				return
			default:
				t.endOutbound(ob, res)
				return
			}
		case <-tx.Done():
			t.failOutbound(ob, "invite transaction terminated")
			return
		case <-ctx.Done():
			t.sendCancel(invite)
			t.clearOutbound(ob)
			if ctx.Err() == context.DeadlineExceeded {
				t.emit(events.NewRemoteDisconnected(ob.callID, "no_answer", t.eventMeta("")))
			}
			return
		}
	}
}

// completeOutbound acknowledges the 2xx and promotes the attempt to a
// confirmed dialog. If the caller hung up while the answer was in
// flight the fresh dialog is torn down again instead of surfacing.
func (t *Transport) completeOutbound(ctx context.Context, ob *outboundInvite, invite *sip.Request, res *sip.Response) {
	t.sendAck(invite, res)

	d := &dialogState{
		callID: ob.callID,
		target: invite.Recipient,
		cseq:   cseqOf(invite),
		dest:   t.cfg.Proxy,
	}
	if contact := res.Contact(); contact != nil {
		d.target = contact.Address
	}
	if from := invite.From(); from != nil {
		d.from = &sip.FromHeader{DisplayName: from.DisplayName, Address: from.Address, Params: from.Params}
	}
	if to := res.To(); to != nil {
		d.to = &sip.ToHeader{DisplayName: to.DisplayName, Address: to.Address, Params: to.Params}
	}
	if src := res.Source(); src != "" {
		d.dest = src
	}

	t.mu.Lock()
	canceled := ctx.Err() != nil || t.outbound != ob
	if !canceled {
		t.outbound = nil
		t.dialog = d
	}
	t.mu.Unlock()
	if canceled {
		t.sendBye(context.Background(), d)
		return
	}

	if info, err := parseMediaInfo(res.Body()); err == nil {
		t.logger.Info("sip_call_answered", "call_id", ob.callID, "remote_media", fmt.Sprintf("%s:%d", info.Address, info.Port))
	} else {
		t.logger.Info("sip_call_answered", "call_id", ob.callID)
	}
	t.emit(events.NewRemoteAnswered(ob.callID, t.eventMeta("200 OK")))
}

// endOutbound maps a negative final response onto a call outcome.
// Provider-side failures surface as transport errors, everything else
// as a normal remote disconnect.
func (t *Transport) endOutbound(ob *outboundInvite, res *sip.Response) {
	t.clearOutbound(ob)
	code := int(res.StatusCode)
	status := statusLine(code, res.Reason)
	t.logger.Info("sip_call_rejected", "call_id", ob.callID, "status", status)
	if code >= 500 && code < 600 {
		t.emit(events.NewTransportError(ob.callID, "call setup failed: "+status, t.eventMeta(status)))
		return
	}
	t.emit(events.NewRemoteDisconnected(ob.callID, endReasonForStatus(code), t.eventMeta(status)))
}

func (t *Transport) failOutbound(ob *outboundInvite, reason string) {
	t.clearOutbound(ob)
	t.logger.Warn("sip_call_failed", "call_id", ob.callID, "reason", reason)
	t.emit(events.NewTransportError(ob.callID, reason, t.eventMeta("")))
}

func (t *Transport) clearOutbound(ob *outboundInvite) {
	t.mu.Lock()
	if t.outbound == ob {
		t.outbound = nil
	}
	t.mu.Unlock()
}

func endReasonForStatus(code int) string {
	switch code {
	case 486, 600:
		return "busy"
	case 603:
		return "declined"
	case 404, 484:
		return "not_found"
	case 408, 480:
		return "no_answer"
	default:
		return "rejected"
	}
}

func cseqOf(req *sip.Request) uint32 {
	if cseq := req.CSeq(); cseq != nil {
		return cseq.SeqNo
	}
	return 1
}

// sendAck confirms a 2xx answer. The ACK goes straight to the answering
// endpoint, outside the INVITE transaction.
func (t *Transport) sendAck(invite *sip.Request, res *sip.Response) {
	ackURI := invite.Recipient
	if contact := res.Contact(); contact != nil {
		ackURI = contact.Address
	}
	ack := sip.NewRequest(sip.ACK, ackURI)
	maxFwd := sip.MaxForwardsHeader(70)
	ack.AppendHeader(&maxFwd)
	sip.CopyHeaders("From", invite, ack)
	if to := res.To(); to != nil {
		ack.AppendHeader(&sip.ToHeader{DisplayName: to.DisplayName, Address: to.Address, Params: to.Params})
	}
	sip.CopyHeaders("Call-ID", invite, ack)
	if cseq := invite.CSeq(); cseq != nil {
		ack.AppendHeader(&sip.CSeqHeader{SeqNo: cseq.SeqNo, MethodName: sip.ACK})
	}
	dest := res.Source()
	if dest == "" {
		dest = t.cfg.Proxy
	}
	ack.SetDestination(dest)
	if err := t.client.WriteRequest(ack); err != nil {
		t.logger.Warn("sip_ack_failed", "call_id", callIDValue(invite), "error", err.Error())
	}
}

// sendCancel aborts a ringing INVITE. Headers are copied from the
// INVITE so the far end can match the transaction.
func (t *Transport) sendCancel(invite *sip.Request) {
	cancelReq := sip.NewRequest(sip.CANCEL, invite.Recipient)
	sip.CopyHeaders("Via", invite, cancelReq)
	sip.CopyHeaders("From", invite, cancelReq)
	sip.CopyHeaders("To", invite, cancelReq)
	sip.CopyHeaders("Call-ID", invite, cancelReq)
	if cseq := invite.CSeq(); cseq != nil {
		cancelReq.AppendHeader(&sip.CSeqHeader{SeqNo: cseq.SeqNo, MethodName: sip.CANCEL})
	}
	cancelReq.SetDestination(t.cfg.Proxy)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := t.roundTrip(ctx, cancelReq); err != nil {
		t.logger.Warn("sip_cancel_failed", "call_id", callIDValue(invite), "error", err.Error())
	}
}

// inDialogRequest builds a request inside an established dialog.
// Callers must hold t.mu for the CSeq increment.
func (t *Transport) inDialogRequest(d *dialogState, method sip.RequestMethod) *sip.Request {
	req := sip.NewRequest(method, d.target)
	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)
	if d.from != nil {
		req.AppendHeader(d.from)
	}
	if d.to != nil {
		req.AppendHeader(d.to)
	}
	callID := sip.CallIDHeader(d.callID)
	req.AppendHeader(&callID)
	d.cseq++
	req.AppendHeader(&sip.CSeqHeader{SeqNo: d.cseq, MethodName: method})
	contact := t.contactHeader()
	req.AppendHeader(&contact)
	if d.dest != "" {
		req.SetDestination(d.dest)
	}
	return req
}

func (t *Transport) sendBye(ctx context.Context, d *dialogState) {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
	}
	if d.uas != nil {
		if err := d.uas.Bye(ctx); err != nil {
			t.logger.Warn("sip_bye_failed", "call_id", d.callID, "error", err.Error())
		}
		_ = d.uas.Close()
		return
	}
	t.mu.Lock()
	bye := t.inDialogRequest(d, sip.BYE)
	t.mu.Unlock()
	if _, err := t.roundTrip(ctx, bye); err != nil {
		t.logger.Warn("sip_bye_failed", "call_id", d.callID, "error", err.Error())
	}
}

// Disconnect tears down whatever leg is live. A ringing outbound
// attempt is canceled, a confirmed dialog gets a BYE. The session has
// already moved on locally, so no event is emitted here.
func (t *Transport) Disconnect(ctx context.Context) error {
	t.mu.Lock()
	ob := t.outbound
	d := t.dialog
	t.outbound = nil
	t.dialog = nil
	t.mu.Unlock()

	if ob != nil {
		t.logger.Info("sip_cancel_dialing", "call_id", ob.callID)
		ob.cancel()
		return nil
	}
	if d != nil {
		t.logger.Info("sip_hangup", "call_id", d.callID)
		t.sendBye(ctx, d)
	}
	return nil
}

// SendDigits plays DTMF into the call as one INFO request per digit.
func (t *Transport) SendDigits(ctx context.Context, digits string) error {
	t.mu.Lock()
	d := t.dialog
	t.mu.Unlock()
	if d == nil {
		return errorsx.Errorf(errorsx.ReasonTransportSend, "no established call for digits")
	}
	for _, digit := range digits {
		if err := t.sendInfoDigit(ctx, d, digit); err != nil {
			return errorsx.Wrap(fmt.Errorf("send digit: %w", err), errorsx.ReasonTransportSend)
		}
	}
	return nil
}

// dtmfInfoBody renders the application/dtmf-relay payload for one tone.
func dtmfInfoBody(digit rune, durationMS int) []byte {
	return []byte(fmt.Sprintf("Signal=%c\r\nDuration=%d\r\n", digit, durationMS))
}

func (t *Transport) sendInfoDigit(ctx context.Context, d *dialogState, digit rune) error {
	t.mu.Lock()
	req := t.inDialogRequest(d, sip.INFO)
	t.mu.Unlock()
	ct := sip.ContentTypeHeader("application/dtmf-relay")
	req.AppendHeader(&ct)
	req.SetBody(dtmfInfoBody(digit, t.cfg.DTMFDurationMS))

	res, err := t.roundTrip(ctx, req)
	if err != nil {
		return err
	}
	if res.StatusCode != sip.StatusOK {
		return fmt.Errorf("info rejected: %s", statusLine(int(res.StatusCode), res.Reason))
	}
	return nil
}

// SetMuted renegotiates the stream direction with a re-INVITE:
// sendonly while muted, sendrecv again after unmute.
func (t *Transport) SetMuted(ctx context.Context, muted bool) error {
	t.mu.Lock()
	d := t.dialog
	t.mu.Unlock()
	if d == nil {
		return nil
	}
	direction := "sendrecv"
	if muted {
		direction = "sendonly"
	}
	body, err := t.offerSDP(direction)
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonTransportSend)
	}

	t.mu.Lock()
	req := t.inDialogRequest(d, sip.INVITE)
	t.mu.Unlock()
	ct := sip.ContentTypeHeader("application/sdp")
	req.AppendHeader(&ct)
	req.SetBody(body)

	res, err := t.roundTrip(ctx, req)
	if err != nil {
		return errorsx.Wrap(fmt.Errorf("mute reinvite: %w", err), errorsx.ReasonTransportSend)
	}
	if res.StatusCode >= 200 && res.StatusCode < 300 {
		t.sendAck(req, res)
		t.logger.Debug("sip_mute_updated", "call_id", d.callID, "muted", muted)
		return nil
	}
	return errorsx.Errorf(errorsx.ReasonTransportSend, "mute reinvite rejected: %s", statusLine(int(res.StatusCode), res.Reason))
}

func (t *Transport) credentials() (username, password string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.creds.Username, t.creds.Password
}
