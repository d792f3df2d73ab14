package sipgate

import (
	"context"
	"fmt"

	"github.com/emiago/sipgo/sip"
	"github.com/harunnryd/dialtone/pkg/errorsx"
	"github.com/harunnryd/dialtone/pkg/events"
	"github.com/harunnryd/dialtone/pkg/redact"
)

// onInvite rings the session for a fresh call. One un-actioned invite
// is held at a time; while a call is active a second caller still rings
// through so the session can hold the offer, a third gets 486.
func (t *Transport) onInvite(req *sip.Request, tx sip.ServerTransaction) {
	callID := callIDValue(req)
	if callID == "" {
		_ = tx.Respond(sip.NewResponseFromRequest(req, 400, "Missing Call-ID", nil))
		return
	}

	t.mu.Lock()
	if d := t.dialog; d != nil && d.callID == callID {
		t.mu.Unlock()
		t.respondReinvite(req, tx)
		return
	}
	if t.pending != nil {
		t.mu.Unlock()
		_ = tx.Respond(sip.NewResponseFromRequest(req, 486, "Busy Here", nil))
		t.logger.Info("sip_invite_busy_rejected", "call_id", callID)
		return
	}
	t.pending = &pendingInvite{callID: callID, req: req, tx: tx}
	t.mu.Unlock()

	_ = tx.Respond(sip.NewResponseFromRequest(req, 180, "Ringing", nil))

	caller := callerAddress(req)
	t.logger.Info("sip_incoming_call", "call_id", callID, "caller", redact.Address(caller))
	t.emit(events.NewIncomingOffer(callID, caller, t.eventMeta("")))
}

// respondReinvite answers a session refresh or renegotiation inside the
// established dialog.
func (t *Transport) respondReinvite(req *sip.Request, tx sip.ServerTransaction) {
	var body []byte
	var err error
	if len(req.Body()) > 0 {
		body, err = t.answerSDP(req.Body())
	} else {
		body, err = t.offerSDP("sendrecv")
	}
	if err != nil {
		_ = tx.Respond(sip.NewResponseFromRequest(req, 488, "Not Acceptable Here", nil))
		return
	}
	res := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", body)
	ct := sip.ContentTypeHeader("application/sdp")
	res.AppendHeader(&ct)
	contact := t.contactHeader()
	res.AppendHeader(&contact)
	_ = tx.Respond(res)
}

func (t *Transport) onCancel(req *sip.Request, tx sip.ServerTransaction) {
	callID := callIDValue(req)
	t.mu.Lock()
	p := t.pending
	if p != nil && p.callID == callID {
		t.pending = nil
	} else {
		p = nil
	}
	t.mu.Unlock()

	if p == nil {
		_ = tx.Respond(sip.NewResponseFromRequest(req, 481, "Call/Transaction Does Not Exist", nil))
		return
	}
	_ = tx.Respond(sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil))
	_ = p.tx.Respond(sip.NewResponseFromRequest(p.req, 487, "Request Terminated", nil))
	t.logger.Info("sip_incoming_canceled", "call_id", callID)
	t.emit(events.NewRemoteDisconnected(callID, "caller_canceled", t.eventMeta("")))
}

func (t *Transport) onBye(req *sip.Request, tx sip.ServerTransaction) {
	callID := callIDValue(req)
	t.mu.Lock()
	d := t.dialog
	if d != nil && d.callID == callID {
		t.dialog = nil
	} else {
		d = nil
	}
	t.mu.Unlock()

	if d == nil {
		_ = tx.Respond(sip.NewResponseFromRequest(req, 481, "Call/Transaction Does Not Exist", nil))
		return
	}
	if d.uas != nil {
		if err := d.uas.ReadBye(req, tx); err != nil {
			t.logger.Warn("sip_bye_read_failed", "call_id", callID, "error", err.Error())
		}
	} else {
		_ = tx.Respond(sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil))
	}
	t.logger.Info("sip_remote_hangup", "call_id", callID)
	t.emit(events.NewRemoteDisconnected(callID, "remote_hangup", t.eventMeta("")))
}

func (t *Transport) onAck(req *sip.Request, tx sip.ServerTransaction) {
	callID := callIDValue(req)
	t.mu.Lock()
	d := t.dialog
	t.mu.Unlock()
	if d != nil && d.callID == callID && d.uas != nil {
		if err := d.uas.ReadAck(req, tx); err != nil {
			t.logger.Warn("sip_ack_read_failed", "call_id", callID, "error", err.Error())
		}
	}
}

// AcceptIncoming answers the ringing invite with 200 OK and promotes it
// to the active dialog.
func (t *Transport) AcceptIncoming(ctx context.Context) error {
	t.mu.Lock()
	p := t.pending
	t.pending = nil
	busy := t.dialog != nil
	if busy {
		t.pending = p
	}
	t.mu.Unlock()
	if p == nil {
		return errorsx.Errorf(errorsx.ReasonTransportSend, "no ringing call to accept")
	}
	if busy {
		return errorsx.Errorf(errorsx.ReasonTransportSend, "another dialog is still established")
	}

	answer, err := t.answerSDP(p.req.Body())
	if err != nil {
		_ = p.tx.Respond(sip.NewResponseFromRequest(p.req, 488, "Not Acceptable Here", nil))
		return errorsx.Wrap(err, errorsx.ReasonTransportSend)
	}
	session, err := t.dlgUA.ReadInvite(p.req, p.tx)
	if err != nil {
		return errorsx.Wrap(fmt.Errorf("read invite: %w", err), errorsx.ReasonTransportSend)
	}
	if err := session.RespondSDP(answer); err != nil {
		_ = session.Close()
		return errorsx.Wrap(fmt.Errorf("answer call: %w", err), errorsx.ReasonTransportSend)
	}

	d := &dialogState{callID: p.callID, uas: session, dest: p.req.Source()}
	if contact := p.req.Contact(); contact != nil {
		d.target = contact.Address
	} else if from := p.req.From(); from != nil {
		d.target = from.Address
	}
	if res := session.InviteResponse; res != nil {
		if to := res.To(); to != nil {
			d.from = &sip.FromHeader{DisplayName: to.DisplayName, Address: to.Address, Params: to.Params}
		}
	}
	if from := p.req.From(); from != nil {
		d.to = &sip.ToHeader{DisplayName: from.DisplayName, Address: from.Address, Params: from.Params}
	}
	t.mu.Lock()
	t.dialog = d
	t.mu.Unlock()

	t.logger.Info("sip_call_accepted", "call_id", p.callID)
	t.emit(events.NewRemoteAnswered(p.callID, t.eventMeta("200 OK")))
	return nil
}

// RejectIncoming turns the ringing invite away with 486. The session
// already left its ringing state, so no event follows.
func (t *Transport) RejectIncoming(ctx context.Context) error {
	t.mu.Lock()
	p := t.pending
	t.pending = nil
	t.mu.Unlock()
	if p == nil {
		return nil
	}
	_ = p.tx.Respond(sip.NewResponseFromRequest(p.req, 486, "Busy Here", nil))
	t.logger.Info("sip_call_rejected_local", "call_id", p.callID)
	return nil
}

func callerAddress(req *sip.Request) string {
	from := req.From()
	if from == nil {
		return "unknown"
	}
	if from.Address.User != "" {
		return from.Address.User
	}
	return from.Address.String()
}
