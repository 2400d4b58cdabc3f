package sip

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/flowpbx/tenantgw/internal/call"
	"github.com/google/uuid"
)

const (
	// teardownTimeout bounds BYE and CANCEL sent during cleanup.
	teardownTimeout = 5 * time.Second
)

// CreateB2BUA sends the outbound INVITE for an inbound call and, once the
// destination answers, answers the caller. Provisional 180/183 responses
// are relayed to the caller. A CANCEL from the caller, or cancellation of
// ctx, cancels the outbound INVITE and answers the caller with 487.
func (s *Server) CreateB2BUA(ctx context.Context, r call.B2BUARequest) (call.Leg, call.Leg, error) {
	in, ok := r.Inbound.(*inboundCall)
	if !ok {
		return nil, nil, fmt.Errorf("inbound call %s was not received by this server", r.Inbound.CallID())
	}
	logger := in.logger.With("destination", r.Target)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(in.ctx, cancel)
	defer stop()
	go func() {
		select {
		case <-in.tx.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	_, hop, transport, err := nextHop(r.Target)
	if err != nil {
		return nil, nil, err
	}

	invite := s.buildInvite(in, r, hop, transport)
	logger.Info("sending outbound invite", "next_hop", hop, "outbound_call_id", invite.CallID().Value())

	ringingRelayed := false
	creds := credentials{username: r.AuthUsername, password: r.AuthPassword}
	sent, res, tx, err := s.request(ctx, invite, creds, func(p *sip.Response) {
		if (p.StatusCode == 180 || p.StatusCode == 183) && !ringingRelayed {
			ringingRelayed = true
			in.provisional(p.StatusCode, p.Reason)
		}
	})
	if err != nil {
		if ctx.Err() != nil {
			s.cancelInvite(sent, tx, creds)
			in.Respond(487, "Request Terminated")
			logger.Info("outbound invite cancelled")
			return nil, nil, &call.SIPError{Status: 487, Reason: "Request Terminated"}
		}
		logger.Warn("outbound invite failed", "error", err)
		return nil, nil, failure(err)
	}

	if res.StatusCode >= 300 {
		tx.Terminate()
		logger.Info("outbound invite rejected", "status", res.StatusCode, "reason", res.Reason)
		return nil, nil, &call.SIPError{Status: res.StatusCode, Reason: res.Reason}
	}

	ack := buildACKFor2xx(sent, res)
	s.tracer.Send(ack, ack.Destination())
	if err := s.client.WriteRequest(ack); err != nil {
		logger.Error("failed to ack destination", "error", err)
	}
	tx.Terminate()

	uac := newUACDialog(s, sent, res, creds)
	s.dialogs.Add(uac)

	local, err := r.LocalSDP(ctx, string(res.Body()), uac.RemoteTag())
	if err != nil {
		s.hangup(uac)
		return nil, nil, err
	}

	ok200, err := in.answer(local, r.ResponseHeaders)
	if err != nil {
		s.hangup(uac)
		if ctx.Err() != nil || errors.Is(err, errAlreadyAnswered) {
			return nil, nil, &call.SIPError{Status: 487, Reason: "Request Terminated"}
		}
		return nil, nil, fmt.Errorf("answering inbound call: %w", err)
	}

	uas := newUASDialog(s, in, ok200)
	s.dialogs.Add(uas)

	logger.Info("call bridged", "outbound_call_id", uac.CallID())
	return uas, uac, nil
}

// Transfer connects the transferee to the REFER target and ends the
// transferor's dialog. The transferor is told the outcome with a sipfrag
// NOTIFY.
func (s *Server) Transfer(ctx context.Context, r call.TransferRequest) (call.Leg, call.Leg, error) {
	transferor, ok := r.Transferor.(*Dialog)
	if !ok {
		return nil, nil, fmt.Errorf("transferor %s is not a dialog of this server", r.Transferor.CallID())
	}
	logger := transferor.logger.With("refer_to", r.Target)

	target, hop, transport, err := nextHop(r.Target)
	if err != nil {
		s.notifyOutcome(ctx, transferor, 400, "Bad Request")
		return nil, nil, err
	}
	target.Headers = nil

	invite := sip.NewRequest(sip.INVITE, target)
	invite.SetTransport(transport)
	invite.SetDestination(hop)

	from := &sip.FromHeader{}
	if transferee, ok := r.Transferee.(*Dialog); ok {
		from.DisplayName, from.Address = transferee.remoteName, *transferee.remote.Clone()
	} else {
		from.DisplayName, from.Address = transferor.localName, *transferor.local.Clone()
	}
	from.Params.Add("tag", sip.GenerateTagN(16))
	invite.AppendHeader(from)
	invite.AppendHeader(&sip.ToHeader{Address: *target.Clone()})

	callID := sip.CallIDHeader(uuid.NewString())
	invite.AppendHeader(&callID)
	invite.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.INVITE})
	maxFwd := sip.MaxForwardsHeader(70)
	invite.AppendHeader(&maxFwd)
	if transferor.contact != nil {
		invite.AppendHeader(sip.HeaderClone(transferor.contact))
	}
	invite.AppendHeader(sip.NewHeader("Referred-By", "<"+transferor.remote.String()+">"))
	if r.SDP != "" {
		invite.SetBody([]byte(r.SDP))
		invite.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	}

	logger.Info("inviting transfer target", "next_hop", hop)
	sent, res, tx, err := s.request(ctx, invite, transferor.creds, nil)
	if err != nil {
		if tx != nil {
			s.cancelInvite(sent, tx, transferor.creds)
		}
		status, reason := 503, "Service Unavailable"
		var sipErr *call.SIPError
		if errors.As(failure(err), &sipErr) {
			status, reason = sipErr.Status, sipErr.Reason
		}
		s.notifyOutcome(ctx, transferor, status, reason)
		return nil, nil, fmt.Errorf("inviting transfer target: %w", err)
	}
	if res.StatusCode >= 300 {
		tx.Terminate()
		s.notifyOutcome(ctx, transferor, res.StatusCode, res.Reason)
		return nil, nil, &call.SIPError{Status: res.StatusCode, Reason: res.Reason}
	}

	ack := buildACKFor2xx(sent, res)
	s.tracer.Send(ack, ack.Destination())
	if err := s.client.WriteRequest(ack); err != nil {
		logger.Error("failed to ack transfer target", "error", err)
	}
	tx.Terminate()

	targetLeg := newUACDialog(s, sent, res, transferor.creds)
	s.dialogs.Add(targetLeg)

	s.notifyOutcome(ctx, transferor, res.StatusCode, res.Reason)
	if err := transferor.Destroy(ctx); err != nil {
		logger.Warn("failed to end transferor dialog", "error", err)
	}

	logger.Info("transfer target answered", "target_call_id", targetLeg.CallID())
	return r.Transferee, targetLeg, nil
}

func (s *Server) notifyOutcome(ctx context.Context, d *Dialog, status int, reason string) {
	if err := d.notify(ctx, sipfrag(status, reason)); err != nil {
		d.logger.Warn("failed to notify transfer outcome", "status", status, "error", err)
	}
}

// sipfrag renders a status line as a message/sipfrag body.
func sipfrag(status int, reason string) string {
	return fmt.Sprintf("SIP/2.0 %d %s\r\n", status, reason)
}

// buildInvite creates the outbound INVITE for an inbound call. The
// Request-URI is the caller's; the request is sent to the destination as
// the next hop under a fresh Call-ID.
func (s *Server) buildInvite(in *inboundCall, r call.B2BUARequest, hop, transport string) *sip.Request {
	invite := sip.NewRequest(sip.INVITE, *in.req.Recipient.Clone())
	invite.SetTransport(transport)
	invite.SetDestination(hop)

	from := &sip.FromHeader{}
	if f := in.req.From(); f != nil {
		from.DisplayName, from.Address = f.DisplayName, *f.Address.Clone()
	}
	from.Params.Add("tag", sip.GenerateTagN(16))
	invite.AppendHeader(from)

	to := &sip.ToHeader{}
	if t := in.req.To(); t != nil {
		to.DisplayName, to.Address = t.DisplayName, *t.Address.Clone()
	}
	invite.AppendHeader(to)

	callID := sip.CallIDHeader(uuid.NewString())
	invite.AppendHeader(&callID)
	invite.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.INVITE})
	maxFwd := sip.MaxForwardsHeader(70)
	invite.AppendHeader(&maxFwd)

	for _, h := range r.Headers {
		invite.AppendHeader(buildHeader(h))
	}
	if r.SDP != "" {
		invite.SetBody([]byte(r.SDP))
		invite.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	}
	return invite
}

// cancelInvite sends CANCEL for a pending INVITE and waits for the
// INVITE's final response. The transaction layer ACKs a 487. A 2xx that
// crossed the CANCEL is ACKed and its dialog ended with BYE.
func (s *Server) cancelInvite(invite *sip.Request, tx sip.ClientTransaction, creds credentials) {
	if tx == nil {
		return
	}
	defer tx.Terminate()

	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()

	cancelReq := buildCancel(invite)
	cancelTx, err := s.client.TransactionRequest(ctx, cancelReq)
	if err != nil {
		s.logger.Debug("failed to send cancel", "error", err)
		return
	}
	defer cancelTx.Terminate()
	s.tracer.Send(cancelReq, cancelReq.Destination())

	for {
		select {
		case res := <-cancelTx.Responses():
			if res != nil {
				s.tracer.Recv(res, res.Source())
			}
		case res := <-tx.Responses():
			if res == nil {
				return
			}
			if res.StatusCode < 200 {
				continue
			}
			s.tracer.Recv(res, res.Source())
			if res.StatusCode < 300 {
				s.endCrossedAnswer(invite, res, creds)
			}
			return
		case <-tx.Done():
			return
		case <-ctx.Done():
			s.logger.Debug("no final response to cancelled invite")
			return
		}
	}
}

// endCrossedAnswer ACKs a 2xx that arrived after CANCEL and hangs up the
// dialog it established.
func (s *Server) endCrossedAnswer(invite *sip.Request, res *sip.Response, creds credentials) {
	ack := buildACKFor2xx(invite, res)
	s.tracer.Send(ack, ack.Destination())
	if err := s.client.WriteRequest(ack); err != nil {
		s.logger.Warn("failed to ack answer after cancel", "error", err)
	}
	d := newUACDialog(s, invite, res, creds)
	d.logger.Info("destination answered after cancel, hanging up")
	s.hangup(d)
}

func (s *Server) hangup(d *Dialog) {
	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()
	if err := d.Destroy(ctx); err != nil {
		d.logger.Warn("failed to end dialog", "error", err)
	}
}

// nextHop resolves where requests for a destination URI are sent.
func nextHop(target string) (sip.Uri, string, string, error) {
	var uri sip.Uri
	if err := sip.ParseUri(target, &uri); err != nil {
		return uri, "", "", fmt.Errorf("parsing destination uri %q: %w", target, err)
	}

	transport := "UDP"
	if t, ok := uri.UriParams.Get("transport"); ok && t != "" {
		transport = strings.ToUpper(t)
	} else if strings.HasPrefix(strings.ToLower(target), "sips:") {
		transport = "TLS"
	}

	port := uri.Port
	if port == 0 {
		port = 5060
		if transport == "TLS" {
			port = 5061
		}
	}
	return uri, net.JoinHostPort(uri.Host, strconv.Itoa(port)), transport, nil
}

// buildHeader turns a header into its sipgo form. Contact is parsed so the
// dialog can use it as its local target.
func buildHeader(h call.Header) sip.Header {
	if strings.EqualFold(h.Name, "Contact") {
		v := strings.TrimSpace(h.Value)
		v = strings.TrimSuffix(strings.TrimPrefix(v, "<"), ">")
		var uri sip.Uri
		if err := sip.ParseUri(v, &uri); err == nil {
			return &sip.ContactHeader{Address: uri}
		}
	}
	return sip.NewHeader(h.Name, h.Value)
}
