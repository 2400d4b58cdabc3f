package sip

import (
	"context"
	"errors"
	"fmt"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/flowpbx/tenantgw/internal/call"
	"github.com/icholy/digest"
)

var (
	// errTransport means the request could not be sent.
	errTransport = errors.New("sip transport error")
	// errNoResponse means the transaction ended without a final response.
	errNoResponse = errors.New("no final response")
)

// credentials answer digest challenges from a peer.
type credentials struct {
	username string
	password string
}

// request sends req and waits for its final response. One 401/407
// challenge is answered when credentials are set. It returns the request
// that produced the final response, which is the re-sent one after a
// challenge. The caller terminates the returned transaction. When ctx
// ends first, the transaction is returned still open along with ctx's
// error so an INVITE can be cancelled.
func (s *Server) request(
	ctx context.Context,
	req *sip.Request,
	creds credentials,
	onProvisional func(*sip.Response),
) (*sip.Request, *sip.Response, sip.ClientTransaction, error) {
	tx, err := s.client.TransactionRequest(ctx, req, sipgo.ClientRequestBuild)
	if err != nil {
		return req, nil, nil, fmt.Errorf("%w: sending %s: %v", errTransport, req.Method, err)
	}
	s.tracer.Send(req, req.Destination())

	challenged := false
	for {
		res, err := finalResponse(ctx, tx, onProvisional)
		if err != nil {
			if ctx.Err() != nil {
				return req, nil, tx, err
			}
			tx.Terminate()
			return req, nil, nil, err
		}
		s.tracer.Recv(res, res.Source())

		if (res.StatusCode == 401 || res.StatusCode == 407) && !challenged && creds.username != "" {
			challenged = true
			tx.Terminate()

			authReq, err := authorize(req, res, creds)
			if err != nil {
				return req, nil, nil, err
			}
			tx, err = s.client.TransactionRequest(ctx, authReq,
				sipgo.ClientRequestIncreaseCSEQ,
				sipgo.ClientRequestAddVia,
			)
			if err != nil {
				return authReq, nil, nil, fmt.Errorf("%w: sending authenticated %s: %v", errTransport, req.Method, err)
			}
			s.tracer.Send(authReq, authReq.Destination())
			req = authReq
			continue
		}
		return req, res, tx, nil
	}
}

// finalResponse waits for the first final response of a client
// transaction, passing provisional responses to onProvisional.
func finalResponse(ctx context.Context, tx sip.ClientTransaction, onProvisional func(*sip.Response)) (*sip.Response, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-tx.Done():
			return nil, fmt.Errorf("%w: %v", errNoResponse, tx.Err())
		case res := <-tx.Responses():
			if res == nil {
				return nil, errNoResponse
			}
			if res.StatusCode < 200 {
				if onProvisional != nil {
					onProvisional(res)
				}
				continue
			}
			return res, nil
		}
	}
}

// authorize builds a copy of req carrying the digest answer to the
// challenge in res.
func authorize(req *sip.Request, res *sip.Response, creds credentials) (*sip.Request, error) {
	authHeader := "WWW-Authenticate"
	authzHeader := "Authorization"
	if res.StatusCode == 407 {
		authHeader = "Proxy-Authenticate"
		authzHeader = "Proxy-Authorization"
	}

	h := res.GetHeader(authHeader)
	if h == nil {
		return nil, fmt.Errorf("received %d but no %s header", res.StatusCode, authHeader)
	}

	chal, err := digest.ParseChallenge(h.Value())
	if err != nil {
		return nil, fmt.Errorf("parsing auth challenge: %w", err)
	}

	cred, err := digest.Digest(chal, digest.Options{
		Method:   req.Method.String(),
		URI:      req.Recipient.String(),
		Username: creds.username,
		Password: creds.password,
	})
	if err != nil {
		return nil, fmt.Errorf("computing digest: %w", err)
	}

	authReq := req.Clone()
	authReq.RemoveHeader("Via")
	authReq.RemoveHeader(authzHeader)
	authReq.AppendHeader(sip.NewHeader(authzHeader, cred.String()))
	authReq.SetTransport(req.Transport())
	authReq.SetDestination(req.Destination())
	return authReq, nil
}

// failure converts a transaction error into the SIP status a UAC core
// reports for it: 503 when the request could not be sent, 408 when no
// final response arrived.
func failure(err error) error {
	switch {
	case errors.Is(err, errTransport):
		return &call.SIPError{Status: 503, Reason: "Service Unavailable"}
	case errors.Is(err, errNoResponse):
		return &call.SIPError{Status: 408, Reason: "Request Timeout"}
	default:
		return err
	}
}

// buildACKFor2xx creates the ACK for a 2xx response to an INVITE. The
// Request-URI is the Contact of the response when present, otherwise the
// INVITE's Request-URI.
func buildACKFor2xx(inviteReq *sip.Request, inviteResp *sip.Response) *sip.Request {
	recipient := &inviteReq.Recipient
	if contact := inviteResp.Contact(); contact != nil {
		recipient = &contact.Address
	}

	ack := sip.NewRequest(sip.ACK, *recipient.Clone())
	ack.SipVersion = inviteReq.SipVersion

	if len(inviteReq.GetHeaders("Route")) > 0 {
		sip.CopyHeaders("Route", inviteReq, ack)
	}
	if h := inviteReq.From(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	// To carries the remote tag from the response.
	if h := inviteResp.To(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.CallID(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.CSeq(); h != nil {
		ack.AppendHeader(&sip.CSeqHeader{SeqNo: h.SeqNo, MethodName: sip.ACK})
	}

	maxFwd := sip.MaxForwardsHeader(70)
	ack.AppendHeader(&maxFwd)

	if h := inviteReq.Contact(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}

	ack.SetTransport(inviteReq.Transport())
	ack.SetDestination(inviteReq.Destination())
	return ack
}

// buildCancel creates the CANCEL for a pending INVITE. It reuses the
// INVITE's top Via so the peer matches it to the INVITE transaction.
func buildCancel(invite *sip.Request) *sip.Request {
	cancelReq := sip.NewRequest(sip.CANCEL, *invite.Recipient.Clone())
	if h := invite.Via(); h != nil {
		cancelReq.AppendHeader(sip.HeaderClone(h))
	}
	if len(invite.GetHeaders("Route")) > 0 {
		sip.CopyHeaders("Route", invite, cancelReq)
	}
	if h := invite.From(); h != nil {
		cancelReq.AppendHeader(sip.HeaderClone(h))
	}
	if h := invite.To(); h != nil {
		cancelReq.AppendHeader(sip.HeaderClone(h))
	}
	if h := invite.CallID(); h != nil {
		cancelReq.AppendHeader(sip.HeaderClone(h))
	}
	if h := invite.CSeq(); h != nil {
		cancelReq.AppendHeader(&sip.CSeqHeader{SeqNo: h.SeqNo, MethodName: sip.CANCEL})
	}

	maxFwd := sip.MaxForwardsHeader(70)
	cancelReq.AppendHeader(&maxFwd)

	cancelReq.SetTransport(invite.Transport())
	cancelReq.SetDestination(invite.Destination())
	return cancelReq
}
