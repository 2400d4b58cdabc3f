package sip

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/emiago/sipgo/sip"
	"github.com/flowpbx/tenantgw/internal/call"
)

var errAlreadyAnswered = errors.New("inbound call already has a final response")

// inboundCall is a new INVITE waiting for its final response. It
// implements call.InboundCall.
type inboundCall struct {
	req      *sip.Request
	tx       sip.ServerTransaction
	callID   string
	fromTag  string
	localTag string
	tracer   *MessageTracer
	logger   *slog.Logger

	// ctx is cancelled when the caller sends CANCEL.
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	final  bool
	status int
}

func newInboundCall(req *sip.Request, tx sip.ServerTransaction, tracer *MessageTracer, logger *slog.Logger) *inboundCall {
	c := &inboundCall{
		req:      req,
		tx:       tx,
		localTag: sip.GenerateTagN(16),
		tracer:   tracer,
	}
	if cid := req.CallID(); cid != nil {
		c.callID = cid.Value()
	}
	if from := req.From(); from != nil {
		c.fromTag, _ = from.Params.Get("tag")
	}
	c.logger = logger.With("call_id", c.callID)
	c.ctx, c.cancel = context.WithCancel(context.Background())
	return c
}

func (c *inboundCall) CallID() string        { return c.callID }
func (c *inboundCall) FromTag() string       { return c.fromTag }
func (c *inboundCall) SourceAddress() string { return c.req.Source() }
func (c *inboundCall) RequestURI() string    { return c.req.Recipient.String() }
func (c *inboundCall) Body() string          { return string(c.req.Body()) }

func (c *inboundCall) Header(name string) string {
	if h := c.req.GetHeader(name); h != nil {
		return h.Value()
	}
	return ""
}

func (c *inboundCall) To() string {
	if to := c.req.To(); to != nil {
		return to.Value()
	}
	return ""
}

// Respond sends a final response unless one was already sent.
func (c *inboundCall) Respond(status int, reason string) {
	c.mu.Lock()
	if c.final {
		c.mu.Unlock()
		return
	}
	c.final = true
	c.status = status
	c.mu.Unlock()

	c.send(c.newResponse(status, reason, nil))
}

// finalStatus returns the status of the final response, or 0 if none was
// sent.
func (c *inboundCall) finalStatus() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// provisional relays a 1xx response while no final response was sent.
func (c *inboundCall) provisional(status int, reason string) {
	c.mu.Lock()
	final := c.final
	c.mu.Unlock()
	if final {
		return
	}
	c.send(c.newResponse(status, reason, nil))
}

// answer sends the 200 OK carrying the local SDP.
func (c *inboundCall) answer(sdp string, headers []call.Header) (*sip.Response, error) {
	c.mu.Lock()
	if c.final {
		c.mu.Unlock()
		return nil, errAlreadyAnswered
	}
	if err := c.ctx.Err(); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	c.final = true
	c.status = 200
	c.mu.Unlock()

	res := c.newResponse(200, "OK", []byte(sdp))
	if sdp != "" {
		res.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	}
	for _, h := range headers {
		res.AppendHeader(buildHeader(h))
	}

	c.tracer.Send(res, c.req.Source())
	if err := c.tx.Respond(res); err != nil {
		return nil, err
	}
	return res, nil
}

func (c *inboundCall) newResponse(status int, reason string, body []byte) *sip.Response {
	res := sip.NewResponseFromRequest(c.req, status, reason, body)
	if status > 100 {
		if to := res.To(); to != nil {
			to.Params.Add("tag", c.localTag)
		}
	}
	return res
}

func (c *inboundCall) send(res *sip.Response) {
	c.tracer.Send(res, c.req.Source())
	if err := c.tx.Respond(res); err != nil {
		c.logger.Warn("failed to respond to invite",
			"status", res.StatusCode,
			"error", err,
		)
	}
}
