package sip

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/flowpbx/tenantgw/internal/call"
	"github.com/flowpbx/tenantgw/internal/config"
	"github.com/flowpbx/tenantgw/internal/routing"
	"github.com/google/uuid"
)

const (
	// probeTimeout bounds a single OPTIONS liveness ping.
	probeTimeout = 5 * time.Second

	guardSweepInterval = time.Minute
)

// InviteHandler receives new inbound calls.
type InviteHandler interface {
	HandleInvite(call.InboundCall)
}

// Server wraps the sipgo SIP stack with the gateway's handlers. It is the
// signaling layer for the call dispatcher and the liveness prober for
// destinations.
type Server struct {
	cfg     *config.Config
	ua      *sipgo.UserAgent
	srv     *sipgo.Server
	client  *sipgo.Client
	dialogs *DialogManager
	pending *PendingCallManager
	guard   *ScanGuard
	tracer  *MessageTracer
	handler InviteHandler
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	logger  *slog.Logger
}

var (
	_ call.Signaler    = (*Server)(nil)
	_ routing.Prober   = (*Server)(nil)
	_ call.Leg         = (*Dialog)(nil)
	_ call.InboundCall = (*inboundCall)(nil)
)

// NewServer creates a SIP server with all handlers registered.
func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	logger = logger.With("component", "sip")

	ua, err := sipgo.NewUA(
		sipgo.WithUserAgent("tenantgw"),
		sipgo.WithUserAgentHostname(cfg.SIPHost),
	)
	if err != nil {
		return nil, fmt.Errorf("creating sip user agent: %w", err)
	}

	srv, err := sipgo.NewServer(ua,
		sipgo.WithServerLogger(logger),
	)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("creating sip server: %w", err)
	}

	client, err := sipgo.NewClient(ua,
		sipgo.WithClientLogger(logger),
	)
	if err != nil {
		srv.Close()
		ua.Close()
		return nil, fmt.Errorf("creating sip client: %w", err)
	}

	s := &Server{
		cfg:     cfg,
		ua:      ua,
		srv:     srv,
		client:  client,
		dialogs: NewDialogManager(logger),
		pending: NewPendingCallManager(logger),
		guard:   NewScanGuard(logger),
		tracer:  NewMessageTracer(logger, ParseSIPLogVerbosity(cfg.SIPTrace)),
		logger:  logger,
	}

	s.registerHandlers()
	return s, nil
}

// Handle sets the receiver of new inbound calls. It must be called before
// Start.
func (s *Server) Handle(h InviteHandler) {
	s.handler = h
}

// Tracer returns the SIP message tracer so its verbosity can be changed at
// runtime.
func (s *Server) Tracer() *MessageTracer {
	return s.tracer
}

// Guard returns the scanner guard for listing and lifting blocks.
func (s *Server) Guard() *ScanGuard {
	return s.guard
}

// Dialogs returns the number of established dialogs.
func (s *Server) Dialogs() int {
	return s.dialogs.Count()
}

// PendingCalls returns the number of inbound calls awaiting a final
// response.
func (s *Server) PendingCalls() int {
	return s.pending.Count()
}

// registerHandlers attaches SIP method handlers to the server.
func (s *Server) registerHandlers() {
	s.srv.OnInvite(s.handleInvite)
	s.srv.OnAck(s.handleACK)
	s.srv.OnBye(s.handleBye)
	s.srv.OnCancel(s.handleCancel)
	s.srv.OnRefer(s.handleRefer)
	s.srv.OnNotify(s.handleNotify)
	s.srv.OnOptions(s.handleOptions)
}

// Start begins listening on configured transports. Listeners run until
// the context is cancelled or Stop is called.
func (s *Server) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	addr := fmt.Sprintf("0.0.0.0:%d", s.cfg.SIPPort)

	for _, network := range []string{"udp", "tcp"} {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.logger.Info("sip listener starting", "transport", network, "addr", addr)
			if err := s.srv.ListenAndServe(ctx, network, addr); err != nil {
				s.logger.Error("sip listener stopped", "transport", network, "error", err)
			}
		}()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(guardSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.guard.Sweep()
			}
		}
	}()

	if s.cfg.TLSEnabled() {
		tlsAddr := fmt.Sprintf("0.0.0.0:%d", s.cfg.SIPTLSPort)
		cert, err := tls.LoadX509KeyPair(s.cfg.TLSCert, s.cfg.TLSKey)
		if err != nil {
			s.cancel()
			return fmt.Errorf("loading tls certificate: %w", err)
		}

		tlsCfg := &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.logger.Info("sip listener starting", "transport", "tls", "addr", tlsAddr)
			if err := s.srv.ListenAndServeTLS(ctx, "tls", tlsAddr, tlsCfg); err != nil {
				s.logger.Error("sip listener stopped", "transport", "tls", "error", err)
			}
		}()
	}

	return nil
}

// Stop shuts down all SIP listeners and waits for them to exit.
func (s *Server) Stop() {
	s.logger.Info("stopping sip server")
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.client.Close()
	s.srv.Close()
	s.ua.Close()
	s.logger.Info("sip server stopped")
}

// respond traces and sends a response on a server transaction.
func (s *Server) respond(req *sip.Request, tx sip.ServerTransaction, res *sip.Response) {
	s.tracer.Send(res, req.Source())
	if err := tx.Respond(res); err != nil {
		s.logger.Error("failed to send sip response",
			"method", req.Method.String(),
			"status", res.StatusCode,
			"error", err,
		)
	}
}

// handleInvite routes re-INVITEs to their dialog and hands new INVITEs to
// the invite handler. The handler runs until the call is answered or
// rejected. Sources whose calls keep being refused with 403 are blocked
// by the scanner guard.
func (s *Server) handleInvite(req *sip.Request, tx sip.ServerTransaction) {
	s.tracer.Recv(req, req.Source())

	if toTag(req) != "" {
		d := s.dialogs.Match(req)
		if d == nil {
			s.respond(req, tx, sip.NewResponseFromRequest(req, 481, "Call/Transaction Does Not Exist", nil))
			return
		}
		d.handleInvite(req, tx)
		return
	}

	source := req.Source()
	if s.guard.Blocked(source) {
		s.logger.Debug("invite from blocked source refused", "source", source)
		s.respond(req, tx, sip.NewResponseFromRequest(req, 403, "Forbidden", nil))
		return
	}

	s.respond(req, tx, sip.NewResponseFromRequest(req, 100, "Trying", nil))

	c := newInboundCall(req, tx, s.tracer, s.logger)
	if !s.pending.Add(c) {
		c.Respond(482, "Loop Detected")
		return
	}
	defer func() {
		s.pending.Remove(c)
		c.cancel()
	}()

	if s.handler == nil {
		c.Respond(503, "Service Unavailable")
		return
	}
	s.handler.HandleInvite(c)

	switch status := c.finalStatus(); {
	case status == 403:
		s.guard.Rejected(source)
	case status >= 200 && status < 300:
		s.guard.Accepted(source)
	}
}

// handleACK absorbs ACKs for 2xx responses. The dialog is considered
// confirmed once the 200 OK is sent.
func (s *Server) handleACK(req *sip.Request, tx sip.ServerTransaction) {
	s.tracer.Recv(req, req.Source())
	callID := ""
	if cid := req.CallID(); cid != nil {
		callID = cid.Value()
	}
	s.logger.Debug("sip ack received", "call_id", callID, "source", req.Source())
}

func (s *Server) handleBye(req *sip.Request, tx sip.ServerTransaction) {
	s.tracer.Recv(req, req.Source())
	d := s.dialogs.Match(req)
	if d == nil {
		s.respond(req, tx, sip.NewResponseFromRequest(req, 481, "Call/Transaction Does Not Exist", nil))
		return
	}
	d.handleBye(req, tx)
}

func (s *Server) handleRefer(req *sip.Request, tx sip.ServerTransaction) {
	s.tracer.Recv(req, req.Source())
	d := s.dialogs.Match(req)
	if d == nil {
		s.respond(req, tx, sip.NewResponseFromRequest(req, 481, "Call/Transaction Does Not Exist", nil))
		return
	}
	d.handleRefer(req, tx)
}

// handleNotify accepts NOTIFYs within known dialogs.
func (s *Server) handleNotify(req *sip.Request, tx sip.ServerTransaction) {
	s.tracer.Recv(req, req.Source())
	if s.dialogs.Match(req) == nil {
		s.respond(req, tx, sip.NewResponseFromRequest(req, 481, "Call/Transaction Does Not Exist", nil))
		return
	}
	s.respond(req, tx, sip.NewResponseFromRequest(req, 200, "OK", nil))
}

func (s *Server) handleCancel(req *sip.Request, tx sip.ServerTransaction) {
	s.tracer.Recv(req, req.Source())
	callID := ""
	if cid := req.CallID(); cid != nil {
		callID = cid.Value()
	}
	if !s.pending.Cancel(callID) {
		s.respond(req, tx, sip.NewResponseFromRequest(req, 481, "Call/Transaction Does Not Exist", nil))
		return
	}
	s.respond(req, tx, sip.NewResponseFromRequest(req, 200, "OK", nil))
}

// handleOptions responds to keepalive pings from peers.
func (s *Server) handleOptions(req *sip.Request, tx sip.ServerTransaction) {
	s.tracer.Recv(req, req.Source())
	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	res.AppendHeader(sip.NewHeader("Accept", "application/sdp"))
	res.AppendHeader(sip.NewHeader("Allow", "INVITE, ACK, CANCEL, BYE, OPTIONS, REFER, NOTIFY"))
	s.respond(req, tx, res)
}

// Probe sends an OPTIONS ping to a destination. Only 200 OK counts as
// alive.
func (s *Server) Probe(ctx context.Context, d *routing.Destination) error {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	target, hop, transport, err := nextHop(d.URI)
	if err != nil {
		return err
	}
	target.Headers = nil

	req := sip.NewRequest(sip.OPTIONS, target)
	req.SetTransport(transport)
	req.SetDestination(hop)

	from := &sip.FromHeader{
		Address: sip.Uri{Scheme: "sip", User: "ping", Host: s.cfg.SIPHost},
	}
	from.Params.Add("tag", sip.GenerateTagN(16))
	req.AppendHeader(from)
	req.AppendHeader(&sip.ToHeader{Address: *target.Clone()})
	callID := sip.CallIDHeader(uuid.NewString())
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.OPTIONS})
	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)
	req.AppendHeader(s.contactFor(d.Domain))

	creds := credentials{username: d.AuthUsername, password: d.AuthPassword}
	_, res, tx, err := s.request(ctx, req, creds, nil)
	if err != nil {
		if tx != nil {
			tx.Terminate()
		}
		return fmt.Errorf("options ping to %s: %w", d.URI, err)
	}
	tx.Terminate()

	if res.StatusCode != 200 {
		return fmt.Errorf("options ping returned status %d %s", res.StatusCode, res.Reason)
	}
	return nil
}

// contactFor builds the Contact advertised towards a tenant's
// destinations, the same one sessions put on outbound calls.
func (s *Server) contactFor(domain string) *sip.ContactHeader {
	host := s.cfg.SIPHost
	if domain != "" {
		host += "." + domain
	}
	contact := &sip.ContactHeader{
		Address: sip.Uri{Scheme: "sip", Host: host, Port: s.cfg.ContactPort},
	}
	contact.Address.UriParams.Add("transport", "tls")
	return contact
}
