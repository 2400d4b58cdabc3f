package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flowpbx/tenantgw/internal/database/models"
	"github.com/flowpbx/tenantgw/internal/routing"
	"github.com/flowpbx/tenantgw/internal/rtpengine"
)

const (
	// teardownTimeout bounds BYE and media delete during close.
	teardownTimeout = 5 * time.Second
	// eventBuffer is how many leg events may queue behind the one being handled.
	eventBuffer = 16
)

// State is a session's position in its lifecycle.
type State int32

const (
	StateRouting State = iota
	StateConnected
	StateTerminating
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateRouting:
		return "routing"
	case StateConnected:
		return "connected"
	case StateTerminating:
		return "terminating"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Outcome is how routing of an inbound call ended.
type Outcome string

const (
	OutcomeConnected Outcome = "connected"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeFailed    Outcome = "failed"
	OutcomeError     Outcome = "error"
	OutcomeRejected  Outcome = "rejected"
)

type role int

const (
	roleNone role = iota
	roleUAS
	roleUAC
)

// Info is a point-in-time view of a session.
type Info struct {
	CallID      string    `json:"call_id"`
	State       string    `json:"state"`
	Tenant      string    `json:"tenant"`
	Source      string    `json:"source"`
	SourceType  string    `json:"source_type"`
	Destination string    `json:"destination,omitempty"`
	Number      string    `json:"number,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	ConnectedAt time.Time `json:"connected_at,omitempty"`
}

// sessionConfig carries what a session needs from its dispatcher.
type sessionConfig struct {
	Inbound     InboundCall
	Tenant      *routing.Tenant
	Source      *routing.Source
	Engine      MediaEngine
	Signaler    Signaler
	Host        string
	ContactPort int
	Logger      *slog.Logger
}

// Session bridges one inbound call to a destination. Routing runs on the
// caller's goroutine; once connected, leg events are handled one at a time
// on the session's own goroutine.
type Session struct {
	CallID string

	fromTag     string
	inbound     InboundCall
	tenant      *routing.Tenant
	source      *routing.Source
	engine      MediaEngine
	signaler    Signaler
	host        string
	contactPort int
	logger      *slog.Logger
	createdAt   time.Time

	ctx    context.Context
	cancel context.CancelFunc
	state  atomic.Int32
	events chan LegEvent
	done   chan struct{}

	mu           sync.Mutex
	uas          Leg
	uac          Leg
	destination  *routing.Destination
	number       string
	connectedAt  time.Time
	mediaDeleted bool
	onClose      []func(*Session)
}

func newSession(cfg sessionConfig) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	callID := cfg.Inbound.CallID()
	return &Session{
		CallID:      callID,
		fromTag:     cfg.Inbound.FromTag(),
		inbound:     cfg.Inbound,
		tenant:      cfg.Tenant,
		source:      cfg.Source,
		engine:      cfg.Engine,
		signaler:    cfg.Signaler,
		host:        cfg.Host,
		contactPort: cfg.ContactPort,
		logger:      cfg.Logger.With("call_id", callID, "tenant", cfg.Tenant.Domain()),
		createdAt:   time.Now(),
		ctx:         ctx,
		cancel:      cancel,
		events:      make(chan LegEvent, eventBuffer),
		done:        make(chan struct{}),
	}
}

// State returns the session's current state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Done is closed once the session has closed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// OnClose registers fn to run once the session has closed. fn runs
// immediately when the session is already closed.
func (s *Session) OnClose(fn func(*Session)) {
	s.mu.Lock()
	if s.State() != StateClosed {
		s.onClose = append(s.onClose, fn)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	fn(s)
}

// Info returns a snapshot of the session for display.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := Info{
		CallID:      s.CallID,
		State:       s.State().String(),
		Tenant:      s.tenant.Domain(),
		Source:      s.source.Address,
		SourceType:  s.source.Type,
		Number:      s.number,
		CreatedAt:   s.createdAt,
		ConnectedAt: s.connectedAt,
	}
	if s.destination != nil {
		info.Destination = s.destination.URI
	}
	return info
}

// route tries the tenant's destination tiers in order until one answers.
// It returns once the call is connected or has failed.
func (s *Session) route() Outcome {
	s.mu.Lock()
	s.number = ExtractNumber(s.inbound.Header("P-Asserted-Identity"), s.inbound.RequestURI(), s.inbound.To())
	number := s.number
	s.mu.Unlock()

	if number == "" {
		s.logger.Warn("no number found in request, sending without asserted identity")
	}

	tiers := s.tenant.Tiers(s.source.Type)
	s.logger.Info("routing call",
		"source", s.source.Address,
		"source_type", s.source.Type,
		"number", number,
		"tiers", len(tiers),
	)

	var last *SIPError
	for _, tier := range tiers {
	destinations:
		for _, dest := range tier.Destinations {
			logger := s.logger.With("destination", dest.URI, "route", tier.Route.OutboundType)
			if s.ctx.Err() != nil {
				logger.Info("session closed during routing")
				s.inbound.Respond(487, "Request Terminated")
				s.Close()
				return OutcomeCancelled
			}
			logger.Info("trying destination")

			err := s.attempt(dest, number)
			if err == nil {
				logger.Info("call connected")
				return OutcomeConnected
			}

			var sipErr *SIPError
			switch {
			case errors.As(err, &sipErr) && sipErr.Status == 487:
				logger.Info("call cancelled")
				s.inbound.Respond(487, "Request Terminated")
				s.Close()
				return OutcomeCancelled
			case s.ctx.Err() != nil:
				logger.Info("session closed during routing")
				s.Close()
				return OutcomeCancelled
			case sipErr != nil && sipErr.Status >= 500 && sipErr.Status < 600:
				logger.Warn("destination failed, trying next", "status", sipErr.Status, "reason", sipErr.Reason)
				last = sipErr
			case sipErr != nil && sipErr.Status >= 600:
				logger.Warn("destination declined, skipping tier", "status", sipErr.Status, "reason", sipErr.Reason)
				last = sipErr
				break destinations
			case sipErr != nil:
				logger.Info("destination rejected call", "status", sipErr.Status, "reason", sipErr.Reason)
				s.inbound.Respond(sipErr.Status, sipErr.Reason)
				s.Close()
				return OutcomeFailed
			default:
				logger.Error("error routing call", "error", err)
				s.inbound.Respond(500, "Server Internal Error")
				s.Close()
				return OutcomeError
			}
		}
	}

	if last != nil {
		s.logger.Warn("all destinations failed", "status", last.Status, "reason", last.Reason)
		s.inbound.Respond(last.Status, last.Reason)
	} else {
		s.logger.Warn("no destination available")
		s.inbound.Respond(480, "Unable to connect")
	}
	s.Close()
	return OutcomeFailed
}

// attempt offers the call to one destination and connects the session when
// it answers.
func (s *Session) attempt(dest *routing.Destination, number string) error {
	sdp, err := s.engine.Offer(s.ctx, rtpengine.Params{
		CallID:  s.CallID,
		FromTag: s.fromTag,
		SDP:     s.inbound.Body(),
		Options: dest.MediaOptions,
	})
	if err != nil {
		return fmt.Errorf("offering media: %w", err)
	}

	contact := s.contact()
	headers := []Header{
		{Name: "P-Route-Destination", Value: "external"},
	}
	if number != "" {
		headers = append(headers, Header{Name: "P-Asserted-Identity", Value: "<sip:" + number + "@" + dest.Domain + ">"})
	}
	headers = append(headers, Header{Name: "Contact", Value: contact})

	sourceOptions := s.source.MediaOptions
	uas, uac, err := s.signaler.CreateB2BUA(s.ctx, B2BUARequest{
		Inbound: s.inbound,
		Target:  dest.URI,
		SDP:     sdp,
		LocalSDP: func(ctx context.Context, remoteSDP, toTag string) (string, error) {
			return s.engine.Answer(ctx, rtpengine.Params{
				CallID:  s.CallID,
				FromTag: s.fromTag,
				ToTag:   toTag,
				SDP:     remoteSDP,
				Options: sourceOptions,
			})
		},
		Headers:         headers,
		ResponseHeaders: []Header{{Name: "Contact", Value: contact}},
		AuthUsername:    dest.AuthUsername,
		AuthPassword:    dest.AuthPassword,
	})
	if err != nil {
		return err
	}

	if !s.connect(dest, uas, uac) {
		ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
		defer cancel()
		uac.Destroy(ctx)
		uas.Destroy(ctx)
		return context.Canceled
	}
	return nil
}

// contact is the Contact advertised on both legs.
func (s *Session) contact() string {
	host := s.host + "." + s.tenant.Domain()
	return "<sip:" + net.JoinHostPort(host, strconv.Itoa(s.contactPort)) + ";transport=tls>"
}

// connect installs the legs and starts event handling. It reports false
// when the session was closed while the legs were being set up.
func (s *Session) connect(dest *routing.Destination, uas, uac Leg) bool {
	s.mu.Lock()
	if s.State() != StateRouting {
		s.mu.Unlock()
		return false
	}
	s.uas, s.uac = uas, uac
	s.destination = dest
	s.connectedAt = time.Now()
	s.state.Store(int32(StateConnected))
	s.mu.Unlock()

	s.subscribe(uas)
	s.subscribe(uac)
	go s.eventLoop()
	return true
}

// subscribe routes leg events into the session's event queue.
func (s *Session) subscribe(leg Leg) {
	leg.Subscribe(func(ev LegEvent) {
		ev.Leg = leg
		select {
		case s.events <- ev:
		case <-s.done:
			if ev.Reply != nil {
				ev.Reply(481, "Call/Transaction Does Not Exist", "")
			}
		}
	})
}

func (s *Session) eventLoop() {
	for {
		select {
		case <-s.done:
			return
		case ev := <-s.events:
			s.handleEvent(ev)
		}
	}
}

func (s *Session) roleOf(leg Leg) role {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case leg == nil:
		return roleNone
	case leg == s.uas:
		return roleUAS
	case leg == s.uac:
		return roleUAC
	default:
		return roleNone
	}
}

func (s *Session) handleEvent(ev LegEvent) {
	r := s.roleOf(ev.Leg)
	if r == roleNone {
		// Events from a leg replaced by a transfer.
		s.logger.Debug("ignoring event from detached leg", "event", ev.Kind.String())
		if ev.Reply != nil {
			ev.Reply(481, "Call/Transaction Does Not Exist", "")
		}
		return
	}

	switch ev.Kind {
	case LegDestroyed:
		s.logger.Info("leg ended, closing session", "leg", r.String())
		s.Close()
	case LegModified:
		s.handleModify(r, ev)
	case LegReferred:
		s.handleRefer(r, ev)
	}
}

func (r role) String() string {
	switch r {
	case roleUAS:
		return "uas"
	case roleUAC:
		return "uac"
	default:
		return "none"
	}
}

// legs returns the current legs and destination options.
func (s *Session) legs() (uas, uac Leg, destOptions models.MediaOptions) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destination != nil {
		destOptions = s.destination.MediaOptions
	}
	return s.uas, s.uac, destOptions
}

// handleModify forwards a re-offer from one leg to the other and answers it.
func (s *Session) handleModify(r role, ev LegEvent) {
	uas, uac, destOptions := s.legs()
	logger := s.logger.With("leg", r.String())
	logger.Debug("re-offer received", "direction", MediaDirection(ev.SDP))

	var reply string
	var err error
	if r == roleUAS {
		reply, err = s.modifyFromUAS(ev.SDP, uas, uac, destOptions)
	} else {
		reply, err = s.modifyFromUAC(ev.SDP, uas, uac, destOptions)
	}
	if err != nil {
		status, reason := 488, "Not Acceptable Here"
		var sipErr *SIPError
		if errors.As(err, &sipErr) {
			status, reason = sipErr.Status, sipErr.Reason
		}
		logger.Error("re-offer failed, closing session", "error", err)
		ev.Reply(status, reason, "")
		s.Close()
		return
	}

	ev.Reply(200, "OK", HarmonizeDirection(ev.SDP, reply))
}

func (s *Session) modifyFromUAS(offer string, uas, uac Leg, destOptions models.MediaOptions) (string, error) {
	sdp, err := s.engine.Offer(s.ctx, rtpengine.Params{
		CallID:  s.CallID,
		FromTag: s.fromTag,
		SDP:     offer,
		Options: destOptions,
	})
	if err != nil {
		return "", fmt.Errorf("offering re-offer: %w", err)
	}
	if err := uac.Modify(s.ctx, sdp); err != nil {
		return "", fmt.Errorf("modifying uac: %w", err)
	}
	answer, err := s.engine.Answer(s.ctx, rtpengine.Params{
		CallID:  s.CallID,
		FromTag: s.fromTag,
		ToTag:   uac.RemoteTag(),
		SDP:     uac.RemoteSDP(),
		Options: s.source.MediaOptions,
	})
	if err != nil {
		return "", fmt.Errorf("answering re-offer: %w", err)
	}
	return answer, nil
}

func (s *Session) modifyFromUAC(offer string, uas, uac Leg, destOptions models.MediaOptions) (string, error) {
	sdp, err := s.engine.Answer(s.ctx, rtpengine.Params{
		CallID:  s.CallID,
		FromTag: s.fromTag,
		ToTag:   uac.RemoteTag(),
		SDP:     offer,
		Options: s.source.MediaOptions,
	})
	if err != nil {
		return "", fmt.Errorf("answering re-offer: %w", err)
	}
	if err := uas.Modify(s.ctx, sdp); err != nil {
		return "", fmt.Errorf("modifying uas: %w", err)
	}
	answer, err := s.engine.Offer(s.ctx, rtpengine.Params{
		CallID:  s.CallID,
		FromTag: s.fromTag,
		SDP:     uas.RemoteSDP(),
		Options: destOptions,
	})
	if err != nil {
		return "", fmt.Errorf("offering re-offer: %w", err)
	}
	return answer, nil
}

// handleRefer replaces the referring leg with a new dialog to the refer
// target. The replacement takes the referring leg's role.
func (s *Session) handleRefer(r role, ev LegEvent) {
	uas, uac, destOptions := s.legs()
	transferor, transferee := uas, uac
	targetOptions, transfereeOptions := s.source.MediaOptions, destOptions
	if r == roleUAC {
		transferor, transferee = uac, uas
		targetOptions, transfereeOptions = destOptions, s.source.MediaOptions
	}

	logger := s.logger.With("leg", r.String(), "refer_to", ev.ReferTo)
	if ev.ReferTo == "" {
		ev.Reply(400, "Missing Refer-To", "")
		return
	}
	ev.Reply(202, "Accepted", "")
	logger.Info("transferring call")

	offer, err := s.engine.Offer(s.ctx, rtpengine.Params{
		CallID:  s.CallID,
		FromTag: s.fromTag,
		SDP:     transferee.RemoteSDP(),
		Options: targetOptions,
	})
	if err != nil {
		logger.Error("transfer failed, keeping current legs", "error", err)
		return
	}

	newTransferee, target, err := s.signaler.Transfer(s.ctx, TransferRequest{
		Transferor: transferor,
		Transferee: transferee,
		Target:     ev.ReferTo,
		SDP:        offer,
	})
	if err != nil {
		logger.Error("transfer failed, keeping current legs", "error", err)
		return
	}

	s.mu.Lock()
	if s.State() != StateConnected {
		s.mu.Unlock()
		ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
		defer cancel()
		target.Destroy(ctx)
		return
	}
	if r == roleUAC {
		s.uac, s.uas = target, newTransferee
	} else {
		s.uas, s.uac = target, newTransferee
	}
	s.mu.Unlock()

	s.subscribe(target)
	s.subscribe(newTransferee)

	answer, err := s.engine.Answer(s.ctx, rtpengine.Params{
		CallID:  s.CallID,
		FromTag: s.fromTag,
		ToTag:   target.RemoteTag(),
		SDP:     target.RemoteSDP(),
		Options: transfereeOptions,
	})
	if err == nil {
		err = newTransferee.Modify(s.ctx, answer)
	}
	if err != nil {
		logger.Error("reconnecting media after transfer failed, closing session", "error", err)
		s.Close()
		return
	}
	logger.Info("call transferred")
}

// Close tears the call down: both legs are destroyed, the relay state is
// released and close listeners run. Only the first call has any effect.
func (s *Session) Close() {
	s.mu.Lock()
	if st := s.State(); st == StateTerminating || st == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state.Store(int32(StateTerminating))
	s.cancel()
	uas, uac := s.uas, s.uac
	s.uas, s.uac = nil, nil
	deleteMedia := !s.mediaDeleted
	s.mediaDeleted = true
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()

	for _, leg := range []Leg{uac, uas} {
		if leg == nil {
			continue
		}
		if err := leg.Destroy(ctx); err != nil {
			s.logger.Warn("error destroying leg", "error", err)
		}
	}
	if deleteMedia {
		s.engine.Delete(ctx, s.CallID, s.fromTag)
	}

	s.mu.Lock()
	s.state.Store(int32(StateClosed))
	listeners := s.onClose
	s.onClose = nil
	s.mu.Unlock()
	close(s.done)

	s.logger.Info("session closed")
	for _, fn := range listeners {
		fn(s)
	}
}
