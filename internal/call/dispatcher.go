package call

import (
	"errors"
	"log/slog"
	"sort"
	"sync"

	"github.com/flowpbx/tenantgw/internal/routing"
	"github.com/flowpbx/tenantgw/internal/rtpengine"
)

// ErrSessionNotFound is returned when no live session has the call id.
var ErrSessionNotFound = errors.New("session not found")

// SourceResolver finds the configured source for a request address.
type SourceResolver interface {
	Lookup(addr string) (*routing.Source, bool)
}

// TenantResolver finds the tenant owning a routing domain.
type TenantResolver interface {
	Resolve(domain string) (*routing.Tenant, bool)
}

// EngineSource hands out a media engine for a new call.
type EngineSource interface {
	AcquireEngine() (MediaEngine, error)
}

type poolSource struct {
	pool *rtpengine.Pool
}

// PoolEngines adapts a media engine pool to an EngineSource.
func PoolEngines(pool *rtpengine.Pool) EngineSource {
	return poolSource{pool: pool}
}

func (p poolSource) AcquireEngine() (MediaEngine, error) {
	e, err := p.pool.Acquire()
	if err != nil {
		return nil, err
	}
	return e, nil
}

// DispatcherConfig wires a Dispatcher to its collaborators.
type DispatcherConfig struct {
	Sources  SourceResolver
	Tenants  TenantResolver
	Engines  EngineSource
	Signaler Signaler
	// Host is the first label of the Contact advertised to both legs; the
	// tenant domain is appended to it.
	Host        string
	ContactPort int
	// OnOutcome, when set, is called once per inbound call.
	OnOutcome func(Outcome)
	Logger    *slog.Logger
}

// Dispatcher admits inbound calls and owns the live sessions, at most one
// per Call-ID.
type Dispatcher struct {
	cfg    DispatcherConfig
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	return &Dispatcher{
		cfg:      cfg,
		logger:   cfg.Logger.With("subsystem", "dispatcher"),
		sessions: make(map[string]*Session),
	}
}

// HandleInvite authorizes an inbound call, creates its session and routes
// it. It returns once the call is connected or has been answered with a
// failure.
func (d *Dispatcher) HandleInvite(in InboundCall) {
	callID := in.CallID()
	logger := d.logger.With("call_id", callID, "source", in.SourceAddress())

	source, ok := d.cfg.Sources.Lookup(in.SourceAddress())
	if !ok {
		logger.Warn("rejecting call from unknown source")
		in.Respond(403, "Source address not authorized")
		d.outcome(OutcomeRejected)
		return
	}

	domain := ExtractDomain(in.Header("P-Asserted-Identity"), in.RequestURI())
	if domain == "" {
		logger.Warn("rejecting call without domain")
		in.Respond(484, "Domain missing")
		d.outcome(OutcomeRejected)
		return
	}

	tenant, ok := d.cfg.Tenants.Resolve(domain)
	if !ok {
		logger.Warn("rejecting call for unknown tenant", "tenant", domain)
		in.Respond(484, "Missing data for organization")
		d.outcome(OutcomeRejected)
		return
	}

	engine, err := d.cfg.Engines.AcquireEngine()
	if err != nil {
		logger.Error("no media engine for call", "error", err)
		in.Respond(503, "Service Unavailable")
		d.outcome(OutcomeRejected)
		return
	}

	s := newSession(sessionConfig{
		Inbound:     in,
		Tenant:      tenant,
		Source:      source,
		Engine:      engine,
		Signaler:    d.cfg.Signaler,
		Host:        d.cfg.Host,
		ContactPort: d.cfg.ContactPort,
		Logger:      d.cfg.Logger,
	})

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		in.Respond(503, "Service Unavailable")
		d.outcome(OutcomeRejected)
		return
	}
	if _, dup := d.sessions[callID]; dup {
		d.mu.Unlock()
		logger.Error("duplicate call id, rejecting")
		in.Respond(482, "Loop Detected")
		d.outcome(OutcomeRejected)
		return
	}
	d.sessions[callID] = s
	d.mu.Unlock()

	s.OnClose(d.remove)

	d.outcome(s.route())
}

func (d *Dispatcher) remove(s *Session) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sessions[s.CallID] == s {
		delete(d.sessions, s.CallID)
	}
}

func (d *Dispatcher) outcome(o Outcome) {
	if d.cfg.OnOutcome != nil {
		d.cfg.OnOutcome(o)
	}
}

// Session returns the live session for callID.
func (d *Dispatcher) Session(callID string) (*Session, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.sessions[callID]
	return s, ok
}

// Sessions returns the live sessions, oldest first.
func (d *Dispatcher) Sessions() []*Session {
	d.mu.Lock()
	out := make([]*Session, 0, len(d.sessions))
	for _, s := range d.sessions {
		out = append(out, s)
	}
	d.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].createdAt.Before(out[j].createdAt)
	})
	return out
}

// Count returns the number of live sessions.
func (d *Dispatcher) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sessions)
}

// Hangup closes the session for callID.
func (d *Dispatcher) Hangup(callID string) error {
	s, ok := d.Session(callID)
	if !ok {
		return ErrSessionNotFound
	}
	s.Close()
	return nil
}

// Close closes every session and refuses new calls.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	sessions := make([]*Session, 0, len(d.sessions))
	for _, s := range d.sessions {
		sessions = append(sessions, s)
	}
	d.sessions = make(map[string]*Session)
	d.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
	d.logger.Info("dispatcher closed", "sessions", len(sessions))
}
