package call

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/flowpbx/tenantgw/internal/database"
	"github.com/flowpbx/tenantgw/internal/database/models"
	"github.com/flowpbx/tenantgw/internal/routing"
	"github.com/flowpbx/tenantgw/internal/rtpengine"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func sdpWith(direction string) string {
	return "v=0\r\n" +
		"o=- 1 1 IN IP4 192.0.2.1\r\n" +
		"s=-\r\n" +
		"c=IN IP4 192.0.2.1\r\n" +
		"t=0 0\r\n" +
		"m=audio 4000 RTP/AVP 0\r\n" +
		"a=rtpmap:0 PCMU/8000\r\n" +
		"a=" + direction + "\r\n"
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

// fakeInbound is an inbound INVITE.
type fakeInbound struct {
	callID  string
	fromTag string
	source  string
	headers map[string]string
	ruri    string
	to      string
	body    string

	mu        sync.Mutex
	responses []int
	reasons   []string
}

func newInbound() *fakeInbound {
	return &fakeInbound{
		callID:  "call-1",
		fromTag: "from-1",
		source:  "192.0.2.10:5060",
		headers: map[string]string{"P-Asserted-Identity": "<sip:+15551234567@acme.example.com>"},
		ruri:    "sip:+15557654321@acme.example.com",
		to:      "<sip:+15557654321@acme.example.com>",
		body:    sdpWith("sendrecv"),
	}
}

func (f *fakeInbound) CallID() string            { return f.callID }
func (f *fakeInbound) FromTag() string           { return f.fromTag }
func (f *fakeInbound) SourceAddress() string     { return f.source }
func (f *fakeInbound) Header(name string) string { return f.headers[name] }
func (f *fakeInbound) RequestURI() string        { return f.ruri }
func (f *fakeInbound) To() string                { return f.to }
func (f *fakeInbound) Body() string              { return f.body }

func (f *fakeInbound) Respond(status int, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, status)
	f.reasons = append(f.reasons, reason)
}

// final returns the first final response, or 0.
func (f *fakeInbound) final() (int, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.responses) == 0 {
		return 0, ""
	}
	return f.responses[0], f.reasons[0]
}

// fakeLeg is an established dialog.
type fakeLeg struct {
	name string

	mu        sync.Mutex
	remoteTag string
	remoteSDP string
	handler   func(LegEvent)
	modifies  []string
	modifyErr error
	peerSDP   string
	destroyed int
}

func newLeg(name, remoteTag, remoteSDP string) *fakeLeg {
	return &fakeLeg{name: name, remoteTag: remoteTag, remoteSDP: remoteSDP}
}

func (l *fakeLeg) CallID() string   { return l.name + "-call" }
func (l *fakeLeg) LocalTag() string { return l.name + "-local" }

func (l *fakeLeg) RemoteTag() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.remoteTag
}

func (l *fakeLeg) RemoteSDP() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.remoteSDP
}

func (l *fakeLeg) Modify(ctx context.Context, sdp string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.modifies = append(l.modifies, sdp)
	if l.modifyErr != nil {
		return l.modifyErr
	}
	if l.peerSDP != "" {
		l.remoteSDP = l.peerSDP
	}
	return nil
}

func (l *fakeLeg) Destroy(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.destroyed++
	return nil
}

func (l *fakeLeg) Subscribe(fn func(LegEvent)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handler = fn
}

func (l *fakeLeg) emit(ev LegEvent) {
	l.mu.Lock()
	fn := l.handler
	l.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

func (l *fakeLeg) destroyCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.destroyed
}

func (l *fakeLeg) modified() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.modifies...)
}

// reply captures the response to a leg event.
type reply struct {
	status int
	reason string
	sdp    string
}

func newReplyFn() (func(int, string, string), <-chan reply) {
	ch := make(chan reply, 4)
	return func(status int, reason, sdp string) {
		ch <- reply{status, reason, sdp}
	}, ch
}

func awaitReply(t *testing.T, ch <-chan reply) reply {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("no reply to leg event")
		return reply{}
	}
}

// fakeSignaler answers or fails outbound attempts per target.
type fakeSignaler struct {
	mu        sync.Mutex
	failures  map[string]error
	attempts  []B2BUARequest
	localSDP  string
	uas       *fakeLeg
	uac       *fakeLeg
	transfers []TransferRequest
	target    *fakeLeg
	xferErr   error
}

func newSignaler() *fakeSignaler {
	return &fakeSignaler{failures: make(map[string]error)}
}

func (f *fakeSignaler) CreateB2BUA(ctx context.Context, req B2BUARequest) (Leg, Leg, error) {
	f.mu.Lock()
	f.attempts = append(f.attempts, req)
	err := f.failures[req.Target]
	f.mu.Unlock()
	if err != nil {
		return nil, nil, err
	}

	local, err := req.LocalSDP(ctx, sdpWith("sendrecv"), "to-1")
	if err != nil {
		return nil, nil, err
	}

	uas := newLeg("uas", "from-1", req.Inbound.Body())
	uac := newLeg("uac", "to-1", sdpWith("sendrecv"))

	f.mu.Lock()
	f.localSDP = local
	f.uas, f.uac = uas, uac
	f.mu.Unlock()
	return uas, uac, nil
}

func (f *fakeSignaler) Transfer(ctx context.Context, req TransferRequest) (Leg, Leg, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transfers = append(f.transfers, req)
	if f.xferErr != nil {
		return nil, nil, f.xferErr
	}
	f.target = newLeg("target", "to-2", sdpWith("sendrecv"))
	return req.Transferee, f.target, nil
}

func (f *fakeSignaler) targets() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, a := range f.attempts {
		out = append(out, a.Target)
	}
	return out
}

func (f *fakeSignaler) legs() (*fakeLeg, *fakeLeg) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.uas, f.uac
}

// fakeEngine records media commands and passes SDP through by default.
type fakeEngine struct {
	mu       sync.Mutex
	calls    []engineCall
	deletes  int
	offerFn  func(rtpengine.Params) (string, error)
	answerFn func(rtpengine.Params) (string, error)
}

type engineCall struct {
	command string
	params  rtpengine.Params
}

func (e *fakeEngine) Offer(ctx context.Context, p rtpengine.Params) (string, error) {
	e.mu.Lock()
	e.calls = append(e.calls, engineCall{"offer", p})
	fn := e.offerFn
	e.mu.Unlock()
	if fn != nil {
		return fn(p)
	}
	return p.SDP, nil
}

func (e *fakeEngine) Answer(ctx context.Context, p rtpengine.Params) (string, error) {
	e.mu.Lock()
	e.calls = append(e.calls, engineCall{"answer", p})
	fn := e.answerFn
	e.mu.Unlock()
	if fn != nil {
		return fn(p)
	}
	return p.SDP, nil
}

func (e *fakeEngine) Delete(ctx context.Context, callID, fromTag string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.deletes++
}

func (e *fakeEngine) commands() []engineCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]engineCall(nil), e.calls...)
}

func (e *fakeEngine) deleteCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.deletes
}

type engineSource struct {
	engine MediaEngine
	err    error
}

func (s engineSource) AcquireEngine() (MediaEngine, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.engine, nil
}

type sourceTable map[string]*routing.Source

func (s sourceTable) Lookup(addr string) (*routing.Source, bool) {
	src, ok := s[addr]
	return src, ok
}

// tenantStore serves a single tenant to a routing directory.
type tenantStore struct {
	tenant       models.Tenant
	routes       []models.Route
	destinations []models.Destination
}

func (s *tenantStore) ListTenantIDs(ctx context.Context) ([]int64, error) {
	return []int64{s.tenant.ID}, nil
}

func (s *tenantStore) GetTenant(ctx context.Context, id int64) (*models.Tenant, error) {
	if id != s.tenant.ID {
		return nil, database.ErrNotFound
	}
	t := s.tenant
	return &t, nil
}

func (s *tenantStore) ListDestinations(ctx context.Context, tenantID int64) ([]models.Destination, error) {
	return s.destinations, nil
}

func (s *tenantStore) ListRoutes(ctx context.Context, tenantID int64) ([]models.Route, error) {
	return s.routes, nil
}

// harness wires a dispatcher to fakes. The tenant acme.example.com routes
// carrier traffic to "primary" (priority 10) then "secondary" (priority 5).
type harness struct {
	dispatcher *Dispatcher
	signaler   *fakeSignaler
	engine     *fakeEngine
	inbound    *fakeInbound
	outcomes   []Outcome
	mu         sync.Mutex
}

func newHarness(t *testing.T, destinations []models.Destination) *harness {
	t.Helper()
	store := &tenantStore{
		tenant: models.Tenant{ID: 1, Name: "Acme", Domain: "acme.example.com"},
		routes: []models.Route{
			{ID: 1, TenantID: 1, InboundType: "carrier", OutboundType: "secondary", Priority: 5},
			{ID: 2, TenantID: 1, InboundType: "carrier", OutboundType: "primary", Priority: 10},
		},
		destinations: destinations,
	}
	dir := routing.NewDirectory(store, nil, testLogger())
	if err := dir.LoadAll(context.Background()); err != nil {
		t.Fatalf("LoadAll() error: %v", err)
	}

	h := &harness{
		signaler: newSignaler(),
		engine:   &fakeEngine{},
		inbound:  newInbound(),
	}
	h.dispatcher = NewDispatcher(DispatcherConfig{
		Sources: sourceTable{"192.0.2.10:5060": &routing.Source{
			ID:           1,
			Address:      "192.0.2.10",
			Type:         "carrier",
			MediaOptions: models.MediaOptions{"ICE": "force"},
		}},
		Tenants:     dir,
		Engines:     engineSource{engine: h.engine},
		Signaler:    h.signaler,
		Host:        "gw1",
		ContactPort: 5061,
		OnOutcome: func(o Outcome) {
			h.mu.Lock()
			h.outcomes = append(h.outcomes, o)
			h.mu.Unlock()
		},
		Logger: testLogger(),
	})
	t.Cleanup(h.dispatcher.Close)
	return h
}

func (h *harness) outcome() Outcome {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.outcomes) == 0 {
		return ""
	}
	return h.outcomes[len(h.outcomes)-1]
}

// connect routes the inbound call to a single answering destination.
func connectedHarness(t *testing.T) (*harness, *Session, *fakeLeg, *fakeLeg) {
	t.Helper()
	h := newHarness(t, []models.Destination{
		{ID: 1, TenantID: 1, URI: "sip:pbx.acme.example.com", Type: "primary", Priority: 1,
			MediaOptions: models.MediaOptions{"ICE": "remove"}},
	})
	h.dispatcher.HandleInvite(h.inbound)
	if h.outcome() != OutcomeConnected {
		t.Fatalf("outcome = %q, want connected", h.outcome())
	}
	s, ok := h.dispatcher.Session("call-1")
	if !ok {
		t.Fatal("session not registered")
	}
	uas, uac := h.signaler.legs()
	return h, s, uas, uac
}

var errBoom = errors.New("boom")
