package sip

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/flowpbx/tenantgw/internal/call"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestParseSIPLogVerbosity(t *testing.T) {
	tests := []struct {
		in   string
		want SIPLogVerbosity
	}{
		{in: "off", want: SIPLogOff},
		{in: "", want: SIPLogOff},
		{in: "headers", want: SIPLogHeaders},
		{in: " FULL ", want: SIPLogFull},
		{in: "verbose", want: SIPLogOff},
	}
	for _, tt := range tests {
		if got := ParseSIPLogVerbosity(tt.in); got != tt.want {
			t.Errorf("ParseSIPLogVerbosity(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestFormatMessage(t *testing.T) {
	msg := []byte("INVITE sip:bob@example.com SIP/2.0\r\nCall-ID: abc\r\n\r\nv=0\r\n")

	if got := formatMessage(msg, SIPLogFull); got != string(msg) {
		t.Errorf("full = %q, want whole message", got)
	}
	want := "INVITE sip:bob@example.com SIP/2.0\r\nCall-ID: abc"
	if got := formatMessage(msg, SIPLogHeaders); got != want {
		t.Errorf("headers = %q, want %q", got, want)
	}
}

func TestMessageTracerSetVerbosity(t *testing.T) {
	tr := NewMessageTracer(testLogger(), SIPLogOff)
	tr.SetVerbosity(SIPLogHeaders)
	if tr.Verbosity() != SIPLogHeaders {
		t.Fatalf("verbosity = %v, want headers", tr.Verbosity())
	}
}

func TestReferTarget(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "<sip:alice@pbx.example.com>", want: "sip:alice@pbx.example.com"},
		{in: `"Alice" <sip:alice@pbx.example.com;transport=tcp>;foo=bar`, want: "sip:alice@pbx.example.com;transport=tcp"},
		{in: " sip:bob@pbx.example.com;method=INVITE", want: "sip:bob@pbx.example.com"},
		{in: "", want: ""},
	}
	for _, tt := range tests {
		if got := referTarget(tt.in); got != tt.want {
			t.Errorf("referTarget(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNextHop(t *testing.T) {
	tests := []struct {
		target        string
		wantHop       string
		wantTransport string
	}{
		{target: "sip:pbx.acme.example.com", wantHop: "pbx.acme.example.com:5060", wantTransport: "UDP"},
		{target: "sip:10.0.0.5:5070;transport=tcp", wantHop: "10.0.0.5:5070", wantTransport: "TCP"},
		{target: "sip:pbx.example.com;transport=tls", wantHop: "pbx.example.com:5061", wantTransport: "TLS"},
		{target: "sips:pbx.example.com", wantHop: "pbx.example.com:5061", wantTransport: "TLS"},
	}
	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			_, hop, transport, err := nextHop(tt.target)
			if err != nil {
				t.Fatalf("nextHop: %v", err)
			}
			if hop != tt.wantHop {
				t.Errorf("hop = %q, want %q", hop, tt.wantHop)
			}
			if transport != tt.wantTransport {
				t.Errorf("transport = %q, want %q", transport, tt.wantTransport)
			}
		})
	}
}

func TestBuildHeader(t *testing.T) {
	h := buildHeader(call.Header{Name: "Contact", Value: "<sip:gw.acme.example.com:5061;transport=tls>"})
	contact, ok := h.(*sip.ContactHeader)
	if !ok {
		t.Fatalf("contact header type = %T, want *sip.ContactHeader", h)
	}
	if contact.Address.Host != "gw.acme.example.com" || contact.Address.Port != 5061 {
		t.Errorf("contact address = %s, want gw.acme.example.com:5061", contact.Address.String())
	}

	h = buildHeader(call.Header{Name: "P-Asserted-Identity", Value: "<sip:+15551234567@acme.example.com>"})
	if h.Name() != "P-Asserted-Identity" || h.Value() != "<sip:+15551234567@acme.example.com>" {
		t.Errorf("header = %s: %s", h.Name(), h.Value())
	}
}

func TestSipfrag(t *testing.T) {
	if got := sipfrag(200, "OK"); got != "SIP/2.0 200 OK\r\n" {
		t.Errorf("sipfrag = %q", got)
	}
}

func TestFailure(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{name: "transport", err: fmt.Errorf("%w: sending INVITE: refused", errTransport), wantStatus: 503},
		{name: "no response", err: fmt.Errorf("%w: timer b", errNoResponse), wantStatus: 408},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var sipErr *call.SIPError
			if !errors.As(failure(tt.err), &sipErr) {
				t.Fatalf("failure(%v) is not a SIPError", tt.err)
			}
			if sipErr.Status != tt.wantStatus {
				t.Errorf("status = %d, want %d", sipErr.Status, tt.wantStatus)
			}
		})
	}

	other := errors.New("boom")
	if got := failure(other); got != other {
		t.Errorf("failure(other) = %v, want unchanged", got)
	}
}

func testDialog() *Dialog {
	d := &Dialog{
		callID:    "call-1",
		localTag:  "local",
		remoteTag: "remote",
		local:     sip.Uri{Scheme: "sip", User: "+15551234567", Host: "gw.example.com"},
		remote:    sip.Uri{Scheme: "sip", User: "+15557654321", Host: "pbx.acme.example.com"},
		target:    sip.Uri{Scheme: "sip", User: "bob", Host: "192.0.2.10", Port: 5080},
		routes:    []string{"<sip:proxy1.example.com;lr>", "<sip:proxy2.example.com;lr>"},
		transport: "UDP",
		nextHop:   "192.0.2.1:5060",
		logger:    testLogger(),
	}
	d.cseq.Store(5)
	return d
}

func TestDialogNewRequest(t *testing.T) {
	d := testDialog()

	req := d.newRequest(sip.BYE)
	if req.Method != sip.BYE {
		t.Fatalf("method = %s, want BYE", req.Method)
	}
	if req.Recipient.Host != "192.0.2.10" {
		t.Errorf("request-uri host = %q, want remote target", req.Recipient.Host)
	}
	if req.Destination() != "192.0.2.1:5060" {
		t.Errorf("destination = %q", req.Destination())
	}
	if got, _ := req.From().Params.Get("tag"); got != "local" {
		t.Errorf("from tag = %q, want local", got)
	}
	if got, _ := req.To().Params.Get("tag"); got != "remote" {
		t.Errorf("to tag = %q, want remote", got)
	}
	if req.CallID().Value() != "call-1" {
		t.Errorf("call-id = %q", req.CallID().Value())
	}
	if req.CSeq().SeqNo != 6 || req.CSeq().MethodName != sip.BYE {
		t.Errorf("cseq = %d %s, want 6 BYE", req.CSeq().SeqNo, req.CSeq().MethodName)
	}

	routes := req.GetHeaders("Route")
	if len(routes) != 2 {
		t.Fatalf("got %d routes, want 2", len(routes))
	}
	if routes[0].Value() != "<sip:proxy1.example.com;lr>" || routes[1].Value() != "<sip:proxy2.example.com;lr>" {
		t.Errorf("routes = %s, %s", routes[0].Value(), routes[1].Value())
	}

	if next := d.newRequest(sip.INVITE); next.CSeq().SeqNo != 7 {
		t.Errorf("second cseq = %d, want 7", next.CSeq().SeqNo)
	}
}

func TestDialogBumpCSeq(t *testing.T) {
	d := testDialog()
	d.bumpCSeq(9)
	d.bumpCSeq(3)
	if got := d.cseq.Load(); got != 9 {
		t.Errorf("cseq = %d, want 9", got)
	}
}

func TestDialogEndOnce(t *testing.T) {
	d := testDialog()
	if !d.end() {
		t.Fatal("first end should report true")
	}
	if d.end() {
		t.Fatal("second end should report false")
	}
	if !d.isEnded() {
		t.Fatal("dialog should be ended")
	}
}

func inDialogRequest(method sip.RequestMethod, callID, tag string) *sip.Request {
	uri := sip.Uri{Scheme: "sip", Host: "gw.example.com"}
	req := sip.NewRequest(method, uri)
	cid := sip.CallIDHeader(callID)
	req.AppendHeader(&cid)
	to := &sip.ToHeader{Address: uri}
	if tag != "" {
		to.Params.Add("tag", tag)
	}
	req.AppendHeader(to)
	return req
}

func TestDialogManagerMatch(t *testing.T) {
	dm := NewDialogManager(testLogger())
	d := testDialog()
	dm.Add(d)

	tests := []struct {
		name string
		req  *sip.Request
		want bool
	}{
		{name: "matching tag", req: inDialogRequest(sip.BYE, "call-1", "local"), want: true},
		{name: "wrong tag", req: inDialogRequest(sip.BYE, "call-1", "other"), want: false},
		{name: "no tag", req: inDialogRequest(sip.BYE, "call-1", ""), want: false},
		{name: "unknown call", req: inDialogRequest(sip.BYE, "call-2", "local"), want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := dm.Match(tt.req)
			if (got != nil) != tt.want {
				t.Errorf("Match = %v, want match %v", got, tt.want)
			}
		})
	}
}

func TestDialogManagerRemoveOnlySameDialog(t *testing.T) {
	dm := NewDialogManager(testLogger())
	first := testDialog()
	second := testDialog()
	dm.Add(first)
	dm.Add(second)

	dm.Remove(first)
	if dm.Count() != 1 {
		t.Fatalf("count = %d, want 1 after removing a replaced dialog", dm.Count())
	}
	dm.Remove(second)
	if dm.Count() != 0 {
		t.Fatalf("count = %d, want 0", dm.Count())
	}
}

func testInvite(callID string) *sip.Request {
	uri := sip.Uri{Scheme: "sip", User: "+15557654321", Host: "acme.example.com"}
	req := sip.NewRequest(sip.INVITE, uri)
	cid := sip.CallIDHeader(callID)
	req.AppendHeader(&cid)
	from := &sip.FromHeader{Address: sip.Uri{Scheme: "sip", User: "+15551234567", Host: "carrier.example.net"}}
	from.Params.Add("tag", "caller-tag")
	req.AppendHeader(from)
	req.AppendHeader(&sip.ToHeader{Address: uri})
	return req
}

func TestInboundCallAccessors(t *testing.T) {
	c := newInboundCall(testInvite("call-1"), nil, nil, testLogger())
	if c.CallID() != "call-1" {
		t.Errorf("call id = %q", c.CallID())
	}
	if c.FromTag() != "caller-tag" {
		t.Errorf("from tag = %q", c.FromTag())
	}
	if c.localTag == "" {
		t.Error("local tag should be generated")
	}
	if c.finalStatus() != 0 {
		t.Errorf("final status = %d, want 0", c.finalStatus())
	}
}

func TestPendingCallManager(t *testing.T) {
	pm := NewPendingCallManager(testLogger())
	first := newInboundCall(testInvite("call-1"), nil, nil, testLogger())
	dup := newInboundCall(testInvite("call-1"), nil, nil, testLogger())

	if !pm.Add(first) {
		t.Fatal("first add should succeed")
	}
	if pm.Add(dup) {
		t.Fatal("duplicate call id should be refused")
	}
	if pm.Get("call-1") != first {
		t.Fatal("get should return the first call")
	}

	pm.Remove(dup)
	if pm.Count() != 1 {
		t.Fatalf("count = %d, removing another call must not drop the pending one", pm.Count())
	}
	pm.Remove(first)
	if pm.Count() != 0 {
		t.Fatalf("count = %d, want 0", pm.Count())
	}

	if pm.Cancel("call-1") {
		t.Fatal("cancel of unknown call should report false")
	}
}

func TestBuildCancel(t *testing.T) {
	invite := testInvite("call-1")
	invite.AppendHeader(&sip.CSeqHeader{SeqNo: 3, MethodName: sip.INVITE})
	invite.SetTransport("UDP")
	invite.SetDestination("192.0.2.1:5060")

	c := buildCancel(invite)
	if c.Method != sip.CANCEL {
		t.Fatalf("method = %s", c.Method)
	}
	if c.CSeq().SeqNo != 3 || c.CSeq().MethodName != sip.CANCEL {
		t.Errorf("cseq = %d %s, want 3 CANCEL", c.CSeq().SeqNo, c.CSeq().MethodName)
	}
	if c.CallID().Value() != "call-1" {
		t.Errorf("call-id = %q", c.CallID().Value())
	}
	if c.Destination() != "192.0.2.1:5060" {
		t.Errorf("destination = %q", c.Destination())
	}
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestGuard() (*ScanGuard, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	g := NewScanGuard(testLogger())
	g.now = clock.now
	return g, clock
}

func TestScanGuardBlocksAfterThreshold(t *testing.T) {
	g, _ := newTestGuard()
	source := "198.51.100.7:5060"

	for i := 0; i < maxRejections-1; i++ {
		g.Rejected(source)
	}
	if g.Blocked(source) {
		t.Fatalf("blocked after %d rejections", maxRejections-1)
	}
	g.Rejected(source)
	if !g.Blocked(source) {
		t.Fatal("should be blocked at the threshold")
	}
	if !g.Blocked("198.51.100.7") {
		t.Fatal("bare ip should match the blocked source")
	}
	if g.Blocked("198.51.100.8:5060") {
		t.Fatal("other addresses must not be blocked")
	}
}

func TestScanGuardWindow(t *testing.T) {
	g, clock := newTestGuard()
	source := "198.51.100.7:5060"

	for i := 0; i < maxRejections-1; i++ {
		g.Rejected(source)
	}
	clock.advance(rejectionWindow + time.Second)
	g.Rejected(source)
	if g.Blocked(source) {
		t.Fatal("rejections outside the window must not count")
	}
}

func TestScanGuardAcceptedResets(t *testing.T) {
	g, _ := newTestGuard()
	source := "198.51.100.7:5060"

	for i := 0; i < maxRejections-1; i++ {
		g.Rejected(source)
	}
	g.Accepted(source)
	g.Rejected(source)
	if g.Blocked(source) {
		t.Fatal("accepted call should reset the rejection count")
	}
}

func TestScanGuardProgressiveBlock(t *testing.T) {
	g, clock := newTestGuard()
	source := "198.51.100.7:5060"

	block := func() {
		for i := 0; i < maxRejections; i++ {
			g.Rejected(source)
		}
	}

	block()
	clock.advance(baseBlock - time.Second)
	if !g.Blocked(source) {
		t.Fatal("should still be blocked before the first block ends")
	}
	clock.advance(2 * time.Second)
	if g.Blocked(source) {
		t.Fatal("first block should have expired")
	}

	block()
	clock.advance(baseBlock + time.Second)
	if !g.Blocked(source) {
		t.Fatal("second block should last twice as long")
	}
	clock.advance(baseBlock)
	if g.Blocked(source) {
		t.Fatal("second block should have expired")
	}
}

func TestScanGuardUnblockAndList(t *testing.T) {
	g, clock := newTestGuard()
	for _, src := range []string{"198.51.100.7:5060", "[2001:db8::1]:5060"} {
		for i := 0; i < maxRejections; i++ {
			g.Rejected(src)
		}
		clock.advance(time.Second)
	}

	list := g.BlockedSources()
	if len(list) != 2 {
		t.Fatalf("got %d blocked sources, want 2", len(list))
	}
	if list[0].IP != "198.51.100.7" || list[1].IP != "2001:db8::1" {
		t.Errorf("order = %s, %s; want soonest expiry first", list[0].IP, list[1].IP)
	}

	if !g.Unblock("198.51.100.7") {
		t.Fatal("unblock should report true")
	}
	if g.Unblock("198.51.100.7") {
		t.Fatal("second unblock should report false")
	}
	if g.Blocked("198.51.100.7:5060") {
		t.Fatal("source should be unblocked")
	}
}

func TestScanGuardSweep(t *testing.T) {
	g, clock := newTestGuard()
	g.Rejected("198.51.100.7:5060")
	for i := 0; i < maxRejections; i++ {
		g.Rejected("198.51.100.8:5060")
	}

	clock.advance(rejectionWindow + time.Second)
	g.Sweep()

	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.records["198.51.100.7"]; ok {
		t.Error("stale record should be swept")
	}
	if _, ok := g.records["198.51.100.8"]; !ok {
		t.Error("recently blocked record should be kept")
	}
}

func TestHostIP(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "192.0.2.1:5060", want: "192.0.2.1"},
		{in: "192.0.2.1", want: "192.0.2.1"},
		{in: "[::1]:5060", want: "::1"},
		{in: "::1", want: "::1"},
		{in: "", want: ""},
		{in: "pbx.example.com:5060", want: ""},
	}
	for _, tt := range tests {
		if got := hostIP(tt.in); got != tt.want {
			t.Errorf("hostIP(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
