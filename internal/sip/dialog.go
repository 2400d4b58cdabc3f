package sip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/emiago/sipgo/sip"
	"github.com/flowpbx/tenantgw/internal/call"
)

var errDialogEnded = errors.New("dialog ended")

// Dialog is one established SIP dialog of a bridged call, either the
// caller's (UAS) or a destination's (UAC). It implements call.Leg.
type Dialog struct {
	callID    string
	localTag  string
	remoteTag string

	local      sip.Uri
	localName  string
	remote     sip.Uri
	remoteName string

	// target is the remote target for in-dialog requests.
	target sip.Uri
	// routes is the route set in request order.
	routes    []string
	contact   *sip.ContactHeader
	transport string
	// nextHop is the host:port in-dialog requests are sent to.
	nextHop string
	creds   credentials

	srv    *Server
	logger *slog.Logger

	cseq     atomic.Uint32
	modifyMu sync.Mutex

	mu        sync.Mutex
	remoteSDP string
	localSDP  string
	handler   func(call.LegEvent)
	ended     bool
}

// newUASDialog builds the caller's dialog from its INVITE and our 200 OK.
func newUASDialog(srv *Server, in *inboundCall, res *sip.Response) *Dialog {
	req := in.req
	d := &Dialog{
		callID:    in.callID,
		localTag:  in.localTag,
		remoteTag: in.fromTag,
		transport: req.Transport(),
		nextHop:   req.Source(),
		contact:   res.Contact(),
		srv:       srv,
		remoteSDP: string(req.Body()),
		localSDP:  string(res.Body()),
	}
	if to := req.To(); to != nil {
		d.local, d.localName = to.Address, to.DisplayName
	}
	if from := req.From(); from != nil {
		d.remote, d.remoteName = from.Address, from.DisplayName
	}
	d.target = d.remote
	if contact := req.Contact(); contact != nil {
		d.target = contact.Address
	}
	for _, h := range req.GetHeaders("Record-Route") {
		d.routes = append(d.routes, h.Value())
	}
	d.logger = srv.logger.With("subsystem", "dialog", "call_id", d.callID, "leg", "uas")
	return d
}

// newUACDialog builds a destination's dialog from our INVITE and its 2xx.
func newUACDialog(srv *Server, invite *sip.Request, res *sip.Response, creds credentials) *Dialog {
	d := &Dialog{
		transport: invite.Transport(),
		nextHop:   invite.Destination(),
		contact:   invite.Contact(),
		creds:     creds,
		srv:       srv,
		target:    invite.Recipient,
		remoteSDP: string(res.Body()),
		localSDP:  string(invite.Body()),
	}
	if cid := invite.CallID(); cid != nil {
		d.callID = cid.Value()
	}
	if from := invite.From(); from != nil {
		d.local, d.localName = from.Address, from.DisplayName
		d.localTag, _ = from.Params.Get("tag")
	}
	if to := invite.To(); to != nil {
		d.remote, d.remoteName = to.Address, to.DisplayName
	}
	if to := res.To(); to != nil {
		d.remoteTag, _ = to.Params.Get("tag")
	}
	if contact := res.Contact(); contact != nil {
		d.target = contact.Address
	}
	if cseq := invite.CSeq(); cseq != nil {
		d.cseq.Store(cseq.SeqNo)
	}
	rr := res.GetHeaders("Record-Route")
	for i := len(rr) - 1; i >= 0; i-- {
		d.routes = append(d.routes, rr[i].Value())
	}
	d.logger = srv.logger.With("subsystem", "dialog", "call_id", d.callID, "leg", "uac")
	return d
}

func (d *Dialog) CallID() string    { return d.callID }
func (d *Dialog) LocalTag() string  { return d.localTag }
func (d *Dialog) RemoteTag() string { return d.remoteTag }

func (d *Dialog) RemoteSDP() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.remoteSDP
}

// LocalSDP returns the last session description sent to the peer.
func (d *Dialog) LocalSDP() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.localSDP
}

func (d *Dialog) Subscribe(fn func(call.LegEvent)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handler = fn
}

func (d *Dialog) isEnded() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ended
}

// end marks the dialog finished and reports whether this call did it.
func (d *Dialog) end() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ended {
		return false
	}
	d.ended = true
	return true
}

// Modify sends a re-INVITE with sdp and waits for the answer.
func (d *Dialog) Modify(ctx context.Context, sdp string) error {
	d.modifyMu.Lock()
	defer d.modifyMu.Unlock()

	if d.isEnded() {
		return errDialogEnded
	}

	req := d.newRequest(sip.INVITE)
	req.SetBody([]byte(sdp))
	req.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))

	sent, res, tx, err := d.send(ctx, req)
	if err != nil {
		return fmt.Errorf("sending re-invite: %w", err)
	}
	defer tx.Terminate()

	if res.StatusCode >= 300 {
		return &call.SIPError{Status: res.StatusCode, Reason: res.Reason}
	}

	ack := buildACKFor2xx(sent, res)
	d.srv.tracer.Send(ack, ack.Destination())
	if err := d.srv.client.WriteRequest(ack); err != nil {
		d.logger.Warn("failed to ack re-invite", "error", err)
	}

	d.mu.Lock()
	d.localSDP = sdp
	if body := res.Body(); len(body) > 0 {
		d.remoteSDP = string(body)
	}
	d.mu.Unlock()
	return nil
}

// Destroy sends BYE once. It does not notify the subscriber.
func (d *Dialog) Destroy(ctx context.Context) error {
	if !d.end() {
		return nil
	}
	d.srv.dialogs.Remove(d)

	_, res, tx, err := d.send(ctx, d.newRequest(sip.BYE))
	if err != nil {
		return fmt.Errorf("sending bye: %w", err)
	}
	tx.Terminate()
	if res.StatusCode >= 300 {
		return fmt.Errorf("bye answered with %d %s", res.StatusCode, res.Reason)
	}
	d.logger.Debug("dialog ended locally")
	return nil
}

// notify reports transfer progress to a peer that sent REFER.
func (d *Dialog) notify(ctx context.Context, frag string) error {
	req := d.newRequest(sip.NOTIFY)
	req.AppendHeader(sip.NewHeader("Event", "refer"))
	req.AppendHeader(sip.NewHeader("Subscription-State", "terminated;reason=noresource"))
	req.AppendHeader(sip.NewHeader("Content-Type", "message/sipfrag;version=2.0"))
	req.SetBody([]byte(frag))

	_, res, tx, err := d.send(ctx, req)
	if err != nil {
		return fmt.Errorf("sending notify: %w", err)
	}
	tx.Terminate()
	if res.StatusCode >= 300 {
		return fmt.Errorf("notify answered with %d %s", res.StatusCode, res.Reason)
	}
	return nil
}

func (d *Dialog) send(ctx context.Context, req *sip.Request) (*sip.Request, *sip.Response, sip.ClientTransaction, error) {
	sent, res, tx, err := d.srv.request(ctx, req, d.creds, nil)
	if cseq := sent.CSeq(); cseq != nil {
		d.bumpCSeq(cseq.SeqNo)
	}
	if err != nil && tx != nil {
		tx.Terminate()
		tx = nil
	}
	return sent, res, tx, err
}

// bumpCSeq keeps the local sequence ahead of requests re-sent with
// credentials.
func (d *Dialog) bumpCSeq(n uint32) {
	for {
		cur := d.cseq.Load()
		if n <= cur || d.cseq.CompareAndSwap(cur, n) {
			return
		}
	}
}

// newRequest builds an in-dialog request.
func (d *Dialog) newRequest(method sip.RequestMethod) *sip.Request {
	req := sip.NewRequest(method, *d.target.Clone())
	req.SetTransport(d.transport)
	if d.nextHop != "" {
		req.SetDestination(d.nextHop)
	}

	for _, r := range d.routes {
		req.AppendHeader(sip.NewHeader("Route", r))
	}

	from := &sip.FromHeader{
		DisplayName: d.localName,
		Address:     *d.local.Clone(),
	}
	from.Params.Add("tag", d.localTag)
	req.AppendHeader(from)

	to := &sip.ToHeader{
		DisplayName: d.remoteName,
		Address:     *d.remote.Clone(),
	}
	if d.remoteTag != "" {
		to.Params.Add("tag", d.remoteTag)
	}
	req.AppendHeader(to)

	callID := sip.CallIDHeader(d.callID)
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: d.cseq.Add(1), MethodName: method})

	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)

	if d.contact != nil {
		req.AppendHeader(sip.HeaderClone(d.contact))
	}
	return req
}

func (d *Dialog) emit(ev call.LegEvent) bool {
	d.mu.Lock()
	fn := d.handler
	d.mu.Unlock()
	if fn == nil {
		return false
	}
	fn(ev)
	return true
}

// handleInvite delivers a peer re-INVITE to the subscriber.
func (d *Dialog) handleInvite(req *sip.Request, tx sip.ServerTransaction) {
	body := string(req.Body())
	var once sync.Once
	reply := func(status int, reason, sdp string) {
		once.Do(func() {
			var b []byte
			if status < 300 {
				b = []byte(sdp)
			}
			res := sip.NewResponseFromRequest(req, status, reason, b)
			if len(b) > 0 {
				res.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
			}
			if status < 300 {
				if d.contact != nil {
					res.AppendHeader(sip.HeaderClone(d.contact))
				}
				d.mu.Lock()
				d.localSDP = sdp
				d.mu.Unlock()
			}
			d.srv.respond(req, tx, res)
		})
	}

	if body != "" {
		d.mu.Lock()
		d.remoteSDP = body
		d.mu.Unlock()
	}

	if !d.emit(call.LegEvent{Kind: call.LegModified, Leg: d, SDP: body, Reply: reply}) {
		reply(500, "Server Internal Error", "")
	}
}

// handleBye ends the dialog at the peer's request.
func (d *Dialog) handleBye(req *sip.Request, tx sip.ServerTransaction) {
	d.srv.respond(req, tx, sip.NewResponseFromRequest(req, 200, "OK", nil))
	if !d.end() {
		return
	}
	d.srv.dialogs.Remove(d)
	d.logger.Info("dialog ended by peer")
	d.emit(call.LegEvent{Kind: call.LegDestroyed, Leg: d})
}

// handleRefer delivers a transfer request to the subscriber.
func (d *Dialog) handleRefer(req *sip.Request, tx sip.ServerTransaction) {
	referTo := ""
	if h := req.GetHeader("Refer-To"); h != nil {
		referTo = referTarget(h.Value())
	}
	var once sync.Once
	reply := func(status int, reason, _ string) {
		once.Do(func() {
			d.srv.respond(req, tx, sip.NewResponseFromRequest(req, status, reason, nil))
		})
	}
	if !d.emit(call.LegEvent{Kind: call.LegReferred, Leg: d, ReferTo: referTo, Reply: reply}) {
		reply(500, "Server Internal Error", "")
	}
}

// referTarget extracts the URI from a Refer-To header value.
func referTarget(value string) string {
	v := strings.TrimSpace(value)
	if i := strings.IndexByte(v, '<'); i >= 0 {
		if j := strings.IndexByte(v[i:], '>'); j > 0 {
			return strings.TrimSpace(v[i+1 : i+j])
		}
	}
	if i := strings.IndexByte(v, ';'); i >= 0 {
		v = v[:i]
	}
	return strings.TrimSpace(v)
}

// DialogManager tracks established dialogs for in-dialog request routing.
type DialogManager struct {
	mu      sync.RWMutex
	dialogs map[string]*Dialog // keyed by Call-ID
	logger  *slog.Logger
}

// NewDialogManager creates an empty dialog registry.
func NewDialogManager(logger *slog.Logger) *DialogManager {
	return &DialogManager{
		dialogs: make(map[string]*Dialog),
		logger:  logger.With("subsystem", "dialogs"),
	}
}

// Add registers an established dialog.
func (dm *DialogManager) Add(d *Dialog) {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	dm.dialogs[d.callID] = d
	dm.logger.Debug("dialog added", "call_id", d.callID, "local_tag", d.localTag)
}

// Remove drops d if it is still the registered dialog for its Call-ID.
func (dm *DialogManager) Remove(d *Dialog) {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.dialogs[d.callID] == d {
		delete(dm.dialogs, d.callID)
		dm.logger.Debug("dialog removed", "call_id", d.callID)
	}
}

// Match finds the dialog an in-dialog request from a peer belongs to. The
// request's To tag must be the dialog's local tag.
func (dm *DialogManager) Match(req *sip.Request) *Dialog {
	cid := req.CallID()
	if cid == nil {
		return nil
	}
	dm.mu.RLock()
	d, ok := dm.dialogs[cid.Value()]
	dm.mu.RUnlock()
	if !ok {
		return nil
	}
	if toTag(req) != d.localTag {
		return nil
	}
	return d
}

// Count returns the number of established dialogs.
func (dm *DialogManager) Count() int {
	dm.mu.RLock()
	defer dm.mu.RUnlock()
	return len(dm.dialogs)
}

func toTag(req *sip.Request) string {
	if to := req.To(); to != nil {
		tag, _ := to.Params.Get("tag")
		return tag
	}
	return ""
}
