// Package call implements the per-call session state machine and the
// dispatcher that admits inbound calls.
package call

import (
	"context"
	"fmt"

	"github.com/flowpbx/tenantgw/internal/rtpengine"
)

// SIPError is a final SIP failure returned by the signaling layer.
type SIPError struct {
	Status int
	Reason string
}

func (e *SIPError) Error() string {
	return fmt.Sprintf("sip %d %s", e.Status, e.Reason)
}

// LegEventKind identifies what happened on a leg.
type LegEventKind int

const (
	// LegDestroyed means the leg's dialog ended.
	LegDestroyed LegEventKind = iota
	// LegModified means the peer sent an in-dialog re-offer.
	LegModified
	// LegReferred means the peer asked for the call to be transferred.
	LegReferred
)

func (k LegEventKind) String() string {
	switch k {
	case LegDestroyed:
		return "destroy"
	case LegModified:
		return "modify"
	case LegReferred:
		return "refer"
	default:
		return "unknown"
	}
}

// LegEvent is delivered to a leg's subscriber. Reply answers the request
// that caused the event and is nil for LegDestroyed.
type LegEvent struct {
	Kind    LegEventKind
	Leg     Leg
	SDP     string
	ReferTo string
	Reply   func(status int, reason, sdp string)
}

// Leg is one established dialog of a bridged call.
type Leg interface {
	CallID() string
	LocalTag() string
	RemoteTag() string
	// RemoteSDP is the most recent session description the peer sent.
	RemoteSDP() string
	// Modify sends an in-dialog re-offer and waits for the peer's answer.
	Modify(ctx context.Context, sdp string) error
	// Destroy ends the dialog. It does not emit LegDestroyed and calling
	// it more than once is harmless.
	Destroy(ctx context.Context) error
	// Subscribe installs the handler for the leg's events, replacing any
	// previous one.
	Subscribe(fn func(LegEvent))
}

// Header is a SIP header to add to a request or response.
type Header struct {
	Name  string
	Value string
}

// B2BUARequest describes the outbound leg to create for an inbound call.
type B2BUARequest struct {
	Inbound InboundCall
	// Target is the destination URI the INVITE is sent to.
	Target string
	// SDP is offered to the destination.
	SDP string
	// LocalSDP produces the answer for the inbound leg from the
	// destination's answer and To-tag.
	LocalSDP func(ctx context.Context, remoteSDP, toTag string) (string, error)
	// Headers are added to the outbound INVITE.
	Headers []Header
	// ResponseHeaders are added to the answer sent to the caller.
	ResponseHeaders []Header
	AuthUsername    string
	AuthPassword    string
}

// TransferRequest asks the signaling layer to replace Transferor with a new
// dialog to Target, keeping Transferee connected.
type TransferRequest struct {
	Transferor Leg
	Transferee Leg
	Target     string
	// SDP is offered to the transfer target.
	SDP string
}

// Signaler is the SIP stack as seen by a session.
type Signaler interface {
	// CreateB2BUA sends the outbound INVITE and, once it is answered,
	// answers the inbound call. On failure it returns a *SIPError when a
	// final SIP status is known.
	CreateB2BUA(ctx context.Context, req B2BUARequest) (uas, uac Leg, err error)
	// Transfer connects Transferee to Target and ends the Transferor dialog.
	Transfer(ctx context.Context, req TransferRequest) (transferee, target Leg, err error)
}

// InboundCall is a new INVITE waiting for a final response.
type InboundCall interface {
	CallID() string
	FromTag() string
	// SourceAddress is the request's transport source as host:port.
	SourceAddress() string
	Header(name string) string
	RequestURI() string
	To() string
	Body() string
	// Respond sends a final response. Only the first final response is sent.
	Respond(status int, reason string)
}

// MediaEngine negotiates SDP through a media relay.
type MediaEngine interface {
	Offer(ctx context.Context, p rtpengine.Params) (string, error)
	Answer(ctx context.Context, p rtpengine.Params) (string, error)
	Delete(ctx context.Context, callID, fromTag string)
}
