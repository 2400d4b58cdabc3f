package call

import (
	"errors"
	"testing"
	"time"

	"github.com/flowpbx/tenantgw/internal/database/models"
	"github.com/flowpbx/tenantgw/internal/rtpengine"
)

func oneDestination() []models.Destination {
	return []models.Destination{
		{ID: 1, TenantID: 1, URI: "sip:pbx.acme.example.com", Type: "primary", Priority: 1},
	}
}

func TestDispatcherRejects(t *testing.T) {
	tests := []struct {
		name       string
		setup      func(h *harness)
		wantStatus int
	}{
		{
			name:       "unknown source",
			setup:      func(h *harness) { h.inbound.source = "198.51.100.7:5060" },
			wantStatus: 403,
		},
		{
			name: "no domain",
			setup: func(h *harness) {
				h.inbound.headers = map[string]string{"P-Asserted-Identity": "<tel:+15551234567>"}
				h.inbound.ruri = "tel:+15557654321"
			},
			wantStatus: 484,
		},
		{
			name: "unknown tenant",
			setup: func(h *harness) {
				h.inbound.headers = map[string]string{"P-Asserted-Identity": "<sip:+15551234567@globex.example.com>"}
			},
			wantStatus: 484,
		},
		{
			name: "no media engine",
			setup: func(h *harness) {
				h.dispatcher.cfg.Engines = engineSource{err: rtpengine.ErrNoEngines}
			},
			wantStatus: 503,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, oneDestination())
			tt.setup(h)

			h.dispatcher.HandleInvite(h.inbound)

			if status, _ := h.inbound.final(); status != tt.wantStatus {
				t.Errorf("response = %d, want %d", status, tt.wantStatus)
			}
			if h.outcome() != OutcomeRejected {
				t.Errorf("outcome = %q, want rejected", h.outcome())
			}
			if h.dispatcher.Count() != 0 {
				t.Errorf("Count() = %d, want 0", h.dispatcher.Count())
			}
			if len(h.signaler.targets()) != 0 {
				t.Error("rejected call reached a destination")
			}
			if len(h.engine.commands()) != 0 {
				t.Error("rejected call reached the media engine")
			}
		})
	}
}

func TestDispatcherDomainFromRequestURI(t *testing.T) {
	h := newHarness(t, oneDestination())
	h.inbound.headers = map[string]string{}
	h.inbound.ruri = "sip:+15557654321@ACME.example.com"

	h.dispatcher.HandleInvite(h.inbound)

	if h.outcome() != OutcomeConnected {
		t.Errorf("outcome = %q, want connected", h.outcome())
	}
}

func TestDispatcherTelIdentityUsesRequestURIDomain(t *testing.T) {
	h := newHarness(t, oneDestination())
	h.inbound.headers = map[string]string{"P-Asserted-Identity": "<tel:+15551234567>"}
	h.inbound.ruri = "sip:+15557654321@acme.example.com"

	h.dispatcher.HandleInvite(h.inbound)

	if h.outcome() != OutcomeConnected {
		t.Errorf("outcome = %q, want connected", h.outcome())
	}
}

func TestDispatcherDuplicateCallID(t *testing.T) {
	h := newHarness(t, oneDestination())
	h.dispatcher.HandleInvite(h.inbound)
	if h.outcome() != OutcomeConnected {
		t.Fatalf("outcome = %q, want connected", h.outcome())
	}
	first, _ := h.dispatcher.Session("call-1")

	dup := newInbound()
	h.dispatcher.HandleInvite(dup)

	if status, _ := dup.final(); status != 482 {
		t.Errorf("duplicate response = %d, want 482", status)
	}
	if s, _ := h.dispatcher.Session("call-1"); s != first {
		t.Error("duplicate replaced the live session")
	}
}

func TestDispatcherHangup(t *testing.T) {
	h, s, _, _ := connectedHarness(t)

	if err := h.dispatcher.Hangup("nope"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Hangup(nope) error = %v, want ErrSessionNotFound", err)
	}
	if err := h.dispatcher.Hangup("call-1"); err != nil {
		t.Fatalf("Hangup() error: %v", err)
	}
	<-s.Done()
	if h.dispatcher.Count() != 0 {
		t.Errorf("Count() = %d after hangup, want 0", h.dispatcher.Count())
	}
}

func TestDispatcherClose(t *testing.T) {
	h, s, uas, uac := connectedHarness(t)

	time.Sleep(time.Millisecond)
	second := newInbound()
	second.callID = "call-2"
	h.dispatcher.HandleInvite(second)
	if h.dispatcher.Count() != 2 {
		t.Fatalf("Count() = %d, want 2", h.dispatcher.Count())
	}
	if got := h.dispatcher.Sessions(); len(got) != 2 || got[0] != s {
		t.Fatal("Sessions() not ordered oldest first")
	}

	h.dispatcher.Close()

	if h.dispatcher.Count() != 0 {
		t.Errorf("Count() = %d after Close, want 0", h.dispatcher.Count())
	}
	if s.State() != StateClosed {
		t.Errorf("State() = %s, want closed", s.State())
	}
	if uas.destroyCount() != 1 || uac.destroyCount() != 1 {
		t.Errorf("destroy counts = %d/%d, want 1/1", uas.destroyCount(), uac.destroyCount())
	}

	late := newInbound()
	late.callID = "call-3"
	h.dispatcher.HandleInvite(late)
	if status, _ := late.final(); status != 503 {
		t.Errorf("call after Close answered %d, want 503", status)
	}
}
