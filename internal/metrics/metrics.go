package metrics

import (
	"fmt"
	"sync"
	"time"

	"github.com/flowpbx/tenantgw/internal/call"
	"github.com/flowpbx/tenantgw/internal/routing"
	"github.com/flowpbx/tenantgw/internal/rtpengine"
	"github.com/flowpbx/tenantgw/internal/sip"
	"github.com/prometheus/client_golang/prometheus"
)

// SessionCounter exposes the number of live call sessions.
type SessionCounter interface {
	Count() int
}

// TenantLister exposes the loaded tenants.
type TenantLister interface {
	Tenants() []*routing.Tenant
}

// EngineLister exposes the media engines in the pool.
type EngineLister interface {
	Engines() []*rtpengine.Engine
}

// SIPStats exposes SIP layer state.
type SIPStats interface {
	Dialogs() int
	PendingCalls() int
}

// BlockList exposes addresses blocked by the scan guard.
type BlockList interface {
	BlockedSources() []sip.BlockedSource
}

// Providers are the sources a Collector reads at scrape time. Any may be
// nil.
type Providers struct {
	Sessions SessionCounter
	Tenants  TenantLister
	Engines  EngineLister
	SIP      SIPStats
	Blocked  BlockList
}

// Collector is a prometheus.Collector that gathers gateway metrics at
// scrape time. Call outcomes are counted as they are observed.
type Collector struct {
	p         Providers
	startTime time.Time

	mu       sync.Mutex
	outcomes map[call.Outcome]uint64

	activeSessionsDesc *prometheus.Desc
	callsTotalDesc     *prometheus.Desc
	engineUpDesc       *prometheus.Desc
	engineCallsDesc    *prometheus.Desc
	destinationUpDesc  *prometheus.Desc
	dialogsDesc        *prometheus.Desc
	pendingDesc        *prometheus.Desc
	blockedDesc        *prometheus.Desc
	uptimeDesc         *prometheus.Desc
}

// NewCollector creates a new metrics collector.
func NewCollector(p Providers, startTime time.Time) *Collector {
	return &Collector{
		p:         p,
		startTime: startTime,
		outcomes:  make(map[call.Outcome]uint64),

		activeSessionsDesc: prometheus.NewDesc(
			"tenantgw_active_sessions",
			"Number of live call sessions",
			nil, nil,
		),
		callsTotalDesc: prometheus.NewDesc(
			"tenantgw_calls_total",
			"Inbound calls handled, by outcome",
			[]string{"outcome"}, nil,
		),
		engineUpDesc: prometheus.NewDesc(
			"tenantgw_engine_available",
			"Media engine availability (1=available, 0=unavailable)",
			[]string{"engine"}, nil,
		),
		engineCallsDesc: prometheus.NewDesc(
			"tenantgw_engine_active_calls",
			"Calls with state on a media engine",
			[]string{"engine"}, nil,
		),
		destinationUpDesc: prometheus.NewDesc(
			"tenantgw_destination_available",
			"Destination availability (1=may be attempted, 0=down or not yet probed)",
			[]string{"tenant", "destination_id", "uri"}, nil,
		),
		dialogsDesc: prometheus.NewDesc(
			"tenantgw_sip_dialogs",
			"Confirmed SIP dialogs",
			nil, nil,
		),
		pendingDesc: prometheus.NewDesc(
			"tenantgw_sip_pending_invites",
			"Inbound INVITEs awaiting a final response",
			nil, nil,
		),
		blockedDesc: prometheus.NewDesc(
			"tenantgw_sip_blocked_sources",
			"Source addresses currently blocked by the scan guard",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"tenantgw_uptime_seconds",
			"Seconds since the gateway process started",
			nil, nil,
		),
	}
}

// ObserveOutcome counts one handled inbound call.
func (c *Collector) ObserveOutcome(o call.Outcome) {
	c.mu.Lock()
	c.outcomes[o]++
	c.mu.Unlock()
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeSessionsDesc
	ch <- c.callsTotalDesc
	ch <- c.engineUpDesc
	ch <- c.engineCallsDesc
	ch <- c.destinationUpDesc
	ch <- c.dialogsDesc
	ch <- c.pendingDesc
	ch <- c.blockedDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.p.Sessions != nil {
		ch <- prometheus.MustNewConstMetric(
			c.activeSessionsDesc, prometheus.GaugeValue,
			float64(c.p.Sessions.Count()),
		)
	}

	// Every outcome is reported so rates work from the first scrape.
	counts := c.outcomeCounts()
	for _, o := range allOutcomes {
		ch <- prometheus.MustNewConstMetric(
			c.callsTotalDesc, prometheus.CounterValue,
			float64(counts[o]), string(o),
		)
	}

	if c.p.Engines != nil {
		for _, e := range c.p.Engines.Engines() {
			ch <- prometheus.MustNewConstMetric(
				c.engineUpDesc, prometheus.GaugeValue, boolValue(e.Available()), e.Addr(),
			)
			ch <- prometheus.MustNewConstMetric(
				c.engineCallsDesc, prometheus.GaugeValue, float64(e.ActiveCalls()), e.Addr(),
			)
		}
	}

	if c.p.Tenants != nil {
		for _, t := range c.p.Tenants.Tenants() {
			domain := t.Domain()
			for _, d := range t.Destinations() {
				ch <- prometheus.MustNewConstMetric(
					c.destinationUpDesc, prometheus.GaugeValue, boolValue(d.Available()),
					domain, fmt.Sprintf("%d", d.ID), d.URI,
				)
			}
		}
	}

	if c.p.SIP != nil {
		ch <- prometheus.MustNewConstMetric(
			c.dialogsDesc, prometheus.GaugeValue, float64(c.p.SIP.Dialogs()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.pendingDesc, prometheus.GaugeValue, float64(c.p.SIP.PendingCalls()),
		)
	}

	if c.p.Blocked != nil {
		ch <- prometheus.MustNewConstMetric(
			c.blockedDesc, prometheus.GaugeValue, float64(len(c.p.Blocked.BlockedSources())),
		)
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}

var allOutcomes = []call.Outcome{
	call.OutcomeConnected,
	call.OutcomeCancelled,
	call.OutcomeFailed,
	call.OutcomeError,
	call.OutcomeRejected,
}

func (c *Collector) outcomeCounts() map[call.Outcome]uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[call.Outcome]uint64, len(c.outcomes))
	for o, n := range c.outcomes {
		out[o] = n
	}
	return out
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

