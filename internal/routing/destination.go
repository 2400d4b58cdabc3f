package routing

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flowpbx/tenantgw/internal/database/models"
)

const (
	// probeInterval is how often a probed destination is pinged.
	probeInterval = 30 * time.Second
	// probeTimeout is the max time to wait for a probe response.
	probeTimeout = 5 * time.Second
)

// Availability is the reachability state of a destination.
type Availability int32

const (
	// AvailabilityAssumed marks destinations without probing; they are
	// always candidates.
	AvailabilityAssumed Availability = iota
	// AvailabilityUnknown marks probed destinations that have not yet
	// answered a probe.
	AvailabilityUnknown
	// AvailabilityUp marks probed destinations whose last probe succeeded.
	AvailabilityUp
	// AvailabilityDown marks probed destinations whose last probe failed,
	// and closed destinations.
	AvailabilityDown
)

func (a Availability) String() string {
	switch a {
	case AvailabilityAssumed:
		return "assumed"
	case AvailabilityUnknown:
		return "unknown"
	case AvailabilityUp:
		return "up"
	default:
		return "down"
	}
}

// Prober sends a liveness request to a destination. A nil error means the
// destination answered with success.
type Prober interface {
	Probe(ctx context.Context, d *Destination) error
}

// Destination is an egress target owned by a tenant.
type Destination struct {
	ID           int64
	TenantID     int64
	URI          string
	Type         string
	Description  string
	Priority     int
	OptionsPing  bool
	MediaOptions models.MediaOptions
	AuthUsername string
	AuthPassword string
	// Domain is the owning tenant's routing domain, used for header construction.
	Domain string

	prober Prober
	logger *slog.Logger
	state  atomic.Int32

	mu          sync.Mutex
	cancel      context.CancelFunc
	done        chan struct{}
	closed      bool
	lastProbeAt time.Time
	lastError   string
}

func newDestination(row models.Destination, domain string, prober Prober, logger *slog.Logger) *Destination {
	d := &Destination{
		ID:           row.ID,
		TenantID:     row.TenantID,
		URI:          row.URI,
		Type:         row.Type,
		Description:  row.Description,
		Priority:     row.Priority,
		OptionsPing:  row.OptionsPing,
		MediaOptions: row.MediaOptions,
		AuthUsername: row.AuthUsername,
		AuthPassword: row.AuthPassword,
		Domain:       domain,
		prober:       prober,
		logger:       logger.With("destination", row.URI, "destination_id", row.ID),
	}
	if row.OptionsPing {
		d.state.Store(int32(AvailabilityUnknown))
	} else {
		d.state.Store(int32(AvailabilityAssumed))
	}
	return d
}

// Availability returns the current reachability state.
func (d *Destination) Availability() Availability {
	return Availability(d.state.Load())
}

// Available reports whether the destination may be attempted.
func (d *Destination) Available() bool {
	switch d.Availability() {
	case AvailabilityAssumed, AvailabilityUp:
		return true
	default:
		return false
	}
}

// LastProbe returns when the destination was last probed and the error of
// that probe, if any.
func (d *Destination) LastProbe() (time.Time, string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastProbeAt, d.lastError
}

// StartProbing starts the probe loop. The first probe runs immediately.
// It is a no-op for destinations without probing, while a loop is already
// running, or after Close.
func (d *Destination) StartProbing() {
	if !d.OptionsPing || d.prober == nil {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed || d.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.done = make(chan struct{})
	go d.probeLoop(ctx, d.done)
}

// StopProbing stops the probe loop and waits for it to exit. The last
// known availability is kept.
func (d *Destination) StopProbing() {
	d.mu.Lock()
	cancel, done := d.cancel, d.done
	d.cancel, d.done = nil, nil
	d.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Close stops probing permanently and marks the destination down.
func (d *Destination) Close() {
	d.StopProbing()
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.state.Store(int32(AvailabilityDown))
}

func (d *Destination) probeLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	d.logger.Debug("starting destination probe loop", "interval", probeInterval.String())

	for {
		d.probeOnce(ctx)

		select {
		case <-ctx.Done():
			return
		case <-time.After(probeInterval):
		}
	}
}

// probeOnce runs a single probe and records the result.
func (d *Destination) probeOnce(ctx context.Context) {
	pingCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	err := d.prober.Probe(pingCtx, d)
	cancel()

	// A probe interrupted by StopProbing says nothing about the destination.
	if ctx.Err() != nil {
		return
	}

	next := AvailabilityUp
	if err != nil {
		next = AvailabilityDown
	}
	prev := Availability(d.state.Swap(int32(next)))

	d.mu.Lock()
	d.lastProbeAt = time.Now()
	d.lastError = ""
	if err != nil {
		d.lastError = err.Error()
	}
	d.mu.Unlock()

	if prev == next {
		return
	}
	if err != nil {
		d.logger.Warn("destination unavailable", "previous", prev.String(), "error", err)
	} else {
		d.logger.Info("destination available", "previous", prev.String())
	}
}
