package routing

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/flowpbx/tenantgw/internal/database/models"
)

// Store is the read-only view of the configuration store the routing
// model loads from.
type Store interface {
	ListTenantIDs(ctx context.Context) ([]int64, error)
	GetTenant(ctx context.Context, id int64) (*models.Tenant, error)
	ListDestinations(ctx context.Context, tenantID int64) ([]models.Destination, error)
	ListRoutes(ctx context.Context, tenantID int64) ([]models.Route, error)
}

// Route declares that traffic of InboundType may be sent to destinations
// of OutboundType. Each route forms one tier.
type Route struct {
	ID           int64
	InboundType  string
	OutboundType string
	Priority     int
}

// Tier is one route's ordered set of destinations.
type Tier struct {
	Route        Route
	Destinations []*Destination
}

// Tenant owns a routing domain, its destinations and its routes. The
// Tenant pointer is stable across reloads.
type Tenant struct {
	ID int64

	store  Store
	prober Prober
	logger *slog.Logger

	mu           sync.RWMutex
	name         string
	domain       string
	destinations []*Destination
	routes       []Route
	probing      bool
	closed       bool
}

func newTenant(id int64, store Store, prober Prober, logger *slog.Logger) *Tenant {
	return &Tenant{
		ID:     id,
		store:  store,
		prober: prober,
		logger: logger.With("tenant_id", id),
	}
}

// Domain returns the tenant's routing domain, lower-cased.
func (t *Tenant) Domain() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.domain
}

// Name returns the tenant's display name.
func (t *Tenant) Name() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.name
}

// Reload fetches the tenant row, routes and destinations from the store
// and swaps them in. Nothing is changed when any fetch fails.
func (t *Tenant) Reload(ctx context.Context) error {
	row, err := t.store.GetTenant(ctx, t.ID)
	if err != nil {
		return fmt.Errorf("loading tenant %d: %w", t.ID, err)
	}
	routeRows, err := t.store.ListRoutes(ctx, t.ID)
	if err != nil {
		return fmt.Errorf("loading routes for tenant %d: %w", t.ID, err)
	}
	destRows, err := t.store.ListDestinations(ctx, t.ID)
	if err != nil {
		return fmt.Errorf("loading destinations for tenant %d: %w", t.ID, err)
	}

	domain := strings.ToLower(strings.TrimSpace(row.Domain))

	routes := make([]Route, 0, len(routeRows))
	for _, r := range routeRows {
		routes = append(routes, Route{
			ID:           r.ID,
			InboundType:  r.InboundType,
			OutboundType: r.OutboundType,
			Priority:     r.Priority,
		})
	}
	sort.SliceStable(routes, func(i, j int) bool {
		return routes[i].Priority > routes[j].Priority
	})

	dests := make([]*Destination, 0, len(destRows))
	for _, r := range destRows {
		dests = append(dests, newDestination(r, domain, t.prober, t.logger))
	}
	sort.SliceStable(dests, func(i, j int) bool {
		return dests[i].Priority > dests[j].Priority
	})

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return fmt.Errorf("tenant %d is closed", t.ID)
	}
	old := t.destinations
	for _, d := range old {
		d.Close()
	}
	t.name = row.Name
	t.domain = domain
	t.routes = routes
	t.destinations = dests
	if t.probing {
		for _, d := range dests {
			d.StartProbing()
		}
	}
	t.mu.Unlock()

	t.logger.Info("tenant loaded",
		"tenant", domain,
		"routes", len(routes),
		"destinations", len(dests),
	)
	return nil
}

// RoutesForInboundType returns the routes for traffic of the given type,
// highest priority first. Ties keep store order.
func (t *Tenant) RoutesForInboundType(inboundType string) []Route {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []Route
	for _, r := range t.routes {
		if r.InboundType == inboundType {
			out = append(out, r)
		}
	}
	return out
}

// DestinationsForType returns destinations of the given outbound type,
// highest priority first. Availability is not considered.
func (t *Tenant) DestinationsForType(outboundType string) []*Destination {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []*Destination
	for _, d := range t.destinations {
		if d.Type == outboundType {
			out = append(out, d)
		}
	}
	return out
}

// Tiers returns the failover order for traffic of the given inbound type:
// one tier per route, each holding only currently available destinations.
func (t *Tenant) Tiers(inboundType string) []Tier {
	routes := t.RoutesForInboundType(inboundType)
	tiers := make([]Tier, 0, len(routes))
	for _, r := range routes {
		var candidates []*Destination
		for _, d := range t.DestinationsForType(r.OutboundType) {
			if d.Available() {
				candidates = append(candidates, d)
			}
		}
		tiers = append(tiers, Tier{Route: r, Destinations: candidates})
	}
	return tiers
}

// Destinations returns a snapshot of all destinations.
func (t *Tenant) Destinations() []*Destination {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Destination, len(t.destinations))
	copy(out, t.destinations)
	return out
}

// Routes returns a snapshot of all routes.
func (t *Tenant) Routes() []Route {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Route, len(t.routes))
	copy(out, t.routes)
	return out
}

// StartProbing starts probing on every destination that has it enabled.
func (t *Tenant) StartProbing() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.probing = true
	for _, d := range t.destinations {
		d.StartProbing()
	}
}

// StopProbing stops all destination probe loops.
func (t *Tenant) StopProbing() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.probing = false
	for _, d := range t.destinations {
		d.StopProbing()
	}
}

// Close closes all destinations. A closed tenant cannot be reloaded.
func (t *Tenant) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.probing = false
	for _, d := range t.destinations {
		d.Close()
	}
}
