package routing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

// ErrTenantNotFound is returned when a tenant id is not loaded.
var ErrTenantNotFound = errors.New("tenant not found")

// Directory holds every loaded tenant and resolves routing domains to
// tenants. At most one tenant owns a given domain.
type Directory struct {
	store  Store
	prober Prober
	logger *slog.Logger

	mu       sync.RWMutex
	tenants  map[int64]*Tenant
	byDomain map[string]*Tenant
	probing  bool
}

// NewDirectory creates an empty directory. Call LoadAll to populate it.
func NewDirectory(store Store, prober Prober, logger *slog.Logger) *Directory {
	return &Directory{
		store:    store,
		prober:   prober,
		logger:   logger.With("subsystem", "routing"),
		tenants:  make(map[int64]*Tenant),
		byDomain: make(map[string]*Tenant),
	}
}

// LoadAll loads every tenant from the store.
func (d *Directory) LoadAll(ctx context.Context) error {
	return d.ReloadAll(ctx)
}

// ReloadAll re-reads the tenant list. Known tenants are reloaded in place,
// new ones are created and tenants no longer in the store are closed. When
// the tenant list cannot be read nothing changes.
func (d *Directory) ReloadAll(ctx context.Context) error {
	ids, err := d.store.ListTenantIDs(ctx)
	if err != nil {
		d.logger.Error("failed to list tenants, keeping previous state", "error", err)
		return fmt.Errorf("listing tenants: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	seen := make(map[int64]bool, len(ids))
	var errs []error
	for _, id := range ids {
		seen[id] = true
		t, ok := d.tenants[id]
		if !ok {
			t = newTenant(id, d.store, d.prober, d.logger)
		}
		if err := t.Reload(ctx); err != nil {
			d.logger.Error("failed to load tenant, keeping previous state", "tenant_id", id, "error", err)
			errs = append(errs, err)
			if !ok {
				continue
			}
		}
		if !ok {
			d.tenants[id] = t
			if d.probing {
				t.StartProbing()
			}
		}
	}

	for id, t := range d.tenants {
		if seen[id] {
			continue
		}
		t.Close()
		delete(d.tenants, id)
		d.logger.Info("tenant removed", "tenant_id", id)
	}

	d.rebuildDomainIndex()

	d.logger.Info("tenants loaded", "count", len(d.tenants), "domains", len(d.byDomain))
	return errors.Join(errs...)
}

// Reload re-reads a single tenant. A tenant id not yet known is loaded
// and added.
func (d *Directory) Reload(ctx context.Context, id int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	t, ok := d.tenants[id]
	if !ok {
		t = newTenant(id, d.store, d.prober, d.logger)
	}
	if err := t.Reload(ctx); err != nil {
		d.logger.Error("failed to reload tenant, keeping previous state", "tenant_id", id, "error", err)
		return err
	}
	if !ok {
		d.tenants[id] = t
		if d.probing {
			t.StartProbing()
		}
	}
	d.rebuildDomainIndex()
	return nil
}

// rebuildDomainIndex maps domains to tenants. Tenants are visited in id
// order so the lowest id keeps a contested domain. Caller holds d.mu.
func (d *Directory) rebuildDomainIndex() {
	ids := make([]int64, 0, len(d.tenants))
	for id := range d.tenants {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	index := make(map[string]*Tenant, len(ids))
	for _, id := range ids {
		t := d.tenants[id]
		domain := t.Domain()
		if domain == "" {
			d.logger.Warn("tenant has no domain", "tenant_id", id)
			continue
		}
		if owner, dup := index[domain]; dup {
			d.logger.Error("duplicate tenant domain ignored",
				"tenant", domain,
				"tenant_id", id,
				"owner_id", owner.ID,
			)
			continue
		}
		index[domain] = t
	}
	d.byDomain = index
}

// Resolve returns the tenant owning domain. Matching is case-insensitive.
func (d *Directory) Resolve(domain string) (*Tenant, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	t, ok := d.byDomain[strings.ToLower(strings.TrimSpace(domain))]
	return t, ok
}

// Tenant returns the tenant with the given id.
func (d *Directory) Tenant(id int64) (*Tenant, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	t, ok := d.tenants[id]
	if !ok {
		return nil, fmt.Errorf("tenant %d: %w", id, ErrTenantNotFound)
	}
	return t, nil
}

// Tenants returns all loaded tenants ordered by id.
func (d *Directory) Tenants() []*Tenant {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*Tenant, 0, len(d.tenants))
	for _, t := range d.tenants {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// StartProbing starts destination probing on every tenant, including
// tenants loaded later.
func (d *Directory) StartProbing() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.probing = true
	for _, t := range d.tenants {
		t.StartProbing()
	}
	d.logger.Info("destination probing started")
}

// StopProbing stops destination probing on every tenant.
func (d *Directory) StopProbing() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.probing = false
	for _, t := range d.tenants {
		t.StopProbing()
	}
	d.logger.Info("destination probing stopped")
}

// Probing reports whether destination probing is active.
func (d *Directory) Probing() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.probing
}

// Close closes every tenant and empties the directory.
func (d *Directory) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, t := range d.tenants {
		t.Close()
	}
	d.tenants = make(map[int64]*Tenant)
	d.byDomain = make(map[string]*Tenant)
	d.probing = false
}
