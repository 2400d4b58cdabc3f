package rtpengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"

	"github.com/flowpbx/tenantgw/internal/database/models"
)

// ErrNoEngines is returned by Acquire when no engine is configured.
var ErrNoEngines = errors.New("rtpengine: no media engines configured")

// EngineStore lists the configured media engines in preference order.
type EngineStore interface {
	ListEngines(ctx context.Context) ([]models.MediaEngine, error)
}

// Pool is the ordered set of media engines calls are assigned to.
type Pool struct {
	store  EngineStore
	logger *slog.Logger

	mu        sync.RWMutex
	engines   []*Engine
	listeners []func(e *Engine, available bool)
	closed    bool
}

// NewPool creates an empty pool. Call Load to populate it.
func NewPool(store EngineStore, logger *slog.Logger) *Pool {
	return &Pool{
		store:  store,
		logger: logger.With("subsystem", "rtpengine"),
	}
}

// OnAvailability registers fn on every current and future engine.
func (p *Pool) OnAvailability(fn func(e *Engine, available bool)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners = append(p.listeners, fn)
	for _, e := range p.engines {
		e.OnAvailability(fn)
	}
}

// Load reads the engine list from the store.
func (p *Pool) Load(ctx context.Context) error {
	return p.Reload(ctx)
}

// Reload re-reads the engine list. Engines whose host and port are unchanged
// keep their identity and call state; removed engines are closed. On store
// failure the current engines are kept.
func (p *Pool) Reload(ctx context.Context) error {
	rows, err := p.store.ListEngines(ctx)
	if err != nil {
		p.logger.Error("failed to load media engines, keeping previous set", "error", err)
		return fmt.Errorf("loading media engines: %w", err)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return errors.New("rtpengine: pool is closed")
	}

	current := make(map[string]*Engine, len(p.engines))
	for _, e := range p.engines {
		current[e.Addr()] = e
	}

	next := make([]*Engine, 0, len(rows))
	kept := make(map[string]bool, len(rows))
	for _, row := range rows {
		addr := net.JoinHostPort(row.Host, strconv.Itoa(row.Port))
		if kept[addr] {
			p.logger.Warn("duplicate media engine ignored", "engine", addr)
			continue
		}
		kept[addr] = true

		if e, ok := current[addr]; ok {
			e.configure(row)
			next = append(next, e)
			continue
		}

		e := NewEngine(row, p.logger)
		for _, fn := range p.listeners {
			e.OnAvailability(fn)
		}
		e.Start()
		next = append(next, e)
	}

	var removed []*Engine
	for addr, e := range current {
		if !kept[addr] {
			removed = append(removed, e)
		}
	}
	p.engines = next
	p.mu.Unlock()

	// Closing waits for the ping loop, whose listeners may read the pool.
	for _, e := range removed {
		e.Close()
		p.logger.Info("media engine removed", "engine", e.Addr())
	}

	p.logger.Info("media engines loaded", "count", len(next))
	return nil
}

// Acquire returns the first available engine, or the first engine when
// none is available. It fails only when the pool is empty.
func (p *Pool) Acquire() (*Engine, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if len(p.engines) == 0 {
		return nil, ErrNoEngines
	}
	for _, e := range p.engines {
		if e.Available() {
			return e, nil
		}
	}
	return p.engines[0], nil
}

// Engines returns a snapshot of the engines in preference order.
func (p *Pool) Engines() []*Engine {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*Engine, len(p.engines))
	copy(out, p.engines)
	return out
}

// Close closes every engine and empties the pool.
func (p *Pool) Close() {
	p.mu.Lock()
	engines := p.engines
	p.closed = true
	p.engines = nil
	p.mu.Unlock()

	for _, e := range engines {
		e.Close()
	}
}
