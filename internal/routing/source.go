package routing

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sort"
	"sync"

	"github.com/flowpbx/tenantgw/internal/database/models"
)

// SourceStore lists the authorized ingress sources.
type SourceStore interface {
	ListSources(ctx context.Context) ([]models.Source, error)
}

// Source is an authorized ingress address with its traffic type and the
// media options applied to the inbound leg.
type Source struct {
	ID           int64
	Address      string
	Type         string
	MediaOptions models.MediaOptions

	prefix netip.Prefix
}

// Sources matches request source addresses against the configured sources.
// Single addresses and CIDR ranges are both accepted; the most specific
// match wins.
type Sources struct {
	store  SourceStore
	logger *slog.Logger

	mu      sync.RWMutex
	entries []*Source // sorted by prefix length, longest first
}

// NewSources creates an empty source registry. Call Load to populate it.
func NewSources(store SourceStore, logger *slog.Logger) *Sources {
	return &Sources{
		store:  store,
		logger: logger.With("subsystem", "sources"),
	}
}

// Load replaces the registry contents from the store. On failure the
// previous contents are kept.
func (s *Sources) Load(ctx context.Context) error {
	rows, err := s.store.ListSources(ctx)
	if err != nil {
		s.logger.Error("failed to load sources, keeping previous set", "error", err)
		return fmt.Errorf("loading sources: %w", err)
	}

	entries := make([]*Source, 0, len(rows))
	for _, row := range rows {
		prefix, err := parseCIDROrIP(row.Address)
		if err != nil {
			s.logger.Warn("skipping source with invalid address",
				"source_id", row.ID,
				"address", row.Address,
				"error", err,
			)
			continue
		}
		entries = append(entries, &Source{
			ID:           row.ID,
			Address:      row.Address,
			Type:         row.Type,
			MediaOptions: row.MediaOptions,
			prefix:       prefix,
		})
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].prefix.Bits() > entries[j].prefix.Bits()
	})

	s.mu.Lock()
	s.entries = entries
	s.mu.Unlock()

	s.logger.Info("sources loaded", "count", len(entries))
	return nil
}

// Reload is an alias for Load.
func (s *Sources) Reload(ctx context.Context) error {
	return s.Load(ctx)
}

// Lookup returns the source matching addr. addr may carry a port.
func (s *Sources) Lookup(addr string) (*Source, bool) {
	ip, err := parseAddr(addr)
	if err != nil {
		s.logger.Warn("failed to parse source address", "address", addr, "error", err)
		return nil, false
	}
	ip = ip.Unmap()

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, src := range s.entries {
		if src.prefix.Contains(ip) {
			return src, true
		}
	}
	return nil, false
}

// List returns a snapshot of the loaded sources.
func (s *Sources) List() []*Source {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Source, len(s.entries))
	copy(out, s.entries)
	return out
}

// Count returns the number of loaded sources.
func (s *Sources) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// parseCIDROrIP parses a string as either a CIDR prefix or a single IP address.
// Single IPs are converted to /32 (IPv4) or /128 (IPv6) prefixes.
func parseCIDROrIP(s string) (netip.Prefix, error) {
	prefix, err := netip.ParsePrefix(s)
	if err == nil {
		return prefix.Masked(), nil
	}

	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("not a valid ip or cidr: %s", s)
	}
	addr = addr.Unmap()

	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

// parseAddr parses an IP string that may include a port (e.g. "192.168.1.1:5060")
// and returns just the address portion.
func parseAddr(ipStr string) (netip.Addr, error) {
	if host, _, err := net.SplitHostPort(ipStr); err == nil {
		return netip.ParseAddr(host)
	}
	return netip.ParseAddr(ipStr)
}
