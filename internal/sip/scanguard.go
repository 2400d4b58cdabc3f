package sip

import (
	"log/slog"
	"net"
	"sort"
	"sync"
	"time"
)

const (
	// maxRejections is the number of rejected INVITEs from one address
	// within rejectionWindow that triggers a block.
	maxRejections = 10

	rejectionWindow = 10 * time.Minute

	// baseBlock is the first block length. Each further block of the same
	// address doubles it, up to maxBlock.
	baseBlock = 5 * time.Minute
	maxBlock  = 24 * time.Hour
)

type scanRecord struct {
	rejections []time.Time
	until      time.Time
	next       time.Duration
}

func (r *scanRecord) blocked(now time.Time) bool {
	return now.Before(r.until)
}

// ScanGuard blocks source addresses that keep sending INVITEs the gateway
// rejects as unauthorized, which is how SIP scanners behave.
type ScanGuard struct {
	mu      sync.Mutex
	records map[string]*scanRecord // keyed by IP
	now     func() time.Time
	logger  *slog.Logger
}

// BlockedSource is a currently blocked address.
type BlockedSource struct {
	IP        string    `json:"ip"`
	ExpiresAt time.Time `json:"expires_at"`
}

// NewScanGuard creates an empty guard.
func NewScanGuard(logger *slog.Logger) *ScanGuard {
	return &ScanGuard{
		records: make(map[string]*scanRecord),
		now:     time.Now,
		logger:  logger.With("subsystem", "scanguard"),
	}
}

// Blocked reports whether INVITEs from source should be refused without
// routing. source is "ip:port" or a bare IP.
func (g *ScanGuard) Blocked(source string) bool {
	ip := hostIP(source)
	if ip == "" {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	rec, ok := g.records[ip]
	return ok && rec.blocked(g.now())
}

// Rejected counts an unauthorized INVITE from source.
func (g *ScanGuard) Rejected(source string) {
	ip := hostIP(source)
	if ip == "" {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	rec, ok := g.records[ip]
	if !ok {
		rec = &scanRecord{next: baseBlock}
		g.records[ip] = rec
	}
	if rec.blocked(now) {
		return
	}

	rec.rejections = append(withinWindow(rec.rejections, now), now)
	if len(rec.rejections) < maxRejections {
		return
	}

	rec.rejections = nil
	rec.until = now.Add(rec.next)
	g.logger.Warn("source blocked after repeated rejected invites",
		"ip", ip,
		"duration", rec.next.String(),
	)
	rec.next = min(rec.next*2, maxBlock)
}

// Accepted forgets the rejections of a source that placed a call. The block
// length of a repeat offender is kept.
func (g *ScanGuard) Accepted(source string) {
	ip := hostIP(source)
	if ip == "" {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if rec, ok := g.records[ip]; ok {
		rec.rejections = nil
	}
}

// Unblock lifts the block on ip. It returns false if ip was not blocked.
func (g *ScanGuard) Unblock(ip string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	rec, ok := g.records[ip]
	if !ok || !rec.blocked(g.now()) {
		return false
	}
	rec.until = time.Time{}
	rec.rejections = nil
	g.logger.Info("source unblocked", "ip", ip)
	return true
}

// BlockedSources lists the blocked addresses, soonest expiry first.
func (g *ScanGuard) BlockedSources() []BlockedSource {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	out := []BlockedSource{}
	for ip, rec := range g.records {
		if rec.blocked(now) {
			out = append(out, BlockedSource{IP: ip, ExpiresAt: rec.until})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return out
}

// Sweep drops records with no recent rejections whose last block ended
// more than maxBlock ago.
func (g *ScanGuard) Sweep() {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	for ip, rec := range g.records {
		rec.rejections = withinWindow(rec.rejections, now)
		if !rec.blocked(now) && len(rec.rejections) == 0 && now.Sub(rec.until) > maxBlock {
			delete(g.records, ip)
		}
	}
}

func withinWindow(ts []time.Time, now time.Time) []time.Time {
	cutoff := now.Add(-rejectionWindow)
	kept := ts[:0]
	for _, t := range ts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}

// hostIP returns the IP of an "ip:port" or bare IP address, or "" if
// source is neither.
func hostIP(source string) string {
	if host, _, err := net.SplitHostPort(source); err == nil {
		source = host
	}
	if net.ParseIP(source) == nil {
		return ""
	}
	return source
}
