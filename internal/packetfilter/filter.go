// Package packetfilter implements the synchronous inline filter from
// spec.md §4.3: whitelist bypass, harmful-payload pattern rejection,
// and repeated-packet-type detection via a fixed-capacity per-IP ring.
package packetfilter

import (
	"regexp"
	"sync"
	"time"

	"github.com/skywalker-88/wardengate/internal/proxyapi"
	"github.com/skywalker-88/wardengate/pkg/config"
	"github.com/skywalker-88/wardengate/pkg/metrics"
)

// harmfulPatterns mirrors the classes called out in spec.md §4.3:
// SQL-injection, path traversal, script tags, shell metacharacters.
var harmfulPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(\bunion\b.{1,40}\bselect\b|\bor\s+1\s*=\s*1\b|--\s*$|;\s*drop\s+table)`),
	regexp.MustCompile(`\.\./|\.\.\\`),
	regexp.MustCompile(`(?i)<script[\s>]`),
	regexp.MustCompile("[;&|`$]\\s*(rm|wget|curl|nc|bash|sh)\\b"),
}

// ring is the RecentPackets structure from spec.md §3: a fixed-capacity
// circular buffer of packet-type names, "all equal when full" meaning a
// repeated-packet violation.
type ring struct {
	mu         sync.Mutex
	buf        []string
	pos        int
	filled     int
	lastActive time.Time
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]string, capacity)}
}

// push appends typeName and reports whether the ring is full and every
// slot now holds the same value.
func (r *ring) push(typeName string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.lastActive = time.Now()
	r.buf[r.pos] = typeName
	r.pos = (r.pos + 1) % len(r.buf)
	if r.filled < len(r.buf) {
		r.filled++
	}
	if r.filled < len(r.buf) {
		return false
	}
	first := r.buf[0]
	for _, v := range r.buf[1:] {
		if v != first {
			return false
		}
	}
	return true
}

// Filter is PacketFilter.
type Filter struct {
	cfg       *config.Store
	whitelist map[string]struct{}
	rings     sync.Map // ip -> *ring
}

func New(cfg *config.Store) *Filter {
	f := &Filter{cfg: cfg}
	f.rebuildWhitelist(cfg.Load().PacketFilter.Whitelist)
	return f
}

func (f *Filter) rebuildWhitelist(names []string) {
	wl := make(map[string]struct{}, len(names))
	for _, n := range names {
		wl[n] = struct{}{}
	}
	f.whitelist = wl
}

func (f *Filter) record(verdict proxyapi.Verdict) {
	metrics.VerdictsTotal.WithLabelValues("packet_filter", verdict.String()).Inc()
}

// Check implements spec.md §4.3's ordered rule evaluation.
func (f *Filter) Check(ip string, pkt proxyapi.Packet) proxyapi.Verdict {
	cfg := f.cfg.Load().PacketFilter
	if !cfg.Enabled {
		f.record(proxyapi.Allow)
		return proxyapi.Allow
	}

	// Rule 1: whitelist bypass.
	if _, ok := f.whitelist[pkt.TypeName]; ok {
		f.record(proxyapi.Allow)
		return proxyapi.Allow
	}

	// Rule 2: harmful payload patterns.
	if cfg.BlockHarmfulPatterns && len(pkt.Payload) > 0 {
		for _, re := range harmfulPatterns {
			if re.Match(pkt.Payload) {
				f.record(proxyapi.DropAndBlock)
				return proxyapi.DropAndBlock
			}
		}
	}

	// Rule 3: repeated-packet-type ring.
	if cfg.BlockRepeatedPackets {
		capacity := cfg.RepeatedRingCapacity
		if capacity <= 0 {
			capacity = 5
		}
		v, _ := f.rings.LoadOrStore(ip, newRing(capacity))
		r := v.(*ring)
		if r.push(pkt.TypeName) {
			f.record(proxyapi.DropSilent)
			return proxyapi.DropSilent
		}
	}

	f.record(proxyapi.Allow)
	return proxyapi.Allow
}

// OnDisconnect evicts ip's ring immediately (spec.md §4.3 "removed on
// disconnect").
func (f *Filter) OnDisconnect(ip string) {
	f.rings.Delete(ip)
}

// Sweep evicts rings idle longer than configured, bounded per call
// (spec.md §5).
func (f *Filter) Sweep(maxEvictions int) {
	cfg := f.cfg.Load().PacketFilter
	idle := time.Duration(cfg.RingIdleEvictMs) * time.Millisecond
	if idle <= 0 {
		idle = 5 * time.Minute
	}
	now := time.Now()
	evicted := 0
	f.rings.Range(func(k, v any) bool {
		if evicted >= maxEvictions {
			return false
		}
		r := v.(*ring)
		r.mu.Lock()
		stale := now.Sub(r.lastActive) > idle
		r.mu.Unlock()
		if stale {
			if f.rings.CompareAndDelete(k, v) {
				evicted++
			}
		}
		return true
	})
}
