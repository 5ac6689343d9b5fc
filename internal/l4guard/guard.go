// Package l4guard implements per-IP connection and raw-packet rate
// enforcement plus the temporary IP blocklist (spec.md §4.2). State is
// held in sync.Map keyed by IP with per-entry mutex-guarded counters,
// the same shape the reference anomaly detector uses for its
// per-{route,client} windows (sync.Map of pointer-to-struct, each
// struct internally synchronized) generalized here to per-IP state.
package l4guard

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/skywalker-88/wardengate/internal/proxyapi"
	"github.com/skywalker-88/wardengate/pkg/config"
	"github.com/skywalker-88/wardengate/pkg/metrics"
)

// clusterRPCTimeout bounds every cluster-sync round trip made from the
// connection-scoped path, so a slow or unreachable Redis never stalls an
// accept/connect decision beyond this.
const clusterRPCTimeout = 200 * time.Millisecond

// maxStreakMultiplier caps how far a repeat offender's block duration is
// escalated, so a very long streak can't block an IP effectively forever.
const maxStreakMultiplier = 6

// connRecord is the IPConnectionRecord from spec.md §3. The counter is
// atomic because concurrent connects/disconnects from the same IP race
// through it; last activity guards idle eviction.
type connRecord struct {
	count        atomic.Int64
	lastActivity atomic.Int64 // unix nanos
}

// rateTracker is the RateTracker sliding window from spec.md §3.
// Window start is monotone non-decreasing; reset happens atomically
// under the entry's mutex.
type rateTracker struct {
	mu         sync.Mutex
	windowStart time.Time
	count       int
	errCount    int
	errWindowStart time.Time
}

// blockEntry is the IPBlockEntry from spec.md §3.
type blockEntry struct {
	blockedAt atomic.Int64 // unix nanos; 0 means unblocked

	// durationOverrideNs holds an escalated block width for a repeat
	// offender (see Block's streak handling), in effect instead of
	// cfg.BlockDurationMs when non-zero.
	durationOverrideNs atomic.Int64
}

// Guard is L4Guard. All state maps are process-wide and mutated only by
// Guard; Snapshot gives the maintenance/status callers a read-only view
// (spec.md §5).
type Guard struct {
	cfg *config.Store

	conns   sync.Map // ip -> *connRecord
	rates   sync.Map // ip -> *rateTracker
	blocks  sync.Map // ip -> *blockEntry

	clock func() time.Time

	cluster ClusterSync // optional, nil unless config.Cluster.Enabled
}

// ClusterSync is the small interface internal/clusterstate satisfies,
// used to propagate and consult blocks (and repeat-offender streaks)
// across a fleet of front-ends sharing one WardenGate core. Kept tiny per
// spec.md §9's cyclic-reference note about passing narrow interfaces
// instead of back-pointers.
type ClusterSync interface {
	PropagateBlock(ip string, blockedAt time.Time, ttl time.Duration)
	IsBlocked(ctx context.Context, ip string) (bool, error)
	ClearBlock(ctx context.Context, ip string) error
	IncrStreak(ctx context.Context, ip string, window time.Duration) (int64, error)
	ResetStreak(ctx context.Context, ip string) error
}

func New(cfg *config.Store, cluster ClusterSync) *Guard {
	return &Guard{cfg: cfg, clock: time.Now, cluster: cluster}
}

func (g *Guard) now() time.Time { return g.clock() }

func (g *Guard) recordVerdict(stage string, verdict proxyapi.Verdict) {
	metrics.VerdictsTotal.WithLabelValues(stage, verdict.String()).Inc()
}

// isBlocked reports whether ip is currently on the blocklist, lazily
// removing an expired entry (spec.md §3 "Expired entries are lazily
// removed on lookup").
func (g *Guard) isBlocked(ip string, cfg *config.L4) bool {
	v, ok := g.blocks.Load(ip)
	if !ok {
		return false
	}
	be := v.(*blockEntry)
	blockedAt := be.blockedAt.Load()
	if blockedAt == 0 {
		return false
	}
	width := time.Duration(cfg.BlockDurationMs) * time.Millisecond
	if override := be.durationOverrideNs.Load(); override > 0 {
		width = time.Duration(override)
	}
	if g.now().Sub(time.Unix(0, blockedAt)) >= width {
		g.blocks.Delete(ip)
		return false
	}
	return true
}

// consultCluster checks the fleet-wide blocklist for ip when the local
// map doesn't already know about it, caching a hit locally so repeated
// lookups on this instance stay local rather than round-tripping to
// Redis. Only called from OnConnect: the per-packet hot path relies on
// the cache this populates instead of a cluster lookup on every packet.
func (g *Guard) consultCluster(ip string) bool {
	if g.cluster == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), clusterRPCTimeout)
	defer cancel()
	blocked, err := g.cluster.IsBlocked(ctx, ip)
	if err != nil || !blocked {
		return false
	}
	v, _ := g.blocks.LoadOrStore(ip, &blockEntry{})
	be := v.(*blockEntry)
	be.blockedAt.CompareAndSwap(0, g.blockStamp())
	return true
}

// blockStamp returns the current time as a blockedAt value. Zero is
// reserved for "unblocked", so a clock reading of exactly the Unix epoch
// is stored as 1ns instead.
func (g *Guard) blockStamp() int64 {
	if ns := g.now().UnixNano(); ns != 0 {
		return ns
	}
	return 1
}

// Block adds ip to the temporary blocklist. Idempotent: blocking an
// already-blocked IP does not change its expiry (spec.md §8) and, since
// the CAS below only succeeds once per block window, does not re-run the
// cluster round trip either.
func (g *Guard) Block(ip string) {
	v, _ := g.blocks.LoadOrStore(ip, &blockEntry{})
	be := v.(*blockEntry)
	if !be.blockedAt.CompareAndSwap(0, g.blockStamp()) {
		return
	}
	// Clear connection/rate state so it can't leak across the block
	// window (spec.md §4.2 "Blocking... cleared to prevent leaks").
	g.conns.Delete(ip)
	g.rates.Delete(ip)

	cfg := g.cfg.Load().L4
	if g.cluster != nil {
		ttl := time.Duration(cfg.BlockDurationMs) * time.Millisecond
		g.cluster.PropagateBlock(ip, g.now(), ttl)
		g.escalateRepeatOffender(ip, be, ttl)
	}
	metrics.BlockedIPs.Set(float64(g.countBlocked()))
	log.Warn().Str("ip", ip).Msg("l4guard: ip blocked")
}

// escalateRepeatOffender bumps ip's cluster-wide streak and, once it
// shows up more than once, widens this block's duration proportionally
// (capped at maxStreakMultiplier), so an IP that keeps re-offending after
// every expiry gets progressively longer blocks instead of the same
// fixed window forever.
func (g *Guard) escalateRepeatOffender(ip string, be *blockEntry, baseTTL time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), clusterRPCTimeout)
	defer cancel()
	streak, err := g.cluster.IncrStreak(ctx, ip, baseTTL)
	if err != nil || streak <= 1 {
		return
	}
	mult := streak
	if mult > maxStreakMultiplier {
		mult = maxStreakMultiplier
	}
	escalated := baseTTL * time.Duration(mult)
	be.durationOverrideNs.Store(escalated.Nanoseconds())
	log.Warn().Str("ip", ip).Int64("streak", streak).Dur("block_duration", escalated).
		Msg("l4guard: repeat offender, escalating block duration")
}

// Unblock removes ip from the local blocklist and, when cluster sync is
// configured, clears its cluster-wide block and resets its repeat-
// offender streak. This is the operator-facing counterpart to Block,
// reachable through the admin surface's manual-unblock route.
func (g *Guard) Unblock(ip string) {
	g.blocks.Delete(ip)
	metrics.BlockedIPs.Set(float64(g.countBlocked()))
	if g.cluster == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := g.cluster.ClearBlock(ctx, ip); err != nil {
		log.Warn().Str("ip", ip).Err(err).Msg("l4guard: cluster clear block failed")
	}
	if err := g.cluster.ResetStreak(ctx, ip); err != nil {
		log.Warn().Str("ip", ip).Err(err).Msg("l4guard: cluster reset streak failed")
	}
}

func (g *Guard) countBlocked() int {
	n := 0
	g.blocks.Range(func(_, v any) bool {
		if v.(*blockEntry).blockedAt.Load() != 0 {
			n++
		}
		return true
	})
	return n
}

// OnConnect implements spec.md §4.2's onConnect contract.
func (g *Guard) OnConnect(ip string) proxyapi.Verdict {
	cfg := g.cfg.Load()
	if !cfg.L4.Enabled {
		return g.allow("connect")
	}
	if g.isBlocked(ip, &cfg.L4) || g.consultCluster(ip) {
		return g.drop("connect", proxyapi.DropAndDisconnect)
	}

	v, _ := g.conns.LoadOrStore(ip, &connRecord{})
	rec := v.(*connRecord)
	rec.lastActivity.Store(g.now().UnixNano())
	newCount := rec.count.Add(1)

	if int(newCount) > cfg.L4.MaxConnectionsPerIP {
		rec.count.Add(-1) // the caller never actually gets a pipeline slot
		g.Block(ip)
		return g.drop("connect", proxyapi.DropAndDisconnect)
	}
	return g.allow("connect")
}

// OnDisconnect implements spec.md §4.2's onDisconnect contract.
func (g *Guard) OnDisconnect(ip string) {
	v, ok := g.conns.Load(ip)
	if !ok {
		return
	}
	rec := v.(*connRecord)
	if rec.count.Add(-1) <= 0 {
		// Compare-and-delete guard against a concurrent OnConnect
		// re-creating the record between the decrement and the delete.
		g.conns.CompareAndDelete(ip, rec)
	} else {
		rec.lastActivity.Store(g.now().UnixNano())
	}
}

// OnPacket implements spec.md §4.2's onPacket contract: sliding-window
// packet rate limiting plus the max-packet-size bound.
func (g *Guard) OnPacket(ip string, pkt proxyapi.Packet) proxyapi.Verdict {
	cfg := g.cfg.Load()
	if !cfg.L4.Enabled {
		return g.allow("packet")
	}
	if g.isBlocked(ip, &cfg.L4) {
		return g.drop("packet", proxyapi.DropSilent)
	}
	if pkt.Size > cfg.PacketFilter.MaxPacketSize {
		return g.drop("packet", proxyapi.DropSilent)
	}

	v, _ := g.rates.LoadOrStore(ip, &rateTracker{windowStart: g.now()})
	rt := v.(*rateTracker)

	rt.mu.Lock()
	now := g.now()
	width := time.Duration(cfg.L4.RateLimitWindowMs) * time.Millisecond
	if delta := now.Sub(rt.windowStart); delta >= width {
		rt.windowStart = now
		rt.count = 0
	}
	rt.count++
	over := rt.count > cfg.L4.MaxPacketsPerSecond
	rt.mu.Unlock()

	if over {
		g.Block(ip)
		return g.drop("packet", proxyapi.DropAndBlock)
	}
	return g.allow("packet")
}

// OnException implements spec.md §4.2's onException contract.
func (g *Guard) OnException(ip string) {
	cfg := g.cfg.Load().L4
	v, _ := g.rates.LoadOrStore(ip, &rateTracker{windowStart: g.now()})
	rt := v.(*rateTracker)

	rt.mu.Lock()
	now := g.now()
	width := time.Duration(cfg.RateLimitWindowMs) * time.Millisecond
	if rt.errWindowStart.IsZero() || now.Sub(rt.errWindowStart) >= width {
		rt.errWindowStart = now
		rt.errCount = 0
	}
	rt.errCount++
	over := rt.errCount > cfg.MaxExceptionsPerIP
	rt.mu.Unlock()

	if over {
		g.Block(ip)
	}
}

func (g *Guard) allow(stage string) proxyapi.Verdict {
	g.recordVerdict(stage, proxyapi.Allow)
	return proxyapi.Allow
}

func (g *Guard) drop(stage string, v proxyapi.Verdict) proxyapi.Verdict {
	g.recordVerdict(stage, v)
	return v
}

// Snapshot is the status-reporter view (spec.md §4.1's 15-minute
// reporter, and the supplemented /status admin route).
type Snapshot struct {
	ActiveIPs  int
	BlockedIPs int
}

func (g *Guard) Snapshot() Snapshot {
	active := 0
	g.conns.Range(func(_, v any) bool {
		if v.(*connRecord).count.Load() > 0 {
			active++
		}
		return true
	})
	return Snapshot{ActiveIPs: active, BlockedIPs: g.countBlocked()}
}

// Sweep evicts idle connection records and expired block entries. Per
// spec.md §5 it processes a bounded slice per call and yields rather
// than draining the whole map in one shot. Rate trackers are not swept;
// an IP's tracker is removed only when that IP is blocked.
func (g *Guard) Sweep(maxEvictions int) {
	cfg := g.cfg.Load().L4
	now := g.now()
	idle := time.Duration(cfg.IdleEvictAfterMs) * time.Millisecond
	blockWidth := time.Duration(cfg.BlockDurationMs) * time.Millisecond

	evicted := 0
	g.conns.Range(func(k, v any) bool {
		if evicted >= maxEvictions {
			return false
		}
		rec := v.(*connRecord)
		if rec.count.Load() <= 0 && now.Sub(time.Unix(0, rec.lastActivity.Load())) > idle {
			if g.conns.CompareAndDelete(k, v) {
				evicted++
			}
		}
		return true
	})

	evicted = 0
	g.blocks.Range(func(k, v any) bool {
		if evicted >= maxEvictions {
			return false
		}
		be := v.(*blockEntry)
		blockedAt := be.blockedAt.Load()
		width := blockWidth
		if override := be.durationOverrideNs.Load(); override > 0 {
			width = time.Duration(override)
		}
		if blockedAt != 0 && now.Sub(time.Unix(0, blockedAt)) >= width {
			if g.blocks.CompareAndDelete(k, v) {
				evicted++
			}
		}
		return true
	})

	metrics.BlockedIPs.Set(float64(g.countBlocked()))
	metrics.ActiveConnections.Set(float64(g.Snapshot().ActiveIPs))
}
