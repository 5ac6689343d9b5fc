// Package l7guard implements the protocol-state and pattern enforcement
// from spec.md §4.4: per-packet-type rate, login-attempt and
// server-list-ping spam counters, protocol-state-machine violations,
// and exception accounting. The per-second bucket reset here follows
// the same delta/steps rotation the reference anomaly detector uses to
// roll its sliding window forward (internal/anom/detector.go's
// bucketState), specialized to a flat 1-second reset per spec.md §3.
package l7guard

import (
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/skywalker-88/wardengate/internal/proxyapi"
	"github.com/skywalker-88/wardengate/pkg/config"
	"github.com/skywalker-88/wardengate/pkg/metrics"
)

// ConnState is the per-connection protocol state machine from
// spec.md §4.4.
type ConnState int

const (
	Handshake ConnState = iota
	Status
	Login
	Play
	Closed
)

func (s ConnState) String() string {
	switch s {
	case Handshake:
		return "handshake"
	case Status:
		return "status"
	case Login:
		return "login"
	case Play:
		return "play"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// stateline maps a state to the packet-type substrings permitted from
// it, used for the protocol-violation check. Minecraft's own packet
// naming convention (the front-end's codec) is assumed to embed the
// target state in the type name, e.g. "Handshake", "StatusRequest",
// "LoginStart", "PlayerPosition".
var stateline = map[ConnState][]string{
	Handshake: {"Handshake"},
	Status:    {"StatusRequest", "StatusPing", "ServerPing"},
	Login:     {"LoginStart", "LoginEncryptionResponse", "LoginPluginResponse", "LoginAcknowledged"},
	Play:      {}, // anything not matched elsewhere is legal once in Play
}

func matchesState(typeName string, state ConnState) bool {
	allowed, ok := stateline[state]
	if !ok {
		return true
	}
	if state == Play {
		return true
	}
	for _, a := range allowed {
		if strings.Contains(typeName, a) {
			return true
		}
	}
	return false
}

// nextState returns the state reached after typeName is accepted from
// Handshake, or the zero value if it isn't a Handshake-origin transition
// packet. The Login→Play transition ("LoginAcknowledged") is deliberately
// not here: it's only legal once a connection has actually passed through
// Login, and is checked separately against t.state == Login in OnPacket,
// so a client can't jump straight from Handshake to Play by skipping
// LoginStart.
func nextState(typeName string) (ConnState, bool) {
	switch {
	case strings.Contains(typeName, "StatusRequest"):
		return Status, true
	case strings.Contains(typeName, "LoginStart"):
		return Login, true
	default:
		return 0, false
	}
}

// tracker is the ClientTracker from spec.md §3.
type tracker struct {
	mu sync.Mutex

	state ConnState

	typeCounts    map[string]int
	typeResetAt   time.Time

	loginAttempts    int
	loginWindowStart time.Time

	pingCount    int
	pingWindowStart time.Time

	exceptions      int
	exceptionWindowStart time.Time

	totalPackets int64
	lastActivity time.Time
}

func newTracker(now time.Time) *tracker {
	return &tracker{
		state:            Handshake,
		typeCounts:       make(map[string]int),
		typeResetAt:      now,
		loginWindowStart: now,
		pingWindowStart:  now,
		exceptionWindowStart: now,
		lastActivity:     now,
	}
}

// Guard is L7Guard.
type Guard struct {
	cfg      *config.Store
	trackers sync.Map // ip -> *tracker
	clock    func() time.Time
}

func New(cfg *config.Store) *Guard {
	return &Guard{cfg: cfg, clock: time.Now}
}

func (g *Guard) record(verdict proxyapi.Verdict) {
	metrics.VerdictsTotal.WithLabelValues("l7", verdict.String()).Inc()
}

func (g *Guard) getTracker(ip string) *tracker {
	v, _ := g.trackers.LoadOrStore(ip, newTracker(g.clock()))
	return v.(*tracker)
}

// OnPacket implements spec.md §4.4's fail-fast ordered checks.
func (g *Guard) OnPacket(ip string, pkt proxyapi.Packet) proxyapi.Verdict {
	cfg := g.cfg.Load().L7
	if !cfg.Enabled {
		g.record(proxyapi.Allow)
		return proxyapi.Allow
	}

	t := g.getTracker(ip)
	now := g.clock()

	t.mu.Lock()
	defer t.mu.Unlock()

	t.lastActivity = now
	t.totalPackets++

	// 1) Packet-type rate, 1-second window.
	if now.Sub(t.typeResetAt) >= time.Second {
		t.typeCounts = make(map[string]int)
		t.typeResetAt = now
	}
	t.typeCounts[pkt.TypeName]++
	if t.typeCounts[pkt.TypeName] > cfg.MaxPacketTypePerSecond {
		return g.violate(ip, t, "packet_type_rate")
	}

	// 2) Login attempts.
	if strings.Contains(pkt.TypeName, "Login") || strings.Contains(pkt.TypeName, "Encryption") {
		width := time.Duration(cfg.LoginAttemptWindowMs) * time.Millisecond
		if now.Sub(t.loginWindowStart) >= width {
			t.loginWindowStart = now
			t.loginAttempts = 0
		}
		t.loginAttempts++
		if t.loginAttempts > cfg.MaxLoginAttemptsPerIP {
			return g.violate(ip, t, "login_attempts")
		}
	}

	// 3) Server-list pings.
	if strings.Contains(pkt.TypeName, "ServerPing") || strings.Contains(pkt.TypeName, "StatusRequest") {
		t.pingCount++
		if t.pingCount > cfg.MaxServerListPingsPerIP {
			return g.violate(ip, t, "server_list_ping")
		}
	}

	// 4) Protocol-state violations. A packet that itself declares the
	// next state (e.g. "StatusRequest"/"LoginStart" arriving straight
	// off Handshake) is checked against that transition rather than the
	// stricter current-state allowlist, since it IS the transition.
	if cfg.DetectProtocolViolations {
		if ns, ok := nextState(pkt.TypeName); ok && t.state == Handshake {
			t.state = ns
		} else if !matchesState(pkt.TypeName, t.state) {
			return g.violate(ip, t, "protocol_state")
		} else if t.state == Login && strings.Contains(pkt.TypeName, "LoginAcknowledged") {
			t.state = Play
		}
	}

	g.record(proxyapi.Allow)
	return proxyapi.Allow
}

// OnException implements spec.md §4.4's exception-accounting check.
func (g *Guard) OnException(ip string) proxyapi.Verdict {
	cfg := g.cfg.Load().L7
	t := g.getTracker(ip)
	now := g.clock()

	t.mu.Lock()
	defer t.mu.Unlock()

	width := time.Second
	if now.Sub(t.exceptionWindowStart) >= width {
		t.exceptionWindowStart = now
		t.exceptions = 0
	}
	t.exceptions++
	if t.exceptions > cfg.MaxExceptionsPerWindow {
		return g.violate(ip, t, "exceptions")
	}
	g.record(proxyapi.Allow)
	return proxyapi.Allow
}

// OnDisconnect transitions the tracker to Closed, terminal per
// spec.md §4.4's state machine.
func (g *Guard) OnDisconnect(ip string) {
	if v, ok := g.trackers.Load(ip); ok {
		t := v.(*tracker)
		t.mu.Lock()
		t.state = Closed
		t.mu.Unlock()
	}
}

func (g *Guard) violate(ip string, t *tracker, reason string) proxyapi.Verdict {
	t.state = Closed
	log.Warn().Str("ip", ip).Str("reason", reason).Msg("l7guard: protocol violation")
	g.record(proxyapi.DropAndBlock)
	return proxyapi.DropAndBlock
}

// Snapshot is the status-reporter view.
type Snapshot struct {
	TrackedClients int
}

func (g *Guard) Snapshot() Snapshot {
	n := 0
	g.trackers.Range(func(_, _ any) bool { n++; return true })
	return Snapshot{TrackedClients: n}
}

// Sweep evicts trackers idle longer than configured, bounded per call.
func (g *Guard) Sweep(maxEvictions int) {
	cfg := g.cfg.Load().L7
	idle := time.Duration(cfg.TrackerIdleEvictMs) * time.Millisecond
	if idle <= 0 {
		idle = 30 * time.Minute
	}
	now := g.clock()
	evicted := 0
	g.trackers.Range(func(k, v any) bool {
		if evicted >= maxEvictions {
			return false
		}
		t := v.(*tracker)
		t.mu.Lock()
		stale := now.Sub(t.lastActivity) > idle
		t.mu.Unlock()
		if stale {
			if g.trackers.CompareAndDelete(k, v) {
				evicted++
			}
		}
		return true
	})
	metrics.L7TrackedClients.Set(float64(g.Snapshot().TrackedClients))
}
