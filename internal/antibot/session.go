// Package antibot implements the AntiBot coordinator from spec.md §4.5:
// a composition of independent heuristic checks plus a scoring
// aggregator that classifies a logging-in player as VERIFIED,
// SUSPICIOUS, or BOT.
package antibot

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/skywalker-88/wardengate/internal/proxyapi"
	"github.com/skywalker-88/wardengate/pkg/config"
	"github.com/skywalker-88/wardengate/pkg/metrics"
)

// State is the per-player state machine from spec.md §4.5.
type State int

const (
	New State = iota
	Checking
	Verified
	Suspicious
	Bot
)

func (s State) String() string {
	switch s {
	case New:
		return "new"
	case Checking:
		return "checking"
	case Verified:
		return "verified"
	case Suspicious:
		return "suspicious"
	case Bot:
		return "bot"
	default:
		return "unknown"
	}
}

// Session is the AntiBotSession from spec.md §3.
type Session struct {
	mu sync.Mutex

	Player       uuid.UUID
	IP           string
	State        State
	FailedChecks int
	FirstSeen    time.Time
	Deadline     time.Time
}

// Verifier is the narrow callback interface VirtualVerificationWorld
// uses to report back into AntiBot, breaking the cyclic reference
// spec.md §9 calls out (AntiBot triggers entry; the world calls back to
// mark verified).
type Verifier interface {
	MarkVerified(player uuid.UUID)
	Kick(player uuid.UUID, reason string)
}

// MiniWorldChecker is implemented by internal/verifyworld. AntiBot
// depends on this narrow interface rather than importing verifyworld
// directly, and verifyworld depends on Verifier rather than importing
// antibot — the cycle is broken on both sides per spec.md §9.
type MiniWorldChecker interface {
	// Enter starts a verification session for player and reports true
	// if the protocol frames were issued (spec.md §4.6 "Enter").
	// protocolVersion picks the Join-packet encoder (spec.md §9).
	Enter(player uuid.UUID, protocolVersion int, deadline time.Time) bool
}

// Coordinator is the AntiBot component.
type Coordinator struct {
	cfg      *config.Store
	sessions sync.Map // uuid.UUID -> *Session
	clock    func() time.Time

	miniWorld  MiniWorldChecker
	dns        *dnsChecker
	downstream proxyapi.Downstream

	connAttempts sync.Map // ip -> *slidingCounter
}

func New(cfg *config.Store, miniWorld MiniWorldChecker, downstream proxyapi.Downstream) *Coordinator {
	return &Coordinator{
		cfg:        cfg,
		clock:      time.Now,
		miniWorld:  miniWorld,
		downstream: downstream,
		dns:        newDNSChecker(cfg),
	}
}

// SetMiniWorld wires the verification world after both components are
// constructed, breaking the construction-order cycle: New requires a
// MiniWorldChecker but internal/verifyworld.New requires a Verifier
// implemented by *Coordinator itself (spec.md §9).
func (c *Coordinator) SetMiniWorld(miniWorld MiniWorldChecker) {
	c.miniWorld = miniWorld
}

func (c *Coordinator) gaugeTransition(from, to State) {
	if from == to {
		return
	}
	metrics.AntiBotSessions.WithLabelValues(from.String()).Dec()
	metrics.AntiBotSessions.WithLabelValues(to.String()).Inc()
}
