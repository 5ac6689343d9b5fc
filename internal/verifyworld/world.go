// Package verifyworld implements VirtualVerificationWorld (spec.md §4.6):
// a synthetic in-proxy game world that a player is dropped into instead
// of the real backend, used to elicit and score human-like movement
// before the proxy transfers the connection onward. The resolved-once
// guard follows the same atomic.Bool compare-and-swap the reference
// project's drain flag uses for a single irreversible state flip.
package verifyworld

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/skywalker-88/wardengate/internal/antibot"
	"github.com/skywalker-88/wardengate/internal/proxyapi"
	"github.com/skywalker-88/wardengate/pkg/config"
	"github.com/skywalker-88/wardengate/pkg/metrics"
)

// entityIDBase is the reserved entity-id floor (spec.md §4.6 "Entity
// id ... assigned from a high reserved space (≥ 10^6)").
const entityIDBase int64 = 1_000_000

var entityIDCounter atomic.Int64

func nextEntityID() int64 {
	return entityIDBase + entityIDCounter.Add(1)
}

const maxTrackedMovements = 64

// VirtualPlayer is the per-player-in-verification record from
// spec.md §3. It is mutated only by the owning connection's packet
// callbacks (single-writer, per spec.md §5), except for the
// compare-and-swap resolution performed by the deadline timer.
type VirtualPlayer struct {
	Player   uuid.UUID
	EntityID int64
	EntryAt  time.Time
	Deadline time.Time

	x, y, z float64

	movements     int
	totalDistance float64
	timestamps    []time.Time
	axisSigns     []int // dominant-axis sign sequence, for the direction-change count

	jump, crouch, interact bool

	resolved atomic.Bool

	timer *time.Timer
}

// World is the VirtualVerificationWorld component.
type World struct {
	cfg        *config.Store
	downstream proxyapi.Downstream
	verifier   antibot.Verifier

	players sync.Map // uuid.UUID -> *VirtualPlayer

	clock func() time.Time
}

func New(cfg *config.Store, downstream proxyapi.Downstream, verifier antibot.Verifier) *World {
	return &World{cfg: cfg, downstream: downstream, verifier: verifier, clock: time.Now}
}

// Enter implements antibot.MiniWorldChecker: it synthesizes the initial
// Join state, writes it downstream, and schedules the deadline
// resolution (spec.md §4.6 "Enter").
func (w *World) Enter(player uuid.UUID, protocolVersion int, deadline time.Time) bool {
	now := w.clock()
	vp := &VirtualPlayer{
		Player:   player,
		EntityID: nextEntityID(),
		EntryAt:  now,
		Deadline: deadline,
		x:        0, y: 64, z: 0,
	}

	pkt, ok := buildJoinPacket(vp, protocolVersion)
	if !ok {
		log.Warn().Str("player", player.String()).Msg("verifyworld: no join encoder for protocol version")
		return false
	}

	if err := w.downstream.WritePacket(player, pkt); err != nil {
		log.Warn().Str("player", player.String()).Err(err).Msg("verifyworld: write join packet failed")
		return false
	}

	w.players.Store(player, vp)
	metrics.VirtualPlayers.Inc()

	vp.timer = time.AfterFunc(deadline.Sub(now), func() { w.resolveAtDeadline(player) })

	return true
}

// OnMovement implements spec.md §4.6 "On movement packet".
func (w *World) OnMovement(pkt proxyapi.MovementPacket) {
	v, ok := w.players.Load(pkt.Player)
	if !ok {
		return
	}
	vp := v.(*VirtualPlayer)
	if vp.resolved.Load() {
		return
	}

	dx, dy, dz := pkt.X-vp.x, pkt.Y-vp.y, pkt.Z-vp.z
	dist := math.Sqrt(dx*dx + dy*dy + dz*dz)

	vp.x, vp.y, vp.z = pkt.X, pkt.Y, pkt.Z
	vp.movements++
	vp.totalDistance += dist
	vp.timestamps = appendBounded(vp.timestamps, pkt.Timestamp, maxTrackedMovements)
	vp.axisSigns = appendIntBounded(vp.axisSigns, dominantAxisSign(dx, dy, dz), maxTrackedMovements)

	if pkt.Jump {
		vp.jump = true
	}
	if pkt.Crouch {
		vp.crouch = true
	}
	if pkt.Interact {
		vp.interact = true
	}

	cfg := w.cfg.Load().AntiBot.Verification
	if evaluate(vp, cfg, w.clock()).pass {
		w.resolve(vp, true, "early pass")
	}
}

// OnExit implements spec.md §4.6 "On exit": the owning connection
// closed before the deadline fired.
func (w *World) OnExit(player uuid.UUID) {
	v, ok := w.players.LoadAndDelete(player)
	if !ok {
		return
	}
	vp := v.(*VirtualPlayer)
	if vp.timer != nil {
		vp.timer.Stop()
	}
	vp.resolved.Store(true)
	metrics.VirtualPlayers.Dec()
}

func (w *World) resolveAtDeadline(player uuid.UUID) {
	v, ok := w.players.Load(player)
	if !ok {
		return
	}
	vp := v.(*VirtualPlayer)
	cfg := w.cfg.Load().AntiBot.Verification
	result := evaluate(vp, cfg, w.clock())
	w.resolve(vp, result.pass, result.reason)
}

// resolve performs the single allowed state transition for vp, guarded
// by compare-and-swap on resolved so a racing deadline-fire and
// early-pass can't both act (spec.md §4.6 "Concurrency").
func (w *World) resolve(vp *VirtualPlayer, pass bool, reason string) {
	if !vp.resolved.CompareAndSwap(false, true) {
		return
	}
	w.players.Delete(vp.Player)
	if vp.timer != nil {
		vp.timer.Stop()
	}
	metrics.VirtualPlayers.Dec()

	if pass {
		w.verifier.MarkVerified(vp.Player)
		return
	}
	log.Info().Str("player", vp.Player.String()).Str("reason", reason).Msg("verifyworld: verification failed")
	w.verifier.Kick(vp.Player, "Unable to verify connection, please try again.")
}

// Contains reports whether player currently has an active session, for
// callers deciding whether to route a packet through OnMovement.
func (w *World) Contains(player uuid.UUID) bool {
	_, ok := w.players.Load(player)
	return ok
}

// Snapshot is the status-reporter view.
type Snapshot struct {
	ActiveSessions int
}

func (w *World) Snapshot() Snapshot {
	n := 0
	w.players.Range(func(_, _ any) bool { n++; return true })
	return Snapshot{ActiveSessions: n}
}

// Sweep is a defensive bounded cleanup for sessions whose deadline timer
// somehow never fired (e.g. process was under heavy load); ordinary
// expiry is handled by the per-session timer, not this sweeper.
func (w *World) Sweep(maxEvictions int) {
	now := w.clock()
	evicted := 0
	w.players.Range(func(k, v any) bool {
		if evicted >= maxEvictions {
			return false
		}
		vp := v.(*VirtualPlayer)
		if now.After(vp.Deadline.Add(30 * time.Second)) {
			w.resolve(vp, false, "sweeper: deadline timer never fired")
			evicted++
		}
		return true
	})
}

func appendBounded(s []time.Time, v time.Time, max int) []time.Time {
	s = append(s, v)
	if len(s) > max {
		s = s[len(s)-max:]
	}
	return s
}

func appendIntBounded(s []int, v, max int) []int {
	s = append(s, v)
	if len(s) > max {
		s = s[len(s)-max:]
	}
	return s
}

// dominantAxisSign reduces a movement delta to a coarse 1-D label: the
// signed axis (X, Y, or Z) whose magnitude is largest, per SPEC_FULL.md's
// movement-complexity metric ("|dx|,|dy|,|dz| compared pairwise"). Pure
// vertical movement (jump-spam) must register on the Y axis rather than
// being silently folded into "no change" on X/Z.
func dominantAxisSign(dx, dy, dz float64) int {
	adx, ady, adz := math.Abs(dx), math.Abs(dy), math.Abs(dz)
	switch {
	case adx >= ady && adx >= adz:
		if dx > 0 {
			return 1
		} else if dx < 0 {
			return -1
		}
		return 0
	case ady >= adx && ady >= adz:
		if dy > 0 {
			return 3
		} else if dy < 0 {
			return -3
		}
		return 0
	default:
		if dz > 0 {
			return 2
		} else if dz < 0 {
			return -2
		}
		return 0
	}
}
