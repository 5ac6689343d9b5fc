// Package security implements SecurityManager (spec.md §4.1): pipeline
// assembly, lifecycle, and the two periodic maintenance/status tasks.
// The ticker-driven janitor goroutine with a stop channel follows the
// reference anomaly detector's own janitor loop
// (internal/anom/detector.go), generalized here to drive every pipeline
// stage's Sweep instead of one detector's eviction pass.
package security

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/skywalker-88/wardengate/internal/antibot"
	"github.com/skywalker-88/wardengate/internal/l4guard"
	"github.com/skywalker-88/wardengate/internal/l7guard"
	"github.com/skywalker-88/wardengate/internal/packetfilter"
	"github.com/skywalker-88/wardengate/internal/proxyapi"
	"github.com/skywalker-88/wardengate/internal/verifyworld"
	"github.com/skywalker-88/wardengate/pkg/config"
)

const (
	maintenanceInterval = time.Minute
	statusInterval      = 15 * time.Minute
	maxEvictionsPerSweep = 1024
)

// sweeper is satisfied by every stage that owns expiring state.
type sweeper interface {
	Sweep(maxEvictions int)
}

// PipelineStages holds the stages the caller constructs. A nil stage is
// skipped; the fixed relative order (L4 → PacketFilter → L7 → AntiBot)
// is preserved regardless of which are present. Stages are not filtered
// by config here: nothing in this package removes a stage whose config
// section is disabled, and each stage checks its own enabled flag per
// call instead.
type PipelineStages struct {
	L4      *l4guard.Guard
	Filter  *packetfilter.Filter
	L7      *l7guard.Guard
	AntiBot *antibot.Coordinator
	World   *verifyworld.World
}

// Manager is SecurityManager. It exclusively owns the component
// instances (spec.md §3 "Ownership"); each component exclusively owns
// its own state maps.
type Manager struct {
	cfg    *config.Store
	stages PipelineStages

	mu       sync.Mutex
	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

// New assembles the pipeline per buildPipeline's rules: a stage's
// presence in PipelineStages is fixed at construction (disabling it
// later via config is a per-call enabled-check inside the stage
// itself, not a removal from the struct, since Go has no cheap way to
// splice a typed pipeline at runtime — this matches the teacher's own
// "always construct, check enabled per-call" shape in Detector.Middleware).
func New(cfg *config.Store, stages PipelineStages) *Manager {
	return &Manager{cfg: cfg, stages: stages, stop: make(chan struct{})}
}

// Start registers the two periodic tasks spec.md §4.1 describes.
func (m *Manager) Start() {
	m.wg.Add(2)
	go m.runEvery(maintenanceInterval, m.maintenance)
	go m.runEvery(statusInterval, m.report)
}

// Stop cancels the periodic tasks. Stages retain their state for
// post-mortem dumps but reject traffic is the caller's responsibility
// (spec.md §4.1 "stop()") — Manager itself does not flip an
// enabled flag, since that's per-stage config, already atomic.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
	m.wg.Wait()
}

func (m *Manager) runEvery(interval time.Duration, fn func()) {
	defer m.wg.Done()
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-t.C:
			fn()
		}
	}
}

// maintenance sweeps every enabled stage. A failing stage's sweep must
// not stop the others (spec.md §4.1 "Failure"), so each call is
// wrapped individually and recovers from a panic in any one sweeper.
func (m *Manager) maintenance() {
	for name, s := range m.sweepers() {
		m.safeSweep(name, s)
	}
}

func (m *Manager) sweepers() map[string]sweeper {
	out := make(map[string]sweeper, 5)
	if m.stages.L4 != nil {
		out["l4"] = m.stages.L4
	}
	if m.stages.Filter != nil {
		out["packet_filter"] = m.stages.Filter
	}
	if m.stages.L7 != nil {
		out["l7"] = m.stages.L7
	}
	if m.stages.AntiBot != nil {
		out["antibot"] = m.stages.AntiBot
	}
	if m.stages.World != nil {
		out["verifyworld"] = m.stages.World
	}
	return out
}

func (m *Manager) safeSweep(name string, s sweeper) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("stage", name).Interface("panic", r).Msg("security: maintenance sweep panicked")
		}
	}()
	s.Sweep(maxEvictionsPerSweep)
}

// report logs a best-effort status line. Status reporting failures
// never propagate (spec.md §4.1 "Status reporting is best-effort").
func (m *Manager) report() {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("security: status report panicked")
		}
	}()
	log.Info().Interface("status", m.Status()).Msg("security: periodic status")
}

// Status implements adminapi.StatusProvider.
func (m *Manager) Status() map[string]any {
	out := map[string]any{}
	if m.stages.L4 != nil {
		out["l4"] = m.stages.L4.Snapshot()
	}
	if m.stages.L7 != nil {
		out["l7"] = m.stages.L7.Snapshot()
	}
	if m.stages.AntiBot != nil {
		out["antibot"] = m.stages.AntiBot.Snapshot()
	}
	if m.stages.World != nil {
		out["verifyworld"] = m.stages.World.Snapshot()
	}
	return out
}

// UnblockIP implements adminapi.Unblocker: it removes ip from the
// L4Guard blocklist (and the cluster blocklist/streak, if cluster sync
// is configured), for the admin surface's manual-unblock action.
func (m *Manager) UnblockIP(ip string) {
	if m.stages.L4 != nil {
		m.stages.L4.Unblock(ip)
	}
}

// OnAccept runs the connection-scoped prefix of the pipeline
// (spec.md §2's "accept(conn) → L4Guard").
func (m *Manager) OnAccept(ip string) proxyapi.Verdict {
	if m.stages.L4 == nil {
		return proxyapi.Allow
	}
	return m.stages.L4.OnConnect(ip)
}

// OnDisconnect fans the disconnect lifecycle event out to every stage
// that tracks per-IP state.
func (m *Manager) OnDisconnect(ip string) {
	if m.stages.L4 != nil {
		m.stages.L4.OnDisconnect(ip)
	}
	if m.stages.Filter != nil {
		m.stages.Filter.OnDisconnect(ip)
	}
	if m.stages.L7 != nil {
		m.stages.L7.OnDisconnect(ip)
	}
}

// OnException fans an I/O-level exception out to the stages that keep
// exception counters (spec.md §4.2 bullet 3, §4.4 bullet 5).
func (m *Manager) OnException(ip string) proxyapi.Verdict {
	if m.stages.L4 != nil {
		m.stages.L4.OnException(ip)
	}
	if m.stages.L7 != nil {
		return m.stages.L7.OnException(ip)
	}
	return proxyapi.Allow
}

// OnPacket implements the data-plane pipeline from spec.md §2:
// L4Guard → PacketFilter → L7Guard, in fixed order, fail-fast on the
// first DROP verdict.
func (m *Manager) OnPacket(ip string, pkt proxyapi.Packet) proxyapi.Verdict {
	if m.stages.L4 != nil {
		if v := m.stages.L4.OnPacket(ip, pkt); v != proxyapi.Allow {
			return v
		}
	}
	if m.stages.Filter != nil {
		if v := m.stages.Filter.Check(ip, pkt); v != proxyapi.Allow {
			return v
		}
	}
	if m.stages.L7 != nil {
		if v := m.stages.L7.OnPacket(ip, pkt); v != proxyapi.Allow {
			return v
		}
	}
	return proxyapi.Allow
}

// OnLogin runs the AntiBot stage of the pipeline.
func (m *Manager) OnLogin(ctx context.Context, login proxyapi.PlayerLogin) proxyapi.LoginVerdict {
	if m.stages.AntiBot == nil {
		return proxyapi.LoginVerdict{Action: proxyapi.LoginAllow}
	}
	return m.stages.AntiBot.OnLogin(ctx, login)
}

// OnPlayerPacket routes movement/interaction packets to the
// verification world while a player is inside it.
func (m *Manager) OnPlayerPacket(pkt proxyapi.MovementPacket) {
	if m.stages.World == nil {
		return
	}
	if m.stages.World.Contains(pkt.Player) {
		m.stages.World.OnMovement(pkt)
	}
}
