package verifyworld

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/skywalker-88/wardengate/internal/proxyapi"
	"github.com/skywalker-88/wardengate/pkg/config"
)

type fakeDownstream struct {
	mu       sync.Mutex
	packets  []any
	writeErr error
}

func (f *fakeDownstream) WritePacket(_ uuid.UUID, packet any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.packets = append(f.packets, packet)
	return nil
}
func (f *fakeDownstream) TransferToDestination(uuid.UUID, string) error { return nil }
func (f *fakeDownstream) Disconnect(uuid.UUID, string) error            { return nil }

type fakeVerifier struct {
	mu       sync.Mutex
	verified []uuid.UUID
	kicked   []uuid.UUID
}

func (f *fakeVerifier) MarkVerified(player uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.verified = append(f.verified, player)
}
func (f *fakeVerifier) Kick(player uuid.UUID, _ string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kicked = append(f.kicked, player)
}

func newTestWorld(t *testing.T) (*World, *fakeDownstream, *fakeVerifier) {
	t.Helper()
	cfg := config.Default()
	cfg.AntiBot.Verification.MinMovements = 3
	cfg.AntiBot.Verification.MinDistance = 2.0
	cfg.AntiBot.Verification.MinElapsed = 0
	cfg.AntiBot.Verification.MinDirectionChanges = 1
	cfg.AntiBot.Verification.TimingStdDevEpsilon = -1 // always natural, isolates this test from timing jitter
	ds := &fakeDownstream{}
	v := &fakeVerifier{}
	w := New(config.NewStore(cfg), ds, v)
	return w, ds, v
}

func TestEnter_RejectsUnknownProtocolVersion(t *testing.T) {
	w, _, _ := newTestWorld(t)
	ok := w.Enter(uuid.New(), -1, time.Now().Add(time.Minute))
	require.False(t, ok)
}

func TestEnter_WritesJoinPacketAndTracksPlayer(t *testing.T) {
	w, ds, _ := newTestWorld(t)
	player := uuid.New()
	ok := w.Enter(player, 763, time.Now().Add(time.Minute))
	require.True(t, ok)
	require.True(t, w.Contains(player))
	require.Len(t, ds.packets, 1)
	t.Cleanup(func() { w.OnExit(player) })
}

func TestEnter_FailsClosedWhenWriteFails(t *testing.T) {
	w, ds, _ := newTestWorld(t)
	ds.writeErr = require.AnError
	ok := w.Enter(uuid.New(), 763, time.Now().Add(time.Minute))
	require.False(t, ok)
}

func TestOnMovement_EarlyPassOnceCriteriaMet(t *testing.T) {
	w, _, verifier := newTestWorld(t)
	player := uuid.New()
	w.Enter(player, 763, time.Now().Add(time.Minute))

	base := time.Now()
	w.OnMovement(proxyapi.MovementPacket{Player: player, X: 1, Y: 64, Z: 0, Timestamp: base})
	w.OnMovement(proxyapi.MovementPacket{Player: player, X: 1, Y: 64, Z: 1, Timestamp: base.Add(100 * time.Millisecond)})
	w.OnMovement(proxyapi.MovementPacket{Player: player, X: 0, Y: 64, Z: 1, Timestamp: base.Add(200 * time.Millisecond)})

	require.Contains(t, verifier.verified, player)
	require.False(t, w.Contains(player), "a resolved session must be removed from tracking")
}

func TestOnMovement_IgnoredAfterResolution(t *testing.T) {
	w, _, verifier := newTestWorld(t)
	player := uuid.New()
	w.Enter(player, 763, time.Now().Add(time.Minute))

	base := time.Now()
	w.OnMovement(proxyapi.MovementPacket{Player: player, X: 1, Y: 64, Z: 0, Timestamp: base})
	w.OnMovement(proxyapi.MovementPacket{Player: player, X: 1, Y: 64, Z: 1, Timestamp: base.Add(100 * time.Millisecond)})
	w.OnMovement(proxyapi.MovementPacket{Player: player, X: 0, Y: 64, Z: 1, Timestamp: base.Add(200 * time.Millisecond)})
	require.Len(t, verifier.verified, 1)

	// a movement arriving after resolution must not re-trigger a verdict
	w.OnMovement(proxyapi.MovementPacket{Player: player, X: 5, Y: 64, Z: 5, Timestamp: base.Add(300 * time.Millisecond)})
	require.Len(t, verifier.verified, 1)
}

func TestResolveAtDeadline_FailsWhenCriteriaNeverMet(t *testing.T) {
	w, _, verifier := newTestWorld(t)
	player := uuid.New()
	vp := &VirtualPlayer{Player: player, EntryAt: time.Now(), Deadline: time.Now()}
	w.players.Store(player, vp)

	w.resolveAtDeadline(player)

	require.Contains(t, verifier.kicked, player)
	require.False(t, w.Contains(player))
}

func TestResolve_IsSingleShotUnderRace(t *testing.T) {
	w, _, verifier := newTestWorld(t)
	player := uuid.New()
	vp := &VirtualPlayer{Player: player, EntryAt: time.Now()}
	w.players.Store(player, vp)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.resolve(vp, true, "race")
		}()
	}
	wg.Wait()

	require.Len(t, verifier.verified, 1, "only one resolution must ever reach the verifier")
}

func TestOnMovement_PureVerticalMovementCountsAsDirectionChange(t *testing.T) {
	w, _, verifier := newTestWorld(t)
	player := uuid.New()
	w.Enter(player, 763, time.Now().Add(time.Minute))

	base := time.Now()
	// jump-spam: X/Z never move, only Y oscillates. The dominant-axis
	// label must switch on Y alone for this to ever pass criterion 4.
	w.OnMovement(proxyapi.MovementPacket{Player: player, X: 0, Y: 65, Z: 0, Timestamp: base})
	w.OnMovement(proxyapi.MovementPacket{Player: player, X: 0, Y: 64, Z: 0, Timestamp: base.Add(100 * time.Millisecond)})
	w.OnMovement(proxyapi.MovementPacket{Player: player, X: 0, Y: 65, Z: 0, Timestamp: base.Add(200 * time.Millisecond)})

	require.Contains(t, verifier.verified, player)
}

func TestOnExit_StopsTimerAndMarksResolved(t *testing.T) {
	w, _, _ := newTestWorld(t)
	player := uuid.New()
	w.Enter(player, 763, time.Now().Add(time.Minute))
	stored, ok := w.players.Load(player)
	require.True(t, ok)
	vp := stored.(*VirtualPlayer)

	w.OnExit(player)
	require.False(t, w.Contains(player))
	require.True(t, vp.resolved.Load())
	require.False(t, vp.timer.Stop(), "OnExit must already have stopped the deadline timer")

	v, ok := w.players.Load(player)
	require.False(t, ok)
	_ = v
}
