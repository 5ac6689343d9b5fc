package l7guard

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/skywalker-88/wardengate/internal/proxyapi"
	"github.com/skywalker-88/wardengate/pkg/config"
)

type fakeClock struct{ now time.Time }

func (f *fakeClock) Now() time.Time         { return f.now }
func (f *fakeClock) advance(d time.Duration) { f.now = f.now.Add(d) }

func newTestGuard(t *testing.T) (*Guard, *fakeClock) {
	t.Helper()
	cfg := config.Default()
	cfg.L7.MaxPacketTypePerSecond = 3
	cfg.L7.MaxLoginAttemptsPerIP = 2
	cfg.L7.LoginAttemptWindowMs = 1000
	cfg.L7.MaxServerListPingsPerIP = 2
	cfg.L7.MaxExceptionsPerWindow = 2
	g := New(config.NewStore(cfg))
	fc := &fakeClock{now: time.Unix(0, 0)}
	g.clock = fc.Now
	return g, fc
}

// newTestGuardNoProtocolCheck isolates the packet-type-rate window from
// the protocol state machine, since "ChatMessage" is only legal once a
// connection has progressed into Play.
func newTestGuardNoProtocolCheck(t *testing.T) (*Guard, *fakeClock) {
	t.Helper()
	g, fc := newTestGuard(t)
	cfg := g.cfg.Load()
	cfg.L7.DetectProtocolViolations = false
	g.cfg.Swap(cfg)
	return g, fc
}

func TestOnPacket_PerTypeRateBoundary(t *testing.T) {
	g, _ := newTestGuardNoProtocolCheck(t)
	for i := 0; i < 3; i++ {
		require.Equal(t, proxyapi.Allow, g.OnPacket("1.1.1.1", proxyapi.Packet{TypeName: "ChatMessage"}))
	}
	require.Equal(t, proxyapi.DropAndBlock, g.OnPacket("1.1.1.1", proxyapi.Packet{TypeName: "ChatMessage"}))
}

func TestOnPacket_PerTypeRate_ResetsAfterWindow(t *testing.T) {
	g, fc := newTestGuardNoProtocolCheck(t)
	for i := 0; i < 3; i++ {
		require.Equal(t, proxyapi.Allow, g.OnPacket("1.1.1.1", proxyapi.Packet{TypeName: "ChatMessage"}))
	}
	fc.advance(1100 * time.Millisecond)
	require.Equal(t, proxyapi.Allow, g.OnPacket("1.1.1.1", proxyapi.Packet{TypeName: "ChatMessage"}))
}

func TestOnPacket_LoginAttemptLimit(t *testing.T) {
	g, _ := newTestGuard(t)
	require.Equal(t, proxyapi.Allow, g.OnPacket("2.2.2.2", proxyapi.Packet{TypeName: "LoginStart"}))
	require.Equal(t, proxyapi.Allow, g.OnPacket("2.2.2.2", proxyapi.Packet{TypeName: "LoginEncryptionResponse"}))
	require.Equal(t, proxyapi.DropAndBlock, g.OnPacket("2.2.2.2", proxyapi.Packet{TypeName: "LoginPluginResponse"}))
}

func TestOnPacket_ServerListPingLimit(t *testing.T) {
	g, _ := newTestGuard(t)
	require.Equal(t, proxyapi.Allow, g.OnPacket("3.3.3.3", proxyapi.Packet{TypeName: "StatusRequest"}))
	require.Equal(t, proxyapi.Allow, g.OnPacket("3.3.3.3", proxyapi.Packet{TypeName: "ServerPing"}))
	require.Equal(t, proxyapi.DropAndBlock, g.OnPacket("3.3.3.3", proxyapi.Packet{TypeName: "ServerPing"}))
}

func TestOnPacket_ProtocolStateViolation(t *testing.T) {
	g, _ := newTestGuard(t)
	// a Play-only packet arriving straight off Handshake is out of state
	v := g.OnPacket("4.4.4.4", proxyapi.Packet{TypeName: "PlayerPosition"})
	require.Equal(t, proxyapi.DropAndBlock, v)
}

func TestOnPacket_ValidHandshakeLoginSequence(t *testing.T) {
	g, _ := newTestGuard(t)
	require.Equal(t, proxyapi.Allow, g.OnPacket("5.5.5.5", proxyapi.Packet{TypeName: "Handshake"}))
	require.Equal(t, proxyapi.Allow, g.OnPacket("5.5.5.5", proxyapi.Packet{TypeName: "LoginStart"}))
	require.Equal(t, proxyapi.Allow, g.OnPacket("5.5.5.5", proxyapi.Packet{TypeName: "LoginAcknowledged"}))
	require.Equal(t, proxyapi.Allow, g.OnPacket("5.5.5.5", proxyapi.Packet{TypeName: "PlayerPosition"}))
}

func TestOnPacket_CannotSkipLoginToReachPlay(t *testing.T) {
	g, _ := newTestGuard(t)
	require.Equal(t, proxyapi.Allow, g.OnPacket("5.5.5.6", proxyapi.Packet{TypeName: "Handshake"}))
	// LoginAcknowledged straight off Handshake, skipping LoginStart, must
	// not be treated as a legal transition into Play.
	require.Equal(t, proxyapi.DropAndBlock, g.OnPacket("5.5.5.6", proxyapi.Packet{TypeName: "LoginAcknowledged"}))
}

func TestOnException_BlocksAfterWindowThreshold(t *testing.T) {
	g, _ := newTestGuard(t)
	require.Equal(t, proxyapi.Allow, g.OnException("6.6.6.6"))
	require.Equal(t, proxyapi.Allow, g.OnException("6.6.6.6"))
	require.Equal(t, proxyapi.DropAndBlock, g.OnException("6.6.6.6"))
}

func TestOnDisconnect_TransitionsToClosed(t *testing.T) {
	g, _ := newTestGuard(t)
	g.OnPacket("7.7.7.7", proxyapi.Packet{TypeName: "Handshake"})
	g.OnDisconnect("7.7.7.7")
	v, ok := g.trackers.Load("7.7.7.7")
	require.True(t, ok)
	require.Equal(t, Closed, v.(*tracker).state)
}

func TestSweep_EvictsOnlyIdleTrackers(t *testing.T) {
	g, fc := newTestGuard(t)
	cfg := g.cfg.Load()
	cfg.L7.TrackerIdleEvictMs = 1000
	g.cfg.Swap(cfg)

	g.OnPacket("8.8.8.8", proxyapi.Packet{TypeName: "Handshake"})
	fc.advance(2 * time.Second)
	g.Sweep(100)

	_, ok := g.trackers.Load("8.8.8.8")
	require.False(t, ok)
}
