package packetfilter

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/skywalker-88/wardengate/internal/proxyapi"
	"github.com/skywalker-88/wardengate/pkg/config"
)

func newTestFilter(t *testing.T) *Filter {
	t.Helper()
	cfg := config.Default()
	cfg.PacketFilter.Whitelist = []string{"Handshake"}
	cfg.PacketFilter.RepeatedRingCapacity = 3
	return New(config.NewStore(cfg))
}

func TestCheck_WhitelistBypassesAllOtherRules(t *testing.T) {
	f := newTestFilter(t)
	v := f.Check("1.1.1.1", proxyapi.Packet{TypeName: "Handshake", Payload: []byte("'; drop table users; --")})
	require.Equal(t, proxyapi.Allow, v)
}

func TestCheck_RejectsSQLiPattern(t *testing.T) {
	f := newTestFilter(t)
	v := f.Check("1.1.1.1", proxyapi.Packet{TypeName: "ChatMessage", Payload: []byte("1 UNION SELECT password FROM users")})
	require.Equal(t, proxyapi.DropAndBlock, v)
}

func TestCheck_RejectsPathTraversal(t *testing.T) {
	f := newTestFilter(t)
	v := f.Check("1.1.1.1", proxyapi.Packet{TypeName: "ChatMessage", Payload: []byte("../../etc/passwd")})
	require.Equal(t, proxyapi.DropAndBlock, v)
}

func TestCheck_RepeatedPacketRing_FiresOnlyWhenFullAndUniform(t *testing.T) {
	f := newTestFilter(t)
	require.Equal(t, proxyapi.Allow, f.Check("2.2.2.2", proxyapi.Packet{TypeName: "PlayerPosition"}))
	require.Equal(t, proxyapi.Allow, f.Check("2.2.2.2", proxyapi.Packet{TypeName: "PlayerPosition"}))
	// third identical packet fills the capacity-3 ring uniformly
	require.Equal(t, proxyapi.DropSilent, f.Check("2.2.2.2", proxyapi.Packet{TypeName: "PlayerPosition"}))
}

func TestCheck_RepeatedPacketRing_MixedTypesNeverFire(t *testing.T) {
	f := newTestFilter(t)
	types := []string{"PlayerPosition", "PlayerLook", "PlayerPosition", "PlayerLook", "PlayerPosition"}
	for _, typ := range types {
		v := f.Check("3.3.3.3", proxyapi.Packet{TypeName: typ})
		require.Equal(t, proxyapi.Allow, v)
	}
}

func TestOnDisconnect_EvictsRingImmediately(t *testing.T) {
	f := newTestFilter(t)
	f.Check("4.4.4.4", proxyapi.Packet{TypeName: "X"})
	f.OnDisconnect("4.4.4.4")
	_, ok := f.rings.Load("4.4.4.4")
	require.False(t, ok)
}

func TestCheck_Disabled_AllowsEverything(t *testing.T) {
	cfg := config.Default()
	cfg.PacketFilter.Enabled = false
	f := New(config.NewStore(cfg))
	v := f.Check("5.5.5.5", proxyapi.Packet{TypeName: "X", Payload: []byte("../../etc/passwd")})
	require.Equal(t, proxyapi.Allow, v)
}
