package verifyworld

// JoinPacket is the semantically-typed Join-Game-equivalent packet
// spec.md §6 ("Wire format") requires the core to produce; the outer
// codec is responsible for serializing it onto the wire for the
// client's negotiated protocol version.
type JoinPacket struct {
	EntityID       int64
	Gamemode       string // "adventure" | "creative"
	Hardcore       bool
	Dimension      string // overworld-flat
	Difficulty     string // "peaceful"
	MaxPlayers     int
	ViewDistance   int
	X, Y, Z        float64

	// Fields whose presence/shape varies by protocol generation
	// (spec.md §9 "versioned encoder with one case per protocol
	// generation"). Zero value means "not applicable to this version".
	UsesDimensionCodec bool   // 1.16–1.20.x: NBT dimension-codec + dimension identifier
	UsesDimensionType  bool   // 1.21+: registry-indexed dimension type instead of codec
	DimensionCodecNBT  []byte // placeholder payload; real NBT encoding is the codec's job
	HasWorldNames      bool   // 1.16+: list of known world/dimension names sent alongside
	HasPortalCooldown  bool   // 1.20.2+: extra portal-cooldown varint on join
}

// protocolRange names a closed interval of Minecraft protocol version
// numbers sharing one Join-packet layout.
type protocolRange struct {
	min, max int
	encode   func(vp *VirtualPlayer) JoinPacket
}

// protocolTable is consulted in order; the first range containing the
// client's negotiated protocol version wins (spec.md §9: "consult a
// protocol-version table to pick the right field set").
var protocolTable = []protocolRange{
	{
		// Pre-1.16: dimension is a plain signed byte/int, no codec, no
		// hardcore-flag-as-separate-bit distinction worth modeling here.
		min: 0, max: 735,
		encode: func(vp *VirtualPlayer) JoinPacket {
			return JoinPacket{
				EntityID:     vp.EntityID,
				Gamemode:     "adventure",
				Dimension:    "overworld-flat",
				Difficulty:   "peaceful",
				MaxPlayers:   1,
				ViewDistance: 2,
				X:            vp.x, Y: vp.y, Z: vp.z,
			}
		},
	},
	{
		// 1.16–1.18.x: dimension codec NBT + dimension identifier string,
		// world-names list.
		min: 736, max: 757,
		encode: func(vp *VirtualPlayer) JoinPacket {
			return JoinPacket{
				EntityID:           vp.EntityID,
				Gamemode:           "adventure",
				Dimension:          "minecraft:overworld",
				Difficulty:         "peaceful",
				MaxPlayers:         1,
				ViewDistance:       2,
				X:                  vp.x, Y: vp.y, Z: vp.z,
				UsesDimensionCodec: true,
				HasWorldNames:      true,
			}
		},
	},
	{
		// 1.19–1.20.1: adds simulation-distance separately from
		// view-distance upstream; we keep view-distance only since this
		// world never streams chunks.
		min: 758, max: 763,
		encode: func(vp *VirtualPlayer) JoinPacket {
			return JoinPacket{
				EntityID:           vp.EntityID,
				Gamemode:           "adventure",
				Dimension:          "minecraft:overworld",
				Difficulty:         "peaceful",
				MaxPlayers:         1,
				ViewDistance:       2,
				X:                  vp.x, Y: vp.y, Z: vp.z,
				UsesDimensionCodec: true,
				HasWorldNames:      true,
			}
		},
	},
	{
		// 1.20.2+: portal-cooldown field added to Join; 1.21+ additionally
		// replaces the dimension codec with a registry-indexed dimension
		// type, which we fold into the same range since both only add
		// fields our encoder already defaults sanely for.
		min: 764, max: 1 << 20,
		encode: func(vp *VirtualPlayer) JoinPacket {
			return JoinPacket{
				EntityID:          vp.EntityID,
				Gamemode:          "adventure",
				Dimension:         "minecraft:overworld",
				Difficulty:        "peaceful",
				MaxPlayers:        1,
				ViewDistance:      2,
				X:                 vp.x, Y: vp.y, Z: vp.z,
				UsesDimensionType: true,
				HasWorldNames:     true,
				HasPortalCooldown: true,
			}
		},
	},
}

// buildJoinPacket picks the encoder matching protocolVersion and
// returns the synthesized Join packet.
func buildJoinPacket(vp *VirtualPlayer, protocolVersion int) (JoinPacket, bool) {
	for _, r := range protocolTable {
		if protocolVersion >= r.min && protocolVersion <= r.max {
			return r.encode(vp), true
		}
	}
	return JoinPacket{}, false
}
