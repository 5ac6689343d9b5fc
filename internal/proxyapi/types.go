// Package proxyapi defines the boundary between the anti-abuse core and
// the outer Minecraft proxy front-end: connection accept, TLS, the wire
// codec, backend selection and routing all live on the other side of
// this package and are never implemented here.
package proxyapi

import (
	"time"

	"github.com/google/uuid"
)

// Verdict is the pipeline's decision about a connection or raw packet.
type Verdict int

const (
	// Allow lets the connection/packet proceed.
	Allow Verdict = iota
	// DropSilent discards the packet without closing the connection.
	DropSilent
	// DropAndBlock discards the packet and adds the source IP to the
	// temporary blocklist.
	DropAndBlock
	// DropAndDisconnect discards the packet and closes the connection.
	DropAndDisconnect
)

func (v Verdict) String() string {
	switch v {
	case Allow:
		return "allow"
	case DropSilent:
		return "drop_silent"
	case DropAndBlock:
		return "drop_and_block"
	case DropAndDisconnect:
		return "drop_and_disconnect"
	default:
		return "unknown"
	}
}

// LoginVerdict is the pipeline's decision about a login attempt.
type LoginVerdict struct {
	Action  LoginAction
	Message string // populated when Action == LoginKick
}

type LoginAction int

const (
	LoginAllow LoginAction = iota
	LoginEnterVerification
	LoginKick
)

func (a LoginAction) String() string {
	switch a {
	case LoginAllow:
		return "allow"
	case LoginEnterVerification:
		return "enter_verification"
	case LoginKick:
		return "kick"
	default:
		return "unknown"
	}
}

// Packet is the minimal decoded-packet view the core needs. Size is the
// decoded frame's payload length in bytes, as produced by the front-end
// codec — not a wire-varint estimate (spec.md §9 Open Question (a)).
type Packet struct {
	TypeName string
	Size     int
	Payload  []byte // only populated when PacketFilter's pattern check needs it
}

// PlayerLogin carries everything the AntiBot coordinator needs at login
// time. Ping is sampled by the front-end from whatever round trip it
// already measures (handshake or status); a zero value disables the
// latency check for this login (spec.md §9 Open Question (b)).
type PlayerLogin struct {
	Player          uuid.UUID
	IP              string
	Username        string
	Brand           string // may be empty until the client sends a plugin message
	VirtualHost     string
	ProtocolVersion int
	Ping            time.Duration
}

// MovementPacket is sampled by the front-end while a player is inside
// the virtual verification world.
type MovementPacket struct {
	Player    uuid.UUID
	X, Y, Z   float64
	Jump      bool
	Crouch    bool
	Interact  bool
	Timestamp time.Time
}

// Downstream is implemented by the outer proxy front-end. The core only
// ever calls it to drive the synthetic verification world or to finish
// a login decision; it never touches the wire codec directly.
type Downstream interface {
	// WritePacket hands a synthesized packet (e.g. Join, Position,
	// Disconnect) to the front-end's codec for serialization and
	// sends it to player. Implementations must not block indefinitely;
	// a congested channel should return an error quickly so the
	// verification session can fail closed per spec.md §5.
	WritePacket(player uuid.UUID, packet any) error
	// TransferToDestination hands the player off to a real backend
	// server after successful verification.
	TransferToDestination(player uuid.UUID, serverName string) error
	// Disconnect closes the player's connection with reason, which may
	// be empty for a silent close (e.g. an expired IP block).
	Disconnect(player uuid.UUID, reason string) error
}
