// Package wire holds the small value types that keep byte buffers and
// identifiers in this library from being used at the wrong call site:
// a raw payload cannot be passed where framed bytes are expected, and a
// channel index outside [0, 7] cannot be constructed at all.
package wire

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"github.com/meshnet-go/meshclient/mesherr"
)

// NodeID identifies a node on the mesh.
type NodeID uint32

// BroadcastNodeID is the reserved destination meaning "every node".
const BroadcastNodeID NodeID = 0xFFFFFFFF

func (n NodeID) String() string {
	return fmt.Sprintf("!%08x", uint32(n))
}

// Uint32 returns the raw node number.
func (n NodeID) Uint32() uint32 {
	return uint32(n)
}

// DefaultLongName returns the long name a node presents when its owner
// hasn't set one, derived from its id the same way the firmware does.
func (n NodeID) DefaultLongName() string {
	return fmt.Sprintf("Meshtastic %04x", uint32(n)&0xffff)
}

// DefaultShortName returns the four-hex-digit short name a node
// presents when its owner hasn't set one.
func (n NodeID) DefaultShortName() string {
	return fmt.Sprintf("%04x", uint32(n)&0xffff)
}

// RandomNodeID generates a random node id suitable for a simulated or
// ephemeral node, avoiding the reserved broadcast value.
func RandomNodeID() (NodeID, error) {
	for {
		var buf [4]byte
		if _, err := rand.Read(buf[:]); err != nil {
			return 0, fmt.Errorf("generating random node id: %w", err)
		}
		id := NodeID(binary.BigEndian.Uint32(buf[:]))
		if id != 0 && id != BroadcastNodeID {
			return id, nil
		}
	}
}

// MeshChannel is a message channel index, constrained to [0, 7].
type MeshChannel struct {
	idx uint32
}

// NewMeshChannel constructs a MeshChannel, rejecting any value outside [0, 7].
func NewMeshChannel(c uint32) (MeshChannel, error) {
	if c > 7 {
		return MeshChannel{}, fmt.Errorf("%w: got %d", mesherr.ErrInvalidChannel, c)
	}
	return MeshChannel{idx: c}, nil
}

// Channel returns the underlying channel index.
func (c MeshChannel) Channel() uint32 {
	return c.idx
}

func (c MeshChannel) String() string {
	return fmt.Sprintf("%d", c.idx)
}

// EncodedMeshPacketData is application payload bytes destined for the
// Data.payload field of an outgoing MeshPacket. Distinct from
// EncodedToRadioPacket so a caller cannot accidentally hand a bare
// payload to something expecting a fully-encoded ToRadio envelope.
type EncodedMeshPacketData []byte

// EncodedToRadioPacket is a binary-encoded ToRadio envelope with no wire
// header attached yet.
type EncodedToRadioPacket []byte

// EncodedToRadioPacketWithHeader is a binary-encoded ToRadio envelope
// prefixed with the 4-byte [0x94 0xC3 len_msb len_lsb] wire header, ready
// to be written directly to a serial or TCP transport.
type EncodedToRadioPacketWithHeader []byte

// IncomingStreamData is a chunk of bytes read from a transport, not yet
// known to contain a whole frame, part of a frame, or several frames.
type IncomingStreamData []byte
