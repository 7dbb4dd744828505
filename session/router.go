package session

import (
	meshtastic "buf.build/gen/go/meshtastic/protobufs/protocolbuffers/go/meshtastic"

	"github.com/meshnet-go/meshclient/wire"
)

// PacketRouter is the application-provided collaborator that classifies
// and handles incoming envelopes and supplies the local node identifier
// used to fill in outbound packets. The library calls HandleMeshPacket
// only for echo-back on outbound sends that request it.
type PacketRouter interface {
	HandlePacketFromRadio(envelope *meshtastic.FromRadio) error
	HandleMeshPacket(packet *meshtastic.MeshPacket) error
	SourceNodeID() wire.NodeID
}

type destinationKind int

const (
	destinationLocal destinationKind = iota
	destinationBroadcast
	destinationNode
)

// PacketDestination selects the "to" field of an outbound MeshPacket.
type PacketDestination struct {
	kind destinationKind
	node wire.NodeID
}

// Local resolves to the router's own source node id.
func Local() PacketDestination { return PacketDestination{kind: destinationLocal} }

// Broadcast resolves to the reserved broadcast node id.
func Broadcast() PacketDestination { return PacketDestination{kind: destinationBroadcast} }

// ToNode resolves to a specific node id.
func ToNode(id wire.NodeID) PacketDestination {
	return PacketDestination{kind: destinationNode, node: id}
}

func (d PacketDestination) resolve(router PacketRouter) uint32 {
	switch d.kind {
	case destinationBroadcast:
		return wire.BroadcastNodeID.Uint32()
	case destinationNode:
		return d.node.Uint32()
	default:
		return router.SourceNodeID().Uint32()
	}
}
