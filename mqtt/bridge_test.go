package mqtt

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"

	meshtastic "buf.build/gen/go/meshtastic/protobufs/protocolbuffers/go/meshtastic"
)

func TestBridgeSurfacesPacketFromServiceEnvelope(t *testing.T) {
	b := NewBridge(&Client{rootTopic: "msh/EU_868"}, "LongFast", nil)
	out := b.out

	packet := &meshtastic.MeshPacket{From: 1, To: 2}
	envelope := &meshtastic.ServiceEnvelope{ChannelId: "LongFast", Packet: packet}
	payload, err := proto.Marshal(envelope)
	require.NoError(t, err)

	b.handleMessage(Message{Topic: "msh/EU_868/2/e/LongFast/!1", Payload: payload})

	select {
	case got := <-out:
		require.True(t, proto.Equal(packet, got.GetPacket()))
	case <-time.After(time.Second):
		t.Fatal("expected a decoded envelope")
	}
}

func TestBridgeIgnoresUnparsablePayload(t *testing.T) {
	b := NewBridge(&Client{rootTopic: "msh/EU_868"}, "LongFast", nil)
	b.handleMessage(Message{Topic: "msh/EU_868/2/e/LongFast/!1", Payload: []byte{0xff, 0xff, 0xff}})

	select {
	case <-b.out:
		t.Fatal("did not expect an envelope for unparsable payload")
	case <-time.After(50 * time.Millisecond):
	}
}
