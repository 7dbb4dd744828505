package session

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"

	meshtastic "buf.build/gen/go/meshtastic/protobufs/protocolbuffers/go/meshtastic"

	"github.com/meshnet-go/meshclient/wire"
)

type fakeRouter struct {
	id       wire.NodeID
	echoed   chan *meshtastic.MeshPacket
	fromRadi chan *meshtastic.FromRadio
}

func newFakeRouter(id wire.NodeID) *fakeRouter {
	return &fakeRouter{id: id, echoed: make(chan *meshtastic.MeshPacket, 8)}
}

func (f *fakeRouter) HandlePacketFromRadio(envelope *meshtastic.FromRadio) error {
	if f.fromRadi != nil {
		f.fromRadi <- envelope
	}
	return nil
}

func (f *fakeRouter) HandleMeshPacket(packet *meshtastic.MeshPacket) error {
	f.echoed <- packet
	return nil
}

func (f *fakeRouter) SourceNodeID() wire.NodeID { return f.id }

func writeFramed(t *testing.T, conn net.Conn, msg *meshtastic.FromRadio) {
	t.Helper()
	payload, err := proto.Marshal(msg)
	require.NoError(t, err)
	framed, err := wire.FormatHeader(wire.EncodedToRadioPacket(payload))
	require.NoError(t, err)
	_, err = conn.Write(framed)
	require.NoError(t, err)
}

func readFramedToRadio(t *testing.T, conn net.Conn) *meshtastic.ToRadio {
	t.Helper()
	header := make([]byte, wire.HeaderSize)
	_, err := io.ReadFull(conn, header)
	require.NoError(t, err)
	n := int(header[2])<<8 | int(header[3])
	payload := make([]byte, n)
	if n > 0 {
		_, err = io.ReadFull(conn, payload)
		require.NoError(t, err)
	}
	msg := &meshtastic.ToRadio{}
	require.NoError(t, proto.Unmarshal(payload, msg))
	return msg
}

func recvWithTimeout(t *testing.T, ch <-chan *meshtastic.FromRadio) *meshtastic.FromRadio {
	t.Helper()
	select {
	case env := <-ch:
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for decoded envelope")
		return nil
	}
}

func TestConnectConfigureReceivesConfigBurstThenDisconnects(t *testing.T) {
	clientConn, radioConn := net.Pipe()

	radioDone := make(chan struct{})
	go func() {
		defer close(radioDone)
		msg := readFramedToRadio(t, radioConn)
		_, ok := msg.PayloadVariant.(*meshtastic.ToRadio_WantConfigId)
		require.True(t, ok)

		writeFramed(t, radioConn, &meshtastic.FromRadio{
			PayloadVariant: &meshtastic.FromRadio_MyInfo{MyInfo: &meshtastic.MyNodeInfo{MyNodeNum: 42}},
		})
		writeFramed(t, radioConn, &meshtastic.FromRadio{
			PayloadVariant: &meshtastic.FromRadio_ConfigCompleteId{ConfigCompleteId: 99},
		})
	}()

	s := New(newFakeRouter(42), nil)
	decoded, connected := s.Connect(context.Background(), clientConn)

	configured, err := connected.Configure(context.Background(), 99)
	require.NoError(t, err)

	first := recvWithTimeout(t, decoded)
	require.IsType(t, &meshtastic.FromRadio_MyInfo{}, first.PayloadVariant)

	second := recvWithTimeout(t, decoded)
	require.IsType(t, &meshtastic.FromRadio_ConfigCompleteId{}, second.PayloadVariant)
	require.Equal(t, uint32(99), second.GetConfigCompleteId())

	<-radioDone

	// Disconnect before the radio side hangs up: a peer close seen first
	// by the read pump is a fatal EOF, which Disconnect would return.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, configured.Disconnect(ctx))
	require.NoError(t, radioConn.Close())

	_, ok := <-decoded
	require.False(t, ok, "decoded channel should be closed after disconnect")
}

func TestSendTextEchoesToRouter(t *testing.T) {
	clientConn, radioConn := net.Pipe()
	defer radioConn.Close()

	router := newFakeRouter(7)
	s := New(router, nil)
	_, connected := s.Connect(context.Background(), clientConn)
	configured, err := connected.Configure(context.Background(), 1)
	require.NoError(t, err)

	// Drain the WantConfigId and text frames; this test does not inspect them.
	go func() {
		_ = readFramedToRadio(t, radioConn)
		_ = readFramedToRadio(t, radioConn)
	}()

	require.NoError(t, configured.SendText(context.Background(), "hello mesh", Broadcast(), wire.MeshChannel{}, true))

	select {
	case packet := <-router.echoed:
		require.Equal(t, wire.BroadcastNodeID.Uint32(), packet.To)
		require.Equal(t, uint32(7), packet.From)
		require.Equal(t, "hello mesh", string(packet.GetDecoded().GetPayload()))
	case <-time.After(2 * time.Second):
		t.Fatal("expected router echo-back before the timeout")
	}
}

func TestPacketDestinationResolution(t *testing.T) {
	router := newFakeRouter(100)

	require.Equal(t, uint32(100), Local().resolve(router))
	require.Equal(t, wire.BroadcastNodeID.Uint32(), Broadcast().resolve(router))
	require.Equal(t, uint32(55), ToNode(wire.NodeID(55)).resolve(router))
}
