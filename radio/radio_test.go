package radio

import (
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"

	meshtastic "buf.build/gen/go/meshtastic/protobufs/protocolbuffers/go/meshtastic"
)

func TestChannelHashRejectsEmptyKey(t *testing.T) {
	_, err := ChannelHash("LongFast", nil)
	require.Error(t, err)
}

func TestChannelHashIsDeterministic(t *testing.T) {
	h1, err := ChannelHash("LongFast", DefaultKey)
	require.NoError(t, err)
	h2, err := ChannelHash("LongFast", DefaultKey)
	require.NoError(t, err)
	require.Equal(t, h1, h2)
}

func TestXORRoundTrips(t *testing.T) {
	plaintext := []byte("hello mesh network")
	ciphertext, err := XOR(plaintext, DefaultKey, 12345, 42)
	require.NoError(t, err)
	require.NotEqual(t, plaintext, ciphertext)

	roundTripped, err := XOR(ciphertext, DefaultKey, 12345, 42)
	require.NoError(t, err)
	require.Equal(t, plaintext, roundTripped)
}

func TestXORDifferentNoncesProduceDifferentCiphertext(t *testing.T) {
	plaintext := []byte("hello mesh network")
	c1, err := XOR(plaintext, DefaultKey, 1, 42)
	require.NoError(t, err)
	c2, err := XOR(plaintext, DefaultKey, 2, 42)
	require.NoError(t, err)
	require.NotEqual(t, c1, c2)
}

func TestTryDecodeReturnsDecodedPayloadUnchanged(t *testing.T) {
	data := &meshtastic.Data{Portnum: meshtastic.PortNum_TEXT_MESSAGE_APP, Payload: []byte("hi")}
	packet := &meshtastic.MeshPacket{PayloadVariant: &meshtastic.MeshPacket_Decoded{Decoded: data}}

	got, err := TryDecode(packet, DefaultKey)
	require.NoError(t, err)
	require.True(t, proto.Equal(data, got))
}

func TestTryDecodeDecryptsEncryptedPayload(t *testing.T) {
	data := &meshtastic.Data{Portnum: meshtastic.PortNum_TEXT_MESSAGE_APP, Payload: []byte("hi")}
	plaintext, err := proto.Marshal(data)
	require.NoError(t, err)

	ciphertext, err := XOR(plaintext, DefaultKey, 7, 99)
	require.NoError(t, err)

	packet := &meshtastic.MeshPacket{
		Id:             7,
		From:           99,
		PayloadVariant: &meshtastic.MeshPacket_Encrypted{Encrypted: ciphertext},
	}

	got, err := TryDecode(packet, DefaultKey)
	require.NoError(t, err)
	require.True(t, proto.Equal(data, got))
}
