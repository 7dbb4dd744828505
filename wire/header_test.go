package wire

import (
	"testing"

	"github.com/meshnet-go/meshclient/mesherr"
	"github.com/stretchr/testify/require"
)

func TestFormatHeaderEmptyPayload(t *testing.T) {
	out, err := FormatHeader(nil)
	require.NoError(t, err)
	require.Equal(t, EncodedToRadioPacketWithHeader{0x94, 0xc3, 0x00, 0x00}, out)
}

func TestFormatHeaderSmallPayload(t *testing.T) {
	out, err := FormatHeader(EncodedToRadioPacket{0x00, 0xff, 0x88})
	require.NoError(t, err)
	require.Equal(t, EncodedToRadioPacketWithHeader{0x94, 0xc3, 0x00, 0x03, 0x00, 0xff, 0x88}, out)
}

func TestFormatHeader256BytePayload(t *testing.T) {
	payload := make(EncodedToRadioPacket, 256)
	out, err := FormatHeader(payload)
	require.NoError(t, err)
	require.Equal(t, []byte{0x94, 0xc3, 0x01, 0x00}, []byte(out[:4]))
	require.Len(t, out, 260)
}

func TestFormatHeaderRejectsOversizePayload(t *testing.T) {
	payload := make(EncodedToRadioPacket, 65536)
	_, err := FormatHeader(payload)
	require.ErrorIs(t, err, mesherr.ErrInvalidDataSize)
}

func TestFormatThenStripHeaderRoundTrips(t *testing.T) {
	for _, n := range []int{0, 1, 3, 256, 65535} {
		payload := make(EncodedToRadioPacket, n)
		for i := range payload {
			payload[i] = byte(i)
		}
		framed, err := FormatHeader(payload)
		require.NoError(t, err)

		stripped, err := StripHeader(framed)
		require.NoError(t, err)
		require.Equal(t, []byte(payload), []byte(stripped))
	}
}

func TestStripHeaderRejectsShortBuffer(t *testing.T) {
	_, err := StripHeader(EncodedToRadioPacketWithHeader{0x94, 0xc3})
	require.ErrorIs(t, err, mesherr.ErrShortPacketBuffer)
}

func TestMeshChannelRange(t *testing.T) {
	for c := uint32(0); c <= 7; c++ {
		mc, err := NewMeshChannel(c)
		require.NoError(t, err)
		require.Equal(t, c, mc.Channel())
	}

	_, err := NewMeshChannel(8)
	require.ErrorIs(t, err, mesherr.ErrInvalidChannel)
}
