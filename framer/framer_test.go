package framer

import (
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"

	meshtastic "buf.build/gen/go/meshtastic/protobufs/protocolbuffers/go/meshtastic"

	"github.com/meshnet-go/meshclient/wire"
)

func encodeFrame(t *testing.T, msg *meshtastic.FromRadio) []byte {
	t.Helper()
	payload, err := proto.Marshal(msg)
	require.NoError(t, err)
	framed, err := wire.FormatHeader(wire.EncodedToRadioPacket(payload))
	require.NoError(t, err)
	return framed
}

func TestFeedSingleCompletePacket(t *testing.T) {
	msg := &meshtastic.FromRadio{PayloadVariant: &meshtastic.FromRadio_Rebooted{Rebooted: true}}
	fb := New(nil)

	out := fb.Feed(encodeFrame(t, msg))
	require.Len(t, out, 1)
	require.True(t, proto.Equal(msg, out[0]))
	require.Empty(t, fb.buf)
}

func TestFeedIncompletePacketAtEnd(t *testing.T) {
	msg := &meshtastic.FromRadio{PayloadVariant: &meshtastic.FromRadio_Rebooted{Rebooted: true}}
	framed := encodeFrame(t, msg)

	fb := New(nil)
	out := fb.Feed(framed[:len(framed)-2])
	require.Empty(t, out)
	require.NotEmpty(t, fb.buf)

	out = fb.Feed(framed[len(framed)-2:])
	require.Len(t, out, 1)
	require.True(t, proto.Equal(msg, out[0]))
}

func TestFeedMultipleCompletePackets(t *testing.T) {
	msg1 := &meshtastic.FromRadio{PayloadVariant: &meshtastic.FromRadio_Rebooted{Rebooted: true}}
	msg2 := &meshtastic.FromRadio{PayloadVariant: &meshtastic.FromRadio_ConfigCompleteId{ConfigCompleteId: 42}}

	var combined []byte
	combined = append(combined, encodeFrame(t, msg1)...)
	combined = append(combined, encodeFrame(t, msg2)...)

	fb := New(nil)
	out := fb.Feed(combined)
	require.Len(t, out, 2)
	require.True(t, proto.Equal(msg1, out[0]))
	require.True(t, proto.Equal(msg2, out[1]))
}

func TestFeedChunkedAcrossTwoWrites(t *testing.T) {
	msg := &meshtastic.FromRadio{PayloadVariant: &meshtastic.FromRadio_ConfigCompleteId{ConfigCompleteId: 123456}}
	framed := encodeFrame(t, msg)
	require.Greater(t, len(framed), 6)

	fb := New(nil)
	out := fb.Feed(framed[:6])
	require.Empty(t, out)

	out = fb.Feed(framed[6:])
	require.Len(t, out, 1)
	require.True(t, proto.Equal(msg, out[0]))
}

func TestFeedGarbageFalseStartsThenValidFrame(t *testing.T) {
	msg := &meshtastic.FromRadio{PayloadVariant: &meshtastic.FromRadio_ConfigCompleteId{ConfigCompleteId: 99}}
	garbage := []byte{0x94, 0x00, 0x94, 0x94, 0x00}

	var combined []byte
	combined = append(combined, garbage...)
	combined = append(combined, encodeFrame(t, msg)...)

	fb := New(nil)
	out := fb.Feed(combined)
	require.Len(t, out, 1)
	require.True(t, proto.Equal(msg, out[0]))
	require.Empty(t, fb.buf)
}

func TestFeedBufferEndingWithFalseStartRetainsTrailingByte(t *testing.T) {
	fb := New(nil)
	out := fb.Feed([]byte{0x94})
	require.Empty(t, out)
	require.Equal(t, []byte{0x94}, fb.buf)
}

func TestFeedClearsBufferOnInvalidPacketStart(t *testing.T) {
	fb := New(nil)
	out := fb.Feed([]byte{0x01, 0x02, 0x03, 0x04, 0x05})
	require.Empty(t, out)
	require.Empty(t, fb.buf)
}

func TestFeedMalformedFrameRecoversToNextValidFrame(t *testing.T) {
	msg := &meshtastic.FromRadio{PayloadVariant: &meshtastic.FromRadio_ConfigCompleteId{ConfigCompleteId: 5}}
	validFrame := encodeFrame(t, msg)

	// Claims a 100-byte payload but only carries a handful of bytes, one of
	// which is itself the start of a real frame.
	malformedHeader := []byte{0x94, 0xc3, 0x00, 100}
	malformed := append(malformedHeader, []byte{0x01, 0x02, 0x03}...)
	malformed = append(malformed, validFrame...)

	fb := New(nil)
	out := fb.Feed(malformed)
	require.Len(t, out, 1)
	require.True(t, proto.Equal(msg, out[0]))
}

func TestFeedZeroLengthPayload(t *testing.T) {
	fb := New(nil)
	out := fb.Feed([]byte{0x94, 0xc3, 0x00, 0x00})
	require.Len(t, out, 1)
	require.Nil(t, out[0].PayloadVariant)
}

func TestFeedLargePacketSpanningMultipleChunks(t *testing.T) {
	payload := make([]byte, 4000)
	for i := range payload {
		payload[i] = 'a' + byte(i%26)
	}
	msg := &meshtastic.FromRadio{PayloadVariant: &meshtastic.FromRadio_Rebooted{Rebooted: true}}
	framed := encodeFrame(t, msg)
	// Pad out a large logical packet by wrapping a big LogRecord instead so
	// the declared length actually exceeds a single small chunk.
	big := &meshtastic.FromRadio{PayloadVariant: &meshtastic.FromRadio_LogRecord{
		LogRecord: &meshtastic.LogRecord{Message: string(payload)},
	}}
	bigFramed := encodeFrame(t, big)

	fb := New(nil)
	var out []*meshtastic.FromRadio
	for i := 0; i < len(bigFramed); i += 37 {
		end := i + 37
		if end > len(bigFramed) {
			end = len(bigFramed)
		}
		out = append(out, fb.Feed(bigFramed[i:end])...)
	}
	out = append(out, fb.Feed(framed)...)

	require.Len(t, out, 2)
	require.True(t, proto.Equal(big, out[0]))
	require.True(t, proto.Equal(msg, out[1]))
}
