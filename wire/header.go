package wire

import (
	"fmt"

	"github.com/meshnet-go/meshclient/mesherr"
)

// Magic1 and Magic2 are the two bytes that mark the start of every framed
// packet on the serial/TCP wire.
const (
	Magic1 byte = 0x94
	Magic2 byte = 0xc3

	// HeaderSize is the length in bytes of the wire header (magic + 2-byte
	// big-endian length).
	HeaderSize = 4

	// MaxPayloadSize is the largest payload representable by the 16-bit
	// length field (2^16 - 1). A payload of exactly 65536 or more is
	// rejected — the header can only express lengths up to 65535.
	MaxPayloadSize = 1<<16 - 1
)

// FormatHeader prepends the 4-byte wire header to data, returning the
// header-prefixed frame. Fails if len(data) would overflow the 16-bit
// length field.
func FormatHeader(data EncodedToRadioPacket) (EncodedToRadioPacketWithHeader, error) {
	n := len(data)
	if n > MaxPayloadSize {
		return nil, fmt.Errorf("%w: data_length=%d", mesherr.ErrInvalidDataSize, n)
	}

	out := make([]byte, HeaderSize+n)
	out[0] = Magic1
	out[1] = Magic2
	out[2] = byte((n >> 8) & 0xff)
	out[3] = byte(n & 0xff)
	copy(out[HeaderSize:], data)

	return out, nil
}

// StripHeader removes the 4-byte wire header from a framed packet,
// returning the encoded payload it carried. Fails if the buffer is too
// short to contain a header at all.
func StripHeader(framed EncodedToRadioPacketWithHeader) (EncodedToRadioPacket, error) {
	if len(framed) < HeaderSize {
		return nil, fmt.Errorf("%w: len=%d", mesherr.ErrShortPacketBuffer, len(framed))
	}
	out := make([]byte, len(framed)-HeaderSize)
	copy(out, framed[HeaderSize:])
	return out, nil
}
