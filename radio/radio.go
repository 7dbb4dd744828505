// Package radio knows how to compute a channel's hash and decrypt a
// MeshPacket's encrypted payload with a caller-supplied channel key.
// It does not check whether that key is the publicly-known default PSK
// (DefaultKey); any key the caller passes is used as given.
package radio

import (
	"encoding/base64"
	"fmt"

	"github.com/charmbracelet/log"
	"google.golang.org/protobuf/proto"

	meshtastic "buf.build/gen/go/meshtastic/protobufs/protocolbuffers/go/meshtastic"

	"github.com/meshnet-go/meshclient/mesherr"
)

// DefaultKey is Meshtastic's well-known default channel PSK (the
// single byte 0x01, expanded to the AES-128 default), commonly
// referenced in client UIs as "AQ==".
var DefaultKey = []byte{0xd4, 0xf1, 0xbb, 0x3a, 0x20, 0x29, 0x07, 0x59, 0xf0, 0xbc, 0xff, 0xab, 0xcf, 0x4e, 0x69, 0x01}

// ParseKey converts the common representation of a channel key
// (URL-safe base64, as shown in a QR/URL channel share) to raw bytes.
func ParseKey(key string) ([]byte, error) {
	decoded, err := base64.URLEncoding.DecodeString(key)
	if err != nil {
		return nil, fmt.Errorf("%w: decoding channel key: %w", mesherr.ErrDecode, err)
	}
	return decoded, nil
}

func xorHash(p []byte) uint8 {
	var code uint8
	for _, b := range p {
		code ^= b
	}
	return code
}

// ChannelHash returns the single-byte hash the radio uses to route a
// packet to a channel, derived from the channel's name and PSK.
func ChannelHash(channelName string, channelKey []byte) (uint32, error) {
	if len(channelKey) == 0 {
		return 0, fmt.Errorf("%w: channel key cannot be empty", mesherr.ErrDecode)
	}
	h := xorHash([]byte(channelName))
	h ^= xorHash(channelKey)
	return uint32(h), nil
}

// TryDecode returns a MeshPacket's Data payload, decrypting it with key
// if it arrived Encrypted. A packet already Decoded is returned as-is.
func TryDecode(packet *meshtastic.MeshPacket, key []byte) (*meshtastic.Data, error) {
	switch packet.GetPayloadVariant().(type) {
	case *meshtastic.MeshPacket_Decoded:
		return packet.GetDecoded(), nil
	case *meshtastic.MeshPacket_Encrypted:
		plaintext, err := XOR(packet.GetEncrypted(), key, packet.GetId(), packet.GetFrom())
		if err != nil {
			log.Warnf("failed decrypting packet %d: %v", packet.GetId(), err)
			return nil, fmt.Errorf("%w: %w", mesherr.ErrDecode, err)
		}

		data := &meshtastic.Data{}
		if err := proto.Unmarshal(plaintext, data); err != nil {
			log.Warnf("failed to unmarshal decrypted Data payload: %v", err)
			return nil, fmt.Errorf("%w: unmarshalling decrypted data: %w", mesherr.ErrDecode, err)
		}
		return data, nil
	default:
		return nil, fmt.Errorf("%w: mesh packet has neither decoded nor encrypted payload", mesherr.ErrDecode)
	}
}
