package radio

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"fmt"
)

// XOR decrypts (or, symmetrically, encrypts) a MeshPacket's payload
// with AES-128/256-CTR, using the radio's nonce construction: a 16-byte
// counter block built from the packet id (bytes 0-7, little-endian,
// upper 4 bytes always zero) and the sending node id (bytes 8-11,
// little-endian; bytes 12-15 are a reserved extra-nonce, always zero).
// There is no separate IV on the wire — the packet id and sender
// already make every packet's nonce unique.
func XOR(data []byte, key []byte, packetID uint32, fromNode uint32) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("constructing AES cipher: %w", err)
	}

	var nonce [aes.BlockSize]byte
	binary.LittleEndian.PutUint32(nonce[0:4], packetID)
	binary.LittleEndian.PutUint32(nonce[8:12], fromNode)

	out := make([]byte, len(data))
	cipher.NewCTR(block, nonce[:]).XORKeyStream(out, data)
	return out, nil
}
