package emulated

import (
	"fmt"
	"io"

	"google.golang.org/protobuf/proto"

	meshtastic "buf.build/gen/go/meshtastic/protobufs/protocolbuffers/go/meshtastic"

	"github.com/meshnet-go/meshclient/mesherr"
	"github.com/meshnet-go/meshclient/wire"
)

// readToRadio blocks until it has read one complete ToRadio frame from
// r. The simulator's client connections are always either an in-memory
// net.Pipe or a loopback TCP socket, so unlike the framer this doesn't
// need to resynchronize on garbage — it trusts the header it reads.
func readToRadio(r io.Reader) (*meshtastic.ToRadio, error) {
	header := make([]byte, wire.HeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("%w: reading frame header: %w", mesherr.ErrStreamRead, err)
	}
	if header[0] != wire.Magic1 || header[1] != wire.Magic2 {
		return nil, fmt.Errorf("%w: bad frame magic", mesherr.ErrDecode)
	}
	n := int(header[2])<<8 | int(header[3])
	payload := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, fmt.Errorf("%w: reading frame payload: %w", mesherr.ErrStreamRead, err)
		}
	}

	msg := &meshtastic.ToRadio{}
	if err := proto.Unmarshal(payload, msg); err != nil {
		return nil, fmt.Errorf("%w: %w", mesherr.ErrDecode, err)
	}
	return msg, nil
}

// writeFromRadio frames and writes a single FromRadio envelope to w.
func writeFromRadio(w io.Writer, msg *meshtastic.FromRadio) error {
	payload, err := proto.Marshal(msg)
	if err != nil {
		return fmt.Errorf("%w: %w", mesherr.ErrEncode, err)
	}
	framed, err := wire.FormatHeader(wire.EncodedToRadioPacket(payload))
	if err != nil {
		return err
	}
	if _, err := w.Write(framed); err != nil {
		return fmt.Errorf("%w: %w", mesherr.ErrStreamWrite, err)
	}
	return nil
}
