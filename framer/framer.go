// Package framer implements the resynchronizing byte-framer that turns an
// arbitrary duplex byte stream into a sequence of decoded FromRadio
// envelopes. It tolerates partial reads, interleaved garbage, and
// malformed frames, and never blocks: Feed is a pure buffer transform.
//
// Wire format: [0x94][0xC3][len_msb][len_lsb][payload: len bytes], with
// len = (msb << 8) | lsb. There is no checksum; integrity is left to the
// underlying transport.
package framer

import (
	"github.com/charmbracelet/log"
	"google.golang.org/protobuf/proto"

	meshtastic "buf.build/gen/go/meshtastic/protobufs/protocolbuffers/go/meshtastic"

	"github.com/meshnet-go/meshclient/wire"
)

// FrameBuffer accumulates inbound bytes and extracts complete frames from
// them. It is not safe for concurrent use; the task fabric drives a
// single FrameBuffer from one goroutine (the frame processor).
type FrameBuffer struct {
	buf    []byte
	logger *log.Logger
}

// New creates an empty FrameBuffer. logger may be nil, in which case
// framing errors are silently recovered without being logged.
func New(logger *log.Logger) *FrameBuffer {
	return &FrameBuffer{logger: logger}
}

// Feed appends data to the internal buffer and extracts as many complete,
// well-formed frames as are currently available, returning their decoded
// envelopes in arrival order. All framing errors (missing magic,
// incomplete buffer, malformed frame, decode failure) are recovered
// locally; Feed never returns an error, matching the non-fatal framing
// error policy.
func (f *FrameBuffer) Feed(data wire.IncomingStreamData) []*meshtastic.FromRadio {
	f.buf = append(f.buf, data...)

	var out []*meshtastic.FromRadio
	for {
		if len(f.buf) < wire.HeaderSize {
			return out
		}

		idx, found := findMagic(f.buf, 0, len(f.buf))
		if !found {
			// No magic anywhere in a buffer of at least header size: none of
			// it can ever resolve to a valid frame start, so drop it all.
			f.logf("discarding %d bytes with no frame magic", len(f.buf))
			f.buf = f.buf[:0]
			return out
		}
		if idx > 0 {
			f.buf = f.buf[idx:]
		}
		if len(f.buf) < wire.HeaderSize {
			// Magic found right at the tail; await the rest of the header.
			return out
		}

		n := int(f.buf[2])<<8 | int(f.buf[3])
		total := wire.HeaderSize + n

		// Malformed-frame detection: scan for another magic occurrence
		// between the header and the declared end of payload. A match
		// there means this header's length can't be trusted, even before
		// the full frame has arrived (a badly wrong length would
		// otherwise stall forever waiting for bytes that will never
		// complete it). The scan stops exactly at total, never at or
		// past it: byte total is the legitimate start of the next frame
		// when this one decodes cleanly, and must never be mistaken for
		// corruption.
		scanEnd := total
		if len(f.buf) < total {
			scanEnd = len(f.buf)
		}
		if k, ok := findMagic(f.buf, wire.HeaderSize, scanEnd); ok {
			f.logf("dropping malformed frame, discarding %d bytes", k)
			f.buf = f.buf[k:]
			continue
		}

		if len(f.buf) < total {
			// Header is complete but the payload isn't; wait for more bytes.
			return out
		}

		payload := make([]byte, n)
		copy(payload, f.buf[wire.HeaderSize:total])
		f.buf = f.buf[total:]

		msg := new(meshtastic.FromRadio)
		if err := proto.Unmarshal(payload, msg); err != nil {
			f.logf("failed to decode frame payload: %v", err)
			continue
		}
		out = append(out, msg)
	}
}

func (f *FrameBuffer) logf(format string, args ...any) {
	if f.logger != nil {
		f.logger.Warnf(format, args...)
	}
}

// findMagic returns the index of the first two-byte occurrence of the
// frame magic within buf[start:], requiring the match to start before
// limit. It returns (0, false) if no match exists in that range.
func findMagic(buf []byte, start, limit int) (int, bool) {
	if limit > len(buf)-1 {
		limit = len(buf) - 1
	}
	for i := start; i < limit; i++ {
		if buf[i] == wire.Magic1 && buf[i+1] == wire.Magic2 {
			return i, true
		}
	}
	return 0, false
}
