// Package mesherr defines the error taxonomy shared by every package in
// this module: a set of sentinel values for errors.Is/errors.As checks.
// Call sites attach context by wrapping them with fmt.Errorf("%w: ...").
package mesherr

import "errors"

// Argument errors: the caller passed something the library rejects before
// touching any I/O.
var (
	// ErrInvalidChannel is returned when a MeshChannel value falls outside [0, 7].
	ErrInvalidChannel = errors.New("channel index out of range [0, 7]")

	// ErrInvalidDataSize is returned when an outbound payload is too large to
	// fit in the 16-bit length field of the wire header (>= 65536 bytes).
	ErrInvalidDataSize = errors.New("payload too large to frame (>= 65536 bytes)")

	// ErrShortPacketBuffer is returned when a buffer is too small to contain
	// the 4-byte wire header it claims to carry.
	ErrShortPacketBuffer = errors.New("packet buffer too short to hold a header")
)

// Transport-build errors: failures setting up a transport adapter.
var (
	ErrTransportBuild = errors.New("failed to build transport")
	ErrBLENotFound    = errors.New("no matching BLE peripheral found")
)

// Transport I/O errors: failures reading or writing an established transport.
var (
	ErrStreamRead     = errors.New("stream read failed")
	ErrStreamWrite    = errors.New("stream write failed")
	ErrEOF            = errors.New("stream reached EOF")
	ErrConnectionLost = errors.New("connection lost")
)

// Internal queue/session errors.
var (
	ErrChannelClosed = errors.New("internal channel closed unexpectedly")
	ErrEncode        = errors.New("failed to encode protobuf envelope")
	ErrDecode        = errors.New("failed to decode protobuf envelope")

	// ErrNotConfigured marks use of a session before configure() has
	// completed. No function in this module returns it: the typestate
	// types make that case unreachable through the public API.
	ErrNotConfigured = errors.New("session is not configured")

	// ErrDisconnected is returned by sends attempted after disconnect, once
	// the outbound queue sender has been dropped.
	ErrDisconnected = errors.New("session is disconnected")
)
