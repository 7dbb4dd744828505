// Package ble adapts a Meshtastic BLE GATT peripheral into the same
// io.ReadWriteCloser shape the serial and TCP transports present,
// reifying a byte stream on top of a connect/notify/poll protocol that
// has no native stream abstraction.
//
// The adapter subscribes to FROMNUM notifications; each notification
// means the radio has queued bytes. On every notification (and once at
// connect time) the adapter polls FROMRADIO repeatedly, concatenating
// whatever it reads into an inbound buffer, until a read returns zero
// bytes. Writes go to TORADIO with the 4-byte wire header stripped,
// since BLE is already message-framed by GATT and the header would be
// redundant.
package ble

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"

	"github.com/meshnet-go/meshclient/mesherr"
	"github.com/meshnet-go/meshclient/wire"
)

// Service and characteristic UUIDs for the Meshtastic BLE API.
var (
	ServiceUUID   = mustParseUUID("6ba1b218-15a8-461f-9fa8-5dcae273eafd")
	ToRadioUUID   = mustParseUUID("f75c76d2-129e-4dad-a1dd-7866124401e7")
	FromRadioUUID = mustParseUUID("2c55e69e-4993-11ed-b878-0242ac120002")
	FromNumUUID   = mustParseUUID("ed9da18c-a800-4f66-a670-aa7547e34453")
)

func mustParseUUID(s string) bluetooth.UUID {
	u, err := bluetooth.ParseUUID(s)
	if err != nil {
		panic(fmt.Sprintf("ble: invalid UUID literal %q: %v", s, err))
	}
	return u
}

// fromRadioReadSize is the chunk size used to drain FROMRADIO; it is
// larger than any single Meshtastic frame to minimize round trips.
const fromRadioReadSize = 512

// Conn is a Meshtastic BLE connection presented as an io.ReadWriteCloser.
type Conn struct {
	adapter *bluetooth.Adapter
	device  bluetooth.Device

	toRadio   bluetooth.DeviceCharacteristic
	fromRadio bluetooth.DeviceCharacteristic
	fromNum   bluetooth.DeviceCharacteristic

	mu         sync.Mutex
	inbound    bytes.Buffer
	readReady  chan struct{}
	closed     chan struct{}
	closeOnce  sync.Once
	disconnect chan struct{}
}

// Connect scans for a peripheral advertising nameOrAddr (matched against
// its local name, falling back to an exact address match) that exposes
// the Meshtastic BLE service, connects to it, and binds TORADIO,
// FROMRADIO, and FROMNUM.
func Connect(ctx context.Context, nameOrAddr string) (*Conn, error) {
	adapter := bluetooth.DefaultAdapter
	if err := adapter.Enable(); err != nil {
		return nil, fmt.Errorf("%w: enabling BLE adapter: %w", mesherr.ErrTransportBuild, err)
	}

	found := make(chan bluetooth.ScanResult, 1)
	go func() {
		_ = adapter.Scan(func(a *bluetooth.Adapter, result bluetooth.ScanResult) {
			if result.LocalName() == nameOrAddr || result.Address.String() == nameOrAddr {
				_ = a.StopScan()
				select {
				case found <- result:
				default:
				}
			}
		})
	}()

	var result bluetooth.ScanResult
	select {
	case result = <-found:
	case <-ctx.Done():
		_ = adapter.StopScan()
		return nil, fmt.Errorf("%w: %w", mesherr.ErrBLENotFound, ctx.Err())
	}

	device, err := adapter.Connect(result.Address, bluetooth.ConnectionParams{})
	if err != nil {
		return nil, fmt.Errorf("%w: connecting to %s: %w", mesherr.ErrTransportBuild, nameOrAddr, err)
	}

	services, err := device.DiscoverServices([]bluetooth.UUID{ServiceUUID})
	if err != nil || len(services) == 0 {
		_ = device.Disconnect()
		return nil, fmt.Errorf("%w: discovering meshtastic service: %w", mesherr.ErrTransportBuild, err)
	}

	chars, err := services[0].DiscoverCharacteristics([]bluetooth.UUID{ToRadioUUID, FromRadioUUID, FromNumUUID})
	if err != nil || len(chars) != 3 {
		_ = device.Disconnect()
		return nil, fmt.Errorf("%w: discovering meshtastic characteristics: %w", mesherr.ErrTransportBuild, err)
	}

	c := &Conn{
		adapter:    adapter,
		device:     device,
		readReady:  make(chan struct{}, 1),
		closed:     make(chan struct{}),
		disconnect: make(chan struct{}),
	}
	for _, ch := range chars {
		switch ch.UUID() {
		case ToRadioUUID:
			c.toRadio = ch
		case FromRadioUUID:
			c.fromRadio = ch
		case FromNumUUID:
			c.fromNum = ch
		}
	}

	if err := c.fromNum.EnableNotifications(func(buf []byte) {
		c.pollFromRadio()
	}); err != nil {
		_ = device.Disconnect()
		return nil, fmt.Errorf("%w: subscribing to FROMNUM: %w", mesherr.ErrTransportBuild, err)
	}

	// Drain anything already queued on the radio before the first notification.
	c.pollFromRadio()

	return c, nil
}

// pollFromRadio drains FROMRADIO until a read returns no bytes, appending
// everything it collects to the inbound buffer. Draining fully here is
// what prevents frames from being starved between notifications.
func (c *Conn) pollFromRadio() {
	buf := make([]byte, fromRadioReadSize)
	for {
		n, err := c.fromRadio.Read(buf)
		if err != nil || n == 0 {
			return
		}

		c.mu.Lock()
		c.inbound.Write(buf[:n])
		c.mu.Unlock()

		select {
		case c.readReady <- struct{}{}:
		default:
		}
	}
}

// Read implements io.Reader, blocking until bytes are available or the
// connection is closed.
func (c *Conn) Read(p []byte) (int, error) {
	for {
		c.mu.Lock()
		if c.inbound.Len() > 0 {
			n, _ := c.inbound.Read(p)
			c.mu.Unlock()
			return n, nil
		}
		c.mu.Unlock()

		select {
		case <-c.readReady:
			continue
		case <-c.closed:
			return 0, io.EOF
		case <-time.After(time.Second):
			// Re-poll periodically in case a notification was missed; BLE
			// stacks can coalesce notifications under load.
			c.pollFromRadio()
		}
	}
}

// Write implements io.Writer. It strips the 4-byte wire header (BLE is
// already message-framed by GATT) before writing to TORADIO with
// response, per spec: an acked write confirms the central accepted the
// packet before the call returns.
func (c *Conn) Write(p []byte) (int, error) {
	payload, err := wire.StripHeader(wire.EncodedToRadioPacketWithHeader(p))
	if err != nil {
		return 0, err
	}
	if _, err := c.toRadio.Write(payload); err != nil {
		return 0, fmt.Errorf("%w: writing TORADIO: %w", mesherr.ErrStreamWrite, err)
	}
	return len(p), nil
}

// Close disconnects from the peripheral.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return c.device.Disconnect()
}
