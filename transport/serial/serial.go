// Package serial opens a radio's USB/UART serial port and configures it
// the way the Meshtastic firmware expects: a fixed baud rate with DTR
// asserted, RTS cleared, and software flow control enabled.
package serial

import (
	"fmt"
	"io"
	"sync"

	"go.bug.st/serial"

	"github.com/meshnet-go/meshclient/mesherr"
)

// DefaultBaudRate is the baud rate Meshtastic firmware's USB CDC serial
// port uses regardless of the configured physical UART speed.
const DefaultBaudRate = 115200

// XON and XOFF are the software flow control bytes a flowControlConn
// watches for and filters out of the stream.
const (
	xon  byte = 0x11
	xoff byte = 0x13
)

// Options configures how Connect opens a port. The zero value matches
// Meshtastic's defaults: 115200 baud, DTR asserted, RTS cleared,
// software flow control enabled.
type Options struct {
	BaudRate            int
	DTR                 bool
	RTS                 bool
	SoftwareFlowControl bool
}

// DefaultOptions returns the Meshtastic-standard serial configuration.
func DefaultOptions() Options {
	return Options{
		BaudRate:            DefaultBaudRate,
		DTR:                 true,
		RTS:                 false,
		SoftwareFlowControl: true,
	}
}

// Connect opens the named serial port with the given options (or
// DefaultOptions() if opts is the zero value) and returns it ready for
// use as a duplex byte stream. go.bug.st/serial has no native
// flow-control knob, so when SoftwareFlowControl is set the returned
// stream is wrapped to apply XON/XOFF flow control itself.
func Connect(port string, opts Options) (io.ReadWriteCloser, error) {
	if opts.BaudRate == 0 {
		opts = DefaultOptions()
	}

	p, err := serial.Open(port, &serial.Mode{BaudRate: opts.BaudRate})
	if err != nil {
		return nil, fmt.Errorf("%w: opening port %s: %w", mesherr.ErrTransportBuild, port, err)
	}

	if err := p.SetDTR(opts.DTR); err != nil {
		_ = p.Close()
		return nil, fmt.Errorf("%w: setting DTR on %s: %w", mesherr.ErrTransportBuild, port, err)
	}
	if err := p.SetRTS(opts.RTS); err != nil {
		_ = p.Close()
		return nil, fmt.Errorf("%w: setting RTS on %s: %w", mesherr.ErrTransportBuild, port, err)
	}

	if opts.SoftwareFlowControl {
		return newFlowControlConn(p), nil
	}
	return p, nil
}

// GetPorts lists the names of serial ports currently available on the host.
func GetPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("%w: listing ports: %w", mesherr.ErrTransportBuild, err)
	}
	return ports, nil
}

// flowControlConn layers XON/XOFF software flow control over a serial
// port: an inbound XOFF byte pauses writes until a subsequent XON
// arrives, and both control bytes are filtered out of what Read
// returns so the framer never sees them.
type flowControlConn struct {
	io.ReadWriteCloser

	mu     sync.Mutex
	paused bool
	resume chan struct{}
}

func newFlowControlConn(p io.ReadWriteCloser) *flowControlConn {
	return &flowControlConn{ReadWriteCloser: p, resume: make(chan struct{})}
}

func (c *flowControlConn) Read(buf []byte) (int, error) {
	n, err := c.ReadWriteCloser.Read(buf)
	if n == 0 {
		return n, err
	}

	out := buf[:0]
	for _, b := range buf[:n] {
		switch b {
		case xoff:
			c.setPaused(true)
		case xon:
			c.setPaused(false)
		default:
			out = append(out, b)
		}
	}
	return len(out), err
}

func (c *flowControlConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	for c.paused {
		resume := c.resume
		c.mu.Unlock()
		<-resume
		c.mu.Lock()
	}
	c.mu.Unlock()
	return c.ReadWriteCloser.Write(p)
}

func (c *flowControlConn) setPaused(paused bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if paused == c.paused {
		return
	}
	c.paused = paused
	if !paused {
		close(c.resume)
		c.resume = make(chan struct{})
	}
}
