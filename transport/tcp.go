// Package transport presents serial, TCP, and BLE connections to a radio
// as a uniform duplex byte conduit (io.ReadWriteCloser) so the session
// package never needs to know which concrete transport it is driving.
package transport

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/meshnet-go/meshclient/mesherr"
)

// DefaultTCPConnectTimeout is how long DialTCP waits for the connection to
// establish before giving up.
const DefaultTCPConnectTimeout = 3 * time.Second

// DialTCP connects to a radio's TCP API port (addr is "host:port",
// typically "host:4403") with DefaultTCPConnectTimeout.
func DialTCP(ctx context.Context, addr string) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultTCPConnectTimeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: dialing %s: %w", mesherr.ErrTransportBuild, addr, err)
	}
	return conn, nil
}
