// Package session drives the bidirectional stream engine that talks to
// a radio over any duplex byte transport: a read pump, a frame
// processor, a write pump, and a heartbeat, coordinated by one
// cancellation context. A typestate pair (ConnectedSession,
// ConfiguredSession) governs what the caller can do at each point in
// the lifecycle — only a ConnectedSession can be configured, and only a
// ConfiguredSession exposes the high-level send operations and
// disconnect.
package session

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"
	"google.golang.org/protobuf/proto"

	meshtastic "buf.build/gen/go/meshtastic/protobufs/protocolbuffers/go/meshtastic"

	"github.com/meshnet-go/meshclient/framer"
	"github.com/meshnet-go/meshclient/mesherr"
	"github.com/meshnet-go/meshclient/wire"
)

// HeartbeatInterval is how often the heartbeat task enqueues an empty
// envelope to keep a serial link from idling out. Kept comfortably
// under the conventional 5-minute ceiling rather than tied to any
// specific radio's serial timeout, since that value isn't something
// this library can discover at runtime.
const HeartbeatInterval = 4 * time.Minute

// readChunkSize is the read pump's per-call read size.
const readChunkSize = 1024

// outboundQueueSize approximates the spec's "unbounded" outbound queue
// with a generously sized buffer. The radio's airtime, not local
// memory, is the real bottleneck here, so a literal unbounded queue
// (which Go has no channel primitive for, short of a hand-rolled
// linked list) buys nothing a large buffer doesn't already give.
const outboundQueueSize = 256

// Session is the entry point: Disconnected state, holding only the
// router and logger it will hand to whatever it connects.
type Session struct {
	router PacketRouter
	logger *log.Logger
}

// New creates a Disconnected session. logger may be nil, in which case
// a package-default logger is used.
func New(router PacketRouter, logger *log.Logger) *Session {
	if logger == nil {
		logger = log.Default()
	}
	return &Session{router: router, logger: logger}
}

// core holds everything shared between a ConnectedSession and the
// ConfiguredSession it transitions into.
type core struct {
	router PacketRouter
	logger *log.Logger

	stream   io.ReadWriteCloser
	outbound *outboundQueue

	cancel   context.CancelFunc
	eg       *errgroup.Group
	joinDone chan struct{}
	joinErr  error
	joinOnce sync.Once
}

// ConnectedSession is a session with its task fabric running, not yet
// configured. Only send_raw/send_to_radio_packet and Configure are
// available.
type ConnectedSession struct {
	*core
}

// ConfiguredSession is a session that has sent WantConfigId. The
// high-level send operations and Disconnect become available here.
type ConfiguredSession struct {
	*core
}

// Connect spawns the four-task fabric over stream and returns the
// channel of decoded inbound envelopes together with the resulting
// ConnectedSession. The channel closes when the session is
// disconnected or a pump fails fatally.
func (s *Session) Connect(ctx context.Context, stream io.ReadWriteCloser) (<-chan *meshtastic.FromRadio, *ConnectedSession) {
	ctx, cancel := context.WithCancel(ctx)
	eg, egCtx := errgroup.WithContext(ctx)

	c := &core{
		router:   s.router,
		logger:   s.logger,
		stream:   stream,
		outbound: newOutboundQueue(outboundQueueSize),
		cancel:   cancel,
		eg:       eg,
		joinDone: make(chan struct{}),
	}

	inbound := make(chan wire.IncomingStreamData)
	decoded := make(chan *meshtastic.FromRadio)

	eg.Go(func() error { return c.readPump(egCtx, inbound) })
	eg.Go(func() error { return c.frameProcessor(egCtx, inbound, decoded) })
	eg.Go(func() error { return c.writePump(egCtx) })
	eg.Go(func() error { return c.heartbeat(egCtx) })

	go func() {
		err := eg.Wait()
		c.joinErr = err
		close(decoded)
		close(c.joinDone)
	}()

	return decoded, &ConnectedSession{core: c}
}

// readPump loops reading up to readChunkSize bytes from the transport
// and forwards nonempty reads onto inbound. Fatal on I/O error.
func (c *core) readPump(ctx context.Context, inbound chan<- wire.IncomingStreamData) error {
	buf := make([]byte, readChunkSize)
	for {
		n, err := c.stream.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case inbound <- chunk:
			case <-ctx.Done():
				return nil
			}
		}
		if err != nil {
			if err == io.EOF {
				return fmt.Errorf("%w", mesherr.ErrEOF)
			}
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("%w: %w", mesherr.ErrStreamRead, err)
			}
		}
		if n == 0 && err == nil {
			c.logger.Warn("read pump: zero-length read, retrying")
		}
	}
}

// frameProcessor drives the framer over bytes arriving on inbound and
// forwards decoded envelopes to decoded.
func (c *core) frameProcessor(ctx context.Context, inbound <-chan wire.IncomingStreamData, decoded chan<- *meshtastic.FromRadio) error {
	fb := framer.New(c.logger)
	for {
		select {
		case <-ctx.Done():
			return nil
		case data, ok := <-inbound:
			if !ok {
				return nil
			}
			for _, envelope := range fb.Feed(data) {
				select {
				case decoded <- envelope:
				case <-ctx.Done():
					return nil
				}
			}
		}
	}
}

// writePump drains the outbound queue and writes each framed packet to
// the transport. Fatal on I/O error; exits cleanly when the context is
// cancelled (the queue's channel is never closed).
func (c *core) writePump(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case frame := <-c.outbound.ch:
			if _, err := c.stream.Write(frame); err != nil {
				return fmt.Errorf("%w: %w", mesherr.ErrStreamWrite, err)
			}
		}
	}
}

// heartbeat periodically enqueues an empty Heartbeat envelope.
func (c *core) heartbeat(ctx context.Context) error {
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			msg := &meshtastic.ToRadio{
				PayloadVariant: &meshtastic.ToRadio_Heartbeat{Heartbeat: &meshtastic.Heartbeat{}},
			}
			if err := c.sendToRadio(ctx, msg); err != nil {
				c.logger.Warn("heartbeat: failed to enqueue", "err", err)
			}
		}
	}
}

// sendRaw prepends the wire header to an already-encoded outer envelope
// and enqueues it on the outbound queue.
func (c *core) sendRaw(ctx context.Context, data wire.EncodedToRadioPacket) error {
	framed, err := wire.FormatHeader(data)
	if err != nil {
		return err
	}
	return c.outbound.send(ctx, framed)
}

func (c *core) sendToRadio(ctx context.Context, msg *meshtastic.ToRadio) error {
	payload, err := proto.Marshal(msg)
	if err != nil {
		return fmt.Errorf("%w: %w", mesherr.ErrEncode, err)
	}
	return c.sendRaw(ctx, payload)
}

func (c *core) sendToRadioPacket(ctx context.Context, packet *meshtastic.MeshPacket) error {
	return c.sendToRadio(ctx, &meshtastic.ToRadio{
		PayloadVariant: &meshtastic.ToRadio_Packet{Packet: packet},
	})
}

// Configure sends WantConfigId(nonce) and transitions to Configured.
// The ConnectedSession must not be used after this call.
func (c *ConnectedSession) Configure(ctx context.Context, nonce uint32) (*ConfiguredSession, error) {
	msg := &meshtastic.ToRadio{
		PayloadVariant: &meshtastic.ToRadio_WantConfigId{WantConfigId: nonce},
	}
	if err := c.sendToRadio(ctx, msg); err != nil {
		return nil, fmt.Errorf("sending want config: %w", err)
	}
	return &ConfiguredSession{core: c.core}, nil
}

// SendRaw exposes the low-level raw send, available before configuration
// completes to support the WantConfigId handshake.
func (c *ConnectedSession) SendRaw(ctx context.Context, data wire.EncodedToRadioPacket) error {
	return c.sendRaw(ctx, data)
}

// SendToRadioPacket exposes the low-level packet send, available before
// configuration completes.
func (c *ConnectedSession) SendToRadioPacket(ctx context.Context, packet *meshtastic.MeshPacket) error {
	return c.sendToRadioPacket(ctx, packet)
}

// SendRaw exposes the low-level raw send. Available on a ConfiguredSession
// too, since spec raw sends aren't gated on configuration having completed.
func (c *ConfiguredSession) SendRaw(ctx context.Context, data wire.EncodedToRadioPacket) error {
	return c.sendRaw(ctx, data)
}

// SendToRadioPacket exposes the low-level packet send.
func (c *ConfiguredSession) SendToRadioPacket(ctx context.Context, packet *meshtastic.MeshPacket) error {
	return c.sendToRadioPacket(ctx, packet)
}

// Disconnect cancels the task fabric, closes the outbound queue, closes
// the underlying transport (to unblock a pending read), and waits for
// all tasks to exit, returning the first fatal error any of them hit.
func (c *ConfiguredSession) Disconnect(ctx context.Context) error {
	c.cancel()
	c.outbound.close()
	closeErr := c.stream.Close()

	select {
	case <-c.joinDone:
	case <-ctx.Done():
		return ctx.Err()
	}

	if c.joinErr != nil {
		return c.joinErr
	}
	return closeErr
}

// outboundQueue is a buffered channel guarded by a closed flag. The
// channel itself is never closed — only the write pump's context
// cancellation retires it — so a send racing a disconnect can never
// panic on a closed channel; it just gets turned away by the flag or
// quietly dropped into a queue nothing will ever drain again.
type outboundQueue struct {
	mu     sync.Mutex
	ch     chan wire.EncodedToRadioPacketWithHeader
	closed bool
}

func newOutboundQueue(size int) *outboundQueue {
	return &outboundQueue{ch: make(chan wire.EncodedToRadioPacketWithHeader, size)}
}

func (q *outboundQueue) send(ctx context.Context, frame wire.EncodedToRadioPacketWithHeader) error {
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return mesherr.ErrDisconnected
	}

	select {
	case q.ch <- frame:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *outboundQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
}
