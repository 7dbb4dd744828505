// Package emulated provides a simulated Meshtastic radio: something
// that speaks the same wire protocol a real device would over a TCP or
// in-memory connection, backed by an MQTT channel instead of an actual
// LoRa interface. It exists to let the session package, and anything
// built on it, be exercised without hardware.
package emulated

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"
	"google.golang.org/protobuf/proto"

	meshtastic "buf.build/gen/go/meshtastic/protobufs/protocolbuffers/go/meshtastic"

	"github.com/meshnet-go/meshclient/mqtt"
	"github.com/meshnet-go/meshclient/radio"
	"github.com/meshnet-go/meshclient/wire"
)

// MinAppVersion is the minimum app version the simulator reports in MyInfo.
const MinAppVersion = 30200

// Config configures a simulated Radio.
type Config struct {
	MQTTClient *mqtt.Client

	NodeID    wire.NodeID
	LongName  string
	ShortName string

	// Channels is the set of channels the radio listens and transmits
	// on. The first is the primary channel, used for broadcasting
	// NodeInfo and Position.
	Channels *meshtastic.ChannelSet

	// BroadcastNodeInfoInterval, if nonzero, periodically broadcasts a
	// NodeInfo on the primary channel.
	BroadcastNodeInfoInterval time.Duration
	// BroadcastPositionInterval, if nonzero, periodically broadcasts a
	// Position on the primary channel.
	BroadcastPositionInterval time.Duration
	PositionLatitudeI         int32
	PositionLongitudeI        int32
	PositionAltitude          int32

	// TCPListenAddr, if set, exposes the simulator's client API over TCP.
	TCPListenAddr string
}

func (c *Config) validate() error {
	if c.MQTTClient == nil {
		return fmt.Errorf("MQTTClient is required")
	}
	if c.NodeID == 0 {
		return fmt.Errorf("NodeID is required")
	}
	if c.LongName == "" {
		c.LongName = c.NodeID.DefaultLongName()
	}
	if c.ShortName == "" {
		c.ShortName = c.NodeID.DefaultShortName()
	}
	if c.Channels == nil || len(c.Channels.GetSettings()) == 0 {
		return fmt.Errorf("at least one channel is required")
	}
	return nil
}

// Radio is a simulated Meshtastic node, bridging its MQTT-visible
// channel traffic to the client-facing stream protocol.
type Radio struct {
	cfg    Config
	mqtt   *mqtt.Client
	logger *log.Logger

	mu                   sync.Mutex
	fromRadioSubscribers map[chan<- *meshtastic.FromRadio]struct{}
	nodeDB               map[uint32]*meshtastic.NodeInfo
	packetID             uint32
}

// NewRadio creates a simulated radio from cfg.
func NewRadio(cfg Config) (*Radio, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &Radio{
		cfg:                  cfg,
		logger:               log.With("radio", cfg.NodeID.String()),
		fromRadioSubscribers: map[chan<- *meshtastic.FromRadio]struct{}{},
		mqtt:                 cfg.MQTTClient,
		nodeDB:               map[uint32]*meshtastic.NodeInfo{},
	}, nil
}

// Run starts the radio: connects to MQTT, subscribes to every
// configured channel, and (if configured) starts broadcasting and
// listening for TCP client connections. It blocks until ctx is cancelled.
func (r *Radio) Run(ctx context.Context) error {
	if err := r.mqtt.Connect(); err != nil {
		return fmt.Errorf("connecting to mqtt: %w", err)
	}

	for _, ch := range r.cfg.Channels.GetSettings() {
		r.logger.Debug("subscribing to mqtt for channel", "channel", ch.GetName())
		r.mqtt.Handle(ch.GetName(), r.handleMQTTMessage)
	}

	eg, egCtx := errgroup.WithContext(ctx)

	if r.cfg.BroadcastNodeInfoInterval > 0 {
		eg.Go(func() error { return r.broadcastLoop(egCtx, r.cfg.BroadcastNodeInfoInterval, r.broadcastNodeInfo) })
	}
	if r.cfg.BroadcastPositionInterval > 0 {
		eg.Go(func() error { return r.broadcastLoop(egCtx, r.cfg.BroadcastPositionInterval, r.broadcastPosition) })
	}
	if r.cfg.TCPListenAddr != "" {
		eg.Go(func() error { return r.listenTCP(egCtx) })
	}
	eg.Go(func() error {
		<-egCtx.Done()
		return nil
	})

	return eg.Wait()
}

func (r *Radio) broadcastLoop(ctx context.Context, interval time.Duration, fn func(context.Context) error) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := fn(ctx); err != nil {
			r.logger.Error("broadcast failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (r *Radio) handleMQTTMessage(msg mqtt.Message) {
	if err := r.tryHandleMQTTMessage(msg); err != nil {
		r.logger.Error("failed to handle incoming mqtt message", "err", err)
	}
}

func (r *Radio) updateNodeDB(nodeID uint32, updateFunc func(*meshtastic.NodeInfo)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	nodeInfo, ok := r.nodeDB[nodeID]
	if !ok {
		nodeInfo = &meshtastic.NodeInfo{Num: nodeID}
	}
	updateFunc(nodeInfo)
	nodeInfo.LastHeard = uint32(time.Now().Unix())
	r.nodeDB[nodeID] = nodeInfo
}

func (r *Radio) getNodeDB() []*meshtastic.NodeInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	nodes := make([]*meshtastic.NodeInfo, 0, len(r.nodeDB))
	for _, node := range r.nodeDB {
		nodes = append(nodes, proto.Clone(node).(*meshtastic.NodeInfo))
	}
	return nodes
}

func (r *Radio) tryHandleMQTTMessage(msg mqtt.Message) error {
	envelope := &meshtastic.ServiceEnvelope{}
	if err := proto.Unmarshal(msg.Payload, envelope); err != nil {
		return fmt.Errorf("unmarshalling: %w", err)
	}
	meshPacket := envelope.GetPacket()
	if meshPacket == nil {
		return nil
	}

	r.dispatchToFromRadioSubscribers(&meshtastic.FromRadio{
		PayloadVariant: &meshtastic.FromRadio_Packet{Packet: meshPacket},
	})

	primary := r.cfg.Channels.GetSettings()[0]
	if envelope.GetChannelId() != primary.GetName() {
		return nil
	}

	data, err := radio.TryDecode(meshPacket, primary.GetPsk())
	if err != nil {
		return fmt.Errorf("decoding: %w", err)
	}

	switch data.GetPortnum() {
	case meshtastic.PortNum_NODEINFO_APP:
		user := &meshtastic.User{}
		if err := proto.Unmarshal(data.GetPayload(), user); err != nil {
			return fmt.Errorf("unmarshalling user: %w", err)
		}
		r.updateNodeDB(meshPacket.GetFrom(), func(n *meshtastic.NodeInfo) { n.User = user })
	case meshtastic.PortNum_POSITION_APP:
		position := &meshtastic.Position{}
		if err := proto.Unmarshal(data.GetPayload(), position); err != nil {
			return fmt.Errorf("unmarshalling position: %w", err)
		}
		r.updateNodeDB(meshPacket.GetFrom(), func(n *meshtastic.NodeInfo) { n.Position = position })
	case meshtastic.PortNum_TELEMETRY_APP:
		telemetry := &meshtastic.Telemetry{}
		if err := proto.Unmarshal(data.GetPayload(), telemetry); err != nil {
			return fmt.Errorf("unmarshalling telemetry: %w", err)
		}
		if dm := telemetry.GetDeviceMetrics(); dm != nil {
			r.updateNodeDB(meshPacket.GetFrom(), func(n *meshtastic.NodeInfo) { n.DeviceMetrics = dm })
		}
	default:
		r.logger.Debug("received unhandled app payload", "portnum", data.GetPortnum())
	}
	return nil
}

func (r *Radio) nextPacketID() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.packetID++
	return r.packetID
}

func (r *Radio) sendPacket(packet *meshtastic.MeshPacket) error {
	packet.Id = r.nextPacketID()
	primary := r.cfg.Channels.GetSettings()[0]

	envelope := &meshtastic.ServiceEnvelope{
		ChannelId: primary.GetName(),
		GatewayId: r.cfg.NodeID.String(),
		Packet:    packet,
	}
	payload, err := proto.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("marshalling service envelope: %w", err)
	}
	return r.mqtt.Publish(&mqtt.Message{
		Topic:   r.mqtt.GetFullTopicForChannel(primary.GetName()) + "/" + r.cfg.NodeID.String(),
		Payload: payload,
	})
}

func (r *Radio) broadcastNodeInfo(context.Context) error {
	user := &meshtastic.User{
		Id:        r.cfg.NodeID.String(),
		LongName:  r.cfg.LongName,
		ShortName: r.cfg.ShortName,
		HwModel:   meshtastic.HardwareModel_PRIVATE_HW,
	}
	payload, err := proto.Marshal(user)
	if err != nil {
		return fmt.Errorf("marshalling user: %w", err)
	}
	return r.sendPacket(&meshtastic.MeshPacket{
		From: r.cfg.NodeID.Uint32(),
		To:   wire.BroadcastNodeID.Uint32(),
		PayloadVariant: &meshtastic.MeshPacket_Decoded{
			Decoded: &meshtastic.Data{Portnum: meshtastic.PortNum_NODEINFO_APP, Payload: payload},
		},
	})
}

func (r *Radio) broadcastPosition(context.Context) error {
	position := &meshtastic.Position{
		LatitudeI:  &r.cfg.PositionLatitudeI,
		LongitudeI: &r.cfg.PositionLongitudeI,
		Altitude:   &r.cfg.PositionAltitude,
		Time:       uint32(time.Now().Unix()),
	}
	payload, err := proto.Marshal(position)
	if err != nil {
		return fmt.Errorf("marshalling position: %w", err)
	}
	return r.sendPacket(&meshtastic.MeshPacket{
		From: r.cfg.NodeID.Uint32(),
		To:   wire.BroadcastNodeID.Uint32(),
		PayloadVariant: &meshtastic.MeshPacket_Decoded{
			Decoded: &meshtastic.Data{Portnum: meshtastic.PortNum_POSITION_APP, Payload: payload},
		},
	})
}

func (r *Radio) dispatchToFromRadioSubscribers(msg *meshtastic.FromRadio) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for ch := range r.fromRadioSubscribers {
		select {
		case ch <- msg:
		default:
		}
	}
}

// handleWantConfigID replays the configuration burst a real radio sends
// after WantConfigId: MyInfo, Metadata, every NodeInfo (including its
// own), every configured channel (the first as primary), a device
// Config, then ConfigCompleteId.
func (r *Radio) handleWantConfigID(conn io.Writer, req *meshtastic.ToRadio_WantConfigId) error {
	if err := writeFromRadio(conn, &meshtastic.FromRadio{
		PayloadVariant: &meshtastic.FromRadio_MyInfo{MyInfo: &meshtastic.MyNodeInfo{
			MyNodeNum:     r.cfg.NodeID.Uint32(),
			MinAppVersion: MinAppVersion,
		}},
	}); err != nil {
		return err
	}

	if err := writeFromRadio(conn, &meshtastic.FromRadio{
		PayloadVariant: &meshtastic.FromRadio_Metadata{Metadata: &meshtastic.DeviceMetadata{
			FirmwareVersion:    "2.2.19-simulated",
			DeviceStateVersion: 22,
			CanShutdown:        true,
			HasWifi:            true,
			HasBluetooth:       true,
			HwModel:            meshtastic.HardwareModel_PRIVATE_HW,
		}},
	}); err != nil {
		return err
	}

	if err := writeFromRadio(conn, &meshtastic.FromRadio{
		PayloadVariant: &meshtastic.FromRadio_NodeInfo{NodeInfo: &meshtastic.NodeInfo{
			Num: r.cfg.NodeID.Uint32(),
			User: &meshtastic.User{
				Id:        r.cfg.NodeID.String(),
				LongName:  r.cfg.LongName,
				ShortName: r.cfg.ShortName,
			},
		}},
	}); err != nil {
		return err
	}
	for _, nodeInfo := range r.getNodeDB() {
		if err := writeFromRadio(conn, &meshtastic.FromRadio{
			PayloadVariant: &meshtastic.FromRadio_NodeInfo{NodeInfo: nodeInfo},
		}); err != nil {
			return err
		}
	}

	for i, ch := range r.cfg.Channels.GetSettings() {
		role := meshtastic.Channel_SECONDARY
		if i == 0 {
			role = meshtastic.Channel_PRIMARY
		}
		if err := writeFromRadio(conn, &meshtastic.FromRadio{
			PayloadVariant: &meshtastic.FromRadio_Channel{Channel: &meshtastic.Channel{
				Index:    int32(i),
				Settings: ch,
				Role:     role,
			}},
		}); err != nil {
			return err
		}
	}

	if err := writeFromRadio(conn, &meshtastic.FromRadio{
		PayloadVariant: &meshtastic.FromRadio_Config{Config: &meshtastic.Config{
			PayloadVariant: &meshtastic.Config_Device{Device: &meshtastic.Config_DeviceConfig{
				SerialEnabled:         true,
				NodeInfoBroadcastSecs: uint32(r.cfg.BroadcastNodeInfoInterval.Seconds()),
			}},
		}},
	}); err != nil {
		return err
	}

	return writeFromRadio(conn, &meshtastic.FromRadio{
		PayloadVariant: &meshtastic.FromRadio_ConfigCompleteId{ConfigCompleteId: req.WantConfigId},
	})
}

func (r *Radio) handleConn(ctx context.Context, underlying io.ReadWriteCloser) error {
	defer func() {
		if err := underlying.Close(); err != nil {
			r.logger.Error("failed to close client connection", "err", err)
		}
	}()

	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		for {
			msg, err := readToRadio(underlying)
			if err != nil {
				return fmt.Errorf("reading from client: %w", err)
			}
			switch payload := msg.PayloadVariant.(type) {
			case *meshtastic.ToRadio_Disconnect:
				return nil
			case *meshtastic.ToRadio_WantConfigId:
				if err := r.handleWantConfigID(underlying, payload); err != nil {
					return fmt.Errorf("handling WantConfigId: %w", err)
				}
			case *meshtastic.ToRadio_Packet:
				r.handleAdminPacket(underlying, payload)
			}
			select {
			case <-egCtx.Done():
				return nil
			default:
			}
		}
	})

	eg.Go(func() error {
		ch := make(chan *meshtastic.FromRadio, 16)
		r.mu.Lock()
		r.fromRadioSubscribers[ch] = struct{}{}
		r.mu.Unlock()
		defer func() {
			r.mu.Lock()
			delete(r.fromRadioSubscribers, ch)
			r.mu.Unlock()
		}()

		for {
			select {
			case <-egCtx.Done():
				return nil
			case msg := <-ch:
				if err := writeFromRadio(underlying, msg); err != nil {
					return fmt.Errorf("writing to client: %w", err)
				}
			}
		}
	})

	return eg.Wait()
}

// handleAdminPacket answers the small subset of AdminMessage requests
// needed for official client tooling to believe it's talking to a real
// radio (channel listing).
func (r *Radio) handleAdminPacket(conn io.Writer, toRadioPacket *meshtastic.ToRadio_Packet) {
	decoded := toRadioPacket.Packet.GetDecoded()
	if decoded == nil || decoded.GetPortnum() != meshtastic.PortNum_ADMIN_APP {
		return
	}
	admin := &meshtastic.AdminMessage{}
	if err := proto.Unmarshal(decoded.GetPayload(), admin); err != nil {
		r.logger.Error("failed to unmarshal admin message", "err", err)
		return
	}

	getChannelReq, ok := admin.PayloadVariant.(*meshtastic.AdminMessage_GetChannelRequest)
	if !ok {
		return
	}
	_ = getChannelReq

	resp := &meshtastic.AdminMessage{
		PayloadVariant: &meshtastic.AdminMessage_GetChannelResponse{GetChannelResponse: &meshtastic.Channel{
			Index: 0,
			Role:  meshtastic.Channel_DISABLED,
		}},
	}
	respBytes, err := proto.Marshal(resp)
	if err != nil {
		r.logger.Error("failed to marshal GetChannelResponse", "err", err)
		return
	}
	if err := writeFromRadio(conn, &meshtastic.FromRadio{
		PayloadVariant: &meshtastic.FromRadio_Packet{Packet: &meshtastic.MeshPacket{
			Id:   r.nextPacketID(),
			From: r.cfg.NodeID.Uint32(),
			To:   r.cfg.NodeID.Uint32(),
			PayloadVariant: &meshtastic.MeshPacket_Decoded{Decoded: &meshtastic.Data{
				Portnum:   meshtastic.PortNum_ADMIN_APP,
				Payload:   respBytes,
				RequestId: toRadioPacket.Packet.GetId(),
			}},
		}},
	}); err != nil {
		r.logger.Error("failed to write GetChannelResponse", "err", err)
	}
}

func (r *Radio) listenTCP(ctx context.Context) error {
	l, err := net.Listen("tcp", r.cfg.TCPListenAddr)
	if err != nil {
		return fmt.Errorf("listening: %w", err)
	}
	defer l.Close()
	r.logger.Info("listening for tcp connections", "addr", r.cfg.TCPListenAddr)

	go func() {
		<-ctx.Done()
		_ = l.Close()
	}()

	for {
		c, err := l.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			r.logger.Error("failed to accept connection", "err", err)
			continue
		}
		go func() {
			if err := r.handleConn(ctx, c); err != nil {
				r.logger.Error("failed to handle tcp connection", "err", err)
			}
		}()
	}
}

// Conn returns an in-memory connection to the simulated radio, useful
// for driving a session without any real transport.
func (r *Radio) Conn(ctx context.Context) net.Conn {
	clientConn, radioConn := net.Pipe()
	go func() {
		if err := r.handleConn(ctx, radioConn); err != nil {
			r.logger.Error("failed to handle in-memory connection", "err", err)
		}
	}()
	return clientConn
}
