package mqtt

import (
	"github.com/charmbracelet/log"
	"google.golang.org/protobuf/proto"

	meshtastic "buf.build/gen/go/meshtastic/protobufs/protocolbuffers/go/meshtastic"
)

// Bridge observes a single channel's public MQTT uplink and surfaces
// its packets through the same decoded-envelope shape the stream
// session produces, so application code can treat an MQTT-visible
// channel and a directly-connected radio identically. It only reads:
// it never republishes or forwards anything it receives, since packet
// routing between radios is the firmware's job, not this library's.
type Bridge struct {
	client      *Client
	channelName string
	out         chan *meshtastic.FromRadio
	logger      *log.Logger
}

// NewBridge creates a Bridge for channelName over client. logger may be
// nil, in which case a package-default logger is used.
func NewBridge(client *Client, channelName string, logger *log.Logger) *Bridge {
	if logger == nil {
		logger = log.Default()
	}
	return &Bridge{
		client:      client,
		channelName: channelName,
		out:         make(chan *meshtastic.FromRadio, 64),
		logger:      logger,
	}
}

// Start subscribes to the channel's uplink topic and returns the
// channel of decoded FromRadio envelopes. It does not attempt
// decryption — the caller decodes with radio.TryDecode using whatever
// key it trusts for this channel, same as it would for a packet
// arriving over a direct radio connection.
func (b *Bridge) Start() <-chan *meshtastic.FromRadio {
	b.client.Handle(b.channelName, b.handleMessage)
	return b.out
}

func (b *Bridge) handleMessage(msg Message) {
	envelope := &meshtastic.ServiceEnvelope{}
	if err := proto.Unmarshal(msg.Payload, envelope); err != nil {
		b.logger.Warn("mqtt bridge: failed to unmarshal service envelope", "topic", msg.Topic, "err", err)
		return
	}
	if envelope.GetPacket() == nil {
		return
	}

	select {
	case b.out <- &meshtastic.FromRadio{PayloadVariant: &meshtastic.FromRadio_Packet{Packet: envelope.GetPacket()}}:
	default:
		b.logger.Warn("mqtt bridge: dropping packet, consumer is not keeping up", "topic", msg.Topic)
	}
}
