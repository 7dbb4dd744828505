package session

import (
	"context"
	"fmt"
	"math/rand"

	"google.golang.org/protobuf/proto"

	meshtastic "buf.build/gen/go/meshtastic/protobufs/protocolbuffers/go/meshtastic"

	"github.com/meshnet-go/meshclient/mesherr"
	"github.com/meshnet-go/meshclient/wire"
)

// sendMeshPacketOpts captures the policy knobs every high-level send
// operation composes down to a single SendMeshPacket call.
type sendMeshPacketOpts struct {
	destination    PacketDestination
	channel        wire.MeshChannel
	wantAck        bool
	wantResponse   bool
	echoResponse   bool
	replyID        uint32
	emoji          uint32
}

// SendMeshPacket builds a MeshPacket around payload and either enqueues
// it directly or, when echoResponse is set, first hands a clone to the
// router's HandleMeshPacket so the caller observes its own
// transmission before it reaches the write pump.
func (c *ConfiguredSession) SendMeshPacket(ctx context.Context, payload *meshtastic.Data, opts sendMeshPacketOpts) error {
	packet := &meshtastic.MeshPacket{
		From:    c.router.SourceNodeID().Uint32(),
		To:      opts.destination.resolve(c.router),
		Channel: opts.channel.Channel(),
		Id:      rand.Uint32(),
		WantAck: opts.wantAck,
		PayloadVariant: &meshtastic.MeshPacket_Decoded{
			Decoded: payload,
		},
	}

	if opts.echoResponse {
		clone, ok := proto.Clone(packet).(*meshtastic.MeshPacket)
		if !ok {
			return fmt.Errorf("%w: cloning mesh packet for echo", mesherr.ErrEncode)
		}
		if err := c.router.HandleMeshPacket(clone); err != nil {
			return fmt.Errorf("router echo-back: %w", err)
		}
	}

	return c.sendToRadioPacket(ctx, packet)
}

// SendText sends a text message.
func (c *ConfiguredSession) SendText(ctx context.Context, text string, destination PacketDestination, channel wire.MeshChannel, wantAck bool) error {
	return c.SendMeshPacket(ctx, &meshtastic.Data{
		Portnum: meshtastic.PortNum_TEXT_MESSAGE_APP,
		Payload: []byte(text),
	}, sendMeshPacketOpts{
		destination:  destination,
		channel:      channel,
		wantAck:      wantAck,
		echoResponse: true,
	})
}

// SendPosition sends a position report.
func (c *ConfiguredSession) SendPosition(ctx context.Context, position *meshtastic.Position, destination PacketDestination, channel wire.MeshChannel, wantAck bool) error {
	payload, err := proto.Marshal(position)
	if err != nil {
		return fmt.Errorf("%w: marshalling position: %w", mesherr.ErrEncode, err)
	}
	return c.SendMeshPacket(ctx, &meshtastic.Data{
		Portnum: meshtastic.PortNum_POSITION_APP,
		Payload: payload,
	}, sendMeshPacketOpts{
		destination:  destination,
		channel:      channel,
		wantAck:      wantAck,
		echoResponse: true,
	})
}

// SendWaypoint sends a waypoint, assigning it a random id if the caller
// left Id unset (zero).
func (c *ConfiguredSession) SendWaypoint(ctx context.Context, waypoint *meshtastic.Waypoint, destination PacketDestination, channel wire.MeshChannel, wantAck bool) error {
	if waypoint.Id == 0 {
		waypoint.Id = rand.Uint32()
	}
	payload, err := proto.Marshal(waypoint)
	if err != nil {
		return fmt.Errorf("%w: marshalling waypoint: %w", mesherr.ErrEncode, err)
	}
	return c.SendMeshPacket(ctx, &meshtastic.Data{
		Portnum: meshtastic.PortNum_WAYPOINT_APP,
		Payload: payload,
	}, sendMeshPacketOpts{
		destination:  destination,
		channel:      channel,
		wantAck:      wantAck,
		echoResponse: true,
	})
}

// sendAdmin wraps an AdminMessage in a Data payload on the admin port
// and dispatches it to Local with the fixed policy every admin
// operation shares: want_ack, want_response, no echo.
func (c *ConfiguredSession) sendAdmin(ctx context.Context, admin *meshtastic.AdminMessage) error {
	payload, err := proto.Marshal(admin)
	if err != nil {
		return fmt.Errorf("%w: marshalling admin message: %w", mesherr.ErrEncode, err)
	}
	return c.SendMeshPacket(ctx, &meshtastic.Data{
		Portnum:      meshtastic.PortNum_ADMIN_APP,
		Payload:      payload,
		WantResponse: true,
	}, sendMeshPacketOpts{
		destination:  Local(),
		wantAck:      true,
		wantResponse: true,
		echoResponse: false,
	})
}

// UpdateConfig pushes a full device Config section.
func (c *ConfiguredSession) UpdateConfig(ctx context.Context, config *meshtastic.Config) error {
	return c.sendAdmin(ctx, &meshtastic.AdminMessage{
		PayloadVariant: &meshtastic.AdminMessage_SetConfig{SetConfig: config},
	})
}

// UpdateModuleConfig pushes a full module Config section.
func (c *ConfiguredSession) UpdateModuleConfig(ctx context.Context, config *meshtastic.ModuleConfig) error {
	return c.sendAdmin(ctx, &meshtastic.AdminMessage{
		PayloadVariant: &meshtastic.AdminMessage_SetModuleConfig{SetModuleConfig: config},
	})
}

// UpdateChannelConfig pushes a single channel's settings.
func (c *ConfiguredSession) UpdateChannelConfig(ctx context.Context, channel *meshtastic.Channel) error {
	return c.sendAdmin(ctx, &meshtastic.AdminMessage{
		PayloadVariant: &meshtastic.AdminMessage_SetChannel{SetChannel: channel},
	})
}

// UpdateUser pushes the node's owner identity (long/short name).
func (c *ConfiguredSession) UpdateUser(ctx context.Context, user *meshtastic.User) error {
	return c.sendAdmin(ctx, &meshtastic.AdminMessage{
		PayloadVariant: &meshtastic.AdminMessage_SetOwner{SetOwner: user},
	})
}

// StartConfigTransaction brackets a batch of config updates so the
// radio applies them atomically. Unlike UpdateConfig and friends, this
// is a raw send: the encoded AdminMessage goes straight to the write
// pump, with no MeshPacket/ToRadio_Packet wrapping.
func (c *ConfiguredSession) StartConfigTransaction(ctx context.Context) error {
	admin := &meshtastic.AdminMessage{
		PayloadVariant: &meshtastic.AdminMessage_BeginEditSettings{BeginEditSettings: true},
	}
	payload, err := proto.Marshal(admin)
	if err != nil {
		return fmt.Errorf("%w: marshalling admin message: %w", mesherr.ErrEncode, err)
	}
	return c.SendRaw(ctx, wire.EncodedToRadioPacket(payload))
}

// CommitConfigTransaction closes a batch started by StartConfigTransaction.
// Like StartConfigTransaction, this is a raw send, not routed through
// SendMeshPacket.
func (c *ConfiguredSession) CommitConfigTransaction(ctx context.Context) error {
	admin := &meshtastic.AdminMessage{
		PayloadVariant: &meshtastic.AdminMessage_CommitEditSettings{CommitEditSettings: true},
	}
	payload, err := proto.Marshal(admin)
	if err != nil {
		return fmt.Errorf("%w: marshalling admin message: %w", mesherr.ErrEncode, err)
	}
	return c.SendRaw(ctx, wire.EncodedToRadioPacket(payload))
}

// SetLocalConfig pushes every present sub-field of a LocalConfig,
// one UpdateConfig call per section. Intended to be bracketed by
// StartConfigTransaction/CommitConfigTransaction.
func (c *ConfiguredSession) SetLocalConfig(ctx context.Context, local *meshtastic.LocalConfig) error {
	if local.GetDevice() != nil {
		if err := c.UpdateConfig(ctx, &meshtastic.Config{PayloadVariant: &meshtastic.Config_Device{Device: local.GetDevice()}}); err != nil {
			return fmt.Errorf("updating device config: %w", err)
		}
	}
	if local.GetPosition() != nil {
		if err := c.UpdateConfig(ctx, &meshtastic.Config{PayloadVariant: &meshtastic.Config_Position{Position: local.GetPosition()}}); err != nil {
			return fmt.Errorf("updating position config: %w", err)
		}
	}
	if local.GetPower() != nil {
		if err := c.UpdateConfig(ctx, &meshtastic.Config{PayloadVariant: &meshtastic.Config_Power{Power: local.GetPower()}}); err != nil {
			return fmt.Errorf("updating power config: %w", err)
		}
	}
	if local.GetNetwork() != nil {
		if err := c.UpdateConfig(ctx, &meshtastic.Config{PayloadVariant: &meshtastic.Config_Network{Network: local.GetNetwork()}}); err != nil {
			return fmt.Errorf("updating network config: %w", err)
		}
	}
	if local.GetDisplay() != nil {
		if err := c.UpdateConfig(ctx, &meshtastic.Config{PayloadVariant: &meshtastic.Config_Display{Display: local.GetDisplay()}}); err != nil {
			return fmt.Errorf("updating display config: %w", err)
		}
	}
	if local.GetLora() != nil {
		if err := c.UpdateConfig(ctx, &meshtastic.Config{PayloadVariant: &meshtastic.Config_Lora{Lora: local.GetLora()}}); err != nil {
			return fmt.Errorf("updating lora config: %w", err)
		}
	}
	if local.GetBluetooth() != nil {
		if err := c.UpdateConfig(ctx, &meshtastic.Config{PayloadVariant: &meshtastic.Config_Bluetooth{Bluetooth: local.GetBluetooth()}}); err != nil {
			return fmt.Errorf("updating bluetooth config: %w", err)
		}
	}
	if local.GetSecurity() != nil {
		if err := c.UpdateConfig(ctx, &meshtastic.Config{PayloadVariant: &meshtastic.Config_Security{Security: local.GetSecurity()}}); err != nil {
			return fmt.Errorf("updating security config: %w", err)
		}
	}
	return nil
}

// SetLocalModuleConfig pushes the MQTT, serial, external notification,
// store-and-forward, range test, telemetry and canned message sections
// of a LocalModuleConfig that are present, one UpdateModuleConfig call
// per module. The other LocalModuleConfig sections (audio, remote
// hardware, neighbor info, ambient lighting, detection sensor,
// paxcounter) are not sent.
func (c *ConfiguredSession) SetLocalModuleConfig(ctx context.Context, local *meshtastic.LocalModuleConfig) error {
	if local.GetMqtt() != nil {
		if err := c.UpdateModuleConfig(ctx, &meshtastic.ModuleConfig{PayloadVariant: &meshtastic.ModuleConfig_Mqtt{Mqtt: local.GetMqtt()}}); err != nil {
			return fmt.Errorf("updating mqtt module config: %w", err)
		}
	}
	if local.GetSerial() != nil {
		if err := c.UpdateModuleConfig(ctx, &meshtastic.ModuleConfig{PayloadVariant: &meshtastic.ModuleConfig_Serial{Serial: local.GetSerial()}}); err != nil {
			return fmt.Errorf("updating serial module config: %w", err)
		}
	}
	if local.GetExternalNotification() != nil {
		if err := c.UpdateModuleConfig(ctx, &meshtastic.ModuleConfig{PayloadVariant: &meshtastic.ModuleConfig_ExternalNotification{ExternalNotification: local.GetExternalNotification()}}); err != nil {
			return fmt.Errorf("updating external notification module config: %w", err)
		}
	}
	if local.GetStoreForward() != nil {
		if err := c.UpdateModuleConfig(ctx, &meshtastic.ModuleConfig{PayloadVariant: &meshtastic.ModuleConfig_StoreForward{StoreForward: local.GetStoreForward()}}); err != nil {
			return fmt.Errorf("updating store-and-forward module config: %w", err)
		}
	}
	if local.GetRangeTest() != nil {
		if err := c.UpdateModuleConfig(ctx, &meshtastic.ModuleConfig{PayloadVariant: &meshtastic.ModuleConfig_RangeTest{RangeTest: local.GetRangeTest()}}); err != nil {
			return fmt.Errorf("updating range test module config: %w", err)
		}
	}
	if local.GetTelemetry() != nil {
		if err := c.UpdateModuleConfig(ctx, &meshtastic.ModuleConfig{PayloadVariant: &meshtastic.ModuleConfig_Telemetry{Telemetry: local.GetTelemetry()}}); err != nil {
			return fmt.Errorf("updating telemetry module config: %w", err)
		}
	}
	if local.GetCannedMessage() != nil {
		if err := c.UpdateModuleConfig(ctx, &meshtastic.ModuleConfig{PayloadVariant: &meshtastic.ModuleConfig_CannedMessage{CannedMessage: local.GetCannedMessage()}}); err != nil {
			return fmt.Errorf("updating canned message module config: %w", err)
		}
	}
	return nil
}

// SetMessageChannelConfig pushes a full channel set, one
// UpdateChannelConfig call per channel.
func (c *ConfiguredSession) SetMessageChannelConfig(ctx context.Context, channels []*meshtastic.Channel) error {
	for _, ch := range channels {
		if err := c.UpdateChannelConfig(ctx, ch); err != nil {
			return fmt.Errorf("updating channel %d: %w", ch.GetIndex(), err)
		}
	}
	return nil
}
