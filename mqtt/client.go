// Package mqtt wraps eclipse/paho.mqtt.golang with the small surface
// this module needs: connect once, subscribe per channel under a root
// topic, and publish ServiceEnvelope bytes back out. It does not
// expose the underlying paho client so callers can't reach for API
// surface this module doesn't support.
package mqtt

import (
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Message is an inbound MQTT message, stripped down to what a channel
// handler needs.
type Message struct {
	Topic   string
	Payload []byte
}

// HandlerFunc handles a message received on a subscribed channel.
type HandlerFunc func(Message)

// Client is a connection to a Meshtastic MQTT broker, scoped to one
// root topic (e.g. "msh/EU_868").
type Client struct {
	rootTopic string
	inner     mqtt.Client
}

// NewClient builds a Client for the given broker address
// (e.g. "tcp://mqtt.meshtastic.org:1883"), credentials, and root topic.
// It does not connect; call Connect to do that.
func NewClient(server, username, password, rootTopic string) *Client {
	opts := mqtt.NewClientOptions().
		AddBroker(server).
		SetUsername(username).
		SetPassword(password).
		SetClientID(fmt.Sprintf("meshclient-%d", time.Now().UnixNano())).
		SetAutoReconnect(true)

	return &Client{
		rootTopic: rootTopic,
		inner:     mqtt.NewClient(opts),
	}
}

// Connect establishes the broker connection, blocking until it either
// succeeds or fails.
func (c *Client) Connect() error {
	token := c.inner.Connect()
	token.Wait()
	return token.Error()
}

// GetFullTopicForChannel returns the fully-qualified topic a channel's
// ServiceEnvelope traffic is published under.
func (c *Client) GetFullTopicForChannel(channelName string) string {
	return fmt.Sprintf("%s/2/e/%s", c.rootTopic, channelName)
}

// Handle subscribes to a channel's uplink topic and invokes fn for
// every message received on it (and its subtopics, covering individual
// gateway node suffixes).
func (c *Client) Handle(channelName string, fn HandlerFunc) {
	topic := c.GetFullTopicForChannel(channelName) + "/#"
	c.inner.Subscribe(topic, 0, func(_ mqtt.Client, msg mqtt.Message) {
		fn(Message{Topic: msg.Topic(), Payload: msg.Payload()})
	})
}

// Publish sends a message to its topic, blocking until delivery to the
// broker completes or fails.
func (c *Client) Publish(msg *Message) error {
	token := c.inner.Publish(msg.Topic, 0, false, msg.Payload)
	token.Wait()
	return token.Error()
}

// Disconnect closes the broker connection, waiting up to quiesce for
// in-flight work to drain.
func (c *Client) Disconnect(quiesce uint) {
	c.inner.Disconnect(quiesce)
}
