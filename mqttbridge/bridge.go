// Package mqttbridge republishes broadcast records to an MQTT broker so
// telemetry can be consumed by tools that do not speak WebSocket.
//
// Topic layout: <topic>/<record type>, e.g. teststand/telemetry/sensor_data.
// Payloads are JSON regardless of the WebSocket encoding.
package mqttbridge

import (
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	jsoniter "github.com/json-iterator/go"

	"teststand/broadcast"
	"teststand/config"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Publisher is the part of an MQTT client the bridge needs.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
	Close() error
}

// Bridge is a broadcast.Observer that forwards records to a Publisher.
type Bridge struct {
	pub       Publisher
	topic     string
	qos       byte
	published atomic.Uint64
}

// New wraps pub. topic is the prefix for every published record.
func New(pub Publisher, topic string, qos byte) *Bridge {
	return &Bridge{
		pub:   pub,
		topic: strings.TrimRight(strings.TrimSpace(topic), "/"),
		qos:   qos,
	}
}

// ID implements broadcast.Observer.
func (b *Bridge) ID() string { return "mqtt" }

// Send implements broadcast.Observer.
func (b *Bridge) Send(f broadcast.Frame) error {
	payload, err := json.Marshal(map[string]any(f.Record))
	if err != nil {
		return fmt.Errorf("mqttbridge: encode %s: %w", f.Type, err)
	}
	kind := f.Type
	if kind == "" {
		kind = "record"
	}
	if err := b.pub.Publish(b.topic+"/"+kind, b.qos, false, payload); err != nil {
		return fmt.Errorf("mqttbridge: publish %s: %w", kind, err)
	}
	b.published.Add(1)
	return nil
}

// Close implements broadcast.Observer.
func (b *Bridge) Close() error {
	return b.pub.Close()
}

// Published returns how many records reached the broker.
func (b *Bridge) Published() uint64 {
	return b.published.Load()
}

// Client is a Publisher backed by the Paho MQTT client.
type Client struct {
	client  mqtt.Client
	timeout time.Duration
}

// Connect dials the configured broker. Paho reconnects on its own after
// the first successful connection.
func Connect(cfg config.MQTTConfig) (*Client, error) {
	opts := mqtt.NewClientOptions()
	brokerURL := fmt.Sprintf("tcp://%s:%d", cfg.Broker, cfg.Port)
	opts.AddBroker(brokerURL)
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = fmt.Sprintf("teststand-%d", time.Now().Unix())
	}
	opts.SetClientID(clientID)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(time.Minute)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		log.Printf("MQTT: connected to %s", brokerURL)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Printf("MQTT: connection lost: %v", err)
	})

	c := &Client{client: mqtt.NewClient(opts), timeout: 5 * time.Second}
	token := c.client.Connect()
	if token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("mqttbridge: connect %s: %w", brokerURL, token.Error())
	}
	return c, nil
}

// Publish sends one message and waits for the broker handshake.
func (c *Client) Publish(topic string, qos byte, retained bool, payload []byte) error {
	token := c.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(c.timeout) {
		return fmt.Errorf("publish %s timed out", topic)
	}
	return token.Error()
}

// Close disconnects, allowing a short grace period for in-flight messages.
func (c *Client) Close() error {
	c.client.Disconnect(250)
	return nil
}
