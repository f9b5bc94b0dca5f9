// Package mirror republishes relay traffic to an MQTT broker so other systems
// (loggers, dashboards, ground stations) can follow a flight without holding a
// websocket open.
//
// Telemetry goes to <prefix>/telemetry and detection batches to
// <prefix>/detections, both QoS 0 and not retained.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/aerosentinel/relay/internal/monitoring"
	"github.com/aerosentinel/relay/internal/relay"
)

// ErrNotConnected is returned while the broker connection is down.
var ErrNotConnected = errors.New("mqtt not connected")

// Options configures the broker connection.
type Options struct {
	// Broker is a URL such as tcp://localhost:1883.
	Broker      string
	ClientID    string
	TopicPrefix string
}

// client is the part of mqtt.Client the mirror uses.
type client interface {
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// Mirror is a relay.Sink that publishes every broadcast message to MQTT.
type Mirror struct {
	client    client
	prefix    string
	published atomic.Uint64
	skipped   atomic.Uint64
}

var _ relay.Sink = (*Mirror)(nil)

// Connect dials the broker and waits until ctx is done (5s without a
// deadline) for the first connection. An unreachable broker is not an error:
// the client keeps retrying in the background and messages broadcast while it
// is down are skipped.
func Connect(ctx context.Context, o Options) (*Mirror, error) {
	if o.Broker == "" {
		return nil, fmt.Errorf("mqtt broker is required")
	}
	if o.ClientID == "" {
		o.ClientID = "aerosentinel-relay"
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(o.Broker)
	opts.SetClientID(o.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnect = func(mqtt.Client) {
		monitoring.Logf("[MQTT] connected to %s as %s", o.Broker, o.ClientID)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		monitoring.Logf("[MQTT] connection to %s lost, reconnecting: %v", o.Broker, err)
	}

	c := mqtt.NewClient(opts)
	token := c.Connect()

	timeout := 5 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
	}
	if !token.WaitTimeout(timeout) {
		monitoring.Logf("[MQTT] %s not reachable yet, retrying in the background", o.Broker)
		return newMirror(c, o.TopicPrefix), nil
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connection failed: %w", err)
	}
	return newMirror(c, o.TopicPrefix), nil
}

func newMirror(c client, prefix string) *Mirror {
	return &Mirror{client: c, prefix: strings.TrimSuffix(prefix, "/")}
}

// Topic returns the topic messages on ch are published on.
func (m *Mirror) Topic(ch relay.Channel) string {
	if m.prefix == "" {
		return ch.String()
	}
	return m.prefix + "/" + ch.String()
}

// Publish sends msg without waiting for the broker.
func (m *Mirror) Publish(ch relay.Channel, msg string) error {
	if !m.client.IsConnected() {
		m.skipped.Add(1)
		return ErrNotConnected
	}
	token := m.client.Publish(m.Topic(ch), 0, false, msg)
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			m.skipped.Add(1)
			return fmt.Errorf("publish failed: %w", err)
		}
	default:
	}
	m.published.Add(1)
	return nil
}

// Published returns the number of messages handed to the client.
func (m *Mirror) Published() uint64 { return m.published.Load() }

// Skipped returns the number of messages dropped while disconnected or on error.
func (m *Mirror) Skipped() uint64 { return m.skipped.Load() }

// Close disconnects, allowing in-flight publishes a short grace period.
func (m *Mirror) Close() error {
	m.client.Disconnect(250)
	return nil
}
