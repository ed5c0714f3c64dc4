// Package mqtt adapts github.com/eclipse/paho.mqtt.golang to weft's
// transport.Transport interface, so a weft.Peer can run over a real MQTT
// broker connection. This is the production counterpart to
// transport/memory's in-process fixture.
package mqtt

import (
	"context"
	"fmt"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/lattice-iot/weft/transport"
)

const defaultDialTimeout = 10 * time.Second

// Conn wraps a connected paho.Client as a transport.Transport.
type Conn struct {
	client paho.Client
	onErr  transport.ErrorHandler
}

var _ transport.Transport = (*Conn)(nil)

// Options configures Dial.
type Options struct {
	// Broker is the broker URL, e.g. "tcp://localhost:1883".
	Broker string

	// ClientID is the MQTT client identifier. If empty, paho assigns one.
	ClientID string

	// Will, if non-nil, is published by the broker if this connection
	// drops uncleanly. Construct one from a dry-run Emit:
	//
	//	dry, _ := peer.EmitDry(weft.EmitRequest{Event: "..."})
	//	opts.Will = &dry.Will
	Will *transport.Will
}

// Dial connects to an MQTT broker and returns a Conn wrapping the
// connection. The caller is responsible for calling Disconnect when done.
func Dial(ctx context.Context, opts Options) (*Conn, error) {
	pahoOpts := paho.NewClientOptions().AddBroker(opts.Broker)
	if opts.ClientID != "" {
		pahoOpts.SetClientID(opts.ClientID)
	}
	if opts.Will != nil {
		pahoOpts.SetBinaryWill(opts.Will.Topic, opts.Will.Payload, byte(opts.Will.QoS), false)
	}

	c := &Conn{}
	pahoOpts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		if c.onErr != nil {
			c.onErr(fmt.Errorf("mqtt: connection lost: %w", err))
		}
	})

	client := paho.NewClient(pahoOpts)
	tok := client.Connect()
	if !tok.WaitTimeout(dialTimeout(ctx)) {
		return nil, fmt.Errorf("mqtt: connect: timed out")
	}
	if err := tok.Error(); err != nil {
		return nil, fmt.Errorf("mqtt: connect: %w", err)
	}
	c.client = client
	return c, nil
}

func dialTimeout(ctx context.Context) time.Duration {
	if dl, ok := ctx.Deadline(); ok {
		return time.Until(dl)
	}
	return defaultDialTimeout
}

// Disconnect closes the underlying MQTT connection, waiting up to quiesce
// milliseconds for in-flight work to settle.
func (c *Conn) Disconnect(quiesceMillis uint) { c.client.Disconnect(quiesceMillis) }

// Subscribe implements transport.Transport.
func (c *Conn) Subscribe(ctx context.Context, topic string, opts transport.SubscribeOptions) error {
	tok := c.client.Subscribe(topic, byte(opts.QoS), nil)
	return waitToken(ctx, tok)
}

// Unsubscribe implements transport.Transport.
func (c *Conn) Unsubscribe(ctx context.Context, topic string) error {
	tok := c.client.Unsubscribe(topic)
	return waitToken(ctx, tok)
}

// Publish implements transport.Transport.
func (c *Conn) Publish(ctx context.Context, topic string, payload []byte, opts transport.PublishOptions) error {
	tok := c.client.Publish(topic, byte(opts.QoS), opts.Retain, payload)
	return waitToken(ctx, tok)
}

// OnMessage implements transport.Transport. It installs a single route on
// the "#" filter that fires for every subscribed topic, matching spec.md
// §6's expectation of one inbound-message callback per peer.
func (c *Conn) OnMessage(h transport.MessageHandler) {
	c.client.AddRoute("#", func(_ paho.Client, m paho.Message) {
		h(m.Topic(), m.Payload())
	})
}

// OnError implements transport.Transport.
func (c *Conn) OnError(h transport.ErrorHandler) { c.onErr = h }

// OffMessage implements transport.Transport. Paho has no per-route
// removal API that matches AddRoute("#", ...) exactly, so OffMessage
// clears the route by installing a no-op in its place.
func (c *Conn) OffMessage() {
	c.client.AddRoute("#", func(paho.Client, paho.Message) {})
}

func waitToken(ctx context.Context, tok paho.Token) error {
	done := make(chan struct{})
	go func() { tok.Wait(); close(done) }()
	select {
	case <-done:
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
