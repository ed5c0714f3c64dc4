// Package memory provides an in-process transport.Transport implementation
// that behaves like a miniature MQTT broker: any number of peers can
// subscribe and publish against a shared Broker without a real network
// connection. It plays the same role for weft's tests that chirp's
// channel.Direct plays for chirp's: a dependency-free fixture that
// exercises the real dispatch path.
//
// Unlike chirp's point-to-point Direct pair, a Broker fans a published
// message out to every subscriber of its exact topic, matching the
// broadcast/direct topic pairs a weft.Peer subscribes to.
package memory

import (
	"context"
	"sync"

	"github.com/lattice-iot/weft/transport"
)

// Broker is a minimal in-process publish/subscribe hub. Topic matching is
// exact-string; weft never relies on MQTT wildcard subscriptions, so none
// are implemented here. The zero value is ready to use.
type Broker struct {
	mu   sync.Mutex
	subs map[string][]*Conn
}

// NewBroker returns a new empty Broker.
func NewBroker() *Broker { return &Broker{subs: make(map[string][]*Conn)} }

func (b *Broker) subscribe(topic string, c *Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs == nil {
		b.subs = make(map[string][]*Conn)
	}
	for _, existing := range b.subs[topic] {
		if existing == c {
			return
		}
	}
	b.subs[topic] = append(b.subs[topic], c)
}

func (b *Broker) unsubscribe(topic string, c *Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.subs[topic]
	for i, existing := range list {
		if existing == c {
			b.subs[topic] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(b.subs[topic]) == 0 {
		delete(b.subs, topic)
	}
}

func (b *Broker) publish(topic string, payload []byte) {
	b.mu.Lock()
	recipients := append([]*Conn(nil), b.subs[topic]...)
	b.mu.Unlock()

	for _, c := range recipients {
		c.deliver(topic, payload)
	}
}

// NewConn registers a new client connection against b and returns its
// transport.Transport handle.
func (b *Broker) NewConn() *Conn {
	return &Conn{broker: b}
}

// Conn is one client's connection to a Broker. It implements
// transport.Transport.
type Conn struct {
	broker *Broker

	mu    sync.Mutex
	onMsg transport.MessageHandler
	onErr transport.ErrorHandler
}

var _ transport.Transport = (*Conn)(nil)

// Subscribe implements transport.Transport.
func (c *Conn) Subscribe(_ context.Context, topic string, _ transport.SubscribeOptions) error {
	c.broker.subscribe(topic, c)
	return nil
}

// Unsubscribe implements transport.Transport.
func (c *Conn) Unsubscribe(_ context.Context, topic string) error {
	c.broker.unsubscribe(topic, c)
	return nil
}

// Publish implements transport.Transport.
func (c *Conn) Publish(_ context.Context, topic string, payload []byte, _ transport.PublishOptions) error {
	c.broker.publish(topic, payload)
	return nil
}

// OnMessage implements transport.Transport.
func (c *Conn) OnMessage(h transport.MessageHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMsg = h
}

// OnError implements transport.Transport.
func (c *Conn) OnError(h transport.ErrorHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onErr = h
}

// OffMessage implements transport.Transport.
func (c *Conn) OffMessage() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMsg = nil
}

func (c *Conn) deliver(topic string, payload []byte) {
	c.mu.Lock()
	h := c.onMsg
	c.mu.Unlock()
	if h != nil {
		h(topic, payload)
	}
}

// ReportError invokes the connection's error handler, if any. It exists so
// test fixtures can simulate a transport-level fault arriving out of band.
func (c *Conn) ReportError(err error) {
	c.mu.Lock()
	h := c.onErr
	c.mu.Unlock()
	if h != nil {
		h(err)
	}
}
