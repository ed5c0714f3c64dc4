// Package transport defines the external collaborator interface a weft
// Peer consumes from an MQTT client library, plus the subscribe/publish
// option types that travel across it. spec.md treats the MQTT client
// itself as out of scope, "consumed via stated interfaces only"; this is
// that interface, modeled directly on spec.md §6's external interfaces
// table (which is itself a close paraphrase of the Eclipse Paho / MQTT.js
// client surface).
package transport

import "context"

// QoS is an MQTT quality-of-service level: 0 (at most once), 1 (at least
// once), or 2 (exactly once).
type QoS byte

const (
	AtMostOnce  QoS = 0
	AtLeastOnce QoS = 1
	ExactlyOnce QoS = 2
)

// SubscribeOptions carries the knobs a Subscribe call may set.
type SubscribeOptions struct {
	QoS QoS
}

// PublishOptions carries the knobs a Publish call may set.
type PublishOptions struct {
	QoS    QoS
	Retain bool
}

// MessageHandler is invoked for every inbound message on any subscribed
// topic. It must not block for long, since a Transport may invoke it
// synchronously from its read loop.
type MessageHandler func(topic string, payload []byte)

// ErrorHandler is invoked when the transport observes an asynchronous
// fault it cannot attribute to a specific pending call (e.g. a decode
// failure surfaced by the dispatcher, or a connection-level error from
// the client library).
type ErrorHandler func(err error)

// Will describes a last-will message to be published by the broker if the
// connection drops uncleanly. It is produced by a dry-run Emit and handed
// to a Transport at connect time; see (*weft.Peer).EmitDry.
type Will struct {
	Topic   string
	Payload []byte
	QoS     QoS
}

// Transport is the contract a weft.Peer requires of an MQTT client: the
// ability to subscribe and unsubscribe topics, publish payloads, and
// receive inbound messages and asynchronous errors through callbacks. A
// Peer installs exactly one MessageHandler and relies on the Transport to
// invoke it for every message on every topic the peer has subscribed to,
// in the order the broker delivered them.
type Transport interface {
	// Subscribe registers interest in topic at the given QoS. It blocks
	// until the broker acknowledges the subscription or ctx ends.
	Subscribe(ctx context.Context, topic string, opts SubscribeOptions) error

	// Unsubscribe removes a prior subscription. It blocks until the broker
	// acknowledges or ctx ends.
	Unsubscribe(ctx context.Context, topic string) error

	// Publish sends payload to topic at the given QoS. It blocks until the
	// broker acknowledges (for QoS > 0) or the write completes (QoS 0).
	Publish(ctx context.Context, topic string, payload []byte, opts PublishOptions) error

	// OnMessage installs the callback invoked for every inbound message.
	// A Peer calls this exactly once, at construction.
	OnMessage(MessageHandler)

	// OnError installs the callback invoked for asynchronous faults not
	// tied to a specific pending operation.
	OnError(ErrorHandler)

	// OffMessage detaches the message handler previously installed with
	// OnMessage, if any. A Peer calls this from Destroy.
	OffMessage()
}
