package weft

import (
	"time"

	"github.com/lattice-iot/weft/registry"
	"github.com/lattice-iot/weft/wire"
	"github.com/rs/zerolog"
)

// PublishOptions carries the per-call knobs a caller may override. QoS
// sets the QoS of the broker subscriptions made by Subscribe, Register,
// and Provision, of the publish made by Emit, and of the response-topic
// subscription made by Call and Fetch. The request publishes of Call and
// Fetch always use QoS 2, and Push and PushStream publish every chunk at
// QoS 2 whatever options they are given. Retain is not applied: the
// engine never publishes a retained message. The zero value selects the
// endpoint kind's default QoS (0 for events, 2 for services and
// resources).
type PublishOptions struct {
	QoS      byte
	HasQoS   bool
	Retain   bool
}

func (o PublishOptions) qosOr(def byte) byte {
	if o.HasQoS {
		return o.QoS
	}
	return def
}

const (
	defaultTimeout   = 10 * time.Second
	defaultChunkSize = 16384
	qosEvent         = 0
	qosRequest       = 2
)

// config holds the resolved construction-time settings for a Peer.
type config struct {
	id         string
	codec      wire.Codec
	format     wire.Format
	timeout    time.Duration
	chunkSize  int
	scheme     TopicScheme
	logger     zerolog.Logger
	registry   *registry.Registry
}

// Option configures a Peer at construction time.
type Option func(*config)

// WithID sets this peer's id segment used in directed topics. The default
// is a random short opaque string.
func WithID(id string) Option { return func(c *config) { c.id = id } }

// WithCodec selects the wire format used to encode and decode envelopes.
// The default is wire.CBOR.
func WithCodec(f wire.Format) Option { return func(c *config) { c.format = f } }

// WithTimeout sets the deadline for calls, fetches, and push-stream idle
// detection. The default is 10 seconds.
func WithTimeout(d time.Duration) Option { return func(c *config) { c.timeout = d } }

// WithChunkSize sets the maximum payload bytes per resource chunk envelope.
// The default is 16384.
func WithChunkSize(n int) Option { return func(c *config) { c.chunkSize = n } }

// WithTopicScheme replaces the default `${name}/${operation}/${peerId}`
// topic naming convention with a caller-supplied scheme.
func WithTopicScheme(s TopicScheme) Option { return func(c *config) { c.scheme = s } }

// WithLogger attaches a structured logger used to report dispatcher-local
// faults (codec/parse failures, handler panics, teardown errors) that spec.md
// §7 says must be surfaced without failing the call in progress. The
// default is a disabled logger, so a Peer is silent unless one is supplied.
func WithLogger(log zerolog.Logger) Option { return func(c *config) { c.logger = log } }

// WithEndpointRegistry attaches a registry.Registry used to validate that
// Subscribe/Emit, Register/Call, and Provision/Fetch/Push are only used
// against endpoint names declared with the matching registry.Kind. Without
// a registry, no such validation occurs (see spec.md §9, "Endpoint-type
// tagging").
func WithEndpointRegistry(r *registry.Registry) Option {
	return func(c *config) { c.registry = r }
}
