// Package weft implements a communication-pattern overlay on top of a
// plain MQTT publish/subscribe transport: fire-and-forget Event Emission,
// request/response Service Calls, and chunked-stream Resource Fetch and
// Resource Push, all addressed by named endpoints rather than raw topics.
//
// # Peers
//
// The core type is Peer. Construct one with New, bound to a
// transport.Transport:
//
//	p := weft.New(conn, weft.WithID("peer-a"))
//	defer p.Destroy()
//
// A Peer with a nil transport.Transport is only useful for dry-run
// emission (see EmitDry); such a peer must never be handed a live
// connection.
//
// # Events
//
// Subscribe registers a handler for a named event; Emit publishes one:
//
//	p.Subscribe(ctx, "example/sample", func(params []any, info weft.Info) {
//	    log.Printf("got %v from %s", params, info.Sender)
//	})
//	other.Emit(ctx, "example/sample", "world", 42)
//
// # Services
//
// Register/Call provide request/response semantics with per-call
// correlation, timeout, and error propagation:
//
//	p.Register(ctx, "example/hello", func(params []any, info weft.Info) (any, error) {
//	    return fmt.Sprintf("%v:%v", params[0], params[1]), nil
//	})
//	rsp, err := other.Call(ctx, "example/hello", "world", 42)
//
// # Resources
//
// Provision/Fetch/Push provide chunked bidirectional byte-stream transfer;
// see resource.go for the full protocol.
package weft

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"expvar"
	"fmt"
	"sync"
	"time"

	"github.com/creachadair/taskgroup"
	"github.com/lattice-iot/weft/registry"
	"github.com/lattice-iot/weft/transport"
	"github.com/lattice-iot/weft/wire"
	"github.com/rs/zerolog"
)

// Info is passed as the final argument to every handler callback,
// identifying the caller and, if the call was directed rather than
// broadcast, the peer it was addressed to.
type Info struct {
	Sender   string
	Receiver string
	HasRecv  bool
}

// Peer implements a weft engine bound to one transport.Transport. A zero
// Peer is not usable; construct one with New. Methods of Peer are safe
// for concurrent use by multiple goroutines.
type Peer struct {
	id        string
	codec     wire.Codec
	format    wire.Format
	timeout   time.Duration
	chunkSize int
	scheme    TopicScheme
	logger    zerolog.Logger
	reg       *registry.Registry
	transport transport.Transport

	mu sync.Mutex

	events    map[string]*eventEntry
	services  map[string]*serviceEntry
	resources map[string]*resourceEntry

	pendingCalls map[string]*pendingCall
	fetches      map[string]*fetchEntry
	pushes       map[string]*pushEntry

	respRefs map[string]int // response-topic -> subscriber refcount

	tasks *taskgroup.Group // runs handler invocations off the dispatch path

	errHandler ErrorHandler
	destroyed  bool
}

// ErrorHandler observes dispatcher-local faults (codec/parse failures,
// handler panics, publish failures the spec requires to be surfaced
// rather than returned) and relayed transport faults. See (*Peer).OnError.
type ErrorHandler func(error)

// New constructs a started Peer bound to t. If t is nil, the Peer can
// still be used to produce dry-run Emit results, but must never be used
// for anything else.
func New(t transport.Transport, opts ...Option) *Peer {
	cfg := config{
		id:        randomID(),
		format:    wire.CBOR,
		timeout:   defaultTimeout,
		chunkSize: defaultChunkSize,
		scheme:    DefaultTopicScheme{},
	}
	for _, o := range opts {
		o(&cfg)
	}
	codec := cfg.codec
	if codec == nil {
		c, err := wire.New(cfg.format)
		if err != nil {
			panic(err) // cfg.format is only ever a package constant
		}
		codec = c
	}

	p := &Peer{
		id:           cfg.id,
		codec:        codec,
		format:       cfg.format,
		timeout:      cfg.timeout,
		chunkSize:    cfg.chunkSize,
		scheme:       cfg.scheme,
		logger:       cfg.logger,
		reg:          cfg.registry,
		transport:    t,
		events:       make(map[string]*eventEntry),
		services:     make(map[string]*serviceEntry),
		resources:    make(map[string]*resourceEntry),
		pendingCalls: make(map[string]*pendingCall),
		fetches:      make(map[string]*fetchEntry),
		pushes:       make(map[string]*pushEntry),
		respRefs:     make(map[string]int),
		tasks:        taskgroup.New(nil),
	}

	if t != nil {
		t.OnMessage(p.dispatchMessage)
		t.OnError(func(err error) { p.reportError(&TransportError{Err: err}) })
	}
	return p
}

// ID reports this peer's id segment, used as the terminal topic segment of
// directed topics addressed to it.
func (p *Peer) ID() string { return p.id }

// Metrics returns the process-wide engine metrics map; see expvar.
func (p *Peer) Metrics() *expvar.Map { return rootMetrics.emap }

// OnError registers the callback invoked for dispatcher-local faults
// (codec/parse failures, handler panics, unroutable responses) and for
// faults relayed from the transport's own error channel. Only one handler
// is active at a time; passing nil disables reporting (errors are still
// logged).
func (p *Peer) OnError(h ErrorHandler) *Peer {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.errHandler = h
	return p
}

func (p *Peer) reportError(err error) {
	p.logger.Error().Err(err).Msg("weft: engine error")
	p.mu.Lock()
	h := p.errHandler
	p.mu.Unlock()
	if h != nil {
		h(err)
	}
}

// Destroy detaches the peer's inbound message handler from the transport.
// It does not fail any in-flight calls, fetches, or pushes; they will
// simply time out on their own schedules, per spec.md §5. Destroy is safe
// to call more than once.
func (p *Peer) Destroy() {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return
	}
	p.destroyed = true
	p.mu.Unlock()

	if p.transport != nil {
		p.transport.OffMessage()
	}
}

// newCorrelationID returns a short opaque correlation identifier, unique
// with overwhelming probability within a broker session.
func newCorrelationID() string {
	var b [12]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(err) // crypto/rand failing is not a recoverable condition here
	}
	return hex.EncodeToString(b[:])
}

func randomID() string { return newCorrelationID() }

// publish encodes env and publishes it to topic at the given QoS. It is
// the single choke point every subsystem uses to leave the peer, mirroring
// chirp's Peer.sendOut.
func (p *Peer) publish(ctx context.Context, topic string, env Envelope, qos transport.QoS) error {
	wireVal := env.toWire()
	payload, err := p.codec.Encode(wireVal)
	if err != nil {
		return &CodecError{Format: p.format, Err: err}
	}
	rootMetrics.packetsSent.Add(1)
	if p.transport == nil {
		return errNoTransport
	}
	if err := p.transport.Publish(ctx, topic, payload, transport.PublishOptions{QoS: qos}); err != nil {
		return &TransportError{Err: err}
	}
	return nil
}

var errNoTransport = errors.New("weft: peer has no transport (dry-run-only peer)")

// CodecError reports that an envelope could not be encoded or decoded for
// the wire. It wraps the underlying wire.CodecError.
type CodecError struct {
	Format wire.Format
	Err    error
}

func (e *CodecError) Error() string { return fmt.Sprintf("weft: %v codec: %v", e.Format, e.Err) }
func (e *CodecError) Unwrap() error { return e.Err }

// subscribeBoth subscribes both the broadcast and direct forms of the
// (name, operation) topic pair, at qos. On failure it unsubscribes
// whichever of the pair it had already subscribed, so Subscribe/Register
// never leave a dangling half-subscription behind.
func (p *Peer) subscribeBoth(ctx context.Context, name string, op Kind, qos transport.QoS) error {
	broadcast := p.scheme.Make(name, op, "")
	direct := p.scheme.Make(name, op, p.id)

	if err := p.subscribeTopic(ctx, broadcast, qos); err != nil {
		return err
	}
	if err := p.subscribeTopic(ctx, direct, qos); err != nil {
		_ = p.unsubscribeTopic(ctx, broadcast)
		return err
	}
	return nil
}

func (p *Peer) unsubscribeBoth(ctx context.Context, name string, op Kind) error {
	broadcast := p.scheme.Make(name, op, "")
	direct := p.scheme.Make(name, op, p.id)
	err1 := p.unsubscribeTopic(ctx, broadcast)
	err2 := p.unsubscribeTopic(ctx, direct)
	if err1 != nil {
		return err1
	}
	return err2
}

// subscribeTopic wraps the transport's subscribe in the shape the rest of
// the engine wants: a context-bounded call reporting a *TransportError.
func (p *Peer) subscribeTopic(ctx context.Context, topic string, qos transport.QoS) error {
	if p.transport == nil {
		return errNoTransport
	}
	if err := p.transport.Subscribe(ctx, topic, transport.SubscribeOptions{QoS: qos}); err != nil {
		return &TransportError{Err: err}
	}
	return nil
}

func (p *Peer) unsubscribeTopic(ctx context.Context, topic string) error {
	if p.transport == nil {
		return errNoTransport
	}
	if err := p.transport.Unsubscribe(ctx, topic); err != nil {
		return &TransportError{Err: err}
	}
	return nil
}

// acquireResponseTopic increments the refcount for topic, subscribing it
// at qos if this is the first reference. It implements the Response-Topic
// Refcount table shared by the Service and Resource subsystems.
func (p *Peer) acquireResponseTopic(ctx context.Context, topic string, qos transport.QoS) error {
	p.mu.Lock()
	n := p.respRefs[topic]
	p.mu.Unlock()

	if n > 0 {
		p.mu.Lock()
		p.respRefs[topic] = n + 1
		p.mu.Unlock()
		return nil
	}

	if err := p.subscribeTopic(ctx, topic, qos); err != nil {
		return err
	}
	p.mu.Lock()
	p.respRefs[topic]++
	p.mu.Unlock()
	return nil
}

// releaseResponseTopic decrements the refcount for topic, unsubscribing it
// when it reaches zero.
func (p *Peer) releaseResponseTopic(ctx context.Context, topic string) {
	p.mu.Lock()
	n := p.respRefs[topic] - 1
	if n <= 0 {
		delete(p.respRefs, topic)
	} else {
		p.respRefs[topic] = n
	}
	p.mu.Unlock()

	if n <= 0 {
		_ = p.unsubscribeTopic(context.Background(), topic)
	}
}
