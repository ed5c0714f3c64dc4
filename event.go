package weft

import (
	"context"

	"github.com/lattice-iot/weft/registry"
	"github.com/lattice-iot/weft/transport"
)

// EventHandler receives the parameters of an emitted event, followed by
// delivery metadata.
type EventHandler func(params []any, info Info)

type eventEntry struct {
	handler EventHandler
}

// Subscription is returned by Subscribe; its Unsubscribe method removes
// the handler and the broker subscriptions it installed. A second call to
// Unsubscribe on the same Subscription fails with *NotSubscribedError.
type Subscription struct {
	peer  *Peer
	event string
	done  bool
}

// Unsubscribe removes the event handler and unsubscribes both the
// broadcast and direct topics it was listening on.
func (s *Subscription) Unsubscribe(ctx context.Context) error {
	p := s.peer
	p.mu.Lock()
	if s.done {
		p.mu.Unlock()
		return &NotSubscribedError{Event: s.event}
	}
	s.done = true
	delete(p.events, s.event)
	p.mu.Unlock()

	return p.unsubscribeBoth(ctx, s.event, KindEventEmission)
}

// Subscribe registers handler to receive every event emitted under the
// given name, whether broadcast or directed at this peer. It fails with
// *AlreadySubscribedError if this peer already has a handler for event.
// The opts argument may be omitted; if supplied, it overrides the default
// QoS of 0 for both underlying broker subscriptions.
func (p *Peer) Subscribe(ctx context.Context, event string, handler EventHandler, opts ...PublishOptions) (*Subscription, error) {
	if err := p.reg.Check(event, registry.Event); err != nil {
		return nil, err
	}

	p.mu.Lock()
	if _, exists := p.events[event]; exists {
		p.mu.Unlock()
		return nil, &AlreadySubscribedError{Event: event}
	}
	p.events[event] = &eventEntry{handler: handler}
	p.mu.Unlock()

	var o PublishOptions
	if len(opts) > 0 {
		o = opts[0]
	}
	qos := transport.QoS(o.qosOr(qosEvent))

	if err := p.subscribeBoth(ctx, event, KindEventEmission, qos); err != nil {
		p.mu.Lock()
		delete(p.events, event)
		p.mu.Unlock()
		return nil, err
	}

	return &Subscription{peer: p, event: event}, nil
}

// EmitRequest is the struct-shaped form of an emission. Emit builds one
// from its positional arguments; EmitDry accepts one directly.
type EmitRequest struct {
	Event    string
	Params   []any
	Receiver string // empty means broadcast
	Options  PublishOptions
	Meta     map[string]any // currently unused by events; reserved for symmetry
	Dry      bool
}

// DryRunPublish is the result of a dry-run Emit: the topic, encoded
// payload, and options that would have been published, along with a
// ready-made transport.Will for last-will wiring.
type DryRunPublish struct {
	Topic   string
	Payload []byte
	Options PublishOptions
	Will    transport.Will
}

// Emit publishes an event. The positional form accepts an optional leading
// Receiver/PublishOptions (see (*Peer).Receiver and classifyArgs) followed
// by the event's parameters:
//
//	p.Emit(ctx, "example/sample", "world", 42)
//	p.Emit(ctx, "example/sample", p.Receiver("peer-b"), "world", 42)
//
// For dry-run emission (producing an MQTT last-will triple without
// publishing), use EmitDry instead.
func (p *Peer) Emit(ctx context.Context, event string, args ...any) error {
	c := classifyArgs(args)
	_, err := p.emit(ctx, EmitRequest{
		Event:    event,
		Params:   c.params,
		Receiver: c.receiver,
		Options:  c.options,
	})
	return err
}

// EmitDry builds the envelope and topic exactly as Emit would, but returns
// the would-be publish tuple instead of publishing it. The peer used for
// this may have been constructed with a nil transport.
func (p *Peer) EmitDry(req EmitRequest) (*DryRunPublish, error) {
	req.Dry = true
	return p.emit(context.Background(), req)
}

func (p *Peer) emit(ctx context.Context, req EmitRequest) (*DryRunPublish, error) {
	if err := p.reg.Check(req.Event, registry.Event); err != nil {
		return nil, err
	}

	env := &EventEmission{
		Header: Header{
			ID:       newCorrelationID(),
			Sender:   p.id,
			Receiver: req.Receiver,
		},
		Event:  req.Event,
		Params: req.Params,
	}
	topic := p.scheme.Make(req.Event, KindEventEmission, req.Receiver)
	qos := transport.QoS(req.Options.qosOr(qosEvent))

	if req.Dry {
		payload, err := p.codec.Encode(env.toWire())
		if err != nil {
			return nil, &CodecError{Format: p.format, Err: err}
		}
		return &DryRunPublish{
			Topic:   topic,
			Payload: payload,
			Options: req.Options,
			Will:    transport.Will{Topic: topic, Payload: payload, QoS: qos},
		}, nil
	}

	rootMetrics.eventsEmitted.Add(1)
	if err := p.publish(ctx, topic, env, qos); err != nil {
		return nil, err
	}
	return nil, nil
}

// handleEventEmission dispatches an inbound event-emission envelope to the
// locally registered handler, if any. Handler panics and any handler
// invocation error are reported through the error channel rather than
// torn down; spec.md §4.5 makes event handlers uniformly non-fatal.
func (p *Peer) handleEventEmission(e *EventEmission) {
	rootMetrics.eventsReceived.Add(1)

	p.mu.Lock()
	entry, ok := p.events[e.Event]
	p.mu.Unlock()
	if !ok {
		return
	}

	info := Info{Sender: e.Sender}
	if e.Receiver != "" {
		info.Receiver, info.HasRecv = e.Receiver, true
	}

	func() {
		defer func() {
			if x := recover(); x != nil {
				p.reportError(&eventHandlerPanic{Event: e.Event, Value: x})
			}
		}()
		entry.handler(e.Params, info)
	}()
}

type eventHandlerPanic struct {
	Event string
	Value any
}

func (e *eventHandlerPanic) Error() string {
	return "weft: event handler for " + e.Event + " panicked"
}
