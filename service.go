package weft

import (
	"context"
	"fmt"
	"time"

	"github.com/lattice-iot/weft/registry"
	"github.com/lattice-iot/weft/transport"
)

// ServiceHandler invokes a registered service method with the caller's
// parameters, returning a result or an error. A non-nil error becomes the
// ServiceError text the caller's Call observes; an empty error message is
// reported as "undefined error" so a caller never sees a blank failure.
type ServiceHandler func(params []any, info Info) (any, error)

type serviceEntry struct {
	handler ServiceHandler
}

// Registration is returned by Register; its Unregister method removes the
// handler and its broker subscriptions.
type Registration struct {
	peer    *Peer
	service string
	done    bool
}

// Unregister removes the service handler and unsubscribes both the
// broadcast and direct request topics it was listening on.
func (r *Registration) Unregister(ctx context.Context) error {
	p := r.peer
	p.mu.Lock()
	if r.done {
		p.mu.Unlock()
		return &NotRegisteredError{Service: r.service}
	}
	r.done = true
	delete(p.services, r.service)
	p.mu.Unlock()

	return p.unsubscribeBoth(ctx, r.service, KindServiceRequest)
}

// Register installs handler to service inbound calls for the named
// service, whether broadcast or directed at this peer. It fails with
// *AlreadyRegisteredError if this peer already has a handler for service.
func (p *Peer) Register(ctx context.Context, service string, handler ServiceHandler, opts ...PublishOptions) (*Registration, error) {
	if err := p.reg.Check(service, registry.Service); err != nil {
		return nil, err
	}

	p.mu.Lock()
	if _, exists := p.services[service]; exists {
		p.mu.Unlock()
		return nil, &AlreadyRegisteredError{Service: service}
	}
	p.services[service] = &serviceEntry{handler: handler}
	p.mu.Unlock()

	var o PublishOptions
	if len(opts) > 0 {
		o = opts[0]
	}
	qos := transport.QoS(o.qosOr(qosRequest))

	if err := p.subscribeBoth(ctx, service, KindServiceRequest, qos); err != nil {
		p.mu.Lock()
		delete(p.services, service)
		p.mu.Unlock()
		return nil, err
	}

	return &Registration{peer: p, service: service}, nil
}

// pendingCall is the Pending-Call Table entry of spec.md §3: created by
// Call, removed on first response or on timeout.
type pendingCall struct {
	service string
	result  chan *ServiceResponse
}

// CallRequest is the struct-shaped form of a call, built by Call from its
// positional arguments. No exported method accepts a CallRequest.
type CallRequest struct {
	Service  string
	Params   []any
	Receiver string
	Options  PublishOptions
}

// Call invokes a remote service and blocks until a response arrives, the
// deadline set by WithTimeout elapses, or ctx ends. The positional form
// accepts an optional leading Receiver/PublishOptions followed by the
// call's parameters:
//
//	rsp, err := p.Call(ctx, "example/hello", "world", 42)
//
// An error returned by the registrant's handler surfaces here as
// *ServiceError; exceeding the timeout surfaces as *TimeoutError.
func (p *Peer) Call(ctx context.Context, service string, args ...any) (any, error) {
	c := classifyArgs(args)
	return p.call(ctx, CallRequest{
		Service:  service,
		Params:   c.params,
		Receiver: c.receiver,
		Options:  c.options,
	})
}

func (p *Peer) call(ctx context.Context, req CallRequest) (any, error) {
	if err := p.reg.Check(req.Service, registry.Service); err != nil {
		return nil, err
	}

	rid := newCorrelationID()
	qos := transport.QoS(req.Options.qosOr(qosRequest))
	respTopic := p.scheme.Make(req.Service, KindServiceResponse, p.id)

	if err := p.acquireResponseTopic(ctx, respTopic, qos); err != nil {
		return nil, err
	}

	pc := &pendingCall{service: req.Service, result: make(chan *ServiceResponse, 1)}
	p.mu.Lock()
	p.pendingCalls[rid] = pc
	p.mu.Unlock()
	rootMetrics.callsOut.Add(1)
	rootMetrics.callsPending.Add(1)
	defer rootMetrics.callsPending.Add(-1)

	cleanup := func() {
		p.mu.Lock()
		delete(p.pendingCalls, rid)
		p.mu.Unlock()
		p.releaseResponseTopic(context.Background(), respTopic)
	}

	env := &ServiceRequest{
		Header: Header{ID: rid, Sender: p.id, Receiver: req.Receiver},
		Service: req.Service,
		Params:  req.Params,
	}
	reqTopic := p.scheme.Make(req.Service, KindServiceRequest, req.Receiver)
	if err := p.publish(ctx, reqTopic, env, transport.ExactlyOnce); err != nil {
		p.mu.Lock()
		_, stillPending := p.pendingCalls[rid]
		p.mu.Unlock()
		if stillPending {
			cleanup()
		}
		rootMetrics.callsOutErr.Add(1)
		return nil, err
	}

	timer := time.NewTimer(p.timeout)
	defer timer.Stop()

	select {
	case rsp := <-pc.result:
		cleanup()
		if rsp.IsError {
			rootMetrics.callsOutErr.Add(1)
			return nil, &ServiceError{Msg: rsp.Error}
		}
		return rsp.Result, nil

	case <-timer.C:
		cleanup()
		rootMetrics.callsOutErr.Add(1)
		return nil, timeoutError(communicationTimeout)

	case <-ctx.Done():
		cleanup()
		rootMetrics.callsOutErr.Add(1)
		return nil, ctx.Err()
	}
}

// handleServiceRequest dispatches an inbound service-call-request to the
// local registration, if any, and publishes the response.
func (p *Peer) handleServiceRequest(e *ServiceRequest) {
	rootMetrics.callsIn.Add(1)

	p.mu.Lock()
	entry, ok := p.services[e.Service]
	p.mu.Unlock()

	rsp := &ServiceResponse{Header: Header{ID: e.ID, Sender: p.id}}
	if !ok {
		rsp.IsError = true
		rsp.Error = fmt.Sprintf("method not found: %s", e.Service)
	} else {
		info := Info{Sender: e.Sender}
		if e.Receiver != "" {
			info.Receiver, info.HasRecv = e.Receiver, true
		}
		rootMetrics.callsActive.Add(1)
		result, err := p.invokeServiceHandler(entry.handler, e.Params, info)
		rootMetrics.callsActive.Add(-1)
		if err != nil {
			rootMetrics.callsInErr.Add(1)
			rsp.IsError = true
			rsp.Error = err.Error()
		} else {
			rsp.Result = result
		}
	}

	if e.Sender == "" {
		p.reportError(errMissingSender)
		return
	}

	respTopic := p.scheme.Make(e.Service, KindServiceResponse, e.Sender)
	if err := p.publish(context.Background(), respTopic, rsp, transport.ExactlyOnce); err != nil {
		p.reportError(fmt.Errorf("publish service response: %w", err))
	}
}

// invokeServiceHandler calls handler, recovering a panic into an error and
// normalizing an empty error message to "undefined error" (spec.md §4.6).
func (p *Peer) invokeServiceHandler(handler ServiceHandler, params []any, info Info) (result any, err error) {
	defer func() {
		if x := recover(); x != nil {
			err = fmt.Errorf("handler panicked: %v", x)
		}
	}()
	result, err = handler(params, info)
	if err != nil && err.Error() == "" {
		err = errUndefined
	}
	return result, err
}

var errUndefined = fmt.Errorf("undefined error")

// handleServiceResponse dispatches an inbound service-call-response to its
// pending call, if one is still waiting.
func (p *Peer) handleServiceResponse(e *ServiceResponse) {
	p.mu.Lock()
	pc, ok := p.pendingCalls[e.ID]
	p.mu.Unlock()
	if !ok {
		return // unknown or already-resolved request id; discard
	}
	pc.result <- e
}
