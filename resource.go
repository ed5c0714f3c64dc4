package weft

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/lattice-iot/weft/registry"
	"github.com/lattice-iot/weft/transport"
)

// ProvisionHandler answers Resource Fetch requests and/or consumes Resource
// Push streams for a single resource name, discriminated by which of
// info's Out*/In* fields the engine has prefilled (spec.md §4.8):
//
//   - Fetch mode: info.InStream and info.InBuffer are nil. The handler must
//     set exactly one of info.OutData (together with info.HasOutData),
//     info.OutReader, or info.OutFuture before returning, to supply the
//     response payload; returning a nil error with none of the three set
//     fails the fetch: the fetcher observes a *ResourceError carrying the
//     *MissingDataError message.
//   - Push mode: info.InStream and info.InBuffer are populated with the
//     inbound chunk sequence; the handler reads from whichever it needs.
//     Its return value is only reported through the engine's error
//     channel, since push carries no response envelope.
type ProvisionHandler func(params []any, info *ResourceInfo) error

// ResourceInfo extends Info with the resource-specific slots a
// ProvisionHandler uses to produce or consume chunked data.
type ResourceInfo struct {
	Info
	Meta    map[string]any
	HasMeta bool

	// Fetch-mode outputs: the handler sets at most one before returning.
	OutData    []byte
	HasOutData bool
	OutReader  io.Reader
	OutFuture  *Future[[]byte]
	OutMeta    map[string]any
	HasOutMeta bool

	// Push-mode inputs: prefilled by the engine before the handler runs.
	InStream *Stream
	InBuffer *Future[[]byte]
}

type resourceEntry struct {
	handler ProvisionHandler
}

// Provisioning is returned by Provision; its Unprovision method removes the
// handler and all four broker subscriptions it installed.
type Provisioning struct {
	peer     *Peer
	resource string
	done     bool
}

// Unprovision removes the resource handler and unsubscribes the request and
// response topics (broadcast and direct) it was listening on.
func (pr *Provisioning) Unprovision(ctx context.Context) error {
	p := pr.peer
	p.mu.Lock()
	if pr.done {
		p.mu.Unlock()
		return &NotProvisionedError{Resource: pr.resource}
	}
	pr.done = true
	delete(p.resources, pr.resource)
	p.mu.Unlock()

	err1 := p.unsubscribeBoth(ctx, pr.resource, KindResourceRequest)
	err2 := p.unsubscribeBoth(ctx, pr.resource, KindResourceResponse)
	if err1 != nil {
		return err1
	}
	return err2
}

// Provision installs handler as the provisioner of the named resource. A
// provisioner listens on both the request topic (for Fetch calls) and the
// response topic (both for its own outstanding Fetch calls under the same
// name, and for Push streams directed at it), matching spec.md §4.7's
// four-subscription rule. It fails with *AlreadyProvisionedError if this
// peer has already provisioned resource.
func (p *Peer) Provision(ctx context.Context, resource string, handler ProvisionHandler, opts ...PublishOptions) (*Provisioning, error) {
	if err := p.reg.Check(resource, registry.Resource); err != nil {
		return nil, err
	}

	p.mu.Lock()
	if _, exists := p.resources[resource]; exists {
		p.mu.Unlock()
		return nil, &AlreadyProvisionedError{Resource: resource}
	}
	p.resources[resource] = &resourceEntry{handler: handler}
	p.mu.Unlock()

	var o PublishOptions
	if len(opts) > 0 {
		o = opts[0]
	}
	qos := transport.QoS(o.qosOr(qosRequest))

	if err := p.subscribeBoth(ctx, resource, KindResourceRequest, qos); err != nil {
		p.mu.Lock()
		delete(p.resources, resource)
		p.mu.Unlock()
		return nil, err
	}
	if err := p.subscribeBoth(ctx, resource, KindResourceResponse, qos); err != nil {
		_ = p.unsubscribeBoth(ctx, resource, KindResourceRequest)
		p.mu.Lock()
		delete(p.resources, resource)
		p.mu.Unlock()
		return nil, err
	}

	return &Provisioning{peer: p, resource: resource}, nil
}

// fetchEntry is the Fetch-Callback Table entry of spec.md §4.7.1: created by
// fetch, removed on the final or error response, or on timeout.
type fetchEntry struct {
	resource  string
	respTopic string
	stream    *Stream
	buffer    *Future[[]byte]
	meta      *Future[MetaResult]
	timer     *time.Timer

	mu  sync.Mutex
	buf []byte // accumulated alongside stream.push, not read from it
}

func (fe *fetchEntry) appendChunk(b []byte) {
	fe.mu.Lock()
	fe.buf = append(fe.buf, b...)
	fe.mu.Unlock()
}

func (fe *fetchEntry) snapshot() []byte {
	fe.mu.Lock()
	defer fe.mu.Unlock()
	out := make([]byte, len(fe.buf))
	copy(out, fe.buf)
	return out
}

// FetchRequest is the struct-shaped form of a fetch, built by Fetch from
// its positional arguments. No exported method accepts a FetchRequest.
type FetchRequest struct {
	Resource string
	Params   []any
	Receiver string
	Options  PublishOptions
}

// FetchResult delivers a Fetch's response as it arrives: Stream yields the
// raw chunks in order, Buffer resolves once to their full concatenation,
// and Meta resolves once to the metadata (if any) the provisioner attached
// to its first chunk. Stream has exactly one consumer slot; Buffer is kept
// in step by accumulating each chunk as it is pushed, so a caller may use
// either one (or both) without the two racing each other for chunks.
type FetchResult struct {
	Stream *Stream
	Buffer *Future[[]byte]
	Meta   *Future[MetaResult]
}

// Fetch requests a resource's content from its provisioner and returns
// immediately with a FetchResult whose Stream/Buffer/Meta fill in as
// responses arrive. The positional form accepts an optional leading
// Receiver/PublishOptions followed by the fetch's parameters, mirroring
// Call.
func (p *Peer) Fetch(ctx context.Context, resource string, args ...any) (*FetchResult, error) {
	c := classifyArgs(args)
	return p.fetch(ctx, FetchRequest{
		Resource: resource,
		Params:   c.params,
		Receiver: c.receiver,
		Options:  c.options,
	})
}

func (p *Peer) fetch(ctx context.Context, req FetchRequest) (*FetchResult, error) {
	if err := p.reg.Check(req.Resource, registry.Resource); err != nil {
		return nil, err
	}

	rid := newCorrelationID()
	qos := transport.QoS(req.Options.qosOr(qosRequest))
	respTopic := p.scheme.Make(req.Resource, KindResourceResponse, p.id)

	if err := p.acquireResponseTopic(ctx, respTopic, qos); err != nil {
		return nil, err
	}

	fe := &fetchEntry{
		resource:  req.Resource,
		respTopic: respTopic,
		stream:    newStream(),
		buffer:    newFuture[[]byte](),
		meta:      newFuture[MetaResult](),
	}

	// The timer is created and attached to fe before fe is published into
	// p.fetches, and both that attach and settleFetch's read of fe.timer go
	// through p.mu, so the watchdog goroutine never observes fe.timer before
	// it is set.
	timer := time.AfterFunc(p.timeout, func() {
		if !p.settleFetch(rid) {
			return
		}
		rootMetrics.fetchesErr.Add(1)
		toErr := timeoutError(communicationTimeout)
		fe.stream.finish(toErr)
		fe.meta.resolve(MetaResult{}, nil)
		fe.buffer.resolve(fe.snapshot(), toErr)
	})

	p.mu.Lock()
	fe.timer = timer
	p.fetches[rid] = fe
	p.mu.Unlock()
	rootMetrics.fetchesOut.Add(1)
	rootMetrics.fetchesActive.Add(1)

	env := &ResourceRequest{
		Header:   Header{ID: rid, Sender: p.id, Receiver: req.Receiver},
		Resource: req.Resource,
		Params:   req.Params,
	}
	reqTopic := p.scheme.Make(req.Resource, KindResourceRequest, req.Receiver)
	if err := p.publish(ctx, reqTopic, env, transport.ExactlyOnce); err != nil {
		if p.settleFetch(rid) {
			fe.stream.finish(err)
			fe.meta.resolve(MetaResult{}, nil)
			fe.buffer.resolve(nil, err)
		}
		rootMetrics.fetchesErr.Add(1)
		return nil, err
	}

	return &FetchResult{Stream: fe.stream, Buffer: fe.buffer, Meta: fe.meta}, nil
}

// settleFetch removes rid from the Fetch-Callback Table and stops its
// timeout watchdog, returning false if it had already been removed by a
// concurrent caller (the timeout firing and a response arriving race one
// another, and exactly one of them wins).
func (p *Peer) settleFetch(rid string) bool {
	p.mu.Lock()
	fe, ok := p.fetches[rid]
	var timer *time.Timer
	if ok {
		delete(p.fetches, rid)
		timer = fe.timer
	}
	p.mu.Unlock()
	if !ok {
		return false
	}
	if timer != nil {
		timer.Stop()
	}
	rootMetrics.fetchesActive.Add(-1)
	p.releaseResponseTopic(context.Background(), fe.respTopic)
	return true
}

// handleFetchResponse applies an inbound resource-transfer-response to the
// fetch it belongs to. It is the sole producer of fe.stream's chunks;
// Buffer is kept in step by accumulating each chunk here as it is pushed,
// rather than by a second goroutine draining the same stream.
func (p *Peer) handleFetchResponse(fe *fetchEntry, rid string, e *ResourceResponse) {
	if e.HasMeta {
		fe.meta.resolve(MetaResult{Value: e.Meta, Present: true}, nil)
	} else {
		fe.meta.resolve(MetaResult{}, nil)
	}

	if e.IsError {
		rerr := &ResourceError{Msg: e.Error}
		if p.settleFetch(rid) {
			rootMetrics.fetchesErr.Add(1)
		}
		fe.stream.finish(rerr)
		fe.buffer.resolve(fe.snapshot(), rerr)
		return
	}

	if len(e.Chunk) > 0 {
		fe.stream.push(e.Chunk)
		fe.appendChunk(e.Chunk)
	}
	if e.Final {
		p.settleFetch(rid)
		fe.stream.finish(nil)
		fe.buffer.resolve(fe.snapshot(), nil)
	}
}

// pushEntry is the Push-Stream Table entry of spec.md §4.7.3: created on
// the first chunk of an inbound push, removed on the final or error chunk,
// or on idle timeout.
type pushEntry struct {
	resource string
	stream   *Stream
	buffer   *Future[[]byte]
	timer    *time.Timer

	mu  sync.Mutex
	buf []byte
}

func (pe *pushEntry) appendChunk(b []byte) {
	pe.mu.Lock()
	pe.buf = append(pe.buf, b...)
	pe.mu.Unlock()
}

func (pe *pushEntry) snapshot() []byte {
	pe.mu.Lock()
	defer pe.mu.Unlock()
	out := make([]byte, len(pe.buf))
	copy(out, pe.buf)
	return out
}

// PushRequest is the struct-shaped form of a push, built by Push and
// PushStream from their positional arguments. No exported method accepts
// a PushRequest.
type PushRequest struct {
	Resource string
	Data     []byte
	Reader   io.Reader
	Params   []any
	Meta     map[string]any
	Receiver string
	Options  PublishOptions
}

// Push publishes data to a resource's provisioner(s) in chunkSize pieces.
// The positional form accepts an optional leading Receiver/PublishOptions/
// Meta followed by the push's parameters.
func (p *Peer) Push(ctx context.Context, resource string, data []byte, args ...any) error {
	c := classifyArgs(args)
	return p.push(ctx, PushRequest{
		Resource: resource,
		Data:     data,
		Params:   c.params,
		Meta:     c.meta,
		Receiver: c.receiver,
		Options:  c.options,
	})
}

// PushStream publishes r's content to a resource's provisioner(s),
// reading and publishing one chunk at a time rather than buffering r in
// full first.
func (p *Peer) PushStream(ctx context.Context, resource string, r io.Reader, args ...any) error {
	c := classifyArgs(args)
	return p.push(ctx, PushRequest{
		Resource: resource,
		Reader:   r,
		Params:   c.params,
		Meta:     c.meta,
		Receiver: c.receiver,
		Options:  c.options,
	})
}

func (p *Peer) push(ctx context.Context, req PushRequest) error {
	if err := p.reg.Check(req.Resource, registry.Resource); err != nil {
		return err
	}

	rid := newCorrelationID()
	topic := p.scheme.Make(req.Resource, KindResourceResponse, req.Receiver)
	rootMetrics.pushesOut.Add(1)
	return p.sendResourceChunks(ctx, topic, rid, req.Resource, true, req.Params, req.Meta, req.Meta != nil, req.Data, req.Reader)
}

// handleResourceRequest dispatches an inbound resource-transfer-request
// (a Fetch) to the local provisioner, if any, and publishes the response.
func (p *Peer) handleResourceRequest(e *ResourceRequest) {
	p.mu.Lock()
	entry, ok := p.resources[e.Resource]
	p.mu.Unlock()
	if !ok {
		return // no provisioner here; the fetcher will time out
	}
	if e.Sender == "" {
		p.reportError(errMissingSender)
		return
	}

	info := &ResourceInfo{Info: Info{Sender: e.Sender}}
	if e.Receiver != "" {
		info.HasRecv, info.Receiver = true, e.Receiver
	}
	respTopic := p.scheme.Make(e.Resource, KindResourceResponse, e.Sender)
	rid := e.ID

	err := p.invokeProvisionHandler(entry.handler, e.Params, info)
	switch {
	case err != nil:
		p.publishResourceError(respTopic, rid, err)

	case info.HasOutData:
		if perr := p.sendResourceChunks(context.Background(), respTopic, rid, "", false, nil, info.OutMeta, info.HasOutMeta, info.OutData, nil); perr != nil {
			p.reportError(fmt.Errorf("weft: send resource response: %w", perr))
		}

	case info.OutReader != nil:
		if perr := p.sendResourceChunks(context.Background(), respTopic, rid, "", false, nil, info.OutMeta, info.HasOutMeta, nil, info.OutReader); perr != nil {
			p.reportError(fmt.Errorf("weft: send resource response: %w", perr))
		}

	case info.OutFuture != nil:
		p.tasks.Go(func() error {
			data, ferr := info.OutFuture.Wait(context.Background())
			if ferr != nil {
				p.publishResourceError(respTopic, rid, ferr)
				return nil
			}
			if serr := p.sendResourceChunks(context.Background(), respTopic, rid, "", false, nil, info.OutMeta, info.HasOutMeta, data, nil); serr != nil {
				p.reportError(fmt.Errorf("weft: send resource response: %w", serr))
			}
			return nil
		})

	default:
		p.publishResourceError(respTopic, rid, errMissingData)
	}
}

func (p *Peer) publishResourceError(topic, rid string, err error) {
	env := &ResourceResponse{Header: Header{ID: rid, Sender: p.id}, IsError: true, Error: err.Error(), Final: true}
	if perr := p.publish(context.Background(), topic, env, transport.ExactlyOnce); perr != nil {
		p.reportError(fmt.Errorf("weft: publish resource error response: %w", perr))
	}
}

// invokeProvisionHandler calls handler, recovering a panic into an error
// and normalizing an empty error message to "undefined error".
func (p *Peer) invokeProvisionHandler(handler ProvisionHandler, params []any, info *ResourceInfo) (err error) {
	defer func() {
		if x := recover(); x != nil {
			err = fmt.Errorf("handler panicked: %v", x)
		}
	}()
	err = handler(params, info)
	if err != nil && err.Error() == "" {
		err = errUndefined
	}
	return err
}

// handleResourceResponse dispatches an inbound resource-transfer-response:
// if its id belongs to one of this peer's own outstanding fetches, it is
// routed there; otherwise it is treated as a chunk of an inbound Push and
// routed to (or used to create) a push-stream entry.
func (p *Peer) handleResourceResponse(e *ResourceResponse) {
	p.mu.Lock()
	fe, isFetch := p.fetches[e.ID]
	p.mu.Unlock()
	if isFetch {
		p.handleFetchResponse(fe, e.ID, e)
		return
	}

	p.mu.Lock()
	pe, exists := p.pushes[e.ID]
	p.mu.Unlock()

	if !exists {
		if !e.HasResource {
			return // neither an active push nor a recognizable first chunk
		}
		p.mu.Lock()
		entry, ok := p.resources[e.Resource]
		p.mu.Unlock()
		if !ok {
			return // no provisioner for this resource; drop
		}
		pe = p.startPushStream(e, entry)
	}

	p.deliverPushChunk(pe, e)
}

func (p *Peer) startPushStream(e *ResourceResponse, entry *resourceEntry) *pushEntry {
	pe := &pushEntry{resource: e.Resource, stream: newStream(), buffer: newFuture[[]byte]()}

	rid := e.ID
	timer := time.AfterFunc(p.timeout, func() {
		p.mu.Lock()
		_, ok := p.pushes[rid]
		if ok {
			delete(p.pushes, rid)
		}
		p.mu.Unlock()
		if ok {
			toErr := timeoutError(pushStreamTimeout)
			pe.stream.finish(toErr)
			pe.buffer.resolve(pe.snapshot(), toErr)
		}
	})

	p.mu.Lock()
	pe.timer = timer
	p.pushes[e.ID] = pe
	p.mu.Unlock()
	rootMetrics.pushesIn.Add(1)

	info := &ResourceInfo{Info: Info{Sender: e.Sender}, InStream: pe.stream, InBuffer: pe.buffer}
	if e.HasMeta {
		info.Meta, info.HasMeta = e.Meta, true
	}
	if e.Receiver != "" {
		info.HasRecv, info.Receiver = true, e.Receiver
	}

	p.tasks.Go(func() error {
		if err := p.invokeProvisionHandler(entry.handler, e.Params, info); err != nil {
			p.reportError(fmt.Errorf("weft: push handler for %s: %w", e.Resource, err))
		}
		return nil
	})

	return pe
}

func (p *Peer) deliverPushChunk(pe *pushEntry, e *ResourceResponse) {
	p.mu.Lock()
	_, stillPending := p.pushes[e.ID]
	p.mu.Unlock()
	if !stillPending {
		return // already timed out or finished
	}
	pe.timer.Reset(p.timeout)

	if e.IsError {
		rerr := &ResourceError{Msg: e.Error}
		p.settlePush(e.ID, pe)
		pe.stream.finish(rerr)
		pe.buffer.resolve(pe.snapshot(), rerr)
		return
	}
	if len(e.Chunk) > 0 {
		pe.stream.push(e.Chunk)
		pe.appendChunk(e.Chunk)
	}
	if e.Final {
		p.settlePush(e.ID, pe)
		pe.stream.finish(nil)
		pe.buffer.resolve(pe.snapshot(), nil)
	}
}

func (p *Peer) settlePush(rid string, pe *pushEntry) {
	p.mu.Lock()
	delete(p.pushes, rid)
	p.mu.Unlock()
	pe.timer.Stop()
}

// sendResourceChunks publishes one or more resource-transfer-response
// envelopes, applying the chunking rules of spec.md §4.7.2: an empty
// source produces exactly one final response with no chunk; a non-empty
// buffer is split into ceil(len/chunkSize) responses, the last marked
// final; a reader is read chunkSize bytes at a time until io.EOF, with
// each read producing one non-final response and the EOF producing a
// final response with no chunk. Metadata and (for Push) the resource name
// and parameters are attached to the first response only. Exactly one of
// data or reader should be supplied.
func (p *Peer) sendResourceChunks(ctx context.Context, topic, rid, resource string, includeResource bool, params []any, meta map[string]any, hasMeta bool, data []byte, reader io.Reader) error {
	send := func(chunk []byte, final bool, errMsg string, isErr bool, first bool) error {
		env := &ResourceResponse{
			Header: Header{ID: rid, Sender: p.id},
			Chunk:  chunk,
			Final:  final,
		}
		if first && includeResource {
			env.Resource, env.HasResource = resource, true
			env.Params = params
		}
		if first && hasMeta {
			env.Meta, env.HasMeta = meta, true
		}
		if isErr {
			env.IsError, env.Error = true, errMsg
		}
		return p.publish(ctx, topic, env, transport.ExactlyOnce)
	}

	if reader != nil {
		first := true
		buf := make([]byte, p.chunkSize)
		for {
			n, rerr := reader.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				if err := send(chunk, false, "", false, first); err != nil {
					return err
				}
				first = false
			}
			if rerr == io.EOF {
				return send(nil, true, "", false, first)
			}
			if rerr != nil {
				return send(nil, true, rerr.Error(), true, first)
			}
		}
	}

	if len(data) == 0 {
		return send(nil, true, "", false, true)
	}
	first := true
	for off := 0; off < len(data); off += p.chunkSize {
		end := off + p.chunkSize
		if end > len(data) {
			end = len(data)
		}
		if err := send(data[off:end], end == len(data), "", false, first); err != nil {
			return err
		}
		first = false
	}
	return nil
}
