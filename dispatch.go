package weft

import "fmt"

// dispatchMessage is the Base Dispatcher of spec.md §4.2: it decodes and
// validates every inbound MQTT message and routes it to the subsystem that
// owns its envelope kind. It is installed as the transport's sole message
// handler by New and never called directly.
func (p *Peer) dispatchMessage(topic string, payload []byte) {
	rootMetrics.packetsRecv.Add(1)

	decoded, err := p.codec.Decode(payload)
	if err != nil {
		rootMetrics.packetsDropped.Add(1)
		p.reportError(&CodecError{Format: p.format, Err: err})
		return
	}

	env, err := ParseEnvelope(decoded)
	if err != nil {
		rootMetrics.packetsDropped.Add(1)
		p.reportError(err)
		return
	}

	t, ok := p.scheme.Match(topic)
	if !ok {
		rootMetrics.packetsDropped.Add(1)
		p.reportError(protoErrf("", "message on unrecognized topic %q", topic))
		return
	}
	if t.HasPeerID && t.PeerID != p.id {
		rootMetrics.packetsDropped.Add(1)
		return // directed at a different peer; not ours to handle
	}

	switch e := env.(type) {
	case *EventEmission:
		p.tasks.Go(func() error { p.handleEventEmission(e); return nil })
	case *ServiceRequest:
		p.tasks.Go(func() error { p.handleServiceRequest(e); return nil })
	case *ServiceResponse:
		p.handleServiceResponse(e)
	case *ResourceRequest:
		p.tasks.Go(func() error { p.handleResourceRequest(e); return nil })
	case *ResourceResponse:
		p.handleResourceResponse(e)
	default:
		p.reportError(fmt.Errorf("weft: unhandled envelope kind %T", env))
	}
}
