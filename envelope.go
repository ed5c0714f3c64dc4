package weft

// Kind identifies one of the five envelope variants exchanged between
// peers. The wire value of Kind is also the default topic scheme's
// "operation" segment (see topic.go).
type Kind string

const (
	KindEventEmission    Kind = "event-emission"
	KindServiceRequest   Kind = "service-call-request"
	KindServiceResponse  Kind = "service-call-response"
	KindResourceRequest  Kind = "resource-transfer-request"
	KindResourceResponse Kind = "resource-transfer-response"
)

// Envelope is satisfied by every concrete envelope variant. Base returns the
// fields common to all variants.
type Envelope interface {
	Kind() Kind
	Base() Header
	toWire() map[string]any
}

// Header carries the fields common to every envelope variant.
type Header struct {
	ID       string // correlation identifier, required
	Sender   string // sending peer's id; empty if not supplied
	Receiver string // directed recipient's peer id; empty if broadcast
}

func (h Header) put(m map[string]any, typ Kind) {
	m["type"] = string(typ)
	m["id"] = h.ID
	if h.Sender != "" {
		m["sender"] = h.Sender
	}
	if h.Receiver != "" {
		m["receiver"] = h.Receiver
	}
}

// EventEmission is a fire-and-forget message with ordered parameters.
type EventEmission struct {
	Header
	Event  string
	Params []any
}

func (e *EventEmission) Kind() Kind   { return KindEventEmission }
func (e *EventEmission) Base() Header { return e.Header }
func (e *EventEmission) toWire() map[string]any {
	m := map[string]any{}
	e.Header.put(m, KindEventEmission)
	m["event"] = e.Event
	if e.Params != nil {
		m["params"] = e.Params
	}
	return m
}

// ServiceRequest asks a registrant to invoke a service method.
type ServiceRequest struct {
	Header
	Service string
	Params  []any
}

func (e *ServiceRequest) Kind() Kind   { return KindServiceRequest }
func (e *ServiceRequest) Base() Header { return e.Header }
func (e *ServiceRequest) toWire() map[string]any {
	m := map[string]any{}
	e.Header.put(m, KindServiceRequest)
	m["service"] = e.Service
	if e.Params != nil {
		m["params"] = e.Params
	}
	return m
}

// ServiceResponse carries the outcome of a ServiceRequest. Exactly one of
// IsError or a successful Result applies: when IsError is true, Error holds
// the failure message and Result is meaningless.
type ServiceResponse struct {
	Header
	Result  any
	IsError bool
	Error   string
}

func (e *ServiceResponse) Kind() Kind   { return KindServiceResponse }
func (e *ServiceResponse) Base() Header { return e.Header }
func (e *ServiceResponse) toWire() map[string]any {
	m := map[string]any{}
	e.Header.put(m, KindServiceResponse)
	if e.IsError {
		m["error"] = e.Error
	} else if e.Result != nil {
		m["result"] = e.Result
	}
	return m
}

// ResourceRequest asks a provisioner to begin a fetch or push exchange for a
// named resource.
type ResourceRequest struct {
	Header
	Resource string
	Params   []any
}

func (e *ResourceRequest) Kind() Kind   { return KindResourceRequest }
func (e *ResourceRequest) Base() Header { return e.Header }
func (e *ResourceRequest) toWire() map[string]any {
	m := map[string]any{}
	e.Header.put(m, KindResourceRequest)
	m["resource"] = e.Resource
	if e.Params != nil {
		m["params"] = e.Params
	}
	return m
}

// ResourceResponse carries one chunk of a fetch or push transfer. Resource
// is present only for push traffic, distinguishing it from a fetch
// response sharing the same Kind (see resource.go).
type ResourceResponse struct {
	Header
	Resource    string // present (non-empty) only for push traffic
	HasResource bool
	Params      []any
	Chunk       []byte
	Meta        map[string]any
	HasMeta     bool
	IsError     bool
	Error       string
	Final       bool
}

func (e *ResourceResponse) Kind() Kind   { return KindResourceResponse }
func (e *ResourceResponse) Base() Header { return e.Header }
func (e *ResourceResponse) toWire() map[string]any {
	m := map[string]any{}
	e.Header.put(m, KindResourceResponse)
	if e.HasResource {
		m["resource"] = e.Resource
	}
	if e.Params != nil {
		m["params"] = e.Params
	}
	if e.Chunk != nil {
		m["chunk"] = e.Chunk
	}
	if e.HasMeta {
		m["meta"] = e.Meta
	}
	if e.IsError {
		m["error"] = e.Error
	}
	m["final"] = e.Final
	return m
}

// fieldSets lists the fields permitted for each Kind, beyond the common
// header fields (type, id, sender, receiver). ParseEnvelope rejects any
// decoded object carrying a field outside this set for its Kind.
var fieldSets = map[Kind]map[string]bool{
	KindEventEmission:    {"event": true, "params": true},
	KindServiceRequest:   {"service": true, "params": true},
	KindServiceResponse:  {"result": true, "error": true},
	KindResourceRequest:  {"resource": true, "params": true},
	KindResourceResponse: {"resource": true, "params": true, "chunk": true, "meta": true, "error": true, "final": true},
}

var commonFields = map[string]bool{"type": true, "id": true, "sender": true, "receiver": true}

// ParseEnvelope validates a generically decoded value (as produced by a
// wire.Codec's Decode) and converts it into its typed Envelope variant.
// It rejects any object that is missing a required field, has a
// wrong-shaped field, or carries fields not listed in spec.md §3 for its
// Kind.
func ParseEnvelope(v any) (Envelope, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return nil, protoErrf("", "envelope is not an object (got %T)", v)
	}

	rawType, ok := m["type"]
	if !ok {
		return nil, protoErrf("type", "missing required field")
	}
	typeStr, ok := rawType.(string)
	if !ok {
		return nil, protoErrf("type", "must be a string, got %T", rawType)
	}
	kind := Kind(typeStr)

	allowed, ok := fieldSets[kind]
	if !ok {
		return nil, protoErrf("type", "unknown envelope type %q", typeStr)
	}
	for k := range m {
		if commonFields[k] || allowed[k] {
			continue
		}
		return nil, protoErrf(k, "field not permitted for envelope type %q", typeStr)
	}

	hdr, err := parseHeader(m)
	if err != nil {
		return nil, err
	}

	switch kind {
	case KindEventEmission:
		event, err := reqString(m, "event")
		if err != nil {
			return nil, err
		}
		params, err := optParams(m)
		if err != nil {
			return nil, err
		}
		return &EventEmission{Header: hdr, Event: event, Params: params}, nil

	case KindServiceRequest:
		service, err := reqString(m, "service")
		if err != nil {
			return nil, err
		}
		params, err := optParams(m)
		if err != nil {
			return nil, err
		}
		return &ServiceRequest{Header: hdr, Service: service, Params: params}, nil

	case KindServiceResponse:
		rsp := &ServiceResponse{Header: hdr}
		if raw, ok := m["error"]; ok {
			msg, ok := raw.(string)
			if !ok {
				return nil, protoErrf("error", "must be a string, got %T", raw)
			}
			rsp.IsError = true
			rsp.Error = msg
		} else if raw, ok := m["result"]; ok {
			rsp.Result = raw
		}
		return rsp, nil

	case KindResourceRequest:
		resource, err := reqString(m, "resource")
		if err != nil {
			return nil, err
		}
		params, err := optParams(m)
		if err != nil {
			return nil, err
		}
		return &ResourceRequest{Header: hdr, Resource: resource, Params: params}, nil

	case KindResourceResponse:
		rsp := &ResourceResponse{Header: hdr}
		if raw, ok := m["resource"]; ok {
			s, ok := raw.(string)
			if !ok {
				return nil, protoErrf("resource", "must be a string, got %T", raw)
			}
			rsp.Resource = s
			rsp.HasResource = true
		}
		params, err := optParams(m)
		if err != nil {
			return nil, err
		}
		rsp.Params = params
		if raw, ok := m["chunk"]; ok && raw != nil {
			b, ok := raw.([]byte)
			if !ok {
				return nil, protoErrf("chunk", "must be bytes or null, got %T", raw)
			}
			rsp.Chunk = b
		}
		if raw, ok := m["meta"]; ok {
			if raw == nil {
				rsp.HasMeta = true
			} else {
				mm, ok := raw.(map[string]any)
				if !ok {
					return nil, protoErrf("meta", "must be an object, got %T", raw)
				}
				rsp.Meta = mm
				rsp.HasMeta = true
			}
		}
		if raw, ok := m["error"]; ok {
			s, ok := raw.(string)
			if !ok {
				return nil, protoErrf("error", "must be a string, got %T", raw)
			}
			rsp.IsError = true
			rsp.Error = s
		}
		if raw, ok := m["final"]; ok {
			b, ok := raw.(bool)
			if !ok {
				return nil, protoErrf("final", "must be a bool, got %T", raw)
			}
			rsp.Final = b
		}
		return rsp, nil
	}

	return nil, protoErrf("type", "unhandled envelope type %q", typeStr)
}

func parseHeader(m map[string]any) (Header, error) {
	id, err := reqString(m, "id")
	if err != nil {
		return Header{}, err
	}
	var hdr Header
	hdr.ID = id
	if raw, ok := m["sender"]; ok {
		s, ok := raw.(string)
		if !ok {
			return Header{}, protoErrf("sender", "must be a string, got %T", raw)
		}
		hdr.Sender = s
	}
	if raw, ok := m["receiver"]; ok {
		s, ok := raw.(string)
		if !ok {
			return Header{}, protoErrf("receiver", "must be a string, got %T", raw)
		}
		hdr.Receiver = s
	}
	return hdr, nil
}

func reqString(m map[string]any, field string) (string, error) {
	raw, ok := m[field]
	if !ok {
		return "", protoErrf(field, "missing required field")
	}
	s, ok := raw.(string)
	if !ok {
		return "", protoErrf(field, "must be a string, got %T", raw)
	}
	return s, nil
}

func optParams(m map[string]any) ([]any, error) {
	raw, ok := m["params"]
	if !ok || raw == nil {
		return nil, nil
	}
	arr, ok := raw.([]any)
	if !ok {
		return nil, protoErrf("params", "must be an array, got %T", raw)
	}
	return arr, nil
}
