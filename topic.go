package weft

import "strings"

// anySegment is the reserved final topic segment meaning "broadcast",
// i.e. no specific peerId is targeted.
const anySegment = "any"

// Topic identifies a parsed (name, operation, peerId) triple.
type Topic struct {
	Name      string
	Operation Kind
	PeerID    string // empty if the topic is a broadcast topic
	HasPeerID bool
}

// TopicScheme maps between (endpoint name, operation, peerId) triples and
// MQTT topic strings. The core never parses topic strings directly; all
// access goes through a peer's configured TopicScheme, so callers may
// supply their own naming convention in place of DefaultTopicScheme.
type TopicScheme interface {
	// Make builds the topic string used to publish or subscribe for the
	// given endpoint name, operation, and (optional) target peer id. An
	// empty peerID means broadcast.
	Make(name string, operation Kind, peerID string) string

	// Match parses a topic string produced by Make (possibly by a
	// different peer using the same scheme) back into its components. It
	// reports ok=false if topic does not have the expected shape.
	Match(topic string) (t Topic, ok bool)
}

// DefaultTopicScheme implements the `${name}/${operation}/${peerId ?? "any"}`
// convention described in spec.md §4.3.
type DefaultTopicScheme struct{}

// Make implements TopicScheme.
func (DefaultTopicScheme) Make(name string, operation Kind, peerID string) string {
	seg := peerID
	if seg == "" {
		seg = anySegment
	}
	return name + "/" + string(operation) + "/" + seg
}

// Match implements TopicScheme. It splits from the right, since name may
// itself contain "/" (every example in spec.md does, e.g. "example/sample"):
// the last segment is the peer id, the second-to-last is the operation, and
// everything before that is the name.
func (DefaultTopicScheme) Match(topic string) (Topic, bool) {
	parts := strings.Split(topic, "/")
	if len(parts) < 3 {
		return Topic{}, false
	}
	seg := parts[len(parts)-1]
	op := parts[len(parts)-2]
	nameParts := parts[:len(parts)-2]
	if len(nameParts) == 0 || op == "" || seg == "" {
		return Topic{}, false
	}
	for _, p := range nameParts {
		if p == "" {
			return Topic{}, false
		}
	}
	name := strings.Join(nameParts, "/")
	if !isKnownOperation(Kind(op)) {
		return Topic{}, false
	}
	t := Topic{Name: name, Operation: Kind(op)}
	if seg != anySegment {
		t.PeerID = seg
		t.HasPeerID = true
	}
	return t, true
}

func isKnownOperation(k Kind) bool {
	switch k {
	case KindEventEmission, KindServiceRequest, KindServiceResponse,
		KindResourceRequest, KindResourceResponse:
		return true
	default:
		return false
	}
}
