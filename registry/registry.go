// Package registry provides a runtime endpoint-kind registry, used in place
// of the compile-time endpoint-type branding described in spec.md §9
// ("Endpoint-type tagging"). It plays the same role for a weft.Peer that
// chirp's catalog package plays for a chirp.Peer: a small, optional,
// shareable side-table a caller declares once and binds to a peer, except
// where a Catalog maps names to numeric method IDs for wire efficiency, a
// Registry maps names to the Kind of traffic they carry, so that using the
// wrong verb against a name (Call against an event, Fetch against a
// service) is caught at the call site instead of silently timing out.
package registry

import "fmt"

// Kind identifies which of the three endpoint families a name was declared
// under.
type Kind int

const (
	Event Kind = iota
	Service
	Resource
)

func (k Kind) String() string {
	switch k {
	case Event:
		return "event"
	case Service:
		return "service"
	case Resource:
		return "resource"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// A Registry declares the Kind of every named endpoint an application uses.
// The zero value is an empty, ready-to-use Registry. It is safe for
// concurrent reads; Declare must not be called concurrently with other
// methods.
type Registry struct {
	kinds map[string]Kind
}

// New returns a new empty Registry.
func New() *Registry { return &Registry{kinds: make(map[string]Kind)} }

// Declare records that name carries Kind traffic, and returns the receiver
// to permit chaining. Declaring the same name twice with different kinds
// overwrites the previous declaration.
func (r *Registry) Declare(name string, kind Kind) *Registry {
	if r.kinds == nil {
		r.kinds = make(map[string]Kind)
	}
	r.kinds[name] = kind
	return r
}

// Events declares every name in names as Event and returns the receiver.
func (r *Registry) Events(names ...string) *Registry { return r.declareAll(names, Event) }

// Services declares every name in names as Service and returns the
// receiver.
func (r *Registry) Services(names ...string) *Registry { return r.declareAll(names, Service) }

// Resources declares every name in names as Resource and returns the
// receiver.
func (r *Registry) Resources(names ...string) *Registry { return r.declareAll(names, Resource) }

func (r *Registry) declareAll(names []string, kind Kind) *Registry {
	for _, n := range names {
		r.Declare(n, kind)
	}
	return r
}

// Lookup reports the Kind declared for name, and whether name has been
// declared at all.
func (r *Registry) Lookup(name string) (kind Kind, ok bool) {
	if r == nil {
		return 0, false
	}
	kind, ok = r.kinds[name]
	return
}

// Check reports an error if name has been declared under a Kind other than
// want. An undeclared name is permitted unconditionally: a Registry only
// rejects known mismatches, it does not require exhaustive declaration.
func (r *Registry) Check(name string, want Kind) error {
	if r == nil {
		return nil
	}
	got, ok := r.kinds[name]
	if !ok || got == want {
		return nil
	}
	return fmt.Errorf("registry: %q is declared as %v, not %v", name, got, want)
}
