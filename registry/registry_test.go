package registry_test

import (
	"testing"

	"github.com/lattice-iot/weft/registry"
)

func TestDeclareAndCheck(t *testing.T) {
	r := registry.New().Events("example/sample").Services("example/hello").Resources("example/download")

	if err := r.Check("example/sample", registry.Event); err != nil {
		t.Errorf("Check(event, Event) = %v, want nil", err)
	}
	if err := r.Check("example/hello", registry.Event); err == nil {
		t.Errorf("Check(service declared as Service, Event) = nil, want error")
	}
	if err := r.Check("undeclared/thing", registry.Resource); err != nil {
		t.Errorf("Check(undeclared) = %v, want nil (undeclared names are permitted)", err)
	}
}

func TestLookup(t *testing.T) {
	r := registry.New().Declare("a", registry.Resource)
	kind, ok := r.Lookup("a")
	if !ok || kind != registry.Resource {
		t.Errorf("Lookup(a) = (%v, %v), want (Resource, true)", kind, ok)
	}
	if _, ok := r.Lookup("b"); ok {
		t.Errorf("Lookup(b) = ok, want not found")
	}
}

func TestNilRegistrySafe(t *testing.T) {
	var r *registry.Registry
	if err := r.Check("anything", registry.Event); err != nil {
		t.Errorf("nil Registry Check = %v, want nil", err)
	}
	if _, ok := r.Lookup("anything"); ok {
		t.Errorf("nil Registry Lookup = ok, want not found")
	}
}
