package weft_test

import (
	"testing"

	"github.com/lattice-iot/weft"
)

func TestNewAssignsRandomIDByDefault(t *testing.T) {
	a := weft.New(nil)
	b := weft.New(nil)
	defer a.Destroy()
	defer b.Destroy()

	if a.ID() == "" {
		t.Error("ID() is empty")
	}
	if a.ID() == b.ID() {
		t.Error("two peers constructed without WithID got the same id")
	}
}

func TestWithIDOverridesDefault(t *testing.T) {
	p := weft.New(nil, weft.WithID("fixed-id"))
	defer p.Destroy()
	if p.ID() != "fixed-id" {
		t.Errorf("ID() = %q, want %q", p.ID(), "fixed-id")
	}
}

func TestDestroyIsIdempotent(t *testing.T) {
	p := weft.New(nil, weft.WithID("once"))
	p.Destroy()
	p.Destroy() // must not panic
}

func TestMetricsReturnsSharedMap(t *testing.T) {
	p := weft.New(nil, weft.WithID("metrics-peer"))
	defer p.Destroy()
	if p.Metrics() == nil {
		t.Fatal("Metrics() returned nil")
	}
	if p.Metrics().Get("calls_out") == nil {
		t.Error(`Metrics() missing "calls_out" counter`)
	}
}
