package wire_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/lattice-iot/weft/wire"
)

func roundTrip(t *testing.T, f wire.Format, v any) any {
	t.Helper()
	c, err := wire.New(f)
	if err != nil {
		t.Fatalf("New(%v): %v", f, err)
	}
	enc, err := c.Encode(v)
	if err != nil {
		t.Fatalf("Encode(%+v): %v", v, err)
	}
	got, err := c.Decode(enc)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	return got
}

func TestRoundTripScalars(t *testing.T) {
	for _, f := range []wire.Format{wire.CBOR, wire.JSON} {
		in := map[string]any{
			"type":  "event-emission",
			"id":    "abc123",
			"n":     int64(42),
			"pi":    3.5,
			"ok":    true,
			"empty": nil,
		}
		got := roundTrip(t, f, in)
		if diff := cmp.Diff(in, got); diff != "" {
			t.Errorf("%v round trip mismatch (-want +got):\n%s", f, diff)
		}
	}
}

func TestRoundTripBytes(t *testing.T) {
	payload := []byte{0x00, 0x01, 0xff, 'h', 'i'}
	for _, f := range []wire.Format{wire.CBOR, wire.JSON} {
		in := map[string]any{"chunk": payload}
		got := roundTrip(t, f, in)
		m, ok := got.(map[string]any)
		if !ok {
			t.Fatalf("%v: decoded value is %T, not map[string]any", f, got)
		}
		b, ok := m["chunk"].([]byte)
		if !ok {
			t.Fatalf("%v: chunk field decoded as %T, want []byte", f, m["chunk"])
		}
		if diff := cmp.Diff(payload, b); diff != "" {
			t.Errorf("%v chunk mismatch (-want +got):\n%s", f, diff)
		}
	}
}

func TestRoundTripArray(t *testing.T) {
	for _, f := range []wire.Format{wire.CBOR, wire.JSON} {
		in := []any{"world", int64(42), []byte("zz")}
		got := roundTrip(t, f, in)
		if diff := cmp.Diff(in, got); diff != "" {
			t.Errorf("%v array mismatch (-want +got):\n%s", f, diff)
		}
	}
}

func TestDecodeMalformed(t *testing.T) {
	for _, f := range []wire.Format{wire.CBOR, wire.JSON} {
		c, err := wire.New(f)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := c.Decode([]byte("\xff\xff not valid")); err == nil {
			t.Errorf("%v: Decode of garbage unexpectedly succeeded", f)
		}
	}
}
