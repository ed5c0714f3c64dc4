package weft_test

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/lattice-iot/weft"
)

func TestParseEnvelopeVariants(t *testing.T) {
	tests := []struct {
		name string
		wire map[string]any
		want weft.Envelope
	}{
		{
			name: "event",
			wire: map[string]any{
				"type": "event-emission", "id": "1", "sender": "a",
				"event": "example/sample", "params": []any{"x", int64(1)},
			},
			want: &weft.EventEmission{
				Header: weft.Header{ID: "1", Sender: "a"},
				Event:  "example/sample",
				Params: []any{"x", int64(1)},
			},
		},
		{
			name: "service request",
			wire: map[string]any{
				"type": "service-call-request", "id": "2", "sender": "a", "receiver": "b",
				"service": "example/hello", "params": []any{"x"},
			},
			want: &weft.ServiceRequest{
				Header:  weft.Header{ID: "2", Sender: "a", Receiver: "b"},
				Service: "example/hello",
				Params:  []any{"x"},
			},
		},
		{
			name: "service response ok",
			wire: map[string]any{"type": "service-call-response", "id": "2", "sender": "b", "result": "ok"},
			want: &weft.ServiceResponse{Header: weft.Header{ID: "2", Sender: "b"}, Result: "ok"},
		},
		{
			name: "service response error",
			wire: map[string]any{"type": "service-call-response", "id": "2", "sender": "b", "error": "boom"},
			want: &weft.ServiceResponse{Header: weft.Header{ID: "2", Sender: "b"}, IsError: true, Error: "boom"},
		},
		{
			name: "resource request",
			wire: map[string]any{"type": "resource-transfer-request", "id": "3", "sender": "a", "resource": "example/doc"},
			want: &weft.ResourceRequest{Header: weft.Header{ID: "3", Sender: "a"}, Resource: "example/doc"},
		},
		{
			name: "resource response chunk",
			wire: map[string]any{
				"type": "resource-transfer-response", "id": "3", "sender": "b",
				"chunk": []byte("hi"), "final": false,
			},
			want: &weft.ResourceResponse{Header: weft.Header{ID: "3", Sender: "b"}, Chunk: []byte("hi")},
		},
		{
			name: "resource response final with meta",
			wire: map[string]any{
				"type": "resource-transfer-response", "id": "3", "sender": "b",
				"meta": map[string]any{"k": "v"}, "final": true,
			},
			want: &weft.ResourceResponse{
				Header: weft.Header{ID: "3", Sender: "b"},
				Meta:   map[string]any{"k": "v"}, HasMeta: true, Final: true,
			},
		},
		{
			name: "resource response push first chunk",
			wire: map[string]any{
				"type": "resource-transfer-response", "id": "4", "sender": "a",
				"resource": "example/upload", "params": []any{int64(7)}, "chunk": []byte("ab"), "final": false,
			},
			want: &weft.ResourceResponse{
				Header: weft.Header{ID: "4", Sender: "a"},
				Resource: "example/upload", HasResource: true,
				Params: []any{int64(7)}, Chunk: []byte("ab"),
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := weft.ParseEnvelope(tc.wire)
			if err != nil {
				t.Fatalf("ParseEnvelope: %v", err)
			}
			if diff := cmp.Diff(tc.want, got, cmpopts.EquateEmpty()); diff != "" {
				t.Errorf("mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestParseEnvelopeRejectsUnknownField(t *testing.T) {
	m := map[string]any{
		"type": "event-emission", "id": "1", "bogus": "nope", "event": "example/sample",
	}
	_, err := weft.ParseEnvelope(m)
	var protoErr *weft.ProtocolError
	if !errors.As(err, &protoErr) {
		t.Fatalf("error = %v, want *ProtocolError", err)
	}
}

func TestParseEnvelopeRejectsMissingID(t *testing.T) {
	m := map[string]any{"type": "event-emission", "event": "example/sample"}
	_, err := weft.ParseEnvelope(m)
	var protoErr *weft.ProtocolError
	if !errors.As(err, &protoErr) {
		t.Fatalf("error = %v, want *ProtocolError", err)
	}
}

func TestParseEnvelopeRejectsNonObject(t *testing.T) {
	_, err := weft.ParseEnvelope("not an object")
	var protoErr *weft.ProtocolError
	if !errors.As(err, &protoErr) {
		t.Fatalf("error = %v, want *ProtocolError", err)
	}
}

func TestParseEnvelopeRejectsUnknownType(t *testing.T) {
	m := map[string]any{"type": "not-a-real-kind", "id": "1"}
	_, err := weft.ParseEnvelope(m)
	if err == nil {
		t.Fatal("ParseEnvelope succeeded, want error")
	}
}
