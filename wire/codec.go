// Package wire provides the two interchangeable envelope codecs used by a
// weft peer: a compact binary format (CBOR) and a self-describing text
// format (JSON). Both codecs must round-trip opaque byte slices faithfully;
// see the Format constants for the sentinel each codec uses for bytes.
package wire

import "fmt"

// A Format selects the wire encoding a Codec uses.
type Format int

const (
	// CBOR is the default binary wire format. Byte slices are encoded using
	// CBOR's native byte-string major type.
	CBOR Format = iota

	// JSON is the text wire format. Byte slices are encoded as the
	// self-describing wrapper {"__bytes": "<base64>"}, since JSON has no
	// native byte-string type.
	JSON
)

func (f Format) String() string {
	switch f {
	case CBOR:
		return "cbor"
	case JSON:
		return "json"
	default:
		return fmt.Sprintf("format(%d)", int(f))
	}
}

// A Codec encodes and decodes values to and from a peer's declared wire
// format. Implementations must be safe for concurrent use; both codecs
// provided by this package are stateless after construction.
type Codec interface {
	// Format reports which wire format this codec implements.
	Format() Format

	// Encode encodes v to its wire representation, returned as the []byte
	// to publish for both codecs (the text codec's bytes are UTF-8 JSON).
	Encode(v any) (wire []byte, err error)

	// Decode decodes wire into a generic value: maps become map[string]any
	// with string keys, arrays become []any, numbers become int64 or
	// float64, and byte payloads become []byte. Decode fails with a
	// *CodecError if wire does not match the declared format.
	Decode(wire []byte) (any, error)
}

// New returns the Codec implementation for the given format.
func New(f Format) (Codec, error) {
	switch f {
	case CBOR:
		return cborCodec{}, nil
	case JSON:
		return jsonCodec{}, nil
	default:
		return nil, fmt.Errorf("wire: unknown format %v", f)
	}
}

// CodecError reports a failure to encode or decode a wire payload.
type CodecError struct {
	Format Format
	Err    error
}

func (e *CodecError) Error() string {
	return fmt.Sprintf("%v codec: %v", e.Format, e.Err)
}

func (e *CodecError) Unwrap() error { return e.Err }
