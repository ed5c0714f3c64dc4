package wire

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// bytesSentinelKey is the object key used to wrap byte-slice values in the
// text codec, since JSON has no native byte-string type.
const bytesSentinelKey = "__bytes"

// jsonCodec implements Codec using JSON as the wire representation. Byte
// slices are encoded as the self-describing object {"__bytes": base64}, so
// the decoder can recover them losslessly without guessing at string
// contents.
type jsonCodec struct{}

func (jsonCodec) Format() Format { return JSON }

func (jsonCodec) Encode(v any) ([]byte, error) {
	wrapped := wrapBytes(v)
	b, err := json.Marshal(wrapped)
	if err != nil {
		return nil, &CodecError{Format: JSON, Err: err}
	}
	return b, nil
}

func (jsonCodec) Decode(wire []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(wire))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, &CodecError{Format: JSON, Err: err}
	}
	if dec.More() {
		return nil, &CodecError{Format: JSON, Err: fmt.Errorf("trailing data after value")}
	}
	return unwrapBytes(normalizeJSONNumbers(v)), nil
}

// wrapBytes walks v and replaces every []byte with the {"__bytes": base64}
// sentinel object, recursing into maps and slices.
func wrapBytes(v any) any {
	switch t := v.(type) {
	case []byte:
		if t == nil {
			return nil
		}
		return map[string]any{bytesSentinelKey: base64.StdEncoding.EncodeToString(t)}
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = wrapBytes(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = wrapBytes(e)
		}
		return out
	default:
		return v
	}
}

// unwrapBytes is the inverse of wrapBytes, applied to a freshly decoded
// value: any object of the exact shape {"__bytes": "<string>"} is replaced
// by the decoded []byte.
func unwrapBytes(v any) any {
	switch t := v.(type) {
	case map[string]any:
		if len(t) == 1 {
			if s, ok := t[bytesSentinelKey].(string); ok {
				if b, err := base64.StdEncoding.DecodeString(s); err == nil {
					return b
				}
			}
		}
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = unwrapBytes(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = unwrapBytes(e)
		}
		return out
	default:
		return v
	}
}

// normalizeJSONNumbers replaces json.Number leaves with int64 (when the
// literal has no fractional or exponent part and fits in 64 bits) or
// float64 otherwise, giving the same numeric value space as the CBOR codec.
func normalizeJSONNumbers(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		f, _ := t.Float64()
		return f
	case map[string]any:
		for k, e := range t {
			t[k] = normalizeJSONNumbers(e)
		}
		return t
	case []any:
		for i, e := range t {
			t[i] = normalizeJSONNumbers(e)
		}
		return t
	default:
		return v
	}
}
