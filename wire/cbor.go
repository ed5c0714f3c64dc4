package wire

import (
	"reflect"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

var genericMapType = reflect.TypeOf(map[string]any(nil))

var (
	cborEncModeOnce sync.Once
	cborEncMode     cbor.EncMode
	cborDecModeOnce sync.Once
	cborDecMode     cbor.DecMode
)

func encMode() cbor.EncMode {
	cborEncModeOnce.Do(func() {
		opts := cbor.CoreDetEncOptions()
		opts.Time = cbor.TimeUnix
		m, err := opts.EncMode()
		if err != nil {
			panic(err) // options are fixed and known-valid
		}
		cborEncMode = m
	})
	return cborEncMode
}

func decMode() cbor.DecMode {
	cborDecModeOnce.Do(func() {
		opts := cbor.DecOptions{
			DefaultMapType: genericMapType,
			DupMapKey:      cbor.DupMapKeyEnforcedAPF,
		}
		m, err := opts.DecMode()
		if err != nil {
			panic(err)
		}
		cborDecMode = m
	})
	return cborDecMode
}

// cborCodec implements Codec using CBOR as the wire representation. Byte
// slices round-trip via CBOR's native byte-string major type, so no
// sentinel wrapping is required.
type cborCodec struct{}

func (cborCodec) Format() Format { return CBOR }

func (cborCodec) Encode(v any) ([]byte, error) {
	b, err := encMode().Marshal(v)
	if err != nil {
		return nil, &CodecError{Format: CBOR, Err: err}
	}
	return b, nil
}

func (cborCodec) Decode(wire []byte) (any, error) {
	var v any
	if err := decMode().Unmarshal(wire, &v); err != nil {
		return nil, &CodecError{Format: CBOR, Err: err}
	}
	return normalizeNumbers(v), nil
}

// normalizeNumbers walks a decoded value and coerces cbor's native integer
// types down to int64, so callers of Decode see a uniform {int64, float64,
// string, bool, nil, []byte, []any, map[string]any} value space regardless
// of which codec produced it.
func normalizeNumbers(v any) any {
	switch t := v.(type) {
	case uint64:
		if t <= 1<<63-1 {
			return int64(t)
		}
		return t
	case map[string]any:
		for k, e := range t {
			t[k] = normalizeNumbers(e)
		}
		return t
	case []any:
		for i, e := range t {
			t[i] = normalizeNumbers(e)
		}
		return t
	default:
		return v
	}
}
