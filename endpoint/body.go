package endpoint

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Body is a free-form JSON value: null, bool, number, string, array or
// object. Request and response bodies are carried as Body so the scheduler
// never inspects their contents; only size and serialisation are defined on
// it. The zero value is JSON null.
type Body struct {
	raw json.RawMessage
}

// ParseBody validates raw as JSON and returns it as a Body. Numbers are kept
// verbatim so round-tripping never loses precision.
func ParseBody(raw []byte) (*Body, error) {
	if !json.Valid(raw) {
		return nil, fmt.Errorf("%w: body is not valid JSON", ErrInvalid)
	}
	compact := &bytes.Buffer{}
	if err := json.Compact(compact, raw); err != nil {
		return nil, fmt.Errorf("%w: body: %v", ErrInvalid, err)
	}
	return &Body{raw: json.RawMessage(compact.Bytes())}, nil
}

// BodyFromValue serialises an arbitrary Go value into a Body.
func BodyFromValue(v any) (*Body, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: body: %v", ErrInvalid, err)
	}
	return &Body{raw: raw}, nil
}

// MarshalJSON implements json.Marshaler.
func (b *Body) MarshalJSON() ([]byte, error) {
	if b == nil || len(b.raw) == 0 {
		return []byte("null"), nil
	}
	return b.raw, nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (b *Body) UnmarshalJSON(data []byte) error {
	parsed, err := ParseBody(data)
	if err != nil {
		return err
	}
	b.raw = parsed.raw
	return nil
}

// Bytes returns the compact serialised form. Nil bodies serialise to "null".
func (b *Body) Bytes() []byte {
	if b == nil || len(b.raw) == 0 {
		return []byte("null")
	}
	return b.raw
}

// Size is the serialised size in bytes, used against per-endpoint response
// capture ceilings.
func (b *Body) Size() int {
	return len(b.Bytes())
}

// Value decodes the body into the generic JSON representation
// (nil, bool, float64, string, []any, map[string]any).
func (b *Body) Value() any {
	var v any
	// raw was validated at construction; decoding cannot fail.
	_ = json.Unmarshal(b.Bytes(), &v)
	return v
}

// Equal reports structural JSON equality, ignoring object key order.
func (b *Body) Equal(o *Body) bool {
	if b == nil || o == nil {
		return b.Size() == o.Size() && bytes.Equal(b.Bytes(), o.Bytes())
	}
	return jsonEqual(b.Value(), o.Value())
}

func jsonEqual(a, b any) bool {
	switch av := a.(type) {
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			w, ok := bv[k]
			if !ok || !jsonEqual(v, w) {
				return false
			}
		}
		return true
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !jsonEqual(av[i], bv[i]) {
				return false
			}
		}
		return true
	default:
		return a == b
	}
}
