package blackboard

import (
	"encoding/json"
	"errors"
	"fmt"
)

type (
	// Kind tags the type of a stored value.
	Kind string

	// Value is the tagged envelope every state field is serialized through.
	// Reads that expect one kind and find another fail loudly instead of
	// handing back the raw serialized form.
	Value struct {
		// Kind identifies the value type.
		Kind Kind `json:"k"`
		// Raw is the JSON encoding of the value itself.
		Raw json.RawMessage `json:"v"`
	}
)

// Supported value kinds.
const (
	KindString Kind = "string"
	KindNumber Kind = "number"
	KindBool   Kind = "bool"
	KindJSON   Kind = "json"
)

// ErrValueCodec indicates a stored field could not be decoded through the
// value codec, or was read as a kind it was not written as.
var ErrValueCodec = errors.New("blackboard value codec")

// String builds a string-kind value.
func String(s string) Value {
	raw, _ := json.Marshal(s)
	return Value{Kind: KindString, Raw: raw}
}

// Number builds a number-kind value.
func Number(f float64) Value {
	raw, _ := json.Marshal(f)
	return Value{Kind: KindNumber, Raw: raw}
}

// Bool builds a bool-kind value.
func Bool(b bool) Value {
	raw, _ := json.Marshal(b)
	return Value{Kind: KindBool, Raw: raw}
}

// JSON builds a value holding an opaque JSON document.
func JSON(raw json.RawMessage) Value {
	return Value{Kind: KindJSON, Raw: raw}
}

// AsString decodes a string-kind value.
func (v Value) AsString() (string, error) {
	if v.Kind != KindString {
		return "", fmt.Errorf("%w: want %s, got %s", ErrValueCodec, KindString, v.Kind)
	}
	var s string
	if err := json.Unmarshal(v.Raw, &s); err != nil {
		return "", fmt.Errorf("%w: %v", ErrValueCodec, err)
	}
	return s, nil
}

// AsNumber decodes a number-kind value.
func (v Value) AsNumber() (float64, error) {
	if v.Kind != KindNumber {
		return 0, fmt.Errorf("%w: want %s, got %s", ErrValueCodec, KindNumber, v.Kind)
	}
	var f float64
	if err := json.Unmarshal(v.Raw, &f); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrValueCodec, err)
	}
	return f, nil
}

// AsBool decodes a bool-kind value.
func (v Value) AsBool() (bool, error) {
	if v.Kind != KindBool {
		return false, fmt.Errorf("%w: want %s, got %s", ErrValueCodec, KindBool, v.Kind)
	}
	var b bool
	if err := json.Unmarshal(v.Raw, &b); err != nil {
		return false, fmt.Errorf("%w: %v", ErrValueCodec, err)
	}
	return b, nil
}

// AsJSON returns the opaque document of a json-kind value.
func (v Value) AsJSON() (json.RawMessage, error) {
	if v.Kind != KindJSON {
		return nil, fmt.Errorf("%w: want %s, got %s", ErrValueCodec, KindJSON, v.Kind)
	}
	return v.Raw, nil
}

// EncodeValue serializes a value into its stored form. The encoding is
// deterministic: identical values always produce identical bytes, which the
// compare-and-swap path relies on.
func EncodeValue(v Value) (string, error) {
	if v.Kind == "" {
		return "", fmt.Errorf("%w: missing kind", ErrValueCodec)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrValueCodec, err)
	}
	return string(b), nil
}

// DecodeValue parses a stored field back into a value. Fields written
// outside the codec are rejected.
func DecodeValue(s string) (Value, error) {
	var v Value
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return Value{}, fmt.Errorf("%w: %v", ErrValueCodec, err)
	}
	switch v.Kind {
	case KindString, KindNumber, KindBool, KindJSON:
	default:
		return Value{}, fmt.Errorf("%w: unknown kind %q", ErrValueCodec, v.Kind)
	}
	return v, nil
}
