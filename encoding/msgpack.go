// Package encoding provides centralized serialization/deserialization for repubsub.
// ALL msgpack operations MUST go through this package to ensure consistent behavior.
//
// Thread Safety: Marshal, MarshalCanonical and Unmarshal are safe for concurrent use.
//
// Type Preservation: When decoding into interface{}, msgpack strings decode as
// Go strings (not []byte). Topic keys and payloads round-trip through interface{}
// in several places, so string identity matters for key comparison.
package encoding

import (
	"bytes"

	"github.com/vmihailenco/msgpack/v5"
)

// Marshal encodes a value to msgpack format.
func Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)

	if err := enc.Encode(v); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// MarshalCanonical encodes a value to msgpack with map keys sorted. Equal
// values always produce identical bytes, which makes the output usable as a
// storage key. Callers are responsible for sorting any slices whose order is
// not meaningful before encoding.
func MarshalCanonical(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(true)

	if err := enc.Encode(v); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// Unmarshal decodes msgpack data using loose interface decoding.
// When decoding into interface{}, strings are preserved as Go strings (not []byte).
func Unmarshal(data []byte, v interface{}) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	// UseLooseInterfaceDecoding converts []byte to string when decoding into
	// interface{}. Topic keys decode through interface{} to detect their shape,
	// and a flat key that came back as []byte would never compare equal to the
	// string it was built from.
	dec.UseLooseInterfaceDecoding(true)

	return dec.Decode(v)
}
