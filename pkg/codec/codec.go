// Package codec defines the opaque byte encoder/decoder boundary used by
// every component that stores application values in the KV store. The
// cluster core never interprets a value's bytes itself, so callers inject
// a Codec.
package codec

import "encoding/json"

// Codec encodes/decodes a Go value to/from the bytes stored in the KV store.
type Codec[T any] interface {
	Encode(v T) ([]byte, error)
	Decode(b []byte) (T, error)
}

// JSON is the default Codec, used by tests and by callers that have no
// stronger requirement. Any real deployment is expected to inject its own
// Codec.
type JSON[T any] struct{}

func (JSON[T]) Encode(v T) ([]byte, error) { return json.Marshal(v) }

func (JSON[T]) Decode(b []byte) (T, error) {
	var v T
	err := json.Unmarshal(b, &v)
	return v, err
}
