// Package payload provides serialization of event and command payloads.
//
// The bus itself passes payloads by value and never serializes them.
// Serialization is needed at the edges: observability sinks forwarding
// observed events to external systems, and dead-letter stores persisting
// failed commands.
//
// Usage:
//
//	// Encode with the default JSON codec
//	data, err := payload.Default().Encode(order)
//
//	// Use msgpack for a forwarding sink
//	sink := natssink.New(nc, "events", natssink.WithCodec(payload.MsgPack{}))
package payload

// Codec encodes and decodes payload data. Implementations must be safe
// for concurrent use.
type Codec interface {
	// Encode serializes the payload to bytes.
	Encode(v any) ([]byte, error)

	// Decode deserializes bytes into the target. The target must be a
	// pointer.
	Decode(data []byte, v any) error

	// ContentType returns the MIME type (e.g. "application/json").
	ContentType() string
}

// Default returns the default codec (JSON).
func Default() Codec {
	return JSON{}
}
