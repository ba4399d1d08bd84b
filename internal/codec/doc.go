// Package codec turns checkpoint values into the string payloads stored in
// Matrix state events and back.
//
// # Serialization
//
// [Serialize] writes a value as JSON plus a side table of type annotations,
// so types that JSON cannot express survive the trip:
//
//	{"json": {"at": "2026-01-02T03:04:05Z", "tags": ["a", "b"]},
//	 "meta": {"values": {"at": "date", "tags": "set"}}}
//
// Supported values are nil, bool, string, float64, int64 (and the other
// integer kinds, which decode as int64), []byte, time.Time (decoded as
// UTC), []any, map[string]any, *Map, *Set and [Undefined]. Other slices,
// maps and structs are normalised through encoding/json first and decode
// as their generic JSON shape.
//
// # Payload formats
//
// New writes use a tagged envelope:
//
//	{"format": "deflate-v1", "payload": base64(zlib(Serialize(v)))}
//
// Two untagged formats predate the envelope and are still decoded:
//
//	{"data": base64(zlib(Serialize(v)))}   // compressed
//	{"data": Serialize(v)}                 // legacy, uncompressed
//
// [Decode] tries the compressed reading of an untagged payload first and
// falls back to the legacy one. [Decoded.Legacy] tells the caller the
// fallback was needed so it can rewrite the event in the current format.
// When no reading succeeds Decode returns a [*SerializationError].
package codec
