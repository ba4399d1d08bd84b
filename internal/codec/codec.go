// ABOUTME: Payload envelope for state events: compressed current format plus legacy fallback.
// ABOUTME: Encode always writes the tagged deflate-v1 envelope; Decode reads every known format.

package codec

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
)

// Format tags carried by the payload envelope.
const (
	FormatDeflateV1 = "deflate-v1"
	FormatLegacyV0  = "legacy-v0"
)

// maxInflatedBytes bounds decompression of a single payload.
const maxInflatedBytes = 256 << 20

// Payload is the content of a state event written by this package.
// Tagged payloads set Format and Payload; pre-envelope payloads only set Data.
type Payload struct {
	Format  string `json:"format,omitempty"`
	Payload string `json:"payload,omitempty"`
	Data    string `json:"data,omitempty"`
}

// IsEmpty reports whether the payload carries no value, as after a nullifying write.
func (p Payload) IsEmpty() bool {
	return p.Format == "" && p.Payload == "" && p.Data == ""
}

// Decoded is the result of Decode.
type Decoded struct {
	Value any
	// Format is the format that was actually read.
	Format string
	// Legacy is true when an untagged payload only decoded through the legacy fallback.
	Legacy bool
}

// SerializationError reports a payload that no known format could decode, or a value that could not be encoded.
type SerializationError struct {
	Op  string
	Err error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("codec: %s: %v", e.Op, e.Err)
}

func (e *SerializationError) Unwrap() error {
	return e.Err
}

// Encode writes v in the current tagged format.
func Encode(v any) (Payload, error) {
	compressed, err := compress(v)
	if err != nil {
		return Payload{}, &SerializationError{Op: "encode", Err: err}
	}
	return Payload{Format: FormatDeflateV1, Payload: compressed}, nil
}

// EncodeLegacy writes v in the untagged, uncompressed format used before compression was introduced.
// New code should not write it; it exists for compatibility tooling and tests.
func EncodeLegacy(v any) (Payload, error) {
	s, err := Serialize(v)
	if err != nil {
		return Payload{}, &SerializationError{Op: "encode legacy", Err: err}
	}
	return Payload{Data: s}, nil
}

// EncodeUntagged writes v in the untagged compressed format that predates the envelope.
func EncodeUntagged(v any) (Payload, error) {
	compressed, err := compress(v)
	if err != nil {
		return Payload{}, &SerializationError{Op: "encode untagged", Err: err}
	}
	return Payload{Data: compressed}, nil
}

// Decode reads a payload in any known format.
func Decode(p Payload) (Decoded, error) {
	switch p.Format {
	case FormatDeflateV1:
		v, err := decompress(p.Payload)
		if err != nil {
			return Decoded{}, &SerializationError{Op: "decode " + FormatDeflateV1, Err: err}
		}
		return Decoded{Value: v, Format: FormatDeflateV1}, nil
	case FormatLegacyV0:
		v, err := Deserialize(p.Payload)
		if err != nil {
			return Decoded{}, &SerializationError{Op: "decode " + FormatLegacyV0, Err: err}
		}
		return Decoded{Value: v, Format: FormatLegacyV0, Legacy: true}, nil
	case "":
	default:
		return Decoded{}, &SerializationError{Op: "decode", Err: fmt.Errorf("unknown format %q", p.Format)}
	}

	if p.Data == "" {
		return Decoded{}, &SerializationError{Op: "decode", Err: errors.New("empty payload")}
	}

	v, currentErr := decompress(p.Data)
	if currentErr == nil {
		return Decoded{Value: v, Format: FormatDeflateV1}, nil
	}
	v, legacyErr := Deserialize(p.Data)
	if legacyErr == nil {
		return Decoded{Value: v, Format: FormatLegacyV0, Legacy: true}, nil
	}
	return Decoded{}, &SerializationError{
		Op:  "decode",
		Err: errors.Join(fmt.Errorf("compressed: %w", currentErr), fmt.Errorf("legacy: %w", legacyErr)),
	}
}

// compress returns base64(zlib(Serialize(v))).
func compress(v any) (string, error) {
	s, err := Serialize(v)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write([]byte(s)); err != nil {
		return "", fmt.Errorf("deflating: %w", err)
	}
	if err := zw.Close(); err != nil {
		return "", fmt.Errorf("deflating: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// decompress reverses compress.
func decompress(s string) (any, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("base64: %w", err)
	}
	zr, err := zlib.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("inflating: %w", err)
	}
	defer zr.Close()

	inflated, err := io.ReadAll(io.LimitReader(zr, maxInflatedBytes+1))
	if err != nil {
		return nil, fmt.Errorf("inflating: %w", err)
	}
	if len(inflated) > maxInflatedBytes {
		return nil, fmt.Errorf("inflating: payload exceeds %d bytes", maxInflatedBytes)
	}
	return Deserialize(string(inflated))
}
