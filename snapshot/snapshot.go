// Package snapshot converts the full state of a document to and from a
// self-describing binary form used for network exchange and storage.
//
// A snapshot is a CBOR envelope carrying a schema version, the payload
// codec, the uncompressed payload size, a BLAKE3-256 checksum of the
// uncompressed payload, and the payload itself. The payload is the CBOR
// encoding of State.
package snapshot

import (
	"errors"
	"fmt"

	"github.com/zeebo/blake3"

	"github.com/kevinxiao27/collabdoc/document"
	"github.com/kevinxiao27/collabdoc/ol"
)

// SchemaVersion is written into every snapshot. Decode refuses any other
// version.
const SchemaVersion = 1

var (
	ErrMalformed          = errors.New("malformed snapshot")
	ErrUnsupportedVersion = fmt.Errorf("%w: unsupported schema version", ErrMalformed)
	ErrChecksum           = fmt.Errorf("%w: checksum mismatch", ErrMalformed)
)

// State is everything a replica needs to rebuild a document.
type State struct {
	Operations []ol.Operation    `cbor:"1,keyasint"`
	Version    []ol.VersionEntry `cbor:"2,keyasint"`
	// Items is the raw sequence, tombstones included.
	Items []document.Item `cbor:"3,keyasint"`
	// Visible is the content as getVisibleContent returned it when the
	// snapshot was taken. Decoders that only display a document can read
	// it without replaying anything.
	Visible []document.Span `cbor:"4,keyasint"`
}

type envelope struct {
	Schema   int      `cbor:"1,keyasint"`
	Codec    Codec    `cbor:"2,keyasint"`
	Size     int      `cbor:"3,keyasint"`
	Checksum [32]byte `cbor:"4,keyasint"`
	Payload  []byte   `cbor:"5,keyasint"`
}

// Encode serializes state, compressing the payload with c when that makes
// it smaller.
func Encode(state State, c Codec) ([]byte, error) {
	if !c.Valid() {
		return nil, fmt.Errorf("encode snapshot: unknown codec %q", c)
	}
	payload, err := encMode.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot state: %w", err)
	}
	packed, used, err := compress(payload, c)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	data, err := encMode.Marshal(envelope{
		Schema:   SchemaVersion,
		Codec:    used,
		Size:     len(payload),
		Checksum: blake3.Sum256(payload),
		Payload:  packed,
	})
	if err != nil {
		return nil, fmt.Errorf("encode snapshot envelope: %w", err)
	}
	return data, nil
}

// maxPayload caps the uncompressed state Decode will produce.
const maxPayload = 256 << 20

// Decode parses a snapshot produced by Encode. Every failure wraps
// ErrMalformed.
func Decode(data []byte) (*State, error) {
	var env envelope
	if err := decMode.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Schema != SchemaVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, env.Schema)
	}
	if !env.Codec.Valid() {
		return nil, fmt.Errorf("%w: unknown codec %q", ErrMalformed, env.Codec)
	}
	if env.Size < 0 || env.Size > maxPayload || env.Size > maxExpansion(env.Codec, len(env.Payload)) {
		return nil, fmt.Errorf("%w: payload size %d from %d bytes", ErrMalformed, env.Size, len(env.Payload))
	}

	payload, err := decompress(env.Payload, env.Codec, env.Size)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if blake3.Sum256(payload) != env.Checksum {
		return nil, ErrChecksum
	}

	var state State
	if err := decMode.Unmarshal(payload, &state); err != nil {
		return nil, fmt.Errorf("%w: state: %v", ErrMalformed, err)
	}
	for i := range state.Operations {
		if err := state.Operations[i].Validate(); err != nil {
			return nil, fmt.Errorf("%w: operation %d: %v", ErrMalformed, i, err)
		}
	}
	return &state, nil
}
