package snapshot

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Codec names the compression applied to a snapshot payload.
type Codec string

const (
	CodecNone Codec = "none"
	CodecZstd Codec = "zstd"
	CodecLZ4  Codec = "lz4"
)

func (c Codec) Valid() bool {
	switch c {
	case CodecNone, CodecZstd, CodecLZ4:
		return true
	}
	return false
}

// encMode uses Core Deterministic Encoding: the same state always
// produces the same bytes, so checksums of equal states match.
var (
	encMode cbor.EncMode
	decMode cbor.DecMode

	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("snapshot: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("snapshot: CBOR decoder initialization failed: " + err.Error())
	}

	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("snapshot: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxPayload))
	if err != nil {
		panic("snapshot: zstd decoder initialization failed: " + err.Error())
	}
}

// compress returns data compressed with c and the codec actually used.
// Payloads that do not shrink are stored uncompressed.
func compress(data []byte, c Codec) ([]byte, Codec, error) {
	switch c {
	case CodecNone:
		return data, CodecNone, nil
	case CodecZstd:
		out := zstdEncoder.EncodeAll(data, nil)
		if len(out) >= len(data) {
			return data, CodecNone, nil
		}
		return out, CodecZstd, nil
	case CodecLZ4:
		out := make([]byte, lz4.CompressBlockBound(len(data)))
		n, err := lz4.CompressBlock(data, out, nil)
		if err != nil {
			return nil, c, fmt.Errorf("lz4 compress: %w", err)
		}
		if n == 0 || n >= len(data) {
			return data, CodecNone, nil
		}
		return out[:n], CodecLZ4, nil
	}
	return nil, c, fmt.Errorf("unknown codec %q", c)
}

// lz4MaxRatio bounds how far an lz4 block can expand: one 255-valued
// length byte extends a match by at most 255 bytes.
const lz4MaxRatio = 255

// maxExpansion is the largest uncompressed size n compressed bytes can
// honestly claim under c. zstd frames carry their own limit through the
// decoder's memory cap.
func maxExpansion(c Codec, n int) int {
	switch c {
	case CodecNone:
		return n
	case CodecLZ4:
		return n*lz4MaxRatio + 16
	}
	return maxPayload
}

func decompress(data []byte, c Codec, size int) ([]byte, error) {
	switch c {
	case CodecNone:
		if len(data) != size {
			return nil, fmt.Errorf("payload is %d bytes, expected %d", len(data), size)
		}
		return data, nil
	case CodecZstd:
		out, err := zstdDecoder.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		if len(out) != size {
			return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(out), size)
		}
		return out, nil
	case CodecLZ4:
		out := make([]byte, size)
		n, err := lz4.UncompressBlock(data, out)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		if n != size {
			return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", n, size)
		}
		return out, nil
	}
	return nil, fmt.Errorf("unknown codec %q", c)
}
