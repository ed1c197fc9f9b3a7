package store

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Stored values carry a one-byte tag naming their encoding.
const (
	tagRaw  byte = 0
	tagZstd byte = 1
)

// Encoder and decoder are safe for concurrent use and reused across calls.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("store: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("store: zstd decoder initialization failed: " + err.Error())
	}
}

// compress returns data tagged, compressed only when that makes it smaller.
func compress(data []byte) []byte {
	packed := zstdEncoder.EncodeAll(data, make([]byte, 1, len(data)/2+1))
	packed[0] = tagZstd
	if len(packed) < len(data)+1 {
		return packed
	}
	out := make([]byte, 0, len(data)+1)
	out = append(out, tagRaw)
	return append(out, data...)
}

func decompress(val []byte) ([]byte, error) {
	if len(val) == 0 {
		return nil, fmt.Errorf("empty value")
	}
	switch val[0] {
	case tagRaw:
		return append([]byte(nil), val[1:]...), nil
	case tagZstd:
		return zstdDecoder.DecodeAll(val[1:], nil)
	default:
		return nil, fmt.Errorf("unknown encoding tag %d", val[0])
	}
}
