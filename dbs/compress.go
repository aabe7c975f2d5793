package dbs

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression of a column's values. Compressed columns prefix each value
// with the tag actually used; values that do not shrink are kept as is.
type Compression uint8

const (
	CompressionNone Compression = 0
	CompressionLZ4  Compression = 1
	CompressionZstd Compression = 2
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	}
	return fmt.Sprintf("unknown(%d)", uint8(c))
}

var ErrCorruptValue = errors.New("construct: corrupt column value")

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("dbs: zstd encoder: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("dbs: zstd decoder: " + err.Error())
	}
}

// compress encodes a value for a column using c.
func compress(c Compression, val []byte) []byte {
	switch c {
	case CompressionNone:
		return val
	case CompressionLZ4:
		bound := lz4.CompressBlockBound(len(val))
		out := make([]byte, 1+binary.MaxVarintLen64+bound)
		out[0] = byte(CompressionLZ4)
		n := 1 + binary.PutUvarint(out[1:], uint64(len(val)))
		written, err := lz4.CompressBlock(val, out[n:], nil)
		if err == nil && written > 0 && n+written < len(val)+1 {
			return out[:n+written]
		}
	case CompressionZstd:
		out := zstdEncoder.EncodeAll(val, []byte{byte(CompressionZstd)})
		if len(out) < len(val)+1 {
			return out
		}
	}
	return append([]byte{byte(CompressionNone)}, val...)
}

// decompress reverses compress for a column using c.
func decompress(c Compression, val []byte) ([]byte, error) {
	if c == CompressionNone {
		return val, nil
	}
	if len(val) == 0 {
		return nil, ErrCorruptValue
	}
	switch Compression(val[0]) {
	case CompressionNone:
		return val[1:], nil
	case CompressionLZ4:
		size, n := binary.Uvarint(val[1:])
		if n <= 0 || size > 1<<30 {
			return nil, ErrCorruptValue
		}
		out := make([]byte, size)
		read, err := lz4.UncompressBlock(val[1+n:], out)
		if err != nil || uint64(read) != size {
			return nil, ErrCorruptValue
		}
		return out, nil
	case CompressionZstd:
		out, err := zstdDecoder.DecodeAll(val[1:], nil)
		if err != nil {
			return nil, ErrCorruptValue
		}
		return out, nil
	}
	return nil, ErrCorruptValue
}
