package dbs

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompress_RoundTrip(t *testing.T) {
	inputs := [][]byte{
		{},
		[]byte("x"),
		[]byte(`{"body":"hello"}`),
		bytes.Repeat([]byte(`{"membership":"join","displayname":"Alice"}`), 50),
	}
	for _, c := range []Compression{CompressionNone, CompressionLZ4, CompressionZstd} {
		for _, in := range inputs {
			stored := compress(c, in)
			out, err := decompress(c, stored)
			require.NoError(t, err, c.String())
			assert.Equal(t, string(in), string(out), c.String())
		}
	}
}

func TestCompress_Shrinks(t *testing.T) {
	in := bytes.Repeat([]byte("abcdefgh"), 256)
	assert.Less(t, len(compress(CompressionZstd, in)), len(in)/4)
	assert.Less(t, len(compress(CompressionLZ4, in)), len(in)/4)
	assert.Equal(t, byte(CompressionNone), compress(CompressionZstd, []byte("ab"))[0])
}

func TestDecompress_Corrupt(t *testing.T) {
	_, err := decompress(CompressionZstd, nil)
	assert.ErrorIs(t, err, ErrCorruptValue)
	_, err = decompress(CompressionZstd, []byte{byte(CompressionZstd), 1, 2, 3})
	assert.ErrorIs(t, err, ErrCorruptValue)
	_, err = decompress(CompressionLZ4, []byte{byte(CompressionLZ4), 100, 1})
	assert.ErrorIs(t, err, ErrCorruptValue)
	_, err = decompress(CompressionLZ4, []byte{9})
	assert.ErrorIs(t, err, ErrCorruptValue)
}
