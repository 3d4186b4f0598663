package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUvarintRoundTrip(t *testing.T) {
	for _, v := range []uint64{0, 1, 127, 128, 300, 1 << 20, 1<<63 - 1, 1 << 63} {
		buf := AppendUvarint(nil, v)
		got, n, err := Uvarint(buf)
		require.NoError(t, err)
		assert.Equal(t, v, got)
		assert.Equal(t, len(buf), n)
	}
}

func TestUvarintShortBuffer(t *testing.T) {
	buf := AppendUvarint(nil, 1<<40)
	_, _, err := Uvarint(buf[:2])
	assert.ErrorIs(t, err, ErrShortBuffer)
}

func TestBytesRoundTrip(t *testing.T) {
	buf := AppendBytes(nil, []byte("banana"))
	buf = AppendBytes(buf, nil)

	first, n, err := Bytes(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte("banana"), first)

	second, _, err := Bytes(buf[n:])
	require.NoError(t, err)
	assert.Empty(t, second)
}

func TestBytesTruncated(t *testing.T) {
	buf := AppendBytes(nil, []byte("cherry"))
	_, _, err := Bytes(buf[:3])
	assert.ErrorIs(t, err, ErrShortBuffer)
}

func TestSealOpenBlock(t *testing.T) {
	payload := []byte("some block payload")
	block := SealBlock(payload)

	got, err := OpenBlock(block)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	// Flip a byte anywhere and the checksum must fail.
	block[7] ^= 0xFF
	_, err = OpenBlock(block)
	assert.ErrorIs(t, err, ErrChecksum)
}
