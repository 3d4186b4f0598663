package record

import (
	"bufio"
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWALRoundTrip(t *testing.T) {
	in := Record{Key: []byte("apple"), Value: []byte("1"), Seq: 42, Kind: KindPut}

	out, err := DecodeWAL(in.AppendWAL(nil))
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestWALTombstone(t *testing.T) {
	in := Record{Key: []byte("k"), Seq: 7, Kind: KindDelete}

	out, err := DecodeWAL(in.AppendWAL(nil))
	require.NoError(t, err)
	assert.True(t, out.Tombstone())
	assert.Nil(t, out.Value)
}

func TestDecodeWALRejectsBadKind(t *testing.T) {
	payload := Record{Key: []byte("k"), Seq: 1}.AppendWAL(nil)
	payload[0] = 9
	_, err := DecodeWAL(payload)
	assert.ErrorIs(t, err, ErrBadKind)
}

func TestDecodeWALRejectsTruncation(t *testing.T) {
	payload := Record{Key: []byte("key"), Value: []byte("value"), Seq: 3}.AppendWAL(nil)
	for cut := 1; cut < len(payload); cut++ {
		_, err := DecodeWAL(payload[:cut])
		assert.Error(t, err, "cut at %d must not decode", cut)
	}
}

func TestTableStreamRoundTrip(t *testing.T) {
	recs := []Record{
		{Key: []byte("a"), Value: []byte("1"), Seq: 1, Kind: KindPut},
		{Key: []byte("b"), Seq: 2, Kind: KindDelete},
		{Key: []byte("cherry"), Value: bytes.Repeat([]byte{0xAB}, 300), Seq: 3, Kind: KindPut},
	}

	var buf []byte
	for _, r := range recs {
		buf = r.AppendTable(buf)
	}

	br := bufio.NewReader(bytes.NewReader(buf))
	for _, want := range recs {
		got, err := ReadTable(br)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ReadTable(br)
	assert.ErrorIs(t, err, io.EOF)
}

func TestTableTornRecord(t *testing.T) {
	buf := Record{Key: []byte("key"), Value: []byte("value"), Seq: 9}.AppendTable(nil)

	br := bufio.NewReader(bytes.NewReader(buf[:len(buf)-2]))
	_, err := ReadTable(br)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestEncodedLen(t *testing.T) {
	r := Record{Key: bytes.Repeat([]byte("k"), 200), Value: bytes.Repeat([]byte("v"), 5000), Seq: 1}
	assert.Equal(t, len(r.AppendTable(nil)), r.EncodedLen())
}
