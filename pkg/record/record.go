// Package record defines the unit of storage shared by the WAL, the memtable
// and the SSTables, together with its two on-disk encodings.
package record

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"slatekv/pkg/codec"
	"slatekv/pkg/types"
)

// Kind discriminates puts from tombstones.
type Kind uint8

const (
	KindPut Kind = iota
	KindDelete
)

var ErrBadKind = errors.New("record: unknown op kind")

// Record is a (key, kind, value, sequence number) tuple. A delete carries an
// empty value.
type Record struct {
	Key   types.Key
	Value types.Value
	Seq   types.SeqN
	Kind  Kind
}

func (r Record) Tombstone() bool {
	return r.Kind == KindDelete
}

func (r *Record) Less(than *Record) bool {
	return bytes.Compare(r.Key, than.Key) < 0
}

// EncodedLen is the record's size inside an SSTable data block. The WAL
// payload has the same length (same fields, different order).
func (r Record) EncodedLen() int {
	n := 1 + 8
	n += uvarintLen(uint64(len(r.Key))) + len(r.Key)
	n += uvarintLen(uint64(len(r.Value))) + len(r.Value)
	return n
}

func uvarintLen(v uint64) int {
	n := 1
	for v >= 0x80 {
		v >>= 7
		n++
	}
	return n
}

// AppendWAL appends the WAL frame payload:
// [op: 1][key_len: varint][key][value_len: varint][value][seq: 8].
func (r Record) AppendWAL(dst []byte) []byte {
	dst = append(dst, byte(r.Kind))
	dst = codec.AppendBytes(dst, r.Key)
	dst = codec.AppendBytes(dst, r.Value)
	return binary.LittleEndian.AppendUint64(dst, r.Seq)
}

// DecodeWAL parses a WAL frame payload produced by AppendWAL. The whole
// payload must be present; trailing garbage is rejected.
func DecodeWAL(payload []byte) (Record, error) {
	var r Record
	if len(payload) < 1 {
		return r, codec.ErrShortBuffer
	}
	r.Kind = Kind(payload[0])
	if r.Kind > KindDelete {
		return r, ErrBadKind
	}
	rest := payload[1:]

	key, n, err := codec.Bytes(rest)
	if err != nil {
		return r, fmt.Errorf("record: key: %w", err)
	}
	rest = rest[n:]

	value, n, err := codec.Bytes(rest)
	if err != nil {
		return r, fmt.Errorf("record: value: %w", err)
	}
	rest = rest[n:]

	if len(rest) != 8 {
		return r, codec.ErrShortBuffer
	}
	r.Seq = binary.LittleEndian.Uint64(rest)

	if r.Tombstone() && len(value) != 0 {
		return r, fmt.Errorf("record: tombstone with non-empty value")
	}

	r.Key = append([]byte(nil), key...)
	if len(value) > 0 {
		r.Value = append([]byte(nil), value...)
	}
	return r, nil
}

// AppendTable appends the SSTable data block encoding:
// [op: 1][seq: 8][key_len: varint][key][value_len: varint][value].
func (r Record) AppendTable(dst []byte) []byte {
	dst = append(dst, byte(r.Kind))
	dst = binary.LittleEndian.AppendUint64(dst, r.Seq)
	dst = codec.AppendBytes(dst, r.Key)
	return codec.AppendBytes(dst, r.Value)
}

// ReadTable decodes one SSTable record from br. io.EOF is returned unchanged
// when the reader is exhausted at a record boundary.
func ReadTable(br *bufio.Reader) (Record, error) {
	var r Record

	head, err := br.ReadByte()
	if err != nil {
		return r, err
	}
	r.Kind = Kind(head)
	if r.Kind > KindDelete {
		return r, ErrBadKind
	}

	var seqBuf [8]byte
	if _, err := io.ReadFull(br, seqBuf[:]); err != nil {
		return r, noEOF(err)
	}
	r.Seq = binary.LittleEndian.Uint64(seqBuf[:])

	if r.Key, err = readBlob(br); err != nil {
		return r, err
	}
	if r.Value, err = readBlob(br); err != nil {
		return r, err
	}
	if len(r.Value) == 0 {
		r.Value = nil
	}
	return r, nil
}

func readBlob(br *bufio.Reader) ([]byte, error) {
	l, err := binary.ReadUvarint(br)
	if err != nil {
		return nil, noEOF(err)
	}
	b := make([]byte, l)
	if _, err := io.ReadFull(br, b); err != nil {
		return nil, noEOF(err)
	}
	return b, nil
}

// noEOF maps a mid-record EOF to ErrUnexpectedEOF so callers can tell a clean
// end of stream from a torn record.
func noEOF(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}
