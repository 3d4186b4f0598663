// Package sstable implements the immutable on-disk table: sorted records in
// data blocks, a sparse index, a bloom filter, a metadata block and a fixed
// footer locating them.
package sstable

import (
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"slatekv/pkg/codec"
)

const (
	// Magic tails every table file ("LSMT").
	Magic uint32 = 0x4C534D54

	FormatVersion uint32 = 1

	// FooterSize is fixed: six u64 block locators, version, magic.
	FooterSize = 6*8 + 4 + 4

	// DefaultIndexInterval emits one sparse index entry per N records.
	DefaultIndexInterval = 16
)

var (
	ErrBadFooter = errors.New("sstable: malformed footer")
	ErrBadBlock  = errors.New("sstable: malformed block")
)

// footer locates the auxiliary blocks. Layout, little-endian:
// [index_off: 8][index_len: 8][bloom_off: 8][bloom_len: 8][meta_off: 8][meta_len: 8][version: 4][magic: 4]
type footer struct {
	indexOff, indexLen uint64
	bloomOff, bloomLen uint64
	metaOff, metaLen   uint64
}

func (f footer) marshal() []byte {
	out := make([]byte, 0, FooterSize)
	out = binary.LittleEndian.AppendUint64(out, f.indexOff)
	out = binary.LittleEndian.AppendUint64(out, f.indexLen)
	out = binary.LittleEndian.AppendUint64(out, f.bloomOff)
	out = binary.LittleEndian.AppendUint64(out, f.bloomLen)
	out = binary.LittleEndian.AppendUint64(out, f.metaOff)
	out = binary.LittleEndian.AppendUint64(out, f.metaLen)
	out = binary.LittleEndian.AppendUint32(out, FormatVersion)
	return binary.LittleEndian.AppendUint32(out, Magic)
}

func unmarshalFooter(b []byte) (footer, error) {
	var f footer
	if len(b) != FooterSize {
		return f, ErrBadFooter
	}
	if binary.LittleEndian.Uint32(b[52:]) != Magic {
		return f, fmt.Errorf("%w: bad magic", ErrBadFooter)
	}
	if v := binary.LittleEndian.Uint32(b[48:]); v != FormatVersion {
		return f, fmt.Errorf("%w: unsupported version %d", ErrBadFooter, v)
	}
	f.indexOff = binary.LittleEndian.Uint64(b[0:])
	f.indexLen = binary.LittleEndian.Uint64(b[8:])
	f.bloomOff = binary.LittleEndian.Uint64(b[16:])
	f.bloomLen = binary.LittleEndian.Uint64(b[24:])
	f.metaOff = binary.LittleEndian.Uint64(b[32:])
	f.metaLen = binary.LittleEndian.Uint64(b[40:])
	return f, nil
}

// IndexEntry maps an indexed key to the byte offset of its record within the
// data section.
type IndexEntry struct {
	Key    []byte
	Offset uint64
}

func marshalIndex(entries []IndexEntry) []byte {
	var out []byte
	for _, e := range entries {
		out = codec.AppendBytes(out, e.Key)
		out = binary.LittleEndian.AppendUint64(out, e.Offset)
	}
	return out
}

func unmarshalIndex(payload []byte) ([]IndexEntry, error) {
	var entries []IndexEntry
	for len(payload) > 0 {
		key, n, err := codec.Bytes(payload)
		if err != nil {
			return nil, fmt.Errorf("%w: index key: %v", ErrBadBlock, err)
		}
		payload = payload[n:]
		if len(payload) < 8 {
			return nil, fmt.Errorf("%w: index offset truncated", ErrBadBlock)
		}
		entries = append(entries, IndexEntry{
			Key:    append([]byte(nil), key...),
			Offset: binary.LittleEndian.Uint64(payload),
		})
		payload = payload[8:]
	}
	return entries, nil
}

// Meta summarizes a table: its key range, cardinality and sequence span.
type Meta struct {
	MinKey   []byte
	MaxKey   []byte
	KeyCount uint64
	SeqMin   uint64
	SeqMax   uint64
}

func (m Meta) marshal() []byte {
	var out []byte
	out = codec.AppendBytes(out, m.MinKey)
	out = codec.AppendBytes(out, m.MaxKey)
	out = binary.LittleEndian.AppendUint64(out, m.KeyCount)
	out = binary.LittleEndian.AppendUint64(out, m.SeqMin)
	return binary.LittleEndian.AppendUint64(out, m.SeqMax)
}

func unmarshalMeta(payload []byte) (Meta, error) {
	var m Meta

	minKey, n, err := codec.Bytes(payload)
	if err != nil {
		return m, fmt.Errorf("%w: min key: %v", ErrBadBlock, err)
	}
	payload = payload[n:]

	maxKey, n, err := codec.Bytes(payload)
	if err != nil {
		return m, fmt.Errorf("%w: max key: %v", ErrBadBlock, err)
	}
	payload = payload[n:]

	if len(payload) != 24 {
		return m, fmt.Errorf("%w: meta tail is %d bytes", ErrBadBlock, len(payload))
	}
	m.MinKey = append([]byte(nil), minKey...)
	m.MaxKey = append([]byte(nil), maxKey...)
	m.KeyCount = binary.LittleEndian.Uint64(payload[0:])
	m.SeqMin = binary.LittleEndian.Uint64(payload[8:])
	m.SeqMax = binary.LittleEndian.Uint64(payload[16:])
	return m, nil
}

// FileName formats a table file id as a zero-padded name, so lexicographic
// order equals id order.
func FileName(id uint64) string {
	return fmt.Sprintf("%020d.sst", id)
}

// ParseFileName extracts the id from a table file name or path.
func ParseFileName(path string) (uint64, bool) {
	base := filepath.Base(path)
	if !strings.HasSuffix(base, ".sst") {
		return 0, false
	}
	id, err := strconv.ParseUint(strings.TrimSuffix(base, ".sst"), 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}
