package sstable

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"sort"

	"slatekv/pkg/bloom"
	"slatekv/pkg/codec"
	"slatekv/pkg/record"
	"slatekv/pkg/types"
)

// Reader serves point lookups and range scans against one published table.
// The footer, metadata, bloom filter and sparse index are loaded resident on
// open; data records are read on demand with positional reads, so a single
// Reader is safe for concurrent use.
type Reader struct {
	path string
	file *os.File
	id   types.FileID

	meta    Meta
	filter  bloomFilter
	index   []IndexEntry
	dataEnd int64
	size    int64
}

type bloomFilter interface {
	MayContain(key []byte) bool
}

// Open maps the table at path. Any validation failure marks the whole table
// unusable; the caller logs and skips it.
func Open(path string) (*Reader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("sstable: open: %w", err)
	}

	r, err := load(file, path)
	if err != nil {
		file.Close()
		return nil, err
	}
	return r, nil
}

func load(file *os.File, path string) (*Reader, error) {
	st, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("sstable: stat: %w", err)
	}
	if st.Size() < FooterSize {
		return nil, fmt.Errorf("%w: file is %d bytes", ErrBadFooter, st.Size())
	}

	footBuf := make([]byte, FooterSize)
	if _, err := file.ReadAt(footBuf, st.Size()-FooterSize); err != nil {
		return nil, fmt.Errorf("sstable: read footer: %w", err)
	}
	f, err := unmarshalFooter(footBuf)
	if err != nil {
		return nil, err
	}

	limit := uint64(st.Size() - FooterSize)
	if f.indexOff+f.indexLen > limit || f.bloomOff+f.bloomLen > limit ||
		f.metaOff+f.metaLen > limit || f.indexOff > f.bloomOff || f.bloomOff > f.metaOff {
		return nil, fmt.Errorf("%w: block locators out of bounds", ErrBadFooter)
	}

	indexPayload, err := readBlock(file, f.indexOff, f.indexLen)
	if err != nil {
		return nil, fmt.Errorf("sstable: index block: %w", err)
	}
	index, err := unmarshalIndex(indexPayload)
	if err != nil {
		return nil, err
	}

	bloomPayload, err := readBlock(file, f.bloomOff, f.bloomLen)
	if err != nil {
		return nil, fmt.Errorf("sstable: bloom block: %w", err)
	}
	filter, err := bloom.Unmarshal(bloomPayload)
	if err != nil {
		return nil, err
	}

	metaPayload, err := readBlock(file, f.metaOff, f.metaLen)
	if err != nil {
		return nil, fmt.Errorf("sstable: meta block: %w", err)
	}
	meta, err := unmarshalMeta(metaPayload)
	if err != nil {
		return nil, err
	}

	id, _ := ParseFileName(path)

	return &Reader{
		path:    path,
		file:    file,
		id:      id,
		meta:    meta,
		filter:  filter,
		index:   index,
		dataEnd: int64(f.indexOff),
		size:    st.Size(),
	}, nil
}

func readBlock(file *os.File, off, length uint64) ([]byte, error) {
	block := make([]byte, length)
	if _, err := file.ReadAt(block, int64(off)); err != nil {
		return nil, err
	}
	payload, err := codec.OpenBlock(block)
	if err != nil {
		return nil, err
	}
	return payload, nil
}

func (r *Reader) ID() types.FileID   { return r.id }
func (r *Reader) Path() string       { return r.path }
func (r *Reader) Size() int64        { return r.size }
func (r *Reader) MinKey() types.Key  { return r.meta.MinKey }
func (r *Reader) MaxKey() types.Key  { return r.meta.MaxKey }
func (r *Reader) KeyCount() uint64   { return r.meta.KeyCount }
func (r *Reader) SeqMax() types.SeqN { return r.meta.SeqMax }
func (r *Reader) SeqMin() types.SeqN { return r.meta.SeqMin }

// ContainsKeyRange reports whether [min, max] of this table intersects the
// half-open scan range [start, end).
func (r *Reader) ContainsKeyRange(start, end types.Key) bool {
	if len(end) > 0 && bytes.Compare(r.meta.MinKey, end) >= 0 {
		return false
	}
	return bytes.Compare(r.meta.MaxKey, start) >= 0
}

// seekOffset returns the data offset of the greatest indexed key <= key,
// or 0 when key sorts before every indexed key.
func (r *Reader) seekOffset(key types.Key) int64 {
	// First index entry with Key > key; the predecessor is the seek point.
	i := sort.Search(len(r.index), func(i int) bool {
		return bytes.Compare(r.index[i].Key, key) > 0
	})
	if i == 0 {
		return 0
	}
	return int64(r.index[i-1].Offset)
}

// Get performs a point lookup. The bool result distinguishes "absent from
// this table" from a found record, which may itself be a tombstone.
func (r *Reader) Get(key types.Key) (record.Record, bool, error) {
	var zero record.Record

	if r.meta.KeyCount == 0 ||
		bytes.Compare(key, r.meta.MinKey) < 0 ||
		bytes.Compare(key, r.meta.MaxKey) > 0 {
		return zero, false, nil
	}
	if !r.filter.MayContain(key) {
		return zero, false, nil
	}

	start := r.seekOffset(key)
	br := bufio.NewReaderSize(io.NewSectionReader(r.file, start, r.dataEnd-start), 64*1024)

	for {
		rec, err := record.ReadTable(br)
		if err == io.EOF {
			return zero, false, nil
		}
		if err != nil {
			return zero, false, fmt.Errorf("sstable: scan from index point: %w", err)
		}

		switch bytes.Compare(rec.Key, key) {
		case 0:
			return rec, true, nil
		case 1:
			return zero, false, nil // passed the key; it is not here
		}
	}
}

// NewIterator streams records with start <= key < end in key order. An empty
// end means no upper bound.
func (r *Reader) NewIterator(start, end types.Key) *Iterator {
	off := r.seekOffset(start)
	return &Iterator{
		br:    bufio.NewReaderSize(io.NewSectionReader(r.file, off, r.dataEnd-off), 64*1024),
		start: start,
		end:   end,
	}
}

func (r *Reader) Close() error {
	return r.file.Close()
}

// Remove closes the reader and unlinks the underlying file.
func (r *Reader) Remove() error {
	r.file.Close()
	return os.Remove(r.path)
}
