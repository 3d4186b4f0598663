package sstable

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"slatekv/pkg/bloom"
	"slatekv/pkg/codec"
	"slatekv/pkg/record"
)

var ErrOutOfOrder = errors.New("sstable: records must arrive in strictly increasing key order")

// BuilderOptions size the sparse index and the bloom filter.
type BuilderOptions struct {
	IndexInterval int
	BloomFPRate   float64
	// ExpectedKeys sizes the bloom filter. An estimate is fine; it only
	// moves the realized false-positive rate.
	ExpectedKeys uint64
}

func (o *BuilderOptions) fill() {
	if o.IndexInterval <= 0 {
		o.IndexInterval = DefaultIndexInterval
	}
	if o.BloomFPRate <= 0 || o.BloomFPRate >= 1 {
		o.BloomFPRate = 0.01
	}
	if o.ExpectedKeys == 0 {
		o.ExpectedKeys = 1024
	}
}

// Builder streams sorted records into a temporary file and publishes the
// finished table with an atomic rename. A builder abandoned before Finish
// leaves only a temp file, which startup cleanup removes.
type Builder struct {
	path    string
	tmpPath string
	file    *os.File
	w       *bufio.Writer
	opts    BuilderOptions

	filter *bloom.Filter
	index  []IndexEntry
	meta   Meta

	offset  uint64
	lastKey []byte
}

// NewBuilder creates a builder whose output will be published at path.
func NewBuilder(path string, opts BuilderOptions) (*Builder, error) {
	opts.fill()

	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("sstable: create level directory: %w", err)
	}

	tmpPath := fmt.Sprintf("%s.tmp-%s", path, uuid.NewString())
	file, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("sstable: create temp file: %w", err)
	}

	return &Builder{
		path:    path,
		tmpPath: tmpPath,
		file:    file,
		w:       bufio.NewWriterSize(file, 64*1024),
		opts:    opts,
		filter:  bloom.New(opts.ExpectedKeys, opts.BloomFPRate),
	}, nil
}

// Add appends one record. Keys must be strictly increasing; each key appears
// at most once per table.
func (b *Builder) Add(rec record.Record) error {
	if b.lastKey != nil && bytes.Compare(rec.Key, b.lastKey) <= 0 {
		return fmt.Errorf("%w: %q after %q", ErrOutOfOrder, rec.Key, b.lastKey)
	}

	if b.meta.KeyCount == 0 {
		b.meta.MinKey = append([]byte(nil), rec.Key...)
		b.meta.SeqMin = rec.Seq
		b.meta.SeqMax = rec.Seq
	}
	if rec.Seq < b.meta.SeqMin {
		b.meta.SeqMin = rec.Seq
	}
	if rec.Seq > b.meta.SeqMax {
		b.meta.SeqMax = rec.Seq
	}

	if b.meta.KeyCount%uint64(b.opts.IndexInterval) == 0 {
		b.index = append(b.index, IndexEntry{
			Key:    append([]byte(nil), rec.Key...),
			Offset: b.offset,
		})
	}

	encoded := rec.AppendTable(nil)
	if _, err := b.w.Write(encoded); err != nil {
		return fmt.Errorf("sstable: write record: %w", err)
	}

	b.filter.Add(rec.Key)
	b.offset += uint64(len(encoded))
	b.meta.KeyCount++
	b.lastKey = append(b.lastKey[:0], rec.Key...)
	return nil
}

// EstimatedSize is the bytes of data written so far, used by compaction to
// rotate output files at the target size.
func (b *Builder) EstimatedSize() uint64 {
	return b.offset
}

func (b *Builder) KeyCount() uint64 {
	return b.meta.KeyCount
}

// Finish writes the index, bloom, metadata and footer, syncs, and renames
// the table into place. The parent directory is fsynced so the rename
// itself is durable.
func (b *Builder) Finish() error {
	if b.meta.KeyCount > 0 {
		b.meta.MaxKey = append([]byte(nil), b.lastKey...)
	}

	var f footer

	f.indexOff = b.offset
	indexBlock := codec.SealBlock(marshalIndex(b.index))
	f.indexLen = uint64(len(indexBlock))
	if _, err := b.w.Write(indexBlock); err != nil {
		return fmt.Errorf("sstable: write index: %w", err)
	}

	f.bloomOff = f.indexOff + f.indexLen
	bloomBlock := codec.SealBlock(b.filter.Marshal())
	f.bloomLen = uint64(len(bloomBlock))
	if _, err := b.w.Write(bloomBlock); err != nil {
		return fmt.Errorf("sstable: write bloom: %w", err)
	}

	f.metaOff = f.bloomOff + f.bloomLen
	metaBlock := codec.SealBlock(b.meta.marshal())
	f.metaLen = uint64(len(metaBlock))
	if _, err := b.w.Write(metaBlock); err != nil {
		return fmt.Errorf("sstable: write meta: %w", err)
	}

	if _, err := b.w.Write(f.marshal()); err != nil {
		return fmt.Errorf("sstable: write footer: %w", err)
	}

	if err := b.w.Flush(); err != nil {
		return fmt.Errorf("sstable: flush: %w", err)
	}
	if err := b.file.Sync(); err != nil {
		return fmt.Errorf("sstable: sync: %w", err)
	}
	if err := b.file.Close(); err != nil {
		return fmt.Errorf("sstable: close temp: %w", err)
	}
	b.file = nil

	if err := os.Rename(b.tmpPath, b.path); err != nil {
		return fmt.Errorf("sstable: publish: %w", err)
	}
	return syncDir(filepath.Dir(b.path))
}

// Discard abandons the build and removes the temp file.
func (b *Builder) Discard() error {
	if b.file == nil {
		return nil
	}
	b.file.Close()
	b.file = nil
	return os.Remove(b.tmpPath)
}

func (b *Builder) Path() string {
	return b.path
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("sstable: open dir: %w", err)
	}
	defer d.Close()
	return d.Sync()
}
