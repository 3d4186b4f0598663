package engine

import (
	"bytes"
	"container/heap"
	"context"
	"log/slog"

	"slatekv/pkg/levels"
	"slatekv/pkg/record"
	"slatekv/pkg/sstable"
	"slatekv/pkg/types"
)

// recordIterator is the shape shared by memtable, sstable and chained
// iterators feeding the k-way merge.
type recordIterator interface {
	Next() bool
	Record() record.Record
	Close() error
}

// chainIterator walks the disjoint, min-key-ordered tables of one level >= 1
// as a single sorted stream.
type chainIterator struct {
	tables []*levels.Handle
	start  types.Key
	end    types.Key
	cur    *sstable.Iterator
	pos    int
}

func newChainIterator(tables []*levels.Handle, start, end types.Key) *chainIterator {
	return &chainIterator{tables: tables, start: start, end: end}
}

func (c *chainIterator) Next() bool {
	for {
		if c.cur != nil && c.cur.Next() {
			return true
		}
		if c.cur != nil {
			if err := c.cur.Err(); err != nil {
				slog.Error("skipping rest of table on iterator error",
					"path", c.tables[c.pos-1].Path(), "error", err)
			}
			c.cur.Close()
			c.cur = nil
		}
		if c.pos >= len(c.tables) {
			return false
		}
		c.cur = c.tables[c.pos].NewIterator(c.start, c.end)
		c.pos++
	}
}

func (c *chainIterator) Record() record.Record {
	return c.cur.Record()
}

func (c *chainIterator) Close() error {
	if c.cur != nil {
		c.cur.Close()
		c.cur = nil
	}
	return nil
}

// mergeHeap orders sources by (key ascending, seq descending), so the first
// entry popped for a key is its newest version.
type mergeEntry struct {
	rec record.Record
	src int
}

type mergeHeap []mergeEntry

func (h mergeHeap) Len() int { return len(h) }

func (h mergeHeap) Less(i, j int) bool {
	if c := bytes.Compare(h[i].rec.Key, h[j].rec.Key); c != 0 {
		return c < 0
	}
	return h[i].rec.Seq > h[j].rec.Seq
}

func (h mergeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *mergeHeap) Push(x any)   { *h = append(*h, x.(mergeEntry)) }
func (h *mergeHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// mergeIterator yields one record per distinct key, the one with the highest
// sequence number, in ascending key order. Tombstones are passed through;
// callers decide whether to surface or drop them.
type mergeIterator struct {
	sources []recordIterator
	h       mergeHeap
	cur     record.Record
}

func newMergeIterator(sources []recordIterator) *mergeIterator {
	m := &mergeIterator{sources: sources}
	for i, src := range sources {
		if src.Next() {
			m.h = append(m.h, mergeEntry{rec: src.Record(), src: i})
		}
	}
	heap.Init(&m.h)
	return m
}

func (m *mergeIterator) Next() bool {
	if m.h.Len() == 0 {
		return false
	}

	top := heap.Pop(&m.h).(mergeEntry)
	m.cur = top.rec
	m.refill(top.src)

	// Drop the older versions of the same key.
	for m.h.Len() > 0 && bytes.Equal(m.h[0].rec.Key, m.cur.Key) {
		dup := heap.Pop(&m.h).(mergeEntry)
		m.refill(dup.src)
	}
	return true
}

func (m *mergeIterator) refill(src int) {
	if m.sources[src].Next() {
		heap.Push(&m.h, mergeEntry{rec: m.sources[src].Record(), src: src})
	}
}

func (m *mergeIterator) Record() record.Record {
	return m.cur
}

func (m *mergeIterator) Close() error {
	for _, src := range m.sources {
		src.Close()
	}
	m.sources = nil
	m.h = nil
	return nil
}

// ScanIterator is the public range scan: the k-way merge with tombstones
// suppressed, pinned to the snapshot captured when the scan started.
type ScanIterator struct {
	ctx   context.Context
	merge *mergeIterator
	snap  *levels.Snapshot

	key   []byte
	value []byte
	err   error
}

func newScanIterator(ctx context.Context, sources []recordIterator, snap *levels.Snapshot) *ScanIterator {
	return &ScanIterator{
		ctx:   ctx,
		merge: newMergeIterator(sources),
		snap:  snap,
	}
}

// Next advances to the next live key. It returns false at the end of the
// range or when the scan's context is cancelled (see Err).
func (it *ScanIterator) Next() bool {
	for {
		if err := it.ctx.Err(); err != nil {
			it.err = err
			return false
		}
		if !it.merge.Next() {
			return false
		}
		rec := it.merge.Record()
		if rec.Tombstone() {
			continue
		}
		it.key = rec.Key
		it.value = rec.Value
		return true
	}
}

func (it *ScanIterator) Key() []byte   { return it.key }
func (it *ScanIterator) Value() []byte { return it.value }

// Err reports why the iteration stopped early, if it did.
func (it *ScanIterator) Err() error {
	return it.err
}

// Close releases the iterator's snapshot. It must be called exactly once.
func (it *ScanIterator) Close() error {
	it.merge.Close()
	if it.snap != nil {
		it.snap.Release()
		it.snap = nil
	}
	return nil
}
