// Package memtable is the sorted in-memory buffer for recent writes. One
// memtable is active per engine; a rotated ("frozen") memtable is immutable
// and only read until its flush completes.
package memtable

import (
	"bytes"
	"sync/atomic"

	"github.com/zhangyunhao116/skipmap"

	"slatekv/pkg/record"
	"slatekv/pkg/types"
)

type ordered = skipmap.FuncMap[[]byte, record.Record]

// Memtable maps each key to the most recent record written for it. A single
// writer inserts; readers run concurrently without blocking it.
type Memtable struct {
	underlying *ordered
	size       atomic.Uint64
}

func New() *Memtable {
	return &Memtable{
		underlying: skipmap.NewFunc[[]byte, record.Record](func(a, b []byte) bool {
			return bytes.Compare(a, b) < 0
		}),
	}
}

// Insert stores rec, overwriting any previous record for the same key.
// Only the engine's serialized write path calls it.
func (mt *Memtable) Insert(rec record.Record) {
	added := uint64(len(rec.Key) + len(rec.Value))
	if prev, ok := mt.underlying.Load(rec.Key); ok {
		mt.size.Add(added - uint64(len(prev.Key)+len(prev.Value)))
	} else {
		mt.size.Add(added)
	}
	mt.underlying.Store(rec.Key, rec)
}

func (mt *Memtable) Get(key types.Key) (record.Record, bool) {
	return mt.underlying.Load(key)
}

// Len is the number of distinct keys.
func (mt *Memtable) Len() int {
	return mt.underlying.Len()
}

// SizeBytes is the sum of key+value bytes across distinct keys.
func (mt *Memtable) SizeBytes() uint64 {
	return mt.size.Load()
}

// Sorted returns every record in ascending key order.
func (mt *Memtable) Sorted() []record.Record {
	out := make([]record.Record, 0, mt.underlying.Len())
	mt.underlying.Range(func(_ []byte, rec record.Record) bool {
		out = append(out, rec)
		return true
	})
	return out
}

// Iter materializes the records with start <= key < end into a stable
// iterator. An empty end means no upper bound.
func (mt *Memtable) Iter(start, end types.Key) *Iterator {
	var recs []record.Record
	mt.underlying.Range(func(key []byte, rec record.Record) bool {
		if bytes.Compare(key, start) < 0 {
			return true
		}
		if len(end) > 0 && bytes.Compare(key, end) >= 0 {
			return false
		}
		recs = append(recs, rec)
		return true
	})
	return &Iterator{recs: recs, pos: -1}
}

// Iterator walks a fixed snapshot of records in key order.
type Iterator struct {
	recs []record.Record
	pos  int
}

func (it *Iterator) Next() bool {
	it.pos++
	return it.pos < len(it.recs)
}

func (it *Iterator) Record() record.Record {
	return it.recs[it.pos]
}

func (it *Iterator) Close() error {
	it.recs = nil
	return nil
}
