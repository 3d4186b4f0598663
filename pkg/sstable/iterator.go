package sstable

import (
	"bufio"
	"bytes"
	"io"

	"slatekv/pkg/record"
	"slatekv/pkg/types"
)

// Iterator streams one table's records within [start, end). It holds no lock;
// the table is immutable.
type Iterator struct {
	br    *bufio.Reader
	start types.Key
	end   types.Key

	cur record.Record
	err error
}

// Next advances to the following record, skipping anything before start and
// stopping at end. It returns false at the end of the range or on error.
func (it *Iterator) Next() bool {
	if it.err != nil {
		return false
	}
	for {
		rec, err := record.ReadTable(it.br)
		if err == io.EOF {
			return false
		}
		if err != nil {
			it.err = err
			return false
		}
		if bytes.Compare(rec.Key, it.start) < 0 {
			continue // records before the seek point share its index slot
		}
		if len(it.end) > 0 && bytes.Compare(rec.Key, it.end) >= 0 {
			return false
		}
		it.cur = rec
		return true
	}
}

func (it *Iterator) Record() record.Record {
	return it.cur
}

// Err reports a decode failure that ended the iteration early.
func (it *Iterator) Err() error {
	return it.err
}

func (it *Iterator) Close() error {
	it.br = nil
	return nil
}
