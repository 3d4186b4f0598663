package engine

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"slatekv/pkg/levels"
	"slatekv/pkg/memtable"
	"slatekv/pkg/sstable"
)

// flushTask carries one frozen memtable and its staged WAL to the flush
// worker.
type flushTask struct {
	mt      *memtable.Memtable
	walPath string
}

// flushAttempts bounds retries on a failing flush (e.g. disk full) before
// the engine gives up and degrades. Writers stall on the occupied frozen
// slot for the whole time.
const flushAttempts = 5

// handleFlush turns a frozen memtable into a published level-0 table, then
// deletes the WAL that covered it and unfreezes the engine.
func (e *Engine) handleFlush(task flushTask) error {
	start := time.Now()

	var err error
	for attempt := 1; attempt <= flushAttempts; attempt++ {
		if err = e.flushMemtable(task.mt); err == nil {
			break
		}
		if e.closed.Load() {
			break
		}
		backoff := time.Duration(attempt) * 500 * time.Millisecond
		slog.Error("flush failed, retrying", "attempt", attempt, "backoff", backoff, "error", err)
		time.Sleep(backoff)
	}
	if err != nil {
		// The staged WAL stays on disk, so its records are replayed on the
		// next open. The engine stops accepting writes and the frozen slot
		// is released, so Close and stalled writers do not wait on it; until
		// the next open, reads no longer see the frozen memtable's records.
		e.degraded.Store(true)
		slog.Error("flush failed, engine degraded", "error", err)
		e.clearFrozen()
		return err
	}

	if err := os.Remove(task.walPath); err != nil && !os.IsNotExist(err) {
		slog.Warn("failed to remove flushed wal", "path", task.walPath, "error", err)
	}

	e.counters.flushes.Add(1)
	e.reg.RecordFlush(time.Since(start))
	e.reg.UpdateLevelTables(e.manifest.TableCounts())

	e.clearFrozen()
	e.compactor.Wake()
	return nil
}

// clearFrozen releases the frozen slot and wakes stalled writers.
func (e *Engine) clearFrozen() {
	e.stateMu.Lock()
	e.frozen = nil
	e.progress.Broadcast()
	e.stateMu.Unlock()
}

// flushMemtable writes the memtable's records to a new level-0 table and
// publishes it. Also used for the recovered memtable at startup and the
// final drain in Close.
func (e *Engine) flushMemtable(mt *memtable.Memtable) error {
	recs := mt.Sorted()
	if len(recs) == 0 {
		return nil
	}

	id := e.manifest.NextFileID()
	b, err := sstable.NewBuilder(e.manifest.TablePath(0, id), sstable.BuilderOptions{
		IndexInterval: e.opts.SSTableIndexInterval,
		BloomFPRate:   e.opts.SSTableBloomFPRate,
		ExpectedKeys:  uint64(len(recs)),
	})
	if err != nil {
		return err
	}

	for _, rec := range recs {
		if err := b.Add(rec); err != nil {
			b.Discard()
			return fmt.Errorf("engine: build flush output: %w", err)
		}
	}
	if err := b.Finish(); err != nil {
		b.Discard()
		return err
	}

	r, err := sstable.Open(b.Path())
	if err != nil {
		return fmt.Errorf("engine: open flush output: %w", err)
	}
	e.manifest.InstallFlushed(levels.NewHandle(r))

	slog.Info("flushed memtable", "table", b.Path(), "keys", len(recs))
	return nil
}
