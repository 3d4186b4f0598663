// Package engine coordinates the LSM pieces: the write path through WAL and
// memtable, the read merge across levels, the flush pipeline and the
// background compaction scheduler.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"slatekv/pkg/clock"
	"slatekv/pkg/dberrors"
	"slatekv/pkg/levels"
	"slatekv/pkg/listener"
	"slatekv/pkg/memtable"
	"slatekv/pkg/metrics"
	"slatekv/pkg/record"
	"slatekv/pkg/types"
	"slatekv/pkg/wal"
)

// Engine is a single-node ordered key/value store. One writer at a time goes
// through the serialized write path; readers never block it beyond the brief
// pointer swap of a rotation.
type Engine struct {
	opts Options
	reg  *metrics.Registry

	seq      *clock.AtomicClock
	manifest *levels.Manifest

	// writeMu serializes sequence assignment, WAL append, memtable insert
	// and rotation.
	writeMu sync.Mutex

	// stateMu guards the memtable/WAL pointers; readers take the read lock
	// only long enough to copy them. progress is signalled on it whenever a
	// flush or compaction finishes, which is what stalled writers wait for.
	stateMu  sync.RWMutex
	progress *sync.Cond
	mt       *memtable.Memtable
	frozen   *memtable.Memtable
	wl       *wal.WAL

	flushCh chan flushTask
	flusher *listener.Listener[flushTask]

	compactor *compactor

	degraded atomic.Bool
	closed   atomic.Bool

	counters counters
}

// Open recovers the engine state under opts.DataDir and starts the
// background workers.
func Open(opts Options, reg *metrics.Registry) (*Engine, error) {
	opts.fill()
	if reg == nil {
		reg = metrics.NewRegistry()
	}

	if err := os.MkdirAll(opts.DataDir, 0750); err != nil {
		return nil, fmt.Errorf("engine: create data dir: %w", err)
	}

	manifest, err := levels.Load(opts.DataDir, opts.MaxLevels)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		opts:     opts,
		reg:      reg,
		seq:      clock.NewAtomic(manifest.MaxSeq()),
		manifest: manifest,
		flushCh:  make(chan flushTask, 1),
	}
	e.progress = sync.NewCond(&e.stateMu)

	if err := e.recover(); err != nil {
		manifest.Close()
		return nil, err
	}

	e.mt = memtable.New()
	e.wl, err = wal.Open(filepath.Join(opts.DataDir, wal.FileName), opts.WALSyncOnWrite)
	if err != nil {
		manifest.Close()
		return nil, err
	}

	ctx := context.Background()
	e.flusher = listener.New(e.flushCh, e.handleFlush)
	e.flusher.Start(ctx)
	e.compactor = newCompactor(e)
	e.compactor.Start(ctx)

	return e, nil
}

// recover replays every WAL left behind by the previous run, flushes the
// rebuilt memtable to a level-0 table, and only then deletes the logs.
// Acknowledged writes therefore survive a crash at any point, including a
// crash during recovery itself.
func (e *Engine) recover() error {
	frozenWALs, err := wal.ListFrozen(e.opts.DataDir)
	if err != nil {
		return err
	}
	paths := append(frozenWALs, filepath.Join(e.opts.DataDir, wal.FileName))

	recovered := memtable.New()
	total := 0
	for _, path := range paths {
		n, err := wal.Replay(path, func(rec record.Record) error {
			recovered.Insert(rec)
			e.seq.Set(rec.Seq)
			return nil
		})
		if err != nil {
			return fmt.Errorf("engine: recover %s: %w", path, err)
		}
		total += n
	}

	if recovered.Len() > 0 {
		slog.Info("recovered records from WAL", "frames", total, "keys", recovered.Len())
		if err := e.flushMemtable(recovered); err != nil {
			return fmt.Errorf("engine: flush recovered memtable: %w", err)
		}
	}

	for _, path := range paths {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("engine: remove replayed wal: %w", err)
		}
	}
	return nil
}

func (e *Engine) validate(key, value []byte) error {
	if len(key) == 0 {
		return dberrors.ErrEmptyKey
	}
	if len(key) > e.opts.MaxKeyBytes {
		return dberrors.ErrKeyTooLarge
	}
	if len(value) > e.opts.MaxValueBytes {
		return dberrors.ErrValueTooLarge
	}
	return nil
}

// Put stores value under key. The write is durable per the WAL sync policy
// before it is acknowledged.
func (e *Engine) Put(key, value []byte) error {
	if err := e.validate(key, value); err != nil {
		return err
	}
	e.counters.puts.Add(1)
	e.reg.RecordOp("put")
	return e.write(record.Record{
		Key:   append([]byte(nil), key...),
		Value: append([]byte(nil), value...),
		Kind:  record.KindPut,
	})
}

// Delete writes a tombstone for key. Deleting an absent key is not an error.
func (e *Engine) Delete(key []byte) error {
	if err := e.validate(key, nil); err != nil {
		return err
	}
	e.counters.deletes.Add(1)
	e.reg.RecordOp("delete")
	return e.write(record.Record{
		Key:  append([]byte(nil), key...),
		Kind: record.KindDelete,
	})
}

// BatchPut applies several puts as one WAL run with a single rotation check
// at the end. Keys and values are matched by index.
func (e *Engine) BatchPut(keys, values [][]byte) error {
	if len(keys) != len(values) {
		return fmt.Errorf("engine: batch length mismatch: %d keys, %d values", len(keys), len(values))
	}
	for i := range keys {
		if err := e.validate(keys[i], values[i]); err != nil {
			return err
		}
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	if err := e.writable(); err != nil {
		return err
	}
	e.waitForRoom()

	for i := range keys {
		rec := record.Record{
			Key:   append([]byte(nil), keys[i]...),
			Value: append([]byte(nil), values[i]...),
			Seq:   e.seq.Next(),
			Kind:  record.KindPut,
		}
		if err := e.append(rec); err != nil {
			return err
		}
	}

	e.counters.puts.Add(uint64(len(keys)))
	e.maybeRotate()
	return nil
}

func (e *Engine) writable() error {
	if e.closed.Load() {
		return dberrors.ErrClosed
	}
	if e.degraded.Load() {
		return dberrors.ErrDegraded
	}
	return nil
}

func (e *Engine) write(rec record.Record) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	if err := e.writable(); err != nil {
		return err
	}
	e.waitForRoom()

	rec.Seq = e.seq.Next()
	if err := e.append(rec); err != nil {
		return err
	}

	e.maybeRotate()
	return nil
}

// append writes the record to the WAL and then the memtable. A WAL failure
// means the write was never acknowledged; the engine goes read-only.
func (e *Engine) append(rec record.Record) error {
	e.stateMu.RLock()
	wl, mt := e.wl, e.mt
	e.stateMu.RUnlock()

	if err := wl.Append(rec); err != nil {
		e.degraded.Store(true)
		slog.Error("WAL append failed, engine degraded", "error", err)
		return fmt.Errorf("%w: %v", dberrors.ErrDegraded, err)
	}
	mt.Insert(rec)
	return nil
}

// waitForRoom blocks the writer while level 0 holds at least the stall
// threshold of tables.
// Compaction progress wakes it. Called with writeMu held.
func (e *Engine) waitForRoom() {
	if e.manifest.L0Count() < e.opts.L0StallThreshold {
		return
	}
	e.stateMu.Lock()
	stalled := false
	for e.manifest.L0Count() >= e.opts.L0StallThreshold && !e.closed.Load() {
		if !stalled {
			stalled = true
			e.counters.writeStalls.Add(1)
			e.reg.WriteStallsTotal.Inc()
			slog.Warn("write stalled on level 0 back-pressure", "tables", e.manifest.L0Count())
		}
		e.compactor.Wake()
		e.progress.Wait()
	}
	e.stateMu.Unlock()
}

// maybeRotate freezes the memtable once it crosses a threshold. The write
// that triggered the rotation is already durable and acknowledged; the flush
// happens in the background.
func (e *Engine) maybeRotate() {
	e.stateMu.RLock()
	size, entries := e.mt.SizeBytes(), e.mt.Len()
	e.stateMu.RUnlock()

	if size < e.opts.MemtableMaxBytes && entries < e.opts.MemtableMaxEntries {
		return
	}
	if err := e.rotate(); err != nil {
		slog.Error("memtable rotation failed", "error", err)
	}
}

// rotate swaps in a fresh memtable and WAL. At most one frozen memtable
// exists at a time; if the previous flush is still running the writer stalls
// here until it finishes. Called with writeMu held.
func (e *Engine) rotate() error {
	e.stateMu.Lock()
	for e.frozen != nil && !e.closed.Load() {
		e.counters.writeStalls.Add(1)
		e.reg.WriteStallsTotal.Inc()
		e.progress.Wait()
	}
	if e.closed.Load() {
		e.stateMu.Unlock()
		return dberrors.ErrClosed
	}

	frozenID := e.seq.Val()
	frozenPath := filepath.Join(e.opts.DataDir, wal.FrozenName(frozenID))

	if err := e.wl.Close(); err != nil {
		e.stateMu.Unlock()
		return fmt.Errorf("engine: close wal for rotation: %w", err)
	}
	if err := os.Rename(e.wl.Path(), frozenPath); err != nil {
		e.stateMu.Unlock()
		return fmt.Errorf("engine: stage frozen wal: %w", err)
	}

	fresh, err := wal.Open(filepath.Join(e.opts.DataDir, wal.FileName), e.opts.WALSyncOnWrite)
	if err != nil {
		e.stateMu.Unlock()
		e.degraded.Store(true)
		return fmt.Errorf("engine: open fresh wal: %w", err)
	}

	e.frozen = e.mt
	e.mt = memtable.New()
	e.wl = fresh
	task := flushTask{mt: e.frozen, walPath: frozenPath}
	e.stateMu.Unlock()

	e.flushCh <- task
	return nil
}

// Get returns the value for key. The first version found along the
// newest-to-oldest path wins; a tombstone yields not-found.
func (e *Engine) Get(key []byte) ([]byte, bool, error) {
	if e.closed.Load() {
		return nil, false, dberrors.ErrClosed
	}
	e.counters.gets.Add(1)
	e.reg.RecordOp("get")

	e.stateMu.RLock()
	mt, frozen := e.mt, e.frozen
	e.stateMu.RUnlock()

	if rec, ok := mt.Get(key); ok {
		return getResult(rec)
	}
	if frozen != nil {
		if rec, ok := frozen.Get(key); ok {
			return getResult(rec)
		}
	}

	snap := e.manifest.Snapshot()
	defer snap.Release()

	// Level 0 newest first; overlap is legal there.
	for _, t := range snap.Levels[0] {
		rec, found, err := t.Get(key)
		if err != nil {
			slog.Error("skipping table on read error", "path", t.Path(), "error", err)
			continue
		}
		if found {
			return getResult(rec)
		}
	}

	// One candidate table per deeper level.
	for level := 1; level < len(snap.Levels); level++ {
		t := snap.FindUpper(level, key)
		if t == nil {
			continue
		}
		rec, found, err := t.Get(key)
		if err != nil {
			slog.Error("skipping table on read error", "path", t.Path(), "error", err)
			continue
		}
		if found {
			return getResult(rec)
		}
	}

	return nil, false, nil
}

func getResult(rec record.Record) ([]byte, bool, error) {
	if rec.Tombstone() {
		return nil, false, nil
	}
	return rec.Value, true, nil
}

// Scan returns an iterator over keys in [start, end), merged across the
// memtables and every level, deduplicated, tombstones suppressed. The
// snapshot is captured once; writes during the scan are not observed.
func (e *Engine) Scan(ctx context.Context, start, end []byte) (*ScanIterator, error) {
	if e.closed.Load() {
		return nil, dberrors.ErrClosed
	}
	e.counters.scans.Add(1)
	e.reg.RecordOp("scan")

	e.stateMu.RLock()
	mt, frozen := e.mt, e.frozen
	e.stateMu.RUnlock()

	sources := []recordIterator{mt.Iter(start, end)}
	if frozen != nil {
		sources = append(sources, frozen.Iter(start, end))
	}

	snap := e.manifest.Snapshot()
	for _, t := range snap.Levels[0] {
		if t.ContainsKeyRange(start, end) {
			sources = append(sources, t.NewIterator(start, end))
		}
	}
	for level := 1; level < len(snap.Levels); level++ {
		var overlapping []*levels.Handle
		for _, t := range snap.Levels[level] {
			if t.ContainsKeyRange(start, end) {
				overlapping = append(overlapping, t)
			}
		}
		if len(overlapping) > 0 {
			sources = append(sources, newChainIterator(overlapping, start, end))
		}
	}

	return newScanIterator(ctx, sources, snap), nil
}

// Seq exposes the current sequence high-water mark.
func (e *Engine) Seq() types.SeqN {
	return e.seq.Val()
}

// CompactNow synchronously runs compactions until no level is over its
// trigger.
func (e *Engine) CompactNow() error {
	if e.closed.Load() {
		return dberrors.ErrClosed
	}
	return e.compactor.RunToQuiescence()
}

// Close stops background work, optionally flushes the memtable, and releases
// every file handle. Further operations fail with ErrClosed.
func (e *Engine) Close() error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	if e.closed.Swap(true) {
		return nil
	}

	// Let the in-flight flush finish, then stop the workers.
	e.stateMu.Lock()
	for e.frozen != nil {
		e.progress.Wait()
	}
	e.stateMu.Unlock()

	e.compactor.Stop()
	e.flusher.Stop()

	var firstErr error

	if e.opts.FlushOnClose && e.mt.Len() > 0 && !e.degraded.Load() {
		if err := e.flushMemtable(e.mt); err != nil {
			firstErr = err
		} else if err := os.Remove(e.wl.Path()); err != nil && !os.IsNotExist(err) {
			firstErr = err
		}
	}

	if err := e.wl.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	e.manifest.Close()
	return firstErr
}
