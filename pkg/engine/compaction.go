package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"slatekv/pkg/levels"
	"slatekv/pkg/record"
	"slatekv/pkg/sstable"
)

// compactor is the background worker that reshapes the level hierarchy. It
// wakes on a timer and after every flush, evaluates the triggers, and merges
// one pick at a time.
type compactor struct {
	e *Engine

	// taskMu serializes task execution between the background loop and
	// CompactNow.
	taskMu sync.Mutex

	wake   chan struct{}
	cancel func()
	wg     sync.WaitGroup

	failures int
}

func newCompactor(e *Engine) *compactor {
	return &compactor{
		e:      e,
		wake:   make(chan struct{}, 1),
		cancel: func() {},
	}
}

func (c *compactor) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)

	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.e.opts.CompactionPollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			case <-c.wake:
			}

			if err := c.runOnce(ctx); err != nil {
				c.failures++
				backoff := c.e.opts.CompactionPollInterval << min(c.failures, 5)
				slog.Error("compaction failed, backing off",
					"error", err, "failures", c.failures, "backoff", backoff)
				select {
				case <-ctx.Done():
					return
				case <-time.After(backoff):
				}
				continue
			}
			c.failures = 0
		}
	}()
}

func (c *compactor) Stop() {
	c.cancel()
	c.wg.Wait()
}

// Wake nudges the worker without waiting for the next poll tick.
func (c *compactor) Wake() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// RunToQuiescence runs compactions synchronously until no trigger fires.
func (c *compactor) RunToQuiescence() error {
	for {
		ran, err := c.step(context.Background())
		if err != nil {
			return err
		}
		if !ran {
			return nil
		}
	}
}

// runOnce drains all pending triggers, checking for shutdown between merges.
func (c *compactor) runOnce(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		ran, err := c.step(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil // shutting down; partial outputs already discarded
			}
			return err
		}
		if !ran {
			return nil
		}
	}
}

// compactionTask names the inputs and where their merge lands.
type compactionTask struct {
	inputs      []*levels.Handle
	snap        *levels.Snapshot
	sourceLevel int
	targetLevel int
}

// step evaluates the triggers and runs at most one compaction.
func (c *compactor) step(ctx context.Context) (bool, error) {
	c.taskMu.Lock()
	defer c.taskMu.Unlock()

	task := c.pick()
	if task == nil {
		return false, nil
	}
	defer task.snap.Release()

	if err := c.run(ctx, task); err != nil {
		return false, err
	}
	return true, nil
}

// pick applies the triggers in order. Level 0 first: all its tables plus the
// overlapping level-1 tables. Then each sized level: its oldest table plus
// the overlap below.
func (c *compactor) pick() *compactionTask {
	e := c.e
	snap := e.manifest.Snapshot()

	if len(snap.Levels[0]) >= e.opts.L0CompactionThreshold {
		inputs := append([]*levels.Handle(nil), snap.Levels[0]...)
		inputs = append(inputs, overlapping(snap.Levels[1], inputs)...)
		return &compactionTask{inputs: inputs, snap: snap, sourceLevel: 0, targetLevel: 1}
	}

	maxBytes := e.opts.LevelBaseBytes
	for level := 1; level < e.manifest.MaxLevels()-1; level++ {
		maxBytes *= int64(e.opts.LevelSizeMultiplier)
		if e.manifest.LevelBytes(level) <= maxBytes || len(snap.Levels[level]) == 0 {
			continue
		}

		// Oldest table first keeps write amplification predictable.
		oldest := snap.Levels[level][0]
		for _, t := range snap.Levels[level][1:] {
			if t.ID() < oldest.ID() {
				oldest = t
			}
		}
		inputs := []*levels.Handle{oldest}
		inputs = append(inputs, overlapping(snap.Levels[level+1], inputs)...)
		return &compactionTask{inputs: inputs, snap: snap, sourceLevel: level, targetLevel: level + 1}
	}

	snap.Release()
	return nil
}

// overlapping returns the candidates whose key range intersects the union of
// the inputs' ranges.
func overlapping(candidates, inputs []*levels.Handle) []*levels.Handle {
	if len(inputs) == 0 {
		return nil
	}
	minKey, maxKey := inputs[0].MinKey(), inputs[0].MaxKey()
	for _, in := range inputs[1:] {
		if string(in.MinKey()) < string(minKey) {
			minKey = in.MinKey()
		}
		if string(in.MaxKey()) > string(maxKey) {
			maxKey = in.MaxKey()
		}
	}

	var out []*levels.Handle
	for _, t := range candidates {
		if string(t.MaxKey()) < string(minKey) || string(t.MinKey()) > string(maxKey) {
			continue
		}
		out = append(out, t)
	}
	return out
}

// run merges the task's inputs into the target level. Outputs are built at
// temp paths and renamed in; the manifest swap is atomic; input files die
// with their last reference.
func (c *compactor) run(ctx context.Context, task *compactionTask) error {
	e := c.e
	start := time.Now()

	var inputBytes int64
	var expected uint64
	sources := make([]recordIterator, 0, len(task.inputs))
	for _, t := range task.inputs {
		inputBytes += t.Size()
		expected += t.KeyCount()
		sources = append(sources, t.NewIterator(nil, nil))
	}

	merge := newMergeIterator(sources)
	defer merge.Close()

	// Tombstones may only disappear when nothing deeper can still hold an
	// older version of their key.
	dropTombstones := c.deepestPopulated(task.targetLevel)

	out := &outputSet{e: e, level: task.targetLevel, expected: expected}
	defer out.discard()

	for merge.Next() {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("compaction aborted: %w", err)
		}
		rec := merge.Record()
		if rec.Tombstone() && dropTombstones {
			continue
		}
		if err := out.add(rec); err != nil {
			return err
		}
	}

	outputs, err := out.finish()
	if err != nil {
		return err
	}

	e.manifest.ApplyCompaction(task.inputs, outputs, task.targetLevel)

	e.counters.compactions.Add(1)
	e.counters.tablesMerged.Add(uint64(len(task.inputs)))
	e.counters.bytesCompacted.Add(uint64(inputBytes))
	e.counters.lastCompaction.Store(time.Now().Unix())
	e.reg.RecordCompaction(time.Since(start), inputBytes)
	e.reg.UpdateLevelTables(e.manifest.TableCounts())

	// Wake writers stalled on level-0 back-pressure.
	e.stateMu.Lock()
	e.progress.Broadcast()
	e.stateMu.Unlock()

	slog.Info("compaction finished",
		"from", task.sourceLevel, "to", task.targetLevel,
		"inputs", len(task.inputs), "outputs", len(outputs),
		"bytes", inputBytes, "took", time.Since(start))
	return nil
}

// deepestPopulated reports whether no level below target holds any table.
func (c *compactor) deepestPopulated(target int) bool {
	counts := c.e.manifest.TableCounts()
	for level := target + 1; level < len(counts); level++ {
		if counts[level] > 0 {
			return false
		}
	}
	return true
}

// outputSet rotates compaction output files at the target size, always at a
// key boundary.
type outputSet struct {
	e        *Engine
	level    int
	expected uint64

	cur      *sstable.Builder
	finished []*sstable.Builder
}

func (o *outputSet) add(rec record.Record) error {
	if o.cur != nil && o.cur.EstimatedSize() >= o.e.opts.SSTableTargetBytes {
		o.finished = append(o.finished, o.cur)
		o.cur = nil
	}
	if o.cur == nil {
		id := o.e.manifest.NextFileID()
		b, err := sstable.NewBuilder(o.e.manifest.TablePath(o.level, id), sstable.BuilderOptions{
			IndexInterval: o.e.opts.SSTableIndexInterval,
			BloomFPRate:   o.e.opts.SSTableBloomFPRate,
			ExpectedKeys:  o.expected,
		})
		if err != nil {
			return err
		}
		o.cur = b
	}
	return o.cur.Add(rec)
}

// finish publishes every output file and opens handles for the manifest.
func (o *outputSet) finish() ([]*levels.Handle, error) {
	builders := o.finished
	if o.cur != nil && o.cur.KeyCount() > 0 {
		builders = append(builders, o.cur)
	} else if o.cur != nil {
		o.cur.Discard()
	}
	o.cur = nil
	o.finished = nil

	handles := make([]*levels.Handle, 0, len(builders))
	for _, b := range builders {
		if err := b.Finish(); err != nil {
			for _, h := range handles {
				h.MarkObsolete()
				h.Release()
			}
			return nil, err
		}
		r, err := sstable.Open(b.Path())
		if err != nil {
			for _, h := range handles {
				h.MarkObsolete()
				h.Release()
			}
			return nil, fmt.Errorf("compaction: open output: %w", err)
		}
		handles = append(handles, levels.NewHandle(r))
	}
	return handles, nil
}

// discard abandons any unfinished outputs, e.g. on cancellation.
func (o *outputSet) discard() {
	if o.cur != nil {
		o.cur.Discard()
		o.cur = nil
	}
	for _, b := range o.finished {
		b.Discard()
	}
	o.finished = nil
}
