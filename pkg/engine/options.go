package engine

import "time"

// Options is the engine's construction-time configuration. There is no
// process-global state; every knob lives here.
type Options struct {
	DataDir string

	// Rotation triggers for the active memtable.
	MemtableMaxBytes   uint64
	MemtableMaxEntries int

	// Input bounds; oversize writes fail with dberrors.ErrKeyTooLarge or
	// dberrors.ErrValueTooLarge.
	MaxKeyBytes   int
	MaxValueBytes int

	MaxLevels           int
	LevelBaseBytes      int64
	LevelSizeMultiplier int

	WALSyncOnWrite bool

	SSTableIndexInterval int
	SSTableBloomFPRate   float64
	// SSTableTargetBytes rotates compaction output files at a key boundary
	// once they reach this size.
	SSTableTargetBytes uint64

	L0CompactionThreshold int
	// L0StallThreshold stalls writers while level 0 holds this many tables.
	// Zero means twice the compaction threshold.
	L0StallThreshold int

	CompactionPollInterval time.Duration

	// FlushOnClose drains the memtable into a level-0 table during Close so
	// the next open replays no WAL.
	FlushOnClose bool
}

func DefaultOptions(dataDir string) Options {
	return Options{
		DataDir:                dataDir,
		MemtableMaxBytes:       5 * 1024 * 1024,
		MemtableMaxEntries:     100000,
		MaxKeyBytes:            4 * 1024,
		MaxValueBytes:          1 * 1024 * 1024,
		MaxLevels:              7,
		LevelBaseBytes:         10 * 1024 * 1024,
		LevelSizeMultiplier:    10,
		WALSyncOnWrite:         true,
		SSTableIndexInterval:   16,
		SSTableBloomFPRate:     0.01,
		SSTableTargetBytes:     64 * 1024 * 1024,
		L0CompactionThreshold:  4,
		CompactionPollInterval: time.Second,
		FlushOnClose:           true,
	}
}

func (o *Options) fill() {
	if o.MemtableMaxBytes == 0 {
		o.MemtableMaxBytes = 5 * 1024 * 1024
	}
	if o.MemtableMaxEntries == 0 {
		o.MemtableMaxEntries = 100000
	}
	if o.MaxKeyBytes == 0 {
		o.MaxKeyBytes = 4 * 1024
	}
	if o.MaxValueBytes == 0 {
		o.MaxValueBytes = 1 * 1024 * 1024
	}
	if o.MaxLevels <= 0 {
		o.MaxLevels = 7
	}
	if o.MaxLevels < 2 {
		o.MaxLevels = 2
	}
	if o.LevelBaseBytes == 0 {
		o.LevelBaseBytes = 10 * 1024 * 1024
	}
	if o.LevelSizeMultiplier <= 1 {
		o.LevelSizeMultiplier = 10
	}
	if o.SSTableIndexInterval <= 0 {
		o.SSTableIndexInterval = 16
	}
	if o.SSTableBloomFPRate <= 0 || o.SSTableBloomFPRate >= 1 {
		o.SSTableBloomFPRate = 0.01
	}
	if o.SSTableTargetBytes == 0 {
		o.SSTableTargetBytes = 64 * 1024 * 1024
	}
	if o.L0CompactionThreshold <= 0 {
		o.L0CompactionThreshold = 4
	}
	if o.L0StallThreshold <= 0 {
		o.L0StallThreshold = 2 * o.L0CompactionThreshold
	}
	if o.CompactionPollInterval <= 0 {
		o.CompactionPollInterval = time.Second
	}
}
