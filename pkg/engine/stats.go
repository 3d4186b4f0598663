package engine

import "sync/atomic"

type counters struct {
	puts    atomic.Uint64
	gets    atomic.Uint64
	deletes atomic.Uint64
	scans   atomic.Uint64

	flushes        atomic.Uint64
	compactions    atomic.Uint64
	tablesMerged   atomic.Uint64
	bytesCompacted atomic.Uint64
	lastCompaction atomic.Int64

	writeStalls atomic.Uint64
}

// Stats is a point-in-time snapshot of the engine's counters and sizes.
type Stats struct {
	Puts    uint64 `json:"puts"`
	Gets    uint64 `json:"gets"`
	Deletes uint64 `json:"deletes"`
	Scans   uint64 `json:"scans"`

	Flushes            uint64 `json:"flushes"`
	Compactions        uint64 `json:"compactions"`
	TablesMerged       uint64 `json:"tables_merged"`
	BytesCompacted     uint64 `json:"bytes_compacted"`
	LastCompactionUnix int64  `json:"last_compaction_unix"`

	WriteStalls uint64 `json:"write_stalls"`

	MemtableBytes   uint64 `json:"memtable_bytes"`
	MemtableEntries int    `json:"memtable_entries"`
	WALBytes        int64  `json:"wal_bytes"`
	LevelTables     []int  `json:"level_tables"`

	Seq      uint64 `json:"seq"`
	Degraded bool   `json:"degraded"`
}

// Stats assembles a consistent snapshot. Gauges in the metrics registry are
// refreshed at the same time.
func (e *Engine) Stats() Stats {
	e.stateMu.RLock()
	mt, wl := e.mt, e.wl
	e.stateMu.RUnlock()

	s := Stats{
		Puts:               e.counters.puts.Load(),
		Gets:               e.counters.gets.Load(),
		Deletes:            e.counters.deletes.Load(),
		Scans:              e.counters.scans.Load(),
		Flushes:            e.counters.flushes.Load(),
		Compactions:        e.counters.compactions.Load(),
		TablesMerged:       e.counters.tablesMerged.Load(),
		BytesCompacted:     e.counters.bytesCompacted.Load(),
		LastCompactionUnix: e.counters.lastCompaction.Load(),
		WriteStalls:        e.counters.writeStalls.Load(),
		MemtableBytes:      mt.SizeBytes(),
		MemtableEntries:    mt.Len(),
		WALBytes:           wl.Size(),
		LevelTables:        e.manifest.TableCounts(),
		Seq:                e.seq.Val(),
		Degraded:           e.degraded.Load(),
	}

	e.reg.MemtableBytes.Set(float64(s.MemtableBytes))
	e.reg.MemtableEntries.Set(float64(s.MemtableEntries))
	e.reg.WALBytes.Set(float64(s.WALBytes))
	e.reg.UpdateLevelTables(s.LevelTables)

	return s
}
