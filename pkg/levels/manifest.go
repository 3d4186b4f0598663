// Package levels tracks the published SSTables of every level. The manifest
// is an in-memory structure; it is reconstructed at startup by listing the
// level directories and loading each table's metadata.
package levels

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"slatekv/pkg/sstable"
	"slatekv/pkg/types"
)

// Manifest is the authoritative list of published tables per level. Level 0
// is ordered newest-first by file id; levels >= 1 are ordered by min key and
// hold tables with pairwise disjoint key ranges.
type Manifest struct {
	mu     sync.RWMutex
	dir    string
	levels [][]*Handle

	nextFileID types.FileID
	maxSeq     types.SeqN
}

func levelDir(dir string, level int) string {
	return filepath.Join(dir, fmt.Sprintf("level_%d", level))
}

// Load reconstructs the manifest from dir. Temp files left by a crashed
// flush or compaction are removed; tables with a malformed footer are logged
// and skipped; stale compaction inputs in levels >= 1 (overlapping a table
// with a larger file id) are deleted.
func Load(dir string, maxLevels int) (*Manifest, error) {
	m := &Manifest{
		dir:        dir,
		levels:     make([][]*Handle, maxLevels),
		nextFileID: 1,
	}

	for level := 0; level < maxLevels; level++ {
		ld := levelDir(dir, level)
		entries, err := os.ReadDir(ld)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("levels: list %s: %w", ld, err)
		}

		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			name := e.Name()
			path := filepath.Join(ld, name)

			if strings.Contains(name, ".tmp-") {
				slog.Info("removing orphan temp file", "path", path)
				if err := os.Remove(path); err != nil {
					slog.Warn("failed to remove orphan temp file", "path", path, "error", err)
				}
				continue
			}

			id, ok := sstable.ParseFileName(name)
			if !ok {
				continue
			}

			r, err := sstable.Open(path)
			if err != nil {
				slog.Error("skipping unusable sstable", "path", path, "error", err)
				continue
			}

			m.levels[level] = append(m.levels[level], NewHandle(r))
			if id >= m.nextFileID {
				m.nextFileID = id + 1
			}
			if r.SeqMax() > m.maxSeq {
				m.maxSeq = r.SeqMax()
			}
		}

		m.sortLevel(level)
		if level >= 1 {
			m.dropStale(level)
		}
	}

	return m, nil
}

func (m *Manifest) sortLevel(level int) {
	tables := m.levels[level]
	if level == 0 {
		sort.Slice(tables, func(i, j int) bool {
			return tables[i].ID() > tables[j].ID() // newest first
		})
		return
	}
	sort.Slice(tables, func(i, j int) bool {
		return bytes.Compare(tables[i].MinKey(), tables[j].MinKey()) < 0
	})
}

// dropStale removes compaction inputs that survived a crash between the
// output rename and the input unlink: in a sorted level, any table whose
// range overlaps a newer (larger file id) neighbour is the stale one.
func (m *Manifest) dropStale(level int) {
	tables := m.levels[level]
	kept := tables[:0]
	for i, t := range tables {
		stale := false
		for j, other := range tables {
			if i == j || other.ID() <= t.ID() {
				continue
			}
			if bytes.Compare(t.MinKey(), other.MaxKey()) <= 0 &&
				bytes.Compare(other.MinKey(), t.MaxKey()) <= 0 {
				stale = true
				break
			}
		}
		if stale {
			slog.Warn("deleting stale compaction input", "path", t.Path(), "level", level)
			t.MarkObsolete()
			t.Release()
			continue
		}
		kept = append(kept, t)
	}
	m.levels[level] = kept
}

// NextFileID hands out the next table file id.
func (m *Manifest) NextFileID() types.FileID {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextFileID
	m.nextFileID++
	return id
}

// MaxSeq is the highest sequence number observed in table metadata at load.
func (m *Manifest) MaxSeq() types.SeqN {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.maxSeq
}

// TablePath returns where a table with the given id lives at the given level.
func (m *Manifest) TablePath(level int, id types.FileID) string {
	return filepath.Join(levelDir(m.dir, level), sstable.FileName(id))
}

// MaxLevels is the configured depth of the hierarchy.
func (m *Manifest) MaxLevels() int {
	return len(m.levels)
}

// InstallFlushed publishes a fresh level-0 table.
func (m *Manifest) InstallFlushed(h *Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.levels[0] = append(m.levels[0], h)
	m.sortLevel(0)
	if h.SeqMax() > m.maxSeq {
		m.maxSeq = h.SeqMax()
	}
}

// ApplyCompaction atomically swaps compaction inputs for outputs: outputs
// join targetLevel, inputs leave their levels and are obsoleted. Input files
// disappear once the last in-flight read releases them.
func (m *Manifest) ApplyCompaction(inputs []*Handle, outputs []*Handle, targetLevel int) {
	m.mu.Lock()

	drop := make(map[*Handle]bool, len(inputs))
	for _, in := range inputs {
		drop[in] = true
	}
	for level := range m.levels {
		kept := m.levels[level][:0]
		for _, t := range m.levels[level] {
			if !drop[t] {
				kept = append(kept, t)
			}
		}
		m.levels[level] = kept
	}

	m.levels[targetLevel] = append(m.levels[targetLevel], outputs...)
	m.sortLevel(targetLevel)
	m.mu.Unlock()

	for _, in := range inputs {
		in.MarkObsolete()
		in.Release()
	}
}

// TableCounts is the number of published tables per level.
func (m *Manifest) TableCounts() []int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	counts := make([]int, len(m.levels))
	for i, tables := range m.levels {
		counts[i] = len(tables)
	}
	return counts
}

// LevelBytes is the total file size of a level.
func (m *Manifest) LevelBytes(level int) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var total int64
	for _, t := range m.levels[level] {
		total += t.Size()
	}
	return total
}

// L0Count is the number of level-0 tables.
func (m *Manifest) L0Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.levels[0])
}

// Snapshot retains every published table and returns a stable view for one
// read or scan. The lock is released before any I/O happens.
func (m *Manifest) Snapshot() *Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := &Snapshot{Levels: make([][]*Handle, len(m.levels))}
	for i, tables := range m.levels {
		snap.Levels[i] = append([]*Handle(nil), tables...)
		for _, t := range tables {
			t.Retain()
		}
	}
	return snap
}

// Close releases the manifest's references. Files stay on disk.
func (m *Manifest) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, tables := range m.levels {
		for _, t := range tables {
			t.Release()
		}
		m.levels[i] = nil
	}
}

// Snapshot is a retained, immutable view of the manifest. Level 0 keeps its
// newest-first order.
type Snapshot struct {
	Levels [][]*Handle
}

// FindUpper locates the at-most-one table in a level >= 1 whose range covers
// key.
func (s *Snapshot) FindUpper(level int, key types.Key) *Handle {
	tables := s.Levels[level]
	i := sort.Search(len(tables), func(i int) bool {
		return bytes.Compare(tables[i].MaxKey(), key) >= 0
	})
	if i == len(tables) {
		return nil
	}
	if bytes.Compare(tables[i].MinKey(), key) <= 0 {
		return tables[i]
	}
	return nil
}

// Release drops the snapshot's references.
func (s *Snapshot) Release() {
	for _, tables := range s.Levels {
		for _, t := range tables {
			t.Release()
		}
	}
	s.Levels = nil
}
