package levels

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slatekv/pkg/record"
	"slatekv/pkg/sstable"
)

func writeTable(t *testing.T, dir string, level int, id uint64, keys ...string) string {
	t.Helper()

	path := filepath.Join(levelDir(dir, level), sstable.FileName(id))
	b, err := sstable.NewBuilder(path, sstable.BuilderOptions{ExpectedKeys: uint64(len(keys) + 1)})
	require.NoError(t, err)
	for i, k := range keys {
		require.NoError(t, b.Add(record.Record{
			Key:   []byte(k),
			Value: []byte("v"),
			Seq:   id*100 + uint64(i),
			Kind:  record.KindPut,
		}))
	}
	require.NoError(t, b.Finish())
	return path
}

func TestLoadEmptyDir(t *testing.T) {
	m, err := Load(t.TempDir(), 4)
	require.NoError(t, err)
	defer m.Close()

	assert.Equal(t, []int{0, 0, 0, 0}, m.TableCounts())
	assert.Equal(t, uint64(1), m.NextFileID())
}

func TestLoadReconstructsLevels(t *testing.T) {
	dir := t.TempDir()
	writeTable(t, dir, 0, 3, "m")
	writeTable(t, dir, 0, 5, "a")
	writeTable(t, dir, 1, 1, "a", "f")
	writeTable(t, dir, 1, 2, "g", "p")

	m, err := Load(dir, 4)
	require.NoError(t, err)
	defer m.Close()

	assert.Equal(t, []int{2, 2, 0, 0}, m.TableCounts())

	snap := m.Snapshot()
	defer snap.Release()

	// Level 0 newest first.
	assert.Equal(t, uint64(5), snap.Levels[0][0].ID())
	assert.Equal(t, uint64(3), snap.Levels[0][1].ID())

	// Level 1 ordered by min key.
	assert.Equal(t, []byte("a"), snap.Levels[1][0].MinKey())
	assert.Equal(t, []byte("g"), snap.Levels[1][1].MinKey())

	// Next id continues past the max observed.
	assert.Equal(t, uint64(6), m.NextFileID())
}

func TestLoadCleansOrphanTempFiles(t *testing.T) {
	dir := t.TempDir()
	writeTable(t, dir, 0, 1, "a")
	orphan := filepath.Join(levelDir(dir, 0), sstable.FileName(9)+".tmp-deadbeef")
	require.NoError(t, os.WriteFile(orphan, []byte("partial"), 0600))

	m, err := Load(dir, 2)
	require.NoError(t, err)
	defer m.Close()

	_, err = os.Stat(orphan)
	assert.True(t, os.IsNotExist(err))
	assert.Equal(t, []int{1, 0}, m.TableCounts())
}

func TestLoadSkipsUnusableTable(t *testing.T) {
	dir := t.TempDir()
	writeTable(t, dir, 0, 1, "a")
	bad := filepath.Join(levelDir(dir, 0), sstable.FileName(2))
	require.NoError(t, os.WriteFile(bad, []byte("not an sstable"), 0600))

	m, err := Load(dir, 2)
	require.NoError(t, err)
	defer m.Close()

	assert.Equal(t, []int{1, 0}, m.TableCounts())
}

func TestLoadDropsStaleOverlappingInput(t *testing.T) {
	dir := t.TempDir()
	// Simulate a crash after rename, before unlink: the old table (id 1)
	// overlaps the newer compaction output (id 7) in level 1.
	stale := writeTable(t, dir, 1, 1, "c", "h")
	writeTable(t, dir, 1, 7, "a", "k")

	m, err := Load(dir, 3)
	require.NoError(t, err)
	defer m.Close()

	assert.Equal(t, []int{0, 1, 0}, m.TableCounts())
	_, err = os.Stat(stale)
	assert.True(t, os.IsNotExist(err))
}

func TestFindUpper(t *testing.T) {
	dir := t.TempDir()
	writeTable(t, dir, 1, 1, "a", "f")
	writeTable(t, dir, 1, 2, "h", "p")

	m, err := Load(dir, 2)
	require.NoError(t, err)
	defer m.Close()

	snap := m.Snapshot()
	defer snap.Release()

	h := snap.FindUpper(1, []byte("b"))
	require.NotNil(t, h)
	assert.Equal(t, uint64(1), h.ID())

	h = snap.FindUpper(1, []byte("h"))
	require.NotNil(t, h)
	assert.Equal(t, uint64(2), h.ID())

	assert.Nil(t, snap.FindUpper(1, []byte("g")), "gap between tables")
	assert.Nil(t, snap.FindUpper(1, []byte("z")), "past the last table")
}

func TestApplyCompactionObsoletesInputs(t *testing.T) {
	dir := t.TempDir()
	writeTable(t, dir, 0, 1, "a")
	writeTable(t, dir, 0, 2, "b")

	m, err := Load(dir, 2)
	require.NoError(t, err)
	defer m.Close()

	snap := m.Snapshot()
	inputs := snap.Levels[0]

	outPath := writeTable(t, dir, 1, 3, "a", "b")
	r, err := sstable.Open(outPath)
	require.NoError(t, err)

	m.ApplyCompaction(inputs, []*Handle{NewHandle(r)}, 1)
	assert.Equal(t, []int{0, 1}, m.TableCounts())

	// The snapshot still holds the inputs alive on disk.
	for _, in := range inputs {
		_, err := os.Stat(in.Path())
		assert.NoError(t, err)
	}

	paths := []string{inputs[0].Path(), inputs[1].Path()}
	snap.Release()

	// Last reference gone: input files are unlinked.
	for _, p := range paths {
		_, err := os.Stat(p)
		assert.True(t, os.IsNotExist(err), "stale input %s must be deleted", p)
	}
}

func TestSnapshotSurvivesConcurrentInstall(t *testing.T) {
	dir := t.TempDir()
	writeTable(t, dir, 0, 1, "a")

	m, err := Load(dir, 2)
	require.NoError(t, err)
	defer m.Close()

	snap := m.Snapshot()
	defer snap.Release()

	p := writeTable(t, dir, 0, 2, "b")
	r, err := sstable.Open(p)
	require.NoError(t, err)
	m.InstallFlushed(NewHandle(r))

	// The earlier snapshot is unaffected.
	assert.Len(t, snap.Levels[0], 1)
	assert.Equal(t, []int{2, 0}, m.TableCounts())
}

func TestLevelBytes(t *testing.T) {
	dir := t.TempDir()
	writeTable(t, dir, 1, 1, "a")
	m, err := Load(dir, 2)
	require.NoError(t, err)
	defer m.Close()

	assert.Zero(t, m.LevelBytes(0))
	assert.Positive(t, m.LevelBytes(1))
}

func TestDisjointRangesAfterLoad(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 4; i++ {
		lo := fmt.Sprintf("key_%02d0", i*2)
		hi := fmt.Sprintf("key_%02d9", i*2)
		writeTable(t, dir, 1, uint64(i+1), lo, hi)
	}

	m, err := Load(dir, 2)
	require.NoError(t, err)
	defer m.Close()

	snap := m.Snapshot()
	defer snap.Release()

	tables := snap.Levels[1]
	require.Len(t, tables, 4)
	for i := 1; i < len(tables); i++ {
		assert.Less(t, string(tables[i-1].MaxKey()), string(tables[i].MinKey()))
	}
}
