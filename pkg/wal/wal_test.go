package wal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slatekv/pkg/record"
)

func walPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), FileName)
}

func TestAppendReplay(t *testing.T) {
	path := walPath(t)

	w, err := Open(path, true)
	require.NoError(t, err)

	want := []record.Record{
		{Key: []byte("apple"), Value: []byte("1"), Seq: 1, Kind: record.KindPut},
		{Key: []byte("banana"), Value: []byte("2"), Seq: 2, Kind: record.KindPut},
		{Key: []byte("apple"), Seq: 3, Kind: record.KindDelete},
	}
	for _, rec := range want {
		require.NoError(t, w.Append(rec))
	}
	require.NoError(t, w.Close())

	var got []record.Record
	count, err := Replay(path, func(rec record.Record) error {
		got = append(got, rec)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, count)
	assert.Equal(t, want, got)
}

func TestReplayMissingFile(t *testing.T) {
	count, err := Replay(filepath.Join(t.TempDir(), "nope.log"), func(record.Record) error {
		t.Fatal("callback must not run")
		return nil
	})
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestReplayTruncatesTornTail(t *testing.T) {
	path := walPath(t)

	w, err := Open(path, true)
	require.NoError(t, err)
	require.NoError(t, w.Append(record.Record{Key: []byte("good1"), Value: []byte("v"), Seq: 1}))
	require.NoError(t, w.Append(record.Record{Key: []byte("good2"), Value: []byte("v"), Seq: 2}))
	require.NoError(t, w.Close())

	// Simulate a crash mid-append: chop the last 10 bytes.
	st, err := os.Stat(path)
	require.NoError(t, err)
	intact := st.Size()
	require.NoError(t, os.Truncate(path, intact-10))

	var keys []string
	count, err := Replay(path, func(rec record.Record) error {
		keys = append(keys, string(rec.Key))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Equal(t, []string{"good1"}, keys)

	// The torn tail is gone from disk; a second replay sees a clean file.
	st, err = os.Stat(path)
	require.NoError(t, err)
	assert.Less(t, st.Size(), intact-10)

	count, err = Replay(path, func(record.Record) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestReplayStopsOnCorruptFrame(t *testing.T) {
	path := walPath(t)

	w, err := Open(path, true)
	require.NoError(t, err)
	require.NoError(t, w.Append(record.Record{Key: []byte("a"), Value: []byte("1"), Seq: 1}))
	require.NoError(t, w.Append(record.Record{Key: []byte("b"), Value: []byte("2"), Seq: 2}))
	require.NoError(t, w.Close())

	// Flip a payload byte inside the second frame.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[len(data)-2] ^= 0xFF
	require.NoError(t, os.WriteFile(path, data, 0600))

	var keys []string
	count, err := Replay(path, func(rec record.Record) error {
		keys = append(keys, string(rec.Key))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Equal(t, []string{"a"}, keys)
}

func TestSizeTracking(t *testing.T) {
	w, err := Open(walPath(t), false)
	require.NoError(t, err)
	defer w.Close()

	assert.Zero(t, w.Size())
	require.NoError(t, w.Append(record.Record{Key: []byte("k"), Value: []byte("v"), Seq: 1}))
	assert.Positive(t, w.Size())
}

func TestListFrozenOrder(t *testing.T) {
	dir := t.TempDir()
	for _, id := range []uint64{12, 3, 7} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, FrozenName(id)), nil, 0600))
	}
	// Noise that must be ignored.
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), nil, 0600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "wal.log.bak"), nil, 0600))

	paths, err := ListFrozen(dir)
	require.NoError(t, err)
	require.Len(t, paths, 3)
	assert.Equal(t, filepath.Join(dir, FrozenName(3)), paths[0])
	assert.Equal(t, filepath.Join(dir, FrozenName(7)), paths[1])
	assert.Equal(t, filepath.Join(dir, FrozenName(12)), paths[2])
}
