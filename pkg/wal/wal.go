// Package wal implements the write-ahead log: an append-only file of CRC
// framed records, replayed at startup to rebuild the memtable.
package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"slatekv/pkg/codec"
	"slatekv/pkg/record"
)

const (
	// FileName is the log of the active memtable.
	FileName = "wal.log"

	headerSize = 8 // crc32 + payload_len

	// maxPayload bounds a frame so a corrupt length field cannot drive a
	// huge allocation during replay.
	maxPayload = 1 << 30
)

var ErrClosed = errors.New("wal: closed")

// WAL appends framed records to a single file. One WAL exists per live
// memtable; the engine's write mutex serializes Append calls.
type WAL struct {
	mu          sync.Mutex
	file        *os.File
	writer      *bufio.Writer
	path        string
	syncOnWrite bool
	size        atomic.Int64
}

// Open creates or opens the WAL at path for appending.
func Open(path string, syncOnWrite bool) (*WAL, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("wal: create directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("wal: open: %w", err)
	}

	w := &WAL{
		file:        file,
		writer:      bufio.NewWriter(file),
		path:        path,
		syncOnWrite: syncOnWrite,
	}
	if st, err := file.Stat(); err == nil {
		w.size.Store(st.Size())
	}
	return w, nil
}

// Append writes one frame: [crc32: 4][payload_len: 4][payload]. When the WAL
// was opened with syncOnWrite, the frame is durable before Append returns.
func (w *WAL) Append(rec record.Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return ErrClosed
	}

	payload := rec.AppendWAL(nil)

	var header [headerSize]byte
	binary.LittleEndian.PutUint32(header[0:], codec.Checksum(payload))
	binary.LittleEndian.PutUint32(header[4:], uint32(len(payload)))

	if _, err := w.writer.Write(header[:]); err != nil {
		return fmt.Errorf("wal: write header: %w", err)
	}
	if _, err := w.writer.Write(payload); err != nil {
		return fmt.Errorf("wal: write payload: %w", err)
	}
	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("wal: flush: %w", err)
	}
	if w.syncOnWrite {
		if err := w.file.Sync(); err != nil {
			return fmt.Errorf("wal: sync: %w", err)
		}
	}

	w.size.Add(int64(headerSize + len(payload)))
	return nil
}

// Sync flushes buffered frames and forces them to stable storage.
func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return ErrClosed
	}
	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("wal: flush: %w", err)
	}
	return w.file.Sync()
}

// Size is the current file size in bytes, including buffered frames.
func (w *WAL) Size() int64 {
	return w.size.Load()
}

func (w *WAL) Path() string {
	return w.path
}

func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return nil
	}
	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("wal: flush on close: %w", err)
	}
	err := w.file.Close()
	w.file = nil
	w.writer = nil
	return err
}

// Replay reads frames from path in order and hands each decoded record to fn.
// The first frame failing CRC or length validation ends the replay and the
// file is truncated at the last good frame boundary, so a torn tail from a
// crash never survives into the next run. A missing file replays zero
// records.
func Replay(path string, fn func(record.Record) error) (int, error) {
	file, err := os.OpenFile(path, os.O_RDWR, 0600)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("wal: open for replay: %w", err)
	}
	defer file.Close()

	var (
		reader = bufio.NewReader(file)
		offset int64
		count  int
		header [headerSize]byte
	)

	for {
		if _, err := readFull(reader, header[:]); err != nil {
			break // clean EOF or torn header
		}

		wantCRC := binary.LittleEndian.Uint32(header[0:])
		length := binary.LittleEndian.Uint32(header[4:])
		if length > maxPayload {
			break
		}

		payload := make([]byte, length)
		if _, err := readFull(reader, payload); err != nil {
			break // torn payload
		}

		if codec.Checksum(payload) != wantCRC {
			break
		}

		rec, err := record.DecodeWAL(payload)
		if err != nil {
			break
		}

		if err := fn(rec); err != nil {
			return count, fmt.Errorf("wal: replay callback: %w", err)
		}
		offset += int64(headerSize) + int64(length)
		count++
	}

	// Drop whatever trails the last good frame.
	if st, err := file.Stat(); err == nil && st.Size() > offset {
		if err := file.Truncate(offset); err != nil {
			return count, fmt.Errorf("wal: truncate torn tail: %w", err)
		}
	}

	return count, nil
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

// FrozenName returns the staging name a rotated WAL is renamed to while its
// memtable awaits flushing.
func FrozenName(id uint64) string {
	return fmt.Sprintf("%s.%020d", FileName, id)
}

// ListFrozen returns the staged WAL paths under dir, oldest first.
func ListFrozen(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("wal: list: %w", err)
	}

	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasPrefix(name, FileName+".") {
			continue
		}
		if _, err := strconv.ParseUint(strings.TrimPrefix(name, FileName+"."), 10, 64); err != nil {
			continue
		}
		paths = append(paths, filepath.Join(dir, name))
	}
	sort.Strings(paths)
	return paths, nil
}
