package levels

import (
	"log/slog"
	"sync/atomic"

	"slatekv/pkg/sstable"
)

// Handle wraps a table reader with a reference count. The manifest holds one
// reference for as long as the table is published; readers take an extra
// reference for the duration of a lookup so compaction can obsolete a table
// without yanking the file out from under an in-flight read.
type Handle struct {
	*sstable.Reader

	refs     atomic.Int32
	obsolete atomic.Bool
}

// NewHandle wraps r with the manifest's initial reference.
func NewHandle(r *sstable.Reader) *Handle {
	h := &Handle{Reader: r}
	h.refs.Store(1)
	return h
}

func (h *Handle) Retain() {
	h.refs.Add(1)
}

// Release drops one reference. At zero the reader is closed; if the table
// was obsoleted by compaction the file is unlinked as well.
func (h *Handle) Release() {
	if h.refs.Add(-1) != 0 {
		return
	}
	if h.obsolete.Load() {
		if err := h.Reader.Remove(); err != nil {
			slog.Warn("failed to remove obsolete sstable", "path", h.Path(), "error", err)
		}
		return
	}
	if err := h.Reader.Close(); err != nil {
		slog.Warn("failed to close sstable", "path", h.Path(), "error", err)
	}
}

// MarkObsolete flags the table for deletion once the last reference drops.
func (h *Handle) MarkObsolete() {
	h.obsolete.Store(true)
}
