package dberrors

import "errors"

var (
	ErrClosed        = errors.New("slatekv: closed")
	ErrEmptyKey      = errors.New("slatekv: empty key")
	ErrKeyTooLarge   = errors.New("slatekv: key exceeds configured maximum")
	ErrValueTooLarge = errors.New("slatekv: value exceeds configured maximum")

	// ErrDegraded means a WAL append, a WAL rotation or a memtable flush
	// failed and the engine refuses further writes until it is reopened.
	ErrDegraded = errors.New("slatekv: engine degraded, writes disabled")

	ErrCorruption = errors.New("slatekv: corrupted data")
)
