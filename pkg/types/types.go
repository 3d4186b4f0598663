package types

// Key is an immutable byte slice type alias used for clarity.
type Key = []byte

// Value is an immutable byte slice type alias used for clarity.
type Value = []byte

// SeqN is a monotonically increasing sequence number assigned per write.
// It breaks ties between versions of the same key across tables and levels.
type SeqN = uint64

// FileID identifies an SSTable file, unique per engine lifetime.
type FileID = uint64
