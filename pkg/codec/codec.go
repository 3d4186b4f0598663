// Package codec holds the primitives every on-disk structure is framed with:
// unsigned varints for self-delimiting lengths and CRC32 (IEEE) for payload
// integrity.
package codec

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
)

var (
	ErrVarintOverflow = errors.New("codec: varint overflows uint64")
	ErrShortBuffer    = errors.New("codec: buffer too short")
	ErrChecksum       = errors.New("codec: checksum mismatch")
)

// AppendUvarint appends the varint encoding of v to dst.
func AppendUvarint(dst []byte, v uint64) []byte {
	return binary.AppendUvarint(dst, v)
}

// Uvarint decodes a varint from the front of b. It returns the value and the
// number of bytes consumed.
func Uvarint(b []byte) (uint64, int, error) {
	v, n := binary.Uvarint(b)
	if n == 0 {
		return 0, 0, ErrShortBuffer
	}
	if n < 0 {
		return 0, 0, ErrVarintOverflow
	}
	return v, n, nil
}

// AppendBytes appends a varint length prefix followed by b.
func AppendBytes(dst, b []byte) []byte {
	dst = AppendUvarint(dst, uint64(len(b)))
	return append(dst, b...)
}

// Bytes decodes a varint-length-prefixed byte slice from the front of b.
// The returned slice references b.
func Bytes(b []byte) ([]byte, int, error) {
	l, n, err := Uvarint(b)
	if err != nil {
		return nil, 0, err
	}
	if uint64(len(b)-n) < l {
		return nil, 0, ErrShortBuffer
	}
	return b[n : n+int(l)], n + int(l), nil
}

// Checksum returns the CRC32 (IEEE) of payload.
func Checksum(payload []byte) uint32 {
	return crc32.ChecksumIEEE(payload)
}

// SealBlock prefixes payload with its CRC32, producing a self-validating
// block: [crc32: 4][payload].
func SealBlock(payload []byte) []byte {
	out := make([]byte, 4+len(payload))
	binary.LittleEndian.PutUint32(out, Checksum(payload))
	copy(out[4:], payload)
	return out
}

// OpenBlock validates and strips the CRC32 prefix written by SealBlock.
func OpenBlock(block []byte) ([]byte, error) {
	if len(block) < 4 {
		return nil, ErrShortBuffer
	}
	want := binary.LittleEndian.Uint32(block)
	payload := block[4:]
	if Checksum(payload) != want {
		return nil, ErrChecksum
	}
	return payload, nil
}
