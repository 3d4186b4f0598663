// Package bloom implements the per-table membership filter. False positives
// are possible, false negatives are not.
package bloom

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"math"
)

// Filter is a fixed-size bit array probed by k derived hash positions.
type Filter struct {
	bits  []byte
	nbits uint64
	k     uint32
}

// New sizes a filter for expectedItems at the target false-positive rate.
// m = -(n * ln(p)) / (ln 2)^2, k = (m/n) * ln 2.
func New(expectedItems uint64, fpRate float64) *Filter {
	if expectedItems == 0 {
		expectedItems = 1
	}
	if fpRate <= 0 || fpRate >= 1 {
		fpRate = 0.01
	}

	m := uint64(math.Ceil(-float64(expectedItems) * math.Log(fpRate) / (math.Ln2 * math.Ln2)))
	if m < 64 {
		m = 64
	}
	k := uint32(math.Round(float64(m) / float64(expectedItems) * math.Ln2))
	if k < 1 {
		k = 1
	}
	if k > 30 {
		k = 30
	}

	return &Filter{
		bits:  make([]byte, (m+7)/8),
		nbits: m,
		k:     k,
	}
}

// baseHashes derives two independent 64-bit hashes; probe i uses
// h1 + i*h2 (Kirsch-Mitzenmacher double hashing).
func baseHashes(key []byte) (uint64, uint64) {
	h := fnv.New64a()
	h.Write(key)
	h1 := h.Sum64()

	h.Write([]byte{0x9E}) // salt for the second stream
	h2 := h.Sum64() | 1
	return h1, h2
}

func (f *Filter) Add(key []byte) {
	h1, h2 := baseHashes(key)
	for i := uint32(0); i < f.k; i++ {
		bit := (h1 + uint64(i)*h2) % f.nbits
		f.bits[bit/8] |= 1 << (bit % 8)
	}
}

// MayContain reports whether key might have been added. A false result is
// definitive.
func (f *Filter) MayContain(key []byte) bool {
	h1, h2 := baseHashes(key)
	for i := uint32(0); i < f.k; i++ {
		bit := (h1 + uint64(i)*h2) % f.nbits
		if f.bits[bit/8]&(1<<(bit%8)) == 0 {
			return false
		}
	}
	return true
}

// HashCount returns k, for table metadata.
func (f *Filter) HashCount() uint32 {
	return f.k
}

// Marshal encodes the filter as [hash_count: 4][bit_len: 8][bits].
func (f *Filter) Marshal() []byte {
	out := make([]byte, 0, 12+len(f.bits))
	out = binary.LittleEndian.AppendUint32(out, f.k)
	out = binary.LittleEndian.AppendUint64(out, f.nbits)
	return append(out, f.bits...)
}

// Unmarshal decodes a filter written by Marshal.
func Unmarshal(data []byte) (*Filter, error) {
	if len(data) < 12 {
		return nil, fmt.Errorf("bloom: block too short: %d bytes", len(data))
	}
	k := binary.LittleEndian.Uint32(data)
	nbits := binary.LittleEndian.Uint64(data[4:])
	bits := data[12:]
	if k == 0 || nbits == 0 || uint64(len(bits)) != (nbits+7)/8 {
		return nil, fmt.Errorf("bloom: inconsistent header: k=%d nbits=%d len=%d", k, nbits, len(bits))
	}
	return &Filter{
		bits:  append([]byte(nil), bits...),
		nbits: nbits,
		k:     k,
	}, nil
}
