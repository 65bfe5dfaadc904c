package asmjit

import (
	"bytes"
	"encoding/binary"
	"math"

	"github.com/cespare/xxhash/v2"
)

// constPoolMaxItemSize bounds a single constant (a 512-bit vector).
const constPoolMaxItemSize = 64

type constEntry struct {
	data   []byte
	offset uint32
}

// ConstPool collects constant values to be emitted as one aligned data
// region labeled at its start. Identical constants are stored once; lookups
// go through an xxhash content index.
type ConstPool struct {
	entries   []constEntry
	index     map[uint64][]int
	size      uint32
	alignment uint32
}

// NewConstPool returns an empty pool.
func NewConstPool() *ConstPool {
	return &ConstPool{index: make(map[uint64][]int)}
}

// IsEmpty returns true when no constants were added.
func (p *ConstPool) IsEmpty() bool { return len(p.entries) == 0 }

// Size returns the number of bytes Fill produces.
func (p *ConstPool) Size() uint32 { return p.size }

// Alignment returns the pool's required alignment: the size of the largest
// constant added, or 1 for an empty pool.
func (p *ConstPool) Alignment() uint32 {
	if p.alignment == 0 {
		return 1
	}
	return p.alignment
}

// Add places data into the pool and returns its offset from the pool start.
// The size must be a power of two not exceeding 64 bytes. Adding a constant
// that is already present returns the existing offset.
func (p *ConstPool) Add(data []byte) (uint32, error) {
	n := uint32(len(data))
	if n == 0 || n > constPoolMaxItemSize || n&(n-1) != 0 {
		return 0, ErrInvalidArgument
	}

	sum := xxhash.Sum64(data)
	for _, i := range p.index[sum] {
		if bytes.Equal(p.entries[i].data, data) {
			return p.entries[i].offset, nil
		}
	}

	offset := (p.size + n - 1) &^ (n - 1)
	entry := constEntry{data: append([]byte(nil), data...), offset: offset}
	p.index[sum] = append(p.index[sum], len(p.entries))
	p.entries = append(p.entries, entry)

	p.size = offset + n
	if n > p.alignment {
		p.alignment = n
	}
	return offset, nil
}

// AddUint32 adds a 32-bit little-endian constant.
func (p *ConstPool) AddUint32(v uint32) (uint32, error) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return p.Add(b[:])
}

// AddUint64 adds a 64-bit little-endian constant.
func (p *ConstPool) AddUint64(v uint64) (uint32, error) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return p.Add(b[:])
}

// AddFloat64 adds the IEEE-754 bits of v.
func (p *ConstPool) AddFloat64(v float64) (uint32, error) {
	return p.AddUint64(math.Float64bits(v))
}

// Fill writes the pool image into dst, which must be at least Size() bytes.
// Alignment gaps are zero.
func (p *ConstPool) Fill(dst []byte) {
	for i := range dst[:p.size] {
		dst[i] = 0
	}
	for _, e := range p.entries {
		copy(dst[e.offset:], e.data)
	}
}
