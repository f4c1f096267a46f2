// Package memory implements the sparse physical address space the CPU
// sits on: an ordered map of non-overlapping, fixed-size byte regions.
//
// Lookup finds the greatest region base <= addr and checks containment,
// mirroring the BTreeMap-backed region table of the reference simulator
// this package is modeled after. A request that would span two regions,
// or that falls entirely outside any region, is refused rather than
// silently clamped.
package memory

import (
	"errors"
	"fmt"
	"sort"
)

// ErrOverlap indicates that a new region would overlap an existing one.
var ErrOverlap = errors.New("memory: region overlaps an existing region")

// ErrOutOfRange indicates that an access does not lie entirely within a
// single region.
var ErrOutOfRange = errors.New("memory: address out of range")

type region struct {
	base uint64
	buf  []byte
}

// Memory is a sparse, region-backed physical address space. The zero
// value is an empty address space with no regions.
type Memory struct {
	regions []region // kept sorted by base for binary search
}

// New returns an empty Memory with no regions mapped.
func New() *Memory {
	return &Memory{}
}

// AddRegion inserts a new pre-zeroed region of size bytes at base. It
// fails only if the new region would overlap an already-mapped one;
// that is a caller/configuration error and is fatal at startup.
func (m *Memory) AddRegion(base uint64, size uint64) error {
	end := base + size
	idx := sort.Search(len(m.regions), func(i int) bool {
		return m.regions[i].base >= base
	})
	if idx > 0 {
		prev := m.regions[idx-1]
		if base < prev.base+uint64(len(prev.buf)) {
			return fmt.Errorf("%w: [0x%x,0x%x) overlaps [0x%x,0x%x)",
				ErrOverlap, base, end, prev.base, prev.base+uint64(len(prev.buf)))
		}
	}
	if idx < len(m.regions) {
		next := m.regions[idx]
		if end > next.base {
			return fmt.Errorf("%w: [0x%x,0x%x) overlaps [0x%x,0x%x)",
				ErrOverlap, base, end, next.base, next.base+uint64(len(next.buf)))
		}
	}
	r := region{base: base, buf: make([]byte, size)}
	m.regions = append(m.regions, region{})
	copy(m.regions[idx+1:], m.regions[idx:])
	m.regions[idx] = r
	return nil
}

// find returns the region containing addr, if any.
func (m *Memory) find(addr uint64) (*region, bool) {
	idx := sort.Search(len(m.regions), func(i int) bool {
		return m.regions[i].base > addr
	})
	if idx == 0 {
		return nil, false
	}
	r := &m.regions[idx-1]
	if addr < r.base || addr-r.base >= uint64(len(r.buf)) {
		return nil, false
	}
	return r, true
}

// Slice returns an immutable view of [addr, addr+length) if it lies
// entirely within a single region, else ok is false.
func (m *Memory) Slice(addr uint64, length uint64) (data []byte, ok bool) {
	r, found := m.find(addr)
	if !found {
		return nil, false
	}
	off := addr - r.base
	if off+length > uint64(len(r.buf)) {
		return nil, false
	}
	return r.buf[off : off+length], true
}

// SliceMut returns an exclusive, mutable view of [addr, addr+length),
// with the same containment rule as Slice.
func (m *Memory) SliceMut(addr uint64, length uint64) (data []byte, ok bool) {
	r, found := m.find(addr)
	if !found {
		return nil, false
	}
	off := addr - r.base
	if off+length > uint64(len(r.buf)) {
		return nil, false
	}
	return r.buf[off : off+length], true
}

// Store copies src into the region containing dst, failing if it does
// not fit entirely within one region. Used for image loading.
func (m *Memory) Store(dst uint64, src []byte) error {
	buf, ok := m.SliceMut(dst, uint64(len(src)))
	if !ok {
		return fmt.Errorf("%w: store of %d bytes at 0x%x", ErrOutOfRange, len(src), dst)
	}
	copy(buf, src)
	return nil
}
