package mm

import (
	"encoding/binary"
	"vmkern/kernel"
	"vmkern/kernel/sync"
)

var errBusError = &kernel.Error{Module: "physmem", Message: "access to frame outside of physical memory"}

// PhysMem is the single accessor through which frame contents are read and
// written. It stands in for the identity-mapped physical memory window: the
// contents of frame f live at index f of the arena. Backing storage for a
// frame is allocated the first time the frame is touched so that large
// sparse memory maps stay cheap.
type PhysMem struct {
	lock   sync.Spinlock
	frames []*[PageSize]byte
}

// NewPhysMem returns an arena covering the physical address range
// [0, size).
func NewPhysMem(size uintptr) *PhysMem {
	return &PhysMem{
		frames: make([]*[PageSize]byte, size>>PageShift),
	}
}

// Frames returns the number of frames covered by the arena.
func (m *PhysMem) Frames() uint64 {
	return uint64(len(m.frames))
}

// Contains returns true if f lies inside the arena.
func (m *PhysMem) Contains(f Frame) bool {
	return uint64(f) < uint64(len(m.frames))
}

// Bytes returns the PageSize bytes that back frame f. Accessing a frame
// outside the arena is a bus error and panics.
func (m *PhysMem) Bytes(f Frame) []byte {
	if !m.Contains(f) {
		panic(errBusError)
	}

	m.lock.Acquire()
	page := m.frames[f]
	if page == nil {
		page = new([PageSize]byte)
		m.frames[f] = page
	}
	m.lock.Release()

	return page[:]
}

// Zero clears the contents of frame f.
func (m *PhysMem) Zero(f Frame) {
	kernel.Memset(m.Bytes(f), 0)
}

// Copy overwrites the contents of frame dst with the contents of frame src.
func (m *PhysMem) Copy(dst, src Frame) {
	kernel.Memcopy(m.Bytes(src), m.Bytes(dst))
}

// Entry returns the index-th 64-bit little-endian word of frame f. Page
// tables are accessed through Entry and SetEntry.
func (m *PhysMem) Entry(f Frame, index uintptr) uint64 {
	off := index << PointerShift
	return binary.LittleEndian.Uint64(m.Bytes(f)[off : off+8])
}

// SetEntry stores v as the index-th 64-bit little-endian word of frame f.
func (m *PhysMem) SetEntry(f Frame, index uintptr, v uint64) {
	off := index << PointerShift
	binary.LittleEndian.PutUint64(m.Bytes(f)[off:off+8], v)
}
