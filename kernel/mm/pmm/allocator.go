// Package pmm implements the physical frame allocator. Frames are handed out
// from a list of pools, each covering a 16M-aligned memory-map region, and
// are reference counted so that they can be shared between address spaces.
package pmm

import (
	"unsafe"
	"vmkern/kernel"
	"vmkern/kernel/kfmt"
	"vmkern/kernel/mm"
)

const (
	// poolAlign is the alignment (and size granularity) of the physical
	// ranges managed by a pool.
	poolAlign = uint64(16 << 20)
)

var (
	errOutOfMemory     = &kernel.Error{Module: "pmm", Message: "out of memory"}
	errInvalidCount    = &kernel.Error{Module: "pmm", Message: "invalid frame count"}
	errFreeUnknown     = &kernel.Error{Module: "pmm", Message: "free of frame outside of any pool"}
	errFrameNotManaged = &kernel.Error{Module: "pmm", Message: "frame does not belong to any pool"}
)

// Allocator is the registry of frame pools. Pools are tried in the order
// they were added.
type Allocator struct {
	pools []*Pool
	mem   *mm.PhysMem

	// panicFn is invoked when an allocator invariant is violated.
	panicFn func(interface{})
}

// NewAllocator returns an allocator without any pools. Frame contents are
// accessed through mem.
func NewAllocator(mem *mm.PhysMem) *Allocator {
	return &Allocator{
		mem:     mem,
		panicFn: kfmt.Panic,
	}
}

// SetPanicHandler replaces the handler invoked on fatal allocator errors
// such as double frees.
func (a *Allocator) SetPanicHandler(fn func(interface{})) {
	a.panicFn = fn
}

// AddPool appends p to the list of pools.
func (a *Allocator) AddPool(p *Pool) {
	a.pools = append(a.pools, p)
}

// Pools returns the registered pools.
func (a *Allocator) Pools() []*Pool {
	return a.pools
}

// RegionLayout calculates the pool that would be created for the physical
// range [base, base+length). The start of the range is rounded up and its
// length rounded down to a multiple of 16M; admin is the number of frames
// at the pool start that are needed for the bitmap and the frame records.
// ok is false if the aligned range is empty.
func RegionLayout(base, length uint64) (start mm.Frame, count, admin uint64, ok bool) {
	pad := (poolAlign - base%poolAlign) % poolAlign
	if pad >= length {
		return 0, 0, 0, false
	}

	base += pad
	length -= pad
	length -= length % poolAlign
	if length == 0 {
		return 0, 0, 0, false
	}

	count = length >> mm.PageShift
	bitmapBytes := ((count + 63) >> 6) << 3
	recordBytes := count * uint64(unsafe.Sizeof(FrameRecord{}))
	admin = (bitmapBytes + recordBytes + uint64(mm.PageSize) - 1) >> mm.PageShift

	return mm.Frame(base >> mm.PageShift), count, admin, true
}

// AddRegion creates a pool for the physical range [base, base+length) as
// described by RegionLayout and registers it. It returns nil if the range
// is too small to hold an aligned pool.
func (a *Allocator) AddRegion(base, length uint64) *Pool {
	start, count, admin, ok := RegionLayout(base, length)
	if !ok {
		return nil
	}

	p := NewPool(start, count, admin)
	a.AddPool(p)
	kfmt.Printf("[pmm] pool [0x%16x - 0x%16x], frames: %d, admin: %d\n",
		uint64(start.Address()), uint64((start + mm.Frame(count)).Address()), count, admin)
	return p
}

// poolFor returns the pool that contains f or nil.
func (a *Allocator) poolFor(f mm.Frame) *Pool {
	for _, p := range a.pools {
		if p.Contains(f) {
			return p
		}
	}
	return nil
}

// AllocFrame reserves a frame from the first pool that has one available.
// The returned frame has a reference count of 1.
func (a *Allocator) AllocFrame() (mm.Frame, *kernel.Error) {
	for _, p := range a.pools {
		f, ok, err := p.alloc()
		if err != nil {
			a.panicFn(err)
			return mm.InvalidFrame, err
		}
		if ok {
			return f, nil
		}
	}

	return mm.InvalidFrame, errOutOfMemory
}

// AllocZeroedFrame behaves like AllocFrame but also clears the contents of
// the returned frame.
func (a *Allocator) AllocZeroedFrame() (mm.Frame, *kernel.Error) {
	f, err := a.AllocFrame()
	if err != nil {
		return f, err
	}

	a.mem.Zero(f)
	return f, nil
}

// AllocFrames reserves n physically contiguous frames and returns the first
// one. A run never spans two pools.
func (a *Allocator) AllocFrames(n uint64) (mm.Frame, *kernel.Error) {
	if n == 0 {
		return mm.InvalidFrame, errInvalidCount
	}

	for _, p := range a.pools {
		f, ok, err := p.allocContiguous(n)
		if err != nil {
			a.panicFn(err)
			return mm.InvalidFrame, err
		}
		if ok {
			return f, nil
		}
	}

	return mm.InvalidFrame, errOutOfMemory
}

// Free drops a reference to f and returns the frame to its pool once it is
// no longer referenced. Freeing an unreferenced frame or a frame outside of
// every pool is fatal.
func (a *Allocator) Free(f mm.Frame) {
	p := a.poolFor(f)
	if p == nil {
		a.panicFn(errFreeUnknown)
		return
	}

	if err := p.release(f); err != nil {
		a.panicFn(err)
	}
}

// FreeFrames calls Free for the n frames starting at f.
func (a *Allocator) FreeFrames(f mm.Frame, n uint64) {
	for i := uint64(0); i < n; i++ {
		a.Free(f + mm.Frame(i))
	}
}

// FreeFrame releases f if it is managed by a pool and ignores it otherwise.
// It is used for page-table and leaf frames which may point to memory that
// is not tracked by the allocator.
func (a *Allocator) FreeFrame(f mm.Frame) {
	if p := a.poolFor(f); p != nil {
		if err := p.release(f); err != nil {
			a.panicFn(err)
		}
	}
}

// RefFrame adds a reference to f. Unmanaged frames are ignored.
func (a *Allocator) RefFrame(f mm.Frame) {
	if p := a.poolFor(f); p != nil {
		p.ref(f)
	}
}

// Managed returns true if f belongs to a pool.
func (a *Allocator) Managed(f mm.Frame) bool {
	return a.poolFor(f) != nil
}

// Lookup returns the record for f or nil if f is not managed.
func (a *Allocator) Lookup(f mm.Frame) *FrameRecord {
	if p := a.poolFor(f); p != nil {
		return p.record(f)
	}
	return nil
}

// FetchFrames claims the n frames starting at f for their current user.
// It is used after the pools are created to take ownership of frames that
// were handed out by the boot allocator.
func (a *Allocator) FetchFrames(f mm.Frame, n uint64) *kernel.Error {
	for i := uint64(0); i < n; i++ {
		p := a.poolFor(f + mm.Frame(i))
		if p == nil {
			return errFrameNotManaged
		}
		p.fetch(f + mm.Frame(i))
	}
	return nil
}

// Stats returns the number of used, total and administrative frames across
// all pools.
func (a *Allocator) Stats() (used, size, admin uint64) {
	for _, p := range a.pools {
		pUsed, pAdmin := p.Stats()
		used += pUsed
		admin += pAdmin
		size += p.Count()
	}
	return used, size, admin
}
