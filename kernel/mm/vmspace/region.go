package vmspace

import (
	"io"
	"vmkern/kernel"
	"vmkern/kernel/kfmt"
	"vmkern/kernel/mm"
)

var (
	errRegionNoSpace      = &kernel.Error{Module: "vm_region", Message: "no free range large enough"}
	errRegionInUse        = &kernel.Error{Module: "vm_region", Message: "requested range is not free"}
	errRegionOutOfBounds  = &kernel.Error{Module: "vm_region", Message: "range outside of the region"}
	errRegionNotAllocated = &kernel.Error{Module: "vm_region", Message: "range is not allocated"}
)

// Range describes a span of virtual addresses.
type Range struct {
	Addr uintptr
	Size uintptr
}

// End returns the first address past the range.
func (r Range) End() uintptr {
	return r.Addr + r.Size
}

// Region tracks the free parts of a virtual address range. Free ranges are
// kept sorted by address and adjacent ranges are merged when space is
// returned.
type Region struct {
	base, size uintptr
	free       []Range
}

// NewRegion returns a region covering [base, base+size) with every address
// available.
func NewRegion(base, size uintptr) *Region {
	return &Region{
		base: base,
		size: size,
		free: []Range{{Addr: base, Size: size}},
	}
}

// Base returns the first address of the region.
func (r *Region) Base() uintptr { return r.base }

// Size returns the size of the region in bytes.
func (r *Region) Size() uintptr { return r.size }

// Contains returns true if [addr, addr+size) lies inside the region.
func (r *Region) Contains(addr, size uintptr) bool {
	end := addr + size
	return addr >= r.base && end >= addr && end <= r.base+r.size
}

// Available returns the number of bytes that are not allocated.
func (r *Region) Available() uintptr {
	var sum uintptr
	for _, f := range r.free {
		sum += f.Size
	}
	return sum
}

// Alloc reserves size bytes. A non-zero hint requests that exact address;
// otherwise the lowest free range that can hold an allocation aligned to
// align (a page if zero) is used.
func (r *Region) Alloc(hint, size, align uintptr) (uintptr, *kernel.Error) {
	if size == 0 || !mm.PageAligned(size) || !mm.PageAligned(hint) {
		return 0, errUnalignedRange
	}

	if hint != 0 {
		if !r.Contains(hint, size) {
			return 0, errRegionOutOfBounds
		}
		for i, f := range r.free {
			if hint >= f.Addr && hint+size <= f.End() {
				r.carve(i, hint, size)
				return hint, nil
			}
		}
		return 0, errRegionInUse
	}

	if align < mm.PageSize {
		align = mm.PageSize
	}

	for i, f := range r.free {
		addr := (f.Addr + align - 1) &^ (align - 1)
		if addr < f.Addr || addr+size < addr || addr+size > f.End() {
			continue
		}
		r.carve(i, addr, size)
		return addr, nil
	}

	return 0, errRegionNoSpace
}

// carve removes [addr, addr+size) from the free range at index i.
func (r *Region) carve(i int, addr, size uintptr) {
	f := r.free[i]
	head := Range{Addr: f.Addr, Size: addr - f.Addr}
	tail := Range{Addr: addr + size, Size: f.End() - (addr + size)}

	switch {
	case head.Size == 0 && tail.Size == 0:
		r.free = append(r.free[:i], r.free[i+1:]...)
	case head.Size == 0:
		r.free[i] = tail
	case tail.Size == 0:
		r.free[i] = head
	default:
		r.free = append(r.free, Range{})
		copy(r.free[i+2:], r.free[i+1:])
		r.free[i], r.free[i+1] = head, tail
	}
}

// Free returns [addr, addr+size) to the region. Every byte of the range must
// be allocated.
func (r *Region) Free(addr, size uintptr) *kernel.Error {
	if !mm.PageAligned(addr) || !mm.PageAligned(size) {
		return errUnalignedRange
	}
	if !r.Contains(addr, size) {
		return errRegionOutOfBounds
	}
	if size == 0 {
		return nil
	}

	// Find the first free range that starts past addr
	i := 0
	for i < len(r.free) && r.free[i].Addr <= addr {
		i++
	}

	if (i > 0 && r.free[i-1].End() > addr) || (i < len(r.free) && addr+size > r.free[i].Addr) {
		return errRegionNotAllocated
	}

	mergePrev := i > 0 && r.free[i-1].End() == addr
	mergeNext := i < len(r.free) && r.free[i].Addr == addr+size

	switch {
	case mergePrev && mergeNext:
		r.free[i-1].Size += size + r.free[i].Size
		r.free = append(r.free[:i], r.free[i+1:]...)
	case mergePrev:
		r.free[i-1].Size += size
	case mergeNext:
		r.free[i].Addr = addr
		r.free[i].Size += size
	default:
		r.free = append(r.free, Range{})
		copy(r.free[i+1:], r.free[i:])
		r.free[i] = Range{Addr: addr, Size: size}
	}
	return nil
}

// Test returns true if every byte of [addr, addr+size) is allocated.
func (r *Region) Test(addr, size uintptr) bool {
	if !r.Contains(addr, size) {
		return false
	}
	for _, f := range r.free {
		if f.Addr < addr+size && addr < f.End() {
			return false
		}
	}
	return true
}

// Clone returns an independent copy of the region.
func (r *Region) Clone() *Region {
	dup := &Region{base: r.base, size: r.size, free: make([]Range, len(r.free))}
	copy(dup.free, r.free)
	return dup
}

// VisitFree invokes visitor for every free range in address order.
func (r *Region) VisitFree(visitor func(Range)) {
	for _, f := range r.free {
		visitor(f)
	}
}

// Dump writes the free ranges of the region to w.
func (r *Region) Dump(w io.Writer) {
	kfmt.Fprintf(w, "  free ranges:\n")
	for _, f := range r.free {
		kfmt.Fprintf(w, "    0x%16x - 0x%16x\n", uint64(f.Addr), uint64(f.End()))
	}
}
