package mm

import (
	"math"
	"vmkern/kernel"
)

// Frame describes a physical memory page index.
type Frame uintptr

const (
	// InvalidFrame is returned by page allocators when
	// they fail to reserve the requested frame.
	InvalidFrame = Frame(math.MaxUint64)
)

// Valid returns true if this is a valid frame.
func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// Address returns the physical memory address pointed to by this Frame.
func (f Frame) Address() uintptr {
	return uintptr(f << PageShift)
}

// FrameFromAddress returns a Frame that corresponds to
// the given physical address. This function can handle
// both page-aligned and not aligned addresses. in the
// latter case, the input address will be rounded down
// to the frame that contains it.
func FrameFromAddress(physAddr uintptr) Frame {
	return Frame((physAddr & ^(uintptr(PageSize - 1))) >> PageShift)
}

// FrameAllocator is implemented by physical frame sources. The virtual memory
// code allocates page-table frames through it and uses it to adjust the
// reference counts of the frames it maps.
type FrameAllocator interface {
	// AllocFrame reserves a frame with a reference count of 1.
	AllocFrame() (Frame, *kernel.Error)

	// FreeFrame drops a reference to the frame and releases it once no
	// references remain. Frames that are not tracked by the allocator are
	// ignored.
	FreeFrame(Frame)

	// RefFrame adds a reference to a tracked frame.
	RefFrame(Frame)

	// Managed reports whether the allocator tracks the frame. Frames
	// outside any pool (MMIO windows, boot structures) are mapped without
	// reference counting.
	Managed(Frame) bool
}

// Page describes a virtual memory page index.
type Page uintptr

// Address returns the virtual memory address pointed to by this Page.
func (f Page) Address() uintptr {
	return uintptr(f << PageShift)
}

// PageFromAddress returns a Page that corresponds to the given virtual
// address. This function can handle both page-aligned and not aligned virtual
// addresses. in the latter case, the input address will be rounded down to the
// page that contains it.
func PageFromAddress(virtAddr uintptr) Page {
	return Page((virtAddr & ^(uintptr(PageSize - 1))) >> PageShift)
}

// PageAlignUp rounds size up to the next multiple of PageSize.
func PageAlignUp(size uintptr) uintptr {
	return (size + (PageSize - 1)) & ^(PageSize - 1)
}

// PageAligned returns true if addr is a multiple of PageSize.
func PageAligned(addr uintptr) bool {
	return addr&(PageSize-1) == 0
}
