package pmm

import (
	"vmkern/kernel"
	"vmkern/kernel/kfmt"
	"vmkern/kernel/mem"
	"vmkern/kernel/mm"
	"vmkern/multiboot"
)

var errBootAllocOutOfMemory = &kernel.Error{Module: "boot_mem_alloc", Message: "out of memory"}

// frameRange is an inclusive range of frames.
type frameRange struct {
	start, end mm.Frame
}

// BootMemAllocator implements a rudimentary physical memory allocator which
// is used to bootstrap the kernel.
//
// The allocator implementation uses the memory region information provided by
// the bootloader to detect free memory blocks and return the next available
// free frame while skipping over reserved ranges such as the kernel image.
// Allocations are tracked via an internal counter that contains the last
// allocated frame.
//
// Due to the way that the allocator works, it is not possible to free
// allocated pages. Once the frame pools are set up, the allocated frames are
// handed over to the pool allocator via FetchFrames.
type BootMemAllocator struct {
	info *multiboot.Info

	// allocCount tracks the total number of allocated frames.
	allocCount uint64

	// lastAllocFrame tracks the last allocated frame number.
	lastAllocFrame mm.Frame

	// Keep track of kernel location so we exclude this region.
	kernelStartAddr, kernelEndAddr uintptr

	reserved []frameRange

	// allocated lists the handed out frames as runs of consecutive frames.
	allocated []frameRange
}

// NewBootMemAllocator returns a boot allocator that hands out frames from the
// available regions of info, excluding the kernel image at
// [kernelStart, kernelEnd).
func NewBootMemAllocator(info *multiboot.Info, kernelStart, kernelEnd uintptr) *BootMemAllocator {
	alloc := &BootMemAllocator{
		info:            info,
		kernelStartAddr: kernelStart,
		kernelEndAddr:   kernelEnd,
	}
	alloc.Reserve(kernelStart, kernelEnd)
	return alloc
}

// Reserve excludes the physical range [start, end) from allocation. The
// start is rounded down and the end rounded up to the nearest page.
func (alloc *BootMemAllocator) Reserve(start, end uintptr) {
	if end <= start {
		return
	}

	alloc.reserved = append(alloc.reserved, frameRange{
		start: mm.FrameFromAddress(start),
		end:   mm.FrameFromAddress(mm.PageAlignUp(end)) - 1,
	})
}

// skipReserved returns the first frame at or after f that is not reserved.
func (alloc *BootMemAllocator) skipReserved(f mm.Frame) mm.Frame {
	for moved := true; moved; {
		moved = false
		for _, r := range alloc.reserved {
			if f >= r.start && f <= r.end {
				f = r.end + 1
				moved = true
			}
		}
	}
	return f
}

// AllocFrame scans the system memory regions reported by the bootloader and
// reserves the next available free frame.
//
// AllocFrame returns an error if no more memory can be allocated.
func (alloc *BootMemAllocator) AllocFrame() (mm.Frame, *kernel.Error) {
	var err = errBootAllocOutOfMemory

	alloc.info.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		// Ignore reserved regions and regions smaller than a single page
		if region.Type != multiboot.MemAvailable || region.Length < uint64(mm.PageSize) {
			return true
		}

		// Reported addresses may not be page-aligned; round up to get
		// the start frame and round down to get the end frame
		pageSizeMinus1 := uint64(mm.PageSize - 1)
		regionStartFrame := mm.Frame(((region.PhysAddress + pageSizeMinus1) & ^pageSizeMinus1) >> mm.PageShift)
		regionEndFrame := mm.Frame(((region.PhysAddress+region.Length) & ^pageSizeMinus1)>>mm.PageShift) - 1

		// Skip over already allocated regions
		if alloc.allocCount != 0 && alloc.lastAllocFrame >= regionEndFrame {
			return true
		}

		next := regionStartFrame
		if alloc.allocCount != 0 && alloc.lastAllocFrame >= regionStartFrame {
			next = alloc.lastAllocFrame + 1
		}

		// The adjustment might push the candidate outside of the region
		// end (e.g kernel ends at last page in the region)
		if next = alloc.skipReserved(next); next > regionEndFrame {
			return true
		}

		alloc.lastAllocFrame = next
		err = nil
		return false
	})

	if err != nil {
		return mm.InvalidFrame, errBootAllocOutOfMemory
	}

	alloc.allocCount++
	if n := len(alloc.allocated); n != 0 && alloc.allocated[n-1].end+1 == alloc.lastAllocFrame {
		alloc.allocated[n-1].end++
	} else {
		alloc.allocated = append(alloc.allocated, frameRange{alloc.lastAllocFrame, alloc.lastAllocFrame})
	}
	return alloc.lastAllocFrame, nil
}

// FreeFrame is a no-op; boot allocations are permanent until the frames are
// handed over to the pool allocator.
func (alloc *BootMemAllocator) FreeFrame(mm.Frame) {}

// RefFrame is a no-op; boot allocations are not reference counted.
func (alloc *BootMemAllocator) RefFrame(mm.Frame) {}

// Managed returns false as the boot allocator does not track references.
func (alloc *BootMemAllocator) Managed(mm.Frame) bool { return false }

// AllocCount returns the number of frames handed out so far.
func (alloc *BootMemAllocator) AllocCount() uint64 {
	return alloc.allocCount
}

// VisitAllocated invokes visitor for each run of consecutive frames that the
// allocator has handed out.
func (alloc *BootMemAllocator) VisitAllocated(visitor func(start mm.Frame, count uint64)) {
	for _, r := range alloc.allocated {
		visitor(r.start, uint64(r.end-r.start)+1)
	}
}

// HandOver transfers ownership of every frame handed out by the boot
// allocator to the pool allocator.
func (alloc *BootMemAllocator) HandOver(to *Allocator) *kernel.Error {
	var err *kernel.Error
	alloc.VisitAllocated(func(start mm.Frame, count uint64) {
		if err == nil {
			err = to.FetchFrames(start, count)
		}
	})
	return err
}

// PrintMemoryMap scans the memory region information provided by the
// bootloader and prints out the system's memory map.
func (alloc *BootMemAllocator) PrintMemoryMap() {
	kfmt.Printf("[boot_mem_alloc] system memory map:\n")
	var totalFree mem.Size
	alloc.info.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		kfmt.Printf("\t[0x%10x - 0x%10x], size: %10d, type: %s\n", region.PhysAddress, region.PhysAddress+region.Length, region.Length, region.Type.String())

		if region.Type == multiboot.MemAvailable {
			totalFree += mem.Size(region.Length)
		}
		return true
	})
	kfmt.Printf("[boot_mem_alloc] available memory: %dKb\n", uint64(totalFree/mem.Kb))
	kfmt.Printf("[boot_mem_alloc] kernel loaded at 0x%x - 0x%x\n", alloc.kernelStartAddr, alloc.kernelEndAddr)
	kfmt.Printf("[boot_mem_alloc] size: %d bytes, reserved pages: %d\n",
		uint64(alloc.kernelEndAddr-alloc.kernelStartAddr),
		mem.Size(alloc.kernelEndAddr-alloc.kernelStartAddr).Pages(mem.Size(mm.PageSize)),
	)
}
