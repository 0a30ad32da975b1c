package vmm

import (
	"vmkern/kernel"
	"vmkern/kernel/cpu"
	"vmkern/kernel/mm"
)

const (
	// DirectMapBase is the start of the window through which the kernel
	// reaches physical memory. EarlyMap installs it at boot.
	DirectMapBase = KernelBase

	// HeapBase and HeapEnd delimit the kernel virtual range handed out by
	// the kernel heap allocator.
	HeapBase = uintptr(0xffffc00000000000)
	HeapEnd  = uintptr(0xffffff0000000000)

	// earlyReserveTop is the address below which EarlyReserveRegion hands
	// out regions. The last 512GiB of the address space are not used.
	earlyReserveTop = uintptr(0xffffff8000000000)
)

var errEarlyReserveNoSpace = &kernel.Error{Module: "early_reserve", Message: "remaining virtual address space not large enough to satisfy reservation request"}

// EarlyReserveRegion reserves a page-aligned contiguous virtual memory region
// with the requested size in the kernel address space and returns its virtual
// address. If size is not a multiple of mm.PageSize it will be automatically
// rounded up.
//
// Regions are carved downwards from the end of the kernel address space
// without any bookkeeping. It should only be used during the early stages of
// kernel initialization.
func (d *Driver) EarlyReserveRegion(size uintptr) (uintptr, *kernel.Error) {
	size = mm.PageAlignUp(size)

	// reserving a region of the requested size must not dip into the heap
	if size > d.earlyReserveLastUsed-HeapEnd {
		return 0, errEarlyReserveNoSpace
	}

	d.earlyReserveLastUsed -= size
	return d.earlyReserveLastUsed, nil
}

// EarlyReserved returns the number of bytes handed out by EarlyReserveRegion.
func (d *Driver) EarlyReserved() uintptr {
	return earlyReserveTop - d.earlyReserveLastUsed
}

// EarlyMap maps the size bytes of physical memory at paddr to vaddr. Each
// step uses the largest page size whose alignment both addresses satisfy and
// that fits in the remaining length, so only the unaligned head and tail of
// the range fall back to 4K pages.
//
// Early mappings describe memory the kernel owns for its whole lifetime
// (the direct map, the kernel image) so the frames are not reference
// counted. Large pages are removed as a whole by Unmap.
func (d *Driver) EarlyMap(c *cpu.Core, pt *PageTable, vaddr, paddr, size uintptr, prot mm.Prot) *kernel.Error {
	if !mm.PageAligned(paddr) {
		return errUnaligned
	}
	if err := checkRange(vaddr, size); err != nil {
		return err
	}

	target := d.tableFor(pt, vaddr)
	target.lock.Acquire()
	defer target.lock.Release()

	for size > 0 {
		level := d.largestLevel(vaddr, paddr, size)
		span := levelSpan(d.arch, level)

		table, index, err := d.ensureTable(target.root, vaddr, level)
		if err != nil {
			return err
		}

		if d.arch.Mapped(d.entry(table, index)) {
			return errAlreadyMapped
		}

		d.setEntry(table, index, d.arch.EncodeLeaf(mm.FrameFromAddress(paddr), prot, vaddr < UserEnd, level))
		d.invalidate(c, target, vaddr)

		vaddr, paddr, size = vaddr+span, paddr+span, size-span
	}

	return nil
}

// largestLevel returns the highest level (1GiB, 2MiB or 4K pages) that can
// map the next chunk of an early mapping.
func (d *Driver) largestLevel(vaddr, paddr, size uintptr) int {
	for level := 1; level < leafLevel; level++ {
		span := levelSpan(d.arch, level)
		if vaddr&(span-1) == 0 && paddr&(span-1) == 0 && size >= span {
			return level
		}
	}
	return leafLevel
}

// PhysToVirt returns the direct map address of the physical address paddr.
func PhysToVirt(paddr uintptr) uintptr {
	return DirectMapBase + paddr
}
