// Package vmm implements the page-table driver. A single set of tree-walking
// algorithms is shared by all supported MMUs; the per-architecture details
// (entry encoding and TLB invalidation) are supplied by an Arch value.
package vmm

import (
	"vmkern/kernel"
	"vmkern/kernel/cpu"
	"vmkern/kernel/kfmt"
	"vmkern/kernel/mm"
)

var (
	// ErrInvalidMapping is returned when trying to lookup a virtual memory address that is not yet mapped.
	ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page"}

	errAlreadyMapped   = &kernel.Error{Module: "vmm", Message: "virtual address is already mapped"}
	errLargePageInPath = &kernel.Error{Module: "vmm", Message: "virtual address is covered by a large page"}
	errUnaligned       = &kernel.Error{Module: "vmm", Message: "address or size is not page aligned"}
	errCrossesHalves   = &kernel.Error{Module: "vmm", Message: "range crosses the user/kernel boundary"}
	errNonCanonical    = &kernel.Error{Module: "vmm", Message: "non-canonical virtual address"}
	errCopyDoubleMap   = &kernel.Error{Module: "vmm", Message: "destination entry already present during space copy"}
)

// Driver manipulates page tables on behalf of the kernel and the address
// spaces. All table memory is reached through the PhysMem accessor and new
// tables are taken from the active frame allocator.
type Driver struct {
	arch   Arch
	mem    *mm.PhysMem
	frames mm.FrameAllocator

	// kernelTable maps the kernel half. Every address space shares its
	// level 1 tables.
	kernelTable *PageTable

	// earlyReserveLastUsed tracks the last reserved page address and is
	// decreased after each allocation request.
	earlyReserveLastUsed uintptr

	// panicFn is invoked when a page-table invariant is violated.
	panicFn func(interface{})
}

// NewDriver returns a driver for arch. Page-table frames are allocated from
// frames until SetFrameAllocator installs a different allocator.
func NewDriver(arch Arch, mem *mm.PhysMem, frames mm.FrameAllocator) *Driver {
	return &Driver{
		arch:                 arch,
		mem:                  mem,
		frames:               frames,
		earlyReserveLastUsed: earlyReserveTop,
		panicFn:              kfmt.Panic,
	}
}

// SetFrameAllocator registers the frame allocator that will be used when
// new physical frames need to be allocated and whose reference counts track
// mapped frames.
func (d *Driver) SetFrameAllocator(frames mm.FrameAllocator) {
	d.frames = frames
}

// SetPanicHandler replaces the handler invoked on fatal page-table errors.
func (d *Driver) SetPanicHandler(fn func(interface{})) {
	d.panicFn = fn
}

// Arch returns the architecture capability set used by the driver.
func (d *Driver) Arch() Arch {
	return d.arch
}

// Mem returns the physical memory accessor used by the driver.
func (d *Driver) Mem() *mm.PhysMem {
	return d.mem
}

// KernelTable returns the kernel page table or nil if InitKernelTable has
// not been called.
func (d *Driver) KernelTable() *PageTable {
	return d.kernelTable
}

// InitKernelTable allocates the kernel root table together with a level 1
// table for every kernel-half root entry. Since these tables are never
// released, address spaces created later can share them by copying the root
// entries and every kernel mapping becomes visible to all of them.
func (d *Driver) InitKernelTable() (*PageTable, *kernel.Error) {
	root, err := d.frames.AllocFrame()
	if err != nil {
		return nil, err
	}
	d.mem.Zero(root)

	for index := kernelRootIndex; index < mm.EntriesPerTable; index++ {
		table, err := d.frames.AllocFrame()
		if err != nil {
			return nil, err
		}
		d.mem.Zero(table)
		d.setEntry(root, index, d.arch.EncodeTable(table, false))
	}

	d.kernelTable = &PageTable{root: root, kernel: true}
	return d.kernelTable, nil
}

// NewTable allocates a root table for a new address space. On architectures
// without a dedicated kernel root, the kernel-half root entries are copied
// from the kernel table.
func (d *Driver) NewTable() (*PageTable, *kernel.Error) {
	root, err := d.frames.AllocFrame()
	if err != nil {
		return nil, err
	}
	d.mem.Zero(root)

	if d.kernelTable != nil && !d.arch.SeparateKernelRoot() {
		for index := kernelRootIndex; index < mm.EntriesPerTable; index++ {
			d.setEntry(root, index, d.entry(d.kernelTable.root, index))
		}
	}

	return &PageTable{root: root}, nil
}

// Activate loads the root of pt into the paging root register of c.
func (d *Driver) Activate(c *cpu.Core, pt *PageTable) {
	c.SwitchRoot(pt.root.Address())
}

// tableFor returns the table that holds the mappings for vaddr. Kernel-half
// addresses are always resolved through the kernel table.
func (d *Driver) tableFor(pt *PageTable, vaddr uintptr) *PageTable {
	if vaddr >= KernelBase && d.kernelTable != nil {
		return d.kernelTable
	}
	return pt
}

// checkRange validates that [vaddr, vaddr+size) is page aligned, canonical
// and contained in a single half of the address space.
func checkRange(vaddr, size uintptr) *kernel.Error {
	if !mm.PageAligned(vaddr) || !mm.PageAligned(size) {
		return errUnaligned
	}

	if size == 0 {
		return nil
	}

	end := vaddr + size - 1
	switch {
	case end < vaddr:
		return errCrossesHalves
	case vaddr < UserEnd && end >= UserEnd:
		return errCrossesHalves
	case vaddr >= UserEnd && vaddr < KernelBase:
		return errNonCanonical
	}
	return nil
}

// invalidate discards the translation for vaddr on c if c may have cached
// it: the table is either the kernel table or the one c has loaded.
func (d *Driver) invalidate(c *cpu.Core, pt *PageTable, vaddr uintptr) {
	if c == nil {
		return
	}

	if pt.kernel || c.ActiveRoot() == pt.root.Address() {
		d.arch.Invalidate(c, vaddr)
	}
}
