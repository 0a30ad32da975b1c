// Package vmspace implements address spaces on top of the page-table driver:
// the per-process zone bookkeeping and fault resolution as well as the
// kernel heap window.
package vmspace

import (
	"io"
	"sync/atomic"
	"vmkern/kernel"
	"vmkern/kernel/cpu"
	"vmkern/kernel/kfmt"
	"vmkern/kernel/mm"
	"vmkern/kernel/mm/pmm"
	"vmkern/kernel/mm/vmm"
	"vmkern/kernel/sync"
)

var (
	errUnalignedRange = &kernel.Error{Module: "vmspace", Message: "address or size is not page aligned"}
	errNotHeapRange   = &kernel.Error{Module: "vmspace", Message: "range is outside of the kernel heap"}
	errVfree          = &kernel.Error{Module: "vmspace", Message: "vfree of a range that was not allocated"}
)

// Manager owns the kernel heap window and creates address spaces. Changes
// to kernel mappings bump the kernel revision so that other cores reload
// their paging root the next time they take the kernel lock.
type Manager struct {
	drv    *vmm.Driver
	frames *pmm.Allocator

	// lock serializes kernel heap allocations.
	lock     sync.Spinlock
	heap     *Region
	revision uint64
	shmID    int32

	coreFn  func() *cpu.Core
	panicFn func(interface{})
}

// NewManager returns a manager whose kernel heap covers
// [vmm.HeapBase, vmm.HeapEnd). The driver must have its kernel table
// initialized.
func NewManager(drv *vmm.Driver, frames *pmm.Allocator) *Manager {
	return &Manager{
		drv:     drv,
		frames:  frames,
		heap:    NewRegion(vmm.HeapBase, vmm.HeapEnd-vmm.HeapBase),
		coreFn:  func() *cpu.Core { return nil },
		panicFn: kfmt.Panic,
	}
}

// SetCurrentCoreFn registers the function that returns the core executing
// the caller. Translations are invalidated on that core after a mapping
// changes.
func (m *Manager) SetCurrentCoreFn(fn func() *cpu.Core) {
	m.coreFn = fn
}

// SetPanicHandler replaces the handler invoked on fatal errors.
func (m *Manager) SetPanicHandler(fn func(interface{})) {
	m.panicFn = fn
}

// Driver returns the page-table driver.
func (m *Manager) Driver() *vmm.Driver { return m.drv }

// Frames returns the physical frame allocator.
func (m *Manager) Frames() *pmm.Allocator { return m.frames }

// Revision returns the kernel mapping revision.
func (m *Manager) Revision() uint64 {
	return atomic.LoadUint64(&m.revision)
}

func (m *Manager) bumpRevision() {
	atomic.AddUint64(&m.revision, 1)
}

// Vmalloc maps size bytes of freshly allocated frames into the kernel heap
// and returns the address of the mapping.
func (m *Manager) Vmalloc(size uintptr) (uintptr, *kernel.Error) {
	if !mm.PageAligned(size) {
		return 0, errUnalignedRange
	}

	m.lock.Acquire()
	defer m.lock.Release()

	addr, err := m.heap.Alloc(0, size, 0)
	if err != nil {
		return 0, err
	}

	c := m.coreFn()
	kt := m.drv.KernelTable()
	for off := uintptr(0); off < size; off += mm.PageSize {
		var f mm.Frame
		if f, err = m.frames.AllocFrame(); err == nil {
			err = m.drv.Map(c, kt, addr+off, f, mm.PageSize, mm.ProtRead|mm.ProtWrite)

			// The mapping holds its own reference
			m.frames.FreeFrame(f)
		}

		if err != nil {
			_ = m.drv.Unmap(c, kt, addr, off)
			_ = m.heap.Free(addr, size)
			kfmt.Printf("[vmspace] vmalloc of %d bytes failed: %s\n", uint64(size), err.Message)
			return 0, err
		}
	}

	m.bumpRevision()
	return addr, nil
}

// Vfree unmaps a range returned by Vmalloc, MapFrames, MapPages or MapUser.
// Freeing a range that is not allocated is fatal.
func (m *Manager) Vfree(addr, size uintptr) {
	if err := m.unmapHeap(addr, size); err != nil {
		m.panicFn(errVfree)
	}
}

func (m *Manager) unmapHeap(addr, size uintptr) *kernel.Error {
	if !mm.PageAligned(addr) || !mm.PageAligned(size) {
		return errUnalignedRange
	}
	if !m.heap.Contains(addr, size) {
		return errNotHeapRange
	}

	m.lock.Acquire()
	defer m.lock.Release()

	if !m.heap.Test(addr, size) {
		return errRegionNotAllocated
	}

	if err := m.drv.Unmap(m.coreFn(), m.drv.KernelTable(), addr, size); err != nil {
		return err
	}
	m.bumpRevision()
	return m.heap.Free(addr, size)
}

// MapFrames maps size bytes of physical memory starting at frame into the
// kernel heap window. It is used for device windows and physical buffers
// that need a particular memory type.
func (m *Manager) MapFrames(frame mm.Frame, size uintptr, prot mm.Prot) (uintptr, *kernel.Error) {
	if !mm.PageAligned(size) {
		return 0, errUnalignedRange
	}

	m.lock.Acquire()
	defer m.lock.Release()

	addr, err := m.heap.Alloc(0, size, 0)
	if err != nil {
		return 0, err
	}

	if err = m.drv.Map(m.coreFn(), m.drv.KernelTable(), addr, frame, size, prot); err != nil {
		_ = m.heap.Free(addr, size)
		return 0, err
	}

	m.bumpRevision()
	return addr, nil
}

// MapPages maps the supplied frames, in order, to a contiguous range of the
// kernel heap window.
func (m *Manager) MapPages(frames []mm.Frame, prot mm.Prot) (uintptr, *kernel.Error) {
	size := uintptr(len(frames)) * mm.PageSize

	m.lock.Acquire()
	defer m.lock.Release()

	addr, err := m.heap.Alloc(0, size, 0)
	if err != nil {
		return 0, err
	}

	c := m.coreFn()
	for i, f := range frames {
		off := uintptr(i) * mm.PageSize
		if err = m.drv.Map(c, m.drv.KernelTable(), addr+off, f, mm.PageSize, prot); err != nil {
			_ = m.drv.Unmap(c, m.drv.KernelTable(), addr, off)
			_ = m.heap.Free(addr, size)
			return 0, err
		}
	}

	m.bumpRevision()
	return addr, nil
}

// MapUser maps the user pages [uaddr, uaddr+size) of space into the kernel
// heap window, faulting them in if needed, and returns the kernel address
// of the window.
func (m *Manager) MapUser(space *AddressSpace, uaddr, size uintptr, prot mm.Prot) (uintptr, *kernel.Error) {
	if !mm.PageAligned(uaddr) || !mm.PageAligned(size) {
		return 0, errUnalignedRange
	}
	if !space.region.Contains(uaddr, size) || uaddr == 0 {
		return 0, errNotUserRange
	}

	m.lock.Acquire()
	addr, err := m.heap.Alloc(0, size, 0)
	m.lock.Release()
	if err != nil {
		return 0, err
	}

	c := m.coreFn()
	for off := uintptr(0); off < size; off += mm.PageSize {
		var paddr uintptr
		if paddr, err = space.PhysAddr(uaddr + off); err == nil {
			err = m.drv.Map(c, m.drv.KernelTable(), addr+off, mm.FrameFromAddress(paddr), mm.PageSize, prot)
		}

		if err != nil {
			m.lock.Acquire()
			_ = m.drv.Unmap(c, m.drv.KernelTable(), addr, off)
			_ = m.heap.Free(addr, size)
			m.lock.Release()
			return 0, err
		}
	}

	m.bumpRevision()
	return addr, nil
}

// KernelVirtualUsed returns the number of allocated bytes in the kernel
// heap window.
func (m *Manager) KernelVirtualUsed() uint64 {
	m.lock.Acquire()
	defer m.lock.Release()
	return uint64(m.heap.Size() - m.heap.Available())
}

// KernelVirtualSize returns the size of the kernel heap window.
func (m *Manager) KernelVirtualSize() uint64 {
	return uint64(m.heap.Size())
}

// DumpInfo writes the memory usage report to w.
func (m *Manager) DumpInfo(w io.Writer) {
	m.frames.DumpInfo(w)
	pmm.PrintUsageLine(w, "KernelVirtualUsed:", m.KernelVirtualUsed())
	pmm.PrintUsageLine(w, "KernelVirtualSize:", m.KernelVirtualSize())
}

// DumpHeap writes the free ranges of the kernel heap window to w.
func (m *Manager) DumpHeap(w io.Writer) {
	m.lock.Acquire()
	defer m.lock.Release()
	m.heap.Dump(w)
}
