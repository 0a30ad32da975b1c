package vmm

import (
	"vmkern/kernel"
	"vmkern/kernel/mm"
)

// Copy duplicates the user half of src into dst, which must be a freshly
// created table. Intermediate tables are always allocated anew. Leaves that
// reference frames tracked by the frame allocator are duplicated eagerly:
// a new frame receives a byte copy of the original unless shared reports
// that the page belongs to shared memory, in which case the frame gains a
// reference instead. Untracked frames (device windows) are mapped as is.
//
// If an allocation fails, dst is left partially populated; the caller
// releases it with Cleanup.
func (d *Driver) Copy(dst, src *PageTable, shared func(vaddr uintptr) bool) *kernel.Error {
	src.lock.Acquire()
	defer src.lock.Release()
	dst.lock.Acquire()
	defer dst.lock.Release()

	return d.copyTable(dst.root, src.root, 0, 0, shared)
}

func (d *Driver) copyTable(dst, src mm.Frame, level int, base uintptr, shared func(uintptr) bool) *kernel.Error {
	last := uintptr(mm.EntriesPerTable)
	if level == 0 {
		last = kernelRootIndex
	}

	for index := uintptr(0); index < last; index++ {
		e := d.entry(src, index)
		if !d.arch.Mapped(e) {
			continue
		}

		vaddr := base + index<<d.arch.Shift(level)
		if d.arch.Mapped(d.entry(dst, index)) && d.arch.IsLeaf(e, level) {
			d.panicFn(errCopyDoubleMap)
			return errCopyDoubleMap
		}

		if !d.arch.IsLeaf(e, level) {
			next := d.arch.Frame(d.entry(dst, index), level)
			if !d.arch.Present(d.entry(dst, index)) {
				var err *kernel.Error
				if next, err = d.frames.AllocFrame(); err != nil {
					return err
				}
				d.mem.Zero(next)
				d.setEntry(dst, index, d.arch.EncodeTable(next, true))
			}

			if err := d.copyTable(next, d.arch.Frame(e, level), level+1, vaddr, shared); err != nil {
				return err
			}
			continue
		}

		frame := d.arch.Frame(e, level)
		switch {
		case level != leafLevel || !d.frames.Managed(frame):
			d.setEntry(dst, index, e)
			continue
		case shared != nil && shared(vaddr):
			d.frames.RefFrame(frame)
		default:
			copied, err := d.frames.AllocFrame()
			if err != nil {
				return err
			}
			d.mem.Copy(copied, frame)
			frame = copied
		}

		d.setEntry(dst, index, d.arch.EncodeLeaf(frame, d.arch.Prot(e, level), true, level))
	}

	return nil
}

// Cleanup releases every frame reachable from the user half of pt: mapped
// frames drop a reference, page tables and finally the root are freed. The
// kernel half is shared and left untouched. pt must not be active on any
// core.
func (d *Driver) Cleanup(pt *PageTable) {
	pt.lock.Acquire()
	d.cleanupTable(pt.root, 0)
	d.frames.FreeFrame(pt.root)
	pt.root = mm.InvalidFrame
	pt.lock.Release()
}

func (d *Driver) cleanupTable(table mm.Frame, level int) {
	last := uintptr(mm.EntriesPerTable)
	if level == 0 {
		last = kernelRootIndex
	}

	for index := uintptr(0); index < last; index++ {
		e := d.entry(table, index)
		if !d.arch.Mapped(e) {
			continue
		}

		switch {
		case !d.arch.IsLeaf(e, level):
			next := d.arch.Frame(e, level)
			d.cleanupTable(next, level+1)
			d.frames.FreeFrame(next)
		case level == leafLevel:
			d.frames.FreeFrame(d.arch.Frame(e, level))
		}
		d.setEntry(table, index, 0)
	}
}

// VisitMappings calls visitor for every leaf mapping of pt in ascending
// address order. Kernel-half entries are included when the root holds them.
// The walk stops when visitor returns false.
func (d *Driver) VisitMappings(pt *PageTable, visitor func(vaddr uintptr, frame mm.Frame, prot mm.Prot, size uintptr) bool) {
	pt.lock.Acquire()
	defer pt.lock.Release()
	d.visitTable(pt.root, 0, 0, visitor)
}

func (d *Driver) visitTable(table mm.Frame, level int, base uintptr, visitor func(uintptr, mm.Frame, mm.Prot, uintptr) bool) bool {
	for index := uintptr(0); index < mm.EntriesPerTable; index++ {
		e := d.entry(table, index)
		if !d.arch.Mapped(e) {
			continue
		}

		vaddr := base + index<<d.arch.Shift(level)
		if level == 0 && index >= kernelRootIndex {
			// sign-extend the kernel half
			vaddr |= KernelBase
		}

		if !d.arch.IsLeaf(e, level) {
			if !d.visitTable(d.arch.Frame(e, level), level+1, vaddr, visitor) {
				return false
			}
			continue
		}

		if !visitor(vaddr, d.arch.Frame(e, level), d.arch.Prot(e, level), levelSpan(d.arch, level)) {
			return false
		}
	}
	return true
}
