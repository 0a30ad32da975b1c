package vmm

import (
	"vmkern/kernel"
	"vmkern/kernel/cpu"
	"vmkern/kernel/mm"
)

// Map establishes a mapping between the size bytes of virtual memory starting
// at vaddr and the physical frames starting at frame. Missing intermediate
// tables are allocated from the active frame allocator. Each mapped frame
// that is tracked by the allocator gains a reference which Unmap drops.
//
// Map refuses to overwrite an existing mapping. If any page cannot be mapped,
// the pages mapped so far by this call are unmapped again before the error
// is returned.
func (d *Driver) Map(c *cpu.Core, pt *PageTable, vaddr uintptr, frame mm.Frame, size uintptr, prot mm.Prot) *kernel.Error {
	if err := checkRange(vaddr, size); err != nil {
		return err
	}

	target := d.tableFor(pt, vaddr)
	target.lock.Acquire()
	defer target.lock.Release()

	for off := uintptr(0); off < size; off, frame = off+mm.PageSize, frame+1 {
		if err := d.mapPage(c, target, vaddr+off, frame, prot); err != nil {
			d.unmapLocked(c, target, vaddr, off)
			return err
		}
	}

	return nil
}

func (d *Driver) mapPage(c *cpu.Core, pt *PageTable, vaddr uintptr, frame mm.Frame, prot mm.Prot) *kernel.Error {
	table, index, err := d.ensureTable(pt.root, vaddr, leafLevel)
	if err != nil {
		return err
	}

	if d.arch.Mapped(d.entry(table, index)) {
		return errAlreadyMapped
	}

	if d.frames.Managed(frame) {
		d.frames.RefFrame(frame)
	}

	d.setEntry(table, index, d.arch.EncodeLeaf(frame, prot, vaddr < UserEnd, leafLevel))
	d.invalidate(c, pt, vaddr)
	return nil
}

// Unmap removes the mappings in [vaddr, vaddr+size). Frames referenced by
// 4K leaves are released through the frame allocator and page tables left
// empty are freed. Addresses that are not mapped are silently skipped so
// unmapping a range twice has no effect.
func (d *Driver) Unmap(c *cpu.Core, pt *PageTable, vaddr, size uintptr) *kernel.Error {
	if err := checkRange(vaddr, size); err != nil {
		return err
	}

	target := d.tableFor(pt, vaddr)
	target.lock.Acquire()
	d.unmapLocked(c, target, vaddr, size)
	target.lock.Release()
	return nil
}

func (d *Driver) unmapLocked(c *cpu.Core, pt *PageTable, vaddr, size uintptr) {
	end := vaddr + size
	for cur := vaddr; cur < end; {
		var path [pageLevels]struct {
			table mm.Frame
			index uintptr
		}

		table, index, level, ok := d.lookup(pt.root, cur)
		if !ok {
			// Skip the whole span covered by the missing entry
			span := levelSpan(d.arch, level)
			next := (cur + span) &^ (span - 1)
			if next <= cur {
				return
			}
			cur = next
			continue
		}

		e := d.entry(table, index)
		if level == leafLevel {
			d.frames.FreeFrame(d.arch.Frame(e, level))
		}
		d.setEntry(table, index, 0)
		d.invalidate(c, pt, cur)

		// Release tables that no longer map anything
		d.walk(pt.root, cur, func(l int, t mm.Frame, i uintptr) bool {
			path[l].table, path[l].index = t, i
			return l < level
		})
		d.releaseEmptyTables(pt, cur, path[:level+1])

		span := levelSpan(d.arch, level)
		next := (cur + span) &^ (span - 1)
		if next <= cur {
			return
		}
		cur = next
	}
}

// releaseEmptyTables frees the tables along path (deepest last) that have
// become empty. The root table and the kernel level 1 tables are never
// released.
func (d *Driver) releaseEmptyTables(pt *PageTable, vaddr uintptr, path []struct {
	table mm.Frame
	index uintptr
}) {
	for level := len(path) - 1; level > 0; level-- {
		if level == 1 && vaddr >= KernelBase {
			return
		}

		if !d.tableEmpty(path[level].table) {
			return
		}

		d.setEntry(path[level-1].table, path[level-1].index, 0)
		d.frames.FreeFrame(path[level].table)
	}
}

// Protect rewrites the access rights of the existing leaf entries in
// [vaddr, vaddr+size). The mapped frames are left untouched; holes in the
// range are skipped.
func (d *Driver) Protect(c *cpu.Core, pt *PageTable, vaddr, size uintptr, prot mm.Prot) *kernel.Error {
	if err := checkRange(vaddr, size); err != nil {
		return err
	}

	target := d.tableFor(pt, vaddr)
	target.lock.Acquire()
	defer target.lock.Release()

	end := vaddr + size
	for cur := vaddr; cur < end; {
		table, index, level, ok := d.lookup(target.root, cur)
		span := levelSpan(d.arch, level)
		if ok {
			e := d.entry(table, index)
			d.setEntry(table, index, d.arch.EncodeLeaf(d.arch.Frame(e, level), prot, cur < UserEnd, level))
			d.invalidate(c, target, cur)
		}

		next := (cur + span) &^ (span - 1)
		if next <= cur {
			break
		}
		cur = next
	}

	return nil
}

// Translate returns the physical address that corresponds to the supplied
// virtual address or ErrInvalidMapping if the virtual address does not
// correspond to a mapped physical page.
func (d *Driver) Translate(pt *PageTable, vaddr uintptr) (uintptr, *kernel.Error) {
	target := d.tableFor(pt, vaddr)
	target.lock.Acquire()
	defer target.lock.Release()

	table, index, level, ok := d.lookup(target.root, vaddr)
	if !ok {
		return 0, ErrInvalidMapping
	}

	e := d.entry(table, index)
	if !d.arch.Present(e) {
		return 0, ErrInvalidMapping
	}

	// Calculate the physical address by taking the physical frame address and
	// appending the offset from the virtual address
	return d.arch.Frame(e, level).Address() + PageOffset(d.arch, vaddr, level), nil
}

// PageOffset returns the offset of vaddr within the page that maps it at the
// given level.
func PageOffset(a Arch, vaddr uintptr, level int) uintptr {
	return vaddr & (levelSpan(a, level) - 1)
}
