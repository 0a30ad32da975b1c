package vmm

import (
	"vmkern/kernel"
	"vmkern/kernel/mm"
	"vmkern/kernel/sync"
)

// PageTable describes the top-most table in a multi-level paging scheme
// together with the lock that serializes changes to the tree below it.
type PageTable struct {
	lock   sync.Spinlock
	root   mm.Frame
	kernel bool
}

// Root returns the frame holding the root table.
func (pt *PageTable) Root() mm.Frame {
	return pt.root
}

// IsKernel returns true for the table that maps the kernel half.
func (pt *PageTable) IsKernel() bool {
	return pt.kernel
}

// pageTableWalker is a function that can be passed to the walk method. The
// function receives the current page level, the table frame and the index
// of the entry for the walked address. If the function returns false, then
// the page walk is aborted.
type pageTableWalker func(level int, table mm.Frame, index uintptr) bool

// walk performs a page table walk for the given virtual address starting at
// root. It calls the supplied walkFn with the table and index that
// correspond to each page table level. The walk descends into the next level
// only if the entry that walkFn returned true for points to a table; walkFn
// may install that table itself.
func (d *Driver) walk(root mm.Frame, vaddr uintptr, walkFn pageTableWalker) {
	table := root
	for level := 0; level < pageLevels; level++ {
		index := tableIndex(d.arch, vaddr, level)
		if !walkFn(level, table, index) {
			return
		}

		e := d.entry(table, index)
		if !d.arch.Present(e) || d.arch.IsLeaf(e, level) {
			return
		}
		table = d.arch.Frame(e, level)
	}
}

func (d *Driver) entry(table mm.Frame, index uintptr) Entry {
	return Entry(d.mem.Entry(table, index))
}

func (d *Driver) setEntry(table mm.Frame, index uintptr, e Entry) {
	d.mem.SetEntry(table, index, uint64(e))
}

// lookup returns the table, index and level of the leaf entry that maps
// vaddr. ok is false if some level along the way is not present; in that
// case level reports the level of the missing entry.
func (d *Driver) lookup(root mm.Frame, vaddr uintptr) (table mm.Frame, index uintptr, level int, ok bool) {
	d.walk(root, vaddr, func(l int, t mm.Frame, i uintptr) bool {
		table, index, level = t, i, l
		e := d.entry(t, i)
		ok = d.arch.Mapped(e) && d.arch.IsLeaf(e, l)
		return true
	})
	return table, index, level, ok
}

// ensureTable walks towards vaddr allocating missing intermediate tables
// and returns the table at targetLevel together with the index of the entry
// for vaddr. It fails with errLargePageInPath if a large page already maps
// the address at a higher level.
func (d *Driver) ensureTable(root mm.Frame, vaddr uintptr, targetLevel int) (mm.Frame, uintptr, *kernel.Error) {
	var (
		err         *kernel.Error
		targetTable mm.Frame
		targetIndex uintptr
		user        = vaddr < UserEnd
	)

	d.walk(root, vaddr, func(level int, table mm.Frame, index uintptr) bool {
		if level == targetLevel {
			targetTable, targetIndex = table, index
			return false
		}

		e := d.entry(table, index)
		if d.arch.Mapped(e) && d.arch.IsLeaf(e, level) {
			err = errLargePageInPath
			return false
		}

		// Next table does not yet exist; we need to allocate a
		// physical frame for it and clear its contents.
		if !d.arch.Present(e) {
			var newTableFrame mm.Frame
			if newTableFrame, err = d.frames.AllocFrame(); err != nil {
				return false
			}
			d.mem.Zero(newTableFrame)
			d.setEntry(table, index, d.arch.EncodeTable(newTableFrame, user))
		}
		return true
	})

	return targetTable, targetIndex, err
}

// tableEmpty returns true if no entry of the table is in use.
func (d *Driver) tableEmpty(table mm.Frame) bool {
	for i := uintptr(0); i < mm.EntriesPerTable; i++ {
		if d.entry(table, i) != 0 {
			return false
		}
	}
	return true
}
