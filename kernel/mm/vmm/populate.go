package vmm

import (
	"vmkern/kernel"
	"vmkern/kernel/cpu"
	"vmkern/kernel/mm"
)

var (
	// ErrWriteProtected is returned by Populate for a write to a mapping
	// that does not allow writes.
	ErrWriteProtected = &kernel.Error{Module: "vmm", Message: "write access to a read-only mapping"}

	// ErrExecProtected is returned by Populate for an instruction fetch
	// from a non-executable mapping.
	ErrExecProtected = &kernel.Error{Module: "vmm", Message: "instruction fetch from a non-executable mapping"}

	// ErrAccessDenied is returned by Populate when the mapping (or the
	// frame supplied by the resolver) does not grant the requested access.
	ErrAccessDenied = &kernel.Error{Module: "vmm", Message: "access not permitted by the mapping"}
)

// Resolver supplies the frame that backs a faulting address together with
// the protection of the region it belongs to. The returned frame carries a
// reference that is handed over to the new mapping.
type Resolver func(vaddr uintptr, access mm.Prot) (mm.Frame, mm.Prot, *kernel.Error)

// Populate services a fault at vaddr for the requested access. If a mapping
// is already present, the access is validated against it and a typed fault
// is returned on violation. Otherwise resolve is asked for a backing frame
// which is installed with the protection it reports.
func (d *Driver) Populate(c *cpu.Core, pt *PageTable, vaddr uintptr, access mm.Prot, resolve Resolver) *kernel.Error {
	vaddr &^= mm.PageSize - 1
	if err := checkRange(vaddr, mm.PageSize); err != nil {
		return err
	}

	target := d.tableFor(pt, vaddr)
	target.lock.Acquire()
	defer target.lock.Release()

	table, index, level, ok := d.lookup(target.root, vaddr)
	if ok {
		e := d.entry(table, index)
		if !d.arch.Present(e) {
			return ErrAccessDenied
		}

		prot := d.arch.Prot(e, level)
		switch {
		case access&mm.ProtExec != 0 && prot&mm.ProtExec == 0:
			return ErrExecProtected
		case access&mm.ProtWrite != 0 && prot&mm.ProtWrite == 0:
			return ErrWriteProtected
		}

		// The mapping already allows the access; the faulting core
		// held a stale translation.
		d.invalidate(c, target, vaddr)
		return nil
	}

	frame, prot, err := resolve(vaddr, access)
	if err != nil {
		return err
	}

	if !prot.Allows(access) {
		d.frames.FreeFrame(frame)
		return ErrAccessDenied
	}

	table, index, err = d.ensureTable(target.root, vaddr, leafLevel)
	if err != nil {
		d.frames.FreeFrame(frame)
		return err
	}

	d.setEntry(table, index, d.arch.EncodeLeaf(frame, prot, vaddr < UserEnd, leafLevel))
	d.invalidate(c, target, vaddr)
	return nil
}
