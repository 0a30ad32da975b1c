package vmm

import (
	"testing"
	"vmkern/kernel"
	"vmkern/kernel/mm"
)

func TestPopulate(t *testing.T) {
	errNoZone := &kernel.Error{Module: "test", Message: "no zone covers the address"}

	specs := []struct {
		mapProt     mm.Prot
		mapped      bool
		access      mm.Prot
		resolveProt mm.Prot
		resolveErr  *kernel.Error
		expErr      *kernel.Error
		expResolve  bool
	}{
		// present mappings
		{mm.ProtRead, true, mm.ProtRead, 0, nil, nil, false},
		{mm.ProtRead, true, mm.ProtWrite, 0, nil, ErrWriteProtected, false},
		{mm.ProtRead | mm.ProtWrite, true, mm.ProtExec, 0, nil, ErrExecProtected, false},
		{mm.ProtRead | mm.ProtExec, true, mm.ProtExec, 0, nil, nil, false},
		{mm.ProtNone, true, mm.ProtRead, 0, nil, ErrAccessDenied, false},
		// missing mappings
		{0, false, mm.ProtWrite, mm.ProtRead | mm.ProtWrite, nil, nil, true},
		{0, false, mm.ProtWrite, mm.ProtRead, nil, ErrAccessDenied, true},
		{0, false, mm.ProtRead, 0, errNoZone, errNoZone, true},
	}

	for _, arch := range testArchs {
		t.Run(arch.Name(), func(t *testing.T) {
			for specIndex, spec := range specs {
				d, alloc, c := newTestDriver(t, arch, 1024)
				pt, err := d.NewTable()
				if err != nil {
					t.Fatal(err)
				}
				d.Activate(c, pt)

				vaddr := uintptr(0x7000)
				if spec.mapped {
					f := allocFrames(t, alloc, 1)[0]
					if err = d.Map(c, pt, vaddr, f, mm.PageSize, spec.mapProt); err != nil {
						t.Fatal(err)
					}
				}

				var (
					resolved      bool
					resolvedFrame mm.Frame
				)
				resolve := func(addr uintptr, access mm.Prot) (mm.Frame, mm.Prot, *kernel.Error) {
					resolved = true
					if addr != vaddr {
						t.Errorf("[spec %d] expected resolver to receive page address %x; got %x", specIndex, vaddr, addr)
					}
					if spec.resolveErr != nil {
						return mm.InvalidFrame, 0, spec.resolveErr
					}
					resolvedFrame = allocFrames(t, alloc, 1)[0]
					return resolvedFrame, spec.resolveProt, nil
				}

				err = d.Populate(c, pt, vaddr+0x42, spec.access, resolve)
				if err != spec.expErr {
					t.Errorf("[spec %d] expected error %v; got %v", specIndex, spec.expErr, err)
				}
				if resolved != spec.expResolve {
					t.Errorf("[spec %d] expected resolver call to be %t; got %t", specIndex, spec.expResolve, resolved)
				}

				if !resolved || spec.resolveErr != nil {
					continue
				}

				// The mapping takes over the reference of the resolved
				// frame; a rejected frame is returned to the pool.
				rec := alloc.Lookup(resolvedFrame)
				switch {
				case spec.expErr == nil && rec.Refs() != 1:
					t.Errorf("[spec %d] expected installed frame to have 1 reference; got %d", specIndex, rec.Refs())
				case spec.expErr != nil && rec.Refs() != 0:
					t.Errorf("[spec %d] expected rejected frame to be released; got %d references", specIndex, rec.Refs())
				}

				if spec.expErr == nil {
					if got, err := d.Translate(pt, vaddr); err != nil || got != resolvedFrame.Address() {
						t.Errorf("[spec %d] expected populated page to translate to %x; got %x, %v", specIndex, resolvedFrame.Address(), got, err)
					}
				}
			}
		})
	}
}

func TestPopulateKernelAddress(t *testing.T) {
	d, alloc, c := newTestDriver(t, RISCV{}, 1024)
	pt, err := d.NewTable()
	if err != nil {
		t.Fatal(err)
	}

	f := allocFrames(t, alloc, 1)[0]
	err = d.Populate(c, pt, HeapBase, mm.ProtRead, func(uintptr, mm.Prot) (mm.Frame, mm.Prot, *kernel.Error) {
		return f, mm.ProtRead | mm.ProtWrite, nil
	})
	if err != nil {
		t.Fatal(err)
	}

	// Populated kernel pages live in the kernel table and are not user
	// accessible.
	table, index, level, ok := d.lookup(d.KernelTable().Root(), HeapBase)
	if !ok || level != leafLevel {
		t.Fatalf("expected a leaf in the kernel table; got level %d, ok %t", level, ok)
	}
	if d.arch.User(d.entry(table, index)) {
		t.Fatal("expected kernel page to not be user accessible")
	}
}
