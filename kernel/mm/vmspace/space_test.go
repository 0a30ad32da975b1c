package vmspace

import (
	"bytes"
	"testing"
	"vmkern/kernel"
	"vmkern/kernel/cpu"
	"vmkern/kernel/mm"
	"vmkern/kernel/mm/pmm"
	"vmkern/kernel/mm/vmm"
)

var testArchs = []vmm.Arch{vmm.X86{}, vmm.AArch64{}, vmm.RISCV{}}

func newTestManager(t *testing.T, arch vmm.Arch) (*Manager, *cpu.Core) {
	fatal := func(e interface{}) {
		t.Fatalf("unexpected panic: %v", e)
	}

	mem := mm.NewPhysMem(4096 << mm.PageShift)
	alloc := pmm.NewAllocator(mem)
	alloc.AddPool(pmm.NewPool(0, 4096, 0))
	alloc.SetPanicHandler(fatal)

	drv := vmm.NewDriver(arch, mem, alloc)
	drv.SetPanicHandler(fatal)
	if _, err := drv.InitKernelTable(); err != nil {
		t.Fatal(err)
	}

	m := NewManager(drv, alloc)
	m.SetPanicHandler(fatal)

	c := cpu.NewCore(0)
	m.SetCurrentCoreFn(func() *cpu.Core { return c })
	return m, c
}

func usedFrames(m *Manager) uint64 {
	used, _, _ := m.Frames().Stats()
	return used
}

func zoneList(s *AddressSpace) []Zone {
	var out []Zone
	s.Zones(func(z *Zone) { out = append(out, *z) })
	return out
}

type testBacking struct {
	alloc  *pmm.Allocator
	frame  mm.Frame
	faults []uintptr
}

func (b *testBacking) Fault(_ *Zone, off uintptr) (mm.Frame, *kernel.Error) {
	b.faults = append(b.faults, off)
	b.alloc.RefFrame(b.frame)
	return b.frame, nil
}

func TestFaultAnonymous(t *testing.T) {
	for _, arch := range testArchs {
		t.Run(arch.Name(), func(t *testing.T) {
			m, _ := newTestManager(t, arch)
			s, err := m.NewSpace()
			if err != nil {
				t.Fatal(err)
			}

			z, err := s.Alloc(0, 0, 4*mm.PageSize, 0, mm.ProtRead|mm.ProtWrite, 0, nil)
			if err != nil {
				t.Fatal(err)
			}
			if z.Addr != UserBase {
				t.Fatalf("expected first zone at %x; got %x", UserBase, z.Addr)
			}

			rev := s.Revision()
			if err = s.Fault(z.Addr+0x10, mm.ProtWrite); err != nil {
				t.Fatal(err)
			}
			if s.Revision() == rev {
				t.Fatal("expected fault to bump the space revision")
			}

			paddr, err := s.PhysAddr(z.Addr)
			if err != nil {
				t.Fatal(err)
			}
			f := mm.FrameFromAddress(paddr)
			if got := m.Frames().Lookup(f).Refs(); got != 1 {
				t.Fatalf("expected faulted frame to have 1 reference; got %d", got)
			}
			if !bytes.Equal(m.Driver().Mem().Bytes(f), make([]byte, mm.PageSize)) {
				t.Fatal("expected anonymous page to be zeroed")
			}

			specs := []struct {
				addr   uintptr
				access mm.Prot
				expErr *kernel.Error
			}{
				{0x7000000000, mm.ProtRead, ErrNoZone},
				{vmm.KernelBase, mm.ProtRead, errNotUserRange},
				{0, mm.ProtRead, errNotUserRange},
				{z.Addr + 3*mm.PageSize, mm.ProtExec, vmm.ErrAccessDenied},
			}
			for specIndex, spec := range specs {
				if err := s.Fault(spec.addr, spec.access); err != spec.expErr {
					t.Errorf("[spec %d] expected error %v; got %v", specIndex, spec.expErr, err)
				}
			}
		})
	}
}

func TestFaultReadOnlyZone(t *testing.T) {
	m, _ := newTestManager(t, vmm.X86{})
	s, _ := m.NewSpace()
	usedBefore := usedFrames(m)

	z, err := s.Alloc(0x100000, 0, mm.PageSize, 0, mm.ProtRead, 0, nil)
	if err != nil {
		t.Fatal(err)
	}

	if err = s.Fault(z.Addr, mm.ProtWrite); err != vmm.ErrAccessDenied {
		t.Fatalf("expected ErrAccessDenied; got %v", err)
	}
	if got := usedFrames(m); got != usedBefore {
		t.Fatalf("expected rejected frame to be released; got %d used frames, want %d", got, usedBefore)
	}

	if err = s.Fault(z.Addr, mm.ProtRead); err != nil {
		t.Fatal(err)
	}
	if err = s.Fault(z.Addr, mm.ProtWrite); err != vmm.ErrWriteProtected {
		t.Fatalf("expected ErrWriteProtected; got %v", err)
	}
}

func TestFaultBacking(t *testing.T) {
	m, _ := newTestManager(t, vmm.AArch64{})
	s, _ := m.NewSpace()

	f, err := m.Frames().AllocFrame()
	if err != nil {
		t.Fatal(err)
	}
	backing := &testBacking{alloc: m.Frames(), frame: f}

	z, err := s.Alloc(0, 0x3000, 4*mm.PageSize, 0, mm.ProtRead, 0, backing)
	if err != nil {
		t.Fatal(err)
	}

	if err = s.Fault(z.Addr+mm.PageSize+0x20, mm.ProtRead); err != nil {
		t.Fatal(err)
	}
	if len(backing.faults) != 1 || backing.faults[0] != 0x4000 {
		t.Fatalf("expected a single backing fault at offset 0x4000; got %v", backing.faults)
	}
	if got := m.Frames().Lookup(f).Refs(); got != 2 {
		t.Fatalf("expected backing frame to have 2 references; got %d", got)
	}

	if err = s.Release(z.Addr, z.Size); err != nil {
		t.Fatal(err)
	}
	if got := m.Frames().Lookup(f).Refs(); got != 1 {
		t.Fatalf("expected backing frame to have 1 reference; got %d", got)
	}
}

func TestRelease(t *testing.T) {
	const page = mm.PageSize

	m, _ := newTestManager(t, vmm.RISCV{})
	s, _ := m.NewSpace()
	usedBefore := usedFrames(m)

	z, err := s.Alloc(0, 0, 8*page, 0, mm.ProtRead|mm.ProtWrite, 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	base := z.Addr
	if err = s.Populate(base, 8*page); err != nil {
		t.Fatal(err)
	}

	specs := []struct {
		addr, size uintptr
		expZones   []Zone
	}{
		// split
		{base + 2*page, 2 * page, []Zone{
			{Addr: base, Size: 2 * page, Prot: mm.ProtRead | mm.ProtWrite},
			{Addr: base + 4*page, Size: 4 * page, Off: 4 * page, Prot: mm.ProtRead | mm.ProtWrite},
		}},
		// truncate head
		{base, page, []Zone{
			{Addr: base + page, Size: page, Off: page, Prot: mm.ProtRead | mm.ProtWrite},
			{Addr: base + 4*page, Size: 4 * page, Off: 4 * page, Prot: mm.ProtRead | mm.ProtWrite},
		}},
		// truncate tail
		{base + 7*page, page, []Zone{
			{Addr: base + page, Size: page, Off: page, Prot: mm.ProtRead | mm.ProtWrite},
			{Addr: base + 4*page, Size: 3 * page, Off: 4 * page, Prot: mm.ProtRead | mm.ProtWrite},
		}},
		// remove everything, including the holes
		{base, 8 * page, nil},
	}

	for specIndex, spec := range specs {
		if err := s.Release(spec.addr, spec.size); err != nil {
			t.Fatalf("[spec %d] unexpected error: %v", specIndex, err)
		}

		got := zoneList(s)
		if len(got) != len(spec.expZones) {
			t.Fatalf("[spec %d] expected %d zones; got %d", specIndex, len(spec.expZones), len(got))
		}
		for i := range got {
			if got[i] != spec.expZones[i] {
				t.Errorf("[spec %d] expected zone %d to be %+v; got %+v", specIndex, i, spec.expZones[i], got[i])
			}
		}

		if _, err := s.mgr.drv.Translate(s.PageTable(), spec.addr); err != vmm.ErrInvalidMapping {
			t.Errorf("[spec %d] expected released page to be unmapped; got %v", specIndex, err)
		}
	}

	if s.region.Available() != s.region.Size() {
		t.Fatalf("expected every user address to be free; got %d of %d bytes", s.region.Available(), s.region.Size())
	}
	if got := usedFrames(m); got != usedBefore {
		t.Fatalf("expected %d used frames; got %d", usedBefore, got)
	}
}

func TestProtectSplitsZones(t *testing.T) {
	const page = mm.PageSize
	rw := mm.ProtRead | mm.ProtWrite

	for _, arch := range testArchs {
		t.Run(arch.Name(), func(t *testing.T) {
			m, _ := newTestManager(t, arch)
			s, _ := m.NewSpace()

			z, err := s.Alloc(0, 0, 4*page, 0, rw, 0, nil)
			if err != nil {
				t.Fatal(err)
			}
			base := z.Addr
			for off := uintptr(0); off < 4*page; off += page {
				if err = s.Fault(base+off, mm.ProtWrite); err != nil {
					t.Fatal(err)
				}
			}

			if err = s.Protect(base+page, 2*page, mm.ProtRead); err != nil {
				t.Fatal(err)
			}

			exp := []Zone{
				{Addr: base, Size: page, Prot: rw},
				{Addr: base + page, Size: 2 * page, Off: page, Prot: mm.ProtRead},
				{Addr: base + 3*page, Size: page, Off: 3 * page, Prot: rw},
			}
			got := zoneList(s)
			if len(got) != len(exp) {
				t.Fatalf("expected %d zones; got %d", len(exp), len(got))
			}
			for i := range got {
				if got[i] != exp[i] {
					t.Errorf("expected zone %d to be %+v; got %+v", i, exp[i], got[i])
				}
			}

			for off, expErr := range map[uintptr]*kernel.Error{
				0:        nil,
				page:     vmm.ErrWriteProtected,
				2 * page: vmm.ErrWriteProtected,
				3 * page: nil,
			} {
				if err := s.Fault(base+off, mm.ProtWrite); err != expErr {
					t.Errorf("expected write fault at +%x to return %v; got %v", off, expErr, err)
				}
			}

			if err = s.Protect(base+8*page, page, mm.ProtRead); err != errRegionNotAllocated {
				t.Fatalf("expected errRegionNotAllocated; got %v", err)
			}
		})
	}
}

func TestDuplicate(t *testing.T) {
	for _, arch := range testArchs {
		t.Run(arch.Name(), func(t *testing.T) {
			m, _ := newTestManager(t, arch)
			mem := m.Driver().Mem()
			usedBefore := usedFrames(m)

			s, _ := m.NewSpace()
			z, err := s.Alloc(0, 0, mm.PageSize, 0, mm.ProtRead|mm.ProtWrite, 0, nil)
			if err != nil {
				t.Fatal(err)
			}
			if err = s.Fault(z.Addr, mm.ProtWrite); err != nil {
				t.Fatal(err)
			}
			parentAddr, _ := s.PhysAddr(z.Addr)
			copy(mem.Bytes(mm.FrameFromAddress(parentAddr)), "parent")

			seg, err := m.NewShm(2 * mm.PageSize)
			if err != nil {
				t.Fatal(err)
			}
			shmAddr, err := s.AttachShm(0, seg, mm.ProtRead|mm.ProtWrite)
			if err != nil {
				t.Fatal(err)
			}
			if err = s.Populate(shmAddr, seg.Size()); err != nil {
				t.Fatal(err)
			}

			dup, err := s.Duplicate()
			if err != nil {
				t.Fatal(err)
			}

			if got, exp := len(zoneList(dup)), len(zoneList(s)); got != exp {
				t.Fatalf("expected %d zones in the copy; got %d", exp, got)
			}
			if got := seg.Attached(); got != 2 {
				t.Fatalf("expected segment to be attached twice; got %d", got)
			}
			if _, ok := dup.FindShm(shmAddr); !ok {
				t.Fatal("expected shared memory attachment to be duplicated")
			}

			childAddr, err := dup.PhysAddr(z.Addr)
			if err != nil {
				t.Fatal(err)
			}
			if childAddr == parentAddr {
				t.Fatal("expected private page to be copied")
			}
			if !bytes.HasPrefix(mem.Bytes(mm.FrameFromAddress(childAddr)), []byte("parent")) {
				t.Fatal("expected copied page to hold the parent data")
			}
			copy(mem.Bytes(mm.FrameFromAddress(parentAddr)), "change")
			if !bytes.HasPrefix(mem.Bytes(mm.FrameFromAddress(childAddr)), []byte("parent")) {
				t.Fatal("expected parent writes to not be visible in the copy")
			}

			for off := uintptr(0); off < seg.Size(); off += mm.PageSize {
				got, err := dup.PhysAddr(shmAddr + off)
				if err != nil || got != seg.Frame(off).Address() {
					t.Fatalf("expected shared page +%x to map %x; got %x, %v", off, seg.Frame(off).Address(), got, err)
				}
				if refs := m.Frames().Lookup(seg.Frame(off)).Refs(); refs != 3 {
					t.Fatalf("expected shared frame to have 3 references; got %d", refs)
				}
			}

			dup.Free()
			if err = s.DetachShm(shmAddr); err != nil {
				t.Fatal(err)
			}
			if got := seg.Attached(); got != 0 {
				t.Fatalf("expected segment to be detached; got %d attachments", got)
			}
			if _, ok := s.FindShm(shmAddr); ok {
				t.Fatal("expected attachment record to be removed")
			}
			if err = s.DetachShm(shmAddr); err != errShmNotFound {
				t.Fatalf("expected errShmNotFound; got %v", err)
			}

			s.Free()
			seg.Destroy()
			if got := usedFrames(m); got != usedBefore {
				t.Fatalf("expected %d used frames after teardown; got %d", usedBefore, got)
			}
		})
	}
}

func TestSpaceRefs(t *testing.T) {
	m, _ := newTestManager(t, vmm.X86{})
	usedBefore := usedFrames(m)

	s, _ := m.NewSpace()
	if _, err := s.Alloc(0, 0, mm.PageSize, 0, mm.ProtRead, 0, nil); err != nil {
		t.Fatal(err)
	}
	if err := s.Populate(UserBase, mm.PageSize); err != nil {
		t.Fatal(err)
	}

	s.Ref()
	s.Free()
	if _, ok := s.FindZone(UserBase); !ok {
		t.Fatal("expected space to survive while referenced")
	}

	s.Free()
	if got := usedFrames(m); got != usedBefore {
		t.Fatalf("expected %d used frames; got %d", usedBefore, got)
	}
}

func TestFreeCorruptRegion(t *testing.T) {
	m, _ := newTestManager(t, vmm.X86{})
	var caught []interface{}
	m.SetPanicHandler(func(e interface{}) { caught = append(caught, e) })

	s, _ := m.NewSpace()
	z, err := s.Alloc(0, 0, 2*mm.PageSize, 0, mm.ProtRead, 0, nil)
	if err != nil {
		t.Fatal(err)
	}

	// The zone's range is returned behind the space's back
	if err = s.region.Free(z.Addr, z.Size); err != nil {
		t.Fatal(err)
	}

	s.Free()
	if len(caught) != 1 || caught[0] != errRegionNotAllocated {
		t.Fatalf("expected errRegionNotAllocated to be reported; got %v", caught)
	}
}

func TestMapRange(t *testing.T) {
	m, _ := newTestManager(t, vmm.X86{})
	s, _ := m.NewSpace()

	if err := s.MapRange(0x10000, mm.Frame(0x10000), mm.PageSize, mm.ProtRead); err != errRegionNotAllocated {
		t.Fatalf("expected errRegionNotAllocated; got %v", err)
	}

	z, _ := s.Alloc(0x10000, 0, 2*mm.PageSize, 0, mm.ProtRead, 0, nil)
	if err := s.MapRange(z.Addr, mm.Frame(0x10000), 2*mm.PageSize, mm.ProtRead); err != nil {
		t.Fatal(err)
	}
	if err := s.ProtectRange(z.Addr, 2*mm.PageSize, mm.ProtRead|mm.ProtWrite); err != nil {
		t.Fatal(err)
	}
	if err := s.Fault(z.Addr+mm.PageSize, mm.ProtWrite); err != nil {
		t.Fatalf("expected write to the reprotected range to succeed; got %v", err)
	}
	if err := s.UnmapRange(z.Addr, 2*mm.PageSize); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Driver().Translate(s.PageTable(), z.Addr); err != vmm.ErrInvalidMapping {
		t.Fatalf("expected ErrInvalidMapping; got %v", err)
	}
}

func TestSpaceDump(t *testing.T) {
	m, _ := newTestManager(t, vmm.X86{})
	s, _ := m.NewSpace()

	if _, err := s.Alloc(0, 0, 2*mm.PageSize, 0, mm.ProtRead|mm.ProtWrite, 0, nil); err != nil {
		t.Fatal(err)
	}
	seg, err := m.NewShm(mm.PageSize)
	if err != nil {
		t.Fatal(err)
	}
	if _, err = s.AttachShm(0x10000, seg, mm.ProtRead|mm.ProtExec); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	s.Dump(&buf)

	exp := "  zones:\n" +
		"    0x0000000000001000 - 0x0000000000003000 RW-\n" +
		"    0x0000000000010000 - 0x0000000000011000 R-X\n" +
		"  shms:\n" +
		"    0x0000000000010000 - 0x0000000000011000 1\n" +
		"  free ranges:\n" +
		"    0x0000000000003000 - 0x0000000000010000\n" +
		"    0x0000000000011000 - 0x0000800000000000\n"
	if got := buf.String(); got != exp {
		t.Fatalf("expected output:\n%q\ngot:\n%q", exp, got)
	}
}
