package vmspace

import (
	"io"
	"sync/atomic"
	"vmkern/kernel"
	"vmkern/kernel/kfmt"
	"vmkern/kernel/mm"
	"vmkern/kernel/mm/vmm"
	"vmkern/kernel/sync"
)

// UserBase is the lowest address handed out to user mappings. The first
// page stays unmapped so that nil dereferences fault.
const UserBase = mm.PageSize

var (
	// ErrNoZone is returned when a fault hits an address that no zone
	// covers.
	ErrNoZone = &kernel.Error{Module: "vmspace", Message: "no zone covers the faulting address"}

	errNotUserRange = &kernel.Error{Module: "vmspace", Message: "range is outside of the user address space"}
	errShmNotFound  = &kernel.Error{Module: "vmspace", Message: "no shared memory attached at address"}
)

// AddressSpace is the set of user mappings of a process. It owns a page
// table whose kernel half is shared with every other address space, the
// region allocator for user addresses and the zones describing how each
// mapped range is backed.
type AddressSpace struct {
	mgr *Manager

	lock     sync.Spinlock
	pt       *vmm.PageTable
	region   *Region
	zones    []*Zone
	shms     []*Shm
	revision uint64
	refs     int32
}

// NewSpace allocates an empty address space.
func (m *Manager) NewSpace() (*AddressSpace, *kernel.Error) {
	pt, err := m.drv.NewTable()
	if err != nil {
		return nil, err
	}

	return &AddressSpace{
		mgr:    m,
		pt:     pt,
		region: NewRegion(UserBase, vmm.UserEnd-UserBase),
		refs:   1,
	}, nil
}

// PageTable returns the page table of the space.
func (s *AddressSpace) PageTable() *vmm.PageTable { return s.pt }

// Revision returns a counter that changes whenever a mapping of the space
// changes.
func (s *AddressSpace) Revision() uint64 {
	return atomic.LoadUint64(&s.revision)
}

func (s *AddressSpace) bumpRevision() {
	atomic.AddUint64(&s.revision, 1)
}

// Ref adds a reference to the space. Threads of a process share it.
func (s *AddressSpace) Ref() {
	atomic.AddInt32(&s.refs, 1)
}

// Free drops a reference to the space. Once the last reference is gone,
// every zone is released and the page table is destroyed.
func (s *AddressSpace) Free() {
	if atomic.AddInt32(&s.refs, -1) != 0 {
		return
	}

	s.lock.Acquire()
	defer s.lock.Release()

	for _, z := range s.zones {
		if err := s.unmapLocked(z.Addr, z.Size); err != nil {
			s.mgr.panicFn(err)
		}
		z.close()
	}
	s.zones = nil
	s.shms = nil
	s.mgr.drv.Cleanup(s.pt)
}

// Duplicate returns a copy of the space for a forked process. Zones and
// shared memory attachments are duplicated; private pages are copied
// eagerly while shared memory pages are mapped in both spaces.
func (s *AddressSpace) Duplicate() (*AddressSpace, *kernel.Error) {
	dup, err := s.mgr.NewSpace()
	if err != nil {
		return nil, err
	}

	s.lock.Acquire()
	defer s.lock.Release()

	dup.region = s.region.Clone()
	for _, z := range s.zones {
		dz := z.dup(z.Addr, z.Size, z.Off)
		dup.zones = append(dup.zones, dz)
		dz.open()
	}
	for _, shm := range s.shms {
		dupShm := *shm
		dup.shms = append(dup.shms, &dupShm)
	}

	if err = s.mgr.drv.Copy(dup.pt, s.pt, s.sharedLocked); err != nil {
		dup.Free()
		return nil, err
	}

	return dup, nil
}

// Alloc creates a zone of size bytes. A non-zero hint requests that exact
// address; otherwise the range is placed at the lowest free address aligned
// to align. Pages are mapped lazily by Fault.
func (s *AddressSpace) Alloc(hint, off, size, align uintptr, prot mm.Prot, flags uint32, backing Backing) (*Zone, *kernel.Error) {
	if !mm.PageAligned(hint) || !mm.PageAligned(size) {
		return nil, errUnalignedRange
	}

	s.lock.Acquire()
	defer s.lock.Release()

	addr, err := s.region.Alloc(hint, size, align)
	if err != nil {
		return nil, err
	}

	z := &Zone{Addr: addr, Size: size, Off: off, Prot: prot, Flags: flags, Backing: backing}
	s.insertZone(z)
	return z, nil
}

// insertZone adds z keeping the zone list sorted by address.
func (s *AddressSpace) insertZone(z *Zone) {
	i := 0
	for i < len(s.zones) && s.zones[i].Addr < z.Addr {
		i++
	}
	s.zones = append(s.zones, nil)
	copy(s.zones[i+1:], s.zones[i:])
	s.zones[i] = z
}

func (s *AddressSpace) removeZone(i int) {
	s.zones = append(s.zones[:i], s.zones[i+1:]...)
}

// Release removes [addr, addr+size) from the space. Zones that partially
// overlap the range are truncated or split in two.
func (s *AddressSpace) Release(addr, size uintptr) *kernel.Error {
	if !mm.PageAligned(addr) || !mm.PageAligned(size) {
		return errUnalignedRange
	}
	end := addr + size
	if end < addr {
		return errNotUserRange
	}

	s.lock.Acquire()
	defer s.lock.Release()

	for i := 0; i < len(s.zones); i++ {
		z := s.zones[i]
		if end <= z.Addr {
			break
		}
		if addr >= z.End() {
			continue
		}

		switch {
		case addr <= z.Addr && end >= z.End():
			// remove full
			if err := s.unmapLocked(z.Addr, z.Size); err != nil {
				return err
			}
			s.removeZone(i)
			i--
			z.close()
		case addr <= z.Addr:
			// truncate head
			delta := end - z.Addr
			if err := s.unmapLocked(z.Addr, delta); err != nil {
				return err
			}
			z.Addr += delta
			z.Off += delta
			z.Size -= delta
		case end >= z.End():
			// truncate tail
			delta := z.End() - addr
			if err := s.unmapLocked(addr, delta); err != nil {
				return err
			}
			z.Size -= delta
		default:
			// split
			tail := z.dup(end, z.End()-end, z.Off+end-z.Addr)
			if err := s.unmapLocked(addr, size); err != nil {
				return err
			}
			z.Size = addr - z.Addr
			s.insertZone(tail)
			tail.open()
		}
	}

	return nil
}

// Protect changes the protection of [addr, addr+size). Zones are split at
// the range boundaries so that each zone has a single protection, then the
// existing mappings are updated.
func (s *AddressSpace) Protect(addr, size uintptr, prot mm.Prot) *kernel.Error {
	if !mm.PageAligned(addr) || !mm.PageAligned(size) {
		return errUnalignedRange
	}
	end := addr + size
	if end < addr {
		return errNotUserRange
	}

	s.lock.Acquire()
	defer s.lock.Release()

	if !s.region.Test(addr, size) {
		return errRegionNotAllocated
	}

	for i := 0; i < len(s.zones); i++ {
		z := s.zones[i]
		if end <= z.Addr {
			break
		}
		if addr >= z.End() || z.Prot == prot {
			continue
		}

		if z.Addr < addr {
			// keep the head with the old protection
			tail := z.dup(addr, z.End()-addr, z.Off+addr-z.Addr)
			z.Size = addr - z.Addr
			s.insertZone(tail)
			tail.open()
			continue
		}

		if z.End() > end {
			// keep the tail with the old protection
			tail := z.dup(end, z.End()-end, z.Off+end-z.Addr)
			z.Size = end - z.Addr
			s.insertZone(tail)
			tail.open()
		}
		z.Prot = prot
	}

	return s.protectLocked(addr, size, prot)
}

// FindZone returns the zone that contains addr.
func (s *AddressSpace) FindZone(addr uintptr) (*Zone, bool) {
	s.lock.Acquire()
	defer s.lock.Release()
	z := s.findZoneLocked(addr)
	return z, z != nil
}

func (s *AddressSpace) findZoneLocked(addr uintptr) *Zone {
	for _, z := range s.zones {
		if addr < z.Addr {
			break
		}
		if addr < z.End() {
			return z
		}
	}
	return nil
}

// Zones invokes visitor for each zone in address order.
func (s *AddressSpace) Zones(visitor func(*Zone)) {
	s.lock.Acquire()
	defer s.lock.Release()
	for _, z := range s.zones {
		visitor(z)
	}
}

// Fault resolves a page fault at addr for the requested access. Pages of
// anonymous zones are backed by zeroed frames, other zones ask their
// backing. ErrNoZone is returned when no zone covers addr.
func (s *AddressSpace) Fault(addr uintptr, access mm.Prot) *kernel.Error {
	addr &^= mm.PageSize - 1
	if !s.region.Contains(addr, mm.PageSize) {
		return errNotUserRange
	}

	s.lock.Acquire()
	defer s.lock.Release()

	err := s.mgr.drv.Populate(s.mgr.coreFn(), s.pt, addr, access, s.resolveLocked)
	s.bumpRevision()
	return err
}

// resolveLocked implements vmm.Resolver for the zones of s.
func (s *AddressSpace) resolveLocked(addr uintptr, _ mm.Prot) (mm.Frame, mm.Prot, *kernel.Error) {
	z := s.findZoneLocked(addr)
	if z == nil {
		return mm.InvalidFrame, mm.ProtNone, ErrNoZone
	}

	if z.Backing != nil {
		f, err := z.Backing.Fault(z, addr-z.Addr+z.Off)
		return f, z.Prot, err
	}

	f, err := s.mgr.frames.AllocZeroedFrame()
	return f, z.Prot, err
}

// Populate faults in every page of [addr, addr+size) for reading.
func (s *AddressSpace) Populate(addr, size uintptr) *kernel.Error {
	if !mm.PageAligned(addr) || !mm.PageAligned(size) {
		return errUnalignedRange
	}

	for off := uintptr(0); off < size; off += mm.PageSize {
		if err := s.Fault(addr+off, mm.ProtRead); err != nil {
			return err
		}
	}
	return nil
}

// PhysAddr faults in the page containing addr and returns the physical
// address it is mapped to.
func (s *AddressSpace) PhysAddr(addr uintptr) (uintptr, *kernel.Error) {
	if err := s.Fault(addr, mm.ProtRead); err != nil {
		return 0, err
	}
	return s.mgr.drv.Translate(s.pt, addr)
}

// MapRange maps size bytes of physical memory starting at frame to addr.
// The range must have been allocated from the space.
func (s *AddressSpace) MapRange(addr uintptr, frame mm.Frame, size uintptr, prot mm.Prot) *kernel.Error {
	s.lock.Acquire()
	defer s.lock.Release()

	if !s.region.Test(addr, size) {
		return errRegionNotAllocated
	}

	if err := s.mgr.drv.Map(s.mgr.coreFn(), s.pt, addr, frame, size, prot); err != nil {
		return err
	}
	s.bumpRevision()
	return nil
}

// UnmapRange removes the mappings of [addr, addr+size) and returns the range
// to the region allocator.
func (s *AddressSpace) UnmapRange(addr, size uintptr) *kernel.Error {
	s.lock.Acquire()
	defer s.lock.Release()
	return s.unmapLocked(addr, size)
}

func (s *AddressSpace) unmapLocked(addr, size uintptr) *kernel.Error {
	if !mm.PageAligned(addr) || !mm.PageAligned(size) {
		return errUnalignedRange
	}
	if !s.region.Contains(addr, size) {
		return errNotUserRange
	}

	if err := s.mgr.drv.Unmap(s.mgr.coreFn(), s.pt, addr, size); err != nil {
		return err
	}
	s.bumpRevision()
	return s.region.Free(addr, size)
}

// ProtectRange rewrites the protection of the mappings in [addr, addr+size)
// without touching the zones.
func (s *AddressSpace) ProtectRange(addr, size uintptr, prot mm.Prot) *kernel.Error {
	s.lock.Acquire()
	defer s.lock.Release()
	return s.protectLocked(addr, size, prot)
}

func (s *AddressSpace) protectLocked(addr, size uintptr, prot mm.Prot) *kernel.Error {
	if !s.region.Test(addr, size) {
		return errRegionNotAllocated
	}

	err := s.mgr.drv.Protect(s.mgr.coreFn(), s.pt, addr, size, prot)
	s.bumpRevision()
	return err
}

// Dump writes the zones, shared memory attachments and free ranges of the
// space to w.
func (s *AddressSpace) Dump(w io.Writer) {
	s.lock.Acquire()
	defer s.lock.Release()

	kfmt.Fprintf(w, "  zones:\n")
	for _, z := range s.zones {
		kfmt.Fprintf(w, "    0x%16x - 0x%16x %s\n", uint64(z.Addr), uint64(z.End()), protString(z.Prot))
	}
	kfmt.Fprintf(w, "  shms:\n")
	for _, shm := range s.shms {
		kfmt.Fprintf(w, "    0x%16x - 0x%16x %d\n", uint64(shm.Addr), uint64(shm.Addr+shm.Size), shm.ID)
	}
	s.region.Dump(w)
}
