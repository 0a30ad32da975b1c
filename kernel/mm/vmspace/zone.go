package vmspace

import (
	"vmkern/kernel"
	"vmkern/kernel/mm"
)

// Backing supplies the frames of a zone that is not anonymous memory.
type Backing interface {
	// Fault returns the frame holding the data at offset off of the
	// backing object. The returned frame carries a reference that is
	// handed over to the mapping.
	Fault(z *Zone, off uintptr) (mm.Frame, *kernel.Error)
}

// ZoneOpener is implemented by backings that track the zones referencing
// them. Open is called whenever a zone is created from another one by a
// split or a duplication.
type ZoneOpener interface {
	Open(z *Zone)
}

// ZoneCloser is implemented by backings that need to know when a zone
// referencing them goes away.
type ZoneCloser interface {
	Close(z *Zone)
}

// Zone describes one mapped range of an address space and how its pages
// are produced on a fault. Zones without a backing are anonymous memory
// and fault in zeroed frames.
type Zone struct {
	Addr uintptr
	Size uintptr

	// Off is the offset into the backing object of the first page.
	Off uintptr

	Prot    mm.Prot
	Flags   uint32
	Backing Backing
}

// End returns the first address past the zone.
func (z *Zone) End() uintptr {
	return z.Addr + z.Size
}

// Contains returns true if addr lies inside the zone.
func (z *Zone) Contains(addr uintptr) bool {
	return addr >= z.Addr && addr < z.End()
}

// dup returns a zone sharing the backing of z for [addr, addr+size) that
// starts at offset off of the backing object.
func (z *Zone) dup(addr, size, off uintptr) *Zone {
	return &Zone{
		Addr:    addr,
		Size:    size,
		Off:     off,
		Prot:    z.Prot,
		Flags:   z.Flags,
		Backing: z.Backing,
	}
}

func (z *Zone) open() {
	if o, ok := z.Backing.(ZoneOpener); ok {
		o.Open(z)
	}
}

func (z *Zone) close() {
	if c, ok := z.Backing.(ZoneCloser); ok {
		c.Close(z)
	}
}

// protString renders prot the way zone dumps show it.
func protString(prot mm.Prot) string {
	buf := [3]byte{'-', '-', '-'}
	if prot&mm.ProtRead != 0 {
		buf[0] = 'R'
	}
	if prot&mm.ProtWrite != 0 {
		buf[1] = 'W'
	}
	if prot&mm.ProtExec != 0 {
		buf[2] = 'X'
	}
	return string(buf[:])
}
