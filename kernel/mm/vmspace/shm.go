package vmspace

import (
	"sync/atomic"
	"vmkern/kernel"
	"vmkern/kernel/mm"
)

var errShmRange = &kernel.Error{Module: "vmspace", Message: "offset past the end of the shared memory segment"}

// ShmSegment is a set of frames that can be attached to several address
// spaces at once. The segment holds one reference to each of its frames
// until Destroy is called.
type ShmSegment struct {
	id     int
	frames []mm.Frame
	mgr    *Manager

	// attached counts the zones currently referencing the segment.
	attached int32
}

// Shm records the attachment of a shared memory segment to an address
// space.
type Shm struct {
	Addr uintptr
	Size uintptr
	ID   int
}

// NewShm allocates a zeroed shared memory segment of size bytes.
func (m *Manager) NewShm(size uintptr) (*ShmSegment, *kernel.Error) {
	if size == 0 || !mm.PageAligned(size) {
		return nil, errUnalignedRange
	}

	seg := &ShmSegment{
		id:     int(atomic.AddInt32(&m.shmID, 1)),
		frames: make([]mm.Frame, size>>mm.PageShift),
		mgr:    m,
	}

	for i := range seg.frames {
		f, err := m.frames.AllocZeroedFrame()
		if err != nil {
			for _, allocated := range seg.frames[:i] {
				m.frames.Free(allocated)
			}
			return nil, err
		}
		seg.frames[i] = f
	}

	return seg, nil
}

// ID returns the identifier of the segment.
func (seg *ShmSegment) ID() int { return seg.id }

// Size returns the size of the segment in bytes.
func (seg *ShmSegment) Size() uintptr {
	return uintptr(len(seg.frames)) << mm.PageShift
}

// Attached returns the number of zones that reference the segment.
func (seg *ShmSegment) Attached() int {
	return int(atomic.LoadInt32(&seg.attached))
}

// Frame returns the frame backing the page at off.
func (seg *ShmSegment) Frame(off uintptr) mm.Frame {
	return seg.frames[off>>mm.PageShift]
}

// Destroy drops the references held by the segment. Frames that are still
// mapped stay allocated until the last mapping goes away.
func (seg *ShmSegment) Destroy() {
	for _, f := range seg.frames {
		seg.mgr.frames.Free(f)
	}
	seg.frames = nil
}

// Fault implements Backing.
func (seg *ShmSegment) Fault(_ *Zone, off uintptr) (mm.Frame, *kernel.Error) {
	if off >= seg.Size() {
		return mm.InvalidFrame, errShmRange
	}

	f := seg.Frame(off)
	seg.mgr.frames.RefFrame(f)
	return f, nil
}

// Open implements ZoneOpener.
func (seg *ShmSegment) Open(*Zone) {
	atomic.AddInt32(&seg.attached, 1)
}

// Close implements ZoneCloser.
func (seg *ShmSegment) Close(*Zone) {
	atomic.AddInt32(&seg.attached, -1)
}

// AttachShm maps seg into the space at hint (or the lowest free address if
// hint is zero) and returns the attachment address. Pages are mapped on
// first access.
func (s *AddressSpace) AttachShm(hint uintptr, seg *ShmSegment, prot mm.Prot) (uintptr, *kernel.Error) {
	z, err := s.Alloc(hint, 0, seg.Size(), 0, prot, 0, seg)
	if err != nil {
		return 0, err
	}
	seg.Open(z)

	s.lock.Acquire()
	s.shms = append(s.shms, &Shm{Addr: z.Addr, Size: z.Size, ID: seg.ID()})
	s.lock.Release()
	return z.Addr, nil
}

// FindShm returns the attachment that starts at addr.
func (s *AddressSpace) FindShm(addr uintptr) (*Shm, bool) {
	s.lock.Acquire()
	defer s.lock.Release()

	for _, shm := range s.shms {
		if shm.Addr == addr {
			return shm, true
		}
	}
	return nil, false
}

// DetachShm unmaps the shared memory attached at addr.
func (s *AddressSpace) DetachShm(addr uintptr) *kernel.Error {
	shm, ok := s.FindShm(addr)
	if !ok {
		return errShmNotFound
	}

	if err := s.Release(shm.Addr, shm.Size); err != nil {
		return err
	}

	s.lock.Acquire()
	for i, it := range s.shms {
		if it == shm {
			s.shms = append(s.shms[:i], s.shms[i+1:]...)
			break
		}
	}
	s.lock.Release()
	return nil
}

// sharedLocked reports whether addr belongs to a shared memory attachment.
func (s *AddressSpace) sharedLocked(addr uintptr) bool {
	for _, shm := range s.shms {
		if addr >= shm.Addr && addr < shm.Addr+shm.Size {
			return true
		}
	}
	return false
}
