package pmm

import (
	"math/bits"
	"vmkern/kernel"
	"vmkern/kernel/mm"
	"vmkern/kernel/sync"
)

var (
	errAllocReferenced = &kernel.Error{Module: "pmm", Message: "allocating referenced frame"}
	errDoubleFree      = &kernel.Error{Module: "pmm", Message: "frame double free"}
	errFreeUnallocated = &kernel.Error{Module: "pmm", Message: "free of unallocated frame"}
)

// FrameRecord tracks the reference count and flags of a physical frame
// owned by a Pool.
type FrameRecord struct {
	// Frame is the physical frame described by this record.
	Frame mm.Frame

	// Flags is reserved for use by the frame owner.
	Flags uint32

	refs uint32
}

// Refs returns the number of references to the frame.
func (r *FrameRecord) Refs() uint32 {
	return r.refs
}

// Pool manages a contiguous range of physical frames using a bitmap where
// each set bit marks a used frame. The first admin frames of the range hold
// the pool bookkeeping and are permanently marked as used.
type Pool struct {
	lock sync.Spinlock

	start mm.Frame
	count uint64

	bitmap  []uint64
	records []FrameRecord

	// firstFree is the lowest index that may be free. It equals count when
	// the pool is exhausted.
	firstFree uint64

	used  uint64
	admin uint64
}

// NewPool creates a pool for count frames starting at start. The first
// admin frames are flagged as used and referenced once.
func NewPool(start mm.Frame, count, admin uint64) *Pool {
	if admin > count {
		admin = count
	}

	p := &Pool{
		start:   start,
		count:   count,
		bitmap:  make([]uint64, (count+63)>>6),
		records: make([]FrameRecord, count),
		used:    admin,
		admin:   admin,
	}

	for i := uint64(0); i < count; i++ {
		p.records[i].Frame = start + mm.Frame(i)
		if i < admin {
			p.records[i].refs = 1
			p.setBit(i)
		}
	}

	p.firstFree = admin
	return p
}

// Start returns the first frame managed by the pool.
func (p *Pool) Start() mm.Frame { return p.start }

// Count returns the number of frames managed by the pool.
func (p *Pool) Count() uint64 { return p.count }

// Contains returns true if f belongs to the pool.
func (p *Pool) Contains(f mm.Frame) bool {
	return f >= p.start && uint64(f-p.start) < p.count
}

// Stats returns the number of used and administrative frames.
func (p *Pool) Stats() (used, admin uint64) {
	p.lock.Acquire()
	used, admin = p.used, p.admin
	p.lock.Release()
	return used, admin
}

// FirstFree returns the index of the first frame the allocator will
// consider. It is never larger than Count().
func (p *Pool) FirstFree() uint64 {
	p.lock.Acquire()
	defer p.lock.Release()
	return p.firstFree
}

// VisitFrames invokes visitor for every frame in the pool with the frame's
// allocation state.
func (p *Pool) VisitFrames(visitor func(f mm.Frame, used bool)) {
	p.lock.Acquire()
	defer p.lock.Release()

	for i := uint64(0); i < p.count; i++ {
		visitor(p.start+mm.Frame(i), p.bitSet(i))
	}
}

func (p *Pool) bitSet(i uint64) bool {
	return p.bitmap[i>>6]&(1<<(i&63)) != 0
}

func (p *Pool) setBit(i uint64) {
	p.bitmap[i>>6] |= 1 << (i & 63)
}

func (p *Pool) clearBit(i uint64) {
	p.bitmap[i>>6] &^= 1 << (i & 63)
}

// updateFirstFree moves the cursor to the first clear bit at or after from.
func (p *Pool) updateFirstFree(from uint64) {
	for word := from >> 6; word < uint64(len(p.bitmap)); word++ {
		// Ignore bits below from in the first word
		inv := ^p.bitmap[word]
		if word == from>>6 {
			inv &^= (1 << (from & 63)) - 1
		}
		if inv == 0 {
			continue
		}

		if idx := word<<6 + uint64(bits.TrailingZeros64(inv)); idx < p.count {
			p.firstFree = idx
			return
		}
		break
	}

	p.firstFree = p.count
}

// alloc reserves the frame at the cursor. It returns false if the pool is
// exhausted.
func (p *Pool) alloc() (mm.Frame, bool, *kernel.Error) {
	p.lock.Acquire()
	defer p.lock.Release()

	if p.firstFree >= p.count {
		return mm.InvalidFrame, false, nil
	}

	index := p.firstFree
	rec := &p.records[index]
	if rec.refs != 0 {
		return mm.InvalidFrame, false, errAllocReferenced
	}

	p.setBit(index)
	rec.refs = 1
	p.used++
	p.updateFirstFree(index)
	return rec.Frame, true, nil
}

// allocContiguous reserves n consecutive frames. It returns false if no
// run of n free frames exists in the pool.
func (p *Pool) allocContiguous(n uint64) (mm.Frame, bool, *kernel.Error) {
	p.lock.Acquire()
	defer p.lock.Release()

	for off := p.firstFree; off+n <= p.count; off++ {
		if p.bitSet(off) {
			continue
		}

		var k uint64
		for k = 1; k < n && !p.bitSet(off+k); k++ {
		}
		if k < n {
			// Resume the scan after the used frame that broke the run
			off += k
			continue
		}

		for k = 0; k < n; k++ {
			rec := &p.records[off+k]
			if rec.refs != 0 {
				return mm.InvalidFrame, false, errAllocReferenced
			}
			rec.refs = 1
			p.setBit(off + k)
		}

		if p.firstFree == off {
			p.updateFirstFree(off + n)
		}
		p.used += n
		return p.records[off].Frame, true, nil
	}

	return mm.InvalidFrame, false, nil
}

// release drops a reference to f and clears its bitmap entry once the last
// reference is gone.
func (p *Pool) release(f mm.Frame) *kernel.Error {
	p.lock.Acquire()
	defer p.lock.Release()

	index := uint64(f - p.start)
	rec := &p.records[index]
	if rec.refs == 0 {
		return errDoubleFree
	}
	if !p.bitSet(index) {
		return errFreeUnallocated
	}

	rec.refs--
	if rec.refs != 0 {
		return nil
	}

	p.clearBit(index)
	if index < p.firstFree {
		p.firstFree = index
	}
	p.used--
	return nil
}

func (p *Pool) ref(f mm.Frame) {
	p.lock.Acquire()
	p.records[f-p.start].refs++
	p.lock.Release()
}

// fetch claims f for its current user. The frame is flagged as used if it
// was free and gains a reference.
func (p *Pool) fetch(f mm.Frame) {
	p.lock.Acquire()
	defer p.lock.Release()

	index := uint64(f - p.start)
	if !p.bitSet(index) {
		p.setBit(index)
		p.used++
	}

	p.records[index].refs++
	if index == p.firstFree {
		p.updateFirstFree(index)
	}
}

func (p *Pool) record(f mm.Frame) *FrameRecord {
	return &p.records[f-p.start]
}
