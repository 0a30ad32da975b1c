package smp

import (
	"sync/atomic"
	"vmkern/kernel"
	"vmkern/kernel/cpu"
	"vmkern/kernel/kfmt"
	"vmkern/kernel/mm/vmspace"
	"vmkern/kernel/sync"
)

var (
	// freezeFn parks a core that has been halted by a panic. Tests replace
	// it with runtime.Goexit.
	freezeFn = func() { select {} }

	errBadCPUCount  = &kernel.Error{Module: "smp", Message: "unsupported number of cores"}
	errBogusSync    = &kernel.Error{Module: "smp", Message: "bogus cpu sync cpus count"}
	errNotLockOwner = &kernel.Error{Module: "smp", Message: "kernel lock released by a core that does not hold it"}
)

// CPUSet owns the cores of the machine together with the kernel lock.
type CPUSet struct {
	cpus []*CPU
	mgr  *vmspace.Manager

	lock   sync.Spinlock
	holder atomic.Pointer[CPU]

	// panicking counts the cores that have stopped because of a panic.
	// Any non-zero value means that a panic is in progress.
	panicking uint32

	syncCount uint32
	syncMask  atomicMask

	ipiHandler func(c *CPU)
	panicFn    func(interface{})
}

// NewCPUSet creates count cores that share the kernel mappings of mgr. The
// manager is set up to invalidate translations on the core that holds the
// kernel lock.
func NewCPUSet(mgr *vmspace.Manager, count int) (*CPUSet, *kernel.Error) {
	if count < 1 || count > MaxCPUs {
		return nil, errBadCPUCount
	}

	s := &CPUSet{
		cpus:    make([]*CPU, count),
		mgr:     mgr,
		panicFn: kfmt.Panic,
	}
	for i := range s.cpus {
		s.cpus[i] = &CPU{id: uint32(i), core: cpu.NewCore(uint32(i))}
	}

	mgr.SetCurrentCoreFn(s.currentCore)
	return s, nil
}

// SetIPIHandler registers the function that runs, with the kernel lock
// held, when a core services an IPI.
func (s *CPUSet) SetIPIHandler(fn func(c *CPU)) {
	s.ipiHandler = fn
}

// SetPanicHandler replaces the handler invoked when an internal invariant
// is violated.
func (s *CPUSet) SetPanicHandler(fn func(interface{})) {
	s.panicFn = fn
}

// Len returns the number of cores.
func (s *CPUSet) Len() int { return len(s.cpus) }

// CPU returns the core with the supplied ID.
func (s *CPUSet) CPU(id uint32) *CPU { return s.cpus[id] }

// All returns a mask containing every core.
func (s *CPUSet) All() Mask {
	if len(s.cpus) == MaxCPUs {
		return ^Mask(0)
	}
	return Mask(1)<<uint(len(s.cpus)) - 1
}

// Manager returns the memory manager shared by the cores.
func (s *CPUSet) Manager() *vmspace.Manager { return s.mgr }

// Holder returns the core that holds the kernel lock or nil.
func (s *CPUSet) Holder() *CPU { return s.holder.Load() }

// currentCore returns the core that owns the kernel lock. Before any core
// takes the lock, only the boot core runs.
func (s *CPUSet) currentCore() *cpu.Core {
	if c := s.holder.Load(); c != nil {
		return c.core
	}
	return s.cpus[0].core
}

// Busy marks c as driven by the calling goroutine. IPIs sent to a busy core
// are serviced when it calls Poll.
func (s *CPUSet) Busy(c *CPU) {
	atomic.StoreUint32(&c.busy, 1)
}

// Idle marks c as idle. Any IPI that is already pending is serviced right
// away.
func (s *CPUSet) Idle(c *CPU) {
	atomic.StoreUint32(&c.busy, 0)
	s.service(c, c, false)
}

// Lock acquires the kernel lock for c. While spinning, c honors a pending
// panic. Once the lock is held, the paging root of c is reloaded if the
// kernel mappings or the mappings of its address space changed since it was
// last loaded.
func (s *CPUSet) Lock(c *CPU) {
	s.lockFor(c, c)
}

// lockFor acquires the kernel lock on behalf of c from the goroutine that
// drives caller.
func (s *CPUSet) lockFor(c, caller *CPU) {
	sync.SpinUntil(s.lock.TryToAcquire, func() { s.checkPanic(caller) })
	s.holder.Store(c)
	s.reload(c)
}

// Unlock releases the kernel lock held by c.
func (s *CPUSet) Unlock(c *CPU) {
	if !s.holder.CompareAndSwap(c, nil) {
		s.panicFn(errNotLockOwner)
		return
	}
	s.lock.Release()
}

// SwitchSpace installs space as the address space of the thread running on
// c and loads its page table. The caller must hold the kernel lock.
func (s *CPUSet) SwitchSpace(c *CPU, space *vmspace.AddressSpace) {
	c.space = space
	s.reload(c)
}

// reload loads the paging root of c when its cached revisions are stale. A
// reload that turns out to be redundant only costs the flushed TLB.
func (s *CPUSet) reload(c *CPU) {
	drv := s.mgr.Driver()
	vmRev := s.mgr.Revision()

	pt := drv.KernelTable()
	var spaceRev uint64
	if c.space != nil {
		pt = c.space.PageTable()
		spaceRev = c.space.Revision()
	}

	if c.loaded && c.loadedSpace == c.space && c.vmRevision == vmRev && c.spaceRevision == spaceRev {
		return
	}

	drv.Activate(c.core, pt)
	c.loaded = true
	c.loadedSpace = c.space
	c.vmRevision = vmRev
	c.spaceRevision = spaceRev
}
