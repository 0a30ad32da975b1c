package smp

import (
	"sync/atomic"
	"vmkern/kernel/kfmt"
	"vmkern/kernel/sync"
)

// SendIPI raises an inter-processor interrupt on target. An idle target
// services it immediately; a busy target services it on its next Poll.
func (s *CPUSet) SendIPI(target *CPU) {
	atomic.StoreUint32(&target.ipiPending, 1)
}

// IPIOthers sends an IPI to every core except from.
func (s *CPUSet) IPIOthers(from *CPU) {
	for _, c := range s.cpus {
		if c != from {
			s.SendIPI(c)
		}
	}
}

// Poll services a pending IPI on c. It must be called by the goroutine
// driving c at points where the core would accept interrupts. It returns
// true if an IPI was serviced.
func (s *CPUSet) Poll(c *CPU) bool {
	return s.service(c, c, true)
}

// serviceIdle runs the IPI handler of every idle core on behalf of caller.
// Idle cores wait in a halt instruction, so an IPI wakes them up right away.
func (s *CPUSet) serviceIdle(caller *CPU) {
	for _, c := range s.cpus {
		if c != caller && !c.Busy() {
			s.service(c, caller, false)
		}
	}
}

// service handles a pending IPI of c from the goroutine that drives caller.
// The IPI trap takes the kernel lock and leaves through SyncLeave so that
// a core inside a Sync barrier is accounted for. When drive is false, c is
// not driven by the calling goroutine and never waits.
func (s *CPUSet) service(c, caller *CPU, drive bool) bool {
	if atomic.SwapUint32(&c.ipiPending, 0) == 0 {
		return false
	}

	if atomic.LoadUint32(&s.panicking) != 0 {
		s.freeze(c, drive)
		return true
	}

	s.lockFor(c, caller)
	if s.ipiHandler != nil {
		s.ipiHandler(c)
	}
	s.leave(c, caller, drive)
	return true
}

// Sync makes every core in mask pass through the kernel lock before it
// returns, which guarantees that they observe the current kernel mappings.
// The caller must hold the kernel lock; it is released while waiting and
// held again when Sync returns.
func (s *CPUSet) Sync(c *CPU, mask Mask) {
	n := uint32(len(s.cpus))
	if n == 1 {
		return
	}

	atomic.StoreUint32(&s.syncCount, 1)
	s.syncMask.store(0)
	for _, other := range s.cpus {
		if other == c {
			continue
		}
		if !mask.Has(other.id) {
			atomic.AddUint32(&s.syncCount, 1)
			continue
		}
		s.syncMask.set(other.id)
		s.SendIPI(other)
	}

	s.Unlock(c)
	s.serviceIdle(c)
	sync.SpinUntil(func() bool {
		return atomic.LoadUint32(&s.syncCount) >= n
	}, func() { s.checkPanic(c) })
	s.Lock(c)

	if atomic.LoadUint32(&s.syncCount) != n {
		s.panicFn(errBogusSync)
	}
	atomic.StoreUint32(&s.syncCount, 0)
}

// SyncLeave releases the kernel lock held by c. If c is a participant of a
// Sync barrier, it checks in and waits until the initiating core releases
// the barrier.
func (s *CPUSet) SyncLeave(c *CPU) {
	s.leave(c, c, true)
}

func (s *CPUSet) leave(c, caller *CPU, wait bool) {
	if atomic.LoadUint32(&s.syncCount) == 0 || !s.syncMask.clearIfSet(c.id) {
		s.Unlock(c)
		return
	}

	atomic.AddUint32(&s.syncCount, 1)
	s.Unlock(c)
	if !wait {
		return
	}

	sync.SpinUntil(func() bool {
		return atomic.LoadUint32(&s.syncCount) == 0
	}, func() { s.checkPanic(caller) })
}

// Panicking reports whether a panic is in progress.
func (s *CPUSet) Panicking() bool {
	return atomic.LoadUint32(&s.panicking) != 0
}

// Panic halts every core, prints the panic banner for e and halts c. The
// remaining cores stop when they service the IPI or the next time they spin
// on the kernel lock or a barrier. Panic does not return unless the freeze
// function has been replaced by a test.
func (s *CPUSet) Panic(c *CPU, e interface{}) {
	c.core.DisableInterrupts()
	atomic.StoreUint32(&c.frozen, 1)
	atomic.AddUint32(&s.panicking, 1)
	s.IPIOthers(c)
	s.serviceIdle(c)

	n := uint32(len(s.cpus))
	sync.SpinUntil(func() bool {
		return atomic.LoadUint32(&s.panicking) >= n
	}, nil)

	kfmt.DumpPanic(e)
	c.core.Halt()
	freezeFn()
}

// checkPanic stops the core driven by the calling goroutine if a panic is
// in progress.
func (s *CPUSet) checkPanic(c *CPU) {
	if atomic.LoadUint32(&s.panicking) != 0 {
		s.freeze(c, true)
	}
}

// freeze halts c as part of a panic. The calling goroutine is parked when
// it drives c.
func (s *CPUSet) freeze(c *CPU, park bool) {
	if atomic.CompareAndSwapUint32(&c.frozen, 0, 1) {
		c.core.Halt()
		atomic.AddUint32(&s.panicking, 1)
	}
	if park {
		freezeFn()
	}
}
