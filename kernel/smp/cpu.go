// Package smp coordinates the cores of the machine: the big kernel lock that
// serializes kernel work, the cross-core synchronization barrier and the
// panic freeze that halts every core.
package smp

import (
	"sync/atomic"
	"vmkern/kernel/cpu"
	"vmkern/kernel/mm/vmspace"
)

// CPU is the kernel bookkeeping for a single core.
type CPU struct {
	id   uint32
	core *cpu.Core

	// busy is set while a goroutine drives the core. Idle cores service
	// IPIs as soon as they are sent.
	busy uint32

	ipiPending  uint32
	mustResched uint32
	frozen      uint32

	// space is the address space of the thread running on the core. The
	// revisions of the kernel mappings and of space at the time the root
	// was last loaded are cached so that a stale root can be detected
	// when the kernel lock is taken.
	space         *vmspace.AddressSpace
	loaded        bool
	loadedSpace   *vmspace.AddressSpace
	vmRevision    uint64
	spaceRevision uint64
}

// ID returns the core ID.
func (c *CPU) ID() uint32 { return c.id }

// Core returns the architectural state of the core.
func (c *CPU) Core() *cpu.Core { return c.core }

// Space returns the address space of the thread running on the core.
func (c *CPU) Space() *vmspace.AddressSpace { return c.space }

// Busy reports whether a goroutine currently drives the core.
func (c *CPU) Busy() bool {
	return atomic.LoadUint32(&c.busy) == 1
}

// IPIPending reports whether an IPI is waiting to be serviced.
func (c *CPU) IPIPending() bool {
	return atomic.LoadUint32(&c.ipiPending) == 1
}

// RequestResched asks the core to reschedule when it next services an IPI.
func (c *CPU) RequestResched() {
	atomic.StoreUint32(&c.mustResched, 1)
}

// TakeResched clears a pending reschedule request and reports whether there
// was one.
func (c *CPU) TakeResched() bool {
	return atomic.SwapUint32(&c.mustResched, 0) == 1
}
