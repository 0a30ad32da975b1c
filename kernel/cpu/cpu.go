// Package cpu models the per-core architectural state that the memory
// subsystem reads and writes: the paging root register, the TLB, the fault
// address register and the halt line.
package cpu

import "sync/atomic"

// Core holds the architectural state of a single processor core. All methods
// are safe for concurrent use; a core is normally driven by a single
// goroutine but other cores inspect its halt and root state.
type Core struct {
	id uint32

	activeRoot uintptr
	faultAddr  uintptr
	halted     uint32
	intrOn     uint32

	rootSwitches uint64
	invalidated  uint64
	lastInvAddr  uintptr
}

// NewCore returns a core with the given ID. Interrupts start disabled and
// the paging root is unset.
func NewCore(id uint32) *Core {
	return &Core{id: id}
}

// ID returns the core identifier.
func (c *Core) ID() uint32 {
	return c.id
}

// EnableInterrupts enables interrupt handling.
func (c *Core) EnableInterrupts() {
	atomic.StoreUint32(&c.intrOn, 1)
}

// DisableInterrupts disables interrupt handling.
func (c *Core) DisableInterrupts() {
	atomic.StoreUint32(&c.intrOn, 0)
}

// InterruptsEnabled reports whether the core accepts interrupts.
func (c *Core) InterruptsEnabled() bool {
	return atomic.LoadUint32(&c.intrOn) == 1
}

// SwitchRoot sets the paging root register to the physical address of the
// supplied root table. Loading the root discards every cached translation.
func (c *Core) SwitchRoot(rootPhysAddr uintptr) {
	atomic.StoreUintptr(&c.activeRoot, rootPhysAddr)
	atomic.AddUint64(&c.rootSwitches, 1)
}

// ActiveRoot returns the physical address of the currently active root
// table.
func (c *Core) ActiveRoot() uintptr {
	return atomic.LoadUintptr(&c.activeRoot)
}

// RootSwitches returns the number of SwitchRoot calls.
func (c *Core) RootSwitches() uint64 {
	return atomic.LoadUint64(&c.rootSwitches)
}

// FlushTLBEntry invalidates the cached translation for virtAddr.
func (c *Core) FlushTLBEntry(virtAddr uintptr) {
	atomic.StoreUintptr(&c.lastInvAddr, virtAddr)
	atomic.AddUint64(&c.invalidated, 1)
}

// TLBFlushes returns the number of FlushTLBEntry calls and the address
// passed to the last one.
func (c *Core) TLBFlushes() (uint64, uintptr) {
	return atomic.LoadUint64(&c.invalidated), atomic.LoadUintptr(&c.lastInvAddr)
}

// SetFaultAddr latches the faulting virtual address (CR2, FAR_EL1 or stval
// depending on the architecture).
func (c *Core) SetFaultAddr(addr uintptr) {
	atomic.StoreUintptr(&c.faultAddr, addr)
}

// FaultAddr returns the last latched fault address.
func (c *Core) FaultAddr() uintptr {
	return atomic.LoadUintptr(&c.faultAddr)
}

// Halt stops instruction execution on this core. A halted core stays halted.
func (c *Core) Halt() {
	c.DisableInterrupts()
	atomic.StoreUint32(&c.halted, 1)
}

// Halted reports whether Halt has been called.
func (c *Core) Halted() bool {
	return atomic.LoadUint32(&c.halted) == 1
}
