package irq

import (
	"sync/atomic"
	"vmkern/kernel/gate"
	"vmkern/kernel/smp"
)

// EOIController acknowledges interrupts so that the interrupt controller can
// deliver the next one.
type EOIController interface {
	EOI(cpu uint32, v gate.Vector)
}

// PIC models the pair of cascaded legacy 8259 controllers. Lines 8-15 are
// wired to the slave controller which needs its own acknowledgement.
type PIC struct {
	masterEOIs uint64
	slaveEOIs  uint64
}

// EOI implements EOIController.
func (p *PIC) EOI(_ uint32, v gate.Vector) {
	if v < gate.FirstIRQ {
		return
	}

	if v-gate.FirstIRQ >= 8 {
		atomic.AddUint64(&p.slaveEOIs, 1)
	}
	atomic.AddUint64(&p.masterEOIs, 1)
}

// Stats returns the number of acknowledgements sent to the master and slave
// controllers.
func (p *PIC) Stats() (master, slave uint64) {
	return atomic.LoadUint64(&p.masterEOIs), atomic.LoadUint64(&p.slaveEOIs)
}

// APIC models the local APIC of each core. When paravirtualized EOI is
// enabled, the hypervisor flags interrupts that need no local APIC write by
// setting a per-core word to 1; acknowledging such an interrupt only clears
// the word.
type APIC struct {
	pvEOI bool

	pvWords [smp.MaxCPUs]uint32
	eois    [smp.MaxCPUs]uint64
}

// NewAPIC returns an APIC controller.
func NewAPIC(pvEOI bool) *APIC {
	return &APIC{pvEOI: pvEOI}
}

// SetPVPending marks the next interrupt of cpu as eligible for the
// paravirtualized fast path.
func (a *APIC) SetPVPending(cpu uint32) {
	atomic.StoreUint32(&a.pvWords[cpu], 1)
}

// EOI implements EOIController.
func (a *APIC) EOI(cpu uint32, _ gate.Vector) {
	if a.pvEOI && atomic.CompareAndSwapUint32(&a.pvWords[cpu], 1, 0) {
		return
	}
	atomic.AddUint64(&a.eois[cpu], 1)
}

// LocalEOIs returns the number of local APIC EOI writes issued by cpu.
func (a *APIC) LocalEOIs(cpu uint32) uint64 {
	return atomic.LoadUint64(&a.eois[cpu])
}
