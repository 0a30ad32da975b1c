package vmm

import (
	"vmkern/kernel/cpu"
	"vmkern/kernel/mm"
)

// AArch64 stage 1 descriptor bits for a 4K granule.
const (
	a64Valid     = Entry(1 << 0)
	a64TableOrPg = Entry(1 << 1)
	a64AttrShift = 2
	a64AttrMask  = Entry(7 << a64AttrShift)
	a64APUser    = Entry(1 << 6)
	a64APRO      = Entry(1 << 7)
	a64SHInner   = Entry(3 << 8)
	a64AF        = Entry(1 << 10)
	a64NG        = Entry(1 << 11)
	a64PXN       = Entry(1 << 53)
	a64UXN       = Entry(1 << 54)

	// a64ProtNone is a software bit (bits 55-58 are ignored by the MMU)
	// marking a mapping whose access rights were all revoked.
	a64ProtNone = Entry(1 << 55)

	a64PhysPageMask = Entry(0x0000fffffffff000)
)

// MAIR_EL1 attribute indices programmed at boot.
const (
	a64AttrWriteBack      = 0
	a64AttrWriteThrough   = 1
	a64AttrUncacheable    = 2
	a64AttrDevice         = 4
	a64AttrWriteCombining = 5
)

// AArch64 implements Arch for the AArch64 VMSA with a 4K granule and 48-bit
// virtual addresses. The kernel half is translated through TTBR1_EL1.
type AArch64 struct{}

// Name implements Arch.
func (AArch64) Name() string { return "aarch64" }

// Shift implements Arch.
func (AArch64) Shift(level int) uint { return pageLevelShifts[level] }

// SeparateKernelRoot implements Arch.
func (AArch64) SeparateKernelRoot() bool { return true }

// EncodeTable implements Arch.
func (AArch64) EncodeTable(f mm.Frame, _ bool) Entry {
	return Entry(f.Address())&a64PhysPageMask | a64Valid | a64TableOrPg
}

// EncodeLeaf implements Arch.
func (AArch64) EncodeLeaf(f mm.Frame, prot mm.Prot, user bool, level int) Entry {
	r, w, x := accessBits(prot)

	e := Entry(f.Address())&a64PhysPageMask | a64AF
	if r {
		e |= a64Valid
	} else {
		e |= a64ProtNone
	}

	// Level 3 descriptors use 0b11 while blocks use 0b01
	if level == leafLevel {
		e |= a64TableOrPg
	}

	if !w {
		e |= a64APRO
	}

	if user {
		e |= a64APUser | a64NG | a64PXN
		if !x {
			e |= a64UXN
		}
	} else {
		e |= a64UXN
		if !x {
			e |= a64PXN
		}
	}

	var attr Entry
	switch prot.MemType() {
	case mm.MemWriteBack:
		attr = a64AttrWriteBack
	case mm.MemWriteThrough:
		attr = a64AttrWriteThrough
	case mm.MemUncacheable:
		attr = a64AttrUncacheable
	case mm.MemMMIO:
		attr = a64AttrDevice
	case mm.MemWriteCombining:
		attr = a64AttrWriteCombining
	}
	e |= attr << a64AttrShift

	// Device memory is always outer shareable
	if prot.MemType() != mm.MemMMIO {
		e |= a64SHInner
	}

	return e
}

// Present implements Arch.
func (AArch64) Present(e Entry) bool { return e&a64Valid != 0 }

// Mapped implements Arch.
func (AArch64) Mapped(e Entry) bool { return e&(a64Valid|a64ProtNone) != 0 }

// IsLeaf implements Arch.
func (AArch64) IsLeaf(e Entry, level int) bool {
	return level == leafLevel || e&a64TableOrPg == 0
}

// Frame implements Arch.
func (AArch64) Frame(e Entry, _ int) mm.Frame {
	return mm.Frame((e & a64PhysPageMask) >> mm.PageShift)
}

// Prot implements Arch.
func (AArch64) Prot(e Entry, _ int) mm.Prot {
	var prot mm.Prot
	if e&a64Valid != 0 {
		prot |= mm.ProtRead
		if e&a64APRO == 0 {
			prot |= mm.ProtWrite
		}

		xn := a64PXN
		if e&a64APUser != 0 {
			xn = a64UXN
		}
		if e&xn == 0 {
			prot |= mm.ProtExec
		}
	}

	switch (e & a64AttrMask) >> a64AttrShift {
	case a64AttrWriteThrough:
		return prot.WithMemType(mm.MemWriteThrough)
	case a64AttrUncacheable:
		return prot.WithMemType(mm.MemUncacheable)
	case a64AttrDevice:
		return prot.WithMemType(mm.MemMMIO)
	case a64AttrWriteCombining:
		return prot.WithMemType(mm.MemWriteCombining)
	}
	return prot
}

// User implements Arch.
func (AArch64) User(e Entry) bool { return e&a64APUser != 0 }

// Invalidate implements Arch using tlbi vaae1is.
func (AArch64) Invalidate(c *cpu.Core, vaddr uintptr) {
	c.FlushTLBEntry(vaddr)
}
