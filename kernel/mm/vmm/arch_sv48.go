package vmm

import (
	"vmkern/kernel/cpu"
	"vmkern/kernel/mm"
)

// RISC-V Sv48 page table entry bits.
const (
	rvValid Entry = 1 << iota
	rvRead
	rvWrite
	rvExec
	rvUser
	rvGlobal
	rvAccessed
	rvDirty

	// rvProtNone uses the first RSW bit to mark a mapping whose access
	// rights were all revoked.
	rvProtNone

	rvPPNShift = 10
	rvPPNMask  = Entry(1)<<44 - 1
)

// RISCV implements Arch for RISC-V Sv48. The base ISA has no memory type
// attributes so the memory type of a mapping is not encoded.
type RISCV struct{}

// Name implements Arch.
func (RISCV) Name() string { return "riscv64" }

// Shift implements Arch.
func (RISCV) Shift(level int) uint { return pageLevelShifts[level] }

// SeparateKernelRoot implements Arch.
func (RISCV) SeparateKernelRoot() bool { return false }

// EncodeTable implements Arch.
func (RISCV) EncodeTable(f mm.Frame, _ bool) Entry {
	return Entry(f)<<rvPPNShift | rvValid
}

// EncodeLeaf implements Arch. Leaves at any level are recognized by their
// R/W/X bits.
func (RISCV) EncodeLeaf(f mm.Frame, prot mm.Prot, user bool, _ int) Entry {
	r, w, x := accessBits(prot)

	e := Entry(f)<<rvPPNShift | rvAccessed
	if !r {
		// A non-leaf encoding must not be produced for a revoked
		// mapping so the R bit is kept and the valid bit cleared.
		return e | rvProtNone | rvRead
	}

	e |= rvValid | rvRead
	if w {
		e |= rvWrite | rvDirty
	}
	if x {
		e |= rvExec
	}

	if user {
		e |= rvUser
	} else {
		e |= rvGlobal
	}
	return e
}

// Present implements Arch.
func (RISCV) Present(e Entry) bool { return e&rvValid != 0 }

// Mapped implements Arch.
func (RISCV) Mapped(e Entry) bool { return e&(rvValid|rvProtNone) != 0 }

// IsLeaf implements Arch.
func (RISCV) IsLeaf(e Entry, level int) bool {
	return level == leafLevel || e&(rvRead|rvWrite|rvExec) != 0
}

// Frame implements Arch.
func (RISCV) Frame(e Entry, _ int) mm.Frame {
	return mm.Frame((e >> rvPPNShift) & rvPPNMask)
}

// Prot implements Arch.
func (RISCV) Prot(e Entry, _ int) mm.Prot {
	var prot mm.Prot
	if e&rvValid == 0 {
		return prot
	}

	if e&rvRead != 0 {
		prot |= mm.ProtRead
	}
	if e&rvWrite != 0 {
		prot |= mm.ProtWrite
	}
	if e&rvExec != 0 {
		prot |= mm.ProtExec
	}
	return prot
}

// User implements Arch.
func (RISCV) User(e Entry) bool { return e&rvUser != 0 }

// Invalidate implements Arch using sfence.vma.
func (RISCV) Invalidate(c *cpu.Core, vaddr uintptr) {
	c.FlushTLBEntry(vaddr)
}
