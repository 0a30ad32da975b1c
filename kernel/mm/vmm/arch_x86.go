package vmm

import (
	"vmkern/kernel/cpu"
	"vmkern/kernel/mm"
)

// x86-64 page table entry bits.
const (
	x86FlagPresent Entry = 1 << iota
	x86FlagRW
	x86FlagUserAccessible
	x86FlagWriteThroughCaching
	x86FlagDoNotCache
	x86FlagAccessed
	x86FlagDirty
	x86FlagHugePage
	x86FlagGlobal

	// x86FlagProtNone is a software bit marking a mapping whose access
	// rights were all revoked. The present bit is clear for such entries.
	x86FlagProtNone

	// The PAT bit moves to bit 12 for large pages as bit 7 selects the
	// page size.
	x86FlagPAT      = x86FlagHugePage
	x86FlagPATLarge = Entry(1 << 12)

	x86FlagNoExecute = Entry(1 << 63)

	// x86PhysPageMask extracts the physical address from an entry; bits
	// 12-51 contain the address.
	x86PhysPageMask = Entry(0x000ffffffffff000)
)

// X86 implements Arch for x86-64 4-level paging. The PAT MSR is programmed
// with write-combining in the entry selected by the PAT bit so that every
// memory type can be expressed with PAT/PCD/PWT.
type X86 struct{}

// Name implements Arch.
func (X86) Name() string { return "x86_64" }

// Shift implements Arch.
func (X86) Shift(level int) uint { return pageLevelShifts[level] }

// SeparateKernelRoot implements Arch.
func (X86) SeparateKernelRoot() bool { return false }

// EncodeTable implements Arch.
func (X86) EncodeTable(f mm.Frame, user bool) Entry {
	e := Entry(f.Address())&x86PhysPageMask | x86FlagPresent | x86FlagRW
	if user {
		e |= x86FlagUserAccessible
	}
	return e
}

// EncodeLeaf implements Arch.
func (X86) EncodeLeaf(f mm.Frame, prot mm.Prot, user bool, level int) Entry {
	r, w, x := accessBits(prot)

	e := Entry(f.Address()) & x86PhysPageMask
	if r {
		e |= x86FlagPresent
	} else {
		e |= x86FlagProtNone
	}

	if w {
		e |= x86FlagRW
	}

	if user {
		e |= x86FlagUserAccessible
	} else {
		e |= x86FlagGlobal
	}

	if !x {
		e |= x86FlagNoExecute
	}

	patFlag := x86FlagPAT
	if level != leafLevel {
		e |= x86FlagHugePage
		patFlag = x86FlagPATLarge
	}

	switch prot.MemType() {
	case mm.MemWriteCombining:
		e |= patFlag
	case mm.MemUncacheable, mm.MemMMIO:
		e |= x86FlagDoNotCache | x86FlagWriteThroughCaching
	case mm.MemWriteThrough:
		e |= x86FlagWriteThroughCaching
	}

	return e
}

// Present implements Arch.
func (X86) Present(e Entry) bool { return e&x86FlagPresent != 0 }

// Mapped implements Arch.
func (X86) Mapped(e Entry) bool { return e&(x86FlagPresent|x86FlagProtNone) != 0 }

// IsLeaf implements Arch.
func (X86) IsLeaf(e Entry, level int) bool {
	return level == leafLevel || e&x86FlagHugePage != 0
}

// Frame implements Arch.
func (X86) Frame(e Entry, level int) mm.Frame {
	addr := e & x86PhysPageMask
	if level != leafLevel && e&x86FlagHugePage != 0 {
		// Bit 12 of a large page holds the PAT selector
		addr &^= x86FlagPATLarge
	}
	return mm.Frame(addr >> mm.PageShift)
}

// Prot implements Arch.
func (X86) Prot(e Entry, level int) mm.Prot {
	var prot mm.Prot
	if e&x86FlagPresent != 0 {
		prot |= mm.ProtRead
		if e&x86FlagRW != 0 {
			prot |= mm.ProtWrite
		}
		if e&x86FlagNoExecute == 0 {
			prot |= mm.ProtExec
		}
	}

	patFlag := x86FlagPAT
	if level != leafLevel {
		patFlag = x86FlagPATLarge
	}

	switch {
	case e&(x86FlagDoNotCache|x86FlagWriteThroughCaching) == x86FlagDoNotCache|x86FlagWriteThroughCaching:
		return prot.WithMemType(mm.MemUncacheable)
	case e&x86FlagWriteThroughCaching != 0:
		return prot.WithMemType(mm.MemWriteThrough)
	case e&patFlag != 0:
		return prot.WithMemType(mm.MemWriteCombining)
	}
	return prot
}

// User implements Arch.
func (X86) User(e Entry) bool { return e&x86FlagUserAccessible != 0 }

// Invalidate implements Arch using invlpg.
func (X86) Invalidate(c *cpu.Core, vaddr uintptr) {
	c.FlushTLBEntry(vaddr)
}
