package vmm

import (
	"vmkern/kernel"
	"vmkern/kernel/cpu"
	"vmkern/kernel/mm"
)

const (
	// pageLevels indicates the number of page levels used by all supported
	// architectures (x86-64 4-level paging, AArch64 with a 4K granule and
	// 48-bit VA, RISC-V Sv48).
	pageLevels = 4

	// leafLevel is the level of the tables that hold 4K page entries.
	leafLevel = pageLevels - 1

	// pageLevelBits is the number of virtual address bits that index each
	// table level (512 entries per table).
	pageLevelBits = 9

	// UserEnd is the first address past the user half of the virtual
	// address space.
	UserEnd = uintptr(0x0000800000000000)

	// KernelBase is the first address of the kernel half of the virtual
	// address space.
	KernelBase = uintptr(0xffff800000000000)

	// kernelRootIndex is the first root table index that maps the kernel
	// half.
	kernelRootIndex = uintptr(256)
)

var errUnknownArch = &kernel.Error{Module: "vmm", Message: "unknown architecture"}

// Entry is a raw page table entry. Its layout is architecture specific.
type Entry uint64

// Arch is the capability set that adapts the generic page-table code to a
// particular MMU.
type Arch interface {
	// Name returns the architecture name as used on the kernel command line.
	Name() string

	// Shift returns the number of bits that vaddr must be shifted right
	// by to obtain the index into a table at the given level.
	Shift(level int) uint

	// SeparateKernelRoot returns true if the kernel half is translated by
	// a dedicated root register (AArch64 TTBR1). Otherwise the kernel root
	// entries are copied into every user root.
	SeparateKernelRoot() bool

	// EncodeTable returns an entry pointing to the next level table
	// stored in f.
	EncodeTable(f mm.Frame, user bool) Entry

	// EncodeLeaf returns a leaf entry for f at the given level. Leaves
	// above the last level map large pages.
	EncodeLeaf(f mm.Frame, prot mm.Prot, user bool, level int) Entry

	// Present returns true if the MMU may use the entry for translation.
	Present(e Entry) bool

	// Mapped returns true if the entry holds a mapping. A mapping without
	// any access rights is not present but still owns its frame.
	Mapped(e Entry) bool

	// IsLeaf returns true if e terminates the walk at the given level.
	IsLeaf(e Entry, level int) bool

	// Frame returns the frame referenced by e.
	Frame(e Entry, level int) mm.Frame

	// Prot decodes the access rights and memory type of a leaf entry.
	Prot(e Entry, level int) mm.Prot

	// User returns true if the leaf entry is accessible from user mode.
	User(e Entry) bool

	// Invalidate discards the translation cached by c for vaddr.
	Invalidate(c *cpu.Core, vaddr uintptr)
}

// ArchByName returns the capability set for the named architecture. The
// accepted names are "x86_64" (or "amd64"), "aarch64" (or "arm64") and
// "riscv64".
func ArchByName(name string) (Arch, *kernel.Error) {
	switch name {
	case "x86_64", "amd64":
		return X86{}, nil
	case "aarch64", "arm64":
		return AArch64{}, nil
	case "riscv64", "riscv":
		return RISCV{}, nil
	}
	return nil, errUnknownArch
}

// pageLevelShifts defines the shift required to access each page table
// component of a virtual address. It is shared by the three 4K-granule
// 4-level schemes.
var pageLevelShifts = [pageLevels]uint{39, 30, 21, 12}

// levelSpan returns the size of the region mapped by a single entry at the
// given level.
func levelSpan(a Arch, level int) uintptr {
	return uintptr(1) << a.Shift(level)
}

// tableIndex returns the index into the table at the given level for vaddr.
func tableIndex(a Arch, vaddr uintptr, level int) uintptr {
	return (vaddr >> a.Shift(level)) & ((1 << pageLevelBits) - 1)
}

// accessBits returns the access bits of prot. Write and execute both imply
// read since none of the supported MMUs can express them without it.
func accessBits(prot mm.Prot) (r, w, x bool) {
	w = prot&mm.ProtWrite != 0
	x = prot&mm.ProtExec != 0
	r = prot&mm.ProtRead != 0 || w || x
	return r, w, x
}
