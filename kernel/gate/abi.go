package gate

import (
	"io"
	"vmkern/kernel"
	"vmkern/kernel/kfmt"
)

var errUnknownABI = &kernel.Error{Module: "gate", Message: "unknown architecture"}

// Register numbers of the x86-64 general purpose registers in Registers.GPR.
const (
	RAX = iota
	RBX
	RCX
	RDX
	RSI
	RDI
	RBP
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
)

type namedReg struct {
	name  string
	index int
}

// ABI describes how an architecture passes syscall arguments and how its
// registers are printed.
type ABI struct {
	name string

	sysNum  int
	sysArgs [6]int
	sysRet  int

	regs                     []namedReg
	pcName, spName, flagName string
}

var (
	// X86ABI passes the syscall number in RAX and the arguments in RDI,
	// RSI, RDX, R10, R8 and R9.
	X86ABI = &ABI{
		name:    "x86_64",
		sysNum:  RAX,
		sysArgs: [6]int{RDI, RSI, RDX, R10, R8, R9},
		sysRet:  RAX,
		regs: []namedReg{
			{"RAX", RAX}, {"RBX", RBX}, {"RCX", RCX}, {"RDX", RDX},
			{"RSI", RSI}, {"RDI", RDI}, {"RBP", RBP}, {"R8 ", R8},
			{"R9 ", R9}, {"R10", R10}, {"R11", R11}, {"R12", R12},
			{"R13", R13}, {"R14", R14}, {"R15", R15},
		},
		pcName:   "RIP",
		spName:   "RSP",
		flagName: "RFL",
	}

	// AArch64ABI passes the syscall number in X8 and the arguments in
	// X0-X5.
	AArch64ABI = &ABI{
		name:     "aarch64",
		sysNum:   8,
		sysArgs:  [6]int{0, 1, 2, 3, 4, 5},
		sysRet:   0,
		regs:     numberedRegs("X", 0, 31),
		pcName:   "PC ",
		spName:   "SP ",
		flagName: "PST",
	}

	// RISCVABI passes the syscall number in a7 and the arguments in a0-a5.
	RISCVABI = &ABI{
		name:    "riscv64",
		sysNum:  17,
		sysArgs: [6]int{10, 11, 12, 13, 14, 15},
		sysRet:  10,
		regs: []namedReg{
			{"RA ", 1}, {"GP ", 3}, {"TP ", 4}, {"T0 ", 5},
			{"T1 ", 6}, {"T2 ", 7}, {"S0 ", 8}, {"S1 ", 9},
			{"A0 ", 10}, {"A1 ", 11}, {"A2 ", 12}, {"A3 ", 13},
			{"A4 ", 14}, {"A5 ", 15}, {"A6 ", 16}, {"A7 ", 17},
			{"S2 ", 18}, {"S3 ", 19}, {"S4 ", 20}, {"S5 ", 21},
			{"S6 ", 22}, {"S7 ", 23}, {"S8 ", 24}, {"S9 ", 25},
			{"S10", 26}, {"S11", 27}, {"T3 ", 28}, {"T4 ", 29},
			{"T5 ", 30}, {"T6 ", 31},
		},
		pcName:   "PC ",
		spName:   "SP ",
		flagName: "SST",
	}
)

// numberedRegs returns the registers prefix<from> to prefix<to-1> with
// names padded to three characters.
func numberedRegs(prefix string, from, to int) []namedReg {
	regs := make([]namedReg, 0, to-from)
	for i := from; i < to; i++ {
		name := prefix
		if i >= 10 {
			name += string(rune('0' + i/10))
		}
		name += string(rune('0' + i%10))
		for len(name) < 3 {
			name += " "
		}
		regs = append(regs, namedReg{name, i})
	}
	return regs
}

// ABIByName returns the register conventions of the named architecture.
func ABIByName(name string) (*ABI, *kernel.Error) {
	switch name {
	case "x86_64", "amd64":
		return X86ABI, nil
	case "aarch64", "arm64":
		return AArch64ABI, nil
	case "riscv64":
		return RISCVABI, nil
	}
	return nil, errUnknownABI
}

// Name returns the architecture name.
func (a *ABI) Name() string { return a.name }

// SyscallArgs extracts the syscall number and arguments from r.
func (a *ABI) SyscallArgs(r *Registers) (nr uint64, args [6]uint64) {
	nr = r.GPR[a.sysNum]
	for i, reg := range a.sysArgs {
		args[i] = r.GPR[reg]
	}
	return nr, args
}

// SetSyscall loads the syscall number nr and up to six arguments into r the
// way user code does before trapping.
func (a *ABI) SetSyscall(r *Registers, nr uint64, args ...uint64) {
	r.GPR[a.sysNum] = nr
	for i := 0; i < len(args) && i < len(a.sysArgs); i++ {
		r.GPR[a.sysArgs[i]] = args[i]
	}
}

// Return returns the syscall return value stored in r.
func (a *ABI) Return(r *Registers) uint64 {
	return r.GPR[a.sysRet]
}

// SetReturn stores the return value of a syscall in r.
func (a *ABI) SetReturn(r *Registers, v uint64) {
	r.GPR[a.sysRet] = v
}

// DumpTo outputs the register contents of r to w.
func (a *ABI) DumpTo(w io.Writer, r *Registers) {
	for i := 0; i < len(a.regs); i += 2 {
		if i+1 < len(a.regs) {
			kfmt.Fprintf(w, "%s = %16x %s = %16x\n", a.regs[i].name, r.GPR[a.regs[i].index], a.regs[i+1].name, r.GPR[a.regs[i+1].index])
			continue
		}
		kfmt.Fprintf(w, "%s = %16x\n", a.regs[i].name, r.GPR[a.regs[i].index])
	}
	kfmt.Fprintf(w, "\n")
	kfmt.Fprintf(w, "%s = %16x %s = %16x\n", a.pcName, r.PC, a.spName, r.SP)
	kfmt.Fprintf(w, "%s = %16x\n", a.flagName, r.Flags)
}
