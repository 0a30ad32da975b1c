package gate

import (
	"bytes"
	"testing"
	"vmkern/kernel"
)

func TestVectorString(t *testing.T) {
	specs := []struct {
		v   Vector
		exp string
	}{
		{PageFaultException, "page fault"},
		{Debug, "debug"},
		{Vector(9), "coprocessor segment overrun"},
		{Vector(0x0F), "invalid trap"},
		{Vector(0x1F), "invalid trap"},
		{Syscall, "syscall"},
		{IPI, "ipi"},
		{Spurious, "spurious interrupt"},
		{FirstIRQ, "irq"},
	}

	for specIndex, spec := range specs {
		if got := spec.v.String(); got != spec.exp {
			t.Errorf("[spec %d] expected %q; got %q", specIndex, spec.exp, got)
		}
	}
}

func TestVectorClasses(t *testing.T) {
	for v := 0; v < 256; v++ {
		vec := Vector(v)
		if exp := v < 32; vec.IsException() != exp {
			t.Errorf("expected IsException(%d) to be %t", v, exp)
		}
		if exp := v == 0x80 || v == 0xF0 || v == 0xFF; vec.IsSoftware() != exp {
			t.Errorf("expected IsSoftware(%d) to be %t", v, exp)
		}
	}
}

func TestABIByName(t *testing.T) {
	specs := []struct {
		name   string
		expABI *ABI
		expErr *kernel.Error
	}{
		{"x86_64", X86ABI, nil},
		{"amd64", X86ABI, nil},
		{"aarch64", AArch64ABI, nil},
		{"arm64", AArch64ABI, nil},
		{"riscv64", RISCVABI, nil},
		{"mips", nil, errUnknownABI},
	}

	for specIndex, spec := range specs {
		abi, err := ABIByName(spec.name)
		if abi != spec.expABI || err != spec.expErr {
			t.Errorf("[spec %d] expected (%v, %v); got (%v, %v)", specIndex, spec.expABI, spec.expErr, abi, err)
		}
	}
}

func TestSyscallConventions(t *testing.T) {
	specs := []struct {
		abi     *ABI
		nrReg   int
		argRegs [6]int
		retReg  int
	}{
		{X86ABI, RAX, [6]int{RDI, RSI, RDX, R10, R8, R9}, RAX},
		{AArch64ABI, 8, [6]int{0, 1, 2, 3, 4, 5}, 0},
		{RISCVABI, 17, [6]int{10, 11, 12, 13, 14, 15}, 10},
	}

	for specIndex, spec := range specs {
		var r Registers
		r.GPR[spec.nrReg] = 42
		for i, reg := range spec.argRegs {
			r.GPR[reg] = uint64(100 + i)
		}

		nr, args := spec.abi.SyscallArgs(&r)
		if nr != 42 {
			t.Errorf("[spec %d] expected syscall number 42; got %d", specIndex, nr)
		}
		for i, arg := range args {
			if arg != uint64(100+i) {
				t.Errorf("[spec %d] expected argument %d to be %d; got %d", specIndex, i, 100+i, arg)
			}
		}

		spec.abi.SetReturn(&r, 7)
		if got := r.GPR[spec.retReg]; got != 7 {
			t.Errorf("[spec %d] expected return register to hold 7; got %d", specIndex, got)
		}
		if got := spec.abi.Return(&r); got != 7 {
			t.Errorf("[spec %d] expected Return to report 7; got %d", specIndex, got)
		}

		var u Registers
		spec.abi.SetSyscall(&u, 60, 1, 2)
		if nr, args := spec.abi.SyscallArgs(&u); nr != 60 || args != [6]uint64{1, 2} {
			t.Errorf("[spec %d] expected syscall 60 with args [1 2]; got %d with %v", specIndex, nr, args)
		}
	}
}

func TestDumpTo(t *testing.T) {
	var r Registers
	for i := RAX; i <= R15; i++ {
		r.GPR[i] = uint64(i + 1)
	}
	r.PC, r.SP, r.Flags = 0x10, 0x20, 0x202

	var buf bytes.Buffer
	X86ABI.DumpTo(&buf, &r)

	exp := "RAX = 0000000000000001 RBX = 0000000000000002\n" +
		"RCX = 0000000000000003 RDX = 0000000000000004\n" +
		"RSI = 0000000000000005 RDI = 0000000000000006\n" +
		"RBP = 0000000000000007 R8  = 0000000000000008\n" +
		"R9  = 0000000000000009 R10 = 000000000000000a\n" +
		"R11 = 000000000000000b R12 = 000000000000000c\n" +
		"R13 = 000000000000000d R14 = 000000000000000e\n" +
		"R15 = 000000000000000f\n" +
		"\n" +
		"RIP = 0000000000000010 RSP = 0000000000000020\n" +
		"RFL = 0000000000000202\n"

	if got := buf.String(); got != exp {
		t.Fatalf("expected to get:\n%q\ngot:\n%q", exp, got)
	}
}

func TestNumberedRegs(t *testing.T) {
	regs := numberedRegs("X", 0, 31)
	if len(regs) != 31 {
		t.Fatalf("expected 31 registers; got %d", len(regs))
	}

	for _, spec := range []struct {
		index int
		exp   string
	}{{0, "X0 "}, {9, "X9 "}, {10, "X10"}, {30, "X30"}} {
		if got := regs[spec.index].name; got != spec.exp || regs[spec.index].index != spec.index {
			t.Errorf("expected register %d to be named %q; got %q", spec.index, spec.exp, got)
		}
	}
}
