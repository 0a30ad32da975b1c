// Package gate describes the state captured when a core enters the kernel
// through an exception, an interrupt or a syscall: the register snapshot,
// the vector numbers and the per-architecture register conventions.
package gate

// Vector identifies the trap that caused a kernel entry. Vectors below
// FirstIRQ are CPU exceptions; the remaining ones are device IRQs except for
// the software vectors Syscall, IPI and Spurious.
type Vector uint8

const (
	// DivideByZero occurs when dividing any number by 0 using the DIV or
	// IDIV instruction.
	DivideByZero = Vector(0)

	// Debug is raised by hardware breakpoints and single stepping.
	Debug = Vector(1)

	// NMI (non-maskable-interrupt) is a hardware interrupt that indicates
	// issues with RAM or unrecoverable hardware problems.
	NMI = Vector(2)

	// Breakpoint is raised by a software breakpoint instruction.
	Breakpoint = Vector(3)

	// Overflow occurs when an overflow occurs (e.g result of division
	// cannot fit into the registers used).
	Overflow = Vector(4)

	// BoundRangeExceeded occurs when the BOUND instruction is invoked with
	// an index out of range.
	BoundRangeExceeded = Vector(5)

	// InvalidOpcode occurs when the CPU attempts to execute an invalid or
	// undefined instruction opcode.
	InvalidOpcode = Vector(6)

	// DeviceNotAvailable occurs when an FPU instruction runs while the FPU
	// is disabled.
	DeviceNotAvailable = Vector(7)

	// DoubleFault occurs when an exception is raised while the CPU is
	// trying to invoke the handler of a previous one.
	DoubleFault = Vector(8)

	// InvalidTSS occurs when the TSS points to an invalid task segment
	// selector.
	InvalidTSS = Vector(10)

	// SegmentNotPresent occurs when the CPU attempts to load a segment
	// whose present bit is clear.
	SegmentNotPresent = Vector(11)

	// StackSegmentFault occurs on a stack access through a non-canonical
	// address or when the stack segment checks fail.
	StackSegmentFault = Vector(12)

	// GPFException occurs when a general protection fault occurs.
	GPFException = Vector(13)

	// PageFaultException occurs when a page table entry is not present or
	// when a privilege and/or RW protection check fails.
	PageFaultException = Vector(14)

	// FloatingPointException is raised by an x87 instruction while an
	// unmasked FP exception is pending.
	FloatingPointException = Vector(16)

	// AlignmentCheck occurs when alignment checks are enabled and an
	// unaligned memory access is performed.
	AlignmentCheck = Vector(17)

	// MachineCheck occurs when the CPU detects internal errors such as
	// memory-, bus- or cache-related errors.
	MachineCheck = Vector(18)

	// SIMDFloatingPointException occurs when an unmasked SSE exception
	// occurs.
	SIMDFloatingPointException = Vector(19)

	// FirstIRQ is the first vector that is not reserved for exceptions.
	FirstIRQ = Vector(32)

	// Syscall is the software vector used by system calls.
	Syscall = Vector(0x80)

	// IPI is the vector of inter-processor interrupts.
	IPI = Vector(0xF0)

	// Spurious is the vector the interrupt controller raises for interrupts
	// that vanished before they could be delivered.
	Spurious = Vector(0xFF)
)

var exceptionNames = [FirstIRQ]string{
	DivideByZero:               "divide by zero",
	Debug:                      "debug",
	NMI:                        "non maskable interrupt",
	Breakpoint:                 "breakpoint",
	Overflow:                   "overflow",
	BoundRangeExceeded:         "bound range exceeded",
	InvalidOpcode:              "invalid opcode",
	DeviceNotAvailable:         "device not available",
	DoubleFault:                "double fault",
	9:                          "coprocessor segment overrun",
	InvalidTSS:                 "invalid tss",
	SegmentNotPresent:          "segment not present",
	StackSegmentFault:          "stack segment fault",
	GPFException:               "general protection fault",
	PageFaultException:         "page fault",
	FloatingPointException:     "x87 fpe",
	AlignmentCheck:             "alignment check",
	MachineCheck:               "machine check",
	SIMDFloatingPointException: "simd fpe",
	20:                         "virtualization exception",
	21:                         "control protection exception",
	28:                         "hypervisor injection exception",
	29:                         "vmm communication exception",
	30:                         "security exception",
}

// IsException returns true if v is a CPU exception.
func (v Vector) IsException() bool {
	return v < FirstIRQ
}

// IsSoftware returns true if v is one of the vectors raised by the kernel
// itself rather than by a device.
func (v Vector) IsSoftware() bool {
	return v == Syscall || v == IPI || v == Spurious
}

// String implements fmt.Stringer for Vector.
func (v Vector) String() string {
	switch {
	case v.IsException():
		if name := exceptionNames[v]; name != "" {
			return name
		}
		return "invalid trap"
	case v == Syscall:
		return "syscall"
	case v == IPI:
		return "ipi"
	case v == Spurious:
		return "spurious interrupt"
	}
	return "irq"
}

// Privilege is the privilege level a core was running at when it entered
// the kernel.
type Privilege uint8

const (
	// PrivKernel is the privilege of kernel code.
	PrivKernel Privilege = 0

	// PrivUser is the privilege of user code.
	PrivUser Privilege = 3
)

// Page fault error code bits. Entry code for architectures that report
// faults differently (ESR_EL1, scause) translates them to this layout.
const (
	PFPresent = 1 << 0
	PFWrite   = 1 << 1
	PFUser    = 1 << 2
	PFFetch   = 1 << 4
)

// Registers contains a snapshot of the register values when an exception,
// interrupt or syscall occurs.
type Registers struct {
	// GPR holds the general purpose registers, indexed by the register
	// numbers of the architecture ABI.
	GPR [32]uint64

	PC    uint64
	SP    uint64
	Flags uint64

	Privilege Privilege

	// Info contains the error code for exceptions that push one.
	Info uint64
}
