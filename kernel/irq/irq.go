// Package irq routes traps to their handlers: CPU exceptions become fatal
// errors or signals depending on the privilege they were raised at, device
// interrupts are acknowledged and handed to registered drivers and syscalls
// are decoded with the register conventions of the architecture.
package irq

import (
	"io"
	"sync/atomic"
	"vmkern/kernel"
	"vmkern/kernel/gate"
	"vmkern/kernel/kfmt"
	"vmkern/kernel/mm"
	"vmkern/kernel/mm/vmspace"
	"vmkern/kernel/smp"
	"vmkern/kernel/sync"
)

// Signal is a signal number delivered to a user thread.
type Signal uint8

// Signals raised by traps.
const (
	SIGILL  Signal = 4
	SIGTRAP Signal = 5
	SIGBUS  Signal = 7
	SIGFPE  Signal = 8
	SIGSEGV Signal = 11
)

var (
	errKernelTrap       = &kernel.Error{Module: "trap", Message: "exception in kernel mode"}
	errUnhandledTrap    = &kernel.Error{Module: "trap", Message: "unrecoverable exception"}
	errInvalidPrivilege = &kernel.Error{Module: "trap", Message: "invalid privilege level"}
	errNoThread         = &kernel.Error{Module: "trap", Message: "user trap without thread"}
	errStrayDebug       = &kernel.Error{Module: "trap", Message: "debug trap without single step"}
	errSpurious         = &kernel.Error{Module: "trap", Message: "spurious interrupt"}
	errReservedVector   = &kernel.Error{Module: "irq", Message: "vector is reserved"}
	errNoFreeVector     = &kernel.Error{Module: "irq", Message: "no free interrupt vector"}
)

// Thread is the user thread a trap is delivered to.
type Thread interface {
	// Space returns the address space of the thread.
	Space() *vmspace.AddressSpace

	// Signal queues sig for delivery.
	Signal(sig Signal)

	// PtraceStop stops the thread for its tracer with sig.
	PtraceStop(sig Signal)

	// SingleStepping reports whether a tracer asked to stop after each
	// instruction.
	SingleStepping() bool

	// EnterSyscall marks the thread as running a syscall.
	EnterSyscall()
}

// SyscallFn runs syscall nr and returns the value for the return register.
type SyscallFn func(t Thread, nr uint64, args [6]uint64) uint64

// Handler services a device interrupt.
type Handler func(c *smp.CPU, v gate.Vector)

// userSignals maps the exceptions that user code can trigger to the signal
// they raise. Exceptions missing from the table are fatal.
var userSignals = map[gate.Vector]Signal{
	gate.DivideByZero:               SIGFPE,
	gate.Breakpoint:                 SIGTRAP,
	gate.InvalidOpcode:              SIGILL,
	gate.SegmentNotPresent:          SIGSEGV,
	gate.StackSegmentFault:          SIGSEGV,
	gate.GPFException:               SIGSEGV,
	gate.FloatingPointException:     SIGFPE,
	gate.AlignmentCheck:             SIGBUS,
	gate.SIMDFloatingPointException: SIGFPE,
}

// Dispatcher routes the traps taken by the cores of a CPUSet.
type Dispatcher struct {
	cpus *smp.CPUSet
	abi  *gate.ABI
	eoi  EOIController
	out  io.Writer

	lock     sync.Spinlock
	handlers [256][]Handler

	threadFn  func(c *smp.CPU) Thread
	syscallFn SyscallFn
	tickFn    func(c *smp.CPU)
	reschedFn func(c *smp.CPU)
	panicFn   func(c *smp.CPU, e interface{})

	counts   [256]uint64
	syscalls uint64
}

// NewDispatcher returns a dispatcher that decodes registers with abi and
// acknowledges interrupts through eoi. It becomes the IPI handler of cpus.
func NewDispatcher(cpus *smp.CPUSet, abi *gate.ABI, eoi EOIController) *Dispatcher {
	d := &Dispatcher{
		cpus:      cpus,
		abi:       abi,
		eoi:       eoi,
		out:       kfmt.NewModuleWriter(nil, "trap"),
		threadFn:  func(*smp.CPU) Thread { return nil },
		tickFn:    func(*smp.CPU) {},
		reschedFn: func(*smp.CPU) {},
		panicFn:   cpus.Panic,
	}
	cpus.SetIPIHandler(d.handleIPI)
	return d
}

// SetOutput redirects register dumps and trap diagnostics to w.
func (d *Dispatcher) SetOutput(w io.Writer) { d.out = w }

// SetThreadFn registers the function that returns the thread running on a
// core.
func (d *Dispatcher) SetThreadFn(fn func(c *smp.CPU) Thread) { d.threadFn = fn }

// SetSyscallHandler registers the syscall table.
func (d *Dispatcher) SetSyscallHandler(fn SyscallFn) { d.syscallFn = fn }

// SetTickFn registers the function invoked after each syscall to update
// timers and the scheduler.
func (d *Dispatcher) SetTickFn(fn func(c *smp.CPU)) { d.tickFn = fn }

// SetReschedFn registers the function invoked when an IPI asks a core to
// reschedule.
func (d *Dispatcher) SetReschedFn(fn func(c *smp.CPU)) { d.reschedFn = fn }

// SetPanicHandler replaces the function that halts the machine on fatal
// traps.
func (d *Dispatcher) SetPanicHandler(fn func(c *smp.CPU, e interface{})) { d.panicFn = fn }

// Count returns the number of times v was dispatched.
func (d *Dispatcher) Count(v gate.Vector) uint64 {
	return atomic.LoadUint64(&d.counts[v])
}

// Syscalls returns the number of syscalls dispatched so far.
func (d *Dispatcher) Syscalls() uint64 {
	return atomic.LoadUint64(&d.syscalls)
}

// Register adds h to the handlers of the device vector v.
func (d *Dispatcher) Register(v gate.Vector, h Handler) *kernel.Error {
	if v.IsException() || v.IsSoftware() {
		return errReservedVector
	}

	d.lock.Acquire()
	d.handlers[v] = append(d.handlers[v], h)
	d.lock.Release()
	return nil
}

// AllocVector returns the lowest device vector without handlers.
func (d *Dispatcher) AllocVector() (gate.Vector, *kernel.Error) {
	d.lock.Acquire()
	defer d.lock.Release()

	for v := int(gate.FirstIRQ); v < len(d.handlers); v++ {
		if gate.Vector(v).IsSoftware() || len(d.handlers[v]) != 0 {
			continue
		}
		return gate.Vector(v), nil
	}
	return 0, errNoFreeVector
}

// Trap is the kernel entry point for core c. It takes the kernel lock,
// dispatches vector v and leaves through SyncLeave so that a pending Sync
// barrier is honored. Handlers may update regs; the changes are visible to
// the interrupted code when Trap returns.
func (d *Dispatcher) Trap(c *smp.CPU, v gate.Vector, regs *gate.Registers) {
	d.cpus.Lock(c)
	defer d.cpus.SyncLeave(c)

	atomic.AddUint64(&d.counts[v], 1)
	switch {
	case v.IsException():
		d.exception(c, v, regs)
	case v == gate.Syscall:
		d.syscall(c, regs)
	case v == gate.IPI:
		d.handleIPI(c)
	case v == gate.Spurious:
		d.panicFn(c, errSpurious)
	default:
		d.irq(c, v)
	}
}

func (d *Dispatcher) exception(c *smp.CPU, v gate.Vector, regs *gate.Registers) {
	switch regs.Privilege {
	case gate.PrivKernel:
		d.fatal(c, v, regs, errKernelTrap)
		return
	case gate.PrivUser:
	default:
		d.panicFn(c, errInvalidPrivilege)
		return
	}

	t := d.threadFn(c)
	if t == nil {
		d.panicFn(c, errNoThread)
		return
	}

	switch v {
	case gate.PageFaultException:
		if err := t.Space().Fault(c.Core().FaultAddr(), faultAccess(regs.Info)); err != nil {
			t.Signal(SIGSEGV)
		}
	case gate.Debug:
		if !t.SingleStepping() {
			d.fatal(c, v, regs, errStrayDebug)
			return
		}
		t.PtraceStop(SIGTRAP)
	default:
		sig, ok := userSignals[v]
		if !ok {
			d.fatal(c, v, regs, errUnhandledTrap)
			return
		}
		t.Signal(sig)
	}
}

// faultAccess decodes the access that caused a page fault from its error
// code.
func faultAccess(code uint64) mm.Prot {
	switch {
	case code&gate.PFFetch != 0:
		return mm.ProtExec
	case code&gate.PFWrite != 0:
		return mm.ProtWrite
	}
	return mm.ProtRead
}

// fatal prints the trap state and halts every core.
func (d *Dispatcher) fatal(c *smp.CPU, v gate.Vector, regs *gate.Registers, err *kernel.Error) {
	d.abi.DumpTo(d.out, regs)
	if v == gate.PageFaultException {
		kfmt.Fprintf(d.out, "%s addr 0x%16x: 0x%x @ 0x%16x\n", v.String(), uint64(c.Core().FaultAddr()), regs.Info, regs.PC)
	} else {
		kfmt.Fprintf(d.out, "%s: 0x%x @ 0x%16x\n", v.String(), regs.Info, regs.PC)
	}
	d.panicFn(c, err)
}

func (d *Dispatcher) syscall(c *smp.CPU, regs *gate.Registers) {
	t := d.threadFn(c)
	if t == nil {
		d.panicFn(c, errNoThread)
		return
	}

	t.EnterSyscall()
	atomic.AddUint64(&d.syscalls, 1)

	nr, args := d.abi.SyscallArgs(regs)
	var ret uint64
	if d.syscallFn != nil {
		ret = d.syscallFn(t, nr, args)
	}
	d.abi.SetReturn(regs, ret)
	d.tickFn(c)
}

// handleIPI acknowledges an IPI and reschedules if the sender asked for it.
func (d *Dispatcher) handleIPI(c *smp.CPU) {
	d.eoi.EOI(c.ID(), gate.IPI)
	if c.TakeResched() {
		d.reschedFn(c)
	}
}

func (d *Dispatcher) irq(c *smp.CPU, v gate.Vector) {
	d.eoi.EOI(c.ID(), v)

	d.lock.Acquire()
	handlers := d.handlers[v]
	d.lock.Release()

	for _, h := range handlers {
		h(c, v)
	}
}
