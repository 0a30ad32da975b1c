package main

import (
	"fmt"
	"io"
	"vmkern/kernel"
	"vmkern/kernel/gate"
	"vmkern/kernel/irq"
	"vmkern/kernel/kmain"
	"vmkern/kernel/kfmt"
	"vmkern/kernel/mm"
	"vmkern/kernel/mm/vmspace"
	"vmkern/kernel/smp"
	"vmkern/multiboot"
)

// Syscall numbers understood by the simulated processes.
const (
	sysGetPID = 39
	sysExit   = 60
)

// bootInfo returns a PC-like memory map for a machine with memSize bytes of
// RAM: 639K of low memory, the legacy video/BIOS hole and the rest of RAM
// starting at 1M.
func bootInfo(memSize uint64, cmdLine string) []byte {
	return new(multiboot.Builder).
		SetCmdLine(cmdLine).
		SetBootLoaderName("vmsim").
		AddMemRegion(0, 0x9fc00, multiboot.MemAvailable).
		AddMemRegion(0x9fc00, 0x60400, multiboot.MemReserved).
		AddMemRegion(0x100000, memSize-0x100000, multiboot.MemAvailable).
		AddMemRegion(0xfffc0000, 0x40000, multiboot.MemReserved).
		Bytes()
}

// process is a single-threaded simulated process.
type process struct {
	pid     int
	space   *vmspace.AddressSpace
	signals []irq.Signal
	exited  bool
	status  uint64
}

func (p *process) Space() *vmspace.AddressSpace { return p.space }
func (p *process) Signal(sig irq.Signal)         { p.signals = append(p.signals, sig) }
func (p *process) PtraceStop(sig irq.Signal)     { p.signals = append(p.signals, sig) }
func (p *process) SingleStepping() bool          { return false }
func (p *process) EnterSyscall()                 {}

// simulator drives the booted kernel from user processes pinned to cores.
type simulator struct {
	k   *kmain.Kernel
	abi *gate.ABI
	out io.Writer

	running []*process
	nextPID int

	faults   uint64
	syscalls uint64
}

// stats summarizes a scenario run.
type stats struct {
	Faults   uint64
	Syscalls uint64
	Signals  int
	Forks    int
}

func newSimulator(k *kmain.Kernel, out io.Writer) (*simulator, error) {
	abi, err := gate.ABIByName(k.Config.Arch)
	if err != nil {
		return nil, err
	}

	sim := &simulator{
		k:       k,
		abi:     abi,
		out:     out,
		running: make([]*process, k.CPUs.Len()),
		nextPID: 1,
	}

	k.Traps.SetThreadFn(func(c *smp.CPU) irq.Thread {
		if p := sim.running[c.ID()]; p != nil {
			return p
		}
		return nil
	})
	k.Traps.SetSyscallHandler(sim.syscall)
	return sim, nil
}

func (sim *simulator) syscall(t irq.Thread, nr uint64, args [6]uint64) uint64 {
	p := t.(*process)
	switch nr {
	case sysGetPID:
		return uint64(p.pid)
	case sysExit:
		p.exited = true
		p.status = args[0]
		return 0
	}
	return ^uint64(0)
}

// spawn creates a process with space and schedules it on c.
func (sim *simulator) spawn(c *smp.CPU, space *vmspace.AddressSpace) *process {
	p := &process{pid: sim.nextPID, space: space}
	sim.nextPID++
	sim.schedule(c, p)
	return p
}

// schedule switches c to p, or to the kernel table if p is nil.
func (sim *simulator) schedule(c *smp.CPU, p *process) {
	sim.running[c.ID()] = p

	var space *vmspace.AddressSpace
	if p != nil {
		space = p.space
	}

	sim.k.CPUs.Lock(c)
	sim.k.CPUs.SwitchSpace(c, space)
	sim.k.CPUs.Unlock(c)
}

// touch simulates user accesses to every page of [addr, addr+size) on c.
// Accessing a page that is not mapped, or whose zone does not grant access,
// raises a page fault.
func (sim *simulator) touch(c *smp.CPU, addr, size uintptr, access mm.Prot) {
	p := sim.running[c.ID()]
	for page := addr; page < addr+size; page += mm.PageSize {
		if _, err := sim.k.Driver.Translate(p.space.PageTable(), page); err == nil {
			if z, ok := p.space.FindZone(page); ok && z.Prot.Allows(access) {
				continue
			}
		}

		info := uint64(gate.PFUser)
		if access&mm.ProtWrite != 0 {
			info |= gate.PFWrite
		}
		if access&mm.ProtExec != 0 {
			info |= gate.PFFetch
		}

		c.Core().SetFaultAddr(page)
		sim.k.Traps.Trap(c, gate.PageFaultException, &gate.Registers{Privilege: gate.PrivUser, Info: info})
		sim.faults++
	}
}

// call issues syscall nr from the process running on c.
func (sim *simulator) call(c *smp.CPU, nr uint64, args ...uint64) uint64 {
	regs := &gate.Registers{Privilege: gate.PrivUser}
	sim.abi.SetSyscall(regs, nr, args...)
	sim.k.Traps.Trap(c, gate.Syscall, regs)
	sim.syscalls++
	return sim.abi.Return(regs)
}

// exit terminates the process running on c and releases its address space.
func (sim *simulator) exit(c *smp.CPU, status uint64) {
	p := sim.running[c.ID()]
	sim.call(c, sysExit, status)
	sim.schedule(c, nil)
	p.space.Free()
}

// run executes the fork/fault/exit scenario: a parent process populates
// half of a heap zone and a shared memory segment, forks children on the
// other cores that dirty the whole heap and exit, then the parent drops the
// untouched half of its heap and exits too. The kernel heap allocation made at the start stays live so
// the report shows kernel virtual usage.
func (sim *simulator) run(forks, heapPages int) (stats, error) {
	var st stats

	k := sim.k
	bsp := k.CPUs.CPU(0)

	if _, err := k.VM.Vmalloc(4 * mm.PageSize); err != nil {
		return st, err
	}

	space, err := k.VM.NewSpace()
	if err != nil {
		return st, err
	}
	parent := sim.spawn(bsp, space)

	heapSize := uintptr(heapPages) * mm.PageSize
	heap, err := space.Alloc(0, 0, heapSize, mm.PageSize, mm.ProtRead|mm.ProtWrite, 0, nil)
	if err != nil {
		return st, err
	}

	seg, err := k.VM.NewShm(2 * mm.PageSize)
	if err != nil {
		return st, err
	}
	shmAddr, err := space.AttachShm(0, seg, mm.ProtRead|mm.ProtWrite)
	if err != nil {
		return st, err
	}

	// The parent only dirties the lower half of its heap
	sim.touch(bsp, heap.Addr, heap.Size/2, mm.ProtWrite)
	sim.touch(bsp, shmAddr, seg.Size(), mm.ProtWrite)
	if got := sim.call(bsp, sysGetPID); got != uint64(parent.pid) {
		return st, fmt.Errorf("getpid returned %d; expected %d", got, parent.pid)
	}

	for i := 0; i < forks; i++ {
		dup, err := space.Duplicate()
		if err != nil {
			return st, err
		}
		st.Forks++

		c := k.CPUs.CPU(uint32((i + 1) % k.CPUs.Len()))
		if c == bsp {
			sim.schedule(bsp, nil)
		}
		child := sim.spawn(c, dup)

		sim.touch(c, heap.Addr, heap.Size, mm.ProtWrite)
		sim.touch(c, shmAddr, seg.Size(), mm.ProtRead)
		// The heap is not executable
		sim.touch(c, heap.Addr, mm.PageSize, mm.ProtExec)
		st.Signals += len(child.signals)

		sim.exit(c, 0)
		if c == bsp {
			sim.schedule(bsp, parent)
		}
		kfmt.Fprintf(sim.out, "[vmsim] pid %d exited on cpu %d after %d signal(s)\n", child.pid, int(c.ID()), len(child.signals))
	}

	if heapPages > 1 {
		if err := space.Release(heap.Addr+heapSize/2, heapSize-heapSize/2); err != nil {
			return st, err
		}
	}

	kfmt.Fprintf(sim.out, "[vmsim] pid %d address space:\n", parent.pid)
	space.Dump(sim.out)

	sim.exit(bsp, 0)
	seg.Destroy()
	st.Signals += len(parent.signals)

	st.Faults, st.Syscalls = sim.faults, sim.syscalls
	return st, nil
}

// kernelError adapts a *kernel.Error to the error interface without turning
// a nil pointer into a non-nil interface value.
func kernelError(err *kernel.Error) error {
	if err == nil {
		return nil
	}
	return err
}
