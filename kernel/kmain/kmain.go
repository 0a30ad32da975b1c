// Package kmain brings up the virtual memory subsystem: it parses the boot
// information, moves from the boot allocator to the frame pools, builds the
// kernel page table with its direct map and starts the cores and the trap
// dispatcher.
package kmain

import (
	"io"
	"vmkern/device"
	"vmkern/kernel"
	"vmkern/kernel/gate"
	"vmkern/kernel/hal"
	"vmkern/kernel/irq"
	"vmkern/kernel/kfmt"
	"vmkern/kernel/mm"
	"vmkern/kernel/mm/pmm"
	"vmkern/kernel/mm/vmm"
	"vmkern/kernel/mm/vmspace"
	"vmkern/kernel/smp"
	"vmkern/multiboot"
)

var (
	errNoMemory        = &kernel.Error{Module: "kmain", Message: "boot info does not describe any usable memory"}
	errNoEOIController = &kernel.Error{Module: "kmain", Message: "no interrupt controller detected"}
)

// Kernel bundles the components created by Boot.
type Kernel struct {
	Config Config
	Info   *multiboot.Info
	Mem    *mm.PhysMem

	Frames *pmm.Allocator
	Driver *vmm.Driver
	VM     *vmspace.Manager
	CPUs   *smp.CPUSet
	Traps  *irq.Dispatcher

	// Devices tracks the drivers found by the hardware probe. EOI is the
	// active interrupt controller.
	Devices *hal.Devices
	EOI     irq.EOIController

	// BootFrames is the number of frames the boot allocator handed out
	// before the pools took over.
	BootFrames uint64
}

// usableRegion is an available memory map entry clipped to the physical
// arena and trimmed to page boundaries.
type usableRegion struct {
	multiboot.MemoryMapEntry

	start, end uintptr
}

// Boot runs the boot sequence for the machine described by the multiboot
// block infoData whose physical memory is mem. Options found on the boot
// command line override cfg.
func Boot(cfg Config, infoData []byte, mem *mm.PhysMem) (*Kernel, *kernel.Error) {
	info, err := multiboot.Parse(infoData)
	if err != nil {
		return nil, err
	}

	if err = cfg.ApplyCmdLine(info.BootCmdLine()); err != nil {
		return nil, err
	}

	k := &Kernel{Config: cfg, Info: info, Mem: mem}

	var (
		arch vmm.Arch
		abi  *gate.ABI
	)
	if arch, err = vmm.ArchByName(cfg.Arch); err != nil {
		return nil, err
	} else if abi, err = gate.ABIByName(cfg.Arch); err != nil {
		return nil, err
	} else if err = k.initMemory(arch); err != nil {
		return nil, err
	} else if err = k.initCPUs(abi); err != nil {
		return nil, err
	}

	return k, nil
}

// usableRegions returns the available regions of the memory map that are
// backed by the arena.
func (k *Kernel) usableRegions() []usableRegion {
	var (
		regions  []usableRegion
		arenaEnd = uintptr(k.Mem.Frames()) << mm.PageShift
	)

	k.Info.VisitMemRegions(func(entry *multiboot.MemoryMapEntry) bool {
		if entry.Type != multiboot.MemAvailable {
			return true
		}

		r := usableRegion{
			MemoryMapEntry: *entry,
			start:          mm.PageAlignUp(uintptr(entry.PhysAddress)),
			end:            uintptr(entry.PhysAddress+entry.Length) &^ (mm.PageSize - 1),
		}
		if r.end > arenaEnd {
			r.end = arenaEnd
		}
		if r.start < r.end {
			regions = append(regions, r)
		}
		return true
	})

	return regions
}

func (k *Kernel) initMemory(arch vmm.Arch) *kernel.Error {
	regions := k.usableRegions()
	if len(regions) == 0 {
		return errNoMemory
	}

	// Restrict the boot allocator to frames that end up inside a pool so
	// that every one of them can be handed over. Pool admin frames are
	// excluded as they are claimed by the pool itself.
	boot := pmm.NewBootMemAllocator(k.Info, k.Config.KernelStart, k.Config.KernelEnd)
	for _, r := range regions {
		regionEnd := uintptr(r.PhysAddress + r.Length)
		start, count, admin, ok := pmm.RegionLayout(uint64(r.start), uint64(r.end-r.start))
		if !ok {
			boot.Reserve(uintptr(r.PhysAddress), regionEnd)
			continue
		}

		boot.Reserve(uintptr(r.PhysAddress), (start + mm.Frame(admin)).Address())
		boot.Reserve((start + mm.Frame(count)).Address(), regionEnd)
	}
	boot.PrintMemoryMap()

	k.Driver = vmm.NewDriver(arch, k.Mem, boot)
	kernelTable, err := k.Driver.InitKernelTable()
	if err != nil {
		return err
	}

	for _, r := range regions {
		if err = k.Driver.EarlyMap(nil, kernelTable, vmm.PhysToVirt(r.start), r.start, r.end-r.start, mm.ProtRead|mm.ProtWrite); err != nil {
			return err
		}
	}

	k.Frames = pmm.NewAllocator(k.Mem)
	for _, r := range regions {
		k.Frames.AddRegion(uint64(r.start), uint64(r.end-r.start))
	}
	if len(k.Frames.Pools()) == 0 {
		return errNoMemory
	}

	if err = boot.HandOver(k.Frames); err != nil {
		return err
	}
	k.BootFrames = boot.AllocCount()

	// The kernel image lives for as long as the system does
	for f := mm.FrameFromAddress(k.Config.KernelStart); f.Address() < k.Config.KernelEnd; f++ {
		if k.Frames.Managed(f) {
			if err = k.Frames.FetchFrames(f, 1); err != nil {
				return err
			}
		}
	}

	k.Driver.SetFrameAllocator(k.Frames)
	kfmt.Printf("[kmain] %d boot frames handed over to %d pool(s)\n", k.BootFrames, len(k.Frames.Pools()))
	return nil
}

func (k *Kernel) initCPUs(abi *gate.ABI) *kernel.Error {
	var err *kernel.Error

	k.VM = vmspace.NewManager(k.Driver, k.Frames)
	if k.CPUs, err = smp.NewCPUSet(k.VM, k.Config.CPUs); err != nil {
		return err
	}

	k.Devices = hal.DetectHardware(device.DriverList(), k.Config.hardwareOpts())
	if k.EOI = k.Devices.ActiveEOI(); k.EOI == nil {
		return errNoEOIController
	}
	k.Traps = irq.NewDispatcher(k.CPUs, abi, k.EOI)

	// From here on fatal errors halt every core, not just the caller
	k.Frames.SetPanicHandler(k.haltAll)
	k.Driver.SetPanicHandler(k.haltAll)
	k.VM.SetPanicHandler(k.haltAll)
	k.CPUs.SetPanicHandler(k.haltAll)

	// The boot core takes the kernel lock once to load the kernel table
	bsp := k.CPUs.CPU(0)
	k.CPUs.Lock(bsp)
	k.CPUs.Unlock(bsp)

	kfmt.Printf("[kmain] arch: %s, cpus: %d, eoi: %s\n", abi.Name(), k.CPUs.Len(), k.EOI.(device.Driver).DriverName())
	return nil
}

// haltAll freezes every core and reports e on the core that holds the
// kernel lock, or on the boot core when nobody does.
func (k *Kernel) haltAll(e interface{}) {
	c := k.CPUs.Holder()
	if c == nil {
		c = k.CPUs.CPU(0)
	}
	k.CPUs.Panic(c, e)
}

// SetPanicHandler routes the fatal errors of every component to fn.
func (k *Kernel) SetPanicHandler(fn func(interface{})) {
	k.Frames.SetPanicHandler(fn)
	k.Driver.SetPanicHandler(fn)
	k.VM.SetPanicHandler(fn)
	k.CPUs.SetPanicHandler(fn)
	k.Traps.SetPanicHandler(func(_ *smp.CPU, e interface{}) { fn(e) })
}

// DumpInfo writes the physical and kernel virtual memory usage report to w.
func (k *Kernel) DumpInfo(w io.Writer) {
	k.VM.DumpInfo(w)
}
