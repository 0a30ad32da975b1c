package irq

import (
	"io"
	"vmkern/device"
	"vmkern/kernel"
	"vmkern/kernel/gate"
	"vmkern/kernel/kfmt"
)

func init() {
	device.RegisterDriver(&device.DriverInfo{
		Order: device.DetectOrderEarly,
		Probe: probeForAPIC,
	})
	device.RegisterDriver(&device.DriverInfo{
		Order: device.DetectOrderLast,
		Probe: probeForPIC,
	})
}

// probeForAPIC returns a local APIC driver when the machine is started with
// the "apic" option set.
func probeForAPIC(opts map[string]string) device.Driver {
	if opts["apic"] != "1" {
		return nil
	}
	return NewAPIC(opts["pv_eoi"] == "1")
}

// probeForPIC returns a driver for the legacy PIC pair which every machine
// has.
func probeForPIC(map[string]string) device.Driver {
	return &PIC{}
}

// DriverName implements device.Driver.
func (p *PIC) DriverName() string { return "pic8259" }

// DriverVersion implements device.Driver.
func (p *PIC) DriverVersion() (uint16, uint16, uint16) { return 0, 0, 1 }

// DriverInit implements device.Driver.
func (p *PIC) DriverInit(w io.Writer) *kernel.Error {
	kfmt.Fprintf(w, "irq %d-%d on master, %d-%d on slave\n",
		int(gate.FirstIRQ), int(gate.FirstIRQ)+7, int(gate.FirstIRQ)+8, int(gate.FirstIRQ)+15)
	return nil
}

// DriverName implements device.Driver.
func (a *APIC) DriverName() string { return "lapic" }

// DriverVersion implements device.Driver.
func (a *APIC) DriverVersion() (uint16, uint16, uint16) { return 0, 0, 1 }

// DriverInit implements device.Driver.
func (a *APIC) DriverInit(w io.Writer) *kernel.Error {
	if a.pvEOI {
		kfmt.Fprintf(w, "paravirtual EOI enabled\n")
	}
	return nil
}
