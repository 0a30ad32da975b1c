// Package hal probes the simulated machine for the devices the kernel
// drives and keeps track of the active ones.
package hal

import (
	"bytes"
	"sort"
	"vmkern/device"
	"vmkern/kernel/irq"
	"vmkern/kernel/kfmt"
)

// Devices contains the devices discovered by DetectHardware.
type Devices struct {
	activeEOI irq.EOIController

	// activeDrivers tracks all initialized device drivers.
	activeDrivers []device.Driver
}

// ActiveEOI returns the interrupt controller that acknowledges interrupts
// or nil if none was detected.
func (d *Devices) ActiveEOI() irq.EOIController {
	return d.activeEOI
}

// Drivers returns the initialized drivers in detection order.
func (d *Devices) Drivers() []device.Driver {
	return d.activeDrivers
}

// DetectHardware invokes the probe function of each driver in drivers,
// sorted by detection priority, and initializes the drivers whose hardware
// is present according to the boot options in opts.
func DetectHardware(drivers device.DriverInfoList, opts map[string]string) *Devices {
	sorted := make(device.DriverInfoList, len(drivers))
	copy(sorted, drivers)
	sort.Stable(sorted)

	devices := new(Devices)
	devices.probe(sorted, opts)
	return devices
}

// probe executes the probe function for each driver and invokes
// onDriverInit for each successfully initialized driver.
func (d *Devices) probe(driverInfoList device.DriverInfoList, opts map[string]string) {
	var (
		strBuf bytes.Buffer
		w      = kfmt.PrefixWriter{Sink: kfmt.GetOutputSink()}
	)

	for _, info := range driverInfoList {
		drv := info.Probe(opts)
		if drv == nil {
			continue
		}

		strBuf.Reset()
		major, minor, patch := drv.DriverVersion()
		kfmt.Fprintf(&strBuf, "[hal] %s(%d.%d.%d): ", drv.DriverName(), major, minor, patch)
		w.Prefix = strBuf.Bytes()

		if err := drv.DriverInit(&w); err != nil {
			kfmt.Fprintf(&w, "init failed: %s\n", err.Message)
			continue
		}

		kfmt.Fprintf(&w, "initialized\n")
		d.onDriverInit(drv)
		d.activeDrivers = append(d.activeDrivers, drv)
	}
}

// onDriverInit is invoked by probe() whenever a piece of hardware is detected
// and successfully initialized. The first interrupt controller found becomes
// the active one.
func (d *Devices) onDriverInit(drv device.Driver) {
	switch drvImpl := drv.(type) {
	case irq.EOIController:
		if d.activeEOI == nil {
			d.activeEOI = drvImpl
		}
	}
}
