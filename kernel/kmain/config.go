package kmain

import (
	"strconv"
	"vmkern/kernel"
	"vmkern/kernel/smp"
)

var errBadCmdLine = &kernel.Error{Module: "kmain", Message: "malformed boot command line option"}

// Config holds the boot options. The zero value is not usable; start from
// DefaultConfig.
type Config struct {
	// Arch selects the MMU and trap ABI ("x86_64", "aarch64" or "riscv64").
	Arch string

	// CPUs is the number of cores brought up.
	CPUs int

	// APIC selects the local APIC instead of the legacy PIC pair for
	// end-of-interrupt acknowledgement.
	APIC bool

	// PVEOI enables paravirtual EOI on the local APIC. It has no effect
	// unless APIC is set.
	PVEOI bool

	// KernelStart and KernelEnd delimit the physical kernel image. The
	// boot allocator never hands out these frames.
	KernelStart, KernelEnd uintptr
}

// DefaultConfig returns the options used when the command line does not
// override them: a single x86_64 core with the legacy PIC and a 1M kernel
// image loaded at 1M.
func DefaultConfig() Config {
	return Config{
		Arch:        "x86_64",
		CPUs:        1,
		KernelStart: 0x100000,
		KernelEnd:   0x200000,
	}
}

// ApplyCmdLine overrides cfg with the options found in the boot command
// line. Flags may be given without a value or with one of 1/true/on or
// 0/false/off. Unknown options are ignored.
func (cfg *Config) ApplyCmdLine(opts map[string]string) *kernel.Error {
	for key, value := range opts {
		var err *kernel.Error
		switch key {
		case "arch":
			cfg.Arch = value
		case "cpus":
			n, convErr := strconv.Atoi(value)
			if convErr != nil || n < 1 || n > smp.MaxCPUs {
				return errBadCmdLine
			}
			cfg.CPUs = n
		case "apic":
			cfg.APIC, err = parseFlag(key, value)
		case "pv_eoi":
			cfg.PVEOI, err = parseFlag(key, value)
		}

		if err != nil {
			return err
		}
	}

	return nil
}

// parseFlag decodes a boolean option. The command line parser maps a bare
// flag to its own name.
func parseFlag(key, value string) (bool, *kernel.Error) {
	switch value {
	case key, "1", "true", "on":
		return true, nil
	case "0", "false", "off":
		return false, nil
	}
	return false, errBadCmdLine
}

// hardwareOpts describes the simulated devices to the driver probes.
func (cfg *Config) hardwareOpts() map[string]string {
	opts := map[string]string{"apic": "0", "pv_eoi": "0"}
	if cfg.APIC {
		opts["apic"] = "1"
	}
	if cfg.PVEOI {
		opts["pv_eoi"] = "1"
	}
	return opts
}
