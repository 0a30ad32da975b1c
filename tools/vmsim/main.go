package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"vmkern/kernel/kfmt"
	"vmkern/kernel/kmain"
	"vmkern/kernel/mem"
	"vmkern/kernel/mm"
)

func exit(err error) {
	fmt.Fprintf(os.Stderr, "[vmsim] error: %s\n", err.Error())
	os.Exit(1)
}

// options collects the command line flags.
type options struct {
	memMB     uint64
	cmdLine   string
	forks     int
	heapPages int
	pngPath   string
	quiet     bool
}

// simulate boots a machine as described by opts, runs the scenario and
// writes the usage report to out. Boot messages go to log.
func simulate(opts options, out, log io.Writer) (*kmain.Kernel, stats, error) {
	var st stats

	if opts.memMB < 17 {
		return nil, st, errors.New("the machine needs at least 17M of RAM to hold a frame pool")
	}
	memSize := opts.memMB * uint64(mem.Mb)

	kfmt.SetOutputSink(log)
	defer kfmt.SetOutputSink(nil)

	k, kerr := kmain.Boot(kmain.DefaultConfig(), bootInfo(memSize, opts.cmdLine), mm.NewPhysMem(uintptr(memSize)))
	if err := kernelError(kerr); err != nil {
		return nil, st, err
	}

	// Kernel panics abort the simulation
	k.SetPanicHandler(func(e interface{}) {
		kfmt.DumpPanic(e)
		panic(e)
	})

	sim, err := newSimulator(k, log)
	if err != nil {
		return nil, st, err
	}

	if st, err = sim.run(opts.forks, opts.heapPages); err != nil {
		return nil, st, err
	}

	kfmt.Fprintf(out, "Faults:            %d\n", st.Faults)
	kfmt.Fprintf(out, "Syscalls:          %d\n", st.Syscalls)
	kfmt.Fprintf(out, "Signals:           %d\n", st.Signals)
	kfmt.Fprintf(out, "Forks:             %d\n", st.Forks)
	k.DumpInfo(out)
	return k, st, nil
}

func runTool() error {
	var opts options
	flag.Uint64Var(&opts.memMB, "mem", 64, "the amount of simulated RAM in MiB")
	flag.StringVar(&opts.cmdLine, "cmdline", "", "the kernel command line (e.g. \"arch=riscv64 cpus=4 apic pv_eoi\")")
	flag.IntVar(&opts.forks, "forks", 3, "the number of child processes the scenario forks")
	flag.IntVar(&opts.heapPages, "heap-pages", 16, "the size of the scenario heap zone in pages")
	flag.StringVar(&opts.pngPath, "png", "", "render the frame pool occupancy to this PNG file")
	flag.BoolVar(&opts.quiet, "quiet", false, "do not print the boot log")
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, "vmsim: boot a simulated machine and run a fork/fault/exit scenario\n\n")
		fmt.Fprint(os.Stderr, "Usage: vmsim [options]\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if opts.forks < 0 || opts.heapPages < 1 {
		exit(errors.New("forks must not be negative and the heap needs at least one page"))
	}

	var log io.Writer = os.Stderr
	if opts.quiet {
		log = io.Discard
	}

	k, _, err := simulate(opts, os.Stdout, log)
	if err != nil {
		return err
	}

	if opts.pngPath != "" {
		return renderPools(k.Frames, opts.pngPath)
	}
	return nil
}

func main() {
	if err := runTool(); err != nil {
		exit(err)
	}
}
