package kfmt

import "vmkern/kernel"

var (
	// cpuHaltFn is mocked by tests.
	cpuHaltFn = haltForever
)

// haltForever parks the calling core.
func haltForever() {
	select {}
}

// Panic outputs the supplied error (if not nil) to the console and halts the
// calling core. Calls to Panic never return unless the halt function has
// been replaced by a test.
func Panic(e interface{}) {
	DumpPanic(e)
	cpuHaltFn()
}

// DumpPanic prints the kernel panic banner for e without halting. It is used
// by callers that need to freeze the remaining cores before the banner is
// printed and halt the current core afterwards.
func DumpPanic(e interface{}) {
	var err *kernel.Error

	switch t := e.(type) {
	case *kernel.Error:
		err = t
	case string:
		err = &kernel.Error{Module: "rt", Message: t}
	case error:
		err = &kernel.Error{Module: "rt", Message: t.Error()}
	}

	Printf("\n-----------------------------------\n")
	if err != nil {
		Printf("[%s] unrecoverable error: %s\n", err.Module, err.Message)
	}
	Printf("*** kernel panic: system halted ***")
	Printf("\n-----------------------------------\n")
}
