package pmm

import (
	"io"
	"vmkern/kernel/kfmt"
	"vmkern/kernel/mem"
	"vmkern/kernel/mm"
)

// DumpInfo writes the physical memory usage report to w.
func (a *Allocator) DumpInfo(w io.Writer) {
	used, size, admin := a.Stats()
	PrintUsageLine(w, "PhysicalUsed:     ", used<<mm.PageShift)
	PrintUsageLine(w, "PhysicalSize:     ", size<<mm.PageShift)
	PrintUsageLine(w, "PhysicalReserved :", admin<<mm.PageShift)
}

// PrintUsageLine writes a "key 0xHEX (human size)" report line to w.
func PrintUsageLine(w io.Writer, key string, bytes uint64) {
	kfmt.Fprintf(w, "%s 0x%16x (%s)\n", key, bytes, mem.Size(bytes).HumanString())
}
