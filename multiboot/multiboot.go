// Package multiboot decodes the multiboot2 boot information block handed to
// the kernel by the boot loader.
package multiboot

import (
	"encoding/binary"
	"strings"
	"vmkern/kernel"
)

var (
	errInfoTooShort  = &kernel.Error{Module: "multiboot", Message: "boot info block is truncated"}
	errTagOutOfRange = &kernel.Error{Module: "multiboot", Message: "boot info tag extends past the end of the block"}
)

type tagType uint32

// nolint
const (
	tagMbSectionEnd tagType = iota
	tagBootCmdLine
	tagBootLoaderName
	tagModules
	tagBasicMemoryInfo
	tagBiosBootDevice
	tagMemoryMap
)

const (
	// infoHeaderSize is the size of the fixed header (total size and a
	// reserved dword) that precedes the first tag.
	infoHeaderSize = 8

	// tagHeaderSize is the size of the (type, size) pair that precedes each
	// tag payload.
	tagHeaderSize = 8

	// mmapHeaderSize is the size of the (entry size, entry version) pair
	// that precedes the memory map entries.
	mmapHeaderSize = 8

	// mmapEntrySize is the size of a version 0 memory map entry.
	mmapEntrySize = 24
)

// MemoryEntryType defines the type of a MemoryMapEntry.
type MemoryEntryType uint32

const (
	// MemAvailable indicates that the memory region is available for use.
	MemAvailable MemoryEntryType = iota + 1

	// MemReserved indicates that the memory region is not available for use.
	MemReserved

	// MemAcpiReclaimable indicates a memory region that holds ACPI info that
	// can be reused by the OS.
	MemAcpiReclaimable

	// MemNvs indicates memory that must be preserved when hibernating.
	MemNvs

	// Any value >= memUnknown will be mapped to MemReserved.
	memUnknown
)

// MemRegionVisitor defies a visitor function that gets invoked by VisitMemRegions
// for each memory region provided by the boot loader. The visitor must return true
// to continue or false to abort the scan.
type MemRegionVisitor func(*MemoryMapEntry) bool

// MemoryMapEntry describes a memory region entry, namely its physical address,
// its length and its type.
type MemoryMapEntry struct {
	// The physical address for this memory region.
	PhysAddress uint64

	// The length of the memory region.
	Length uint64

	// The type of this entry.
	Type MemoryEntryType
}

// String implements fmt.Stringer for MemoryEntryType.
func (t MemoryEntryType) String() string {
	switch t {
	case MemAvailable:
		return "available"
	case MemReserved:
		return "reserved"
	case MemAcpiReclaimable:
		return "ACPI (reclaimable)"
	case MemNvs:
		return "NVS"
	default:
		return "unknown"
	}
}

// Info provides access to a multiboot2 information block.
type Info struct {
	data      []byte
	cmdLineKV map[string]string
}

// Parse validates the header of a multiboot information block and returns an
// Info that reads from it. The block is not copied.
func Parse(data []byte) (*Info, *kernel.Error) {
	if len(data) < infoHeaderSize+tagHeaderSize {
		return nil, errInfoTooShort
	}

	totalSize := binary.LittleEndian.Uint32(data)
	if uint64(totalSize) > uint64(len(data)) || totalSize < infoHeaderSize+tagHeaderSize {
		return nil, errInfoTooShort
	}

	info := &Info{data: data[:totalSize]}

	// Walk the tag list once so that later lookups never run off the block
	for off := uint32(infoHeaderSize); ; {
		if off+tagHeaderSize > totalSize {
			return nil, errTagOutOfRange
		}

		typ := tagType(binary.LittleEndian.Uint32(data[off:]))
		size := binary.LittleEndian.Uint32(data[off+4:])
		if size < tagHeaderSize || uint64(off)+uint64(size) > uint64(totalSize) {
			return nil, errTagOutOfRange
		}

		if typ == tagMbSectionEnd {
			break
		}

		// Tags are aligned at 8-byte aligned addresses
		off += (size + 7) &^ 7
	}

	return info, nil
}

// VisitMemRegions will invoke the supplied visitor for each memory region that
// is defined by the multiboot info data that we received from the bootloader.
func (info *Info) VisitMemRegions(visitor MemRegionVisitor) {
	payload := info.findTagByType(tagMemoryMap)
	if len(payload) < mmapHeaderSize {
		return
	}

	entrySize := int(binary.LittleEndian.Uint32(payload))
	if entrySize < mmapEntrySize {
		return
	}

	var entry MemoryMapEntry
	for cur := mmapHeaderSize; cur+mmapEntrySize <= len(payload); cur += entrySize {
		entry.PhysAddress = binary.LittleEndian.Uint64(payload[cur:])
		entry.Length = binary.LittleEndian.Uint64(payload[cur+8:])
		entry.Type = MemoryEntryType(binary.LittleEndian.Uint32(payload[cur+16:]))

		// Mark unknown entry types as reserved
		if entry.Type == 0 || entry.Type >= memUnknown {
			entry.Type = MemReserved
		}

		if !visitor(&entry) {
			return
		}
	}
}

// BootLoaderName returns the name of the boot loader or an empty string if
// the boot loader did not supply one.
func (info *Info) BootLoaderName() string {
	return cString(info.findTagByType(tagBootLoaderName))
}

// BootCmdLine returns the command line key-value pairs passed to the
// kernel. Flags without a value (e.g. "pv_eoi") map to themselves.
func (info *Info) BootCmdLine() map[string]string {
	if info.cmdLineKV != nil {
		return info.cmdLineKV
	}

	info.cmdLineKV = make(map[string]string)
	pairs := strings.Fields(cString(info.findTagByType(tagBootCmdLine)))
	for _, pair := range pairs {
		kv := strings.Split(pair, "=")
		switch len(kv) {
		case 2: // foo=bar
			info.cmdLineKV[kv[0]] = kv[1]
		case 1: // nofoo
			info.cmdLineKV[kv[0]] = kv[0]
		}
	}

	return info.cmdLineKV
}

// findTagByType scans the multiboot info data looking for the start of of the
// specified type. It returns the tag payload excluding the tag header or nil
// if the tag is not present.
func (info *Info) findTagByType(t tagType) []byte {
	for off := uint32(infoHeaderSize); ; {
		typ := tagType(binary.LittleEndian.Uint32(info.data[off:]))
		size := binary.LittleEndian.Uint32(info.data[off+4:])
		if typ == tagMbSectionEnd {
			return nil
		}

		if typ == t {
			return info.data[off+tagHeaderSize : off+size]
		}

		off += (size + 7) &^ 7
	}
}

// cString returns the contents of a NULL-terminated string.
func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
