package multiboot

import "encoding/binary"

// Builder assembles a multiboot2 information block. It is used by boot
// loaders that run the kernel in-process (the simulator) and by tests.
type Builder struct {
	cmdLine    string
	loaderName string
	regions    []MemoryMapEntry
}

// SetCmdLine sets the kernel command line.
func (b *Builder) SetCmdLine(cmdLine string) *Builder {
	b.cmdLine = cmdLine
	return b
}

// SetBootLoaderName sets the boot loader name.
func (b *Builder) SetBootLoaderName(name string) *Builder {
	b.loaderName = name
	return b
}

// AddMemRegion appends an entry to the memory map.
func (b *Builder) AddMemRegion(physAddr, length uint64, typ MemoryEntryType) *Builder {
	b.regions = append(b.regions, MemoryMapEntry{PhysAddress: physAddr, Length: length, Type: typ})
	return b
}

// Bytes encodes the information block.
func (b *Builder) Bytes() []byte {
	out := make([]byte, infoHeaderSize, 256)

	if b.cmdLine != "" {
		out = appendTag(out, tagBootCmdLine, append([]byte(b.cmdLine), 0))
	}

	if b.loaderName != "" {
		out = appendTag(out, tagBootLoaderName, append([]byte(b.loaderName), 0))
	}

	if len(b.regions) != 0 {
		payload := make([]byte, mmapHeaderSize+len(b.regions)*mmapEntrySize)
		binary.LittleEndian.PutUint32(payload, mmapEntrySize)
		for i, region := range b.regions {
			entry := payload[mmapHeaderSize+i*mmapEntrySize:]
			binary.LittleEndian.PutUint64(entry, region.PhysAddress)
			binary.LittleEndian.PutUint64(entry[8:], region.Length)
			binary.LittleEndian.PutUint32(entry[16:], uint32(region.Type))
		}
		out = appendTag(out, tagMemoryMap, payload)
	}

	out = appendTag(out, tagMbSectionEnd, nil)
	binary.LittleEndian.PutUint32(out, uint32(len(out)))
	return out
}

func appendTag(out []byte, t tagType, payload []byte) []byte {
	var hdr [tagHeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(t))
	binary.LittleEndian.PutUint32(hdr[4:], uint32(tagHeaderSize+len(payload)))
	out = append(out, hdr[:]...)
	out = append(out, payload...)

	// Pad to the next 8-byte boundary
	for len(out)&7 != 0 {
		out = append(out, 0)
	}
	return out
}
