package mm

const (
	// PointerShift is equal to log2(unsafe.Sizeof(uintptr)). The pointer
	// size for the supported 64-bit architectures is (1 << PointerShift).
	PointerShift = uintptr(3)

	// PageShift is equal to log2(PageSize). This constant is used when
	// we need to convert a physical address to a page number (shift right by PageShift)
	// and vice-versa.
	PageShift = uintptr(12)

	// PageSize defines the system's page size in bytes. All three supported
	// architectures use 4K granules.
	PageSize = uintptr(1 << PageShift)

	// EntriesPerTable is the number of 8-byte entries in a page table.
	EntriesPerTable = PageSize >> PointerShift
)
