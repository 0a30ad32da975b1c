package mm

// Prot describes the access rights of a mapping together with the memory
// type used to cache it.
type Prot uint16

const (
	// ProtRead allows loads from the mapping.
	ProtRead Prot = 1 << iota

	// ProtWrite allows stores to the mapping.
	ProtWrite

	// ProtExec allows instruction fetches from the mapping.
	ProtExec

	// ProtNone denies every access.
	ProtNone Prot = 0

	protAccessMask = ProtRead | ProtWrite | ProtExec
	memTypeShift   = 8
)

// MemType selects the caching policy of a mapping.
type MemType uint8

// The supported memory types.
const (
	MemWriteBack MemType = iota
	MemWriteCombining
	MemUncacheable
	MemWriteThrough
	MemMMIO
)

var memTypeNames = [...]string{"WB", "WC", "UC", "WT", "MMIO"}

// String implements fmt.Stringer for MemType.
func (t MemType) String() string {
	if int(t) < len(memTypeNames) {
		return memTypeNames[t]
	}
	return "??"
}

// Access returns the read/write/execute bits of p.
func (p Prot) Access() Prot {
	return p & protAccessMask
}

// MemType returns the memory type encoded in p.
func (p Prot) MemType() MemType {
	return MemType(p >> memTypeShift)
}

// WithMemType returns a copy of p that uses the supplied memory type.
func (p Prot) WithMemType(t MemType) Prot {
	return p.Access() | Prot(t)<<memTypeShift
}

// Allows returns true if every access right in req is granted by p.
func (p Prot) Allows(req Prot) bool {
	return p.Access()&req.Access() == req.Access()
}

// String renders the access bits as "rwx" with dashes for missing rights.
func (p Prot) String() string {
	buf := [3]byte{'-', '-', '-'}
	if p&ProtRead != 0 {
		buf[0] = 'r'
	}
	if p&ProtWrite != 0 {
		buf[1] = 'w'
	}
	if p&ProtExec != 0 {
		buf[2] = 'x'
	}
	return string(buf[:])
}
