package kernel

// Error describes a kernel error. All kernel errors must be defined as global
// variables that are pointers to the Error structure. Code running below the
// scheduler cannot rely on the Go allocator being usable from every context
// (e.g. with the kernel lock held while another core is frozen) so errors.New
// is never used inside the kernel tree.
type Error struct {
	// The module where the error occurred.
	Module string

	// The error message
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}
