//go:build windows

package caller

// remoteAlloc is one committed region in the target's address space, owned by
// a single in-flight call and always paired with a free.
type remoteAlloc struct {
	proc *Process
	base uintptr
	size uintptr
}

// allocExecutable commits a readable, writable, executable region sized to a
// stub. The OS picks the base address; the stub's call displacement must be
// patched against it before the bytes are written.
func (p *Process) allocExecutable(size uintptr) (*remoteAlloc, error) {
	return p.alloc(size, uintptr(PAGE_EXECUTE_READWRITE))
}

// remoteThread is a thread created in, and executing within, the target.
type remoteThread struct {
	handle uintptr
	id     uintptr
}
