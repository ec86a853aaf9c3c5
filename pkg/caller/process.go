//go:build windows

package caller

const (
	PROCESS_ALL_ACCESS = 0x1F0FFF

	MEM_COMMIT  = 0x00001000
	MEM_RESERVE = 0x00002000
	MEM_RELEASE = 0x00008000

	PAGE_EXECUTE_READWRITE = 0x40
	PAGE_READWRITE         = 0x04

	TH32CS_SNAPMODULE   = 0x00000008
	TH32CS_SNAPMODULE32 = 0x00000010

	STATUS_TIMEOUT = 0x00000102
)

// Process is an open handle to the target with the access the pipeline needs:
// allocate, write, create thread, query. Open, Close and the other OS-facing
// methods live in the per-architecture sys_windows_*.go files: the amd64
// build dispatches through go-wincall and go-native-syscall, the 386 build
// through x/sys/windows, and both drive the identical pipeline.
type Process struct {
	handle uintptr
	pid    uint32
}

// PID returns the target's process identifier.
func (p *Process) PID() uint32 { return p.pid }
