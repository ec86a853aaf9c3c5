package caller

import (
	"fmt"
	"strings"
	"time"
	"unsafe"

	sys "github.com/carved4/go-native-syscall"
	api "github.com/carved4/go-wincall"
)

type MODULEENTRY32 struct {
	DwSize        uint32
	Th32ModuleID  uint32
	Th32ProcessID uint32
	GlblcntUsage  uint32
	ProccntUsage  uint32
	ModBaseAddr   uintptr
	ModBaseSize   uint32
	HModule       uintptr
	SzModule      [256]uint16
	SzExePath     [260]uint16
}

// Open acquires a PROCESS_ALL_ACCESS handle to the target process.
func Open(pid uint32) (*Process, error) {
	h, err := api.Call("kernel32.dll", "OpenProcess", uintptr(PROCESS_ALL_ACCESS), 0, uintptr(pid))
	if err != nil || h == 0 {
		return nil, fmt.Errorf("%w: OpenProcess(%d) failed (%s)", ErrProcessAccess, pid, lastError(err))
	}
	return &Process{handle: h, pid: pid}, nil
}

// Close releases the process handle. Safe to call more than once.
func (p *Process) Close() error {
	if p.handle == 0 {
		return nil
	}
	st, err := sys.NtClose(p.handle)
	p.handle = 0
	if err != nil || st != 0 {
		return fmt.Errorf("NtClose(process) failed: status 0x%X, %v", st, err)
	}
	return nil
}

// lastError renders the current Win32 error for diagnostics. The code is
// fetched by a separate dispatch, so API activity inside the dispatcher can
// overwrite it between the failing call and here; treat it as best effort.
func lastError(callErr error) string {
	code, _ := api.Call("kernel32.dll", "GetLastError")
	if callErr != nil {
		return fmt.Sprintf("lasterr=0x%X, %v", code, callErr)
	}
	return fmt.Sprintf("lasterr=0x%X", code)
}

func (p *Process) alloc(size, protect uintptr) (*remoteAlloc, error) {
	base, err := api.Call("kernel32.dll", "VirtualAllocEx", p.handle, 0, size,
		uintptr(MEM_COMMIT|MEM_RESERVE), protect)
	if err != nil || base == 0 {
		return nil, fmt.Errorf("%w: VirtualAllocEx(%d bytes) in pid %d failed (%s)",
			ErrRemoteAllocation, size, p.pid, lastError(err))
	}
	return &remoteAlloc{proc: p, base: base, size: size}, nil
}

// write copies buf into the allocation and flushes the target's instruction
// cache so the new code is visible to the thread about to run it.
func (a *remoteAlloc) write(buf []byte) error {
	var written uintptr
	st, err := api.NtWriteVirtualMemory(a.proc.handle, a.base,
		uintptr(unsafe.Pointer(&buf[0])), uintptr(len(buf)), &written)
	if err != nil || st != 0 || written != uintptr(len(buf)) {
		return fmt.Errorf("%w: NtWriteVirtualMemory wrote %d/%d bytes (status=0x%X, %v)",
			ErrRemoteWrite, written, len(buf), st, err)
	}
	api.Call("kernel32.dll", "FlushInstructionCache", a.proc.handle, a.base, uintptr(len(buf)))
	return nil
}

// free releases the region. MEM_RELEASE requires a zero size.
func (a *remoteAlloc) free() error {
	if a.base == 0 {
		return nil
	}
	base := a.base
	a.base = 0
	ok, err := api.Call("kernel32.dll", "VirtualFreeEx", a.proc.handle, base, 0, uintptr(MEM_RELEASE))
	if err != nil || ok == 0 {
		return fmt.Errorf("VirtualFreeEx(0x%X) failed (%s)", base, lastError(err))
	}
	return nil
}

// startThread begins executing entry on a new thread in the target, with
// param as the thread-start argument.
func (p *Process) startThread(entry, param uintptr) (*remoteThread, error) {
	var tid uintptr
	h, err := api.Call("kernel32.dll", "CreateRemoteThread", p.handle, 0, 0, entry, param, 0,
		uintptr(unsafe.Pointer(&tid)))
	if err != nil || h == 0 {
		return nil, fmt.Errorf("%w: CreateRemoteThread at 0x%X in pid %d failed (%s)",
			ErrThreadCreation, entry, p.pid, lastError(err))
	}
	return &remoteThread{handle: h, id: tid}, nil
}

// wait blocks until the thread terminates. A zero timeout waits forever; a
// positive one yields ErrExecutionTimeout on expiry and leaves the thread
// running, since terminating it mid-instruction could corrupt the target's
// stack.
func (t *remoteThread) wait(timeout time.Duration) error {
	var timeoutPtr *uint64
	if timeout > 0 {
		interval := ntRelativeInterval(timeout)
		timeoutPtr = &interval
	}
	st, err := sys.NtWaitForSingleObject(t.handle, false, timeoutPtr)
	if err != nil {
		return fmt.Errorf("NtWaitForSingleObject failed: %v", err)
	}
	if st == STATUS_TIMEOUT {
		return fmt.Errorf("%w: thread %d still running after %v", ErrExecutionTimeout, t.id, timeout)
	}
	if st != 0 {
		return fmt.Errorf("NtWaitForSingleObject: status 0x%X", st)
	}
	return nil
}

// exitCode reads the terminated thread's exit value, which carries whatever
// the called function left in the result register.
func (t *remoteThread) exitCode() (uint32, error) {
	var code uint32
	ok, err := api.Call("kernel32.dll", "GetExitCodeThread", t.handle, uintptr(unsafe.Pointer(&code)))
	if err != nil || ok == 0 {
		return 0, fmt.Errorf("GetExitCodeThread failed (%s)", lastError(err))
	}
	return code, nil
}

func (t *remoteThread) close() {
	if t.handle != 0 {
		sys.NtClose(t.handle)
		t.handle = 0
	}
}

// ModuleBase scans a toolhelp module snapshot of the target for the named
// module (case-insensitive) and returns its base address.
func (p *Process) ModuleBase(name string) (uintptr, error) {
	snap, err := api.Call("kernel32.dll", "CreateToolhelp32Snapshot",
		uintptr(TH32CS_SNAPMODULE|TH32CS_SNAPMODULE32), uintptr(p.pid))
	if err != nil || snap == 0 || snap == ^uintptr(0) {
		return 0, fmt.Errorf("%w: CreateToolhelp32Snapshot(pid %d) failed (%s)",
			ErrProcessAccess, p.pid, lastError(err))
	}
	defer api.Call("kernel32.dll", "CloseHandle", snap)

	var me MODULEENTRY32
	me.DwSize = uint32(unsafe.Sizeof(me))

	target := strings.ToLower(name)
	ok, _ := api.Call("kernel32.dll", "Module32FirstW", snap, uintptr(unsafe.Pointer(&me)))
	for ok != 0 {
		if strings.ToLower(utf16ToString(me.SzModule[:])) == target {
			return me.ModBaseAddr, nil
		}
		ok, _ = api.Call("kernel32.dll", "Module32NextW", snap, uintptr(unsafe.Pointer(&me)))
	}
	return 0, fmt.Errorf("%w: %s in pid %d", ErrModuleNotFound, name, p.pid)
}

// localProcRVA loads the module into this process if needed and returns the
// export's offset from the module base.
func localProcRVA(module, export string) (uintptr, error) {
	nameA := append([]byte(module), 0)
	h, _ := api.Call("kernel32.dll", "GetModuleHandleA", uintptr(unsafe.Pointer(&nameA[0])))
	if h == 0 {
		var err error
		h, err = api.Call("kernel32.dll", "LoadLibraryA", uintptr(unsafe.Pointer(&nameA[0])))
		if err != nil || h == 0 {
			return 0, fmt.Errorf("%w: cannot load %s locally (%s)", ErrModuleNotFound, module, lastError(err))
		}
	}
	expA := append([]byte(export), 0)
	proc, err := api.Call("kernel32.dll", "GetProcAddress", h, uintptr(unsafe.Pointer(&expA[0])))
	if err != nil || proc == 0 {
		return 0, fmt.Errorf("%w: %s!%s (%s)", ErrSymbolNotFound, module, export, lastError(err))
	}
	return proc - h, nil
}
