package caller

import (
	"fmt"
	"strings"
	"time"
	"unsafe"

	"golang.org/x/sys/windows"
)

// go-wincall and go-native-syscall ship only amd64 dispatch assembly, so the
// 386 build reaches kernel32 through x/sys/windows and lazy procs instead.
// Both builds drive the same pipeline in caller.go and modules.go.
var (
	kernel32                  = windows.NewLazySystemDLL("kernel32.dll")
	procVirtualAllocEx        = kernel32.NewProc("VirtualAllocEx")
	procVirtualFreeEx         = kernel32.NewProc("VirtualFreeEx")
	procCreateRemoteThread    = kernel32.NewProc("CreateRemoteThread")
	procFlushInstructionCache = kernel32.NewProc("FlushInstructionCache")
	procGetExitCodeThread     = kernel32.NewProc("GetExitCodeThread")
	procGetModuleHandleW      = kernel32.NewProc("GetModuleHandleW")
)

// Open acquires a PROCESS_ALL_ACCESS handle to the target process.
func Open(pid uint32) (*Process, error) {
	h, err := windows.OpenProcess(PROCESS_ALL_ACCESS, false, pid)
	if err != nil {
		return nil, fmt.Errorf("%w: OpenProcess(%d) failed (%v)", ErrProcessAccess, pid, err)
	}
	return &Process{handle: uintptr(h), pid: pid}, nil
}

// Close releases the process handle. Safe to call more than once.
func (p *Process) Close() error {
	if p.handle == 0 {
		return nil
	}
	h := windows.Handle(p.handle)
	p.handle = 0
	if err := windows.CloseHandle(h); err != nil {
		return fmt.Errorf("CloseHandle(process) failed: %v", err)
	}
	return nil
}

func (p *Process) alloc(size, protect uintptr) (*remoteAlloc, error) {
	base, _, err := procVirtualAllocEx.Call(p.handle, 0, size,
		uintptr(MEM_COMMIT|MEM_RESERVE), protect)
	if base == 0 {
		return nil, fmt.Errorf("%w: VirtualAllocEx(%d bytes) in pid %d failed (%v)",
			ErrRemoteAllocation, size, p.pid, err)
	}
	return &remoteAlloc{proc: p, base: base, size: size}, nil
}

// write copies buf into the allocation and flushes the target's instruction
// cache so the new code is visible to the thread about to run it.
func (a *remoteAlloc) write(buf []byte) error {
	var written uintptr
	err := windows.WriteProcessMemory(windows.Handle(a.proc.handle), a.base,
		&buf[0], uintptr(len(buf)), &written)
	if err != nil || written != uintptr(len(buf)) {
		return fmt.Errorf("%w: WriteProcessMemory wrote %d/%d bytes (%v)",
			ErrRemoteWrite, written, len(buf), err)
	}
	procFlushInstructionCache.Call(a.proc.handle, a.base, uintptr(len(buf)))
	return nil
}

// free releases the region. MEM_RELEASE requires a zero size.
func (a *remoteAlloc) free() error {
	if a.base == 0 {
		return nil
	}
	base := a.base
	a.base = 0
	ok, _, err := procVirtualFreeEx.Call(a.proc.handle, base, 0, uintptr(MEM_RELEASE))
	if ok == 0 {
		return fmt.Errorf("VirtualFreeEx(0x%X) failed (%v)", base, err)
	}
	return nil
}

// startThread begins executing entry on a new thread in the target, with
// param as the thread-start argument.
func (p *Process) startThread(entry, param uintptr) (*remoteThread, error) {
	var tid uint32
	h, _, err := procCreateRemoteThread.Call(p.handle, 0, 0, entry, param, 0,
		uintptr(unsafe.Pointer(&tid)))
	if h == 0 {
		return nil, fmt.Errorf("%w: CreateRemoteThread at 0x%X in pid %d failed (%v)",
			ErrThreadCreation, entry, p.pid, err)
	}
	return &remoteThread{handle: h, id: uintptr(tid)}, nil
}

// wait blocks until the thread terminates. A zero timeout waits forever; a
// positive one yields ErrExecutionTimeout on expiry and leaves the thread
// running, since terminating it mid-instruction could corrupt the target's
// stack.
func (t *remoteThread) wait(timeout time.Duration) error {
	ms := uint32(windows.INFINITE)
	if timeout > 0 {
		ms = uint32(timeout / time.Millisecond)
		if ms == 0 {
			ms = 1
		}
	}
	ev, err := windows.WaitForSingleObject(windows.Handle(t.handle), ms)
	if err != nil {
		return fmt.Errorf("WaitForSingleObject failed: %v", err)
	}
	switch ev {
	case windows.WAIT_OBJECT_0:
		return nil
	case uint32(windows.WAIT_TIMEOUT):
		return fmt.Errorf("%w: thread %d still running after %v", ErrExecutionTimeout, t.id, timeout)
	}
	return fmt.Errorf("WaitForSingleObject: event 0x%X", ev)
}

// exitCode reads the terminated thread's exit value, which carries whatever
// the called function left in the result register.
func (t *remoteThread) exitCode() (uint32, error) {
	var code uint32
	ok, _, err := procGetExitCodeThread.Call(t.handle, uintptr(unsafe.Pointer(&code)))
	if ok == 0 {
		return 0, fmt.Errorf("GetExitCodeThread failed: %v", err)
	}
	return code, nil
}

func (t *remoteThread) close() {
	if t.handle != 0 {
		windows.CloseHandle(windows.Handle(t.handle))
		t.handle = 0
	}
}

// ModuleBase scans a toolhelp module snapshot of the target for the named
// module (case-insensitive) and returns its base address.
func (p *Process) ModuleBase(name string) (uintptr, error) {
	snap, err := windows.CreateToolhelp32Snapshot(TH32CS_SNAPMODULE|TH32CS_SNAPMODULE32, p.pid)
	if err != nil {
		return 0, fmt.Errorf("%w: CreateToolhelp32Snapshot(pid %d) failed (%v)",
			ErrProcessAccess, p.pid, err)
	}
	defer windows.CloseHandle(snap)

	var me windows.ModuleEntry32
	me.Size = uint32(unsafe.Sizeof(me))
	for err = windows.Module32First(snap, &me); err == nil; err = windows.Module32Next(snap, &me) {
		if strings.EqualFold(windows.UTF16ToString(me.Module[:]), name) {
			return me.ModBaseAddr, nil
		}
	}
	return 0, fmt.Errorf("%w: %s in pid %d", ErrModuleNotFound, name, p.pid)
}

// localProcRVA loads the module into this process if needed and returns the
// export's offset from the module base.
func localProcRVA(module, export string) (uintptr, error) {
	namep, err := windows.UTF16PtrFromString(module)
	if err != nil {
		return 0, fmt.Errorf("%w: bad module name %q", ErrModuleNotFound, module)
	}
	hm, _, _ := procGetModuleHandleW.Call(uintptr(unsafe.Pointer(namep)))
	h := windows.Handle(hm)
	if h == 0 {
		h, err = windows.LoadLibrary(module)
		if err != nil {
			return 0, fmt.Errorf("%w: cannot load %s locally (%v)", ErrModuleNotFound, module, err)
		}
	}
	proc, err := windows.GetProcAddress(h, export)
	if err != nil {
		return 0, fmt.Errorf("%w: %s!%s (%v)", ErrSymbolNotFound, module, export, err)
	}
	return proc - uintptr(h), nil
}
