//go:build windows && 386

package caller_test

import (
	"errors"
	"os"
	"runtime"
	"testing"
	"time"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/carved4/remotecall/pkg/caller"
)

// Hand-assembled cdecl routines. The tests map them into this process and
// then drive the full pipeline against our own PID.
var (
	// mov eax, [esp+4]; add eax, [esp+8]; ret
	sumCode = []byte{0x8B, 0x44, 0x24, 0x04, 0x03, 0x44, 0x24, 0x08, 0xC3}
	// mov eax, 42; ret
	const42Code = []byte{0xB8, 0x2A, 0x00, 0x00, 0x00, 0xC3}
	// mov eax, [esp+4]; ret
	firstArgCode = []byte{0x8B, 0x44, 0x24, 0x04, 0xC3}
)

func mapRoutine(t *testing.T, code []byte) uintptr {
	t.Helper()
	addr, err := windows.VirtualAlloc(0, uintptr(len(code)),
		windows.MEM_COMMIT|windows.MEM_RESERVE, windows.PAGE_EXECUTE_READWRITE)
	if err != nil {
		t.Fatalf("VirtualAlloc: %v", err)
	}
	t.Cleanup(func() { windows.VirtualFree(addr, 0, windows.MEM_RELEASE) })
	copy(unsafe.Slice((*byte)(unsafe.Pointer(addr)), len(code)), code)
	return addr
}

func selfPID() uint32 { return uint32(os.Getpid()) }

func TestCallSum(t *testing.T) {
	fn := mapRoutine(t, sumCode)
	res, err := caller.Call(caller.Request{PID: selfPID(), FunctionAddress: fn, Args: []uintptr{3, 4}})
	if err != nil {
		t.Fatal(err)
	}
	if res.Value != 7 {
		t.Fatalf("sum(3, 4) = %d, want 7", res.Value)
	}
}

func TestCallNoArgs(t *testing.T) {
	fn := mapRoutine(t, const42Code)
	res, err := caller.Call(caller.Request{PID: selfPID(), FunctionAddress: fn})
	if err != nil {
		t.Fatal(err)
	}
	if res.Value != 42 {
		t.Fatalf("const42() = %d, want 42", res.Value)
	}
}

func TestCallArgumentOrder(t *testing.T) {
	fn := mapRoutine(t, firstArgCode)
	res, err := caller.Call(caller.Request{PID: selfPID(), FunctionAddress: fn, Args: []uintptr{10, 20, 30}})
	if err != nil {
		t.Fatal(err)
	}
	if res.Value != 10 {
		t.Fatalf("firstArg(10, 20, 30) = %d, want 10 (arguments must be pushed right to left)", res.Value)
	}
}

func handleCount(t *testing.T) uint32 {
	t.Helper()
	proc := windows.NewLazySystemDLL("kernel32.dll").NewProc("GetProcessHandleCount")
	var n uint32
	r, _, err := proc.Call(uintptr(windows.CurrentProcess()), uintptr(unsafe.Pointer(&n)))
	if r == 0 {
		t.Fatalf("GetProcessHandleCount: %v", err)
	}
	return n
}

type processMemoryCounters struct {
	Cb                         uint32
	PageFaultCount             uint32
	PeakWorkingSetSize         uintptr
	WorkingSetSize             uintptr
	QuotaPeakPagedPoolUsage    uintptr
	QuotaPagedPoolUsage        uintptr
	QuotaPeakNonPagedPoolUsage uintptr
	QuotaNonPagedPoolUsage     uintptr
	PagefileUsage              uintptr
	PeakPagefileUsage          uintptr
}

// pagefileUsage returns this process's committed memory. The tests target
// themselves, so a stub allocation leaked by the pipeline shows up here.
func pagefileUsage(t *testing.T) uintptr {
	t.Helper()
	proc := windows.NewLazySystemDLL("psapi.dll").NewProc("GetProcessMemoryInfo")
	var pmc processMemoryCounters
	pmc.Cb = uint32(unsafe.Sizeof(pmc))
	r, _, err := proc.Call(uintptr(windows.CurrentProcess()),
		uintptr(unsafe.Pointer(&pmc)), uintptr(pmc.Cb))
	if r == 0 {
		t.Fatalf("GetProcessMemoryInfo: %v", err)
	}
	return pmc.PagefileUsage
}

func TestCallDoesNotLeakResources(t *testing.T) {
	fn := mapRoutine(t, sumCode)
	req := caller.Request{PID: selfPID(), FunctionAddress: fn, Args: []uintptr{1, 2}}

	// Warm up lazy DLL state and runtime allocations so they are not
	// counted as growth.
	for i := 0; i < 2; i++ {
		if _, err := caller.Call(req); err != nil {
			t.Fatal(err)
		}
	}
	runtime.GC()
	before := handleCount(t)
	beforeMem := pagefileUsage(t)

	const n = 25
	for i := 0; i < n; i++ {
		if _, err := caller.Call(req); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	runtime.GC()

	// Each call holds a process and a thread handle and releases both;
	// allow a little unrelated churn but nothing proportional to n.
	if after := handleCount(t); after > before+4 {
		t.Fatalf("handle count grew from %d to %d over %d calls", before, after, n)
	}
	// A leaked stub region commits at least a page per call.
	if afterMem := pagefileUsage(t); afterMem >= beforeMem+n*4096 {
		t.Fatalf("committed memory grew from %d to %d bytes over %d calls",
			beforeMem, afterMem, n)
	}
}

func TestCallNonexistentProcess(t *testing.T) {
	_, err := caller.Call(caller.Request{PID: 0xFFFFFFF0, FunctionAddress: 0x1000})
	if !errors.Is(err, caller.ErrProcessAccess) {
		t.Fatalf("err = %v, want ErrProcessAccess", err)
	}
}

func TestCallTimeout(t *testing.T) {
	// jmp $ — never returns. Allocated without cleanup: the spinning thread
	// keeps using it until the test process exits.
	spin, err := windows.VirtualAlloc(0, 2,
		windows.MEM_COMMIT|windows.MEM_RESERVE, windows.PAGE_EXECUTE_READWRITE)
	if err != nil {
		t.Fatalf("VirtualAlloc: %v", err)
	}
	copy(unsafe.Slice((*byte)(unsafe.Pointer(spin)), 2), []byte{0xEB, 0xFE})

	_, err = caller.CallWithOptions(
		caller.Request{PID: selfPID(), FunctionAddress: spin},
		caller.Options{Timeout: 200 * time.Millisecond},
	)
	if !errors.Is(err, caller.ErrExecutionTimeout) {
		t.Fatalf("err = %v, want ErrExecutionTimeout", err)
	}
}
