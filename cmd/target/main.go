//go:build windows && 386

// Demo injection target. It maps a small cdecl routine
//
//	int sum(int a, int b) { return a + b; }
//
// into executable memory, prints its address and the PID for use with
// remotecall, and blocks forever.
package main

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/windows"
)

// mov eax, [esp+4]; add eax, [esp+8]; ret
var sumCode = []byte{0x8B, 0x44, 0x24, 0x04, 0x03, 0x44, 0x24, 0x08, 0xC3}

func main() {
	addr, err := windows.VirtualAlloc(0, uintptr(len(sumCode)),
		windows.MEM_COMMIT|windows.MEM_RESERVE, windows.PAGE_EXECUTE_READWRITE)
	if err != nil {
		fmt.Fprintln(os.Stderr, "VirtualAlloc:", err)
		os.Exit(1)
	}
	copy(unsafe.Slice((*byte)(unsafe.Pointer(addr)), len(sumCode)), sumCode)

	fmt.Printf("target: pid %d\n", os.Getpid())
	fmt.Printf("target: sum(a, b) at 0x%x\n", addr)
	fmt.Printf("try: remotecall %d %x 2 3 4\n", os.Getpid(), addr)
	select {}
}
