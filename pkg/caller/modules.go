//go:build windows

package caller

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"unicode/utf16"
)

// ParseSymbol splits a "module.dll!Export" function reference.
func ParseSymbol(s string) (module, export string, ok bool) {
	i := strings.IndexByte(s, '!')
	if i <= 0 || i == len(s)-1 {
		return "", "", false
	}
	return s[:i], s[i+1:], true
}

// ResolveFunction turns a module!export reference into an address inside the
// target process. The export's RVA is computed against this process's copy of
// the module and rebased onto the target's copy; exports keep the same RVA in
// every process mapping the same image. If the target has not loaded the
// module, a LoadLibraryA thread is run in it first.
func (p *Process) ResolveFunction(module, export string) (uintptr, error) {
	rva, err := localProcRVA(module, export)
	if err != nil {
		return 0, err
	}
	base, err := p.ModuleBase(module)
	if errors.Is(err, ErrModuleNotFound) {
		base, err = p.LoadModule(module)
	}
	if err != nil {
		return 0, err
	}
	return base + rva, nil
}

// LoadModule forces the target to load a DLL by running LoadLibraryA on a
// remote thread with the module name as the thread-start argument, then
// returns the freshly loaded module's base.
func (p *Process) LoadModule(name string) (uintptr, error) {
	loadLibrary, err := p.remoteKernel32Proc("LoadLibraryA")
	if err != nil {
		return 0, err
	}

	nameA := append([]byte(name), 0)
	buf, err := p.alloc(uintptr(len(nameA)), uintptr(PAGE_READWRITE))
	if err != nil {
		return 0, err
	}
	if err := buf.write(nameA); err != nil {
		buf.free()
		return 0, err
	}

	thread, err := p.startThread(loadLibrary, buf.base)
	if err != nil {
		buf.free()
		return 0, err
	}
	err = thread.wait(0)
	thread.close()
	if err != nil {
		// The LoadLibraryA thread may still be reading the name buffer;
		// freeing it under a live thread could corrupt the target.
		log.Printf("[RemoteCall] leaking %d bytes at 0x%X in pid %d after failed wait",
			buf.size, buf.base, p.pid)
		return 0, err
	}
	if ferr := buf.free(); ferr != nil {
		log.Printf("[RemoteCall] %v", ferr)
	}

	base, err := p.ModuleBase(name)
	if err != nil {
		return 0, fmt.Errorf("%w: %s not loaded after LoadLibraryA", ErrModuleNotFound, name)
	}
	return base, nil
}

// remoteKernel32Proc rebases a kernel32 export onto the target's kernel32.
func (p *Process) remoteKernel32Proc(name string) (uintptr, error) {
	rva, err := localProcRVA("kernel32.dll", name)
	if err != nil {
		return 0, err
	}
	base, err := p.ModuleBase("kernel32.dll")
	if err != nil {
		return 0, err
	}
	return base + rva, nil
}

func utf16ToString(buf []uint16) string {
	n := 0
	for n < len(buf) && buf[n] != 0 {
		n++
	}
	return string(utf16.Decode(buf[:n]))
}
