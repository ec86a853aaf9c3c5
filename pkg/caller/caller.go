//go:build windows

package caller

import (
	"errors"
	"log"
	"time"
)

// Request describes one forced call: the target process, the function to
// invoke, and its word-sized arguments in left-to-right order.
type Request struct {
	PID             uint32
	FunctionAddress uintptr
	Args            []uintptr
}

// Result is the value the called function returned, read back from the
// remote thread's exit code.
type Result struct {
	Value uint32
}

// Faulted reports whether the value falls in the NTSTATUS error-severity
// range. A remote thread that crashes exits with its exception code (for
// example 0xC0000005), but a function may legitimately return such a value
// too, so this is a hint rather than a verdict.
func (r Result) Faulted() bool {
	return r.Value >= 0xC0000000
}

// Options tunes a single call.
type Options struct {
	// Timeout bounds the wait on the remote thread. Zero waits forever.
	// On expiry the thread keeps running and its stub allocation is leaked
	// instead of being freed under a live thread.
	Timeout time.Duration

	// Convention selects the stub encoder. Defaults to Cdecl32.
	Convention Convention
}

// Call opens the target process, performs the remote call, and releases every
// acquired resource before returning.
func Call(req Request) (Result, error) {
	return CallWithOptions(req, Options{})
}

// CallWithOptions is Call with an explicit timeout and convention.
func CallWithOptions(req Request, opts Options) (Result, error) {
	p, err := Open(req.PID)
	if err != nil {
		return Result{}, err
	}
	defer p.Close()
	return p.Call(req.FunctionAddress, req.Args, opts)
}

// Call injects a caller stub for functionAddr(args...) into the target and
// runs it on a new thread, returning the function's return value.
//
// The stub cannot be finalized before remote memory exists: the near call
// displacement depends on the stub's own address. So the template is encoded
// first, the allocation made, the displacement patched, and only then are
// the bytes written and executed.
func (p *Process) Call(functionAddr uintptr, args []uintptr, opts Options) (Result, error) {
	conv := opts.Convention
	if conv == nil {
		conv = Cdecl32{}
	}

	stub, err := conv.EncodeTemplate(args)
	if err != nil {
		return Result{}, err
	}

	alloc, err := p.allocExecutable(uintptr(len(stub)))
	if err != nil {
		return Result{}, err
	}

	if err := conv.Patch(stub, functionAddr, alloc.base); err != nil {
		alloc.free()
		return Result{}, err
	}
	if err := alloc.write(stub); err != nil {
		alloc.free()
		return Result{}, err
	}

	thread, err := p.startThread(alloc.base, 0)
	if err != nil {
		alloc.free()
		return Result{}, err
	}

	if err := thread.wait(opts.Timeout); err != nil {
		thread.close()
		if errors.Is(err, ErrExecutionTimeout) {
			// The stub is still executing; freeing it now would pull the
			// code out from under the remote thread.
			log.Printf("[RemoteCall] leaking %d bytes at 0x%X in pid %d after timeout",
				alloc.size, alloc.base, p.pid)
			return Result{}, err
		}
		alloc.free()
		return Result{}, err
	}

	code, err := thread.exitCode()
	thread.close()
	if ferr := alloc.free(); ferr != nil {
		log.Printf("[RemoteCall] %v", ferr)
	}
	if err != nil {
		return Result{}, err
	}
	return Result{Value: code}, nil
}
