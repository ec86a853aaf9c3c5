//go:build windows

package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/carved4/remotecall/pkg/caller"
)

const usageText = `Usage: remotecall [flags] PROCESS_ID FUNCTION_ADDRESS ARGUMENTS_NUMBER [ARGUMENTS]
  PROCESS_ID        Identifier of the local process whose function should be called.
  FUNCTION_ADDRESS  Hexadecimal address of the function, or module.dll!ExportName.
  ARGUMENTS_NUMBER  Number of arguments the function takes.
  ARGUMENTS         Function arguments (space-separated decimal), if any.
Flags:
  -timeout duration Give up waiting for the remote thread after this long (0 = wait forever).
`

func main() {
	timeout := flag.Duration("timeout", 0, "bound the wait on the remote thread (0 = wait forever)")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usageText) }
	flag.Parse()

	args := flag.Args()
	if len(args) < 3 {
		fmt.Fprintln(os.Stderr, "Invalid arguments number.")
		flag.Usage()
		os.Exit(2)
	}

	pid, err := strconv.ParseUint(args[0], 10, 32)
	if err != nil {
		fatalf("bad PROCESS_ID %q: %v", args[0], err)
	}
	argc, err := strconv.ParseUint(args[2], 10, 32)
	if err != nil {
		fatalf("bad ARGUMENTS_NUMBER %q: %v", args[2], err)
	}
	rest := args[3:]
	if uint64(len(rest)) != argc {
		fatalf("%v: ARGUMENTS_NUMBER is %d but %d arguments were given",
			caller.ErrArgumentCount, argc, len(rest))
	}
	callArgs := make([]uintptr, 0, len(rest))
	for _, a := range rest {
		v, err := strconv.ParseInt(a, 10, 64)
		if err != nil {
			fatalf("bad argument %q: %v", a, err)
		}
		callArgs = append(callArgs, uintptr(uint32(v)))
	}

	res, err := run(uint32(pid), args[1], callArgs, *timeout)
	if err != nil {
		fatalf("%v", err)
	}

	fmt.Printf("Result: 0x%x\n", res.Value)
	if res.Faulted() {
		fmt.Println("(value is in the NTSTATUS failure range; the remote thread may have faulted)")
	}
	os.Exit(int(res.Value))
}

func run(pid uint32, fnArg string, args []uintptr, timeout time.Duration) (caller.Result, error) {
	opts := caller.Options{Timeout: timeout}

	if mod, exp, ok := caller.ParseSymbol(fnArg); ok {
		p, err := caller.Open(pid)
		if err != nil {
			return caller.Result{}, err
		}
		defer p.Close()
		addr, err := p.ResolveFunction(mod, exp)
		if err != nil {
			return caller.Result{}, err
		}
		return p.Call(addr, args, opts)
	}

	addr, err := strconv.ParseUint(strings.TrimPrefix(fnArg, "0x"), 16, 64)
	if err != nil {
		return caller.Result{}, fmt.Errorf("bad FUNCTION_ADDRESS %q: %v", fnArg, err)
	}
	return caller.CallWithOptions(caller.Request{
		PID:             pid,
		FunctionAddress: uintptr(addr),
		Args:            args,
	}, opts)
}

func fatalf(format string, a ...any) {
	fmt.Fprintf(os.Stderr, "remotecall: "+format+"\n", a...)
	os.Exit(1)
}
