/*
package caller forces a target process to call one of its own functions by
injecting a generated machine-code stub and running it on a new remote thread.
*/
package caller

import (
	"encoding/binary"
	"fmt"
)

// Convention translates a function address and argument list into the machine
// code of a caller stub. Encoding is split in two phases because a near
// relative call cannot be finalized until the stub's own remote address is
// known: EncodeTemplate emits the stub with a zero displacement, and Patch
// rewrites the displacement once the allocation has a base address.
type Convention interface {
	Name() string
	// WordSize is the argument/return width in bytes on the target.
	WordSize() int
	// StubSize returns the encoded stub length for an argument count.
	StubSize(argc int) int
	EncodeTemplate(args []uintptr) ([]byte, error)
	Patch(stub []byte, functionAddr, remoteBase uintptr) error
}

// Cdecl32 encodes the i686 caller-cleanup integer convention:
//
//	68 XX XX XX XX    push imm32       last argument pushed first
//	...
//	E8 XX XX XX XX    call rel32
//	83 C4 XX          add esp, imm8    imm8 = 4 * argc
//	C3                ret              terminates the hosting thread
//
// The called function leaves its return value in eax, which the remote
// thread then reports as its exit code.
type Cdecl32 struct{}

const (
	cdeclWordSize     = 4
	cdeclPushSize     = 1 + cdeclWordSize
	cdeclCallSize     = 1 + cdeclWordSize
	cdeclStackFixSize = 3
	cdeclRetSize      = 1

	// add esp, imm8 sign-extends its operand, so the stub can only clean
	// up 127 bytes of pushed arguments.
	cdeclMaxArgs = 127 / cdeclWordSize
)

func (Cdecl32) Name() string { return "cdecl" }

func (Cdecl32) WordSize() int { return cdeclWordSize }

func (Cdecl32) StubSize(argc int) int {
	return cdeclPushSize*argc + cdeclCallSize + cdeclStackFixSize + cdeclRetSize
}

// EncodeTemplate emits the full stub with a zero call displacement.
// Arguments are pushed in reverse so the first argument ends up nearest the
// top of the stack, where the callee reads it.
func (c Cdecl32) EncodeTemplate(args []uintptr) ([]byte, error) {
	if len(args) > cdeclMaxArgs {
		return nil, fmt.Errorf("%w: %d arguments, cdecl stub cleans up at most %d",
			ErrTooManyArguments, len(args), cdeclMaxArgs)
	}
	stub := make([]byte, 0, c.StubSize(len(args)))
	for i := len(args) - 1; i >= 0; i-- {
		if uint64(args[i]) > 0xFFFFFFFF {
			return nil, fmt.Errorf("%w: argument %d is 0x%X", ErrBadArgument, i, uint64(args[i]))
		}
		stub = append(stub, 0x68, 0, 0, 0, 0)
		binary.LittleEndian.PutUint32(stub[len(stub)-cdeclWordSize:], uint32(args[i]))
	}
	stub = append(stub, 0xE8, 0, 0, 0, 0)
	stub = append(stub, 0x83, 0xC4, byte(cdeclWordSize*len(args)))
	stub = append(stub, 0xC3)
	return stub, nil
}

// Patch writes the near call displacement, relative to the address
// immediately after the call instruction at its final remote location.
func (Cdecl32) Patch(stub []byte, functionAddr, remoteBase uintptr) error {
	if uint64(functionAddr) > 0xFFFFFFFF {
		return fmt.Errorf("%w: function address 0x%X", ErrBadArgument, uint64(functionAddr))
	}
	callOff := len(stub) - cdeclRetSize - cdeclStackFixSize - cdeclCallSize
	if callOff < 0 || stub[callOff] != 0xE8 {
		return fmt.Errorf("stub is not a cdecl template")
	}
	disp := uint32(functionAddr) - uint32(remoteBase) - uint32(callOff) - cdeclCallSize
	binary.LittleEndian.PutUint32(stub[callOff+1:], disp)
	return nil
}
