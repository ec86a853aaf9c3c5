package caller

import "errors"

// Sentinel errors for each stage of the remote-call pipeline. OS-level
// failures wrap one of these with fmt.Errorf("%w: ...") and carry the
// underlying Win32 error or NTSTATUS code in the message.
var (
	ErrProcessAccess    = errors.New("cannot access target process")
	ErrRemoteAllocation = errors.New("cannot allocate memory in target process")
	ErrRemoteWrite      = errors.New("cannot write target process memory")
	ErrThreadCreation   = errors.New("cannot create thread in target process")
	ErrExecutionTimeout = errors.New("remote call timed out")
	ErrArgumentCount    = errors.New("argument count mismatch")
	ErrBadArgument      = errors.New("value does not fit the target word size")
	ErrTooManyArguments = errors.New("too many arguments for the calling convention")
	ErrModuleNotFound   = errors.New("module not found")
	ErrSymbolNotFound   = errors.New("symbol not found")
)
