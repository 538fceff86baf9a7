// Package api includes constants and interfaces used by both end-users and
// internal implementations.
package api

import "context"

// Memory allows access to a sandbox instance's linear memory.
//
// All offsets are guest addresses, which means every access is bounds-checked
// against the current memory size. Functions return false or (zero, false)
// when the requested range is out of bounds, never panicking on bad guest
// input.
//
// Note: Integers are encoded little-endian, per the guest's native byte
// order.
type Memory interface {
	// Size returns the size in bytes available. e.g. If the underlying memory
	// has 1 page: 65536.
	Size() uint32

	// ReadByte reads a single byte from the underlying buffer at the offset,
	// or returns false if out of range.
	ReadByte(offset uint32) (byte, bool)

	// ReadUint32Le reads a uint32 in little-endian encoding from the
	// underlying buffer at the offset, or returns false if out of range.
	ReadUint32Le(offset uint32) (uint32, bool)

	// ReadUint64Le reads a uint64 in little-endian encoding from the
	// underlying buffer at the offset, or returns false if out of range.
	ReadUint64Le(offset uint32) (uint64, bool)

	// Read reads byteCount bytes from the underlying buffer at the offset, or
	// returns false if out of range.
	//
	// The returned slice aliases the underlying buffer: writes to it are
	// visible to the guest until the memory grows.
	Read(offset, byteCount uint32) ([]byte, bool)

	// WriteByte writes a single byte to the underlying buffer at the offset,
	// or returns false if out of range.
	WriteByte(offset uint32, v byte) bool

	// WriteUint32Le writes a uint32 in little-endian encoding to the
	// underlying buffer at the offset, or returns false if out of range.
	WriteUint32Le(offset, v uint32) bool

	// WriteUint64Le writes a uint64 in little-endian encoding to the
	// underlying buffer at the offset, or returns false if out of range.
	WriteUint64Le(offset uint32, v uint64) bool

	// Write writes the slice to the underlying buffer at the offset, or
	// returns false if out of range.
	Write(offset uint32, v []byte) bool

	// Grow extends the memory buffer by deltaPages and returns the previous
	// page count, or false when growth would exceed the maximum.
	//
	// Growth is exclusive with all other access to the same memory: callers
	// never observe a partially grown buffer.
	Grow(deltaPages uint32) (previousPages uint32, ok bool)

	// PageCount returns the current size in pages.
	PageCount() uint32
}

// Syscaller is the single entry point generated sandbox code traps into for
// every emulated system call.
//
// num identifies the call (see internal/wasip), args carry raw integers and
// guest pointers. The result is the call's return value, or a negative errno
// when the call failed. Every guest pointer in args is validated against the
// calling sandbox's memory bounds before it is dereferenced.
type Syscaller interface {
	Syscall(ctx context.Context, num uint32, args []uint64) int64
}

// CompiledModule is an opaque validated module produced by an execution
// engine. The engine itself (instruction selection, code generation) is
// outside this repository: this interface is the whole contract.
type CompiledModule interface {
	// Name is the module's declared name, used in error messages.
	Name() string

	// MinMemoryPages is the initial linear memory size the module requires.
	MinMemoryPages() uint32

	// MaxMemoryPages is the memory growth limit, or 65536 when unbounded.
	MaxMemoryPages() uint32

	// ImportedFunctions lists the host function names the module expects,
	// including the syscall surface.
	ImportedFunctions() []string

	// Instantiate binds the module to a linear memory and a host syscall
	// surface, returning an executable instance.
	Instantiate(ctx context.Context, mem Memory, host Syscaller) (Instance, error)
}

// Instance is one executable binding of a CompiledModule.
//
// Host functions invoked from guest code may panic (e.g. with
// *sys.ExitError); engines must recover such panics and return them as
// errors from Start, Resume and InvokeThread.
type Instance interface {
	// Start invokes the module entry point and returns when the guest
	// finishes or traps.
	Start(ctx context.Context) error

	// Resume continues execution at the resumption point captured in the
	// current memory image. This is how a forked child re-enters: its memory
	// is a snapshot taken mid-execution by the parent.
	Resume(ctx context.Context) error

	// InvokeThread runs the module's thread entry export with the given
	// function table index and argument, on the calling goroutine.
	InvokeThread(ctx context.Context, entry, arg uint32) error

	// Close releases resources owned by the instance.
	Close(ctx context.Context) error
}

// ModuleLoader validates a binary and compiles it into a CompiledModule.
// Implementations are provided by an execution engine.
type ModuleLoader func(binary []byte) (CompiledModule, error)
