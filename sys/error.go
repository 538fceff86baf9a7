// Package sys includes constants and types used by both public and internal
// APIs to represent sandbox process termination.
package sys

import "fmt"

// FaultExitCode is the observable exit code of a sandbox that trapped or
// faulted before calling exit. It is distinct from any code a guest can pass
// to exit, which is truncated to 8 bits, and from zero, so a crash is never
// mistaken for success.
const FaultExitCode uint32 = 134

// ExitError is returned to a caller of api.Instance Start, Resume or
// InvokeThread when the guest terminated the process instead of returning.
// ExitCode zero means success, while any other value is an error.
//
// Here's an example of how to tell a clean exit apart from a failure:
//
//	if exitErr, ok := err.(*sys.ExitError); ok && exitErr.ExitCode() == 0 {
//		// the guest called exit(0)
//	}
//
// Note: The usual reason is the guest's exit syscall, but process teardown
// also unwinds sibling threads with an ExitError carrying the same code.
type ExitError struct {
	processName string
	exitCode    uint32
}

func NewExitError(processName string, exitCode uint32) *ExitError {
	return &ExitError{processName: processName, exitCode: exitCode}
}

// ProcessName is the name of the process that terminated.
func (e *ExitError) ProcessName() string {
	return e.processName
}

// ExitCode returns zero on success, and an arbitrary value otherwise.
func (e *ExitError) ExitCode() uint32 {
	return e.exitCode
}

// Error implements error.
func (e *ExitError) Error() string {
	return fmt.Sprintf("process %q closed with exit_code(%d)", e.processName, e.exitCode)
}

// Is allows errors.Is to match any ExitError with the same name and code.
func (e *ExitError) Is(err error) bool {
	if target, ok := err.(*ExitError); ok {
		return e.processName == target.processName && e.exitCode == target.exitCode
	}
	return false
}
