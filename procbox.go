// Package procbox lets a single sandboxed binary behave like a POSIX
// process: it can fork, exec, spawn threads, open files through a mapped
// namespace, and map file regions into its linear memory.
//
// The execution engine compiling and running guest code is a collaborator,
// not part of this module. A Runtime is constructed around an
// api.ModuleLoader provided by an engine; everything behind the syscall
// surface lives here.
package procbox

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/procbox/procbox/api"
	"github.com/procbox/procbox/internal/dispatch"
	"github.com/procbox/procbox/internal/proc"
	internalsys "github.com/procbox/procbox/internal/sys"
	"github.com/procbox/procbox/sys"
)

// ErrNoEngine is returned by Run when the Runtime was built without an
// execution engine.
var ErrNoEngine = errors.New("no execution engine linked")

// Runtime runs guest binaries as emulated processes.
type Runtime struct {
	loader     api.ModuleLoader
	maxThreads int
	log        zerolog.Logger
}

// NewRuntime returns a Runtime compiling binaries with loader.
func NewRuntime(loader api.ModuleLoader) *Runtime {
	return &Runtime{loader: loader, log: zerolog.Nop()}
}

// WithLogger sets the logger used for process lifecycle and syscall
// diagnostics.
func (r *Runtime) WithLogger(log zerolog.Logger) *Runtime {
	ret := *r
	ret.log = log
	return &ret
}

// WithMaxThreads bounds the thread count of each process. Zero means
// unbounded.
func (r *Runtime) WithMaxThreads(n int) *Runtime {
	ret := *r
	ret.maxThreads = n
	return &ret
}

// Run executes binary as the root process of a fresh process tree and blocks
// until it terminates, returning its exit code. Fork descendants it leaves
// behind are orphaned and reaped as they finish.
//
// A process terminated by a fault (an engine trap) yields sys.FaultExitCode.
// Canceling ctx abandons the wait but does not stop guest threads already
// executing; they unwind at their next syscall.
func (r *Runtime) Run(ctx context.Context, binary []byte, config ModuleConfig) (uint32, error) {
	if r.loader == nil {
		return 0, ErrNoEngine
	}

	rootFS, err := config.buildRootFS()
	if err != nil {
		return 0, fmt.Errorf("invalid filesystem config: %w", err)
	}
	sysCtx, err := internalsys.NewContext(
		config.args, config.environ, config.workDir,
		config.stdin, config.stdout, config.stderr,
		config.randSource, config.walltime, rootFS)
	if err != nil {
		return 0, err
	}

	m := proc.NewManager(r.loader, nil, r.maxThreads, r.log)
	m.SetSyscaller(dispatch.Syscaller(m, r.log))

	name := "module"
	if len(config.args) > 0 {
		name = config.args[0]
	}
	p, err := m.StartProcess(ctx, name, binary, sysCtx)
	if err != nil {
		return 0, err
	}
	st, err := m.AwaitExit(ctx, p)
	if err != nil {
		return 0, err
	}
	if st.Signaled {
		return st.ExitCode, sys.NewExitError(name, st.ExitCode)
	}
	return st.ExitCode, nil
}
