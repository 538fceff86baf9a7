// Package enginetest is a scriptable execution engine for tests. Programs
// are Go closures standing in for compiled guest code: they read and write
// the instance's linear memory and trap into the host syscall surface, which
// is exactly the contract real engine output has.
package enginetest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/procbox/procbox/api"
)

// Program scripts one guest binary.
type Program struct {
	Name     string
	MinPages uint32
	MaxPages uint32

	// Main is the program entry point.
	Main func(ctx context.Context, mod *Module) error

	// OnResume runs when a forked child re-enters mid-execution. The scripted
	// body decides what "resuming after fork" means by reading the memory
	// image it was given.
	OnResume func(ctx context.Context, mod *Module) error

	// ThreadEntry runs for spawned threads, receiving the entry index and
	// argument passed to the spawn call.
	ThreadEntry func(ctx context.Context, mod *Module, entry, arg uint32) error

	// InstantiateErr, when set, makes every instantiation of this program
	// fail with it, standing in for a module that compiles but cannot link.
	InstantiateErr error
}

// Binary returns the byte string that loads this program: a valid magic
// prefix followed by the program name.
func (p *Program) Binary() []byte {
	return append([]byte{0x00, 'a', 's', 'm'}, p.Name...)
}

// Registry maps binaries to programs and acts as the module loader.
type Registry struct {
	mu       sync.Mutex
	programs map[string]*Program
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{programs: map[string]*Program{}}
}

// Register adds a program and returns its binary.
func (r *Registry) Register(p *Program) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.programs[p.Name] = p
	return p.Binary()
}

// Loader returns the api.ModuleLoader resolving registered binaries.
func (r *Registry) Loader() api.ModuleLoader {
	return func(binary []byte) (api.CompiledModule, error) {
		if len(binary) < 4 || binary[0] != 0 || string(binary[1:4]) != "asm" {
			return nil, errors.New("invalid magic number")
		}
		r.mu.Lock()
		p, ok := r.programs[string(binary[4:])]
		r.mu.Unlock()
		if !ok {
			return nil, fmt.Errorf("unknown module %q", binary[4:])
		}
		return &compiled{p: p}, nil
	}
}

type compiled struct {
	p *Program
}

func (c *compiled) Name() string { return c.p.Name }

func (c *compiled) MinMemoryPages() uint32 {
	if c.p.MinPages == 0 {
		return 1
	}
	return c.p.MinPages
}

func (c *compiled) MaxMemoryPages() uint32 {
	if c.p.MaxPages == 0 {
		return 65536
	}
	return c.p.MaxPages
}

func (c *compiled) ImportedFunctions() []string {
	return []string{"env.syscall"}
}

func (c *compiled) Instantiate(_ context.Context, mem api.Memory, host api.Syscaller) (api.Instance, error) {
	if c.p.InstantiateErr != nil {
		return nil, c.p.InstantiateErr
	}
	return &Instance{p: c.p, mod: &Module{Memory: mem, host: host}}, nil
}

// Module is what a scripted program body executes against.
type Module struct {
	Memory api.Memory
	host   api.Syscaller
}

// Syscall traps into the host surface the instance was bound to.
func (m *Module) Syscall(ctx context.Context, num uint32, args ...uint64) int64 {
	return m.host.Syscall(ctx, num, args)
}

// Instance executes a Program.
type Instance struct {
	p   *Program
	mod *Module
}

func (i *Instance) Start(ctx context.Context) error {
	if i.p.Main == nil {
		return errors.New("module has no entry point")
	}
	return guard(ctx, i.mod, i.p.Main)
}

func (i *Instance) Resume(ctx context.Context) error {
	if i.p.OnResume == nil {
		return errors.New("memory image has no resumption point")
	}
	return guard(ctx, i.mod, i.p.OnResume)
}

func (i *Instance) InvokeThread(ctx context.Context, entry, arg uint32) error {
	if i.p.ThreadEntry == nil {
		return errors.New("module has no thread entry")
	}
	return guard(ctx, i.mod, func(ctx context.Context, mod *Module) error {
		return i.p.ThreadEntry(ctx, mod, entry, arg)
	})
}

func (i *Instance) Close(context.Context) error { return nil }

// guard runs a program body, recovering host-function panics into errors the
// way a real engine unwinds guest frames.
func guard(ctx context.Context, mod *Module, f func(context.Context, *Module) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = e
			} else {
				err = fmt.Errorf("guest trap: %v", r)
			}
		}
	}()
	return f(ctx, mod)
}
