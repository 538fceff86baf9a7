package sys

import (
	"crypto/rand"
	"errors"
	"io"
	pathutil "path"
	"strings"
	"time"

	"github.com/procbox/procbox/internal/sysfs"
)

// Context holds process-scoped system state: argv, environment, working
// directory, stdio, the random source, the clock, and the descriptor table.
//
// Fork clones it; exec replaces argv and the environment in place while
// everything descriptor-related survives.
type Context struct {
	args, environ []string
	cwd           string

	stdin          io.Reader
	stdout, stderr io.Writer
	randSource     io.Reader
	walltime       func() int64

	fsc *FSContext
}

// NewContext builds a Context from process-start state.
//
// environ entries are "key=value"; a later definition of the same key
// overrides an earlier one, per POSIX environment semantics.
func NewContext(args, environ []string, cwd string, stdin io.Reader, stdout, stderr io.Writer, randSource io.Reader, walltime func() int64, rootFS sysfs.FS) (*Context, error) {
	for _, e := range environ {
		if !strings.Contains(e, "=") {
			return nil, errors.New("environ invalid: must be format key=value")
		}
	}
	c := &Context{
		args:       args,
		environ:    dedupeEnviron(environ),
		cwd:        cleanCwd(cwd),
		stdin:      stdin,
		stdout:     stdout,
		stderr:     stderr,
		randSource: randSource,
		walltime:   walltime,
	}
	if c.stdin == nil {
		c.stdin = eofReader{}
	}
	if c.stdout == nil {
		c.stdout = io.Discard
	}
	if c.stderr == nil {
		c.stderr = io.Discard
	}
	if c.randSource == nil {
		c.randSource = rand.Reader
	}
	if c.walltime == nil {
		c.walltime = func() int64 { return time.Now().UnixNano() }
	}
	c.fsc = NewFSContext(c.stdin, c.stdout, c.stderr, rootFS)
	return c, nil
}

// dedupeEnviron keeps the last definition of each key, preserving first-seen
// order of keys.
func dedupeEnviron(environ []string) []string {
	index := make(map[string]int, len(environ))
	out := make([]string, 0, len(environ))
	for _, e := range environ {
		k := e[:strings.IndexByte(e, '=')]
		if i, ok := index[k]; ok {
			out[i] = e
			continue
		}
		index[k] = len(out)
		out = append(out, e)
	}
	return out
}

func cleanCwd(cwd string) string {
	if cwd == "" {
		return "/"
	}
	return pathutil.Clean("/" + cwd)
}

// Args is like os.Args and defaults to nil.
func (c *Context) Args() []string { return c.args }

// ArgsSize is the size to encode Args as null-terminated strings.
func (c *Context) ArgsSize() uint32 { return nullTerminatedByteCount(c.args) }

// Environ are "key=value" entries like os.Environ.
func (c *Context) Environ() []string { return c.environ }

// EnvironSize is the size to encode Environ as null-terminated strings.
func (c *Context) EnvironSize() uint32 { return nullTerminatedByteCount(c.environ) }

func nullTerminatedByteCount(elems []string) (n uint32) {
	for _, e := range elems {
		n += uint32(len(e)) + 1
	}
	return n
}

// Cwd returns the current working directory, always absolute.
func (c *Context) Cwd() string { return c.cwd }

// Chdir sets the working directory after resolving it against the current
// one.
func (c *Context) Chdir(path string) {
	c.cwd = c.Absolute(path)
}

// Absolute resolves a guest path against the working directory.
func (c *Context) Absolute(path string) string {
	if strings.HasPrefix(path, "/") {
		return pathutil.Clean(path)
	}
	return pathutil.Join(c.cwd, path)
}

// Stdin is like exec.Cmd Stdin and defaults to a reader of EOF.
func (c *Context) Stdin() io.Reader { return c.stdin }

// Stdout is like exec.Cmd Stdout and defaults to io.Discard.
func (c *Context) Stdout() io.Writer { return c.stdout }

// Stderr is like exec.Cmd Stderr and defaults to io.Discard.
func (c *Context) Stderr() io.Writer { return c.stderr }

// RandSource is a source of random bytes, defaulting to crypto/rand.Reader.
func (c *Context) RandSource() io.Reader { return c.randSource }

// WalltimeNanos returns the current wall clock reading.
func (c *Context) WalltimeNanos() int64 { return c.walltime() }

// FS returns the process's descriptor table context.
func (c *Context) FS() *FSContext { return c.fsc }

// Fork clones the context for a child process: argv, environment and cwd are
// copied, stdio and the namespace are shared, and the descriptor table is
// duplicated with shared open-file state.
func (c *Context) Fork() *Context {
	child := &Context{
		args:       append([]string(nil), c.args...),
		environ:    append([]string(nil), c.environ...),
		cwd:        c.cwd,
		stdin:      c.stdin,
		stdout:     c.stdout,
		stderr:     c.stderr,
		randSource: c.randSource,
		walltime:   c.walltime,
		fsc:        c.fsc.Fork(),
	}
	return child
}

// Exec replaces argv and the environment in place, per POSIX exec: the new
// environment fully replaces, never merges with, the previous one. The
// working directory and descriptor table survive.
func (c *Context) Exec(args, environ []string) {
	c.args = args
	c.environ = dedupeEnviron(environ)
}
