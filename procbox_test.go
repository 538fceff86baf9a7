package procbox

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/procbox/procbox/internal/enginetest"
	"github.com/procbox/procbox/internal/wasip"
	"github.com/procbox/procbox/sys"
)

func TestRun_NoEngine(t *testing.T) {
	r := NewRuntime(nil)
	_, err := r.Run(context.Background(), []byte{0, 'a', 's', 'm'}, NewModuleConfig())
	require.ErrorIs(t, err, ErrNoEngine)
}

func TestRun_ExitCode(t *testing.T) {
	reg := enginetest.NewRegistry()
	bin := reg.Register(&enginetest.Program{
		Name: "main",
		Main: func(ctx context.Context, mod *enginetest.Module) error {
			mod.Syscall(ctx, wasip.SysProcExit, 3)
			return nil
		},
	})

	code, err := NewRuntime(reg.Loader()).Run(context.Background(), bin, NewModuleConfig())
	require.NoError(t, err)
	require.Equal(t, uint32(3), code)
}

func TestRun_FaultReturnsExitError(t *testing.T) {
	reg := enginetest.NewRegistry()
	bin := reg.Register(&enginetest.Program{
		Name: "crash",
		Main: func(context.Context, *enginetest.Module) error {
			return errors.New("unreachable executed")
		},
	})

	code, err := NewRuntime(reg.Loader()).Run(context.Background(), bin, NewModuleConfig())
	require.Equal(t, sys.FaultExitCode, code)
	var ee *sys.ExitError
	require.ErrorAs(t, err, &ee)
	require.Equal(t, sys.FaultExitCode, ee.ExitCode())
}

// TestRun_MountedNamespace reads a host file through a mounted directory and
// writes guest output to stdout, exercising the whole stack from public
// config to dispatcher.
func TestRun_MountedNamespace(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(path.Join(dir, "greeting.txt"), []byte("hi there"), 0o600))

	reg := enginetest.NewRegistry()
	bin := reg.Register(&enginetest.Program{
		Name: "cat",
		Main: func(ctx context.Context, mod *enginetest.Module) error {
			mod.Memory.Write(0, []byte("/data/greeting.txt"))
			fd := mod.Syscall(ctx, wasip.SysPathOpen, 0, 18, 0, 0)
			assert.GreaterOrEqual(t, fd, int64(3))

			n := mod.Syscall(ctx, wasip.SysFdRead, uint64(fd), 64, 32)
			assert.Equal(t, int64(8), n)

			// fd 1 is stdout.
			assert.Equal(t, n, mod.Syscall(ctx, wasip.SysFdWrite, 1, 64, uint64(n)))

			mod.Syscall(ctx, wasip.SysProcExit, 0)
			return nil
		},
	})

	var stdout bytes.Buffer
	config := NewModuleConfig().
		WithArgs("cat", "/data/greeting.txt").
		WithStdout(&stdout).
		WithFSConfig(NewFSConfig().WithDirMount(dir, "/data"))

	code, err := NewRuntime(reg.Loader()).Run(context.Background(), bin, config)
	require.NoError(t, err)
	require.Zero(t, code)
	require.Equal(t, "hi there", stdout.String())
}

func TestRun_ReadOnlyMountRefusesWrites(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(path.Join(dir, "f"), []byte("x"), 0o600))

	reg := enginetest.NewRegistry()
	bin := reg.Register(&enginetest.Program{
		Name: "writer",
		Main: func(ctx context.Context, mod *enginetest.Module) error {
			mod.Memory.Write(0, []byte("/ro/f"))
			res := mod.Syscall(ctx, wasip.SysPathOpen, 0, 5, 0, uint64(wasip.FD_WRITE))
			assert.Equal(t, -int64(wasip.ErrnoRofs), res)

			// Reading still works.
			fd := mod.Syscall(ctx, wasip.SysPathOpen, 0, 5, 0, 0)
			assert.GreaterOrEqual(t, fd, int64(3))

			mod.Syscall(ctx, wasip.SysProcExit, 0)
			return nil
		},
	})

	config := NewModuleConfig().
		WithFSConfig(NewFSConfig().WithReadOnlyDirMount(dir, "/ro"))
	code, err := NewRuntime(reg.Loader()).Run(context.Background(), bin, config)
	require.NoError(t, err)
	require.Zero(t, code)
}

func TestModuleConfig_EnvOverride(t *testing.T) {
	reg := enginetest.NewRegistry()
	var got []string
	bin := reg.Register(&enginetest.Program{
		Name: "env",
		Main: func(ctx context.Context, mod *enginetest.Module) error {
			const countPtr, sizePtr, offsetsPtr, bufPtr = 0, 4, 8, 64
			assert.Zero(t, mod.Syscall(ctx, wasip.SysEnvironSizesGet, countPtr, sizePtr))
			count, _ := mod.Memory.ReadUint32Le(countPtr)
			assert.Zero(t, mod.Syscall(ctx, wasip.SysEnvironGet, offsetsPtr, bufPtr))
			for i := uint32(0); i < count; i++ {
				off, _ := mod.Memory.ReadUint32Le(offsetsPtr + i*4)
				var s []byte
				for {
					b, _ := mod.Memory.ReadByte(off)
					if b == 0 {
						break
					}
					s = append(s, b)
					off++
				}
				got = append(got, string(s))
			}
			mod.Syscall(ctx, wasip.SysProcExit, 0)
			return nil
		},
	})

	config := NewModuleConfig().
		WithEnv("A", "1").
		WithEnv("B", "2").
		WithEnv("A", "3") // later definition of the same key wins

	code, err := NewRuntime(reg.Loader()).Run(context.Background(), bin, config)
	require.NoError(t, err)
	require.Zero(t, code)
	require.Equal(t, []string{"A=3", "B=2"}, got)
}
