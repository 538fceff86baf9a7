package procbox

import (
	"io"

	"github.com/procbox/procbox/internal/sysfs"
)

// ModuleConfig configures one root process: its argv, environment, stdio,
// working directory and filesystem namespace. Each With method returns a
// copy, so a base configuration can be shared and specialized.
type ModuleConfig struct {
	args    []string
	environ []string
	stdin   io.Reader
	stdout  io.Writer
	stderr  io.Writer
	workDir string

	fsConfig FSConfig

	randSource io.Reader
	walltime   func() int64
}

// NewModuleConfig returns a configuration with no arguments, an empty
// environment, "/" as the working directory and no mounts.
func NewModuleConfig() ModuleConfig {
	return ModuleConfig{workDir: "/"}
}

// WithArgs sets argv. args[0] conventionally names the program.
func (c ModuleConfig) WithArgs(args ...string) ModuleConfig {
	c.args = append([]string(nil), args...)
	return c
}

// WithEnv adds one environment variable. Setting the same key twice keeps
// the later value.
func (c ModuleConfig) WithEnv(key, value string) ModuleConfig {
	c.environ = append(append([]string(nil), c.environ...), key+"="+value)
	return c
}

// WithStdin sets the process's standard input. Defaults to an empty reader.
func (c ModuleConfig) WithStdin(r io.Reader) ModuleConfig {
	c.stdin = r
	return c
}

// WithStdout sets standard output. Defaults to discarding.
func (c ModuleConfig) WithStdout(w io.Writer) ModuleConfig {
	c.stdout = w
	return c
}

// WithStderr sets standard error. Defaults to discarding.
func (c ModuleConfig) WithStderr(w io.Writer) ModuleConfig {
	c.stderr = w
	return c
}

// WithWorkDir sets the initial working directory, a guest path.
func (c ModuleConfig) WithWorkDir(dir string) ModuleConfig {
	c.workDir = dir
	return c
}

// WithFSConfig sets the guest filesystem namespace.
func (c ModuleConfig) WithFSConfig(fs FSConfig) ModuleConfig {
	c.fsConfig = fs
	return c
}

// WithRandSource sets the reader backing random_get. Defaults to the
// platform's cryptographic source.
func (c ModuleConfig) WithRandSource(r io.Reader) ModuleConfig {
	c.randSource = r
	return c
}

// WithWalltime sets the nanosecond clock backing clock_time_get. Defaults to
// the system clock.
func (c ModuleConfig) WithWalltime(f func() int64) ModuleConfig {
	c.walltime = f
	return c
}

func (c ModuleConfig) buildRootFS() (sysfs.FS, error) {
	return c.fsConfig.buildRootFS()
}
