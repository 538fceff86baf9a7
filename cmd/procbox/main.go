// Command procbox runs a guest binary as an emulated process tree. The
// execution engine is linked in separately and registers itself through
// procbox.RegisterEngine.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// exitCodeError carries a guest exit code through cobra's error path.
type exitCodeError struct {
	code uint32
}

func (e *exitCodeError) Error() string {
	return fmt.Sprintf("exit code %d", e.code)
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		var ec *exitCodeError
		if errors.As(err, &ec) {
			os.Exit(int(ec.code))
		}
		fmt.Fprintln(os.Stderr, "procbox:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "procbox",
		Short:         "run sandboxed binaries as POSIX-like process trees",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(newRunCmd())
	return cmd
}
